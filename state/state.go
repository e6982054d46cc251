// Package state persists replication progress to disk. Files carry an
// explicit envelope (magic, format version, checksum) so that corruption is
// detected on load instead of surfacing as a garbled deserialization.
package state

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"
	"io/ioutil"
	"os"

	"github.com/pkg/errors"
)

// ErrCorruptState is returned (wrapped) when a state file exists but cannot
// be decoded. It is fatal for the owning process: the operator decides
// whether to discard state and resync.
var ErrCorruptState = errors.New("state: corrupt state file")

var stateMagic = [4]byte{'M', '2', 'C', 'H'}

const stateVersion byte = 1

// save writes v atomically: envelope + JSON body to a tmp file, then rename.
func save(path string, v interface{}) error {
	body, err := json.Marshal(v)
	if err != nil {
		return errors.WithStack(err)
	}

	buf := make([]byte, 0, len(body)+9)
	buf = append(buf, stateMagic[:]...)
	buf = append(buf, stateVersion)
	var sum [4]byte
	binary.BigEndian.PutUint32(sum[:], crc32.ChecksumIEEE(body))
	buf = append(buf, sum[:]...)
	buf = append(buf, body...)

	tmp := path + ".tmp"
	if err := ioutil.WriteFile(tmp, buf, 0644); err != nil {
		return errors.WithStack(err)
	}
	return errors.WithStack(os.Rename(tmp, path))
}

// load reads a state file into v. os.IsNotExist errors are returned as-is so
// the caller can distinguish "fresh start" from corruption.
func load(path string, v interface{}) error {
	buf, err := ioutil.ReadFile(path)
	if err != nil {
		return errors.WithStack(err)
	}

	if len(buf) < 9 {
		return errors.WithMessagef(ErrCorruptState, "%s: truncated", path)
	}
	for i := range stateMagic {
		if buf[i] != stateMagic[i] {
			return errors.WithMessagef(ErrCorruptState, "%s: bad magic", path)
		}
	}
	if buf[4] != stateVersion {
		return errors.WithMessagef(ErrCorruptState, "%s: unknown version %d", path, buf[4])
	}

	body := buf[9:]
	if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(buf[5:9]) {
		return errors.WithMessagef(ErrCorruptState, "%s: checksum mismatch", path)
	}
	if err := json.Unmarshal(body, v); err != nil {
		return errors.WithMessagef(ErrCorruptState, "%s: %v", path, err)
	}
	return nil
}

// remove deletes the state file and its tmp leftover.
func remove(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.WithStack(err)
	}
	if err := os.Remove(path + ".tmp"); err != nil && !os.IsNotExist(err) {
		return errors.WithStack(err)
	}
	return nil
}
