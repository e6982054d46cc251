package eventlog

import (
	"encoding/binary"
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tmpDir(t *testing.T) string {
	dir, err := ioutil.TempDir("", "eventlog")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	return dir
}

func addEvent(file string, offset uint32, rows ...[]interface{}) *Event {
	return &Event{
		Pos:      Position{File: file, Offset: offset},
		Type:     EventAdd,
		Database: "testdb",
		Table:    "testtable",
		Rows:     rows,
	}
}

func TestWireRoundTrip(t *testing.T) {
	assert := assert.New(t)

	maxTime := time.Date(2155, 12, 31, 23, 59, 59, 999999000, time.UTC)
	minTime := time.Date(1000, 1, 1, 0, 0, 0, 0, time.UTC)

	row := []interface{}{
		nil,
		true,
		false,
		int8(-128), int8(127),
		int16(-32768), int16(32767),
		int32(-2147483648), int32(2147483647),
		int64(-9223372036854775808), int64(9223372036854775807),
		uint8(0), uint8(255),
		uint16(0), uint16(65535),
		uint32(0), uint32(4294967295),
		uint64(0), uint64(18446744073709551615),
		float32(1.5), float64(-2.25),
		"", "hello", "多字节",
		[]byte{}, []byte{0, 1, 2},
		minTime, maxTime,
	}

	ev := addEvent("binlog.000007", 1234, row, []interface{}{})
	ev.Query = "not a ddl but must survive"

	payload, err := encodeEvent(ev)
	assert.NoError(err)

	got, err := decodeEvent(payload)
	assert.NoError(err)
	assert.Equal(ev.Pos, got.Pos)
	assert.Equal(ev.Type, got.Type)
	assert.Equal(ev.Database, got.Database)
	assert.Equal(ev.Table, got.Table)
	assert.Equal(ev.Query, got.Query)
	require.Len(t, got.Rows, 2)
	assert.Equal(len(row), len(got.Rows[0]))
	for i := range row {
		assert.Equal(row[i], got.Rows[0][i], "value %d", i)
	}
}

func TestWireNormalizesPlainInts(t *testing.T) {
	assert := assert.New(t)

	payload, err := encodeEvent(addEvent("f", 1, []interface{}{int(-5), uint(5)}))
	assert.NoError(err)
	got, err := decodeEvent(payload)
	assert.NoError(err)
	assert.Equal(int64(-5), got.Rows[0][0])
	assert.Equal(uint64(5), got.Rows[0][1])
}

func TestWireRejectsBogusCounts(t *testing.T) {
	assert := assert.New(t)

	var huge [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(huge[:], 1<<40)

	// A well-formed payload ends with its row count (zero here). Swap it
	// for a count far beyond what the remaining bytes could hold.
	payload, err := encodeEvent(addEvent("binlog.000001", 1))
	require.NoError(t, err)
	bogus := append(payload[:len(payload)-1], huge[:n]...)
	_, err = decodeEvent(bogus)
	assert.Equal(ErrCorruptLog, errors.Cause(err))

	// Same for the per-row value count.
	payload, err = encodeEvent(addEvent("binlog.000001", 1, []interface{}{}))
	require.NoError(t, err)
	bogus = append(payload[:len(payload)-1], huge[:n]...)
	_, err = decodeEvent(bogus)
	assert.Equal(ErrCorruptLog, errors.Cause(err))
}

func TestWriteRead(t *testing.T) {
	assert := assert.New(t)
	dir := tmpDir(t)

	w, err := NewWriter(dir, 1000)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		assert.NoError(w.Append(addEvent("binlog.000001", uint32(i+1), []interface{}{int64(i)})))
	}
	assert.NoError(w.Close())

	r, err := OpenReader(dir, Position{})
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < 10; i++ {
		ev, err := r.Next()
		assert.NoError(err)
		require.NotNil(t, ev)
		assert.Equal(uint32(i+1), ev.Pos.Offset)
		assert.Equal(int64(i), ev.Rows[0][0])
	}

	// End of stream: nil event, nil error.
	ev, err := r.Next()
	assert.NoError(err)
	assert.Nil(ev)
}

func TestRotation(t *testing.T) {
	assert := assert.New(t)
	dir := tmpDir(t)

	// 2 records per segment.
	w, err := NewWriter(dir, 2)
	require.NoError(t, err)
	for i := 0; i < 7; i++ {
		assert.NoError(w.Append(addEvent("binlog.000001", uint32(i+1), []interface{}{int64(i)})))
	}
	assert.NoError(w.Close())

	nums, err := listSegments(dir)
	assert.NoError(err)
	assert.Equal([]int{1, 2, 3, 4}, nums)

	// Reader crosses segment boundaries transparently.
	r, err := OpenReader(dir, Position{})
	require.NoError(t, err)
	defer r.Close()
	count := 0
	for {
		ev, err := r.Next()
		assert.NoError(err)
		if ev == nil {
			break
		}
		count++
	}
	assert.Equal(7, count)
}

func TestReaderFollowsNewSegments(t *testing.T) {
	assert := assert.New(t)
	dir := tmpDir(t)

	w, err := NewWriter(dir, 1)
	require.NoError(t, err)
	assert.NoError(w.Append(addEvent("binlog.000001", 1, []interface{}{int64(1)})))
	assert.NoError(w.Flush())

	r, err := OpenReader(dir, Position{})
	require.NoError(t, err)
	defer r.Close()

	ev, err := r.Next()
	assert.NoError(err)
	require.NotNil(t, ev)

	ev, err = r.Next()
	assert.NoError(err)
	assert.Nil(ev)

	// New events appended after the reader drained the log must be seen.
	assert.NoError(w.Append(addEvent("binlog.000001", 2, []interface{}{int64(2)})))
	assert.NoError(w.Close())

	ev, err = r.Next()
	assert.NoError(err)
	require.NotNil(t, ev)
	assert.Equal(uint32(2), ev.Pos.Offset)
}

func TestResumeFromPosition(t *testing.T) {
	assert := assert.New(t)
	dir := tmpDir(t)

	w, err := NewWriter(dir, 3)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		assert.NoError(w.Append(addEvent("binlog.000001", uint32(i+1), []interface{}{int64(i)})))
	}
	assert.NoError(w.Close())

	r, err := OpenReader(dir, Position{File: "binlog.000001", Offset: 7})
	require.NoError(t, err)
	defer r.Close()

	ev, err := r.Next()
	assert.NoError(err)
	require.NotNil(t, ev)
	assert.Equal(uint32(8), ev.Pos.Offset)
}

func TestResumePositionNotFound(t *testing.T) {
	assert := assert.New(t)
	dir := tmpDir(t)

	w, err := NewWriter(dir, 1000)
	require.NoError(t, err)
	assert.NoError(w.Append(addEvent("binlog.000001", 5, []interface{}{int64(1)})))
	assert.NoError(w.Close())

	_, err = OpenReader(dir, Position{File: "binlog.000009", Offset: 1})
	assert.Equal(ErrPositionNotFound, errors.Cause(err))
}

func TestLastPosition(t *testing.T) {
	assert := assert.New(t)
	dir := tmpDir(t)

	pos, err := LastPosition(dir)
	assert.NoError(err)
	assert.True(pos.IsZero())

	w, err := NewWriter(dir, 2)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		assert.NoError(w.Append(addEvent("binlog.000001", uint32(i+1), []interface{}{int64(i)})))
	}
	assert.NoError(w.Close())

	pos, err = LastPosition(dir)
	assert.NoError(err)
	assert.Equal(Position{File: "binlog.000001", Offset: 5}, pos)
}

func TestCorruptSegment(t *testing.T) {
	assert := assert.New(t)
	dir := tmpDir(t)

	w, err := NewWriter(dir, 1000)
	require.NoError(t, err)
	assert.NoError(w.Append(addEvent("binlog.000001", 1, []interface{}{int64(1)})))
	assert.NoError(w.Close())

	// Flip a payload byte: checksum must fail and the reader must not skip.
	path := segmentPath(dir, 1)
	data, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, ioutil.WriteFile(path, data, 0644))

	r, err := OpenReader(dir, Position{})
	require.NoError(t, err)
	defer r.Close()
	_, err = r.Next()
	assert.Equal(ErrCorruptLog, errors.Cause(err))
}

func TestTornTailWaitsThenRepairs(t *testing.T) {
	assert := assert.New(t)
	dir := tmpDir(t)

	w, err := NewWriter(dir, 1000)
	require.NoError(t, err)
	assert.NoError(w.Append(addEvent("binlog.000001", 1, []interface{}{int64(1)})))
	assert.NoError(w.Close())

	// Simulate a writer crash mid-append: append half a frame.
	path := segmentPath(dir, 1)
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{0, 0, 0, 99, 1, 2})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// While it is the newest segment the reader just waits.
	r, err := OpenReader(dir, Position{})
	require.NoError(t, err)
	ev, err := r.Next()
	assert.NoError(err)
	require.NotNil(t, ev)
	ev, err = r.Next()
	assert.NoError(err)
	assert.Nil(ev)
	require.NoError(t, r.Close())

	// A restarted writer truncates the torn tail before opening a new
	// segment, so later readers never see it as corruption.
	w2, err := NewWriter(dir, 1000)
	require.NoError(t, err)
	assert.NoError(w2.Append(addEvent("binlog.000001", 2, []interface{}{int64(2)})))
	assert.NoError(w2.Close())

	r2, err := OpenReader(dir, Position{})
	require.NoError(t, err)
	defer r2.Close()
	count := 0
	for {
		ev, err := r2.Next()
		assert.NoError(err)
		if ev == nil {
			break
		}
		count++
	}
	assert.Equal(2, count)
}

func TestRemoveOldSegments(t *testing.T) {
	assert := assert.New(t)
	dir := tmpDir(t)

	w, err := NewWriter(dir, 1)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		assert.NoError(w.Append(addEvent("binlog.000001", uint32(i+1), []interface{}{int64(i)})))
	}
	assert.NoError(w.Close())

	// Everything is brand new: nothing removed with an old cutoff.
	assert.NoError(RemoveOldSegments(dir, time.Now().Add(-time.Hour)))
	nums, _ := listSegments(dir)
	assert.Len(nums, 10)

	// All old: the newest PreserveSegmentsCount survive.
	assert.NoError(RemoveOldSegments(dir, time.Now().Add(time.Hour)))
	nums, _ = listSegments(dir)
	assert.Len(nums, PreserveSegmentsCount)
	assert.Equal([]int{6, 7, 8, 9, 10}, nums)

	// Touching protects from an aggressive cutoff.
	require.NoError(t, os.Chtimes(filepath.Join(dir, "6.bin"), time.Now().Add(-2*time.Hour), time.Now().Add(-2*time.Hour)))
	assert.NoError(TouchSegments(dir))
	assert.NoError(RemoveOldSegments(dir, time.Now().Add(-time.Minute)))
	nums, _ = listSegments(dir)
	assert.Len(nums, PreserveSegmentsCount)
}

func TestOpenReaderFrom(t *testing.T) {
	assert := assert.New(t)
	dir := tmpDir(t)

	w, err := NewWriter(dir, 2)
	require.NoError(t, err)
	for _, offset := range []uint32{100, 200, 300, 400, 500} {
		require.NoError(t, w.Append(addEvent("f", offset, []interface{}{int64(offset)})))
	}
	require.NoError(t, w.Close())

	// A position between stored events is fine: the reader starts in the
	// covering segment and the caller skips the older events.
	r, err := OpenReaderFrom(dir, Position{File: "f", Offset: 250})
	require.NoError(t, err)
	defer r.Close()
	offsets := []uint32{}
	for {
		ev, err := r.Next()
		require.NoError(t, err)
		if ev == nil {
			break
		}
		if ev.Pos.Compare(Position{File: "f", Offset: 250}) <= 0 {
			continue
		}
		offsets = append(offsets, ev.Pos.Offset)
	}
	assert.Equal([]uint32{300, 400, 500}, offsets)

	// A position after everything stored positions the reader at the tail.
	r2, err := OpenReaderFrom(dir, Position{File: "f", Offset: 900})
	require.NoError(t, err)
	defer r2.Close()
	for {
		ev, err := r2.Next()
		require.NoError(t, err)
		if ev == nil {
			break
		}
		assert.True(ev.Pos.Compare(Position{File: "f", Offset: 900}) <= 0)
	}

	// An empty or missing directory is not an error.
	r3, err := OpenReaderFrom(filepath.Join(dir, "missing"), Position{File: "f", Offset: 100})
	require.NoError(t, err)
	ev, err := r3.Next()
	require.NoError(t, err)
	assert.Nil(ev)
	require.NoError(t, r3.Close())
}
