package eventlog

import (
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
)

// PreserveSegmentsCount is the number of newest segments retention never
// removes, regardless of age.
var PreserveSegmentsCount = 5

// RemoveOldSegments deletes segments of dir that were last modified at or
// before olderThan. The newest PreserveSegmentsCount segments and the
// currently written one are always kept.
func RemoveOldSegments(dir string, olderThan time.Time) error {
	nums, err := listSegments(dir)
	if err != nil {
		return err
	}
	if len(nums) <= PreserveSegmentsCount {
		return nil
	}
	for _, num := range nums[:len(nums)-PreserveSegmentsCount] {
		path := segmentPath(dir, num)
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if info.ModTime().After(olderThan) {
			continue
		}
		if err := os.Remove(path); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// TouchSegments refreshes the modification time of every segment in dir, the
// replicator uses it during a long initial snapshot so that events it has
// not consumed yet don't age out of retention.
func TouchSegments(dir string) error {
	nums, err := listSegments(dir)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, num := range nums {
		if err := os.Chtimes(segmentPath(dir, num), now, now); err != nil && !os.IsNotExist(err) {
			return errors.WithStack(err)
		}
	}
	return nil
}

// RepairTail truncates a torn trailing frame from the newest segment of dir.
// A torn tail appears when the writer dies mid-append; the frame was never
// durable so dropping it is safe (the ingestor re-emits from its persisted
// position). A complete frame with a bad checksum is real corruption and is
// returned as ErrCorruptLog instead.
func RepairTail(dir string) error {
	nums, err := listSegments(dir)
	if err != nil || len(nums) == 0 {
		return err
	}
	path := segmentPath(dir, nums[len(nums)-1])

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	offset := int64(0)
	for {
		payload, frameLen, torn, err := readFrame(f)
		if err == io.EOF {
			return nil
		}
		if torn {
			return errors.WithStack(f.Truncate(offset))
		}
		if err != nil {
			return err
		}
		if _, err := decodeEvent(payload); err != nil {
			return err
		}
		offset += int64(frameLen)
	}
}
