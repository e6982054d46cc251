package eventlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// DefaultFlushInterval is the longest time an appended event may sit in the
// write buffer before it is flushed to the OS.
var DefaultFlushInterval = time.Second

// listSegments returns the numeric names of all segment files in dir, sorted
// ascending. A missing directory is not an error (empty result).
func listSegments(dir string) ([]int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}
	nums := []int{}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".bin") {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSuffix(name, ".bin"))
		if err != nil {
			continue
		}
		nums = append(nums, n)
	}
	sort.Ints(nums)
	return nums, nil
}

func segmentPath(dir string, num int) string {
	return filepath.Join(dir, fmt.Sprintf("%d.bin", num))
}

// Writer appends events to the segment files of one database. Not safe for
// concurrent use.
type Writer struct {
	dir               string
	recordsPerSegment int
	flushInterval     time.Duration

	f          *os.File
	segNum     int
	numRecords int
	lastFlush  time.Time
}

// NewWriter creates a Writer for dir (created if missing). New events always
// go to a fresh segment numbered one above the current maximum.
func NewWriter(dir string, recordsPerSegment int) (*Writer, error) {
	if recordsPerSegment < 1 {
		return nil, errors.Errorf("eventlog: recordsPerSegment should be at least 1, got %d", recordsPerSegment)
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.WithStack(err)
	}
	// A previous writer may have died mid-append.
	if err := RepairTail(dir); err != nil {
		return nil, err
	}
	return &Writer{
		dir:               dir,
		recordsPerSegment: recordsPerSegment,
		flushInterval:     DefaultFlushInterval,
	}, nil
}

func (w *Writer) rotate() error {
	if w.f != nil {
		if err := w.f.Sync(); err != nil {
			return errors.WithStack(err)
		}
		if err := w.f.Close(); err != nil {
			return errors.WithStack(err)
		}
		w.f = nil
	}

	nums, err := listSegments(w.dir)
	if err != nil {
		return err
	}
	next := 1
	if len(nums) > 0 {
		next = nums[len(nums)-1] + 1
	}

	f, err := os.OpenFile(segmentPath(w.dir, next), os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0644)
	if err != nil {
		return errors.WithStack(err)
	}
	w.f = f
	w.segNum = next
	w.numRecords = 0
	return nil
}

// Append stores one event durably ordered after all previously appended ones.
// It never blocks on destination health, only on local disk.
func (w *Writer) Append(ev *Event) error {
	if w.f == nil || w.numRecords >= w.recordsPerSegment {
		if err := w.rotate(); err != nil {
			return err
		}
	}

	payload, err := encodeEvent(ev)
	if err != nil {
		return err
	}
	if _, err := w.f.Write(encodeFrame(payload)); err != nil {
		return errors.WithStack(err)
	}
	w.numRecords += ev.NumRecords()

	now := time.Now()
	if now.Sub(w.lastFlush) >= w.flushInterval {
		if err := w.f.Sync(); err != nil {
			return errors.WithStack(err)
		}
		w.lastFlush = now
	}
	return nil
}

// Flush syncs the current segment to disk.
func (w *Writer) Flush() error {
	if w.f == nil {
		return nil
	}
	w.lastFlush = time.Now()
	return errors.WithStack(w.f.Sync())
}

// Close flushes and closes the current segment.
func (w *Writer) Close() error {
	if w.f == nil {
		return nil
	}
	if err := w.f.Sync(); err != nil {
		w.f.Close()
		return errors.WithStack(err)
	}
	err := w.f.Close()
	w.f = nil
	return errors.WithStack(err)
}
