package eventlog

import (
	"encoding/binary"
	"hash/crc32"
	"io"
	"os"

	"github.com/pkg/errors"
)

// ErrPositionNotFound is returned by OpenReader when the requested position
// is not present in any segment (e.g. segments were rotated away).
var ErrPositionNotFound = errors.New("eventlog: position not found")

// Reader is a sequential consumer of one database's segment files. When it
// reaches the end of a segment it transparently switches to the next one.
// Not safe for concurrent use.
type Reader struct {
	dir    string
	f      *os.File
	segNum int
	offset int64
}

// OpenReader opens a reader for dir. With a zero position the reader starts
// at the earliest segment (or waits for the first one to appear). With a
// non-zero position the reader locates the event with exactly that position
// and resumes right after it; ErrPositionNotFound is returned if no stored
// event carries it.
func OpenReader(dir string, from Position) (*Reader, error) {
	r := &Reader{dir: dir}
	if from.IsZero() {
		return r, nil
	}

	nums, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	if len(nums) == 0 {
		return nil, errors.WithMessagef(ErrPositionNotFound, "no segments in %s", dir)
	}

	// Pick the last segment whose first event is at or before the target.
	candidate := nums[len(nums)-1]
	prev := -1
	for _, num := range nums {
		first, err := firstPosition(segmentPath(dir, num))
		if err != nil {
			return nil, err
		}
		if first == nil {
			continue
		}
		if first.Compare(from) > 0 {
			if prev >= 0 {
				candidate = prev
			} else {
				candidate = num
			}
			break
		}
		prev = num
	}

	if err := r.open(candidate); err != nil {
		return nil, err
	}
	for {
		ev, err := r.Next()
		if err != nil {
			return nil, err
		}
		if ev == nil || ev.Pos.Compare(from) > 0 {
			return nil, errors.WithMessagef(ErrPositionNotFound, "position %s", from)
		}
		if ev.Pos.Compare(from) == 0 {
			return r, nil
		}
	}
}

// OpenReaderFrom opens a reader positioned at the start of the segment that
// may contain the first event after from. Unlike OpenReader it does not
// require from to name a stored event: events at or before from still come
// out and the caller is expected to skip them by comparing positions. A zero
// from (or a from earlier than all stored events) starts at the beginning.
func OpenReaderFrom(dir string, from Position) (*Reader, error) {
	r := &Reader{dir: dir}
	if from.IsZero() {
		return r, nil
	}

	nums, err := listSegments(dir)
	if err != nil {
		return nil, err
	}
	candidate := -1
	for _, num := range nums {
		first, err := firstPosition(segmentPath(dir, num))
		if err != nil {
			return nil, err
		}
		if first == nil {
			continue
		}
		if first.Compare(from) > 0 {
			break
		}
		candidate = num
	}
	if candidate < 0 {
		// Either no segments yet or everything stored is already past from.
		return r, nil
	}
	if err := r.open(candidate); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Reader) open(num int) error {
	if r.f != nil {
		r.f.Close()
		r.f = nil
	}
	f, err := os.Open(segmentPath(r.dir, num))
	if err != nil {
		return errors.WithStack(err)
	}
	r.f = f
	r.segNum = num
	r.offset = 0
	return nil
}

// SegmentNum returns the number of the segment currently being read.
func (r *Reader) SegmentNum() int {
	return r.segNum
}

// Offset returns the byte offset inside the current segment.
func (r *Reader) Offset() int64 {
	return r.offset
}

// Close releases the underlying file.
func (r *Reader) Close() error {
	if r.f == nil {
		return nil
	}
	err := r.f.Close()
	r.f = nil
	return errors.WithStack(err)
}

// nextSegment returns the smallest segment number greater than cur, or -1.
func nextSegment(dir string, cur int) (int, error) {
	nums, err := listSegments(dir)
	if err != nil {
		return -1, err
	}
	for _, num := range nums {
		if num > cur {
			return num, nil
		}
	}
	return -1, nil
}

// Next returns the next event, or (nil, nil) if no more events are stored
// yet (the caller should poll again later). A segment that ends with a torn
// frame but is followed by a newer segment, or that contains a frame with a
// bad checksum, yields ErrCorruptLog.
func (r *Reader) Next() (*Event, error) {
	if r.f == nil {
		nums, err := listSegments(r.dir)
		if err != nil {
			return nil, err
		}
		if len(nums) == 0 {
			return nil, nil
		}
		if err := r.open(nums[0]); err != nil {
			return nil, err
		}
	}

	for {
		payload, frameLen, torn, err := readFrame(r.f)
		if err == nil {
			r.offset += int64(frameLen)
			return decodeEvent(payload)
		}
		if torn {
			next, nerr := nextSegment(r.dir, r.segNum)
			if nerr != nil {
				return nil, nerr
			}
			if next >= 0 {
				// Data continues in a newer segment, the torn frame can never
				// be completed: unread data would be skipped.
				return nil, errors.WithMessagef(ErrCorruptLog, "torn frame in segment %d at offset %d", r.segNum, r.offset)
			}
			// The writer may still be appending this frame.
			if _, serr := r.f.Seek(r.offset, io.SeekStart); serr != nil {
				return nil, errors.WithStack(serr)
			}
			return nil, nil
		}
		if err != io.EOF {
			return nil, errors.WithMessagef(err, "segment %d at offset %d", r.segNum, r.offset)
		}

		// Clean end of segment: switch to the next one if it exists.
		next, nerr := nextSegment(r.dir, r.segNum)
		if nerr != nil {
			return nil, nerr
		}
		if next < 0 {
			return nil, nil
		}
		if err := r.open(next); err != nil {
			return nil, err
		}
	}
}

// readFrame reads one frame from the current file position. It returns
// torn=true when the file ends in the middle of a frame, and io.EOF when the
// file ends exactly at a frame boundary. A checksum or size error is
// reported as ErrCorruptLog.
func readFrame(f *os.File) (payload []byte, frameLen int, torn bool, err error) {
	var header [frameHeaderSize]byte
	n, err := io.ReadFull(f, header[:])
	if err == io.EOF {
		return nil, 0, false, io.EOF
	}
	if err == io.ErrUnexpectedEOF {
		return nil, n, true, io.ErrUnexpectedEOF
	}
	if err != nil {
		return nil, 0, false, errors.WithStack(err)
	}

	size := binary.BigEndian.Uint32(header[0:4])
	sum := binary.BigEndian.Uint32(header[4:8])
	if size > maxFrameSize {
		return nil, 0, false, errors.WithMessagef(ErrCorruptLog, "frame size %d too large", size)
	}

	payload = make([]byte, size)
	n, err = io.ReadFull(f, payload)
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		return nil, frameHeaderSize + n, true, io.ErrUnexpectedEOF
	}
	if err != nil {
		return nil, 0, false, errors.WithStack(err)
	}

	if crc32.ChecksumIEEE(payload) != sum {
		return nil, 0, false, errors.WithMessage(ErrCorruptLog, "checksum mismatch")
	}
	return payload, frameHeaderSize + int(size), false, nil
}

// firstPosition returns the position of the first event in a segment file,
// or nil for an empty segment.
func firstPosition(path string) (*Position, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer f.Close()

	payload, _, torn, err := readFrame(f)
	if err == io.EOF || torn {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	ev, err := decodeEvent(payload)
	if err != nil {
		return nil, err
	}
	return &ev.Pos, nil
}

// LastPosition scans the newest segment of dir and returns the position of
// its last decodable event. A torn tail frame (writer crash) is tolerated,
// a checksum error is not. The zero position is returned for an empty log.
func LastPosition(dir string) (Position, error) {
	nums, err := listSegments(dir)
	if err != nil || len(nums) == 0 {
		return Position{}, err
	}

	f, err := os.Open(segmentPath(dir, nums[len(nums)-1]))
	if err != nil {
		return Position{}, errors.WithStack(err)
	}
	defer f.Close()

	last := Position{}
	for {
		payload, _, torn, err := readFrame(f)
		if err == io.EOF || torn {
			return last, nil
		}
		if err != nil {
			return Position{}, err
		}
		ev, err := decodeEvent(payload)
		if err != nil {
			return Position{}, err
		}
		last = ev.Pos
	}
}
