package eventlog

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"math"
	"time"

	"github.com/pkg/errors"
)

// ErrCorruptLog is returned (wrapped) whenever a segment contains a frame
// that cannot be decoded: bad checksum, torn write followed by newer data,
// unknown format version. It is fatal for the owning database, readers must
// not skip past it.
var ErrCorruptLog = errors.New("eventlog: corrupt log")

const (
	// wireVersion is bumped on any incompatible payload change.
	wireVersion byte = 1

	// maxFrameSize guards against reading garbage lengths from a corrupt
	// frame header.
	maxFrameSize = 64 << 20
)

// Value type tags. The tag set mirrors exactly the normalized value types the
// ingestor and the snapshot reader produce, so that every value round-trips
// with its original Go type (full uint64 range included).
const (
	tagNil byte = iota
	tagFalse
	tagTrue
	tagInt8
	tagInt16
	tagInt32
	tagInt64
	tagUint8
	tagUint16
	tagUint32
	tagUint64
	tagFloat32
	tagFloat64
	tagString
	tagBytes
	tagTime
)

func writeUvarint(buf *bytes.Buffer, v uint64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutUvarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeString(buf *bytes.Buffer, s string) {
	writeUvarint(buf, uint64(len(s)))
	buf.WriteString(s)
}

func writeValue(buf *bytes.Buffer, val interface{}) error {
	switch v := val.(type) {
	case nil:
		buf.WriteByte(tagNil)

	case bool:
		if v {
			buf.WriteByte(tagTrue)
		} else {
			buf.WriteByte(tagFalse)
		}

	case int8:
		buf.WriteByte(tagInt8)
		buf.WriteByte(byte(v))

	case int16:
		buf.WriteByte(tagInt16)
		var tmp [2]byte
		binary.BigEndian.PutUint16(tmp[:], uint16(v))
		buf.Write(tmp[:])

	case int32:
		buf.WriteByte(tagInt32)
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], uint32(v))
		buf.Write(tmp[:])

	case int64:
		buf.WriteByte(tagInt64)
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(v))
		buf.Write(tmp[:])

	case int:
		return writeValue(buf, int64(v))

	case uint8:
		buf.WriteByte(tagUint8)
		buf.WriteByte(v)

	case uint16:
		buf.WriteByte(tagUint16)
		var tmp [2]byte
		binary.BigEndian.PutUint16(tmp[:], v)
		buf.Write(tmp[:])

	case uint32:
		buf.WriteByte(tagUint32)
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], v)
		buf.Write(tmp[:])

	case uint64:
		buf.WriteByte(tagUint64)
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], v)
		buf.Write(tmp[:])

	case uint:
		return writeValue(buf, uint64(v))

	case float32:
		buf.WriteByte(tagFloat32)
		var tmp [4]byte
		binary.BigEndian.PutUint32(tmp[:], math.Float32bits(v))
		buf.Write(tmp[:])

	case float64:
		buf.WriteByte(tagFloat64)
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], math.Float64bits(v))
		buf.Write(tmp[:])

	case string:
		buf.WriteByte(tagString)
		writeString(buf, v)

	case []byte:
		buf.WriteByte(tagBytes)
		writeUvarint(buf, uint64(len(v)))
		buf.Write(v)

	case time.Time:
		// NOTE: stored as (unix seconds, nanos) instead of UnixNano so that
		// dates far outside the nano range (year 1000) survive.
		buf.WriteByte(tagTime)
		var tmp [8]byte
		binary.BigEndian.PutUint64(tmp[:], uint64(v.Unix()))
		buf.Write(tmp[:])
		var tmp4 [4]byte
		binary.BigEndian.PutUint32(tmp4[:], uint32(v.Nanosecond()))
		buf.Write(tmp4[:])

	default:
		return errors.Errorf("eventlog: can't encode value of type %T", val)
	}
	return nil
}

type wireReader struct {
	buf *bytes.Reader
}

func (r *wireReader) readUvarint() (uint64, error) {
	v, err := binary.ReadUvarint(r.buf)
	if err != nil {
		return 0, errors.WithMessage(ErrCorruptLog, "short uvarint")
	}
	return v, nil
}

func (r *wireReader) readN(n int) ([]byte, error) {
	if n < 0 || n > r.buf.Len() {
		return nil, errors.WithMessage(ErrCorruptLog, "short payload")
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r.buf, b); err != nil {
		return nil, errors.WithMessage(ErrCorruptLog, "short payload")
	}
	return b, nil
}

func (r *wireReader) readString() (string, error) {
	n, err := r.readUvarint()
	if err != nil {
		return "", err
	}
	b, err := r.readN(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *wireReader) readValue() (interface{}, error) {
	tag, err := r.buf.ReadByte()
	if err != nil {
		return nil, errors.WithMessage(ErrCorruptLog, "missing value tag")
	}

	switch tag {
	case tagNil:
		return nil, nil
	case tagFalse:
		return false, nil
	case tagTrue:
		return true, nil

	case tagInt8:
		b, err := r.readN(1)
		if err != nil {
			return nil, err
		}
		return int8(b[0]), nil

	case tagInt16:
		b, err := r.readN(2)
		if err != nil {
			return nil, err
		}
		return int16(binary.BigEndian.Uint16(b)), nil

	case tagInt32:
		b, err := r.readN(4)
		if err != nil {
			return nil, err
		}
		return int32(binary.BigEndian.Uint32(b)), nil

	case tagInt64:
		b, err := r.readN(8)
		if err != nil {
			return nil, err
		}
		return int64(binary.BigEndian.Uint64(b)), nil

	case tagUint8:
		b, err := r.readN(1)
		if err != nil {
			return nil, err
		}
		return b[0], nil

	case tagUint16:
		b, err := r.readN(2)
		if err != nil {
			return nil, err
		}
		return binary.BigEndian.Uint16(b), nil

	case tagUint32:
		b, err := r.readN(4)
		if err != nil {
			return nil, err
		}
		return binary.BigEndian.Uint32(b), nil

	case tagUint64:
		b, err := r.readN(8)
		if err != nil {
			return nil, err
		}
		return binary.BigEndian.Uint64(b), nil

	case tagFloat32:
		b, err := r.readN(4)
		if err != nil {
			return nil, err
		}
		return math.Float32frombits(binary.BigEndian.Uint32(b)), nil

	case tagFloat64:
		b, err := r.readN(8)
		if err != nil {
			return nil, err
		}
		return math.Float64frombits(binary.BigEndian.Uint64(b)), nil

	case tagString:
		return r.readString()

	case tagBytes:
		n, err := r.readUvarint()
		if err != nil {
			return nil, err
		}
		return r.readN(int(n))

	case tagTime:
		b, err := r.readN(12)
		if err != nil {
			return nil, err
		}
		sec := int64(binary.BigEndian.Uint64(b[:8]))
		nsec := int64(binary.BigEndian.Uint32(b[8:]))
		return time.Unix(sec, nsec).UTC(), nil

	default:
		return nil, errors.WithMessagef(ErrCorruptLog, "unknown value tag %d", tag)
	}
}

// encodeEvent serializes ev into a payload (without frame header).
func encodeEvent(ev *Event) ([]byte, error) {
	buf := &bytes.Buffer{}
	buf.WriteByte(wireVersion)
	buf.WriteByte(byte(ev.Type))
	writeString(buf, ev.Pos.File)
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], ev.Pos.Offset)
	buf.Write(tmp[:])
	writeString(buf, ev.Database)
	writeString(buf, ev.Table)
	writeString(buf, ev.Query)
	writeUvarint(buf, uint64(len(ev.Rows)))
	for _, row := range ev.Rows {
		writeUvarint(buf, uint64(len(row)))
		for _, val := range row {
			if err := writeValue(buf, val); err != nil {
				return nil, err
			}
		}
	}
	return buf.Bytes(), nil
}

// decodeEvent deserializes a payload produced by encodeEvent.
func decodeEvent(payload []byte) (*Event, error) {
	r := &wireReader{buf: bytes.NewReader(payload)}

	version, err := r.buf.ReadByte()
	if err != nil {
		return nil, errors.WithMessage(ErrCorruptLog, "empty payload")
	}
	if version != wireVersion {
		return nil, errors.WithMessagef(ErrCorruptLog, "unknown wire version %d", version)
	}

	typ, err := r.buf.ReadByte()
	if err != nil {
		return nil, errors.WithMessage(ErrCorruptLog, "missing event type")
	}

	ev := &Event{Type: EventType(typ)}
	if ev.Pos.File, err = r.readString(); err != nil {
		return nil, err
	}
	b, err := r.readN(4)
	if err != nil {
		return nil, err
	}
	ev.Pos.Offset = binary.BigEndian.Uint32(b)
	if ev.Database, err = r.readString(); err != nil {
		return nil, err
	}
	if ev.Table, err = r.readString(); err != nil {
		return nil, err
	}
	if ev.Query, err = r.readString(); err != nil {
		return nil, err
	}

	nrows, err := r.readUvarint()
	if err != nil {
		return nil, err
	}
	// Every row costs at least one byte (its column count), so a count
	// beyond the remaining payload can only come from garbage that happens
	// to checksum correctly. Reject it before allocating.
	if nrows > uint64(r.buf.Len()) {
		return nil, errors.WithMessagef(ErrCorruptLog, "row count %d exceeds remaining payload %d", nrows, r.buf.Len())
	}
	if nrows > 0 {
		ev.Rows = make([][]interface{}, 0, nrows)
	}
	for i := uint64(0); i < nrows; i++ {
		nvals, err := r.readUvarint()
		if err != nil {
			return nil, err
		}
		if nvals > uint64(r.buf.Len()) {
			return nil, errors.WithMessagef(ErrCorruptLog, "value count %d exceeds remaining payload %d", nvals, r.buf.Len())
		}
		row := make([]interface{}, 0, nvals)
		for j := uint64(0); j < nvals; j++ {
			val, err := r.readValue()
			if err != nil {
				return nil, err
			}
			row = append(row, val)
		}
		ev.Rows = append(ev.Rows, row)
	}
	return ev, nil
}

// frame layout: uint32 payload length (BE) | uint32 CRC32-IEEE of payload | payload.
const frameHeaderSize = 8

func encodeFrame(payload []byte) []byte {
	frame := make([]byte, frameHeaderSize+len(payload))
	binary.BigEndian.PutUint32(frame[0:4], uint32(len(payload)))
	binary.BigEndian.PutUint32(frame[4:8], crc32.ChecksumIEEE(payload))
	copy(frame[frameHeaderSize:], payload)
	return frame
}
