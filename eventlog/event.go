// Package eventlog implements the durable, append-only, per-database event
// store sitting between the binlog ingestor and the realtime applier. Events
// are framed records inside numerically-named segment files ("1.bin",
// "2.bin", ...), so the segment with the maximum numeric name is always the
// newest one.
package eventlog

import (
	"fmt"
)

// EventType discriminates stored events.
type EventType byte

const (
	// EventUnknown is never stored, it is the zero value.
	EventUnknown EventType = iota

	// EventAdd carries row images to be upserted (INSERT and UPDATE both map
	// here, the destination resolves by version).
	EventAdd

	// EventErase carries row images of deleted rows.
	EventErase

	// EventDDL carries a DDL statement text in Query.
	EventDDL
)

func (t EventType) String() string {
	switch t {
	case EventAdd:
		return "add"
	case EventErase:
		return "erase"
	case EventDDL:
		return "ddl"
	default:
		return "unknown"
	}
}

// Position is a source binlog position (file + offset). Positions of one
// server are totally ordered: binlog file names have a fixed numeric suffix
// so lexicographic comparison of File is correct.
type Position struct {
	File   string `json:"file"`
	Offset uint32 `json:"offset"`
}

// IsZero reports whether p is the zero position (no position known).
func (p Position) IsZero() bool {
	return p.File == "" && p.Offset == 0
}

// Compare returns -1/0/+1 if p is before/equal to/after other.
func (p Position) Compare(other Position) int {
	if p.File < other.File {
		return -1
	}
	if p.File > other.File {
		return 1
	}
	if p.Offset < other.Offset {
		return -1
	}
	if p.Offset > other.Offset {
		return 1
	}
	return 0
}

func (p Position) String() string {
	return fmt.Sprintf("%s:%d", p.File, p.Offset)
}

// Event is one replicated change. Immutable once appended.
type Event struct {
	// Pos is the source position right after the change.
	Pos Position

	Type     EventType
	Database string
	Table    string

	// Query is the DDL statement text, only set for EventDDL.
	Query string

	// Rows holds row images: full after-images for EventAdd, full
	// before-images for EventErase. Values are the normalized forms produced
	// by the ingestor (see ingest package).
	Rows [][]interface{}
}

// NumRecords returns the number of row records the event carries, DDL events
// count as one.
func (ev *Event) NumRecords() int {
	if ev.Type == EventDDL {
		return 1
	}
	return len(ev.Rows)
}
