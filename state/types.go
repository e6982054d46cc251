package state

import (
	"os"
	"time"

	"github.com/pkg/errors"

	"github.com/huangjunwen/mysql2ch/eventlog"
	"github.com/huangjunwen/mysql2ch/schema"
)

// Status is the phase a database replicator is in.
type Status int

const (
	StatusNotStarted Status = iota
	StatusInitialReplication
	StatusRealtimeReplication
	StatusStopped
)

func (s Status) String() string {
	switch s {
	case StatusNotStarted:
		return "not_started"
	case StatusInitialReplication:
		return "performing_initial_replication"
	case StatusRealtimeReplication:
		return "running_realtime_replication"
	case StatusStopped:
		return "stopped"
	}
	return "unknown"
}

// ReplicationState is the durable per-database replicator state. Every
// mutation must be followed by Save before the effect it records is
// acknowledged downstream.
type ReplicationState struct {
	path string

	Status Status `json:"status"`
	PID    int    `json:"pid"`

	// Position is the event log position realtime replication resumes
	// from.
	Position eventlog.Position `json:"position"`

	// Tables lists the source tables in discovery order.
	Tables []string `json:"tables"`

	// TableSchemas holds the tracked structure per table, mutated by DDL.
	TableSchemas map[string]*schema.TableSchema `json:"tableSchemas"`

	// TablesLastVersion records the highest _version written per table.
	TablesLastVersion map[string]uint64 `json:"tablesLastVersion"`

	// InitialSnapshotTable and InitialSnapshotKey track snapshot progress:
	// the table being copied and the primary key of the last copied row
	// (stringified, one element per key column).
	InitialSnapshotTable string   `json:"initialSnapshotTable,omitempty"`
	InitialSnapshotKey   []string `json:"initialSnapshotKey,omitempty"`
}

// LoadReplicationState reads the state at path. A missing file yields a
// fresh not-started state; a corrupt file yields ErrCorruptState.
func LoadReplicationState(path string) (*ReplicationState, error) {
	s := &ReplicationState{
		path:              path,
		TableSchemas:      map[string]*schema.TableSchema{},
		TablesLastVersion: map[string]uint64{},
	}
	if err := load(path, s); err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return s, nil
		}
		return nil, err
	}
	s.path = path
	if s.TableSchemas == nil {
		s.TableSchemas = map[string]*schema.TableSchema{}
	}
	if s.TablesLastVersion == nil {
		s.TablesLastVersion = map[string]uint64{}
	}
	return s, nil
}

// Save atomically persists the state.
func (s *ReplicationState) Save() error {
	return save(s.path, s)
}

// Remove deletes the state file. The next load starts from scratch.
func (s *ReplicationState) Remove() error {
	return remove(s.path)
}

// LastVersion returns the highest version handed out for table.
func (s *ReplicationState) LastVersion(table string) uint64 {
	return s.TablesLastVersion[table]
}

// NextVersion reserves and returns the next version for table. The caller
// must Save before using it.
func (s *ReplicationState) NextVersion(table string) uint64 {
	s.TablesLastVersion[table]++
	return s.TablesLastVersion[table]
}

// OptimizerState records when each destination database last had its tables
// merged, keyed by source database name.
type OptimizerState struct {
	path string

	LastOptimized map[string]time.Time `json:"lastOptimized"`
}

// LoadOptimizerState reads the state at path, returning an empty state when
// the file doesn't exist.
func LoadOptimizerState(path string) (*OptimizerState, error) {
	s := &OptimizerState{path: path, LastOptimized: map[string]time.Time{}}
	if err := load(path, s); err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return s, nil
		}
		return nil, err
	}
	s.path = path
	if s.LastOptimized == nil {
		s.LastOptimized = map[string]time.Time{}
	}
	return s, nil
}

// Save atomically persists the state.
func (s *OptimizerState) Save() error {
	return save(s.path, s)
}

// BinlogState is the durable binlog reader state: the last source position
// written out, plus the previous one to detect overlap after a crash.
type BinlogState struct {
	path string

	PID          int               `json:"pid"`
	Position     eventlog.Position `json:"position"`
	PrevPosition eventlog.Position `json:"prevPosition"`
}

// LoadBinlogState reads the state at path, returning a zero state when the
// file doesn't exist.
func LoadBinlogState(path string) (*BinlogState, error) {
	s := &BinlogState{path: path}
	if err := load(path, s); err != nil {
		if os.IsNotExist(errors.Cause(err)) {
			return s, nil
		}
		return nil, err
	}
	s.path = path
	return s, nil
}

// Save atomically persists the state, rotating Position into PrevPosition
// happens at the call sites that advance it.
func (s *BinlogState) Save() error {
	return save(s.path, s)
}

// Advance records a newly durable position and saves.
func (s *BinlogState) Advance(pos eventlog.Position) error {
	s.PrevPosition = s.Position
	s.Position = pos
	return s.Save()
}
