// Package replicator moves one source database into ClickHouse: an initial
// parallel snapshot into a staging database, then realtime application of
// the event log written by the ingestor.
package replicator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/huangjunwen/mysql2ch/config"
	"github.com/huangjunwen/mysql2ch/eventlog"
	"github.com/huangjunwen/mysql2ch/schema"
	"github.com/huangjunwen/mysql2ch/state"
	"github.com/huangjunwen/mysql2ch/typeconv"
)

// Source is the subset of the source server the replicator needs. Satisfied
// by mysqlapi.Client.
type Source interface {
	Tables(ctx context.Context, db string) ([]string, error)
	ShowCreateTable(ctx context.Context, db, table string) (string, error)
	BinlogPosition(ctx context.Context) (eventlog.Position, error)
	SnapshotRows(ctx context.Context, ts *schema.TableSchema, worker, totalWorkers int,
		startAfter []interface{}, limit int) ([][]interface{}, error)
	ApproxRowCount(ctx context.Context, db, table string) (uint64, error)
}

// Destination is the subset of the destination server the replicator needs.
// Satisfied by chapi.Client.
type Destination interface {
	Exec(ctx context.Context, query string) error
	CreateDatabase(ctx context.Context, name string, ifNotExists bool) error
	DropDatabase(ctx context.Context, name string) error
	SwapDatabase(ctx context.Context, tmp, final string) error
	InsertRows(ctx context.Context, db, table string, columns []string, rows [][]interface{}) error
	DeleteRows(ctx context.Context, db, table string, keyColumns []string, keys [][]interface{}) error
	MaxVersion(ctx context.Context, db, table string) (uint64, error)
}

// StatePath returns the replicator state file of one database, stored next
// to (but outside of) its event log segments.
func StatePath(dataDir, db string) string {
	return filepath.Join(dataDir, db+".replicator.state")
}

// Replicator replicates one source database. Not safe for concurrent use,
// Run is the only entry point.
type Replicator struct {
	cfg    *config.Config
	logger zerolog.Logger

	db       string
	targetDB string

	// initialOnly stops after the initial replication finished.
	initialOnly bool

	src Source
	dst Destination

	mapper     *typeconv.Mapper
	translator *schema.Translator

	st *state.ReplicationState

	// failAfterRecords aborts the initial replication after roughly that
	// many copied records. Used by crash-recovery tests, 0 disables.
	failAfterRecords int
}

// Option tweaks a Replicator.
type Option func(*Replicator)

// InitialOnly makes Run exit after the initial replication.
func InitialOnly() Option {
	return func(r *Replicator) { r.initialOnly = true }
}

// TargetDatabase overrides the destination database name.
func TargetDatabase(name string) Option {
	return func(r *Replicator) { r.targetDB = name }
}

// FailAfterRecords makes the initial replication fail after roughly n
// copied records.
func FailAfterRecords(n int) Option {
	return func(r *Replicator) { r.failAfterRecords = n }
}

// New builds a replicator for one source database.
func New(cfg *config.Config, db string, src Source, dst Destination, logger zerolog.Logger, opts ...Option) (*Replicator, error) {
	mapper, err := typeconv.NewMapper(cfg.TypesMapping, cfg.MySQLTimezone)
	if err != nil {
		return nil, err
	}
	r := &Replicator{
		cfg:        cfg,
		logger:     logger.With().Str("component", "replicator").Str("db", db).Logger(),
		db:         db,
		targetDB:   cfg.TargetDatabase(db),
		src:        src,
		dst:        dst,
		mapper:     mapper,
		translator: schema.NewTranslator(mapper),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run drives the replication state machine until ctx is canceled or a
// fatal error occurs.
func (r *Replicator) Run(ctx context.Context) error {
	if err := os.MkdirAll(r.cfg.Binlog.DataDir, 0755); err != nil {
		return errors.WithStack(err)
	}
	st, err := state.LoadReplicationState(StatePath(r.cfg.Binlog.DataDir, r.db))
	if err != nil {
		return err
	}
	r.st = st
	r.st.PID = os.Getpid()

	if r.st.Status == state.StatusNotStarted || r.st.Status == state.StatusInitialReplication {
		if err := r.runInitial(ctx); err != nil {
			return err
		}
		if r.initialOnly {
			r.st.Status = state.StatusStopped
			return r.st.Save()
		}
	}
	return r.runRealtime(ctx)
}

// stagingDB is the database the initial replication writes to. With
// ignore_deletes there is no swap, writes go straight to the final name.
func (r *Replicator) stagingDB() string {
	if r.cfg.IgnoreDeletes {
		return r.targetDB
	}
	return r.targetDB + "_tmp"
}

// convertRow maps one source row to destination driver values, using the
// tracked schema for per-column types.
func (r *Replicator) convertRow(ts *schema.TableSchema, row []interface{}) ([]interface{}, error) {
	if len(row) != len(ts.Columns) {
		return nil, errors.Errorf("replicator: row has %d values, schema %s.%s has %d columns",
			len(row), ts.Database, ts.Name, len(ts.Columns))
	}
	out := make([]interface{}, len(row))
	for i, col := range ts.Columns {
		v, err := r.mapper.Value(row[i], col.SourceType, col.Parameters)
		if err != nil {
			return nil, errors.WithMessagef(err, "replicator: column %s.%s.%s", ts.Database, ts.Name, col.Name)
		}
		out[i] = v
	}
	return out, nil
}

// insertColumns returns the destination column list: source columns plus
// the trailing version column.
func insertColumns(ts *schema.TableSchema) []string {
	cols := make([]string, 0, len(ts.Columns)+1)
	for _, col := range ts.Columns {
		cols = append(cols, col.Name)
	}
	return append(cols, "_version")
}

// rowKey converts the primary key values of a converted row into the
// buffer map key.
func rowKey(ts *schema.TableSchema, row []interface{}) string {
	key := ""
	for _, i := range ts.PrimaryKeyIndexes() {
		key += keyPart(row[i]) + "\x00"
	}
	return key
}

func keyPart(v interface{}) string {
	switch v := v.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	default:
		return fmt.Sprint(v)
	}
}

// keyValues extracts the primary key values of a converted row.
func keyValues(ts *schema.TableSchema, row []interface{}) []interface{} {
	idxs := ts.PrimaryKeyIndexes()
	vals := make([]interface{}, 0, len(idxs))
	for _, i := range idxs {
		vals = append(vals, row[i])
	}
	return vals
}
