// Package ingest tails the source binlog and appends row/DDL events to the
// per-database event logs. One ingestor serves all replicated databases.
package ingest

import (
	"context"
	"hash/crc32"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/juju/ratelimit"
	"github.com/pkg/errors"
	"github.com/rs/xid"
	"github.com/rs/zerolog"
	"github.com/siddontang/go-mysql/mysql"
	"github.com/siddontang/go-mysql/replication"

	"github.com/huangjunwen/mysql2ch/config"
	"github.com/huangjunwen/mysql2ch/eventlog"
	"github.com/huangjunwen/mysql2ch/mysqlapi"
	"github.com/huangjunwen/mysql2ch/schema"
	"github.com/huangjunwen/mysql2ch/state"
)

const (
	stateSaveInterval = time.Second
	cleanupInterval   = 5 * time.Minute
)

// BinlogStatePath returns the ingestor state file path under dataDir.
func BinlogStatePath(dataDir string) string {
	return filepath.Join(dataDir, "binlog.state")
}

// DatabaseLogDir returns the event log directory of one database.
func DatabaseLogDir(dataDir, db string) string {
	return filepath.Join(dataDir, db)
}

// Ingestor tails the binlog and writes the event logs. Not safe for
// concurrent use, Run is the only entry point.
type Ingestor struct {
	cfg    *config.Config
	logger zerolog.Logger

	st      *state.BinlogState
	writers map[string]*eventlog.Writer
	limiter *ratelimit.Bucket

	pendingPos eventlog.Position
	lastSave   time.Time
}

// NewIngestor builds an ingestor from config.
func NewIngestor(cfg *config.Config, logger zerolog.Logger) *Ingestor {
	ig := &Ingestor{
		cfg:     cfg,
		logger:  logger.With().Str("component", "ingest").Logger(),
		writers: map[string]*eventlog.Writer{},
	}
	if n := cfg.Binlog.EventsPerSecond; n > 0 {
		ig.limiter = ratelimit.NewBucketWithRate(float64(n), n)
	}
	return ig
}

// Run tails the binlog until ctx is canceled or a fatal error occurs.
// Resumes from saved state; on first run it starts at the current master
// position.
func (ig *Ingestor) Run(ctx context.Context) error {
	if err := os.MkdirAll(ig.cfg.Binlog.DataDir, 0755); err != nil {
		return errors.WithStack(err)
	}
	st, err := state.LoadBinlogState(BinlogStatePath(ig.cfg.Binlog.DataDir))
	if err != nil {
		return err
	}
	ig.st = st
	ig.st.PID = os.Getpid()

	if ig.st.Position.IsZero() {
		pos, err := ig.masterPosition(ctx)
		if err != nil {
			return err
		}
		ig.logger.Info().Str("pos", pos.String()).Msg("no saved state, starting at master position")
		if err := ig.st.Advance(pos); err != nil {
			return err
		}
	} else {
		if err := ig.st.Save(); err != nil {
			return err
		}
		ig.logResume()
	}
	ig.pendingPos = ig.st.Position

	// ServerID must differ from every other replica of this source.
	serverID := crc32.ChecksumIEEE(xid.New().Bytes()) | 1
	syncer := replication.NewBinlogSyncer(ig.cfg.MySQL.ToSyncerCfg(serverID))
	defer syncer.Close()

	streamer, err := syncer.StartSync(mysql.Position{
		Name: ig.st.Position.File,
		Pos:  ig.st.Position.Offset,
	})
	if err != nil {
		return errors.WithStack(err)
	}
	ig.logger.Info().Str("pos", ig.st.Position.String()).Msg("tailing binlog")

	defer ig.closeWriters()

	lastCleanup := time.Now()
	curFile := ig.st.Position.File

	for {
		binlogEvent, err := streamer.GetEvent(ctx)
		if err != nil {
			if err == ctx.Err() {
				return ig.checkpoint()
			}
			return errors.WithStack(err)
		}

		pos := eventlog.Position{File: curFile, Offset: binlogEvent.Header.LogPos}

		switch e := binlogEvent.Event.(type) {
		case *replication.RotateEvent:
			curFile = string(e.NextLogName)

		case *replication.RowsEvent:
			if err := ig.handleRows(binlogEvent.Header.EventType, e, pos); err != nil {
				return err
			}

		case *replication.QueryEvent:
			if err := ig.handleQuery(e, pos); err != nil {
				return err
			}

		case *replication.XIDEvent:
			ig.pendingPos = pos
		}

		if time.Since(ig.lastSave) >= stateSaveInterval {
			if err := ig.checkpoint(); err != nil {
				return err
			}
		}
		if time.Since(lastCleanup) >= cleanupInterval {
			ig.cleanup()
			lastCleanup = time.Now()
		}
	}
}

// logResume reports each database log tail relative to the saved position.
// A tail past the checkpoint means the crash happened between a flush and a
// state save: the overlapping source events will be appended a second time,
// which the appliers tolerate (duplicates replay as same-version upserts).
func (ig *Ingestor) logResume() {
	tails, err := logTails(ig.cfg.Binlog.DataDir)
	if err != nil {
		ig.logger.Warn().Err(err).Msg("scanning event logs failed")
		return
	}
	for db, tail := range tails {
		ev := ig.logger.Info().Str("db", db).Str("log_tail", tail.String()).Str("saved_pos", ig.st.Position.String())
		if tail.Compare(ig.st.Position) > 0 {
			ev.Msg("log tail is ahead of the saved position, overlap will be re-appended")
		} else {
			ev.Msg("resuming database log")
		}
	}
}

// logTails returns the last stored position of every database log under
// dataDir, keyed by database name. Empty logs are left out.
func logTails(dataDir string) (map[string]eventlog.Position, error) {
	entries, err := os.ReadDir(dataDir)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	tails := map[string]eventlog.Position{}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		tail, err := eventlog.LastPosition(DatabaseLogDir(dataDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if tail.IsZero() {
			continue
		}
		tails[entry.Name()] = tail
	}
	return tails, nil
}

func (ig *Ingestor) masterPosition(ctx context.Context) (eventlog.Position, error) {
	client, err := mysqlapi.NewClient(&ig.cfg.MySQL)
	if err != nil {
		return eventlog.Position{}, err
	}
	defer client.Close()
	return client.BinlogPosition(ctx)
}

func (ig *Ingestor) handleRows(typ replication.EventType, e *replication.RowsEvent, pos eventlog.Position) error {
	db := string(e.Table.Schema)
	table := string(e.Table.Table)
	if !ig.cfg.DatabaseMatches(db) || !ig.cfg.TableMatches(table) {
		return nil
	}

	meta := newTableMeta(e.Table)
	ev := &eventlog.Event{Pos: pos, Database: db, Table: table}

	switch typ {
	case replication.WRITE_ROWS_EVENTv0, replication.WRITE_ROWS_EVENTv1, replication.WRITE_ROWS_EVENTv2:
		ev.Type = eventlog.EventAdd
		for _, row := range e.Rows {
			ev.Rows = append(ev.Rows, meta.normalizeRow(row))
		}

	case replication.UPDATE_ROWS_EVENTv0, replication.UPDATE_ROWS_EVENTv1, replication.UPDATE_ROWS_EVENTv2:
		// Updates replicate as upserts of the after-image, the higher
		// version wins on the destination.
		ev.Type = eventlog.EventAdd
		for i := 1; i < len(e.Rows); i += 2 {
			ev.Rows = append(ev.Rows, meta.normalizeRow(e.Rows[i]))
		}

	case replication.DELETE_ROWS_EVENTv0, replication.DELETE_ROWS_EVENTv1, replication.DELETE_ROWS_EVENTv2:
		ev.Type = eventlog.EventErase
		for _, row := range e.Rows {
			ev.Rows = append(ev.Rows, meta.normalizeRow(row))
		}

	default:
		return errors.Errorf("ingest: unexpected rows event type %s", typ)
	}

	if len(ev.Rows) == 0 {
		return nil
	}
	if ig.limiter != nil {
		ig.limiter.Wait(int64(len(ev.Rows)))
	}

	w, err := ig.writer(db)
	if err != nil {
		return err
	}
	if err := w.Append(ev); err != nil {
		return err
	}
	ig.pendingPos = pos
	return nil
}

func (ig *Ingestor) handleQuery(e *replication.QueryEvent, pos eventlog.Position) error {
	query := strings.TrimSpace(string(e.Query))
	switch strings.ToUpper(query) {
	case "BEGIN", "COMMIT", "ROLLBACK":
		ig.pendingPos = pos
		return nil
	}

	db := routeDDL(query, string(e.Schema))
	if db == "" || !ig.cfg.DatabaseMatches(db) {
		ig.pendingPos = pos
		return nil
	}

	w, err := ig.writer(db)
	if err != nil {
		return err
	}
	if err := w.Append(&eventlog.Event{
		Pos:      pos,
		Type:     eventlog.EventDDL,
		Database: db,
		Query:    query,
	}); err != nil {
		return err
	}
	ig.logger.Info().Str("db", db).Str("pos", pos.String()).Str("query", query).Msg("ddl")
	ig.pendingPos = pos

	// DDL is a barrier: make it durable right away.
	if err := w.Flush(); err != nil {
		return err
	}
	return ig.checkpoint()
}

// routeDDL decides which database log a DDL statement belongs to. The
// session default database is a fallback for unqualified names; statements
// the appliers don't track route nowhere.
func routeDDL(query, sessionDB string) string {
	stmt, err := schema.Parse(query, sessionDB)
	if err != nil || stmt == nil {
		return sessionDB
	}
	switch stmt.Kind {
	case schema.StatementCreateTable, schema.StatementCreateTableLike,
		schema.StatementAlterTable, schema.StatementTruncateTable:
		return stmt.Table.Database
	case schema.StatementDropTable:
		if len(stmt.Tables) > 0 {
			return stmt.Tables[0].Database
		}
	case schema.StatementRenameTable:
		if len(stmt.Renames) > 0 {
			return stmt.Renames[0].From.Database
		}
	}
	return ""
}

func (ig *Ingestor) writer(db string) (*eventlog.Writer, error) {
	if w, ok := ig.writers[db]; ok {
		return w, nil
	}
	w, err := eventlog.NewWriter(DatabaseLogDir(ig.cfg.Binlog.DataDir, db), ig.cfg.Binlog.RecordsPerSegment)
	if err != nil {
		return nil, err
	}
	ig.writers[db] = w
	return w, nil
}

// checkpoint makes appended events durable, then records the position. The
// order matters: the state must never claim positions whose events could
// still be lost.
func (ig *Ingestor) checkpoint() error {
	for _, w := range ig.writers {
		if err := w.Flush(); err != nil {
			return err
		}
	}
	ig.lastSave = time.Now()
	if ig.pendingPos == ig.st.Position {
		return nil
	}
	return ig.st.Advance(ig.pendingPos)
}

func (ig *Ingestor) cleanup() {
	olderThan := time.Now().Add(-ig.cfg.Binlog.RetentionPeriod())
	for db := range ig.writers {
		dir := DatabaseLogDir(ig.cfg.Binlog.DataDir, db)
		if err := eventlog.RemoveOldSegments(dir, olderThan); err != nil {
			ig.logger.Warn().Err(err).Str("db", db).Msg("remove old segments")
		}
	}
}

func (ig *Ingestor) closeWriters() {
	for db, w := range ig.writers {
		if err := w.Close(); err != nil {
			ig.logger.Warn().Err(err).Str("db", db).Msg("close writer")
		}
	}
}
