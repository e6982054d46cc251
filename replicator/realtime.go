package replicator

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/huangjunwen/mysql2ch/eventlog"
	"github.com/huangjunwen/mysql2ch/ingest"
	"github.com/huangjunwen/mysql2ch/schema"
	"github.com/huangjunwen/mysql2ch/state"
)

const (
	// realtimePollInterval is how long the applier sleeps when the event
	// log has no new events.
	realtimePollInterval = 200 * time.Millisecond

	// realtimeFlushInterval bounds how long applied rows may sit in the
	// buffers before they are written out.
	realtimeFlushInterval = time.Second
)

// tableBuffer accumulates pending changes of one destination table between
// flushes. A key lives in at most one of the two maps: a later upsert
// cancels a buffered delete of the same row and vice versa.
type tableBuffer struct {
	inserts map[string][]interface{}
	deletes map[string][]interface{}
}

func newTableBuffer() *tableBuffer {
	return &tableBuffer{
		inserts: map[string][]interface{}{},
		deletes: map[string][]interface{}{},
	}
}

func (b *tableBuffer) empty() bool {
	return len(b.inserts) == 0 && len(b.deletes) == 0
}

// openLog opens the event log at the saved position. When the position
// names a stored event (the normal restart case) the reader resumes right
// after it. When it doesn't, because it is the master position recorded
// before the snapshot or its segment was rotated away, the reader starts at
// the covering segment and the event loop skips everything at or before the
// checkpoint.
func (r *Replicator) openLog(logDir string) (*eventlog.Reader, error) {
	reader, err := eventlog.OpenReader(logDir, r.st.Position)
	if err == nil {
		return reader, nil
	}
	if errors.Cause(err) != eventlog.ErrPositionNotFound {
		return nil, err
	}
	return eventlog.OpenReaderFrom(logDir, r.st.Position)
}

// runRealtime tails the event log from the saved position and applies
// changes to the target database. Events at or before the saved position
// may come out of the reader again after a restart and are skipped.
func (r *Replicator) runRealtime(ctx context.Context) error {
	logDir := ingest.DatabaseLogDir(r.cfg.Binlog.DataDir, r.db)
	reader, err := r.openLog(logDir)
	if err != nil {
		return err
	}
	defer reader.Close()

	r.logger.Info().Str("pos", r.st.Position.String()).Msg("starting realtime replication")
	if r.st.Status != state.StatusRealtimeReplication {
		r.st.Status = state.StatusRealtimeReplication
		if err := r.st.Save(); err != nil {
			return err
		}
	}

	buffers := map[string]*tableBuffer{}
	pending := 0
	pendingPos := r.st.Position
	lastFlush := time.Now()

	flush := func() error {
		if pending == 0 && pendingPos.Compare(r.st.Position) <= 0 {
			lastFlush = time.Now()
			return nil
		}
		if err := r.flushBuffers(ctx, buffers); err != nil {
			return err
		}
		pending = 0
		if pendingPos.Compare(r.st.Position) > 0 {
			r.st.Position = pendingPos
		}
		if err := r.st.Save(); err != nil {
			return err
		}
		lastFlush = time.Now()
		return nil
	}

	for {
		if err := ctx.Err(); err != nil {
			return flush()
		}

		ev, err := reader.Next()
		if err != nil {
			return err
		}
		if ev == nil {
			// End of stream. Flush whatever is buffered and poll again.
			if err := flush(); err != nil {
				return err
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(realtimePollInterval):
			}
			continue
		}
		if ev.Pos.Compare(r.st.Position) <= 0 {
			continue
		}

		switch ev.Type {
		case eventlog.EventDDL:
			// DDL is a barrier: everything before it must be applied and
			// checkpointed first, and the position may only pass the DDL
			// after the DDL itself took effect.
			if err := flush(); err != nil {
				return err
			}
			if err := r.applyDDL(ctx, ev); err != nil {
				return err
			}
			r.st.Position = ev.Pos
			pendingPos = ev.Pos
			if err := r.st.Save(); err != nil {
				return err
			}

		case eventlog.EventAdd, eventlog.EventErase:
			n, err := r.bufferRows(buffers, ev)
			if err != nil {
				return err
			}
			pending += n
			pendingPos = ev.Pos

		default:
			return errors.Errorf("replicator: unexpected event type %s at %s", ev.Type, ev.Pos)
		}

		if pending >= r.cfg.InitialReplicationBatchSize || time.Since(lastFlush) >= realtimeFlushInterval {
			if err := flush(); err != nil {
				return err
			}
		}
	}
}

// bufferRows merges one row event into the table buffers and returns the
// number of rows buffered.
func (r *Replicator) bufferRows(buffers map[string]*tableBuffer, ev *eventlog.Event) (int, error) {
	ts := r.st.TableSchemas[ev.Table]
	if ts == nil {
		// Untracked table (filtered out or without a usable primary key).
		return 0, nil
	}
	if ev.Type == eventlog.EventErase && r.cfg.IgnoreDeletes {
		return 0, nil
	}

	buf := buffers[ev.Table]
	if buf == nil {
		buf = newTableBuffer()
		buffers[ev.Table] = buf
	}

	for _, row := range ev.Rows {
		conv, err := r.convertRow(ts, row)
		if err != nil {
			return 0, err
		}
		key := rowKey(ts, conv)
		switch ev.Type {
		case eventlog.EventAdd:
			delete(buf.deletes, key)
			buf.inserts[key] = conv
		case eventlog.EventErase:
			delete(buf.inserts, key)
			buf.deletes[key] = keyValues(ts, conv)
		}
	}
	return len(ev.Rows), nil
}

// flushBuffers writes all buffered changes out, deletes before inserts so a
// buffered delete can never erase a row upserted in the same flush.
func (r *Replicator) flushBuffers(ctx context.Context, buffers map[string]*tableBuffer) error {
	for table, buf := range buffers {
		if buf.empty() {
			continue
		}
		ts := r.st.TableSchemas[table]
		if ts == nil {
			delete(buffers, table)
			continue
		}

		if len(buf.deletes) > 0 {
			keys := make([][]interface{}, 0, len(buf.deletes))
			for _, k := range buf.deletes {
				keys = append(keys, k)
			}
			if err := r.dst.DeleteRows(ctx, r.targetDB, table, ts.PrimaryKeys, keys); err != nil {
				return err
			}
		}

		if len(buf.inserts) > 0 {
			rows := make([][]interface{}, 0, len(buf.inserts))
			for _, row := range buf.inserts {
				rows = append(rows, append(row, r.st.NextVersion(table)))
			}
			if err := r.dst.InsertRows(ctx, r.targetDB, table, insertColumns(ts), rows); err != nil {
				return err
			}
		}

		delete(buffers, table)
	}
	return nil
}

// applyDDL translates one source DDL statement and applies it to the target
// database, updating the tracked schemas. Statements the translator cannot
// express in the destination are logged and skipped.
func (r *Replicator) applyDDL(ctx context.Context, ev *eventlog.Event) error {
	stmt, err := schema.Parse(ev.Query, ev.Database)
	if err != nil {
		r.logger.Warn().Err(err).Str("query", ev.Query).Msg("unparsable DDL skipped")
		return nil
	}

	switch stmt.Kind {
	case schema.StatementCreateTable:
		return r.applyCreateTable(ctx, stmt.Schema, stmt.IfNotExists)

	case schema.StatementCreateTableLike:
		src := r.st.TableSchemas[stmt.Like.Name]
		if stmt.Like.Database != r.db || src == nil {
			r.logger.Warn().Str("like", stmt.Like.String()).Msg("CREATE TABLE LIKE an untracked table skipped")
			return nil
		}
		ts := src.Clone()
		ts.Name = stmt.Table.Name
		return r.applyCreateTable(ctx, ts, stmt.IfNotExists)

	case schema.StatementDropTable:
		for _, ref := range stmt.Tables {
			if ref.Database != r.db || r.st.TableSchemas[ref.Name] == nil {
				continue
			}
			if err := r.dst.Exec(ctx, r.translator.DropTableDDL(r.targetDB, ref.Name, true)); err != nil {
				return err
			}
			r.forgetTable(ref.Name)
		}
		return nil

	case schema.StatementAlterTable:
		ts := r.st.TableSchemas[stmt.Table.Name]
		if stmt.Table.Database != r.db || ts == nil {
			return nil
		}
		for _, op := range stmt.Ops {
			ddls, err := r.translator.ApplyAlterOp(r.targetDB, ts, op)
			if err != nil {
				return errors.WithMessagef(err, "replicator: ALTER on %s", stmt.Table)
			}
			for _, ddl := range ddls {
				if err := r.dst.Exec(ctx, ddl); err != nil {
					return err
				}
			}
		}
		return nil

	case schema.StatementRenameTable:
		for _, rn := range stmt.Renames {
			ts := r.st.TableSchemas[rn.From.Name]
			if rn.From.Database != r.db || ts == nil {
				continue
			}
			if rn.To.Database != r.db {
				// Renamed out of the tracked database, same as a drop.
				if err := r.dst.Exec(ctx, r.translator.DropTableDDL(r.targetDB, rn.From.Name, true)); err != nil {
					return err
				}
				r.forgetTable(rn.From.Name)
				continue
			}
			if err := r.dst.Exec(ctx, r.translator.RenameTableDDL(r.targetDB, rn.From.Name, rn.To.Name)); err != nil {
				return err
			}
			ts.Name = rn.To.Name
			r.st.TableSchemas[rn.To.Name] = ts
			r.st.TablesLastVersion[rn.To.Name] = r.st.TablesLastVersion[rn.From.Name]
			r.forgetTable(rn.From.Name)
			r.st.Tables = append(r.st.Tables, rn.To.Name)
		}
		return nil

	case schema.StatementTruncateTable:
		if stmt.Table.Database != r.db || r.st.TableSchemas[stmt.Table.Name] == nil {
			return nil
		}
		return r.dst.Exec(ctx, r.translator.TruncateTableDDL(r.targetDB, stmt.Table.Name))

	default:
		return nil
	}
}

func (r *Replicator) applyCreateTable(ctx context.Context, ts *schema.TableSchema, ifNotExists bool) error {
	if ts.Database != r.db || !r.cfg.TableMatches(ts.Name) {
		return nil
	}
	if len(ts.PrimaryKeys) == 0 {
		r.logger.Warn().Str("table", ts.Name).Msg("no usable primary key, new table skipped")
		return nil
	}
	ddl, err := r.translator.CreateTableDDL(r.targetDB, ts, ifNotExists)
	if err != nil {
		return err
	}
	if err := r.dst.Exec(ctx, ddl); err != nil {
		return err
	}
	r.st.TableSchemas[ts.Name] = ts
	found := false
	for _, t := range r.st.Tables {
		if t == ts.Name {
			found = true
			break
		}
	}
	if !found {
		r.st.Tables = append(r.st.Tables, ts.Name)
	}
	return nil
}

// forgetTable removes a table from the tracked set.
func (r *Replicator) forgetTable(name string) {
	delete(r.st.TableSchemas, name)
	delete(r.st.TablesLastVersion, name)
	tables := r.st.Tables[:0]
	for _, t := range r.st.Tables {
		if t != name {
			tables = append(tables, t)
		}
	}
	r.st.Tables = tables
}
