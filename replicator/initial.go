package replicator

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"

	"github.com/huangjunwen/mysql2ch/eventlog"
	"github.com/huangjunwen/mysql2ch/ingest"
	"github.com/huangjunwen/mysql2ch/schema"
	"github.com/huangjunwen/mysql2ch/state"
	"github.com/huangjunwen/mysql2ch/taskrunner"
)

// errInducedFailure aborts the initial replication when the
// failAfterRecords knob fires.
var errInducedFailure = errors.New("replicator: induced failure after record limit")

// snapshotFetchRetries bounds the per-partition retry of snapshot reads.
const snapshotFetchRetries = 5

// runInitial copies all tables into the staging database and finishes with
// the staging swap. Resumable: a restart skips completed tables and redoes
// the one in flight (versioned upserts make the redo harmless).
func (r *Replicator) runInitial(ctx context.Context) error {
	if r.st.Status == state.StatusNotStarted {
		if err := r.prepareInitial(ctx); err != nil {
			return err
		}
	}

	// A long snapshot must not let the unconsumed event log segments age out
	// of the ingestor's retention.
	stopTouch := r.keepSegmentsFresh(ctx)
	defer stopTouch()

	reached := r.st.InitialSnapshotTable == ""
	for _, table := range r.st.Tables {
		if !reached {
			if table != r.st.InitialSnapshotTable {
				continue
			}
			reached = true
		}
		if err := r.copyTable(ctx, table); err != nil {
			return err
		}
	}

	if !r.cfg.IgnoreDeletes {
		r.logger.Info().Str("staging", r.stagingDB()).Str("target", r.targetDB).Msg("swapping staging database")
		if err := r.dst.SwapDatabase(ctx, r.stagingDB(), r.targetDB); err != nil {
			return err
		}
	}

	r.st.Status = state.StatusRealtimeReplication
	r.st.InitialSnapshotTable = ""
	r.st.InitialSnapshotKey = nil
	if err := r.st.Save(); err != nil {
		return err
	}
	r.logger.Info().Msg("initial replication done")
	return nil
}

// keepSegmentsFresh refreshes the event log segment mtimes on an interval
// until the returned stop func is called.
func (r *Replicator) keepSegmentsFresh(ctx context.Context) func() {
	dir := ingest.DatabaseLogDir(r.cfg.Binlog.DataDir, r.db)
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(time.Minute)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := eventlog.TouchSegments(dir); err != nil {
					r.logger.Warn().Err(err).Msg("touch segments")
				}
			}
		}
	}()
	return func() { close(done) }
}

// prepareInitial records the realtime start position, discovers tables and
// creates the staging database with their destination tables.
func (r *Replicator) prepareInitial(ctx context.Context) error {
	// Position first, data second: everything changed during the snapshot
	// is replayed by realtime replication and wins by version.
	pos, err := r.src.BinlogPosition(ctx)
	if err != nil {
		return err
	}
	r.st.Position = pos

	tables, err := r.src.Tables(ctx, r.db)
	if err != nil {
		return err
	}
	r.st.Tables = nil
	for _, table := range tables {
		if !r.cfg.TableMatches(table) {
			continue
		}
		ddl, err := r.src.ShowCreateTable(ctx, r.db, table)
		if err != nil {
			return err
		}
		stmt, err := schema.Parse(ddl, r.db)
		if err != nil {
			return errors.WithMessagef(err, "replicator: table %s.%s", r.db, table)
		}
		if stmt.Kind != schema.StatementCreateTable {
			return errors.Errorf("replicator: unexpected SHOW CREATE TABLE output for %s.%s", r.db, table)
		}
		if len(stmt.Schema.PrimaryKeys) == 0 {
			r.logger.Warn().Str("table", table).Msg("no usable primary key, table skipped")
			continue
		}
		r.st.Tables = append(r.st.Tables, table)
		r.st.TableSchemas[table] = stmt.Schema
	}

	staging := r.stagingDB()
	if r.cfg.IgnoreDeletes {
		if err := r.dst.CreateDatabase(ctx, staging, true); err != nil {
			return err
		}
	} else {
		// A leftover staging database belongs to an abandoned attempt.
		if err := r.dst.DropDatabase(ctx, staging); err != nil {
			return err
		}
		if err := r.dst.CreateDatabase(ctx, staging, false); err != nil {
			return err
		}
	}
	for _, table := range r.st.Tables {
		ddl, err := r.translator.CreateTableDDL(staging, r.st.TableSchemas[table], true)
		if err != nil {
			return err
		}
		if err := r.dst.Exec(ctx, ddl); err != nil {
			return err
		}
	}

	r.st.Status = state.StatusInitialReplication
	r.logger.Info().Str("pos", pos.String()).Int("tables", len(r.st.Tables)).Msg("starting initial replication")
	return r.st.Save()
}

// copyTable snapshots one table with the configured number of workers.
// Worker w owns the rows whose hashed primary key falls into its partition
// and hands out versions w+1, w+1+W, w+1+2W, ... so versions never collide
// across workers.
func (r *Replicator) copyTable(ctx context.Context, table string) error {
	ts := r.st.TableSchemas[table]
	staging := r.stagingDB()
	workers := r.cfg.InitialReplicationWorkers
	batchSize := r.cfg.InitialReplicationBatchSize
	cols := insertColumns(ts)

	if r.st.InitialSnapshotTable != table {
		r.st.InitialSnapshotTable = table
		r.st.InitialSnapshotKey = nil
		if err := r.st.Save(); err != nil {
			return err
		}
	}

	if approx, err := r.src.ApproxRowCount(ctx, r.db, table); err == nil {
		r.logger.Info().Str("table", table).Uint64("approx_rows", approx).Int("workers", workers).Msg("copying table")
	}

	var copied int64
	group := taskrunner.NewGroup(ctx, workers)
	for w := 0; w < workers; w++ {
		w := w
		group.Go(func(ctx context.Context) error {
			version := uint64(w + 1)
			var cursor []interface{}
			if workers == 1 && len(r.st.InitialSnapshotKey) > 0 {
				// Single-worker copies resume mid-table from the saved key.
				cursor = make([]interface{}, len(r.st.InitialSnapshotKey))
				for i, k := range r.st.InitialSnapshotKey {
					cursor[i] = k
				}
			}

			for {
				// Transient source errors are retried here, in the failing
				// partition only, the sibling workers keep copying.
				var rows [][]interface{}
				fetch := func() error {
					var err error
					rows, err = r.src.SnapshotRows(ctx, ts, w, workers, cursor, batchSize)
					return err
				}
				bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), snapshotFetchRetries), ctx)
				if err := backoff.Retry(fetch, bo); err != nil {
					return err
				}
				if len(rows) == 0 {
					return nil
				}

				out := make([][]interface{}, 0, len(rows))
				for _, row := range rows {
					conv, err := r.convertRow(ts, row)
					if err != nil {
						return err
					}
					out = append(out, append(conv, version))
					version += uint64(workers)
				}
				if err := r.dst.InsertRows(ctx, staging, table, cols, out); err != nil {
					return err
				}

				n := atomic.AddInt64(&copied, int64(len(rows)))
				if r.failAfterRecords > 0 && n >= int64(r.failAfterRecords) {
					return errInducedFailure
				}

				cursor = keyValues(ts, rows[len(rows)-1])
				if workers == 1 {
					key := make([]string, 0, len(cursor))
					for _, v := range cursor {
						key = append(key, keyPart(v))
					}
					r.st.InitialSnapshotKey = key
					if err := r.st.Save(); err != nil {
						return err
					}
				}
				if len(rows) < batchSize {
					return nil
				}
			}
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	// Consolidate: the realtime baseline continues above every version any
	// worker handed out.
	maxVersion, err := r.dst.MaxVersion(ctx, staging, table)
	if err != nil {
		return err
	}
	r.st.TablesLastVersion[table] = maxVersion
	r.st.InitialSnapshotKey = nil
	r.logger.Info().Str("table", table).Int64("rows", copied).Uint64("max_version", maxVersion).Msg("table copied")
	return r.st.Save()
}
