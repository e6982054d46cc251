// Package optimizer merges the destination tables in the background: every
// replicated database periodically gets OPTIMIZE TABLE ... FINAL run over
// its tables so replaced row versions and lightweight-deleted rows are
// physically collapsed between queries. One optimizer serves all databases,
// always taking the one whose last merge is the longest ago.
package optimizer

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/huangjunwen/mysql2ch/config"
	"github.com/huangjunwen/mysql2ch/replicator"
	"github.com/huangjunwen/mysql2ch/state"
)

// maxIdleSleep caps how long the optimizer sleeps when no database is due.
const maxIdleSleep = 2 * time.Minute

// Source lists the source databases and tables. Satisfied by
// mysqlapi.Client.
type Source interface {
	Databases(ctx context.Context) ([]string, error)
	Tables(ctx context.Context, db string) ([]string, error)
}

// Destination runs the merges. Satisfied by chapi.Client.
type Destination interface {
	Databases(ctx context.Context) ([]string, error)
	Tables(ctx context.Context, db string) ([]string, error)
	OptimizeTable(ctx context.Context, db, table string) error
}

// StatePath returns the optimizer state file under dataDir.
func StatePath(dataDir string) string {
	return filepath.Join(dataDir, "optimizer.state")
}

// Optimizer runs the periodic merges. Not safe for concurrent use, Run is
// the only entry point.
type Optimizer struct {
	cfg    *config.Config
	logger zerolog.Logger
	src    Source
	dst    Destination

	st *state.OptimizerState

	// now is swapped out by tests.
	now func() time.Time
}

// New builds an optimizer.
func New(cfg *config.Config, src Source, dst Destination, logger zerolog.Logger) *Optimizer {
	return &Optimizer{
		cfg:    cfg,
		logger: logger.With().Str("component", "optimizer").Logger(),
		src:    src,
		dst:    dst,
		now:    time.Now,
	}
}

// Run merges due databases until ctx is canceled. With a zero optimize
// interval it exits immediately.
func (o *Optimizer) Run(ctx context.Context) error {
	interval := o.cfg.OptimizeInterval()
	if interval <= 0 {
		o.logger.Info().Msg("optimize_interval is zero, nothing to do")
		return nil
	}
	if err := os.MkdirAll(o.cfg.Binlog.DataDir, 0755); err != nil {
		return errors.WithStack(err)
	}
	st, err := state.LoadOptimizerState(StatePath(o.cfg.Binlog.DataDir))
	if err != nil {
		return err
	}
	o.st = st
	o.logger.Info().Dur("interval", interval).Msg("running")

	idle := interval
	if idle > maxIdleSleep {
		idle = maxIdleSleep
	}
	for {
		if ctx.Err() != nil {
			return nil
		}
		db, err := o.selectDatabase(ctx)
		if err != nil {
			return err
		}
		if db == "" {
			if err := sleep(ctx, idle); err != nil {
				return nil
			}
			continue
		}
		if err := o.optimizeDatabase(ctx, db); err != nil {
			return err
		}
	}
}

// selectDatabase picks the tracked database whose last merge is the longest
// ago and due again, or "" when none is. Databases still performing their
// initial replication are left alone: their final database either doesn't
// exist yet or is about to be swapped away.
func (o *Optimizer) selectDatabase(ctx context.Context) (string, error) {
	dbs, err := o.src.Databases(ctx)
	if err != nil {
		return "", err
	}
	chDBs, err := o.dst.Databases(ctx)
	if err != nil {
		return "", err
	}
	chSet := map[string]bool{}
	for _, db := range chDBs {
		chSet[db] = true
	}

	picked := ""
	var pickedAt time.Time
	for _, db := range dbs {
		if !o.cfg.DatabaseMatches(db) || !chSet[o.cfg.TargetDatabase(db)] {
			continue
		}
		last := o.st.LastOptimized[db]
		if o.now().Sub(last) < o.cfg.OptimizeInterval() {
			continue
		}
		rst, err := state.LoadReplicationState(replicator.StatePath(o.cfg.Binlog.DataDir, db))
		if err != nil {
			return "", err
		}
		if rst.Status == state.StatusInitialReplication {
			continue
		}
		if picked == "" || last.Before(pickedAt) {
			picked = db
			pickedAt = last
		}
	}
	return picked, nil
}

// optimizeDatabase merges every replicated table of db that exists on the
// destination, then records the pass.
func (o *Optimizer) optimizeDatabase(ctx context.Context, db string) error {
	tables, err := o.src.Tables(ctx, db)
	if err != nil {
		return err
	}
	target := o.cfg.TargetDatabase(db)
	chTables, err := o.dst.Tables(ctx, target)
	if err != nil {
		return err
	}
	chSet := map[string]bool{}
	for _, table := range chTables {
		chSet[table] = true
	}

	for _, table := range tables {
		if !o.cfg.TableMatches(table) || !chSet[table] {
			continue
		}
		o.logger.Info().Str("db", target).Str("table", table).Msg("optimizing table")
		started := o.now()
		if err := o.dst.OptimizeTable(ctx, target, table); err != nil {
			return err
		}
		o.logger.Info().Str("db", target).Str("table", table).
			Dur("took", o.now().Sub(started)).Msg("optimize finished")
	}

	o.st.LastOptimized[db] = o.now()
	return o.st.Save()
}

func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
