package optimizer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huangjunwen/mysql2ch/config"
	"github.com/huangjunwen/mysql2ch/replicator"
	"github.com/huangjunwen/mysql2ch/state"
)

type fakeSource struct {
	dbs    []string
	tables map[string][]string
}

func (s *fakeSource) Databases(ctx context.Context) ([]string, error) { return s.dbs, nil }

func (s *fakeSource) Tables(ctx context.Context, db string) ([]string, error) {
	return s.tables[db], nil
}

type fakeDest struct {
	dbs       []string
	tables    map[string][]string
	optimized []string
}

func (d *fakeDest) Databases(ctx context.Context) ([]string, error) { return d.dbs, nil }

func (d *fakeDest) Tables(ctx context.Context, db string) ([]string, error) {
	return d.tables[db], nil
}

func (d *fakeDest) OptimizeTable(ctx context.Context, db, table string) error {
	d.optimized = append(d.optimized, fmt.Sprintf("%s.%s", db, table))
	return nil
}

func testOptimizer(t *testing.T, src *fakeSource, dst *fakeDest) *Optimizer {
	cfg := &config.Config{
		Binlog:              config.BinlogSettings{DataDir: t.TempDir()},
		Databases:           []string{"shop*", "crm"},
		ExcludeTables:       []string{"tmp_*"},
		OptimizeIntervalSec: 3600,
	}
	o := New(cfg, src, dst, zerolog.Nop())
	st, err := state.LoadOptimizerState(StatePath(cfg.Binlog.DataDir))
	require.NoError(t, err)
	o.st = st
	return o
}

func saveReplicationStatus(t *testing.T, dataDir, db string, status state.Status) {
	rst, err := state.LoadReplicationState(replicator.StatePath(dataDir, db))
	require.NoError(t, err)
	rst.Status = status
	require.NoError(t, rst.Save())
}

func TestSelectDatabase(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	src := &fakeSource{dbs: []string{"shop", "crm", "mysql"}}
	dst := &fakeDest{dbs: []string{"shop", "crm"}}
	o := testOptimizer(t, src, dst)
	dataDir := o.cfg.Binlog.DataDir

	saveReplicationStatus(t, dataDir, "shop", state.StatusRealtimeReplication)
	saveReplicationStatus(t, dataDir, "crm", state.StatusRealtimeReplication)

	// Never optimized and past the interval: the older pass wins.
	o.st.LastOptimized["shop"] = time.Now().Add(-3 * time.Hour)
	o.st.LastOptimized["crm"] = time.Now().Add(-5 * time.Hour)
	db, err := o.selectDatabase(ctx)
	assert.NoError(err)
	assert.Equal("crm", db)

	// Recently optimized databases are not due.
	o.st.LastOptimized["crm"] = time.Now()
	db, err = o.selectDatabase(ctx)
	assert.NoError(err)
	assert.Equal("shop", db)
	o.st.LastOptimized["shop"] = time.Now()
	db, err = o.selectDatabase(ctx)
	assert.NoError(err)
	assert.Equal("", db)

	// A database missing on the destination is left alone.
	o.st.LastOptimized = map[string]time.Time{}
	dst.dbs = []string{"crm"}
	db, err = o.selectDatabase(ctx)
	assert.NoError(err)
	assert.Equal("crm", db)

	// So is one still performing its initial replication.
	dst.dbs = []string{"shop", "crm"}
	saveReplicationStatus(t, dataDir, "shop", state.StatusInitialReplication)
	db, err = o.selectDatabase(ctx)
	assert.NoError(err)
	assert.Equal("crm", db)
}

func TestSelectDatabaseHonorsTargetMapping(t *testing.T) {
	assert := assert.New(t)

	src := &fakeSource{dbs: []string{"shop"}}
	dst := &fakeDest{dbs: []string{"analytics"}}
	o := testOptimizer(t, src, dst)
	o.cfg.TargetDatabases = map[string]string{"shop": "analytics"}
	saveReplicationStatus(t, o.cfg.Binlog.DataDir, "shop", state.StatusRealtimeReplication)

	db, err := o.selectDatabase(context.Background())
	assert.NoError(err)
	assert.Equal("shop", db)
}

func TestOptimizeDatabase(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	src := &fakeSource{
		dbs:    []string{"shop"},
		tables: map[string][]string{"shop": {"users", "orders", "tmp_import", "source_only"}},
	}
	dst := &fakeDest{
		dbs:    []string{"shop"},
		tables: map[string][]string{"shop": {"users", "orders"}},
	}
	o := testOptimizer(t, src, dst)

	require.NoError(t, o.optimizeDatabase(ctx, "shop"))

	// Excluded tables and tables absent on the destination are skipped.
	assert.Equal([]string{"shop.users", "shop.orders"}, dst.optimized)

	// The pass survives a restart.
	st, err := state.LoadOptimizerState(StatePath(o.cfg.Binlog.DataDir))
	require.NoError(t, err)
	assert.False(st.LastOptimized["shop"].IsZero())
}
