package replicator

import (
	"context"
	"fmt"
	"hash/crc32"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huangjunwen/mysql2ch/config"
	"github.com/huangjunwen/mysql2ch/eventlog"
	"github.com/huangjunwen/mysql2ch/ingest"
	"github.com/huangjunwen/mysql2ch/schema"
	"github.com/huangjunwen/mysql2ch/state"
)

const testDB = "testdb"

var usersCreate = "CREATE TABLE `users` (" +
	"`id` int NOT NULL, " +
	"`name` varchar(255), " +
	"PRIMARY KEY (`id`))"

// fakeSource serves a fixed table set. Snapshot partitioning mirrors the
// server-side hash so multi-worker copies behave like the real thing.
type fakeSource struct {
	mu     sync.Mutex
	pos    eventlog.Position
	tables map[string]string
	rows   map[string][][]interface{} // sorted by the int64 primary key
}

func (s *fakeSource) Tables(ctx context.Context, db string) ([]string, error) {
	names := []string{}
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *fakeSource) ShowCreateTable(ctx context.Context, db, table string) (string, error) {
	return s.tables[table], nil
}

func (s *fakeSource) BinlogPosition(ctx context.Context) (eventlog.Position, error) {
	return s.pos, nil
}

func (s *fakeSource) ApproxRowCount(ctx context.Context, db, table string) (uint64, error) {
	return uint64(len(s.rows[table])), nil
}

func (s *fakeSource) SnapshotRows(ctx context.Context, ts *schema.TableSchema, worker, totalWorkers int,
	startAfter []interface{}, limit int) ([][]interface{}, error) {

	s.mu.Lock()
	defer s.mu.Unlock()

	out := [][]interface{}{}
	for _, row := range s.rows[ts.Name] {
		id := row[0].(int64)
		if totalWorkers > 1 {
			h := crc32.ChecksumIEEE([]byte(fmt.Sprint(id)))
			if int(h)%totalWorkers != worker {
				continue
			}
		}
		if len(startAfter) > 0 {
			// A resumed cursor arrives as the persisted string form.
			after, ok := startAfter[0].(int64)
			if !ok {
				var err error
				after, err = strconv.ParseInt(startAfter[0].(string), 10, 64)
				if err != nil {
					return nil, err
				}
			}
			if id <= after {
				continue
			}
		}
		out = append(out, row)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

// fakeDest emulates the destination: per-key rows resolved by max version,
// swap by database rename.
type destRow struct {
	values  []interface{}
	version uint64
}

type fakeDest struct {
	mu    sync.Mutex
	dbs   map[string]map[string]map[string]destRow // db -> table -> key -> row
	execs []string
}

func newFakeDest() *fakeDest {
	return &fakeDest{dbs: map[string]map[string]map[string]destRow{}}
}

func (d *fakeDest) Exec(ctx context.Context, query string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.execs = append(d.execs, query)
	return nil
}

func (d *fakeDest) CreateDatabase(ctx context.Context, name string, ifNotExists bool) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.dbs[name]; ok {
		if !ifNotExists {
			return fmt.Errorf("database %s already exists", name)
		}
		return nil
	}
	d.dbs[name] = map[string]map[string]destRow{}
	return nil
}

func (d *fakeDest) DropDatabase(ctx context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.dbs, name)
	return nil
}

func (d *fakeDest) SwapDatabase(ctx context.Context, tmp, final string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	db, ok := d.dbs[tmp]
	if !ok {
		return fmt.Errorf("database %s not found", tmp)
	}
	delete(d.dbs, final)
	delete(d.dbs, tmp)
	d.dbs[final] = db
	return nil
}

func (d *fakeDest) table(db, name string) map[string]destRow {
	tables, ok := d.dbs[db]
	if !ok {
		tables = map[string]map[string]destRow{}
		d.dbs[db] = tables
	}
	t, ok := tables[name]
	if !ok {
		t = map[string]destRow{}
		tables[name] = t
	}
	return t
}

func (d *fakeDest) InsertRows(ctx context.Context, db, table string, columns []string, rows [][]interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.table(db, table)
	for _, row := range rows {
		key := fmt.Sprint(row[0])
		version := row[len(row)-1].(uint64)
		if cur, ok := t[key]; ok && cur.version > version {
			continue
		}
		t[key] = destRow{values: row, version: version}
	}
	return nil
}

func (d *fakeDest) DeleteRows(ctx context.Context, db, table string, keyColumns []string, keys [][]interface{}) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.table(db, table)
	for _, k := range keys {
		delete(t, fmt.Sprint(k[0]))
	}
	return nil
}

func (d *fakeDest) MaxVersion(ctx context.Context, db, table string) (uint64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	max := uint64(0)
	for _, row := range d.table(db, table) {
		if row.version > max {
			max = row.version
		}
	}
	return max, nil
}

func (d *fakeDest) rowCount(db, table string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.table(db, table))
}

func (d *fakeDest) row(db, table, key string) (destRow, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	row, ok := d.table(db, table)[key]
	return row, ok
}

func (d *fakeDest) hasExec(substr string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, q := range d.execs {
		if strings.Contains(q, substr) {
			return true
		}
	}
	return false
}

func testConfig(t *testing.T, workers int) *config.Config {
	return &config.Config{
		Binlog: config.BinlogSettings{
			DataDir:           t.TempDir(),
			RecordsPerSegment: 1000,
		},
		InitialReplicationWorkers:   workers,
		InitialReplicationBatchSize: 2,
		MySQLTimezone:               "UTC",
	}
}

func testSource() *fakeSource {
	return &fakeSource{
		pos:    eventlog.Position{File: "mysql-bin.000001", Offset: 100},
		tables: map[string]string{"users": usersCreate},
		rows: map[string][][]interface{}{
			"users": {
				{int64(1), "Ivan"},
				{int64(2), "Peter"},
				{int64(3), "Mary"},
				{int64(4), "John"},
				{int64(5), "Kate"},
			},
		},
	}
}

func TestInitialReplication(t *testing.T) {
	cfg := testConfig(t, 2)
	src := testSource()
	dst := newFakeDest()

	r, err := New(cfg, testDB, src, dst, zerolog.Nop(), InitialOnly())
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background()))

	// Tables were created in the staging database and swapped into place.
	assert.True(t, dst.hasExec("`testdb_tmp`.`users`"))
	assert.True(t, dst.hasExec("ReplacingMergeTree(_version)"))
	_, staging := dst.dbs["testdb_tmp"]
	assert.False(t, staging)
	assert.Equal(t, 5, dst.rowCount(testDB, "users"))

	// Versions are unique across workers.
	versions := map[uint64]bool{}
	for key := range dst.table(testDB, "users") {
		row, _ := dst.row(testDB, "users", key)
		assert.False(t, versions[row.version])
		versions[row.version] = true
	}

	st, err := state.LoadReplicationState(StatePath(cfg.Binlog.DataDir, testDB))
	require.NoError(t, err)
	assert.Equal(t, state.StatusStopped, st.Status)
	assert.Equal(t, src.pos, st.Position)
	assert.Equal(t, []string{"users"}, st.Tables)
	max, _ := dst.MaxVersion(context.Background(), testDB, "users")
	assert.Equal(t, max, st.LastVersion("users"))
}

func TestInitialReplicationSkipsTablesWithoutPrimaryKey(t *testing.T) {
	cfg := testConfig(t, 1)
	src := testSource()
	src.tables["nopk"] = "CREATE TABLE `nopk` (`a` int)"
	dst := newFakeDest()

	r, err := New(cfg, testDB, src, dst, zerolog.Nop(), InitialOnly())
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background()))

	st, err := state.LoadReplicationState(StatePath(cfg.Binlog.DataDir, testDB))
	require.NoError(t, err)
	assert.Equal(t, []string{"users"}, st.Tables)
}

func TestInitialReplicationResume(t *testing.T) {
	cfg := testConfig(t, 1)
	src := testSource()
	dst := newFakeDest()

	r, err := New(cfg, testDB, src, dst, zerolog.Nop(), InitialOnly(), FailAfterRecords(3))
	require.NoError(t, err)
	err = r.Run(context.Background())
	require.Error(t, err)

	// The crash left a mid-table cursor behind.
	st, err := state.LoadReplicationState(StatePath(cfg.Binlog.DataDir, testDB))
	require.NoError(t, err)
	assert.Equal(t, state.StatusInitialReplication, st.Status)
	assert.Equal(t, "users", st.InitialSnapshotTable)
	assert.NotEmpty(t, st.InitialSnapshotKey)

	r2, err := New(cfg, testDB, src, dst, zerolog.Nop(), InitialOnly())
	require.NoError(t, err)
	require.NoError(t, r2.Run(context.Background()))

	assert.Equal(t, 5, dst.rowCount(testDB, "users"))
	st, err = state.LoadReplicationState(StatePath(cfg.Binlog.DataDir, testDB))
	require.NoError(t, err)
	assert.Equal(t, state.StatusStopped, st.Status)
	assert.Empty(t, st.InitialSnapshotKey)
}

// appendEvents writes realtime events into the database's log directory.
func appendEvents(t *testing.T, dataDir string, events []*eventlog.Event) {
	w, err := eventlog.NewWriter(ingest.DatabaseLogDir(dataDir, testDB), 3)
	require.NoError(t, err)
	for _, ev := range events {
		require.NoError(t, w.Append(ev))
	}
	require.NoError(t, w.Close())
}

func pos(offset uint32) eventlog.Position {
	return eventlog.Position{File: "mysql-bin.000001", Offset: offset}
}

func TestRealtimeReplication(t *testing.T) {
	cfg := testConfig(t, 1)
	src := testSource()
	dst := newFakeDest()

	appendEvents(t, cfg.Binlog.DataDir, []*eventlog.Event{
		{Pos: pos(200), Type: eventlog.EventAdd, Database: testDB, Table: "users",
			Rows: [][]interface{}{{int64(10), "Ann"}}},
		{Pos: pos(300), Type: eventlog.EventAdd, Database: testDB, Table: "users",
			Rows: [][]interface{}{{int64(10), "Anna"}}},
		{Pos: pos(400), Type: eventlog.EventErase, Database: testDB, Table: "users",
			Rows: [][]interface{}{{int64(1), "Ivan"}}},
		{Pos: pos(500), Type: eventlog.EventDDL, Database: testDB,
			Query: "ALTER TABLE users ADD COLUMN age int"},
		{Pos: pos(600), Type: eventlog.EventAdd, Database: testDB, Table: "users",
			Rows: [][]interface{}{{int64(11), "Bob", int64(30)}}},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := New(cfg, testDB, src, dst, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, r.Run(ctx))

	assert.True(t, dst.hasExec("ALTER TABLE `testdb`.`users` ADD COLUMN `age`"))

	// Snapshot row 1 was deleted, row 10 converged to its latest image,
	// row 11 came in with the new column.
	assert.Equal(t, 6, dst.rowCount(testDB, "users"))
	_, ok := dst.row(testDB, "users", "1")
	assert.False(t, ok)
	row, ok := dst.row(testDB, "users", "10")
	require.True(t, ok)
	assert.Equal(t, "Anna", row.values[1])
	row, ok = dst.row(testDB, "users", "11")
	require.True(t, ok)
	assert.Equal(t, "Bob", row.values[1])
	require.Len(t, row.values, 4) // id, name, age, version

	// Realtime versions continue above the snapshot baseline.
	snapshotMax := uint64(0)
	for _, key := range []string{"2", "3", "4", "5"} {
		r, _ := dst.row(testDB, "users", key)
		if r.version > snapshotMax {
			snapshotMax = r.version
		}
	}
	assert.Greater(t, row.version, snapshotMax)

	st, err := state.LoadReplicationState(StatePath(cfg.Binlog.DataDir, testDB))
	require.NoError(t, err)
	assert.Equal(t, state.StatusRealtimeReplication, st.Status)
	assert.Equal(t, pos(600), st.Position)
}

func TestRealtimeSkipsEventsBeforeCheckpoint(t *testing.T) {
	cfg := testConfig(t, 1)
	src := testSource()
	src.pos = pos(400)
	dst := newFakeDest()

	appendEvents(t, cfg.Binlog.DataDir, []*eventlog.Event{
		// Everything at or before the recorded position is already covered
		// by the snapshot and must not be applied again.
		{Pos: pos(300), Type: eventlog.EventErase, Database: testDB, Table: "users",
			Rows: [][]interface{}{{int64(2), "Peter"}}},
		{Pos: pos(400), Type: eventlog.EventErase, Database: testDB, Table: "users",
			Rows: [][]interface{}{{int64(3), "Mary"}}},
		{Pos: pos(500), Type: eventlog.EventAdd, Database: testDB, Table: "users",
			Rows: [][]interface{}{{int64(6), "Leo"}}},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := New(cfg, testDB, src, dst, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, r.Run(ctx))

	assert.Equal(t, 6, dst.rowCount(testDB, "users"))
	_, ok := dst.row(testDB, "users", "2")
	assert.True(t, ok)
	_, ok = dst.row(testDB, "users", "3")
	assert.True(t, ok)
	_, ok = dst.row(testDB, "users", "6")
	assert.True(t, ok)
}

func TestRealtimeTruncateRenameDrop(t *testing.T) {
	cfg := testConfig(t, 1)
	src := testSource()
	dst := newFakeDest()

	appendEvents(t, cfg.Binlog.DataDir, []*eventlog.Event{
		{Pos: pos(200), Type: eventlog.EventDDL, Database: testDB,
			Query: "TRUNCATE TABLE users"},
		{Pos: pos(300), Type: eventlog.EventDDL, Database: testDB,
			Query: "RENAME TABLE users TO people"},
		{Pos: pos(400), Type: eventlog.EventAdd, Database: testDB, Table: "people",
			Rows: [][]interface{}{{int64(7), "Nina"}}},
		{Pos: pos(500), Type: eventlog.EventDDL, Database: testDB,
			Query: "DROP TABLE people"},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := New(cfg, testDB, src, dst, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, r.Run(ctx))

	assert.True(t, dst.hasExec("TRUNCATE TABLE `testdb`.`users`"))
	assert.True(t, dst.hasExec("RENAME TABLE `testdb`.`users` TO `testdb`.`people`"))
	assert.True(t, dst.hasExec("DROP TABLE IF EXISTS `testdb`.`people`"))

	st, err := state.LoadReplicationState(StatePath(cfg.Binlog.DataDir, testDB))
	require.NoError(t, err)
	assert.Empty(t, st.Tables)
	assert.Equal(t, pos(500), st.Position)
}

func TestIgnoreDeletes(t *testing.T) {
	cfg := testConfig(t, 1)
	cfg.IgnoreDeletes = true
	src := testSource()
	dst := newFakeDest()

	appendEvents(t, cfg.Binlog.DataDir, []*eventlog.Event{
		{Pos: pos(200), Type: eventlog.EventErase, Database: testDB, Table: "users",
			Rows: [][]interface{}{{int64(1), "Ivan"}}},
		{Pos: pos(300), Type: eventlog.EventAdd, Database: testDB, Table: "users",
			Rows: [][]interface{}{{int64(6), "Leo"}}},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	r, err := New(cfg, testDB, src, dst, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, r.Run(ctx))

	// No staging swap in this mode and deletes are not propagated.
	assert.False(t, dst.hasExec("testdb_tmp"))
	_, ok := dst.dbs["testdb_tmp"]
	assert.False(t, ok)
	assert.Equal(t, 6, dst.rowCount(testDB, "users"))
	_, ok = dst.row(testDB, "users", "1")
	assert.True(t, ok)
}

func TestTargetDatabaseOverride(t *testing.T) {
	cfg := testConfig(t, 1)
	src := testSource()
	dst := newFakeDest()

	r, err := New(cfg, testDB, src, dst, zerolog.Nop(), InitialOnly(), TargetDatabase("analytics"))
	require.NoError(t, err)
	require.NoError(t, r.Run(context.Background()))

	assert.Equal(t, 5, dst.rowCount("analytics", "users"))
	_, ok := dst.dbs[testDB]
	assert.False(t, ok)
}
