package state

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huangjunwen/mysql2ch/eventlog"
	"github.com/huangjunwen/mysql2ch/schema"
)

func tempDir(t *testing.T) (string, func()) {
	dir, err := ioutil.TempDir("", "state_test")
	require.NoError(t, err)
	return dir, func() { os.RemoveAll(dir) }
}

func TestReplicationStateRoundTrip(t *testing.T) {
	assert := assert.New(t)
	dir, cleanup := tempDir(t)
	defer cleanup()
	path := filepath.Join(dir, "state.bin")

	s, err := LoadReplicationState(path)
	require.NoError(t, err)
	assert.Equal(StatusNotStarted, s.Status)
	assert.True(s.Position.IsZero())

	s.Status = StatusRealtimeReplication
	s.PID = 1234
	s.Position = eventlog.Position{File: "mysql-bin.000003", Offset: 4587}
	s.Tables = []string{"users", "orders"}
	s.TableSchemas["users"] = &schema.TableSchema{
		Database:    "shop",
		Name:        "users",
		Columns:     []schema.Column{{Name: "id", SourceType: "int unsigned", Parameters: "not null"}},
		PrimaryKeys: []string{"id"},
	}
	assert.Equal(uint64(1), s.NextVersion("users"))
	assert.Equal(uint64(2), s.NextVersion("users"))
	assert.Equal(uint64(1), s.NextVersion("orders"))
	require.NoError(t, s.Save())

	loaded, err := LoadReplicationState(path)
	require.NoError(t, err)
	assert.Equal(StatusRealtimeReplication, loaded.Status)
	assert.Equal(1234, loaded.PID)
	assert.Equal(eventlog.Position{File: "mysql-bin.000003", Offset: 4587}, loaded.Position)
	assert.Equal([]string{"users", "orders"}, loaded.Tables)
	assert.Equal(uint64(2), loaded.LastVersion("users"))
	assert.Equal(uint64(1), loaded.LastVersion("orders"))
	require.NotNil(t, loaded.TableSchemas["users"])
	assert.Equal("int unsigned", loaded.TableSchemas["users"].Columns[0].SourceType)

	require.NoError(t, loaded.Remove())
	fresh, err := LoadReplicationState(path)
	require.NoError(t, err)
	assert.Equal(StatusNotStarted, fresh.Status)
}

func TestReplicationStateCorrupt(t *testing.T) {
	assert := assert.New(t)
	dir, cleanup := tempDir(t)
	defer cleanup()
	path := filepath.Join(dir, "state.bin")

	s, err := LoadReplicationState(path)
	require.NoError(t, err)
	s.Status = StatusInitialReplication
	require.NoError(t, s.Save())

	// Flip one byte of the body.
	buf, err := ioutil.ReadFile(path)
	require.NoError(t, err)
	buf[len(buf)-2] ^= 0xff
	require.NoError(t, ioutil.WriteFile(path, buf, 0644))

	_, err = LoadReplicationState(path)
	assert.Equal(ErrCorruptState, errors.Cause(err))

	// Same for a wrong magic.
	buf[0] = 'X'
	require.NoError(t, ioutil.WriteFile(path, buf, 0644))
	_, err = LoadReplicationState(path)
	assert.Equal(ErrCorruptState, errors.Cause(err))
}

func TestBinlogStateAdvance(t *testing.T) {
	assert := assert.New(t)
	dir, cleanup := tempDir(t)
	defer cleanup()
	path := filepath.Join(dir, "binlog.bin")

	s, err := LoadBinlogState(path)
	require.NoError(t, err)
	assert.True(s.Position.IsZero())

	require.NoError(t, s.Advance(eventlog.Position{File: "mysql-bin.000001", Offset: 120}))
	require.NoError(t, s.Advance(eventlog.Position{File: "mysql-bin.000001", Offset: 360}))

	loaded, err := LoadBinlogState(path)
	require.NoError(t, err)
	assert.Equal(eventlog.Position{File: "mysql-bin.000001", Offset: 360}, loaded.Position)
	assert.Equal(eventlog.Position{File: "mysql-bin.000001", Offset: 120}, loaded.PrevPosition)
}

func TestSnapshotCursorSurvivesRestart(t *testing.T) {
	assert := assert.New(t)
	dir, cleanup := tempDir(t)
	defer cleanup()
	path := filepath.Join(dir, "state.bin")

	s, err := LoadReplicationState(path)
	require.NoError(t, err)
	s.Status = StatusInitialReplication
	s.InitialSnapshotTable = "orders"
	s.InitialSnapshotKey = []string{"20210901", "77"}
	require.NoError(t, s.Save())

	loaded, err := LoadReplicationState(path)
	require.NoError(t, err)
	assert.Equal(StatusInitialReplication, loaded.Status)
	assert.Equal("orders", loaded.InitialSnapshotTable)
	assert.Equal([]string{"20210901", "77"}, loaded.InitialSnapshotKey)
}
