package mysqlapi

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/huangjunwen/mysql2ch/schema"
)

func testTableSchema() *schema.TableSchema {
	return &schema.TableSchema{
		Database: "shop",
		Name:     "orders",
		Columns: []schema.Column{
			{Name: "day", SourceType: "date"},
			{Name: "seq", SourceType: "int unsigned"},
			{Name: "total", SourceType: "decimal(14,2)"},
		},
		PrimaryKeys: []string{"day", "seq"},
	}
}

func TestBuildSnapshotQuery(t *testing.T) {
	assert := assert.New(t)
	ts := testTableSchema()

	// First batch of worker 2 out of 4.
	query, args, err := buildSnapshotQuery(ts, 2, 4, nil, 1000)
	require.NoError(t, err)
	assert.Equal("SELECT `day`, `seq`, `total` FROM `shop`.`orders`"+
		" WHERE CRC32(CONCAT_WS('|', `day`, `seq`)) % 4 = 2"+
		" ORDER BY `day`, `seq` LIMIT 1000", query)
	assert.Empty(args)

	// Subsequent batch resumes after the cursor.
	query, args, err = buildSnapshotQuery(ts, 2, 4, []interface{}{"2021-09-01", uint32(77)}, 1000)
	require.NoError(t, err)
	assert.Contains(query, "AND (`day`, `seq`) > (?, ?)")
	assert.Equal([]interface{}{"2021-09-01", uint32(77)}, args)

	// Single worker runs unpartitioned.
	query, _, err = buildSnapshotQuery(ts, 0, 1, nil, 10)
	require.NoError(t, err)
	assert.NotContains(query, "CRC32")

	// Cursor arity must match the key.
	_, _, err = buildSnapshotQuery(ts, 0, 1, []interface{}{"2021-09-01"}, 10)
	assert.Error(err)

	ts.PrimaryKeys = nil
	_, _, err = buildSnapshotQuery(ts, 0, 1, nil, 10)
	assert.Error(err)
}
