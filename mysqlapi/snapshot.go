package mysqlapi

import (
	"context"
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/huangjunwen/mysql2ch/schema"
)

// SnapshotRows reads up to limit rows of ts belonging to worker (one of
// totalWorkers row partitions) whose primary key is greater than
// startAfter, ordered by primary key. A nil/empty startAfter starts from
// the beginning. Row values use the exact integer width and signedness of
// the source columns.
//
// Partitioning hashes the stringified primary key so every worker sees a
// stable, disjoint subset regardless of batch boundaries:
//
//	CRC32(CONCAT_WS('|', pk1, pk2, ...)) % totalWorkers = worker
func (c *Client) SnapshotRows(
	ctx context.Context,
	ts *schema.TableSchema,
	worker, totalWorkers int,
	startAfter []interface{},
	limit int,
) ([][]interface{}, error) {

	query, args, err := buildSnapshotQuery(ts, worker, totalWorkers, startAfter, limit)
	if err != nil {
		return nil, err
	}

	rows, err := c.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.WithMessagef(err, "mysqlapi: snapshot query %s.%s", ts.Database, ts.Name)
	}
	defer rows.Close()

	scanner, err := newRowScanner(rows)
	if err != nil {
		return nil, err
	}
	var out [][]interface{}
	for rows.Next() {
		vals, err := scanner.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, vals)
	}
	return out, errors.WithStack(rows.Err())
}

func buildSnapshotQuery(
	ts *schema.TableSchema,
	worker, totalWorkers int,
	startAfter []interface{},
	limit int,
) (string, []interface{}, error) {

	if len(ts.PrimaryKeys) == 0 {
		return "", nil, errors.Errorf("mysqlapi: table %s.%s has no primary key", ts.Database, ts.Name)
	}

	cols := make([]string, 0, len(ts.Columns))
	for _, col := range ts.Columns {
		cols = append(cols, quoteIdent(col.Name))
	}
	pks := make([]string, 0, len(ts.PrimaryKeys))
	for _, pk := range ts.PrimaryKeys {
		pks = append(pks, quoteIdent(pk))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s.%s",
		strings.Join(cols, ", "), quoteIdent(ts.Database), quoteIdent(ts.Name))

	var conds []string
	var args []interface{}
	if totalWorkers > 1 {
		conds = append(conds, fmt.Sprintf("CRC32(CONCAT_WS('|', %s)) %% %d = %d",
			strings.Join(pks, ", "), totalWorkers, worker))
	}
	if len(startAfter) > 0 {
		if len(startAfter) != len(pks) {
			return "", nil, errors.Errorf("mysqlapi: cursor has %d values for %d key columns",
				len(startAfter), len(pks))
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(pks)), ", ")
		conds = append(conds, fmt.Sprintf("(%s) > (%s)", strings.Join(pks, ", "), placeholders))
		args = append(args, startAfter...)
	}
	if len(conds) > 0 {
		b.WriteString(" WHERE " + strings.Join(conds, " AND "))
	}
	fmt.Fprintf(&b, " ORDER BY %s LIMIT %d", strings.Join(pks, ", "), limit)
	return b.String(), args, nil
}

// ApproxRowCount returns the optimizer's row estimate for progress
// reporting. Can be far off for write-heavy tables.
func (c *Client) ApproxRowCount(ctx context.Context, db, table string) (uint64, error) {
	var n uint64
	err := c.q.QueryRowContext(ctx,
		"SELECT IFNULL(TABLE_ROWS, 0) FROM information_schema.TABLES WHERE TABLE_SCHEMA = ? AND TABLE_NAME = ?",
		db, table).Scan(&n)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return n, nil
}
