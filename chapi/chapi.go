// Package chapi wraps the destination ClickHouse server. All writes are
// versioned inserts into ReplacingMergeTree tables; transient errors are
// retried with exponential backoff.
package chapi

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/cenkalti/backoff"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"github.com/huangjunwen/mysql2ch/config"
)

const maxRetries = 5

// Client is a destination server handle. Safe for concurrent use.
type Client struct {
	conn   driver.Conn
	logger zerolog.Logger
}

// NewClient opens a native-protocol connection pool.
func NewClient(settings *config.ClickHouseSettings, logger zerolog.Logger) (*Client, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", settings.Host, settings.Port)},
		Auth: clickhouse.Auth{
			Username: settings.User,
			Password: settings.Password,
		},
		DialTimeout: time.Duration(settings.ConnectTimeout) * time.Second,
		ReadTimeout: time.Duration(settings.SendReceiveTimeout) * time.Second,
		Compression: &clickhouse.Compression{Method: clickhouse.CompressionLZ4},
		Settings: clickhouse.Settings{
			"insert_deduplicate":                    0,
			"allow_experimental_lightweight_delete": 1,
		},
	})
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Client{conn: conn, logger: logger.With().Str("component", "chapi").Logger()}, nil
}

// Close closes the pool.
func (c *Client) Close() error {
	return errors.WithStack(c.conn.Close())
}

// Ping verifies connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return errors.WithStack(c.conn.Ping(ctx))
}

// retry runs op with exponential backoff until it succeeds, the retry
// budget runs out or ctx is canceled.
func (c *Client) retry(ctx context.Context, what string, op func() error) error {
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), maxRetries), ctx)
	attempt := 0
	return backoff.Retry(func() error {
		err := op()
		if err != nil {
			attempt++
			c.logger.Warn().Err(err).Str("op", what).Int("attempt", attempt).Msg("retrying")
		}
		return err
	}, bo)
}

// Exec runs a statement with retries.
func (c *Client) Exec(ctx context.Context, query string) error {
	return c.retry(ctx, "exec", func() error {
		return errors.WithMessagef(c.conn.Exec(ctx, query), "chapi: exec %q", firstLine(query))
	})
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i] + " ..."
	}
	return s
}

// Databases lists database names.
func (c *Client) Databases(ctx context.Context) ([]string, error) {
	return c.selectStrings(ctx, "SELECT name FROM system.databases")
}

// Tables lists the table names of a database.
func (c *Client) Tables(ctx context.Context, db string) ([]string, error) {
	return c.selectStrings(ctx, "SELECT name FROM system.tables WHERE database = "+quoteString(db))
}

func (c *Client) selectStrings(ctx context.Context, query string) ([]string, error) {
	rows, err := c.conn.Query(ctx, query)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.WithStack(err)
		}
		out = append(out, name)
	}
	return out, errors.WithStack(rows.Err())
}

// CreateDatabase creates a database.
func (c *Client) CreateDatabase(ctx context.Context, name string, ifNotExists bool) error {
	stmt := "CREATE DATABASE "
	if ifNotExists {
		stmt += "IF NOT EXISTS "
	}
	return c.Exec(ctx, stmt+quoteIdent(name))
}

// DropDatabase drops a database if present.
func (c *Client) DropDatabase(ctx context.Context, name string) error {
	return c.Exec(ctx, "DROP DATABASE IF EXISTS "+quoteIdent(name))
}

// SwapDatabase replaces final with tmp: the fully-loaded staging database
// takes over the final name. An existing final is parked as <final>_old
// while the staging rename happens, so queries never see a moment without
// a final database, and the parked copy is dropped afterwards.
func (c *Client) SwapDatabase(ctx context.Context, tmp, final string) error {
	dbs, err := c.Databases(ctx)
	if err != nil {
		return err
	}
	finalExists := false
	for _, db := range dbs {
		if db == final {
			finalExists = true
			break
		}
	}
	for _, stmt := range swapStatements(tmp, final, finalExists) {
		if err := c.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// swapStatements returns the ordered statements of a staging swap. The
// leading drop clears a <final>_old left behind by a swap that crashed
// between its renames.
func swapStatements(tmp, final string, finalExists bool) []string {
	rename := func(from, to string) string {
		return fmt.Sprintf("RENAME DATABASE %s TO %s", quoteIdent(from), quoteIdent(to))
	}
	if !finalExists {
		return []string{rename(tmp, final)}
	}
	old := final + "_old"
	return []string{
		"DROP DATABASE IF EXISTS " + quoteIdent(old),
		rename(final, old),
		rename(tmp, final),
		"DROP DATABASE IF EXISTS " + quoteIdent(old),
	}
}

// InsertRows writes a batch into db.table. columns must include the
// trailing _version column and each row must carry its version value.
func (c *Client) InsertRows(ctx context.Context, db, table string, columns []string, rows [][]interface{}) error {
	if len(rows) == 0 {
		return nil
	}
	quoted := make([]string, 0, len(columns))
	for _, col := range columns {
		quoted = append(quoted, quoteIdent(col))
	}
	stmt := fmt.Sprintf("INSERT INTO %s.%s (%s)",
		quoteIdent(db), quoteIdent(table), strings.Join(quoted, ", "))

	return c.retry(ctx, "insert "+db+"."+table, func() error {
		batch, err := c.conn.PrepareBatch(ctx, stmt)
		if err != nil {
			return errors.WithStack(err)
		}
		for _, row := range rows {
			if err := batch.Append(row...); err != nil {
				batch.Abort()
				return backoff.Permanent(errors.WithMessagef(err, "chapi: append row to %s.%s", db, table))
			}
		}
		return errors.WithStack(batch.Send())
	})
}

// DeleteRows removes rows by primary key with a lightweight delete.
func (c *Client) DeleteRows(ctx context.Context, db, table string, keyColumns []string, keys [][]interface{}) error {
	if len(keys) == 0 {
		return nil
	}
	quoted := make([]string, 0, len(keyColumns))
	for _, col := range keyColumns {
		quoted = append(quoted, quoteIdent(col))
	}
	tuples := make([]string, 0, len(keys))
	for _, key := range keys {
		lits := make([]string, 0, len(key))
		for _, v := range key {
			lit, err := formatLiteral(v)
			if err != nil {
				return err
			}
			lits = append(lits, lit)
		}
		if len(lits) == 1 {
			tuples = append(tuples, lits[0])
		} else {
			tuples = append(tuples, "("+strings.Join(lits, ", ")+")")
		}
	}
	lhs := strings.Join(quoted, ", ")
	if len(quoted) > 1 {
		lhs = "(" + lhs + ")"
	}
	stmt := fmt.Sprintf("DELETE FROM %s.%s WHERE %s IN (%s)",
		quoteIdent(db), quoteIdent(table), lhs, strings.Join(tuples, ", "))
	return c.Exec(ctx, stmt)
}

// OptimizeTable merges the parts of a table so replaced row versions and
// lightweight-deleted rows are physically collapsed. mutations_sync makes
// the call wait for the merge, one heavy statement runs at a time.
func (c *Client) OptimizeTable(ctx context.Context, db, table string) error {
	return c.Exec(ctx, fmt.Sprintf("OPTIMIZE TABLE %s.%s FINAL SETTINGS mutations_sync = 2",
		quoteIdent(db), quoteIdent(table)))
}

// MaxVersion returns max(_version) of a table, 0 when empty.
func (c *Client) MaxVersion(ctx context.Context, db, table string) (uint64, error) {
	var v uint64
	err := c.conn.QueryRow(ctx,
		fmt.Sprintf("SELECT max(_version) FROM %s.%s", quoteIdent(db), quoteIdent(table))).Scan(&v)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return v, nil
}

// RowCount returns the visible row count of a table (FINAL, so replaced
// versions collapse).
func (c *Client) RowCount(ctx context.Context, db, table string) (uint64, error) {
	var n uint64
	err := c.conn.QueryRow(ctx,
		fmt.Sprintf("SELECT count() FROM %s.%s FINAL", quoteIdent(db), quoteIdent(table))).Scan(&n)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	return n, nil
}
