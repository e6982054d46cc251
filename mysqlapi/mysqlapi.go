// Package mysqlapi wraps the source server: metadata queries for discovery
// and keyset-paginated table reads for the initial replication.
package mysqlapi

import (
	"context"
	"database/sql"
	"strings"

	"github.com/pkg/errors"

	"github.com/huangjunwen/mysql2ch/config"
	"github.com/huangjunwen/mysql2ch/eventlog"
	"github.com/huangjunwen/mysql2ch/sqlh"
)

// Client is a source server handle. Safe for concurrent use.
type Client struct {
	db *sql.DB
	q  sqlh.Queryer
}

// NewClient opens a connection pool to the source server.
func NewClient(settings *config.MySQLSettings) (*Client, error) {
	db, err := sql.Open("mysql", settings.ToDriverCfg().FormatDSN())
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return &Client{db: db, q: db}, nil
}

// DB exposes the underlying pool.
func (c *Client) DB() *sql.DB {
	return c.db
}

// Close closes the pool.
func (c *Client) Close() error {
	return errors.WithStack(c.db.Close())
}

// Ping verifies connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return errors.WithStack(c.db.PingContext(ctx))
}

var systemDatabases = map[string]bool{
	"information_schema": true,
	"performance_schema": true,
	"mysql":              true,
	"sys":                true,
}

// Databases lists non-system databases.
func (c *Client) Databases(ctx context.Context) ([]string, error) {
	rows, err := c.q.QueryContext(ctx, "SHOW DATABASES")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var dbs []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, errors.WithStack(err)
		}
		if systemDatabases[strings.ToLower(name)] {
			continue
		}
		dbs = append(dbs, name)
	}
	return dbs, errors.WithStack(rows.Err())
}

// Tables lists the base tables (no views) of a database.
func (c *Client) Tables(ctx context.Context, db string) ([]string, error) {
	rows, err := c.q.QueryContext(ctx,
		"SHOW FULL TABLES FROM "+quoteIdent(db)+" WHERE Table_type = 'BASE TABLE'")
	if err != nil {
		return nil, errors.WithStack(err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name, kind string
		if err := rows.Scan(&name, &kind); err != nil {
			return nil, errors.WithStack(err)
		}
		tables = append(tables, name)
	}
	return tables, errors.WithStack(rows.Err())
}

// ShowCreateTable returns the CREATE TABLE statement of a table.
func (c *Client) ShowCreateTable(ctx context.Context, db, table string) (string, error) {
	var name, ddl string
	err := c.q.QueryRowContext(ctx,
		"SHOW CREATE TABLE "+quoteIdent(db)+"."+quoteIdent(table)).Scan(&name, &ddl)
	if err != nil {
		return "", errors.WithStack(err)
	}
	return ddl, nil
}

// BinlogPosition returns the current master position.
func (c *Client) BinlogPosition(ctx context.Context) (eventlog.Position, error) {
	rows, err := c.q.QueryContext(ctx, "SHOW MASTER STATUS")
	if err != nil {
		return eventlog.Position{}, errors.WithStack(err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return eventlog.Position{}, errors.WithStack(err)
		}
		return eventlog.Position{}, errors.New("mysqlapi: empty SHOW MASTER STATUS, is binlog enabled?")
	}
	cols, err := rows.Columns()
	if err != nil {
		return eventlog.Position{}, errors.WithStack(err)
	}

	// Column count varies across server versions, scan the leading two.
	var file string
	var offset uint32
	dest := make([]interface{}, len(cols))
	dest[0], dest[1] = &file, &offset
	for i := 2; i < len(dest); i++ {
		dest[i] = new(sql.RawBytes)
	}
	if err := rows.Scan(dest...); err != nil {
		return eventlog.Position{}, errors.WithStack(err)
	}
	return eventlog.Position{File: file, Offset: offset}, nil
}

func quoteIdent(name string) string {
	return "`" + strings.Replace(name, "`", "``", -1) + "`"
}
