// Package schema models mysql table structures and translates DDL
// statements into their ClickHouse counterparts.
package schema

import (
	"strings"

	"github.com/pkg/errors"
)

// Column is one column of a mysql table.
type Column struct {
	// Name without backticks.
	Name string `json:"name"`

	// SourceType is the mysql type as written, e.g. "int unsigned" or
	// "varchar(255)".
	SourceType string `json:"sourceType"`

	// Parameters is the rest of the column definition ("not null default
	// 0 auto_increment"), lowercased.
	Parameters string `json:"parameters,omitempty"`
}

// IsNotNull reports whether the column was declared NOT NULL.
func (c *Column) IsNotNull() bool {
	return strings.Contains(c.Parameters, "not null")
}

// TableSchema describes a mysql table: ordinal-ordered columns plus
// primary key names. The column order must match the binlog row image.
type TableSchema struct {
	Database    string   `json:"database"`
	Name        string   `json:"name"`
	Columns     []Column `json:"columns"`
	PrimaryKeys []string `json:"primaryKeys"`
	Charset     string   `json:"charset,omitempty"`
}

// ColumnIndex returns the ordinal of the named column or -1.
func (ts *TableSchema) ColumnIndex(name string) int {
	for i := range ts.Columns {
		if ts.Columns[i].Name == name {
			return i
		}
	}
	return -1
}

// Column returns the named column or nil.
func (ts *TableSchema) Column(name string) *Column {
	if i := ts.ColumnIndex(name); i >= 0 {
		return &ts.Columns[i]
	}
	return nil
}

// PrimaryKeyIndexes returns the ordinals of the primary key columns, in
// key order.
func (ts *TableSchema) PrimaryKeyIndexes() []int {
	idxs := make([]int, 0, len(ts.PrimaryKeys))
	for _, name := range ts.PrimaryKeys {
		if i := ts.ColumnIndex(name); i >= 0 {
			idxs = append(idxs, i)
		}
	}
	return idxs
}

// Clone returns a deep copy.
func (ts *TableSchema) Clone() *TableSchema {
	clone := *ts
	clone.Columns = append([]Column(nil), ts.Columns...)
	clone.PrimaryKeys = append([]string(nil), ts.PrimaryKeys...)
	return &clone
}

// AddColumn inserts col at the position described by first/after.
// Default is last.
func (ts *TableSchema) AddColumn(col Column, first bool, after string) error {
	if ts.ColumnIndex(col.Name) >= 0 {
		return errors.Errorf("schema: column %q already exists in %s.%s", col.Name, ts.Database, ts.Name)
	}
	pos := len(ts.Columns)
	switch {
	case first:
		pos = 0
	case after != "":
		i := ts.ColumnIndex(after)
		if i < 0 {
			return errors.Errorf("schema: no column %q in %s.%s", after, ts.Database, ts.Name)
		}
		pos = i + 1
	}
	ts.Columns = append(ts.Columns, Column{})
	copy(ts.Columns[pos+1:], ts.Columns[pos:])
	ts.Columns[pos] = col
	return nil
}

// DropColumn removes the named column.
func (ts *TableSchema) DropColumn(name string) error {
	i := ts.ColumnIndex(name)
	if i < 0 {
		return errors.Errorf("schema: no column %q in %s.%s", name, ts.Database, ts.Name)
	}
	ts.Columns = append(ts.Columns[:i], ts.Columns[i+1:]...)
	return nil
}

// ModifyColumn replaces the definition of an existing column; oldName is
// used for CHANGE COLUMN renames and equals col.Name for MODIFY. Position
// modifiers (FIRST/AFTER) move the column when set.
func (ts *TableSchema) ModifyColumn(oldName string, col Column, first bool, after string) error {
	i := ts.ColumnIndex(oldName)
	if i < 0 {
		return errors.Errorf("schema: no column %q in %s.%s", oldName, ts.Database, ts.Name)
	}
	if !first && after == "" {
		if oldName != col.Name {
			for j, pk := range ts.PrimaryKeys {
				if pk == oldName {
					ts.PrimaryKeys[j] = col.Name
				}
			}
		}
		ts.Columns[i] = col
		return nil
	}
	ts.Columns = append(ts.Columns[:i], ts.Columns[i+1:]...)
	if err := ts.AddColumn(col, first, after); err != nil {
		return err
	}
	if oldName != col.Name {
		for j, pk := range ts.PrimaryKeys {
			if pk == oldName {
				ts.PrimaryKeys[j] = col.Name
			}
		}
	}
	return nil
}
