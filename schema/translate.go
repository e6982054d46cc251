package schema

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/huangjunwen/mysql2ch/typeconv"
)

// Rows per destination partition for single integer key tables.
const partitionSize = 4294967

// Translator renders ClickHouse DDL for mysql table schemas and applies
// parsed ALTER operations to the in-memory schema as it goes.
type Translator struct {
	Mapper *typeconv.Mapper
}

// NewTranslator wraps a type mapper.
func NewTranslator(mapper *typeconv.Mapper) *Translator {
	return &Translator{Mapper: mapper}
}

func quoteCH(name string) string {
	return "`" + strings.Replace(name, "`", "\\`", -1) + "`"
}

func qualifiedCH(db, table string) string {
	return quoteCH(db) + "." + quoteCH(table)
}

// CreateTableDDL renders the destination table for ts inside destDB. The
// table gets an extra _version column and a ReplacingMergeTree(_version)
// engine so re-inserts with a higher version win.
func (tr *Translator) CreateTableDDL(destDB string, ts *TableSchema, ifNotExists bool) (string, error) {
	if len(ts.PrimaryKeys) == 0 {
		return "", errors.Errorf("schema: table %s.%s has no primary key", ts.Database, ts.Name)
	}

	var b strings.Builder
	b.WriteString("CREATE TABLE ")
	if ifNotExists {
		b.WriteString("IF NOT EXISTS ")
	}
	b.WriteString(qualifiedCH(destDB, ts.Name))
	b.WriteString(" (\n")
	for _, col := range ts.Columns {
		chType, err := tr.fieldType(ts, &col)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "    %s %s,\n", quoteCH(col.Name), chType)
	}
	b.WriteString("    `_version` UInt64,\n")
	fmt.Fprintf(&b, "    INDEX _version_idx `_version` TYPE minmax GRANULARITY 1\n")
	b.WriteString(") ENGINE = ReplacingMergeTree(_version)\n")

	keys := make([]string, 0, len(ts.PrimaryKeys))
	for _, pk := range ts.PrimaryKeys {
		keys = append(keys, quoteCH(pk))
	}
	orderBy := strings.Join(keys, ", ")
	if len(keys) > 1 {
		orderBy = "(" + orderBy + ")"
	}

	if part := tr.partitionBy(ts); part != "" {
		fmt.Fprintf(&b, "PARTITION BY %s\n", part)
	}
	fmt.Fprintf(&b, "ORDER BY %s", orderBy)
	return b.String(), nil
}

// fieldType maps a column, forcing primary key columns non-Nullable (the
// destination sort key can't contain Nullable columns).
func (tr *Translator) fieldType(ts *TableSchema, col *Column) (string, error) {
	for _, pk := range ts.PrimaryKeys {
		if pk == col.Name {
			return tr.Mapper.ColumnType(col.SourceType, col.Parameters)
		}
	}
	return tr.Mapper.FieldType(col.SourceType, col.Parameters)
}

// partitionBy picks a partition key: tables with a single integer primary
// key get ranged partitions, everything else a single partition.
func (tr *Translator) partitionBy(ts *TableSchema) string {
	if len(ts.PrimaryKeys) != 1 {
		return ""
	}
	col := ts.Column(ts.PrimaryKeys[0])
	if col == nil {
		return ""
	}
	switch baseOf(col.SourceType) {
	case "tinyint", "smallint", "mediumint", "int", "integer", "bigint":
		return fmt.Sprintf("intDiv(%s, %d)", quoteCH(col.Name), partitionSize)
	}
	return ""
}

func baseOf(sourceType string) string {
	t := strings.ToLower(sourceType)
	if i := strings.IndexAny(t, "( "); i >= 0 {
		t = t[:i]
	}
	return t
}

// DropTableDDL renders a destination drop.
func (tr *Translator) DropTableDDL(destDB, table string, ifExists bool) string {
	if ifExists {
		return "DROP TABLE IF EXISTS " + qualifiedCH(destDB, table)
	}
	return "DROP TABLE " + qualifiedCH(destDB, table)
}

// TruncateTableDDL renders a destination truncate.
func (tr *Translator) TruncateTableDDL(destDB, table string) string {
	return "TRUNCATE TABLE " + qualifiedCH(destDB, table)
}

// RenameTableDDL renders a destination rename.
func (tr *Translator) RenameTableDDL(destDB, from, to string) string {
	return fmt.Sprintf("RENAME TABLE %s TO %s", qualifiedCH(destDB, from), qualifiedCH(destDB, to))
}

// ApplyAlterOp mutates ts according to op and returns the destination DDL
// statements to run, if any. Index and charset operations mutate nothing
// on the destination.
func (tr *Translator) ApplyAlterOp(destDB string, ts *TableSchema, op AlterOp) ([]string, error) {
	target := qualifiedCH(destDB, ts.Name)
	switch op.Kind {
	case OpNoop, OpAddIndex, OpDropIndex:
		return nil, nil

	case OpConvertCharset:
		ts.Charset = op.Charset
		return nil, nil

	case OpAddColumn:
		if op.IfNotExists && ts.ColumnIndex(op.Column.Name) >= 0 {
			return nil, nil
		}
		if err := ts.AddColumn(op.Column, op.First, op.After); err != nil {
			return nil, err
		}
		chType, err := tr.Mapper.FieldType(op.Column.SourceType, op.Column.Parameters)
		if err != nil {
			return nil, err
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", target, quoteCH(op.Column.Name), chType)
		switch {
		case op.First:
			stmt += " FIRST"
		case op.After != "":
			stmt += " AFTER " + quoteCH(op.After)
		}
		return []string{stmt}, nil

	case OpDropColumn:
		if op.IfExists && ts.ColumnIndex(op.OldName) < 0 {
			return nil, nil
		}
		if err := ts.DropColumn(op.OldName); err != nil {
			return nil, err
		}
		return []string{fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", target, quoteCH(op.OldName))}, nil

	case OpModifyColumn:
		if op.IfExists && ts.ColumnIndex(op.OldName) < 0 {
			return nil, nil
		}
		col := op.Column
		if col.SourceType == "" {
			// RENAME COLUMN keeps the old definition.
			old := ts.Column(op.OldName)
			if old == nil {
				return nil, errors.Errorf("schema: no column %q in %s.%s", op.OldName, ts.Database, ts.Name)
			}
			col.SourceType = old.SourceType
			col.Parameters = old.Parameters
		}
		if err := ts.ModifyColumn(op.OldName, col, op.First, op.After); err != nil {
			return nil, err
		}
		var stmts []string
		if op.OldName != col.Name {
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s RENAME COLUMN %s TO %s",
				target, quoteCH(op.OldName), quoteCH(col.Name)))
		}
		chType, err := tr.Mapper.FieldType(col.SourceType, col.Parameters)
		if err != nil {
			return nil, err
		}
		stmt := fmt.Sprintf("ALTER TABLE %s MODIFY COLUMN %s %s", target, quoteCH(col.Name), chType)
		switch {
		case op.First:
			stmt += " FIRST"
		case op.After != "":
			stmt += " AFTER " + quoteCH(op.After)
		}
		stmts = append(stmts, stmt)
		return stmts, nil
	}
	return nil, errors.Errorf("schema: unknown alter op %d", op.Kind)
}
