package schema

import (
	"regexp"
	"strings"

	"github.com/pkg/errors"
)

// StatementKind enumerates the DDL statements the replicator reacts to.
type StatementKind int

const (
	StatementUnknown StatementKind = iota
	StatementCreateTable
	StatementCreateTableLike
	StatementDropTable
	StatementAlterTable
	StatementRenameTable
	StatementTruncateTable
)

// TableRef names a table, database-qualified.
type TableRef struct {
	Database string `json:"database"`
	Name     string `json:"name"`
}

func (r TableRef) String() string {
	return r.Database + "." + r.Name
}

// Rename is one FROM -> TO pair of a RENAME TABLE statement.
type Rename struct {
	From TableRef
	To   TableRef
}

// AlterOpKind enumerates ALTER TABLE sub-operations.
type AlterOpKind int

const (
	OpNoop AlterOpKind = iota
	OpAddColumn
	OpDropColumn
	OpModifyColumn
	OpAddIndex
	OpDropIndex
	OpConvertCharset
)

// AlterOp is one comma-separated operation of an ALTER TABLE statement.
type AlterOp struct {
	Kind AlterOpKind

	// Column definition for add/modify, OldName set on CHANGE COLUMN.
	Column  Column
	OldName string
	First   bool
	After   string

	IfExists    bool
	IfNotExists bool

	IndexName string
	Charset   string
}

// Statement is a parsed DDL statement.
type Statement struct {
	Kind StatementKind

	Table       TableRef
	IfExists    bool
	IfNotExists bool

	// Schema is set for StatementCreateTable.
	Schema *TableSchema

	// Like is set for StatementCreateTableLike.
	Like *TableRef

	// Ops is set for StatementAlterTable.
	Ops []AlterOp

	// Renames is set for StatementRenameTable. DropTable statements with
	// several targets also reuse it (From only).
	Renames []Rename

	// Tables is set for StatementDropTable.
	Tables []TableRef
}

// Parse classifies and parses a DDL query. defaultDB qualifies unqualified
// table names. Statements the replicator doesn't track (CREATE INDEX,
// CREATE VIEW, GRANT, ...) come back as StatementUnknown with nil error.
func Parse(query, defaultDB string) (*Statement, error) {
	sc := newScanner(query)
	switch {
	case sc.keywords("create", "table"):
		return parseCreateTable(sc, defaultDB)
	case sc.keywords("alter", "table"):
		return parseAlterTable(sc, defaultDB)
	case sc.keywords("rename", "table"):
		return parseRenameTable(sc, defaultDB)
	case sc.keywords("drop", "table"):
		return parseDropTable(sc, defaultDB)
	case sc.keywords("truncate", "table") || sc.keywords("truncate"):
		ref, err := sc.qualified(defaultDB)
		if err != nil {
			return nil, err
		}
		return &Statement{Kind: StatementTruncateTable, Table: ref}, nil
	}
	return &Statement{Kind: StatementUnknown}, nil
}

func parseCreateTable(sc *scanner, defaultDB string) (*Statement, error) {
	stmt := &Statement{Kind: StatementCreateTable}
	stmt.IfNotExists = sc.keywords("if", "not", "exists")

	ref, err := sc.qualified(defaultDB)
	if err != nil {
		return nil, err
	}
	stmt.Table = ref

	if sc.keywords("like") {
		like, err := sc.qualified(defaultDB)
		if err != nil {
			return nil, err
		}
		stmt.Kind = StatementCreateTableLike
		stmt.Like = &like
		return stmt, nil
	}
	// CREATE TABLE t (LIKE other) is also legal.
	if save := *sc; sc.consume('(') {
		if sc.keywords("like") {
			like, err := sc.qualified(defaultDB)
			if err != nil {
				return nil, err
			}
			stmt.Kind = StatementCreateTableLike
			stmt.Like = &like
			return stmt, nil
		}
		*sc = save
	}

	body, err := sc.parenGroup()
	if err != nil {
		return nil, errors.WithMessagef(err, "schema: create table %s", ref)
	}
	ts := &TableSchema{Database: ref.Database, Name: ref.Name}
	if err := parseCreateBody(ts, body); err != nil {
		return nil, errors.WithMessagef(err, "schema: create table %s", ref)
	}
	ts.Charset = parseCharset(sc.rest())
	if len(ts.PrimaryKeys) == 0 {
		// Tables without an explicit key still need a deterministic sort
		// key on the destination.
		if ts.ColumnIndex("id") >= 0 {
			ts.PrimaryKeys = []string{"id"}
		}
	}
	stmt.Schema = ts
	return stmt, nil
}

var charsetRe = regexp.MustCompile(`(?i)(?:default\s+)?(?:character\s+set|charset)\s*=?\s*(\w+)`)

func parseCharset(options string) string {
	if match := charsetRe.FindStringSubmatch(options); match != nil {
		return strings.ToLower(match[1])
	}
	return ""
}

func parseCreateBody(ts *TableSchema, body string) error {
	for _, fragment := range splitTopLevel(body) {
		fsc := newScanner(fragment)
		switch {
		case fsc.keywords("primary", "key"):
			group, err := fsc.parenGroup()
			if err != nil {
				return err
			}
			for _, part := range splitTopLevel(group) {
				name := newScanner(part)
				ident, err := name.ident()
				if err != nil {
					return err
				}
				ts.PrimaryKeys = append(ts.PrimaryKeys, ident)
			}
		case fsc.keywords("constraint"), fsc.keywords("foreign", "key"),
			fsc.keywords("unique"), fsc.keywords("fulltext"),
			fsc.keywords("spatial"), fsc.keywords("key"), fsc.keywords("index"),
			fsc.keywords("check"):
			// Secondary indexes and constraints don't shape the row image.
		default:
			col, err := parseColumnDef(fragment)
			if err != nil {
				return err
			}
			if strings.Contains(col.Parameters, "primary key") {
				ts.PrimaryKeys = append(ts.PrimaryKeys, col.Name)
			}
			ts.Columns = append(ts.Columns, col)
		}
	}
	if len(ts.Columns) == 0 {
		return errors.New("no columns")
	}
	return nil
}

var commentRe = regexp.MustCompile(`(?i)\s+comment\s+'(?:[^'\\]|\\.|'')*'`)

// parseColumnDef parses one "name type [modifiers...]" fragment.
func parseColumnDef(fragment string) (Column, error) {
	sc := newScanner(fragment)

	name, err := sc.ident()
	if err != nil {
		return Column{}, errors.WithMessagef(err, "column def %q", fragment)
	}
	typ, err := sc.typeName()
	if err != nil {
		return Column{}, errors.WithMessagef(err, "column def %q", fragment)
	}
	params := strings.ToLower(strings.TrimSpace(sc.rest()))
	params = commentRe.ReplaceAllString(" "+params, "")
	params = strings.TrimSpace(params)
	return Column{Name: name, SourceType: typ, Parameters: params}, nil
}

func parseAlterTable(sc *scanner, defaultDB string) (*Statement, error) {
	ref, err := sc.qualified(defaultDB)
	if err != nil {
		return nil, err
	}
	stmt := &Statement{Kind: StatementAlterTable, Table: ref}
	for _, fragment := range splitTopLevel(sc.rest()) {
		op, err := parseAlterOp(fragment)
		if err != nil {
			return nil, errors.WithMessagef(err, "schema: alter table %s", ref)
		}
		stmt.Ops = append(stmt.Ops, op)
	}
	return stmt, nil
}

func parseAlterOp(fragment string) (AlterOp, error) {
	sc := newScanner(fragment)
	switch {
	case sc.keywords("add"):
		switch {
		case sc.keywords("primary", "key"), sc.keywords("constraint"),
			sc.keywords("foreign", "key"):
			return AlterOp{Kind: OpNoop}, nil
		case sc.keywords("unique", "index"), sc.keywords("unique", "key"),
			sc.keywords("unique"), sc.keywords("index"), sc.keywords("key"),
			sc.keywords("fulltext"), sc.keywords("spatial"):
			op := AlterOp{Kind: OpAddIndex}
			op.IfNotExists = sc.keywords("if", "not", "exists")
			if name, err := sc.ident(); err == nil {
				op.IndexName = name
			}
			return op, nil
		}
		sc.keywords("column")
		op := AlterOp{Kind: OpAddColumn}
		op.IfNotExists = sc.keywords("if", "not", "exists")
		def, pos := splitPosition(sc.rest())
		col, err := parseColumnDef(def)
		if err != nil {
			return AlterOp{}, err
		}
		op.Column = col
		op.First, op.After = pos.first, pos.after
		return op, nil

	case sc.keywords("drop"):
		switch {
		case sc.keywords("primary", "key"), sc.keywords("foreign", "key"),
			sc.keywords("constraint"), sc.keywords("check"):
			return AlterOp{Kind: OpNoop}, nil
		case sc.keywords("index"), sc.keywords("key"):
			op := AlterOp{Kind: OpDropIndex}
			op.IfExists = sc.keywords("if", "exists")
			if name, err := sc.ident(); err == nil {
				op.IndexName = name
			}
			return op, nil
		}
		sc.keywords("column")
		op := AlterOp{Kind: OpDropColumn}
		op.IfExists = sc.keywords("if", "exists")
		name, err := sc.ident()
		if err != nil {
			return AlterOp{}, err
		}
		op.OldName = name
		return op, nil

	case sc.keywords("modify"):
		sc.keywords("column")
		op := AlterOp{Kind: OpModifyColumn}
		op.IfExists = sc.keywords("if", "exists")
		def, pos := splitPosition(sc.rest())
		col, err := parseColumnDef(def)
		if err != nil {
			return AlterOp{}, err
		}
		op.Column = col
		op.OldName = col.Name
		op.First, op.After = pos.first, pos.after
		return op, nil

	case sc.keywords("change"):
		sc.keywords("column")
		op := AlterOp{Kind: OpModifyColumn}
		oldName, err := sc.ident()
		if err != nil {
			return AlterOp{}, err
		}
		op.OldName = oldName
		def, pos := splitPosition(sc.rest())
		col, err := parseColumnDef(def)
		if err != nil {
			return AlterOp{}, err
		}
		op.Column = col
		op.First, op.After = pos.first, pos.after
		return op, nil

	case sc.keywords("rename", "column"):
		oldName, err := sc.ident()
		if err != nil {
			return AlterOp{}, err
		}
		if !sc.keywords("to") {
			return AlterOp{}, errors.Errorf("expected TO in %q", fragment)
		}
		newName, err := sc.ident()
		if err != nil {
			return AlterOp{}, err
		}
		return AlterOp{Kind: OpModifyColumn, OldName: oldName, Column: Column{Name: newName}}, nil

	case sc.keywords("convert", "to", "character", "set"),
		sc.keywords("convert", "to", "charset"):
		cs, err := sc.ident()
		if err != nil {
			return AlterOp{}, err
		}
		return AlterOp{Kind: OpConvertCharset, Charset: strings.ToLower(cs)}, nil
	}

	// ENGINE=, AUTO_INCREMENT=, ALTER COLUMN ... SET DEFAULT, table
	// option changes. None of them change the row image.
	return AlterOp{Kind: OpNoop}, nil
}

type position struct {
	first bool
	after string
}

var (
	firstRe = regexp.MustCompile(`(?i)\s+first\s*$`)
	afterRe = regexp.MustCompile("(?i)\\s+after\\s+(`[^`]+`|\\w+)\\s*$")
)

// splitPosition strips a trailing FIRST or AFTER x from a column
// definition.
func splitPosition(def string) (string, position) {
	if match := afterRe.FindStringSubmatch(def); match != nil {
		return def[:len(def)-len(match[0])], position{after: stripQuotes(match[1])}
	}
	if loc := firstRe.FindStringIndex(def); loc != nil {
		return def[:loc[0]], position{first: true}
	}
	return def, position{}
}

func parseRenameTable(sc *scanner, defaultDB string) (*Statement, error) {
	stmt := &Statement{Kind: StatementRenameTable}
	for {
		from, err := sc.qualified(defaultDB)
		if err != nil {
			return nil, err
		}
		if !sc.keywords("to") {
			return nil, errors.Errorf("schema: expected TO after %s in rename", from)
		}
		to, err := sc.qualified(defaultDB)
		if err != nil {
			return nil, err
		}
		stmt.Renames = append(stmt.Renames, Rename{From: from, To: to})
		if !sc.consume(',') {
			break
		}
	}
	return stmt, nil
}

func parseDropTable(sc *scanner, defaultDB string) (*Statement, error) {
	stmt := &Statement{Kind: StatementDropTable}
	stmt.IfExists = sc.keywords("if", "exists")
	for {
		ref, err := sc.qualified(defaultDB)
		if err != nil {
			return nil, err
		}
		stmt.Tables = append(stmt.Tables, ref)
		if !sc.consume(',') {
			break
		}
	}
	return stmt, nil
}
