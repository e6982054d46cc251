package mysqlapi

import (
	"database/sql"
	"reflect"

	"github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	"gopkg.in/volatiletech/null.v6"
)

// rowScanner scans result rows into plain Go values with the exact signed
// or unsigned integer width of each column.
//
// XXX: ColumnType.ScanType can't represent BIGINT UNSIGNED DEFAULT NULL
// (the driver reports sql.NullInt64) and the unsigned flag is not exposed
// through database/sql at all, so the driver's private column metadata is
// read via reflection. Pinned to github.com/go-sql-driver/mysql v1.5.0
// internals.
type rowScanner struct {
	alloc []func() interface{}
}

func newRowScanner(rows *sql.Rows) (*rowScanner, error) {
	cols := reflect.
		ValueOf(rows).         // *sql.Rows
		Elem().                // sql.Rows
		FieldByName("rowsi").  // driver.Rows
		Elem().                // *mysql.textRows or *mysql.binaryRows
		Elem().                // mysql.textRows or mysql.binaryRows
		FieldByName("rs").     // mysql.resultSet
		FieldByName("columns") // []mysql.mysqlField

	rs := &rowScanner{alloc: make([]func() interface{}, 0, cols.Len())}
	for i := 0; i < cols.Len(); i++ {
		col := cols.Index(i)
		typ := fieldType(col.FieldByName("fieldType").Uint())
		flags := fieldFlag(col.FieldByName("flags").Uint())
		notNull := flags&flagNotNULL != 0
		unsigned := flags&flagUnsigned != 0

		var fn func() interface{}
		switch typ {
		case fieldTypeTiny:
			fn = pick(notNull, unsigned,
				func() interface{} { return new(uint8) },
				func() interface{} { return new(int8) },
				func() interface{} { return &null.Uint8{} },
				func() interface{} { return &null.Int8{} })
		case fieldTypeShort, fieldTypeYear:
			fn = pick(notNull, unsigned,
				func() interface{} { return new(uint16) },
				func() interface{} { return new(int16) },
				func() interface{} { return &null.Uint16{} },
				func() interface{} { return &null.Int16{} })
		case fieldTypeInt24, fieldTypeLong:
			fn = pick(notNull, unsigned,
				func() interface{} { return new(uint32) },
				func() interface{} { return new(int32) },
				func() interface{} { return &null.Uint32{} },
				func() interface{} { return &null.Int32{} })
		case fieldTypeLongLong:
			fn = pick(notNull, unsigned,
				func() interface{} { return new(uint64) },
				func() interface{} { return new(int64) },
				func() interface{} { return &null.Uint64{} },
				func() interface{} { return &null.Int64{} })
		case fieldTypeFloat:
			if notNull {
				fn = func() interface{} { return new(float32) }
			} else {
				fn = func() interface{} { return &null.Float32{} }
			}
		case fieldTypeDouble:
			if notNull {
				fn = func() interface{} { return new(float64) }
			} else {
				fn = func() interface{} { return &null.Float64{} }
			}
		case fieldTypeDate, fieldTypeNewDate, fieldTypeTimestamp, fieldTypeDateTime:
			fn = func() interface{} { return &mysql.NullTime{} }
		case fieldTypeDecimal, fieldTypeNewDecimal, fieldTypeVarChar,
			fieldTypeBit, fieldTypeEnum, fieldTypeSet, fieldTypeTinyBLOB,
			fieldTypeMediumBLOB, fieldTypeLongBLOB, fieldTypeBLOB,
			fieldTypeVarString, fieldTypeString, fieldTypeGeometry,
			fieldTypeJSON, fieldTypeTime:
			fn = func() interface{} { return &null.String{} }
		default:
			return nil, errors.Errorf("mysqlapi: unknown field type %d", typ)
		}
		rs.alloc = append(rs.alloc, fn)
	}
	return rs, nil
}

func pick(notNull, unsigned bool, u, s, nu, ns func() interface{}) func() interface{} {
	if notNull {
		if unsigned {
			return u
		}
		return s
	}
	if unsigned {
		return nu
	}
	return ns
}

// scan reads the current row into a fresh value slice.
func (rs *rowScanner) scan(rows *sql.Rows) ([]interface{}, error) {
	dest := make([]interface{}, len(rs.alloc))
	for i, fn := range rs.alloc {
		dest[i] = fn()
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, errors.WithStack(err)
	}
	for i, val := range dest {
		dest[i] = unwrap(val)
	}
	return dest, nil
}

func unwrap(val interface{}) interface{} {
	switch v := val.(type) {
	case *int8:
		return *v
	case *uint8:
		return *v
	case *int16:
		return *v
	case *uint16:
		return *v
	case *int32:
		return *v
	case *uint32:
		return *v
	case *int64:
		return *v
	case *uint64:
		return *v
	case *float32:
		return *v
	case *float64:
		return *v
	case *null.Int8:
		if v.Valid {
			return v.Int8
		}
	case *null.Uint8:
		if v.Valid {
			return v.Uint8
		}
	case *null.Int16:
		if v.Valid {
			return v.Int16
		}
	case *null.Uint16:
		if v.Valid {
			return v.Uint16
		}
	case *null.Int32:
		if v.Valid {
			return v.Int32
		}
	case *null.Uint32:
		if v.Valid {
			return v.Uint32
		}
	case *null.Int64:
		if v.Valid {
			return v.Int64
		}
	case *null.Uint64:
		if v.Valid {
			return v.Uint64
		}
	case *null.Float32:
		if v.Valid {
			return v.Float32
		}
	case *null.Float64:
		if v.Valid {
			return v.Float64
		}
	case *null.String:
		if v.Valid {
			return v.String
		}
	case *mysql.NullTime:
		if v.Valid {
			return v.Time
		}
	}
	return nil
}

// Copied from github.com/go-sql-driver/mysql@v1.5.0/const.go.

type fieldType byte

const (
	fieldTypeDecimal fieldType = iota
	fieldTypeTiny
	fieldTypeShort
	fieldTypeLong
	fieldTypeFloat
	fieldTypeDouble
	fieldTypeNULL
	fieldTypeTimestamp
	fieldTypeLongLong
	fieldTypeInt24
	fieldTypeDate
	fieldTypeTime
	fieldTypeDateTime
	fieldTypeYear
	fieldTypeNewDate
	fieldTypeVarChar
	fieldTypeBit
)

const (
	fieldTypeJSON fieldType = iota + 0xf5
	fieldTypeNewDecimal
	fieldTypeEnum
	fieldTypeSet
	fieldTypeTinyBLOB
	fieldTypeMediumBLOB
	fieldTypeLongBLOB
	fieldTypeBLOB
	fieldTypeVarString
	fieldTypeString
	fieldTypeGeometry
)

type fieldFlag uint16

const (
	flagNotNULL fieldFlag = 1 << iota
	flagPriKey
	flagUniqueKey
	flagMultipleKey
	flagBLOB
	flagUnsigned
	flagZeroFill
	flagBinary
	flagEnum
	flagAutoIncrement
	flagTimestamp
	flagSet
	flagUnknown1
	flagUnknown2
	flagUnknown3
	flagUnknown4
)
