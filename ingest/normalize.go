package ingest

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/siddontang/go-mysql/mysql"
	"github.com/siddontang/go-mysql/replication"
)

// tableMeta caches per-column binlog metadata of one TableMapEvent:
// signedness plus enum/set member lists (present with
// --binlog-row-metadata=FULL, nil otherwise).
type tableMeta struct {
	table           *replication.TableMapEvent
	unsignedMap     map[int]bool
	enumStrValueMap map[int][]string
	setStrValueMap  map[int][]string
}

func newTableMeta(e *replication.TableMapEvent) *tableMeta {
	return &tableMeta{
		table:           e,
		unsignedMap:     unsignedMap(e),
		enumStrValueMap: strValueMap(e, isEnumColumn, e.EnumStrValueString()),
		setStrValueMap:  strValueMap(e, isSetColumn, e.SetStrValueString()),
	}
}

// normalizeRow rewrites a decoded row in place into the forms the event log
// codec and the applier expect: unsigned ints reinterpreted, enums/sets
// decoded to strings, decimals stringified, dates parsed, []byte turned
// into string.
//
// NOTE: the binlog stores ints as signed, signedness only exists in the
// optional row metadata. Integer columns stay signed when that metadata is
// absent and the applier reinterprets them from the tracked table schema.
func (meta *tableMeta) normalizeRow(row []interface{}) []interface{} {
	for i, val := range row {
		if val == nil {
			continue
		}

		if isNumericColumn(meta.table, i) {
			if v, ok := val.(decimal.Decimal); ok {
				row[i] = v.String()
				continue
			}
			if meta.unsignedMap == nil || !meta.unsignedMap[i] {
				continue
			}
			// Copied from go-mysql/canal/rows.go.
			switch v := val.(type) {
			case int8:
				row[i] = uint8(v)
			case int16:
				row[i] = uint16(v)
			case int32:
				if v < 0 && realType(meta.table, i) == mysql.MYSQL_TYPE_INT24 {
					// 16777215 is the maximum value of mediumint.
					row[i] = uint32(16777215 + v + 1)
				} else {
					row[i] = uint32(v)
				}
			case int64:
				row[i] = uint64(v)
			case int:
				row[i] = uint(v)
			}
			continue
		}

		if isEnumColumn(meta.table, i) {
			if v, ok := val.(int64); ok && meta.enumStrValueMap[i] != nil {
				if int(v) >= 1 && int(v) <= len(meta.enumStrValueMap[i]) {
					row[i] = meta.enumStrValueMap[i][v-1]
				}
			}
			continue
		}

		if isSetColumn(meta.table, i) {
			if v, ok := val.(int64); ok && meta.setStrValueMap[i] != nil {
				setStrValue := meta.setStrValueMap[i]
				vals := []string{}
				for j := 0; j < len(setStrValue) && j < 64; j++ {
					if v&(1<<uint(j)) != 0 {
						vals = append(vals, setStrValue[j])
					}
				}
				row[i] = strings.Join(vals, ",")
			}
			continue
		}

		switch realType(meta.table, i) {
		case mysql.MYSQL_TYPE_YEAR:
			if v, ok := val.(int); ok {
				row[i] = uint16(v)
			}
			continue
		case mysql.MYSQL_TYPE_NEWDATE:
			if v, ok := val.(string); ok {
				if t, err := time.Parse("2006-01-02", v); err == nil {
					row[i] = t
				}
			}
			continue
		}

		switch v := val.(type) {
		case time.Time:
			row[i] = v.UTC()
		case []byte:
			row[i] = string(v)
		}
	}
	return row
}

func strValueMap(
	e *replication.TableMapEvent,
	includeType func(*replication.TableMapEvent, int) bool,
	strValue [][]string,
) map[int][]string {

	if len(strValue) == 0 {
		return nil
	}
	p := 0
	ret := make(map[int][]string)
	for i := 0; i < int(e.ColumnCount); i++ {
		if !includeType(e, i) {
			continue
		}
		if p >= len(strValue) {
			break
		}
		ret[i] = strValue[p]
		p++
	}
	return ret
}

func unsignedMap(e *replication.TableMapEvent) map[int]bool {
	if len(e.SignednessBitmap) == 0 {
		return nil
	}
	p := 0
	ret := make(map[int]bool)
	for i := 0; i < int(e.ColumnCount); i++ {
		if !isNumericColumn(e, i) {
			continue
		}
		ret[i] = e.SignednessBitmap[p/8]&(1<<uint(7-p%8)) != 0
		p++
	}
	return ret
}

func isNumericColumn(e *replication.TableMapEvent, i int) bool {
	switch realType(e, i) {
	case mysql.MYSQL_TYPE_TINY,
		mysql.MYSQL_TYPE_SHORT,
		mysql.MYSQL_TYPE_INT24,
		mysql.MYSQL_TYPE_LONG,
		mysql.MYSQL_TYPE_LONGLONG,
		mysql.MYSQL_TYPE_NEWDECIMAL,
		mysql.MYSQL_TYPE_FLOAT,
		mysql.MYSQL_TYPE_DOUBLE:
		return true
	default:
		return false
	}
}

func isEnumColumn(e *replication.TableMapEvent, i int) bool {
	return realType(e, i) == mysql.MYSQL_TYPE_ENUM
}

func isSetColumn(e *replication.TableMapEvent, i int) bool {
	return realType(e, i) == mysql.MYSQL_TYPE_SET
}

// realType resolves the on-wire column type: enum/set hide behind
// MYSQL_TYPE_STRING with the real type in the meta high byte.
func realType(e *replication.TableMapEvent, i int) byte {
	typ := e.ColumnType[i]
	meta := e.ColumnMeta[i]

	switch typ {
	case mysql.MYSQL_TYPE_STRING:
		rtyp := byte(meta >> 8)
		if rtyp == mysql.MYSQL_TYPE_ENUM || rtyp == mysql.MYSQL_TYPE_SET {
			return rtyp
		}
	case mysql.MYSQL_TYPE_DATE:
		return mysql.MYSQL_TYPE_NEWDATE
	}
	return typ
}
