// Package typeconv maps MySQL column types and values to their ClickHouse
// representations. All functions are pure, the Mapper only carries
// configuration (type overrides, timezone, zero-date substitute).
package typeconv

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Mapper converts MySQL types/values to ClickHouse ones.
type Mapper struct {
	// Overrides maps a mysql type (lowercased, e.g. "decimal(10,2)" or
	// "json") to a destination type that replaces the built-in mapping.
	Overrides map[string]string

	// Location interprets naive DATETIME values.
	Location *time.Location

	// ZeroDate substitutes invalid/zero dates in non-nullable columns.
	ZeroDate time.Time
}

// NewMapper returns a Mapper with the given overrides and timezone name.
func NewMapper(overrides map[string]string, timezone string) (*Mapper, error) {
	loc := time.UTC
	if timezone != "" {
		var err error
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return nil, errors.Errorf("typeconv: unknown timezone %q", timezone)
		}
	}
	normalized := map[string]string{}
	for k, v := range overrides {
		normalized[strings.ToLower(strings.TrimSpace(k))] = v
	}
	return &Mapper{
		Overrides: normalized,
		Location:  loc,
		ZeroDate:  time.Unix(0, 0).UTC(),
	}, nil
}

var (
	timestampRe = regexp.MustCompile(`(?i)^timestamp(?:\((\d+)\))?$`)
	datetimeRe  = regexp.MustCompile(`(?i)^datetime(?:\((\d+)\))?$`)
	decimalRe   = regexp.MustCompile(`(?i)^(?:decimal|numeric)(?:\((\d+)(?:\s*,\s*(\d+))?\))?$`)
	binaryRe    = regexp.MustCompile(`(?i)^binary(?:\((\d+)\))?$`)
	bitRe       = regexp.MustCompile(`(?i)^bit(?:\((\d+)\))?$`)
	charLenRe   = regexp.MustCompile(`\((\d+)\)`)
)

// baseType lowercases and strips the length/members part and attributes:
// "VARCHAR(255)" -> "varchar", "set('a','b')" -> "set", "int unsigned" ->
// "int".
func baseType(mysqlType string) string {
	t := strings.ToLower(strings.TrimSpace(mysqlType))
	if idx := strings.IndexAny(t, "( "); idx >= 0 {
		return t[:idx]
	}
	return t
}

// ColumnType maps a mysql column type to the bare (non-Nullable) ClickHouse
// type. parameters is the rest of the column definition ("unsigned not null
// default ...").
func (m *Mapper) ColumnType(mysqlType, parameters string) (string, error) {
	mysqlType = strings.ToLower(strings.TrimSpace(mysqlType))
	parameters = strings.ToLower(parameters)
	unsigned := strings.Contains(parameters, "unsigned") || strings.Contains(mysqlType, "unsigned")

	if m.Overrides != nil {
		if override, ok := m.Overrides[mysqlType]; ok {
			return override, nil
		}
	}

	// Attributes out of the way, "decimal(14,2) unsigned" matches like
	// "decimal(14,2)".
	mysqlType = strings.TrimSpace(strings.NewReplacer(" unsigned", "", " zerofill", "").Replace(mysqlType))

	// Exact spellings first.
	switch mysqlType {
	case "tinyint(1)", "bit(1)", "bool", "boolean":
		return "Bool", nil
	case "point":
		return "Tuple(x Float32, y Float32)", nil
	case "polygon":
		return "Array(Tuple(x Float64, y Float64))", nil
	case "year":
		return "UInt16", nil
	case "date":
		return "Date32", nil
	case "json":
		return "String", nil
	}

	if match := timestampRe.FindStringSubmatch(mysqlType); match != nil {
		if match[1] != "" {
			return fmt.Sprintf("DateTime64(%s)", match[1]), nil
		}
		return "DateTime64(0)", nil
	}
	if match := datetimeRe.FindStringSubmatch(mysqlType); match != nil {
		if match[1] != "" {
			return fmt.Sprintf("DateTime64(%s)", match[1]), nil
		}
		return "DateTime64(0)", nil
	}
	if match := decimalRe.FindStringSubmatch(mysqlType); match != nil {
		precision, scale := 10, 0
		if match[1] != "" {
			precision, _ = strconv.Atoi(match[1])
		}
		if match[2] != "" {
			scale, _ = strconv.Atoi(match[2])
		}
		return fmt.Sprintf("Decimal(%d, %d)", precision, scale), nil
	}
	if match := bitRe.FindStringSubmatch(mysqlType); match != nil {
		return "UInt64", nil
	}
	if match := binaryRe.FindStringSubmatch(mysqlType); match != nil && !strings.HasPrefix(mysqlType, "varbinary") {
		n := 1
		if match[1] != "" {
			n, _ = strconv.Atoi(match[1])
		}
		return fmt.Sprintf("FixedString(%d)", n), nil
	}

	switch baseType(mysqlType) {
	case "tinyint":
		if unsigned {
			return "UInt8", nil
		}
		return "Int8", nil
	case "smallint":
		if unsigned {
			return "UInt16", nil
		}
		return "Int16", nil
	case "mediumint", "int", "integer":
		if unsigned {
			return "UInt32", nil
		}
		return "Int32", nil
	case "bigint":
		if unsigned {
			return "UInt64", nil
		}
		return "Int64", nil
	case "float":
		return "Float32", nil
	case "double", "real":
		return "Float64", nil
	case "char", "varchar", "text", "tinytext", "mediumtext", "longtext",
		"blob", "tinyblob", "mediumblob", "longblob", "varbinary",
		"enum", "set", "time", "uuid":
		return "String", nil
	}

	return "", errors.Errorf("typeconv: unknown mysql type %q", mysqlType)
}

// FieldType maps a mysql column type to the full ClickHouse type, wrapping
// in Nullable unless the column is NOT NULL (composite types can't be
// Nullable in ClickHouse and are left bare).
func (m *Mapper) FieldType(mysqlType, parameters string) (string, error) {
	chType, err := m.ColumnType(mysqlType, parameters)
	if err != nil {
		return "", err
	}
	notNull := strings.Contains(strings.ToLower(parameters), "not null")
	if strings.HasPrefix(chType, "Tuple") || strings.HasPrefix(chType, "Array") {
		return chType, nil
	}
	if !notNull {
		return "Nullable(" + chType + ")", nil
	}
	return chType, nil
}

// binaryLength returns n for "binary(n)" types, 0 otherwise.
func binaryLength(mysqlType string) int {
	t := strings.ToLower(mysqlType)
	if strings.HasPrefix(t, "varbinary") || !strings.HasPrefix(t, "binary") {
		return 0
	}
	if match := charLenRe.FindStringSubmatch(t); match != nil {
		n, _ := strconv.Atoi(match[1])
		return n
	}
	return 1
}
