package typeconv

import (
	"encoding/binary"
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

const zeroDatetime = "0000-00-00 00:00:00"

// Value converts a single mysql value (as decoded from the binlog or
// scanned from a snapshot query) to what the ClickHouse driver expects for
// the destination type. sourceType is the mysql column type ("datetime(3)",
// "binary(16)", ...), parameters the rest of the column definition.
func (m *Mapper) Value(val interface{}, sourceType, parameters string) (interface{}, error) {
	source := strings.ToLower(strings.TrimSpace(sourceType))
	base := baseType(source)
	notNull := strings.Contains(strings.ToLower(parameters), "not null")

	if val == nil {
		switch {
		case base == "polygon":
			return []interface{}{}, nil
		case notNull && (base == "datetime" || base == "timestamp"):
			return m.ZeroDate, nil
		}
		return nil, nil
	}

	// Binlogs carry no signedness, so integer values may still be the
	// signed reinterpretation here.
	if strings.Contains(source, "unsigned") {
		switch v := val.(type) {
		case int8:
			val = uint8(v)
		case int16:
			val = uint16(v)
		case int32:
			if base == "mediumint" && v < 0 {
				val = uint32(16777215 + v + 1)
			} else {
				val = uint32(v)
			}
		case int64:
			val = uint64(v)
		case int:
			val = uint(v)
		}
	}

	switch base {
	case "datetime", "timestamp":
		return m.datetimeValue(val)
	case "date":
		return m.dateValue(val)
	case "enum":
		switch v := val.(type) {
		case string:
			return strings.ToLower(v), nil
		case []byte:
			return strings.ToLower(string(v)), nil
		case int64, uint64, int:
			// Raw binlog ordinal (1-based), decode via the member list.
			members := typeMembers(source)
			idx := int(asInt64(v))
			if idx < 1 || idx > len(members) {
				return nil, errors.Errorf("typeconv: enum ordinal %d out of range for %s", idx, source)
			}
			return strings.ToLower(members[idx-1]), nil
		}
		return val, nil
	case "set":
		switch v := val.(type) {
		case int64, uint64, int:
			// Raw binlog bitmask, decode via the member list.
			members := typeMembers(source)
			mask := uint64(asInt64(v))
			var picked []string
			for i, member := range members {
				if mask&(1<<uint(i)) != 0 {
					picked = append(picked, member)
				}
			}
			return strings.Join(picked, ","), nil
		}
		return val, nil
	case "json":
		s := asString(val)
		if !json.Valid([]byte(s)) {
			return nil, errors.Errorf("typeconv: invalid json value %q", s)
		}
		return s, nil
	case "point":
		return parseWKBPoint(asBytes(val))
	case "polygon":
		return parseWKBPolygon(asBytes(val))
	case "decimal", "numeric":
		return decimalValue(val)
	case "bit":
		u, err := bitValue(val)
		if err != nil {
			return nil, err
		}
		if source == "bit(1)" {
			return u != 0, nil
		}
		return u, nil
	case "tinyint":
		if source == "tinyint(1)" {
			return asInt64(val) != 0, nil
		}
		return val, nil
	case "bool", "boolean":
		return asInt64(val) != 0, nil
	case "binary":
		if n := binaryLength(source); n > 0 {
			return padBinary(asBytes(val), n), nil
		}
		return val, nil
	}

	return val, nil
}

func (m *Mapper) datetimeValue(val interface{}) (interface{}, error) {
	switch v := val.(type) {
	case time.Time:
		if v.IsZero() || v.Year() < 1900 {
			return m.ZeroDate, nil
		}
		return v, nil
	case string:
		return m.parseDatetime(v)
	case []byte:
		return m.parseDatetime(string(v))
	}
	return nil, errors.Errorf("typeconv: unexpected datetime value %T", val)
}

func (m *Mapper) parseDatetime(s string) (interface{}, error) {
	if s == "" || strings.HasPrefix(s, "0000-00-00") {
		return m.ZeroDate, nil
	}
	layout := "2006-01-02 15:04:05"
	if strings.ContainsRune(s, '.') {
		layout = "2006-01-02 15:04:05.999999"
	}
	t, err := time.ParseInLocation(layout, s, m.Location)
	if err != nil {
		return nil, errors.WithMessage(err, "typeconv: parse datetime")
	}
	if t.Year() < 1900 {
		return m.ZeroDate, nil
	}
	return t, nil
}

func (m *Mapper) dateValue(val interface{}) (interface{}, error) {
	switch v := val.(type) {
	case time.Time:
		return v, nil
	case string:
		if v == "" || strings.HasPrefix(v, "0000-00-00") {
			return m.ZeroDate, nil
		}
		t, err := time.ParseInLocation("2006-01-02", v, time.UTC)
		if err != nil {
			return nil, errors.WithMessage(err, "typeconv: parse date")
		}
		return t, nil
	case []byte:
		return m.dateValue(string(v))
	}
	return nil, errors.Errorf("typeconv: unexpected date value %T", val)
}

func decimalValue(val interface{}) (interface{}, error) {
	switch v := val.(type) {
	case decimal.Decimal:
		return v, nil
	case string:
		d, err := decimal.NewFromString(v)
		if err != nil {
			return nil, errors.WithMessage(err, "typeconv: parse decimal")
		}
		return d, nil
	case []byte:
		return decimalValue(string(v))
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int64:
		return decimal.NewFromInt(v), nil
	}
	return nil, errors.Errorf("typeconv: unexpected decimal value %T", val)
}

func bitValue(val interface{}) (uint64, error) {
	switch v := val.(type) {
	case int64:
		return uint64(v), nil
	case uint64:
		return v, nil
	case []byte:
		var u uint64
		for _, b := range v {
			u = u<<8 | uint64(b)
		}
		return u, nil
	case string:
		return bitValue([]byte(v))
	}
	return 0, errors.Errorf("typeconv: unexpected bit value %T", val)
}

func padBinary(b []byte, n int) []byte {
	if len(b) >= n {
		return b[:n]
	}
	padded := make([]byte, n)
	copy(padded, b)
	return padded
}

// parseWKBPoint decodes a mysql geometry value (4-byte SRID prefix followed
// by WKB) into a named tuple {x, y}.
func parseWKBPoint(b []byte) (interface{}, error) {
	x, y, err := wkbPoint(stripSRID(b))
	if err != nil {
		return nil, err
	}
	return map[string]interface{}{"x": float32(x), "y": float32(y)}, nil
}

// parseWKBPolygon decodes a polygon geometry into the points of its outer
// ring, closing point included.
func parseWKBPolygon(b []byte) (interface{}, error) {
	b = stripSRID(b)
	if len(b) < 9 {
		return nil, errors.New("typeconv: short wkb polygon")
	}
	bo := wkbOrder(b[0])
	if bo == nil {
		return nil, errors.New("typeconv: bad wkb byte order")
	}
	if kind := bo.Uint32(b[1:5]); kind != 3 {
		return nil, errors.Errorf("typeconv: wkb type %d is not a polygon", kind)
	}
	numRings := bo.Uint32(b[5:9])
	if numRings == 0 {
		return []interface{}{}, nil
	}
	b = b[9:]
	if len(b) < 4 {
		return nil, errors.New("typeconv: short wkb ring")
	}
	numPoints := int(bo.Uint32(b[:4]))
	b = b[4:]
	if len(b) < numPoints*16 {
		return nil, errors.New("typeconv: short wkb ring points")
	}
	ring := make([]interface{}, 0, numPoints)
	for i := 0; i < numPoints; i++ {
		x := math.Float64frombits(bo.Uint64(b[i*16 : i*16+8]))
		y := math.Float64frombits(bo.Uint64(b[i*16+8 : i*16+16]))
		ring = append(ring, map[string]interface{}{"x": x, "y": y})
	}
	return ring, nil
}

func stripSRID(b []byte) []byte {
	// Geometry values come out of mysql with a 4-byte SRID before the WKB
	// payload. The byte order mark right after it must be 0x00/0x01.
	if len(b) > 4 && (b[4] == 0 || b[4] == 1) {
		return b[4:]
	}
	return b
}

func wkbOrder(b byte) binary.ByteOrder {
	switch b {
	case 0:
		return binary.BigEndian
	case 1:
		return binary.LittleEndian
	}
	return nil
}

func wkbPoint(b []byte) (x, y float64, err error) {
	if len(b) < 21 {
		return 0, 0, errors.New("typeconv: short wkb point")
	}
	bo := wkbOrder(b[0])
	if bo == nil {
		return 0, 0, errors.New("typeconv: bad wkb byte order")
	}
	if kind := bo.Uint32(b[1:5]); kind != 1 {
		return 0, 0, errors.Errorf("typeconv: wkb type %d is not a point", kind)
	}
	x = math.Float64frombits(bo.Uint64(b[5:13]))
	y = math.Float64frombits(bo.Uint64(b[13:21]))
	return x, y, nil
}

// typeMembers extracts the quoted member list of "enum('a','b')" or
// "set('a','b')" type spellings. Doubled quotes inside members unescape.
func typeMembers(sourceType string) []string {
	open := strings.IndexByte(sourceType, '(')
	close_ := strings.LastIndexByte(sourceType, ')')
	if open < 0 || close_ <= open {
		return nil
	}
	var members []string
	var cur strings.Builder
	inQuote := false
	body := sourceType[open+1 : close_]
	for i := 0; i < len(body); i++ {
		b := body[i]
		switch {
		case inQuote && b == '\'':
			if i+1 < len(body) && body[i+1] == '\'' {
				cur.WriteByte('\'')
				i++
				continue
			}
			inQuote = false
			members = append(members, cur.String())
			cur.Reset()
		case inQuote:
			cur.WriteByte(b)
		case b == '\'':
			inQuote = true
		}
	}
	return members
}

func asString(val interface{}) string {
	switch v := val.(type) {
	case string:
		return v
	case []byte:
		return string(v)
	}
	return ""
}

func asBytes(val interface{}) []byte {
	switch v := val.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	}
	return nil
}

func asInt64(val interface{}) int64 {
	switch v := val.(type) {
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case int64:
		return v
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint64:
		return int64(v)
	case bool:
		if v {
			return 1
		}
	}
	return 0
}
