package typeconv

import (
	"encoding/binary"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestMapper(t *testing.T) *Mapper {
	m, err := NewMapper(nil, "")
	require.NoError(t, err)
	return m
}

func TestColumnType(t *testing.T) {
	assert := assert.New(t)
	m := newTestMapper(t)

	for _, testCase := range []struct {
		mysqlType  string
		parameters string
		expect     string
	}{
		{"int", "", "Int32"},
		{"int", "unsigned not null", "UInt32"},
		{"int unsigned", "", "UInt32"},
		{"tinyint", "", "Int8"},
		{"tinyint(1)", "", "Bool"},
		{"tinyint", "unsigned", "UInt8"},
		{"smallint", "unsigned", "UInt16"},
		{"mediumint", "", "Int32"},
		{"bigint", "unsigned", "UInt64"},
		{"year", "", "UInt16"},
		{"bit(1)", "", "Bool"},
		{"bit(7)", "", "UInt64"},
		{"float", "", "Float32"},
		{"double", "", "Float64"},
		{"decimal(14,2)", "", "Decimal(14, 2)"},
		{"numeric(6)", "", "Decimal(6, 0)"},
		{"varchar(255)", "", "String"},
		{"char(32)", "", "String"},
		{"enum('a','b')", "", "String"},
		{"set('x','y')", "", "String"},
		{"text", "", "String"},
		{"longblob", "", "String"},
		{"varbinary(16)", "", "String"},
		{"binary(16)", "", "FixedString(16)"},
		{"binary", "", "FixedString(1)"},
		{"json", "", "String"},
		{"date", "", "Date32"},
		{"time", "", "String"},
		{"datetime", "", "DateTime64(0)"},
		{"datetime(3)", "", "DateTime64(3)"},
		{"timestamp(6)", "", "DateTime64(6)"},
		{"point", "", "Tuple(x Float32, y Float32)"},
		{"polygon", "", "Array(Tuple(x Float64, y Float64))"},
	} {
		chType, err := m.ColumnType(testCase.mysqlType, testCase.parameters)
		assert.NoError(err, "type %q", testCase.mysqlType)
		assert.Equal(testCase.expect, chType, "type %q", testCase.mysqlType)
	}

	_, err := m.ColumnType("frobnicate", "")
	assert.Error(err)
}

func TestColumnTypeOverride(t *testing.T) {
	assert := assert.New(t)

	m, err := NewMapper(map[string]string{"decimal(14,2)": "Float64", "JSON": "JSON"}, "")
	require.NoError(t, err)

	chType, err := m.ColumnType("decimal(14,2)", "")
	assert.NoError(err)
	assert.Equal("Float64", chType)

	chType, err = m.ColumnType("json", "")
	assert.NoError(err)
	assert.Equal("JSON", chType)

	// Other decimals keep the built-in mapping.
	chType, err = m.ColumnType("decimal(10,4)", "")
	assert.NoError(err)
	assert.Equal("Decimal(10, 4)", chType)
}

func TestFieldType(t *testing.T) {
	assert := assert.New(t)
	m := newTestMapper(t)

	chType, err := m.FieldType("int", "")
	assert.NoError(err)
	assert.Equal("Nullable(Int32)", chType)

	chType, err = m.FieldType("int", "not null auto_increment")
	assert.NoError(err)
	assert.Equal("Int32", chType)

	// Composite types can't be wrapped.
	chType, err = m.FieldType("point", "")
	assert.NoError(err)
	assert.Equal("Tuple(x Float32, y Float32)", chType)
}

func TestValueDatetime(t *testing.T) {
	assert := assert.New(t)
	m := newTestMapper(t)

	v, err := m.Value("2023-08-15 14:30:00.250", "datetime(3)", "not null")
	assert.NoError(err)
	assert.Equal(time.Date(2023, 8, 15, 14, 30, 0, 250000000, time.UTC), v)

	// Zero dates become the substitute value instead of failing.
	v, err = m.Value("0000-00-00 00:00:00", "datetime", "not null")
	assert.NoError(err)
	assert.Equal(m.ZeroDate, v)

	v, err = m.Value(nil, "datetime", "not null")
	assert.NoError(err)
	assert.Equal(m.ZeroDate, v)

	v, err = m.Value(nil, "datetime", "")
	assert.NoError(err)
	assert.Nil(v)

	// Pre-1900 values are out of DateTime64 range.
	v, err = m.Value("1000-01-01 00:00:00", "datetime", "not null")
	assert.NoError(err)
	assert.Equal(m.ZeroDate, v)
}

func TestValueDatetimeTimezone(t *testing.T) {
	assert := assert.New(t)

	m, err := NewMapper(nil, "Europe/Berlin")
	require.NoError(t, err)

	v, err := m.Value("2023-01-10 12:00:00", "datetime", "not null")
	assert.NoError(err)
	ts, ok := v.(time.Time)
	require.True(t, ok)
	assert.Equal(int64(1673348400), ts.Unix())

	_, err = NewMapper(nil, "Not/AZone")
	assert.Error(err)
}

func TestValueEnumSet(t *testing.T) {
	assert := assert.New(t)
	m := newTestMapper(t)

	v, err := m.Value("IreLand", "enum('ireland','france')", "")
	assert.NoError(err)
	assert.Equal("ireland", v)

	// Set values pass through joined as-is.
	v, err = m.Value("website,google", "set('website','google')", "")
	assert.NoError(err)
	assert.Equal("website,google", v)

	// Raw binlog values: enum ordinals are 1-based, sets are bitmasks in
	// member order.
	v, err = m.Value(int64(2), "enum('Ireland','France')", "")
	assert.NoError(err)
	assert.Equal("france", v)

	_, err = m.Value(int64(3), "enum('a','b')", "")
	assert.Error(err)

	v, err = m.Value(int64(0b101), "set('a','b','c')", "")
	assert.NoError(err)
	assert.Equal("a,c", v)
}

func TestValueUnsignedReinterpretation(t *testing.T) {
	assert := assert.New(t)
	m := newTestMapper(t)

	v, err := m.Value(int8(-1), "tinyint unsigned", "")
	assert.NoError(err)
	assert.Equal(uint8(255), v)

	v, err = m.Value(int64(-1), "bigint unsigned", "")
	assert.NoError(err)
	assert.Equal(uint64(18446744073709551615), v)

	// mediumint is 3 bytes wide, the wraparound is narrower.
	v, err = m.Value(int32(-1), "mediumint unsigned", "")
	assert.NoError(err)
	assert.Equal(uint32(16777215), v)

	// Signed columns pass through untouched.
	v, err = m.Value(int8(-1), "tinyint", "")
	assert.NoError(err)
	assert.Equal(int8(-1), v)
}

func TestValueDecimal(t *testing.T) {
	assert := assert.New(t)
	m := newTestMapper(t)

	v, err := m.Value("1234567890123.45", "decimal(16,2)", "")
	assert.NoError(err)
	d, ok := v.(decimal.Decimal)
	require.True(t, ok)
	assert.Equal("1234567890123.45", d.String())

	_, err = m.Value("nonsense", "decimal(10,2)", "")
	assert.Error(err)
}

func TestValueBitAndBool(t *testing.T) {
	assert := assert.New(t)
	m := newTestMapper(t)

	v, err := m.Value(int64(1), "bit(1)", "")
	assert.NoError(err)
	assert.Equal(true, v)

	v, err = m.Value([]byte{0x01, 0x02}, "bit(16)", "")
	assert.NoError(err)
	assert.Equal(uint64(0x0102), v)

	v, err = m.Value(int8(0), "tinyint(1)", "")
	assert.NoError(err)
	assert.Equal(false, v)

	v, err = m.Value(int8(5), "tinyint", "")
	assert.NoError(err)
	assert.Equal(int8(5), v)
}

func TestValueBinaryPadding(t *testing.T) {
	assert := assert.New(t)
	m := newTestMapper(t)

	v, err := m.Value([]byte("abc"), "binary(8)", "")
	assert.NoError(err)
	assert.Equal([]byte{'a', 'b', 'c', 0, 0, 0, 0, 0}, v)

	v, err = m.Value([]byte("abcdefghij"), "binary(8)", "")
	assert.NoError(err)
	assert.Equal([]byte("abcdefgh"), v)
}

func TestValueJSON(t *testing.T) {
	assert := assert.New(t)
	m := newTestMapper(t)

	v, err := m.Value(`{"a": [1, 2]}`, "json", "")
	assert.NoError(err)
	assert.Equal(`{"a": [1, 2]}`, v)

	_, err = m.Value(`{"a": `, "json", "")
	assert.Error(err)
}

func wkbPointBytes(srid uint32, x, y float64) []byte {
	b := make([]byte, 25)
	binary.LittleEndian.PutUint32(b[0:4], srid)
	b[4] = 1
	binary.LittleEndian.PutUint32(b[5:9], 1)
	binary.LittleEndian.PutUint64(b[9:17], math.Float64bits(x))
	binary.LittleEndian.PutUint64(b[17:25], math.Float64bits(y))
	return b
}

func TestValuePoint(t *testing.T) {
	assert := assert.New(t)
	m := newTestMapper(t)

	v, err := m.Value(wkbPointBytes(0, 10.5, -3.25), "point", "")
	assert.NoError(err)
	assert.Equal(map[string]interface{}{"x": float32(10.5), "y": float32(-3.25)}, v)

	_, err = m.Value([]byte{1, 2, 3}, "point", "")
	assert.Error(err)
}

func TestValuePolygon(t *testing.T) {
	assert := assert.New(t)
	m := newTestMapper(t)

	points := [][2]float64{{0, 0}, {1, 0}, {1, 1}, {0, 0}}
	b := make([]byte, 4+9+4+len(points)*16)
	binary.LittleEndian.PutUint32(b[0:4], 0)
	b[4] = 1
	binary.LittleEndian.PutUint32(b[5:9], 3)
	binary.LittleEndian.PutUint32(b[9:13], 1)
	binary.LittleEndian.PutUint32(b[13:17], uint32(len(points)))
	for i, p := range points {
		binary.LittleEndian.PutUint64(b[17+i*16:], math.Float64bits(p[0]))
		binary.LittleEndian.PutUint64(b[25+i*16:], math.Float64bits(p[1]))
	}

	v, err := m.Value(b, "polygon", "")
	assert.NoError(err)
	ring, ok := v.([]interface{})
	require.True(t, ok)
	assert.Len(ring, 4)
	assert.Equal(map[string]interface{}{"x": float64(1), "y": float64(1)}, ring[2])

	// NULL polygons become empty rings so the column stays non-Nullable.
	v, err = m.Value(nil, "polygon", "")
	assert.NoError(err)
	assert.Equal([]interface{}{}, v)
}
