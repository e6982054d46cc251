package chapi

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func TestFormatLiteral(t *testing.T) {
	assert := assert.New(t)

	for _, testCase := range []struct {
		val    interface{}
		expect string
	}{
		{nil, "NULL"},
		{true, "true"},
		{int32(-7), "-7"},
		{uint64(18446744073709551615), "18446744073709551615"},
		{float64(1.5), "1.5"},
		{"it's", `'it\'s'`},
		{[]byte("a\\b"), `'a\\b'`},
		{decimal.RequireFromString("10.25"), "10.25"},
		{time.Date(2023, 8, 15, 14, 30, 0, 250000000, time.UTC),
			"toDateTime64('2023-08-15 14:30:00.250000', 6)"},
	} {
		lit, err := formatLiteral(testCase.val)
		assert.NoError(err, "value %v", testCase.val)
		assert.Equal(testCase.expect, lit, "value %v", testCase.val)
	}

	_, err := formatLiteral(struct{}{})
	assert.Error(err)
}

func TestQuoteIdent(t *testing.T) {
	assert := assert.New(t)
	assert.Equal("`users`", quoteIdent("users"))
	assert.Equal("`odd\\`name`", quoteIdent("odd`name"))
}
