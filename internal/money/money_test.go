package money

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestParse(t *testing.T) {
	m, err := Parse("12.5")
	require.NoError(t, err)
	assert.Equal(t, "12.50", m.String())

	_, err = Parse("0.015")
	assert.ErrorIs(t, err, ErrTooPrecise)

	_, err = Parse("abc")
	assert.ErrorIs(t, err, ErrInvalidAmount)

	_, err = Parse("  ")
	assert.ErrorIs(t, err, ErrInvalidAmount)
}

func TestArithmeticIsExact(t *testing.T) {
	// 0.10 added ten times is exactly 1.00, unlike float64.
	sum := Zero
	for i := 0; i < 10; i++ {
		sum = sum.Add(MustParse("0.10"))
	}
	assert.True(t, sum.Equal(MustParse("1.00")))
	assert.Equal(t, "6.00", MustParse("1.00").Mul(6).String())
	assert.Equal(t, "-0.50", MustParse("1.00").Sub(MustParse("1.50")).String())
	assert.Equal(t, int64(1250), MustParse("12.50").Cents())
}

func TestMax(t *testing.T) {
	assert.Equal(t, "3.00", Max(MustParse("3"), MustParse("2.99")).String())
	assert.Equal(t, "3.01", Max(MustParse("3"), MustParse("3.01")).String())
}

func TestJSON(t *testing.T) {
	data, err := json.Marshal(struct {
		Amount Money `json:"amount"`
	}{Amount: FromCents(705)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"amount":"7.05"}`, string(data))

	var in struct {
		A Money `json:"a"`
		B Money `json:"b"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"a":"1.25","b":3}`), &in))
	assert.Equal(t, "1.25", in.A.String())
	assert.Equal(t, "3.00", in.B.String())
}

func TestScan(t *testing.T) {
	var m Money
	require.NoError(t, m.Scan([]byte("10.00")))
	assert.Equal(t, "10.00", m.String())

	require.NoError(t, m.Scan(nil))
	assert.True(t, m.IsZero())

	v, err := FromCents(99).Value()
	require.NoError(t, err)
	assert.Equal(t, "0.99", v)
}

func TestCentsRoundTrip(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		cents := rapid.Int64Range(-1_000_000, 1_000_000).Draw(t, "cents")
		m := FromCents(cents)
		if m.Cents() != cents {
			t.Fatalf("cents %d came back as %d", cents, m.Cents())
		}
		parsed, err := Parse(m.String())
		if err != nil {
			t.Fatalf("parse %q: %v", m.String(), err)
		}
		if !parsed.Equal(m) {
			t.Fatalf("%s != %s", parsed, m)
		}
	})
}
