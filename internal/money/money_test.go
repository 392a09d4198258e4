package money

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromString(t *testing.T) {
	c, err := FromString("150.00")
	require.NoError(t, err)
	assert.Equal(t, int64(15000), c.Int64())
	assert.Equal(t, "150.00", c.DollarString())
}

func TestFromStringRejectsSubCentPrecision(t *testing.T) {
	_, err := FromString("1.005")
	assert.ErrorIs(t, err, ErrNotWholeCents)
}

func TestFromCentsString(t *testing.T) {
	c, err := FromCentsString("15000")
	require.NoError(t, err)
	assert.Equal(t, int64(15000), c.Int64())
}

func TestAddSub(t *testing.T) {
	a := FromInt64(15000)
	b := FromInt64(5000)
	assert.True(t, a.Add(b).Equal(FromInt64(20000)))
	assert.True(t, a.Sub(b).Equal(FromInt64(10000)))
	assert.True(t, b.Sub(a).IsNegative())
}

func TestComparisons(t *testing.T) {
	a := FromInt64(100)
	b := FromInt64(200)
	assert.True(t, a.LessThan(b))
	assert.True(t, b.GreaterThan(a))
	assert.Equal(t, -1, a.Cmp(b))
	assert.True(t, Zero.IsZero())
	assert.False(t, a.IsZero())
}

func TestRateApplyFloorsExactly(t *testing.T) {
	// 2/3 of $150.01 (15001 cents) floors to 10000 cents ($100.00),
	// never 10000.666...
	rate := Rate{NumeratorCents: 2, DenominatorCents: 3}
	result, err := rate.Apply(FromInt64(15001))
	require.NoError(t, err)
	assert.Equal(t, int64(10000), result.Int64())
}

func TestRateApplyZeroDenominator(t *testing.T) {
	rate := Rate{NumeratorCents: 1, DenominatorCents: 0}
	_, err := rate.Apply(FromInt64(100))
	assert.Error(t, err)
}

func TestJSONRoundTrip(t *testing.T) {
	c := FromInt64(15000)
	raw, err := json.Marshal(c)
	require.NoError(t, err)
	assert.Equal(t, `"15000"`, string(raw))

	var out Cents
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.True(t, c.Equal(out))
}

func TestJSONRoundTripThroughStruct(t *testing.T) {
	type wrapper struct {
		Amount Cents `json:"amount"`
	}
	w := wrapper{Amount: FromInt64(150050)}
	raw, err := json.Marshal(w)
	require.NoError(t, err)

	var out wrapper
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.True(t, w.Amount.Equal(out.Amount))
}
