// Package money implements exact-integer cents arithmetic for the grant
// ledger. No floating point ever touches a balance: every amount is backed
// by shopspring/decimal's arbitrary-precision integer representation and
// constrained, at construction time, to a whole number of cents.
package money

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// ErrNotWholeCents is returned when a decimal string or value carries
// fractional cents. The ledger never rounds silently.
var ErrNotWholeCents = errors.New("money: value is not a whole number of cents")

// Cents is a branded, exact-integer amount of US-cent-denominated money.
// The zero value is zero cents. Cents is comparable by value via Cmp/Equal;
// do not compare with ==, since decimal.Decimal carries an exponent.
type Cents struct {
	d decimal.Decimal
}

// Zero is the additive identity.
var Zero = Cents{d: decimal.Zero}

// FromInt64 builds a Cents value directly from an integer cent count.
func FromInt64(cents int64) Cents {
	return Cents{d: decimal.NewFromInt(cents)}
}

// FromString parses a decimal string (e.g. "150.00" or "150") as a dollar
// amount and returns the equivalent whole-cent value. Returns
// ErrNotWholeCents if the string carries sub-cent precision.
func FromString(s string) (Cents, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Cents{}, fmt.Errorf("money: %w", err)
	}
	cents := d.Shift(2)
	if !cents.Equal(cents.Truncate(0)) {
		return Cents{}, ErrNotWholeCents
	}
	return Cents{d: cents.Truncate(0)}, nil
}

// FromCentsString parses a decimal string that is already denominated in
// whole cents (e.g. "15000" cents == $150.00). This is the form used by
// event payloads and projection rows: money fields are always stored as
// decimal strings.
func FromCentsString(s string) (Cents, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Cents{}, fmt.Errorf("money: %w", err)
	}
	if !d.Equal(d.Truncate(0)) {
		return Cents{}, ErrNotWholeCents
	}
	return Cents{d: d.Truncate(0)}, nil
}

// String renders the amount as a whole-cent decimal string, suitable for
// persistence in event payloads and projection JSON.
func (c Cents) String() string {
	return c.d.Truncate(0).String()
}

// DollarString renders the amount as a dollars-and-cents decimal string
// ("150.00"), for display only — never reparsed as a money-math operand.
func (c Cents) DollarString() string {
	return c.d.Shift(-2).StringFixed(2)
}

// Int64 returns the amount as an integer cent count. It does not panic
// or report an error when the value does not fit in an int64; the result
// is then undefined.
func (c Cents) Int64() int64 {
	return c.d.Truncate(0).IntPart()
}

// Add returns c + other. Exact; no rounding.
func (c Cents) Add(other Cents) Cents {
	return Cents{d: c.d.Add(other.d)}
}

// Sub returns c - other. Exact; no rounding. May be negative — callers
// enforcing non-negative balances must check IsNegative themselves.
func (c Cents) Sub(other Cents) Cents {
	return Cents{d: c.d.Sub(other.d)}
}

// Cmp returns -1, 0, or 1 as c is less than, equal to, or greater than
// other.
func (c Cents) Cmp(other Cents) int {
	return c.d.Cmp(other.d)
}

// Equal reports whether c and other denote the same amount.
func (c Cents) Equal(other Cents) bool {
	return c.d.Equal(other.d)
}

// IsNegative reports whether c is strictly less than zero.
func (c Cents) IsNegative() bool {
	return c.d.IsNegative()
}

// IsZero reports whether c is exactly zero.
func (c Cents) IsZero() bool {
	return c.d.IsZero()
}

// GreaterThan reports whether c > other.
func (c Cents) GreaterThan(other Cents) bool {
	return c.d.GreaterThan(other.d)
}

// LessThan reports whether c < other.
func (c Cents) LessThan(other Cents) bool {
	return c.d.LessThan(other.d)
}

// Rate is a reimbursement rate expressed as an exact fraction
// (numerator/denominator). It is never converted to a
// float; application is always floor(numerator * charge / denominator).
type Rate struct {
	NumeratorCents   int64
	DenominatorCents int64
}

// Apply computes floor(rate.NumeratorCents * charge / rate.DenominatorCents)
// using arbitrary-precision integer division, never floating point.
func (r Rate) Apply(charge Cents) (Cents, error) {
	if r.DenominatorCents == 0 {
		return Cents{}, errors.New("money: rate denominator is zero")
	}
	num := charge.d.Mul(decimal.NewFromInt(r.NumeratorCents))
	den := decimal.NewFromInt(r.DenominatorCents)
	quo := num.DivRound(den, 16) // enough extra precision to truncate exactly below
	floored := quo.Truncate(0)
	if quo.IsNegative() && !quo.Equal(floored) {
		floored = floored.Sub(decimal.NewFromInt(1))
	}
	return Cents{d: floored}, nil
}

// MarshalJSON encodes the amount as a whole-cent decimal string.
func (c Cents) MarshalJSON() ([]byte, error) {
	return []byte(`"` + c.String() + `"`), nil
}

// UnmarshalJSON decodes a whole-cent decimal string.
func (c *Cents) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	parsed, err := FromCentsString(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}
