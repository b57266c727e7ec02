/*
amount.go - Exact decimal money values

PURPOSE:
  Amount is the signed quantity attached to every ledger record. The sign
  encodes direction (credit positive, debit negative) and the magnitude is
  the money moved by that single event, never a running total.

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal arithmetic, never binary floats
  2. Fixed scale: amounts are rejected when they carry more fractional
     digits than the configured currency allows
  3. Immutability: every operation returns a new Amount

SEE ALSO:
  - record.go: TxRecord carries an Amount delta
  - engine.go: validates request amounts before any append
*/
package ledger

import (
	"github.com/shopspring/decimal"
)

// DefaultScale is the fractional precision used when none is configured.
// Two digits covers the usual cent-denominated currencies.
const DefaultScale int32 = 2

// Amount is a signed exact-decimal quantity.
// Credit is positive, debit is negative.
type Amount struct {
	Value decimal.Decimal
}

// ParseAmount parses a decimal string into an Amount, enforcing the given
// fractional scale. "12.345" with scale 2 is rejected rather than rounded.
func ParseAmount(s string, scale int32) (Amount, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Amount{}, &InvalidAmountError{Input: s, Reason: "not a decimal"}
	}
	if d.Exponent() < -scale {
		return Amount{}, &InvalidAmountError{Input: s, Reason: "exceeds currency precision"}
	}
	return Amount{Value: d}, nil
}

// MustAmount parses a decimal string at the default scale, panicking on
// failure. Test helper.
func MustAmount(s string) Amount {
	a, err := ParseAmount(s, DefaultScale)
	if err != nil {
		panic(err)
	}
	return a
}

// NewAmountFromInt builds an Amount from whole currency units.
func NewAmountFromInt(v int64) Amount {
	return Amount{Value: decimal.NewFromInt(v)}
}

// ZeroAmount is the additive identity.
func ZeroAmount() Amount {
	return Amount{Value: decimal.Zero}
}

func (a Amount) Add(b Amount) Amount      { return Amount{Value: a.Value.Add(b.Value)} }
func (a Amount) Sub(b Amount) Amount      { return Amount{Value: a.Value.Sub(b.Value)} }
func (a Amount) Neg() Amount              { return Amount{Value: a.Value.Neg()} }
func (a Amount) Abs() Amount              { return Amount{Value: a.Value.Abs()} }
func (a Amount) IsZero() bool             { return a.Value.IsZero() }
func (a Amount) IsNegative() bool         { return a.Value.IsNegative() }
func (a Amount) IsPositive() bool         { return a.Value.IsPositive() }
func (a Amount) Equal(b Amount) bool      { return a.Value.Equal(b.Value) }
func (a Amount) LessThan(b Amount) bool   { return a.Value.LessThan(b.Value) }
func (a Amount) GreaterThan(b Amount) bool { return a.Value.GreaterThan(b.Value) }

// String renders the canonical decimal form (trailing zeros trimmed), used
// both for display and for hash-chain serialization. The form is stable
// across a storage round-trip, so recomputed digests match stored ones.
func (a Amount) String() string { return a.Value.String() }
