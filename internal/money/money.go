// Package money supplies the fixed-precision decimal conventions shared by
// every component that touches cash, quantities, or prices. No floats.
package money

import (
	"github.com/shopspring/decimal"
)

// D is the fixed-precision decimal used throughout the core. shopspring's
// decimal is arbitrary-precision (far past the 28-significant-digit floor)
// and never rounds implicitly on arithmetic, only on explicit calls — which
// is what lets this package forbid banker's rounding outright.
type D = decimal.Decimal

// Zero is the additive identity, exported so callers never need to spell
// decimal.Zero directly.
var Zero = decimal.Zero

// FromFloat is a narrow escape hatch for constructing a D from a float64
// literal in tests and config defaults. Never use it on a value that came
// from a fill, a quote, or any other path that feeds the P&L engine.
func FromFloat(f float64) D {
	return decimal.NewFromFloat(f)
}

// FromInt builds a D from an integer quantity.
func FromInt(n int64) D {
	return decimal.NewFromInt(n)
}

// Parse builds a D from a decimal string, the form prices and quantities
// arrive in over the wire (JSON numbers lose precision; exchanges and this
// core both send/expect strings).
func Parse(s string) (D, error) {
	return decimal.NewFromString(s)
}

// Abs returns the absolute value of d.
func Abs(d D) D {
	return d.Abs()
}

// Sign returns -1, 0, or 1.
func Sign(d D) int {
	return d.Sign()
}

// Max returns the larger of a and b.
func Max(a, b D) D {
	if a.GreaterThan(b) {
		return a
	}
	return b
}

// Min returns the smaller of a and b.
func Min(a, b D) D {
	if a.LessThan(b) {
		return a
	}
	return b
}

// TruncateDisplay truncates d to places decimal digits for display or log
// output only. Truncation, never rounding — per the no-banker's-rounding
// invariant, this must not be used anywhere in the accounting path, only at
// the boundary where a human or a log line reads the number.
func TruncateDisplay(d D, places int32) D {
	return d.Truncate(places)
}

// IsZero reports whether d is exactly zero.
func IsZero(d D) bool {
	return d.IsZero()
}
