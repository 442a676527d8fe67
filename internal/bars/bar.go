// Package bars holds the market-data shape the rest of the core consumes:
// one OHLCV sample per symbol, a per-symbol bounded history, and a
// thread-safe last-price table.
package bars

import (
	"fmt"
	"time"

	"github.com/marketcore/tradingcore/internal/money"
)

// Symbol is an uppercased ticker/contract identifier.
type Symbol string

// Normalize uppercases a raw symbol string.
func Normalize(raw string) Symbol {
	return Symbol(normalizeUpper(raw))
}

func normalizeUpper(s string) string {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return string(out)
}

// Bar is one OHLCV sample for a symbol at an instant.
type Bar struct {
	Symbol Symbol
	TS     time.Time
	Open   money.D
	High   money.D
	Low    money.D
	Close  money.D
	Volume uint64
}

// ValidationError reports a bad bar or a config invariant violation. The bad
// input is dropped; trading continues (spec §7).
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string { return "validation: " + e.Reason }

// Validate checks the OHLC/volume invariants from spec §3. It does not check
// monotonicity — that is a per-stream, per-symbol property enforced by
// Processor.Append since it needs the previous bar's timestamp.
func Validate(b Bar) error {
	if b.Open.IsZero() || b.Close.IsZero() || b.High.IsZero() || b.Low.IsZero() {
		return &ValidationError{Reason: "zero price in bar"}
	}
	if b.Open.IsNegative() || b.Close.IsNegative() || b.High.IsNegative() || b.Low.IsNegative() {
		return &ValidationError{Reason: "negative price in bar"}
	}
	if b.Low.GreaterThan(b.Open) || b.Low.GreaterThan(b.Close) {
		return &ValidationError{Reason: fmt.Sprintf("low %s exceeds open/close", b.Low)}
	}
	if b.High.LessThan(b.Open) || b.High.LessThan(b.Close) {
		return &ValidationError{Reason: fmt.Sprintf("high %s below open/close", b.High)}
	}
	if b.Low.GreaterThan(b.High) {
		return &ValidationError{Reason: "low exceeds high"}
	}
	return nil
}
