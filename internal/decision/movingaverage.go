package decision

import (
	"github.com/marketcore/tradingcore/internal/bars"
	"github.com/marketcore/tradingcore/internal/money"
)

// MovingAverage is the trivial reference Engine: it goes long when the
// latest close is above the trailing simple moving average by more than a
// threshold, short when below, and proposes a fixed size fraction. It
// exists to exercise the Coordinator's full pipeline end to end, not as a
// production strategy.
type MovingAverage struct {
	NoopEngine
	Window       int
	Threshold    money.D // fractional distance from the MA required to trade
	SizeFraction money.D
}

// NewMovingAverage creates a reference engine with the given window,
// threshold and size fraction; it applies no defaults.
func NewMovingAverage(window int, threshold, sizeFraction money.D) *MovingAverage {
	return &MovingAverage{Window: window, Threshold: threshold, SizeFraction: sizeFraction}
}

// EvaluateOpportunity computes a simple moving average over the trailing
// Window bars and signals long/short when the latest close diverges from
// it by more than Threshold (as a fraction of the average).
func (m *MovingAverage) EvaluateOpportunity(symbol bars.Symbol, history []bars.Bar, lastPrices map[bars.Symbol]money.D) Decision {
	if len(history) < m.Window {
		return Decision{Reason: "insufficient history for moving average window"}
	}

	window := history[len(history)-m.Window:]
	sum := money.Zero
	for _, b := range window {
		sum = sum.Add(b.Close)
	}
	avg := sum.Div(money.FromInt(int64(m.Window)))
	if avg.IsZero() {
		return Decision{Reason: "zero moving average, skipping"}
	}

	latest := window[len(window)-1].Close
	deviation := latest.Sub(avg).Div(avg)

	switch {
	case deviation.GreaterThan(m.Threshold):
		return Decision{
			ShouldTrade: true, SideSignal: 1, SizeFraction: m.SizeFraction,
			Confidence: deviation.InexactFloat64(), Reason: "close above moving average",
		}
	case deviation.LessThan(m.Threshold.Neg()):
		return Decision{
			ShouldTrade: true, SideSignal: -1, SizeFraction: m.SizeFraction,
			Confidence: -deviation.InexactFloat64(), Reason: "close below moving average",
		}
	default:
		return Decision{Reason: "within moving average band"}
	}
}
