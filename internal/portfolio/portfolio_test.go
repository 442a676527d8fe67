package portfolio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/marketcore/tradingcore/internal/bars"
	"github.com/marketcore/tradingcore/internal/money"
)

var aapl = bars.Normalize("AAPL")

func TestApplyFillOpensNewPosition(t *testing.T) {
	p := New(money.FromFloat(100000))
	realized := p.ApplyFill(aapl, money.FromFloat(10), money.FromFloat(100), money.Zero, time.Now())
	require.True(t, realized.IsZero(), "expected zero realized on open, got %s", realized)

	pos, ok := p.Position(aapl)
	require.True(t, ok)
	require.True(t, pos.Quantity.Equal(money.FromFloat(10)))
	require.True(t, pos.AveragePrice.Equal(money.FromFloat(100)))
	require.True(t, p.Cash().Equal(money.FromFloat(99000)), "expected cash 99000, got %s", p.Cash())
}

func TestLongRoundTripRealizesGainOnClose(t *testing.T) {
	p := New(money.FromFloat(100000))
	p.ApplyFill(aapl, money.FromFloat(10), money.FromFloat(100), money.Zero, time.Now())
	realized := p.ApplyFill(aapl, money.FromFloat(-10), money.FromFloat(110), money.Zero, time.Now())
	require.True(t, realized.Equal(money.FromFloat(100)), "expected realized 100 (10 * (110-100)), got %s", realized)

	pos, _ := p.Position(aapl)
	require.True(t, pos.Quantity.IsZero(), "expected flat position after full close, got %s", pos.Quantity)
}

func TestShortRoundTripRealizesGainOnCover(t *testing.T) {
	p := New(money.FromFloat(100000))
	p.ApplyFill(aapl, money.FromFloat(-10), money.FromFloat(100), money.Zero, time.Now())
	realized := p.ApplyFill(aapl, money.FromFloat(10), money.FromFloat(90), money.Zero, time.Now())
	require.True(t, realized.Equal(money.FromFloat(100)), "expected realized 100 (10 * (100-90)), got %s", realized)
}

func TestWeightedAverageAddThenClose(t *testing.T) {
	p := New(money.FromFloat(100000))
	// Buy 10 @ 100, then 10 more @ 120 -> avg = (10*100+10*120)/20 = 110.
	p.ApplyFill(aapl, money.FromFloat(10), money.FromFloat(100), money.Zero, time.Now())
	realized := p.ApplyFill(aapl, money.FromFloat(10), money.FromFloat(120), money.Zero, time.Now())
	require.True(t, realized.IsZero(), "expected zero realized on add, got %s", realized)

	pos, _ := p.Position(aapl)
	require.True(t, pos.AveragePrice.Equal(money.FromFloat(110)), "expected weighted avg 110, got %s", pos.AveragePrice)
	require.True(t, pos.Quantity.Equal(money.FromFloat(20)), "expected quantity 20, got %s", pos.Quantity)

	// Close all 20 @ 130: realized = 20 * (130-110) = 400.
	realized = p.ApplyFill(aapl, money.FromFloat(-20), money.FromFloat(130), money.Zero, time.Now())
	require.True(t, realized.Equal(money.FromFloat(400)), "expected realized 400, got %s", realized)
}

func TestReversalClosesOldOpensNewAtDistinctPrices(t *testing.T) {
	p := New(money.FromFloat(100000))
	// Long 10 @ 100.
	p.ApplyFill(aapl, money.FromFloat(10), money.FromFloat(100), money.Zero, time.Now())
	// Sell 15 @ 120: closes 10 long (realized = 10*(120-100)=200), opens -5 short @ 120.
	realized := p.ApplyFill(aapl, money.FromFloat(-15), money.FromFloat(120), money.Zero, time.Now())
	require.True(t, realized.Equal(money.FromFloat(200)), "expected realized 200 on the closing leg only, got %s", realized)

	pos, _ := p.Position(aapl)
	require.True(t, pos.Quantity.Equal(money.FromFloat(-5)), "expected reversed short quantity -5, got %s", pos.Quantity)
	require.True(t, pos.AveragePrice.Equal(money.FromFloat(120)),
		"expected new short entry price 120 (the fill price), not blended with old entry, got %s", pos.AveragePrice)
}

func TestPartialReduceKeepsAveragePrice(t *testing.T) {
	p := New(money.FromFloat(100000))
	p.ApplyFill(aapl, money.FromFloat(10), money.FromFloat(100), money.Zero, time.Now())
	realized := p.ApplyFill(aapl, money.FromFloat(-4), money.FromFloat(150), money.Zero, time.Now())
	require.True(t, realized.Equal(money.FromFloat(200)), "expected realized 200 (4 * (150-100)), got %s", realized)

	pos, _ := p.Position(aapl)
	require.True(t, pos.Quantity.Equal(money.FromFloat(6)), "expected remaining quantity 6, got %s", pos.Quantity)
	require.True(t, pos.AveragePrice.Equal(money.FromFloat(100)),
		"average price must be unchanged by a partial reduce, got %s", pos.AveragePrice)
}

func TestCommissionDeductedFromCash(t *testing.T) {
	p := New(money.FromFloat(1000))
	p.ApplyFill(aapl, money.FromFloat(1), money.FromFloat(100), money.FromFloat(1), time.Now())
	require.True(t, p.Cash().Equal(money.FromFloat(899)), "expected cash 899 (1000 - 100 - 1 commission), got %s", p.Cash())
}

func TestEquityFailsOnMissingPrice(t *testing.T) {
	p := New(money.FromFloat(1000))
	p.ApplyFill(aapl, money.FromFloat(10), money.FromFloat(100), money.Zero, time.Now())
	_, err := p.Equity(map[bars.Symbol]money.D{})
	require.Error(t, err, "expected MissingPriceError when a non-flat position's price is absent")
	require.IsType(t, &MissingPriceError{}, err)
}

func TestEquitySkipsFlatPositions(t *testing.T) {
	p := New(money.FromFloat(1000))
	p.ApplyFill(aapl, money.FromFloat(10), money.FromFloat(100), money.Zero, time.Now())
	p.ApplyFill(aapl, money.FromFloat(-10), money.FromFloat(100), money.Zero, time.Now())
	eq, err := p.Equity(map[bars.Symbol]money.D{})
	require.NoError(t, err, "flat position must not require a price")
	require.True(t, eq.Equal(p.Cash()), "expected equity == cash when flat, got %s vs %s", eq, p.Cash())
}

func TestRealizedPlusUnrealizedEqualsEquityChange(t *testing.T) {
	// Conservation law: across any fill sequence, total realized P&L plus
	// the open position's unrealized P&L equals the change in equity
	// (cash + mark-to-market) since inception. Quantities are chosen so
	// every weighted average terminates exactly.
	initial := money.FromFloat(100000)
	p := New(initial)
	fills := []struct{ qty, price float64 }{
		{10, 100},  // open long
		{10, 110},  // add, avg 105
		{-8, 120},  // reduce
		{-20, 95},  // reversal to short 8
		{4, 90},    // cover half
	}
	realizedSum := money.Zero
	var last money.D
	for _, f := range fills {
		realizedSum = realizedSum.Add(p.ApplyFill(aapl, money.FromFloat(f.qty), money.FromFloat(f.price), money.Zero, time.Now()))
		last = money.FromFloat(f.price)
	}

	pos, _ := p.Position(aapl)
	unrealized := money.Zero
	if !pos.Quantity.IsZero() {
		unrealized = pos.Quantity.Mul(last.Sub(pos.AveragePrice))
	}
	equityChange := p.Cash().Add(pos.Quantity.Mul(last)).Sub(initial)
	require.True(t, realizedSum.Add(unrealized).Equal(equityChange),
		"realized %s + unrealized %s must equal equity change %s", realizedSum, unrealized, equityChange)
}

func TestAveragePriceIsConvexCombinationOnAdd(t *testing.T) {
	p := New(money.FromFloat(100000))
	p.ApplyFill(aapl, money.FromFloat(10), money.FromFloat(100), money.Zero, time.Now())

	for _, fp := range []float64{90, 130, 104} {
		prev, _ := p.Position(aapl)
		p.ApplyFill(aapl, money.FromFloat(10), money.FromFloat(fp), money.Zero, time.Now())
		pos, _ := p.Position(aapl)
		lo := money.Min(prev.AveragePrice, money.FromFloat(fp))
		hi := money.Max(prev.AveragePrice, money.FromFloat(fp))
		require.True(t, pos.AveragePrice.GreaterThanOrEqual(lo) && pos.AveragePrice.LessThanOrEqual(hi),
			"average %s must lie between %s and %s after add @ %v", pos.AveragePrice, lo, hi, fp)
	}
}

func TestOpenThenCloseAtSamePriceLeavesCashUnchanged(t *testing.T) {
	p := New(money.FromFloat(5000))
	p.ApplyFill(aapl, money.FromFloat(7), money.FromFloat(42.5), money.Zero, time.Now())
	realized := p.ApplyFill(aapl, money.FromFloat(-7), money.FromFloat(42.5), money.Zero, time.Now())

	require.True(t, realized.IsZero(), "round trip at one price realizes nothing, got %s", realized)
	require.True(t, p.Cash().Equal(money.FromFloat(5000)), "expected cash restored to 5000, got %s", p.Cash())
	pos, _ := p.Position(aapl)
	require.True(t, pos.Quantity.IsZero())
}

func TestExtremeMoveRealizesExactPnL(t *testing.T) {
	p := New(money.FromFloat(1000000))
	p.ApplyFill(aapl, money.FromFloat(100), money.FromFloat(5), money.Zero, time.Now())
	realized := p.ApplyFill(aapl, money.FromFloat(-100), money.FromFloat(500), money.Zero, time.Now())
	require.True(t, realized.Equal(money.FromFloat(49500)),
		"100x move must realize (500-5)*100 exactly, got %s", realized)
}

func TestFractionalQuantitiesKeepFullPrecision(t *testing.T) {
	btc := bars.Normalize("BTCUSD")
	p := New(money.FromFloat(1000000))
	// 0.5 @ 40000, 0.25 @ 44000 -> avg = (0.5*40000 + 0.25*44000)/0.75, a
	// non-terminating decimal — so pin cash, which depends only on the fill
	// prices and stays exact however the stored average is represented.
	p.ApplyFill(btc, money.FromFloat(0.5), money.FromFloat(40000), money.Zero, time.Now())
	p.ApplyFill(btc, money.FromFloat(0.25), money.FromFloat(44000), money.Zero, time.Now())
	p.ApplyFill(btc, money.FromFloat(-0.75), money.FromFloat(42000), money.Zero, time.Now())

	require.True(t, p.Cash().Equal(money.FromFloat(1000500)),
		"expected cash 1000500 after fractional round trip, got %s", p.Cash())
}

func TestSnapshotRoundTrip(t *testing.T) {
	p := New(money.FromFloat(5000))
	p.ApplyFill(aapl, money.FromFloat(10), money.FromFloat(100), money.Zero, time.Now())
	snap := p.ToSnapshot()

	p2 := New(money.Zero)
	p2.Restore(snap)
	require.True(t, p2.Cash().Equal(p.Cash()), "expected restored cash to match, got %s vs %s", p2.Cash(), p.Cash())

	pos, ok := p2.Position(aapl)
	require.True(t, ok)
	require.True(t, pos.Quantity.Equal(money.FromFloat(10)), "expected restored position, got %+v", pos)
}
