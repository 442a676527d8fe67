package stopctl

import (
	"context"
	"testing"
	"time"

	"github.com/marketcore/tradingcore/internal/bars"
	"github.com/marketcore/tradingcore/internal/broker"
	"github.com/marketcore/tradingcore/internal/money"
	"github.com/marketcore/tradingcore/internal/paperbroker"
	"github.com/marketcore/tradingcore/internal/portfolio"
)

func mustLocation(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Skipf("tzdata for %s unavailable in this environment: %v", name, err)
	}
	return loc
}

func TestManualStopIgnoredWhenDisabled(t *testing.T) {
	c := New(Config{EnableManualStop: false})
	c.RequestStop("operator_request")
	if requested, _ := c.StopRequested(); requested {
		t.Fatal("expected manual stop to be ignored when EnableManualStop is false")
	}
}

func TestManualStopHonoredWhenEnabled(t *testing.T) {
	c := New(Config{EnableManualStop: true})
	c.RequestStop("operator_request")
	requested, reason := c.StopRequested()
	if !requested || reason != "operator_request" {
		t.Fatalf("expected stop honored with reason, got requested=%v reason=%s", requested, reason)
	}
}

func TestEndOfDayReasonAlwaysHonored(t *testing.T) {
	c := New(Config{EnableManualStop: false})
	c.RequestStop("end_of_day")
	requested, reason := c.StopRequested()
	if !requested || reason != "end_of_day" {
		t.Fatal("expected end_of_day stop to be honored regardless of EnableManualStop")
	}
}

func TestEODFlattenRegularDay(t *testing.T) {
	loc := mustLocation(t, "America/New_York")
	cal := StaticCalendar{RegularMinutes: 16 * 60}
	c := New(Config{
		EnableEODFlatten:     true,
		FlattenTimeETMinutes: 15*60 + 45, // 15:45
		Location:             loc,
		Calendar:             cal,
	})

	before := time.Date(2026, 3, 10, 15, 44, 0, 0, loc)
	if c.CheckEODFlatten(before) {
		t.Fatal("flatten should not fire before 15:45 ET")
	}
	at := time.Date(2026, 3, 10, 15, 45, 0, 0, loc)
	if !c.CheckEODFlatten(at) {
		t.Fatal("flatten should fire at 15:45 ET")
	}
	// Fires at most once per day.
	later := time.Date(2026, 3, 10, 15, 46, 0, 0, loc)
	if c.CheckEODFlatten(later) {
		t.Fatal("flatten should not fire twice in the same day")
	}
}

func TestEODFlattenEarlyClose(t *testing.T) {
	loc := mustLocation(t, "America/New_York")
	// 2026-11-27 (Friday after Thanksgiving) closes at 13:00 ET.
	cal := StaticCalendar{RegularMinutes: 16 * 60, EarlyCloses: map[string]int{"2026-11-27": 13 * 60}}
	c := New(Config{
		EnableEODFlatten:     true,
		FlattenTimeETMinutes: 15*60 + 45, // configured 15m before the regular 16:00 close
		Location:             loc,
		Calendar:             cal,
	})

	before := time.Date(2026, 11, 27, 12, 44, 0, 0, loc)
	if c.CheckEODFlatten(before) {
		t.Fatal("flatten should not fire before 12:45 ET on an early-close day")
	}
	at := time.Date(2026, 11, 27, 12, 45, 0, 0, loc)
	if !c.CheckEODFlatten(at) {
		t.Fatal("flatten should fire at 12:45 ET (13:00 close - 15m), not the regular-day 15:45")
	}
}

func TestEODFlattenResetsOnDayRollover(t *testing.T) {
	loc := mustLocation(t, "America/New_York")
	cal := StaticCalendar{RegularMinutes: 16 * 60}
	c := New(Config{EnableEODFlatten: true, FlattenTimeETMinutes: 15*60 + 45, Location: loc, Calendar: cal})

	day1 := time.Date(2026, 3, 10, 15, 45, 0, 0, loc)
	if !c.CheckEODFlatten(day1) {
		t.Fatal("expected flatten to fire on day 1")
	}
	day2 := time.Date(2026, 3, 11, 15, 45, 0, 0, loc)
	if !c.CheckEODFlatten(day2) {
		t.Fatal("expected flatten to fire again on a new trading day")
	}
}

func TestEODFlattenSpringForwardDST(t *testing.T) {
	loc := mustLocation(t, "America/New_York")
	cal := StaticCalendar{RegularMinutes: 16 * 60}
	c := New(Config{EnableEODFlatten: true, FlattenTimeETMinutes: 15*60 + 45, Location: loc, Calendar: cal})

	// 2026-03-08 is the US spring-forward DST transition.
	at := time.Date(2026, 3, 8, 15, 45, 0, 0, loc)
	if !c.CheckEODFlatten(at) {
		t.Fatal("expected flatten to fire at 15:45 local wall-clock time on the DST transition day")
	}
}

func TestEODFlattenFallBackDST(t *testing.T) {
	loc := mustLocation(t, "America/New_York")
	cal := StaticCalendar{RegularMinutes: 16 * 60}
	c := New(Config{EnableEODFlatten: true, FlattenTimeETMinutes: 15*60 + 45, Location: loc, Calendar: cal})

	// 2026-11-01 is the US fall-back DST transition.
	at := time.Date(2026, 11, 1, 15, 45, 0, 0, loc)
	if !c.CheckEODFlatten(at) {
		t.Fatal("expected flatten to fire at 15:45 local wall-clock time on the DST fall-back day")
	}
}

func TestGracefulShutdownLiquidatesLongPosition(t *testing.T) {
	pb, err := paperbroker.New(paperbroker.Config{Seed: 1}, 1)
	if err != nil {
		t.Fatalf("paperbroker.New: %v", err)
	}
	port := portfolio.New(money.FromFloat(100000))
	aapl := bars.Normalize("AAPL")
	port.ApplyFill(aapl, money.FromFloat(100), money.FromFloat(50), money.Zero, time.Now())

	pb.SetFillHandler(func(report broker.ExecutionReport) {
		signed := report.Qty
		if report.Side == broker.Sell {
			signed = signed.Neg()
		}
		port.ApplyFill(report.Symbol, signed, report.Price, money.Zero, report.TS)
	})

	c := New(Config{EmergencyLiquidationTimeout: 2 * time.Second, PollInterval: 10 * time.Millisecond})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	go func() {
		bar := bars.Bar{
			Symbol: aapl,
			TS:     time.Now(),
			Open:   money.FromFloat(51), High: money.FromFloat(52), Low: money.FromFloat(49), Close: money.FromFloat(50),
			Volume: 1000,
		}
		time.Sleep(20 * time.Millisecond)
		pb.ProcessBar(bar)
	}()

	result := c.ExecuteGracefulShutdown(ctx, pb, port, "manual_stop")
	if result.Status != StatusSuccess {
		t.Fatalf("expected success liquidation, got %s (failed=%v)", result.Status, result.Failed)
	}
	pos, _ := port.Position(aapl)
	if !pos.Quantity.IsZero() {
		t.Fatalf("expected flat position after shutdown, got %s", pos.Quantity)
	}
}

func TestGracefulShutdownReportsFailedWhenNeverFilled(t *testing.T) {
	pb, err := paperbroker.New(paperbroker.Config{Seed: 1}, 1)
	if err != nil {
		t.Fatalf("paperbroker.New: %v", err)
	}
	port := portfolio.New(money.FromFloat(100000))
	aapl := bars.Normalize("AAPL")
	port.ApplyFill(aapl, money.FromFloat(100), money.FromFloat(50), money.Zero, time.Now())

	c := New(Config{EmergencyLiquidationTimeout: 100 * time.Millisecond, PollInterval: 10 * time.Millisecond, MaxRetryRounds: 1})
	result := c.ExecuteGracefulShutdown(context.Background(), pb, port, "manual_stop")
	if result.Status != StatusFailed {
		t.Fatalf("expected failed status with no bars ever processed, got %s", result.Status)
	}
	if len(result.Failed) != 1 || result.Failed[0] != aapl {
		t.Fatalf("expected AAPL reported failed, got %v", result.Failed)
	}
}
