package coordinator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/marketcore/tradingcore/internal/bars"
	"github.com/marketcore/tradingcore/internal/broker"
	"github.com/marketcore/tradingcore/internal/checkpoint"
	"github.com/marketcore/tradingcore/internal/decision"
	"github.com/marketcore/tradingcore/internal/idempotency"
	"github.com/marketcore/tradingcore/internal/money"
	"github.com/marketcore/tradingcore/internal/paperbroker"
	"github.com/marketcore/tradingcore/internal/portfolio"
	"github.com/marketcore/tradingcore/internal/reconcile"
	"github.com/marketcore/tradingcore/internal/risk"
	"github.com/marketcore/tradingcore/internal/stopctl"
)

// queueDecision is a scripted decision.Engine: each call to
// EvaluateOpportunity pops the next queued Decision, repeating the last
// one once the queue is drained.
type queueDecision struct {
	decision.NoopEngine
	queue []decision.Decision
	calls int
}

func (q *queueDecision) EvaluateOpportunity(bars.Symbol, []bars.Bar, map[bars.Symbol]money.D) decision.Decision {
	idx := q.calls
	if idx >= len(q.queue) {
		idx = len(q.queue) - 1
	}
	q.calls++
	return q.queue[idx]
}

func bar(symbol string, ts time.Time, close float64) bars.Bar {
	c := money.FromFloat(close)
	return bars.Bar{
		Symbol: bars.Normalize(symbol),
		TS:     ts,
		Open:   c,
		High:   c,
		Low:    c,
		Close:  c,
		Volume: 100,
	}
}

type harness struct {
	coord    *Coordinator
	pb       *paperbroker.Broker
	port     *portfolio.Portfolio
	riskM    *risk.Manager
	idemPath string
}

func newHarness(t *testing.T, dec decision.Engine, startEquity float64) *harness {
	t.Helper()
	dir := t.TempDir()

	pb, err := paperbroker.New(paperbroker.Config{}, 1)
	if err != nil {
		t.Fatalf("paperbroker.New: %v", err)
	}
	port := portfolio.New(money.FromFloat(startEquity))
	riskM := risk.New(risk.Config{MaxOrdersPerMinute: 1000, MaxOrdersPerDay: 1000}, money.FromFloat(startEquity))
	barProc := bars.NewProcessor(20)
	idemPath := dir + "/idem.json"
	idemTrk := idempotency.New(idemPath, 5*time.Minute)
	ckpt := checkpoint.New(dir+"/checkpoint.json", nil, nil)
	recon := reconcile.New(port, riskM, pb, money.FromFloat(0.10))
	stopCtl := stopctl.New(stopctl.Config{EnableManualStop: true})

	coord := New(Config{EnforceTradingHours: false}, port, riskM, barProc, dec, idemTrk, pb, ckpt, recon, stopCtl, nil, nil, nil, nil)
	return &harness{coord: coord, pb: pb, port: port, riskM: riskM, idemPath: idemPath}
}

func (h *harness) processAndFill(t *testing.T, ctx context.Context, b bars.Bar) {
	t.Helper()
	if err := h.coord.ProcessBar(ctx, b); err != nil {
		t.Fatalf("ProcessBar: %v", err)
	}
	h.pb.ProcessBar(b)
}

func TestLongRoundTrip(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

	dec := &queueDecision{queue: []decision.Decision{
		{ShouldTrade: true, SideSignal: 1, SizeFraction: money.FromFloat(0.05)}, // 100 shares @ 50
		{ShouldTrade: true, SideSignal: 1, SizeFraction: money.Zero},            // flatten
	}}
	h := newHarness(t, dec, 100000)

	h.processAndFill(t, ctx, bar("AAPL", base, 50))
	h.processAndFill(t, ctx, bar("AAPL", base.Add(time.Minute), 60))

	pos, _ := h.port.Position(bars.Normalize("AAPL"))
	if !pos.Quantity.IsZero() {
		t.Fatalf("expected flat position, got %s", pos.Quantity)
	}
	wantCash := money.FromFloat(101000)
	if !h.port.Cash().Equal(wantCash) {
		t.Fatalf("expected cash %s, got %s", wantCash, h.port.Cash())
	}
}

func TestShortRoundTripLoss(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

	dec := &queueDecision{queue: []decision.Decision{
		{ShouldTrade: true, SideSignal: -1, SizeFraction: money.FromFloat(0.05)}, // short 100 @ 50
		{ShouldTrade: true, SideSignal: -1, SizeFraction: money.Zero},            // cover to flat
	}}
	h := newHarness(t, dec, 100000)

	h.processAndFill(t, ctx, bar("AAPL", base, 50))
	h.processAndFill(t, ctx, bar("AAPL", base.Add(time.Minute), 60))

	pos, _ := h.port.Position(bars.Normalize("AAPL"))
	if !pos.Quantity.IsZero() {
		t.Fatalf("expected flat position, got %s", pos.Quantity)
	}
	wantCash := money.FromFloat(99000)
	if !h.port.Cash().Equal(wantCash) {
		t.Fatalf("expected cash %s (a $1000 loss), got %s", wantCash, h.port.Cash())
	}
}

func TestDuplicateOrderSkipsResubmission(t *testing.T) {
	ctx := context.Background()
	ts := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

	dec := &queueDecision{queue: []decision.Decision{
		{ShouldTrade: true, SideSignal: 1, SizeFraction: money.FromFloat(0.05)},
	}}
	h := newHarness(t, dec, 100000)

	b := bar("AAPL", ts, 50)
	if err := h.coord.ProcessBar(ctx, b); err != nil {
		t.Fatalf("ProcessBar (first submission): %v", err)
	}
	subs := h.coord.Submissions()
	if len(subs) != 1 {
		t.Fatalf("expected exactly one submission, got %d", len(subs))
	}

	// Simulate a crash-and-restart: a fresh Coordinator over a fresh bar
	// processor but the SAME idempotency tracker file and the SAME
	// (unfilled) portfolio/risk state, so it recomputes the identical
	// (symbol, ts, delta) tuple and therefore the identical client order
	// id. The reloaded tracker must recognize it as a duplicate.
	idemTrk2 := idempotency.New(h.idemPath, 5*time.Minute)
	if err := idemTrk2.Load(); err != nil {
		t.Fatalf("reload idempotency tracker: %v", err)
	}
	barProc2 := bars.NewProcessor(20)
	dec2 := &queueDecision{queue: dec.queue}
	ckpt2 := checkpoint.New(t.TempDir()+"/checkpoint2.json", nil, nil)
	recon2 := reconcile.New(h.port, h.riskM, h.pb, money.FromFloat(0.10))
	stopCtl2 := stopctl.New(stopctl.Config{EnableManualStop: true})
	coord2 := New(Config{}, h.port, h.riskM, barProc2, dec2, idemTrk2, h.pb, ckpt2, recon2, stopCtl2, nil, nil, nil, nil)

	if err := coord2.ProcessBar(ctx, b); err != nil {
		t.Fatalf("ProcessBar (replayed after restart): %v", err)
	}
	if len(coord2.Submissions()) != 0 {
		t.Fatalf("expected the replayed order to be deduped, got %d submissions", len(coord2.Submissions()))
	}
}

func TestCriticalReconciliationHaltBlocksSubsequentBars(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

	dec := &queueDecision{queue: []decision.Decision{
		{ShouldTrade: true, SideSignal: 1, SizeFraction: money.FromFloat(0.05)},
	}}
	h := newHarness(t, dec, 100000)
	h.coord.cfg.ReconcileInterval = time.Millisecond

	h.processAndFill(t, ctx, bar("AAPL", base, 50))

	pos, _ := h.port.Position(bars.Normalize("AAPL"))
	if pos.Quantity.IsZero() {
		t.Fatal("setup: expected a 100-share position before the drift check")
	}

	// Simulate broker under-reporting the position by half: 100 local vs 50
	// broker-side is a 100% drift, tripping the reconciler's >=10% threshold.
	// The broker-side fill is kept out of the local portfolio by detaching
	// the coordinator's fill handler while it happens.
	half := pos.Quantity.Div(money.FromInt(2))
	h.pb.SetFillHandler(func(broker.ExecutionReport) {})
	_, _ = h.pb.Submit(ctx, broker.OrderRequest{Symbol: pos.Symbol, Side: broker.Sell, Qty: half, Kind: broker.Market})
	h.pb.ProcessBar(bar("AAPL", base.Add(time.Second), 50))
	h.pb.SetFillHandler(h.coord.HandleFill)

	time.Sleep(2 * time.Millisecond)
	dec.queue = append(dec.queue, decision.Decision{ShouldTrade: true, SideSignal: 1, SizeFraction: money.FromFloat(0.05)})
	if err := h.coord.ProcessBar(ctx, bar("AAPL", base.Add(time.Minute), 55)); err != nil {
		t.Fatalf("ProcessBar after drift: %v", err)
	}

	if !h.riskM.Halted() {
		t.Fatal("expected risk engine halted after critical reconciliation drift")
	}

	before := len(h.coord.Submissions())
	if err := h.coord.ProcessBar(ctx, bar("AAPL", base.Add(2*time.Minute), 56)); err != nil {
		t.Fatalf("ProcessBar while halted: %v", err)
	}
	if len(h.coord.Submissions()) != before {
		t.Fatal("expected no new submissions while halted")
	}
}

// flakyBroker wraps the paper broker and fails every Submit while failing
// is set, simulating a broker outage.
type flakyBroker struct {
	*paperbroker.Broker
	failing bool
}

func (f *flakyBroker) Submit(ctx context.Context, order broker.OrderRequest) (string, error) {
	if f.failing {
		return "", &broker.Error{Op: "submit", Reason: "connection refused"}
	}
	return f.Broker.Submit(ctx, order)
}

func TestBrokerOutageDoesNotConsumeRateLimit(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)
	dir := t.TempDir()

	pb, err := paperbroker.New(paperbroker.Config{}, 1)
	if err != nil {
		t.Fatalf("paperbroker.New: %v", err)
	}
	fb := &flakyBroker{Broker: pb, failing: true}
	port := portfolio.New(money.FromFloat(100000))
	riskM := risk.New(risk.Config{MaxOrdersPerMinute: 10, MaxOrdersPerDay: 1000}, money.FromFloat(100000))
	barProc := bars.NewProcessor(20)
	idemTrk := idempotency.New(dir+"/idem.json", 5*time.Minute)
	ckpt := checkpoint.New(dir+"/checkpoint.json", nil, nil)
	recon := reconcile.New(port, riskM, fb, money.FromFloat(0.10))
	stopCtl := stopctl.New(stopctl.Config{EnableManualStop: true})
	dec := &queueDecision{queue: []decision.Decision{
		{ShouldTrade: true, SideSignal: 1, SizeFraction: money.FromFloat(0.05)},
	}}
	coord := New(Config{}, port, riskM, barProc, dec, idemTrk, fb, ckpt, recon, stopCtl, nil, nil, nil, nil)

	for i := 0; i < 20; i++ {
		if err := coord.ProcessBar(ctx, bar("AAPL", base.Add(time.Duration(i)*time.Second), 50)); err != nil {
			t.Fatalf("ProcessBar during outage: %v", err)
		}
	}
	snap := riskM.Snapshot()
	if snap.DailyOrderCount != 0 || len(snap.OrderTimestamps) != 0 {
		t.Fatalf("failed submissions must not consume the rate limit: count=%d timestamps=%d",
			snap.DailyOrderCount, len(snap.OrderTimestamps))
	}

	// Broker recovers: exactly MaxOrdersPerMinute submissions must go
	// through before the limiter engages.
	fb.failing = false
	for i := 0; i < 10; i++ {
		if err := coord.ProcessBar(ctx, bar("AAPL", base.Add(time.Minute+time.Duration(i)*time.Second), 50)); err != nil {
			t.Fatalf("ProcessBar after recovery: %v", err)
		}
	}
	if got := riskM.Snapshot().DailyOrderCount; got != 10 {
		t.Fatalf("expected 10 successful submissions after recovery, got %d", got)
	}

	if err := coord.ProcessBar(ctx, bar("AAPL", base.Add(time.Minute+11*time.Second), 50)); err != nil {
		t.Fatalf("ProcessBar at rate limit: %v", err)
	}
	if got := riskM.Snapshot().DailyOrderCount; got != 10 {
		t.Fatalf("11th order within the window must be rejected, got count %d", got)
	}
}

func TestEODFlattenFiresOnEarlyCloseDay(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	ctx := context.Background()
	dir := t.TempDir()

	pb, err := paperbroker.New(paperbroker.Config{}, 1)
	if err != nil {
		t.Fatalf("paperbroker.New: %v", err)
	}
	port := portfolio.New(money.FromFloat(100000))
	riskM := risk.New(risk.Config{MaxOrdersPerMinute: 1000, MaxOrdersPerDay: 1000}, money.FromFloat(100000))
	barProc := bars.NewProcessor(20)
	idemTrk := idempotency.New(dir+"/idem.json", 5*time.Minute)
	ckpt := checkpoint.New(dir+"/checkpoint.json", nil, nil)
	recon := reconcile.New(port, riskM, pb, money.FromFloat(0.10))
	// 2026-11-27 closes at 13:00 ET; flatten configured 15m before the
	// regular 16:00 close must therefore fire at 12:45, not 15:45.
	stopCtl := stopctl.New(stopctl.Config{
		EnableManualStop:            true,
		EnableEODFlatten:            true,
		FlattenTimeETMinutes:        15*60 + 45,
		Location:                    loc,
		Calendar:                    stopctl.StaticCalendar{RegularMinutes: 16 * 60, EarlyCloses: map[string]int{"2026-11-27": 13 * 60}},
		PollInterval:                5 * time.Millisecond,
		EmergencyLiquidationTimeout: 300 * time.Millisecond,
	})
	dec := &queueDecision{queue: []decision.Decision{
		{ShouldTrade: true, SideSignal: 1, SizeFraction: money.FromFloat(0.05)},
		{ShouldTrade: false},
	}}
	coord := New(Config{}, port, riskM, barProc, dec, idemTrk, pb, ckpt, recon, stopCtl, nil, nil, nil, nil)

	aapl := bars.Normalize("AAPL")
	open := bar("AAPL", time.Date(2026, 11, 27, 12, 0, 0, 0, loc), 50)
	if err := coord.ProcessBar(ctx, open); err != nil {
		t.Fatalf("ProcessBar: %v", err)
	}
	pb.ProcessBar(open)
	if pos, _ := port.Position(aapl); pos.Quantity.IsZero() {
		t.Fatal("setup: expected a long position before the flatten deadline")
	}

	if err := coord.ProcessBar(ctx, bar("AAPL", time.Date(2026, 11, 27, 12, 44, 0, 0, loc), 50)); err != nil {
		t.Fatalf("bar before the deadline must not trigger flatten: %v", err)
	}

	done := make(chan struct{})
	go func() {
		for {
			pb.ProcessBar(bar("AAPL", time.Now(), 50))
			select {
			case <-done:
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}()
	err = coord.ProcessBar(ctx, bar("AAPL", time.Date(2026, 11, 27, 12, 45, 0, 0, loc), 50))
	close(done)
	if err == nil {
		t.Fatal("expected the 12:45 ET bar to trigger the EOD flatten shutdown")
	}
	if pos, _ := port.Position(aapl); !pos.Quantity.IsZero() {
		t.Fatalf("expected flat position after EOD flatten, got %s", pos.Quantity)
	}
}

func TestConcurrentFillsAndBarsAreSerialized(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

	dec := &queueDecision{queue: []decision.Decision{{ShouldTrade: false}}}
	h := newHarness(t, dec, 100000)
	aapl := bars.Normalize("AAPL")

	const fills = 200
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < fills; i++ {
			h.coord.HandleFill(broker.ExecutionReport{
				Symbol: aapl,
				Side:   broker.Buy,
				Qty:    money.FromFloat(1),
				Price:  money.FromFloat(50),
				TS:     base.Add(time.Duration(i) * time.Millisecond),
			})
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < fills; i++ {
			_ = h.coord.ProcessBar(ctx, bar("AAPL", base.Add(time.Duration(i)*time.Second), 50))
		}
	}()
	wg.Wait()

	pos, _ := h.port.Position(aapl)
	if !pos.Quantity.Equal(money.FromFloat(fills)) {
		t.Fatalf("expected every fill applied exactly once, got quantity %s", pos.Quantity)
	}
	wantCash := money.FromFloat(100000 - fills*50)
	if !h.port.Cash().Equal(wantCash) {
		t.Fatalf("expected cash %s, got %s", wantCash, h.port.Cash())
	}
	eq, err := h.port.Equity(map[bars.Symbol]money.D{aapl: money.FromFloat(50)})
	if err != nil {
		t.Fatal(err)
	}
	if !eq.Equal(money.FromFloat(100000)) {
		t.Fatalf("flat-price fills must leave equity unchanged, got %s", eq)
	}
}

func TestManualStopTriggersGracefulShutdown(t *testing.T) {
	ctx := context.Background()
	base := time.Date(2026, 3, 2, 14, 30, 0, 0, time.UTC)

	dec := &queueDecision{queue: []decision.Decision{
		{ShouldTrade: true, SideSignal: 1, SizeFraction: money.FromFloat(0.05)},
	}}
	h := newHarness(t, dec, 100000)

	h.processAndFill(t, ctx, bar("AAPL", base, 50))
	pos, _ := h.port.Position(bars.Normalize("AAPL"))
	if pos.Quantity.IsZero() {
		t.Fatal("setup: expected an open position before requesting stop")
	}

	h.coord.stopCtl.RequestStop("manual")

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		for {
			h.pb.ProcessBar(bar("AAPL", time.Now(), 51))
			select {
			case <-done:
				return
			case <-time.After(5 * time.Millisecond):
			}
		}
	}()

	err := h.coord.ProcessBar(stopCtx, bar("AAPL", base.Add(time.Minute), 51))
	close(done)
	if err == nil {
		t.Fatal("expected ProcessBar to report shutdown completion as an error")
	}
}
