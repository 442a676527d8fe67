// Package stopctl implements the two stop triggers that end a trading
// session — a manual flag and an end-of-day flatten deadline — and the
// graceful liquidation sequence both funnel into. Grounded on the
// teacher's App.Shutdown (cancel-all, then summarize) in
// internal/app/app.go, generalized from a single cancel-and-log into the
// spec's poll-with-retry liquidation loop with a typed status result.
package stopctl

import (
	"context"
	"sync"
	"time"

	"github.com/marketcore/tradingcore/internal/bars"
	"github.com/marketcore/tradingcore/internal/broker"
	"github.com/marketcore/tradingcore/internal/idempotency"
	"github.com/marketcore/tradingcore/internal/money"
	"github.com/marketcore/tradingcore/internal/portfolio"
)

// Calendar supplies the exchange's regular-session close time (in the
// exchange timezone) for a given civil date, and whether that date is an
// early close. The core never hardcodes a holiday calendar — this is the
// external collaborator spec §1 carves out (exchange calendar lookups).
type Calendar interface {
	RegularCloseMinutes() int                     // minutes after midnight ET, e.g. 960 for 16:00
	ActualClose(date time.Time) (minutes int, early bool)
}

// StaticCalendar is a minimal Calendar: a fixed regular close plus an
// explicit set of early-close dates (YYYY-MM-DD in the exchange zone) each
// mapped to their actual close, in minutes after midnight.
type StaticCalendar struct {
	RegularMinutes int
	EarlyCloses    map[string]int // "2026-11-27" -> 780 (13:00)
}

func (c StaticCalendar) RegularCloseMinutes() int { return c.RegularMinutes }

func (c StaticCalendar) ActualClose(date time.Time) (int, bool) {
	key := date.Format("2006-01-02")
	if m, ok := c.EarlyCloses[key]; ok {
		return m, true
	}
	return c.RegularMinutes, false
}

// Status is the outcome of a graceful shutdown attempt.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// ShutdownResult reports what the graceful shutdown sequence accomplished.
type ShutdownResult struct {
	Status          Status
	FullyClosed     []bars.Symbol
	PartiallyClosed []bars.Symbol
	Failed          []bars.Symbol
	OrdersCancelled int
	RetryAttempts   int
	TotalWaitTime   time.Duration
	Reason          string
}

// Config parameterizes the controller.
type Config struct {
	EnableManualStop            bool
	EnableEODFlatten            bool
	FlattenTimeETMinutes        int // minutes after midnight ET, e.g. 945 for 15:45
	EmergencyLiquidationTimeout time.Duration
	Location                    *time.Location // exchange tz, e.g. America/New_York
	Calendar                    Calendar
	PollInterval                time.Duration // default 500ms
	MaxRetryRounds              int           // default 3
}

// Controller owns the manual-stop flag and the end-of-day flatten check.
type Controller struct {
	cfg Config

	mu            sync.Mutex
	stopRequested bool
	stopReason    string
	flattenedDate string // YYYY-MM-DD (exchange tz) already fired this session
	now           func() time.Time
}

// New creates a Controller. A nil Calendar defaults to a 16:00 ET regular
// close with no early-close dates.
func New(cfg Config) *Controller {
	if cfg.Calendar == nil {
		cfg.Calendar = StaticCalendar{RegularMinutes: 16 * 60}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.MaxRetryRounds <= 0 {
		cfg.MaxRetryRounds = 3
	}
	if cfg.EmergencyLiquidationTimeout <= 0 {
		cfg.EmergencyLiquidationTimeout = 30 * time.Second
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	return &Controller{cfg: cfg, now: time.Now}
}

// RequestStop sets the manual-stop flag. Honored only when
// EnableManualStop is set, except reason "end_of_day" which is always
// honored regardless of configuration.
func (c *Controller) RequestStop(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if reason != "end_of_day" && !c.cfg.EnableManualStop {
		return
	}
	c.stopRequested = true
	c.stopReason = reason
}

// StopRequested reports whether a stop is pending and why.
func (c *Controller) StopRequested() (bool, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopRequested, c.stopReason
}

// ResetFlattenFlag clears the per-day EOD-flatten-fired marker. Called by
// the coordinator when it detects a new trading date.
func (c *Controller) ResetFlattenFlag() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flattenedDate = ""
}

// CheckEODFlatten reports whether the end-of-day flatten deadline has just
// been reached for ts, accounting for early closes and DST via the
// configured IANA location. Fires at most once per exchange-tz calendar
// date.
func (c *Controller) CheckEODFlatten(ts time.Time) bool {
	if !c.cfg.EnableEODFlatten {
		return false
	}
	local := ts.In(c.cfg.Location)
	dateKey := local.Format("2006-01-02")

	c.mu.Lock()
	alreadyFired := c.flattenedDate == dateKey
	c.mu.Unlock()
	if alreadyFired {
		return false
	}

	flattenInstant := c.effectiveFlattenInstant(local)
	if local.Before(flattenInstant) {
		return false
	}

	c.mu.Lock()
	c.flattenedDate = dateKey
	c.mu.Unlock()
	return true
}

// effectiveFlattenInstant implements spec §4.J's early-close arithmetic:
// minutes_before_close = 16:00 - configured_flatten_time_ET, clamped to
// [0, actual_close_in_minutes], then effective = actual_close - that many
// minutes. Built with time.Date as a wall-clock time on the exchange's
// local civil day, so time.Location's DST rules give that wall-clock
// moment its correct UTC offset even on a transition day.
func (c *Controller) effectiveFlattenInstant(local time.Time) time.Time {
	regular := c.cfg.Calendar.RegularCloseMinutes()
	actualCloseMinutes, _ := c.cfg.Calendar.ActualClose(local)

	minutesBeforeClose := regular - c.cfg.FlattenTimeETMinutes
	if minutesBeforeClose < 0 {
		minutesBeforeClose = 0
	}
	if minutesBeforeClose > actualCloseMinutes {
		minutesBeforeClose = actualCloseMinutes
	}

	flattenMinutes := actualCloseMinutes - minutesBeforeClose
	return time.Date(local.Year(), local.Month(), local.Day(), 0, flattenMinutes, 0, 0, local.Location())
}

// ExecuteGracefulShutdown cancels all working orders, then liquidates every
// non-flat position with opposing market orders, polling the portfolio
// until flat or the timeout elapses, retrying up to MaxRetryRounds times.
// It never blocks on a broker callback from within a callback itself (spec
// §5's deadlock pitfall) — all waits here are plain sleeps on the caller's
// own goroutine, which must not be the broker's reader thread.
func (c *Controller) ExecuteGracefulShutdown(ctx context.Context, adptr broker.Adapter, port *portfolio.Portfolio, reason string) ShutdownResult {
	start := c.now()
	result := ShutdownResult{Reason: reason}

	cancelled, err := adptr.CancelAll(ctx)
	if err == nil {
		result.OrdersCancelled = cancelled
	}

	initialQty := make(map[bars.Symbol]money.D)
	for sym, pos := range port.Positions() {
		if !pos.Quantity.IsZero() {
			initialQty[sym] = pos.Quantity
		}
	}
	remaining := symbolsOf(initialQty)

	for round := 0; round <= c.cfg.MaxRetryRounds && len(remaining) > 0; round++ {
		if round > 0 {
			result.RetryAttempts++
		}
		for _, sym := range remaining {
			c.submitLiquidationOrder(ctx, adptr, port, sym)
		}
		remaining = c.pollUntilFlat(ctx, port, remaining)
	}
	result.TotalWaitTime = c.now().Sub(start)

	for sym, startQty := range initialQty {
		stillOpen := false
		for _, r := range remaining {
			if r == sym {
				stillOpen = true
				break
			}
		}
		if !stillOpen {
			result.FullyClosed = append(result.FullyClosed, sym)
			continue
		}
		pos, _ := port.Position(sym)
		if !pos.Quantity.Equal(startQty) {
			result.PartiallyClosed = append(result.PartiallyClosed, sym)
		} else {
			result.Failed = append(result.Failed, sym)
		}
	}

	switch {
	case len(remaining) == 0:
		result.Status = StatusSuccess
	case len(result.FullyClosed) > 0 || len(result.PartiallyClosed) > 0:
		result.Status = StatusPartial
	default:
		result.Status = StatusFailed
	}
	return result
}

func symbolsOf(m map[bars.Symbol]money.D) []bars.Symbol {
	out := make([]bars.Symbol, 0, len(m))
	for sym := range m {
		out = append(out, sym)
	}
	return out
}

func (c *Controller) submitLiquidationOrder(ctx context.Context, adptr broker.Adapter, port *portfolio.Portfolio, sym bars.Symbol) {
	pos, ok := port.Position(sym)
	if !ok || pos.Quantity.IsZero() {
		return
	}
	side := broker.Sell
	qty := pos.Quantity
	if pos.Quantity.IsNegative() {
		side = broker.Buy
		qty = money.Abs(qty)
	}
	ts := c.now().UTC()
	signedQty := qty
	if side == broker.Sell {
		signedQty = qty.Neg()
	}
	order := broker.OrderRequest{
		ClientOrderID: idempotency.GenerateID(sym, ts, signedQty),
		Symbol:        sym,
		Side:          side,
		Qty:           qty,
		Kind:          broker.Market,
		TIF:           broker.TIFDay,
		SubmitTS:      ts,
	}
	_, _ = adptr.Submit(ctx, order)
}

// pollUntilFlat sleeps in PollInterval steps up to EmergencyLiquidationTimeout,
// returning the subset of symbols still non-flat.
func (c *Controller) pollUntilFlat(ctx context.Context, port *portfolio.Portfolio, symbols []bars.Symbol) []bars.Symbol {
	deadline := c.now().Add(c.cfg.EmergencyLiquidationTimeout)
	remaining := append([]bars.Symbol(nil), symbols...)

	for c.now().Before(deadline) {
		remaining = filterNonFlat(port, remaining)
		if len(remaining) == 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return remaining
		case <-time.After(c.cfg.PollInterval):
		}
	}
	return filterNonFlat(port, remaining)
}

func filterNonFlat(port *portfolio.Portfolio, symbols []bars.Symbol) []bars.Symbol {
	var out []bars.Symbol
	for _, sym := range symbols {
		pos, ok := port.Position(sym)
		if ok && !pos.Quantity.IsZero() {
			out = append(out, sym)
		}
	}
	return out
}

