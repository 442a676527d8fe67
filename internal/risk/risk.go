// Package risk enforces pre-trade checks and tracks daily/drawdown state,
// generalizing the teacher's Manager (an RWMutex-guarded Config/state pair
// with an Allow gate and a consecutive-loss cooldown) from USDC-notional
// checks against a single token market to signed-quantity checks against a
// multi-symbol decimal portfolio.
package risk

import (
	"fmt"
	"time"

	"github.com/marketcore/tradingcore/internal/money"
)

// Config holds the risk engine's static thresholds.
type Config struct {
	PerSymbolNotionalCap    money.D
	MaxPositionFraction     money.D
	MaxSinglePositionUnits  money.D
	MaxOrdersPerMinute      int
	MaxOrdersPerDay         int
	MaxDailyLoss            money.D // fraction of start-of-day equity, e.g. 0.02
	MaxDrawdown             money.D // fraction of peak equity, e.g. 0.10
	MaxConsecutiveLosses    int
	ConsecutiveLossCooldown time.Duration
	IdempotencyRetention    int
}

// State is the serializable risk state, checkpointed alongside the
// portfolio.
type State struct {
	DailyPnL          money.D     `json:"daily_pnl"`
	PeakEquity        money.D     `json:"peak_equity"`
	StartOfDayEquity  money.D     `json:"start_of_day_equity"`
	LastResetDate     string      `json:"last_reset_date"` // YYYY-MM-DD
	OrderTimestamps   []time.Time `json:"order_timestamps"`
	DailyOrderCount   int         `json:"daily_order_count"`
	Halted            bool        `json:"halted"`
	HaltReason        string      `json:"halt_reason"`
	ConsecutiveLosses int         `json:"consecutive_losses"`
	CooldownUntil     time.Time   `json:"cooldown_until"`
}

// Violation reports a failed pre-trade check. The caller must log and drop
// the signal, never retry the same check automatically.
type Violation struct {
	Reason string
}

func (v *Violation) Error() string { return "risk violation: " + v.Reason }

// Manager owns RiskState and evaluates pre-trade checks against a proposed
// fill. It never mutates the Portfolio; callers supply equity and prices.
type Manager struct {
	cfg   Config
	state State
	now   func() time.Time
}

// New creates a Manager seeded at startingEquity.
func New(cfg Config, startingEquity money.D) *Manager {
	return &Manager{
		cfg: cfg,
		state: State{
			DailyPnL:         money.Zero,
			PeakEquity:       startingEquity,
			StartOfDayEquity: startingEquity,
			LastResetDate:    time.Now().UTC().Format("2006-01-02"),
		},
		now: time.Now,
	}
}

// Snapshot returns a copy of the current risk state.
func (m *Manager) Snapshot() State {
	s := m.state
	s.OrderTimestamps = append([]time.Time(nil), m.state.OrderTimestamps...)
	return s
}

// Restore replaces risk state wholesale, e.g. on checkpoint reload.
func (m *Manager) Restore(s State) {
	m.state = s
}

// CheckPreTrade evaluates the seven pre-trade gates against a proposed
// signed fill of qAfter units at price fp, given current equity. Returns a
// *Violation on any failure; nil means the trade may proceed.
func (m *Manager) CheckPreTrade(qAfter, fp, equity money.D) error {
	if m.state.Halted {
		return &Violation{Reason: fmt.Sprintf("halted: %s", m.state.HaltReason)}
	}

	notional := money.Abs(qAfter).Mul(fp)

	if m.cfg.PerSymbolNotionalCap.IsPositive() && notional.GreaterThan(m.cfg.PerSymbolNotionalCap) {
		return &Violation{Reason: fmt.Sprintf("per-symbol notional cap exceeded: %s > %s", notional, m.cfg.PerSymbolNotionalCap)}
	}

	if m.cfg.MaxPositionFraction.IsPositive() {
		cap := m.cfg.MaxPositionFraction.Mul(equity)
		if notional.GreaterThan(cap) {
			return &Violation{Reason: fmt.Sprintf("position fraction cap exceeded: %s > %s", notional, cap)}
		}
	}

	if m.cfg.MaxSinglePositionUnits.IsPositive() && money.Abs(qAfter).GreaterThan(m.cfg.MaxSinglePositionUnits) {
		return &Violation{Reason: fmt.Sprintf("unit ceiling exceeded: %s > %s", money.Abs(qAfter), m.cfg.MaxSinglePositionUnits)}
	}

	if m.cfg.MaxOrdersPerMinute > 0 {
		cutoff := m.now().Add(-60 * time.Second)
		count := 0
		for _, ts := range m.state.OrderTimestamps {
			if ts.After(cutoff) {
				count++
			}
		}
		if count >= m.cfg.MaxOrdersPerMinute {
			return &Violation{Reason: fmt.Sprintf("order rate limit exceeded: %d/%d per minute", count, m.cfg.MaxOrdersPerMinute)}
		}
	}
	if m.cfg.MaxOrdersPerDay > 0 && m.state.DailyOrderCount >= m.cfg.MaxOrdersPerDay {
		return &Violation{Reason: fmt.Sprintf("daily order cap exceeded: %d/%d", m.state.DailyOrderCount, m.cfg.MaxOrdersPerDay)}
	}

	if m.checkDailyLoss() {
		return &Violation{Reason: m.state.HaltReason}
	}
	if m.checkDrawdown(equity) {
		return &Violation{Reason: m.state.HaltReason}
	}

	return nil
}

// checkDailyLoss halts and returns true if the daily loss guard trips.
func (m *Manager) checkDailyLoss() bool {
	if m.cfg.MaxDailyLoss.IsZero() || m.state.StartOfDayEquity.IsZero() {
		return false
	}
	threshold := m.cfg.MaxDailyLoss.Mul(m.state.StartOfDayEquity).Neg()
	if m.state.DailyPnL.LessThanOrEqual(threshold) {
		m.halt(fmt.Sprintf("daily loss guard tripped: pnl %s <= %s", m.state.DailyPnL, threshold))
		return true
	}
	return false
}

// checkDrawdown halts and returns true if the drawdown guard trips.
func (m *Manager) checkDrawdown(equity money.D) bool {
	if m.cfg.MaxDrawdown.IsZero() || m.state.PeakEquity.IsZero() {
		return false
	}
	one := money.FromInt(1)
	threshold := one.Sub(m.cfg.MaxDrawdown).Mul(m.state.PeakEquity)
	if equity.LessThanOrEqual(threshold) {
		m.halt(fmt.Sprintf("drawdown guard tripped: equity %s <= %s", equity, threshold))
		return true
	}
	return false
}

func (m *Manager) halt(reason string) {
	m.state.Halted = true
	m.state.HaltReason = reason
}

// Halted reports whether the engine is currently halted.
func (m *Manager) Halted() bool { return m.state.Halted }

// HaltReason returns the reason the engine was halted, if any.
func (m *Manager) HaltReason() string { return m.state.HaltReason }

// Halt forces a halt, e.g. from the reconciler on excess drift.
func (m *Manager) Halt(reason string) { m.halt(reason) }

// RegisterTrade updates daily P&L and peak equity from a completed fill,
// then reapplies the daily-loss and drawdown guards (which may halt
// post-facto, even outside a pre-trade check).
func (m *Manager) RegisterTrade(realized, commission, equity money.D) {
	m.state.DailyPnL = m.state.DailyPnL.Add(realized).Sub(commission)
	m.state.PeakEquity = money.Max(m.state.PeakEquity, equity)
	m.checkDailyLoss()
	m.checkDrawdown(equity)
}

// RecordOrderSubmission pushes a submission timestamp and increments the
// daily order count. Callers MUST invoke this only after the broker accepts
// the submission, so a broker outage cannot exhaust the rate limit.
func (m *Manager) RecordOrderSubmission(ts time.Time) {
	m.state.OrderTimestamps = append(m.state.OrderTimestamps, ts)
	m.state.DailyOrderCount++
}

// RecordTradeResult updates the consecutive-loss streak from a realized
// P&L delta. Returns true when the streak just tripped the cooldown halt.
// This guard is not named in the base pre-trade checklist; it is carried
// over from the teacher's Manager.RecordTradeResult because repeated
// losing fills are exactly the signal a strategy bug shows before a
// daily-loss guard would catch it.
func (m *Manager) RecordTradeResult(realizedDelta money.D) bool {
	if realizedDelta.IsNegative() {
		m.state.ConsecutiveLosses++
	} else if realizedDelta.IsPositive() {
		m.state.ConsecutiveLosses = 0
	}

	if m.cfg.MaxConsecutiveLosses <= 0 || m.state.ConsecutiveLosses < m.cfg.MaxConsecutiveLosses {
		return false
	}

	cooldown := m.cfg.ConsecutiveLossCooldown
	if cooldown <= 0 {
		cooldown = 15 * time.Minute
	}
	m.state.CooldownUntil = m.now().Add(cooldown)
	m.halt(fmt.Sprintf("consecutive-loss cooldown: %d losses in a row", m.state.ConsecutiveLosses))
	return true
}

// InCooldown reports whether the consecutive-loss cooldown is still active.
func (m *Manager) InCooldown() bool {
	if m.state.CooldownUntil.IsZero() {
		return false
	}
	return m.now().Before(m.state.CooldownUntil)
}

// ResetDaily recomputes start-of-day equity, zeroes daily P&L, truncates
// the order-timestamp window to the last 60s. It returns nothing; the
// idempotency retention for clear_old comes from IdempotencyRetention.
// Called on wall-clock date change.
func (m *Manager) ResetDaily(currentEquity money.D) {
	m.state.StartOfDayEquity = currentEquity
	m.state.DailyPnL = money.Zero
	m.state.DailyOrderCount = 0
	m.state.LastResetDate = m.now().UTC().Format("2006-01-02")

	cutoff := m.now().Add(-60 * time.Second)
	kept := m.state.OrderTimestamps[:0]
	for _, ts := range m.state.OrderTimestamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	m.state.OrderTimestamps = kept
}

// ShouldResetDaily reports whether the wall-clock date has advanced past
// the last recorded reset date.
func (m *Manager) ShouldResetDaily() bool {
	return m.now().UTC().Format("2006-01-02") != m.state.LastResetDate
}

// IdempotencyRetention returns the configured idempotency retention count,
// used by the coordinator to call idempotency.Tracker.ClearOld on daily
// reset.
func (m *Manager) IdempotencyRetention() int { return m.cfg.IdempotencyRetention }
