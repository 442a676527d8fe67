// Package reconcile periodically compares broker-reported positions against
// the local Portfolio and halts the Risk Engine on critical drift. It does
// not auto-correct positions — a human or a separate tool resolves
// divergence — grounded on the teacher pack's web3guy0-polybot Reconciler,
// generalized from one-time startup recovery into a recurring drift check
// that feeds risk.Manager.Halt instead of a database.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/marketcore/tradingcore/internal/bars"
	"github.com/marketcore/tradingcore/internal/broker"
	"github.com/marketcore/tradingcore/internal/money"
	"github.com/marketcore/tradingcore/internal/portfolio"
	"github.com/marketcore/tradingcore/internal/risk"
)

// DriftEntry records one symbol's local-vs-broker mismatch.
type DriftEntry struct {
	Symbol     bars.Symbol
	LocalQty   money.D
	BrokerQty  money.D
	Delta      money.D
	PctDiff    money.D
	Critical   bool
	ObservedAt time.Time
}

// Reconciler owns the bounded alert ring and the critical-drift threshold.
type Reconciler struct {
	port      *portfolio.Portfolio
	riskMgr   *risk.Manager
	adptr     broker.Adapter
	threshold money.D // pct_diff fraction, e.g. 0.10 for 10%
	minQty    money.D // |q| below this is treated as noise, not a position
	alerts    []DriftEntry
	alertCap  int
}

// New creates a Reconciler wired to port/riskMgr/adapter, with drift
// considered critical at or above thresholdPct (e.g. 0.10).
func New(port *portfolio.Portfolio, riskMgr *risk.Manager, adptr broker.Adapter, thresholdPct money.D) *Reconciler {
	return &Reconciler{
		port:      port,
		riskMgr:   riskMgr,
		adptr:     adptr,
		threshold: thresholdPct,
		minQty:    money.FromFloat(0.001),
		alertCap:  256,
	}
}

// Run fetches broker positions and compares them against the local
// Portfolio. Bounded by ctx (spec §4.E's ~10s positions-callback timeout).
// Critical drift (any pct_diff >= threshold) halts the Risk Engine with a
// stable reason key; minor drift is recorded only.
func (r *Reconciler) Run(ctx context.Context) error {
	brokerPositions, err := r.adptr.GetPositions(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: fetch broker positions: %w", err)
	}

	local := r.port.Positions()
	now := time.Now().UTC()
	var entries []DriftEntry
	critical := 0

	for sym, pos := range local {
		brokerPos := brokerPositions[sym]
		delta := pos.Quantity.Sub(brokerPos.Quantity)
		if money.Abs(delta).LessThanOrEqual(r.minQty) {
			continue
		}
		entry := r.buildEntry(sym, pos.Quantity, brokerPos.Quantity, delta, now)
		entries = append(entries, entry)
		if entry.Critical {
			critical++
		}
	}

	for sym, brokerPos := range brokerPositions {
		if _, trackedLocally := local[sym]; trackedLocally {
			continue
		}
		if money.Abs(brokerPos.Quantity).LessThanOrEqual(r.minQty) {
			continue
		}
		entry := r.buildEntry(sym, money.Zero, brokerPos.Quantity, brokerPos.Quantity.Neg(), now)
		entries = append(entries, entry)
		if entry.Critical {
			critical++
		}
	}

	r.recordAlerts(entries)

	if critical > 0 {
		r.riskMgr.Halt(fmt.Sprintf("critical_position_mismatch: %d positions", critical))
	}
	return nil
}

func (r *Reconciler) buildEntry(sym bars.Symbol, local, brokerQty, delta money.D, ts time.Time) DriftEntry {
	denom := money.Max(money.Abs(brokerQty), money.FromFloat(0.000001))
	pct := money.Abs(delta).Div(denom).Mul(money.FromInt(100))
	return DriftEntry{
		Symbol:     sym,
		LocalQty:   local,
		BrokerQty:  brokerQty,
		Delta:      delta,
		PctDiff:    pct,
		Critical:   pct.GreaterThanOrEqual(r.threshold.Mul(money.FromInt(100))),
		ObservedAt: ts,
	}
}

func (r *Reconciler) recordAlerts(entries []DriftEntry) {
	r.alerts = append(r.alerts, entries...)
	if len(r.alerts) > r.alertCap {
		r.alerts = r.alerts[len(r.alerts)-r.alertCap:]
	}
}

// Alerts returns a copy of the bounded alert ring, for diagnostics.
func (r *Reconciler) Alerts() []DriftEntry {
	out := make([]DriftEntry, len(r.alerts))
	copy(out, r.alerts)
	return out
}
