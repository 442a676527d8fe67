// Package portfolio tracks cash and signed positions with weighted-average
// cost basis, generalizing the teacher's PortfolioTracker (an RWMutex
// guarding a positions slice refreshed by periodic Sync) into a
// fill-driven ledger: here, mutation happens exclusively through ApplyFill,
// not a polling sync loop, since the portfolio is the coordinator's
// single-writer in-process state, not a cache of a remote API.
package portfolio

import (
	"fmt"
	"sync"
	"time"

	"github.com/marketcore/tradingcore/internal/bars"
	"github.com/marketcore/tradingcore/internal/money"
)

// Position is one symbol's signed holding and weighted-average entry price.
// quantity > 0 is long, < 0 is short, = 0 is flat. average_price is only
// meaningful while quantity != 0.
type Position struct {
	Symbol       bars.Symbol
	Quantity     money.D
	AveragePrice money.D
	LastUpdate   time.Time
}

// MissingPriceError is returned by Equity when a non-flat position's symbol
// has no entry in the supplied price table. The caller must not silently
// skip it — that would produce phantom equity after a reconciliation gap.
type MissingPriceError struct {
	Symbol bars.Symbol
}

func (e *MissingPriceError) Error() string {
	return fmt.Sprintf("portfolio: no price for symbol %s, cannot compute equity", e.Symbol)
}

// Portfolio holds cash and a per-symbol position map behind a single mutex.
// Created with cash = initial equity; mutated only by ApplyFill; replaced
// wholesale on snapshot reload.
type Portfolio struct {
	mu        sync.RWMutex
	cash      money.D
	positions map[bars.Symbol]*Position
}

// New creates a Portfolio seeded with initialCash and no positions.
func New(initialCash money.D) *Portfolio {
	return &Portfolio{
		cash:      initialCash,
		positions: make(map[bars.Symbol]*Position),
	}
}

// Cash returns the current cash balance.
func (p *Portfolio) Cash() money.D {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cash
}

// Position returns a copy of the position for symbol, and whether one exists.
func (p *Portfolio) Position(symbol bars.Symbol) (Position, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pos, ok := p.positions[symbol]
	if !ok {
		return Position{}, false
	}
	return *pos, true
}

// Positions returns a copy of every tracked position, including flat ones
// retained for history.
func (p *Portfolio) Positions() map[bars.Symbol]Position {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[bars.Symbol]Position, len(p.positions))
	for sym, pos := range p.positions {
		out[sym] = *pos
	}
	return out
}

// ApplyFill applies a signed fill to symbol's position using cost-basis
// crossing, updates cash by -signedQty*fillPrice - commission, and returns
// the realized P&L for this fill.
//
// This is the single most critical correctness property of the core: the
// naive realized = closedQty*fillPrice (ignoring entry price) yields the
// dollar gross of the close, not its P&L. A reversal — a fill larger than
// the existing opposite position — must close the old position at its
// entry price AND open the new one at the fill price, not let one average
// bleed into the other.
func (p *Portfolio) ApplyFill(symbol bars.Symbol, signedQty, fillPrice, commission money.D, ts time.Time) money.D {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[symbol]
	if !ok {
		pos = &Position{Symbol: symbol}
		p.positions[symbol] = pos
	}

	q := pos.Quantity
	realized := money.Zero

	switch {
	case q.IsZero():
		pos.Quantity = signedQty
		pos.AveragePrice = fillPrice

	case sameSign(q, signedQty):
		absQ := money.Abs(q)
		absDQ := money.Abs(signedQty)
		denom := absQ.Add(absDQ)
		if !denom.IsZero() {
			pos.AveragePrice = absQ.Mul(pos.AveragePrice).Add(absDQ.Mul(fillPrice)).Div(denom)
		}
		pos.Quantity = q.Add(signedQty)

	default:
		absQ := money.Abs(q)
		absDQ := money.Abs(signedQty)
		closingQty := money.Min(absQ, absDQ)

		if q.IsPositive() {
			realized = fillPrice.Sub(pos.AveragePrice).Mul(closingQty)
		} else {
			realized = pos.AveragePrice.Sub(fillPrice).Mul(closingQty)
		}

		if absDQ.LessThanOrEqual(absQ) {
			pos.Quantity = q.Add(signedQty)
		} else {
			remainder := signedQty.Add(q)
			pos.Quantity = remainder
			pos.AveragePrice = fillPrice
		}
	}

	pos.LastUpdate = ts
	cost := signedQty.Mul(fillPrice).Add(commission)
	p.cash = p.cash.Sub(cost)
	return realized
}

func sameSign(a, b money.D) bool {
	return a.Sign() == b.Sign()
}

// Equity computes cash + sum(quantity*price) across all non-flat positions.
// Fails explicitly if a non-flat position's symbol is missing from prices.
func (p *Portfolio) Equity(prices map[bars.Symbol]money.D) (money.D, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	total := p.cash
	for sym, pos := range p.positions {
		if pos.Quantity.IsZero() {
			continue
		}
		price, ok := prices[sym]
		if !ok {
			return money.Zero, &MissingPriceError{Symbol: sym}
		}
		total = total.Add(pos.Quantity.Mul(price))
	}
	return total, nil
}

// Snapshot is the serializable form of a Portfolio, used by the checkpointer.
type Snapshot struct {
	Cash      money.D             `json:"cash"`
	Positions map[string]Position `json:"positions"`
}

// ToSnapshot copies current state into a Snapshot.
func (p *Portfolio) ToSnapshot() Snapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]Position, len(p.positions))
	for sym, pos := range p.positions {
		out[string(sym)] = *pos
	}
	return Snapshot{Cash: p.cash, Positions: out}
}

// Restore replaces the portfolio's state wholesale from a snapshot, e.g. on
// process restart after a checkpoint reload.
func (p *Portfolio) Restore(snap Snapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cash = snap.Cash
	p.positions = make(map[bars.Symbol]*Position, len(snap.Positions))
	for sym, pos := range snap.Positions {
		cp := pos
		p.positions[bars.Symbol(sym)] = &cp
	}
}
