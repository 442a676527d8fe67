// Package paperbroker is a deterministic fill simulator: market orders fill
// with configurable slippage, limit/stop orders trigger against the bar's
// high/low, and fills can be partially simulated via a seeded PRNG. It
// generalizes the teacher's PaperBroker (chidi150c-coinbase/broker_paper.go),
// which only ever filled a market order whole at a single tracked price,
// into a standing-order book that fills against successive OHLCV bars.
//
// Positions are tracked here only to answer GetPositions for the
// reconciler's tests; the Portfolio remains the sole accounting source of
// truth (spec §4.D).
package paperbroker

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/google/uuid"

	"github.com/marketcore/tradingcore/internal/bars"
	"github.com/marketcore/tradingcore/internal/broker"
	"github.com/marketcore/tradingcore/internal/money"
)

// Config parameterizes the simulator.
type Config struct {
	SlipBps                money.D // price·slip_bps/10_000 applied against the taker
	PartialFillProbability float64 // [0,1]; probability a fill is partial
	Seed                   uint64
}

type pendingOrder struct {
	req          broker.OrderRequest
	brokerID     string
	filledQty    money.D
	remainingQty money.D
}

// Broker is a paper implementation of broker.Adapter.
type Broker struct {
	mu       sync.Mutex
	cfg      Config
	node     *snowflake.Node
	rng      *rand.Rand
	orders   map[string]*pendingOrder   // brokerOrderID -> order
	bySymbol map[bars.Symbol][]string   // symbol -> brokerOrderIDs, insertion order
	position map[bars.Symbol]*broker.PositionSnapshot
	handler  broker.FillHandler
	subs     map[string]bars.Symbol
}

// New creates a Broker. nodeID selects the snowflake node (must be unique
// across concurrently-running paper instances sharing a clock, never
// meaningful for a single process).
func New(cfg Config, nodeID int64) (*Broker, error) {
	node, err := snowflake.NewNode(nodeID)
	if err != nil {
		return nil, fmt.Errorf("paperbroker: snowflake node: %w", err)
	}
	src := rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)
	return &Broker{
		cfg:      cfg,
		node:     node,
		rng:      rand.New(src),
		orders:   make(map[string]*pendingOrder),
		bySymbol: make(map[bars.Symbol][]string),
		position: make(map[bars.Symbol]*broker.PositionSnapshot),
		subs:     make(map[string]bars.Symbol),
	}, nil
}

// Start is a no-op for the paper broker: no connection to establish.
func (b *Broker) Start(ctx context.Context) error { return nil }

// Stop is a no-op for the paper broker.
func (b *Broker) Stop(ctx context.Context) error { return nil }

// Submit accepts an order into the standing book and returns a synthetic
// broker order ID immediately; fills happen later via ProcessBar.
func (b *Broker) Submit(ctx context.Context, order broker.OrderRequest) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	brokerID := b.node.Generate().String()
	b.orders[brokerID] = &pendingOrder{
		req:          order,
		brokerID:     brokerID,
		filledQty:    money.Zero,
		remainingQty: order.Qty,
	}
	b.bySymbol[order.Symbol] = append(b.bySymbol[order.Symbol], brokerID)
	return brokerID, nil
}

// Cancel removes a pending order. Returns false if it was already gone.
func (b *Broker) Cancel(ctx context.Context, brokerOrderID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ord, ok := b.orders[brokerOrderID]
	if !ok {
		return false, nil
	}
	b.removeLocked(ord)
	return true, nil
}

// CancelAll removes every pending order and returns the count removed.
func (b *Broker) CancelAll(ctx context.Context) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := len(b.orders)
	b.orders = make(map[string]*pendingOrder)
	b.bySymbol = make(map[bars.Symbol][]string)
	return count, nil
}

func (b *Broker) removeLocked(ord *pendingOrder) {
	delete(b.orders, ord.brokerID)
	ids := b.bySymbol[ord.req.Symbol]
	for i, id := range ids {
		if id == ord.brokerID {
			b.bySymbol[ord.req.Symbol] = append(ids[:i], ids[i+1:]...)
			break
		}
	}
}

// GetPositions returns the broker-side position cache built up purely from
// simulated fills, for the reconciler's own bookkeeping tests.
func (b *Broker) GetPositions(ctx context.Context) (map[bars.Symbol]broker.PositionSnapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[bars.Symbol]broker.PositionSnapshot, len(b.position))
	for sym, pos := range b.position {
		out[sym] = *pos
	}
	return out, nil
}

// SubscribeBars records interest in symbol; paper mode has no network
// subscription to establish, but callers still need a sub_id to unsubscribe.
// Unlike the live adapter's reconnect-replay subscriptions, the paper
// broker never needs to recompute a sub_id deterministically, so a random
// uuid is simpler than the live adapter's "symbol:bar_size" encoding.
func (b *Broker) SubscribeBars(symbol bars.Symbol, barSize time.Duration) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := uuid.NewString()
	b.subs[id] = symbol
	return id, nil
}

// Unsubscribe removes a subscription id.
func (b *Broker) Unsubscribe(subID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, subID)
	return nil
}

// SetFillHandler installs the callback invoked for each simulated fill.
func (b *Broker) SetFillHandler(handler broker.FillHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handler = handler
}

// ProcessBar iterates tracked open orders for bar.Symbol and decides fills
// per spec: market orders fill at close +/- slippage; limit orders fill iff
// the bar's low/high crosses the limit; stop orders trigger iff the bar's
// high/low crosses the stop. Fill handler invocations happen synchronously
// on the caller's goroutine, mirroring a broker reader thread.
func (b *Broker) ProcessBar(bar bars.Bar) {
	b.mu.Lock()
	ids := append([]string(nil), b.bySymbol[bar.Symbol]...)
	b.mu.Unlock()

	for _, id := range ids {
		b.tryFill(id, bar)
	}
}

func (b *Broker) tryFill(brokerID string, bar bars.Bar) {
	b.mu.Lock()
	ord, ok := b.orders[brokerID]
	if !ok {
		b.mu.Unlock()
		return
	}

	fillPrice, triggered := b.evaluateLocked(ord.req, bar)
	if !triggered {
		b.mu.Unlock()
		return
	}

	fillQty := b.sampleFillQtyLocked(ord.remainingQty)
	ord.filledQty = ord.filledQty.Add(fillQty)
	ord.remainingQty = ord.remainingQty.Sub(fillQty)
	isPartial := ord.remainingQty.IsPositive()

	b.applyPositionLocked(ord.req, fillQty, fillPrice)

	report := broker.ExecutionReport{
		BrokerOrderID:    ord.brokerID,
		ClientOrderID:    ord.req.ClientOrderID,
		Symbol:           ord.req.Symbol,
		Side:             ord.req.Side,
		Qty:              fillQty,
		Price:            fillPrice,
		TS:               bar.TS,
		IsPartial:        isPartial,
		CumulativeFilled: ord.filledQty,
		Remaining:        ord.remainingQty,
	}

	if !isPartial {
		b.removeLocked(ord)
	}
	handler := b.handler
	b.mu.Unlock()

	if handler != nil {
		handler(report)
	}
}

// evaluateLocked decides whether order triggers against bar and, if so, at
// what price. Caller must hold b.mu.
func (b *Broker) evaluateLocked(req broker.OrderRequest, bar bars.Bar) (money.D, bool) {
	slip := bar.Close.Mul(b.cfg.SlipBps).Div(money.FromInt(10000))

	switch req.Kind {
	case broker.Market:
		if req.Side == broker.Buy {
			return bar.Close.Add(slip), true
		}
		return bar.Close.Sub(slip), true

	case broker.Limit:
		if req.Side == broker.Buy {
			if bar.Low.LessThanOrEqual(req.LimitPrice) {
				return money.Min(bar.Close, req.LimitPrice), true
			}
			return money.Zero, false
		}
		if bar.High.GreaterThanOrEqual(req.LimitPrice) {
			return money.Max(bar.Close, req.LimitPrice), true
		}
		return money.Zero, false

	case broker.Stop:
		if req.Side == broker.Buy {
			if bar.High.GreaterThanOrEqual(req.StopPrice) {
				return bar.Close.Add(slip), true
			}
			return money.Zero, false
		}
		if bar.Low.LessThanOrEqual(req.StopPrice) {
			return bar.Close.Sub(slip), true
		}
		return money.Zero, false
	}
	return money.Zero, false
}

// sampleFillQtyLocked decides, via the seeded PRNG, whether this fill is
// partial: with probability p, a uniform fraction in [0.2, 0.8] of
// remaining (minimum 0.01 units); otherwise the full remaining amount.
func (b *Broker) sampleFillQtyLocked(remaining money.D) money.D {
	if b.cfg.PartialFillProbability <= 0 || b.rng.Float64() >= b.cfg.PartialFillProbability {
		return remaining
	}
	frac := 0.2 + b.rng.Float64()*0.6
	qty := remaining.Mul(money.FromFloat(frac))
	minUnit := money.FromFloat(0.01)
	if qty.LessThan(minUnit) {
		qty = minUnit
	}
	if qty.GreaterThan(remaining) {
		qty = remaining
	}
	return qty
}

func (b *Broker) applyPositionLocked(req broker.OrderRequest, fillQty, fillPrice money.D) {
	signedQty := fillQty
	if req.Side == broker.Sell {
		signedQty = fillQty.Neg()
	}

	pos, ok := b.position[req.Symbol]
	if !ok {
		pos = &broker.PositionSnapshot{}
		b.position[req.Symbol] = pos
	}

	q := pos.Quantity
	if q.IsZero() || sameSign(q, signedQty) {
		absQ, absDQ := money.Abs(q), money.Abs(signedQty)
		denom := absQ.Add(absDQ)
		if denom.IsZero() {
			pos.AveragePrice = fillPrice
		} else if !q.IsZero() {
			pos.AveragePrice = absQ.Mul(pos.AveragePrice).Add(absDQ.Mul(fillPrice)).Div(denom)
		} else {
			pos.AveragePrice = fillPrice
		}
		pos.Quantity = q.Add(signedQty)
		return
	}

	absQ, absDQ := money.Abs(q), money.Abs(signedQty)
	if absDQ.LessThanOrEqual(absQ) {
		pos.Quantity = q.Add(signedQty)
	} else {
		pos.Quantity = signedQty.Add(q)
		pos.AveragePrice = fillPrice
	}
}

func sameSign(a, b money.D) bool { return a.Sign() == b.Sign() }
