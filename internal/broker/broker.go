// Package broker defines the adapter surface the Coordinator submits orders
// and receives fills through. Both the paper simulator (internal/paperbroker)
// and a real-exchange adapter (internal/broker/live) implement Adapter.
package broker

import (
	"context"
	"time"

	"github.com/marketcore/tradingcore/internal/bars"
	"github.com/marketcore/tradingcore/internal/money"
)

// Side is the direction of an order.
type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Buy {
		return "buy"
	}
	return "sell"
}

// Kind distinguishes market, limit, and stop orders.
type Kind int

const (
	Market Kind = iota
	Limit
	Stop
)

// TimeInForce is a placeholder for broker-specific TIF semantics; the core
// only needs to round-trip it to a real adapter.
type TimeInForce string

const (
	TIFDay TimeInForce = "day"
	TIFGTC TimeInForce = "gtc"
)

// OrderRequest is what the Coordinator hands to Adapter.Submit.
type OrderRequest struct {
	ClientOrderID string
	Symbol        bars.Symbol
	Side          Side
	Qty           money.D // always > 0; Side carries direction
	Kind          Kind
	LimitPrice    money.D // set iff Kind == Limit
	StopPrice     money.D // set iff Kind == Stop
	TIF           TimeInForce
	SubmitTS      time.Time
}

// OrderStatus is the broker-local lifecycle state of a submitted order.
type OrderStatus int

const (
	Pending OrderStatus = iota
	Submitted
	PartiallyFilled
	Filled
	Cancelled
	Rejected
)

// OrderState tracks a submitted order's fill progress. Invariant:
// FilledQty + RemainingQty == Qty always holds.
type OrderState struct {
	BrokerOrderID string
	ClientOrderID string
	Symbol        bars.Symbol
	Status        OrderStatus
	FilledQty     money.D
	RemainingQty  money.D
}

// ExecutionReport is a fill notification delivered to the fill handler.
// Qty is the size of this fill only, never the cumulative filled size.
type ExecutionReport struct {
	BrokerOrderID    string
	ClientOrderID    string
	Symbol           bars.Symbol
	Side             Side
	Qty              money.D
	Price            money.D
	TS               time.Time
	IsPartial        bool
	CumulativeFilled money.D
	Remaining        money.D
}

// PositionSnapshot is one symbol's broker-reported position, used by the
// reconciler to compare against local bookkeeping.
type PositionSnapshot struct {
	Quantity     money.D
	AveragePrice money.D
}

// Error is a typed BrokerError: submit/cancel/positions failed. Risk and
// idempotency state must not be updated when this is returned; the signal
// is dropped and reconnection (if applicable) is the adapter's concern.
type Error struct {
	Op     string
	Reason string
}

func (e *Error) Error() string { return "broker: " + e.Op + ": " + e.Reason }

// FillHandler is invoked on the broker's reader thread/goroutine. It must
// never block more than tens of milliseconds and must never call back into
// an Adapter operation that itself waits on a broker callback — that
// deadlocks a broker that serializes callbacks on a single thread.
type FillHandler func(ExecutionReport)

// Adapter is the broker-agnostic trait the Coordinator drives. Real
// implementations additionally re-establish subscriptions after reconnect
// and serialize internal state under explicit locks, since fill/position
// callbacks arrive on a network reader goroutine distinct from the caller.
type Adapter interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Submit(ctx context.Context, order OrderRequest) (brokerOrderID string, err error)
	Cancel(ctx context.Context, brokerOrderID string) (bool, error)
	CancelAll(ctx context.Context) (count int, err error)
	GetPositions(ctx context.Context) (map[bars.Symbol]PositionSnapshot, error)
	SubscribeBars(symbol bars.Symbol, barSize time.Duration) (subID string, err error)
	Unsubscribe(subID string) error
	SetFillHandler(handler FillHandler)
}
