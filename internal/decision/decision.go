// Package decision defines the policy boundary the core trades against.
// The core ships only a trivial reference implementation; real strategies
// are opaque to it, mirroring the teacher's pattern of constructing a
// Maker/Taker strategy from config (internal/strategy/selector.go) without
// the coordinator ever inspecting strategy internals.
package decision

import (
	"github.com/marketcore/tradingcore/internal/bars"
	"github.com/marketcore/tradingcore/internal/broker"
	"github.com/marketcore/tradingcore/internal/money"
)

// Decision is the policy's verdict for one symbol at one bar.
type Decision struct {
	ShouldTrade  bool
	SideSignal   int // -1, 0, +1
	SizeFraction money.D
	Confidence   float64
	Reason       string
}

// Engine is the opaque decision-engine trait. EvaluateOpportunity must be
// pure from the Coordinator's perspective: calling it twice with identical
// inputs may yield different decisions if the policy carries internal
// state, but it must never corrupt the Coordinator's own state. The
// remaining hooks are optional learning callbacks the core invokes but
// does not interpret.
type Engine interface {
	EvaluateOpportunity(symbol bars.Symbol, history []bars.Bar, lastPrices map[bars.Symbol]money.D) Decision
	RegisterTradeIntent(order broker.OrderRequest)
	HandleFill(report broker.ExecutionReport)
	StartSession()
	EndSession()
	SaveState() ([]byte, error)
	LoadState(data []byte) error
}

// NoopEngine implements every optional hook as a no-op, for embedding by
// engines that only need to override EvaluateOpportunity.
type NoopEngine struct{}

func (NoopEngine) RegisterTradeIntent(order broker.OrderRequest) {}
func (NoopEngine) HandleFill(report broker.ExecutionReport)      {}
func (NoopEngine) StartSession()                                 {}
func (NoopEngine) EndSession()                                   {}
func (NoopEngine) SaveState() ([]byte, error)                    { return nil, nil }
func (NoopEngine) LoadState(data []byte) error                   { return nil }
