package bars

import (
	"sync"

	"github.com/marketcore/tradingcore/internal/money"
)

// Processor keeps a per-symbol bounded history and a last-price table behind
// a single mutex, mirroring the teacher's BookSnapshot: fast readers copy the
// slice/map they need before releasing the lock rather than handing out
// internal state. update_price must be safe to call from the fill-handler
// goroutine (spec §4.F), which this single-mutex design guarantees.
type Processor struct {
	mu         sync.Mutex
	capacity   int // per-symbol history capacity (5x warmup_bars per spec §6)
	history    map[Symbol][]Bar
	lastPrices map[Symbol]money.D
	lastTS     map[Symbol]Bar // most recently appended bar per symbol, for monotonicity checks
}

// NewProcessor creates a Processor whose per-symbol history holds up to
// 5*warmupBars entries, discarding the oldest on overflow.
func NewProcessor(warmupBars int) *Processor {
	capacity := warmupBars * 5
	if capacity <= 0 {
		capacity = 100
	}
	return &Processor{
		capacity:   capacity,
		history:    make(map[Symbol][]Bar),
		lastPrices: make(map[Symbol]money.D),
		lastTS:     make(map[Symbol]Bar),
	}
}

// ErrDuplicateBar is returned by Append when ts does not strictly advance
// the symbol's stream; spec §3 says duplicates are discarded, not an error
// that escapes to the caller as a validation failure.
var ErrDuplicateBar = &dupErr{}

type dupErr struct{}

func (*dupErr) Error() string { return "bar: duplicate or out-of-order timestamp, discarded" }

// Append validates and appends a bar to its symbol's history, then updates
// the last-price table. Returns ErrDuplicateBar if ts does not strictly
// advance the stream (the bar is silently dropped, not a fatal error).
func (p *Processor) Append(b Bar) error {
	if err := Validate(b); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if prev, ok := p.lastTS[b.Symbol]; ok && !b.TS.After(prev.TS) {
		return ErrDuplicateBar
	}

	h := append(p.history[b.Symbol], b)
	if len(h) > p.capacity {
		h = h[len(h)-p.capacity:]
	}
	p.history[b.Symbol] = h
	p.lastTS[b.Symbol] = b
	p.lastPrices[b.Symbol] = b.Close
	return nil
}

// UpdatePrice sets the last-price table entry for symbol directly, without
// touching history. Used by the fill handler (spec §4.K step 3), which
// observes an execution price, not a new bar.
func (p *Processor) UpdatePrice(symbol Symbol, price money.D) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastPrices[symbol] = price
}

// History returns a copy of the bounded history for symbol.
func (p *Processor) History(symbol Symbol) []Bar {
	p.mu.Lock()
	defer p.mu.Unlock()
	h := p.history[symbol]
	out := make([]Bar, len(h))
	copy(out, h)
	return out
}

// LastPrice returns the last known price for symbol and whether one exists.
func (p *Processor) LastPrice(symbol Symbol) (money.D, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	price, ok := p.lastPrices[symbol]
	return price, ok
}

// LastPrices returns a copy of the whole last-price table, for equity
// computation (spec §4.B).
func (p *Processor) LastPrices() map[Symbol]money.D {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[Symbol]money.D, len(p.lastPrices))
	for k, v := range p.lastPrices {
		out[k] = v
	}
	return out
}
