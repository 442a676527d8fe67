// Package live is a real-exchange broker.Adapter skeleton: a generic
// JSON-over-websocket client with reconnect, heartbeat-driven idle
// detection, and resubscription replay. Per spec §1, vendor-specific wire
// protocol details are out of scope — this package implements exactly the
// adapter contract (§4.E) against a minimal, generic message shape, and any
// concrete exchange integration plugs in by supplying a Dialer and message
// (de)serialization that differ from what's stubbed here.
//
// Grounded on the teacher's ws.Client usage in internal/app/app.go
// (subscribe channel, reconnect-on-closed-channel loop) and on
// web3guy0-polybot's gorilla/websocket-based exchange clients
// (internal/binance/client.go's connect/read/reconnect loop), with the
// live set of subscribed (symbol, bar_size) pairs tracked in a
// github.com/deckarep/golang-set/v2 set so reconnect can replay it.
package live

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/gorilla/websocket"

	"github.com/marketcore/tradingcore/internal/bars"
	"github.com/marketcore/tradingcore/internal/broker"
	"github.com/marketcore/tradingcore/internal/logging"
	"github.com/marketcore/tradingcore/internal/money"
)

// subscription is hashable so it can live in a golang-set for reconnect
// replay.
type subscription struct {
	Symbol  bars.Symbol
	BarSize time.Duration
}

// wireMessage is the generic envelope exchanged over the websocket. A real
// integration would replace this with the vendor's actual schema; the
// adapter's reconnect/heartbeat/locking behavior does not depend on it.
type wireMessage struct {
	Type    string          `json:"type"`
	Fill    *wireFill       `json:"fill,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type wireFill struct {
	BrokerOrderID    string  `json:"broker_order_id"`
	ClientOrderID    string  `json:"client_order_id"`
	Symbol           string  `json:"symbol"`
	Side             string  `json:"side"`
	Qty              string  `json:"qty"`
	Price            string  `json:"price"`
	TS               int64   `json:"ts_ms"`
	IsPartial        bool    `json:"is_partial"`
	CumulativeFilled string  `json:"cumulative_filled"`
	Remaining        string  `json:"remaining"`
}

// Config parameterizes the live adapter.
type Config struct {
	URL                  string
	HeartbeatIdle        time.Duration // reconnect if no message observed for this long; default 120s
	BackoffBase          time.Duration // default 1s, doubled per attempt (base 2)
	MaxReconnectAttempts int           // default 5
	PositionsTimeout     time.Duration // default 10s
	Logger               logging.Logger
}

// Adapter is a generic websocket broker.Adapter implementation.
type Adapter struct {
	cfg    Config
	dialer *websocket.Dialer
	log    logging.Logger

	mu            sync.Mutex
	conn          *websocket.Conn
	subs          mapset.Set[subscription]
	orderToSymbol map[string]bars.Symbol
	positions     map[bars.Symbol]broker.PositionSnapshot
	handler       broker.FillHandler
	lastMsgAt     time.Time
	stopCh        chan struct{}
	wg            sync.WaitGroup
}

// New creates an Adapter. It does not connect until Start is called.
func New(cfg Config) *Adapter {
	if cfg.HeartbeatIdle <= 0 {
		cfg.HeartbeatIdle = 120 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.PositionsTimeout <= 0 {
		cfg.PositionsTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	return &Adapter{
		cfg:           cfg,
		dialer:        websocket.DefaultDialer,
		log:           cfg.Logger,
		subs:          mapset.NewSet[subscription](),
		orderToSymbol: make(map[string]bars.Symbol),
		positions:     make(map[bars.Symbol]broker.PositionSnapshot),
	}
}

// Start connects and spawns the reader and heartbeat-monitor goroutines.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	a.stopCh = make(chan struct{})
	a.mu.Unlock()

	if err := a.connect(); err != nil {
		return fmt.Errorf("live: initial connect: %w", err)
	}

	a.wg.Add(2)
	go a.readLoop()
	go a.heartbeatMonitor()
	return nil
}

// Stop closes the connection and waits for background goroutines to exit.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopCh != nil {
		close(a.stopCh)
	}
	conn := a.conn
	a.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	a.wg.Wait()
	return nil
}

func (a *Adapter) connect() error {
	conn, _, err := a.dialer.Dial(a.cfg.URL, nil)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.conn = conn
	a.lastMsgAt = time.Now()
	a.mu.Unlock()
	a.replaySubscriptions()
	return nil
}

// replaySubscriptions re-sends every tracked subscription after reconnect,
// the behavior spec §4.E requires of a real adapter.
func (a *Adapter) replaySubscriptions() {
	a.mu.Lock()
	subs := a.subs.ToSlice()
	conn := a.conn
	a.mu.Unlock()

	for _, s := range subs {
		msg := map[string]any{"type": "subscribe", "symbol": string(s.Symbol), "bar_size_ms": s.BarSize.Milliseconds()}
		if conn != nil {
			_ = conn.WriteJSON(msg)
		}
	}
}

func (a *Adapter) readLoop() {
	defer a.wg.Done()
	for {
		a.mu.Lock()
		conn := a.conn
		stopCh := a.stopCh
		a.mu.Unlock()
		if conn == nil {
			return
		}

		select {
		case <-stopCh:
			return
		default:
		}

		var msg wireMessage
		if err := conn.ReadJSON(&msg); err != nil {
			a.log.Warn().Err(err).Msg("live: read error, reconnecting")
			if !a.reconnectWithBackoff() {
				return
			}
			continue
		}

		a.mu.Lock()
		a.lastMsgAt = time.Now()
		a.mu.Unlock()

		a.dispatch(msg)
	}
}

// dispatch converts a wire message into the core's typed shapes and
// invokes the fill handler. Must never block: it runs on the network
// reader goroutine and must not call back into an Adapter operation that
// waits on a broker callback (spec §5's deadlock pitfall).
func (a *Adapter) dispatch(msg wireMessage) {
	if msg.Type != "fill" || msg.Fill == nil {
		return
	}
	f := msg.Fill

	qty, err := money.Parse(f.Qty)
	if err != nil {
		return
	}
	price, err := money.Parse(f.Price)
	if err != nil {
		return
	}
	cum, _ := money.Parse(f.CumulativeFilled)
	remaining, _ := money.Parse(f.Remaining)

	side := broker.Buy
	if f.Side == "sell" {
		side = broker.Sell
	}

	report := broker.ExecutionReport{
		BrokerOrderID:    f.BrokerOrderID,
		ClientOrderID:    f.ClientOrderID,
		Symbol:           bars.Normalize(f.Symbol),
		Side:             side,
		Qty:              qty,
		Price:            price,
		TS:               time.UnixMilli(f.TS).UTC(),
		IsPartial:        f.IsPartial,
		CumulativeFilled: cum,
		Remaining:        remaining,
	}

	a.mu.Lock()
	handler := a.handler
	a.mu.Unlock()
	if handler != nil {
		handler(report)
	}
}

// heartbeatMonitor reconnects if no message has been observed for
// HeartbeatIdle, mirroring the teacher's heartbeat ticker in App.Run.
func (a *Adapter) heartbeatMonitor() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.cfg.HeartbeatIdle / 4)
	defer ticker.Stop()

	for {
		a.mu.Lock()
		stopCh := a.stopCh
		a.mu.Unlock()

		select {
		case <-stopCh:
			return
		case <-ticker.C:
			a.mu.Lock()
			idle := time.Since(a.lastMsgAt)
			a.mu.Unlock()
			if idle > a.cfg.HeartbeatIdle {
				a.log.Warn().Msg("live: heartbeat idle timeout, forcing reconnect")
				a.reconnectWithBackoff()
			}
		}
	}
}

// reconnectWithBackoff retries the connection with exponential backoff
// (base 2, capped at MaxReconnectAttempts), resetting on success. Returns
// false if every attempt failed.
func (a *Adapter) reconnectWithBackoff() bool {
	for attempt := 0; attempt < a.cfg.MaxReconnectAttempts; attempt++ {
		delay := a.cfg.BackoffBase * time.Duration(1<<uint(attempt))
		time.Sleep(delay)
		if err := a.connect(); err == nil {
			return true
		}
		a.log.Warn().Int("attempt", attempt+1).Msg("live: reconnect attempt failed")
	}
	a.log.Error().Msg("live: exhausted reconnect attempts")
	return false
}

// Submit sends an order over the websocket and returns the order's
// ClientOrderID as its broker order ID; it does not wait for an ack.
func (a *Adapter) Submit(ctx context.Context, order broker.OrderRequest) (string, error) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return "", &broker.Error{Op: "submit", Reason: "not connected"}
	}

	msg := map[string]any{
		"type":            "submit",
		"client_order_id": order.ClientOrderID,
		"symbol":          string(order.Symbol),
		"side":            order.Side.String(),
		"qty":             order.Qty.String(),
	}
	if err := conn.WriteJSON(msg); err != nil {
		return "", &broker.Error{Op: "submit", Reason: err.Error()}
	}

	a.mu.Lock()
	a.orderToSymbol[order.ClientOrderID] = order.Symbol
	a.mu.Unlock()
	return order.ClientOrderID, nil
}

// Cancel sends a cancel request for a previously submitted order.
func (a *Adapter) Cancel(ctx context.Context, brokerOrderID string) (bool, error) {
	a.mu.Lock()
	conn := a.conn
	a.mu.Unlock()
	if conn == nil {
		return false, &broker.Error{Op: "cancel", Reason: "not connected"}
	}
	if err := conn.WriteJSON(map[string]any{"type": "cancel", "broker_order_id": brokerOrderID}); err != nil {
		return false, &broker.Error{Op: "cancel", Reason: err.Error()}
	}
	return true, nil
}

// CancelAll sends a cancel-all request.
func (a *Adapter) CancelAll(ctx context.Context) (int, error) {
	a.mu.Lock()
	conn := a.conn
	count := len(a.orderToSymbol)
	a.mu.Unlock()
	if conn == nil {
		return 0, &broker.Error{Op: "cancel_all", Reason: "not connected"}
	}
	if err := conn.WriteJSON(map[string]any{"type": "cancel_all"}); err != nil {
		return 0, &broker.Error{Op: "cancel_all", Reason: err.Error()}
	}
	return count, nil
}

// GetPositions returns a copy of the adapter's cached position table. It
// sends no request to the broker and does not wait for a reply, so
// PositionsTimeout is not consulted; nothing in this adapter writes to
// that cache, so the returned map is empty.
func (a *Adapter) GetPositions(ctx context.Context) (map[bars.Symbol]broker.PositionSnapshot, error) {
	a.mu.Lock()
	out := make(map[bars.Symbol]broker.PositionSnapshot, len(a.positions))
	for sym, pos := range a.positions {
		out[sym] = pos
	}
	a.mu.Unlock()
	return out, nil
}

// SubscribeBars records the subscription and, if connected, sends it
// immediately. It always returns a sub_id so unsubscribe and reconnect
// replay both work even while disconnected.
func (a *Adapter) SubscribeBars(symbol bars.Symbol, barSize time.Duration) (string, error) {
	sub := subscription{Symbol: symbol, BarSize: barSize}
	a.mu.Lock()
	a.subs.Add(sub)
	conn := a.conn
	a.mu.Unlock()

	if conn != nil {
		_ = conn.WriteJSON(map[string]any{"type": "subscribe", "symbol": string(symbol), "bar_size_ms": barSize.Milliseconds()})
	}
	return fmt.Sprintf("%s:%d", symbol, barSize.Milliseconds()), nil
}

// Unsubscribe removes a subscription by its sub_id.
func (a *Adapter) Unsubscribe(subID string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, s := range a.subs.ToSlice() {
		if fmt.Sprintf("%s:%d", s.Symbol, s.BarSize.Milliseconds()) == subID {
			a.subs.Remove(s)
			break
		}
	}
	return nil
}

// SetFillHandler installs the callback invoked for each execution report.
func (a *Adapter) SetFillHandler(handler broker.FillHandler) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.handler = handler
}

var _ broker.Adapter = (*Adapter)(nil)
