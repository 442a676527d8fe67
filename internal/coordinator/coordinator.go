// Package coordinator is the orchestrator: the single entry point that
// drives a bar through the Bar Processor, Decision Engine, Risk Engine,
// Idempotency Tracker, and broker adapter, and the fill handler that feeds
// completed trades back into the Portfolio and Risk Engine.
//
// Grounded on the teacher's App struct and its App.Run/HandleBookEvent/
// riskSync select-loop shape (internal/app/app.go): one coordinator owns
// every other component, the broker's fill callback is wired once at
// construction the way the teacher wires tracker.OnFill, and the same
// single mutex the teacher embeds directly in its owner structs guards
// the Portfolio+RiskState critical section here.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/marketcore/tradingcore/internal/bars"
	"github.com/marketcore/tradingcore/internal/broker"
	"github.com/marketcore/tradingcore/internal/checkpoint"
	"github.com/marketcore/tradingcore/internal/decision"
	"github.com/marketcore/tradingcore/internal/idempotency"
	"github.com/marketcore/tradingcore/internal/logging"
	"github.com/marketcore/tradingcore/internal/money"
	"github.com/marketcore/tradingcore/internal/notify"
	"github.com/marketcore/tradingcore/internal/portfolio"
	"github.com/marketcore/tradingcore/internal/reconcile"
	"github.com/marketcore/tradingcore/internal/risk"
	"github.com/marketcore/tradingcore/internal/stopctl"
)

// minDelta is the smallest |delta| worth acting on (spec §4.K step 9).
var minDelta = money.FromFloat(0.00001)

// TradingHours reports whether ts falls inside the exchange's regular
// session. The core never hardcodes an exchange calendar (spec §1); a
// nil TradingHours disables the enforce_trading_hours check entirely.
type TradingHours interface {
	IsOpen(ts time.Time) bool
}

// AlwaysOpen is a TradingHours that never restricts a bar, useful for
// 24-hour crypto symbols or tests.
type AlwaysOpen struct{}

func (AlwaysOpen) IsOpen(time.Time) bool { return true }

// WithdrawalHook is the capital-management collaborator spec §4.K step 7
// calls out as external to the core. A nil hook disables the check.
type WithdrawalHook func(ctx context.Context, equity money.D) error

// Config parameterizes a Coordinator. Zero values take the documented
// defaults where one exists.
type Config struct {
	EnforceTradingHours   bool
	CommissionPerTrade    money.D       // flat per-fill fee, deducted in apply_fill
	ReconcileInterval     time.Duration // 0 disables periodic reconciliation
	WithdrawalCheckPeriod time.Duration // default 12h; 0 with a nil hook disables the check
	TradeLogPath          string        // append-only JSONL; empty disables
	EquityCurvePath       string        // append-only JSONL; empty disables
	TradeLogCap           int           // in-memory bounded ring; default 1000
	EquityCurveCap        int           // default 1000
}

// tradeLogEntry is one fill's row in the append-only trade log (spec §6).
type tradeLogEntry struct {
	TS          time.Time   `json:"ts"`
	Symbol      bars.Symbol `json:"symbol"`
	QtySigned   money.D     `json:"qty_signed"`
	Price       money.D     `json:"price"`
	RealizedPnL money.D     `json:"realized_pnl"`
	OrderID     string      `json:"order_id"`
}

// equityPoint is one row in the append-only equity curve (spec §6).
type equityPoint struct {
	TS     time.Time `json:"ts"`
	Equity money.D   `json:"equity"`
}

// submission tracks a single in-flight order from the submit ACK to its
// terminal fill, keyed by broker_order_id. Spec §5 calls for a dedicated
// mutex on this map distinct from the Portfolio/RiskState one, since it is
// written from the bar thread on submit and from the reader thread on fill.
type submission struct {
	ClientOrderID string
	Symbol        bars.Symbol
	SubmittedAt   time.Time
}

// Coordinator wires every other component together and owns the critical
// section spec §5 requires: one mutex guarding Portfolio+RiskState for the
// whole fill-apply/equity-read path and the per-bar evaluate/submit path.
type Coordinator struct {
	cfg Config

	mu   sync.Mutex // guards Portfolio + RiskState critical section
	port *portfolio.Portfolio
	risk *risk.Manager

	barProc  *bars.Processor
	decision decision.Engine
	idemTrk  *idempotency.Tracker
	adptr    broker.Adapter
	ckpt     *checkpoint.Checkpointer
	recon    *reconcile.Reconciler
	stopCtl  *stopctl.Controller
	notifier notify.Notifier
	log      logging.Logger
	hours    TradingHours
	withdraw WithdrawalHook

	subMu       sync.Mutex
	submissions map[string]submission

	lastBarDate      string
	lastReconcileAt  time.Time
	lastWithdrawalAt time.Time

	logMu     sync.Mutex
	tradeLog  []tradeLogEntry
	equityLog []equityPoint

	now func() time.Time
}

// New wires a Coordinator. The returned value registers itself as the
// broker adapter's fill handler, the way the teacher wires
// tracker.OnFill at construction.
func New(
	cfg Config,
	port *portfolio.Portfolio,
	riskMgr *risk.Manager,
	barProc *bars.Processor,
	decisionEngine decision.Engine,
	idemTrk *idempotency.Tracker,
	adptr broker.Adapter,
	ckpt *checkpoint.Checkpointer,
	recon *reconcile.Reconciler,
	stopCtl *stopctl.Controller,
	notifier notify.Notifier,
	log logging.Logger,
	hours TradingHours,
	withdraw WithdrawalHook,
) *Coordinator {
	if notifier == nil {
		notifier = notify.Noop{}
	}
	if log == nil {
		log = logging.Nop()
	}
	if hours == nil {
		hours = AlwaysOpen{}
	}
	if cfg.TradeLogCap <= 0 {
		cfg.TradeLogCap = 1000
	}
	if cfg.EquityCurveCap <= 0 {
		cfg.EquityCurveCap = 1000
	}
	if cfg.WithdrawalCheckPeriod <= 0 {
		cfg.WithdrawalCheckPeriod = 12 * time.Hour
	}

	c := &Coordinator{
		cfg:         cfg,
		port:        port,
		risk:        riskMgr,
		barProc:     barProc,
		decision:    decisionEngine,
		idemTrk:     idemTrk,
		adptr:       adptr,
		ckpt:        ckpt,
		recon:       recon,
		stopCtl:     stopCtl,
		notifier:    notifier,
		log:         log,
		hours:       hours,
		withdraw:    withdraw,
		submissions: make(map[string]submission),
		now:         time.Now,
	}
	adptr.SetFillHandler(c.HandleFill)
	return c
}

// ProcessBar runs the full per-bar control flow of spec §4.K against one
// incoming bar. Returns an error only for conditions worth surfacing to
// the caller's event loop (e.g. a shutdown request); routine no-trade
// branches (outside hours, no signal, risk violation, duplicate order)
// return nil and are logged internally.
func (c *Coordinator) ProcessBar(ctx context.Context, bar bars.Bar) error {
	if stopRequested, reason := c.stopCtl.StopRequested(); stopRequested {
		return c.shutdown(ctx, reason)
	}

	dateKey := bar.TS.UTC().Format("2006-01-02")
	if c.lastBarDate != "" && dateKey != c.lastBarDate {
		c.stopCtl.ResetFlattenFlag()
		c.maybeResetDaily()
	}
	c.lastBarDate = dateKey

	if c.stopCtl.CheckEODFlatten(bar.TS) {
		c.stopCtl.RequestStop("end_of_day_flatten")
		return c.shutdown(ctx, "end_of_day_flatten")
	}

	if err := c.barProc.Append(bar); err != nil {
		if err == bars.ErrDuplicateBar {
			return nil
		}
		c.log.Warn().Err(err).Str("symbol", string(bar.Symbol)).Msg("bar rejected")
		return nil
	}

	if c.cfg.EnforceTradingHours && !c.hours.IsOpen(bar.TS) {
		return nil
	}

	if c.cfg.ReconcileInterval > 0 && c.now().Sub(c.lastReconcileAt) >= c.cfg.ReconcileInterval {
		c.lastReconcileAt = c.now()
		haltedBefore := c.risk.Halted()
		if err := c.recon.Run(ctx); err != nil {
			c.log.Warn().Err(err).Msg("reconciliation failed")
		} else if !haltedBefore && c.risk.Halted() {
			c.log.Error().Str("halt_reason", c.risk.HaltReason()).Msg("risk engine halted by reconciliation")
			if err := c.notifier.NotifyReconciliationMismatch(ctx, len(c.recon.Alerts()), c.risk.HaltReason()); err != nil {
				c.log.Warn().Err(err).Msg("reconciliation mismatch notification failed")
			}
		}
	}

	if c.withdraw != nil && c.now().Sub(c.lastWithdrawalAt) >= c.cfg.WithdrawalCheckPeriod {
		c.lastWithdrawalAt = c.now()
		equity, err := c.currentEquity()
		if err == nil {
			if err := c.withdraw(ctx, equity); err != nil {
				c.log.Warn().Err(err).Msg("withdrawal hook failed")
			}
		}
	}

	history := c.barProc.History(bar.Symbol)
	lastPrices := c.barProc.LastPrices()
	dec := c.decision.EvaluateOpportunity(bar.Symbol, history, lastPrices)
	if !dec.ShouldTrade {
		return nil
	}

	c.mu.Lock()
	equity, err := c.port.Equity(lastPrices)
	if err != nil {
		c.mu.Unlock()
		c.log.Warn().Err(err).Msg("equity computation failed, skipping bar")
		return nil
	}
	currentQty := money.Zero
	if pos, ok := c.port.Position(bar.Symbol); ok {
		currentQty = pos.Quantity
	}
	c.mu.Unlock()

	targetNotional := dec.SizeFraction.Mul(equity)
	sign := money.FromInt(-1)
	if dec.SideSignal > 0 {
		sign = money.FromInt(1)
	}
	desiredQty := sign.Mul(targetNotional).Div(bar.Close)
	delta := desiredQty.Sub(currentQty)
	if money.Abs(delta).LessThan(minDelta) {
		return nil
	}

	clientOrderID := idempotency.GenerateID(bar.Symbol, bar.TS, delta)
	if c.idemTrk.IsDuplicate(clientOrderID) {
		c.log.Debug().Str("client_order_id", clientOrderID).Msg("duplicate order id, skipping")
		return nil
	}

	side := broker.Buy
	if delta.IsNegative() {
		side = broker.Sell
	}
	order := broker.OrderRequest{
		ClientOrderID: clientOrderID,
		Symbol:        bar.Symbol,
		Side:          side,
		Qty:           money.Abs(delta),
		Kind:          broker.Market,
		TIF:           broker.TIFDay,
		SubmitTS:      bar.TS,
	}

	c.mu.Lock()
	violation := c.risk.CheckPreTrade(desiredQty, bar.Close, equity)
	c.mu.Unlock()
	if violation != nil {
		c.log.Info().Str("symbol", string(bar.Symbol)).Err(violation).Msg("risk violation, order dropped")
		return nil
	}

	c.submitOrder(ctx, order)
	return nil
}

// submitOrder implements spec §4.K step 13's side-effect ordering:
// register_trade_intent is advisory before submit; record_order_submission
// and mark_submitted happen only after broker.Submit succeeds, and a
// failed submit rolls back a mark_submitted that an older ordering might
// have already performed.
func (c *Coordinator) submitOrder(ctx context.Context, order broker.OrderRequest) {
	c.decision.RegisterTradeIntent(order)

	brokerOrderID, err := c.adptr.Submit(ctx, order)
	if err != nil {
		c.log.Warn().Err(err).Str("client_order_id", order.ClientOrderID).Msg("broker submit failed")
		_ = c.idemTrk.ClearSubmitted(order.ClientOrderID)
		return
	}

	submitTS := c.now()
	c.mu.Lock()
	c.risk.RecordOrderSubmission(submitTS)
	c.mu.Unlock()

	if err := c.idemTrk.MarkSubmitted(order.ClientOrderID); err != nil {
		c.log.Error().Err(err).Str("client_order_id", order.ClientOrderID).Msg("mark_submitted failed after broker accept")
	}

	c.subMu.Lock()
	c.submissions[brokerOrderID] = submission{
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		SubmittedAt:   submitTS,
	}
	c.subMu.Unlock()
}

// HandleFill implements spec §4.K's fill handler, invoked on the broker's
// reader thread. It must never call back into a broker operation that
// itself waits on a broker callback (spec §5's deadlock pitfall) — nothing
// below does.
func (c *Coordinator) HandleFill(report broker.ExecutionReport) {
	signedQty := report.Qty
	if report.Side == broker.Sell {
		signedQty = signedQty.Neg()
	}

	commission := c.cfg.CommissionPerTrade

	c.mu.Lock()
	haltedBefore := c.risk.Halted()
	realized := c.port.ApplyFill(report.Symbol, signedQty, report.Price, commission, report.TS)
	c.barProc.UpdatePrice(report.Symbol, report.Price)
	lastPrices := c.barProc.LastPrices()
	equity, err := c.port.Equity(lastPrices)
	if err == nil {
		c.risk.RegisterTrade(realized, commission, equity)
		c.risk.RecordTradeResult(realized)
	}
	newlyHalted := !haltedBefore && c.risk.Halted()
	haltReason := c.risk.HaltReason()
	c.mu.Unlock()

	if newlyHalted {
		c.log.Error().Str("halt_reason", haltReason).Msg("risk engine halted after fill")
		// Notification I/O must not block the broker's reader goroutine.
		go func() {
			if nerr := c.notifier.NotifyHalt(context.Background(), haltReason); nerr != nil {
				c.log.Warn().Err(nerr).Msg("halt notification failed")
			}
		}()
	}

	if err != nil {
		c.log.Warn().Err(err).Msg("equity computation failed on fill")
	} else {
		c.appendEquityPoint(report.TS, equity)
	}
	c.appendTradeLog(tradeLogEntry{
		TS:          report.TS,
		Symbol:      report.Symbol,
		QtySigned:   signedQty,
		Price:       report.Price,
		RealizedPnL: realized,
		OrderID:     report.ClientOrderID,
	})

	c.decision.HandleFill(report)

	c.ckpt.SaveAsync(func() checkpoint.Snapshot {
		return checkpoint.Snapshot{
			Portfolio: c.port.ToSnapshot(),
			Risk:      c.risk.Snapshot(),
		}
	})

	c.subMu.Lock()
	delete(c.submissions, report.BrokerOrderID)
	c.subMu.Unlock()
}

// maybeResetDaily applies the risk engine's daily reset and idempotency
// retention trim on a wall-clock date rollover (spec §4.C).
func (c *Coordinator) maybeResetDaily() {
	if !c.risk.ShouldResetDaily() {
		return
	}
	lastPrices := c.barProc.LastPrices()

	c.mu.Lock()
	equity, err := c.port.Equity(lastPrices)
	if err != nil {
		equity = money.Zero
	}
	c.risk.ResetDaily(equity)
	retention := c.risk.IdempotencyRetention()
	c.mu.Unlock()

	if retention > 0 {
		if _, err := c.idemTrk.ClearOld(retention); err != nil {
			c.log.Warn().Err(err).Msg("idempotency clear_old failed")
		}
	}
}

func (c *Coordinator) currentEquity() (money.D, error) {
	lastPrices := c.barProc.LastPrices()
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port.Equity(lastPrices)
}

// Shutdown runs the graceful-shutdown sequence on demand, e.g. from a
// signal handler that has nothing left to feed through ProcessBar.
func (c *Coordinator) Shutdown(ctx context.Context, reason string) error {
	return c.shutdown(ctx, reason)
}

// shutdown runs the graceful-shutdown sequence and notifies the operator
// of the result.
func (c *Coordinator) shutdown(ctx context.Context, reason string) error {
	result := c.stopCtl.ExecuteGracefulShutdown(ctx, c.adptr, c.port, reason)
	detail := fmt.Sprintf("closed=%d partial=%d failed=%d orders_cancelled=%d retries=%d",
		len(result.FullyClosed), len(result.PartiallyClosed), len(result.Failed), result.OrdersCancelled, result.RetryAttempts)
	if err := c.notifier.NotifyShutdownComplete(ctx, string(result.Status), detail); err != nil {
		c.log.Warn().Err(err).Msg("shutdown notification failed")
	}
	if err := c.ckpt.SaveSync(func() checkpoint.Snapshot {
		return checkpoint.Snapshot{Portfolio: c.port.ToSnapshot(), Risk: c.risk.Snapshot()}
	}, 3*time.Second); err != nil {
		c.log.Warn().Err(err).Msg("final checkpoint save failed")
	}
	return fmt.Errorf("coordinator: shutdown complete, status=%s reason=%s", result.Status, reason)
}

// appendTradeLog appends to the bounded in-memory ring and, if configured,
// the append-only JSONL file.
func (c *Coordinator) appendTradeLog(e tradeLogEntry) {
	c.logMu.Lock()
	c.tradeLog = append(c.tradeLog, e)
	if len(c.tradeLog) > c.cfg.TradeLogCap {
		c.tradeLog = c.tradeLog[len(c.tradeLog)-c.cfg.TradeLogCap:]
	}
	c.logMu.Unlock()

	if c.cfg.TradeLogPath != "" {
		appendJSONL(c.cfg.TradeLogPath, e, c.log)
	}
}

// appendEquityPoint appends to the bounded in-memory ring and, if
// configured, the append-only JSONL file.
func (c *Coordinator) appendEquityPoint(ts time.Time, equity money.D) {
	pt := equityPoint{TS: ts, Equity: equity}
	c.logMu.Lock()
	c.equityLog = append(c.equityLog, pt)
	if len(c.equityLog) > c.cfg.EquityCurveCap {
		c.equityLog = c.equityLog[len(c.equityLog)-c.cfg.EquityCurveCap:]
	}
	c.logMu.Unlock()

	if c.cfg.EquityCurvePath != "" {
		appendJSONL(c.cfg.EquityCurvePath, pt, c.log)
	}
}

// appendJSONL appends one JSON-encoded line to path, opening in append
// mode so concurrent restarts never truncate history.
func appendJSONL(path string, v any, log logging.Logger) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		log.Warn().Err(err).Str("path", path).Msg("append-only log open failed")
		return
	}
	defer f.Close()

	buf, err := json.Marshal(v)
	if err != nil {
		log.Warn().Err(err).Msg("append-only log marshal failed")
		return
	}
	if _, err := f.Write(append(buf, '\n')); err != nil {
		log.Warn().Err(err).Str("path", path).Msg("append-only log write failed")
	}
}

// TradeLog returns a copy of the bounded in-memory trade log, for
// diagnostics.
func (c *Coordinator) TradeLog() []tradeLogEntry {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	out := make([]tradeLogEntry, len(c.tradeLog))
	copy(out, c.tradeLog)
	return out
}

// EquityCurve returns a copy of the bounded in-memory equity curve, for
// diagnostics.
func (c *Coordinator) EquityCurve() []equityPoint {
	c.logMu.Lock()
	defer c.logMu.Unlock()
	out := make([]equityPoint, len(c.equityLog))
	copy(out, c.equityLog)
	return out
}

// Submissions returns a snapshot of orders currently awaiting a fill, for
// diagnostics and tests.
func (c *Coordinator) Submissions() map[string]submission {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	out := make(map[string]submission, len(c.submissions))
	for k, v := range c.submissions {
		out[k] = v
	}
	return out
}
