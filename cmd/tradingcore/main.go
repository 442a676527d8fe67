// Package main wires every component into a running process: load config,
// build the broker adapter (paper simulator or a live websocket adapter),
// construct the full component graph, and drive bars from a generic feed
// into the Coordinator until it reports a shutdown.
//
// Grounded on the teacher's cmd/trader/main.go: flag-based config path,
// LoadFile+ApplyEnv, signal.Notify(SIGINT, SIGTERM), a select loop over
// channels, and a shutdown block that cancels orders and logs a final
// summary — generalized here from a single websocket orderbook channel to
// a pluggable bar feed, since this core's market-data wire protocol is out
// of scope (spec §1) and bars instead arrive over a generic line-delimited
// JSON stream.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/marketcore/tradingcore/internal/bars"
	"github.com/marketcore/tradingcore/internal/broker"
	brokerlive "github.com/marketcore/tradingcore/internal/broker/live"
	"github.com/marketcore/tradingcore/internal/checkpoint"
	"github.com/marketcore/tradingcore/internal/config"
	"github.com/marketcore/tradingcore/internal/coordinator"
	"github.com/marketcore/tradingcore/internal/decision"
	"github.com/marketcore/tradingcore/internal/idempotency"
	"github.com/marketcore/tradingcore/internal/logging"
	"github.com/marketcore/tradingcore/internal/money"
	"github.com/marketcore/tradingcore/internal/notify"
	"github.com/marketcore/tradingcore/internal/paperbroker"
	"github.com/marketcore/tradingcore/internal/portfolio"
	"github.com/marketcore/tradingcore/internal/reconcile"
	"github.com/marketcore/tradingcore/internal/risk"
	"github.com/marketcore/tradingcore/internal/stopctl"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to config file")
	barsPath := flag.String("bars", "", "path to a newline-delimited JSON bar feed; empty reads stdin")
	stateDir := flag.String("state-dir", ".", "directory for idempotency/checkpoint/trade-log/equity-curve files")
	liveBroker := flag.Bool("live", false, "submit orders through internal/broker/live instead of the paper simulator")
	liveURL := flag.String("live-url", "", "websocket URL for the live broker adapter (required with -live)")
	liveSymbols := flag.String("live-symbols", "", "comma-separated symbols to subscribe to on the live adapter")
	flag.Parse()

	cfg, err := config.LoadFile(*cfgPath)
	if err != nil {
		log.Printf("warning: config file: %v, using defaults", err)
		cfg = config.Default()
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		log.Fatalf("config: %v", err)
	}

	if *liveBroker && (cfg.BrokerAPIKey == "" || *liveURL == "") {
		log.Fatal("broker_api_key (or TRADINGCORE_BROKER_API_KEY) and -live-url are required with -live")
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := logging.New(os.Stdout, level)
	logger.Info().Str("config", *cfgPath).Msg("tradingcore starting")

	var notifier notify.Notifier = notify.Noop{}
	if cfg.Telegram.Enabled {
		notifier = notify.NewTelegramNotifier(cfg.Telegram.BotToken, cfg.Telegram.ChatID)
	}

	port := portfolio.New(money.FromFloat(cfg.Engine.InitialEquity))
	riskMgr := risk.New(risk.Config{
		PerSymbolNotionalCap:    money.FromFloat(cfg.Risk.PerSymbolNotionalCap),
		MaxPositionFraction:     money.FromFloat(cfg.Risk.MaxPositionFraction),
		MaxSinglePositionUnits:  money.FromFloat(cfg.Risk.MaxSinglePositionUnits),
		MaxOrdersPerMinute:      cfg.Risk.MaxOrdersPerMinute,
		MaxOrdersPerDay:         cfg.Risk.MaxOrdersPerDay,
		MaxDailyLoss:            money.FromFloat(cfg.Risk.MaxDailyLoss),
		MaxDrawdown:             money.FromFloat(cfg.Risk.MaxDrawdown),
		MaxConsecutiveLosses:    cfg.Risk.MaxConsecutiveLosses,
		ConsecutiveLossCooldown: cfg.Risk.ConsecutiveLossCooldown,
		IdempotencyRetention:    1000,
	}, money.FromFloat(cfg.Engine.InitialEquity))

	barProc := bars.NewProcessor(cfg.Data.WarmupBars)

	if err := os.MkdirAll(*stateDir, 0755); err != nil {
		log.Fatalf("state dir: %v", err)
	}
	idemPath := filepath.Join(*stateDir, "idempotency.json")
	idemTrk := idempotency.New(idemPath, time.Duration(cfg.Idempotent.ExpirationMinutes)*time.Minute)
	if err := idemTrk.Load(); err != nil {
		logger.Warn().Err(err).Msg("idempotency tracker load failed, starting empty")
	}
	if removed, err := idemTrk.ClearStale(); err != nil {
		logger.Warn().Err(err).Msg("idempotency clear_stale failed")
	} else if removed > 0 {
		logger.Info().Int("removed", removed).Msg("evicted stale idempotency entries")
	}

	var adptr broker.Adapter
	if *liveBroker {
		live := brokerlive.New(brokerlive.Config{URL: *liveURL, Logger: logger})
		for _, sym := range splitSymbols(*liveSymbols) {
			if _, err := live.SubscribeBars(bars.Normalize(sym), time.Minute); err != nil {
				logger.Warn().Err(err).Str("symbol", sym).Msg("live subscribe failed")
			}
		}
		adptr = live
	} else {
		pb, err := paperbroker.New(paperbroker.Config{
			SlipBps:                money.FromFloat(cfg.Exec.SlipBpsLimit),
			PartialFillProbability: cfg.Exec.PartialFillProbability,
		}, 1)
		if err != nil {
			log.Fatalf("paper broker: %v", err)
		}
		adptr = pb
	}

	ckptPath := filepath.Join(*stateDir, "checkpoint.json")
	ckpt := checkpoint.New(ckptPath,
		func() { logger.Warn().Msg("checkpoint queue full, dropping save request") },
		func(err error) { logger.Warn().Err(err).Msg("checkpoint write failed") },
	)
	if snap, err := checkpoint.Load(ckptPath); err == nil {
		port.Restore(snap.Portfolio)
		riskMgr.Restore(snap.Risk)
		logger.Info().Msg("restored portfolio and risk state from checkpoint")
	}

	recon := reconcile.New(port, riskMgr, adptr, money.FromFloat(0.10))

	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		loc = time.UTC
	}
	stopCtl := stopctl.New(stopctl.Config{
		EnableManualStop:            cfg.Stop.EnableManualStop,
		EnableEODFlatten:            cfg.Stop.EnableEODFlatten,
		FlattenTimeETMinutes:        parseHHMM(cfg.Stop.EODFlattenTimeET),
		EmergencyLiquidationTimeout: cfg.Stop.EmergencyLiquidationTimeout,
		Location:                    loc,
	})

	coord := coordinator.New(
		coordinator.Config{
			EnforceTradingHours: cfg.Data.EnforceTradingHours,
			CommissionPerTrade:  money.FromFloat(cfg.Engine.CommissionPerTrade),
			ReconcileInterval:   time.Duration(cfg.Reconcile.IntervalMinutes) * time.Minute,
			TradeLogPath:        filepath.Join(*stateDir, "trades.jsonl"),
			EquityCurvePath:     filepath.Join(*stateDir, "equity.jsonl"),
		},
		port, riskMgr, barProc, referenceEngine(), idemTrk, adptr, ckpt, recon, stopCtl,
		notifier, logger, nil, nil,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := adptr.Start(ctx); err != nil {
		log.Fatalf("broker adapter start: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	feedFile, closeFeed, err := openBarFeed(*barsPath)
	if err != nil {
		log.Fatalf("bar feed: %v", err)
	}
	defer closeFeed()

	barCh := make(chan bars.Bar, 16)
	go streamBars(feedFile, barCh, logger)

	pb, isPaper := adptr.(*paperbroker.Broker)

	logger.Info().Msg("trading loop started")
	var processed int

	for running := true; running; {
		select {
		case <-sigCh:
			logger.Info().Msg("shutdown signal received")
			result := coord.Shutdown(ctx, "manual")
			logger.Info().Err(result).Msg("shutdown sequence complete")
			running = false

		case b, ok := <-barCh:
			if !ok {
				logger.Info().Msg("bar feed exhausted, shutting down")
				result := coord.Shutdown(ctx, "feed_closed")
				logger.Info().Err(result).Msg("shutdown sequence complete")
				running = false
				continue
			}
			if err := coord.ProcessBar(ctx, b); err != nil {
				logger.Info().Err(err).Msg("coordinator ended the trading loop")
				running = false
				continue
			}
			if isPaper {
				pb.ProcessBar(b)
			}
			processed++
		}
	}

	finalEquity := "n/a"
	if curve := coord.EquityCurve(); len(curve) > 0 {
		finalEquity = curve[len(curve)-1].Equity.String()
	}
	logger.Info().
		Int("bars_processed", processed).
		Int("fills", len(coord.TradeLog())).
		Str("final_equity", finalEquity).
		Msg("session complete")
}

// referenceEngine builds the bundled trivial decision engine. A real
// deployment supplies its own decision.Engine; this only exists so the
// binary runs end to end without one.
func referenceEngine() decision.Engine {
	return decision.NewMovingAverage(20, money.FromFloat(0.01), money.FromFloat(0.05))
}

// wireBar is the generic line-delimited JSON shape the core reads bars
// from. Prices and quantities are strings, the same convention the live
// broker adapter's wire messages use, so a value never round-trips through
// a float64.
type wireBar struct {
	Symbol string `json:"symbol"`
	TS     string `json:"ts"`
	Open   string `json:"open"`
	High   string `json:"high"`
	Low    string `json:"low"`
	Close  string `json:"close"`
	Volume uint64 `json:"volume"`
}

func openBarFeed(path string) (io.Reader, func(), error) {
	if path == "" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return f, func() { _ = f.Close() }, nil
}

// streamBars decodes one JSON bar per line and forwards it to out, closing
// out when the reader is exhausted. Malformed lines are logged and
// skipped, never fatal — a single bad line must not end the session.
func streamBars(r io.Reader, out chan<- bars.Bar, log logging.Logger) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var wb wireBar
		if err := json.Unmarshal([]byte(line), &wb); err != nil {
			log.Warn().Err(err).Msg("bar feed: malformed line, skipped")
			continue
		}
		b, err := toBar(wb)
		if err != nil {
			log.Warn().Err(err).Msg("bar feed: invalid bar, skipped")
			continue
		}
		out <- b
	}
	if err := scanner.Err(); err != nil {
		log.Warn().Err(err).Msg("bar feed: read error")
	}
}

func toBar(wb wireBar) (bars.Bar, error) {
	ts, err := time.Parse(time.RFC3339, wb.TS)
	if err != nil {
		return bars.Bar{}, fmt.Errorf("ts: %w", err)
	}
	open, err := money.Parse(wb.Open)
	if err != nil {
		return bars.Bar{}, fmt.Errorf("open: %w", err)
	}
	high, err := money.Parse(wb.High)
	if err != nil {
		return bars.Bar{}, fmt.Errorf("high: %w", err)
	}
	low, err := money.Parse(wb.Low)
	if err != nil {
		return bars.Bar{}, fmt.Errorf("low: %w", err)
	}
	closePrice, err := money.Parse(wb.Close)
	if err != nil {
		return bars.Bar{}, fmt.Errorf("close: %w", err)
	}
	return bars.Bar{
		Symbol: bars.Normalize(wb.Symbol),
		TS:     ts.UTC(),
		Open:   open,
		High:   high,
		Low:    low,
		Close:  closePrice,
		Volume: wb.Volume,
	}, nil
}

func splitSymbols(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// parseHHMM converts "HH:MM" to minutes after midnight, defaulting to
// 15:45 (945) on a malformed value.
func parseHHMM(hhmm string) int {
	parts := strings.Split(hhmm, ":")
	if len(parts) != 2 {
		return 945
	}
	h, errH := strconv.Atoi(parts[0])
	m, errM := strconv.Atoi(parts[1])
	if errH != nil || errM != nil {
		return 945
	}
	return h*60 + m
}
