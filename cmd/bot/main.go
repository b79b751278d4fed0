// Kalshi NBA Paper Trader — a paper-trading engine for Kalshi NBA binary
// markets. It fuses the exchange orderbook feed with live scoreboard data and
// sportsbook odds, runs five trading strategies against the fused state, and
// simulates fills against real market liquidity.
//
// Architecture:
//
//	main.go             — entry point: config, wiring, ordered shutdown
//	engine/engine.go    — aggregator: one fused state per tracked game, fed by
//	                      the stream router and the two sports pollers
//	exchange/ws.go      — orderbook WebSocket: snapshots, deltas, sequence
//	                      gap detection, auto-reconnect
//	exchange/client.go  — REST client for market discovery and book seeding
//	sports/client.go    — NBA scoreboard + betting odds polling client
//	strategy/           — five signal generators on a fixed evaluation cadence
//	risk/gate.go        — pre-trade limit checks against the active profile
//	execution/engine.go — simulated fills, position book, P&L, performance
//	store/              — Postgres persistence: embedded schema migrations,
//	                      market-data time series, order/position ledger
//	telemetry/          — prometheus counters and the system_logs mirror
//
// Paper trading only: no real order ever leaves the process. Orders are
// simulated against the live book and positions settle on final scores.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/sourcegraph/conc"

	"kalshi-paper/internal/config"
	"kalshi-paper/internal/engine"
	"kalshi-paper/internal/exchange"
	"kalshi-paper/internal/execution"
	"kalshi-paper/internal/risk"
	"kalshi-paper/internal/sports"
	"kalshi-paper/internal/store"
	"kalshi-paper/internal/strategy"
	"kalshi-paper/internal/telemetry"
	"kalshi-paper/pkg/types"
)

// markInterval is the cadence of the mark-to-market sweep over open
// positions.
const markInterval = 30 * time.Second

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("KNP_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	var base slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		base = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		base = slog.NewTextHandler(os.Stdout, opts)
	}

	if err := run(cfg, base); err != nil {
		slog.New(base).Error("bot failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, base slog.Handler) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// The store opens on the plain handler: its warnings never re-enter the
	// persistence mirror, and migrations run before anything else starts.
	boot := slog.New(base)
	st, err := store.Open(ctx, cfg.DatabaseURL, boot)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	logger := slog.New(telemetry.NewMirrorHandler(base, st))
	metrics := telemetry.New()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
	}()

	// Exchange transport. Without credentials the bot runs unauthenticated
	// against public market data, which is all paper trading needs.
	var signer exchange.Signer
	if cfg.Exchange.APIKeyID != "" {
		signer, err = exchange.NewRSASigner(cfg.Exchange.APIKeyID, cfg.Exchange.PrivateKeyPath)
		if err != nil {
			return fmt.Errorf("load exchange signer: %w", err)
		}
	}
	stream := exchange.NewStream(cfg.Exchange.WSURL, signer, logger)
	stream.OnReconnect(metrics.StreamReconnected)
	client := exchange.NewClient(cfg.Exchange, signer, logger)
	feed := sports.NewClient(cfg.Sports, logger)

	// Risk limits come from the named profile row, falling back to the
	// documented defaults; a fresh database gets the defaults persisted.
	limits, found, err := st.RiskLimits(ctx, cfg.Risk.Profile)
	if err != nil {
		return fmt.Errorf("load risk profile %q: %w", cfg.Risk.Profile, err)
	}
	if !found {
		limits = risk.DefaultLimits()
		if err := st.SaveRiskLimits(ctx, cfg.Risk.Profile, limits); err != nil {
			logger.Warn("persist default risk profile failed",
				"profile", cfg.Risk.Profile, "error", err)
		} else {
			logger.Info("default risk profile persisted", "profile", cfg.Risk.Profile)
		}
	}
	gate := risk.NewGate(limits, cfg.Risk.Enabled, logger)

	exec := execution.New(stream, gate, st, logger)
	open, err := st.OpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}
	exec.Restore(open)

	agg := engine.New(cfg.Engine, stream, client, feed, st, exec, logger)

	strat := strategy.NewEngine(agg, cfg.Strategies.EvalInterval, cfg.Strategies.EvalBudget, logger)
	strat.SetObserver(metrics)

	var haltOnce sync.Once
	strat.OnSignal(func(ctx context.Context, sig types.TradeSignal) {
		order, err := exec.ExecuteSignal(ctx, sig)
		switch {
		case errors.Is(err, execution.ErrHalted):
			// The book can no longer be persisted; restart to rebuild it.
			haltOnce.Do(func() {
				logger.Error("execution halted, shutting down", "error", err)
				cancel()
			})
			return
		case err != nil:
			logger.Error("signal execution failed",
				"strategy", sig.StrategyID, "market", sig.MarketTicker, "error", err)
			return
		}
		metrics.OrderRecorded(sig.StrategyKind, order.Status)
	})

	if cfg.Strategies.SeedDefaults {
		if _, err := st.SeedStrategies(ctx, strategy.Kinds()); err != nil {
			return fmt.Errorf("seed strategies: %w", err)
		}
	}
	rows, err := st.Strategies(ctx)
	if err != nil {
		return fmt.Errorf("load strategies: %w", err)
	}
	loaded := 0
	for _, row := range rows {
		s, err := strategy.New(row.Kind, row.ID, row.Config)
		if err != nil {
			logger.Error("strategy configuration rejected",
				"name", row.Name, "kind", row.Kind, "error", err)
			continue
		}
		strat.Load(s, row.Enabled)
		loaded++
	}
	if loaded == 0 {
		logger.Warn("no strategies loaded, running data collection only")
	}

	var wg conc.WaitGroup
	wg.Go(func() {
		if err := stream.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("exchange stream terminated", "error", err)
			cancel()
		}
	})

	agg.Start()
	for _, et := range cfg.Engine.EventTickers {
		if _, err := agg.Load(ctx, et); err != nil {
			logger.Error("game load failed", "event_ticker", et, "error", err)
		}
	}

	wg.Go(func() { strat.Run(ctx) })

	wg.Go(func() {
		t := time.NewTicker(markInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				sum := exec.MarkToMarket(ctx)
				logger.Info("portfolio marked",
					"open_positions", sum.OpenPositions,
					"unrealized_pnl", sum.UnrealizedPnL,
					"realized_pnl", sum.RealizedPnL,
					"total_pnl", sum.TotalPnL)
			}
		}
	})

	if cfg.MetricsAddr != "" {
		wg.Go(func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr); err != nil {
				logger.Error("metrics listener failed", "addr", cfg.MetricsAddr, "error", err)
			}
		})
	}

	logger.Info("paper trading engine started",
		"env", cfg.Env,
		"games", len(cfg.Engine.EventTickers),
		"strategies", loaded,
		"eval_interval", cfg.Strategies.EvalInterval,
		"risk_enabled", cfg.Risk.Enabled,
		"risk_profile", cfg.Risk.Profile,
	)

	<-ctx.Done()

	// Shutdown order: stop feeding state, close the socket so the stream
	// reader unblocks, then wait for every loop to drain.
	agg.Stop()
	_ = stream.Close()
	wg.Wait()
	logger.Info("paper trading engine stopped")
	return nil
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
