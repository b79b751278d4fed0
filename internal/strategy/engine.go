package strategy

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc"

	"kalshi-paper/internal/game"
	"kalshi-paper/pkg/types"
)

// StateSource yields point-in-time snapshots of every loaded game.
type StateSource interface {
	Snapshots() []game.Snapshot
}

// SignalHandler consumes emitted signals. Handlers run sequentially on the
// evaluation goroutine; a slow handler delays that strategy's next game,
// not the whole engine.
type SignalHandler func(ctx context.Context, sig types.TradeSignal)

// Observer receives evaluation timings and emission counts. The telemetry
// package provides a metrics-backed implementation.
type Observer interface {
	ObserveEvaluation(kind types.StrategyKind, d time.Duration)
	SignalEmitted(kind types.StrategyKind)
}

// flightKey identifies one in-flight strategy-game evaluation.
type flightKey struct {
	strategyID string
	gameID     string
}

// slot is one loaded strategy instance plus its enable switch.
type slot struct {
	strategy Strategy
	enabled  bool
}

// Engine drives the evaluation loop: every interval it snapshots the loaded
// games and runs each enabled strategy against each game that has not
// finished. Evaluations fan out to goroutines, with at most one in flight
// per strategy-game pair; a pair still running when the next tick arrives
// is skipped, never queued. A panicking strategy loses that evaluation
// only. Overruns of the soft time budget are logged and the result is
// still delivered.
type Engine struct {
	source   StateSource
	interval time.Duration
	budget   time.Duration
	logger   *slog.Logger

	mu       sync.Mutex
	slots    map[string]*slot // by strategy id
	inflight map[flightKey]struct{}
	handlers []SignalHandler
	obs      Observer

	wg conc.WaitGroup
}

// NewEngine builds an engine over the given state source. Non-positive
// interval or budget fall back to 2s and 500ms.
func NewEngine(source StateSource, interval, budget time.Duration, logger *slog.Logger) *Engine {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if budget <= 0 {
		budget = 500 * time.Millisecond
	}
	return &Engine{
		source:   source,
		interval: interval,
		budget:   budget,
		logger:   logger.With("component", "strategy_engine"),
		slots:    make(map[string]*slot),
		inflight: make(map[flightKey]struct{}),
	}
}

// OnSignal registers a handler for every emitted signal. Not safe to call
// after Run starts.
func (e *Engine) OnSignal(h SignalHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers = append(e.handlers, h)
}

// SetObserver wires evaluation metrics. Not safe to call after Run starts.
func (e *Engine) SetObserver(o Observer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.obs = o
}

// Load installs a strategy instance. Any existing instance of the same
// kind is replaced first, so one kind never emits twice per tick.
func (e *Engine) Load(s Strategy, enable bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, sl := range e.slots {
		if sl.strategy.Kind() == s.Kind() && id != s.ID() {
			delete(e.slots, id)
			e.logger.Info("strategy replaced", "kind", s.Kind(), "old_id", id, "new_id", s.ID())
		}
	}
	e.slots[s.ID()] = &slot{strategy: s, enabled: enable}
	e.logger.Info("strategy loaded", "kind", s.Kind(), "id", s.ID(), "enabled", enable)
}

// Unload removes a strategy instance.
func (e *Engine) Unload(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.slots[id]; !ok {
		return false
	}
	delete(e.slots, id)
	e.logger.Info("strategy unloaded", "id", id)
	return true
}

// Enable switches a loaded strategy on.
func (e *Engine) Enable(id string) bool { return e.setEnabled(id, true) }

// Disable switches a loaded strategy off without unloading its state.
func (e *Engine) Disable(id string) bool { return e.setEnabled(id, false) }

func (e *Engine) setEnabled(id string, v bool) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	sl, ok := e.slots[id]
	if !ok {
		return false
	}
	sl.enabled = v
	return true
}

// Strategy returns a loaded instance by id.
func (e *Engine) Strategy(id string) (Strategy, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	sl, ok := e.slots[id]
	if !ok {
		return nil, false
	}
	return sl.strategy, true
}

// Enabled returns the currently enabled strategies.
func (e *Engine) Enabled() []Strategy {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Strategy, 0, len(e.slots))
	for _, sl := range e.slots {
		if sl.enabled {
			out = append(out, sl.strategy)
		}
	}
	return out
}

// Run drives the evaluation loop until ctx is cancelled, then waits for
// in-flight evaluations to drain.
func (e *Engine) Run(ctx context.Context) {
	e.logger.Info("evaluation loop started", "interval", e.interval, "budget", e.budget)
	ticker := time.NewTicker(e.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.wg.Wait()
			e.logger.Info("evaluation loop stopped")
			return
		case <-ticker.C:
			e.Tick(ctx)
		}
	}
}

// Tick evaluates every enabled strategy against every unfinished game.
// Exported so callers can force an evaluation pass between ticks.
func (e *Engine) Tick(ctx context.Context) {
	snaps := e.source.Snapshots()
	for _, s := range e.Enabled() {
		for _, snap := range snaps {
			if snap.Phase == types.PhaseFinished {
				continue
			}
			key := flightKey{strategyID: s.ID(), gameID: snap.Game.ID}
			if !e.begin(key) {
				e.logger.Debug("evaluation still in flight, skipping",
					"strategy", s.ID(), "game", snap.Game.ID)
				continue
			}
			e.wg.Go(func() {
				defer e.end(key)
				e.evaluate(ctx, s, snap)
			})
		}
	}
}

func (e *Engine) begin(key flightKey) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, busy := e.inflight[key]; busy {
		return false
	}
	e.inflight[key] = struct{}{}
	return true
}

func (e *Engine) end(key flightKey) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.inflight, key)
}

// evaluate runs one strategy against one game and delivers its signals.
func (e *Engine) evaluate(ctx context.Context, s Strategy, snap game.Snapshot) {
	start := time.Now()
	signals := e.safeEvaluate(s, snap)
	elapsed := time.Since(start)

	e.mu.Lock()
	obs := e.obs
	handlers := make([]SignalHandler, len(e.handlers))
	copy(handlers, e.handlers)
	e.mu.Unlock()

	if obs != nil {
		obs.ObserveEvaluation(s.Kind(), elapsed)
	}
	if elapsed > e.budget {
		e.logger.Warn("evaluation exceeded soft budget",
			"strategy", s.ID(), "kind", s.Kind(), "game", snap.Game.ID,
			"elapsed", elapsed, "budget", e.budget)
	}

	for _, sig := range signals {
		e.logger.Info("signal emitted",
			"strategy", sig.StrategyID, "kind", sig.StrategyKind,
			"market", sig.MarketTicker, "side", sig.Side,
			"quantity", sig.Quantity, "confidence", sig.Confidence,
			"reason", sig.Reason)
		if obs != nil {
			obs.SignalEmitted(s.Kind())
		}
		for _, h := range handlers {
			e.deliver(ctx, h, sig)
		}
	}
}

// safeEvaluate contains a panicking strategy to the current evaluation.
func (e *Engine) safeEvaluate(s Strategy, snap game.Snapshot) (out []types.TradeSignal) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("strategy panicked",
				"strategy", s.ID(), "kind", s.Kind(), "game", snap.Game.ID, "panic", r)
		}
	}()
	return s.Evaluate(snap)
}

// deliver contains a panicking handler to the current signal.
func (e *Engine) deliver(ctx context.Context, h SignalHandler, sig types.TradeSignal) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("signal handler panicked",
				"strategy", sig.StrategyID, "market", sig.MarketTicker, "panic", r)
		}
	}()
	h(ctx, sig)
}
