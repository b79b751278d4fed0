package strategy

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"kalshi-paper/internal/game"
	"kalshi-paper/pkg/types"
)

type fakeSource struct {
	mu    sync.Mutex
	snaps []game.Snapshot
}

func (f *fakeSource) Snapshots() []game.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]game.Snapshot, len(f.snaps))
	copy(out, f.snaps)
	return out
}

// stubStrategy evaluates via a pluggable function and counts calls.
type stubStrategy struct {
	id    string
	kind  types.StrategyKind
	calls atomic.Int64
	eval  func(game.Snapshot) []types.TradeSignal
}

func (s *stubStrategy) ID() string               { return s.id }
func (s *stubStrategy) Kind() types.StrategyKind { return s.kind }

func (s *stubStrategy) Evaluate(snap game.Snapshot) []types.TradeSignal {
	s.calls.Add(1)
	if s.eval == nil {
		return nil
	}
	return s.eval(snap)
}

// sink collects delivered signals.
type sink struct {
	mu   sync.Mutex
	sigs []types.TradeSignal
}

func (s *sink) handle(_ context.Context, sig types.TradeSignal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sigs = append(s.sigs, sig)
}

func (s *sink) list() []types.TradeSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.TradeSignal, len(s.sigs))
	copy(out, s.sigs)
	return out
}

func newTestEngine(source StateSource) *Engine {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewEngine(source, time.Second, 500*time.Millisecond, logger)
}

func gameSnapshot(id string, phase types.GamePhase) game.Snapshot {
	return game.Snapshot{
		Game:  types.Game{ID: id, EventTicker: "KXNBAGAME-" + id},
		Phase: phase,
	}
}

// runTick fires one tick and waits for every spawned evaluation to finish.
func runTick(t *testing.T, e *Engine) {
	t.Helper()
	e.Tick(context.Background())
	e.wg.Wait()
}

func oneSignal(sig types.TradeSignal) func(game.Snapshot) []types.TradeSignal {
	return func(game.Snapshot) []types.TradeSignal {
		return []types.TradeSignal{sig}
	}
}

func TestEngineEvaluatesEnabledAgainstUnfinished(t *testing.T) {
	t.Parallel()

	source := &fakeSource{snaps: []game.Snapshot{
		gameSnapshot("g-live", types.PhaseLive),
		gameSnapshot("g-done", types.PhaseFinished),
	}}
	e := newTestEngine(source)

	on := &stubStrategy{id: "s-on", kind: types.StrategySharpLine,
		eval: oneSignal(types.TradeSignal{StrategyID: "s-on", MarketTicker: "MKT"})}
	off := &stubStrategy{id: "s-off", kind: types.StrategyMomentum}
	e.Load(on, true)
	e.Load(off, false)

	out := &sink{}
	e.OnSignal(out.handle)
	runTick(t, e)

	if got := on.calls.Load(); got != 1 {
		t.Errorf("enabled strategy evaluated %d times, want 1 (finished game skipped)", got)
	}
	if got := off.calls.Load(); got != 0 {
		t.Errorf("disabled strategy evaluated %d times, want 0", got)
	}
	if sigs := out.list(); len(sigs) != 1 || sigs[0].MarketTicker != "MKT" {
		t.Errorf("delivered signals = %v, want the one emitted", sigs)
	}
}

func TestEngineLoadReplacesSameKind(t *testing.T) {
	t.Parallel()

	e := newTestEngine(&fakeSource{})
	first := &stubStrategy{id: "sharp-a", kind: types.StrategySharpLine}
	second := &stubStrategy{id: "sharp-b", kind: types.StrategySharpLine}
	other := &stubStrategy{id: "mom-a", kind: types.StrategyMomentum}

	e.Load(first, true)
	e.Load(other, true)
	e.Load(second, true)

	if _, ok := e.Strategy("sharp-a"); ok {
		t.Error("first sharp_line instance should have been replaced")
	}
	if _, ok := e.Strategy("sharp-b"); !ok {
		t.Error("second sharp_line instance missing")
	}
	if got := len(e.Enabled()); got != 2 {
		t.Errorf("enabled strategies = %d, want 2", got)
	}
}

func TestEngineEnableDisable(t *testing.T) {
	t.Parallel()

	e := newTestEngine(&fakeSource{})
	s := &stubStrategy{id: "s1", kind: types.StrategySharpLine}
	e.Load(s, false)

	if got := len(e.Enabled()); got != 0 {
		t.Fatalf("enabled = %d, want 0", got)
	}
	if !e.Enable("s1") {
		t.Fatal("Enable returned false for a loaded strategy")
	}
	if got := len(e.Enabled()); got != 1 {
		t.Fatalf("enabled = %d, want 1", got)
	}
	if !e.Disable("s1") {
		t.Fatal("Disable returned false for a loaded strategy")
	}
	if got := len(e.Enabled()); got != 0 {
		t.Fatalf("enabled = %d, want 0 after disable", got)
	}
	if e.Enable("missing") {
		t.Error("Enable returned true for an unknown id")
	}
	if !e.Unload("s1") || e.Unload("s1") {
		t.Error("Unload should succeed once and then report missing")
	}
}

func TestEngineSkipsInFlightPair(t *testing.T) {
	t.Parallel()

	source := &fakeSource{snaps: []game.Snapshot{gameSnapshot("g1", types.PhaseLive)}}
	e := newTestEngine(source)

	started := make(chan struct{}, 4)
	release := make(chan struct{})
	s := &stubStrategy{id: "slow", kind: types.StrategySharpLine,
		eval: func(game.Snapshot) []types.TradeSignal {
			started <- struct{}{}
			<-release
			return nil
		}}
	e.Load(s, true)

	ctx := context.Background()
	e.Tick(ctx)
	<-started

	// Pair still running: this tick must skip it, not queue behind it.
	e.Tick(ctx)
	select {
	case <-started:
		t.Fatal("second evaluation started while the first was in flight")
	default:
	}

	close(release)
	e.wg.Wait()
	if got := s.calls.Load(); got != 1 {
		t.Fatalf("evaluations = %d, want 1", got)
	}

	// Cleared in-flight slot admits the next tick.
	runTick(t, e)
	if got := s.calls.Load(); got != 2 {
		t.Fatalf("evaluations after release = %d, want 2", got)
	}
}

func TestEnginePanickingStrategyContained(t *testing.T) {
	t.Parallel()

	source := &fakeSource{snaps: []game.Snapshot{gameSnapshot("g1", types.PhaseLive)}}
	e := newTestEngine(source)

	bad := &stubStrategy{id: "bad", kind: types.StrategySharpLine,
		eval: func(game.Snapshot) []types.TradeSignal { panic("boom") }}
	good := &stubStrategy{id: "good", kind: types.StrategyMomentum,
		eval: oneSignal(types.TradeSignal{StrategyID: "good", MarketTicker: "MKT"})}
	e.Load(bad, true)
	e.Load(good, true)

	out := &sink{}
	e.OnSignal(out.handle)
	runTick(t, e)

	if sigs := out.list(); len(sigs) != 1 || sigs[0].StrategyID != "good" {
		t.Fatalf("signals = %v, want only the healthy strategy's", sigs)
	}

	// The panicking pair is cleared, not wedged.
	runTick(t, e)
	if got := bad.calls.Load(); got != 2 {
		t.Errorf("panicking strategy evaluated %d times, want 2", got)
	}
}

func TestEnginePanickingHandlerIsolated(t *testing.T) {
	t.Parallel()

	source := &fakeSource{snaps: []game.Snapshot{gameSnapshot("g1", types.PhaseLive)}}
	e := newTestEngine(source)
	e.Load(&stubStrategy{id: "s1", kind: types.StrategySharpLine,
		eval: oneSignal(types.TradeSignal{StrategyID: "s1", MarketTicker: "MKT"})}, true)

	out := &sink{}
	e.OnSignal(func(context.Context, types.TradeSignal) { panic("handler boom") })
	e.OnSignal(out.handle)
	runTick(t, e)

	if sigs := out.list(); len(sigs) != 1 {
		t.Fatalf("second handler received %d signals, want 1", len(sigs))
	}
}

func TestEngineRunLoopDeliversAndDrains(t *testing.T) {
	t.Parallel()

	source := &fakeSource{snaps: []game.Snapshot{gameSnapshot("g1", types.PhaseLive)}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := NewEngine(source, 5*time.Millisecond, 500*time.Millisecond, logger)

	// Cooldown-free stub emits on every tick.
	e.Load(&stubStrategy{id: "s1", kind: types.StrategySharpLine,
		eval: oneSignal(types.TradeSignal{StrategyID: "s1", MarketTicker: "MKT"})}, true)

	got := make(chan types.TradeSignal, 16)
	e.OnSignal(func(_ context.Context, sig types.TradeSignal) {
		select {
		case got <- sig:
		default:
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		e.Run(ctx)
		close(done)
	}()

	select {
	case sig := <-got:
		if sig.StrategyID != "s1" {
			t.Errorf("signal from %s, want s1", sig.StrategyID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no signal delivered by the run loop")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("run loop did not drain after cancel")
	}
}
