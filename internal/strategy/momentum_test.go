package strategy

import (
	"testing"
	"time"

	"kalshi-paper/pkg/types"
)

func newTestMomentum(t *testing.T, rawCfg []byte) (*Momentum, *time.Time) {
	t.Helper()
	m, err := NewMomentum("mom-1", rawCfg)
	if err != nil {
		t.Fatalf("NewMomentum: %v", err)
	}
	now := time.Date(2026, 1, 7, 19, 30, 0, 0, time.UTC)
	clock := &now
	m.now = func() time.Time { return *clock }
	return m, clock
}

func TestMomentumRidesUpMove(t *testing.T) {
	t.Parallel()

	m, clock := newTestMomentum(t, nil)
	snap := newSnapshot(types.PhaseLive)

	// Seed the trail at mid 40, then move the book to mid 46 just inside
	// the two-minute lookback.
	snap.Books[mlHomeTicker] = consolidatedBook(mlHomeTicker, 39, 41)
	if sigs := m.Evaluate(snap); len(sigs) != 0 {
		t.Fatalf("signals from a one-point trail = %d, want 0", len(sigs))
	}

	*clock = clock.Add(118 * time.Second)
	snap.Books[mlHomeTicker] = consolidatedBook(mlHomeTicker, 45, 47)
	sigs := m.Evaluate(snap)
	if len(sigs) != 1 {
		t.Fatalf("signals = %d, want 1", len(sigs))
	}
	sig := sigs[0]
	if sig.Side != types.SideYes {
		t.Errorf("side = %s, want yes", sig.Side)
	}
	if sig.Quantity != 10 {
		t.Errorf("quantity = %d, want 10", sig.Quantity)
	}
	// A 6 cent move scores 0.6 confidence.
	if got := sig.Confidence.StringFixed(1); got != "0.6" {
		t.Errorf("confidence = %s, want 0.6", got)
	}
	if entry := sig.Metadata["entry_price_cents"]; entry != 47 {
		t.Errorf("entry = %v, want yes ask 47", entry)
	}
}

func TestMomentumFadesNothingBelowThreshold(t *testing.T) {
	t.Parallel()

	m, clock := newTestMomentum(t, nil)
	snap := newSnapshot(types.PhaseLive)

	snap.Books[mlHomeTicker] = consolidatedBook(mlHomeTicker, 39, 41)
	m.Evaluate(snap)

	*clock = clock.Add(118 * time.Second)
	snap.Books[mlHomeTicker] = consolidatedBook(mlHomeTicker, 43, 45) // +4c
	if sigs := m.Evaluate(snap); len(sigs) != 0 {
		t.Fatalf("signals on a 4 cent move = %d, want 0", len(sigs))
	}
}

func TestMomentumDownMoveBuysNo(t *testing.T) {
	t.Parallel()

	m, clock := newTestMomentum(t, nil)
	snap := newSnapshot(types.PhaseLive)

	snap.Books[mlHomeTicker] = consolidatedBook(mlHomeTicker, 45, 47)
	m.Evaluate(snap)

	*clock = clock.Add(118 * time.Second)
	snap.Books[mlHomeTicker] = consolidatedBook(mlHomeTicker, 39, 41)
	sigs := m.Evaluate(snap)
	if len(sigs) != 1 {
		t.Fatalf("signals = %d, want 1", len(sigs))
	}
	if sigs[0].Side != types.SideNo {
		t.Errorf("side = %s, want no", sigs[0].Side)
	}
	// No ask on the consolidated book is 100 - yes_bid = 61.
	if entry := sigs[0].Metadata["entry_price_cents"]; entry != 61 {
		t.Errorf("entry = %v, want 61", entry)
	}
}

func TestMomentumSkipsWideSpread(t *testing.T) {
	t.Parallel()

	m, clock := newTestMomentum(t, nil)
	snap := newSnapshot(types.PhaseLive)

	snap.Books[mlHomeTicker] = consolidatedBook(mlHomeTicker, 39, 41)
	m.Evaluate(snap)

	// Mid jumps 6 cents but the book is 8 cents wide.
	*clock = clock.Add(118 * time.Second)
	snap.Books[mlHomeTicker] = consolidatedBook(mlHomeTicker, 42, 50)
	if sigs := m.Evaluate(snap); len(sigs) != 0 {
		t.Fatalf("signals through an 8 cent spread = %d, want 0", len(sigs))
	}
}

func TestMomentumReferenceMustLandNearLookback(t *testing.T) {
	t.Parallel()

	m, clock := newTestMomentum(t, nil)
	snap := newSnapshot(types.PhaseLive)

	// Two points 200s apart: the closest to the 120s target is 80s off,
	// outside the 60s tolerance.
	snap.Books[mlHomeTicker] = consolidatedBook(mlHomeTicker, 39, 41)
	m.Evaluate(snap)

	*clock = clock.Add(200 * time.Second)
	snap.Books[mlHomeTicker] = consolidatedBook(mlHomeTicker, 45, 47)
	if sigs := m.Evaluate(snap); len(sigs) != 0 {
		t.Fatalf("signals from a sparse trail = %d, want 0", len(sigs))
	}
}

func TestMomentumTrailCapped(t *testing.T) {
	t.Parallel()

	m, clock := newTestMomentum(t, nil)
	snap := newSnapshot(types.PhaseLive)
	snap.Books[mlHomeTicker] = consolidatedBook(mlHomeTicker, 39, 41)

	for i := 0; i < maxPricePoints+20; i++ {
		m.Evaluate(snap)
		*clock = clock.Add(time.Second)
	}

	m.mu.Lock()
	n := len(m.hist[mlHomeTicker])
	m.mu.Unlock()
	if n != maxPricePoints {
		t.Fatalf("trail length = %d, want %d", n, maxPricePoints)
	}
}
