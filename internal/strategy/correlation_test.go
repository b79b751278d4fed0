package strategy

import (
	"testing"

	"github.com/shopspring/decimal"

	"kalshi-paper/pkg/types"
)

func newTestCorrelation(t *testing.T, rawCfg []byte) *Correlation {
	t.Helper()
	c, err := NewCorrelation("corr-1", rawCfg)
	if err != nil {
		t.Fatalf("NewCorrelation: %v", err)
	}
	return c
}

func TestCorrelationOvervaluedPairFadesRicherSide(t *testing.T) {
	t.Parallel()

	c := newTestCorrelation(t, nil)
	snap := newSnapshot(types.PhaseLive)
	addAwayMoneyline(&snap)
	// Home mid 55, away mid 52: the pair prices the game at 107%.
	snap.Books[mlHomeTicker] = consolidatedBook(mlHomeTicker, 54, 56)
	snap.Books[mlAwayTicker] = consolidatedBook(mlAwayTicker, 51, 53)

	sigs := c.Evaluate(snap)
	if len(sigs) != 1 {
		t.Fatalf("signals = %d, want 1", len(sigs))
	}
	sig := sigs[0]
	if sig.Side != types.SideNo {
		t.Errorf("side = %s, want no", sig.Side)
	}
	if sig.MarketTicker != mlHomeTicker {
		t.Errorf("target = %s, want the richer home side %s", sig.MarketTicker, mlHomeTicker)
	}
	// 7 points of excess over 100 scores 0.7.
	if got := sig.Confidence.StringFixed(1); got != "0.7" {
		t.Errorf("confidence = %s, want 0.7", got)
	}
	if st := sig.Metadata["signal_type"]; st != "complementary_overvalued" {
		t.Errorf("signal_type = %v", st)
	}
	combined, _ := sig.Metadata["combined"].(decimal.Decimal)
	if combined.String() != "107" {
		t.Errorf("combined = %s, want 107", combined)
	}
}

func TestCorrelationEqualMidsFadeAwaySide(t *testing.T) {
	t.Parallel()

	c := newTestCorrelation(t, nil)
	snap := newSnapshot(types.PhaseLive)
	addAwayMoneyline(&snap)
	snap.Books[mlHomeTicker] = consolidatedBook(mlHomeTicker, 52, 54)
	snap.Books[mlAwayTicker] = consolidatedBook(mlAwayTicker, 52, 54)

	sigs := c.Evaluate(snap)
	if len(sigs) != 1 {
		t.Fatalf("signals = %d, want 1", len(sigs))
	}
	if sigs[0].MarketTicker != mlAwayTicker {
		t.Errorf("tied mids should fade the away market, got %s", sigs[0].MarketTicker)
	}
}

func TestCorrelationUndervaluedPairStaysFlat(t *testing.T) {
	t.Parallel()

	c := newTestCorrelation(t, nil)
	snap := newSnapshot(types.PhaseLive)
	addAwayMoneyline(&snap)
	// Sum 90: cheap on both sides, but buying both legs is out of scope.
	snap.Books[mlHomeTicker] = consolidatedBook(mlHomeTicker, 44, 46)
	snap.Books[mlAwayTicker] = consolidatedBook(mlAwayTicker, 44, 46)

	if sigs := c.Evaluate(snap); len(sigs) != 0 {
		t.Fatalf("signals on an undervalued pair = %d, want 0", len(sigs))
	}
}

func TestCorrelationSpreadLagsMoneyline(t *testing.T) {
	t.Parallel()

	c := newTestCorrelation(t, nil)
	snap := newSnapshot(types.PhaseLive)
	addAwayMoneyline(&snap)
	addSpreadMarket(&snap, "LAL", decimal.NewFromFloat(-6.5))
	// Home moneyline mid 70 implies the spread near 60; it trades at 48.
	snap.Books[mlHomeTicker] = consolidatedBook(mlHomeTicker, 69, 71)
	snap.Books[mlAwayTicker] = consolidatedBook(mlAwayTicker, 29, 31)
	snap.Books[spreadTicker] = consolidatedBook(spreadTicker, 47, 49)

	sigs := c.Evaluate(snap)
	if len(sigs) != 1 {
		t.Fatalf("signals = %d, want 1", len(sigs))
	}
	sig := sigs[0]
	if sig.MarketTicker != spreadTicker {
		t.Errorf("target = %s, want %s", sig.MarketTicker, spreadTicker)
	}
	if sig.Side != types.SideYes {
		t.Errorf("side = %s, want yes (spread is cheap)", sig.Side)
	}
	// Discrepancy -12 over the 10 cap.
	if !sig.Confidence.Equal(decimal.NewFromInt(1)) {
		t.Errorf("confidence = %s, want 1", sig.Confidence)
	}
	if st := sig.Metadata["signal_type"]; st != "ml_spread_correlation" {
		t.Errorf("signal_type = %v", st)
	}
	if fav := sig.Metadata["favorite_team"]; fav != "LAL" {
		t.Errorf("favorite_team = %v, want LAL", fav)
	}
}

func TestCorrelationSpreadRichFadedWithNo(t *testing.T) {
	t.Parallel()

	c := newTestCorrelation(t, nil)
	snap := newSnapshot(types.PhaseLive)
	addAwayMoneyline(&snap)
	addSpreadMarket(&snap, "LAL", decimal.NewFromFloat(-6.5))
	snap.Books[mlHomeTicker] = consolidatedBook(mlHomeTicker, 69, 71)
	snap.Books[mlAwayTicker] = consolidatedBook(mlAwayTicker, 29, 31)
	// Spread mid 68 against an implied 60.
	snap.Books[spreadTicker] = consolidatedBook(spreadTicker, 67, 69)

	sigs := c.Evaluate(snap)
	if len(sigs) != 1 {
		t.Fatalf("signals = %d, want 1", len(sigs))
	}
	if sigs[0].Side != types.SideNo {
		t.Errorf("side = %s, want no (spread is rich)", sigs[0].Side)
	}
	// No ask on the consolidated spread book: 100-67 = 33.
	if entry := sigs[0].Metadata["entry_price_cents"]; entry != 33 {
		t.Errorf("entry = %v, want 33", entry)
	}
}

func TestCorrelationSpreadWithinTolerance(t *testing.T) {
	t.Parallel()

	c := newTestCorrelation(t, nil)
	snap := newSnapshot(types.PhaseLive)
	addAwayMoneyline(&snap)
	addSpreadMarket(&snap, "LAL", decimal.NewFromFloat(-6.5))
	snap.Books[mlHomeTicker] = consolidatedBook(mlHomeTicker, 69, 71)
	snap.Books[mlAwayTicker] = consolidatedBook(mlAwayTicker, 29, 31)
	// Spread mid 57 vs implied 60: three points is inside the default 5.
	snap.Books[spreadTicker] = consolidatedBook(spreadTicker, 56, 58)

	if sigs := c.Evaluate(snap); len(sigs) != 0 {
		t.Fatalf("signals inside tolerance = %d, want 0", len(sigs))
	}
}

func TestCorrelationUnderdogSpreadIgnored(t *testing.T) {
	t.Parallel()

	c := newTestCorrelation(t, nil)
	snap := newSnapshot(types.PhaseLive)
	addAwayMoneyline(&snap)
	// Spread listed on the underdog; only the favorite's spread is
	// checked against the moneyline.
	addSpreadMarket(&snap, "BOS", decimal.NewFromFloat(6.5))
	snap.Books[mlHomeTicker] = consolidatedBook(mlHomeTicker, 69, 71)
	snap.Books[mlAwayTicker] = consolidatedBook(mlAwayTicker, 29, 31)
	snap.Books[spreadTicker] = consolidatedBook(spreadTicker, 47, 49)

	if sigs := c.Evaluate(snap); len(sigs) != 0 {
		t.Fatalf("signals on the underdog spread = %d, want 0", len(sigs))
	}
}

func TestCorrelationChecksCanBeDisabled(t *testing.T) {
	t.Parallel()

	c := newTestCorrelation(t, []byte(`{"check_complementary": false, "check_moneyline_spread": false}`))
	snap := newSnapshot(types.PhaseLive)
	addAwayMoneyline(&snap)
	snap.Books[mlHomeTicker] = consolidatedBook(mlHomeTicker, 54, 56)
	snap.Books[mlAwayTicker] = consolidatedBook(mlAwayTicker, 51, 53)

	if sigs := c.Evaluate(snap); len(sigs) != 0 {
		t.Fatalf("signals with both checks disabled = %d, want 0", len(sigs))
	}
}
