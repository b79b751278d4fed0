package strategy

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kalshi-paper/internal/game"
	"kalshi-paper/pkg/types"
)

// maxPricePoints bounds the per-market price trail.
const maxPricePoints = 100

// MomentumConfig tunes the momentum strategy.
type MomentumConfig struct {
	// LookbackSeconds is how far back the reference price sits.
	LookbackSeconds int `json:"lookback_seconds"`
	// MinChangeCents is the minimum move over the lookback window.
	MinChangeCents int `json:"min_price_change_cents"`
	PositionSize   int `json:"position_size"`
	CooldownMins   int `json:"cooldown_minutes"`
	// MaxSpreadCents skips markets too wide to chase.
	MaxSpreadCents int      `json:"max_spread_cents"`
	MarketTypes    []string `json:"market_types"`
}

// DefaultMomentumConfig returns the stock tuning: a five cent move inside
// two minutes, on any market family, with at most a three cent spread.
func DefaultMomentumConfig() MomentumConfig {
	return MomentumConfig{
		LookbackSeconds: 120,
		MinChangeCents:  5,
		PositionSize:    10,
		CooldownMins:    3,
		MaxSpreadCents:  3,
		MarketTypes:     []string{"moneyline", "spread", "total"},
	}
}

// pricePoint is one observed mid on a market's trail.
type pricePoint struct {
	at  time.Time
	mid decimal.Decimal // cents
}

// Momentum rides short-window exchange moves. It keeps a trail of observed
// mids per market and fires in the direction of any move that clears the
// threshold over the lookback window, on the theory that live-game price
// swings continue more often than they instantly revert.
type Momentum struct {
	id    string
	cfg   MomentumConfig
	trail *trail
	now   func() time.Time

	mu   sync.Mutex
	hist map[string][]pricePoint
}

// NewMomentum builds a momentum instance from a stored config document.
func NewMomentum(id string, rawCfg []byte) (*Momentum, error) {
	cfg := DefaultMomentumConfig()
	if err := decodeConfig(rawCfg, &cfg); err != nil {
		return nil, err
	}
	return &Momentum{
		id:    id,
		cfg:   cfg,
		trail: newTrail(cfg.CooldownMins),
		now:   time.Now,
		hist:  make(map[string][]pricePoint),
	}, nil
}

func (m *Momentum) ID() string               { return m.id }
func (m *Momentum) Kind() types.StrategyKind { return types.StrategyMomentum }

// Evaluate records the current mid for every market, then looks for moves.
// Recording happens for all markets, not just enabled families, so the
// trail is warm if the config widens later.
func (m *Momentum) Evaluate(snap game.Snapshot) []types.TradeSignal {
	now := m.now()
	var out []types.TradeSignal
	for _, ticker := range sortedTickers(snap.Markets) {
		m.observe(snap, ticker, now)
		if sig, ok := m.evaluateMarket(snap, ticker, snap.Markets[ticker], now); ok {
			out = append(out, sig)
		}
	}
	return out
}

// observe appends the market's current mid to its trail.
func (m *Momentum) observe(snap game.Snapshot, ticker string, now time.Time) {
	book, ok := liveBook(snap, ticker)
	if !ok {
		return
	}
	mid, ok := book.Mid()
	if !ok || !mid.IsPositive() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h := append(m.hist[ticker], pricePoint{at: now, mid: mid})
	if len(h) > maxPricePoints {
		h = h[len(h)-maxPricePoints:]
	}
	m.hist[ticker] = h
}

func (m *Momentum) evaluateMarket(snap game.Snapshot, tick string, mkt types.Market, now time.Time) (types.TradeSignal, bool) {
	if !familyEnabled(m.cfg.MarketTypes, mkt.Kind) {
		return types.TradeSignal{}, false
	}
	if !m.trail.ready(tick, now) {
		return types.TradeSignal{}, false
	}

	book, ok := liveBook(snap, tick)
	if !ok {
		return types.TradeSignal{}, false
	}
	current, ok := book.Mid()
	if !ok || !current.IsPositive() {
		return types.TradeSignal{}, false
	}
	historical, ok := m.referencePrice(tick, now)
	if !ok {
		return types.TradeSignal{}, false
	}

	change := current.Sub(historical)
	if change.Abs().LessThan(decimal.NewFromInt(int64(m.cfg.MinChangeCents))) {
		return types.TradeSignal{}, false
	}
	// Spread gate comes after the move gate: a wide book with no move is
	// not worth logging, a wide book with a move is skipped here.
	if spread, ok := book.Spread(); ok && spread > m.cfg.MaxSpreadCents {
		return types.TradeSignal{}, false
	}

	var (
		side  types.Side
		entry *int
	)
	if change.IsPositive() {
		side, entry = types.SideYes, book.YesAsk
	} else {
		side, entry = types.SideNo, book.NoAsk
	}
	if entry == nil || *entry <= 0 {
		return types.TradeSignal{}, false
	}

	sig := types.TradeSignal{
		StrategyID:   m.id,
		StrategyKind: types.StrategyMomentum,
		GameID:       snap.Game.ID,
		MarketTicker: tick,
		Side:         side,
		Quantity:     m.cfg.PositionSize,
		Confidence:   confidenceScale(change.Abs(), decimal.NewFromInt(10)),
		Reason: fmt.Sprintf("mid moved %s cents in %ds (%s to %s)",
			change.StringFixed(1), m.cfg.LookbackSeconds,
			historical.StringFixed(1), current.StringFixed(1)),
		Metadata: map[string]any{
			"price_change_cents": change,
			"current_mid_cents":  current,
			"reference_cents":    historical,
			"lookback_seconds":   m.cfg.LookbackSeconds,
			"entry_price_cents":  *entry,
		},
		At: now,
	}
	m.trail.stamp(tick, sig)
	return sig, true
}

// referencePrice returns the trail point closest to now − lookback. The
// point must land within half a lookback of the target, so a trail that
// only just started never fakes a long move.
func (m *Momentum) referencePrice(ticker string, now time.Time) (decimal.Decimal, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	h := m.hist[ticker]
	if len(h) < 2 {
		return decimal.Decimal{}, false
	}
	lookback := time.Duration(m.cfg.LookbackSeconds) * time.Second
	target := now.Add(-lookback)

	best := h[0]
	bestDiff := absDuration(h[0].at.Sub(target))
	for _, p := range h[1:] {
		if d := absDuration(p.at.Sub(target)); d < bestDiff {
			best, bestDiff = p, d
		}
	}
	if bestDiff > lookback/2 {
		return decimal.Decimal{}, false
	}
	return best.mid, true
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
