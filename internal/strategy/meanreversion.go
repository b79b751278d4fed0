package strategy

import (
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kalshi-paper/internal/game"
	"kalshi-paper/pkg/types"
)

// MeanReversionConfig tunes the live-game mean reversion strategy.
type MeanReversionConfig struct {
	// MinReversionPercent is the smallest pregame-to-now swing worth
	// fading, in cents.
	MinReversionPercent decimal.Decimal `json:"min_reversion_percent"`
	// MaxReversionPercent caps the swing; beyond it the move is treated
	// as real information, not overreaction.
	MaxReversionPercent decimal.Decimal `json:"max_reversion_percent"`
	// MinTimeRemainingPct requires enough game left for reversion to
	// play out.
	MinTimeRemainingPct decimal.Decimal `json:"min_time_remaining_pct"`
	PositionSize        int             `json:"position_size"`
	CooldownMins        int             `json:"cooldown_minutes"`
	OnlyFirstHalf       bool            `json:"only_first_half"`
	MarketTypes         []string        `json:"market_types"`
	// MaxScoreDeficit skips blowouts, where the price move is deserved.
	MaxScoreDeficit int `json:"max_score_deficit"`
}

// DefaultMeanReversionConfig returns the stock tuning: fade 15 to 40 cent
// swings in the first half with at least a quarter of the game left.
func DefaultMeanReversionConfig() MeanReversionConfig {
	return MeanReversionConfig{
		MinReversionPercent: decimal.NewFromFloat(15.0),
		MaxReversionPercent: decimal.NewFromFloat(40.0),
		MinTimeRemainingPct: decimal.NewFromFloat(25.0),
		PositionSize:        10,
		CooldownMins:        10,
		OnlyFirstHalf:       true,
		MarketTypes:         []string{"moneyline"},
		MaxScoreDeficit:     20,
	}
}

// MeanReversion fades in-game overreactions. The first time it sees a game
// live it freezes every market's mid as the pregame anchor, then trades
// against swings away from the anchor that are large enough to look like
// panic but small enough to still be noise.
type MeanReversion struct {
	id    string
	cfg   MeanReversionConfig
	trail *trail
	now   func() time.Time

	mu       sync.Mutex
	pregame  map[string]map[string]decimal.Decimal // game id -> ticker -> anchor mid
	seenLive map[string]struct{}
}

// NewMeanReversion builds an instance from a stored config document.
func NewMeanReversion(id string, rawCfg []byte) (*MeanReversion, error) {
	cfg := DefaultMeanReversionConfig()
	if err := decodeConfig(rawCfg, &cfg); err != nil {
		return nil, err
	}
	return &MeanReversion{
		id:       id,
		cfg:      cfg,
		trail:    newTrail(cfg.CooldownMins),
		now:      time.Now,
		pregame:  make(map[string]map[string]decimal.Decimal),
		seenLive: make(map[string]struct{}),
	}, nil
}

func (r *MeanReversion) ID() string               { return r.id }
func (r *MeanReversion) Kind() types.StrategyKind { return types.StrategyMeanReversion }

// Evaluate anchors the game on its first live observation and fades
// oversized swings on later ones.
func (r *MeanReversion) Evaluate(snap game.Snapshot) []types.TradeSignal {
	live := snap.Phase == types.PhaseLive || (snap.NBA != nil && snap.NBA.Period > 0)
	if live && r.anchorOnce(snap) {
		// Anchors were just captured; swings are zero by construction.
		return nil
	}
	if !live {
		return nil
	}
	r.mu.Lock()
	anchors, ok := r.pregame[snap.Game.ID]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	if !r.enoughTimeLeft(snap) {
		return nil
	}
	if r.cfg.OnlyFirstHalf && snap.NBA != nil && snap.NBA.Period > 2 {
		return nil
	}

	var out []types.TradeSignal
	for _, ticker := range sortedTickers(snap.Markets) {
		if sig, ok := r.evaluateMarket(snap, ticker, snap.Markets[ticker], anchors); ok {
			out = append(out, sig)
		}
	}
	return out
}

// anchorOnce captures every market's current mid the first time the game
// shows up live. Returns true when this call did the capture.
func (r *MeanReversion) anchorOnce(snap game.Snapshot) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, seen := r.seenLive[snap.Game.ID]; seen {
		return false
	}
	anchors := make(map[string]decimal.Decimal)
	for ticker := range snap.Markets {
		book, ok := liveBook(snap, ticker)
		if !ok {
			continue
		}
		if mid, ok := book.Mid(); ok && mid.IsPositive() {
			anchors[ticker] = mid
		}
	}
	r.pregame[snap.Game.ID] = anchors
	r.seenLive[snap.Game.ID] = struct{}{}
	return true
}

// enoughTimeLeft passes when the scoreboard is silent and otherwise
// requires the configured fraction of game time still to play.
func (r *MeanReversion) enoughTimeLeft(snap game.Snapshot) bool {
	if snap.NBA == nil {
		return true
	}
	frac, ok := game.FractionRemaining(*snap.NBA)
	if !ok {
		return true
	}
	return frac.Mul(hundred).GreaterThanOrEqual(r.cfg.MinTimeRemainingPct)
}

func (r *MeanReversion) evaluateMarket(snap game.Snapshot, tick string, mkt types.Market, anchors map[string]decimal.Decimal) (types.TradeSignal, bool) {
	if !familyEnabled(r.cfg.MarketTypes, mkt.Kind) {
		return types.TradeSignal{}, false
	}
	now := r.now()
	if !r.trail.ready(tick, now) {
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
	anchor, ok := anchors[tick]
	if !ok {
		return types.TradeSignal{}, false
	}

	swing := current.Sub(anchor)
	size := swing.Abs()
	if size.LessThan(r.cfg.MinReversionPercent) || size.GreaterThan(r.cfg.MaxReversionPercent) {
		return types.TradeSignal{}, false
	}
	if snap.NBA != nil {
		deficit := snap.NBA.ScoreDiff()
		if deficit < 0 {
			deficit = -deficit
		}
		if deficit > r.cfg.MaxScoreDeficit {
			return types.TradeSignal{}, false
		}
	}

	// Price collapsed: buy Yes back toward the anchor. Price spiked: buy
	// No against the spike.
	var (
		side  types.Side
		entry *int
	)
	if swing.IsNegative() {
		side, entry = types.SideYes, book.YesAsk
	} else {
		side, entry = types.SideNo, book.NoAsk
	}
	if entry == nil || *entry <= 0 {
		return types.TradeSignal{}, false
	}

	meta := map[string]any{
		"pregame_mid_cents": anchor,
		"current_mid_cents": current,
		"swing_cents":       swing,
		"entry_price_cents": *entry,
	}
	if snap.NBA != nil {
		meta["period"] = snap.NBA.Period
		meta["score_diff"] = snap.NBA.ScoreDiff()
	}
	sig := types.TradeSignal{
		StrategyID:   r.id,
		StrategyKind: types.StrategyMeanReversion,
		GameID:       snap.Game.ID,
		MarketTicker: tick,
		Side:         side,
		Quantity:     r.cfg.PositionSize,
		Confidence:   confidenceScale(size, r.cfg.MaxReversionPercent),
		Reason: fmt.Sprintf("mid swung %s cents from pregame %s",
			swing.StringFixed(1), anchor.StringFixed(0)),
		Metadata: meta,
		At:       now,
	}
	r.trail.stamp(tick, sig)
	return sig, true
}
