package strategy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"kalshi-paper/internal/game"
	"kalshi-paper/internal/odds"
	"kalshi-paper/pkg/types"
)

// kellyBankrollUnits scales the Kelly fraction of bankroll into contracts,
// expressed in multiples of position_size.
const kellyBankrollUnits = 4

// SharpLineConfig tunes the sharp-line divergence strategy.
type SharpLineConfig struct {
	// ThresholdPercent is the minimum |consensus − exchange| divergence, in
	// percentage points, before a signal fires.
	ThresholdPercent decimal.Decimal `json:"threshold_percent"`
	// MinSampleBooks is the minimum vendor count for a valid consensus.
	MinSampleBooks int `json:"min_sample_sportsbooks"`
	PositionSize   int `json:"position_size"`
	CooldownMins   int `json:"cooldown_minutes"`
	// MinEVPercent gates entries on expected value at the fill price.
	MinEVPercent decimal.Decimal `json:"min_ev_percent"`
	MarketTypes  []string        `json:"market_types"`
	// UseKellySizing scales quantity by the Kelly criterion instead of
	// trading a flat position_size.
	UseKellySizing bool            `json:"use_kelly_sizing"`
	KellyFraction  decimal.Decimal `json:"kelly_fraction"`
}

// DefaultSharpLineConfig returns the stock tuning: 5% divergence on
// moneylines, at least three books, 2% minimum EV, flat 10-lot sizing.
func DefaultSharpLineConfig() SharpLineConfig {
	return SharpLineConfig{
		ThresholdPercent: decimal.NewFromFloat(5.0),
		MinSampleBooks:   3,
		PositionSize:     10,
		CooldownMins:     5,
		MinEVPercent:     decimal.NewFromFloat(2.0),
		MarketTypes:      []string{"moneyline"},
		UseKellySizing:   false,
		KellyFraction:    decimal.NewFromFloat(0.25),
	}
}

// SharpLine trades the gap between the exchange mid and the sportsbook
// consensus. Sportsbooks move on sharp money; when the exchange lags the
// books by more than the threshold, the strategy takes the exchange side
// that the consensus says is cheap.
type SharpLine struct {
	id    string
	cfg   SharpLineConfig
	trail *trail
	now   func() time.Time
}

// NewSharpLine builds a sharp-line instance from a stored config document.
func NewSharpLine(id string, rawCfg []byte) (*SharpLine, error) {
	cfg := DefaultSharpLineConfig()
	if err := decodeConfig(rawCfg, &cfg); err != nil {
		return nil, err
	}
	return &SharpLine{
		id:    id,
		cfg:   cfg,
		trail: newTrail(cfg.CooldownMins),
		now:   time.Now,
	}, nil
}

func (s *SharpLine) ID() string               { return s.id }
func (s *SharpLine) Kind() types.StrategyKind { return types.StrategySharpLine }

// Evaluate scans every market of the game for a divergence worth taking.
func (s *SharpLine) Evaluate(snap game.Snapshot) []types.TradeSignal {
	var out []types.TradeSignal
	for _, ticker := range sortedTickers(snap.Markets) {
		if sig, ok := s.evaluateMarket(snap, ticker, snap.Markets[ticker]); ok {
			out = append(out, sig)
		}
	}
	return out
}

func (s *SharpLine) evaluateMarket(snap game.Snapshot, tick string, mkt types.Market) (types.TradeSignal, bool) {
	if !familyEnabled(s.cfg.MarketTypes, mkt.Kind) {
		return types.TradeSignal{}, false
	}
	now := s.now()
	if !s.trail.ready(tick, now) {
		return types.TradeSignal{}, false
	}

	book, ok := liveBook(snap, tick)
	if !ok || book.YesBid == nil || book.YesAsk == nil {
		return types.TradeSignal{}, false
	}
	mid, ok := book.Mid()
	if !ok || !mid.IsPositive() {
		return types.TradeSignal{}, false
	}
	pExch := mid.Div(hundred)

	// Consensus: median of the raw per-vendor implied probabilities for
	// this market's yes side. Vig stays in; it cancels against the
	// exchange price, which carries its own spread.
	probs := make([]decimal.Decimal, 0, len(snap.Odds))
	for _, vendor := range sortedVendors(snap.Odds) {
		if p, ok := vendorYesProb(snap.Odds[vendor], mkt, snap.Game.HomeTeam); ok {
			probs = append(probs, p)
		}
	}
	if len(probs) < s.cfg.MinSampleBooks {
		return types.TradeSignal{}, false
	}
	pCons, _ := odds.Median(probs)

	divergence := pCons.Sub(pExch)
	divPct := divergence.Mul(hundred)
	if divPct.Abs().LessThan(s.cfg.ThresholdPercent) {
		return types.TradeSignal{}, false
	}

	// Exchange under the books: buy Yes at the ask. Exchange over the
	// books: buy No, synthesizing the no ask from the yes bid if the no
	// side is empty.
	var (
		side  types.Side
		entry int
	)
	if divergence.IsPositive() {
		side = types.SideYes
		entry = *book.YesAsk
	} else {
		side = types.SideNo
		switch {
		case book.NoAsk != nil:
			entry = *book.NoAsk
		case book.YesBid != nil:
			entry = 100 - *book.YesBid
		default:
			return types.TradeSignal{}, false
		}
	}
	if entry <= 0 {
		return types.TradeSignal{}, false
	}

	trueProb := pCons
	if side == types.SideNo {
		trueProb = one.Sub(pCons)
	}
	ev, ok := odds.EVPercent(trueProb, entry)
	if !ok || ev.LessThan(s.cfg.MinEVPercent) {
		return types.TradeSignal{}, false
	}

	qty := s.cfg.PositionSize
	if s.cfg.UseKellySizing {
		qty = s.kellySize(trueProb, entry)
	}

	direction := "undervalued"
	if divergence.IsNegative() {
		direction = "overvalued"
	}
	sig := types.TradeSignal{
		StrategyID:   s.id,
		StrategyKind: types.StrategySharpLine,
		GameID:       snap.Game.ID,
		MarketTicker: tick,
		Side:         side,
		Quantity:     qty,
		Confidence:   confidenceScale(divPct.Abs(), decimal.NewFromInt(10)),
		Reason: fmt.Sprintf("exchange %s by %s%%: mid %s%% vs %d-book consensus %s%%, ev %s%%",
			direction, divPct.Abs().StringFixed(1), pExch.Mul(hundred).StringFixed(1),
			len(probs), pCons.Mul(hundred).StringFixed(1), ev.StringFixed(1)),
		Metadata: map[string]any{
			"exchange_mid_cents": mid,
			"consensus_prob":     pCons,
			"divergence_percent": divPct,
			"ev_percent":         ev,
			"num_sportsbooks":    len(probs),
			"entry_price_cents":  entry,
		},
		At: now,
	}
	s.trail.stamp(tick, sig)
	return sig, true
}

// kellySize converts the Kelly bankroll fraction into a contract count,
// clamped to [1, position_size].
func (s *SharpLine) kellySize(trueProb decimal.Decimal, entry int) int {
	k := odds.Kelly(trueProb, entry, s.cfg.KellyFraction)
	size := decimal.NewFromInt(int64(s.cfg.PositionSize)).
		Mul(k).
		Mul(decimal.NewFromInt(kellyBankrollUnits))
	qty := int(size.IntPart())
	if qty < 1 {
		qty = 1
	}
	if qty > s.cfg.PositionSize {
		qty = s.cfg.PositionSize
	}
	return qty
}
