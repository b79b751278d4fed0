package strategy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"kalshi-paper/internal/game"
	"kalshi-paper/pkg/types"
)

// CorrelationConfig tunes the cross-market consistency strategy.
type CorrelationConfig struct {
	// MinDiscrepancyPercent gates the moneyline-vs-spread check.
	MinDiscrepancyPercent decimal.Decimal `json:"min_discrepancy_percent"`
	// ComplementaryMaxSum flags the pair as overvalued when the two
	// moneyline mids sum above it.
	ComplementaryMaxSum decimal.Decimal `json:"complementary_max_sum"`
	ComplementaryMinSum decimal.Decimal `json:"complementary_min_sum"`
	PositionSize        int             `json:"position_size"`
	CooldownMins        int             `json:"cooldown_minutes"`
	CheckComplementary  bool            `json:"check_complementary"`
	CheckMLSpread       bool            `json:"check_moneyline_spread"`
	PreferNoOnOverval   bool            `json:"prefer_no_on_overvalued"`
}

// DefaultCorrelationConfig returns the stock tuning.
func DefaultCorrelationConfig() CorrelationConfig {
	return CorrelationConfig{
		MinDiscrepancyPercent: decimal.NewFromFloat(5.0),
		ComplementaryMaxSum:   decimal.NewFromFloat(105.0),
		ComplementaryMinSum:   decimal.NewFromFloat(95.0),
		PositionSize:          10,
		CooldownMins:          5,
		CheckComplementary:    true,
		CheckMLSpread:         true,
		PreferNoOnOverval:     true,
	}
}

// Correlation trades internal inconsistencies between a game's own markets.
// Two checks: the home and away moneylines should price to roughly 100
// combined, and a team's spread market should agree with its moneyline
// about how good the team is.
type Correlation struct {
	id    string
	cfg   CorrelationConfig
	trail *trail
	now   func() time.Time
}

// NewCorrelation builds an instance from a stored config document.
func NewCorrelation(id string, rawCfg []byte) (*Correlation, error) {
	cfg := DefaultCorrelationConfig()
	if err := decodeConfig(rawCfg, &cfg); err != nil {
		return nil, err
	}
	return &Correlation{
		id:    id,
		cfg:   cfg,
		trail: newTrail(cfg.CooldownMins),
		now:   time.Now,
	}, nil
}

func (c *Correlation) ID() string               { return c.id }
func (c *Correlation) Kind() types.StrategyKind { return types.StrategyCorrelation }

// Evaluate runs both consistency checks against the game's markets.
func (c *Correlation) Evaluate(snap game.Snapshot) []types.TradeSignal {
	var out []types.TradeSignal
	if c.cfg.CheckComplementary {
		out = append(out, c.checkComplementary(snap)...)
	}
	if c.cfg.CheckMLSpread {
		out = append(out, c.checkMoneylineSpread(snap)...)
	}
	return out
}

// checkComplementary compares the sum of the two moneyline mids against
// 100. A sum above the threshold means at least one side is rich; buy No
// on the richer one. A sum below the minimum would mean both sides are
// cheap, but buying Yes on both legs is a different risk shape, so the
// undervalued case deliberately emits nothing.
func (c *Correlation) checkComplementary(snap game.Snapshot) []types.TradeSignal {
	homeTick, ok := snap.MoneylineTicker(types.MarketMoneylineHome)
	if !ok {
		return nil
	}
	awayTick, ok := snap.MoneylineTicker(types.MarketMoneylineAway)
	if !ok {
		return nil
	}
	homeMid, ok := liveMid(snap, homeTick)
	if !ok {
		return nil
	}
	awayMid, ok := liveMid(snap, awayTick)
	if !ok {
		return nil
	}

	sum := homeMid.Add(awayMid)
	if !sum.GreaterThan(c.cfg.ComplementaryMaxSum) || !c.cfg.PreferNoOnOverval {
		return nil
	}

	target, targetMid := awayTick, awayMid
	if homeMid.GreaterThan(awayMid) {
		target, targetMid = homeTick, homeMid
	}
	now := c.now()
	if !c.trail.ready(target, now) {
		return nil
	}

	excess := sum.Sub(hundred)
	sig := types.TradeSignal{
		StrategyID:   c.id,
		StrategyKind: types.StrategyCorrelation,
		GameID:       snap.Game.ID,
		MarketTicker: target,
		Side:         types.SideNo,
		Quantity:     c.cfg.PositionSize,
		Confidence:   confidenceScale(excess, decimal.NewFromInt(10)),
		Reason: fmt.Sprintf("moneylines sum to %s%%, fading the richer side at %s",
			sum.StringFixed(1), targetMid.StringFixed(1)),
		Metadata: map[string]any{
			"signal_type":    "complementary_overvalued",
			"home_mid_cents": homeMid,
			"away_mid_cents": awayMid,
			"combined":       sum,
			"excess":         excess,
		},
		At: now,
	}
	c.trail.stamp(target, sig)
	return []types.TradeSignal{sig}
}

// checkMoneylineSpread compares each spread market on the favorite against
// what the moneyline implies. The mapping is a linear approximation:
// the favorite covering is taken to sit halfway between a coin flip and
// the favorite winning at all.
func (c *Correlation) checkMoneylineSpread(snap game.Snapshot) []types.TradeSignal {
	homeTick, ok := snap.MoneylineTicker(types.MarketMoneylineHome)
	if !ok {
		return nil
	}
	awayTick, ok := snap.MoneylineTicker(types.MarketMoneylineAway)
	if !ok {
		return nil
	}
	homeMid, ok := liveMid(snap, homeTick)
	if !ok {
		return nil
	}
	awayMid, ok := liveMid(snap, awayTick)
	if !ok {
		return nil
	}

	favTeam, favMid := snap.Game.AwayTeam, awayMid
	if homeMid.GreaterThan(awayMid) {
		favTeam, favMid = snap.Game.HomeTeam, homeMid
	}
	fifty := decimal.NewFromInt(50)
	expected := fifty.Add(favMid.Sub(fifty).Div(decimal.NewFromInt(2)))

	var out []types.TradeSignal
	for _, ticker := range sortedTickers(snap.Markets) {
		mkt := snap.Markets[ticker]
		if mkt.Kind != types.MarketSpread || mkt.Team != favTeam {
			continue
		}
		spreadMid, ok := liveMid(snap, ticker)
		if !ok {
			continue
		}

		discrepancy := spreadMid.Sub(expected)
		if discrepancy.Abs().LessThan(c.cfg.MinDiscrepancyPercent) {
			continue
		}
		now := c.now()
		if !c.trail.ready(ticker, now) {
			continue
		}

		book, ok := liveBook(snap, ticker)
		if !ok {
			continue
		}
		// Spread priced above what the moneyline supports: fade it with
		// No. Priced below: back it with Yes.
		var (
			side  types.Side
			entry *int
		)
		if discrepancy.IsPositive() {
			side, entry = types.SideNo, book.NoAsk
		} else {
			side, entry = types.SideYes, book.YesAsk
		}
		if entry == nil || *entry <= 0 {
			continue
		}

		meta := map[string]any{
			"signal_type":         "ml_spread_correlation",
			"favorite_team":       favTeam,
			"moneyline_mid_cents": favMid,
			"spread_mid_cents":    spreadMid,
			"expected_spread_mid": expected,
			"discrepancy":         discrepancy,
			"expected_model":      "linear",
			"entry_price_cents":   *entry,
		}
		if mkt.Strike != nil {
			meta["spread_value"] = *mkt.Strike
		}
		sig := types.TradeSignal{
			StrategyID:   c.id,
			StrategyKind: types.StrategyCorrelation,
			GameID:       snap.Game.ID,
			MarketTicker: ticker,
			Side:         side,
			Quantity:     c.cfg.PositionSize,
			Confidence:   confidenceScale(discrepancy.Abs(), decimal.NewFromInt(10)),
			Reason: fmt.Sprintf("spread mid %s%% vs %s%% implied by %s moneyline",
				spreadMid.StringFixed(1), expected.StringFixed(1), favTeam),
			Metadata: meta,
			At:       now,
		}
		c.trail.stamp(ticker, sig)
		out = append(out, sig)
	}
	return out
}

// liveMid is a positive mid from a fresh book.
func liveMid(snap game.Snapshot, ticker string) (decimal.Decimal, bool) {
	book, ok := liveBook(snap, ticker)
	if !ok {
		return decimal.Decimal{}, false
	}
	mid, ok := book.Mid()
	if !ok || !mid.IsPositive() {
		return decimal.Decimal{}, false
	}
	return mid, true
}
