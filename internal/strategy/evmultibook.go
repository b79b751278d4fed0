package strategy

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"kalshi-paper/internal/game"
	"kalshi-paper/internal/odds"
	"kalshi-paper/pkg/types"
)

// EvMultiBookConfig tunes the multi-book expected value strategy.
type EvMultiBookConfig struct {
	// MinEVPercent is the per-vendor EV floor for counting a book as
	// agreeing.
	MinEVPercent decimal.Decimal `json:"min_ev_percent"`
	// MinAgreeing is how many vendors must independently show the edge.
	MinAgreeing  int `json:"min_sportsbooks_agreeing"`
	PositionSize int `json:"position_size"`
	CooldownMins int `json:"cooldown_minutes"`
	// PreferredBooks restricts the vendor set when non-empty.
	PreferredBooks []string `json:"preferred_books"`
	MarketTypes    []string `json:"market_types"`
	// ExcludeBooks drops vendors outright.
	ExcludeBooks []string `json:"exclude_books"`
}

// DefaultEvMultiBookConfig returns the stock tuning: 3% EV confirmed by at
// least two books, moneylines only.
func DefaultEvMultiBookConfig() EvMultiBookConfig {
	return EvMultiBookConfig{
		MinEVPercent:   decimal.NewFromFloat(3.0),
		MinAgreeing:    2,
		PositionSize:   10,
		CooldownMins:   5,
		PreferredBooks: nil,
		MarketTypes:    []string{"moneyline"},
		ExcludeBooks:   nil,
	}
}

// bookEV is one vendor's verdict on a side of a market.
type bookEV struct {
	vendor  string
	ev      decimal.Decimal // percent
	yesProb decimal.Decimal
}

// EvMultiBook buys a side only when several sportsbooks independently imply
// positive expected value at the current ask. A single stale vendor feed
// produces phantom edges; requiring agreement filters most of them out.
type EvMultiBook struct {
	id    string
	cfg   EvMultiBookConfig
	trail *trail
	now   func() time.Time
}

// NewEvMultiBook builds an instance from a stored config document.
func NewEvMultiBook(id string, rawCfg []byte) (*EvMultiBook, error) {
	cfg := DefaultEvMultiBookConfig()
	if err := decodeConfig(rawCfg, &cfg); err != nil {
		return nil, err
	}
	return &EvMultiBook{
		id:    id,
		cfg:   cfg,
		trail: newTrail(cfg.CooldownMins),
		now:   time.Now,
	}, nil
}

func (e *EvMultiBook) ID() string               { return e.id }
func (e *EvMultiBook) Kind() types.StrategyKind { return types.StrategyEvMultiBook }

// Evaluate scans every market for multi-book agreement on either side.
func (e *EvMultiBook) Evaluate(snap game.Snapshot) []types.TradeSignal {
	var out []types.TradeSignal
	for _, ticker := range sortedTickers(snap.Markets) {
		if sig, ok := e.evaluateMarket(snap, ticker, snap.Markets[ticker]); ok {
			out = append(out, sig)
		}
	}
	return out
}

func (e *EvMultiBook) evaluateMarket(snap game.Snapshot, tick string, mkt types.Market) (types.TradeSignal, bool) {
	if !familyEnabled(e.cfg.MarketTypes, mkt.Kind) {
		return types.TradeSignal{}, false
	}
	now := e.now()
	if !e.trail.ready(tick, now) {
		return types.TradeSignal{}, false
	}

	// Both asks must be live: EV is computed against the price actually
	// payable on each side.
	book, ok := liveBook(snap, tick)
	if !ok || book.YesAsk == nil || book.NoAsk == nil {
		return types.TradeSignal{}, false
	}
	yesAsk, noAsk := *book.YesAsk, *book.NoAsk

	var yesVotes, noVotes []bookEV
	for _, vendor := range sortedVendors(snap.Odds) {
		if e.skipVendor(vendor) {
			continue
		}
		p, ok := vendorYesProb(snap.Odds[vendor], mkt, snap.Game.HomeTeam)
		if !ok {
			continue
		}
		if ev, ok := odds.EVPercent(p, yesAsk); ok && ev.GreaterThanOrEqual(e.cfg.MinEVPercent) {
			yesVotes = append(yesVotes, bookEV{vendor: vendor, ev: ev, yesProb: p})
		}
		if ev, ok := odds.EVPercent(one.Sub(p), noAsk); ok && ev.GreaterThanOrEqual(e.cfg.MinEVPercent) {
			noVotes = append(noVotes, bookEV{vendor: vendor, ev: ev, yesProb: p})
		}
	}

	side, votes, entry, ok := e.pickSide(yesVotes, noVotes, yesAsk, noAsk)
	if !ok {
		return types.TradeSignal{}, false
	}
	best := bestVote(votes)

	sig := types.TradeSignal{
		StrategyID:   e.id,
		StrategyKind: types.StrategyEvMultiBook,
		GameID:       snap.Game.ID,
		MarketTicker: tick,
		Side:         side,
		Quantity:     e.cfg.PositionSize,
		Confidence:   confidenceScale(decimal.NewFromInt(int64(len(votes))), decimal.NewFromInt(5)),
		Reason: fmt.Sprintf("%d books agree on %s: best ev %s%% (%s)",
			len(votes), side, best.ev.StringFixed(1), best.vendor),
		Metadata: map[string]any{
			"best_book":         best.vendor,
			"best_ev_percent":   best.ev,
			"best_implied_prob": best.yesProb,
			"agreeing_books":    len(votes),
			"books":             voteVendors(votes),
			"entry_price_cents": entry,
		},
		At: now,
	}
	e.trail.stamp(tick, sig)
	return sig, true
}

// pickSide chooses between the yes and no vote sets: more votes wins, and
// an exact tie goes to the side whose best single-book EV is larger.
func (e *EvMultiBook) pickSide(yesVotes, noVotes []bookEV, yesAsk, noAsk int) (types.Side, []bookEV, int, bool) {
	yesOK := len(yesVotes) >= e.cfg.MinAgreeing
	noOK := len(noVotes) >= e.cfg.MinAgreeing
	switch {
	case yesOK && noOK:
		if len(yesVotes) > len(noVotes) {
			return types.SideYes, yesVotes, yesAsk, true
		}
		if len(noVotes) > len(yesVotes) {
			return types.SideNo, noVotes, noAsk, true
		}
		if bestVote(noVotes).ev.GreaterThan(bestVote(yesVotes).ev) {
			return types.SideNo, noVotes, noAsk, true
		}
		return types.SideYes, yesVotes, yesAsk, true
	case yesOK:
		return types.SideYes, yesVotes, yesAsk, true
	case noOK:
		return types.SideNo, noVotes, noAsk, true
	}
	return "", nil, 0, false
}

// bestVote returns the vote with the highest EV. Votes arrive in vendor
// order, so EV ties resolve to the lexically first vendor.
func bestVote(votes []bookEV) bookEV {
	best := votes[0]
	for _, v := range votes[1:] {
		if v.ev.GreaterThan(best.ev) {
			best = v
		}
	}
	return best
}

func voteVendors(votes []bookEV) []string {
	out := make([]string, len(votes))
	for i, v := range votes {
		out[i] = v.vendor
	}
	return out
}

func (e *EvMultiBook) skipVendor(vendor string) bool {
	for _, b := range e.cfg.ExcludeBooks {
		if b == vendor {
			return true
		}
	}
	if len(e.cfg.PreferredBooks) == 0 {
		return false
	}
	for _, b := range e.cfg.PreferredBooks {
		if b == vendor {
			return false
		}
	}
	return true
}
