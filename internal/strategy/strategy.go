// Package strategy implements the signal generators that watch fused game
// state and decide when the exchange price looks wrong.
//
// Each strategy is a pure function of a game snapshot plus a small amount of
// private history (cooldown stamps, price trails, pregame anchors). On every
// engine tick a strategy receives the current Snapshot for each loaded game
// and returns zero or more TradeSignals. Strategies never touch the network,
// the database, or the execution path; they only read the snapshot and emit.
//
// Five strategies ship by default:
//
//	sharp_line      exchange mid vs the sportsbook consensus
//	momentum        short-window price velocity on the exchange itself
//	ev_multibook    expected value confirmed across several sportsbooks
//	mean_reversion  live-game overreaction back toward the pregame price
//	correlation     internal consistency between related markets
//
// Instances are built from a stored JSON config document layered over the
// strategy's defaults, so an absent key always means "use the default".
// Strategies are safe for concurrent use; the engine may evaluate the same
// instance against different games in parallel.
package strategy

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/shopspring/decimal"

	"kalshi-paper/internal/game"
	"kalshi-paper/internal/odds"
	"kalshi-paper/pkg/types"
)

var (
	one     = decimal.NewFromInt(1)
	hundred = decimal.NewFromInt(100)
)

// Strategy is one signal generator. Evaluate inspects a single game's fused
// snapshot and returns the trades the strategy wants to make right now.
// Implementations must be safe for concurrent use.
type Strategy interface {
	ID() string
	Kind() types.StrategyKind
	Evaluate(snap game.Snapshot) []types.TradeSignal
}

// New builds a strategy instance of the given kind. rawCfg is the stored
// JSON config document (may be nil or empty); keys it omits keep their
// defaults. Unknown kinds are an error.
func New(kind types.StrategyKind, id string, rawCfg []byte) (Strategy, error) {
	switch kind {
	case types.StrategySharpLine:
		return NewSharpLine(id, rawCfg)
	case types.StrategyMomentum:
		return NewMomentum(id, rawCfg)
	case types.StrategyEvMultiBook:
		return NewEvMultiBook(id, rawCfg)
	case types.StrategyMeanReversion:
		return NewMeanReversion(id, rawCfg)
	case types.StrategyCorrelation:
		return NewCorrelation(id, rawCfg)
	}
	return nil, fmt.Errorf("new strategy: unknown kind %q", kind)
}

// Kinds lists every strategy kind the registry can build, in a stable order.
func Kinds() []types.StrategyKind {
	return []types.StrategyKind{
		types.StrategySharpLine,
		types.StrategyMomentum,
		types.StrategyEvMultiBook,
		types.StrategyMeanReversion,
		types.StrategyCorrelation,
	}
}

// decodeConfig layers the stored JSON document over dst, which the caller
// has pre-filled with defaults. Absent keys keep the default value.
func decodeConfig(rawCfg []byte, dst any) error {
	if len(rawCfg) == 0 {
		return nil
	}
	if err := json.Unmarshal(rawCfg, dst); err != nil {
		return fmt.Errorf("decode strategy config: %w", err)
	}
	return nil
}

// ————————————————————————————————————————————————————————————————————————
// Shared emission history
// ————————————————————————————————————————————————————————————————————————

// ringCap bounds the number of recent signals a strategy remembers.
const ringCap = 100

// trail is the per-strategy emission history: a cooldown stamp per market
// and a bounded ring of recent signals. Strategies consult ready before
// doing any work on a market and stamp only when they actually emit, so a
// skipped market never burns its cooldown.
type trail struct {
	cooldown time.Duration

	mu     sync.Mutex
	last   map[string]time.Time
	ring   []types.TradeSignal
	offset int
}

func newTrail(cooldownMinutes int) *trail {
	return &trail{
		cooldown: time.Duration(cooldownMinutes) * time.Minute,
		last:     make(map[string]time.Time),
	}
}

// ready reports whether the cooldown for ticker has elapsed at time now.
func (t *trail) ready(ticker string, now time.Time) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	at, ok := t.last[ticker]
	if !ok {
		return true
	}
	return now.Sub(at) >= t.cooldown
}

// stamp records an emission on ticker and pushes the signal onto the ring.
func (t *trail) stamp(ticker string, sig types.TradeSignal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.last[ticker] = sig.At
	if len(t.ring) < ringCap {
		t.ring = append(t.ring, sig)
		return
	}
	t.ring[t.offset] = sig
	t.offset = (t.offset + 1) % ringCap
}

// History returns the remembered signals, oldest first.
func (t *trail) History() []types.TradeSignal {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]types.TradeSignal, 0, len(t.ring))
	out = append(out, t.ring[t.offset:]...)
	out = append(out, t.ring[:t.offset]...)
	return out
}

// ————————————————————————————————————————————————————————————————————————
// Snapshot helpers
// ————————————————————————————————————————————————————————————————————————

// marketFamily is the coarse market grouping used by strategy configs.
func marketFamily(k types.MarketKind) string {
	switch k {
	case types.MarketMoneylineHome, types.MarketMoneylineAway:
		return "moneyline"
	case types.MarketSpread:
		return "spread"
	case types.MarketTotal:
		return "total"
	}
	return ""
}

// familyEnabled reports whether the market kind belongs to one of the
// configured families. An empty list enables nothing.
func familyEnabled(families []string, k types.MarketKind) bool {
	fam := marketFamily(k)
	for _, f := range families {
		if f == fam {
			return true
		}
	}
	return false
}

// liveBook returns the market's orderbook when it is present and not
// flagged stale.
func liveBook(snap game.Snapshot, ticker string) (types.OrderbookState, bool) {
	book, ok := snap.Book(ticker)
	if !ok || book.Stale {
		return types.OrderbookState{}, false
	}
	return book, true
}

// sortedTickers returns the snapshot's market tickers in lexical order so a
// strategy's per-tick output is deterministic.
func sortedTickers(markets map[string]types.Market) []string {
	out := make([]string, 0, len(markets))
	for t := range markets {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// sortedVendors returns the vendor names quoting the game in lexical order.
func sortedVendors(quotes map[string]types.OddsQuote) []string {
	out := make([]string, 0, len(quotes))
	for v := range quotes {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// vendorYesProb maps one sportsbook quote onto the probability that the
// market's yes side wins: the quoted team's moneyline for moneylines, the
// covering team's spread odds for spreads, and the over or under odds for
// totals depending on which way the listing reads. ok is false when the
// vendor does not price that line.
func vendorYesProb(q types.OddsQuote, m types.Market, homeTeam string) (decimal.Decimal, bool) {
	var american *int
	switch m.Kind {
	case types.MarketMoneylineHome:
		american = q.MoneylineHome
	case types.MarketMoneylineAway:
		american = q.MoneylineAway
	case types.MarketSpread:
		if m.Team == homeTeam {
			american = q.SpreadHomeOdds
		} else {
			american = q.SpreadAwayOdds
		}
	case types.MarketTotal:
		if m.Side == types.SideYes {
			american = q.TotalOverOdds
		} else {
			american = q.TotalUnderOdds
		}
	}
	if american == nil {
		return decimal.Decimal{}, false
	}
	return odds.AmericanToProb(*american), true
}

// confidenceScale clamps value/denom to [0, 1].
func confidenceScale(value, denom decimal.Decimal) decimal.Decimal {
	c := value.Div(denom)
	if c.GreaterThan(one) {
		return one
	}
	return c
}
