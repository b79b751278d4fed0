// Package game holds the fused per-game view that strategies consume.
//
// A State combines four sources for one NBA game: the exchange orderbooks
// (one per listed market), the live scoreboard, per-vendor sportsbook odds,
// and the game's lifecycle phase. The aggregator is the only writer; it
// calls the Apply* mutators as data arrives and hands read-only Snapshot
// copies to everyone else. Each mutator recomputes the derived values it
// affects (implied probabilities, odds consensus) so readers never do.
//
// All derived arithmetic is decimal-exact. Prices stay integer cents until
// a division forces a decimal; nothing in this package touches floats.
package game

import (
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"kalshi-paper/internal/odds"
	"kalshi-paper/pkg/types"
)

var (
	hundred = decimal.NewFromInt(100)
	sixty   = decimal.NewFromInt(60)

	regulationMinutes = decimal.NewFromInt(48)
	quarterMinutes    = decimal.NewFromInt(12)
	overtimeMinutes   = decimal.NewFromInt(5)
)

// State is the mutable fused record for one tracked game. All mutation goes
// through the aggregator's game worker; concurrent readers take Snapshot().
type State struct {
	mu sync.RWMutex

	game    types.Game
	phase   types.GamePhase
	markets map[string]types.Market         // ticker -> listing metadata
	books   map[string]types.OrderbookState // ticker -> consolidated book
	nba     *types.NBALive
	odds    map[string]types.OddsQuote // vendor -> latest quote
	implied map[string]decimal.Decimal // ticker -> yes-side prob, 0..1
	cons    *types.Consensus

	updated time.Time
}

// New builds a State from persisted game identity and its market listings.
// The initial phase is derived from the game's stored status.
func New(g types.Game, markets []types.Market) *State {
	s := &State{
		game:    g,
		phase:   PhaseFromStatus(g.Status),
		markets: make(map[string]types.Market, len(markets)),
		books:   make(map[string]types.OrderbookState),
		odds:    make(map[string]types.OddsQuote),
		implied: make(map[string]decimal.Decimal),
	}
	for _, m := range markets {
		s.markets[m.Ticker] = m
	}
	return s
}

// PhaseFromStatus buckets a provider status string into a lifecycle phase.
// Unknown statuses are treated as scheduled.
func PhaseFromStatus(status string) types.GamePhase {
	switch strings.ToLower(status) {
	case "final", "finished":
		return types.PhaseFinished
	case "in_progress", "live", "halftime":
		return types.PhaseLive
	default:
		return types.PhaseScheduled
	}
}

// ApplyOrderbook replaces the stored book for its ticker wholesale and
// recomputes that ticker's implied probability. Returns the affected
// tickers so the caller can scope event emission.
func (s *State) ApplyOrderbook(book types.OrderbookState) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.books[book.Ticker] = book
	if mid, ok := book.Mid(); ok {
		s.implied[book.Ticker] = mid.Div(hundred)
	} else {
		delete(s.implied, book.Ticker)
	}
	s.updated = time.Now()
	return []string{book.Ticker}
}

// ApplyNBA stores the latest scoreboard observation. Phase transitions are
// the caller's call via SetPhase; this only records the data.
func (s *State) ApplyNBA(live types.NBALive) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nba = &live
	s.game.Status = live.Status
	s.updated = time.Now()
}

// ApplyOdds stores one vendor's quote and recomputes the cross-vendor
// consensus (vig-free median win probabilities, median lines).
func (s *State) ApplyOdds(quote types.OddsQuote) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.odds[quote.Vendor] = quote
	s.cons = computeConsensus(s.odds)
	s.updated = time.Now()
}

// SetPhase moves the game to the given phase, reporting whether anything
// changed. Phase never moves backwards from Finished; a finished game also
// stops being active.
func (s *State) SetPhase(p types.GamePhase) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.phase == p || s.phase == types.PhaseFinished {
		return false
	}
	s.phase = p
	if p == types.PhaseFinished {
		s.game.IsActive = false
	}
	s.updated = time.Now()
	return true
}

// SetNBAIdentity records the scoreboard provider's IDs once the game has
// been matched by date and matchup.
func (s *State) SetNBAIdentity(nbaGameID, homeTeamID, awayTeamID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.game.NBAGameID = nbaGameID
	s.game.HomeTeamID = homeTeamID
	s.game.AwayTeamID = awayTeamID
	s.updated = time.Now()
}

// Phase returns the current lifecycle phase.
func (s *State) Phase() types.GamePhase {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.phase
}

// Game returns the game identity row.
func (s *State) Game() types.Game {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.game
}

// Tickers returns the market tickers this game owns.
func (s *State) Tickers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]string, 0, len(s.markets))
	for t := range s.markets {
		out = append(out, t)
	}
	return out
}

// Book returns the stored book for a ticker.
func (s *State) Book(ticker string) (types.OrderbookState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[ticker]
	return b, ok
}

// Snapshot returns a deep copy of the fused state, safe to read without
// coordination while the aggregator keeps writing.
func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := Snapshot{
		Game:        s.game,
		Phase:       s.phase,
		Markets:     make(map[string]types.Market, len(s.markets)),
		Books:       make(map[string]types.OrderbookState, len(s.books)),
		Odds:        make(map[string]types.OddsQuote, len(s.odds)),
		Implied:     make(map[string]decimal.Decimal, len(s.implied)),
		LastUpdated: s.updated,
	}
	for k, v := range s.markets {
		snap.Markets[k] = v
	}
	for k, v := range s.books {
		snap.Books[k] = v
	}
	for k, v := range s.odds {
		snap.Odds[k] = v
	}
	for k, v := range s.implied {
		snap.Implied[k] = v
	}
	if s.nba != nil {
		live := *s.nba
		snap.NBA = &live
	}
	if s.cons != nil {
		cons := *s.cons
		snap.Consensus = &cons
	}
	return snap
}

// Snapshot is a point-in-time copy of a game's fused state. Maps are owned
// by the snapshot; callers may iterate freely.
type Snapshot struct {
	Game        types.Game
	Phase       types.GamePhase
	Markets     map[string]types.Market
	Books       map[string]types.OrderbookState
	NBA         *types.NBALive
	Odds        map[string]types.OddsQuote
	Consensus   *types.Consensus
	Implied     map[string]decimal.Decimal
	LastUpdated time.Time
}

// Book returns the orderbook for a ticker.
func (s Snapshot) Book(ticker string) (types.OrderbookState, bool) {
	b, ok := s.Books[ticker]
	return b, ok
}

// Market returns the listing metadata for a ticker.
func (s Snapshot) Market(ticker string) (types.Market, bool) {
	m, ok := s.Markets[ticker]
	return m, ok
}

// MidCents returns a market's yes-side midpoint in cents.
func (s Snapshot) MidCents(ticker string) (decimal.Decimal, bool) {
	b, ok := s.Books[ticker]
	if !ok {
		return decimal.Decimal{}, false
	}
	return b.Mid()
}

// MoneylineTicker returns the ticker of the home or away moneyline market,
// if the game lists one.
func (s Snapshot) MoneylineTicker(kind types.MarketKind) (string, bool) {
	for t, m := range s.Markets {
		if m.Kind == kind {
			return t, true
		}
	}
	return "", false
}

// computeConsensus folds the per-vendor quotes into the aggregate view:
// vig-free median win probabilities over vendors quoting both moneylines,
// plus median spread and total lines. Returns nil when no vendor
// contributes anything.
func computeConsensus(quotes map[string]types.OddsQuote) *types.Consensus {
	var (
		homeProbs, awayProbs []decimal.Decimal
		spreadLines          []decimal.Decimal
		totalLines           []decimal.Decimal
		latest               time.Time
	)
	for _, q := range quotes {
		if q.MoneylineHome != nil && q.MoneylineAway != nil {
			h, a := odds.RemoveVig(
				odds.AmericanToProb(*q.MoneylineHome),
				odds.AmericanToProb(*q.MoneylineAway),
			)
			homeProbs = append(homeProbs, h)
			awayProbs = append(awayProbs, a)
		}
		if q.SpreadHomeValue != nil {
			spreadLines = append(spreadLines, *q.SpreadHomeValue)
		}
		if q.TotalValue != nil {
			totalLines = append(totalLines, *q.TotalValue)
		}
		if q.LastUpdate.After(latest) {
			latest = q.LastUpdate
		}
	}
	if len(homeProbs) == 0 && len(spreadLines) == 0 && len(totalLines) == 0 {
		return nil
	}

	cons := &types.Consensus{NumBooks: len(homeProbs), LastUpdate: latest}
	if m, ok := odds.Median(homeProbs); ok {
		cons.HomeWinProb = &m
	}
	if m, ok := odds.Median(awayProbs); ok {
		cons.AwayWinProb = &m
	}
	if m, ok := odds.Median(spreadLines); ok {
		cons.SpreadLine = &m
	}
	if m, ok := odds.Median(totalLines); ok {
		cons.TotalLine = &m
	}
	return cons
}

// MinutesElapsed returns the minutes of game time played, assuming
// 12-minute quarters and 5-minute overtime periods. ok is false before
// tip-off (period 0). An unparseable clock counts the current period as
// not yet started.
func MinutesElapsed(live types.NBALive) (decimal.Decimal, bool) {
	if live.Period <= 0 {
		return decimal.Decimal{}, false
	}

	if live.Period <= 4 {
		remaining := clockMinutes(live.TimeRemaining, quarterMinutes)
		prior := quarterMinutes.Mul(decimal.NewFromInt(int64(live.Period - 1)))
		return prior.Add(quarterMinutes.Sub(remaining)), true
	}

	remaining := clockMinutes(live.TimeRemaining, overtimeMinutes)
	priorOT := overtimeMinutes.Mul(decimal.NewFromInt(int64(live.Period - 5)))
	return regulationMinutes.Add(priorOT).Add(overtimeMinutes.Sub(remaining)), true
}

// FractionRemaining returns the estimated fraction of total game time left,
// in [0, 1]. The denominator grows by five minutes per overtime period. ok
// is false before tip-off.
func FractionRemaining(live types.NBALive) (decimal.Decimal, bool) {
	elapsed, ok := MinutesElapsed(live)
	if !ok {
		return decimal.Decimal{}, false
	}

	total := regulationMinutes
	if live.Period > 4 {
		ot := decimal.NewFromInt(int64(live.Period - 4))
		total = total.Add(overtimeMinutes.Mul(ot))
	}

	frac := total.Sub(elapsed).Div(total)
	if frac.IsNegative() {
		return decimal.Zero, true
	}
	return frac, true
}

// clockMinutes parses an "MM:SS" period clock into decimal minutes, clamped
// to the period length. Anything unparseable reads as a full period.
func clockMinutes(clock string, periodLen decimal.Decimal) decimal.Decimal {
	mm, ss, ok := strings.Cut(strings.TrimSpace(clock), ":")
	if !ok {
		return periodLen
	}
	mins, err1 := strconv.Atoi(strings.TrimSpace(mm))
	secs, err2 := strconv.Atoi(strings.TrimSpace(ss))
	if err1 != nil || err2 != nil || mins < 0 || secs < 0 || secs > 59 {
		return periodLen
	}

	v := decimal.NewFromInt(int64(mins)).Add(decimal.NewFromInt(int64(secs)).Div(sixty))
	if v.GreaterThan(periodLen) {
		return periodLen
	}
	return v
}
