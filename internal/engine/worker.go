// worker.go runs the per-game goroutines: an inbox consumer that mirrors
// stream orderbooks into the fused state, and the scoreboard and odds
// pollers that drive it toward settlement.

package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"kalshi-paper/internal/exchange"
	"kalshi-paper/internal/game"
	"kalshi-paper/internal/sports"
	"kalshi-paper/pkg/types"
)

// gameSlot is one tracked game: its fused state, the market tickers it
// owns, and the inbox its orderbook notifications arrive on.
type gameSlot struct {
	state     *game.State
	tickers   []string
	inbox     chan exchange.Event
	cancel    context.CancelFunc
	done      chan struct{}
	finalized atomic.Bool
}

// runWorker drives one game until its context is cancelled. The inbox
// consumer and the two pollers share the slot so every state mutation for
// the game funnels through goroutines owned here.
func (a *Aggregator) runWorker(ctx context.Context, s *gameSlot) {
	defer close(s.done)

	var wg conc.WaitGroup
	wg.Go(func() { a.guard("inbox", func() { a.consumeInbox(ctx, s) }) })
	wg.Go(func() {
		a.guard("nba_poller", func() { a.pollLoop(ctx, s, a.cfg.NBAPollInterval, a.refreshNBA) })
	})
	wg.Go(func() {
		a.guard("odds_poller", func() { a.pollLoop(ctx, s, a.cfg.OddsPollInterval, a.refreshOdds) })
	})
	wg.Wait()
}

// consumeInbox serializes one game's orderbook handling. Queued events only
// say that a ticker changed; each pass reads the stream's current
// consolidated book, so processing order and dropped notifications never
// corrupt the fused state.
func (a *Aggregator) consumeInbox(ctx context.Context, s *gameSlot) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-s.inbox:
			switch ev.Kind {
			case exchange.EventDisconnect, exchange.EventReconnect:
				a.refreshBooks(s)
			default:
				a.applyBook(ctx, s, ev.Ticker)
			}
		}
	}
}

// applyBook mirrors one ticker's stream book into the fused state, persists
// the snapshot, and notifies subscribers.
func (a *Aggregator) applyBook(ctx context.Context, s *gameSlot, tkr string) {
	book, ok := a.stream.Orderbook(tkr)
	if !ok {
		return
	}
	s.state.ApplyOrderbook(book)

	gameID := s.state.Game().ID
	if err := a.rec.SaveOrderbook(ctx, gameID, book); err != nil {
		a.logger.Warn("persist orderbook failed", "ticker", tkr, "error", err)
	}
	a.publish(Event{Kind: EventOrderbookUpdate, GameID: gameID, Ticker: tkr, At: time.Now()})
}

// refreshBooks re-reads every book after a transport transition so the
// fused state carries the stream's staleness flags.
func (a *Aggregator) refreshBooks(s *gameSlot) {
	for _, tkr := range s.tickers {
		if book, ok := a.stream.Orderbook(tkr); ok {
			s.state.ApplyOrderbook(book)
		}
	}
}

// pollLoop runs refresh on a fixed cadence anchored to each pass's start,
// so a slow pass shortens the following wait instead of shifting the grid.
// A pass that overruns the whole period triggers the next one immediately.
// The loop exits after the pass that observes the finished game; that pass
// is the final refresh.
func (a *Aggregator) pollLoop(ctx context.Context, s *gameSlot, period time.Duration, refresh func(context.Context, *gameSlot)) {
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}

		start := time.Now()
		a.refreshSafely(ctx, s, refresh)
		if s.state.Phase() == types.PhaseFinished {
			return
		}

		wait := time.Until(start.Add(period))
		if wait < 0 {
			wait = 0
		}
		timer.Reset(wait)
	}
}

func (a *Aggregator) refreshSafely(ctx context.Context, s *gameSlot, refresh func(context.Context, *gameSlot)) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("poller panicked", "game_id", s.state.Game().ID, "panic", r)
		}
	}()
	refresh(ctx, s)
}

// refreshNBA pulls the scoreboard, folds the observation into the fused
// state, and drives phase transitions. The first successful pass matches
// the game to the provider's IDs by date and matchup.
func (a *Aggregator) refreshNBA(ctx context.Context, s *gameSlot) {
	g := s.state.Game()
	if g.NBAGameID == 0 {
		matched, err := a.feed.FindGame(ctx, g.GameDate, g.AwayTeam, g.HomeTeam)
		if err != nil {
			if errors.Is(err, sports.ErrNotFound) {
				a.logger.Debug("scoreboard match pending", "event_ticker", g.EventTicker)
			} else {
				a.logger.Warn("scoreboard lookup failed", "event_ticker", g.EventTicker, "error", err)
			}
			return
		}
		s.state.SetNBAIdentity(matched.ID, matched.HomeTeam.ID, matched.AwayTeam.ID)
		g = s.state.Game()
		if err := a.rec.UpsertGame(ctx, g); err != nil {
			a.logger.Warn("persist game failed", "game_id", g.ID, "error", err)
		}
		a.logger.Info("game matched to scoreboard",
			"event_ticker", g.EventTicker, "nba_game_id", matched.ID)
	}

	row, ok := a.scoreboardRow(ctx, g)
	if !ok {
		return
	}

	live := row.Live(time.Now().UTC())
	s.state.ApplyNBA(live)
	if err := a.rec.SaveNBASnapshot(ctx, g.ID, live); err != nil {
		a.logger.Warn("persist scoreboard failed", "game_id", g.ID, "error", err)
	}
	a.publish(Event{Kind: EventNbaUpdate, GameID: g.ID, At: time.Now()})

	a.advancePhase(ctx, s, live)
}

// scoreboardRow finds the game's current row, preferring the live box score
// feed and falling back to the day's schedule for games not yet tipped off
// or already rolled off the live endpoint.
func (a *Aggregator) scoreboardRow(ctx context.Context, g types.Game) (sports.Game, bool) {
	live, err := a.feed.LiveBoxScores(ctx)
	if err != nil {
		a.logger.Warn("live box scores failed", "error", err)
	} else {
		for _, row := range live {
			if row.ID == g.NBAGameID {
				return row, true
			}
		}
	}

	sched, err := a.feed.GamesForDate(ctx, g.GameDate)
	if err != nil {
		a.logger.Warn("schedule lookup failed", "event_ticker", g.EventTicker, "error", err)
		return sports.Game{}, false
	}
	for _, row := range sched {
		if row.ID == g.NBAGameID {
			return row, true
		}
	}
	a.logger.Warn("game missing from scoreboard",
		"event_ticker", g.EventTicker, "nba_game_id", g.NBAGameID)
	return sports.Game{}, false
}

// advancePhase applies the phase implied by the latest scoreboard status.
// The first pass that observes the game finished settles its markets
// against the final score and schedules the unload, which also covers a
// game loaded after it already ended.
func (a *Aggregator) advancePhase(ctx context.Context, s *gameSlot, live types.NBALive) {
	phase := game.PhaseFromStatus(live.Status)
	if s.state.SetPhase(phase) {
		g := s.state.Game()
		if err := a.rec.UpsertGame(ctx, g); err != nil {
			a.logger.Warn("persist game failed", "game_id", g.ID, "error", err)
		}
		a.logger.Info("game phase changed",
			"event_ticker", g.EventTicker,
			"phase", phase,
			"home_score", live.HomeScore,
			"away_score", live.AwayScore,
		)
		a.publish(Event{Kind: EventStateChange, GameID: g.ID, Phase: phase, At: time.Now()})
	}

	if phase == types.PhaseFinished && !s.finalized.Swap(true) {
		gameID := s.state.Game().ID
		a.settleGame(ctx, s, live)
		// The pollers are about to exit on their own; the unload tears the
		// rest of the worker down. It must run off this goroutine because
		// Unload waits for the worker to stop.
		a.wg.Go(func() { a.guard("auto_unload", func() { a.Unload(gameID) }) })
	}
}

// refreshOdds pulls every vendor's current line and folds each quote into
// the fused state.
func (a *Aggregator) refreshOdds(ctx context.Context, s *gameSlot) {
	g := s.state.Game()
	if g.NBAGameID == 0 {
		// Odds rows are keyed by the provider's game ID, so there is
		// nothing to ask for until the scoreboard match lands.
		return
	}

	rows, err := a.feed.Odds(ctx, g.GameDate, []int64{g.NBAGameID})
	if err != nil {
		a.logger.Warn("odds fetch failed", "event_ticker", g.EventTicker, "error", err)
		return
	}

	applied := 0
	for _, row := range rows {
		if row.GameID != g.NBAGameID {
			continue
		}
		for _, q := range row.Books {
			s.state.ApplyOdds(q)
			if err := a.rec.SaveOddsQuote(ctx, g.ID, q); err != nil {
				a.logger.Warn("persist odds failed", "game_id", g.ID, "vendor", q.Vendor, "error", err)
			}
			applied++
		}
	}
	if applied > 0 {
		a.publish(Event{Kind: EventOddsUpdate, GameID: g.ID, At: time.Now()})
	}
}

// settleGame resolves every market's outcome from the final score and
// closes its open positions at settlement value.
func (a *Aggregator) settleGame(ctx context.Context, s *gameSlot, live types.NBALive) {
	snap := s.state.Snapshot()

	settled := 0
	for _, tkr := range s.tickers {
		m, ok := snap.Markets[tkr]
		if !ok {
			continue
		}
		outcome, ok := marketOutcome(m, snap.Game.HomeTeam, live)
		if !ok {
			a.logger.Warn("market outcome undetermined", "ticker", tkr, "market_type", m.Kind)
			continue
		}
		settled += len(a.settler.SettlePosition(ctx, tkr, outcome))
	}
	a.logger.Info("game settled",
		"event_ticker", snap.Game.EventTicker,
		"home_score", live.HomeScore,
		"away_score", live.AwayScore,
		"positions_settled", settled,
	)
}

// marketOutcome resolves which side of a market pays out given the final
// score. Spread and total markets resolve yes only when the line is beaten
// outright; landing exactly on it resolves no, matching the exchange's
// "by more than" contract phrasing.
func marketOutcome(m types.Market, homeTeam string, live types.NBALive) (types.Side, bool) {
	yes := false
	switch m.Kind {
	case types.MarketMoneylineHome:
		yes = live.HomeScore > live.AwayScore
	case types.MarketMoneylineAway:
		yes = live.AwayScore > live.HomeScore
	case types.MarketSpread:
		if m.Strike == nil {
			return "", false
		}
		margin := live.HomeScore - live.AwayScore
		if m.Team != homeTeam {
			margin = -margin
		}
		yes = decimal.NewFromInt(int64(margin)).GreaterThan(*m.Strike)
	case types.MarketTotal:
		if m.Strike == nil {
			return "", false
		}
		total := decimal.NewFromInt(int64(live.HomeScore + live.AwayScore))
		if m.Side == types.SideNo {
			yes = total.LessThan(*m.Strike)
		} else {
			yes = total.GreaterThan(*m.Strike)
		}
	default:
		return "", false
	}

	if yes {
		return types.SideYes, true
	}
	return types.SideNo, true
}
