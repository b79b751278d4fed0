// Package engine fuses every data source for a tracked game into one
// coherent state and hands that state to the rest of the bot.
//
// The aggregator holds one slot per loaded game and runs:
//
//  1. A router goroutine that fans exchange stream events out to per-game
//     inboxes, so one game's backlog never stalls another's.
//  2. Per-game workers: an inbox consumer that mirrors stream orderbooks
//     into the fused state, a scoreboard poller on the fast cadence, and an
//     odds poller on the slow one. Pollers drift-compensate and stop on
//     their own once the game finishes.
//  3. An event hub that notifies subscribers after every applied update.
//
// Lifecycle: New() → Start() → Load()/Unload() per game → Stop(). When a
// game finishes, its markets are settled against the final score and the
// game unloads itself.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc"

	"kalshi-paper/internal/config"
	"kalshi-paper/internal/exchange"
	"kalshi-paper/internal/game"
	"kalshi-paper/internal/sports"
	"kalshi-paper/internal/ticker"
	"kalshi-paper/pkg/types"
)

// MarketStream is the exchange websocket surface the aggregator consumes.
type MarketStream interface {
	Events() <-chan exchange.Event
	Orderbook(ticker string) (types.OrderbookState, bool)
	Subscribe(ctx context.Context, tickers []string) error
	Unsubscribe(ctx context.Context, tickers []string) error
	Resync(ticker string, cause error)
}

// MarketCatalog lists an event's markets and serves one-shot orderbook
// reads over REST, used to hydrate and seed a game at load time.
type MarketCatalog interface {
	GetMarkets(ctx context.Context, eventTicker string) ([]exchange.APIMarket, error)
	GetOrderbook(ctx context.Context, ticker string, depth int) (*exchange.APIOrderbook, error)
}

// SportsFeed is the scoreboard and odds provider surface.
type SportsFeed interface {
	FindGame(ctx context.Context, date time.Time, awayAbbr, homeAbbr string) (sports.Game, error)
	GamesForDate(ctx context.Context, date time.Time) ([]sports.Game, error)
	LiveBoxScores(ctx context.Context) ([]sports.Game, error)
	Odds(ctx context.Context, date time.Time, gameIDs []int64) ([]sports.GameOdds, error)
}

// Recorder is the persistence surface for game identity and the market-data
// time series. UpsertMarkets returns the stored rows so market listings
// keep their IDs across restarts. Time-series write failures are logged and
// swallowed; they never stop the pipeline.
type Recorder interface {
	GameByEventTicker(ctx context.Context, eventTicker string) (types.Game, bool, error)
	UpsertGame(ctx context.Context, g types.Game) error
	UpsertMarkets(ctx context.Context, markets []types.Market) ([]types.Market, error)
	MarketsForGame(ctx context.Context, gameID string) ([]types.Market, error)
	SaveOrderbook(ctx context.Context, gameID string, book types.OrderbookState) error
	SaveNBASnapshot(ctx context.Context, gameID string, live types.NBALive) error
	SaveOddsQuote(ctx context.Context, gameID string, quote types.OddsQuote) error
}

// Settler closes a market's open positions once its outcome is known.
type Settler interface {
	SettlePosition(ctx context.Context, marketTicker string, outcome types.Side) []types.Position
}

// errInboxFull is the resync cause recorded when a game inbox overflows.
var errInboxFull = errors.New("game inbox full")

// Aggregator owns every loaded game and the goroutines that feed them.
type Aggregator struct {
	cfg     config.EngineConfig
	stream  MarketStream
	catalog MarketCatalog
	feed    SportsFeed
	rec     Recorder
	settler Settler
	logger  *slog.Logger

	// slots maps gameID → running slot; tickers maps market ticker → owning
	// slot so the router resolves stream events with one lookup.
	mu      sync.RWMutex
	slots   map[string]*gameSlot
	tickers map[string]*gameSlot

	subsMu sync.RWMutex
	subs   []Subscriber

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup
}

// New wires an aggregator over its collaborators. Cadences and bounds fall
// back to the documented defaults when unset.
func New(cfg config.EngineConfig, stream MarketStream, catalog MarketCatalog, feed SportsFeed, rec Recorder, settler Settler, logger *slog.Logger) *Aggregator {
	if cfg.NBAPollInterval <= 0 {
		cfg.NBAPollInterval = 5 * time.Second
	}
	if cfg.OddsPollInterval <= 0 {
		cfg.OddsPollInterval = 10 * time.Second
	}
	if cfg.RouterDepth <= 0 {
		cfg.RouterDepth = 32
	}
	if cfg.UnloadWait <= 0 {
		cfg.UnloadWait = 2 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Aggregator{
		cfg:     cfg,
		stream:  stream,
		catalog: catalog,
		feed:    feed,
		rec:     rec,
		settler: settler,
		logger:  logger.With("component", "aggregator"),
		slots:   make(map[string]*gameSlot),
		tickers: make(map[string]*gameSlot),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the stream router. Games are loaded individually with Load.
func (a *Aggregator) Start() {
	a.wg.Go(func() { a.guard("router", a.routeEvents) })
	a.logger.Info("aggregator started")
}

// Stop cancels the router and every game worker and waits for them to exit.
func (a *Aggregator) Stop() {
	a.cancel()
	a.wg.Wait()
	a.logger.Info("aggregator stopped")
}

// guard runs fn and converts a panic into an error log, so one bad
// goroutine cannot re-panic the whole aggregator out of Stop.
func (a *Aggregator) guard(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("goroutine panicked", "name", name, "panic", r)
		}
	}()
	fn()
}

// Load starts tracking the game behind an exchange event ticker: hydrate or
// create its row, list its markets, subscribe the stream, seed orderbooks
// over REST, and start the per-game worker. Loading an already-tracked game
// returns the existing state.
func (a *Aggregator) Load(ctx context.Context, eventTicker string) (*game.State, error) {
	ev, err := ticker.ParseEvent(eventTicker)
	if err != nil {
		return nil, fmt.Errorf("load game: %w", err)
	}
	canonical := ev.Ticker()

	a.mu.RLock()
	slot, ok := a.findByEventLocked(canonical)
	a.mu.RUnlock()
	if ok {
		return slot.state, nil
	}

	g, err := a.hydrateGame(ctx, canonical, ev)
	if err != nil {
		return nil, err
	}
	markets, err := a.hydrateMarkets(ctx, g)
	if err != nil {
		return nil, err
	}

	st := game.New(g, markets)
	tickers := st.Tickers()
	sort.Strings(tickers)

	// A failed subscribe is retried by the stream's reconnect loop, which
	// re-subscribes everything it was asked for.
	if err := a.stream.Subscribe(ctx, tickers); err != nil {
		a.logger.Warn("stream subscribe failed, reconnect will retry",
			"event_ticker", canonical, "error", err)
	}
	seeded := 0
	for _, t := range tickers {
		if a.seedBook(ctx, st, t) {
			seeded++
		}
	}

	wctx, wcancel := context.WithCancel(a.ctx)
	slot = &gameSlot{
		state:   st,
		tickers: tickers,
		inbox:   make(chan exchange.Event, a.cfg.RouterDepth),
		cancel:  wcancel,
		done:    make(chan struct{}),
	}

	a.mu.Lock()
	if prior, ok := a.findByEventLocked(canonical); ok {
		// Lost a concurrent load of the same event. The duplicate stream
		// subscription is idempotent, so only the slot is discarded.
		a.mu.Unlock()
		wcancel()
		close(slot.done)
		return prior.state, nil
	}
	a.slots[g.ID] = slot
	for _, t := range tickers {
		a.tickers[t] = slot
	}
	a.mu.Unlock()

	a.wg.Go(func() { a.guard("game_worker", func() { a.runWorker(wctx, slot) }) })

	a.logger.Info("game loaded",
		"event_ticker", canonical,
		"game_id", g.ID,
		"markets", len(tickers),
		"books_seeded", seeded,
		"phase", st.Phase(),
	)
	a.publish(Event{Kind: EventStateChange, GameID: g.ID, Phase: st.Phase(), At: time.Now()})
	return st, nil
}

// Unload stops a game's worker, releases its ticker routes, and
// unsubscribes the stream from tickers no other game still holds.
func (a *Aggregator) Unload(gameID string) {
	a.mu.Lock()
	slot, ok := a.slots[gameID]
	if !ok {
		a.mu.Unlock()
		return
	}
	delete(a.slots, gameID)
	release := make([]string, 0, len(slot.tickers))
	for _, t := range slot.tickers {
		if a.tickers[t] == slot {
			delete(a.tickers, t)
			release = append(release, t)
		}
	}
	a.mu.Unlock()

	slot.cancel()
	select {
	case <-slot.done:
	case <-time.After(a.cfg.UnloadWait):
		a.logger.Warn("game worker slow to stop", "game_id", gameID)
	}

	if len(release) > 0 {
		if err := a.stream.Unsubscribe(context.Background(), release); err != nil {
			a.logger.Warn("stream unsubscribe failed", "game_id", gameID, "error", err)
		}
	}
	a.logger.Info("game unloaded",
		"game_id", gameID,
		"event_ticker", slot.state.Game().EventTicker,
	)
}

// State returns the live fused state of a loaded game.
func (a *Aggregator) State(gameID string) (*game.State, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s, ok := a.slots[gameID]
	if !ok {
		return nil, false
	}
	return s.state, true
}

// States returns the live state of every loaded game.
func (a *Aggregator) States() []*game.State {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]*game.State, 0, len(a.slots))
	for _, s := range a.slots {
		out = append(out, s.state)
	}
	return out
}

// Snapshots returns a point-in-time copy of every loaded game. It satisfies
// the strategy engine's state source.
func (a *Aggregator) Snapshots() []game.Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()

	out := make([]game.Snapshot, 0, len(a.slots))
	for _, s := range a.slots {
		out = append(out, s.state.Snapshot())
	}
	return out
}

// findByEventLocked scans the slot table for an event ticker. Callers hold
// a.mu in either mode.
func (a *Aggregator) findByEventLocked(eventTicker string) (*gameSlot, bool) {
	for _, s := range a.slots {
		if s.state.Game().EventTicker == eventTicker {
			return s, true
		}
	}
	return nil, false
}

// hydrateGame loads the stored row for an event ticker or creates one from
// the parsed ticker. Creation must persist; tracking an unpersisted game
// would orphan every snapshot written for it.
func (a *Aggregator) hydrateGame(ctx context.Context, canonical string, ev ticker.Event) (types.Game, error) {
	g, found, err := a.rec.GameByEventTicker(ctx, canonical)
	if err != nil {
		return types.Game{}, fmt.Errorf("load game %s: %w", canonical, err)
	}
	if found {
		return g, nil
	}

	now := time.Now().UTC()
	g = types.Game{
		ID:          uuid.NewString(),
		EventTicker: canonical,
		HomeTeam:    ev.HomeAbbr,
		AwayTeam:    ev.AwayAbbr,
		GameDate:    ev.Date,
		Status:      "scheduled",
		IsActive:    true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := a.rec.UpsertGame(ctx, g); err != nil {
		return types.Game{}, fmt.Errorf("persist game %s: %w", canonical, err)
	}
	return g, nil
}

// hydrateMarkets prefers a fresh exchange listing and falls back to stored
// rows when the listing is unavailable, so a restart keeps tracking through
// an exchange outage.
func (a *Aggregator) hydrateMarkets(ctx context.Context, g types.Game) ([]types.Market, error) {
	listed, err := a.catalog.GetMarkets(ctx, g.EventTicker)
	if err != nil {
		a.logger.Warn("market listing unavailable, using stored markets",
			"event_ticker", g.EventTicker, "error", err)
		stored, serr := a.rec.MarketsForGame(ctx, g.ID)
		if serr != nil {
			return nil, fmt.Errorf("load markets %s: %w", g.EventTicker, serr)
		}
		if len(stored) == 0 {
			return nil, fmt.Errorf("load markets %s: %w", g.EventTicker, err)
		}
		return stored, nil
	}

	markets := make([]types.Market, 0, len(listed))
	for _, m := range listed {
		parsed, perr := ticker.ParseMarket(m.Ticker)
		if perr != nil {
			a.logger.Warn("unrecognized market ticker skipped", "ticker", m.Ticker, "error", perr)
			continue
		}
		markets = append(markets, types.Market{
			ID:     uuid.NewString(),
			GameID: g.ID,
			Ticker: strings.ToUpper(m.Ticker),
			Kind:   parsed.Kind,
			Strike: parsed.Strike,
			Side:   parsed.Side,
			Team:   parsed.Team,
			Status: m.Status,
		})
	}
	if len(markets) == 0 {
		return nil, fmt.Errorf("load markets %s: no recognizable listings", g.EventTicker)
	}

	stored, err := a.rec.UpsertMarkets(ctx, markets)
	if err != nil {
		return nil, fmt.Errorf("persist markets %s: %w", g.EventTicker, err)
	}
	return stored, nil
}

// seedBook applies a REST snapshot so strategies see prices before the
// stream delivers its first snapshot. Failures are non-fatal.
func (a *Aggregator) seedBook(ctx context.Context, st *game.State, tkr string) bool {
	ob, err := a.catalog.GetOrderbook(ctx, tkr, 0)
	if err != nil {
		a.logger.Warn("initial book fetch failed", "ticker", tkr, "error", err)
		return false
	}

	book := exchange.NewBook(tkr)
	book.ApplySnapshot(types.WSSnapshotMsg{MarketTicker: tkr, Yes: ob.Yes, No: ob.No}, 0)
	st.ApplyOrderbook(book.State())
	return true
}

// routeEvents fans the shared stream feed out to per-game inboxes.
func (a *Aggregator) routeEvents() {
	for {
		select {
		case <-a.ctx.Done():
			return
		case ev := <-a.stream.Events():
			a.route(ev)
		}
	}
}

// route picks the owning slot for one stream event. Connection markers go
// to every slot. Ticker prints carry last-trade fields the fused state has
// no column for and are dropped here.
func (a *Aggregator) route(ev exchange.Event) {
	switch ev.Kind {
	case exchange.EventDisconnect, exchange.EventReconnect:
		a.mu.RLock()
		slots := make([]*gameSlot, 0, len(a.slots))
		for _, s := range a.slots {
			slots = append(slots, s)
		}
		a.mu.RUnlock()
		for _, s := range slots {
			a.enqueue(s, ev)
		}
	case exchange.EventTickerPrint:
	default:
		a.mu.RLock()
		s, ok := a.tickers[ev.Ticker]
		a.mu.RUnlock()
		if ok {
			a.enqueue(s, ev)
		}
	}
}

// enqueue delivers an event to a game inbox. A full inbox sacrifices its
// oldest queued delta and resyncs that ticker; when nothing queued is
// droppable, an incoming delta is dropped instead. Snapshots and connection
// markers are never lost. The router is the only sender, so a receive here
// frees a slot nobody else can take, and because the consumer reads the
// stream's current book rather than the event payload, requeueing
// survivors out of arrival order is harmless.
func (a *Aggregator) enqueue(s *gameSlot, ev exchange.Event) {
	select {
	case s.inbox <- ev:
		return
	default:
	}

	for range cap(s.inbox) {
		var old exchange.Event
		select {
		case old = <-s.inbox:
		default:
			// The worker drained the queue in the meantime.
			s.inbox <- ev
			return
		}
		if old.Kind != exchange.EventDelta {
			s.inbox <- old
			continue
		}
		a.logger.Warn("game inbox full, dropped oldest delta", "ticker", old.Ticker)
		a.stream.Resync(old.Ticker, errInboxFull)
		s.inbox <- ev
		return
	}

	if ev.Kind == exchange.EventDelta {
		a.logger.Warn("game inbox full, dropped incoming delta", "ticker", ev.Ticker)
		a.stream.Resync(ev.Ticker, errInboxFull)
		return
	}
	select {
	case s.inbox <- ev:
	case <-s.done:
	case <-a.ctx.Done():
	}
}
