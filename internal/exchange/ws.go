// ws.go implements the streaming orderbook subscription.
//
// A single connection carries every subscribed market. The exchange sends a
// full snapshot per market on (re)subscribe followed by sequenced deltas;
// Stream reconciles them into per-market Books and emits typed events. On
// transport failure it reconnects with exponential backoff (1s base, factor
// 2, ±20% jitter, 30s cap, unbounded attempts) and re-subscribes the full
// ticker set, so consumers see a Disconnect marker, then a Reconnect
// marker, then fresh snapshots. Books read while disconnected return the
// last known state flagged stale.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	gojson "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"kalshi-paper/pkg/types"
)

const (
	channelDelta  = "orderbook_delta"
	channelTicker = "ticker"

	pingInterval    = 10 * time.Second // keepalive cadence
	readTimeout     = 30 * time.Second // ~3 missed pongs triggers reconnect
	writeTimeout    = 10 * time.Second // deadline for outgoing frames
	eventBufferSize = 256

	wsInitialBackoff = time.Second
	wsMaxBackoff     = 30 * time.Second
)

// ErrNotConnected reports a write attempted while the transport is down.
var ErrNotConnected = errors.New("stream not connected")

// EventKind discriminates Stream events.
type EventKind string

const (
	EventSnapshot    EventKind = "orderbook_snapshot"
	EventDelta       EventKind = "orderbook_delta"
	EventTickerPrint EventKind = "ticker"
	EventDisconnect  EventKind = "disconnect"
	EventReconnect   EventKind = "reconnect"
)

// Event is one typed message from the stream. Exactly one of Snapshot,
// Delta, Print is set for data events; marker events carry only Kind and At.
type Event struct {
	Kind     EventKind
	Ticker   string
	Seq      int64
	Snapshot *types.WSSnapshotMsg
	Delta    *types.WSDeltaMsg
	Print    *types.WSTickerMsg
	At       time.Time
}

// Stream maintains the streaming subscription: connection lifecycle,
// subscription tracking, book reconciliation, and reconnection.
type Stream struct {
	url    string
	signer Signer

	conn   *websocket.Conn
	connMu sync.Mutex // protects conn writes and replacement

	subscribedMu sync.RWMutex
	subscribed   map[string]bool // market tickers to (re)subscribe

	booksMu sync.RWMutex
	books   map[string]*Book
	resync  map[string]bool // tickers with a gap, waiting on a snapshot

	events chan Event
	cmdID  atomic.Int64
	up     atomic.Bool // true between successful subscribe and read-loop exit

	// Owned by the Run goroutine.
	sawSession bool

	onReconnect func() // optional, set before Run

	logger *slog.Logger
}

// NewStream creates a stream for the given WebSocket URL. A nil signer
// connects unauthenticated.
func NewStream(wsURL string, signer Signer, logger *slog.Logger) *Stream {
	if signer == nil {
		signer = NoopSigner{}
	}
	return &Stream{
		url:        wsURL,
		signer:     signer,
		subscribed: make(map[string]bool),
		books:      make(map[string]*Book),
		resync:     make(map[string]bool),
		events:     make(chan Event, eventBufferSize),
		logger:     logger.With("component", "exchange_stream"),
	}
}

// Events returns the stream's typed event channel.
func (s *Stream) Events() <-chan Event { return s.events }

// OnReconnect registers fn to run after each successful reconnect, once the
// ticker set is re-subscribed. Must be set before Run.
func (s *Stream) OnReconnect(fn func()) { s.onReconnect = fn }

// Orderbook returns the consolidated book for a ticker. ok is false when the
// ticker was never subscribed.
func (s *Stream) Orderbook(ticker string) (types.OrderbookState, bool) {
	s.booksMu.RLock()
	book, ok := s.books[ticker]
	s.booksMu.RUnlock()
	if !ok {
		return types.OrderbookState{}, false
	}
	return book.State(), true
}

// Subscribe adds tickers to the subscription set. Idempotent: tickers
// already subscribed are skipped. When connected, an incremental
// subscription frame goes out for the new tickers; the server answers with
// fresh snapshots.
func (s *Stream) Subscribe(ctx context.Context, tickers []string) error {
	s.subscribedMu.Lock()
	fresh := make([]string, 0, len(tickers))
	for _, t := range tickers {
		if !s.subscribed[t] {
			s.subscribed[t] = true
			fresh = append(fresh, t)
		}
	}
	s.subscribedMu.Unlock()

	for _, t := range fresh {
		s.bookFor(t)
	}

	if len(fresh) == 0 || !s.up.Load() {
		return nil
	}
	return s.sendSubscribe(fresh)
}

// Unsubscribe removes tickers and drops their local books.
func (s *Stream) Unsubscribe(ctx context.Context, tickers []string) error {
	s.subscribedMu.Lock()
	present := make([]string, 0, len(tickers))
	for _, t := range tickers {
		if s.subscribed[t] {
			delete(s.subscribed, t)
			present = append(present, t)
		}
	}
	s.subscribedMu.Unlock()

	s.booksMu.Lock()
	for _, t := range present {
		delete(s.books, t)
		delete(s.resync, t)
	}
	s.booksMu.Unlock()

	if len(present) == 0 || !s.up.Load() {
		return nil
	}
	return s.sendUnsubscribe(present)
}

// Run connects and maintains the stream until ctx is cancelled. Auth
// failures are fatal; every other failure reconnects with backoff.
func (s *Stream) Run(ctx context.Context) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = wsInitialBackoff
	bo.Multiplier = 2
	bo.RandomizationFactor = 0.2
	bo.MaxInterval = wsMaxBackoff

	for {
		err := s.connectAndRead(ctx, bo)
		if s.up.Swap(false) {
			s.markAllStale()
			s.emitMarker(EventDisconnect)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if errors.Is(err, ErrAuthFailed) {
			return err
		}

		wait := bo.NextBackOff()
		if wait == backoff.Stop {
			wait = wsMaxBackoff
		}
		s.logger.Warn("stream disconnected, reconnecting",
			"error", err,
			"backoff", wait,
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

// Close closes the underlying connection if one is open.
func (s *Stream) Close() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn != nil {
		return s.conn.Close()
	}
	return nil
}

func (s *Stream) connectAndRead(ctx context.Context, bo *backoff.ExponentialBackOff) error {
	header := http.Header{}
	if path := s.wsPath(); path != "" {
		hdrs, err := s.signer.Headers(http.MethodGet, path)
		if err != nil {
			return fmt.Errorf("sign upgrade: %w", err)
		}
		for k, v := range hdrs {
			header.Set(k, v)
		}
	}

	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, s.url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return fmt.Errorf("%w: upgrade status %d", ErrAuthFailed, resp.StatusCode)
		}
		return fmt.Errorf("dial: %w", err)
	}

	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()

	defer func() {
		s.connMu.Lock()
		conn.Close()
		s.conn = nil
		s.connMu.Unlock()
	}()

	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	// Re-subscribe the full current ticker set before surfacing events.
	if tickers := s.allSubscribed(); len(tickers) > 0 {
		if err := s.sendSubscribe(tickers); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	s.up.Store(true)
	bo.Reset()
	if s.sawSession {
		s.emitMarker(EventReconnect)
		if s.onReconnect != nil {
			s.onReconnect()
		}
	}
	s.sawSession = true

	s.logger.Info("stream connected", "tickers", len(s.allSubscribed()))

	pingCtx, pingCancel := context.WithCancel(ctx)
	defer pingCancel()
	go s.pingLoop(pingCtx)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}

		s.dispatch(msg)
	}
}

// dispatch routes one raw frame. Malformed frames are logged and dropped.
func (s *Stream) dispatch(data []byte) {
	var env types.WSEnvelope
	if err := gojson.Unmarshal(data, &env); err != nil {
		s.logger.Warn("malformed frame dropped", "error", err)
		return
	}

	switch env.Type {
	case "orderbook_snapshot":
		var snap types.WSSnapshotMsg
		if err := gojson.Unmarshal(env.Msg, &snap); err != nil {
			s.logger.Warn("malformed snapshot dropped", "error", err)
			return
		}
		s.bookFor(snap.MarketTicker).ApplySnapshot(snap, env.Seq)
		s.clearResync(snap.MarketTicker)
		s.emitSnapshot(Event{
			Kind:     EventSnapshot,
			Ticker:   snap.MarketTicker,
			Seq:      env.Seq,
			Snapshot: &snap,
			At:       time.Now(),
		})

	case "orderbook_delta":
		var delta types.WSDeltaMsg
		if err := gojson.Unmarshal(env.Msg, &delta); err != nil {
			s.logger.Warn("malformed delta dropped", "error", err)
			return
		}
		if err := s.bookFor(delta.MarketTicker).ApplyDelta(delta, env.Seq); err != nil {
			s.requestResync(delta.MarketTicker, err)
			return
		}
		s.emit(Event{
			Kind:   EventDelta,
			Ticker: delta.MarketTicker,
			Seq:    env.Seq,
			Delta:  &delta,
			At:     time.Now(),
		})

	case "ticker":
		var print types.WSTickerMsg
		if err := gojson.Unmarshal(env.Msg, &print); err != nil {
			s.logger.Warn("malformed ticker dropped", "error", err)
			return
		}
		s.emit(Event{
			Kind:   EventTickerPrint,
			Ticker: print.MarketTicker,
			Seq:    env.Seq,
			Print:  &print,
			At:     time.Now(),
		})

	case "subscribed":
		var sub types.WSSubscribedMsg
		if err := gojson.Unmarshal(env.Msg, &sub); err == nil {
			s.logger.Debug("subscription confirmed", "channel", sub.Channel, "sid", sub.SID)
		}

	case "error":
		var wsErr types.WSErrorMsg
		if err := gojson.Unmarshal(env.Msg, &wsErr); err == nil {
			s.logger.Error("server error frame", "code", wsErr.Code, "msg", wsErr.Msg)
		}

	default:
		s.logger.Debug("unknown message type", "type", env.Type)
	}
}

// emit delivers a data event without ever blocking the reader. When the
// buffer is full the incoming delta is dropped and a resync is requested so
// the consumer recovers from a fresh snapshot.
func (s *Stream) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
		s.logger.Warn("event buffer full, dropping", "kind", ev.Kind, "ticker", ev.Ticker)
		if ev.Kind == EventDelta {
			s.requestResync(ev.Ticker, errors.New("event buffer full"))
		}
	}
}

// emitSnapshot delivers a snapshot event, evicting the oldest buffered
// events if needed. Snapshots are never dropped; an evicted snapshot for
// another ticker triggers a resync for that ticker.
func (s *Stream) emitSnapshot(ev Event) {
	for {
		select {
		case s.events <- ev:
			return
		default:
		}
		select {
		case old := <-s.events:
			if old.Kind == EventSnapshot && old.Ticker != ev.Ticker {
				s.requestResync(old.Ticker, errors.New("snapshot evicted under back-pressure"))
			}
		default:
		}
	}
}

// emitMarker delivers a lifecycle marker, evicting the oldest event if the
// buffer is full so markers always land.
func (s *Stream) emitMarker(kind EventKind) {
	ev := Event{Kind: kind, At: time.Now()}
	for {
		select {
		case s.events <- ev:
			return
		default:
		}
		select {
		case <-s.events:
		default:
		}
	}
}

func (s *Stream) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.connMu.Lock()
			conn := s.conn
			var err error
			if conn != nil {
				err = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			}
			s.connMu.Unlock()
			if err != nil {
				s.logger.Warn("ping failed", "error", err)
				return
			}
		}
	}
}

// Resync requests a fresh snapshot for a ticker whose downstream view can no
// longer be trusted, for example after a consumer dropped one of its updates.
func (s *Stream) Resync(ticker string, cause error) {
	s.requestResync(ticker, cause)
}

// requestResync forces a fresh snapshot for a gapped ticker by cycling its
// subscription. Only the first request per gap sends frames; later ones
// no-op until the snapshot arrives.
func (s *Stream) requestResync(ticker string, cause error) {
	s.booksMu.Lock()
	already := s.resync[ticker]
	s.resync[ticker] = true
	s.booksMu.Unlock()
	if already {
		return
	}

	s.logger.Warn("requesting resync", "ticker", ticker, "error", cause)
	if !s.up.Load() {
		return // reconnect re-subscribes everything anyway
	}
	if err := s.sendUnsubscribe([]string{ticker}); err != nil {
		s.logger.Warn("resync unsubscribe failed", "ticker", ticker, "error", err)
		return
	}
	if err := s.sendSubscribe([]string{ticker}); err != nil {
		s.logger.Warn("resync subscribe failed", "ticker", ticker, "error", err)
	}
}

func (s *Stream) clearResync(ticker string) {
	s.booksMu.Lock()
	delete(s.resync, ticker)
	s.booksMu.Unlock()
}

// bookFor returns the book for a ticker, creating it if absent.
func (s *Stream) bookFor(ticker string) *Book {
	s.booksMu.RLock()
	book, ok := s.books[ticker]
	s.booksMu.RUnlock()
	if ok {
		return book
	}

	s.booksMu.Lock()
	defer s.booksMu.Unlock()
	if book, ok = s.books[ticker]; ok {
		return book
	}
	book = NewBook(ticker)
	s.books[ticker] = book
	return book
}

func (s *Stream) markAllStale() {
	s.booksMu.RLock()
	defer s.booksMu.RUnlock()
	for _, book := range s.books {
		book.MarkStale()
	}
}

func (s *Stream) allSubscribed() []string {
	s.subscribedMu.RLock()
	defer s.subscribedMu.RUnlock()
	tickers := make([]string, 0, len(s.subscribed))
	for t := range s.subscribed {
		tickers = append(tickers, t)
	}
	return tickers
}

func (s *Stream) sendSubscribe(tickers []string) error {
	return s.writeJSON(types.WSCommand{
		ID:  int(s.cmdID.Add(1)),
		Cmd: "subscribe",
		Params: types.WSParams{
			Channels:            []string{channelDelta, channelTicker},
			MarketTickers:       tickers,
			SendInitialSnapshot: true,
		},
	})
}

func (s *Stream) sendUnsubscribe(tickers []string) error {
	return s.writeJSON(types.WSCommand{
		ID:  int(s.cmdID.Add(1)),
		Cmd: "unsubscribe",
		Params: types.WSParams{
			Channels:      []string{channelDelta, channelTicker},
			MarketTickers: tickers,
		},
	})
}

func (s *Stream) writeJSON(v any) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if s.conn == nil {
		return ErrNotConnected
	}
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteJSON(v)
}

func (s *Stream) wsPath() string {
	u, err := url.Parse(s.url)
	if err != nil {
		return ""
	}
	return u.Path
}
