package exchange

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"kalshi-paper/pkg/types"
)

var wsUpgrader = websocket.Upgrader{}

// newWSServer starts an httptest server that upgrades every request and hands
// the connection to handler. Returns the ws:// URL to dial.
func newWSServer(t *testing.T, handler func(*websocket.Conn)) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := wsUpgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer conn.Close()
		handler(conn)
	}))
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// runStream starts Run in the background and guarantees the loop has exited
// before the server is torn down.
func runStream(t *testing.T, s *Stream) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		s.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		s.Close()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("stream did not shut down")
		}
	})
}

func readCommand(t *testing.T, conn *websocket.Conn) types.WSCommand {
	t.Helper()
	var cmd types.WSCommand
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if err := conn.ReadJSON(&cmd); err != nil {
		t.Errorf("read command: %v", err)
	}
	return cmd
}

func writeFrame(t *testing.T, conn *websocket.Conn, frame string) {
	t.Helper()
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
		t.Errorf("write frame: %v", err)
	}
}

// discardFrames keeps the connection open until the peer closes it.
func discardFrames(conn *websocket.Conn) {
	conn.SetReadDeadline(time.Time{})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func nextEvent(t *testing.T, s *Stream) Event {
	t.Helper()
	select {
	case ev := <-s.Events():
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for stream event")
		return Event{}
	}
}

func TestStreamSnapshotDeltaFlow(t *testing.T) {
	t.Parallel()
	url := newWSServer(t, func(conn *websocket.Conn) {
		cmd := readCommand(t, conn)
		if cmd.Cmd != "subscribe" {
			t.Errorf("cmd = %q, want subscribe", cmd.Cmd)
		}
		if len(cmd.Params.Channels) != 2 || cmd.Params.Channels[0] != "orderbook_delta" || cmd.Params.Channels[1] != "ticker" {
			t.Errorf("channels = %v", cmd.Params.Channels)
		}
		if len(cmd.Params.MarketTickers) != 1 || cmd.Params.MarketTickers[0] != testTicker {
			t.Errorf("market_tickers = %v", cmd.Params.MarketTickers)
		}
		if !cmd.Params.SendInitialSnapshot {
			t.Error("send_initial_snapshot not set")
		}
		writeFrame(t, conn, `{"type":"subscribed","sid":1,"msg":{"channel":"orderbook_delta","sid":1}}`)
		writeFrame(t, conn, `{"type":"orderbook_snapshot","sid":1,"seq":1,"msg":{"market_ticker":"KXNBAGAME-26JAN06DALSAC-Y","yes":[[45,120],[44,80]],"no":[[52,90]],"ts":1767744000}}`)
		writeFrame(t, conn, `{"type":"orderbook_delta","sid":1,"seq":2,"msg":{"market_ticker":"KXNBAGAME-26JAN06DALSAC-Y","side":"yes","price":46,"size":30,"ts":1767744001}}`)
		writeFrame(t, conn, `{"type":"ticker","sid":2,"seq":1,"msg":{"market_ticker":"KXNBAGAME-26JAN06DALSAC-Y","yes_bid":46,"yes_ask":48,"price":46,"volume":1200,"ts":1767744002}}`)
		discardFrames(conn)
	})

	s := NewStream(url, nil, testLogger())
	if err := s.Subscribe(context.Background(), []string{testTicker}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	runStream(t, s)

	ev := nextEvent(t, s)
	if ev.Kind != EventSnapshot || ev.Ticker != testTicker || ev.Seq != 1 {
		t.Fatalf("event = %+v, want snapshot seq 1", ev)
	}
	if ev.Snapshot == nil || len(ev.Snapshot.Yes) != 2 {
		t.Fatalf("snapshot payload = %+v", ev.Snapshot)
	}

	ev = nextEvent(t, s)
	if ev.Kind != EventDelta || ev.Seq != 2 {
		t.Fatalf("event = %+v, want delta seq 2", ev)
	}
	if ev.Delta == nil || ev.Delta.Price != 46 || ev.Delta.Size != 30 {
		t.Fatalf("delta payload = %+v", ev.Delta)
	}

	ev = nextEvent(t, s)
	if ev.Kind != EventTickerPrint {
		t.Fatalf("event = %+v, want ticker print", ev)
	}
	if ev.Print == nil || ev.Print.Volume != 1200 {
		t.Fatalf("print payload = %+v", ev.Print)
	}

	book, ok := s.Orderbook(testTicker)
	if !ok {
		t.Fatal("Orderbook: ticker missing")
	}
	if book.Stale {
		t.Error("book stale after snapshot and delta")
	}
	if book.YesBid == nil || *book.YesBid != 46 || book.YesBidSize != 30 {
		t.Errorf("yes bid = %v/%d, want 46/30", book.YesBid, book.YesBidSize)
	}
	if book.YesAsk == nil || *book.YesAsk != 48 {
		t.Errorf("yes ask = %v, want 48 implied by the no bid", book.YesAsk)
	}
	if book.NoBid == nil || *book.NoBid != 52 {
		t.Errorf("no bid = %v, want 52", book.NoBid)
	}
}

func TestStreamSequenceGapResync(t *testing.T) {
	t.Parallel()
	url := newWSServer(t, func(conn *websocket.Conn) {
		readCommand(t, conn)
		writeFrame(t, conn, `{"type":"orderbook_snapshot","sid":1,"seq":1,"msg":{"market_ticker":"KXNBAGAME-26JAN06DALSAC-Y","yes":[[45,100]],"no":[[53,60]],"ts":1767744000}}`)
		// seq 3 directly after 1: must invalidate, not apply.
		writeFrame(t, conn, `{"type":"orderbook_delta","sid":1,"seq":3,"msg":{"market_ticker":"KXNBAGAME-26JAN06DALSAC-Y","side":"yes","price":44,"size":10,"ts":1767744001}}`)

		unsub := readCommand(t, conn)
		if unsub.Cmd != "unsubscribe" || len(unsub.Params.MarketTickers) != 1 || unsub.Params.MarketTickers[0] != testTicker {
			t.Errorf("first recovery frame = %+v, want unsubscribe for the gapped ticker", unsub)
		}
		resub := readCommand(t, conn)
		if resub.Cmd != "subscribe" || !resub.Params.SendInitialSnapshot {
			t.Errorf("second recovery frame = %+v, want subscribe with initial snapshot", resub)
		}
		writeFrame(t, conn, `{"type":"orderbook_snapshot","sid":2,"seq":7,"msg":{"market_ticker":"KXNBAGAME-26JAN06DALSAC-Y","yes":[[46,110]],"no":[[52,70]],"ts":1767744002}}`)
		writeFrame(t, conn, `{"type":"orderbook_delta","sid":2,"seq":8,"msg":{"market_ticker":"KXNBAGAME-26JAN06DALSAC-Y","side":"yes","price":47,"size":25,"ts":1767744003}}`)
		discardFrames(conn)
	})

	s := NewStream(url, nil, testLogger())
	if err := s.Subscribe(context.Background(), []string{testTicker}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	runStream(t, s)

	if ev := nextEvent(t, s); ev.Kind != EventSnapshot || ev.Seq != 1 {
		t.Fatalf("event = %+v, want initial snapshot", ev)
	}
	// The gapped delta never surfaces; the next event is the fresh snapshot.
	if ev := nextEvent(t, s); ev.Kind != EventSnapshot || ev.Seq != 7 {
		t.Fatalf("event = %+v, want recovery snapshot seq 7", ev)
	}
	if ev := nextEvent(t, s); ev.Kind != EventDelta || ev.Seq != 8 {
		t.Fatalf("event = %+v, want delta seq 8 on the fresh stream", ev)
	}

	book, ok := s.Orderbook(testTicker)
	if !ok {
		t.Fatal("Orderbook: ticker missing")
	}
	if book.Stale {
		t.Error("book stale after recovery snapshot")
	}
	if book.YesBid == nil || *book.YesBid != 47 {
		t.Errorf("yes bid = %v, want 47", book.YesBid)
	}
}

func TestStreamReconnectResubscribes(t *testing.T) {
	t.Parallel()
	var conns atomic.Int32
	url := newWSServer(t, func(conn *websocket.Conn) {
		n := conns.Add(1)
		cmd := readCommand(t, conn)
		if cmd.Cmd != "subscribe" || len(cmd.Params.MarketTickers) != 1 {
			t.Errorf("connection %d opened with %+v, want subscribe", n, cmd)
		}
		if n == 1 {
			writeFrame(t, conn, `{"type":"orderbook_snapshot","sid":1,"seq":1,"msg":{"market_ticker":"KXNBAGAME-26JAN06DALSAC-Y","yes":[[45,120]],"no":[[52,90]],"ts":1767744000}}`)
			return // dropping the connection forces a reconnect
		}
		writeFrame(t, conn, `{"type":"orderbook_snapshot","sid":2,"seq":9,"msg":{"market_ticker":"KXNBAGAME-26JAN06DALSAC-Y","yes":[[47,60]],"no":[[51,40]],"ts":1767744005}}`)
		discardFrames(conn)
	})

	s := NewStream(url, nil, testLogger())
	reconnected := make(chan struct{}, 1)
	s.OnReconnect(func() {
		select {
		case reconnected <- struct{}{}:
		default:
		}
	})
	if err := s.Subscribe(context.Background(), []string{testTicker}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	runStream(t, s)

	if ev := nextEvent(t, s); ev.Kind != EventSnapshot || ev.Seq != 1 {
		t.Fatalf("event = %+v, want first snapshot", ev)
	}
	if ev := nextEvent(t, s); ev.Kind != EventDisconnect {
		t.Fatalf("event = %+v, want disconnect marker", ev)
	}

	// Last known state stays readable while disconnected, flagged stale.
	book, ok := s.Orderbook(testTicker)
	if !ok || !book.Stale {
		t.Errorf("disconnected book ok=%v stale=%v, want stale last state", ok, book.Stale)
	}
	if book.YesBid == nil || *book.YesBid != 45 {
		t.Errorf("disconnected yes bid = %v, want last known 45", book.YesBid)
	}

	if ev := nextEvent(t, s); ev.Kind != EventReconnect {
		t.Fatalf("event = %+v, want reconnect marker", ev)
	}
	select {
	case <-reconnected:
	case <-time.After(2 * time.Second):
		t.Error("OnReconnect hook did not fire")
	}
	if ev := nextEvent(t, s); ev.Kind != EventSnapshot || ev.Seq != 9 {
		t.Fatalf("event = %+v, want fresh snapshot after reconnect", ev)
	}

	book, ok = s.Orderbook(testTicker)
	if !ok || book.Stale {
		t.Fatalf("book ok=%v stale=%v, want fresh state", ok, book.Stale)
	}
	if book.YesBid == nil || *book.YesBid != 47 {
		t.Errorf("yes bid = %v, want 47", book.YesBid)
	}
}

func TestStreamIncrementalSubscribe(t *testing.T) {
	t.Parallel()
	const second = "KXNBAGAME-26JAN06DALSAC-N"
	url := newWSServer(t, func(conn *websocket.Conn) {
		first := readCommand(t, conn)
		writeFrame(t, conn, `{"type":"orderbook_snapshot","sid":1,"seq":1,"msg":{"market_ticker":"KXNBAGAME-26JAN06DALSAC-Y","yes":[[45,120]],"no":[[52,90]],"ts":1767744000}}`)

		add := readCommand(t, conn)
		if add.Cmd != "subscribe" || len(add.Params.MarketTickers) != 1 || add.Params.MarketTickers[0] != second {
			t.Errorf("incremental frame = %+v, want subscribe for the new ticker only", add)
		}
		if add.ID <= first.ID {
			t.Errorf("command id %d not above %d", add.ID, first.ID)
		}
		writeFrame(t, conn, `{"type":"orderbook_snapshot","sid":2,"seq":1,"msg":{"market_ticker":"KXNBAGAME-26JAN06DALSAC-N","yes":[[52,90]],"no":[[45,120]],"ts":1767744001}}`)

		drop := readCommand(t, conn)
		if drop.Cmd != "unsubscribe" || len(drop.Params.MarketTickers) != 1 || drop.Params.MarketTickers[0] != testTicker {
			t.Errorf("drop frame = %+v, want unsubscribe for the original ticker", drop)
		}
		discardFrames(conn)
	})

	s := NewStream(url, nil, testLogger())
	if err := s.Subscribe(context.Background(), []string{testTicker}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	runStream(t, s)

	if ev := nextEvent(t, s); ev.Kind != EventSnapshot || ev.Ticker != testTicker {
		t.Fatalf("event = %+v, want snapshot for the initial ticker", ev)
	}

	// Re-subscribing the existing ticker alongside a new one sends a frame
	// for the new one only.
	if err := s.Subscribe(context.Background(), []string{testTicker, second}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if ev := nextEvent(t, s); ev.Kind != EventSnapshot || ev.Ticker != second {
		t.Fatalf("event = %+v, want snapshot for the added ticker", ev)
	}

	if err := s.Unsubscribe(context.Background(), []string{testTicker}); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if _, ok := s.Orderbook(testTicker); ok {
		t.Error("unsubscribed ticker still has a book")
	}
	if _, ok := s.Orderbook(second); !ok {
		t.Error("remaining ticker lost its book")
	}
}

func TestStreamMalformedFramesDropped(t *testing.T) {
	t.Parallel()
	url := newWSServer(t, func(conn *websocket.Conn) {
		readCommand(t, conn)
		writeFrame(t, conn, `{not json`)
		writeFrame(t, conn, `{"type":"orderbook_snapshot","sid":1,"seq":1,"msg":{"market_ticker":"KXNBAGAME-26JAN06DALSAC-Y","yes":"nope"}}`)
		writeFrame(t, conn, `{"type":"orderbook_snapshot","sid":1,"seq":2,"msg":{"market_ticker":"KXNBAGAME-26JAN06DALSAC-Y","yes":[[45,120]],"no":[[52,90]],"ts":1767744000}}`)
		discardFrames(conn)
	})

	s := NewStream(url, nil, testLogger())
	if err := s.Subscribe(context.Background(), []string{testTicker}); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	runStream(t, s)

	if ev := nextEvent(t, s); ev.Kind != EventSnapshot || ev.Seq != 2 {
		t.Fatalf("event = %+v, want the valid snapshot only", ev)
	}
}

func TestStreamAuthFailureFatal(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	t.Cleanup(srv.Close)

	s := NewStream("ws"+strings.TrimPrefix(srv.URL, "http"), nil, testLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Run(ctx); !errors.Is(err, ErrAuthFailed) {
		t.Fatalf("Run = %v, want ErrAuthFailed", err)
	}
}
