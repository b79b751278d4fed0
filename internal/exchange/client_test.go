package exchange

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"kalshi-paper/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestClient(t *testing.T, baseURL string) *Client {
	t.Helper()
	cfg := config.ExchangeConfig{RESTURL: baseURL, Timeout: 5 * time.Second}
	return NewClient(cfg, NoopSigner{}, testLogger())
}

func TestGetEventNestedMarkets(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/events/KXNBAGAME-26JAN06DALSAC" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.URL.Query().Get("with_nested_markets") != "true" {
			t.Error("missing with_nested_markets=true")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"event": {
				"event_ticker": "KXNBAGAME-26JAN06DALSAC",
				"series_ticker": "KXNBAGAME",
				"title": "Mavericks at Kings",
				"markets": [
					{"ticker": "KXNBAGAME-26JAN06DALSAC-Y", "event_ticker": "KXNBAGAME-26JAN06DALSAC", "market_type": "binary", "status": "active", "yes_bid": 42, "yes_ask": 44},
					{"ticker": "KXNBAGAME-26JAN06DALSAC-N", "event_ticker": "KXNBAGAME-26JAN06DALSAC", "market_type": "binary", "status": "active", "yes_bid": 56, "yes_ask": 58}
				]
			}
		}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	event, err := c.GetEvent(context.Background(), "KXNBAGAME-26JAN06DALSAC")
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if event.EventTicker != "KXNBAGAME-26JAN06DALSAC" {
		t.Errorf("EventTicker = %q", event.EventTicker)
	}
	if len(event.Markets) != 2 {
		t.Fatalf("markets = %d, want 2", len(event.Markets))
	}
	if event.Markets[0].YesBid != 42 {
		t.Errorf("YesBid = %d, want 42", event.Markets[0].YesBid)
	}
}

func TestGetEventFlatMarkets(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"event": {"event_ticker": "KXNBAGAME-26JAN06DALSAC"},
			"markets": [{"ticker": "KXNBAGAME-26JAN06DALSAC-Y"}]
		}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	event, err := c.GetEvent(context.Background(), "KXNBAGAME-26JAN06DALSAC")
	if err != nil {
		t.Fatalf("GetEvent: %v", err)
	}
	if len(event.Markets) != 1 {
		t.Fatalf("markets = %d, want 1 merged from the flat list", len(event.Markets))
	}
}

func TestGetMarketsPagination(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("cursor") == "" {
			w.Write([]byte(`{"markets": [{"ticker": "A-Y"}], "cursor": "page2"}`))
			return
		}
		w.Write([]byte(`{"markets": [{"ticker": "A-N"}], "cursor": ""}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	markets, err := c.GetMarkets(context.Background(), "A")
	if err != nil {
		t.Fatalf("GetMarkets: %v", err)
	}
	if len(markets) != 2 {
		t.Fatalf("markets = %d, want 2 across pages", len(markets))
	}
	if markets[1].Ticker != "A-N" {
		t.Errorf("second page ticker = %q", markets[1].Ticker)
	}
}

func TestGetOrderbook(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/markets/KXNBAGAME-26JAN06DALSAC-Y/orderbook" {
			t.Errorf("path = %q", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"orderbook": {"yes": [[42, 100], [41, 50]], "no": [[56, 80]]}}`))
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	book, err := c.GetOrderbook(context.Background(), "KXNBAGAME-26JAN06DALSAC-Y", 0)
	if err != nil {
		t.Fatalf("GetOrderbook: %v", err)
	}
	if len(book.Yes) != 2 || len(book.No) != 1 {
		t.Fatalf("levels yes=%d no=%d, want 2 and 1", len(book.Yes), len(book.No))
	}
	if book.Yes[0].Price() != 42 || book.Yes[0].Size() != 100 {
		t.Errorf("yes[0] = %v, want [42 100]", book.Yes[0])
	}
}

func TestAuthFailureIsFatal(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, srv.URL)
	_, err := c.GetEvent(context.Background(), "X")
	if !errors.Is(err, ErrAuthFailed) {
		t.Errorf("err = %v, want ErrAuthFailed", err)
	}
}
