// Package exchange implements the Kalshi trade API surface: request
// signing, a rate-limited REST client for event and market discovery, and
// the streaming orderbook subscription.
//
// The REST client (Client) covers the read endpoints the engine needs:
//   - GetEvent:     GET /events/{ticker}             (event plus its markets)
//   - GetMarkets:   GET /markets?event_ticker=       (market listing)
//   - GetMarket:    GET /markets/{ticker}            (single market)
//   - GetOrderbook: GET /markets/{ticker}/orderbook  (REST book snapshot)
//
// Every request is rate-limited per category, retried on 5xx and 429, and
// signed when credentials are configured.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"

	"kalshi-paper/internal/config"
	"kalshi-paper/pkg/types"
)

// ErrAuthFailed reports rejected credentials. It is fatal: retrying without
// reconfiguration cannot succeed.
var ErrAuthFailed = errors.New("exchange authentication failed")

// APIMarket is the market object returned by the REST API. All prices are
// integer cents.
type APIMarket struct {
	Ticker       string    `json:"ticker"`
	EventTicker  string    `json:"event_ticker"`
	MarketType   string    `json:"market_type"`
	Title        string    `json:"title"`
	Status       string    `json:"status"`
	YesBid       int       `json:"yes_bid"`
	YesAsk       int       `json:"yes_ask"`
	NoBid        int       `json:"no_bid"`
	NoAsk        int       `json:"no_ask"`
	Volume       int64     `json:"volume"`
	OpenInterest int64     `json:"open_interest"`
	CloseTime    time.Time `json:"close_time"`
}

// APIEvent is an event with its listed markets.
type APIEvent struct {
	EventTicker  string      `json:"event_ticker"`
	SeriesTicker string      `json:"series_ticker"`
	Title        string      `json:"title"`
	Markets      []APIMarket `json:"markets,omitempty"`
}

// APIOrderbook is the REST book: levels are [price_cents, contracts] pairs,
// resting bids per side.
type APIOrderbook struct {
	Yes []types.BookLevel `json:"yes"`
	No  []types.BookLevel `json:"no"`
}

type eventResponse struct {
	Event   APIEvent    `json:"event"`
	Markets []APIMarket `json:"markets"`
}

type marketsResponse struct {
	Markets []APIMarket `json:"markets"`
	Cursor  string      `json:"cursor"`
}

type marketResponse struct {
	Market APIMarket `json:"market"`
}

type orderbookResponse struct {
	Orderbook APIOrderbook `json:"orderbook"`
}

// Client is the REST API client. It wraps a resty HTTP client with rate
// limiting, retry, and request signing.
type Client struct {
	http     *resty.Client
	signer   Signer
	rl       *RateLimiter
	basePath string // path component of the base URL, part of the signed message
	logger   *slog.Logger
}

// NewClient creates a REST client from config. A nil signer disables
// request signing (public endpoints only).
func NewClient(cfg config.ExchangeConfig, signer Signer, logger *slog.Logger) *Client {
	httpClient := resty.New().
		SetBaseURL(cfg.RESTURL).
		SetTimeout(cfg.Timeout).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500 || r.StatusCode() == http.StatusTooManyRequests
		}).
		SetHeader("Content-Type", "application/json")

	basePath := ""
	if u, err := url.Parse(cfg.RESTURL); err == nil {
		basePath = u.Path
	}
	if signer == nil {
		signer = NoopSigner{}
	}

	return &Client{
		http:     httpClient,
		signer:   signer,
		rl:       NewRateLimiter(),
		basePath: basePath,
		logger:   logger.With("component", "exchange_rest"),
	}
}

// GetEvent fetches an event and its markets.
func (c *Client) GetEvent(ctx context.Context, eventTicker string) (*APIEvent, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.signer.Headers(http.MethodGet, c.basePath+"/events/"+eventTicker)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	var result eventResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetQueryParam("with_nested_markets", "true").
		SetResult(&result).
		Get("/events/" + eventTicker)
	if err != nil {
		return nil, fmt.Errorf("get event: %w", err)
	}
	if err := checkStatus("get event", resp); err != nil {
		return nil, err
	}

	event := result.Event
	if len(event.Markets) == 0 {
		event.Markets = result.Markets
	}
	return &event, nil
}

// GetMarkets lists every market of an event, following pagination.
func (c *Client) GetMarkets(ctx context.Context, eventTicker string) ([]APIMarket, error) {
	var markets []APIMarket
	cursor := ""

	for {
		if err := c.rl.Data.Wait(ctx); err != nil {
			return nil, err
		}

		headers, err := c.signer.Headers(http.MethodGet, c.basePath+"/markets")
		if err != nil {
			return nil, fmt.Errorf("sign request: %w", err)
		}

		req := c.http.R().
			SetContext(ctx).
			SetHeaders(headers).
			SetQueryParam("event_ticker", eventTicker)
		if cursor != "" {
			req.SetQueryParam("cursor", cursor)
		}

		var result marketsResponse
		resp, err := req.SetResult(&result).Get("/markets")
		if err != nil {
			return nil, fmt.Errorf("get markets: %w", err)
		}
		if err := checkStatus("get markets", resp); err != nil {
			return nil, err
		}

		markets = append(markets, result.Markets...)
		if result.Cursor == "" {
			return markets, nil
		}
		cursor = result.Cursor
	}
}

// GetMarket fetches a single market by ticker.
func (c *Client) GetMarket(ctx context.Context, ticker string) (*APIMarket, error) {
	if err := c.rl.Data.Wait(ctx); err != nil {
		return nil, err
	}

	headers, err := c.signer.Headers(http.MethodGet, c.basePath+"/markets/"+ticker)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	var result marketResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetHeaders(headers).
		SetResult(&result).
		Get("/markets/" + ticker)
	if err != nil {
		return nil, fmt.Errorf("get market: %w", err)
	}
	if err := checkStatus("get market", resp); err != nil {
		return nil, err
	}
	return &result.Market, nil
}

// GetOrderbook fetches a REST book snapshot, used to seed state before the
// stream delivers its first snapshot. depth <= 0 requests full depth.
func (c *Client) GetOrderbook(ctx context.Context, ticker string, depth int) (*APIOrderbook, error) {
	if err := c.rl.Book.Wait(ctx); err != nil {
		return nil, err
	}

	path := "/markets/" + ticker + "/orderbook"
	headers, err := c.signer.Headers(http.MethodGet, c.basePath+path)
	if err != nil {
		return nil, fmt.Errorf("sign request: %w", err)
	}

	req := c.http.R().
		SetContext(ctx).
		SetHeaders(headers)
	if depth > 0 {
		req.SetQueryParam("depth", fmt.Sprintf("%d", depth))
	}

	var result orderbookResponse
	resp, err := req.SetResult(&result).Get(path)
	if err != nil {
		return nil, fmt.Errorf("get orderbook: %w", err)
	}
	if err := checkStatus("get orderbook", resp); err != nil {
		return nil, err
	}
	return &result.Orderbook, nil
}

func checkStatus(op string, resp *resty.Response) error {
	switch resp.StatusCode() {
	case http.StatusOK:
		return nil
	case http.StatusUnauthorized, http.StatusForbidden:
		return fmt.Errorf("%s: %w: status %d: %s", op, ErrAuthFailed, resp.StatusCode(), resp.String())
	default:
		return fmt.Errorf("%s: status %d: %s", op, resp.StatusCode(), resp.String())
	}
}
