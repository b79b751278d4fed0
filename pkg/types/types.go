// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine: game and market
// metadata, orderbook levels, trade signals, simulated orders, positions,
// and the WebSocket wire payloads. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side is the tradable side of a binary contract.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Opposite returns the other side of the contract.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// GamePhase is the coarse lifecycle phase of a tracked game.
type GamePhase string

const (
	PhaseScheduled GamePhase = "scheduled"
	PhaseLive      GamePhase = "live"
	PhaseFinished  GamePhase = "finished"
)

// MarketKind enumerates the contract families listed per game.
type MarketKind string

const (
	MarketMoneylineHome MarketKind = "moneyline_home"
	MarketMoneylineAway MarketKind = "moneyline_away"
	MarketSpread        MarketKind = "spread"
	MarketTotal         MarketKind = "total"
)

// IsMoneyline reports whether the kind is either moneyline family.
func (k MarketKind) IsMoneyline() bool {
	return k == MarketMoneylineHome || k == MarketMoneylineAway
}

// OrderType enumerates the supported simulated order lifecycles.
type OrderType string

const (
	OrderMarket OrderType = "market"
	OrderLimit  OrderType = "limit"
)

// OrderStatus is the terminal or in-flight state of a simulated order.
type OrderStatus string

const (
	OrderPending   OrderStatus = "pending"
	OrderFilled    OrderStatus = "filled"
	OrderRejected  OrderStatus = "rejected"
	OrderCancelled OrderStatus = "cancelled"
)

// StrategyKind identifies one of the built-in signal generators.
type StrategyKind string

const (
	StrategySharpLine     StrategyKind = "sharp_line"
	StrategyMomentum      StrategyKind = "momentum"
	StrategyEvMultiBook   StrategyKind = "ev_multibook"
	StrategyMeanReversion StrategyKind = "mean_reversion"
	StrategyCorrelation   StrategyKind = "correlation"
)

// ————————————————————————————————————————————————————————————————————————
// Game and market metadata
// ————————————————————————————————————————————————————————————————————————

// Game is the persisted identity of a tracked NBA game. One exchange event
// maps to one game; EventTicker is unique.
type Game struct {
	ID          string    `json:"id"`
	EventTicker string    `json:"event_ticker"`
	NBAGameID   int64     `json:"nba_game_id,omitempty"` // scoreboard provider's game ID, 0 until matched
	HomeTeam    string    `json:"home_team"`             // three-letter abbreviation
	AwayTeam    string    `json:"away_team"`
	HomeTeamID  int64     `json:"home_team_id,omitempty"`
	AwayTeamID  int64     `json:"away_team_id,omitempty"`
	GameDate    time.Time `json:"game_date"`
	Status      string    `json:"status"` // provider status string, e.g. "in_progress"
	IsActive    bool      `json:"is_active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Market is one listed contract belonging to a game. Ticker is unique across
// the exchange. Strike is set for spread and total markets only.
type Market struct {
	ID     string           `json:"id"`
	GameID string           `json:"game_id"`
	Ticker string           `json:"ticker"`
	Kind   MarketKind       `json:"market_type"`
	Strike *decimal.Decimal `json:"strike_value,omitempty"` // e.g. -5.5 for spreads, 220.5 for totals
	Side   Side             `json:"side,omitempty"`         // yes/no where the listing is side-specific
	Team   string           `json:"team,omitempty"`         // spread markets: team the line applies to
	Status string           `json:"status"`
}

// ————————————————————————————————————————————————————————————————————————
// Live data
// ————————————————————————————————————————————————————————————————————————

// NBALive is the latest scoreboard observation for a game.
type NBALive struct {
	NBAGameID     int64     `json:"nba_game_id"`
	Status        string    `json:"status"` // "scheduled", "in_progress", "final"
	Period        int       `json:"period"`
	TimeRemaining string    `json:"time_remaining"` // "MM:SS" within the current period
	HomeScore     int       `json:"home_score"`
	AwayScore     int       `json:"away_score"`
	LastUpdate    time.Time `json:"last_update"`
}

// ScoreDiff returns home score minus away score.
func (n NBALive) ScoreDiff() int { return n.HomeScore - n.AwayScore }

// OddsQuote is one sportsbook vendor's current prices for a game. American
// odds are stored as signed integers; pointer fields are nil when the vendor
// does not quote that line.
type OddsQuote struct {
	Vendor          string           `json:"vendor"`
	MoneylineHome   *int             `json:"moneyline_home,omitempty"`
	MoneylineAway   *int             `json:"moneyline_away,omitempty"`
	SpreadHomeValue *decimal.Decimal `json:"spread_home_value,omitempty"`
	SpreadHomeOdds  *int             `json:"spread_home_odds,omitempty"`
	SpreadAwayValue *decimal.Decimal `json:"spread_away_value,omitempty"`
	SpreadAwayOdds  *int             `json:"spread_away_odds,omitempty"`
	TotalValue      *decimal.Decimal `json:"total_value,omitempty"`
	TotalOverOdds   *int             `json:"total_over_odds,omitempty"`
	TotalUnderOdds  *int             `json:"total_under_odds,omitempty"`
	LastUpdate      time.Time        `json:"last_update"`
}

// Consensus is the aggregate view over all vendors quoting a game. Win
// probabilities are vig-free (normalized to sum to 1); lines are medians.
type Consensus struct {
	NumBooks    int              `json:"num_books"`
	HomeWinProb *decimal.Decimal `json:"home_win_prob,omitempty"` // 0..1
	AwayWinProb *decimal.Decimal `json:"away_win_prob,omitempty"`
	SpreadLine  *decimal.Decimal `json:"spread_line,omitempty"`
	TotalLine   *decimal.Decimal `json:"total_line,omitempty"`
	LastUpdate  time.Time        `json:"last_update"`
}

// OrderbookState is the consolidated top-of-book view for one market,
// derived from the exchange book mirror. All prices are integer cents on
// [0, 100]; nil means the side is empty. The yes ask is implied by the best
// no bid (yes_ask = 100 - no_bid) and vice versa, so yes_ask + no_bid always
// sums to 100 when both books have depth. Values are replaced wholesale on
// every update, never mutated in place.
type OrderbookState struct {
	Ticker     string    `json:"ticker"`
	YesBid     *int      `json:"yes_bid,omitempty"`
	YesBidSize int       `json:"yes_bid_size,omitempty"`
	YesAsk     *int      `json:"yes_ask,omitempty"`
	YesAskSize int       `json:"yes_ask_size,omitempty"`
	NoBid      *int      `json:"no_bid,omitempty"`
	NoBidSize  int       `json:"no_bid_size,omitempty"`
	NoAsk      *int      `json:"no_ask,omitempty"`
	NoAskSize  int       `json:"no_ask_size,omitempty"`
	Stale      bool      `json:"stale,omitempty"` // transport down or awaiting resync
	LastUpdate time.Time `json:"last_update"`
}

// Mid returns the yes-side midpoint in cents: (yes_bid + yes_ask)/2 when
// both are present, the present side when only one is, and false when the
// book is empty. The result may carry half a cent.
func (o OrderbookState) Mid() (decimal.Decimal, bool) {
	switch {
	case o.YesBid != nil && o.YesAsk != nil:
		sum := decimal.NewFromInt(int64(*o.YesBid + *o.YesAsk))
		return sum.Div(decimal.NewFromInt(2)), true
	case o.YesBid != nil:
		return decimal.NewFromInt(int64(*o.YesBid)), true
	case o.YesAsk != nil:
		return decimal.NewFromInt(int64(*o.YesAsk)), true
	}
	return decimal.Decimal{}, false
}

// Spread returns yes_ask - yes_bid in cents, or false if either is absent.
func (o OrderbookState) Spread() (int, bool) {
	if o.YesBid == nil || o.YesAsk == nil {
		return 0, false
	}
	return *o.YesAsk - *o.YesBid, true
}

// TakerPrice returns the cost in cents of buying one contract on the given
// side right now (the ask on that side), or false if that side has no offer.
func (o OrderbookState) TakerPrice(s Side) (int, bool) {
	if s == SideYes {
		if o.YesAsk == nil {
			return 0, false
		}
		return *o.YesAsk, true
	}
	if o.NoAsk == nil {
		return 0, false
	}
	return *o.NoAsk, true
}

// BidFor returns the best resting bid on the given side, used to mark and
// close held positions.
func (o OrderbookState) BidFor(s Side) (int, bool) {
	if s == SideYes {
		if o.YesBid == nil {
			return 0, false
		}
		return *o.YesBid, true
	}
	if o.NoBid == nil {
		return 0, false
	}
	return *o.NoBid, true
}

// ————————————————————————————————————————————————————————————————————————
// Signals, orders, positions
// ————————————————————————————————————————————————————————————————————————

// TradeSignal is the value a strategy emits when it wants a position. The
// execution engine turns it into a simulated market order buying Side at the
// current ask, or a limit order when LimitPrice is set. Confidence is
// informational only.
type TradeSignal struct {
	StrategyID   string          `json:"strategy_id"`
	StrategyKind StrategyKind    `json:"strategy_kind"`
	GameID       string          `json:"game_id"`
	MarketTicker string          `json:"market_ticker"`
	Side         Side            `json:"side"`
	Quantity     int             `json:"quantity"`
	LimitPrice   *int            `json:"limit_price,omitempty"` // cents; nil for market orders
	Confidence   decimal.Decimal `json:"confidence"`            // 0..1
	Reason       string          `json:"reason"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	At           time.Time       `json:"at"`
}

// SimulatedOrder records one pass through the execution engine. Prices are
// integer cents on [0, 100]. LimitPrice is set for limit orders only;
// FillPrice is set once status becomes filled.
type SimulatedOrder struct {
	ID           string      `json:"id"`
	GameID       string      `json:"game_id"`
	StrategyID   string      `json:"strategy_id"`
	MarketID     string      `json:"market_id,omitempty"`
	MarketTicker string      `json:"market_ticker"`
	Type         OrderType   `json:"order_type"`
	Side         Side        `json:"side"`
	Quantity     int         `json:"quantity"`
	LimitPrice   *int        `json:"limit_price,omitempty"`
	FillPrice    *int        `json:"filled_price,omitempty"`
	Status       OrderStatus `json:"status"`
	Reason       string      `json:"reason,omitempty"` // rejection reason, empty otherwise
	PlacedAt     time.Time   `json:"placed_at"`
	FilledAt     *time.Time  `json:"filled_at,omitempty"`
	Signal       *TradeSignal `json:"signal_data,omitempty"`
}

// Position is one row of the position book, keyed by (strategy, market
// ticker, side). AvgPrice carries fractional cents from averaging; realized
// and unrealized P&L are in cents.
type Position struct {
	ID            string           `json:"id"`
	GameID        string           `json:"game_id"`
	StrategyID    string           `json:"strategy_id"`
	MarketID      string           `json:"market_id,omitempty"`
	MarketTicker  string           `json:"market_ticker"`
	Side          Side             `json:"side"`
	Quantity      int              `json:"quantity"`
	AvgPrice      decimal.Decimal  `json:"avg_price"`
	CurrentPrice  *decimal.Decimal `json:"current_price,omitempty"` // last mark (bid on held side)
	UnrealizedPnL decimal.Decimal  `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal  `json:"realized_pnl"`
	IsOpen        bool             `json:"is_open"`
	OpenedAt      time.Time        `json:"opened_at"`
	ClosedAt      *time.Time       `json:"closed_at,omitempty"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// Cost returns the total cost basis in cents (quantity times average price).
func (p Position) Cost() decimal.Decimal {
	return p.AvgPrice.Mul(decimal.NewFromInt(int64(p.Quantity)))
}

// StrategyPerformance is the per-strategy rollup recomputed after every close
// or settlement. A trade is one closed position. ProfitFactor is the sum of
// winning trade P&L over the absolute sum of losing trade P&L; 0 when there
// are no closed trades, and 999999 when there are wins but no losses.
type StrategyPerformance struct {
	StrategyID    string          `json:"strategy_id"`
	TotalTrades   int             `json:"total_trades"`
	WinningTrades int             `json:"winning_trades"`
	LosingTrades  int             `json:"losing_trades"`
	WinRate       decimal.Decimal `json:"win_rate"` // 0..1
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	OpenExposure  decimal.Decimal `json:"open_exposure"`
	ProfitFactor  decimal.Decimal `json:"profit_factor"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// ————————————————————————————————————————————————————————————————————————
// WebSocket wire payloads
// ————————————————————————————————————————————————————————————————————————
// These structs map 1:1 to the JSON frames of the exchange stream. Commands
// go client→server; everything else arrives inside a WSEnvelope whose Seq is
// monotonically increasing per subscription.

// WSCommand is a subscribe/unsubscribe request frame.
type WSCommand struct {
	ID     int      `json:"id"`  // client-chosen correlation ID
	Cmd    string   `json:"cmd"` // "subscribe" or "unsubscribe"
	Params WSParams `json:"params"`
}

// WSParams carries the channel and ticker list for a WSCommand.
type WSParams struct {
	Channels            []string `json:"channels"`
	MarketTickers       []string `json:"market_tickers"`
	SendInitialSnapshot bool     `json:"send_initial_snapshot,omitempty"`
}

// WSEnvelope is the outer frame of every server message. Msg is decoded a
// second time based on Type.
type WSEnvelope struct {
	Type string          `json:"type"` // "orderbook_snapshot", "orderbook_delta", "ticker", "subscribed", "error"
	SID  int64           `json:"sid"`  // subscription ID assigned by the server
	Seq  int64           `json:"seq"`  // per-subscription sequence number
	Msg  json.RawMessage `json:"msg"`
}

// BookLevel is one resting level: [price_cents, contracts].
type BookLevel [2]int

// Price returns the level price in cents.
func (l BookLevel) Price() int { return l[0] }

// Size returns the resting contract count.
func (l BookLevel) Size() int { return l[1] }

// WSSnapshotMsg replaces the entire local book for one market.
type WSSnapshotMsg struct {
	MarketTicker string      `json:"market_ticker"`
	Yes          []BookLevel `json:"yes"` // bids for the yes side
	No           []BookLevel `json:"no"`  // bids for the no side
	TS           int64       `json:"ts"`  // exchange timestamp, unix seconds
}

// WSDeltaMsg updates a single level. Size is the new absolute resting size
// at that price; zero removes the level.
type WSDeltaMsg struct {
	MarketTicker string `json:"market_ticker"`
	Side         Side   `json:"side"`
	Price        int    `json:"price"`
	Size         int    `json:"size"`
	TS           int64  `json:"ts"`
}

// WSTickerMsg is a top-of-book and last-trade print.
type WSTickerMsg struct {
	MarketTicker string `json:"market_ticker"`
	YesBid       int    `json:"yes_bid"`
	YesAsk       int    `json:"yes_ask"`
	Price        int    `json:"price"` // last trade price in cents
	Volume       int64  `json:"volume"`
	TS           int64  `json:"ts"`
}

// WSSubscribedMsg confirms a subscription command.
type WSSubscribedMsg struct {
	Channel string `json:"channel"`
	SID     int64  `json:"sid"`
}

// WSErrorMsg is a server-side error report.
type WSErrorMsg struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}
