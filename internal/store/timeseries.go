// timeseries.go appends the market-data history: orderbook snapshots keyed
// to the market catalog, scoreboard observations, and per-vendor odds rows.

package store

import (
	"context"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"

	"kalshi-paper/pkg/types"
)

const orderbookInsertSQL = `
INSERT INTO orderbook_snapshots (
    market_id, timestamp,
    yes_bid, yes_ask, no_bid, no_ask,
    yes_bid_size, yes_ask_size, no_bid_size, no_ask_size
)
SELECT id, @timestamp,
       @yes_bid, @yes_ask, @no_bid, @no_ask,
       @yes_bid_size, @yes_ask_size, @no_bid_size, @no_ask_size
FROM kalshi_markets
WHERE ticker = @ticker AND game_id = @game_id;
`

const nbaInsertSQL = `
INSERT INTO nba_live_data (
    game_id, timestamp, period, time_remaining,
    home_score, away_score, game_status, raw_data
)
VALUES (
    @game_id, @timestamp, @period, @time_remaining,
    @home_score, @away_score, @game_status, @raw_data
);
`

const oddsInsertSQL = `
INSERT INTO betting_odds (
    game_id, nba_game_id, timestamp, vendor,
    moneyline_home, moneyline_away,
    spread_home_value, spread_home_odds, spread_away_value, spread_away_odds,
    total_value, total_over_odds, total_under_odds
)
VALUES (
    @game_id, (SELECT nba_game_id FROM games WHERE id = @game_id), @timestamp, @vendor,
    @moneyline_home, @moneyline_away,
    @spread_home_value, @spread_home_odds, @spread_away_value, @spread_away_odds,
    @total_value, @total_over_odds, @total_under_odds
);
`

func orderbookArgs(gameID string, book types.OrderbookState) pgx.NamedArgs {
	return pgx.NamedArgs{
		"game_id":      gameID,
		"ticker":       book.Ticker,
		"timestamp":    book.LastUpdate.UTC(),
		"yes_bid":      nullableInt(book.YesBid),
		"yes_ask":      nullableInt(book.YesAsk),
		"no_bid":       nullableInt(book.NoBid),
		"no_ask":       nullableInt(book.NoAsk),
		"yes_bid_size": book.YesBidSize,
		"yes_ask_size": book.YesAskSize,
		"no_bid_size":  book.NoBidSize,
		"no_ask_size":  book.NoAskSize,
	}
}

// nbaArgs carries the typed scoreboard columns plus the full observation as
// raw_data, so history keeps fields the columns do not model.
func nbaArgs(gameID string, live types.NBALive) (pgx.NamedArgs, error) {
	raw, err := json.Marshal(live)
	if err != nil {
		return nil, fmt.Errorf("encode scoreboard raw_data: %w", err)
	}
	return pgx.NamedArgs{
		"game_id":        gameID,
		"timestamp":      live.LastUpdate.UTC(),
		"period":         live.Period,
		"time_remaining": live.TimeRemaining,
		"home_score":     live.HomeScore,
		"away_score":     live.AwayScore,
		"game_status":    live.Status,
		"raw_data":       raw,
	}, nil
}

func oddsArgs(gameID string, q types.OddsQuote) pgx.NamedArgs {
	return pgx.NamedArgs{
		"game_id":           gameID,
		"timestamp":         q.LastUpdate.UTC(),
		"vendor":            q.Vendor,
		"moneyline_home":    nullableInt(q.MoneylineHome),
		"moneyline_away":    nullableInt(q.MoneylineAway),
		"spread_home_value": nullableDecimal(q.SpreadHomeValue),
		"spread_home_odds":  nullableInt(q.SpreadHomeOdds),
		"spread_away_value": nullableDecimal(q.SpreadAwayValue),
		"spread_away_odds":  nullableInt(q.SpreadAwayOdds),
		"total_value":       nullableDecimal(q.TotalValue),
		"total_over_odds":   nullableInt(q.TotalOverOdds),
		"total_under_odds":  nullableInt(q.TotalUnderOdds),
	}
}

// SaveOrderbook appends one top-of-book snapshot, resolving the market row
// from the ticker. A ticker outside the game's catalog is an error rather
// than a silent no-op.
func (s *Store) SaveOrderbook(ctx context.Context, gameID string, book types.OrderbookState) error {
	tag, err := s.pool.Exec(ctx, orderbookInsertSQL, orderbookArgs(gameID, book))
	if err != nil {
		return fmt.Errorf("insert orderbook snapshot %s: %w", book.Ticker, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("insert orderbook snapshot %s: market not cataloged", book.Ticker)
	}
	return nil
}

// SaveNBASnapshot appends one scoreboard observation.
func (s *Store) SaveNBASnapshot(ctx context.Context, gameID string, live types.NBALive) error {
	args, err := nbaArgs(gameID, live)
	if err != nil {
		return err
	}
	if _, err := s.pool.Exec(ctx, nbaInsertSQL, args); err != nil {
		return fmt.Errorf("insert scoreboard row: %w", err)
	}
	return nil
}

// SaveOddsQuote appends one vendor's current quote for a game.
func (s *Store) SaveOddsQuote(ctx context.Context, gameID string, quote types.OddsQuote) error {
	if _, err := s.pool.Exec(ctx, oddsInsertSQL, oddsArgs(gameID, quote)); err != nil {
		return fmt.Errorf("insert odds quote %s: %w", quote.Vendor, err)
	}
	return nil
}
