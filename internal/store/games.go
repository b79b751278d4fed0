// games.go covers game identity and the per-game market catalog. Upserts
// key on the natural uniques (event_ticker, ticker) so rehydrating a game
// keeps its stored row IDs.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"kalshi-paper/internal/ticker"
	"kalshi-paper/pkg/types"
)

const gameUpsertSQL = `
INSERT INTO games (
    id, event_ticker, ticker_seed, nba_game_id, home_team, away_team,
    home_team_id, away_team_id, game_date, status, is_active
)
VALUES (
    @id, @event_ticker, @ticker_seed, @nba_game_id, @home_team, @away_team,
    @home_team_id, @away_team_id, @game_date, @status, @is_active
)
ON CONFLICT (event_ticker) DO UPDATE SET
    nba_game_id  = COALESCE(EXCLUDED.nba_game_id, games.nba_game_id),
    home_team_id = COALESCE(EXCLUDED.home_team_id, games.home_team_id),
    away_team_id = COALESCE(EXCLUDED.away_team_id, games.away_team_id),
    status       = EXCLUDED.status,
    is_active    = EXCLUDED.is_active;
`

const gameSelectSQL = `
SELECT id::text, event_ticker, COALESCE(nba_game_id, 0),
       home_team, away_team,
       COALESCE(home_team_id, 0), COALESCE(away_team_id, 0),
       game_date, status, is_active, created_at, updated_at
FROM games
WHERE event_ticker = $1;
`

const marketUpsertSQL = `
INSERT INTO kalshi_markets (id, game_id, ticker, market_type, strike_value, side, status)
VALUES (@id, @game_id, @ticker, @market_type, @strike_value, @side, @status)
ON CONFLICT (ticker) DO UPDATE SET
    market_type  = EXCLUDED.market_type,
    strike_value = EXCLUDED.strike_value,
    side         = EXCLUDED.side,
    status       = COALESCE(EXCLUDED.status, kalshi_markets.status)
RETURNING id::text;
`

const marketsForGameSQL = `
SELECT id::text, game_id::text, ticker, market_type,
       strike_value::text, COALESCE(side, ''), COALESCE(status, '')
FROM kalshi_markets
WHERE game_id = $1
ORDER BY ticker;
`

// gameArgs maps a game onto the games columns. ticker_seed records the
// ticker the game was loaded from, which after input normalization is the
// canonical event ticker. A scoreboard identity already stored is never
// nulled out by a later upsert that lacks one.
func gameArgs(g types.Game) pgx.NamedArgs {
	return pgx.NamedArgs{
		"id":           g.ID,
		"event_ticker": g.EventTicker,
		"ticker_seed":  g.EventTicker,
		"nba_game_id":  idOrNull(g.NBAGameID),
		"home_team":    g.HomeTeam,
		"away_team":    g.AwayTeam,
		"home_team_id": idOrNull(g.HomeTeamID),
		"away_team_id": idOrNull(g.AwayTeamID),
		"game_date":    g.GameDate.UTC(),
		"status":       g.Status,
		"is_active":    g.IsActive,
	}
}

func marketArgs(m types.Market) pgx.NamedArgs {
	return pgx.NamedArgs{
		"id":           m.ID,
		"game_id":      m.GameID,
		"ticker":       m.Ticker,
		"market_type":  string(m.Kind),
		"strike_value": nullableDecimal(m.Strike),
		"side":         nullableString(string(m.Side)),
		"status":       nullableString(m.Status),
	}
}

// GameByEventTicker returns the stored game for an event ticker, reporting
// false without error when none exists.
func (s *Store) GameByEventTicker(ctx context.Context, eventTicker string) (types.Game, bool, error) {
	var g types.Game
	err := s.pool.QueryRow(ctx, gameSelectSQL, eventTicker).Scan(
		&g.ID, &g.EventTicker, &g.NBAGameID,
		&g.HomeTeam, &g.AwayTeam,
		&g.HomeTeamID, &g.AwayTeamID,
		&g.GameDate, &g.Status, &g.IsActive, &g.CreatedAt, &g.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.Game{}, false, nil
	}
	if err != nil {
		return types.Game{}, false, fmt.Errorf("select game %s: %w", eventTicker, err)
	}
	return g, true, nil
}

// UpsertGame inserts or refreshes a game row keyed by event ticker.
func (s *Store) UpsertGame(ctx context.Context, g types.Game) error {
	if _, err := s.pool.Exec(ctx, gameUpsertSQL, gameArgs(g)); err != nil {
		return fmt.Errorf("upsert game %s: %w", g.EventTicker, err)
	}
	return nil
}

// UpsertMarkets writes the market catalog in one transaction and returns
// the canonical rows: a ticker that already exists keeps its stored ID.
func (s *Store) UpsertMarkets(ctx context.Context, markets []types.Market) ([]types.Market, error) {
	if len(markets) == 0 {
		return nil, nil
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return nil, fmt.Errorf("begin market upsert: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	out := make([]types.Market, 0, len(markets))
	for _, m := range markets {
		var id string
		if err := tx.QueryRow(ctx, marketUpsertSQL, marketArgs(m)).Scan(&id); err != nil {
			return nil, fmt.Errorf("upsert market %s: %w", m.Ticker, err)
		}
		m.ID = id
		out = append(out, m)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit market upsert: %w", err)
	}
	return out, nil
}

// MarketsForGame returns the stored catalog for one game, ordered by ticker.
func (s *Store) MarketsForGame(ctx context.Context, gameID string) ([]types.Market, error) {
	rows, err := s.pool.Query(ctx, marketsForGameSQL, gameID)
	if err != nil {
		return nil, fmt.Errorf("list markets for game %s: %w", gameID, err)
	}
	defer rows.Close()

	var out []types.Market
	for rows.Next() {
		var (
			m      types.Market
			kind   string
			strike sql.NullString
			side   string
		)
		if err := rows.Scan(&m.ID, &m.GameID, &m.Ticker, &kind, &strike, &side, &m.Status); err != nil {
			return nil, fmt.Errorf("scan market: %w", err)
		}
		m.Kind = types.MarketKind(kind)
		m.Side = types.Side(side)
		if strike.Valid {
			d, err := parseDecimal("strike_value", strike.String)
			if err != nil {
				return nil, err
			}
			m.Strike = &d
		}
		// The reference team is not a schema column; re-derive it from the
		// ticker so spread settlement knows which side of the line it holds.
		if parsed, err := ticker.ParseMarket(m.Ticker); err == nil {
			m.Team = parsed.Team
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate markets: %w", err)
	}
	return out, nil
}
