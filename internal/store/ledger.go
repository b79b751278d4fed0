// ledger.go persists simulated orders and positions. SaveFill writes the
// order and its position row in one transaction so a fill can never land
// without the book state it produced. The market_id columns resolve from
// the ticker at write time and stay NULL for markets outside the catalog.

package store

import (
	"context"
	"database/sql"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"kalshi-paper/pkg/types"
)

const orderUpsertSQL = `
INSERT INTO simulated_orders (
    id, game_id, strategy_id, market_id, market_ticker,
    order_type, side, quantity, limit_price, filled_price,
    status, reason, placed_at, filled_at, signal_data
)
VALUES (
    @id, @game_id, @strategy_id,
    (SELECT id FROM kalshi_markets WHERE ticker = @market_ticker),
    @market_ticker, @order_type, @side, @quantity, @limit_price, @filled_price,
    @status, @reason, @placed_at, @filled_at, @signal_data
)
ON CONFLICT (id) DO UPDATE SET
    status       = EXCLUDED.status,
    reason       = EXCLUDED.reason,
    filled_price = EXCLUDED.filled_price,
    filled_at    = EXCLUDED.filled_at;
`

const positionUpsertSQL = `
INSERT INTO positions (
    id, game_id, strategy_id, market_id, market_ticker, side,
    quantity, avg_price, current_price, unrealized_pnl, realized_pnl,
    is_open, opened_at, closed_at
)
VALUES (
    @id, @game_id, @strategy_id,
    (SELECT id FROM kalshi_markets WHERE ticker = @market_ticker),
    @market_ticker, @side,
    @quantity, @avg_price, @current_price, @unrealized_pnl, @realized_pnl,
    @is_open, @opened_at, @closed_at
)
ON CONFLICT (id) DO UPDATE SET
    quantity       = EXCLUDED.quantity,
    avg_price      = EXCLUDED.avg_price,
    current_price  = EXCLUDED.current_price,
    unrealized_pnl = EXCLUDED.unrealized_pnl,
    realized_pnl   = EXCLUDED.realized_pnl,
    is_open        = EXCLUDED.is_open,
    closed_at      = EXCLUDED.closed_at;
`

const openPositionsSQL = `
SELECT id::text, game_id::text, strategy_id::text, COALESCE(market_id::text, ''),
       market_ticker, side, quantity,
       avg_price::text, current_price::text,
       COALESCE(unrealized_pnl, 0)::text, realized_pnl::text,
       is_open, opened_at, closed_at, updated_at
FROM positions
WHERE is_open AND quantity > 0
ORDER BY opened_at;
`

const performanceUpsertSQL = `
INSERT INTO strategy_performance (
    strategy_id, total_trades, winning_trades, losing_trades,
    win_rate, realized_pnl, open_exposure, profit_factor
)
VALUES (
    @strategy_id, @total_trades, @winning_trades, @losing_trades,
    @win_rate, @realized_pnl, @open_exposure, @profit_factor
)
ON CONFLICT (strategy_id) DO UPDATE SET
    total_trades   = EXCLUDED.total_trades,
    winning_trades = EXCLUDED.winning_trades,
    losing_trades  = EXCLUDED.losing_trades,
    win_rate       = EXCLUDED.win_rate,
    realized_pnl   = EXCLUDED.realized_pnl,
    open_exposure  = EXCLUDED.open_exposure,
    profit_factor  = EXCLUDED.profit_factor;
`

// maxProfitFactor bounds the stored ratio. The rollup already reports
// 999999 for wins with no losses; larger finite ratios clamp to the same
// ceiling at this boundary.
var maxProfitFactor = decimal.NewFromInt(999999)

func orderArgs(o types.SimulatedOrder) (pgx.NamedArgs, error) {
	var signal any
	if o.Signal != nil {
		data, err := json.Marshal(o.Signal)
		if err != nil {
			return nil, fmt.Errorf("encode signal_data: %w", err)
		}
		signal = data
	}
	return pgx.NamedArgs{
		"id":            o.ID,
		"game_id":       o.GameID,
		"strategy_id":   o.StrategyID,
		"market_ticker": o.MarketTicker,
		"order_type":    string(o.Type),
		"side":          string(o.Side),
		"quantity":      o.Quantity,
		"limit_price":   nullableInt(o.LimitPrice),
		"filled_price":  nullableInt(o.FillPrice),
		"status":        string(o.Status),
		"reason":        nullableString(o.Reason),
		"placed_at":     o.PlacedAt.UTC(),
		"filled_at":     nullableTime(o.FilledAt),
		"signal_data":   signal,
	}, nil
}

func positionArgs(p types.Position) pgx.NamedArgs {
	return pgx.NamedArgs{
		"id":             p.ID,
		"game_id":        p.GameID,
		"strategy_id":    p.StrategyID,
		"market_ticker":  p.MarketTicker,
		"side":           string(p.Side),
		"quantity":       p.Quantity,
		"avg_price":      p.AvgPrice.String(),
		"current_price":  nullableDecimal(p.CurrentPrice),
		"unrealized_pnl": p.UnrealizedPnL.String(),
		"realized_pnl":   p.RealizedPnL.String(),
		"is_open":        p.IsOpen,
		"opened_at":      p.OpenedAt.UTC(),
		"closed_at":      nullableTime(p.ClosedAt),
	}
}

func performanceArgs(perf types.StrategyPerformance) pgx.NamedArgs {
	pf := perf.ProfitFactor
	if pf.GreaterThan(maxProfitFactor) {
		pf = maxProfitFactor
	}
	return pgx.NamedArgs{
		"strategy_id":    perf.StrategyID,
		"total_trades":   perf.TotalTrades,
		"winning_trades": perf.WinningTrades,
		"losing_trades":  perf.LosingTrades,
		"win_rate":       perf.WinRate.String(),
		"realized_pnl":   perf.RealizedPnL.String(),
		"open_exposure":  perf.OpenExposure.String(),
		"profit_factor":  pf.String(),
	}
}

func saveOrderWith(ctx context.Context, x execer, o types.SimulatedOrder) error {
	args, err := orderArgs(o)
	if err != nil {
		return err
	}
	if _, err := x.Exec(ctx, orderUpsertSQL, args); err != nil {
		return fmt.Errorf("upsert order %s: %w", o.ID, err)
	}
	return nil
}

func upsertPositionWith(ctx context.Context, x execer, p types.Position) error {
	if _, err := x.Exec(ctx, positionUpsertSQL, positionArgs(p)); err != nil {
		return fmt.Errorf("upsert position %s: %w", p.ID, err)
	}
	return nil
}

// SaveOrder records one order row: pending limit orders, rejections, and
// replayed fills all land here.
func (s *Store) SaveOrder(ctx context.Context, order types.SimulatedOrder) error {
	return saveOrderWith(ctx, s.pool, order)
}

// SaveFill persists a filled order and the position row it produced
// atomically.
func (s *Store) SaveFill(ctx context.Context, order types.SimulatedOrder, pos types.Position) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin fill tx: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := saveOrderWith(ctx, tx, order); err != nil {
		return err
	}
	if err := upsertPositionWith(ctx, tx, pos); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit fill tx: %w", err)
	}
	return nil
}

// UpsertPosition writes one position row outside the fill path: marks,
// closes, and settlements.
func (s *Store) UpsertPosition(ctx context.Context, pos types.Position) error {
	return upsertPositionWith(ctx, s.pool, pos)
}

// RecordPerformance upserts a strategy's rollup row.
func (s *Store) RecordPerformance(ctx context.Context, perf types.StrategyPerformance) error {
	if _, err := s.pool.Exec(ctx, performanceUpsertSQL, performanceArgs(perf)); err != nil {
		return fmt.Errorf("upsert performance %s: %w", perf.StrategyID, err)
	}
	return nil
}

// OpenPositions returns every open position row, oldest first, for seeding
// the execution book at startup.
func (s *Store) OpenPositions(ctx context.Context) ([]types.Position, error) {
	rows, err := s.pool.Query(ctx, openPositionsSQL)
	if err != nil {
		return nil, fmt.Errorf("list open positions: %w", err)
	}
	defer rows.Close()

	var out []types.Position
	for rows.Next() {
		var (
			p          types.Position
			side       string
			avgPrice   string
			current    sql.NullString
			unrealized string
			realized   string
			closedAt   pgtype.Timestamptz
		)
		if err := rows.Scan(
			&p.ID, &p.GameID, &p.StrategyID, &p.MarketID,
			&p.MarketTicker, &side, &p.Quantity,
			&avgPrice, &current, &unrealized, &realized,
			&p.IsOpen, &p.OpenedAt, &closedAt, &p.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan position: %w", err)
		}
		p.Side = types.Side(side)
		if p.AvgPrice, err = parseDecimal("avg_price", avgPrice); err != nil {
			return nil, err
		}
		if current.Valid {
			d, err := parseDecimal("current_price", current.String)
			if err != nil {
				return nil, err
			}
			p.CurrentPrice = &d
		}
		if p.UnrealizedPnL, err = parseDecimal("unrealized_pnl", unrealized); err != nil {
			return nil, err
		}
		if p.RealizedPnL, err = parseDecimal("realized_pnl", realized); err != nil {
			return nil, err
		}
		if closedAt.Valid {
			t := closedAt.Time.UTC()
			p.ClosedAt = &t
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate positions: %w", err)
	}
	return out, nil
}
