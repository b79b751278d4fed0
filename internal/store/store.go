// Package store is the Postgres persistence layer. One Store owns a pgx
// connection pool over the whole schema: game identity and the per-game
// market catalog, the orderbook/scoreboard/odds time series, the simulated
// order and position ledger, and the operational tables (strategies,
// strategy_performance, risk_limits, system_logs).
//
// Open applies the embedded schema migrations before the pool accepts work,
// so a fresh database and an upgraded one go through the same path. Writes
// use named-argument SQL with upsert semantics keyed on natural keys (event
// ticker, market ticker, row UUID); a fill persists its order and position
// rows in one transaction. Decimal values cross the wire as text so no
// numeric codec is registered on the pool.
//
// Lifecycle: Open() → queries → Close().
package store

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

// Store is the shared persistence handle. Methods are safe for concurrent
// use.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// Open migrates the schema at dsn and returns a ready Store.
func Open(ctx context.Context, dsn string, logger *slog.Logger) (*Store, error) {
	log := logger.With("component", "store")
	if err := applyMigrations(dsn, log); err != nil {
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	log.Info("store opened")
	return &Store{pool: pool, logger: log}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
	s.logger.Info("store closed")
}

// execer is satisfied by both the pool and a transaction, so one write
// implementation serves standalone calls and the fill transaction.
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// nullableString maps the empty string to NULL, for optional text and UUID
// columns.
func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt(p *int) any {
	if p == nil {
		return nil
	}
	return *p
}

// idOrNull maps provider IDs, which use 0 as the unset sentinel, to NULL.
func idOrNull(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullableTime(p *time.Time) any {
	if p == nil {
		return nil
	}
	return p.UTC()
}

// nullableDecimal renders through text; numeric columns accept the textual
// form directly.
func nullableDecimal(d *decimal.Decimal) any {
	if d == nil {
		return nil
	}
	return d.String()
}

// parseDecimal converts a ::text-cast numeric scan back into a decimal.
func parseDecimal(column, v string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("parse %s %q: %w", column, v, err)
	}
	return d, nil
}
