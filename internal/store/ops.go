// ops.go covers the operational tables: configured strategy definitions,
// named risk limit profiles, and the persisted log mirror.

package store

import (
	"context"
	"errors"
	"fmt"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"kalshi-paper/internal/risk"
	"kalshi-paper/pkg/types"
)

// StrategyRow is one configured strategy definition. Config is the raw JSON
// document handed to the strategy constructor.
type StrategyRow struct {
	ID      string
	Name    string
	Kind    types.StrategyKind
	Enabled bool
	Config  []byte
}

const strategiesSelectSQL = `
SELECT id::text, name, type, is_enabled, config
FROM strategies
ORDER BY name;
`

const strategyInsertSQL = `
INSERT INTO strategies (id, name, type, is_enabled, config)
VALUES (@id, @name, @type, true, '{}')
ON CONFLICT (name) DO NOTHING;
`

const riskLimitsSelectSQL = `
SELECT config FROM risk_limits WHERE name = $1;
`

const riskLimitsUpsertSQL = `
INSERT INTO risk_limits (name, config)
VALUES (@name, @config)
ON CONFLICT (name) DO UPDATE SET config = EXCLUDED.config;
`

const systemLogInsertSQL = `
INSERT INTO system_logs (component, level, message, context)
VALUES (@component, @level, @message, @context);
`

// Strategies returns every configured strategy definition, ordered by name.
func (s *Store) Strategies(ctx context.Context) ([]StrategyRow, error) {
	rows, err := s.pool.Query(ctx, strategiesSelectSQL)
	if err != nil {
		return nil, fmt.Errorf("list strategies: %w", err)
	}
	defer rows.Close()

	var out []StrategyRow
	for rows.Next() {
		var (
			row  StrategyRow
			kind string
		)
		if err := rows.Scan(&row.ID, &row.Name, &kind, &row.Enabled, &row.Config); err != nil {
			return nil, fmt.Errorf("scan strategy: %w", err)
		}
		row.Kind = types.StrategyKind(kind)
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate strategies: %w", err)
	}
	return out, nil
}

// SeedStrategies inserts one enabled row per kind with an empty config when
// the table is empty, so a fresh database starts with the full roster.
// Returns the number of rows inserted.
func (s *Store) SeedStrategies(ctx context.Context, kinds []types.StrategyKind) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT count(*) FROM strategies;`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count strategies: %w", err)
	}
	if n > 0 {
		return 0, nil
	}

	inserted := 0
	for _, kind := range kinds {
		args := pgx.NamedArgs{
			"id":   uuid.NewString(),
			"name": string(kind),
			"type": string(kind),
		}
		tag, err := s.pool.Exec(ctx, strategyInsertSQL, args)
		if err != nil {
			return inserted, fmt.Errorf("seed strategy %s: %w", kind, err)
		}
		inserted += int(tag.RowsAffected())
	}
	s.logger.Info("strategy roster seeded", "strategies", inserted)
	return inserted, nil
}

// RiskLimits loads the named limit profile, reporting false when it does
// not exist.
func (s *Store) RiskLimits(ctx context.Context, profile string) (risk.Limits, bool, error) {
	var raw []byte
	err := s.pool.QueryRow(ctx, riskLimitsSelectSQL, profile).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return risk.Limits{}, false, nil
	}
	if err != nil {
		return risk.Limits{}, false, fmt.Errorf("select risk profile %s: %w", profile, err)
	}

	var limits risk.Limits
	if err := json.Unmarshal(raw, &limits); err != nil {
		return risk.Limits{}, false, fmt.Errorf("decode risk profile %s: %w", profile, err)
	}
	return limits, true, nil
}

// SaveRiskLimits upserts a named limit profile.
func (s *Store) SaveRiskLimits(ctx context.Context, profile string, limits risk.Limits) error {
	raw, err := json.Marshal(limits)
	if err != nil {
		return fmt.Errorf("encode risk profile %s: %w", profile, err)
	}
	args := pgx.NamedArgs{"name": profile, "config": raw}
	if _, err := s.pool.Exec(ctx, riskLimitsUpsertSQL, args); err != nil {
		return fmt.Errorf("upsert risk profile %s: %w", profile, err)
	}
	return nil
}

// InsertSystemLog appends one row to the persisted log mirror. logCtx may
// be nil or a JSON document.
func (s *Store) InsertSystemLog(ctx context.Context, component, level, message string, logCtx []byte) error {
	args := pgx.NamedArgs{
		"component": component,
		"level":     level,
		"message":   message,
		"context":   logCtx,
	}
	if _, err := s.pool.Exec(ctx, systemLogInsertSQL, args); err != nil {
		return fmt.Errorf("insert system log: %w", err)
	}
	return nil
}
