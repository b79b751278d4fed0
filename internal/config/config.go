// Package config defines all configuration for the paper-trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via KNP_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file
// structure.
type Config struct {
	Env         string           `mapstructure:"env"`
	DatabaseURL string           `mapstructure:"database_url"`
	MetricsAddr string           `mapstructure:"metrics_addr"` // empty disables the metrics listener
	Logging     LoggingConfig    `mapstructure:"logging"`
	Exchange    ExchangeConfig   `mapstructure:"exchange"`
	Sports      SportsConfig     `mapstructure:"sports"`
	Engine      EngineConfig     `mapstructure:"engine"`
	Strategies  StrategiesConfig `mapstructure:"strategies"`
	Risk        RiskConfig       `mapstructure:"risk"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ExchangeConfig holds the exchange endpoints and API credentials. The
// private key signs REST and WebSocket requests; paper trading against
// public market data works without credentials.
type ExchangeConfig struct {
	RESTURL        string        `mapstructure:"rest_url"`
	WSURL          string        `mapstructure:"ws_url"`
	APIKeyID       string        `mapstructure:"api_key_id"`
	PrivateKeyPath string        `mapstructure:"private_key_path"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// SportsConfig holds the scoreboard and odds provider endpoints.
type SportsConfig struct {
	NBABaseURL  string        `mapstructure:"nba_base_url"`
	NBAAPIKey   string        `mapstructure:"nba_api_key"`
	OddsBaseURL string        `mapstructure:"odds_base_url"`
	OddsAPIKey  string        `mapstructure:"odds_api_key"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// EngineConfig tunes the per-game workers.
//
//   - EventTickers: exchange event tickers to track on startup.
//   - NBAPollInterval / OddsPollInterval: poller cadences.
//   - RouterDepth: per-game orderbook channel depth; back-pressure beyond it
//     drops the oldest non-snapshot delta and requests a resync.
//   - UnloadWait: bound on waiting for a game worker to observe cancellation.
//   - StaleBookMaxAge: books older than this are treated as stale by
//     strategies.
type EngineConfig struct {
	EventTickers     []string      `mapstructure:"event_tickers"`
	NBAPollInterval  time.Duration `mapstructure:"nba_poll_interval"`
	OddsPollInterval time.Duration `mapstructure:"odds_poll_interval"`
	RouterDepth      int           `mapstructure:"router_depth"`
	UnloadWait       time.Duration `mapstructure:"unload_wait"`
	StaleBookMaxAge  time.Duration `mapstructure:"stale_book_max_age"`
}

// StrategiesConfig tunes the evaluation loop. Strategy definitions
// themselves (kind, enabled flag, per-kind parameters) live in the
// strategies table; SeedDefaults inserts one default row per kind when the
// table is empty.
type StrategiesConfig struct {
	EvalInterval time.Duration `mapstructure:"eval_interval"`
	EvalBudget   time.Duration `mapstructure:"eval_budget"` // soft; overruns are logged, not aborted
	SeedDefaults bool          `mapstructure:"seed_defaults"`
}

// RiskConfig selects the persisted limit profile. A disabled gate approves
// everything but still records activity.
type RiskConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Profile string `mapstructure:"profile"`
}

// Load reads config from a YAML file with env var overrides. A .env file in
// the working directory, when present, is folded into the environment first.
// Sensitive fields use env vars: KNP_DATABASE_URL, KNP_API_KEY_ID,
// KNP_PRIVATE_KEY_PATH, KNP_NBA_API_KEY, KNP_ODDS_API_KEY.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("KNP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if dsn := os.Getenv("KNP_DATABASE_URL"); dsn != "" {
		cfg.DatabaseURL = dsn
	}
	if key := os.Getenv("KNP_API_KEY_ID"); key != "" {
		cfg.Exchange.APIKeyID = key
	}
	if path := os.Getenv("KNP_PRIVATE_KEY_PATH"); path != "" {
		cfg.Exchange.PrivateKeyPath = path
	}
	if key := os.Getenv("KNP_NBA_API_KEY"); key != "" {
		cfg.Sports.NBAAPIKey = key
	}
	if key := os.Getenv("KNP_ODDS_API_KEY"); key != "" {
		cfg.Sports.OddsAPIKey = key
	}

	return &cfg, nil
}

// setDefaults fills in the documented cadences and bounds so a minimal YAML
// file is enough to run.
func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "dev")
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("exchange.timeout", 10*time.Second)
	v.SetDefault("sports.timeout", 10*time.Second)
	v.SetDefault("engine.nba_poll_interval", 5*time.Second)
	v.SetDefault("engine.odds_poll_interval", 10*time.Second)
	v.SetDefault("engine.router_depth", 32)
	v.SetDefault("engine.unload_wait", 2*time.Second)
	v.SetDefault("engine.stale_book_max_age", 30*time.Second)
	v.SetDefault("strategies.eval_interval", 2*time.Second)
	v.SetDefault("strategies.eval_budget", 500*time.Millisecond)
	v.SetDefault("strategies.seed_defaults", true)
	v.SetDefault("risk.enabled", true)
	v.SetDefault("risk.profile", "default")
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("database_url is required (set KNP_DATABASE_URL)")
	}
	if c.Exchange.RESTURL == "" {
		return fmt.Errorf("exchange.rest_url is required")
	}
	if c.Exchange.WSURL == "" {
		return fmt.Errorf("exchange.ws_url is required")
	}
	if c.Exchange.APIKeyID != "" && c.Exchange.PrivateKeyPath == "" {
		return fmt.Errorf("exchange.private_key_path is required when exchange.api_key_id is set")
	}
	if c.Sports.NBABaseURL == "" {
		return fmt.Errorf("sports.nba_base_url is required")
	}
	if c.Sports.OddsBaseURL == "" {
		return fmt.Errorf("sports.odds_base_url is required")
	}
	if c.Engine.NBAPollInterval <= 0 {
		return fmt.Errorf("engine.nba_poll_interval must be > 0")
	}
	if c.Engine.OddsPollInterval <= 0 {
		return fmt.Errorf("engine.odds_poll_interval must be > 0")
	}
	if c.Engine.RouterDepth <= 0 || c.Engine.RouterDepth > 32 {
		return fmt.Errorf("engine.router_depth must be in 1..32")
	}
	if c.Strategies.EvalInterval <= 0 {
		return fmt.Errorf("strategies.eval_interval must be > 0")
	}
	if c.Risk.Profile == "" {
		return fmt.Errorf("risk.profile is required")
	}
	return nil
}
