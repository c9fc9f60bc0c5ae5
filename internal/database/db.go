// Package database is the PostgreSQL persistence layer: connection pool
// bootstrap, schema migrations and the strategy repository. The runtime
// drives it through the runtime.Store interface so everything above this
// package stays testable without a database.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool   *pgxpool.Pool
	logger zerolog.Logger
}

// Config holds database configuration
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB creates a new database connection
func NewDB(cfg Config, logger zerolog.Logger) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	logger.Info().Str("database", cfg.Database).Str("host", cfg.Host).Msg("Connected to PostgreSQL")

	return &DB{Pool: pool, logger: logger.With().Str("component", "database").Logger()}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.logger.Info().Msg("Database connection closed")
	}
}

// HealthCheck performs a database health check
func (db *DB) HealthCheck(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	db.logger.Info().Msg("Running database migrations")

	migrations := []string{
		// Strategy registry: one row per strategy, config and metadata as
		// JSONB. The metadata column carries the rolling summary and the
		// stop/initial-capital bookkeeping.
		`CREATE TABLE IF NOT EXISTS strategies (
			strategy_id VARCHAR(100) PRIMARY KEY,
			name VARCHAR(200),
			description TEXT,
			user_id VARCHAR(100),
			status VARCHAR(20) NOT NULL DEFAULT 'running',
			config JSONB,
			metadata JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_strategies_status ON strategies(status)`,
		`CREATE INDEX IF NOT EXISTS idx_strategies_user ON strategies(user_id)`,

		// One row per decision cycle, keyed by compose_id for idempotent
		// replay after a crash.
		`CREATE TABLE IF NOT EXISTS strategy_cycles (
			compose_id VARCHAR(100) PRIMARY KEY,
			strategy_id VARCHAR(100) NOT NULL REFERENCES strategies(strategy_id) ON DELETE CASCADE,
			cycle_index BIGINT NOT NULL,
			compose_ts TIMESTAMPTZ NOT NULL,
			rationale TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_strategy_cycles_strategy ON strategy_cycles(strategy_id, cycle_index DESC)`,

		// Normalized instructions as emitted, keyed by deterministic
		// instruction_id ({compose_id}:{symbol}:{seq}).
		`CREATE TABLE IF NOT EXISTS strategy_instructions (
			instruction_id VARCHAR(200) PRIMARY KEY,
			compose_id VARCHAR(100) NOT NULL REFERENCES strategy_cycles(compose_id) ON DELETE CASCADE,
			symbol VARCHAR(50) NOT NULL,
			action VARCHAR(20) NOT NULL,
			side VARCHAR(10) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			leverage DECIMAL(10, 4),
			note TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_strategy_instructions_compose ON strategy_instructions(compose_id)`,

		// Executed fills. Quantity is stored as an absolute magnitude;
		// the side column carries direction.
		`CREATE TABLE IF NOT EXISTS strategy_details (
			id BIGSERIAL PRIMARY KEY,
			strategy_id VARCHAR(100) NOT NULL REFERENCES strategies(strategy_id) ON DELETE CASCADE,
			trade_id VARCHAR(200) NOT NULL,
			instruction_id VARCHAR(200),
			symbol VARCHAR(50) NOT NULL,
			type VARCHAR(20) NOT NULL,
			side VARCHAR(20) NOT NULL,
			leverage DECIMAL(10, 4),
			quantity DECIMAL(20, 8) NOT NULL,
			entry_price DECIMAL(20, 8),
			exit_price DECIMAL(20, 8),
			unrealized_pnl DECIMAL(20, 8),
			realized_pnl DECIMAL(20, 8),
			fee_cost DECIMAL(20, 8),
			holding_ms BIGINT,
			event_time TIMESTAMPTZ,
			note TEXT,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT uq_strategy_trade_id UNIQUE (strategy_id, trade_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_strategy_details_symbol ON strategy_details(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_strategy_details_event ON strategy_details(strategy_id, event_time DESC)`,

		// Per-symbol position snapshots, grouped by snapshot_ts.
		`CREATE TABLE IF NOT EXISTS strategy_holdings (
			id BIGSERIAL PRIMARY KEY,
			strategy_id VARCHAR(100) NOT NULL REFERENCES strategies(strategy_id) ON DELETE CASCADE,
			symbol VARCHAR(50) NOT NULL,
			snapshot_ts TIMESTAMPTZ NOT NULL,
			type VARCHAR(20) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			entry_price DECIMAL(20, 8),
			leverage DECIMAL(10, 4),
			unrealized_pnl DECIMAL(20, 8),
			unrealized_pnl_pct DECIMAL(10, 4),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_strategy_holdings_snapshot ON strategy_holdings(strategy_id, snapshot_ts DESC)`,

		// Aggregated portfolio snapshots; the latest row gates the
		// one-time initial-capital bookkeeping on live strategies.
		`CREATE TABLE IF NOT EXISTS strategy_portfolio_snapshots (
			id BIGSERIAL PRIMARY KEY,
			strategy_id VARCHAR(100) NOT NULL REFERENCES strategies(strategy_id) ON DELETE CASCADE,
			snapshot_ts TIMESTAMPTZ NOT NULL,
			cash DECIMAL(20, 8) NOT NULL,
			total_value DECIMAL(20, 8) NOT NULL,
			total_unrealized_pnl DECIMAL(20, 8),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_strategy_portfolio_snapshots ON strategy_portfolio_snapshots(strategy_id, snapshot_ts DESC)`,

		// Reusable prompt templates referenced by trading_config.template_id.
		`CREATE TABLE IF NOT EXISTS strategy_prompts (
			id UUID PRIMARY KEY,
			name VARCHAR(200) NOT NULL,
			content TEXT NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		// Create updated_at trigger function
		`CREATE OR REPLACE FUNCTION update_updated_at_column()
		RETURNS TRIGGER AS $$
		BEGIN
			NEW.updated_at = CURRENT_TIMESTAMP;
			RETURN NEW;
		END;
		$$ language 'plpgsql'`,

		`DROP TRIGGER IF EXISTS update_strategies_updated_at ON strategies`,
		`CREATE TRIGGER update_strategies_updated_at BEFORE UPDATE ON strategies
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,

		`DROP TRIGGER IF EXISTS update_strategy_details_updated_at ON strategy_details`,
		`CREATE TRIGGER update_strategy_details_updated_at BEFORE UPDATE ON strategy_details
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,

		`DROP TRIGGER IF EXISTS update_strategy_prompts_updated_at ON strategy_prompts`,
		`CREATE TRIGGER update_strategy_prompts_updated_at BEFORE UPDATE ON strategy_prompts
		FOR EACH ROW EXECUTE FUNCTION update_updated_at_column()`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	db.logger.Info().Msg("Database migrations completed")
	return nil
}
