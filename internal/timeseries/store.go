// Package timeseries is the historical persistence tier: daily prices,
// technical indicators, quarterly fundamentals and shareholding patterns in
// PostgreSQL, plus the metric screener that queries across them.
package timeseries

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// Store wraps the connection pool and owns the schema.
type Store struct {
	pool *pgxpool.Pool
	log  zerolog.Logger
}

// New connects to PostgreSQL and verifies the connection.
func New(ctx context.Context, dsn string, log zerolog.Logger) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse timeseries DSN: %w", err)
	}
	cfg.MinConns = 2
	cfg.MaxConns = 10

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping timeseries database: %w", err)
	}

	log.Info().Str("component", "timeseries").Msg("Timeseries database connected")
	return &Store{
		pool: pool,
		log:  log.With().Str("component", "timeseries").Logger(),
	}, nil
}

// Pool exposes the underlying pool for status reporting.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// Close releases all pooled connections.
func (s *Store) Close() {
	s.pool.Close()
}

var migrations = []string{
	`CREATE TABLE IF NOT EXISTS prices_daily (
		symbol         TEXT NOT NULL,
		date           DATE NOT NULL,
		open           DOUBLE PRECISION,
		high           DOUBLE PRECISION,
		low            DOUBLE PRECISION,
		close          DOUBLE PRECISION,
		prev_close     DOUBLE PRECISION,
		volume         BIGINT,
		turnover       DOUBLE PRECISION,
		delivery_qty   BIGINT,
		delivery_pct   DOUBLE PRECISION,
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (symbol, date)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_prices_daily_date ON prices_daily (date DESC)`,
	`CREATE TABLE IF NOT EXISTS technical_indicators (
		symbol         TEXT NOT NULL,
		date           DATE NOT NULL,
		sma_20         DOUBLE PRECISION,
		sma_50         DOUBLE PRECISION,
		sma_200        DOUBLE PRECISION,
		ema_12         DOUBLE PRECISION,
		ema_26         DOUBLE PRECISION,
		rsi_14         DOUBLE PRECISION,
		macd           DOUBLE PRECISION,
		macd_signal    DOUBLE PRECISION,
		bollinger_up   DOUBLE PRECISION,
		bollinger_low  DOUBLE PRECISION,
		atr_14         DOUBLE PRECISION,
		adx_14         DOUBLE PRECISION,
		obv            BIGINT,
		support        DOUBLE PRECISION,
		resistance     DOUBLE PRECISION,
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (symbol, date)
	)`,
	`CREATE TABLE IF NOT EXISTS fundamentals_quarterly (
		symbol            TEXT NOT NULL,
		period_end        DATE NOT NULL,
		period_type       TEXT NOT NULL DEFAULT 'quarterly',
		revenue           DOUBLE PRECISION,
		net_profit        DOUBLE PRECISION,
		eps               DOUBLE PRECISION,
		operating_margin  DOUBLE PRECISION,
		net_margin        DOUBLE PRECISION,
		pe_ratio          DOUBLE PRECISION,
		pb_ratio          DOUBLE PRECISION,
		roe               DOUBLE PRECISION,
		roce              DOUBLE PRECISION,
		debt_to_equity    DOUBLE PRECISION,
		current_ratio     DOUBLE PRECISION,
		updated_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (symbol, period_end, period_type)
	)`,
	`CREATE TABLE IF NOT EXISTS shareholding_quarterly (
		symbol         TEXT NOT NULL,
		quarter_end    DATE NOT NULL,
		promoter_pct   DOUBLE PRECISION,
		fii_pct        DOUBLE PRECISION,
		dii_pct        DOUBLE PRECISION,
		public_pct     DOUBLE PRECISION,
		pledged_pct    DOUBLE PRECISION,
		updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (symbol, quarter_end)
	)`,
}

// Migrate creates the schema. Safe to run on every startup.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range migrations {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	s.log.Debug().Int("statements", len(migrations)).Msg("Schema migration complete")
	return nil
}
