package store

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"perp_trading/internal/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS bot_state (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS trades (
	id          BIGSERIAL PRIMARY KEY,
	fill_id     TEXT NOT NULL UNIQUE,
	symbol      TEXT NOT NULL,
	strategy    TEXT NOT NULL,
	side        TEXT NOT NULL,
	entry_price DOUBLE PRECISION NOT NULL,
	exit_price  DOUBLE PRECISION NOT NULL,
	quantity    DOUBLE PRECISION NOT NULL,
	leverage    INT NOT NULL,
	pnl         DOUBLE PRECISION NOT NULL,
	pnl_percent DOUBLE PRECISION NOT NULL,
	entry_time  TIMESTAMPTZ NOT NULL,
	exit_time   TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS strategy_performance (
	strategy           TEXT PRIMARY KEY,
	total_trades       INT NOT NULL DEFAULT 0,
	wins               INT NOT NULL DEFAULT 0,
	losses             INT NOT NULL DEFAULT 0,
	total_pnl          DOUBLE PRECISION NOT NULL DEFAULT 0,
	total_hold_seconds DOUBLE PRECISION NOT NULL DEFAULT 0,
	updated_at         TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

const initialBalanceKey = "initial_balance"

// PostgresStore is the pgx-backed StateStore.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	if databaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	config.MaxConns = 10
	config.MaxConnLifetime = time.Hour

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	log.Println("✅ Database connected")
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) GetInitialBalance(ctx context.Context) (float64, bool, error) {
	var balance float64
	err := s.pool.QueryRow(ctx,
		`SELECT value::double precision FROM bot_state WHERE key = $1`, initialBalanceKey,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("get initial balance: %w", err)
	}
	return balance, true, nil
}

// SetInitialBalance records the baseline only if absent, so restarts keep the
// original reference point for ROI and drawdown.
func (s *PostgresStore) SetInitialBalance(ctx context.Context, balance float64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO bot_state (key, value) VALUES ($1, $2)
		 ON CONFLICT (key) DO NOTHING`,
		initialBalanceKey, fmt.Sprintf("%f", balance),
	)
	if err != nil {
		return fmt.Errorf("set initial balance: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveTrade(ctx context.Context, t models.Trade) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trades (fill_id, symbol, strategy, side, entry_price, exit_price,
		                     quantity, leverage, pnl, pnl_percent, entry_time, exit_time)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 ON CONFLICT (fill_id) DO NOTHING`,
		t.FillID, t.Symbol, t.Strategy, t.Side, t.EntryPrice, t.ExitPrice,
		t.Quantity, t.Leverage, t.PnL, t.PnLPercent, t.EntryTime, t.ExitTime,
	)
	if err != nil {
		return fmt.Errorf("save trade %s: %w", t.FillID, err)
	}
	return nil
}

func (s *PostgresStore) LoadTrades(ctx context.Context, limit int) ([]models.Trade, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT fill_id, symbol, strategy, side, entry_price, exit_price,
		        quantity, leverage, pnl, pnl_percent, entry_time, exit_time
		 FROM (
			SELECT * FROM trades ORDER BY exit_time DESC LIMIT $1
		 ) recent
		 ORDER BY exit_time ASC`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load trades: %w", err)
	}
	defer rows.Close()

	var trades []models.Trade
	for rows.Next() {
		var t models.Trade
		if err := rows.Scan(&t.FillID, &t.Symbol, &t.Strategy, &t.Side, &t.EntryPrice, &t.ExitPrice,
			&t.Quantity, &t.Leverage, &t.PnL, &t.PnLPercent, &t.EntryTime, &t.ExitTime); err != nil {
			return nil, fmt.Errorf("scan trade: %w", err)
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) UpdateStrategyPerformance(ctx context.Context, strategy string, pnl, holdSeconds float64, win bool) error {
	wins, losses := 0, 1
	if win {
		wins, losses = 1, 0
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO strategy_performance (strategy, total_trades, wins, losses, total_pnl, total_hold_seconds)
		 VALUES ($1, 1, $2, $3, $4, $5)
		 ON CONFLICT (strategy) DO UPDATE SET
			total_trades       = strategy_performance.total_trades + 1,
			wins               = strategy_performance.wins + $2,
			losses             = strategy_performance.losses + $3,
			total_pnl          = strategy_performance.total_pnl + $4,
			total_hold_seconds = strategy_performance.total_hold_seconds + $5,
			updated_at         = now()`,
		strategy, wins, losses, pnl, holdSeconds,
	)
	if err != nil {
		return fmt.Errorf("update strategy performance %s: %w", strategy, err)
	}
	return nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}
