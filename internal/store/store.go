package store

import (
	"context"

	"perp_trading/internal/models"
)

// StateStore persists the bot's durable state: the initial balance baseline,
// completed trades and per-strategy performance counters.
type StateStore interface {
	// GetInitialBalance returns the recorded baseline, or ok=false if none
	// has been set yet.
	GetInitialBalance(ctx context.Context) (balance float64, ok bool, err error)
	// SetInitialBalance records the baseline once; later calls are no-ops.
	SetInitialBalance(ctx context.Context, balance float64) error
	// SaveTrade inserts a completed trade. Duplicate fill ids are ignored.
	SaveTrade(ctx context.Context, trade models.Trade) error
	// LoadTrades returns the most recent trades, oldest first.
	LoadTrades(ctx context.Context, limit int) ([]models.Trade, error)
	// UpdateStrategyPerformance accumulates one completed trade into the
	// per-strategy counters, including how long the position was held.
	UpdateStrategyPerformance(ctx context.Context, strategy string, pnl, holdSeconds float64, win bool) error
	Close()
}
