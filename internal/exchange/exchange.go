package exchange

import (
	"context"

	"perp_trading/internal/models"
)

// Order sides and types as the exchange expects them.
const (
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"

	OrderTypeMarket     = "MARKET"
	OrderTypeStopMarket = "STOP_MARKET"
	OrderTypeTakeProfit = "TAKE_PROFIT_MARKET"
)

// OrderRequest describes a single order to place.
type OrderRequest struct {
	Symbol        string
	Side          string // BUY or SELL
	Type          string
	Quantity      float64
	StopPrice     float64 // for STOP_MARKET / TAKE_PROFIT_MARKET
	ReduceOnly    bool
	ClosePosition bool
}

// Client is the exchange surface the rest of the bot depends on.
type Client interface {
	GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Kline, error)
	GetOrderBook(ctx context.Context, symbol string, limit int) (*models.OrderBook, error)
	GetFundingHistory(ctx context.Context, symbol string, limit int) ([]models.FundingRate, error)
	GetOpenPositions(ctx context.Context) ([]models.ExchangePosition, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]models.OpenOrder, error)
	CreateOrder(ctx context.Context, req OrderRequest) (string, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetAccountFills(ctx context.Context, symbol string, limit int) ([]models.Fill, error)
	GetBalance(ctx context.Context) (float64, error)
	ChangeLeverage(ctx context.Context, symbol string, leverage int) error
}
