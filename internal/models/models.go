package models

import "time"

// Position sides.
const (
	SideLong  = "LONG"
	SideShort = "SHORT"
)

// Kline is a single OHLCV candle.
type Kline struct {
	OpenTime  time.Time
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime time.Time
}

// BookLevel is a single price level of the order book.
type BookLevel struct {
	Price float64
	Qty   float64
}

// OrderBook is a depth snapshot. Bids sorted high to low, asks low to high.
type OrderBook struct {
	Symbol string
	Bids   []BookLevel
	Asks   []BookLevel
}

// FundingRate is one observation of the perpetual funding rate.
type FundingRate struct {
	Symbol string
	Rate   float64
	Time   time.Time
}

// Position represents an open leveraged exposure. At most one per symbol.
type Position struct {
	Symbol           string
	Side             string // LONG or SHORT
	EntryPrice       float64
	Quantity         float64
	Leverage         int
	StopLoss         float64 // 0 = no stop attached
	TakeProfit       float64 // 0 = no target attached
	LiquidationPrice float64
	UnrealizedPnL    float64
	EntryTime        time.Time
	Strategy         string
	StopOrderID      string // resting STOP_MARKET order, for cancellation on close
	TargetOrderID    string // resting TAKE_PROFIT_MARKET order
}

// Trade is an immutable record of a completed round-trip.
type Trade struct {
	FillID     string // exchange fill id, dedup key for persistence
	Symbol     string
	Side       string
	EntryPrice float64
	ExitPrice  float64
	Quantity   float64
	Leverage   int
	PnL        float64
	PnLPercent float64
	EntryTime  time.Time
	ExitTime   time.Time
	Strategy   string
}

// Signal is a trade proposal emitted by a strategy.
type Signal struct {
	Action     string // LONG or SHORT
	EntryPrice float64
	StopLoss   float64
	TakeProfit float64 // 0 = none
	Leverage   int
	Confidence float64 // 0-1
	Reason     string
}

// ExchangePosition is a position as reported by the exchange.
type ExchangePosition struct {
	Symbol           string
	Side             string
	EntryPrice       float64
	MarkPrice        float64
	Quantity         float64
	Leverage         int
	UnrealizedPnL    float64
	LiquidationPrice float64
}

// OpenOrder is a resting order as reported by the exchange.
type OpenOrder struct {
	OrderID   string
	Symbol    string
	Type      string // STOP_MARKET, TAKE_PROFIT_MARKET, ...
	Side      string
	StopPrice float64
}

// Fill is a single account fill used to settle closed positions.
type Fill struct {
	ID          string
	Price       float64
	Qty         float64
	RealizedPnL float64
	Time        time.Time
}

// Stats summarizes trading performance.
type Stats struct {
	TotalTrades   int
	WinningTrades int
	LosingTrades  int
	WinRate       float64
	TotalPnL      float64
	AvgWin        float64
	AvgLoss       float64
	ProfitFactor  float64
	MaxDrawdown   float64
	Capital       float64
	ROI           float64
	DailyPnL      float64
	OpenPositions int
}
