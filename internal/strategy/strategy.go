package strategy

import (
	"fmt"
	"time"

	"perp_trading/internal/models"
)

// MarketContext carries the optional extra market data a strategy may use
// beyond the kline series. Any field may be nil/empty.
type MarketContext struct {
	OrderBook      *models.OrderBook
	FundingHistory []models.FundingRate
	Timestamp      time.Time
}

// Strategy analyzes market data and proposes trades. Implementations must be
// stateless with respect to positions; they only look at market data.
type Strategy interface {
	Name() string
	RequiredCandles() int
	Analyze(klines []models.Kline, symbol string, ctx *MarketContext) *models.Signal
}

// ValidateSignal rejects malformed signals before they reach sizing.
func ValidateSignal(s *models.Signal) error {
	if s == nil {
		return fmt.Errorf("nil signal")
	}
	if s.Action != models.SideLong && s.Action != models.SideShort {
		return fmt.Errorf("invalid action %q", s.Action)
	}
	if s.EntryPrice <= 0 {
		return fmt.Errorf("invalid entry price %f", s.EntryPrice)
	}
	if s.StopLoss <= 0 {
		return fmt.Errorf("missing stop loss")
	}
	if s.Leverage <= 0 || s.Leverage > 100 {
		return fmt.Errorf("leverage %d out of range", s.Leverage)
	}
	if s.Confidence < 0 || s.Confidence > 1 {
		return fmt.Errorf("confidence %f out of range", s.Confidence)
	}
	return nil
}
