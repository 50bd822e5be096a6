package strategy

import (
	"fmt"
	"math"

	"perp_trading/internal/analysis"
	"perp_trading/internal/models"
)

// FundingArbitrage trades against extreme funding rates: when longs pay
// shorts it goes short to collect the payment, and vice versa. Only active in
// low-volatility conditions.
type FundingArbitrage struct {
	leverage         int
	fundingThreshold float64
	stopLossPct      float64
	takeProfitPct    float64
	maxVolatility    float64
}

func NewFundingArbitrage(leverage int) *FundingArbitrage {
	return &FundingArbitrage{
		leverage:         leverage,
		fundingThreshold: 0.001,
		stopLossPct:      0.020,
		takeProfitPct:    0.015,
		maxVolatility:    0.03,
	}
}

func (s *FundingArbitrage) Name() string { return "Funding Arbitrage" }

func (s *FundingArbitrage) RequiredCandles() int { return 30 }

func (s *FundingArbitrage) Analyze(klines []models.Kline, symbol string, ctx *MarketContext) *models.Signal {
	if len(klines) < s.RequiredCandles() {
		return nil
	}
	if ctx == nil || len(ctx.FundingHistory) == 0 {
		return nil
	}

	volatility := analysis.Volatility(klines, 20)
	if volatility > s.maxVolatility {
		return nil
	}

	funding := ctx.FundingHistory[len(ctx.FundingHistory)-1].Rate
	price := klines[len(klines)-1].Close
	confidence := math.Min(0.9, math.Abs(funding)/0.003)

	if funding > s.fundingThreshold {
		// Longs pay shorts: short and collect.
		return &models.Signal{
			Action:     models.SideShort,
			EntryPrice: price,
			StopLoss:   price * (1 + s.stopLossPct),
			TakeProfit: price * (1 - s.takeProfitPct),
			Leverage:   s.leverage,
			Confidence: confidence,
			Reason: fmt.Sprintf("High funding %.3f%% (shorts earn), vol=%.2f%%",
				funding*100, volatility*100),
		}
	}
	if funding < -s.fundingThreshold {
		// Shorts pay longs: long and collect.
		return &models.Signal{
			Action:     models.SideLong,
			EntryPrice: price,
			StopLoss:   price * (1 - s.stopLossPct),
			TakeProfit: price * (1 + s.takeProfitPct),
			Leverage:   s.leverage,
			Confidence: confidence,
			Reason: fmt.Sprintf("Negative funding %.3f%% (longs earn), vol=%.2f%%",
				funding*100, volatility*100),
		}
	}
	return nil
}
