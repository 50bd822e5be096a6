package strategy

import (
	"fmt"
	"math"

	"perp_trading/internal/analysis"
	"perp_trading/internal/models"
)

// VWAPReversion fades moves away from the session VWAP in range-bound markets.
// Entries require a 2-4% deviation, normal volume and a weak trend.
type VWAPReversion struct {
	leverage         int
	stopLossPct      float64
	takeProfitPct    float64
	minDeviation     float64
	maxDeviation     float64
	minVolumeRatio   float64
	maxVolumeRatio   float64
	rsiOversold      float64
	rsiOverbought    float64
	maxTrendStrength float64
	minConfidence    float64
}

func NewVWAPReversion(leverage int) *VWAPReversion {
	return &VWAPReversion{
		leverage:         leverage,
		stopLossPct:      0.020,
		takeProfitPct:    0.040,
		minDeviation:     0.020,
		maxDeviation:     0.040,
		minVolumeRatio:   0.9,
		maxVolumeRatio:   1.8,
		rsiOversold:      35,
		rsiOverbought:    65,
		maxTrendStrength: 2.0,
		minConfidence:    0.70,
	}
}

func (s *VWAPReversion) Name() string { return "VWAP Reversion" }

func (s *VWAPReversion) RequiredCandles() int { return 100 }

func (s *VWAPReversion) Analyze(klines []models.Kline, symbol string, _ *MarketContext) *models.Signal {
	if len(klines) < s.RequiredCandles() {
		return nil
	}

	vwap := analysis.SessionVWAP(klines, 288)
	price := klines[len(klines)-1].Close
	if vwap == 0 {
		return nil
	}

	deviation := (price - vwap) / vwap
	devAbs := math.Abs(deviation)
	if devAbs < s.minDeviation || devAbs > s.maxDeviation {
		return nil
	}

	volumeRatio := analysis.VolumeRatio(klines, 20)
	if volumeRatio < s.minVolumeRatio || volumeRatio > s.maxVolumeRatio {
		return nil
	}

	trendOK, trendStrength := s.trendSuitable(klines)
	if !trendOK {
		return nil
	}

	rsi := analysis.RSI(klines, 14)

	if deviation > s.minDeviation {
		// Price stretched above VWAP: fade it short.
		confidence := s.confidence(deviation, volumeRatio, rsi, trendStrength, models.SideShort)
		if confidence < s.minConfidence {
			return nil
		}
		return &models.Signal{
			Action:     models.SideShort,
			EntryPrice: price,
			StopLoss:   price * (1 + s.stopLossPct),
			TakeProfit: math.Max(vwap, price*(1-s.takeProfitPct)),
			Leverage:   s.leverage,
			Confidence: confidence,
			Reason: fmt.Sprintf("VWAP reversion DOWN: dev=%.1f%% vwap=%.0f rsi=%.0f vol=%.1fx",
				deviation*100, vwap, rsi, volumeRatio),
		}
	}

	// Price stretched below VWAP: buy the reversion.
	confidence := s.confidence(deviation, volumeRatio, rsi, trendStrength, models.SideLong)
	if confidence < s.minConfidence {
		return nil
	}
	return &models.Signal{
		Action:     models.SideLong,
		EntryPrice: price,
		StopLoss:   price * (1 - s.stopLossPct),
		TakeProfit: math.Min(vwap, price*(1+s.takeProfitPct)),
		Leverage:   s.leverage,
		Confidence: confidence,
		Reason: fmt.Sprintf("VWAP reversion UP: dev=%.1f%% vwap=%.0f rsi=%.0f vol=%.1fx",
			deviation*100, vwap, rsi, volumeRatio),
	}
}

// trendSuitable rejects strongly trending markets; reversion needs a range.
func (s *VWAPReversion) trendSuitable(klines []models.Kline) (bool, float64) {
	trending, _ := analysis.IsTrending(klines, 50)
	if !trending {
		return true, 0
	}

	prices := analysis.Closes(klines)
	emaShort := analysis.EMA(prices, 25)
	emaLong := analysis.EMA(prices, 50)
	if emaLong == 0 {
		return true, 0
	}
	strength := math.Abs(emaShort-emaLong) / emaLong * 100
	return strength <= s.maxTrendStrength, strength
}

func (s *VWAPReversion) confidence(deviation, volumeRatio, rsi, trendStrength float64, action string) float64 {
	confidence := 0.5

	switch devAbs := math.Abs(deviation); {
	case devAbs >= 0.018 && devAbs <= 0.022:
		confidence += 0.20
	case devAbs >= 0.015 && devAbs <= 0.025:
		confidence += 0.15
	case devAbs >= 0.015 && devAbs <= 0.030:
		confidence += 0.12
	default:
		confidence += 0.08
	}

	switch {
	case volumeRatio >= 1.0 && volumeRatio <= 1.3:
		confidence += 0.15
	case volumeRatio >= 0.8 && volumeRatio <= 1.8:
		confidence += 0.12
	default:
		confidence += 0.08
	}

	if action == models.SideLong {
		switch {
		case rsi < 35:
			confidence += 0.15
		case rsi < 40:
			confidence += 0.12
		case rsi < 45:
			confidence += 0.08
		}
	} else {
		switch {
		case rsi > 65:
			confidence += 0.15
		case rsi > 60:
			confidence += 0.12
		case rsi > 55:
			confidence += 0.08
		}
	}

	switch {
	case trendStrength < 1.0:
		confidence += 0.10
	case trendStrength < 2.0:
		confidence += 0.08
	case trendStrength < 3.0:
		confidence += 0.05
	}

	return analysis.Clip(confidence, 0, 1)
}
