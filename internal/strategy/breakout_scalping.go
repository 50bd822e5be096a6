package strategy

import (
	"fmt"
	"math"

	"perp_trading/internal/analysis"
	"perp_trading/internal/models"
)

// BreakoutScalping trades confirmed range breakouts: tight consolidation,
// massive volume spike, RSI in a healthy band and no recent false breakouts.
type BreakoutScalping struct {
	leverage            int
	consolidationPeriod int
	volumeMultiplier    float64
	stopLossPct         float64
	takeProfitPct       float64
	maxATRPct           float64
	rsiMin              float64
	rsiMax              float64
	minConfidence       float64
}

func NewBreakoutScalping(leverage int) *BreakoutScalping {
	return &BreakoutScalping{
		leverage:            leverage,
		consolidationPeriod: 30,
		volumeMultiplier:    4.0,
		stopLossPct:         0.015,
		takeProfitPct:       0.040,
		maxATRPct:           1.5,
		rsiMin:              35,
		rsiMax:              65,
		minConfidence:       0.75,
	}
}

func (s *BreakoutScalping) Name() string { return "Breakout Scalping" }

func (s *BreakoutScalping) RequiredCandles() int { return 100 }

func (s *BreakoutScalping) Analyze(klines []models.Kline, symbol string, _ *MarketContext) *models.Signal {
	if len(klines) < s.RequiredCandles() {
		return nil
	}

	price := klines[len(klines)-1].Close
	atr := analysis.ATR(klines, 14)
	rsi := analysis.RSI(klines, 14)
	volumeRatio := analysis.VolumeRatio(klines, 20)

	// Consolidation: range must be tight before we trust a breakout.
	atrPct := atr / price * 100
	if atrPct > s.maxATRPct {
		return nil
	}
	if volumeRatio < s.volumeMultiplier {
		return nil
	}
	if rsi < s.rsiMin || rsi > s.rsiMax {
		return nil
	}
	if !s.noFalseBreakouts(klines) {
		return nil
	}

	breakout := analysis.DetectBreakout(klines, s.consolidationPeriod)
	if breakout == "" {
		return nil
	}

	recentHigh := -math.MaxFloat64
	recentLow := math.MaxFloat64
	for i := len(klines) - s.consolidationPeriod - 1; i < len(klines)-1; i++ {
		recentHigh = math.Max(recentHigh, klines[i].High)
		recentLow = math.Min(recentLow, klines[i].Low)
	}

	switch breakout {
	case "UP":
		if price <= recentHigh {
			return nil
		}
		strength := (price - recentHigh) / recentHigh
		confidence := s.confidence(volumeRatio, atrPct, rsi, strength)
		if confidence < s.minConfidence {
			return nil
		}
		return &models.Signal{
			Action:     models.SideLong,
			EntryPrice: price,
			StopLoss:   price * (1 - s.stopLossPct),
			TakeProfit: price * (1 + s.takeProfitPct),
			Leverage:   s.leverage,
			Confidence: confidence,
			Reason: fmt.Sprintf("Breakout UP: vol=%.1fx atr=%.2f%% rsi=%.0f strength=%.1f%%",
				volumeRatio, atrPct, rsi, strength*100),
		}
	case "DOWN":
		if price >= recentLow {
			return nil
		}
		strength := (recentLow - price) / recentLow
		confidence := s.confidence(volumeRatio, atrPct, rsi, strength)
		if confidence < s.minConfidence {
			return nil
		}
		return &models.Signal{
			Action:     models.SideShort,
			EntryPrice: price,
			StopLoss:   price * (1 + s.stopLossPct),
			TakeProfit: price * (1 - s.takeProfitPct),
			Leverage:   s.leverage,
			Confidence: confidence,
			Reason: fmt.Sprintf("Breakout DOWN: vol=%.1fx atr=%.2f%% rsi=%.0f strength=%.1f%%",
				volumeRatio, atrPct, rsi, strength*100),
		}
	}
	return nil
}

// noFalseBreakouts scans candles 40..10 back for breakouts that reversed.
// More than two of those and the range is untradable.
func (s *BreakoutScalping) noFalseBreakouts(klines []models.Kline) bool {
	if len(klines) < 40 {
		return true
	}

	window := klines[len(klines)-40 : len(klines)-10]
	rangeHigh := -math.MaxFloat64
	rangeLow := math.MaxFloat64
	for _, k := range window {
		rangeHigh = math.Max(rangeHigh, k.High)
		rangeLow = math.Min(rangeLow, k.Low)
	}

	falseBreakouts := 0
	for i := 0; i+5 <= len(window); i++ {
		sub := window[i : i+5]
		subHigh := -math.MaxFloat64
		subLow := math.MaxFloat64
		for _, k := range sub {
			subHigh = math.Max(subHigh, k.High)
			subLow = math.Min(subLow, k.Low)
		}
		lastClose := sub[len(sub)-1].Close

		if subHigh > rangeHigh*1.005 && lastClose < rangeHigh*0.995 {
			falseBreakouts++
		}
		if subLow < rangeLow*0.995 && lastClose > rangeLow*1.005 {
			falseBreakouts++
		}
	}
	return falseBreakouts <= 2
}

func (s *BreakoutScalping) confidence(volumeRatio, atrPct, rsi, strength float64) float64 {
	confidence := 0.5

	switch {
	case volumeRatio >= 5.0:
		confidence += 0.20
	case volumeRatio >= 4.0:
		confidence += 0.15
	case volumeRatio >= 3.0:
		confidence += 0.12
	default:
		confidence += 0.05
	}

	switch {
	case atrPct < 1.0:
		confidence += 0.15
	case atrPct < 1.5:
		confidence += 0.12
	case atrPct < 2.0:
		confidence += 0.08
	default:
		confidence += 0.03
	}

	switch dist := math.Abs(rsi - 50); {
	case dist < 10:
		confidence += 0.15
	case dist < 20:
		confidence += 0.10
	default:
		confidence += 0.05
	}

	switch {
	case strength > 0.015:
		confidence += 0.10
	case strength > 0.010:
		confidence += 0.08
	default:
		confidence += 0.05
	}

	// False-breakout scan already passed by the time we get here.
	confidence += 0.10

	return analysis.Clip(confidence, 0, 1)
}
