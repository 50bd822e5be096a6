package strategy

import (
	"fmt"
	"math"

	"perp_trading/internal/analysis"
	"perp_trading/internal/models"
)

// MomentumReversal fades RSI extremes confirmed by a volume spike, a reversal
// candle and an outer Bollinger Band touch.
type MomentumReversal struct {
	leverage       int
	rsiOversold    float64
	rsiOverbought  float64
	bbPeriod       int
	bbStd          float64
	stopLossPct    float64
	takeProfitPct  float64
	minVolumeRatio float64
	minConfidence  float64
}

func NewMomentumReversal(leverage int) *MomentumReversal {
	return &MomentumReversal{
		leverage:       leverage,
		rsiOversold:    25,
		rsiOverbought:  75,
		bbPeriod:       20,
		bbStd:          2.0,
		stopLossPct:    0.012,
		takeProfitPct:  0.030,
		minVolumeRatio: 1.5,
		minConfidence:  0.60,
	}
}

func (s *MomentumReversal) Name() string { return "Momentum Reversal" }

func (s *MomentumReversal) RequiredCandles() int { return 100 }

func (s *MomentumReversal) Analyze(klines []models.Kline, symbol string, _ *MarketContext) *models.Signal {
	if len(klines) < s.RequiredCandles() {
		return nil
	}

	rsi := analysis.RSI(klines, 14)
	upperBB, midBB, lowerBB := analysis.BollingerBands(klines, s.bbPeriod, s.bbStd)
	volumeRatio := analysis.VolumeRatio(klines, 20)
	price := klines[len(klines)-1].Close

	if volumeRatio < s.minVolumeRatio {
		return nil
	}

	candle := reversalCandle(klines)
	divergence := rsiDivergence(klines)

	switch {
	case rsi < s.rsiOversold:
		bbTouch := price <= lowerBB*1.002
		hasCandle := candle == "BULLISH"
		hasDivergence := divergence == "BULLISH"

		confidence := s.confidence(rsi, volumeRatio, hasCandle, hasDivergence, bbTouch)
		if confidence < s.minConfidence {
			return nil
		}
		return &models.Signal{
			Action:     models.SideLong,
			EntryPrice: price,
			StopLoss:   price * (1 - s.stopLossPct),
			TakeProfit: math.Min(midBB, price*(1+s.takeProfitPct)),
			Leverage:   s.leverage,
			Confidence: confidence,
			Reason: fmt.Sprintf("Oversold reversal: rsi=%.0f vol=%.1fx candle=%v div=%v",
				rsi, volumeRatio, hasCandle, hasDivergence),
		}

	case rsi > s.rsiOverbought:
		bbTouch := price >= upperBB*0.998
		hasCandle := candle == "BEARISH"
		hasDivergence := divergence == "BEARISH"

		confidence := s.confidence(rsi, volumeRatio, hasCandle, hasDivergence, bbTouch)
		if confidence < s.minConfidence {
			return nil
		}
		return &models.Signal{
			Action:     models.SideShort,
			EntryPrice: price,
			StopLoss:   price * (1 + s.stopLossPct),
			TakeProfit: math.Max(midBB, price*(1-s.takeProfitPct)),
			Leverage:   s.leverage,
			Confidence: confidence,
			Reason: fmt.Sprintf("Overbought reversal: rsi=%.0f vol=%.1fx candle=%v div=%v",
				rsi, volumeRatio, hasCandle, hasDivergence),
		}
	}
	return nil
}

func (s *MomentumReversal) confidence(rsi, volumeRatio float64, hasCandle, hasDivergence, bbTouch bool) float64 {
	confidence := 0.5

	switch {
	case rsi < 15 || rsi > 85:
		confidence += 0.20
	case rsi < 20 || rsi > 80:
		confidence += 0.15
	default:
		confidence += 0.10
	}

	switch {
	case volumeRatio >= 3.0:
		confidence += 0.15
	case volumeRatio >= 2.5:
		confidence += 0.12
	case volumeRatio >= 2.0:
		confidence += 0.10
	default:
		confidence += 0.05
	}

	if hasCandle {
		confidence += 0.15
	} else {
		confidence -= 0.10
	}
	if bbTouch {
		confidence += 0.10
	}
	if hasDivergence {
		confidence += 0.10
	}

	return analysis.Clip(confidence, 0, 1)
}

// reversalCandle detects a hammer ("BULLISH") or shooting star ("BEARISH") on
// the last candle, requiring the previous candle to point the other way.
func reversalCandle(klines []models.Kline) string {
	if len(klines) < 2 {
		return ""
	}

	last := klines[len(klines)-1]
	prev := klines[len(klines)-2]

	body := math.Abs(last.Close - last.Open)
	if last.High-last.Low == 0 {
		return ""
	}
	upperWick := last.High - math.Max(last.Open, last.Close)
	lowerWick := math.Min(last.Open, last.Close) - last.Low

	if lowerWick > body*3 && upperWick < body*0.3 && last.Close > last.Open && prev.Close < prev.Open {
		return "BULLISH"
	}
	if upperWick > body*3 && lowerWick < body*0.3 && last.Close < last.Open && prev.Close > prev.Open {
		return "BEARISH"
	}
	return ""
}

// rsiDivergence looks for price/RSI divergence on local extremes of the last
// 20 candles. Returns "BULLISH", "BEARISH" or "".
func rsiDivergence(klines []models.Kline) string {
	if len(klines) < 20 {
		return ""
	}

	window := klines[len(klines)-20:]

	// RSI value as of each candle in the window.
	rsiAt := func(i int) float64 {
		end := len(klines) - len(window) + i + 1
		return analysis.RSI(klines[:end], 14)
	}

	var priceLows, rsiAtLows, priceHighs, rsiAtHighs []float64
	for i := 2; i < len(window)-2; i++ {
		if window[i].Close < window[i-1].Close && window[i].Close < window[i+1].Close {
			priceLows = append(priceLows, window[i].Close)
			rsiAtLows = append(rsiAtLows, rsiAt(i))
		}
		if window[i].Close > window[i-1].Close && window[i].Close > window[i+1].Close {
			priceHighs = append(priceHighs, window[i].Close)
			rsiAtHighs = append(rsiAtHighs, rsiAt(i))
		}
	}

	if n := len(priceLows); n >= 2 && priceLows[n-1] < priceLows[n-2] && rsiAtLows[n-1] > rsiAtLows[n-2] {
		return "BULLISH"
	}
	if n := len(priceHighs); n >= 2 && priceHighs[n-1] > priceHighs[n-2] && rsiAtHighs[n-1] < rsiAtHighs[n-2] {
		return "BEARISH"
	}
	return ""
}
