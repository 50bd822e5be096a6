package strategy

import (
	"fmt"
	"math"
	"time"

	"perp_trading/internal/analysis"
	"perp_trading/internal/models"
)

// OrderFlowImbalance reads the order book as a leading indicator: a heavy
// bid/ask skew near fair value tends to precede the move. Signals are rate
// limited per symbol to avoid overtrading.
type OrderFlowImbalance struct {
	leverage            int
	stopLossPct         float64
	takeProfitPct       float64
	minImbalance        float64
	minTotalDepth       float64
	bookLevels          int
	maxDistanceFromFair float64
	minVolumeRatio      float64
	cooldown            time.Duration
	minConfidence       float64

	lastSignal map[string]time.Time
}

func NewOrderFlowImbalance(leverage int) *OrderFlowImbalance {
	return &OrderFlowImbalance{
		leverage:            leverage,
		stopLossPct:         0.008,
		takeProfitPct:       0.015,
		minImbalance:        0.55,
		minTotalDepth:       100000,
		bookLevels:          10,
		maxDistanceFromFair: 0.005,
		minVolumeRatio:      1.0,
		cooldown:            5 * time.Minute,
		minConfidence:       0.60,
		lastSignal:          make(map[string]time.Time),
	}
}

func (s *OrderFlowImbalance) Name() string { return "Order Flow Imbalance" }

func (s *OrderFlowImbalance) RequiredCandles() int { return 50 }

func (s *OrderFlowImbalance) Analyze(klines []models.Kline, symbol string, ctx *MarketContext) *models.Signal {
	if len(klines) < s.RequiredCandles() {
		return nil
	}
	if ctx == nil || ctx.OrderBook == nil {
		return nil
	}

	if !ctx.Timestamp.IsZero() {
		if last, ok := s.lastSignal[symbol]; ok && ctx.Timestamp.Sub(last) < s.cooldown {
			return nil
		}
	}

	imbalance, bidDepth, askDepth := s.bookImbalance(ctx.OrderBook)
	totalDepth := bidDepth + askDepth
	if totalDepth < s.minTotalDepth {
		return nil
	}
	if math.Abs(imbalance) < s.minImbalance {
		return nil
	}

	price := klines[len(klines)-1].Close
	distanceFromFair := 0.0
	if mid := weightedMid(ctx.OrderBook); mid > 0 {
		distanceFromFair = math.Abs(price-mid) / price
	}
	if distanceFromFair > s.maxDistanceFromFair {
		return nil
	}

	// Extreme imbalance predicts the move on its own; relax the volume gate.
	volumeRatio := analysis.VolumeRatio(klines, 20)
	requiredVolume := s.minVolumeRatio
	switch abs := math.Abs(imbalance); {
	case abs >= 0.80:
		requiredVolume = 0.2
	case abs >= 0.75:
		requiredVolume = 0.4
	case abs >= 0.70:
		requiredVolume = 0.6
	}
	if volumeRatio < requiredVolume {
		return nil
	}

	confidence := s.confidence(imbalance, totalDepth, volumeRatio, distanceFromFair)
	if confidence < s.minConfidence {
		return nil
	}

	var sig *models.Signal
	if imbalance > 0 {
		sig = &models.Signal{
			Action:     models.SideLong,
			EntryPrice: price,
			StopLoss:   price * (1 - s.stopLossPct),
			TakeProfit: price * (1 + s.takeProfitPct),
			Leverage:   s.leverage,
			Confidence: confidence,
			Reason: fmt.Sprintf("Order flow BUY: imbalance=%.0f%% depth=$%.0fk vol=%.1fx",
				imbalance*100, totalDepth/1000, volumeRatio),
		}
	} else {
		sig = &models.Signal{
			Action:     models.SideShort,
			EntryPrice: price,
			StopLoss:   price * (1 + s.stopLossPct),
			TakeProfit: price * (1 - s.takeProfitPct),
			Leverage:   s.leverage,
			Confidence: confidence,
			Reason: fmt.Sprintf("Order flow SELL: imbalance=%.0f%% depth=$%.0fk vol=%.1fx",
				imbalance*100, totalDepth/1000, volumeRatio),
		}
	}

	if !ctx.Timestamp.IsZero() {
		s.lastSignal[symbol] = ctx.Timestamp
	}
	return sig
}

// bookImbalance returns (imbalance, bidDepth, askDepth) with depth in quote
// notional over the top levels. Imbalance is +1 all bids, -1 all asks.
func (s *OrderFlowImbalance) bookImbalance(book *models.OrderBook) (float64, float64, float64) {
	notional := func(levels []models.BookLevel) float64 {
		top := s.bookLevels
		if top > len(levels) {
			top = len(levels)
		}
		sum := 0.0
		for _, l := range levels[:top] {
			sum += l.Price * l.Qty
		}
		return sum
	}

	bidDepth := notional(book.Bids)
	askDepth := notional(book.Asks)
	total := bidDepth + askDepth
	if total == 0 {
		return 0, 0, 0
	}
	return (bidDepth - askDepth) / total, bidDepth, askDepth
}

// weightedMid is the volume-weighted mid of the best bid/ask.
func weightedMid(book *models.OrderBook) float64 {
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return 0
	}
	bid, ask := book.Bids[0], book.Asks[0]
	totalQty := bid.Qty + ask.Qty
	if totalQty == 0 {
		return (bid.Price + ask.Price) / 2
	}
	return (bid.Price*bid.Qty + ask.Price*ask.Qty) / totalQty
}

func (s *OrderFlowImbalance) confidence(imbalance, totalDepth, volumeRatio, distanceFromFair float64) float64 {
	confidence := 0.5

	switch abs := math.Abs(imbalance); {
	case abs >= 0.75:
		confidence += 0.20
	case abs >= 0.70:
		confidence += 0.15
	case abs >= 0.60:
		confidence += 0.12
	default:
		confidence += 0.08
	}

	switch {
	case totalDepth >= 300000:
		confidence += 0.15
	case totalDepth >= 200000:
		confidence += 0.12
	case totalDepth >= 100000:
		confidence += 0.10
	default:
		confidence += 0.05
	}

	switch {
	case volumeRatio >= 1.5:
		confidence += 0.10
	case volumeRatio >= 1.2:
		confidence += 0.08
	case volumeRatio >= 1.0:
		confidence += 0.05
	}

	switch {
	case distanceFromFair < 0.002:
		confidence += 0.10
	case distanceFromFair < 0.005:
		confidence += 0.08
	default:
		confidence += 0.03
	}

	return analysis.Clip(confidence, 0, 1)
}
