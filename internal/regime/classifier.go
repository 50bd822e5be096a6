package regime

import (
	"log"
	"math"
	"sync"
	"time"

	"perp_trading/internal/analysis"
	"perp_trading/internal/models"
)

// Regime is a discrete classification of current market character.
type Regime string

const (
	HighVolTrending    Regime = "high_vol_trending"
	LowVolRanging      Regime = "low_vol_ranging"
	MomentumExhaustion Regime = "momentum_exhaustion"
	Mixed              Regime = "mixed"
	Unknown            Regime = "unknown"
)

// Signals is the snapshot of normalized features used for classification.
// Transient: recomputed on every update, never persisted.
type Signals struct {
	Volatility         float64 // rolling stddev of returns
	TrendStrength      float64 // ADX-style, 0-100
	VolumeTrend        float64 // -1..1
	OrderbookImbalance float64 // -1..1
	FundingRate        float64
	FundingTrend       float64 // -1..1
	RSI                float64 // 0-100
	PriceMomentum      float64 // -1..1
	LiquidityScore     float64 // 0-1
	RegimePersistence  float64 // 0-1
}

// HistoryEntry is one recorded classification.
type HistoryEntry struct {
	Time       time.Time
	Regime     Regime
	Confidence float64
}

// Stats summarizes recent classifier output for reporting.
type Stats struct {
	Current      Regime
	Confidence   float64
	Distribution map[Regime]int // last 100 updates
	TotalUpdates int
}

const (
	historyCap     = 1000
	persistenceWin = 20

	volatilityHigh = 0.03
	volatilityLow  = 0.015
	trendStrong    = 40.0
	rsiExtremeLow  = 25.0
	rsiExtremeHigh = 75.0

	mixedBaseline = 0.5
)

// Classifier derives market signals from recent data and scores four mutually
// exclusive regime hypotheses. Single writer (the engine loop); concurrent
// readers come from the monitoring layer.
type Classifier struct {
	mu         sync.RWMutex
	current    Regime
	confidence float64
	history    []HistoryEntry
}

func NewClassifier() *Classifier {
	return &Classifier{current: Unknown}
}

// Current returns the last classified regime and its confidence.
func (c *Classifier) Current() (Regime, float64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.current, c.confidence
}

// ExtractSignals computes the feature snapshot. Missing inputs (nil book, short
// history) degrade to neutral values, never to errors.
func (c *Classifier) ExtractSignals(klines []models.Kline, book *models.OrderBook, funding []models.FundingRate) Signals {
	fundingRate, fundingTrend := fundingSignals(funding)

	return Signals{
		Volatility:         analysis.Volatility(klines, 20),
		TrendStrength:      trendStrength(klines, 14),
		VolumeTrend:        volumeTrend(klines, 20),
		OrderbookImbalance: bookImbalance(book),
		FundingRate:        fundingRate,
		FundingTrend:       fundingTrend,
		RSI:                analysis.RSI(klines, 14),
		PriceMomentum:      priceMomentum(klines, 10),
		LiquidityScore:     liquidityScore(klines, book),
		RegimePersistence:  c.persistence(),
	}
}

// Classify scores the four regime hypotheses and returns the winner with a
// confidence in [0,1].
func (c *Classifier) Classify(s Signals) (Regime, float64) {
	scores := map[Regime]float64{
		HighVolTrending:    0,
		LowVolRanging:      0,
		MomentumExhaustion: 0,
		Mixed:              mixedBaseline,
	}

	if s.Volatility > volatilityHigh {
		scores[HighVolTrending] += 3.0
	}
	if s.TrendStrength > trendStrong {
		scores[HighVolTrending] += 2.5
	}
	if math.Abs(s.PriceMomentum) > 0.5 {
		scores[HighVolTrending] += 2.0
	}
	if s.VolumeTrend > 0.3 {
		scores[HighVolTrending] += 1.5
	}

	if s.Volatility < volatilityLow {
		scores[LowVolRanging] += 3.0
	}
	if s.TrendStrength < 25 {
		scores[LowVolRanging] += 2.5
	}
	if math.Abs(s.PriceMomentum) < 0.2 {
		scores[LowVolRanging] += 2.0
	}
	if math.Abs(s.FundingRate) > 0.001 {
		scores[LowVolRanging] += 1.5
	}
	if s.LiquidityScore > 0.7 {
		scores[LowVolRanging] += 1.0
	}

	if s.RSI < rsiExtremeLow || s.RSI > rsiExtremeHigh {
		scores[MomentumExhaustion] += 3.0
	}
	if math.Abs(s.PriceMomentum) > 0.4 && s.VolumeTrend < -0.2 {
		scores[MomentumExhaustion] += 2.5
	}
	if math.Abs(s.FundingRate) > 0.002 {
		scores[MomentumExhaustion] += 2.0
	}
	if math.Abs(s.OrderbookImbalance) > 0.6 {
		scores[MomentumExhaustion] += 1.5
	}

	total := 0.0
	for _, v := range scores {
		total += v
	}

	// Nothing fired: only the MIXED baseline stands.
	if total == mixedBaseline {
		return Mixed, 0.5
	}

	winner := Mixed
	best := scores[Mixed]
	for _, r := range []Regime{HighVolTrending, LowVolRanging, MomentumExhaustion} {
		if scores[r] > best {
			winner = r
			best = scores[r]
		}
	}

	confidence := best / total

	c.mu.RLock()
	held := c.current
	c.mu.RUnlock()
	if winner == held && s.RegimePersistence > 0.6 {
		confidence = math.Min(1.0, confidence*1.1)
	}

	return winner, confidence
}

// Update runs extract+classify, records the result in the rolling history and
// logs a regime change.
func (c *Classifier) Update(klines []models.Kline, book *models.OrderBook, funding []models.FundingRate, ts time.Time) (Regime, float64) {
	signals := c.ExtractSignals(klines, book, funding)
	newRegime, confidence := c.Classify(signals)

	c.mu.Lock()
	defer c.mu.Unlock()

	if newRegime != c.current {
		log.Printf("🔄 Market Regime Change: %s -> %s (confidence: %.2f)", c.current, newRegime, confidence)
		log.Printf("   Volatility: %.2f%%, Trend: %.1f, RSI: %.1f",
			signals.Volatility*100, signals.TrendStrength, signals.RSI)
		c.current = newRegime
	}

	c.history = append(c.history, HistoryEntry{Time: ts, Regime: newRegime, Confidence: confidence})
	if len(c.history) > historyCap {
		c.history = c.history[len(c.history)-historyCap:]
	}
	c.confidence = confidence

	return newRegime, confidence
}

// RecommendedStrategies returns the fixed priority list of strategy names for a
// regime, best fit first.
func RecommendedStrategies(r Regime) []string {
	switch r {
	case HighVolTrending:
		return []string{"Breakout Scalping", "Momentum Reversal", "Order Flow Imbalance"}
	case LowVolRanging:
		return []string{"VWAP Reversion", "Order Flow Imbalance", "Funding Arbitrage"}
	case MomentumExhaustion:
		return []string{"Momentum Reversal", "VWAP Reversion", "Order Flow Imbalance"}
	case Unknown:
		return []string{"Order Flow Imbalance", "VWAP Reversion"}
	default:
		return []string{"Order Flow Imbalance", "VWAP Reversion", "Breakout Scalping", "Momentum Reversal", "Funding Arbitrage"}
	}
}

// Stats reports the regime distribution over the last 100 updates.
func (c *Classifier) Stats() Stats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	dist := make(map[Regime]int)
	start := len(c.history) - 100
	if start < 0 {
		start = 0
	}
	for _, h := range c.history[start:] {
		dist[h.Regime]++
	}

	return Stats{
		Current:      c.current,
		Confidence:   c.confidence,
		Distribution: dist,
		TotalUpdates: len(c.history),
	}
}

func (c *Classifier) persistence() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if len(c.history) == 0 {
		return 0
	}
	start := len(c.history) - persistenceWin
	if start < 0 {
		start = 0
	}
	matched := 0
	for _, h := range c.history[start:] {
		if h.Regime == c.current {
			matched++
		}
	}
	return float64(matched) / float64(persistenceWin)
}

// trendStrength computes a Wilder-style ADX over the given period.
// 0 = no trend, 100 = very strong trend.
func trendStrength(klines []models.Kline, period int) float64 {
	n := len(klines)
	if n < period*2+1 {
		return 0
	}

	plusDM := make([]float64, n)
	minusDM := make([]float64, n)
	tr := make([]float64, n)
	for i := 1; i < n; i++ {
		plusDM[i] = math.Max(klines[i].High-klines[i-1].High, 0)
		minusDM[i] = math.Max(klines[i-1].Low-klines[i].Low, 0)
		tr[i] = math.Max(klines[i].High-klines[i].Low,
			math.Max(math.Abs(klines[i].High-klines[i-1].Close),
				math.Abs(klines[i].Low-klines[i-1].Close)))
	}

	rollMean := func(vals []float64, at int) float64 {
		sum := 0.0
		for i := at - period + 1; i <= at; i++ {
			sum += vals[i]
		}
		return sum / float64(period)
	}

	// DX for the last `period` candles, averaged into ADX.
	dxSum := 0.0
	dxCount := 0
	for i := n - period; i < n; i++ {
		atr := rollMean(tr, i)
		if atr == 0 {
			continue
		}
		plusDI := 100 * rollMean(plusDM, i) / atr
		minusDI := 100 * rollMean(minusDM, i) / atr
		if plusDI+minusDI == 0 {
			continue
		}
		dxSum += 100 * math.Abs(plusDI-minusDI) / (plusDI + minusDI)
		dxCount++
	}
	if dxCount == 0 {
		return 0
	}
	return dxSum / float64(dxCount)
}

// bookImbalance is (bidDepth-askDepth)/(bidDepth+askDepth) over the top 10 levels.
func bookImbalance(book *models.OrderBook) float64 {
	if book == nil {
		return 0
	}

	bidDepth := depth(book.Bids, 10)
	askDepth := depth(book.Asks, 10)
	total := bidDepth + askDepth
	if total == 0 {
		return 0
	}
	return (bidDepth - askDepth) / total
}

func depth(levels []models.BookLevel, top int) float64 {
	if top > len(levels) {
		top = len(levels)
	}
	sum := 0.0
	for _, l := range levels[:top] {
		sum += l.Qty
	}
	return sum
}

// fundingSignals returns the latest funding rate and the linear-regression
// slope of the last <=10 observations, scaled and clipped to [-1,1].
func fundingSignals(funding []models.FundingRate) (float64, float64) {
	if len(funding) < 2 {
		return 0, 0
	}

	start := len(funding) - 10
	if start < 0 {
		start = 0
	}
	rates := funding[start:]
	current := rates[len(rates)-1].Rate

	if len(rates) < 3 {
		return current, 0
	}

	// Least-squares slope over evenly spaced x.
	n := float64(len(rates))
	var sumX, sumY, sumXY, sumXX float64
	for i, f := range rates {
		x := float64(i)
		sumX += x
		sumY += f.Rate
		sumXY += x * f.Rate
		sumXX += x * x
	}
	denom := n*sumXX - sumX*sumX
	if denom == 0 {
		return current, 0
	}
	slope := (n*sumXY - sumX*sumY) / denom

	return current, analysis.Clip(slope*1000, -1, 1)
}

func priceMomentum(klines []models.Kline, period int) float64 {
	if len(klines) < period+1 {
		return 0
	}
	base := klines[len(klines)-period].Close
	if base == 0 {
		return 0
	}
	roc := (klines[len(klines)-1].Close - base) / base
	// Normalize assuming a 10% move saturates.
	return analysis.Clip(roc*10, -1, 1)
}

func volumeTrend(klines []models.Kline, period int) float64 {
	if len(klines) < period+5 {
		return 0
	}

	recent := 0.0
	for i := len(klines) - 5; i < len(klines); i++ {
		recent += klines[i].Volume
	}
	recent /= 5

	older := 0.0
	for i := len(klines) - period - 5; i < len(klines)-5; i++ {
		older += klines[i].Volume
	}
	older /= float64(period)

	if older == 0 {
		return 0
	}
	return analysis.Clip((recent-older)/older, -1, 1)
}

// liquidityScore blends a short/long volume ratio with order-book depth into [0,1].
func liquidityScore(klines []models.Kline, book *models.OrderBook) float64 {
	score := 0.5

	if len(klines) >= 20 {
		recent := 0.0
		for i := len(klines) - 5; i < len(klines); i++ {
			recent += klines[i].Volume
		}
		recent /= 5

		avg := 0.0
		for i := len(klines) - 20; i < len(klines); i++ {
			avg += klines[i].Volume
		}
		avg /= 20

		if avg > 0 {
			score += analysis.Clip((recent/avg-1)*0.2, -0.3, 0.3)
		}
	}

	if book != nil {
		total := depth(book.Bids, 10) + depth(book.Asks, 10)
		if total > 100000 {
			score += 0.2
		} else if total < 10000 {
			score -= 0.2
		}
	}

	return analysis.Clip(score, 0, 1)
}
