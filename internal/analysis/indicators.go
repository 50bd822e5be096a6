package analysis

import (
	"math"

	"perp_trading/internal/models"
)

// Closes extracts the close series from klines.
func Closes(klines []models.Kline) []float64 {
	prices := make([]float64, len(klines))
	for i, k := range klines {
		prices[i] = k.Close
	}
	return prices
}

// RSI computes the Relative Strength Index over the last period candles.
// Returns 50 (neutral) when there is not enough history.
func RSI(klines []models.Kline, period int) float64 {
	if len(klines) < period+1 {
		return 50
	}

	gains := 0.0
	losses := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		change := klines[i].Close - klines[i-1].Close
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}

	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100
	}

	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// EMA computes the exponential moving average of the whole series.
// Falls back to SMA when fewer than period values are available.
func EMA(prices []float64, period int) float64 {
	if len(prices) == 0 {
		return 0
	}
	if len(prices) < period {
		return SMA(prices, len(prices))
	}

	multiplier := 2.0 / float64(period+1)
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += prices[i]
	}
	ema := sum / float64(period)

	for i := period; i < len(prices); i++ {
		ema = (prices[i] * multiplier) + (ema * (1 - multiplier))
	}
	return ema
}

// SMA computes the simple moving average over the last period values.
func SMA(prices []float64, period int) float64 {
	if len(prices) == 0 || period <= 0 {
		return 0
	}
	if period > len(prices) {
		period = len(prices)
	}
	sum := 0.0
	for i := len(prices) - period; i < len(prices); i++ {
		sum += prices[i]
	}
	return sum / float64(period)
}

// ATR computes the average true range over the last period candles.
func ATR(klines []models.Kline, period int) float64 {
	if len(klines) < period+1 {
		return 0
	}

	sum := 0.0
	for i := len(klines) - period; i < len(klines); i++ {
		tr := math.Max(klines[i].High-klines[i].Low,
			math.Max(math.Abs(klines[i].High-klines[i-1].Close),
				math.Abs(klines[i].Low-klines[i-1].Close)))
		sum += tr
	}
	return sum / float64(period)
}

// Volatility computes the standard deviation of close-to-close returns
// over the last period candles. Returns 0 on insufficient history.
func Volatility(klines []models.Kline, period int) float64 {
	if len(klines) < period+1 {
		return 0
	}

	returns := make([]float64, 0, period)
	for i := len(klines) - period; i < len(klines); i++ {
		prev := klines[i-1].Close
		if prev == 0 {
			continue
		}
		returns = append(returns, (klines[i].Close-prev)/prev)
	}
	if len(returns) < 2 {
		return 0
	}

	mean := 0.0
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))

	variance := 0.0
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns) - 1)

	return math.Sqrt(variance)
}

// BollingerBands returns (upper, middle, lower) bands over the last period candles.
func BollingerBands(klines []models.Kline, period int, stdMult float64) (float64, float64, float64) {
	prices := Closes(klines)
	mid := SMA(prices, period)
	if len(prices) < period {
		return mid, mid, mid
	}

	variance := 0.0
	for i := len(prices) - period; i < len(prices); i++ {
		variance += (prices[i] - mid) * (prices[i] - mid)
	}
	std := math.Sqrt(variance / float64(period))

	return mid + std*stdMult, mid, mid - std*stdMult
}

// MACD returns the MACD line and its signal line (12/26/9).
func MACD(klines []models.Kline) (float64, float64) {
	if len(klines) < 35 {
		return 0, 0
	}

	prices := Closes(klines)

	// Build the last 15 MACD points so the signal EMA has something to work with.
	macdValues := make([]float64, 0, 15)
	for i := len(prices) - 15; i < len(prices); i++ {
		ema12 := EMA(prices[:i+1], 12)
		ema26 := EMA(prices[:i+1], 26)
		macdValues = append(macdValues, ema12-ema26)
	}

	multiplier := 2.0 / 10.0
	signal := macdValues[0]
	for i := 1; i < len(macdValues); i++ {
		signal = (macdValues[i] * multiplier) + (signal * (1 - multiplier))
	}

	return macdValues[len(macdValues)-1], signal
}

// VolumeRatio compares the last candle's volume against the average of the
// preceding period candles. Returns 1 when history is insufficient.
func VolumeRatio(klines []models.Kline, period int) float64 {
	if len(klines) < period+1 {
		return 1
	}

	sum := 0.0
	for i := len(klines) - period - 1; i < len(klines)-1; i++ {
		sum += klines[i].Volume
	}
	avg := sum / float64(period)
	if avg == 0 {
		return 1
	}
	return klines[len(klines)-1].Volume / avg
}

// DetectBreakout reports whether the last close broke the high/low range of the
// preceding period candles by more than 1%. Returns "UP", "DOWN" or "".
func DetectBreakout(klines []models.Kline, period int) string {
	if len(klines) < period+1 {
		return ""
	}

	recentHigh := -math.MaxFloat64
	recentLow := math.MaxFloat64
	for i := len(klines) - period - 1; i < len(klines)-1; i++ {
		if klines[i].High > recentHigh {
			recentHigh = klines[i].High
		}
		if klines[i].Low < recentLow {
			recentLow = klines[i].Low
		}
	}

	const threshold = 0.01
	last := klines[len(klines)-1].Close
	if last > recentHigh*(1+threshold) {
		return "UP"
	}
	if last < recentLow*(1-threshold) {
		return "DOWN"
	}
	return ""
}

// IsTrending reports whether the market is trending, using a fast/slow EMA
// spread of 2%. Direction is "UP", "DOWN" or "".
func IsTrending(klines []models.Kline, period int) (bool, string) {
	if len(klines) < period {
		return false, ""
	}

	prices := Closes(klines)
	fast := EMA(prices, period/2)
	slow := EMA(prices, period)

	if fast > slow*1.02 {
		return true, "UP"
	}
	if fast < slow*0.98 {
		return true, "DOWN"
	}
	return false, ""
}

// SessionVWAP computes the volume-weighted average price over the last
// lookback candles (288 five-minute candles is roughly one day).
func SessionVWAP(klines []models.Kline, lookback int) float64 {
	if len(klines) == 0 {
		return 0
	}
	if lookback > len(klines) {
		lookback = len(klines)
	}

	var cumPV, cumVol float64
	for i := len(klines) - lookback; i < len(klines); i++ {
		typical := (klines[i].High + klines[i].Low + klines[i].Close) / 3
		cumPV += typical * klines[i].Volume
		cumVol += klines[i].Volume
	}
	if cumVol == 0 {
		return klines[len(klines)-1].Close
	}
	return cumPV / cumVol
}

// Clip bounds v to [lo, hi].
func Clip(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
