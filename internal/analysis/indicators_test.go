package analysis

import (
	"math"
	"testing"

	"perp_trading/internal/models"
)

func flatKlines(n int, price, volume float64) []models.Kline {
	klines := make([]models.Kline, n)
	for i := range klines {
		klines[i] = models.Kline{Open: price, High: price, Low: price, Close: price, Volume: volume}
	}
	return klines
}

func TestRSIInsufficientHistory(t *testing.T) {
	klines := flatKlines(5, 100, 1)
	if got := RSI(klines, 14); got != 50 {
		t.Errorf("expected neutral RSI 50, got %.2f", got)
	}
}

func TestRSIAllGains(t *testing.T) {
	klines := make([]models.Kline, 20)
	for i := range klines {
		klines[i] = models.Kline{Close: 100 + float64(i)}
	}
	if got := RSI(klines, 14); got != 100 {
		t.Errorf("expected RSI 100 for monotonic rise, got %.2f", got)
	}
}

func TestSMA(t *testing.T) {
	prices := []float64{1, 2, 3, 4, 5}
	if got := SMA(prices, 3); got != 4 {
		t.Errorf("expected SMA 4, got %.2f", got)
	}
	if got := SMA(nil, 3); got != 0 {
		t.Errorf("expected SMA 0 on empty input, got %.2f", got)
	}
}

func TestATRConstantRange(t *testing.T) {
	klines := make([]models.Kline, 20)
	for i := range klines {
		klines[i] = models.Kline{High: 102, Low: 98, Close: 100}
	}
	if got := ATR(klines, 14); math.Abs(got-4) > 1e-9 {
		t.Errorf("expected ATR 4, got %.4f", got)
	}
}

func TestVolatilityFlatSeries(t *testing.T) {
	klines := flatKlines(30, 100, 1)
	if got := Volatility(klines, 20); got != 0 {
		t.Errorf("expected zero volatility for flat prices, got %.6f", got)
	}
}

func TestVolumeRatio(t *testing.T) {
	klines := flatKlines(21, 100, 10)
	klines[20].Volume = 30
	if got := VolumeRatio(klines, 20); math.Abs(got-3) > 1e-9 {
		t.Errorf("expected volume ratio 3, got %.2f", got)
	}
}

func TestDetectBreakoutUp(t *testing.T) {
	klines := make([]models.Kline, 31)
	for i := range klines {
		klines[i] = models.Kline{High: 101, Low: 99, Close: 100}
	}
	klines[30].Close = 102.5

	if got := DetectBreakout(klines, 30); got != "UP" {
		t.Errorf("expected UP breakout, got %q", got)
	}
}

func TestDetectBreakoutNone(t *testing.T) {
	klines := make([]models.Kline, 31)
	for i := range klines {
		klines[i] = models.Kline{High: 101, Low: 99, Close: 100}
	}
	if got := DetectBreakout(klines, 30); got != "" {
		t.Errorf("expected no breakout, got %q", got)
	}
}

func TestSessionVWAPFlat(t *testing.T) {
	klines := flatKlines(50, 100, 5)
	if got := SessionVWAP(klines, 288); math.Abs(got-100) > 1e-9 {
		t.Errorf("expected VWAP 100, got %.4f", got)
	}
}

func TestClip(t *testing.T) {
	if got := Clip(2, -1, 1); got != 1 {
		t.Errorf("expected 1, got %.2f", got)
	}
	if got := Clip(-2, -1, 1); got != -1 {
		t.Errorf("expected -1, got %.2f", got)
	}
	if got := Clip(0.5, -1, 1); got != 0.5 {
		t.Errorf("expected 0.5, got %.2f", got)
	}
}
