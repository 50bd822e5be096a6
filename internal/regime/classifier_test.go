package regime

import (
	"math"
	"testing"
	"time"
)

func TestClassifyMixedWhenNothingFires(t *testing.T) {
	c := NewClassifier()

	// Every threshold just missed.
	signals := Signals{
		Volatility:     0.02,
		TrendStrength:  30,
		VolumeTrend:    0,
		FundingRate:    0,
		RSI:            50,
		PriceMomentum:  0.3,
		LiquidityScore: 0.5,
	}

	r, confidence := c.Classify(signals)
	if r != Mixed {
		t.Errorf("expected MIXED, got %s", r)
	}
	if confidence != 0.5 {
		t.Errorf("expected confidence 0.5, got %.4f", confidence)
	}
}

func TestClassifyHighVolTrending(t *testing.T) {
	c := NewClassifier()

	signals := Signals{
		Volatility:    0.05,
		TrendStrength: 50,
		PriceMomentum: 0.8,
		VolumeTrend:   0.5,
		RSI:           50,
	}

	r, confidence := c.Classify(signals)
	if r != HighVolTrending {
		t.Errorf("expected HIGH_VOL_TRENDING, got %s", r)
	}
	// 9.0 of the 9.5 total score.
	if math.Abs(confidence-9.0/9.5) > 1e-9 {
		t.Errorf("expected confidence %.4f, got %.4f", 9.0/9.5, confidence)
	}
}

func TestClassifyConfidenceBounds(t *testing.T) {
	c := NewClassifier()

	cases := []Signals{
		{},
		{Volatility: 0.1, TrendStrength: 90, PriceMomentum: 1, VolumeTrend: 1, RSI: 90, FundingRate: 0.01, OrderbookImbalance: 1},
		{Volatility: 0.001, TrendStrength: 5, LiquidityScore: 0.9, FundingRate: -0.002, RSI: 50},
	}
	for i, s := range cases {
		_, confidence := c.Classify(s)
		if confidence < 0 || confidence > 1 {
			t.Errorf("case %d: confidence %.4f out of [0,1]", i, confidence)
		}
	}
}

func TestUpdatePersistenceBoost(t *testing.T) {
	c := NewClassifier()

	// Empty klines classify as LOW_VOL_RANGING every time: score 7.5 of 8.
	base := 7.5 / 8.0

	_, first := c.Update(nil, nil, nil, time.Now())
	if math.Abs(first-base) > 1e-9 {
		t.Fatalf("expected unboosted confidence %.4f, got %.4f", base, first)
	}

	var last float64
	for i := 0; i < 15; i++ {
		_, last = c.Update(nil, nil, nil, time.Now())
	}
	// Persistence above 0.6 boosts by 1.1, capped at 1.0.
	if last != 1.0 {
		t.Errorf("expected boosted confidence 1.0, got %.4f", last)
	}
}

func TestUpdateHistoryAndStats(t *testing.T) {
	c := NewClassifier()

	for i := 0; i < 5; i++ {
		c.Update(nil, nil, nil, time.Now())
	}

	stats := c.Stats()
	if stats.TotalUpdates != 5 {
		t.Errorf("expected 5 updates, got %d", stats.TotalUpdates)
	}
	if stats.Current != LowVolRanging {
		t.Errorf("expected LOW_VOL_RANGING, got %s", stats.Current)
	}
	if stats.Distribution[LowVolRanging] != 5 {
		t.Errorf("expected distribution count 5, got %d", stats.Distribution[LowVolRanging])
	}
}

func TestRecommendedStrategiesCoverAllRegimes(t *testing.T) {
	for _, r := range []Regime{HighVolTrending, LowVolRanging, MomentumExhaustion, Mixed, Unknown} {
		if len(RecommendedStrategies(r)) == 0 {
			t.Errorf("no recommendations for %s", r)
		}
	}
}

func TestRecommendedStrategiesOrderedPriority(t *testing.T) {
	got := RecommendedStrategies(HighVolTrending)
	if got[0] != "Breakout Scalping" {
		t.Errorf("expected Breakout Scalping first for trending, got %s", got[0])
	}
	got = RecommendedStrategies(LowVolRanging)
	if got[0] != "VWAP Reversion" {
		t.Errorf("expected VWAP Reversion first for ranging, got %s", got[0])
	}
}
