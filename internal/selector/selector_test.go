package selector

import (
	"math"
	"testing"

	"perp_trading/internal/models"
	"perp_trading/internal/regime"
	"perp_trading/internal/strategy"
)

type stubStrategy struct {
	name   string
	signal *models.Signal
}

func (s *stubStrategy) Name() string         { return s.name }
func (s *stubStrategy) RequiredCandles() int { return 0 }
func (s *stubStrategy) Analyze(_ []models.Kline, _ string, _ *strategy.MarketContext) *models.Signal {
	return s.signal
}

func TestScoreNoHistory(t *testing.T) {
	s := NewScorer(&stubStrategy{name: "VWAP Reversion"})

	// Top recommendation for ranging with full regime confidence and a
	// neutral 0.5 performance score: 0.7*1.0 + 0.3*0.5.
	got := s.Score("VWAP Reversion", regime.LowVolRanging, 1.0)
	if math.Abs(got-0.85) > 1e-9 {
		t.Errorf("expected score 0.85, got %.4f", got)
	}
}

func TestScoreUnrecommendedStrategy(t *testing.T) {
	s := NewScorer(&stubStrategy{name: "Nonexistent Edge"})

	// Not in any recommendation list: regime score floor 0.2.
	got := s.Score("Nonexistent Edge", regime.LowVolRanging, 1.0)
	if math.Abs(got-(0.2*0.7+0.5*0.3)) > 1e-9 {
		t.Errorf("expected score 0.29, got %.4f", got)
	}
}

func TestScoreUnknownStrategy(t *testing.T) {
	s := NewScorer()
	if got := s.Score("ghost", regime.Mixed, 1.0); got != 0 {
		t.Errorf("expected 0 for unknown strategy, got %.4f", got)
	}
}

func TestHysteresisDisableAndReenable(t *testing.T) {
	s := NewScorer(&stubStrategy{name: "VWAP Reversion"})

	// 3 wins, 7 losses: 30% win rate over 10 trades disables it.
	for i := 0; i < 3; i++ {
		s.RecordOutcome("VWAP Reversion", 10, true)
	}
	for i := 0; i < 7; i++ {
		s.RecordOutcome("VWAP Reversion", -10, false)
	}
	if got := s.Score("VWAP Reversion", regime.LowVolRanging, 1.0); got != 0 {
		t.Fatalf("expected disabled strategy to score 0, got %.4f", got)
	}

	// Three more wins push it to 6/13 = 46%, above the re-enable bar.
	for i := 0; i < 3; i++ {
		s.RecordOutcome("VWAP Reversion", 10, true)
	}
	if got := s.Score("VWAP Reversion", regime.LowVolRanging, 1.0); got == 0 {
		t.Errorf("expected re-enabled strategy to score above 0")
	}
}

func TestHysteresisNotAppliedBeforeTenTrades(t *testing.T) {
	s := NewScorer(&stubStrategy{name: "VWAP Reversion"})

	for i := 0; i < 9; i++ {
		s.RecordOutcome("VWAP Reversion", -10, false)
	}
	if got := s.Score("VWAP Reversion", regime.LowVolRanging, 1.0); got == 0 {
		t.Errorf("strategy should not be disabled before 10 trades")
	}
}

func TestSelectRegistrationOrderTieBreak(t *testing.T) {
	// Neither name appears in any recommendation list, so scores tie.
	s := NewScorer(
		&stubStrategy{name: "Alpha"},
		&stubStrategy{name: "Beta"},
	)

	name, _ := s.Select(regime.Mixed, 1.0)
	if name != "Alpha" {
		t.Errorf("expected first registered strategy on tie, got %s", name)
	}
}

func TestSelectAndAnalyzeFallsThrough(t *testing.T) {
	sig := &models.Signal{Action: models.SideLong, EntryPrice: 100, StopLoss: 99, Leverage: 10, Confidence: 0.8}
	s := NewScorer(
		&stubStrategy{name: "VWAP Reversion", signal: nil}, // best score, no signal
		&stubStrategy{name: "Funding Arbitrage", signal: sig},
	)

	name, got := s.SelectAndAnalyze(nil, "BTCUSDT", nil, regime.LowVolRanging, 1.0)
	if name != "Funding Arbitrage" {
		t.Errorf("expected fallback to Funding Arbitrage, got %q", name)
	}
	if got != sig {
		t.Errorf("expected the stub signal back")
	}
}

func TestSelectAndAnalyzeSkipsLowScores(t *testing.T) {
	sig := &models.Signal{Action: models.SideLong, EntryPrice: 100, StopLoss: 99, Leverage: 10, Confidence: 0.8}
	// Regime confidence 0.1 drags every score under the 0.2 floor once the
	// strategy also has a losing record.
	s := NewScorer(&stubStrategy{name: "Alpha", signal: sig})
	for i := 0; i < 5; i++ {
		s.RecordOutcome("Alpha", -50, false)
	}

	name, got := s.SelectAndAnalyze(nil, "BTCUSDT", nil, regime.Mixed, 0.1)
	if name != "" || got != nil {
		t.Errorf("expected no signal when all scores below floor, got %q %v", name, got)
	}
}

func TestPerformanceSummary(t *testing.T) {
	s := NewScorer(&stubStrategy{name: "Alpha"})
	s.RecordOutcome("Alpha", 30, true)
	s.RecordOutcome("Alpha", -10, false)

	perf := s.Performance()["Alpha"]
	if perf.TotalTrades != 2 {
		t.Errorf("expected 2 trades, got %d", perf.TotalTrades)
	}
	if math.Abs(perf.WinRate-0.5) > 1e-9 {
		t.Errorf("expected 50%% win rate, got %.4f", perf.WinRate)
	}
	if math.Abs(perf.TotalPnL-20) > 1e-9 {
		t.Errorf("expected total PnL 20, got %.2f", perf.TotalPnL)
	}
	if !perf.Enabled {
		t.Errorf("expected strategy enabled")
	}
}
