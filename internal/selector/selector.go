package selector

import (
	"fmt"
	"log"
	"math"
	"sort"
	"strings"
	"sync"

	"perp_trading/internal/analysis"
	"perp_trading/internal/models"
	"perp_trading/internal/regime"
	"perp_trading/internal/strategy"
)

const (
	regimeWeight      = 0.7
	performanceWeight = 0.3
	minScore          = 0.2
	recentWindow      = 20
	scoringWindow     = 10
	disableBelowWR    = 0.35
	reenableAboveWR   = 0.45
	minTradesForGate  = 10
)

type outcome struct {
	pnl float64
	win bool
}

type perf struct {
	wins    int
	losses  int
	total   float64
	recent  []outcome
	enabled bool
}

// PerformanceSummary is the reportable view of one strategy's track record.
type PerformanceSummary struct {
	TotalTrades int     `json:"total_trades"`
	WinRate     float64 `json:"win_rate"`
	TotalPnL    float64 `json:"total_pnl"`
	AvgPnL      float64 `json:"avg_pnl"`
	Enabled     bool    `json:"enabled"`
}

// Scorer ranks registered strategies by regime fit and recent performance,
// and runs the best one that produces a signal. Strategies that lose too
// often are disabled until they recover.
type Scorer struct {
	mu         sync.RWMutex
	order      []string // registration order, the ranking tie-break
	strategies map[string]strategy.Strategy
	stats      map[string]*perf
}

func NewScorer(strategies ...strategy.Strategy) *Scorer {
	s := &Scorer{
		strategies: make(map[string]strategy.Strategy),
		stats:      make(map[string]*perf),
	}
	for _, st := range strategies {
		s.order = append(s.order, st.Name())
		s.strategies[st.Name()] = st
		s.stats[st.Name()] = &perf{enabled: true}
	}
	log.Printf("📊 Strategy scorer initialized with %d strategies", len(strategies))
	return s
}

// RecordOutcome feeds a completed trade back into the strategy's track record.
// Poor performers are disabled at <35%% win rate and re-enabled above 45%%.
func (s *Scorer) RecordOutcome(name string, pnl float64, win bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.stats[name]
	if !ok {
		log.Printf("⚠️ Unknown strategy: %s", name)
		return
	}

	if win {
		p.wins++
	} else {
		p.losses++
	}
	p.total += pnl
	p.recent = append(p.recent, outcome{pnl: pnl, win: win})
	if len(p.recent) > recentWindow {
		p.recent = p.recent[len(p.recent)-recentWindow:]
	}

	total := p.wins + p.losses
	if total >= minTradesForGate {
		wr := float64(p.wins) / float64(total)
		if wr < disableBelowWR && p.enabled {
			log.Printf("⚠️ Strategy %s performing poorly (WR: %.0f%%), disabling", name, wr*100)
			p.enabled = false
		} else if wr > reenableAboveWR && !p.enabled {
			log.Printf("✅ Strategy %s improved (WR: %.0f%%), re-enabling", name, wr*100)
			p.enabled = true
		}
	}
}

// Score computes the 0-1 selection score for one strategy under the given
// regime. Disabled strategies score 0.
func (s *Scorer) Score(name string, r regime.Regime, regimeConfidence float64) float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.scoreLocked(name, r, regimeConfidence)
}

func (s *Scorer) scoreLocked(name string, r regime.Regime, regimeConfidence float64) float64 {
	p, ok := s.stats[name]
	if !ok || !p.enabled {
		return 0
	}

	recommended := regime.RecommendedStrategies(r)
	regimeScore := 0.2
	for rank, rec := range recommended {
		if rec == name {
			regimeScore = 1.0 - float64(rank)*0.2
			break
		}
	}
	regimeScore *= regimeConfidence

	performanceScore := 0.5
	if p.wins+p.losses > 0 {
		recent := p.recent
		if len(recent) > scoringWindow {
			recent = recent[len(recent)-scoringWindow:]
		}
		recentWins := 0
		recentPnL := 0.0
		for _, o := range recent {
			if o.win {
				recentWins++
			}
			recentPnL += o.pnl
		}
		recentWR := float64(recentWins) / float64(len(recent))
		avgPnL := recentPnL / float64(len(recent))
		performanceScore = recentWR*0.6 + math.Min(avgPnL/100, 0.4)
	}

	return analysis.Clip(regimeScore*regimeWeight+performanceScore*performanceWeight, 0, 1)
}

type ranked struct {
	name  string
	score float64
}

func (s *Scorer) rank(r regime.Regime, regimeConfidence float64) []ranked {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]ranked, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, ranked{name: name, score: s.scoreLocked(name, r, regimeConfidence)})
	}
	// Stable sort keeps registration order on ties.
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

// Select returns the highest scoring strategy name and its score.
func (s *Scorer) Select(r regime.Regime, regimeConfidence float64) (string, float64) {
	ranking := s.rank(r, regimeConfidence)
	if len(ranking) == 0 {
		return "", 0
	}
	return ranking[0].name, ranking[0].score
}

// SelectAndAnalyze tries strategies in descending score order until one
// produces a signal. Strategies below the minimum score are skipped.
func (s *Scorer) SelectAndAnalyze(klines []models.Kline, symbol string, ctx *strategy.MarketContext,
	r regime.Regime, regimeConfidence float64) (string, *models.Signal) {

	ranking := s.rank(r, regimeConfidence)
	if len(ranking) == 0 {
		return "", nil
	}

	parts := make([]string, 0, len(ranking))
	for _, rk := range ranking {
		parts = append(parts, fmt.Sprintf("%s: %.2f", rk.name, rk.score))
	}
	log.Printf("📊 Regime: %s (%.0f%%) | Scores: %s", r, regimeConfidence*100, strings.Join(parts, ", "))

	for _, rk := range ranking {
		if rk.score < minScore {
			continue
		}
		st := s.strategies[rk.name]
		if sig := st.Analyze(klines, symbol, ctx); sig != nil {
			log.Printf("✅ Signal from %s: %s @ %.4f", rk.name, sig.Action, sig.EntryPrice)
			return rk.name, sig
		}
	}
	return "", nil
}

// Performance returns per-strategy summaries keyed by name.
func (s *Scorer) Performance() map[string]PerformanceSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]PerformanceSummary, len(s.stats))
	for name, p := range s.stats {
		total := p.wins + p.losses
		summary := PerformanceSummary{TotalTrades: total, TotalPnL: p.total, Enabled: p.enabled}
		if total > 0 {
			summary.WinRate = float64(p.wins) / float64(total)
			summary.AvgPnL = p.total / float64(total)
		}
		out[name] = summary
	}
	return out
}
