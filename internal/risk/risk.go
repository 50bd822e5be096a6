package risk

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sync"

	"perp_trading/internal/models"
)

// Reasons CanOpen may refuse a new position.
var (
	ErrDailyLossLimit  = errors.New("daily loss limit reached")
	ErrMaxPositions    = errors.New("max open positions reached")
	ErrSymbolOpen      = errors.New("position already open for symbol")
	ErrCapitalDepleted = errors.New("capital below half of initial")
	ErrStopBeyondLiq   = errors.New("stop loss beyond liquidation price")
)

const maintenanceMarginRate = 0.005

// Engine holds the risk limits and capital accounting. Sizing, stop and
// liquidation math are pure functions of the inputs; only capital and daily
// PnL are state.
type Engine struct {
	mu sync.RWMutex

	initialCapital   float64
	capital          float64
	dailyPnL         float64
	dailyTrades      int
	maxLeverage      int
	riskPerTrade     float64
	maxDailyLoss     float64
	maxOpenPositions int
	minRiskReward    float64
}

type Limits struct {
	MaxLeverage      int
	RiskPerTrade     float64
	MaxDailyLoss     float64
	MaxOpenPositions int
	MinRiskReward    float64
}

func NewEngine(initialCapital float64, limits Limits) *Engine {
	log.Printf("🛡️ Risk engine initialized: capital=$%.2f, max leverage=%dx", initialCapital, limits.MaxLeverage)
	return &Engine{
		initialCapital:   initialCapital,
		capital:          initialCapital,
		maxLeverage:      limits.MaxLeverage,
		riskPerTrade:     limits.RiskPerTrade,
		maxDailyLoss:     limits.MaxDailyLoss,
		maxOpenPositions: limits.MaxOpenPositions,
		minRiskReward:    limits.MinRiskReward,
	}
}

// CanOpen checks all limits before a new position. openCount and symbolOpen
// describe the ledger's current state.
func (e *Engine) CanOpen(symbol string, openCount int, symbolOpen bool) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.dailyPnL <= -(e.initialCapital * e.maxDailyLoss) {
		return fmt.Errorf("%w: daily pnl $%.2f", ErrDailyLossLimit, e.dailyPnL)
	}
	if openCount >= e.maxOpenPositions {
		return fmt.Errorf("%w: %d open", ErrMaxPositions, openCount)
	}
	if symbolOpen {
		return fmt.Errorf("%w: %s", ErrSymbolOpen, symbol)
	}
	if e.capital <= e.initialCapital*0.5 {
		return fmt.Errorf("%w: $%.2f", ErrCapitalDepleted, e.capital)
	}
	return nil
}

// SizePosition computes the quantity for a trade risking riskPerTrade of
// capital, shrunk in high volatility and at high leverage.
func (e *Engine) SizePosition(entry, stopLoss float64, leverage int, volatility float64) float64 {
	e.mu.RLock()
	riskAmount := e.capital * e.riskPerTrade
	e.mu.RUnlock()

	if volatility > 0 {
		riskAmount *= math.Max(0.5, 1-volatility*2)
	}

	stopDistance := math.Abs(entry-stopLoss) / entry
	if stopDistance == 0 {
		return 0
	}

	quantity := riskAmount / stopDistance / entry
	quantity *= math.Min(1.0, 20/float64(leverage))

	return quantity
}

// StopLoss places the stop at an ATR multiple from entry, tightened as
// leverage rises and capped by the per-trade risk limit.
func (e *Engine) StopLoss(entry float64, side string, atr float64, leverage int, tight bool) float64 {
	multiplier := 1.5
	if tight {
		multiplier = 1.0
	}

	distance := atr * multiplier
	distance *= math.Max(0.5, 1-float64(leverage-10)/100)

	e.mu.RLock()
	maxDistance := entry * (e.riskPerTrade / float64(leverage) * 5)
	e.mu.RUnlock()
	if distance > maxDistance {
		distance = maxDistance
	}

	if side == models.SideLong {
		return entry - distance
	}
	return entry + distance
}

// TakeProfit mirrors the stop distance by the risk/reward ratio.
func (e *Engine) TakeProfit(entry, stopLoss float64, side string, riskReward float64) float64 {
	distance := math.Abs(entry-stopLoss) * riskReward
	if side == models.SideLong {
		return entry + distance
	}
	return entry - distance
}

// LiquidationPrice for an isolated position with a 0.5% maintenance margin.
func (e *Engine) LiquidationPrice(entry float64, leverage int, side string) float64 {
	if side == models.SideLong {
		return entry * (1 - 1/float64(leverage) + maintenanceMarginRate)
	}
	return entry * (1 + 1/float64(leverage) - maintenanceMarginRate)
}

// ValidateOpen rejects a position whose stop would never fire because the
// exchange liquidates first.
func (e *Engine) ValidateOpen(side string, stopLoss, liquidationPrice float64) error {
	if side == models.SideLong && stopLoss <= liquidationPrice {
		return fmt.Errorf("%w: stop %.4f, liq %.4f", ErrStopBeyondLiq, stopLoss, liquidationPrice)
	}
	if side == models.SideShort && stopLoss >= liquidationPrice {
		return fmt.Errorf("%w: stop %.4f, liq %.4f", ErrStopBeyondLiq, stopLoss, liquidationPrice)
	}
	return nil
}

// RecordOpen counts a new position against the daily trade counter.
func (e *Engine) RecordOpen() {
	e.mu.Lock()
	e.dailyTrades++
	e.mu.Unlock()
}

// RecordPnL settles a realized profit or loss into capital and the daily total.
func (e *Engine) RecordPnL(pnl float64) {
	e.mu.Lock()
	e.capital += pnl
	e.dailyPnL += pnl
	e.mu.Unlock()
}

// ResetDaily zeroes the daily counters. Called by the scheduler at UTC midnight.
func (e *Engine) ResetDaily() {
	e.mu.Lock()
	e.dailyPnL = 0
	e.dailyTrades = 0
	e.mu.Unlock()
	log.Println("📅 Daily stats reset")
}

// SetCapital overrides capital and initial capital, used when bootstrapping
// from the exchange balance.
func (e *Engine) SetCapital(initial, current float64) {
	e.mu.Lock()
	e.initialCapital = initial
	e.capital = current
	e.mu.Unlock()
}

func (e *Engine) Capital() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.capital
}

func (e *Engine) DailyPnL() float64 {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.dailyPnL
}

func (e *Engine) MinRiskReward() float64 { return e.minRiskReward }

func (e *Engine) MaxLeverage() int { return e.maxLeverage }

// Statistics summarizes completed trades plus the live capital state.
func (e *Engine) Statistics(trades []models.Trade, openPositions int) models.Stats {
	e.mu.RLock()
	capital := e.capital
	initial := e.initialCapital
	dailyPnL := e.dailyPnL
	e.mu.RUnlock()

	stats := models.Stats{
		Capital:       capital,
		DailyPnL:      dailyPnL,
		OpenPositions: openPositions,
	}
	// ROI tracks the capital curve even before the first completed trade.
	if initial != 0 {
		stats.ROI = (capital - initial) / initial * 100
	}
	if len(trades) == 0 {
		return stats
	}

	var totalWins, totalLosses, totalPnL float64
	for _, t := range trades {
		totalPnL += t.PnL
		if t.PnL > 0 {
			stats.WinningTrades++
			totalWins += t.PnL
		} else {
			stats.LosingTrades++
			totalLosses += -t.PnL
		}
	}

	stats.TotalTrades = len(trades)
	stats.WinRate = float64(stats.WinningTrades) / float64(len(trades)) * 100
	stats.TotalPnL = totalPnL
	if stats.WinningTrades > 0 {
		stats.AvgWin = totalWins / float64(stats.WinningTrades)
	}
	if stats.LosingTrades > 0 {
		stats.AvgLoss = totalLosses / float64(stats.LosingTrades)
	}
	if totalLosses > 0 {
		stats.ProfitFactor = totalWins / totalLosses
	} else {
		stats.ProfitFactor = math.Inf(1)
	}

	// Max drawdown over the capital curve implied by trade order.
	peak := initial
	capitalCurve := initial
	for _, t := range trades {
		capitalCurve += t.PnL
		if capitalCurve > peak {
			peak = capitalCurve
		}
		if dd := (peak - capitalCurve) / peak; dd > stats.MaxDrawdown {
			stats.MaxDrawdown = dd
		}
	}
	stats.MaxDrawdown *= 100
	return stats
}
