package engine

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"perp_trading/config"
	"perp_trading/internal/analysis"
	"perp_trading/internal/exchange"
	"perp_trading/internal/ledger"
	"perp_trading/internal/models"
	"perp_trading/internal/regime"
	"perp_trading/internal/risk"
	"perp_trading/internal/selector"
	"perp_trading/internal/store"
	"perp_trading/internal/strategy"
)

// Stage identifies where in the trading cycle an error occurred.
type Stage string

const (
	StageReconcile  Stage = "reconcile"
	StageMarketData Stage = "market_data"
	StageRegime     Stage = "regime"
	StageSignal     Stage = "signal"
	StageRisk       Stage = "risk"
	StageExecution  Stage = "execution"
)

// StageError wraps a failure with the cycle stage and symbol it hit.
type StageError struct {
	Stage  Stage
	Symbol string
	Err    error
}

func (e *StageError) Error() string {
	if e.Symbol == "" {
		return fmt.Sprintf("%s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("%s [%s]: %v", e.Stage, e.Symbol, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

const klineLimit = 120

// TradingEngine drives the trading cycle: reconcile state with the exchange,
// classify the market regime, pick a strategy, size and place orders. A
// single goroutine mutates state; the web and telegram layers only read.
type TradingEngine struct {
	cfg      *config.Config
	client   exchange.Client
	ledger   *ledger.Ledger
	risk     *risk.Engine
	regime   *regime.Classifier
	scorer   *selector.Scorer
	store    store.StateStore
	cron     *cron.Cron
	interval string

	mu        sync.RWMutex
	isRunning bool
	stopChan  chan struct{}

	lastRegime regime.Regime

	onTradeOpen    func(models.Position)
	onTradeClose   func(models.Trade)
	onRegimeChange func(regime.Regime, float64)
}

func New(cfg *config.Config, client exchange.Client, led *ledger.Ledger, riskEngine *risk.Engine,
	classifier *regime.Classifier, scorer *selector.Scorer, st store.StateStore) *TradingEngine {

	e := &TradingEngine{
		cfg:        cfg,
		client:     client,
		ledger:     led,
		risk:       riskEngine,
		regime:     classifier,
		scorer:     scorer,
		store:      st,
		cron:       cron.New(),
		interval:   cfg.KlineInterval,
		stopChan:   make(chan struct{}),
		lastRegime: regime.Unknown,
	}

	led.SetOnClose(func(t models.Trade) {
		if t.Strategy != "" && t.Strategy != "recovered" {
			e.scorer.RecordOutcome(t.Strategy, t.PnL, t.PnL > 0)
		}
		if e.onTradeClose != nil {
			e.onTradeClose(t)
		}
	})

	return e
}

func (e *TradingEngine) SetCallbacks(
	onTradeOpen func(models.Position),
	onTradeClose func(models.Trade),
	onRegimeChange func(regime.Regime, float64),
) {
	e.onTradeOpen = onTradeOpen
	e.onTradeClose = onTradeClose
	e.onRegimeChange = onRegimeChange
}

// Bootstrap restores durable state before the loop starts: the initial
// balance baseline, trade history, exchange positions and orphaned orders.
func (e *TradingEngine) Bootstrap(ctx context.Context) error {
	balance, err := e.client.GetBalance(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap balance: %w", err)
	}

	initial, ok, err := e.store.GetInitialBalance(ctx)
	if err != nil {
		return fmt.Errorf("bootstrap initial balance: %w", err)
	}
	if !ok {
		initial = balance
		if initial == 0 {
			initial = e.cfg.InitialCapital
		}
		if err := e.store.SetInitialBalance(ctx, initial); err != nil {
			return fmt.Errorf("bootstrap initial balance: %w", err)
		}
		log.Printf("💰 Initial balance recorded: $%.2f", initial)
	}
	current := balance
	if current == 0 {
		current = initial
	}
	e.risk.SetCapital(initial, current)
	log.Printf("💰 Capital: $%.2f (baseline $%.2f)", current, initial)

	trades, err := e.store.LoadTrades(ctx, 500)
	if err != nil {
		log.Printf("⚠️ Could not load trade history: %v", err)
	} else if len(trades) > 0 {
		e.ledger.RestoreTrades(trades)
		for _, t := range trades {
			if t.Strategy != "" && t.Strategy != "recovered" {
				e.scorer.RecordOutcome(t.Strategy, t.PnL, t.PnL > 0)
			}
		}
		log.Printf("📜 Restored %d trade(s) from database", len(trades))
	}

	if err := e.ledger.RecoverFromExchange(ctx); err != nil {
		log.Printf("⚠️ Position recovery failed, starting with empty state: %v", err)
	}
	if err := e.ledger.CleanupOrphanOrders(ctx); err != nil {
		log.Printf("⚠️ Orphan order cleanup failed: %v", err)
	}
	return nil
}

func (e *TradingEngine) Start() {
	e.mu.Lock()
	if e.isRunning {
		e.mu.Unlock()
		return
	}
	e.isRunning = true
	e.stopChan = make(chan struct{})
	e.mu.Unlock()

	// Daily limits reset at UTC midnight; hourly balance checkpoint.
	e.cron = cron.New(cron.WithLocation(time.UTC))
	e.cron.AddFunc("0 0 * * *", e.risk.ResetDaily)
	e.cron.AddFunc("@hourly", e.checkpointBalance)
	e.cron.Start()

	go e.run()
	log.Println("🚀 Trading engine started")
}

func (e *TradingEngine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.isRunning {
		return
	}
	e.isRunning = false
	e.cron.Stop()
	close(e.stopChan)
	log.Println("⏸️ Trading engine stopped")
}

func (e *TradingEngine) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.isRunning
}

func (e *TradingEngine) run() {
	ticker := time.NewTicker(time.Duration(e.cfg.IntervalSeconds) * time.Second)
	defer ticker.Stop()

	e.tick()
	for {
		select {
		case <-e.stopChan:
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

// tick runs one full trading cycle. Stage errors abort only the affected
// symbol; the loop always comes back around.
func (e *TradingEngine) tick() {
	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(e.cfg.IntervalSeconds)*time.Second)
	defer cancel()

	if err := e.ledger.Reconcile(ctx); err != nil {
		log.Printf("❌ %v", &StageError{Stage: StageReconcile, Err: err})
		return
	}

	for i, symbol := range e.cfg.Symbols {
		if err := e.processSymbol(ctx, symbol, i == 0); err != nil {
			log.Printf("❌ %v", err)
		}
	}
}

func (e *TradingEngine) processSymbol(ctx context.Context, symbol string, updateRegime bool) error {
	klines, err := e.client.GetKlines(ctx, symbol, e.interval, klineLimit)
	if err != nil {
		return &StageError{Stage: StageMarketData, Symbol: symbol, Err: err}
	}
	if len(klines) == 0 {
		return &StageError{Stage: StageMarketData, Symbol: symbol, Err: fmt.Errorf("no klines returned")}
	}

	book, err := e.client.GetOrderBook(ctx, symbol, 20)
	if err != nil {
		// The book only feeds optional signals; degrade instead of aborting.
		log.Printf("Could not fetch order book for %s: %v", symbol, err)
		book = nil
	}
	funding, err := e.client.GetFundingHistory(ctx, symbol, 10)
	if err != nil {
		log.Printf("Could not fetch funding history for %s: %v", symbol, err)
		funding = nil
	}

	if updateRegime {
		r, confidence := e.regime.Update(klines, book, funding, time.Now())
		e.mu.Lock()
		changed := r != e.lastRegime
		e.lastRegime = r
		e.mu.Unlock()
		if changed && e.onRegimeChange != nil {
			e.onRegimeChange(r, confidence)
		}
	}

	// Existing exposure for this symbol is managed by resting orders and
	// reconciliation; no new entries.
	if e.ledger.Has(symbol) {
		return nil
	}

	if err := e.risk.CanOpen(symbol, e.ledger.OpenCount(), false); err != nil {
		log.Printf("⏭️ Skipping %s: %v", symbol, err)
		return nil
	}

	currentRegime, confidence := e.regime.Current()
	mctx := &strategy.MarketContext{
		OrderBook:      book,
		FundingHistory: funding,
		Timestamp:      time.Now(),
	}
	strategyName, signal := e.scorer.SelectAndAnalyze(klines, symbol, mctx, currentRegime, confidence)
	if signal == nil {
		return nil
	}
	if err := strategy.ValidateSignal(signal); err != nil {
		return &StageError{Stage: StageSignal, Symbol: symbol, Err: err}
	}

	return e.executeSignal(ctx, symbol, strategyName, signal, klines)
}

func (e *TradingEngine) executeSignal(ctx context.Context, symbol, strategyName string, sig *models.Signal, klines []models.Kline) error {
	leverage := sig.Leverage
	if leverage > e.cfg.MaxLeverage {
		leverage = e.cfg.MaxLeverage
	}

	// Enforce the minimum risk/reward when a target is set.
	stopDist := math.Abs(sig.EntryPrice - sig.StopLoss)
	if sig.TakeProfit > 0 && stopDist > 0 {
		if math.Abs(sig.TakeProfit-sig.EntryPrice)/stopDist < e.cfg.MinRiskReward {
			log.Printf("⏭️ Skipping %s signal on %s: risk/reward below %.1f", strategyName, symbol, e.cfg.MinRiskReward)
			return nil
		}
	}

	liquidation := e.risk.LiquidationPrice(sig.EntryPrice, leverage, sig.Action)
	if err := e.risk.ValidateOpen(sig.Action, sig.StopLoss, liquidation); err != nil {
		return &StageError{Stage: StageRisk, Symbol: symbol, Err: err}
	}

	volatility := analysis.Volatility(klines, 20)
	quantity := e.risk.SizePosition(sig.EntryPrice, sig.StopLoss, leverage, volatility)
	if quantity <= 0 {
		return &StageError{Stage: StageRisk, Symbol: symbol, Err: fmt.Errorf("position size is zero")}
	}

	if err := e.client.ChangeLeverage(ctx, symbol, leverage); err != nil {
		return &StageError{Stage: StageExecution, Symbol: symbol, Err: err}
	}

	entrySide, exitSide := exchange.OrderSideBuy, exchange.OrderSideSell
	if sig.Action == models.SideShort {
		entrySide, exitSide = exchange.OrderSideSell, exchange.OrderSideBuy
	}

	if _, err := e.client.CreateOrder(ctx, exchange.OrderRequest{
		Symbol:   symbol,
		Side:     entrySide,
		Type:     exchange.OrderTypeMarket,
		Quantity: quantity,
	}); err != nil {
		return &StageError{Stage: StageExecution, Symbol: symbol, Err: err}
	}

	pos := models.Position{
		Symbol:           symbol,
		Side:             sig.Action,
		EntryPrice:       sig.EntryPrice,
		Quantity:         quantity,
		Leverage:         leverage,
		StopLoss:         sig.StopLoss,
		TakeProfit:       sig.TakeProfit,
		LiquidationPrice: liquidation,
		EntryTime:        time.Now(),
		Strategy:         strategyName,
	}
	if err := e.ledger.Open(pos); err != nil {
		return &StageError{Stage: StageExecution, Symbol: symbol, Err: err}
	}

	// Resting stop and target close the whole position server side, so a
	// crashed bot still has its exit orders in place.
	stopID, err := e.client.CreateOrder(ctx, exchange.OrderRequest{
		Symbol:        symbol,
		Side:          exitSide,
		Type:          exchange.OrderTypeStopMarket,
		StopPrice:     sig.StopLoss,
		ClosePosition: true,
	})
	if err != nil {
		log.Printf("❌ Failed to place stop order for %s: %v", symbol, err)
	} else if err := e.ledger.AttachRestingOrder(symbol, ledger.OrderKindStop, stopID); err != nil {
		log.Printf("❌ %v", err)
	}

	if sig.TakeProfit > 0 {
		targetID, err := e.client.CreateOrder(ctx, exchange.OrderRequest{
			Symbol:        symbol,
			Side:          exitSide,
			Type:          exchange.OrderTypeTakeProfit,
			StopPrice:     sig.TakeProfit,
			ClosePosition: true,
		})
		if err != nil {
			log.Printf("❌ Failed to place target order for %s: %v", symbol, err)
		} else if err := e.ledger.AttachRestingOrder(symbol, ledger.OrderKindTarget, targetID); err != nil {
			log.Printf("❌ %v", err)
		}
	}

	log.Printf("📈 %s: %s", symbol, sig.Reason)
	if e.onTradeOpen != nil {
		if opened, ok := e.ledger.Get(symbol); ok {
			e.onTradeOpen(opened)
		}
	}
	return nil
}

// ClosePosition closes a tracked position at market, used by the telegram
// and web control surfaces.
func (e *TradingEngine) ClosePosition(ctx context.Context, symbol string) (*models.Trade, error) {
	pos, ok := e.ledger.Get(symbol)
	if !ok {
		return nil, fmt.Errorf("no position for %s", symbol)
	}

	exitSide := exchange.OrderSideSell
	if pos.Side == models.SideShort {
		exitSide = exchange.OrderSideBuy
	}
	if _, err := e.client.CreateOrder(ctx, exchange.OrderRequest{
		Symbol:        symbol,
		Side:          exitSide,
		Type:          exchange.OrderTypeMarket,
		Quantity:      pos.Quantity,
		ReduceOnly:    true,
		ClosePosition: false,
	}); err != nil {
		return nil, &StageError{Stage: StageExecution, Symbol: symbol, Err: err}
	}

	if pos.StopOrderID != "" {
		if err := e.client.CancelOrder(ctx, symbol, pos.StopOrderID); err != nil {
			log.Printf("Could not cancel stop order %s: %v", pos.StopOrderID, err)
		}
	}
	if pos.TargetOrderID != "" {
		if err := e.client.CancelOrder(ctx, symbol, pos.TargetOrderID); err != nil {
			log.Printf("Could not cancel target order %s: %v", pos.TargetOrderID, err)
		}
	}

	// Settle with the exchange-reported PnL when fills are available.
	fills, err := e.client.GetAccountFills(ctx, symbol, 10)
	if err == nil && len(fills) > 0 {
		latest := fills[len(fills)-1]
		total := 0.0
		for _, f := range fills {
			total += f.RealizedPnL
		}
		return e.ledger.Close(ctx, symbol, latest.Price, latest.ID, &total)
	}

	// Fall back to the mark price estimate.
	price := pos.EntryPrice
	if klines, err := e.client.GetKlines(ctx, symbol, e.interval, 1); err == nil && len(klines) > 0 {
		price = klines[len(klines)-1].Close
	}
	return e.ledger.Close(ctx, symbol, price, "", nil)
}

func (e *TradingEngine) checkpointBalance() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	balance, err := e.client.GetBalance(ctx)
	if err != nil {
		log.Printf("⚠️ Balance checkpoint failed: %v", err)
		return
	}
	tracked := e.risk.Capital()
	log.Printf("🕐 Balance checkpoint: exchange $%.2f, tracked $%.2f (drift $%.2f)",
		balance, tracked, balance-tracked)
}

// Stats summarizes live performance for the reporting layers.
func (e *TradingEngine) Stats() models.Stats {
	return e.risk.Statistics(e.ledger.Trades(), e.ledger.OpenCount())
}

func (e *TradingEngine) Positions() []models.Position { return e.ledger.Snapshot() }

func (e *TradingEngine) Trades() []models.Trade { return e.ledger.Trades() }

func (e *TradingEngine) RegimeStats() regime.Stats { return e.regime.Stats() }

func (e *TradingEngine) StrategyPerformance() map[string]selector.PerformanceSummary {
	return e.scorer.Performance()
}
