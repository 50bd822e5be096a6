package ledger

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"perp_trading/internal/exchange"
	"perp_trading/internal/models"
	"perp_trading/internal/risk"
	"perp_trading/internal/store"
)

// Resting order kinds for AttachRestingOrder.
const (
	OrderKindStop   = "STOP"
	OrderKindTarget = "TARGET"
)

var (
	ErrPositionExists   = errors.New("position already exists")
	ErrPositionNotFound = errors.New("position not found")
)

// Ledger tracks open positions and completed trades, and reconciles them
// against the exchange, which is the source of truth. All mutation happens
// from the engine loop; readers take snapshots.
type Ledger struct {
	mu        sync.RWMutex
	positions map[string]*models.Position
	trades    []models.Trade

	client exchange.Client
	store  store.StateStore
	risk   *risk.Engine

	onClose func(models.Trade)
}

func New(client exchange.Client, st store.StateStore, riskEngine *risk.Engine) *Ledger {
	return &Ledger{
		positions: make(map[string]*models.Position),
		client:    client,
		store:     st,
		risk:      riskEngine,
	}
}

// SetOnClose registers a callback invoked for every completed trade,
// including those discovered during reconciliation.
func (l *Ledger) SetOnClose(fn func(models.Trade)) {
	l.onClose = fn
}

// Open registers a freshly opened position. At most one per symbol.
func (l *Ledger) Open(pos models.Position) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.positions[pos.Symbol]; ok {
		return fmt.Errorf("%w: %s", ErrPositionExists, pos.Symbol)
	}
	if pos.EntryTime.IsZero() {
		pos.EntryTime = time.Now()
	}
	l.positions[pos.Symbol] = &pos
	l.risk.RecordOpen()

	log.Printf("✅ Opened %s %s | Entry: $%.4f | Qty: %.4f | SL: $%.4f | TP: $%.4f | Liq: $%.4f | %dx",
		pos.Side, pos.Symbol, pos.EntryPrice, pos.Quantity, pos.StopLoss, pos.TakeProfit,
		pos.LiquidationPrice, pos.Leverage)
	return nil
}

// AttachRestingOrder records the exchange order id of a resting stop or
// target so it can be canceled when the position goes away.
func (l *Ledger) AttachRestingOrder(symbol, kind, orderID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[symbol]
	if !ok {
		return fmt.Errorf("%w: %s", ErrPositionNotFound, symbol)
	}
	switch kind {
	case OrderKindStop:
		pos.StopOrderID = orderID
	case OrderKindTarget:
		pos.TargetOrderID = orderID
	default:
		return fmt.Errorf("unknown order kind %q", kind)
	}
	return nil
}

// UpdateMark refreshes the unrealized PnL from the current mark price.
// Leverage scales margin, not PnL.
func (l *Ledger) UpdateMark(symbol string, markPrice float64) {
	l.mu.Lock()
	defer l.mu.Unlock()

	pos, ok := l.positions[symbol]
	if !ok {
		return
	}
	perUnit := markPrice - pos.EntryPrice
	if pos.Side == models.SideShort {
		perUnit = -perUnit
	}
	pos.UnrealizedPnL = perUnit * pos.Quantity
}

// Close settles a position into a Trade. When realizedPnL is non-nil the
// exchange-reported value is used verbatim; otherwise PnL is derived from the
// exit price. Persistence failures are logged, not rolled back: the exchange
// already closed the position, so in-memory state must move on.
func (l *Ledger) Close(ctx context.Context, symbol string, exitPrice float64, fillID string, realizedPnL *float64) (*models.Trade, error) {
	l.mu.Lock()
	pos, ok := l.positions[symbol]
	if !ok {
		l.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrPositionNotFound, symbol)
	}

	var pnl, pnlPct float64
	if realizedPnL != nil {
		pnl = *realizedPnL
		pnlPct = pnl / (pos.EntryPrice * pos.Quantity) * 100
	} else {
		perUnit := exitPrice - pos.EntryPrice
		if pos.Side == models.SideShort {
			perUnit = -perUnit
		}
		pnl = perUnit * pos.Quantity
		pnlPct = perUnit / pos.EntryPrice * 100
	}

	if fillID == "" {
		fillID = "local-" + uuid.NewString()
	}
	trade := models.Trade{
		FillID:     fillID,
		Symbol:     symbol,
		Side:       pos.Side,
		EntryPrice: pos.EntryPrice,
		ExitPrice:  exitPrice,
		Quantity:   pos.Quantity,
		Leverage:   pos.Leverage,
		PnL:        pnl,
		PnLPercent: pnlPct,
		EntryTime:  pos.EntryTime,
		ExitTime:   time.Now(),
		Strategy:   pos.Strategy,
	}

	delete(l.positions, symbol)
	l.trades = append(l.trades, trade)
	l.mu.Unlock()

	l.risk.RecordPnL(pnl)

	log.Printf("🎯 Closed %s @ $%.4f | PnL: $%.2f (%.2f%%) | Capital: $%.2f",
		symbol, exitPrice, pnl, pnlPct, l.risk.Capital())

	if err := l.store.SaveTrade(ctx, trade); err != nil {
		log.Printf("❌ Failed to save trade %s: %v", trade.FillID, err)
	}
	holdSeconds := trade.ExitTime.Sub(trade.EntryTime).Seconds()
	if err := l.store.UpdateStrategyPerformance(ctx, trade.Strategy, pnl, holdSeconds, pnl > 0); err != nil {
		log.Printf("❌ Failed to update strategy performance for %s: %v", trade.Strategy, err)
	}

	if l.onClose != nil {
		l.onClose(trade)
	}
	return &trade, nil
}

// Reconcile aligns tracked positions with the exchange. Positions the
// exchange no longer has were closed remotely (stop, target or liquidation):
// their resting orders are canceled and the realized PnL is pulled from the
// fill history. Safe to call repeatedly.
func (l *Ledger) Reconcile(ctx context.Context) error {
	exchangePositions, err := l.client.GetOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}

	active := make(map[string]models.ExchangePosition, len(exchangePositions))
	for _, p := range exchangePositions {
		active[p.Symbol] = p
	}

	l.mu.RLock()
	var closed []string
	for symbol := range l.positions {
		if _, ok := active[symbol]; !ok {
			closed = append(closed, symbol)
		}
	}
	l.mu.RUnlock()

	for _, symbol := range closed {
		l.settleExternalClose(ctx, symbol)
	}

	for symbol, ep := range active {
		l.UpdateMark(symbol, ep.MarkPrice)
		l.logThresholds(symbol, ep.MarkPrice)
	}
	return nil
}

func (l *Ledger) settleExternalClose(ctx context.Context, symbol string) {
	log.Printf("⚠️ Position %s closed on exchange, canceling resting orders", symbol)

	l.mu.RLock()
	pos, ok := l.positions[symbol]
	if !ok {
		l.mu.RUnlock()
		return
	}
	stopID, targetID, entryPrice := pos.StopOrderID, pos.TargetOrderID, pos.EntryPrice
	l.mu.RUnlock()

	// Resting orders may already be filled or gone; failures here are expected.
	if stopID != "" {
		if err := l.client.CancelOrder(ctx, symbol, stopID); err != nil {
			log.Printf("Could not cancel stop order %s: %v", stopID, err)
		}
	}
	if targetID != "" {
		if err := l.client.CancelOrder(ctx, symbol, targetID); err != nil {
			log.Printf("Could not cancel target order %s: %v", targetID, err)
		}
	}

	fills, err := l.client.GetAccountFills(ctx, symbol, 10)
	if err != nil || len(fills) == 0 {
		// No settlement data: drop without a trade record. The realized PnL
		// still lands in the exchange balance, just not in our stats.
		l.mu.Lock()
		delete(l.positions, symbol)
		l.mu.Unlock()
		log.Printf("🗑️ Position %s removed from tracking (no fill history, PnL not recorded)", symbol)
		return
	}

	latest := fills[len(fills)-1]
	totalPnL := 0.0
	for _, f := range fills {
		totalPnL += f.RealizedPnL
	}
	log.Printf("📊 Position %s exit: $%.4f, realized PnL from exchange: $%.2f", symbol, latest.Price, totalPnL)

	exitPrice := latest.Price
	if exitPrice == 0 {
		exitPrice = entryPrice
	}
	if _, err := l.Close(ctx, symbol, exitPrice, latest.ID, &totalPnL); err != nil {
		log.Printf("❌ Failed to settle %s: %v", symbol, err)
	}
}

func (l *Ledger) logThresholds(symbol string, markPrice float64) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	pos, ok := l.positions[symbol]
	if !ok {
		return
	}
	if pos.StopLoss > 0 {
		if (pos.Side == models.SideLong && markPrice <= pos.StopLoss) ||
			(pos.Side == models.SideShort && markPrice >= pos.StopLoss) {
			log.Printf("⚠️ Stop loss threshold reached for %s: $%.4f", symbol, markPrice)
			return
		}
	}
	if pos.TakeProfit > 0 {
		if (pos.Side == models.SideLong && markPrice >= pos.TakeProfit) ||
			(pos.Side == models.SideShort && markPrice <= pos.TakeProfit) {
			log.Printf("🎯 Take profit threshold reached for %s: $%.4f", symbol, markPrice)
		}
	}
}

// RecoverFromExchange adopts positions that exist on the exchange but not in
// memory, typically after a restart. Stops and targets are estimated at 1.5%
// from entry; the real resting orders are discovered when possible.
func (l *Ledger) RecoverFromExchange(ctx context.Context) error {
	log.Println("🔄 Syncing positions from exchange...")

	positions, err := l.client.GetOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("recover positions: %w", err)
	}

	recovered := 0
	for _, ep := range positions {
		l.mu.RLock()
		_, tracked := l.positions[ep.Symbol]
		l.mu.RUnlock()
		if tracked {
			continue
		}

		stopLoss := ep.EntryPrice * 0.985
		takeProfit := ep.EntryPrice * 1.015
		if ep.Side == models.SideShort {
			stopLoss = ep.EntryPrice * 1.015
			takeProfit = ep.EntryPrice * 0.985
		}

		pos := models.Position{
			Symbol:           ep.Symbol,
			Side:             ep.Side,
			EntryPrice:       ep.EntryPrice,
			Quantity:         ep.Quantity,
			Leverage:         ep.Leverage,
			StopLoss:         stopLoss,
			TakeProfit:       takeProfit,
			LiquidationPrice: ep.LiquidationPrice,
			UnrealizedPnL:    ep.UnrealizedPnL,
			EntryTime:        time.Now(),
			Strategy:         "recovered",
		}

		if orders, err := l.client.GetOpenOrders(ctx, ep.Symbol); err == nil {
			for _, o := range orders {
				switch o.Type {
				case exchange.OrderTypeStopMarket:
					pos.StopOrderID = o.OrderID
					log.Printf("  🔍 Found existing stop order: %s", o.OrderID)
				case exchange.OrderTypeTakeProfit:
					pos.TargetOrderID = o.OrderID
					log.Printf("  🔍 Found existing target order: %s", o.OrderID)
				}
			}
		}

		log.Printf("  📊 Recovering position: %s %.4f %s @ $%.4f (%dx, PnL: $%.2f)",
			pos.Side, pos.Quantity, pos.Symbol, pos.EntryPrice, pos.Leverage, pos.UnrealizedPnL)

		l.mu.Lock()
		l.positions[ep.Symbol] = &pos
		l.mu.Unlock()
		recovered++
	}

	if recovered > 0 {
		log.Printf("✅ Synced %d position(s) from exchange", recovered)
	} else {
		log.Println("ℹ️ No open positions found on exchange")
	}
	return nil
}

// CleanupOrphanOrders cancels resting stop/target orders whose symbols have
// no open position. A stray reduce-only stop can still fire and open exposure
// in the opposite direction.
func (l *Ledger) CleanupOrphanOrders(ctx context.Context) error {
	log.Println("🧹 Checking for orphaned orders...")

	positions, err := l.client.GetOpenPositions(ctx)
	if err != nil {
		return fmt.Errorf("cleanup orphans: %w", err)
	}
	active := make(map[string]bool, len(positions))
	for _, p := range positions {
		active[p.Symbol] = true
	}

	orders, err := l.client.GetOpenOrders(ctx, "")
	if err != nil {
		return fmt.Errorf("cleanup orphans: %w", err)
	}

	orphans := 0
	for _, o := range orders {
		if o.Type != exchange.OrderTypeStopMarket && o.Type != exchange.OrderTypeTakeProfit {
			continue
		}
		if active[o.Symbol] {
			continue
		}
		orphans++
		if err := l.client.CancelOrder(ctx, o.Symbol, o.OrderID); err != nil {
			log.Printf("❌ Failed to cancel orphaned order %s: %v", o.OrderID, err)
			continue
		}
		log.Printf("✅ Canceled orphaned %s order: %s %s @ $%.4f (id %s)",
			o.Type, o.Symbol, o.Side, o.StopPrice, o.OrderID)
	}

	if orphans == 0 {
		log.Println("✅ No orphaned orders found")
	}
	return nil
}

// Get returns a copy of the tracked position for symbol.
func (l *Ledger) Get(symbol string) (models.Position, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	pos, ok := l.positions[symbol]
	if !ok {
		return models.Position{}, false
	}
	return *pos, true
}

func (l *Ledger) Has(symbol string) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.positions[symbol]
	return ok
}

func (l *Ledger) OpenCount() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.positions)
}

// Snapshot returns copies of all open positions.
func (l *Ledger) Snapshot() []models.Position {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.Position, 0, len(l.positions))
	for _, p := range l.positions {
		out = append(out, *p)
	}
	return out
}

// Trades returns a copy of the completed trade history.
func (l *Ledger) Trades() []models.Trade {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return append([]models.Trade(nil), l.trades...)
}

// RestoreTrades seeds the in-memory history, used at startup from the store.
func (l *Ledger) RestoreTrades(trades []models.Trade) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.trades = append([]models.Trade(nil), trades...)
}
