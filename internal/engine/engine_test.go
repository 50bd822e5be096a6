package engine

import (
	"bytes"
	"context"
	"errors"
	"log"
	"math"
	"os"
	"strings"
	"testing"

	"perp_trading/config"
	"perp_trading/internal/exchange"
	"perp_trading/internal/ledger"
	"perp_trading/internal/models"
	"perp_trading/internal/regime"
	"perp_trading/internal/risk"
	"perp_trading/internal/selector"
	"perp_trading/internal/strategy"
)

type fakeExchange struct {
	klines    []models.Kline
	funding   []models.FundingRate
	positions []models.ExchangePosition
	balance   float64
	orders    []exchange.OrderRequest
	leverage  map[string]int
}

func (f *fakeExchange) GetKlines(context.Context, string, string, int) ([]models.Kline, error) {
	return f.klines, nil
}
func (f *fakeExchange) GetOrderBook(context.Context, string, int) (*models.OrderBook, error) {
	return nil, errors.New("depth unavailable")
}
func (f *fakeExchange) GetFundingHistory(context.Context, string, int) ([]models.FundingRate, error) {
	return f.funding, nil
}
func (f *fakeExchange) GetOpenPositions(context.Context) ([]models.ExchangePosition, error) {
	return f.positions, nil
}
func (f *fakeExchange) GetOpenOrders(context.Context, string) ([]models.OpenOrder, error) {
	return nil, nil
}
func (f *fakeExchange) CreateOrder(_ context.Context, req exchange.OrderRequest) (string, error) {
	f.orders = append(f.orders, req)
	return "order-1", nil
}
func (f *fakeExchange) CancelOrder(context.Context, string, string) error { return nil }
func (f *fakeExchange) GetAccountFills(context.Context, string, int) ([]models.Fill, error) {
	return nil, nil
}
func (f *fakeExchange) GetBalance(context.Context) (float64, error) { return f.balance, nil }
func (f *fakeExchange) ChangeLeverage(_ context.Context, symbol string, lev int) error {
	if f.leverage == nil {
		f.leverage = make(map[string]int)
	}
	f.leverage[symbol] = lev
	return nil
}

type fakeStore struct {
	initial    float64
	initialSet bool
	trades     []models.Trade
	saved      []models.Trade
}

func (f *fakeStore) GetInitialBalance(context.Context) (float64, bool, error) {
	return f.initial, f.initialSet, nil
}
func (f *fakeStore) SetInitialBalance(_ context.Context, balance float64) error {
	f.initial, f.initialSet = balance, true
	return nil
}
func (f *fakeStore) SaveTrade(_ context.Context, trade models.Trade) error {
	f.saved = append(f.saved, trade)
	return nil
}
func (f *fakeStore) LoadTrades(context.Context, int) ([]models.Trade, error) {
	return f.trades, nil
}
func (f *fakeStore) UpdateStrategyPerformance(context.Context, string, float64, float64, bool) error {
	return nil
}
func (f *fakeStore) Close() {}

func testConfig() *config.Config {
	return &config.Config{
		Symbols:          []string{"BTCUSDT"},
		KlineInterval:    "5m",
		IntervalSeconds:  60,
		InitialCapital:   10000,
		RiskPerTrade:     0.02,
		MaxLeverage:      50,
		DefaultLeverage:  10,
		MaxDailyLoss:     0.10,
		MaxOpenPositions: 5,
		MinRiskReward:    0.5,
	}
}

func newTestEngine(ex *fakeExchange, st *fakeStore) (*TradingEngine, *ledger.Ledger) {
	cfg := testConfig()
	riskEngine := risk.NewEngine(cfg.InitialCapital, risk.Limits{
		MaxLeverage:      cfg.MaxLeverage,
		RiskPerTrade:     cfg.RiskPerTrade,
		MaxDailyLoss:     cfg.MaxDailyLoss,
		MaxOpenPositions: cfg.MaxOpenPositions,
		MinRiskReward:    cfg.MinRiskReward,
	})
	scorer := selector.NewScorer(
		strategy.NewVWAPReversion(cfg.DefaultLeverage),
		strategy.NewFundingArbitrage(cfg.DefaultLeverage),
	)
	led := ledger.New(ex, st, riskEngine)
	return New(cfg, ex, led, riskEngine, regime.NewClassifier(), scorer, st), led
}

func flatKlines(n int, price, volume float64) []models.Kline {
	klines := make([]models.Kline, n)
	for i := range klines {
		klines[i] = models.Kline{Open: price, High: price, Low: price, Close: price, Volume: volume}
	}
	return klines
}

func TestProcessSymbolOpensFundingArbitrage(t *testing.T) {
	ex := &fakeExchange{
		klines:  flatKlines(120, 100, 10),
		funding: []models.FundingRate{{Rate: 0.002}},
		balance: 10000,
	}
	eng, led := newTestEngine(ex, &fakeStore{})

	if err := eng.processSymbol(context.Background(), "BTCUSDT", true); err != nil {
		t.Fatalf("processSymbol failed: %v", err)
	}

	pos, ok := led.Get("BTCUSDT")
	if !ok {
		t.Fatal("expected a position to be opened")
	}
	if pos.Side != models.SideShort {
		t.Errorf("expected SHORT against positive funding, got %s", pos.Side)
	}
	if pos.Strategy != "Funding Arbitrage" {
		t.Errorf("expected Funding Arbitrage, got %q", pos.Strategy)
	}
	// $200 risk over a 2% stop at 10x.
	if math.Abs(pos.Quantity-100) > 1e-9 {
		t.Errorf("expected qty 100, got %.4f", pos.Quantity)
	}
	if pos.StopOrderID == "" || pos.TargetOrderID == "" {
		t.Errorf("resting orders not attached: %+v", pos)
	}
	if ex.leverage["BTCUSDT"] != 10 {
		t.Errorf("leverage not set on exchange: %v", ex.leverage)
	}

	// Market entry plus resting stop and target.
	if len(ex.orders) != 3 {
		t.Fatalf("expected 3 orders, got %d", len(ex.orders))
	}
	if ex.orders[0].Type != exchange.OrderTypeMarket || ex.orders[0].Side != exchange.OrderSideSell {
		t.Errorf("unexpected entry order %+v", ex.orders[0])
	}
	if ex.orders[1].Type != exchange.OrderTypeStopMarket || !ex.orders[1].ClosePosition {
		t.Errorf("unexpected stop order %+v", ex.orders[1])
	}
	if ex.orders[2].Type != exchange.OrderTypeTakeProfit || !ex.orders[2].ClosePosition {
		t.Errorf("unexpected target order %+v", ex.orders[2])
	}
}

func TestProcessSymbolSkipsTrackedSymbol(t *testing.T) {
	ex := &fakeExchange{
		klines:  flatKlines(120, 100, 10),
		funding: []models.FundingRate{{Rate: 0.002}},
	}
	eng, led := newTestEngine(ex, &fakeStore{})

	if err := led.Open(models.Position{
		Symbol: "BTCUSDT", Side: models.SideLong, EntryPrice: 100, Quantity: 1, Leverage: 10,
	}); err != nil {
		t.Fatal(err)
	}

	if err := eng.processSymbol(context.Background(), "BTCUSDT", true); err != nil {
		t.Fatalf("processSymbol failed: %v", err)
	}
	if len(ex.orders) != 0 {
		t.Errorf("no orders expected while position is open, got %d", len(ex.orders))
	}
}

func TestProcessSymbolLogsRiskRefusal(t *testing.T) {
	ex := &fakeExchange{
		klines:  flatKlines(120, 100, 10),
		funding: []models.FundingRate{{Rate: 0.002}},
	}
	eng, led := newTestEngine(ex, &fakeStore{})

	for _, sym := range []string{"AUSDT", "BUSDT", "CUSDT", "DUSDT", "EUSDT"} {
		if err := led.Open(models.Position{
			Symbol: sym, Side: models.SideLong, EntryPrice: 100, Quantity: 1, Leverage: 5,
		}); err != nil {
			t.Fatal(err)
		}
	}

	var buf bytes.Buffer
	log.SetOutput(&buf)
	defer log.SetOutput(os.Stderr)

	if err := eng.processSymbol(context.Background(), "BTCUSDT", false); err != nil {
		t.Fatalf("processSymbol failed: %v", err)
	}
	if len(ex.orders) != 0 {
		t.Errorf("no orders expected at the position cap, got %d", len(ex.orders))
	}
	if !strings.Contains(buf.String(), "max open positions") {
		t.Errorf("expected the refusal reason in the log, got %q", buf.String())
	}
}

func TestProcessSymbolNoSignalInQuietMarket(t *testing.T) {
	ex := &fakeExchange{
		klines:  flatKlines(120, 100, 10),
		funding: []models.FundingRate{{Rate: 0.0001}},
	}
	eng, led := newTestEngine(ex, &fakeStore{})

	if err := eng.processSymbol(context.Background(), "BTCUSDT", true); err != nil {
		t.Fatalf("processSymbol failed: %v", err)
	}
	if led.OpenCount() != 0 {
		t.Error("no position should open without a signal")
	}
}

func TestBootstrapRecordsBaselineAndReplaysHistory(t *testing.T) {
	ex := &fakeExchange{balance: 9500}
	st := &fakeStore{
		trades: []models.Trade{
			{FillID: "a", Strategy: "VWAP Reversion", PnL: 40},
			{FillID: "b", Strategy: "VWAP Reversion", PnL: -15},
			{FillID: "c", Strategy: "recovered", PnL: 5},
		},
	}
	eng, led := newTestEngine(ex, st)

	if err := eng.Bootstrap(context.Background()); err != nil {
		t.Fatalf("bootstrap failed: %v", err)
	}

	if !st.initialSet || st.initial != 9500 {
		t.Errorf("expected baseline 9500 recorded, got %+v", st)
	}
	if len(led.Trades()) != 3 {
		t.Errorf("expected 3 restored trades, got %d", len(led.Trades()))
	}
	// Recovered trades have no strategy track record to replay.
	perf := eng.StrategyPerformance()["VWAP Reversion"]
	if perf.TotalTrades != 2 {
		t.Errorf("expected 2 replayed outcomes, got %d", perf.TotalTrades)
	}
}

func TestBootstrapKeepsExistingBaseline(t *testing.T) {
	ex := &fakeExchange{balance: 12000}
	st := &fakeStore{initial: 10000, initialSet: true}
	eng, _ := newTestEngine(ex, st)

	if err := eng.Bootstrap(context.Background()); err != nil {
		t.Fatal(err)
	}
	if st.initial != 10000 {
		t.Errorf("baseline must not be overwritten, got %.2f", st.initial)
	}
	stats := eng.Stats()
	if math.Abs(stats.ROI-20) > 1e-9 {
		t.Errorf("expected ROI 20%% from 10000 to 12000, got %.2f", stats.ROI)
	}
}

func TestStageErrorFormatting(t *testing.T) {
	base := errors.New("boom")
	err := &StageError{Stage: StageExecution, Symbol: "BTCUSDT", Err: base}
	if err.Error() != "execution [BTCUSDT]: boom" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if !errors.Is(err, base) {
		t.Error("expected Unwrap to expose the cause")
	}

	bare := &StageError{Stage: StageReconcile, Err: base}
	if bare.Error() != "reconcile: boom" {
		t.Errorf("unexpected message %q", bare.Error())
	}
}
