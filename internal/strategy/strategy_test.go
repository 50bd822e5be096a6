package strategy

import (
	"math"
	"testing"
	"time"

	"perp_trading/internal/models"
)

func flatKlines(n int, price, volume float64) []models.Kline {
	klines := make([]models.Kline, n)
	for i := range klines {
		klines[i] = models.Kline{Open: price, High: price, Low: price, Close: price, Volume: volume}
	}
	return klines
}

func TestValidateSignal(t *testing.T) {
	valid := func() *models.Signal {
		return &models.Signal{
			Action:     models.SideLong,
			EntryPrice: 100,
			StopLoss:   99,
			Leverage:   10,
			Confidence: 0.8,
		}
	}

	if err := ValidateSignal(valid()); err != nil {
		t.Fatalf("valid signal rejected: %v", err)
	}
	if err := ValidateSignal(nil); err == nil {
		t.Error("nil signal accepted")
	}

	cases := []struct {
		name   string
		mutate func(*models.Signal)
	}{
		{"bad action", func(s *models.Signal) { s.Action = "SIDEWAYS" }},
		{"zero entry", func(s *models.Signal) { s.EntryPrice = 0 }},
		{"missing stop", func(s *models.Signal) { s.StopLoss = 0 }},
		{"zero leverage", func(s *models.Signal) { s.Leverage = 0 }},
		{"excessive leverage", func(s *models.Signal) { s.Leverage = 125 }},
		{"confidence above 1", func(s *models.Signal) { s.Confidence = 1.5 }},
		{"negative confidence", func(s *models.Signal) { s.Confidence = -0.1 }},
	}
	for _, tc := range cases {
		sig := valid()
		tc.mutate(sig)
		if err := ValidateSignal(sig); err == nil {
			t.Errorf("%s: accepted", tc.name)
		}
	}
}

func TestFundingArbitrageShortsHighFunding(t *testing.T) {
	s := NewFundingArbitrage(10)
	klines := flatKlines(30, 100, 1)
	ctx := &MarketContext{FundingHistory: []models.FundingRate{{Rate: 0.002}}}

	sig := s.Analyze(klines, "BTCUSDT", ctx)
	if sig == nil {
		t.Fatal("expected a signal for high funding")
	}
	if sig.Action != models.SideShort {
		t.Errorf("expected SHORT when longs pay, got %s", sig.Action)
	}
	if math.Abs(sig.StopLoss-102) > 1e-9 {
		t.Errorf("expected stop 102, got %.4f", sig.StopLoss)
	}
	if math.Abs(sig.TakeProfit-98.5) > 1e-9 {
		t.Errorf("expected target 98.5, got %.4f", sig.TakeProfit)
	}
	if math.Abs(sig.Confidence-2.0/3) > 1e-6 {
		t.Errorf("expected confidence 0.667, got %.4f", sig.Confidence)
	}
}

func TestFundingArbitrageLongsNegativeFunding(t *testing.T) {
	s := NewFundingArbitrage(10)
	klines := flatKlines(30, 100, 1)
	ctx := &MarketContext{FundingHistory: []models.FundingRate{{Rate: -0.002}}}

	sig := s.Analyze(klines, "BTCUSDT", ctx)
	if sig == nil || sig.Action != models.SideLong {
		t.Fatalf("expected LONG when shorts pay, got %v", sig)
	}
}

func TestFundingArbitrageIgnoresNormalFunding(t *testing.T) {
	s := NewFundingArbitrage(10)
	klines := flatKlines(30, 100, 1)
	ctx := &MarketContext{FundingHistory: []models.FundingRate{{Rate: 0.0005}}}

	if sig := s.Analyze(klines, "BTCUSDT", ctx); sig != nil {
		t.Errorf("expected no signal below threshold, got %v", sig)
	}
	if sig := s.Analyze(klines, "BTCUSDT", nil); sig != nil {
		t.Errorf("expected no signal without funding data, got %v", sig)
	}
}

func bookWithBidSkew() *models.OrderBook {
	book := &models.OrderBook{}
	for i := 0; i < 10; i++ {
		book.Bids = append(book.Bids, models.BookLevel{Price: 100, Qty: 200})
		book.Asks = append(book.Asks, models.BookLevel{Price: 100.1, Qty: 20})
	}
	return book
}

func TestOrderFlowImbalanceLongOnBidSkew(t *testing.T) {
	s := NewOrderFlowImbalance(10)
	klines := flatKlines(50, 100, 10)
	ctx := &MarketContext{OrderBook: bookWithBidSkew(), Timestamp: time.Now()}

	sig := s.Analyze(klines, "BTCUSDT", ctx)
	if sig == nil {
		t.Fatal("expected a signal for heavy bid skew")
	}
	if sig.Action != models.SideLong {
		t.Errorf("expected LONG, got %s", sig.Action)
	}
	if math.Abs(sig.StopLoss-99.2) > 1e-9 {
		t.Errorf("expected stop 99.2, got %.4f", sig.StopLoss)
	}
	if sig.Confidence < 0.6 {
		t.Errorf("confidence %.2f below threshold", sig.Confidence)
	}
}

func TestOrderFlowImbalanceCooldown(t *testing.T) {
	s := NewOrderFlowImbalance(10)
	klines := flatKlines(50, 100, 10)
	now := time.Now()

	first := s.Analyze(klines, "BTCUSDT", &MarketContext{OrderBook: bookWithBidSkew(), Timestamp: now})
	if first == nil {
		t.Fatal("expected first signal")
	}

	again := s.Analyze(klines, "BTCUSDT", &MarketContext{OrderBook: bookWithBidSkew(), Timestamp: now.Add(time.Minute)})
	if again != nil {
		t.Error("expected cooldown to suppress second signal")
	}

	later := s.Analyze(klines, "BTCUSDT", &MarketContext{OrderBook: bookWithBidSkew(), Timestamp: now.Add(6 * time.Minute)})
	if later == nil {
		t.Error("expected signal after cooldown expiry")
	}
}

func TestOrderFlowImbalanceThinBook(t *testing.T) {
	s := NewOrderFlowImbalance(10)
	klines := flatKlines(50, 100, 10)
	book := &models.OrderBook{
		Bids: []models.BookLevel{{Price: 100, Qty: 5}},
		Asks: []models.BookLevel{{Price: 100.1, Qty: 1}},
	}

	if sig := s.Analyze(klines, "BTCUSDT", &MarketContext{OrderBook: book, Timestamp: time.Now()}); sig != nil {
		t.Errorf("expected no signal on thin book, got %v", sig)
	}
}

func TestStrategiesRequireEnoughCandles(t *testing.T) {
	ctx := &MarketContext{
		OrderBook:      bookWithBidSkew(),
		FundingHistory: []models.FundingRate{{Rate: 0.002}},
		Timestamp:      time.Now(),
	}
	strategies := []Strategy{
		NewBreakoutScalping(10),
		NewMomentumReversal(10),
		NewVWAPReversion(10),
		NewFundingArbitrage(10),
		NewOrderFlowImbalance(10),
	}
	for _, s := range strategies {
		short := flatKlines(s.RequiredCandles()-1, 100, 1)
		if sig := s.Analyze(short, "BTCUSDT", ctx); sig != nil {
			t.Errorf("%s: signal on insufficient history", s.Name())
		}
	}
}

func TestBreakoutScalpingQuietMarket(t *testing.T) {
	s := NewBreakoutScalping(10)
	// Flat prices and volume: no breakout, no signal.
	if sig := s.Analyze(flatKlines(120, 100, 10), "BTCUSDT", nil); sig != nil {
		t.Errorf("expected no signal in quiet market, got %v", sig)
	}
}

func TestVWAPReversionNoDeviation(t *testing.T) {
	s := NewVWAPReversion(10)
	if sig := s.Analyze(flatKlines(120, 100, 10), "BTCUSDT", nil); sig != nil {
		t.Errorf("expected no signal at the VWAP, got %v", sig)
	}
}
