package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/google/uuid"
	"github.com/jpillora/backoff"
	"github.com/shopspring/decimal"

	"perp_trading/internal/models"
)

const retryAttempts = 3

// FuturesClient is the real Binance USDT-M futures client.
type FuturesClient struct {
	client *futures.Client

	mu      sync.Mutex
	filters map[string]symbolFilter
}

type symbolFilter struct {
	stepSize decimal.Decimal
	tickSize decimal.Decimal
}

func NewFuturesClient(apiKey, secretKey string, testnet bool) *FuturesClient {
	if testnet {
		futures.UseTestnet = true
	}
	return &FuturesClient{
		client:  futures.NewClient(apiKey, secretKey),
		filters: make(map[string]symbolFilter),
	}
}

// withRetry runs fn up to retryAttempts times with jittered backoff. Only
// used for idempotent calls; order placement goes through once.
func withRetry(ctx context.Context, fn func() error) error {
	b := &backoff.Backoff{Min: 250 * time.Millisecond, Max: 5 * time.Second, Jitter: true}
	var err error
	for i := 0; i < retryAttempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(b.Duration()):
		}
	}
	return err
}

func (c *FuturesClient) GetKlines(ctx context.Context, symbol, interval string, limit int) ([]models.Kline, error) {
	var klines []*futures.Kline
	err := withRetry(ctx, func() error {
		var err error
		klines, err = c.client.NewKlinesService().
			Symbol(symbol).
			Interval(interval).
			Limit(limit).
			Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get klines %s: %w", symbol, err)
	}

	result := make([]models.Kline, len(klines))
	for i, k := range klines {
		result[i] = models.Kline{
			OpenTime:  time.UnixMilli(k.OpenTime),
			Open:      parseFloat(k.Open),
			High:      parseFloat(k.High),
			Low:       parseFloat(k.Low),
			Close:     parseFloat(k.Close),
			Volume:    parseFloat(k.Volume),
			CloseTime: time.UnixMilli(k.CloseTime),
		}
	}
	return result, nil
}

func (c *FuturesClient) GetOrderBook(ctx context.Context, symbol string, limit int) (*models.OrderBook, error) {
	var depth *futures.DepthResponse
	err := withRetry(ctx, func() error {
		var err error
		depth, err = c.client.NewDepthService().Symbol(symbol).Limit(limit).Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get order book %s: %w", symbol, err)
	}

	book := &models.OrderBook{Symbol: symbol}
	for _, b := range depth.Bids {
		book.Bids = append(book.Bids, models.BookLevel{Price: parseFloat(b.Price), Qty: parseFloat(b.Quantity)})
	}
	for _, a := range depth.Asks {
		book.Asks = append(book.Asks, models.BookLevel{Price: parseFloat(a.Price), Qty: parseFloat(a.Quantity)})
	}
	return book, nil
}

func (c *FuturesClient) GetFundingHistory(ctx context.Context, symbol string, limit int) ([]models.FundingRate, error) {
	var rates []*futures.FundingRate
	err := withRetry(ctx, func() error {
		var err error
		rates, err = c.client.NewFundingRateService().Symbol(symbol).Limit(limit).Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get funding history %s: %w", symbol, err)
	}

	result := make([]models.FundingRate, len(rates))
	for i, r := range rates {
		result[i] = models.FundingRate{
			Symbol: r.Symbol,
			Rate:   parseFloat(r.FundingRate),
			Time:   time.UnixMilli(r.FundingTime),
		}
	}
	return result, nil
}

func (c *FuturesClient) GetOpenPositions(ctx context.Context) ([]models.ExchangePosition, error) {
	var risks []*futures.PositionRisk
	err := withRetry(ctx, func() error {
		var err error
		risks, err = c.client.NewGetPositionRiskService().Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get positions: %w", err)
	}

	var result []models.ExchangePosition
	for _, r := range risks {
		amt := parseFloat(r.PositionAmt)
		if amt == 0 {
			continue
		}
		side := models.SideLong
		if amt < 0 {
			side = models.SideShort
			amt = -amt
		}
		leverage, _ := strconv.Atoi(r.Leverage)
		result = append(result, models.ExchangePosition{
			Symbol:           r.Symbol,
			Side:             side,
			EntryPrice:       parseFloat(r.EntryPrice),
			MarkPrice:        parseFloat(r.MarkPrice),
			Quantity:         amt,
			Leverage:         leverage,
			UnrealizedPnL:    parseFloat(r.UnRealizedProfit),
			LiquidationPrice: parseFloat(r.LiquidationPrice),
		})
	}
	return result, nil
}

func (c *FuturesClient) GetOpenOrders(ctx context.Context, symbol string) ([]models.OpenOrder, error) {
	var orders []*futures.Order
	err := withRetry(ctx, func() error {
		var err error
		svc := c.client.NewListOpenOrdersService()
		if symbol != "" {
			svc = svc.Symbol(symbol)
		}
		orders, err = svc.Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get open orders: %w", err)
	}

	result := make([]models.OpenOrder, len(orders))
	for i, o := range orders {
		result[i] = models.OpenOrder{
			OrderID:   strconv.FormatInt(o.OrderID, 10),
			Symbol:    o.Symbol,
			Type:      string(o.Type),
			Side:      string(o.Side),
			StopPrice: parseFloat(o.StopPrice),
		}
	}
	return result, nil
}

// CreateOrder places a single order and returns the exchange order id. Not
// retried: a timeout after placement would double the position.
func (c *FuturesClient) CreateOrder(ctx context.Context, req OrderRequest) (string, error) {
	svc := c.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type)).
		NewClientOrderID("bot-" + uuid.NewString()[:18])

	if req.Quantity > 0 {
		qty, err := c.roundQuantity(ctx, req.Symbol, req.Quantity)
		if err != nil {
			return "", err
		}
		svc = svc.Quantity(qty)
	}
	if req.StopPrice > 0 {
		price, err := c.roundPrice(ctx, req.Symbol, req.StopPrice)
		if err != nil {
			return "", err
		}
		svc = svc.StopPrice(price)
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.ClosePosition {
		svc = svc.ClosePosition(true)
	}

	order, err := svc.Do(ctx)
	if err != nil {
		return "", fmt.Errorf("create %s %s order for %s: %w", req.Side, req.Type, req.Symbol, err)
	}
	return strconv.FormatInt(order.OrderID, 10), nil
}

func (c *FuturesClient) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("bad order id %q: %w", orderID, err)
	}
	_, err = c.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return fmt.Errorf("cancel order %s on %s: %w", orderID, symbol, err)
	}
	return nil
}

func (c *FuturesClient) GetAccountFills(ctx context.Context, symbol string, limit int) ([]models.Fill, error) {
	var trades []*futures.AccountTrade
	err := withRetry(ctx, func() error {
		var err error
		trades, err = c.client.NewListAccountTradeService().Symbol(symbol).Limit(limit).Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("get fills %s: %w", symbol, err)
	}

	result := make([]models.Fill, len(trades))
	for i, t := range trades {
		result[i] = models.Fill{
			ID:          strconv.FormatInt(t.ID, 10),
			Price:       parseFloat(t.Price),
			Qty:         parseFloat(t.Quantity),
			RealizedPnL: parseFloat(t.RealizedPnl),
			Time:        time.UnixMilli(t.Time),
		}
	}
	return result, nil
}

func (c *FuturesClient) GetBalance(ctx context.Context) (float64, error) {
	var account *futures.Account
	err := withRetry(ctx, func() error {
		var err error
		account, err = c.client.NewGetAccountService().Do(ctx)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("get balance: %w", err)
	}

	for _, asset := range account.Assets {
		if asset.Asset == "USDT" {
			return parseFloat(asset.WalletBalance), nil
		}
	}
	return 0, nil
}

func (c *FuturesClient) ChangeLeverage(ctx context.Context, symbol string, leverage int) error {
	_, err := c.client.NewChangeLeverageService().Symbol(symbol).Leverage(leverage).Do(ctx)
	if err != nil {
		return fmt.Errorf("change leverage %s to %dx: %w", symbol, leverage, err)
	}
	return nil
}

// symbolFilters fetches and caches step/tick sizes from exchange info.
func (c *FuturesClient) symbolFilters(ctx context.Context, symbol string) (symbolFilter, error) {
	c.mu.Lock()
	if f, ok := c.filters[symbol]; ok {
		c.mu.Unlock()
		return f, nil
	}
	c.mu.Unlock()

	var info *futures.ExchangeInfo
	err := withRetry(ctx, func() error {
		var err error
		info, err = c.client.NewExchangeInfoService().Do(ctx)
		return err
	})
	if err != nil {
		return symbolFilter{}, fmt.Errorf("exchange info: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, s := range info.Symbols {
		f := symbolFilter{
			stepSize: decimal.NewFromFloat(0.001),
			tickSize: decimal.NewFromFloat(0.01),
		}
		if lot := s.LotSizeFilter(); lot != nil {
			if step, err := decimal.NewFromString(lot.StepSize); err == nil {
				f.stepSize = step
			}
		}
		if pf := s.PriceFilter(); pf != nil {
			if tick, err := decimal.NewFromString(pf.TickSize); err == nil {
				f.tickSize = tick
			}
		}
		c.filters[s.Symbol] = f
	}

	f, ok := c.filters[symbol]
	if !ok {
		return symbolFilter{}, fmt.Errorf("unknown symbol %s", symbol)
	}
	return f, nil
}

// roundQuantity truncates to the symbol's lot step so the exchange accepts it.
func (c *FuturesClient) roundQuantity(ctx context.Context, symbol string, qty float64) (string, error) {
	f, err := c.symbolFilters(ctx, symbol)
	if err != nil {
		return "", err
	}
	d := decimal.NewFromFloat(qty)
	steps := d.Div(f.stepSize).Floor()
	return steps.Mul(f.stepSize).String(), nil
}

func (c *FuturesClient) roundPrice(ctx context.Context, symbol string, price float64) (string, error) {
	f, err := c.symbolFilters(ctx, symbol)
	if err != nil {
		return "", err
	}
	d := decimal.NewFromFloat(price)
	ticks := d.Div(f.tickSize).Round(0)
	return ticks.Mul(f.tickSize).String(), nil
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}
