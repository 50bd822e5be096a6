package telegram

import (
	"fmt"
	"log"
	"strings"
	"time"

	tele "gopkg.in/telebot.v3"

	"perp_trading/internal/engine"
	"perp_trading/internal/models"
	"perp_trading/internal/regime"
)

// Bot notifies the operator about trades and regime changes and accepts a
// small set of control commands. Only the authorized user id is served.
type Bot struct {
	bot          *tele.Bot
	engine       *engine.TradingEngine
	authorizedID int64
	startTime    time.Time
}

func NewBot(token string, authorizedID int64, eng *engine.TradingEngine) (*Bot, error) {
	pref := tele.Settings{
		Token:  token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	}

	b, err := tele.NewBot(pref)
	if err != nil {
		return nil, err
	}

	bot := &Bot{
		bot:          b,
		engine:       eng,
		authorizedID: authorizedID,
		startTime:    time.Now(),
	}
	bot.setupHandlers()
	return bot, nil
}

func (b *Bot) Start() {
	log.Println("📱 Telegram bot started")
	b.bot.Start()
}

func (b *Bot) Stop() {
	b.bot.Stop()
}

func (b *Bot) setupHandlers() {
	b.bot.Use(func(next tele.HandlerFunc) tele.HandlerFunc {
		return func(c tele.Context) error {
			if c.Sender().ID != b.authorizedID {
				return c.Send("⛔ Unauthorized")
			}
			return next(c)
		}
	})

	b.bot.Handle("/start", b.handleStart)
	b.bot.Handle("/stop", b.handleStop)
	b.bot.Handle("/stats", b.handleStats)
	b.bot.Handle("/positions", b.handlePositions)
	b.bot.Handle("/regime", b.handleRegime)
}

func (b *Bot) handleStart(c tele.Context) error {
	b.engine.Start()
	return c.Send("🚀 Trading engine started")
}

func (b *Bot) handleStop(c tele.Context) error {
	b.engine.Stop()
	return c.Send("⏸️ Trading engine stopped")
}

func (b *Bot) handleStats(c tele.Context) error {
	stats := b.engine.Stats()

	var sb strings.Builder
	sb.WriteString("📊 *Trading Statistics*\n\n")
	sb.WriteString(fmt.Sprintf("💰 Capital: $%.2f\n", stats.Capital))
	sb.WriteString(fmt.Sprintf("📈 ROI: %.2f%%\n", stats.ROI))
	sb.WriteString(fmt.Sprintf("📅 Daily PnL: $%.2f\n", stats.DailyPnL))
	sb.WriteString(fmt.Sprintf("🔢 Trades: %d (W: %d / L: %d)\n", stats.TotalTrades, stats.WinningTrades, stats.LosingTrades))
	sb.WriteString(fmt.Sprintf("🎯 Win rate: %.1f%%\n", stats.WinRate))
	sb.WriteString(fmt.Sprintf("📉 Max drawdown: %.2f%%\n", stats.MaxDrawdown))
	sb.WriteString(fmt.Sprintf("📋 Open positions: %d\n", stats.OpenPositions))
	sb.WriteString(fmt.Sprintf("\n⏱ Uptime: %s", time.Since(b.startTime).Round(time.Second)))

	return c.Send(sb.String(), tele.ModeMarkdown)
}

func (b *Bot) handlePositions(c tele.Context) error {
	positions := b.engine.Positions()
	if len(positions) == 0 {
		return c.Send("📭 No open positions")
	}

	var sb strings.Builder
	sb.WriteString("📋 *Open Positions*\n")
	for _, p := range positions {
		emoji := "🟢"
		if p.Side == models.SideShort {
			emoji = "🔴"
		}
		sb.WriteString(fmt.Sprintf("\n%s *%s* %s %dx\n", emoji, p.Symbol, p.Side, p.Leverage))
		sb.WriteString(fmt.Sprintf("   Entry: $%.4f | Qty: %.4f\n", p.EntryPrice, p.Quantity))
		sb.WriteString(fmt.Sprintf("   SL: $%.4f | TP: $%.4f\n", p.StopLoss, p.TakeProfit))
		sb.WriteString(fmt.Sprintf("   PnL: $%.2f | Strategy: %s\n", p.UnrealizedPnL, p.Strategy))
	}
	return c.Send(sb.String(), tele.ModeMarkdown)
}

func (b *Bot) handleRegime(c tele.Context) error {
	stats := b.engine.RegimeStats()

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("🎯 *Market Regime:* %s\n", stats.Current))
	sb.WriteString(fmt.Sprintf("Confidence: %.0f%%\n", stats.Confidence*100))
	if len(stats.Distribution) > 0 {
		sb.WriteString("\nLast 100 updates:\n")
		for r, count := range stats.Distribution {
			sb.WriteString(fmt.Sprintf("  %s: %d\n", r, count))
		}
	}
	return c.Send(sb.String(), tele.ModeMarkdown)
}

// NotifyTradeOpen pushes a message when the engine opens a position.
func (b *Bot) NotifyTradeOpen(p models.Position) {
	emoji := "🟢"
	if p.Side == models.SideShort {
		emoji = "🔴"
	}
	msg := fmt.Sprintf("%s *Opened %s %s* %dx\nEntry: $%.4f | Qty: %.4f\nSL: $%.4f | TP: $%.4f\nStrategy: %s",
		emoji, p.Side, p.Symbol, p.Leverage, p.EntryPrice, p.Quantity, p.StopLoss, p.TakeProfit, p.Strategy)
	b.send(msg)
}

// NotifyTradeClose pushes a message for every completed trade.
func (b *Bot) NotifyTradeClose(t models.Trade) {
	emoji := "✅"
	if t.PnL < 0 {
		emoji = "❌"
	}
	msg := fmt.Sprintf("%s *Closed %s %s*\n$%.4f → $%.4f\nPnL: $%.2f (%.2f%%)\nStrategy: %s",
		emoji, t.Side, t.Symbol, t.EntryPrice, t.ExitPrice, t.PnL, t.PnLPercent, t.Strategy)
	b.send(msg)
}

// NotifyRegimeChange pushes a message when the market regime flips.
func (b *Bot) NotifyRegimeChange(r regime.Regime, confidence float64) {
	b.send(fmt.Sprintf("🔄 *Market regime changed:* %s (%.0f%%)", r, confidence*100))
}

func (b *Bot) send(msg string) {
	_, err := b.bot.Send(&tele.User{ID: b.authorizedID}, msg, tele.ModeMarkdown)
	if err != nil {
		log.Printf("⚠️ Telegram send failed: %v", err)
	}
}
