package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"perp_trading/config"
	"perp_trading/internal/engine"
	"perp_trading/internal/exchange"
	"perp_trading/internal/ledger"
	"perp_trading/internal/regime"
	"perp_trading/internal/risk"
	"perp_trading/internal/selector"
	"perp_trading/internal/store"
	"perp_trading/internal/strategy"
	"perp_trading/internal/telegram"
	"perp_trading/internal/web"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("🚀 Starting perp trading bot...")

	cfg := config.Load()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	stateStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	cancel()
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer stateStore.Close()

	client := exchange.NewFuturesClient(cfg.BinanceAPIKey, cfg.BinanceSecretKey, cfg.UseTestnet)

	riskEngine := risk.NewEngine(cfg.InitialCapital, risk.Limits{
		MaxLeverage:      cfg.MaxLeverage,
		RiskPerTrade:     cfg.RiskPerTrade,
		MaxDailyLoss:     cfg.MaxDailyLoss,
		MaxOpenPositions: cfg.MaxOpenPositions,
		MinRiskReward:    cfg.MinRiskReward,
	})

	classifier := regime.NewClassifier()
	scorer := selector.NewScorer(
		strategy.NewBreakoutScalping(cfg.DefaultLeverage),
		strategy.NewMomentumReversal(cfg.DefaultLeverage),
		strategy.NewVWAPReversion(cfg.DefaultLeverage),
		strategy.NewFundingArbitrage(cfg.DefaultLeverage),
		strategy.NewOrderFlowImbalance(cfg.DefaultLeverage),
	)

	led := ledger.New(client, stateStore, riskEngine)
	eng := engine.New(cfg, client, led, riskEngine, classifier, scorer, stateStore)

	bootCtx, bootCancel := context.WithTimeout(context.Background(), 60*time.Second)
	if err := eng.Bootstrap(bootCtx); err != nil {
		log.Fatalf("Bootstrap failed: %v", err)
	}
	bootCancel()

	if cfg.TelegramToken != "" {
		bot, err := telegram.NewBot(cfg.TelegramToken, cfg.AuthorizedUserID, eng)
		if err != nil {
			log.Fatalf("Failed to create Telegram bot: %v", err)
		}
		eng.SetCallbacks(bot.NotifyTradeOpen, bot.NotifyTradeClose, bot.NotifyRegimeChange)
		go bot.Start()
		defer bot.Stop()
	} else {
		log.Println("ℹ️ TELEGRAM_BOT_TOKEN not set, notifications disabled")
	}

	server := web.NewServer(eng)
	go func() {
		if err := server.Start(cfg.Port); err != nil {
			log.Fatalf("Web server failed: %v", err)
		}
	}()

	eng.Start()

	log.Println("✅ All systems initialized")
	log.Printf("🌐 Monitoring API: http://localhost:%s/api/status", cfg.Port)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("🛑 Shutting down...")
	eng.Stop()
	log.Println("👋 Goodbye!")
}
