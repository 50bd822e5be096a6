package config

import (
	"log"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type Config struct {
	BinanceAPIKey    string
	BinanceSecretKey string
	UseTestnet       bool

	DatabaseURL string

	TelegramToken    string
	AuthorizedUserID int64

	Port string

	Symbols         []string
	KlineInterval   string
	IntervalSeconds int

	InitialCapital   float64
	RiskPerTrade     float64
	MaxLeverage      int
	DefaultLeverage  int
	MaxDailyLoss     float64
	MaxOpenPositions int
	MinRiskReward    float64
}

func Load() *Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Warning: .env file not found, using environment variables")
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	var userID int64
	if raw := os.Getenv("AUTHORIZED_USER_ID"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			log.Fatal("Invalid AUTHORIZED_USER_ID")
		}
		userID = id
	}

	symbols := []string{"BTCUSDT"}
	if raw := os.Getenv("TRADING_SYMBOLS"); raw != "" {
		symbols = nil
		for _, s := range strings.Split(raw, ",") {
			if s = strings.TrimSpace(s); s != "" {
				symbols = append(symbols, strings.ToUpper(s))
			}
		}
	}

	interval := os.Getenv("KLINE_INTERVAL")
	if interval == "" {
		interval = "5m"
	}

	return &Config{
		BinanceAPIKey:    os.Getenv("BINANCE_API_KEY"),
		BinanceSecretKey: os.Getenv("BINANCE_SECRET_KEY"),
		UseTestnet:       envBool("USE_TESTNET", false),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		TelegramToken:    os.Getenv("TELEGRAM_BOT_TOKEN"),
		AuthorizedUserID: userID,
		Port:             port,
		Symbols:          symbols,
		KlineInterval:    interval,
		IntervalSeconds:  envInt("LOOP_INTERVAL_SECONDS", 60),
		InitialCapital:   envFloat("INITIAL_CAPITAL", 10000),
		RiskPerTrade:     envFloat("RISK_PER_TRADE", 0.02),
		MaxLeverage:      envInt("MAX_LEVERAGE", 50),
		DefaultLeverage:  envInt("DEFAULT_LEVERAGE", 20),
		MaxDailyLoss:     envFloat("MAX_DAILY_LOSS", 0.10),
		MaxOpenPositions: envInt("MAX_OPEN_POSITIONS", 5),
		MinRiskReward:    envFloat("MIN_RISK_REWARD", 1.5),
	}
}

func envFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if val, err := strconv.ParseFloat(v, 64); err == nil {
			return val
		}
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if val, err := strconv.Atoi(v); err == nil {
			return val
		}
	}
	return def
}

func envBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if val, err := strconv.ParseBool(v); err == nil {
			return val
		}
	}
	return def
}
