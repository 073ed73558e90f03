package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all configuration for the engine.
type Config struct {
	// Broker
	AccessToken    string // bearer credential, required
	FeedURL        string
	OrderAPIURL    string
	InstrumentsURL string
	VIXQuoteURL    string // optional India VIX quote endpoint, "" disables

	// Mode
	PaperTrading bool
	Debug        bool

	// Market
	Symbol     string
	IndexKey   string // instrument key of the underlying index
	Timeframe  time.Duration
	StrikeStep float64
	PCRRange   float64 // points either side of ATM

	// Session (IST wall clock)
	SessionStart    string // "09:15"
	SessionEnd      string // "15:30"
	WarmupWindow    time.Duration
	SquareOffWindow time.Duration

	// Signals
	SignalCooldown time.Duration
	RiskFreeRate   float64

	// Risk
	InitialCapital        decimal.Decimal
	DailyLossLimitPct     float64
	MaxConcurrentPos      int
	RiskPerTradePct       float64
	StopLossPct           float64
	TargetPct             float64
	TrailingActivationPct float64
	TrailingLockFraction  float64
	SlippagePct           float64

	// Persistence
	DataDir      string
	DatabasePath string // sqlite file or postgres:// URL, "" disables the mirror

	// Notifications
	TelegramToken  string
	TelegramChatID int64

	// Observability
	MetricsAddr string // ":9187" style, "" disables
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		AccessToken:    os.Getenv("UPSTOX_ACCESS_TOKEN"),
		FeedURL:        getEnv("FEED_URL", "wss://api.upstox.com/v3/feed/market-data-feed"),
		OrderAPIURL:    getEnv("ORDER_API_URL", "https://api.upstox.com/v2"),
		InstrumentsURL: getEnv("INSTRUMENTS_URL", "https://assets.upstox.com/market-quote/instruments/exchange/NSE.csv.gz"),
		VIXQuoteURL:    os.Getenv("VIX_QUOTE_URL"),

		PaperTrading: getEnvBool("PAPER_TRADING", true),
		Debug:        getEnvBool("DEBUG", false),

		Symbol:     getEnv("SYMBOL", "NIFTY"),
		IndexKey:   getEnv("INDEX_KEY", "NSE_INDEX|Nifty 50"),
		Timeframe:  getEnvDuration("TIMEFRAME", 5*time.Minute),
		StrikeStep: getEnvFloat("STRIKE_STEP", 50),
		PCRRange:   getEnvFloat("PCR_RANGE", 500),

		SessionStart:    getEnv("SESSION_START", "09:15"),
		SessionEnd:      getEnv("SESSION_END", "15:30"),
		WarmupWindow:    getEnvDuration("WARMUP_WINDOW", 15*time.Minute),
		SquareOffWindow: getEnvDuration("SQUARE_OFF_WINDOW", 10*time.Minute),

		SignalCooldown: getEnvDuration("SIGNAL_COOLDOWN", 120*time.Second),
		RiskFreeRate:   getEnvFloat("RISK_FREE_RATE", 0.06),

		InitialCapital:        getEnvDecimal("INITIAL_CAPITAL", decimal.NewFromInt(100000)),
		DailyLossLimitPct:     getEnvFloat("DAILY_LOSS_LIMIT_PCT", 5) / 100,
		MaxConcurrentPos:      getEnvInt("MAX_CONCURRENT_POSITIONS", 2),
		RiskPerTradePct:       getEnvFloat("RISK_PER_TRADE_PCT", 2) / 100,
		StopLossPct:           getEnvFloat("STOP_LOSS_PCT", 30) / 100,
		TargetPct:             getEnvFloat("TARGET_PCT", 60) / 100,
		TrailingActivationPct: getEnvFloat("TRAILING_ACTIVATION_PCT", 20) / 100,
		TrailingLockFraction:  getEnvFloat("TRAILING_LOCK_FRACTION", 0.5),
		SlippagePct:           getEnvFloat("SLIPPAGE_PCT", 0.05) / 100,

		DataDir:      getEnv("DATA_DIR", "data"),
		DatabasePath: os.Getenv("DATABASE_PATH"),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		MetricsAddr: os.Getenv("METRICS_ADDR"),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if cfg.AccessToken == "" {
		return nil, fmt.Errorf("UPSTOX_ACCESS_TOKEN is required")
	}
	if _, err := ParseClock(cfg.SessionStart); err != nil {
		return nil, fmt.Errorf("invalid SESSION_START: %w", err)
	}
	if _, err := ParseClock(cfg.SessionEnd); err != nil {
		return nil, fmt.Errorf("invalid SESSION_END: %w", err)
	}

	return cfg, nil
}

// Clock is a wall-clock time of day in minutes since midnight.
type Clock int

// ParseClock parses "HH:MM".
func ParseClock(s string) (Clock, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, err
	}
	return Clock(t.Hour()*60 + t.Minute()), nil
}

// Minutes returns the minutes-since-midnight value of t in its own location.
func MinutesOfDay(t time.Time) Clock {
	return Clock(t.Hour()*60 + t.Minute())
}

// Add shifts a clock by a duration, clamped to the same day.
func (c Clock) Add(d time.Duration) Clock {
	m := int(c) + int(d/time.Minute)
	if m < 0 {
		m = 0
	}
	if m > 24*60 {
		m = 24 * 60
	}
	return Clock(m)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
