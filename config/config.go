package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"polyMonitorBot/internal/adapters/logger" // Import the logger package for LogLevel
)

// Config holds all application configuration.
type Config struct {
	// Market discovery
	Assets          []string      // Assets to watch (e.g., BTC,ETH,SOL,XRP)
	SlotInterval    time.Duration // Length of one tradable window (15m on Polymarket)
	SlotCount       int           // Future windows discovered per refresh cycle
	MinIndexed      int           // Minimum indexed assets for a window to be watchable
	RefreshInterval time.Duration // How often the slot set is re-discovered
	GammaBaseURL    string        // Slot-discovery endpoint ("" = production)

	// Feed
	FeedURL          string        // Market-data websocket endpoint ("" = production)
	HandshakeTimeout time.Duration // Bound on the initial websocket handshake
	BackoffMin       time.Duration // Reconnect backoff floor
	BackoffMax       time.Duration // Reconnect backoff cap
	TickBuffer       int           // Bounded tick channel capacity

	// Engine
	SweepInterval        time.Duration // How often expired windows are force-closed
	MaxOpenTrades        int           // Cap on concurrently open trades across all slots
	MaxDailyTrades       int           // Cap on entries per UTC day, 0 = unlimited
	MaxConsecutiveLosses int           // Pause entries after this many losses in a row, 0 = unlimited

	// Policy Parameters
	EntryThreshold float64       // e.g., 0.55
	TakeProfit     float64       // e.g., 0.70
	StopLoss       float64       // e.g., 0.40
	ExitBuffer     time.Duration // Flatten this long before window end

	// Storage
	DBPath    string
	CachePath string

	// Logging
	LogLevel logger.LogLevel
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var err error
	var errs []string // Collect validation errors

	// Market discovery
	assetsStr := getEnv("ASSETS", "BTC,ETH,SOL,XRP")
	for _, a := range strings.Split(assetsStr, ",") {
		a = strings.TrimSpace(a)
		if a != "" {
			cfg.Assets = append(cfg.Assets, strings.ToUpper(a))
		}
	}
	if len(cfg.Assets) == 0 {
		errs = append(errs, "ASSETS must name at least one asset")
	}

	cfg.SlotInterval = time.Duration(getEnvAsInt("SLOT_INTERVAL_SECONDS", 900)) * time.Second
	if cfg.SlotInterval <= 0 {
		errs = append(errs, "SLOT_INTERVAL_SECONDS must be positive")
	}

	cfg.SlotCount, err = getEnvAsIntRequired("SLOT_COUNT", 10)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid SLOT_COUNT: %v", err))
	} else if cfg.SlotCount <= 0 {
		errs = append(errs, "SLOT_COUNT must be positive")
	}

	cfg.MinIndexed = getEnvAsInt("MIN_INDEXED_ASSETS", 3)
	if cfg.MinIndexed <= 0 || cfg.MinIndexed > len(cfg.Assets) {
		errs = append(errs, "MIN_INDEXED_ASSETS must be between 1 and the number of assets")
	}

	cfg.RefreshInterval = time.Duration(getEnvAsInt("REFRESH_INTERVAL_MINUTES", 60)) * time.Minute
	if cfg.RefreshInterval <= 0 {
		errs = append(errs, "REFRESH_INTERVAL_MINUTES must be positive")
	}

	cfg.GammaBaseURL = getEnv("GAMMA_BASE_URL", "")

	// Feed
	cfg.FeedURL = getEnv("FEED_URL", "")
	cfg.HandshakeTimeout = time.Duration(getEnvAsInt("HANDSHAKE_TIMEOUT_SECONDS", 10)) * time.Second
	if cfg.HandshakeTimeout <= 0 {
		errs = append(errs, "HANDSHAKE_TIMEOUT_SECONDS must be positive")
	}

	backoffMinSeconds := getEnvAsInt("BACKOFF_MIN_SECONDS", 1)
	backoffMaxSeconds := getEnvAsInt("BACKOFF_MAX_SECONDS", 30)
	if backoffMinSeconds <= 0 || backoffMaxSeconds < backoffMinSeconds {
		errs = append(errs, "BACKOFF_MIN_SECONDS must be positive and no greater than BACKOFF_MAX_SECONDS")
	}
	cfg.BackoffMin = time.Duration(backoffMinSeconds) * time.Second
	cfg.BackoffMax = time.Duration(backoffMaxSeconds) * time.Second

	cfg.TickBuffer = getEnvAsInt("TICK_BUFFER", 256)
	if cfg.TickBuffer <= 0 {
		errs = append(errs, "TICK_BUFFER must be positive")
	}

	// Engine
	cfg.SweepInterval = time.Duration(getEnvAsInt("SWEEP_INTERVAL_SECONDS", 15)) * time.Second
	if cfg.SweepInterval <= 0 {
		errs = append(errs, "SWEEP_INTERVAL_SECONDS must be positive")
	}

	cfg.MaxOpenTrades, err = getEnvAsIntRequired("MAX_OPEN_TRADES", 8)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid MAX_OPEN_TRADES: %v", err))
	} else if cfg.MaxOpenTrades <= 0 {
		errs = append(errs, "MAX_OPEN_TRADES must be positive")
	}

	cfg.MaxDailyTrades = getEnvAsInt("MAX_DAILY_TRADES", 100)
	if cfg.MaxDailyTrades < 0 {
		errs = append(errs, "MAX_DAILY_TRADES cannot be negative")
	}
	cfg.MaxConsecutiveLosses = getEnvAsInt("MAX_CONSECUTIVE_LOSSES", 0)
	if cfg.MaxConsecutiveLosses < 0 {
		errs = append(errs, "MAX_CONSECUTIVE_LOSSES cannot be negative")
	}

	// Policy Parameters
	cfg.EntryThreshold, err = getEnvAsFloatRequired("ENTRY_THRESHOLD", 0.55)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid ENTRY_THRESHOLD: %v", err))
	}
	cfg.TakeProfit, err = getEnvAsFloatRequired("TAKE_PROFIT", 0.70)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid TAKE_PROFIT: %v", err))
	}
	cfg.StopLoss, err = getEnvAsFloatRequired("STOP_LOSS", 0.40)
	if err != nil {
		errs = append(errs, fmt.Sprintf("invalid STOP_LOSS: %v", err))
	}
	cfg.ExitBuffer = time.Duration(getEnvAsInt("EXIT_BUFFER_SECONDS", 30)) * time.Second
	if cfg.ExitBuffer < 0 {
		errs = append(errs, "EXIT_BUFFER_SECONDS cannot be negative")
	}

	// Storage
	cfg.DBPath = getEnv("DB_PATH", "./data/trades.db")
	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}
	cfg.CachePath = getEnv("CACHE_PATH", "./data/upcoming_slots.json")
	if cfg.CachePath == "" {
		errs = append(errs, "CACHE_PATH must be set")
	}

	// Logging
	logLevelStr := getEnv("LOG_LEVEL", "INFO")
	cfg.LogLevel = logger.ParseLevel(logLevelStr) // Use the parser from the logger package

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		// Use default if env var is not set at all
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		// Return error if env var is set but invalid
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}
