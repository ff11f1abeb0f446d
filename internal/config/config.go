// Package config provides configuration management for the hot path.
//
// Configuration is loaded once at startup from environment variables (with
// an optional .env file) and passed by constructor to every task — there is
// no module-level singleton and nothing reads os.Getenv outside this
// package.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds the full configuration surface recognized by the hot path,
// per spec §6.
type Config struct {
	Symbol          string
	FeedURL         string
	SnapshotBaseURL string
	LogLevel        string
	HTTPPort        int

	TickPeriod           time.Duration
	FeatureInterval      time.Duration
	FeatureMoveThreshold float64
	StaleThreshold       time.Duration
	MinCompleteness      float64
	RollingWindows       []time.Duration
	OrderbookLevels      int

	SequenceGapK      int
	DepthGapEnabled   bool
	SilenceTimeout    time.Duration
	PriceJumpPct      float64
	ConnectionLoss    time.Duration
	SanityPriceDevPct float64

	ReanchorMaxAttempts    int
	ReanchorBackoffInitial time.Duration
	ReanchorBackoffMax     time.Duration
	ReanchorTotalDeadline  time.Duration
	RecoveryCooldown       time.Duration

	WarmStartCachePath   string
	WarmStartCacheMaxAge time.Duration
	ModelPath            string
	ScalerPath           string
	HealthReportInterval time.Duration
}

// Load reads configuration from environment variables, applying the
// defaults from spec §6 where a variable is unset.
func Load() (*Config, error) {
	// godotenv.Load returns an error if .env doesn't exist, which is fine.
	_ = godotenv.Load()

	cfg := &Config{
		Symbol:          getEnv("SYMBOL", "BTCUSDT"),
		FeedURL:         getEnv("FEED_URL", "wss://stream.example.com/ws"),
		SnapshotBaseURL: getEnv("SNAPSHOT_BASE_URL", "https://api.example.com"),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
		HTTPPort:        getEnvAsInt("HTTP_PORT", 8090),

		TickPeriod:           getEnvAsMillis("TICK_PERIOD_MS", 2000),
		FeatureInterval:      getEnvAsMillis("FEATURE_INTERVAL_MS", 2000),
		FeatureMoveThreshold: getEnvAsFloat("FEATURE_MOVE_THRESHOLD_PCT", 0.0005),
		StaleThreshold:       getEnvAsMillis("STALE_THRESHOLD_MS", 5000),
		MinCompleteness:      getEnvAsFloat("MIN_COMPLETENESS", 0.8),
		RollingWindows:       getEnvAsMillisList("ROLLING_WINDOWS_MS", []int{1000, 5000}),
		OrderbookLevels:      getEnvAsInt("ORDERBOOK_LEVELS", 10),

		SequenceGapK:      getEnvAsInt("SEQUENCE_GAP_K", 1),
		DepthGapEnabled:   getEnvAsBool("DEPTH_GAP_ENABLED", true),
		SilenceTimeout:    getEnvAsMillis("SILENCE_TIMEOUT_MS", 5000),
		PriceJumpPct:      getEnvAsFloat("PRICE_JUMP_PCT", 0.01),
		ConnectionLoss:    getEnvAsMillis("CONNECTION_LOSS_MS", 30000),
		SanityPriceDevPct: getEnvAsFloat("SANITY_PRICE_DEVIATION", 0.10),

		ReanchorMaxAttempts:    getEnvAsInt("REANCHOR_MAX_ATTEMPTS", 5),
		ReanchorBackoffInitial: getEnvAsMillis("REANCHOR_BACKOFF_INITIAL_MS", 1000),
		ReanchorBackoffMax:     getEnvAsMillis("REANCHOR_BACKOFF_MAX_MS", 60000),
		ReanchorTotalDeadline:  getEnvAsMillis("REANCHOR_TOTAL_DEADLINE_MS", 10000),
		RecoveryCooldown:       getEnvAsMillis("RECOVERY_COOLDOWN_MS", 300000),

		WarmStartCachePath:   getEnv("WARM_START_CACHE_PATH", "./data/warm_start_cache.msgpack"),
		WarmStartCacheMaxAge: getEnvAsMillis("WARM_START_CACHE_MAX_AGE_MS", 600000),
		ModelPath:            getEnv("MODEL_PATH", "./data/model.json"),
		ScalerPath:           getEnv("SCALER_PATH", "./data/scaler.json"),
		HealthReportInterval: getEnvAsMillis("HEALTH_REPORT_INTERVAL_MS", 10000),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks invariants on the loaded configuration.
func (c *Config) Validate() error {
	if c.Symbol == "" {
		return fmt.Errorf("config: SYMBOL must not be empty")
	}
	if c.TickPeriod <= 0 {
		return fmt.Errorf("config: TICK_PERIOD_MS must be positive")
	}
	if c.MinCompleteness < 0 || c.MinCompleteness > 1 {
		return fmt.Errorf("config: MIN_COMPLETENESS must be in [0,1]")
	}
	if len(c.RollingWindows) == 0 {
		return fmt.Errorf("config: ROLLING_WINDOWS_MS must not be empty")
	}
	if c.OrderbookLevels <= 0 {
		return fmt.Errorf("config: ORDERBOOK_LEVELS must be positive")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsMillis(key string, defaultMs int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultMs)) * time.Millisecond
}

// getEnvAsMillisList parses a comma-separated list of millisecond durations,
// e.g. "1000,5000" -> [1s, 5s].
func getEnvAsMillisList(key string, defaultMs []int) []time.Duration {
	value := os.Getenv(key)
	if value == "" {
		out := make([]time.Duration, len(defaultMs))
		for i, ms := range defaultMs {
			out[i] = time.Duration(ms) * time.Millisecond
		}
		return out
	}

	var out []time.Duration
	for _, part := range strings.Split(value, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		ms, err := strconv.Atoi(part)
		if err != nil {
			continue
		}
		out = append(out, time.Duration(ms)*time.Millisecond)
	}
	if len(out) == 0 {
		out = append(out, time.Duration(defaultMs[0])*time.Millisecond)
	}
	return out
}
