// Package config loads and validates runtime configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all runtime configuration.
type Config struct {
	// Database settings. Empty DatabaseURL disables durable persistence;
	// the runtime then keeps all four record collections in memory only.
	DatabaseURL string

	// Message bus settings.
	MaxRetries       int           // delivery attempts before dead-lettering
	RetryBackoffBase time.Duration // first retry delay; doubles per attempt
	RetryBackoffMax  time.Duration // backoff ceiling

	// Memory store settings.
	QueryLimit int // default result cap for memory queries

	// Supervisor settings.
	MaxCycles             int
	ConsecutiveErrorLimit int
	TaskTimeout           time.Duration
	CycleInterval         time.Duration // pause between cycles; 0 runs back to back

	// Insight engine settings.
	InsightInterval time.Duration // how often the advisory loop runs
	InsightWindow   int           // recent cycles considered by the rules

	// Persistence pipeline settings.
	PersistBufferSize   int
	PersistFlushTimeout time.Duration

	// OTEL settings.
	OTELEndpoint string
	OTELInsecure bool
	ServiceName  string

	// Operational settings.
	LogLevel                  string
	ShutdownDrainTimeout      time.Duration
	ShutdownSupervisorTimeout time.Duration
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		DatabaseURL:               envStr("DATABASE_URL", ""),
		MaxRetries:                envInt("RENKEI_MAX_RETRIES", 3),
		RetryBackoffBase:          envDuration("RENKEI_RETRY_BACKOFF_BASE", 100*time.Millisecond),
		RetryBackoffMax:           envDuration("RENKEI_RETRY_BACKOFF_MAX", 10*time.Second),
		QueryLimit:                envInt("RENKEI_MEMORY_QUERY_LIMIT", 10),
		MaxCycles:                 envInt("RENKEI_MAX_CYCLES", 100),
		ConsecutiveErrorLimit:     envInt("RENKEI_CONSECUTIVE_ERROR_LIMIT", 5),
		TaskTimeout:               envDuration("RENKEI_TASK_TIMEOUT", 30*time.Second),
		CycleInterval:             envDuration("RENKEI_CYCLE_INTERVAL", 0),
		InsightInterval:           envDuration("RENKEI_INSIGHT_INTERVAL", 60*time.Second),
		InsightWindow:             envInt("RENKEI_INSIGHT_WINDOW", 10),
		PersistBufferSize:         envInt("RENKEI_PERSIST_BUFFER_SIZE", 1000),
		PersistFlushTimeout:       envDuration("RENKEI_PERSIST_FLUSH_TIMEOUT", 100*time.Millisecond),
		OTELEndpoint:              envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		OTELInsecure:              envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		ServiceName:               envStr("OTEL_SERVICE_NAME", "renkei"),
		LogLevel:                  envStr("RENKEI_LOG_LEVEL", "info"),
		ShutdownDrainTimeout:      envDuration("RENKEI_SHUTDOWN_DRAIN_TIMEOUT", 10*time.Second),
		ShutdownSupervisorTimeout: envDuration("RENKEI_SHUTDOWN_SUPERVISOR_TIMEOUT", 30*time.Second),
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that configuration values are internally consistent.
func (c Config) Validate() error {
	if c.MaxRetries < 0 {
		return fmt.Errorf("config: RENKEI_MAX_RETRIES must not be negative")
	}
	if c.RetryBackoffBase <= 0 {
		return fmt.Errorf("config: RENKEI_RETRY_BACKOFF_BASE must be positive")
	}
	if c.RetryBackoffMax < c.RetryBackoffBase {
		return fmt.Errorf("config: RENKEI_RETRY_BACKOFF_MAX must be >= RENKEI_RETRY_BACKOFF_BASE")
	}
	if c.QueryLimit <= 0 {
		return fmt.Errorf("config: RENKEI_MEMORY_QUERY_LIMIT must be positive")
	}
	if c.MaxCycles <= 0 {
		return fmt.Errorf("config: RENKEI_MAX_CYCLES must be positive")
	}
	if c.ConsecutiveErrorLimit <= 0 {
		return fmt.Errorf("config: RENKEI_CONSECUTIVE_ERROR_LIMIT must be positive")
	}
	if c.TaskTimeout <= 0 {
		return fmt.Errorf("config: RENKEI_TASK_TIMEOUT must be positive")
	}
	if c.InsightWindow <= 0 {
		return fmt.Errorf("config: RENKEI_INSIGHT_WINDOW must be positive")
	}
	if c.PersistBufferSize <= 0 {
		return fmt.Errorf("config: RENKEI_PERSIST_BUFFER_SIZE must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envBool(key string, defaultVal bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}
