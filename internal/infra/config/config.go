// Package config collects and exposes configuration for the whole scheduler
// service. It:
//  1. reads environment variables (optionally seeded from a .env file via
//     godotenv),
//  2. normalizes and validates the recognized options from spec §6,
//  3. accumulates non-fatal warnings for anything defaulted,
//  4. exposes the result as a single immutable EnvConfig value.
//
// The core never reads os.Getenv directly: every constructor receives an
// EnvConfig value. Load/Env follow the teacher's singleton-with-RWMutex
// pattern so main() can load once and the rest of the process treats
// configuration as a read-only snapshot.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
)

// EnvConfig holds every operational knob the scheduler recognizes, per
// spec.md §6 plus the connection settings a deployable service needs.
type EnvConfig struct {
	// Master switch and mode override (spec §6).
	IncrementalParsingEnabled bool
	ModeOverride              string // auto | historical | incremental

	// Tick Loop / Dispatcher / Watermark tuning (spec §4, §6).
	SchedulerIntervalSec int
	MaxConcurrency       int
	RetryMax             int
	RetryBaseSec         int
	RetryCapSec          int
	HistoricalHours      int
	LPAStaleThresholdSec int
	BatchSize            int
	ParseTimeoutSec      int  // 0 means derive from tick deadline / MaxConcurrency
	SelectorOldestFirst  bool // OQ2 resolution knob

	LogLevel string

	// Channel Repository (relational store).
	DatabaseURL string

	// Fast store (distributed lock + HWM).
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Event Publisher transport.
	NATSURL string

	// Metrics/health HTTP surface.
	MetricsAddr string

	// Message Source (Telegram MTProto).
	TelegramAPIID       int
	TelegramAPIHash     string
	TelegramPhoneNumber string
	TelegramSessionFile string
	TelegramTestDC      bool
	TelegramRPS         int
}

// Config wraps EnvConfig plus accumulated load warnings, guarded by an
// RWMutex so concurrent readers never race with Load.
type Config struct {
	Env      EnvConfig
	warnings []string
	mu       sync.RWMutex
}

// Defaults for optional settings and their associated files/paths.
const (
	defaultSchedulerIntervalSec = 300
	defaultMaxConcurrency       = 4
	defaultRetryMax             = 3
	defaultRetryBaseSec         = 2
	defaultRetryCapSec          = 60
	defaultHistoricalHours      = 48
	defaultLPAStaleThresholdSec = 7 * 24 * 3600
	defaultBatchSize            = 100
	defaultLogLevel             = "info"
	defaultRedisAddr            = "localhost:6379"
	defaultRedisDB              = 0
	defaultNATSURL              = "nats://localhost:4222"
	defaultMetricsAddr          = ":9090"
	defaultSessionFile          = "data/session.bin"
	defaultModeOverride         = "auto"
	defaultTelegramRPS          = 20
)

var (
	cfgInstance *Config
	cfgDone     bool
)

// Load is the entry point for initializing the global configuration.
// Calling it twice returns an error, to avoid configuration races at
// startup.
func Load(envPath string) error {
	if cfgDone {
		return errors.New("config already loaded")
	}
	if cfgInstance == nil {
		cfgInstance = &Config{}
	}
	cfgInstance.mu.Lock()
	defer cfgInstance.mu.Unlock()
	newCfg, err := loadConfig(envPath)
	if err != nil {
		return err
	}
	cfgInstance = newCfg
	cfgDone = true
	return nil
}

// loadConfig performs the actual load/validation without touching global
// state, so tests can build a throwaway Config and inspect it.
func loadConfig(envPath string) (*Config, error) {
	if envPath != "" {
		// Missing .env is fine in production (env vars set by the
		// orchestrator); only a malformed file is an error.
		if _, statErr := os.Stat(envPath); statErr == nil {
			if err := godotenv.Load(envPath); err != nil {
				return nil, fmt.Errorf("failed to load .env: %w", err)
			}
		}
	}

	apiID, err := parseRequiredInt("TELEGRAM_API_ID")
	if err != nil {
		return nil, err
	}
	apiHash := strings.TrimSpace(os.Getenv("TELEGRAM_API_HASH"))
	if apiHash == "" {
		return nil, errors.New("env TELEGRAM_API_HASH must be set")
	}
	phone := strings.TrimSpace(os.Getenv("TELEGRAM_PHONE_NUMBER"))
	if phone == "" {
		return nil, errors.New("env TELEGRAM_PHONE_NUMBER must be set")
	}
	databaseURL := strings.TrimSpace(os.Getenv("DATABASE_URL"))
	if databaseURL == "" {
		return nil, errors.New("env DATABASE_URL must be set")
	}

	var warnings []string

	env := EnvConfig{
		IncrementalParsingEnabled: parseBoolDefault("FEATURE_INCREMENTAL_PARSING_ENABLED", true, &warnings),
		ModeOverride:              sanitizeModeOverride(os.Getenv("PARSER_MODE_OVERRIDE"), &warnings),
		SchedulerIntervalSec: parseIntDefault(
			"PARSER_SCHEDULER_INTERVAL_SEC", defaultSchedulerIntervalSec, greaterThanZero, &warnings,
		),
		MaxConcurrency:       parseIntDefault("PARSER_MAX_CONCURRENCY", defaultMaxConcurrency, greaterThanZero, &warnings),
		RetryMax:             parseIntDefault("PARSER_RETRY_MAX", defaultRetryMax, nonNegative, &warnings),
		RetryBaseSec:         parseIntDefault("PARSER_RETRY_BASE_SEC", defaultRetryBaseSec, greaterThanZero, &warnings),
		RetryCapSec:          parseIntDefault("PARSER_RETRY_CAP_SEC", defaultRetryCapSec, greaterThanZero, &warnings),
		HistoricalHours:      parseIntDefault("PARSER_HISTORICAL_HOURS", defaultHistoricalHours, greaterThanZero, &warnings),
		LPAStaleThresholdSec: parseIntDefault("PARSER_LPA_STALE_THRESHOLD_SEC", defaultLPAStaleThresholdSec, greaterThanZero, &warnings),
		BatchSize:            parseIntDefault("PARSER_BATCH_SIZE", defaultBatchSize, greaterThanZero, &warnings),
		ParseTimeoutSec:      parseIntDefault("PARSER_PARSE_TIMEOUT_SEC", 0, nonNegative, &warnings),
		SelectorOldestFirst:  parseBoolDefault("PARSER_SELECTOR_OLDEST_FIRST", true, &warnings),
		LogLevel:             sanitizeLogLevel(os.Getenv("LOG_LEVEL"), &warnings),
		DatabaseURL:          databaseURL,
		RedisAddr:            sanitizeFile("REDIS_ADDR", os.Getenv("REDIS_ADDR"), defaultRedisAddr, &warnings),
		RedisPassword:        os.Getenv("REDIS_PASSWORD"),
		RedisDB:              parseIntDefault("REDIS_DB", defaultRedisDB, nonNegative, &warnings),
		NATSURL:               sanitizeFile("NATS_URL", os.Getenv("NATS_URL"), defaultNATSURL, &warnings),
		MetricsAddr:           sanitizeFile("METRICS_ADDR", os.Getenv("METRICS_ADDR"), defaultMetricsAddr, &warnings),
		TelegramAPIID:         apiID,
		TelegramAPIHash:       apiHash,
		TelegramPhoneNumber:   phone,
		TelegramSessionFile:   sanitizeFile("TELEGRAM_SESSION_FILE", os.Getenv("TELEGRAM_SESSION_FILE"), defaultSessionFile, &warnings),
		TelegramTestDC:        strings.EqualFold(strings.TrimSpace(os.Getenv("TELEGRAM_TEST_DC")), "true"),
		TelegramRPS:           parseIntDefault("TELEGRAM_REQUESTS_PER_SECOND", defaultTelegramRPS, greaterThanZero, &warnings),
	}

	return &Config{Env: env, warnings: warnings}, nil
}

// Warnings returns the warnings accumulated while loading (e.g. a default
// was substituted for a missing/invalid variable). Returns a copy.
func Warnings() []string {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	result := make([]string, len(cfgInstance.warnings))
	copy(result, cfgInstance.warnings)
	return result
}

// Env returns the EnvConfig from the global singleton. It is an immutable
// snapshot as of the last Load; reloading requires re-reading everything.
func Env() EnvConfig {
	cfgInstance.mu.RLock()
	defer cfgInstance.mu.RUnlock()
	return cfgInstance.Env
}

// parseRequiredInt reads a mandatory integer env var. Returns an error if
// unset or not a valid integer — used for settings the process cannot run
// without.
func parseRequiredInt(name string) (int, error) {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return 0, fmt.Errorf("env %s must be set", name)
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("env %s must be a valid integer: %w", name, err)
	}
	return v, nil
}

// parseIntDefault reads name as an int. If unset/invalid/failing validator,
// returns defaultVal and records a warning — keeps the process from crashing
// on a non-critical setting while still having sane defaults.
func parseIntDefault(name string, defaultVal int, validator func(int) bool, warnings *[]string) int {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %d", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.Atoi(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid integer; using default %d", name, value, defaultVal)
		return defaultVal
	}
	if validator != nil && !validator(v) {
		appendWarningf(warnings, "env %s value %d does not satisfy constraints; using default %d", name, v, defaultVal)
		return defaultVal
	}
	return v
}

// parseBoolDefault reads name as a bool ("true"/"false", case-insensitive).
func parseBoolDefault(name string, defaultVal bool, warnings *[]string) bool {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		appendWarningf(warnings, "env %s is not set; using default %v", name, defaultVal)
		return defaultVal
	}
	v, err := strconv.ParseBool(value)
	if err != nil {
		appendWarningf(warnings, "env %s value %q is not a valid bool; using default %v", name, value, defaultVal)
		return defaultVal
	}
	return v
}

// appendWarningf accumulates a warning about an invalid/missing env var.
// Exposed later through Warnings().
func appendWarningf(warnings *[]string, format string, args ...any) {
	if warnings == nil {
		return
	}
	*warnings = append(*warnings, fmt.Sprintf(format, args...))
}

// greaterThanZero/nonNegative are simple int validators for parseIntDefault.
func greaterThanZero(v int) bool { return v > 0 }
func nonNegative(v int) bool     { return v >= 0 }

// sanitizeLogLevel normalizes LOG_LEVEL to {debug, info, warn, error}.
func sanitizeLogLevel(level string, warnings *[]string) string {
	lvl := strings.ToLower(strings.TrimSpace(level))
	if lvl == "" {
		appendWarningf(warnings, "env LOG_LEVEL is not set; using default %q", defaultLogLevel)
		return defaultLogLevel
	}
	switch lvl {
	case "debug", "info", "warn", "error":
		return lvl
	default:
		appendWarningf(warnings, "env LOG_LEVEL value %q is invalid; using default %q", level, defaultLogLevel)
		return defaultLogLevel
	}
}

// sanitizeModeOverride normalizes PARSER_MODE_OVERRIDE to {auto, historical,
// incremental} per spec.md §6.
func sanitizeModeOverride(value string, warnings *[]string) string {
	v := strings.ToLower(strings.TrimSpace(value))
	if v == "" {
		appendWarningf(warnings, "env PARSER_MODE_OVERRIDE is not set; using default %q", defaultModeOverride)
		return defaultModeOverride
	}
	switch v {
	case "auto", "historical", "incremental":
		return v
	default:
		appendWarningf(warnings, "env PARSER_MODE_OVERRIDE value %q is invalid; using default %q", value, defaultModeOverride)
		return defaultModeOverride
	}
}

// sanitizeFile returns a valid string setting, falling back with a warning
// when the variable is unset. Named for parity with the teacher's file-path
// sanitizer; used here for any free-form string setting with a sane default.
func sanitizeFile(name, value, fallback string, warnings *[]string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		appendWarningf(warnings, "env %s is not set; using default %q", name, fallback)
		return fallback
	}
	return v
}

// TickInterval returns the configured scheduler interval as a time.Duration.
func (e EnvConfig) TickInterval() time.Duration {
	return time.Duration(e.SchedulerIntervalSec) * time.Second
}

// MaxTickDuration is the enforced per-tick deadline: tick_interval * 1.5 *
// 0.9 (spec.md §4.1 / §5), strictly less than the Tick Lock's TTL.
func (e EnvConfig) MaxTickDuration() time.Duration {
	return time.Duration(float64(e.TickInterval()) * 1.5 * 0.9)
}

// LockTTL is the Tick Lock's TTL: tick_interval * 1.5 (spec.md §3, §4.1).
func (e EnvConfig) LockTTL() time.Duration {
	return time.Duration(float64(e.TickInterval()) * 1.5)
}

// ParseTimeout returns the per-parse deadline: the configured override, or
// MaxTickDuration / MaxConcurrency rounded up (spec.md §5) when unset.
func (e EnvConfig) ParseTimeout() time.Duration {
	if e.ParseTimeoutSec > 0 {
		return time.Duration(e.ParseTimeoutSec) * time.Second
	}
	if e.MaxConcurrency <= 0 {
		return e.MaxTickDuration()
	}
	n := int64(e.MaxConcurrency)
	return time.Duration((int64(e.MaxTickDuration()) + n - 1) / n)
}
