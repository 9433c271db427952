// Package config handles environment-based configuration loading.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// EnvConfig holds all environment-variable-driven settings.
type EnvConfig struct {
	// Directories
	StateDir string
	CacheDir string

	// Upstream API
	APIBaseURL        string
	APIKey            string
	APISourceID       string
	APIRequestTimeout time.Duration

	// Schedules
	SyncSchedule      string
	RecomputeSchedule string

	// Release windows
	ScanLead     time.Duration
	ScanInterval time.Duration
	ScanOverrun  time.Duration
	SyncBlackout time.Duration

	// Passive monitor
	PassiveEnabled bool
	PassiveMargin  time.Duration
	PassiveSweep   time.Duration
	PassivePacing  time.Duration
	PassiveCalTTL  time.Duration

	// Datacenter rotation gate for scan traffic
	UseProxies bool

	// ISP pool
	ProxyCooldown       time.Duration
	ProxyReuseDelay     time.Duration
	ProxyAcquireTimeout time.Duration

	// Scanner rate limiting
	ScanRateLimitHold time.Duration

	// Prefetch
	PrefetchConcurrency int

	// Booking
	WAFRetryLimit int
	DryRun        bool

	// Attempt log
	AttemptLogQueueSize     int
	AttemptLogFlushBatch    int
	AttemptLogFlushInterval time.Duration

	// Cache flush worker
	FlushThreshold int
	FlushInterval  time.Duration

	// Seed import (optional; empty skips)
	SeedFile string
}

// LoadEnvConfig reads environment variables and returns a validated
// EnvConfig. Returns an error listing every invalid or missing value.
func LoadEnvConfig() (*EnvConfig, error) {
	cfg := &EnvConfig{}
	var errs []string

	// --- Directories ---
	cfg.StateDir = envStr("SNIPER_STATE_DIR", "/var/lib/tablesniper")
	cfg.CacheDir = envStr("SNIPER_CACHE_DIR", "/var/cache/tablesniper")

	// --- Upstream API ---
	cfg.APIBaseURL = strings.TrimRight(envStr("SNIPER_API_BASE_URL", ""), "/")
	cfg.APIKey = envStr("SNIPER_API_KEY", "")
	cfg.APISourceID = envStr("SNIPER_API_SOURCE_ID", "tablesniper")
	cfg.APIRequestTimeout = envDuration("SNIPER_API_REQUEST_TIMEOUT", 30*time.Second, &errs)

	// --- Schedules ---
	cfg.SyncSchedule = envStr("SNIPER_SYNC_SCHEDULE", "*/5 * * * *")
	cfg.RecomputeSchedule = envStr("SNIPER_RECOMPUTE_SCHEDULE", "0 * * * *")

	// --- Release windows (legacy option names) ---
	cfg.ScanLead = time.Duration(envInt("LEAD_TIME_SECONDS", 45, &errs)) * time.Second
	cfg.ScanInterval = time.Duration(envInt("SCAN_INTERVAL_MS", 1000, &errs)) * time.Millisecond
	cfg.ScanOverrun = time.Duration(envInt("SCAN_TIMEOUT_SECONDS", 120, &errs)) * time.Second
	cfg.SyncBlackout = envDuration("SNIPER_SYNC_BLACKOUT", 60*time.Second, &errs)

	// --- Passive monitor (legacy option names) ---
	cfg.PassiveEnabled = envBool("PASSIVE_MONITOR_ENABLED", false, &errs)
	cfg.PassiveSweep = time.Duration(envInt("PASSIVE_POLL_INTERVAL_MS", 60000, &errs)) * time.Millisecond
	cfg.PassiveMargin = time.Duration(envInt("PASSIVE_BLACKOUT_MINUTES", 5, &errs)) * time.Minute
	cfg.PassivePacing = envDuration("SNIPER_PASSIVE_PACING", 500*time.Millisecond, &errs)
	cfg.PassiveCalTTL = envDuration("SNIPER_PASSIVE_CALENDAR_TTL", 5*time.Minute, &errs)

	// --- ISP pool ---
	cfg.ProxyCooldown = envDuration("SNIPER_PROXY_COOLDOWN", 5*time.Minute, &errs)
	cfg.ProxyReuseDelay = envDuration("SNIPER_PROXY_REUSE_DELAY", 2*time.Second, &errs)
	cfg.ProxyAcquireTimeout = envDuration("SNIPER_PROXY_ACQUIRE_TIMEOUT", 10*time.Second, &errs)

	// --- Scanner ---
	cfg.ScanRateLimitHold = envDuration("SNIPER_SCAN_RATE_LIMIT_HOLD", 15*time.Minute, &errs)

	// --- Prefetch ---
	cfg.PrefetchConcurrency = envInt("SNIPER_PREFETCH_CONCURRENCY", 5, &errs)

	// --- Booking ---
	cfg.WAFRetryLimit = envInt("SNIPER_WAF_RETRY_LIMIT", 2, &errs)
	cfg.DryRun = envBool("DRY_RUN", false, &errs)
	cfg.UseProxies = envBool("USE_PROXIES", false, &errs)

	// --- Attempt log ---
	cfg.AttemptLogQueueSize = envInt("SNIPER_ATTEMPT_LOG_QUEUE_SIZE", 4096, &errs)
	cfg.AttemptLogFlushBatch = envInt("SNIPER_ATTEMPT_LOG_FLUSH_BATCH", 256, &errs)
	cfg.AttemptLogFlushInterval = envDuration("SNIPER_ATTEMPT_LOG_FLUSH_INTERVAL", 10*time.Second, &errs)

	// --- Cache flush worker ---
	cfg.FlushThreshold = envInt("SNIPER_FLUSH_THRESHOLD", 64, &errs)
	cfg.FlushInterval = envDuration("SNIPER_FLUSH_INTERVAL", 30*time.Second, &errs)

	// --- Seed ---
	cfg.SeedFile = envStr("SNIPER_SEED_FILE", "")

	// --- Validation ---
	if cfg.APIBaseURL == "" {
		errs = append(errs, "SNIPER_API_BASE_URL must be defined")
	}
	if cfg.APIKey == "" {
		errs = append(errs, "SNIPER_API_KEY must be defined")
	}
	if _, err := cron.ParseStandard(cfg.SyncSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("SNIPER_SYNC_SCHEDULE: invalid cron expression %q: %v", cfg.SyncSchedule, err))
	}
	if _, err := cron.ParseStandard(cfg.RecomputeSchedule); err != nil {
		errs = append(errs, fmt.Sprintf("SNIPER_RECOMPUTE_SCHEDULE: invalid cron expression %q: %v", cfg.RecomputeSchedule, err))
	}

	validatePositiveDuration("SNIPER_API_REQUEST_TIMEOUT", cfg.APIRequestTimeout, &errs)
	validatePositiveDuration("LEAD_TIME_SECONDS", cfg.ScanLead, &errs)
	validatePositiveDuration("SCAN_INTERVAL_MS", cfg.ScanInterval, &errs)
	validatePositiveDuration("SCAN_TIMEOUT_SECONDS", cfg.ScanOverrun, &errs)
	validatePositiveDuration("SNIPER_SYNC_BLACKOUT", cfg.SyncBlackout, &errs)
	validatePositiveDuration("PASSIVE_BLACKOUT_MINUTES", cfg.PassiveMargin, &errs)
	validatePositiveDuration("PASSIVE_POLL_INTERVAL_MS", cfg.PassiveSweep, &errs)
	validatePositiveDuration("SNIPER_PASSIVE_PACING", cfg.PassivePacing, &errs)
	validatePositiveDuration("SNIPER_PASSIVE_CALENDAR_TTL", cfg.PassiveCalTTL, &errs)
	validatePositiveDuration("SNIPER_PROXY_COOLDOWN", cfg.ProxyCooldown, &errs)
	validatePositiveDuration("SNIPER_PROXY_REUSE_DELAY", cfg.ProxyReuseDelay, &errs)
	validatePositiveDuration("SNIPER_PROXY_ACQUIRE_TIMEOUT", cfg.ProxyAcquireTimeout, &errs)
	validatePositiveDuration("SNIPER_SCAN_RATE_LIMIT_HOLD", cfg.ScanRateLimitHold, &errs)
	validatePositiveDuration("SNIPER_ATTEMPT_LOG_FLUSH_INTERVAL", cfg.AttemptLogFlushInterval, &errs)
	validatePositiveDuration("SNIPER_FLUSH_INTERVAL", cfg.FlushInterval, &errs)

	validatePositive("SNIPER_PREFETCH_CONCURRENCY", cfg.PrefetchConcurrency, &errs)
	validatePositive("SNIPER_WAF_RETRY_LIMIT", cfg.WAFRetryLimit, &errs)
	validatePositive("SNIPER_ATTEMPT_LOG_QUEUE_SIZE", cfg.AttemptLogQueueSize, &errs)
	validatePositive("SNIPER_ATTEMPT_LOG_FLUSH_BATCH", cfg.AttemptLogFlushBatch, &errs)
	validatePositive("SNIPER_FLUSH_THRESHOLD", cfg.FlushThreshold, &errs)

	if cfg.AttemptLogQueueSize < 2*cfg.AttemptLogFlushBatch {
		errs = append(errs, "SNIPER_ATTEMPT_LOG_QUEUE_SIZE must be at least 2x SNIPER_ATTEMPT_LOG_FLUSH_BATCH")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("config validation failed:\n  %s", strings.Join(errs, "\n  "))
	}
	return cfg, nil
}

// --- helpers ---

func envStr(key, defaultVal string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int, errs *[]string) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid integer %q", key, v))
		return defaultVal
	}
	return n
}

func envBool(key string, defaultVal bool, errs *[]string) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid boolean %q", key, v))
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration, errs *[]string) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Sprintf("%s: invalid duration %q", key, v))
		return defaultVal
	}
	return d
}

func validatePositive(key string, v int, errs *[]string) {
	if v <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be positive", key))
	}
}

func validatePositiveDuration(key string, v time.Duration, errs *[]string) {
	if v <= 0 {
		*errs = append(*errs, fmt.Sprintf("%s must be positive", key))
	}
}
