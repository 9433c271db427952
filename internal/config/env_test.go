package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("SNIPER_API_BASE_URL", "https://api.example.com")
	t.Setenv("SNIPER_API_KEY", "k")
}

func TestLoadEnvConfig_Defaults(t *testing.T) {
	setRequired(t)

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("LoadEnvConfig: %v", err)
	}
	if cfg.ScanLead != 45*time.Second {
		t.Fatalf("ScanLead = %s", cfg.ScanLead)
	}
	if cfg.SyncSchedule != "*/5 * * * *" {
		t.Fatalf("SyncSchedule = %s", cfg.SyncSchedule)
	}
	if cfg.ProxyCooldown != 5*time.Minute || cfg.ProxyReuseDelay != 2*time.Second {
		t.Fatalf("pool defaults = %s / %s", cfg.ProxyCooldown, cfg.ProxyReuseDelay)
	}
	if cfg.PrefetchConcurrency != 5 || cfg.WAFRetryLimit != 2 {
		t.Fatalf("defaults = %+v", cfg)
	}
	if cfg.DryRun || cfg.UseProxies || cfg.PassiveEnabled {
		t.Fatal("boolean options should default false")
	}
	if cfg.PassiveSweep != time.Minute || cfg.PassiveMargin != 5*time.Minute {
		t.Fatalf("passive defaults = %s / %s", cfg.PassiveSweep, cfg.PassiveMargin)
	}
}

func TestLoadEnvConfig_MissingRequired(t *testing.T) {
	t.Setenv("SNIPER_API_BASE_URL", "")
	t.Setenv("SNIPER_API_KEY", "")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected error for missing API settings")
	}
	if !strings.Contains(err.Error(), "SNIPER_API_BASE_URL") || !strings.Contains(err.Error(), "SNIPER_API_KEY") {
		t.Fatalf("error should list both missing vars: %v", err)
	}
}

func TestLoadEnvConfig_InvalidValuesAccumulate(t *testing.T) {
	setRequired(t)
	t.Setenv("LEAD_TIME_SECONDS", "not-a-number")
	t.Setenv("SNIPER_PREFETCH_CONCURRENCY", "zero")
	t.Setenv("SNIPER_SYNC_SCHEDULE", "every 5 minutes")

	_, err := LoadEnvConfig()
	if err == nil {
		t.Fatal("expected validation error")
	}
	for _, want := range []string{"LEAD_TIME_SECONDS", "SNIPER_PREFETCH_CONCURRENCY", "SNIPER_SYNC_SCHEDULE"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error missing %s: %v", want, err)
		}
	}
}

func TestLoadEnvConfig_Overrides(t *testing.T) {
	setRequired(t)
	t.Setenv("LEAD_TIME_SECONDS", "30")
	t.Setenv("DRY_RUN", "true")
	t.Setenv("SNIPER_API_BASE_URL", "https://api.example.com/")

	cfg, err := LoadEnvConfig()
	if err != nil {
		t.Fatalf("LoadEnvConfig: %v", err)
	}
	if cfg.ScanLead != 30*time.Second || !cfg.DryRun {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if strings.HasSuffix(cfg.APIBaseURL, "/") {
		t.Fatalf("base url not trimmed: %s", cfg.APIBaseURL)
	}
}

func TestLoadEnvConfig_QueueBatchRelation(t *testing.T) {
	setRequired(t)
	t.Setenv("SNIPER_ATTEMPT_LOG_QUEUE_SIZE", "100")
	t.Setenv("SNIPER_ATTEMPT_LOG_FLUSH_BATCH", "80")

	_, err := LoadEnvConfig()
	if err == nil || !strings.Contains(err.Error(), "2x") {
		t.Fatalf("expected queue/batch relation error, got %v", err)
	}
}
