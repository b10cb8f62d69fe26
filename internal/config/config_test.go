package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad_DefaultsFromMinimalFile(t *testing.T) {
	path := writeConfig(t, "app:\n  environment: test\n")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.App.Environment != "test" {
		t.Errorf("unexpected environment: %s", cfg.App.Environment)
	}
	if cfg.Upbit.TopN != 5 || len(cfg.Upbit.Markets) != 5 {
		t.Errorf("unexpected market defaults: top_n=%d markets=%v", cfg.Upbit.TopN, cfg.Upbit.Markets)
	}
	if cfg.Trading.AmountPerTrade != 10000 || cfg.Trading.MinConfidence != 60 {
		t.Errorf("unexpected trading defaults: %+v", cfg.Trading)
	}
	if cfg.Risk.MaxConsecutiveLosses != 3 || cfg.Risk.CircuitBreakerThresholdPct != -3.0 {
		t.Errorf("unexpected risk defaults: %+v", cfg.Risk)
	}
	if cfg.Risk.CooldownDuration != 10*time.Minute {
		t.Errorf("unexpected cooldown: %v", cfg.Risk.CooldownDuration)
	}
	if cfg.Scheduler.ScanInterval != 5*time.Second || cfg.Scheduler.InitialDelay != 10*time.Second {
		t.Errorf("unexpected scheduler defaults: %+v", cfg.Scheduler)
	}
	if cfg.Trading.Enabled {
		t.Errorf("expected trading disabled by default")
	}
}

func TestLoad_RejectsInvalidValues(t *testing.T) {
	path := writeConfig(t, `
risk:
  circuit_breaker_threshold_pct: 3.0
trading:
  ema_short_period: 20
  ema_long_period: 5
`)

	_, err := Load(path)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if !strings.Contains(err.Error(), "circuit_breaker_threshold_pct") {
		t.Errorf("expected threshold sign error, got %v", err)
	}
	if !strings.Contains(err.Error(), "ema_short_period") {
		t.Errorf("expected EMA period order error, got %v", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatalf("expected error for missing config file")
	}
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}
