package config

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig()

	if cfg.Inbound.DebounceWindow != 11*time.Second {
		t.Errorf("debounce window: got %v, want 11s", cfg.Inbound.DebounceWindow)
	}
	if cfg.Campaign.TickInterval != time.Minute {
		t.Errorf("tick: got %v, want 1m", cfg.Campaign.TickInterval)
	}
	if cfg.Campaign.RetryFailed {
		t.Error("failed logs should count toward exclusion by default")
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("driver: got %q", cfg.Database.Driver)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("INBOUND_DEBOUNCE", "3s")
	t.Setenv("CAMPAIGN_LEASE_TIMEOUT", "120")
	t.Setenv("SKIP_DELAYS", "true")
	t.Setenv("HISTORY_LIMIT", "not-a-number")

	cfg := LoadConfig()

	if cfg.Inbound.DebounceWindow != 3*time.Second {
		t.Errorf("debounce: got %v", cfg.Inbound.DebounceWindow)
	}
	if cfg.Campaign.LeaseTimeout != 2*time.Minute {
		t.Errorf("lease timeout from bare seconds: got %v", cfg.Campaign.LeaseTimeout)
	}
	if !cfg.SkipDelays {
		t.Error("SKIP_DELAYS=true not applied")
	}
	if cfg.Inbound.HistoryLimit != 30 {
		t.Errorf("invalid int should fall back: got %d", cfg.Inbound.HistoryLimit)
	}
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	if err := LoadEnv(filepath.Join(dir, "missing.env")); !errors.Is(err, fs.ErrNotExist) {
		t.Errorf("missing file: err = %v", err)
	}

	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("CAMPAIGN_TICK=30s\nPORT=9000\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CAMPAIGN_TICK", "")
	os.Unsetenv("CAMPAIGN_TICK")
	t.Setenv("PORT", "7000")

	if err := LoadEnv(path); err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg := LoadConfig()
	if cfg.Campaign.TickInterval != 30*time.Second {
		t.Errorf("tick from .env: got %v", cfg.Campaign.TickInterval)
	}
	if cfg.Port != "7000" {
		t.Errorf("port: got %q, the environment must win over .env", cfg.Port)
	}
}
