package config

import "testing"

func TestLoadRequiresRedisURL(t *testing.T) {
	t.Setenv("REDIS_URL", "")
	if _, err := Load(); err == nil {
		t.Fatal("expected error without REDIS_URL")
	}
}

func TestLoadDefaultsAndOverrides(t *testing.T) {
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("MAIN_TIME_MS", "600000")
	t.Setenv("TIME_CONTROLS", "300000, 600000")
	t.Setenv("SWEEP_INTERVAL_SEC", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Addr != ":8080" {
		t.Fatalf("addr = %q", cfg.Addr)
	}
	if cfg.MainTimeMs != 600000 {
		t.Fatalf("mainTimeMs = %d", cfg.MainTimeMs)
	}
	if len(cfg.TimeControls) != 2 || cfg.TimeControls[1] != 600000 {
		t.Fatalf("timeControls = %v", cfg.TimeControls)
	}
	if cfg.SweepIntervalSec != 0 {
		t.Fatalf("sweepIntervalSec = %d", cfg.SweepIntervalSec)
	}
	if cfg.BidDurationMs != 30000 || cfg.RematchWindowShortMs != 10000 {
		t.Fatalf("defaults lost: bid=%d short=%d", cfg.BidDurationMs, cfg.RematchWindowShortMs)
	}
}

func TestSupportsTimeControl(t *testing.T) {
	cfg := &AppConfig{TimeControls: []int64{300000, 600000}}
	if !cfg.SupportsTimeControl(300000) {
		t.Fatal("300000 should be supported")
	}
	if cfg.SupportsTimeControl(450000) {
		t.Fatal("450000 should not be supported")
	}
}
