package config

import (
	"errors"
	"os"
	"strconv"
	"strings"

	yaml "gopkg.in/yaml.v3"
)

// AppConfig carries the full server configuration. Durations are milliseconds
// to match the wire contract and the persisted room records.
type AppConfig struct {
	Addr string `yaml:"addr"`

	RedisURL    string `yaml:"redis_url"`
	DatabaseURL string `yaml:"database_url"`

	// TimeControls are the matchmaking buckets (mainTimeMs values).
	TimeControls []int64 `yaml:"time_controls"`

	MainTimeMs           int64 `yaml:"main_time_ms"`
	BidDurationMs        int64 `yaml:"bid_duration_ms"`
	ChoiceDurationMs     int64 `yaml:"choice_duration_ms"`
	StartConfirmMs       int64 `yaml:"start_confirm_ms"`
	DisconnectGraceMs    int64 `yaml:"disconnect_grace_ms"`
	DisconnectTimeoutMs  int64 `yaml:"disconnect_timeout_ms"`
	RematchWindowMs      int64 `yaml:"rematch_window_ms"`
	RematchWindowShortMs int64 `yaml:"rematch_window_short_ms"`
	RoomMaxIdleMs        int64 `yaml:"room_max_idle_ms"`
	QueueStaleMs         int64 `yaml:"queue_stale_ms"`

	// SweepIntervalSec drives the optional registry sweep that pushes
	// deadline transitions to subscribers. 0 disables it; the lazy getState
	// path stays authoritative either way.
	SweepIntervalSec int `yaml:"sweep_interval_sec"`
}

// Load builds the config from an optional YAML file (CONFIG_FILE) overlaid by
// environment variables. Env wins over file, file wins over defaults.
func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		Addr:                 ":8080",
		TimeControls:         []int64{300000, 600000, 900000},
		MainTimeMs:           300000,
		BidDurationMs:        30000,
		ChoiceDurationMs:     30000,
		StartConfirmMs:       60000,
		DisconnectGraceMs:    10000,
		DisconnectTimeoutMs:  45000,
		RematchWindowMs:      60000,
		RematchWindowShortMs: 10000,
		RoomMaxIdleMs:        300000,
		QueueStaleMs:         300000,
		SweepIntervalSec:     60,
	}

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, err
		}
	}

	if v := strings.TrimSpace(os.Getenv("ADDR")); v != "" {
		cfg.Addr = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_URL")); v != "" {
		cfg.RedisURL = v
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.DatabaseURL = v
	}
	if v := strings.TrimSpace(os.Getenv("TIME_CONTROLS")); v != "" {
		var tcs []int64
		for _, p := range strings.Split(v, ",") {
			if n, err := strconv.ParseInt(strings.TrimSpace(p), 10, 64); err == nil && n > 0 {
				tcs = append(tcs, n)
			}
		}
		if len(tcs) > 0 {
			cfg.TimeControls = tcs
		}
	}
	overrideMs := func(env string, dst *int64) {
		if v := strings.TrimSpace(os.Getenv(env)); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	overrideMs("MAIN_TIME_MS", &cfg.MainTimeMs)
	overrideMs("BID_DURATION_MS", &cfg.BidDurationMs)
	overrideMs("CHOICE_DURATION_MS", &cfg.ChoiceDurationMs)
	overrideMs("START_CONFIRM_MS", &cfg.StartConfirmMs)
	overrideMs("DISCONNECT_GRACE_MS", &cfg.DisconnectGraceMs)
	overrideMs("DISCONNECT_TIMEOUT_MS", &cfg.DisconnectTimeoutMs)
	overrideMs("REMATCH_WINDOW_MS", &cfg.RematchWindowMs)
	overrideMs("REMATCH_WINDOW_SHORT_MS", &cfg.RematchWindowShortMs)
	overrideMs("ROOM_MAX_IDLE_MS", &cfg.RoomMaxIdleMs)
	overrideMs("QUEUE_STALE_MS", &cfg.QueueStaleMs)
	if v := strings.TrimSpace(os.Getenv("SWEEP_INTERVAL_SEC")); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			cfg.SweepIntervalSec = n
		}
	}

	if cfg.RedisURL == "" {
		return nil, errors.New("REDIS_URL is required")
	}
	return cfg, nil
}

// SupportsTimeControl reports whether mainTimeMs is a configured bucket.
func (c *AppConfig) SupportsTimeControl(mainTimeMs int64) bool {
	for _, tc := range c.TimeControls {
		if tc == mainTimeMs {
			return true
		}
	}
	return false
}
