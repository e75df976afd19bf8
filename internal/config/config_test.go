package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.App.HTTPAddr != ":8000" {
		t.Errorf("HTTPAddr = %q, want :8000", cfg.App.HTTPAddr)
	}
	if cfg.App.ScheduleInterval != 5*time.Minute {
		t.Errorf("ScheduleInterval = %v, want 5m", cfg.App.ScheduleInterval)
	}
	if cfg.Browser.Headless {
		t.Error("Headless should default to false")
	}
	if cfg.Delays.BetweenPagesMin != 25*time.Second || cfg.Delays.BetweenPagesMax != 50*time.Second {
		t.Errorf("BetweenPages delays = %v..%v, want 25s..50s",
			cfg.Delays.BetweenPagesMin, cfg.Delays.BetweenPagesMax)
	}
}

func TestLoadParsesDurationStrings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	content := `{
		"app": {"log_level": "debug", "schedule_interval": "90s", "dedup_window": "1h"},
		"delays": {"page_load_min": "1s", "page_load_max": "2s"}
	}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.App.ScheduleInterval != 90*time.Second {
		t.Errorf("ScheduleInterval = %v, want 90s", cfg.App.ScheduleInterval)
	}
	if cfg.App.DedupWindow != time.Hour {
		t.Errorf("DedupWindow = %v, want 1h", cfg.App.DedupWindow)
	}
	if cfg.App.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.App.LogLevel)
	}
	if cfg.Delays.PageLoadMin != time.Second || cfg.Delays.PageLoadMax != 2*time.Second {
		t.Errorf("PageLoad delays = %v..%v, want 1s..2s", cfg.Delays.PageLoadMin, cfg.Delays.PageLoadMax)
	}
	// 文件里没写的延迟保持默认
	if cfg.Delays.ScrollMin == 0 {
		t.Error("ScrollMin should fall back to default")
	}
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(path, []byte(`{"app": {"schedule_interval": "often"}}`), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Error("Load() should fail on unparsable duration")
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("APP_HTTP_ADDR", ":9000")
	t.Setenv("REDIS_ADDR", "localhost:6380")
	t.Setenv("CRAWLER_HEADLESS", "true")
	t.Setenv("APP_RATE_LIMIT", "0.5")

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.App.HTTPAddr != ":9000" {
		t.Errorf("HTTPAddr = %q, want :9000", cfg.App.HTTPAddr)
	}
	if cfg.Redis.Addr != "localhost:6380" {
		t.Errorf("Redis.Addr = %q, want localhost:6380", cfg.Redis.Addr)
	}
	if !cfg.Browser.Headless {
		t.Error("Headless should be overridden to true")
	}
	if cfg.App.RateLimit != 0.5 {
		t.Errorf("RateLimit = %v, want 0.5", cfg.App.RateLimit)
	}
}

func TestConfigJSONRoundTrip(t *testing.T) {
	cfg := getDefaultConfig()
	data, err := json.Marshal(cfg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	decoded := &Config{}
	if err := json.Unmarshal(data, decoded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if decoded.App.ScheduleInterval != cfg.App.ScheduleInterval {
		t.Errorf("ScheduleInterval = %v, want %v", decoded.App.ScheduleInterval, cfg.App.ScheduleInterval)
	}
	if decoded.Delays.BetweenPagesMax != cfg.Delays.BetweenPagesMax {
		t.Errorf("BetweenPagesMax = %v, want %v", decoded.Delays.BetweenPagesMax, cfg.Delays.BetweenPagesMax)
	}
}
