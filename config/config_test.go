package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv blanks every variable Load reads so host settings don't leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"FEED_URL", "INSTRUMENTS", "GRANULARITY", "HISTORY_COUNT", "WINDOW_CAPACITY",
		"BACKOFF_BASE", "BACKOFF_MAX", "LIVENESS_TIMEOUT", "DIAL_TIMEOUT", "PING_INTERVAL",
		"SCAN_ON_CLOSE", "SCAN_INTERVAL", "RECENT_EVENTS", "NOTIFY_TIMEOUT",
		"PATTERN_CONFIG", "PATTERN_MIN_CANDLES", "PATTERN_RANGE_WINDOW", "PATTERN_BREAKOUT_THRESHOLD",
		"TELEGRAM_BOT_TOKEN", "TELEGRAM_CHAT_ID", "WEBHOOK_URL",
		"REDIS_ADDR", "REDIS_PASSWORD", "SQLITE_PATH", "HTTP_ADDR", "METRICS_ADDR", "LOG_LEVEL",
	} {
		t.Setenv(k, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.FeedURL != DefaultFeedURL {
		t.Errorf("FeedURL = %q", cfg.FeedURL)
	}
	if len(cfg.Instruments) != 1 || cfg.Instruments[0] != "R_10" {
		t.Errorf("Instruments = %v", cfg.Instruments)
	}
	if cfg.Granularity != 60 || cfg.HistoryCount != 100 || cfg.WindowCapacity != 100 {
		t.Errorf("unexpected feed defaults: %+v", cfg)
	}
	if cfg.BackoffBase != time.Second || cfg.BackoffMax != time.Minute {
		t.Errorf("backoff = %s/%s", cfg.BackoffBase, cfg.BackoffMax)
	}
	if !cfg.ScanOnClose || cfg.ScanInterval != 0 {
		t.Errorf("scan = %v/%s", cfg.ScanOnClose, cfg.ScanInterval)
	}
	if cfg.Pattern.MinCandles != 20 || cfg.Pattern.RangeWindow != 10 {
		t.Errorf("pattern defaults not applied: %+v", cfg.Pattern)
	}
	if cfg.HTTPAddr != ":8000" || cfg.MetricsAddr != ":9090" || cfg.LogLevel != "info" {
		t.Errorf("unexpected infra defaults: %+v", cfg)
	}
}

func TestLoad_Overrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("INSTRUMENTS", " R_10, R_25 ,,R_10")
	t.Setenv("GRANULARITY", "300")
	t.Setenv("SCAN_ON_CLOSE", "false")
	t.Setenv("SCAN_INTERVAL", "5s")
	t.Setenv("PATTERN_RANGE_WINDOW", "12")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got := strings.Join(cfg.Instruments, ","); got != "R_10,R_25" {
		t.Errorf("Instruments = %s", got)
	}
	if cfg.Granularity != 300 || cfg.ScanOnClose || cfg.ScanInterval != 5*time.Second {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Pattern.RangeWindow != 12 {
		t.Errorf("RangeWindow = %d", cfg.Pattern.RangeWindow)
	}

	rc := cfg.Registry()
	if rc.Granularity != 300 || rc.Pattern.RangeWindow != 12 || rc.Alert.RecentEvents != 50 {
		t.Errorf("Registry() = %+v", rc)
	}
}

func TestLoad_ParseErrors(t *testing.T) {
	clearEnv(t)
	t.Setenv("GRANULARITY", "abc")
	t.Setenv("BACKOFF_BASE", "soon")

	_, err := Load()
	if err == nil {
		t.Fatal("expected parse error")
	}
	for _, key := range []string{"GRANULARITY", "BACKOFF_BASE"} {
		if !strings.Contains(err.Error(), key) {
			t.Errorf("error %q does not mention %s", err, key)
		}
	}
}

func TestLoad_ValidationErrors(t *testing.T) {
	cases := map[string]map[string]string{
		"zero granularity":   {"GRANULARITY": "0"},
		"zero capacity":      {"WINDOW_CAPACITY": "0"},
		"max below base":     {"BACKOFF_BASE": "10s", "BACKOFF_MAX": "1s"},
		"no instruments":     {"INSTRUMENTS": ","},
		"telegram half":      {"TELEGRAM_BOT_TOKEN": "tok"},
		"bad pattern":        {"PATTERN_MIN_CANDLES": "2"},
		"capacity at min":    {"WINDOW_CAPACITY": "20"},
		"capacity tiny":      {"WINDOW_CAPACITY": "5"},
		"periodic too small": {"SCAN_ON_CLOSE": "false", "SCAN_INTERVAL": "5s", "WINDOW_CAPACITY": "19"},
		"both scan modes":    {"SCAN_INTERVAL": "5s"},
		"no scan mode":       {"SCAN_ON_CLOSE": "false"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Errorf("expected validation error for %v", env)
			}
		})
	}
}

func TestLoad_PatternFileThenEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "patterns.yaml")
	yml := "range_window: 15\nbreakout_threshold: 0.02\nconsolidation_threshold: 0.03\n"
	if err := os.WriteFile(path, []byte(yml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PATTERN_CONFIG", path)
	t.Setenv("PATTERN_BREAKOUT_THRESHOLD", "0.005")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Pattern.RangeWindow != 15 {
		t.Errorf("RangeWindow = %d, want 15 from file", cfg.Pattern.RangeWindow)
	}
	if cfg.Pattern.BreakoutThreshold != 0.005 {
		t.Errorf("BreakoutThreshold = %v, want env override", cfg.Pattern.BreakoutThreshold)
	}
	if cfg.Pattern.ConsolidationThreshold != 0.03 {
		t.Errorf("ConsolidationThreshold = %v", cfg.Pattern.ConsolidationThreshold)
	}
	if cfg.Pattern.MinCandles != 20 {
		t.Errorf("MinCandles = %d, want default", cfg.Pattern.MinCandles)
	}
}

func TestLoad_MissingPatternFile(t *testing.T) {
	clearEnv(t)
	t.Setenv("PATTERN_CONFIG", filepath.Join(t.TempDir(), "missing.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing pattern file")
	}
}

func TestLoadDotEnv(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	if err := os.WriteFile(path, []byte("INSTRUMENTS=R_50\nGRANULARITY=120\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// already-set values win over the file
	t.Setenv("GRANULARITY", "180")
	// godotenv treats an empty value as set, so unset it for the file to apply
	os.Unsetenv("INSTRUMENTS")

	if err := LoadDotEnv(path); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Instruments) != 1 || cfg.Instruments[0] != "R_50" {
		t.Errorf("Instruments = %v", cfg.Instruments)
	}
	if cfg.Granularity != 180 {
		t.Errorf("Granularity = %d, want existing env value", cfg.Granularity)
	}

	if err := LoadDotEnv(filepath.Join(dir, "absent.env")); err != nil {
		t.Errorf("missing file should be ignored, got %v", err)
	}
}
