package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"patternwatch/internal/alert"
	"patternwatch/internal/pattern"
	"patternwatch/internal/registry"
)

// DefaultFeedURL is the public Deriv websocket endpoint.
const DefaultFeedURL = "wss://ws.derivws.com/websockets/v3?app_id=1089"

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Feed
	FeedURL         string
	Instruments     []string
	Granularity     int64 // seconds
	HistoryCount    int
	WindowCapacity  int
	BackoffBase     time.Duration
	BackoffMax      time.Duration
	LivenessTimeout time.Duration
	DialTimeout     time.Duration
	PingInterval    time.Duration

	// Scanning and alerts
	ScanOnClose   bool
	ScanInterval  time.Duration
	RecentEvents  int
	NotifyTimeout time.Duration
	Pattern       pattern.Config

	// Notifiers (empty = disabled)
	TelegramBotToken string
	TelegramChatID   string
	WebhookURL       string

	// Infrastructure (empty = disabled)
	RedisAddr     string
	RedisPassword string
	SQLitePath    string
	HTTPAddr      string
	MetricsAddr   string
	LogLevel      string
}

// LoadDotEnv loads KEY=VALUE pairs from path into the environment without
// overriding variables that are already set. A missing file is not an error.
func LoadDotEnv(path string) error {
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// Load reads configuration from environment variables with sensible defaults.
// Pattern thresholds start from pattern.DefaultConfig, then the YAML file named
// by PATTERN_CONFIG (if any), then PATTERN_* variables.
func Load() (*Config, error) {
	p := &parser{}

	cfg := &Config{
		FeedURL:         getEnv("FEED_URL", DefaultFeedURL),
		Instruments:     splitList(getEnv("INSTRUMENTS", "R_10")),
		Granularity:     p.int64("GRANULARITY", 60),
		HistoryCount:    p.int("HISTORY_COUNT", 100),
		WindowCapacity:  p.int("WINDOW_CAPACITY", 100),
		BackoffBase:     p.duration("BACKOFF_BASE", time.Second),
		BackoffMax:      p.duration("BACKOFF_MAX", 60*time.Second),
		LivenessTimeout: p.duration("LIVENESS_TIMEOUT", 30*time.Second),
		DialTimeout:     p.duration("DIAL_TIMEOUT", 10*time.Second),
		PingInterval:    p.duration("PING_INTERVAL", 30*time.Second),

		ScanOnClose:   p.bool("SCAN_ON_CLOSE", true),
		ScanInterval:  p.duration("SCAN_INTERVAL", 0),
		RecentEvents:  p.int("RECENT_EVENTS", 50),
		NotifyTimeout: p.duration("NOTIFY_TIMEOUT", 10*time.Second),

		TelegramBotToken: getEnv("TELEGRAM_BOT_TOKEN", ""),
		TelegramChatID:   getEnv("TELEGRAM_CHAT_ID", ""),
		WebhookURL:       getEnv("WEBHOOK_URL", ""),

		RedisAddr:     getEnv("REDIS_ADDR", ""),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		SQLitePath:    getEnv("SQLITE_PATH", ""),
		HTTPAddr:      getEnv("HTTP_ADDR", ":8000"),
		MetricsAddr:   getEnv("METRICS_ADDR", ":9090"),
		LogLevel:      getEnv("LOG_LEVEL", "info"),
	}

	pc, err := loadPatternFile(getEnv("PATTERN_CONFIG", ""))
	if err != nil {
		return nil, err
	}
	pc.MinCandles = p.int("PATTERN_MIN_CANDLES", pc.MinCandles)
	pc.DoubleEpsilon = p.float("PATTERN_DOUBLE_EPSILON", pc.DoubleEpsilon)
	pc.TriangleLookback = p.int("PATTERN_TRIANGLE_LOOKBACK", pc.TriangleLookback)
	pc.TriangleRatio = p.float("PATTERN_TRIANGLE_RATIO", pc.TriangleRatio)
	pc.FlagLookback = p.int("PATTERN_FLAG_LOOKBACK", pc.FlagLookback)
	pc.FlagRangeLookback = p.int("PATTERN_FLAG_RANGE_LOOKBACK", pc.FlagRangeLookback)
	pc.FlagRangeThreshold = p.float("PATTERN_FLAG_RANGE_THRESHOLD", pc.FlagRangeThreshold)
	pc.WedgeLookback = p.int("PATTERN_WEDGE_LOOKBACK", pc.WedgeLookback)
	pc.RangeWindow = p.int("PATTERN_RANGE_WINDOW", pc.RangeWindow)
	pc.BreakoutThreshold = p.float("PATTERN_BREAKOUT_THRESHOLD", pc.BreakoutThreshold)
	pc.RiskMultiple = p.float("PATTERN_RISK_MULTIPLE", pc.RiskMultiple)
	pc.ConsolidationThreshold = p.float("PATTERN_CONSOLIDATION_THRESHOLD", pc.ConsolidationThreshold)
	cfg.Pattern = pc

	if err := errors.Join(p.errs...); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadPatternFile overlays the YAML file at path onto the default thresholds.
// Keys missing from the file keep their defaults.
func loadPatternFile(path string) (pattern.Config, error) {
	pc := pattern.DefaultConfig()
	if path == "" {
		return pc, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return pc, fmt.Errorf("config: read pattern config: %w", err)
	}
	if err := yaml.Unmarshal(data, &pc); err != nil {
		return pc, fmt.Errorf("config: parse pattern config %s: %w", path, err)
	}
	return pc, nil
}

// Validate fails fast on values the pipeline cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.FeedURL == "" {
		errs = append(errs, errors.New("FEED_URL is empty"))
	}
	if len(c.Instruments) == 0 {
		errs = append(errs, errors.New("INSTRUMENTS is empty"))
	}
	if c.Granularity <= 0 {
		errs = append(errs, fmt.Errorf("GRANULARITY must be > 0, got %d", c.Granularity))
	}
	if c.WindowCapacity <= 0 {
		errs = append(errs, fmt.Errorf("WINDOW_CAPACITY must be > 0, got %d", c.WindowCapacity))
	}
	if c.HistoryCount <= 0 {
		errs = append(errs, fmt.Errorf("HISTORY_COUNT must be > 0, got %d", c.HistoryCount))
	}
	if c.BackoffBase <= 0 {
		errs = append(errs, fmt.Errorf("BACKOFF_BASE must be > 0, got %s", c.BackoffBase))
	}
	if c.BackoffMax < c.BackoffBase {
		errs = append(errs, fmt.Errorf("BACKOFF_MAX (%s) must be >= BACKOFF_BASE (%s)", c.BackoffMax, c.BackoffBase))
	}
	switch {
	case c.ScanOnClose && c.ScanInterval > 0:
		errs = append(errs, errors.New("SCAN_ON_CLOSE and SCAN_INTERVAL are mutually exclusive"))
	case !c.ScanOnClose && c.ScanInterval <= 0:
		errs = append(errs, errors.New("no scan mode: set SCAN_ON_CLOSE=true or SCAN_INTERVAL > 0"))
	}
	// scan-on-close drops the forming candle, so it needs one spare slot
	if need := c.Pattern.MinCandles + boolInt(c.ScanOnClose); c.WindowCapacity < need {
		errs = append(errs, fmt.Errorf("WINDOW_CAPACITY (%d) must be >= %d to hold PATTERN_MIN_CANDLES (%d) scanned candles",
			c.WindowCapacity, need, c.Pattern.MinCandles))
	}
	if c.LivenessTimeout <= 0 {
		errs = append(errs, fmt.Errorf("LIVENESS_TIMEOUT must be > 0, got %s", c.LivenessTimeout))
	}
	if (c.TelegramBotToken == "") != (c.TelegramChatID == "") {
		errs = append(errs, errors.New("TELEGRAM_BOT_TOKEN and TELEGRAM_CHAT_ID must be set together"))
	}
	if err := c.Pattern.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("pattern: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// Registry returns the coordinator settings.
func (c *Config) Registry() registry.Config {
	return registry.Config{
		FeedURL:         c.FeedURL,
		Granularity:     c.Granularity,
		HistoryCount:    c.HistoryCount,
		WindowCapacity:  c.WindowCapacity,
		DialTimeout:     c.DialTimeout,
		LivenessTimeout: c.LivenessTimeout,
		PingInterval:    c.PingInterval,
		BackoffBase:     c.BackoffBase,
		BackoffMax:      c.BackoffMax,
		ScanOnClose:     c.ScanOnClose,
		ScanInterval:    c.ScanInterval,
		Pattern:         c.Pattern,
		Alert:           c.Alert(),
	}
}

// Alert returns the dispatcher settings.
func (c *Config) Alert() alert.Config {
	return alert.Config{NotifyTimeout: c.NotifyTimeout, RecentEvents: c.RecentEvents}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// splitList parses a comma-separated list, trimming blanks and duplicates.
func splitList(s string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" || seen[part] {
			continue
		}
		seen[part] = true
		out = append(out, part)
	}
	return out
}

func getEnv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

// parser reads typed variables and collects every parse error.
type parser struct {
	errs []error
}

func (p *parser) fail(key, v string, err error) {
	p.errs = append(p.errs, fmt.Errorf("%s=%q: %w", key, v, err))
}

func (p *parser) int(key string, fallback int) int {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return n
}

func (p *parser) int64(key string, fallback int64) int64 {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return n
}

func (p *parser) float(key string, fallback float64) float64 {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return f
}

func (p *parser) bool(key string, fallback bool) bool {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return b
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := getEnv(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return fallback
	}
	return d
}
