// Package registry owns the per-instrument subscriptions of a running
// scanner: window, aggregator, feed client, dispatcher and the periodic
// scanner, with an explicit subscribe/unsubscribe lifecycle.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"patternwatch/internal/alert"
	"patternwatch/internal/metrics"
	"patternwatch/internal/model"
	"patternwatch/internal/notification"
	"patternwatch/internal/pattern"
)

var (
	ErrUnknownInstrument = errors.New("registry: unknown instrument")
	ErrAlreadySubscribed = errors.New("registry: instrument already subscribed")
	ErrClosed            = errors.New("registry: coordinator closed")
)

// Config is shared by every subscription.
type Config struct {
	FeedURL        string
	Granularity    int64
	HistoryCount   int
	WindowCapacity int

	DialTimeout     time.Duration
	LivenessTimeout time.Duration
	PingInterval    time.Duration
	BackoffBase     time.Duration
	BackoffMax      time.Duration

	ScanOnClose  bool          // scan closed candles right after each close
	ScanInterval time.Duration // periodic scan; exclusive with ScanOnClose

	Pattern pattern.Config
	Alert   alert.Config
}

// checkScan enforces exactly one scan mode and a window large enough for the
// engine to see MinCandles candles. Both modes would share one dispatcher
// memory while disagreeing about the forming candle.
func (c Config) checkScan() error {
	switch {
	case c.ScanOnClose && c.ScanInterval > 0:
		return errors.New("registry: scan-on-close and periodic scan are mutually exclusive")
	case !c.ScanOnClose && c.ScanInterval <= 0:
		return errors.New("registry: no scan mode enabled")
	}
	need := c.Pattern.MinCandles
	if c.ScanOnClose {
		need++ // the forming candle is excluded
	}
	if c.WindowCapacity < need {
		return fmt.Errorf("registry: window capacity %d cannot hold %d scanned candles", c.WindowCapacity, c.Pattern.MinCandles)
	}
	return nil
}

// Outlet is a named, buffered sink channel. Sends never block; a full
// channel drops the record and counts it.
type Outlet[T any] struct {
	Name string
	C    chan<- T
}

// HistoryStore serves previously persisted candles for warm starts.
type HistoryStore interface {
	LoadCandles(instrument string, granularity int64, limit int) ([]model.Candle, error)
}

// Deps are the optional collaborators of a Coordinator.
type Deps struct {
	Notifier notification.Notifier
	History  HistoryStore // seeds a new window before the first backfill
	Metrics  *metrics.Metrics
	Health   *metrics.HealthStatus
	Candles  []Outlet[model.InstrumentCandle]
	Events   []Outlet[model.PatternEvent]
	Log      *slog.Logger
}

// Info summarises one subscription for the read API.
type Info struct {
	Instrument  string `json:"instrument"`
	Granularity int64  `json:"granularity"`
	Capacity    int    `json:"capacity"`
	Candles     int    `json:"candles"`
	State       string `json:"state"`
	Sessions    uint64 `json:"sessions"`
	Rejected    uint64 `json:"rejected_ticks"`
}

// Coordinator is the process-wide registry of subscriptions.
type Coordinator struct {
	cfg    Config
	deps   Deps
	engine *pattern.Engine
	log    *slog.Logger

	mu     sync.Mutex
	subs   map[string]*subscription
	closed bool
}

// New validates the pattern configuration and returns an empty Coordinator.
func New(cfg Config, deps Deps) (*Coordinator, error) {
	engine, err := pattern.New(cfg.Pattern)
	if err != nil {
		return nil, err
	}
	if cfg.Granularity <= 0 {
		return nil, fmt.Errorf("registry: granularity must be > 0, got %d", cfg.Granularity)
	}
	if cfg.WindowCapacity <= 0 {
		return nil, fmt.Errorf("registry: window capacity must be > 0, got %d", cfg.WindowCapacity)
	}
	if err := cfg.checkScan(); err != nil {
		return nil, err
	}
	if deps.Log == nil {
		deps.Log = slog.Default()
	}
	return &Coordinator{
		cfg:    cfg,
		deps:   deps,
		engine: engine,
		log:    deps.Log.With(slog.String("component", "registry")),
		subs:   make(map[string]*subscription),
	}, nil
}

// Subscribe starts streaming instrument. The subscription runs until ctx is
// cancelled, Unsubscribe or Close. With a HistoryStore the window starts from
// the stored candles; the feed backfill then merges over them.
func (c *Coordinator) Subscribe(ctx context.Context, instrument string) error {
	return c.subscribe(ctx, instrument, true)
}

func (c *Coordinator) subscribe(ctx context.Context, instrument string, warm bool) error {
	instrument = strings.TrimSpace(instrument)
	if instrument == "" {
		return fmt.Errorf("%w: empty id", ErrUnknownInstrument)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if _, ok := c.subs[instrument]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadySubscribed, instrument)
	}

	s, err := c.newSubscription(instrument)
	if err != nil {
		return err
	}
	if warm {
		c.warmStart(s)
	}
	s.start(ctx)
	c.subs[instrument] = s
	c.log.Info("subscribed", slog.String("instrument", instrument))
	return nil
}

// Unsubscribe stops the feed and scanner of instrument and waits for both.
func (c *Coordinator) Unsubscribe(instrument string) error {
	c.mu.Lock()
	s, ok := c.subs[instrument]
	if ok {
		delete(c.subs, instrument)
	}
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstrument, instrument)
	}

	s.stop()
	c.forget(instrument)
	c.log.Info("unsubscribed", slog.String("instrument", instrument))
	return nil
}

// Resubscribe tears instrument down and subscribes again with an empty window.
func (c *Coordinator) Resubscribe(ctx context.Context, instrument string) error {
	if err := c.Unsubscribe(instrument); err != nil {
		return err
	}
	return c.subscribe(ctx, instrument, false)
}

func (c *Coordinator) warmStart(s *subscription) {
	if c.deps.History == nil {
		return
	}
	candles, err := c.deps.History.LoadCandles(s.instrument, c.cfg.Granularity, c.cfg.WindowCapacity)
	if err != nil {
		s.log.Warn("warm start failed", slog.String("error", err.Error()))
		return
	}
	if len(candles) > 0 {
		s.agg.HandleHistory(candles)
	}
}

// Snapshot returns a copy of instrument's candles, oldest first.
func (c *Coordinator) Snapshot(instrument string) ([]model.Candle, error) {
	s, err := c.get(instrument)
	if err != nil {
		return nil, err
	}
	return s.win.Snapshot(), nil
}

// RecentEvents returns the forwarded events of instrument, oldest first.
func (c *Coordinator) RecentEvents(instrument string) ([]model.PatternEvent, error) {
	s, err := c.get(instrument)
	if err != nil {
		return nil, err
	}
	return s.disp.RecentEvents(), nil
}

// Info describes one subscription.
func (c *Coordinator) Info(instrument string) (Info, error) {
	s, err := c.get(instrument)
	if err != nil {
		return Info{}, err
	}
	return s.info(), nil
}

// Instruments lists subscribed instruments in lexical order.
func (c *Coordinator) Instruments() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.subs))
	for k := range c.subs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Close tears down every subscription. Later Subscribe calls fail with ErrClosed.
func (c *Coordinator) Close() {
	c.mu.Lock()
	c.closed = true
	subs := c.subs
	c.subs = make(map[string]*subscription)
	c.mu.Unlock()

	var wg sync.WaitGroup
	for name, s := range subs {
		wg.Add(1)
		go func(name string, s *subscription) {
			defer wg.Done()
			s.stop()
			c.forget(name)
		}(name, s)
	}
	wg.Wait()
	c.log.Info("coordinator closed", slog.Int("subscriptions", len(subs)))
}

func (c *Coordinator) get(instrument string) (*subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.subs[instrument]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstrument, instrument)
	}
	return s, nil
}

func (c *Coordinator) forget(instrument string) {
	if c.deps.Metrics != nil {
		c.deps.Metrics.ForgetInstrument(instrument)
	}
	if c.deps.Health != nil {
		c.deps.Health.RemoveFeed(instrument)
	}
}
