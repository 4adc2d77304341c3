package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	goredis "github.com/go-redis/redis/v8"

	"patternwatch/internal/model"
)

const (
	defaultLatestTTL    = 30 * time.Minute
	defaultRecentEvents = 100
	defaultWriteTimeout = 2 * time.Second
)

// Config configures the Redis publisher.
type Config struct {
	Addr     string // Redis address, e.g. "localhost:6379"
	Password string
	DB       int

	MaxFailures  int           // consecutive failures before the breaker opens (default 5)
	Cooldown     time.Duration // open duration before a probe (default 10s)
	RecentEvents int           // length of the per-instrument events list (default 100)
	LatestTTL    time.Duration // TTL of the latest-candle key (default 30m)
	WriteTimeout time.Duration // per-pipeline timeout (default 2s)
}

func (c *Config) defaults() {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 10 * time.Second
	}
	if c.RecentEvents <= 0 {
		c.RecentEvents = defaultRecentEvents
	}
	if c.LatestTTL <= 0 {
		c.LatestTTL = defaultLatestTTL
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = defaultWriteTimeout
	}
}

// Key layout.
func LatestCandleKey(instrument string, granularity int64) string {
	return "candle:" + strconv.FormatInt(granularity, 10) + "s:latest:" + instrument
}

func CandleChannel(instrument string, granularity int64) string {
	return "pub:candle:" + strconv.FormatInt(granularity, 10) + "s:" + instrument
}

func PatternChannel(instrument string) string { return "pub:pattern:" + instrument }

func EventsKey(instrument string) string { return "events:" + instrument }

// Publisher relays closed candles and pattern events to Redis for downstream
// consumers. Every pipeline goes through a circuit breaker; while it is open
// writes are skipped, never queued. It implements model.CandleSink and
// model.EventSink.
type Publisher struct {
	client *goredis.Client
	cb     *CircuitBreaker
	cfg    Config
	log    *slog.Logger

	// Optional hooks for metrics.
	OnWrite   func(took time.Duration)
	OnSkipped func()
}

// New connects to Redis and pings the server.
func New(cfg Config, log *slog.Logger) (*Publisher, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	p := NewWithClient(client, cfg, log)
	p.log.Info("connected", slog.String("addr", cfg.Addr))
	return p, nil
}

// NewWithClient wraps an existing client without pinging it.
func NewWithClient(client *goredis.Client, cfg Config, log *slog.Logger) *Publisher {
	cfg.defaults()
	if log == nil {
		log = slog.Default()
	}
	return &Publisher{
		client: client,
		cb:     NewCircuitBreaker(cfg.MaxFailures, cfg.Cooldown),
		cfg:    cfg,
		log:    log.With(slog.String("component", "redis")),
	}
}

// Client returns the underlying Redis client for health checks.
func (p *Publisher) Client() *goredis.Client { return p.client }

// Breaker returns the circuit breaker guarding writes.
func (p *Publisher) Breaker() *CircuitBreaker { return p.cb }

// RunCandles publishes closed candles until ctx is cancelled or ch is closed.
func (p *Publisher) RunCandles(ctx context.Context, ch <-chan model.InstrumentCandle) {
	for {
		select {
		case <-ctx.Done():
			return
		case c, ok := <-ch:
			if !ok {
				return
			}
			p.PublishCandle(ctx, c)
		}
	}
}

// RunEvents publishes pattern events until ctx is cancelled or ch is closed.
func (p *Publisher) RunEvents(ctx context.Context, ch <-chan model.PatternEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			p.PublishEvent(ctx, ev)
		}
	}
}

// PublishCandle sets the instrument's latest candle and publishes it.
func (p *Publisher) PublishCandle(ctx context.Context, c model.InstrumentCandle) error {
	data := string(c.JSON())
	return p.pipeline(ctx, "candle", func(pipe goredis.Pipeliner) {
		pipe.Set(ctx, LatestCandleKey(c.Instrument, c.Granularity), data, p.cfg.LatestTTL)
		pipe.Publish(ctx, CandleChannel(c.Instrument, c.Granularity), data)
	})
}

// PublishEvent publishes the event and prepends it to the instrument's
// bounded recent-events list.
func (p *Publisher) PublishEvent(ctx context.Context, ev model.PatternEvent) error {
	data := string(ev.JSON())
	key := EventsKey(ev.Instrument)
	return p.pipeline(ctx, "pattern", func(pipe goredis.Pipeliner) {
		pipe.Publish(ctx, PatternChannel(ev.Instrument), data)
		pipe.LPush(ctx, key, data)
		pipe.LTrim(ctx, key, 0, int64(p.cfg.RecentEvents-1))
	})
}

// RecentEvents returns up to limit stored events for instrument, newest first.
func (p *Publisher) RecentEvents(ctx context.Context, instrument string, limit int) ([]model.PatternEvent, error) {
	if limit <= 0 {
		limit = p.cfg.RecentEvents
	}
	vals, err := p.client.LRange(ctx, EventsKey(instrument), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis LRANGE %s: %w", EventsKey(instrument), err)
	}
	events := make([]model.PatternEvent, 0, len(vals))
	for _, v := range vals {
		var ev model.PatternEvent
		if err := json.Unmarshal([]byte(v), &ev); err != nil {
			return nil, fmt.Errorf("redis decode event: %w", err)
		}
		events = append(events, ev)
	}
	return events, nil
}

func (p *Publisher) pipeline(ctx context.Context, what string, fill func(goredis.Pipeliner)) error {
	err := p.cb.Execute(func() error {
		ctx, cancel := context.WithTimeout(ctx, p.cfg.WriteTimeout)
		defer cancel()

		start := time.Now()
		pipe := p.client.Pipeline()
		fill(pipe)
		_, err := pipe.Exec(ctx)
		if err == nil && p.OnWrite != nil {
			p.OnWrite(time.Since(start))
		}
		return err
	})
	switch {
	case err == nil:
		return nil
	case err == ErrCircuitOpen:
		if p.OnSkipped != nil {
			p.OnSkipped()
		}
	default:
		p.log.Warn("pipeline failed", slog.String("kind", what), slog.String("error", err.Error()))
	}
	return err
}

// Close closes the Redis client.
func (p *Publisher) Close() error {
	return p.client.Close()
}
