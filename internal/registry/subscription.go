package registry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"patternwatch/internal/alert"
	"patternwatch/internal/marketdata/agg"
	"patternwatch/internal/marketdata/feed"
	"patternwatch/internal/marketdata/window"
	"patternwatch/internal/metrics"
	"patternwatch/internal/model"
	"patternwatch/internal/pattern"
)

// subscription bundles everything one instrument needs. The window is written
// only by the feed goroutine; scans read it through snapshots.
type subscription struct {
	instrument string
	cfg        *Config
	deps       *Deps
	log        *slog.Logger

	win    *window.Window
	agg    *agg.Aggregator
	feed   *feed.Client
	engine *pattern.Engine
	disp   *alert.Dispatcher

	scanMu          sync.Mutex // serialises scan + dispatch
	periodicVersion uint64
	periodicScanned bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (c *Coordinator) newSubscription(instrument string) (*subscription, error) {
	log := c.deps.Log.With(slog.String("instrument", instrument))

	win, err := window.New(instrument, c.cfg.Granularity, c.cfg.WindowCapacity)
	if err != nil {
		return nil, err
	}
	s := &subscription{
		instrument: instrument,
		cfg:        &c.cfg,
		deps:       &c.deps,
		log:        log.With(slog.String("component", "subscription")),
		win:        win,
		agg:        agg.New(win, c.deps.Log),
		engine:     c.engine,
		disp:       alert.New(instrument, c.deps.Notifier, c.cfg.Alert, c.deps.Log),
	}

	s.feed, err = feed.New(feed.Config{
		URL:             c.cfg.FeedURL,
		Instrument:      instrument,
		Granularity:     c.cfg.Granularity,
		Count:           c.cfg.HistoryCount,
		DialTimeout:     c.cfg.DialTimeout,
		LivenessTimeout: c.cfg.LivenessTimeout,
		PingInterval:    c.cfg.PingInterval,
		BackoffBase:     c.cfg.BackoffBase,
		BackoffMax:      c.cfg.BackoffMax,
	}, s.agg, c.deps.Log)
	if err != nil {
		return nil, err
	}

	s.wire(c.deps.Metrics, c.deps.Health)
	return s, nil
}

// wire connects component hooks to metrics, health, sinks and scanning.
func (s *subscription) wire(m *metrics.Metrics, h *metrics.HealthStatus) {
	inst := s.instrument

	s.agg.OnTick = func(model.Tick) {
		if m != nil {
			m.TicksTotal.WithLabelValues(inst).Inc()
		}
		if h != nil {
			h.SetLastTickTime(inst, time.Now())
		}
	}
	s.agg.OnDroppedTick = func(reason string) {
		if m != nil {
			m.TicksDropped.WithLabelValues(inst, reason).Inc()
		}
	}
	s.agg.OnCandleClose = func(closed model.Candle) {
		if m != nil {
			m.CandlesClosed.WithLabelValues(inst).Inc()
			m.WindowLen.WithLabelValues(inst).Set(float64(s.win.Len()))
		}
		ic := model.InstrumentCandle{Instrument: inst, Granularity: s.win.Granularity(), Candle: closed}
		for _, o := range s.deps.Candles {
			offer(o, ic, m)
		}
		if s.cfg.ScanOnClose {
			s.scan(s.ctx, true)
		}
	}

	s.feed.OnStateChange = func(_, to feed.State) {
		if m != nil {
			m.FeedState.WithLabelValues(inst).Set(float64(to))
		}
		if h != nil {
			h.SetFeedState(inst, to.String())
		}
	}
	s.feed.OnReconnect = func(error, time.Duration) {
		if m != nil {
			m.FeedReconnects.WithLabelValues(inst).Inc()
		}
		if h != nil {
			h.IncReconnects(inst)
		}
	}
	s.feed.OnMalformed = func(reason string) {
		if m != nil {
			m.MalformedMessages.WithLabelValues(inst, reason).Inc()
		}
	}
	s.feed.OnBackfill = func(_, added int) {
		if m != nil {
			m.Backfills.WithLabelValues(inst).Inc()
			m.BackfillCandles.WithLabelValues(inst).Add(float64(added))
			m.WindowLen.WithLabelValues(inst).Set(float64(s.win.Len()))
		}
	}

	s.disp.OnEmit = func(ev model.PatternEvent) {
		if m != nil {
			m.AlertsSent.WithLabelValues(inst, string(ev.Kind)).Inc()
		}
		for _, o := range s.deps.Events {
			offer(o, ev, m)
		}
	}
	s.disp.OnDeliveryError = func(model.PatternEvent, error) {
		if m != nil {
			m.AlertsFailed.WithLabelValues(inst).Inc()
		}
	}
}

func (s *subscription) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	s.ctx, s.cancel = ctx, cancel

	if h := s.deps.Health; h != nil {
		h.SetFeedState(s.instrument, feed.Disconnected.String())
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.feed.Run(ctx); err != nil {
			s.log.Error("feed stopped", slog.String("error", err.Error()))
		}
	}()

	if s.cfg.ScanInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.scanLoop(ctx)
		}()
	}
}

// stop cancels the feed and the scanner together and waits for both.
func (s *subscription) stop() {
	s.cancel()
	s.wg.Wait()
}

func (s *subscription) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.ScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.scan(ctx, false)
		}
	}
}

// scan runs the engine and dispatches the result. closedOnly drops the
// forming candle. Periodic scans of an unchanged window are skipped, their
// result would be identical.
func (s *subscription) scan(ctx context.Context, closedOnly bool) int {
	s.scanMu.Lock()
	defer s.scanMu.Unlock()

	candles, version := s.win.SnapshotVersion()
	if closedOnly {
		if len(candles) > 0 {
			candles = candles[:len(candles)-1]
		}
	} else {
		if s.periodicScanned && version == s.periodicVersion {
			return 0
		}
		s.periodicVersion, s.periodicScanned = version, true
	}

	start := time.Now()
	events := s.engine.Detect(s.instrument, candles)
	n := s.disp.Dispatch(ctx, events)

	if m := s.deps.Metrics; m != nil {
		for _, ev := range events {
			m.PatternsDetected.WithLabelValues(s.instrument, string(ev.Kind)).Inc()
		}
		m.ScanDuration.WithLabelValues(s.instrument).Observe(time.Since(start).Seconds())
	}
	if len(events) > 0 {
		s.log.Debug("scan",
			slog.Int("candles", len(candles)),
			slog.Int("patterns", len(events)),
			slog.Int("forwarded", n),
		)
	}
	return n
}

func (s *subscription) info() Info {
	return Info{
		Instrument:  s.instrument,
		Granularity: s.win.Granularity(),
		Capacity:    s.win.Cap(),
		Candles:     s.win.Len(),
		State:       s.feed.State().String(),
		Sessions:    s.feed.Sessions(),
		Rejected:    s.agg.Dropped(),
	}
}

func offer[T any](o Outlet[T], v T, m *metrics.Metrics) {
	select {
	case o.C <- v:
	default:
		if m != nil {
			m.SinkDrops.WithLabelValues(o.Name).Inc()
		}
	}
}
