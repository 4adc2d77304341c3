// Package alert turns per-scan pattern results into de-duplicated
// notifications for one instrument.
//
// The dispatcher remembers which kinds fired on the previous non-neutral scan.
// A kind is forwarded when it appears without having been active on that
// scan; a scan with no patterns at all clears the memory.
package alert

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"patternwatch/internal/model"
	"patternwatch/internal/notification"
	"patternwatch/internal/ringbuf"
)

// Config tunes delivery.
type Config struct {
	NotifyTimeout time.Duration // per Notify call, default 10s
	RecentEvents  int           // history kept for the read API, default 50
}

func (c *Config) defaults() {
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 10 * time.Second
	}
	if c.RecentEvents <= 0 {
		c.RecentEvents = 50
	}
}

// Dispatcher forwards newly active patterns to a notifier.
type Dispatcher struct {
	instrument string
	notifier   notification.Notifier
	cfg        Config
	log        *slog.Logger

	dispatchMu sync.Mutex
	active     map[model.PatternKind]struct{}

	mu     sync.RWMutex
	recent *ringbuf.Ring[model.PatternEvent]

	newID func() string

	// Optional hooks, set before the first Dispatch.
	OnEmit          func(ev model.PatternEvent)
	OnDeliveryError func(ev model.PatternEvent, err error)
}

// New creates a dispatcher for instrument.
func New(instrument string, n notification.Notifier, cfg Config, log *slog.Logger) *Dispatcher {
	cfg.defaults()
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		instrument: instrument,
		notifier:   n,
		cfg:        cfg,
		log:        log.With(slog.String("component", "alert"), slog.String("instrument", instrument)),
		active:     make(map[model.PatternKind]struct{}),
		recent:     ringbuf.New[model.PatternEvent](cfg.RecentEvents),
		newID:      uuid.NewString,
	}
}

// Dispatch applies one scan's results and returns how many events were
// forwarded. Delivery failures are logged and counted but never retried, and
// the memory advances regardless.
func (d *Dispatcher) Dispatch(ctx context.Context, events []model.PatternEvent) int {
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()

	if len(events) == 0 {
		if len(d.active) > 0 {
			d.log.Debug("neutral scan, memory cleared")
			clear(d.active)
		}
		return 0
	}

	current := make(map[model.PatternKind]struct{}, len(events))
	var fresh []model.PatternEvent
	for _, ev := range events {
		if _, seen := current[ev.Kind]; seen {
			continue
		}
		current[ev.Kind] = struct{}{}
		if _, was := d.active[ev.Kind]; !was {
			fresh = append(fresh, ev)
		}
	}
	d.active = current

	for _, ev := range fresh {
		d.emit(ctx, ev)
	}
	return len(fresh)
}

func (d *Dispatcher) emit(ctx context.Context, ev model.PatternEvent) {
	ev.ID = d.newID()
	if ev.Instrument == "" {
		ev.Instrument = d.instrument
	}

	d.mu.Lock()
	d.recent.Push(ev)
	d.mu.Unlock()

	if d.OnEmit != nil {
		d.OnEmit(ev)
	}
	if d.notifier == nil {
		return
	}

	nctx, cancel := context.WithTimeout(ctx, d.cfg.NotifyTimeout)
	err := d.notifier.Notify(nctx, d.instrument, ev)
	cancel()
	if err != nil {
		d.log.Error("alert delivery failed",
			slog.String("kind", string(ev.Kind)),
			slog.String("id", ev.ID),
			slog.String("error", err.Error()),
		)
		if d.OnDeliveryError != nil {
			d.OnDeliveryError(ev, err)
		}
		return
	}
	d.log.Info("alert sent", slog.String("kind", string(ev.Kind)), slog.String("id", ev.ID))
}

// RecentEvents returns forwarded events, oldest first.
func (d *Dispatcher) RecentEvents() []model.PatternEvent {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.recent.Slice()
}

// Active returns the kinds remembered from the last non-neutral scan.
func (d *Dispatcher) Active() []model.PatternKind {
	d.dispatchMu.Lock()
	defer d.dispatchMu.Unlock()
	out := make([]model.PatternKind, 0, len(d.active))
	for k := range d.active {
		out = append(out, k)
	}
	return out
}

// Reset forgets the signal memory. Recent events are kept.
func (d *Dispatcher) Reset() {
	d.dispatchMu.Lock()
	clear(d.active)
	d.dispatchMu.Unlock()
}
