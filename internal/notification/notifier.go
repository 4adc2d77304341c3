// Package notification delivers pattern alerts to external channels
// (log, Telegram, webhooks).
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"patternwatch/internal/model"
)

// Notifier is the interface for all notification backends.
type Notifier interface {
	// Notify delivers one event. Returns a *DeliveryError if delivery fails.
	Notify(ctx context.Context, instrument string, ev model.PatternEvent) error
}

// DeliveryError reports a failed delivery on one channel.
type DeliveryError struct {
	Channel string
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("notify %s: %v", e.Channel, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func deliveryErr(channel string, format string, args ...any) error {
	return &DeliveryError{Channel: channel, Err: fmt.Errorf(format, args...)}
}

// LogNotifier writes alerts to the structured log (useful for development).
type LogNotifier struct {
	log *slog.Logger
}

// NewLogNotifier creates a log-based notifier.
func NewLogNotifier(log *slog.Logger) *LogNotifier {
	if log == nil {
		log = slog.Default()
	}
	return &LogNotifier{log: log.With(slog.String("component", "notify"))}
}

func (n *LogNotifier) Notify(ctx context.Context, instrument string, ev model.PatternEvent) error {
	attrs := []slog.Attr{
		slog.String("instrument", instrument),
		slog.String("kind", string(ev.Kind)),
		slog.String("id", ev.ID),
		slog.Int64("detected_at", ev.DetectedAt),
		slog.String("rationale", ev.Rationale),
	}
	if ev.Entry != nil {
		attrs = append(attrs,
			slog.String("entry", Price(*ev.Entry)),
			slog.String("stop_loss", Price(*ev.StopLoss)),
			slog.String("take_profit", Price(*ev.TakeProfit)),
		)
	}
	n.log.LogAttrs(ctx, slog.LevelInfo, Headline(instrument, ev), attrs...)
	return nil
}

// Multi fans one event out to several notifiers. Every notifier is tried;
// failures are joined.
type Multi []Notifier

func (m Multi) Notify(ctx context.Context, instrument string, ev model.PatternEvent) error {
	var errs []error
	for _, n := range m {
		if err := n.Notify(ctx, instrument, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// NotifierFunc adapts a function to the Notifier interface.
type NotifierFunc func(ctx context.Context, instrument string, ev model.PatternEvent) error

func (f NotifierFunc) Notify(ctx context.Context, instrument string, ev model.PatternEvent) error {
	return f(ctx, instrument, ev)
}
