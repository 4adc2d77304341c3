// Package agg translates feed payloads into CandleWindow operations.
//
// An Aggregator is bound to one window and is driven from that instrument's
// feed goroutine only. It validates ticks, records why they were dropped and
// reports each candle that closes so the caller can scan synchronously.
package agg

import (
	"log/slog"
	"sync/atomic"

	"patternwatch/internal/marketdata/window"
	"patternwatch/internal/model"
)

// Drop reasons reported through OnDroppedTick.
const (
	ReasonNonPositivePrice = "non_positive_price" // also NaN and ±Inf
	ReasonTimeRegression   = "time_regression"
	ReasonLateBucket       = "late_bucket"
	ReasonWrongInstrument  = "wrong_instrument"
)

// Aggregator folds ticks and backfill payloads into a window.
type Aggregator struct {
	win *window.Window
	log *slog.Logger

	lastEpoch int64
	hasLast   bool

	accepted atomic.Uint64
	dropped  atomic.Uint64

	// Hooks (optional, set before the feed starts)
	OnDroppedTick func(reason string)
	OnCandleClose func(closed model.Candle)
	OnTick        func(t model.Tick)
}

// New creates an Aggregator writing into win.
func New(win *window.Window, log *slog.Logger) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{
		win: win,
		log: log.With(slog.String("component", "agg"), slog.String("instrument", win.Instrument())),
	}
}

// HandleHistory merges a backfill payload into the window.
// Returns the number of buckets that were new to the window.
func (a *Aggregator) HandleHistory(candles []model.Candle) int {
	added := a.win.MergeHistory(candles)
	a.log.Info("history merged",
		slog.Int("received", len(candles)),
		slog.Int("added", added),
		slog.Int("window_len", a.win.Len()),
	)
	return added
}

// HandleTick validates a live tick and ingests it.
// Ticks at the same timestamp as the last accepted one are allowed; folding
// the same price into the same bucket again leaves the candle unchanged.
func (a *Aggregator) HandleTick(t model.Tick) bool {
	if t.Instrument != "" && t.Instrument != a.win.Instrument() {
		a.drop(ReasonWrongInstrument, t)
		return false
	}
	if !model.ValidPrice(t.Price) {
		a.drop(ReasonNonPositivePrice, t)
		return false
	}
	if a.hasLast && t.Epoch < a.lastEpoch {
		a.drop(ReasonTimeRegression, t)
		return false
	}

	outcome, closed := a.win.Ingest(t)
	if outcome == window.Rejected {
		a.drop(ReasonLateBucket, t)
		return false
	}

	a.lastEpoch = t.Epoch
	a.hasLast = true
	a.accepted.Add(1)

	if a.OnTick != nil {
		a.OnTick(t)
	}
	if closed != nil && a.OnCandleClose != nil {
		a.OnCandleClose(*closed)
	}
	return true
}

// Reset forgets the last accepted tick time, used when the window is cleared.
func (a *Aggregator) Reset() {
	a.hasLast = false
	a.lastEpoch = 0
}

// Accepted returns the number of ticks ingested.
func (a *Aggregator) Accepted() uint64 { return a.accepted.Load() }

// Dropped returns the number of ticks rejected for any reason.
func (a *Aggregator) Dropped() uint64 { return a.dropped.Load() }

// Window returns the window this aggregator writes to.
func (a *Aggregator) Window() *window.Window { return a.win }

func (a *Aggregator) drop(reason string, t model.Tick) {
	a.dropped.Add(1)
	a.log.Debug("tick dropped",
		slog.String("reason", reason),
		slog.Int64("epoch", t.Epoch),
		slog.Float64("price", t.Price),
	)
	if a.OnDroppedTick != nil {
		a.OnDroppedTick(reason)
	}
}
