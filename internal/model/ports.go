package model

import (
	"context"
	"encoding/json"
)

// ── Sink Port Interfaces ──
// Optional persistence and relay backends (SQLite, Redis) implement these.
// The core never blocks on them: callers hand values over through buffered
// channels and drop on overflow.

// CandleSink receives closed candles.
type CandleSink interface {
	// RunCandles reads closed candles until ctx is cancelled or ch is closed.
	RunCandles(ctx context.Context, ch <-chan InstrumentCandle)
}

// EventSink receives dispatched pattern events.
type EventSink interface {
	// RunEvents reads events until ctx is cancelled or ch is closed.
	RunEvents(ctx context.Context, ch <-chan PatternEvent)
}

// InstrumentCandle pairs a closed candle with its instrument and granularity.
type InstrumentCandle struct {
	Instrument  string `json:"instrument"`
	Granularity int64  `json:"granularity"`
	Candle
}

// JSON returns the JSON-encoded value.
func (c InstrumentCandle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}
