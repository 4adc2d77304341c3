package model

import (
	"encoding/json"
	"time"
)

// PatternKind tags a detected chart pattern.
type PatternKind string

const (
	PatternDoubleTop         PatternKind = "double_top"
	PatternDoubleBottom      PatternKind = "double_bottom"
	PatternSymmetricTriangle PatternKind = "symmetric_triangle"
	PatternBullishFlag       PatternKind = "bullish_flag"
	PatternFallingWedge      PatternKind = "falling_wedge"
	PatternRisingWedge       PatternKind = "rising_wedge"
	PatternBreakoutUp        PatternKind = "breakout_up"
	PatternBreakoutDown      PatternKind = "breakout_down"
)

var patternLabels = map[PatternKind]string{
	PatternDoubleTop:         "🔻 Possible Double Top detected",
	PatternDoubleBottom:      "🔺 Possible Double Bottom detected",
	PatternSymmetricTriangle: "🔺 Symmetrical Triangle forming",
	PatternBullishFlag:       "🚩 Possible Bullish Flag or Pennant",
	PatternFallingWedge:      "🔻 Falling Wedge forming (bullish)",
	PatternRisingWedge:       "🔺 Rising Wedge forming (bearish)",
	PatternBreakoutUp:        "🚨 Breakout Detected (BUY)",
	PatternBreakoutDown:      "🚨 Breakout Detected (SELL)",
}

// Label returns the human-readable alert headline for the kind.
func (k PatternKind) Label() string {
	if l, ok := patternLabels[k]; ok {
		return l
	}
	return string(k)
}

// Breakout reports whether the kind carries entry/stop/target levels.
func (k PatternKind) Breakout() bool {
	return k == PatternBreakoutUp || k == PatternBreakoutDown
}

// PatternEvent is the immutable result of one rule firing on one scan.
// It holds plain values only, never references into a candle window.
type PatternEvent struct {
	ID         string      `json:"id,omitempty"` // assigned when dispatched
	Kind       PatternKind `json:"kind"`
	Instrument string      `json:"instrument"`
	DetectedAt int64       `json:"detected_at"` // OpenTime of the triggering candle

	// Breakout-style patterns only.
	Entry      *float64 `json:"entry,omitempty"`
	StopLoss   *float64 `json:"stop_loss,omitempty"`
	TakeProfit *float64 `json:"take_profit,omitempty"`

	Rationale string `json:"rationale"`
}

// DetectedTime returns DetectedAt as a UTC time.
func (e PatternEvent) DetectedTime() time.Time {
	return time.Unix(e.DetectedAt, 0).UTC()
}

// JSON returns the JSON-encoded event.
func (e PatternEvent) JSON() []byte {
	b, _ := json.Marshal(e)
	return b
}

// Float returns a pointer to a copy of v, for the optional price levels.
func Float(v float64) *float64 { return &v }
