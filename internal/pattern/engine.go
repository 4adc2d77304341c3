// Package pattern implements the rule-based chart-pattern detector.
//
// Detect is a pure function of its input: it reads the snapshot, never
// retains it, and returns events in a fixed rule order. Several rules may
// fire on the same scan.
package pattern

import (
	"fmt"
	"math"

	"patternwatch/internal/model"
)

// Engine evaluates the rule set against candle snapshots.
type Engine struct {
	cfg Config
}

// New validates cfg and returns an Engine.
func New(cfg Config) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Engine{cfg: cfg}, nil
}

// Config returns the engine's thresholds.
func (e *Engine) Config() Config { return e.cfg }

// Detect scans candles (oldest first) and returns every pattern that holds on
// the newest candle. Snapshots shorter than MinCandles yield nothing.
func (e *Engine) Detect(instrument string, candles []model.Candle) []model.PatternEvent {
	if len(candles) < e.cfg.MinCandles {
		return nil
	}

	s := scan{cfg: &e.cfg, cs: candles, instrument: instrument}
	s.doubleTopBottom()
	s.triangle()
	s.flag()
	s.wedge()
	s.breakout()
	return s.out
}

type scan struct {
	cfg        *Config
	cs         []model.Candle
	instrument string
	out        []model.PatternEvent
}

func (s *scan) at(i int) model.Candle { return s.cs[len(s.cs)+i] } // i < 0

func (s *scan) emit(kind model.PatternKind, rationale string) {
	s.out = append(s.out, model.PatternEvent{
		Kind:       kind,
		Instrument: s.instrument,
		DetectedAt: s.at(-1).OpenTime,
		Rationale:  rationale,
	})
}

// Two highs (lows) two bars apart within epsilon, confirmed by the newest
// candle closing against the move.
func (s *scan) doubleTopBottom() {
	last, third := s.at(-1), s.at(-3)
	eps := s.cfg.DoubleEpsilon

	if d := math.Abs(last.High - third.High); d < eps && last.Bearish() {
		s.emit(model.PatternDoubleTop,
			fmt.Sprintf("highs %.5g and %.5g within %.5g, bearish close", third.High, last.High, eps))
		return
	}
	if d := math.Abs(last.Low - third.Low); d < eps && last.Bullish() {
		s.emit(model.PatternDoubleBottom,
			fmt.Sprintf("lows %.5g and %.5g within %.5g, bullish close", third.Low, last.Low, eps))
	}
}

func (s *scan) triangle() {
	from, to := tail(s.cs, s.cfg.TriangleLookback), len(s.cs)
	span := maxHigh(s.cs, from, to) - minLow(s.cs, from, to)
	limit := s.cfg.TriangleRatio * meanClose(s.cs, from, to)
	if span < limit {
		s.emit(model.PatternSymmetricTriangle,
			fmt.Sprintf("range %.5g over last %d candles below %.5g", span, to-from, limit))
	}
}

func (s *scan) flag() {
	last, prev, pole := s.at(-1), s.at(-2), s.at(-s.cfg.FlagLookback)
	if !(last.Close > prev.Close && pole.Close < last.Close) {
		return
	}
	from, to := tail(s.cs, s.cfg.FlagRangeLookback), len(s.cs)
	lo := minLow(s.cs, from, to)
	width := (maxHigh(s.cs, from, to) - lo) / lo
	if width < s.cfg.FlagRangeThreshold {
		s.emit(model.PatternBullishFlag,
			fmt.Sprintf("close rising from %.5g to %.5g, range %.3f%% of low", pole.Close, last.Close, width*100))
	}
}

func (s *scan) wedge() {
	from, to := tail(s.cs, s.cfg.WedgeLookback), len(s.cs)
	dh := meanDiff(s.cs, from, to, high)
	dl := meanDiff(s.cs, from, to, low)

	switch {
	case dh < 0 && dl > 0:
		s.emit(model.PatternFallingWedge, fmt.Sprintf("highs falling %.5g/bar, lows rising %.5g/bar", dh, dl))
	case dh > 0 && dl < 0:
		s.emit(model.PatternRisingWedge, fmt.Sprintf("highs rising %.5g/bar, lows falling %.5g/bar", dh, dl))
	}
}

// breakout compares the newest candle with the RangeWindow candles before it.
func (s *scan) breakout() {
	n := len(s.cs)
	from, to := n-1-s.cfg.RangeWindow, n-1
	refHigh, refLow := maxHigh(s.cs, from, to), minLow(s.cs, from, to)

	if th := s.cfg.ConsolidationThreshold; th > 0 {
		lo, hi := closeRange(s.cs, from, to)
		if (hi-lo)/lo >= th {
			return
		}
	}

	last := s.at(-1)
	entry := last.Close
	halfRange := (refHigh - refLow) / 2

	if last.High > refHigh*(1+s.cfg.BreakoutThreshold) {
		risk := math.Abs(entry - refHigh)
		if risk == 0 {
			risk = halfRange
		}
		s.emitLevels(model.PatternBreakoutUp, entry, entry-risk, entry+s.cfg.RiskMultiple*risk,
			fmt.Sprintf("high %.5g broke %d-candle resistance %.5g", last.High, s.cfg.RangeWindow, refHigh))
	}
	if last.Low < refLow*(1-s.cfg.BreakoutThreshold) {
		risk := math.Abs(entry - refLow)
		if risk == 0 {
			risk = halfRange
		}
		s.emitLevels(model.PatternBreakoutDown, entry, entry+risk, entry-s.cfg.RiskMultiple*risk,
			fmt.Sprintf("low %.5g broke %d-candle support %.5g", last.Low, s.cfg.RangeWindow, refLow))
	}
}

func (s *scan) emitLevels(kind model.PatternKind, entry, stop, target float64, rationale string) {
	s.emit(kind, rationale)
	ev := &s.out[len(s.out)-1]
	ev.Entry = model.Float(entry)
	ev.StopLoss = model.Float(stop)
	ev.TakeProfit = model.Float(target)
}
