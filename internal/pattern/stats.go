package pattern

import "patternwatch/internal/model"

// Helpers over the half-open index range [from, to) of a snapshot.
// Callers guarantee 0 <= from < to <= len(cs).

func maxHigh(cs []model.Candle, from, to int) float64 {
	m := cs[from].High
	for i := from + 1; i < to; i++ {
		if cs[i].High > m {
			m = cs[i].High
		}
	}
	return m
}

func minLow(cs []model.Candle, from, to int) float64 {
	m := cs[from].Low
	for i := from + 1; i < to; i++ {
		if cs[i].Low < m {
			m = cs[i].Low
		}
	}
	return m
}

func meanClose(cs []model.Candle, from, to int) float64 {
	var sum float64
	for i := from; i < to; i++ {
		sum += cs[i].Close
	}
	return sum / float64(to-from)
}

func closeRange(cs []model.Candle, from, to int) (lo, hi float64) {
	lo, hi = cs[from].Close, cs[from].Close
	for i := from + 1; i < to; i++ {
		if c := cs[i].Close; c < lo {
			lo = c
		} else if c > hi {
			hi = c
		}
	}
	return lo, hi
}

// meanDiff is the mean first difference of a series over [from, to), which
// telescopes to (last - first) / (n - 1).
func meanDiff(cs []model.Candle, from, to int, field func(model.Candle) float64) float64 {
	if to-from < 2 {
		return 0
	}
	return (field(cs[to-1]) - field(cs[from])) / float64(to-from-1)
}

func high(c model.Candle) float64 { return c.High }
func low(c model.Candle) float64  { return c.Low }

// tail returns the start index of the last n candles, or 0 when n is 0 or
// larger than the snapshot.
func tail(cs []model.Candle, n int) int {
	if n <= 0 || n > len(cs) {
		return 0
	}
	return len(cs) - n
}
