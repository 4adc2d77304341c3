package pattern

import (
	"errors"
	"fmt"
)

// Config holds every threshold and window size the rules use.
// Zero-valued lookbacks marked "0 = whole snapshot" scan everything passed in.
type Config struct {
	MinCandles int `yaml:"min_candles"`

	DoubleEpsilon float64 `yaml:"double_epsilon"`

	TriangleLookback int     `yaml:"triangle_lookback"`
	TriangleRatio    float64 `yaml:"triangle_ratio"`

	FlagLookback       int     `yaml:"flag_lookback"`
	FlagRangeLookback  int     `yaml:"flag_range_lookback"` // 0 = whole snapshot
	FlagRangeThreshold float64 `yaml:"flag_range_threshold"`

	WedgeLookback int `yaml:"wedge_lookback"` // 0 = whole snapshot

	RangeWindow       int     `yaml:"range_window"`
	BreakoutThreshold float64 `yaml:"breakout_threshold"`
	RiskMultiple      float64 `yaml:"risk_multiple"`

	// ConsolidationThreshold > 0 only reports breakouts out of a range whose
	// closes span less than this fraction of the lowest close. 0 disables it.
	ConsolidationThreshold float64 `yaml:"consolidation_threshold"`
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		MinCandles:         20,
		DoubleEpsilon:      0.05,
		TriangleLookback:   10,
		TriangleRatio:      0.2,
		FlagLookback:       5,
		FlagRangeLookback:  0,
		FlagRangeThreshold: 0.02,
		WedgeLookback:      0,
		RangeWindow:        10,
		BreakoutThreshold:  0.01,
		RiskMultiple:       1.5,
	}
}

// Validate rejects values the rules cannot run with. Every lookback must fit
// inside MinCandles so no rule ever indexes past the front of a snapshot.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.MinCandles >= 3, "min_candles must be >= 3, got %d", c.MinCandles)
	check(c.DoubleEpsilon >= 0, "double_epsilon must be >= 0, got %g", c.DoubleEpsilon)
	check(c.TriangleLookback >= 1, "triangle_lookback must be >= 1, got %d", c.TriangleLookback)
	check(c.TriangleRatio > 0, "triangle_ratio must be > 0, got %g", c.TriangleRatio)
	check(c.FlagLookback >= 2, "flag_lookback must be >= 2, got %d", c.FlagLookback)
	check(c.FlagRangeLookback >= 0, "flag_range_lookback must be >= 0, got %d", c.FlagRangeLookback)
	check(c.FlagRangeThreshold > 0, "flag_range_threshold must be > 0, got %g", c.FlagRangeThreshold)
	check(c.WedgeLookback == 0 || c.WedgeLookback >= 2, "wedge_lookback must be 0 or >= 2, got %d", c.WedgeLookback)
	check(c.RangeWindow >= 1, "range_window must be >= 1, got %d", c.RangeWindow)
	check(c.BreakoutThreshold >= 0, "breakout_threshold must be >= 0, got %g", c.BreakoutThreshold)
	check(c.RiskMultiple > 0, "risk_multiple must be > 0, got %g", c.RiskMultiple)
	check(c.ConsolidationThreshold >= 0, "consolidation_threshold must be >= 0, got %g", c.ConsolidationThreshold)

	for _, lb := range []struct {
		name string
		n    int
	}{
		{"triangle_lookback", c.TriangleLookback},
		{"flag_lookback", c.FlagLookback},
		{"flag_range_lookback", c.FlagRangeLookback},
		{"wedge_lookback", c.WedgeLookback},
	} {
		check(lb.n <= c.MinCandles, "%s (%d) exceeds min_candles (%d)", lb.name, lb.n, c.MinCandles)
	}
	check(c.RangeWindow < c.MinCandles, "range_window (%d) must be below min_candles (%d)", c.RangeWindow, c.MinCandles)

	if len(errs) > 0 {
		return fmt.Errorf("pattern: invalid config: %w", errors.Join(errs...))
	}
	return nil
}
