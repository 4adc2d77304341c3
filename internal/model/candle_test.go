package model

import (
	"math"
	"testing"
)

func TestBucketStart(t *testing.T) {
	cases := []struct {
		epoch, gran, want int64
	}{
		{0, 60, 0},
		{59, 60, 0},
		{60, 60, 60},
		{1700000039, 60, 1699999980},
		{-1, 60, -60},
		{-60, 60, -60},
		{125, 1, 125},
	}
	for _, tc := range cases {
		if got := BucketStart(tc.epoch, tc.gran); got != tc.want {
			t.Errorf("BucketStart(%d, %d) = %d, want %d", tc.epoch, tc.gran, got, tc.want)
		}
	}
}

func TestCandle_Apply(t *testing.T) {
	c := NewCandle(60, 100)
	c.Apply(101)
	c.Apply(99.5)
	c.Apply(100.25)

	if c.Open != 100 || c.High != 101 || c.Low != 99.5 || c.Close != 100.25 {
		t.Fatalf("unexpected candle %+v", c)
	}
	if !c.Valid() {
		t.Fatal("expected valid candle")
	}
}

func TestCandle_Valid(t *testing.T) {
	cases := []struct {
		name string
		c    Candle
		want bool
	}{
		{"ok", Candle{Open: 10, High: 12, Low: 9, Close: 11}, true},
		{"flat", NewCandle(0, 5), true},
		{"open above high", Candle{Open: 13, High: 12, Low: 9, Close: 11}, false},
		{"close below low", Candle{Open: 10, High: 12, Low: 9, Close: 8}, false},
		{"zero price", Candle{Open: 0, High: 12, Low: 0, Close: 11}, false},
		{"nan", Candle{Open: math.NaN(), High: 12, Low: 9, Close: 11}, false},
		{"inf", Candle{Open: 10, High: math.Inf(1), Low: 9, Close: 11}, false},
	}
	for _, tc := range cases {
		if got := tc.c.Valid(); got != tc.want {
			t.Errorf("%s: Valid() = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestPatternKind_Label(t *testing.T) {
	if PatternDoubleTop.Label() != "🔻 Possible Double Top detected" {
		t.Errorf("unexpected label %q", PatternDoubleTop.Label())
	}
	if PatternKind("custom").Label() != "custom" {
		t.Errorf("unknown kinds should fall back to their tag")
	}
	if !PatternBreakoutDown.Breakout() || PatternBullishFlag.Breakout() {
		t.Error("Breakout() misclassified")
	}
}
