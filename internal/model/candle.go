package model

import (
	"encoding/json"
	"math"
	"time"
)

// Candle is one OHLC bucket for a single instrument.
// OpenTime is the bucket start in Unix seconds, aligned to the window granularity.
type Candle struct {
	OpenTime int64   `json:"open_time"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
}

// NewCandle opens a bucket where all four prices equal price.
func NewCandle(openTime int64, price float64) Candle {
	return Candle{OpenTime: openTime, Open: price, High: price, Low: price, Close: price}
}

// Time returns the bucket start as a UTC time.
func (c Candle) Time() time.Time {
	return time.Unix(c.OpenTime, 0).UTC()
}

// ValidPrice reports whether p is a positive finite number. NaN fails.
func ValidPrice(p float64) bool {
	return p > 0 && !math.IsInf(p, 1)
}

// Valid reports whether all prices are positive finite numbers and
// low <= open, close <= high.
func (c Candle) Valid() bool {
	for _, p := range [...]float64{c.Open, c.High, c.Low, c.Close} {
		if !ValidPrice(p) {
			return false
		}
	}
	return c.Low <= c.Open && c.Open <= c.High &&
		c.Low <= c.Close && c.Close <= c.High
}

// Apply folds a trade price into the candle in place (same bucket).
func (c *Candle) Apply(price float64) {
	if price > c.High {
		c.High = price
	}
	if price < c.Low {
		c.Low = price
	}
	c.Close = price
}

// Contains reports whether price lies within [Low, High].
func (c Candle) Contains(price float64) bool { return price >= c.Low && price <= c.High }

// Bullish reports close > open.
func (c Candle) Bullish() bool { return c.Close > c.Open }

// Bearish reports close < open.
func (c Candle) Bearish() bool { return c.Close < c.Open }

// JSON returns the JSON-encoded candle (ignoring errors for hot-path usage).
func (c Candle) JSON() []byte {
	b, _ := json.Marshal(c)
	return b
}

// BucketStart floors epoch to a multiple of granularity (seconds).
// Floor semantics hold for negative epochs too.
func BucketStart(epoch, granularity int64) int64 {
	b := epoch - epoch%granularity
	if epoch%granularity < 0 {
		b -= granularity
	}
	return b
}
