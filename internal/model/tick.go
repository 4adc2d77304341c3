package model

import "time"

// Tick is a single price update from the feed.
// Epoch is Unix seconds as reported by the feed.
type Tick struct {
	Instrument string  `json:"instrument"`
	Epoch      int64   `json:"epoch"`
	Price      float64 `json:"price"`
}

// Time returns the tick time in UTC.
func (t Tick) Time() time.Time {
	return time.Unix(t.Epoch, 0).UTC()
}
