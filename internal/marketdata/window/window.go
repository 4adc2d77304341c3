// Package window maintains a bounded, time-ordered, deduplicated rolling
// window of OHLC candles for one instrument.
//
// A Window has exactly one writer (the instrument's feed goroutine) and any
// number of readers. Readers only ever see copies produced by Snapshot, taken
// under a short read lock, so a half-applied tick is never observable.
package window

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"patternwatch/internal/model"
	"patternwatch/internal/ringbuf"
)

// Outcome describes what Ingest did with a tick.
type Outcome int

const (
	Rejected Outcome = iota // late bucket or invalid price; counted
	Updated                 // folded into the current bucket
	Opened                  // started a new bucket
)

func (o Outcome) String() string {
	switch o {
	case Rejected:
		return "rejected"
	case Updated:
		return "updated"
	case Opened:
		return "opened"
	default:
		return "unknown"
	}
}

// Window is a fixed-capacity sequence of candles keyed by unique OpenTime,
// strictly increasing. The oldest bucket is evicted first once full.
type Window struct {
	instrument  string
	granularity int64

	mu    sync.RWMutex
	ring  *ringbuf.Ring[model.Candle]
	epoch uint64 // bumped on every mutation, lets readers skip rescans

	rejected atomic.Uint64
}

// New creates an empty window. Granularity is the bucket width in seconds.
func New(instrument string, granularity int64, capacity int) (*Window, error) {
	if granularity <= 0 {
		return nil, fmt.Errorf("window: granularity must be > 0, got %d", granularity)
	}
	if capacity <= 0 {
		return nil, fmt.Errorf("window: capacity must be > 0, got %d", capacity)
	}
	return &Window{
		instrument:  instrument,
		granularity: granularity,
		ring:        ringbuf.New[model.Candle](capacity),
	}, nil
}

// Ingest folds a tick into the window.
//
// Same bucket as the newest candle: high/low/close are updated in place.
// Later bucket: a new candle is appended (oldest evicted if full) and a copy
// of the candle it superseded is returned. Earlier bucket or a price that is
// not positive and finite: the tick is dropped and the rejection counter
// incremented.
func (w *Window) Ingest(t model.Tick) (Outcome, *model.Candle) {
	if !model.ValidPrice(t.Price) {
		w.rejected.Add(1)
		return Rejected, nil
	}
	bucket := model.BucketStart(t.Epoch, w.granularity)

	w.mu.Lock()
	defer w.mu.Unlock()

	last := w.ring.Last()
	switch {
	case last == nil:
		w.ring.Push(model.NewCandle(bucket, t.Price))
		w.epoch++
		return Opened, nil

	case bucket == last.OpenTime:
		last.Apply(t.Price)
		w.epoch++
		return Updated, nil

	case bucket > last.OpenTime:
		closed := *last
		w.ring.Push(model.NewCandle(bucket, t.Price))
		w.epoch++
		return Opened, &closed

	default:
		w.rejected.Add(1)
		return Rejected, nil
	}
}

// MergeHistory seeds or refreshes the window from a backfill.
//
// Incoming candles are aligned to the granularity, invalid ones dropped and
// duplicates collapsed (last occurrence wins). Where a bucket already exists in
// the window the existing candle is kept, since it may carry live ticks.
// The merged result keeps only the newest Cap() buckets. Merging the same
// history twice is a no-op.
func (w *Window) MergeHistory(candles []model.Candle) (added int) {
	incoming := w.normalise(candles)
	if len(incoming) == 0 {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	existing := w.ring.Slice()
	merged := make([]model.Candle, 0, len(existing)+len(incoming))

	i, j := 0, 0
	for i < len(existing) || j < len(incoming) {
		switch {
		case j >= len(incoming):
			merged = append(merged, existing[i])
			i++
		case i >= len(existing):
			merged = append(merged, incoming[j])
			added++
			j++
		case existing[i].OpenTime < incoming[j].OpenTime:
			merged = append(merged, existing[i])
			i++
		case existing[i].OpenTime > incoming[j].OpenTime:
			merged = append(merged, incoming[j])
			added++
			j++
		default:
			// existing wins on key collision
			merged = append(merged, existing[i])
			i++
			j++
		}
	}

	if over := len(merged) - w.ring.Cap(); over > 0 {
		merged = merged[over:]
	}
	w.ring.Reset()
	for _, c := range merged {
		w.ring.Push(c)
	}
	if added > 0 {
		w.epoch++
	}
	return added
}

// normalise aligns, validates, sorts and dedupes a history payload.
func (w *Window) normalise(candles []model.Candle) []model.Candle {
	out := make([]model.Candle, 0, len(candles))
	for _, c := range candles {
		if !c.Valid() {
			continue
		}
		c.OpenTime = model.BucketStart(c.OpenTime, w.granularity)
		out = append(out, c)
	}
	sort.SliceStable(out, func(a, b int) bool { return out[a].OpenTime < out[b].OpenTime })

	deduped := out[:0]
	for _, c := range out {
		if n := len(deduped); n > 0 && deduped[n-1].OpenTime == c.OpenTime {
			deduped[n-1] = c
			continue
		}
		deduped = append(deduped, c)
	}
	return deduped
}

// Snapshot returns a copy of the candles, oldest first.
func (w *Window) Snapshot() []model.Candle {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.ring.Slice()
}

// SnapshotVersion returns a copy together with the mutation counter, so a
// periodic reader can tell whether anything changed since its last scan.
func (w *Window) SnapshotVersion() ([]model.Candle, uint64) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.ring.Slice(), w.epoch
}

// Last returns a copy of the newest candle.
func (w *Window) Last() (model.Candle, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if last := w.ring.Last(); last != nil {
		return *last, true
	}
	return model.Candle{}, false
}

// Reset clears all candles. The rejection counter is preserved.
func (w *Window) Reset() {
	w.mu.Lock()
	w.ring.Reset()
	w.epoch++
	w.mu.Unlock()
}

// Len returns the number of candles held.
func (w *Window) Len() int {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.ring.Len()
}

// Cap returns the window capacity.
func (w *Window) Cap() int { return w.ring.Cap() }

// Rejected returns the number of ticks dropped by Ingest.
func (w *Window) Rejected() uint64 { return w.rejected.Load() }

// Instrument returns the instrument id.
func (w *Window) Instrument() string { return w.instrument }

// Granularity returns the bucket width in seconds.
func (w *Window) Granularity() int64 { return w.granularity }
