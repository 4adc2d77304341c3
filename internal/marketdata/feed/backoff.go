package feed

import (
	"math/rand"
	"time"
)

// backoff doubles from base up to max. Each delay is jittered into [d/2, d)
// so instruments sharing a process do not reconnect in lockstep.
type backoff struct {
	base, max time.Duration
	cur       time.Duration
	rnd       *rand.Rand
}

func newBackoff(base, max time.Duration, seed int64) *backoff {
	return &backoff{base: base, max: max, rnd: rand.New(rand.NewSource(seed))}
}

// Next returns the delay before the next attempt.
func (b *backoff) Next() time.Duration {
	if b.cur == 0 {
		b.cur = b.base
	} else {
		b.cur *= 2
	}
	if b.cur > b.max {
		b.cur = b.max
	}
	half := b.cur / 2
	if half == 0 {
		return b.cur
	}
	return half + time.Duration(b.rnd.Int63n(int64(b.cur-half)))
}

// Reset starts the sequence over from base.
func (b *backoff) Reset() { b.cur = 0 }
