package signalclient

import (
	"math/rand/v2"
	"time"
)

// Backoff yields reconnect delays. Each delay is Base*2^n plus a jitter in
// [0, Base), capped at Max. Because the exponential step is at least Base the
// sequence never decreases, whatever the jitter draws.
type Backoff struct {
	Base time.Duration
	Max  time.Duration

	attempt int
	jitter  func(n int64) int64
}

func NewBackoff(base, max time.Duration) *Backoff {
	if max < base {
		max = base
	}
	return &Backoff{Base: base, Max: max, jitter: rand.Int64N}
}

func (b *Backoff) Next() time.Duration {
	d := b.Max
	// Base<<attempt <= Max is checked without shifting Base, so it cannot overflow.
	if b.attempt < 63 && b.Base <= b.Max>>b.attempt {
		d = b.Base << b.attempt
		if b.Base > 0 {
			d += time.Duration(b.jitter(int64(b.Base)))
		}
	}
	if d > b.Max {
		d = b.Max
	}
	b.attempt++
	return d
}

func (b *Backoff) Reset() { b.attempt = 0 }

func (b *Backoff) Attempt() int { return b.attempt }
