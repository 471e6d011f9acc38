package helpers

import (
	"sync/atomic"
	"time"

	"github.com/sensorcast/sensorcast/helpers/atomic_clock"
)

// Limited exponential backoff for retry delays.
// First Failure() returns Min, each next one multiplies delay by K, up to Max.
// Min=Max gives fixed delay.
// Reset() after success.
type Backoff struct {
	next int64 // atomic align
	last atomic_clock.Clock

	Min time.Duration
	Max time.Duration
	K   float32
	Res time.Duration // delay resolution for nice logs, default=1ms
}

// Use scenario:
// for {
//   err := op()
//   if err != nil {
//     time.Sleep(backoff.Failure())
//     continue
//   }
//   backoff.Reset()
// }
func (b *Backoff) Failure() time.Duration {
	next := time.Duration(atomic.LoadInt64(&b.next))
	if next == 0 {
		next = b.Min
	} else {
		k := b.K
		if k < 1 {
			k = 1
		}
		next = time.Duration(float64(next) * float64(k))
	}
	next = b.limit(next)
	b.last.SetNow()
	atomic.StoreInt64(&b.next, int64(next))
	return next
}

// Remaining part of last Failure() delay, zero after Reset().
func (b *Backoff) DelayBefore() time.Duration {
	next := time.Duration(atomic.LoadInt64(&b.next))
	if next == 0 {
		return 0
	}
	since := atomic_clock.Since(&b.last)
	if since >= next {
		return 0
	}
	return b.round(next - since)
}

func (b *Backoff) Reset() {
	b.last.SetNow()
	atomic.StoreInt64(&b.next, 0)
}

func (b *Backoff) limit(d time.Duration) time.Duration {
	if d < b.Min {
		d = b.Min
	}
	if b.Max != 0 && d > b.Max {
		d = b.Max
	}
	return b.round(d)
}

func (b *Backoff) round(d time.Duration) time.Duration {
	res := b.Res
	if res == 0 {
		res = 1 * time.Millisecond
	}
	return d / res * res
}
