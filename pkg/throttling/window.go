// Package throttling implements the sliding-window counter and throttling
// alert: a fixed 60-second window divided into six 10-second buckets, a
// configured per-interval limit rescaled to the window's resolution, and an
// alert that flips between BELOW_LIMIT and ABOVE_LIMIT as the observed rate
// crosses the effective limit. Alerts are looked up and created per
// (connection, direction, address) key rather than shared across
// connections, and counter increments are lock-free.
package throttling

import (
	"sync/atomic"
	"time"
)

// Window describes the sliding-window counter's shape: a total duration
// divided evenly into a fixed number of buckets.
type Window struct {
	Total      time.Duration
	Resolution time.Duration
}

// OneMinuteTenSecondResolution is the default window shape: six 10-second
// buckets over one minute.
var OneMinuteTenSecondResolution = Window{
	Total:      60 * time.Second,
	Resolution: 10 * time.Second,
}

// buckets returns the number of buckets in w, e.g. 6 for the default shape.
func (w Window) buckets() int {
	return int(w.Total / w.Resolution)
}

// SlidingWindowCounter is a fixed array of atomically-incremented bucket
// counters supporting constant-time rate queries. The invariant: the sum
// over buckets with age < Total equals the reported rate.
// Each bucket packs its epoch (the absolute bucket index since the Unix
// epoch) and its count into one atomic word, so a stale bucket's reset and
// the tick that triggers it are a single compare-and-swap; a concurrent
// tick can never be wiped out by a rollover.
type SlidingWindowCounter struct {
	window  Window
	buckets []bucket
	now     func() time.Time
}

// bucket state layout: the upper bits hold the epoch, the lower
// bucketCountBits bits the count. 2^32 ticks per bucket interval is far
// beyond any configurable limit, and the epoch fits its bits for centuries.
const (
	bucketCountBits = 32
	bucketCountMask = (1 << bucketCountBits) - 1
)

type bucket struct {
	state atomic.Uint64
}

// NewSlidingWindowCounter creates a counter over window. now defaults to
// time.Now; tests may substitute a deterministic clock.
func NewSlidingWindowCounter(window Window, now func() time.Time) *SlidingWindowCounter {
	if now == nil {
		now = time.Now
	}
	return &SlidingWindowCounter{
		window:  window,
		buckets: make([]bucket, window.buckets()),
		now:     now,
	}
}

// Tick increments the bucket the current instant falls into. A bucket that
// has rolled over to a new epoch is reset and incremented in one CAS, so a
// concurrent same-epoch increment either lands before the swap (and is
// discarded with the stale epoch's count) or retries against the new state.
// A tick whose own epoch is already behind the bucket's counts into the
// newer epoch instead; the drift is at most the handful of ticks in flight
// across a bucket boundary.
func (c *SlidingWindowCounter) Tick() {
	idx, epoch := c.bucketIndex(c.now())
	b := &c.buckets[idx]
	for {
		old := b.state.Load()
		if int64(old>>bucketCountBits) >= epoch {
			if b.state.CompareAndSwap(old, old+1) {
				return
			}
			continue
		}
		if b.state.CompareAndSwap(old, uint64(epoch)<<bucketCountBits|1) {
			return
		}
	}
}

// Rate returns the sum of every bucket whose epoch falls within the last
// Window.Total of c.now(), i.e. the current observed rate.
func (c *SlidingWindowCounter) Rate() int64 {
	now := c.now()
	currentIdx, currentEpoch := c.bucketIndex(now)
	numBuckets := int64(len(c.buckets))

	var total int64
	for i := range c.buckets {
		state := c.buckets[i].state.Load()
		epoch := int64(state >> bucketCountBits)
		age := currentEpoch - epoch
		if age < 0 || age >= numBuckets {
			continue
		}
		if i == currentIdx && epoch != currentEpoch {
			continue
		}
		total += int64(state & bucketCountMask)
	}
	return total
}

// bucketIndex returns the bucket slot t falls into and the absolute epoch
// (count of resolution-sized intervals since the Unix epoch) that slot
// currently represents.
func (c *SlidingWindowCounter) bucketIndex(t time.Time) (idx int, epoch int64) {
	epoch = t.UnixNano() / int64(c.window.Resolution)
	idx = int(epoch % int64(len(c.buckets)))
	if idx < 0 {
		idx += len(c.buckets)
	}
	return idx, epoch
}
