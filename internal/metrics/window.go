package metrics

import (
	"sync/atomic"
	"time"
)

// WindowSeconds is the span the health endpoints look back over; their
// `_last_120s` fields are fixed by contract. Other consumers (slow-client
// lag detection) size their own windows via NewSlidingWindowSpan.
const WindowSeconds = 120

// windowBucket holds one second's worth of counts. The epoch is immutable
// after construction; reclaiming a stale slot swaps in a whole new bucket,
// so a concurrent increment can never land in a bucket that is about to be
// reset underneath it.
type windowBucket struct {
	epoch int64
	count atomic.Int64
}

// SlidingWindow is a lock-free per-second counter ring. Add and Sum never
// take a lock: each slot holds an atomic pointer to an epoch-stamped
// bucket, and rollover is a pointer CAS.
type SlidingWindow struct {
	buckets []atomic.Pointer[windowBucket]
	span    int64

	// test hook; nil means time.Now
	now func() time.Time
}

// NewSlidingWindow returns a window covering the last WindowSeconds
// seconds.
func NewSlidingWindow() *SlidingWindow {
	return NewSlidingWindowSpan(WindowSeconds * time.Second)
}

// NewSlidingWindowSpan returns a window covering the given span, rounded
// down to whole seconds (minimum one).
func NewSlidingWindowSpan(span time.Duration) *SlidingWindow {
	secs := int64(span / time.Second)
	if secs < 1 {
		secs = 1
	}
	return &SlidingWindow{
		buckets: make([]atomic.Pointer[windowBucket], secs),
		span:    secs,
	}
}

func (w *SlidingWindow) nowSec() int64 {
	if w.now != nil {
		return w.now().Unix()
	}
	return time.Now().Unix()
}

// Add records n occurrences at the current second.
func (w *SlidingWindow) Add(n int64) {
	sec := w.nowSec()
	idx := sec % w.span

	for {
		b := w.buckets[idx].Load()
		if b != nil {
			if b.epoch == sec {
				b.count.Add(n)
				return
			}
			if b.epoch > sec {
				// Clock went backwards under us; drop rather than corrupt a
				// newer bucket.
				return
			}
		}
		// Stale slot from a previous lap: swap in a fresh bucket carrying
		// this count. A loser of the CAS retries and lands its count via
		// the winner's bucket.
		nb := &windowBucket{epoch: sec}
		nb.count.Store(n)
		if w.buckets[idx].CompareAndSwap(b, nb) {
			return
		}
	}
}

// Inc records one occurrence.
func (w *SlidingWindow) Inc() { w.Add(1) }

// Sum returns the total recorded within the window.
func (w *SlidingWindow) Sum() int64 {
	sec := w.nowSec()
	oldest := sec - w.span + 1

	var total int64
	for i := range w.buckets {
		b := w.buckets[i].Load()
		if b != nil && b.epoch >= oldest && b.epoch <= sec {
			total += b.count.Load()
		}
	}
	return total
}
