package statestore

import (
	"fmt"
	"math"
	"sync"
	"time"
)

// FormatRelativeTime renders a millisecond age for the UI. Defensive by
// contract: negative, NaN, and infinite inputs render as "just now" or
// "unknown" instead of panicking mid-render.
func FormatRelativeTime(ageMs float64) string {
	if math.IsNaN(ageMs) || math.IsInf(ageMs, 0) {
		return "unknown"
	}
	if ageMs < 1000 {
		return "just now"
	}
	secs := int64(ageMs / 1000)
	switch {
	case secs < 60:
		return fmt.Sprintf("%ds ago", secs)
	case secs < 3600:
		return fmt.Sprintf("%dm ago", secs/60)
	case secs < 86400:
		return fmt.Sprintf("%dh ago", secs/3600)
	default:
		return fmt.Sprintf("%dd ago", secs/86400)
	}
}

// RateTracker derives messages/sec from monotonic samples, tolerating
// counter resets (reconnects zero the counters).
type RateTracker struct {
	mu        sync.Mutex
	lastCount int64
	lastAt    time.Time
	rate      float64
}

// Observe feeds the current cumulative count and returns the rate.
func (r *RateTracker) Observe(count int64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if r.lastAt.IsZero() {
		r.lastCount, r.lastAt = count, now
		return 0
	}
	dt := now.Sub(r.lastAt).Seconds()
	if dt <= 0 {
		return r.rate
	}
	delta := count - r.lastCount
	if delta < 0 {
		// Counter reset: restart the baseline rather than reporting a
		// negative rate.
		delta = 0
	}
	r.rate = float64(delta) / dt
	r.lastCount, r.lastAt = count, now
	return r.rate
}
