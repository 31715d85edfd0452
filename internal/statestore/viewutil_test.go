package statestore

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFormatRelativeTimeNeverPanics(t *testing.T) {
	assert.Equal(t, "unknown", FormatRelativeTime(math.NaN()))
	assert.Equal(t, "unknown", FormatRelativeTime(math.Inf(1)))
	assert.Equal(t, "unknown", FormatRelativeTime(math.Inf(-1)))
	assert.Equal(t, "just now", FormatRelativeTime(-5000))
	assert.Equal(t, "just now", FormatRelativeTime(0))
	assert.Equal(t, "just now", FormatRelativeTime(999))
	assert.Equal(t, "5s ago", FormatRelativeTime(5000))
	assert.Equal(t, "2m ago", FormatRelativeTime(125_000))
	assert.Equal(t, "3h ago", FormatRelativeTime(3*3600*1000+1))
	assert.Equal(t, "2d ago", FormatRelativeTime(2*86400*1000+1))
}

func TestRateTrackerDetectsCounterReset(t *testing.T) {
	var r RateTracker
	assert.Zero(t, r.Observe(100))

	time.Sleep(20 * time.Millisecond)
	rate := r.Observe(200)
	assert.Greater(t, rate, float64(0))

	time.Sleep(20 * time.Millisecond)
	// Counter reset (reconnect): no negative rate.
	rate = r.Observe(10)
	assert.GreaterOrEqual(t, rate, float64(0))
}
