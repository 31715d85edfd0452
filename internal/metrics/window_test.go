package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSlidingWindowCountsWithinWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	w := NewSlidingWindow()
	w.now = func() time.Time { return now }

	w.Add(5)
	w.Inc()
	assert.Equal(t, int64(6), w.Sum())

	now = now.Add(30 * time.Second)
	w.Add(4)
	assert.Equal(t, int64(10), w.Sum())
}

func TestSlidingWindowExpiresOldBuckets(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	w := NewSlidingWindow()
	w.now = func() time.Time { return now }

	w.Add(7)
	now = now.Add((WindowSeconds + 1) * time.Second)
	assert.Equal(t, int64(0), w.Sum())

	w.Add(2)
	assert.Equal(t, int64(2), w.Sum())
}

func TestSlidingWindowBucketReuseAfterLap(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	w := NewSlidingWindow()
	w.now = func() time.Time { return now }

	w.Add(3)
	// Same ring slot one full lap later must not double count.
	now = now.Add(WindowSeconds * time.Second)
	w.Add(4)
	assert.Equal(t, int64(4), w.Sum())
}

func TestSlidingWindowCustomSpan(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	w := NewSlidingWindowSpan(10 * time.Second)
	w.now = func() time.Time { return now }

	w.Add(5)
	now = now.Add(9 * time.Second)
	assert.Equal(t, int64(5), w.Sum())

	now = now.Add(2 * time.Second)
	assert.Equal(t, int64(0), w.Sum(), "entries age out after the configured span")
}

func TestSlidingWindowRolloverKeepsConcurrentCounts(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	w := NewSlidingWindowSpan(2 * time.Second)
	w.now = func() time.Time { return now }

	w.Add(3)
	// One full lap later the same slot is reclaimed; the swap must not
	// lose counts added against the fresh epoch.
	now = now.Add(2 * time.Second)
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 500; j++ {
				w.Inc()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(2000), w.Sum())
}

func TestSlidingWindowConcurrentAdds(t *testing.T) {
	w := NewSlidingWindow()
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				w.Inc()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(8000), w.Sum())
}
