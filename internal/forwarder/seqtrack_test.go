package forwarder

import (
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTracker(t *testing.T, maxThreads int) *SequenceTracker {
	t.Helper()
	tr, err := NewSequenceTracker(maxThreads, zerolog.Nop())
	require.NoError(t, err)
	return tr
}

func TestSequenceTrackerMonotonic(t *testing.T) {
	tr := newTracker(t, 10)

	v, gap := tr.Observe("t1", "1")
	assert.Equal(t, SeqOK, v)
	assert.Zero(t, gap)

	v, _ = tr.Observe("t1", "2")
	assert.Equal(t, SeqOK, v)

	v, gap = tr.Observe("t1", "5")
	assert.Equal(t, SeqGap, v)
	assert.Equal(t, int64(2), gap, "sequences 3 and 4 presumed missing")

	v, _ = tr.Observe("t1", "5")
	assert.Equal(t, SeqDuplicate, v)

	v, _ = tr.Observe("t1", "4")
	assert.Equal(t, SeqDuplicate, v, "reordered older frame does not move the position")

	v, _ = tr.Observe("t1", "6")
	assert.Equal(t, SeqOK, v)
}

func TestSequenceTrackerSyntheticExcluded(t *testing.T) {
	tr := newTracker(t, 10)

	v, _ := tr.Observe("t1", "0")
	assert.Equal(t, SeqSynthetic, v)
	v, _ = tr.Observe("", "5")
	assert.Equal(t, SeqSynthetic, v)
	v, _ = tr.Observe("t1", "junk")
	assert.Equal(t, SeqSynthetic, v)

	// "0" frames never seeded the tracker: the first real frame is OK.
	v, _ = tr.Observe("t1", "3")
	assert.Equal(t, SeqOK, v)
}

func TestSequenceTrackerCanonicalizes(t *testing.T) {
	tr := newTracker(t, 10)
	tr.Observe("t1", "007")
	v, _ := tr.Observe("t1", "7")
	assert.Equal(t, SeqDuplicate, v)
	v, _ = tr.Observe("t1", "8")
	assert.Equal(t, SeqOK, v)
}

func TestPrunedThreadReappearsWithoutFalseGap(t *testing.T) {
	tr := newTracker(t, 2)

	tr.Observe("old", "100")
	tr.Observe("n1", "1")
	tr.Observe("n2", "1") // displaces "old" into the prune set

	// "old" returns with a much later sequence: accepted, no gap recorded.
	v, gap := tr.Observe("old", "250")
	assert.Equal(t, SeqOK, v)
	assert.Zero(t, gap)
}

func TestGapWidthSaturates(t *testing.T) {
	assert.Equal(t, int64(0), gapWidth("5", "6"))
	assert.Equal(t, int64(1), gapWidth("5", "7"))
	assert.Positive(t, gapWidth("1", "99999999999999999999999999"))
}

func TestSequenceTrackerManyThreads(t *testing.T) {
	tr := newTracker(t, 100)
	for i := 0; i < 100; i++ {
		v, _ := tr.Observe(fmt.Sprintf("t%d", i), "1")
		assert.Equal(t, SeqOK, v)
	}
}
