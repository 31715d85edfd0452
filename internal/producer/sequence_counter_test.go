package producer

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestThreadSequenceCounterStartsAtOne(t *testing.T) {
	c, err := NewThreadSequenceCounter(10, nil)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), c.Next("a"))
	assert.Equal(t, uint64(2), c.Next("a"))
	assert.Equal(t, uint64(1), c.Next("b"))
	assert.Equal(t, uint64(3), c.Next("a"))

	last, ok := c.Peek("a")
	require.True(t, ok)
	assert.Equal(t, uint64(3), last)
}

func TestThreadSequenceCounterLRUEviction(t *testing.T) {
	evicted := make(map[string]uint64)
	c, err := NewThreadSequenceCounter(3, func(threadID string, lastSeq uint64) {
		evicted[threadID] = lastSeq
	})
	require.NoError(t, err)

	c.Next("t0")
	c.Next("t0")
	for i := 1; i <= 3; i++ {
		c.Next(fmt.Sprintf("t%d", i))
	}

	// t0 was least recently used and must be the one displaced.
	assert.Equal(t, uint64(2), evicted["t0"])
	assert.Equal(t, 3, c.Len())

	// A reappearing evicted thread restarts at 1.
	assert.Equal(t, uint64(1), c.Next("t0"))
}
