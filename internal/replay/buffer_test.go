package replay

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBufferConfig() Config {
	return Config{
		MessageTTL:          time.Hour,
		MaxConcurrentWrites: 4,
		MaxSequences:        1000,
		ClearTimeout:        5 * time.Second,
		MemoryPerPartition:  64,
		TrimEveryNWrites:    512,
	}
}

func newMemoryBuffer(t *testing.T) *Buffer {
	t.Helper()
	b, err := New(testBufferConfig(), "testns", nil, zerolog.Nop())
	require.NoError(t, err)
	return b
}

func newRedisBuffer(t *testing.T) (*Buffer, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b, err := New(testBufferConfig(), "testns", rdb, zerolog.Nop())
	require.NoError(t, err)
	return b, mr
}

func entry(partition int32, offset int64, threadID, seq string) Entry {
	return Entry{
		Partition: partition,
		Offset:    offset,
		ThreadID:  threadID,
		Sequence:  seq,
		Payload:   []byte(fmt.Sprintf("frame-%d-%d", partition, offset)),
	}
}

func waitForWrites(b *Buffer) {
	b.writeWg.Wait()
}

func TestValidateRejectsSubSecondTTL(t *testing.T) {
	cfg := testBufferConfig()
	cfg.MessageTTL = 500 * time.Millisecond
	_, err := New(cfg, "ns", nil, zerolog.Nop())
	assert.Error(t, err)
}

func TestFetchPartitionRangeFromMemory(t *testing.T) {
	b := newMemoryBuffer(t)
	for off := int64(0); off < 10; off++ {
		b.Append(entry(0, off, "t1", fmt.Sprintf("%d", off+1)))
	}

	entries, capped, err := b.FetchPartitionRange(context.Background(), map[int32]int64{0: 4}, 100, time.Second)
	require.NoError(t, err)
	assert.False(t, capped)
	require.Len(t, entries, 6)
	assert.Equal(t, int64(4), entries[0].Offset)
	assert.Equal(t, int64(9), entries[5].Offset)
}

func TestFetchPartitionRangeOffsetZeroIsValid(t *testing.T) {
	b := newMemoryBuffer(t)
	b.Append(entry(0, 0, "t1", "1"))
	b.Append(entry(0, 1, "t1", "2"))

	entries, _, err := b.FetchPartitionRange(context.Background(), map[int32]int64{0: 0}, 100, time.Second)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestFetchPartitionRangeFairTruncation(t *testing.T) {
	b := newMemoryBuffer(t)
	for p := int32(0); p < 2; p++ {
		for off := int64(0); off < 10; off++ {
			b.Append(entry(p, off, "t1", "0"))
		}
	}

	entries, capped, err := b.FetchPartitionRange(context.Background(), map[int32]int64{0: 0, 1: 0}, 6, time.Second)
	require.NoError(t, err)
	assert.True(t, capped)
	require.Len(t, entries, 6)

	perPartition := map[int32]int{}
	for _, e := range entries {
		perPartition[e.Partition]++
	}
	assert.Equal(t, 3, perPartition[0])
	assert.Equal(t, 3, perPartition[1])
}

func TestOldestOffsetAfterRingEviction(t *testing.T) {
	b := newMemoryBuffer(t)
	for off := int64(0); off < 200; off++ {
		b.Append(entry(0, off, "t1", "0"))
	}
	oldest, ok := b.OldestOffset(context.Background(), 0)
	require.True(t, ok)
	assert.Greater(t, oldest, int64(0), "ring bounded at 64 entries must have evicted offset 0")
}

func TestFetchThreadRangeWithRedis(t *testing.T) {
	b, _ := newRedisBuffer(t)
	b.Append(entry(0, 10, "thread-a", "1"))
	b.Append(entry(0, 11, "thread-b", "1"))
	b.Append(entry(1, 5, "thread-a", "2"))
	b.Append(entry(0, 12, "thread-a", "3"))
	waitForWrites(b)

	entries, capped, err := b.FetchThreadRange(context.Background(), "thread-a", "2", 100, time.Second)
	require.NoError(t, err)
	assert.False(t, capped)
	require.Len(t, entries, 2)
	assert.Equal(t, "2", entries[0].Sequence)
	assert.Equal(t, "3", entries[1].Sequence)
	// Partition/offset travel with each record for cursor commits.
	assert.Equal(t, int32(1), entries[0].Partition)
	assert.Equal(t, int64(5), entries[0].Offset)
}

func TestFetchThreadRangeCapped(t *testing.T) {
	b := newMemoryBuffer(t)
	for i := int64(1); i <= 10; i++ {
		b.Append(entry(0, i, "thread-x", fmt.Sprintf("%d", i)))
	}
	entries, capped, err := b.FetchThreadRange(context.Background(), "thread-x", "1", 4, time.Second)
	require.NoError(t, err)
	assert.True(t, capped)
	assert.Len(t, entries, 4)
}

func TestKnownPartitions(t *testing.T) {
	b, _ := newRedisBuffer(t)
	b.Append(entry(0, 1, "t", "1"))
	b.Append(entry(3, 1, "t", "2"))
	waitForWrites(b)

	parts, err := b.KnownPartitions(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int32{0, 3}, parts)
}

func TestClearDrainsThenDeletes(t *testing.T) {
	b, mr := newRedisBuffer(t)
	b.Append(entry(0, 1, "thread-a", "1"))
	waitForWrites(b)
	require.NotEmpty(t, mr.Keys())

	require.NoError(t, b.Clear(context.Background()))
	assert.Empty(t, mr.Keys())

	entries, _, err := b.FetchPartitionRange(context.Background(), map[int32]int64{0: 0}, 10, time.Second)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestRedisSurvivesRingEviction(t *testing.T) {
	b, _ := newRedisBuffer(t)
	// Push past the 64-entry ring so early offsets only live in Redis.
	for off := int64(0); off < 100; off++ {
		b.Append(entry(0, off, "t1", fmt.Sprintf("%d", off+1)))
		waitForWrites(b)
	}

	entries, _, err := b.FetchPartitionRange(context.Background(), map[int32]int64{0: 0}, 200, time.Second)
	require.NoError(t, err)
	require.Len(t, entries, 100)
	assert.Equal(t, int64(0), entries[0].Offset)
	assert.Equal(t, int64(99), entries[99].Offset)
}

func TestSanitizeThreadID(t *testing.T) {
	assert.Equal(t, "plain-id_1.ok", SanitizeThreadID("plain-id_1.ok"))
	assert.Equal(t, "_empty", SanitizeThreadID(""))
	assert.NotContains(t, SanitizeThreadID("spaces and:colons"), " ")
	assert.NotContains(t, SanitizeThreadID("spaces and:colons"), ":")

	long := make([]byte, 300)
	for i := range long {
		long[i] = 'a'
	}
	hashed := SanitizeThreadID(string(long))
	assert.LessOrEqual(t, len(hashed), 100)
	assert.Contains(t, hashed, "h~")
}

func TestNamespaceDeterministic(t *testing.T) {
	a := Namespace("topic", "cluster", "group")
	b := Namespace("topic", "cluster", "group")
	c := Namespace("topic", "cluster", "group2")
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}
