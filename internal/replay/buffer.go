// Package replay stores recently forwarded frames for client catch-up.
// Two tiers: a bounded in-memory ring per partition (always on) and an
// optional Redis tier with TTL for durability across forwarder restarts.
// Frames are addressable by (partition, offset) and by (threadId, sequence).
package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"github.com/dashflow-ai/telemetry/internal/codec"
)

// maxExactScore is the largest integer float64 scores represent exactly.
// ZSET scores past this lose precision; we log and store anyway because the
// member string stays exact.
const maxExactScore = int64(1) << 53

// Config tunes the buffer. An empty RedisAddr disables the external tier.
type Config struct {
	RedisAddr           string        `env:"REDIS_ADDR" envDefault:""`
	MessageTTL          time.Duration `env:"REDIS_MESSAGE_TTL_SECS" envDefault:"24h"`
	MaxConcurrentWrites int64         `env:"REDIS_MAX_CONCURRENT_WRITES" envDefault:"16"`
	MaxSequences        int64         `env:"REDIS_MAX_SEQUENCES" envDefault:"100000"`
	ClearTimeout        time.Duration `env:"REDIS_CLEAR_TIMEOUT_SECS" envDefault:"10s"`
	MemoryPerPartition  int           `env:"REPLAY_MEMORY_PER_PARTITION" envDefault:"4096"`
	TrimEveryNWrites    int64         `env:"REPLAY_TRIM_EVERY_N_WRITES" envDefault:"512"`
}

func (c *Config) Validate() error {
	if c.MessageTTL < time.Second {
		return fmt.Errorf("REDIS_MESSAGE_TTL_SECS must be >= 1s, got %s", c.MessageTTL)
	}
	if c.MaxConcurrentWrites < 1 {
		return fmt.Errorf("REDIS_MAX_CONCURRENT_WRITES must be > 0, got %d", c.MaxConcurrentWrites)
	}
	if c.MemoryPerPartition < 1 {
		return fmt.Errorf("REPLAY_MEMORY_PER_PARTITION must be > 0, got %d", c.MemoryPerPartition)
	}
	return nil
}

// storedEntry is the Redis value envelope.
type storedEntry struct {
	ThreadID  string `json:"t"`
	Sequence  string `json:"s"`
	Partition int32  `json:"p"`
	Offset    int64  `json:"o"`
	Payload   []byte `json:"b"`
}

// Buffer is the dual-tier replay store for one namespace.
type Buffer struct {
	cfg    Config
	ns     string
	logger zerolog.Logger

	mu    sync.RWMutex
	rings map[int32]*ring

	rdb      redis.UniversalClient
	writeSem *semaphore.Weighted
	writeWg  sync.WaitGroup
	writes   int64
	writesMu sync.Mutex
}

// New builds a buffer. rdb may be nil for memory-only operation.
func New(cfg Config, namespace string, rdb redis.UniversalClient, logger zerolog.Logger) (*Buffer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Buffer{
		cfg:      cfg,
		ns:       namespace,
		logger:   logger,
		rings:    make(map[int32]*ring),
		rdb:      rdb,
		writeSem: semaphore.NewWeighted(cfg.MaxConcurrentWrites),
	}, nil
}

func (b *Buffer) offKey(partition int32, offset int64) string {
	return fmt.Sprintf("%s:off:%d:%d", b.ns, partition, offset)
}

func (b *Buffer) offIdxKey(partition int32) string {
	return fmt.Sprintf("%s:offidx:%d", b.ns, partition)
}

func (b *Buffer) thrKey(threadID, seq string) string {
	return fmt.Sprintf("%s:thr:%s:%s", b.ns, SanitizeThreadID(threadID), seq)
}

func (b *Buffer) thrLegacyKey(threadID, seq string) string {
	return fmt.Sprintf("%s:thr:%s:%s", b.ns, threadID, seq)
}

func (b *Buffer) thrIdxKey(threadID string) string {
	return fmt.Sprintf("%s:thridx:%s", b.ns, SanitizeThreadID(threadID))
}

func (b *Buffer) ringFor(partition int32) *ring {
	b.mu.RLock()
	r := b.rings[partition]
	b.mu.RUnlock()
	if r != nil {
		return r
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if r = b.rings[partition]; r == nil {
		r = newRing(b.cfg.MemoryPerPartition)
		b.rings[partition] = r
	}
	return r
}

// Append stores a frame in the memory ring and schedules the external
// write in the background, bounded by the write semaphore. The caller (the
// consumer loop) is never blocked on Redis.
func (b *Buffer) Append(e Entry) {
	b.ringFor(e.Partition).append(e)

	if b.rdb == nil {
		return
	}
	if !b.writeSem.TryAcquire(1) {
		writesDropped.Inc()
		return
	}
	b.writeWg.Add(1)
	go func() {
		defer func() {
			b.writeSem.Release(1)
			b.writeWg.Done()
		}()
		b.writeExternal(e)
	}()
}

func (b *Buffer) writeExternal(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	env, err := json.Marshal(storedEntry{
		ThreadID:  e.ThreadID,
		Sequence:  e.Sequence,
		Partition: e.Partition,
		Offset:    e.Offset,
		Payload:   e.Payload,
	})
	if err != nil {
		writesFailed.Inc()
		return
	}

	if e.Offset > maxExactScore {
		b.logger.Warn().
			Int64("offset", e.Offset).
			Int32("partition", e.Partition).
			Msg("Offset exceeds exact float64 score range")
	}

	pipe := b.rdb.Pipeline()
	pipe.Set(ctx, b.offKey(e.Partition, e.Offset), env, b.cfg.MessageTTL)
	pipe.ZAdd(ctx, b.offIdxKey(e.Partition), redis.Z{
		Score:  float64(e.Offset),
		Member: strconv.FormatInt(e.Offset, 10),
	})
	pipe.Expire(ctx, b.offIdxKey(e.Partition), b.cfg.MessageTTL)

	if e.ThreadID != "" && !codec.IsSyntheticSequence(e.Sequence) {
		seqScore, scoreOK := sequenceScore(e.Sequence)
		if !scoreOK {
			b.logger.Warn().
				Str("thread_id", e.ThreadID).
				Str("sequence", e.Sequence).
				Msg("Sequence exceeds exact float64 score range")
		}
		pipe.Set(ctx, b.thrKey(e.ThreadID, codec.CanonicalSequence(e.Sequence)), env, b.cfg.MessageTTL)
		pipe.ZAdd(ctx, b.thrIdxKey(e.ThreadID), redis.Z{
			Score:  seqScore,
			Member: codec.CanonicalSequence(e.Sequence),
		})
		pipe.Expire(ctx, b.thrIdxKey(e.ThreadID), b.cfg.MessageTTL)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		writesFailed.Inc()
		b.logger.Warn().Err(err).Msg("Replay buffer external write failed")
		return
	}

	b.maybeTrim(ctx, e)
}

func sequenceScore(seq string) (float64, bool) {
	v, err := strconv.ParseInt(codec.CanonicalSequence(seq), 10, 64)
	if err != nil {
		return math.MaxFloat64, false
	}
	return float64(v), v <= maxExactScore
}

// maybeTrim bounds the ZSET indexes. Size is checked every N writes, not
// on every append.
func (b *Buffer) maybeTrim(ctx context.Context, e Entry) {
	b.writesMu.Lock()
	b.writes++
	due := b.writes%b.cfg.TrimEveryNWrites == 0
	b.writesMu.Unlock()
	if !due {
		return
	}

	idx := b.offIdxKey(e.Partition)
	card, err := b.rdb.ZCard(ctx, idx).Result()
	if err != nil || card <= b.cfg.MaxSequences {
		return
	}
	removed, err := b.rdb.ZRemRangeByRank(ctx, idx, 0, card-b.cfg.MaxSequences-1).Result()
	if err == nil && removed > 0 {
		trimsTotal.Add(float64(removed))
	}
}

// OldestOffset returns the lowest offset retained for a partition across
// both tiers, or false when nothing is retained.
func (b *Buffer) OldestOffset(ctx context.Context, partition int32) (int64, bool) {
	if off, ok := b.ringFor(partition).oldest(); ok {
		if b.rdb == nil {
			return off, true
		}
		// Redis may retain older entries than the ring.
		vals, err := b.rdb.ZRangeWithScores(ctx, b.offIdxKey(partition), 0, 0).Result()
		if err == nil && len(vals) > 0 && int64(vals[0].Score) < off {
			return int64(vals[0].Score), true
		}
		return off, true
	}
	if b.rdb != nil {
		vals, err := b.rdb.ZRangeWithScores(ctx, b.offIdxKey(partition), 0, 0).Result()
		if err == nil && len(vals) > 0 {
			return int64(vals[0].Score), true
		}
	}
	return 0, false
}

// FetchPartitionRange returns up to maxTotal entries at or after the given
// per-partition offsets, truncated fairly across partitions. capped
// reports whether any partition was cut short by the budget.
func (b *Buffer) FetchPartitionRange(ctx context.Context, from map[int32]int64, maxTotal int, timeout time.Duration) ([]Entry, bool, error) {
	if len(from) == 0 || maxTotal <= 0 {
		return nil, false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Fair budget split; remainder goes to the lowest-numbered partitions.
	partitions := make([]int32, 0, len(from))
	for p := range from {
		partitions = append(partitions, p)
	}
	sort.Slice(partitions, func(i, j int) bool { return partitions[i] < partitions[j] })
	per := maxTotal / len(partitions)
	rem := maxTotal % len(partitions)

	var out []Entry
	capped := false
	for i, p := range partitions {
		budget := per
		if i < rem {
			budget++
		}
		if budget == 0 {
			capped = true
			continue
		}
		entries, partCapped, err := b.fetchPartition(ctx, p, from[p], budget)
		if err != nil {
			return out, capped, err
		}
		if partCapped {
			capped = true
		}
		out = append(out, entries...)
	}
	return out, capped, nil
}

func (b *Buffer) fetchPartition(ctx context.Context, partition int32, from int64, limit int) ([]Entry, bool, error) {
	r := b.ringFor(partition)
	mem := r.rangeFrom(from, limit+1)

	memOldest, memHasData := r.oldest()
	needExternal := b.rdb != nil && (!memHasData || memOldest > from)
	if !needExternal {
		if len(mem) > limit {
			return mem[:limit], true, nil
		}
		return mem, false, nil
	}

	// Pull the gap [from, memOldest) from Redis, then splice the ring.
	upper := "+inf"
	if memHasData {
		upper = strconv.FormatInt(memOldest-1, 10)
	}
	members, err := b.rdb.ZRangeByScore(ctx, b.offIdxKey(partition), &redis.ZRangeBy{
		Min:   strconv.FormatInt(from, 10),
		Max:   upper,
		Count: int64(limit + 1),
	}).Result()
	if err != nil && err != redis.Nil {
		return nil, false, fmt.Errorf("replay index fetch: %w", err)
	}

	var out []Entry
	for _, m := range members {
		off, err := strconv.ParseInt(m, 10, 64)
		if err != nil {
			continue
		}
		raw, err := b.rdb.Get(ctx, b.offKey(partition, off)).Bytes()
		if err != nil {
			continue // entry TTL-expired after the index read
		}
		var se storedEntry
		if err := json.Unmarshal(raw, &se); err != nil {
			continue
		}
		out = append(out, Entry{
			Partition: se.Partition,
			Offset:    se.Offset,
			ThreadID:  se.ThreadID,
			Sequence:  se.Sequence,
			Payload:   se.Payload,
		})
		if len(out) >= limit {
			return out, true, nil
		}
	}
	remaining := limit - len(out)
	if remaining > 0 && len(mem) > 0 {
		if len(mem) > remaining {
			return append(out, mem[:remaining]...), true, nil
		}
		out = append(out, mem...)
	}
	return out, len(mem) > limit, nil
}

// FetchThreadRange returns frames for one thread with sequence >= fromSeq,
// including partition/offset so the client can commit cursors after
// applying each frame.
func (b *Buffer) FetchThreadRange(ctx context.Context, threadID, fromSeq string, maxTotal int, timeout time.Duration) ([]Entry, bool, error) {
	if maxTotal <= 0 {
		return nil, false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	fromSeq = codec.CanonicalSequence(fromSeq)
	seen := make(map[string]struct{})
	var out []Entry

	add := func(e Entry) {
		seq := codec.CanonicalSequence(e.Sequence)
		if _, dup := seen[seq]; dup {
			return
		}
		if cmp, err := codec.CompareSequences(seq, fromSeq); err != nil || cmp < 0 {
			return
		}
		seen[seq] = struct{}{}
		out = append(out, e)
	}

	// Memory tier: scan all rings for this thread.
	b.mu.RLock()
	rings := make([]*ring, 0, len(b.rings))
	for _, r := range b.rings {
		rings = append(rings, r)
	}
	b.mu.RUnlock()
	for _, r := range rings {
		for _, e := range r.snapshot() {
			if e.ThreadID == threadID {
				add(e)
			}
		}
	}

	// External tier fills anything the rings already evicted.
	if b.rdb != nil {
		min := "-inf"
		if fromSeq != "" {
			min = fromSeq
		}
		members, err := b.rdb.ZRangeByScore(ctx, b.thrIdxKey(threadID), &redis.ZRangeBy{
			Min:   min,
			Max:   "+inf",
			Count: int64(maxTotal + 1),
		}).Result()
		if err != nil && err != redis.Nil {
			return nil, false, fmt.Errorf("thread index fetch: %w", err)
		}
		for _, seq := range members {
			if _, dup := seen[codec.CanonicalSequence(seq)]; dup {
				continue
			}
			raw, err := b.rdb.Get(ctx, b.thrKey(threadID, seq)).Bytes()
			if err != nil {
				// Legacy scheme wrote raw thread IDs into keys.
				raw, err = b.rdb.Get(ctx, b.thrLegacyKey(threadID, seq)).Bytes()
				if err != nil {
					continue
				}
			}
			var se storedEntry
			if err := json.Unmarshal(raw, &se); err != nil {
				continue
			}
			add(Entry{
				Partition: se.Partition,
				Offset:    se.Offset,
				ThreadID:  se.ThreadID,
				Sequence:  se.Sequence,
				Payload:   se.Payload,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		cmp, err := codec.CompareSequences(out[i].Sequence, out[j].Sequence)
		if err != nil {
			return out[i].Offset < out[j].Offset
		}
		return cmp < 0
	})

	if len(out) > maxTotal {
		return out[:maxTotal], true, nil
	}
	return out, false, nil
}

// KnownPartitions lists partitions with retained data in either tier. The
// external tier is iterated with SCAN, never KEYS.
func (b *Buffer) KnownPartitions(ctx context.Context) ([]int32, error) {
	set := make(map[int32]struct{})
	b.mu.RLock()
	for p := range b.rings {
		set[p] = struct{}{}
	}
	b.mu.RUnlock()

	if b.rdb != nil {
		pattern := b.ns + ":offidx:*"
		var cursor uint64
		for {
			keys, next, err := b.rdb.Scan(ctx, cursor, pattern, 500).Result()
			if err != nil {
				return nil, fmt.Errorf("scan partitions: %w", err)
			}
			for _, k := range keys {
				idx := strings.LastIndexByte(k, ':')
				if idx < 0 {
					continue
				}
				p, err := strconv.ParseInt(k[idx+1:], 10, 32)
				if err != nil {
					continue
				}
				set[int32(p)] = struct{}{}
			}
			cursor = next
			if cursor == 0 {
				break
			}
		}
	}

	out := make([]int32, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

// Clear drains in-flight writes, then deletes the namespace with UNLINK
// semantics. Serialized with appends via drain-then-delete so a racing
// write cannot resurrect deleted keys.
func (b *Buffer) Clear(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.writeWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(b.cfg.ClearTimeout):
		return fmt.Errorf("replay clear: drain exceeded %s", b.cfg.ClearTimeout)
	}

	b.mu.Lock()
	for _, r := range b.rings {
		r.reset()
	}
	b.mu.Unlock()

	if b.rdb == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, b.cfg.ClearTimeout)
	defer cancel()

	var cursor uint64
	for {
		keys, next, err := b.rdb.Scan(ctx, cursor, b.ns+":*", 500).Result()
		if err != nil {
			return fmt.Errorf("replay clear scan: %w", err)
		}
		if len(keys) > 0 {
			if err := b.rdb.Unlink(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("replay clear unlink: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}
