package forwarder

import (
	"math"
	"math/big"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/dashflow-ai/telemetry/internal/codec"
)

// SequenceTracker validates per-thread sequence monotonicity on the
// consume path. Gaps and duplicates are metered, never fatal: delivery is
// at-least-once and consumers dedupe. The tracked-thread map is bounded;
// evicted threads move into a bounded prune set so a pruned thread that
// reappears is accepted with a warning instead of a false gap.
type SequenceTracker struct {
	mu     sync.Mutex
	last   *lru.Cache[string, string]
	pruned *lru.Cache[string, struct{}]
	logger zerolog.Logger
}

// NewSequenceTracker builds a tracker with the given thread cap.
func NewSequenceTracker(maxThreads int, logger zerolog.Logger) (*SequenceTracker, error) {
	t := &SequenceTracker{logger: logger}
	pruned, err := lru.New[string, struct{}](maxThreads)
	if err != nil {
		return nil, err
	}
	t.pruned = pruned
	last, err := lru.NewWithEvict[string, string](maxThreads, func(threadID string, _ string) {
		t.pruned.Add(threadID, struct{}{})
	})
	if err != nil {
		return nil, err
	}
	t.last = last
	return t, nil
}

// SequenceVerdict classifies one observed frame.
type SequenceVerdict int

const (
	SeqOK SequenceVerdict = iota
	SeqDuplicate
	SeqGap
	SeqSynthetic
)

// Observe records a frame's sequence and returns the verdict plus the gap
// width (messages presumed missing) for gaps.
func (t *SequenceTracker) Observe(threadID, sequence string) (SequenceVerdict, int64) {
	if threadID == "" || codec.IsSyntheticSequence(sequence) {
		return SeqSynthetic, 0
	}
	if !codec.ValidSequence(sequence) {
		return SeqSynthetic, 0
	}
	seq := codec.CanonicalSequence(sequence)

	t.mu.Lock()
	defer t.mu.Unlock()

	prev, known := t.last.Get(threadID)
	if !known {
		if _, wasPruned := t.pruned.Get(threadID); wasPruned {
			t.pruned.Remove(threadID)
			t.logger.Warn().
				Str("thread_id", threadID).
				Str("sequence", seq).
				Msg("Pruned thread reappeared - accepting without gap check")
		}
		t.last.Add(threadID, seq)
		return SeqOK, 0
	}

	cmp, err := codec.CompareSequences(seq, prev)
	if err != nil {
		return SeqSynthetic, 0
	}
	switch {
	case cmp <= 0:
		// Do not advance: a replayed older frame must not mask the newer
		// position.
		return SeqDuplicate, 0
	default:
		t.last.Add(threadID, seq)
		gap := gapWidth(prev, seq)
		if gap > 0 {
			return SeqGap, gap
		}
		return SeqOK, 0
	}
}

// gapWidth returns how many sequences were skipped between prev and next
// (0 for a direct successor). Saturates to MaxInt64 on absurd inputs.
func gapWidth(prev, next string) int64 {
	a, ok := new(big.Int).SetString(codec.CanonicalSequence(prev), 10)
	if !ok {
		return 0
	}
	b, ok := new(big.Int).SetString(codec.CanonicalSequence(next), 10)
	if !ok {
		return 0
	}
	diff := new(big.Int).Sub(b, a)
	diff.Sub(diff, big.NewInt(1))
	if diff.Sign() <= 0 {
		return 0
	}
	if !diff.IsInt64() {
		return math.MaxInt64
	}
	return diff.Int64()
}
