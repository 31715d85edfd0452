package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dashflow-ai/telemetry/internal/codec"
	"github.com/dashflow-ai/telemetry/internal/wire"
)

type producedRecord struct {
	key   string
	value []byte
}

type fakeBroker struct {
	mu       sync.Mutex
	records  []producedRecord
	failures int // fail this many produces before succeeding
	attempts int
	tried    [][]byte // every value passed to Produce, failed or not
}

func (b *fakeBroker) Produce(_ context.Context, key string, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.attempts++
	b.tried = append(b.tried, append([]byte(nil), value...))
	if b.failures > 0 {
		b.failures--
		return fmt.Errorf("transient broker failure")
	}
	snap := make([]byte, len(value))
	copy(snap, value)
	b.records = append(b.records, producedRecord{key: key, value: snap})
	return nil
}

func (b *fakeBroker) Close() {}

func (b *fakeBroker) all() []producedRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]producedRecord, len(b.records))
	copy(out, b.records)
	return out
}

func testConfig() Config {
	return Config{
		Brokers:           []string{"localhost:19092"},
		Topic:             "test",
		QueueSize:         256,
		MaxInflight:       8,
		SendTimeout:       2 * time.Second,
		BatchWindow:       15 * time.Millisecond,
		MaxBatch:          32,
		MaxRetries:        2,
		RetryBackoff:      5 * time.Millisecond,
		FlushTimeout:      5 * time.Second,
		RedactState:       true,
		RedactMetrics:     true,
		RedactTraces:      true,
		EnableStateDiff:   true,
		ManifestSizeLimit: 512000,
		MaxThreadCounters: 100,
	}
}

func newTestSink(t *testing.T, broker Broker) *Sink {
	t.Helper()
	sink, err := NewSink(testConfig(), broker, zerolog.Nop())
	require.NoError(t, err)
	return sink
}

func nodeStart(run, node string) wire.Payload {
	return wire.Payload{Kind: wire.KindNodeStart, NodeStart: &wire.NodeStart{RunID: run, NodeName: node}}
}

func TestBatchingCoalescesPerThread(t *testing.T) {
	broker := &fakeBroker{}
	sink := newTestSink(t, broker)
	defer sink.Shutdown(context.Background())

	sink.EmitEvent("thread-a", nodeStart("run-1", "plan"))
	sink.EmitEvent("thread-a", nodeStart("run-1", "act"))
	sink.EmitEvent("thread-a", nodeStart("run-1", "review"))
	require.NoError(t, sink.Flush(5*time.Second))

	records := broker.all()
	require.Len(t, records, 1)
	assert.Equal(t, "thread-a", records[0].key)

	msg, err := codec.Decode(records[0].value, codec.MaxDecompressedBytes)
	require.NoError(t, err)
	require.Equal(t, wire.KindEventBatch, msg.Payload.Kind)

	// A batch is not itself a sequenced event.
	assert.Equal(t, wire.SyntheticSequence, msg.Header.Sequence)

	inner := msg.Payload.EventBatch.Events
	require.Len(t, inner, 3)
	for i, ev := range inner {
		assert.Equal(t, "thread-a", ev.Header.ThreadID)
		assert.Equal(t, fmt.Sprintf("%d", i+1), ev.Header.Sequence)
		assert.NotEmpty(t, ev.Header.MessageID)
	}
}

func TestBatchesDoNotMixThreads(t *testing.T) {
	broker := &fakeBroker{}
	sink := newTestSink(t, broker)
	defer sink.Shutdown(context.Background())

	sink.EmitEvent("thread-a", nodeStart("run-1", "plan"))
	sink.EmitEvent("thread-b", nodeStart("run-2", "plan"))
	require.NoError(t, sink.Flush(5*time.Second))

	records := broker.all()
	require.Len(t, records, 2)
	keys := map[string]bool{}
	for _, rec := range records {
		keys[rec.key] = true
		msg, err := codec.Decode(rec.value, codec.MaxDecompressedBytes)
		require.NoError(t, err)
		// Single event per thread in the window: no batch wrapper.
		assert.Equal(t, wire.KindNodeStart, msg.Payload.Kind)
		assert.Equal(t, "1", msg.Header.Sequence)
	}
	assert.True(t, keys["thread-a"] && keys["thread-b"])
}

func TestMessageIDStableAcrossRetries(t *testing.T) {
	broker := &fakeBroker{failures: 2}
	sink := newTestSink(t, broker)
	defer sink.Shutdown(context.Background())

	sink.EmitEvent("thread-r", nodeStart("run-1", "plan"))
	require.NoError(t, sink.Flush(5*time.Second))

	records := broker.all()
	require.Len(t, records, 1)
	broker.mu.Lock()
	attempts := broker.attempts
	tried := broker.tried
	broker.mu.Unlock()
	assert.Equal(t, 3, attempts, "two failures then success")

	msg, err := codec.Decode(records[0].value, codec.MaxDecompressedBytes)
	require.NoError(t, err)
	assert.NotEmpty(t, msg.Header.MessageID, "dedupe key survives the retry loop")
	for _, raw := range tried {
		attempt, err := codec.Decode(raw, codec.MaxDecompressedBytes)
		require.NoError(t, err)
		assert.Equal(t, msg.Header.MessageID, attempt.Header.MessageID, "every attempt carries the same messageId")
	}
}

func TestEmitAfterShutdownDrops(t *testing.T) {
	broker := &fakeBroker{}
	sink := newTestSink(t, broker)
	require.NoError(t, sink.Shutdown(context.Background()))

	sink.EmitEvent("thread-x", nodeStart("run-1", "plan"))
	// Nothing published, nothing panics.
	assert.Empty(t, broker.all())
}

func TestGlobalThreadUsesSyntheticSequence(t *testing.T) {
	broker := &fakeBroker{}
	sink := newTestSink(t, broker)
	defer sink.Shutdown(context.Background())

	sink.EmitMetrics("", wire.Metrics{Tags: map[string]string{"graph": "g"}, Values: map[string]float64{"v": 1}})
	require.NoError(t, sink.Flush(5*time.Second))

	records := broker.all()
	require.Len(t, records, 1)
	msg, err := codec.Decode(records[0].value, codec.MaxDecompressedBytes)
	require.NoError(t, err)
	assert.Equal(t, wire.SyntheticSequence, msg.Header.Sequence)
	assert.Equal(t, wire.ScopeCustom, msg.Header.Scope)
}

func TestMetricsTagAllowlist(t *testing.T) {
	broker := &fakeBroker{}
	sink := newTestSink(t, broker)
	defer sink.Shutdown(context.Background())

	sink.EmitMetrics("thread-m", wire.Metrics{
		Tags:   map[string]string{"graph": "g", "user_email": "a@b.c"},
		Values: map[string]float64{"v": 1},
	})
	require.NoError(t, sink.Flush(5*time.Second))

	records := broker.all()
	require.Len(t, records, 1)
	msg, err := codec.Decode(records[0].value, codec.MaxDecompressedBytes)
	require.NoError(t, err)
	m := msg.Payload.Metrics
	assert.Contains(t, m.Tags, "graph")
	assert.NotContains(t, m.Tags, "user_email")
}

func TestGraphStartRejectsOversizedManifest(t *testing.T) {
	broker := &fakeBroker{}
	cfg := testConfig()
	cfg.ManifestSizeLimit = 64
	sink, err := NewSink(cfg, broker, zerolog.Nop())
	require.NoError(t, err)
	defer sink.Shutdown(context.Background())

	big := json.RawMessage(`{"nodes":"` + string(make([]byte, 128)) + `"}`)
	err = sink.EmitGraphStart("thread-g", "run-1", "schema-1", big, nil)
	assert.Error(t, err)
	assert.Empty(t, broker.all())
}

func TestCheckpointThenDiff(t *testing.T) {
	broker := &fakeBroker{}
	sink := newTestSink(t, broker)
	defer sink.Shutdown(context.Background())

	state1 := map[string]any{"step": 1, "notes": "start"}
	state2 := map[string]any{"step": 2, "notes": "start"}

	require.NoError(t, sink.EmitCheckpoint("thread-c", "run-1", "cp-1", state1))
	require.NoError(t, sink.Flush(5*time.Second))
	require.NoError(t, sink.EmitStateUpdate("thread-c", "run-1", state2))
	require.NoError(t, sink.Flush(5*time.Second))

	records := broker.all()
	require.Len(t, records, 2)

	cp, err := codec.Decode(records[0].value, codec.MaxDecompressedBytes)
	require.NoError(t, err)
	require.Equal(t, wire.KindCheckpoint, cp.Payload.Kind)
	assert.Equal(t, "cp-1", cp.Payload.Checkpoint.CheckpointID)

	diffMsg, err := codec.Decode(records[1].value, codec.MaxDecompressedBytes)
	require.NoError(t, err)
	require.Equal(t, wire.KindStateDiff, diffMsg.Payload.Kind)
	diff := diffMsg.Payload.StateDiff
	assert.Equal(t, "cp-1", diff.BaseCheckpointID)
	assert.False(t, diff.Degraded)

	// The patch rebuilds the current state from the checkpoint baseline.
	decoded, err := jsonpatch.DecodePatch(diff.Patch)
	require.NoError(t, err)
	rebuilt, err := decoded.Apply(cp.Payload.Checkpoint.StateJSON)
	require.NoError(t, err)
	wantHash, err := codec.StateHashRaw(rebuilt)
	require.NoError(t, err)
	assert.Equal(t, wantHash, diff.StateHash)
}

func TestStateUpdateWithoutCheckpointFallsBackToSnapshot(t *testing.T) {
	broker := &fakeBroker{}
	sink := newTestSink(t, broker)
	defer sink.Shutdown(context.Background())

	require.NoError(t, sink.EmitStateUpdate("thread-s", "run-9", map[string]any{"a": 1}))
	require.NoError(t, sink.Flush(5*time.Second))

	records := broker.all()
	require.Len(t, records, 1)
	msg, err := codec.Decode(records[0].value, codec.MaxDecompressedBytes)
	require.NoError(t, err)
	assert.Equal(t, wire.KindStateSnapshot, msg.Payload.Kind)
}
