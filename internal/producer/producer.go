// Package producer is the in-process telemetry sink embedded in the agent
// runtime. Emit calls never block the caller beyond a bounded try-acquire:
// events flow through a single ordered queue into a batch worker, get
// per-thread sequences and redaction there, and are published to the broker
// at-least-once with bounded concurrency and retries.
package producer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/dashflow-ai/telemetry/internal/codec"
	"github.com/dashflow-ai/telemetry/internal/wire"
)

// ErrFlushTimeout is returned by Flush when pending work did not drain in
// time.
var ErrFlushTimeout = errors.New("producer: flush timeout")

// metricTagAllowlist bounds Metrics payload tag cardinality at the source.
var metricTagAllowlist = map[string]struct{}{
	"graph": {}, "node": {}, "model": {}, "scope": {}, "env": {}, "version": {},
}

// Broker is the at-least-once publish surface the sink needs. Keyed by
// threadId so the broker preserves per-thread FIFO.
type Broker interface {
	Produce(ctx context.Context, key string, value []byte) error
	Close()
}

// KafkaBroker publishes through franz-go with synchronous acks.
type KafkaBroker struct {
	client *kgo.Client
	topic  string
}

// NewKafkaBroker connects a producer-only client. Extra options carry
// transport security from the embedding process's environment.
func NewKafkaBroker(brokers []string, topic string, extra ...kgo.Opt) (*KafkaBroker, error) {
	opts := append([]kgo.Opt{
		kgo.SeedBrokers(brokers...),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerBatchCompression(kgo.ZstdCompression(), kgo.SnappyCompression()),
	}, extra...)
	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka producer: %w", err)
	}
	return &KafkaBroker{client: client, topic: topic}, nil
}

func (b *KafkaBroker) Produce(ctx context.Context, key string, value []byte) error {
	rec := &kgo.Record{Topic: b.topic, Key: []byte(key), Value: value}
	return b.client.ProduceSync(ctx, rec).FirstErr()
}

func (b *KafkaBroker) Close() { b.client.Close() }

type emitRequest struct {
	threadID string
	payload  wire.Payload
}

// Sink is the telemetry producer.
type Sink struct {
	cfg    Config
	logger zerolog.Logger
	broker Broker

	queue   chan emitRequest
	seqs    *ThreadSequenceCounter
	tracker *stateTracker

	sem     *semaphore.Weighted
	pending atomic.Int64
	queued  atomic.Int64
	batched atomic.Int64 // buffered in the batch worker, not yet handed to send

	dropLog *rate.Limiter

	ctx      context.Context
	cancel   context.CancelFunc
	workerWg sync.WaitGroup
	sendWg   sync.WaitGroup
	draining atomic.Bool
}

// NewSink validates config and starts the batch worker.
func NewSink(cfg Config, broker Broker, logger zerolog.Logger) (*Sink, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	seqs, err := NewThreadSequenceCounter(cfg.MaxThreadCounters, func(threadID string, lastSeq uint64) {
		logger.Warn().
			Str("thread_id", threadID).
			Uint64("last_sequence", lastSeq).
			Msg("Sequence counter evicted by LRU cap")
	})
	if err != nil {
		return nil, err
	}
	tracker, err := newStateTracker(cfg.MaxThreadCounters)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Sink{
		cfg:     cfg,
		logger:  logger,
		broker:  broker,
		queue:   make(chan emitRequest, cfg.QueueSize),
		seqs:    seqs,
		tracker: tracker,
		sem:     semaphore.NewWeighted(cfg.MaxInflight),
		dropLog: rate.NewLimiter(rate.Every(10*time.Second), 1),
		ctx:     ctx,
		cancel:  cancel,
	}
	maxPermits.Set(float64(cfg.MaxInflight))

	s.workerWg.Add(1)
	go s.batchWorker()
	return s, nil
}

// EmitEvent enqueues one payload for the batch worker. Never blocks: on a
// full queue the event is dropped, counted, and logged at most once per
// window.
func (s *Sink) EmitEvent(threadID string, payload wire.Payload) {
	s.enqueue(threadID, payload)
}

// EmitMetrics enqueues a metrics payload after enforcing the tag
// allowlist.
func (s *Sink) EmitMetrics(threadID string, m wire.Metrics) {
	if m.Tags != nil {
		for tag := range m.Tags {
			if _, ok := metricTagAllowlist[tag]; !ok {
				delete(m.Tags, tag)
				metricTagsDroppedTotal.Inc()
			}
		}
		if s.cfg.RedactMetrics {
			for tag, v := range m.Tags {
				m.Tags[tag] = RedactString(v)
			}
		}
	}
	s.enqueue(threadID, wire.Payload{Kind: wire.KindMetrics, Metrics: &m})
}

// EmitGraphStart publishes a run start. Oversized manifests are rejected
// here so they never become downstream payload_too_large errors.
func (s *Sink) EmitGraphStart(threadID, runID, schemaID string, manifest json.RawMessage, initialState any) error {
	if len(manifest) > s.cfg.ManifestSizeLimit {
		droppedTotal.WithLabelValues(string(wire.KindGraphStart), "manifest_too_large").Inc()
		return fmt.Errorf("graph manifest %d bytes exceeds limit %d", len(manifest), s.cfg.ManifestSizeLimit)
	}
	gs := &wire.GraphStart{RunID: runID, GraphManifest: manifest, SchemaID: schemaID}
	if s.cfg.EnableStateDiff && initialState != nil {
		stateJSON, err := json.Marshal(initialState)
		if err != nil {
			return fmt.Errorf("marshal initial state: %w", err)
		}
		gs.InitialStateJSON = stateJSON
	}
	s.enqueue(threadID, wire.Payload{Kind: wire.KindGraphStart, GraphStart: gs})
	return nil
}

// EmitCheckpoint publishes a full-state checkpoint and records it as the
// diff baseline for the run.
func (s *Sink) EmitCheckpoint(threadID, runID, checkpointID string, state any) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal checkpoint state: %w", err)
	}
	if s.cfg.RedactState {
		stateJSON = RedactRawJSON(stateJSON)
	}
	hash, err := codec.StateHashRaw(stateJSON)
	if err != nil {
		return fmt.Errorf("hash checkpoint state: %w", err)
	}
	s.tracker.setBaseline(runID, checkpointID, stateJSON)
	s.enqueue(threadID, wire.Payload{Kind: wire.KindCheckpoint, Checkpoint: &wire.Checkpoint{
		RunID:        runID,
		CheckpointID: checkpointID,
		StateJSON:    stateJSON,
		StateHash:    hash,
	}})
	return nil
}

// EmitStateUpdate publishes the current state as a diff against the last
// checkpoint when diffing is enabled and a baseline exists, and as a full
// snapshot otherwise. A redacted patch larger than MaxPayloadBytes falls
// back to a degraded marker rather than shipping an uncappable frame.
func (s *Sink) EmitStateUpdate(threadID, runID string, state any) error {
	stateJSON, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	if s.cfg.RedactState {
		stateJSON = RedactRawJSON(stateJSON)
	}
	hash, err := codec.StateHashRaw(stateJSON)
	if err != nil {
		return fmt.Errorf("hash state: %w", err)
	}

	if s.cfg.EnableStateDiff {
		patch, baseID, diffErr := s.tracker.diff(runID, stateJSON)
		if diffErr == nil {
			if len(patch) > codec.MaxPayloadBytes {
				stateDiffDegradedTotal.WithLabelValues("patch_too_large").Inc()
				s.enqueue(threadID, wire.Payload{Kind: wire.KindStateDiff, StateDiff: &wire.StateDiff{
					RunID:            runID,
					BaseCheckpointID: baseID,
					StateHash:        hash,
					Degraded:         true,
					DegradedReason:   "patch_too_large",
				}})
				return nil
			}
			s.enqueue(threadID, wire.Payload{Kind: wire.KindStateDiff, StateDiff: &wire.StateDiff{
				RunID:            runID,
				BaseCheckpointID: baseID,
				Patch:            patch,
				StateHash:        hash,
			}})
			return nil
		}
	}

	s.enqueue(threadID, wire.Payload{Kind: wire.KindStateSnapshot, StateSnapshot: &wire.StateSnapshot{
		RunID:     runID,
		StateJSON: stateJSON,
		StateHash: hash,
	}})
	return nil
}

// EmitGraphEnd publishes the terminal frame and forgets the run's diff
// baseline.
func (s *Sink) EmitGraphEnd(threadID, runID string, success bool, errorKind string) {
	s.tracker.drop(runID)
	s.enqueue(threadID, wire.Payload{Kind: wire.KindGraphEnd, GraphEnd: &wire.GraphEnd{
		RunID: runID, Success: success, ErrorKind: errorKind,
	}})
}

func (s *Sink) enqueue(threadID string, payload wire.Payload) {
	kind := string(payload.Kind)
	if s.draining.Load() {
		droppedTotal.WithLabelValues(kind, "shutdown").Inc()
		return
	}
	select {
	case s.queue <- emitRequest{threadID: threadID, payload: payload}:
		queueDepth.Set(float64(s.queued.Add(1)))
	default:
		droppedTotal.WithLabelValues(kind, "capacity_limit").Inc()
		if s.dropLog.Allow() {
			s.logger.Warn().
				Str("message_type", kind).
				Int("queue_size", s.cfg.QueueSize).
				Msg("Telemetry queue saturated - dropping events")
		}
	}
}

// batchWorker is the single ordered consumer of the emit queue. All
// telemetry for a thread passes through here in arrival order, so
// NodeStart/NodeEnd/StateDiff cannot be reordered by send scheduling.
func (s *Sink) batchWorker() {
	defer s.workerWg.Done()

	pending := make(map[string][]wire.Message)
	order := make([]string, 0, 16)
	flushTimer := time.NewTimer(s.cfg.BatchWindow)
	defer flushTimer.Stop()

	flushAll := func() {
		for _, tid := range order {
			s.flushThread(tid, pending[tid])
			delete(pending, tid)
		}
		order = order[:0]
		flushTimer.Reset(s.cfg.BatchWindow)
	}

	for {
		select {
		case req, ok := <-s.queue:
			if !ok {
				flushAll()
				return
			}
			s.batched.Add(1)
			queueDepth.Set(float64(s.queued.Add(-1)))
			msg := s.buildMessage(req)
			if _, exists := pending[req.threadID]; !exists {
				order = append(order, req.threadID)
			}
			pending[req.threadID] = append(pending[req.threadID], msg)
			if len(pending[req.threadID]) >= s.cfg.MaxBatch {
				s.flushThread(req.threadID, pending[req.threadID])
				delete(pending, req.threadID)
				for i, tid := range order {
					if tid == req.threadID {
						order = append(order[:i], order[i+1:]...)
						break
					}
				}
			}
		case <-flushTimer.C:
			flushAll()
		case <-s.ctx.Done():
			// Drain whatever is already queued, then flush.
			for {
				select {
				case req, ok := <-s.queue:
					if !ok {
						flushAll()
						return
					}
					s.batched.Add(1)
					queueDepth.Set(float64(s.queued.Add(-1)))
					msg := s.buildMessage(req)
					if _, exists := pending[req.threadID]; !exists {
						order = append(order, req.threadID)
					}
					pending[req.threadID] = append(pending[req.threadID], msg)
				default:
					flushAll()
					return
				}
			}
		}
	}
}

// buildMessage assigns the header. Sequences are per-thread and assigned
// here, on the single worker goroutine, which is what makes them ordered.
// The global thread ("") carries the synthetic sequence.
func (s *Sink) buildMessage(req emitRequest) wire.Message {
	seq := wire.SyntheticSequence
	if req.threadID != "" {
		seq = fmt.Sprintf("%d", s.seqs.Next(req.threadID))
	}
	payload := s.redactPayload(req.payload)
	return wire.Message{
		Header: wire.Header{
			SchemaVersion: codec.ExpectedSchemaVersion,
			MessageID:     uuid.NewString(),
			ThreadID:      req.threadID,
			Sequence:      seq,
			TimestampUs:   uint64(time.Now().UnixMicro()),
			Scope:         scopeFor(req.payload.Kind),
		},
		Payload: payload,
	}
}

func scopeFor(kind wire.PayloadKind) wire.Scope {
	switch kind {
	case wire.KindLlmCallCompleted, wire.KindTokenChunk:
		return wire.ScopeLLM
	case wire.KindDecisionMade, wire.KindOutcomeObserved:
		return wire.ScopeQuality
	case wire.KindMetrics:
		return wire.ScopeCustom
	default:
		return wire.ScopePlatform
	}
}

func (s *Sink) redactPayload(p wire.Payload) wire.Payload {
	if !s.cfg.RedactTraces {
		return p
	}
	switch p.Kind {
	case wire.KindToolExecution:
		if p.ToolExecution != nil {
			te := *p.ToolExecution
			te.InputRedacted = RedactString(te.InputRedacted)
			te.OutputRedacted = RedactString(te.OutputRedacted)
			p.ToolExecution = &te
		}
	case wire.KindDecisionMade:
		if p.DecisionMade != nil {
			dm := *p.DecisionMade
			dm.ReasonRedacted = RedactString(dm.ReasonRedacted)
			p.DecisionMade = &dm
		}
	case wire.KindGraphError:
		if p.GraphError != nil {
			ge := *p.GraphError
			ge.Message = RedactString(ge.Message)
			p.GraphError = &ge
		}
	}
	return p
}

// flushThread sends one thread's window. A single message goes out as
// itself; multiple coalesce into an EventBatch whose outer header carries
// the synthetic sequence (a batch is not itself a sequenced logical event).
func (s *Sink) flushThread(threadID string, msgs []wire.Message) {
	if len(msgs) == 0 {
		return
	}
	// Decremented only after the send task holds its pending count, so
	// Flush never observes a frame in neither accounting bucket.
	defer s.batched.Add(int64(-len(msgs)))
	var outer wire.Message
	if len(msgs) == 1 {
		outer = msgs[0]
	} else {
		outer = wire.Message{
			Header: wire.Header{
				SchemaVersion: codec.ExpectedSchemaVersion,
				MessageID:     uuid.NewString(),
				ThreadID:      threadID,
				Sequence:      wire.SyntheticSequence,
				TimestampUs:   uint64(time.Now().UnixMicro()),
				Scope:         wire.ScopePlatform,
			},
			Payload: wire.Payload{Kind: wire.KindEventBatch, EventBatch: &wire.EventBatch{Events: msgs}},
		}
	}

	messageType := string(outer.Payload.Kind)

	// Encode once, before the retry loop: the messageId baked into these
	// bytes is the downstream dedupe key and must be identical across
	// retries.
	frame, err := codec.Encode(&outer)
	if err != nil {
		droppedTotal.WithLabelValues(messageType, "encode_failed").Inc()
		s.logger.Error().Err(err).Str("message_type", messageType).Msg("Failed to encode telemetry frame")
		return
	}
	s.spawnTracked(messageType, threadID, frame)
}

// spawnTracked runs the send under the inflight semaphore. Failure to get a
// permit within SendTimeout is a capacity drop labeled with the actual
// message type.
func (s *Sink) spawnTracked(messageType, key string, frame []byte) {
	s.sendWg.Add(1)
	pendingTasks.Set(float64(s.pending.Add(1)))

	go func() {
		defer func() {
			pendingTasks.Set(float64(s.pending.Add(-1)))
			s.sendWg.Done()
		}()

		acquireCtx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
		err := s.sem.Acquire(acquireCtx, 1)
		cancel()
		if err != nil {
			droppedTotal.WithLabelValues(messageType, "capacity_limit").Inc()
			if s.dropLog.Allow() {
				s.logger.Warn().
					Str("message_type", messageType).
					Msg("Send permit not acquired within timeout - dropping")
			}
			return
		}
		inflightPermits.Inc()
		defer func() {
			inflightPermits.Dec()
			s.sem.Release(1)
		}()

		s.sendWithRetries(messageType, key, frame)
	}()
}

func (s *Sink) sendWithRetries(messageType, key string, frame []byte) {
	backoff := s.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.SendTimeout)
		err := s.broker.Produce(ctx, key, frame)
		cancel()
		if err == nil {
			return
		}
		sendFailuresTotal.WithLabelValues("produce").Inc()
		if attempt >= s.cfg.MaxRetries {
			dlqTotal.Inc()
			s.logger.Error().
				Err(err).
				Str("message_type", messageType).
				Int("attempts", attempt+1).
				Msg("Broker send exhausted retries")
			return
		}
		// Exponential backoff with ±50% jitter.
		sleep := backoff + time.Duration(rand.Int63n(int64(backoff)+1)) - backoff/2
		time.Sleep(sleep)
		backoff *= 2
	}
}

// Flush blocks until all queued and inflight work completes or the timeout
// elapses.
func (s *Sink) Flush(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if s.queued.Load() == 0 && s.batched.Load() == 0 && s.pending.Load() == 0 {
			return nil
		}
		time.Sleep(5 * time.Millisecond)
	}
	return ErrFlushTimeout
}

// Shutdown transitions to draining, flushes within the configured timeout,
// and closes the broker.
func (s *Sink) Shutdown(ctx context.Context) error {
	if !s.draining.CompareAndSwap(false, true) {
		return nil
	}
	flushErr := s.Flush(s.cfg.FlushTimeout)

	s.cancel()
	s.workerWg.Wait()

	done := make(chan struct{})
	go func() {
		s.sendWg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn().Msg("Shutdown context expired before sends drained")
	case <-time.After(s.cfg.FlushTimeout):
		s.logger.Warn().Msg("Send drain exceeded flush timeout")
	}

	s.broker.Close()
	return flushErr
}
