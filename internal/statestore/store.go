// Package statestore reconstructs per-run graph timelines from the
// telemetry stream: snapshots, JSON-Patch diffs against checkpoints, node
// states, and corruption detection with strict cursor-commit discipline.
// The connection layer lives in client.go; this file is the apply engine.
package statestore

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/dashflow-ai/telemetry/internal/codec"
	"github.com/dashflow-ai/telemetry/internal/wire"
)

// Options bound the store.
type Options struct {
	MaxRuns          int
	MaxEventsPerRun  int
	MaxCheckpoints   int
	MaxDedupeEntries int
	MaxSnapshotBytes int
	MaxSchemaThreads int

	Logger zerolog.Logger

	// OnCorruption fires when a run goes corrupted; the connection layer
	// bumps its epoch and reconnects.
	OnCorruption func(runID string, details CorruptionDetails)

	// NowMs is a clock hook for tests.
	NowMs func() int64
}

func (o *Options) withDefaults() {
	if o.MaxRuns <= 0 {
		o.MaxRuns = 200
	}
	if o.MaxEventsPerRun <= 0 {
		o.MaxEventsPerRun = 2000
	}
	if o.MaxCheckpoints <= 0 {
		o.MaxCheckpoints = 16
	}
	if o.MaxDedupeEntries <= 0 {
		o.MaxDedupeEntries = 8192
	}
	if o.MaxSnapshotBytes <= 0 {
		o.MaxSnapshotBytes = codec.MaxDecompressedBytes
	}
	if o.MaxSchemaThreads <= 0 {
		o.MaxSchemaThreads = 64
	}
	if o.NowMs == nil {
		o.NowMs = func() int64 { return time.Now().UnixMilli() }
	}
}

// ApplyResult reports what happened to one frame. Committed is the cursor
// gate: a cursor may be persisted only for frames that fully applied.
type ApplyResult struct {
	Committed bool
	RunID     string
	Err       error
}

type schemaObs struct {
	threadIDs map[string]struct{}
}

// Store is the run reconstruction engine. All mutation happens under mu on
// the caller's FIFO apply path; only hash verification runs async,
// serialized per run.
type Store struct {
	opts Options

	mu     sync.Mutex
	runs   *lru.Cache[string, *Run]
	dedupe *lru.Cache[string, struct{}]

	schemaMismatch     bool
	schemaObservations *lru.Cache[string, *schemaObs]
	expectedNodes      map[string]map[string]struct{} // schemaID → node set

	corruptedRuns int
}

// New builds a store.
func New(opts Options) (*Store, error) {
	opts.withDefaults()
	runs, err := lru.New[string, *Run](opts.MaxRuns)
	if err != nil {
		return nil, err
	}
	dedupe, err := lru.New[string, struct{}](opts.MaxDedupeEntries)
	if err != nil {
		return nil, err
	}
	schemaObservations, err := lru.New[string, *schemaObs](256)
	if err != nil {
		return nil, err
	}
	return &Store{
		opts:               opts,
		runs:               runs,
		dedupe:             dedupe,
		schemaObservations: schemaObservations,
		expectedNodes:      make(map[string]map[string]struct{}),
	}, nil
}

// SetSchemaMismatch flips the banner state. While set, payloads are not
// applied and cursors are not committed.
func (s *Store) SetSchemaMismatch(mismatch bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schemaMismatch = mismatch
}

// SchemaMismatch reports the banner state.
func (s *Store) SchemaMismatch() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schemaMismatch
}

// SetExpectedNodes installs the expected-schema baseline node set used for
// drift badges.
func (s *Store) SetExpectedNodes(schemaID string, nodes []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	set := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		set[n] = struct{}{}
	}
	s.expectedNodes[schemaID] = set
}

// CorruptedRuns reports the count behind the "Corrupted runs (N)" banner.
func (s *Store) CorruptedRuns() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.corruptedRuns
}

// Ingest applies one decoded frame. Batches unbatch recursively; each
// inner event stands on its own header. The result's Committed covers the
// whole frame: a batch commits only when every inner event either applied
// or deduped.
func (s *Store) Ingest(msg *wire.Message) ApplyResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ingestLocked(msg, nil)
}

// ingestLocked handles one message; batchHeader carries the outer header
// for timestamp fallback inside batches.
func (s *Store) ingestLocked(msg *wire.Message, batchHeader *wire.Header) ApplyResult {
	if s.schemaMismatch {
		return ApplyResult{Committed: false, Err: ErrSchemaMismatch}
	}

	key := dedupeKey(msg)
	if _, dup := s.dedupe.Get(key); dup {
		return ApplyResult{Committed: true}
	}

	if msg.Payload.Kind == wire.KindEventBatch {
		res := s.ingestBatch(msg)
		if res.Committed {
			s.dedupe.Add(key, struct{}{})
		}
		return res
	}

	tsMs := timestampMs(&msg.Header, batchHeader, s.opts.NowMs, s.opts.Logger)
	res := s.applyPayload(msg, tsMs)
	if res.Committed {
		s.dedupe.Add(key, struct{}{})
	}
	return res
}

func (s *Store) ingestBatch(msg *wire.Message) ApplyResult {
	batch := msg.Payload.EventBatch
	// Mixed-thread batches are a producer defect: diagnosed, counted in
	// the record, and still applied per-event.
	for i := range batch.Events {
		if batch.Events[i].Header.ThreadID != msg.Header.ThreadID {
			s.opts.Logger.Warn().
				Str("batch_thread", msg.Header.ThreadID).
				Str("inner_thread", batch.Events[i].Header.ThreadID).
				Msg("Event batch mixes thread IDs")
			break
		}
	}

	committed := true
	var firstErr error
	for i := range batch.Events {
		res := s.ingestLocked(&batch.Events[i], &msg.Header)
		if !res.Committed {
			committed = false
			if firstErr == nil {
				firstErr = res.Err
			}
		}
	}
	return ApplyResult{Committed: committed, Err: firstErr}
}

// dedupeKey is messageId first, kind+thread+canonical-sequence as the
// fallback. Synthetic sequences always fall back to messageId, which every
// producer-built frame carries.
func dedupeKey(msg *wire.Message) string {
	if msg.Header.MessageID != "" {
		return msg.Header.MessageID
	}
	return string(msg.Payload.Kind) + ":" + msg.Header.ThreadID + ":" + codec.CanonicalSequence(msg.Header.Sequence)
}

// timestampMs converts the producer's microsecond clock with finiteness
// and sanity guards; absurd values fall back to the batch header, then to
// local arrival time.
func timestampMs(h *wire.Header, batch *wire.Header, nowMs func() int64, logger zerolog.Logger) int64 {
	const (
		minSaneMs = 946684800000   // 2000-01-01
		maxSkewMs = 24 * 3600 * 1000
	)
	now := nowMs()
	candidate := int64(h.TimestampUs / 1000)
	if candidate >= minSaneMs && candidate <= now+maxSkewMs {
		return candidate
	}
	if batch != nil {
		fallback := int64(batch.TimestampUs / 1000)
		if fallback >= minSaneMs && fallback <= now+maxSkewMs {
			logger.Warn().
				Str("message_id", h.MessageID).
				Uint64("timestamp_us", h.TimestampUs).
				Msg("Inner event timestamp out of range - using batch timestamp")
			return fallback
		}
	}
	return now
}

func (s *Store) runFor(runID, threadID string, create bool) *Run {
	if run, ok := s.runs.Get(runID); ok {
		// Access refreshes recency, so LRU eviction tracks arrival order.
		run.ArrivalTimeMs = s.opts.NowMs()
		return run
	}
	if !create {
		return nil
	}
	run := newRun(runID, threadID, s.opts.NowMs())
	s.runs.Add(runID, run)
	return run
}

func (s *Store) applyPayload(msg *wire.Message, tsMs int64) ApplyResult {
	runID := msg.Payload.RunID()
	if runID == "" {
		// Global frames (metrics and friends) carry no run mutation.
		return ApplyResult{Committed: true}
	}
	run := s.runFor(runID, msg.Header.ThreadID, true)
	seq := codec.CanonicalSequence(msg.Header.Sequence)

	res := ApplyResult{Committed: true, RunID: runID}
	switch msg.Payload.Kind {
	case wire.KindGraphStart:
		gs := msg.Payload.GraphStart
		run.StartTimeMs = tsMs
		run.SchemaID = gs.SchemaID
		if len(gs.InitialStateJSON) > 0 {
			run.State = gs.InitialStateJSON
		}
		s.observeSchema(gs.SchemaID, msg.Header.ThreadID)
		run.appendEvent(EventRecord{Kind: "graph_start", Sequence: seq, TimestampMs: tsMs}, s.opts.MaxEventsPerRun)

	case wire.KindCheckpoint:
		cp := msg.Payload.Checkpoint
		run.storeCheckpoint(seq, cp.CheckpointID, cp.StateJSON, s.opts.MaxCheckpoints)
		run.State = cp.StateJSON
		run.LatestStateHash = cp.StateHash
		run.NeedsResync = false
		s.verifyHashAsync(run, cp.StateJSON, cp.StateHash, seq, true)
		run.appendEvent(EventRecord{Kind: "checkpoint", Sequence: seq, TimestampMs: tsMs, Detail: cp.CheckpointID}, s.opts.MaxEventsPerRun)

	case wire.KindStateDiff:
		return s.applyStateDiff(run, msg, seq, tsMs)

	case wire.KindStateSnapshot:
		snap := msg.Payload.StateSnapshot
		if len(snap.StateJSON) > s.opts.MaxSnapshotBytes {
			return ApplyResult{Committed: false, RunID: runID, Err: ErrSnapshotTooLarge}
		}
		run.State = snap.StateJSON
		run.LatestStateHash = snap.StateHash
		run.NeedsResync = false
		s.verifyHashAsync(run, snap.StateJSON, snap.StateHash, seq, true)
		run.appendEvent(EventRecord{Kind: "state_snapshot", Sequence: seq, TimestampMs: tsMs}, s.opts.MaxEventsPerRun)

	case wire.KindNodeStart:
		ns := msg.Payload.NodeStart
		state := run.NodeStates[ns.NodeName]
		if state == nil {
			state = &NodeState{}
			run.NodeStates[ns.NodeName] = state
		}
		state.Status = "running"
		state.StartedAtMs = tsMs
		state.Executions++
		run.ObservedNodes[ns.NodeName] = struct{}{}
		run.CurrentNode = ns.NodeName
		s.noteNodeSchema(run, ns.NodeName)
		run.appendEvent(EventRecord{Kind: "node_start", Sequence: seq, TimestampMs: tsMs, NodeName: ns.NodeName}, s.opts.MaxEventsPerRun)

	case wire.KindNodeEnd:
		ne := msg.Payload.NodeEnd
		state := run.NodeStates[ne.NodeName]
		if state == nil {
			state = &NodeState{Executions: 1}
			run.NodeStates[ne.NodeName] = state
		}
		if ne.Success {
			state.Status = "success"
		} else {
			state.Status = "failure"
			state.ErrorKind = ne.ErrorKind
		}
		// Producer timing wins; the local clock difference is only a
		// fallback and never goes negative.
		if ne.DurationUs > 0 {
			state.DurationMs = int64(ne.DurationUs / 1000)
		} else if state.StartedAtMs > 0 {
			d := tsMs - state.StartedAtMs
			if d < 0 {
				d = 0
			}
			state.DurationMs = d
		}
		if run.CurrentNode == ne.NodeName {
			run.CurrentNode = ""
		}
		run.ObservedNodes[ne.NodeName] = struct{}{}
		run.appendEvent(EventRecord{Kind: "node_end", Sequence: seq, TimestampMs: tsMs, NodeName: ne.NodeName}, s.opts.MaxEventsPerRun)

	case wire.KindEdgeEvaluated:
		ee := msg.Payload.EdgeEvaluated
		detail := ee.From + "->" + ee.To
		if !ee.Taken {
			detail += " (skipped)"
		}
		run.appendEvent(EventRecord{Kind: "edge_evaluated", Sequence: seq, TimestampMs: tsMs, Detail: detail}, s.opts.MaxEventsPerRun)

	case wire.KindGraphEnd:
		ge := msg.Payload.GraphEnd
		if ge.Success {
			run.Status = StatusCompleted
		} else {
			run.Status = StatusFailed
		}
		run.Terminal = true
		run.CurrentNode = ""
		run.appendEvent(EventRecord{Kind: "graph_end", Sequence: seq, TimestampMs: tsMs}, s.opts.MaxEventsPerRun)

	case wire.KindGraphError:
		ge := msg.Payload.GraphError
		run.Status = StatusFailed
		run.Terminal = true
		run.CurrentNode = ""
		run.appendEvent(EventRecord{Kind: "graph_error", Sequence: seq, TimestampMs: tsMs, Detail: ge.ErrorKind}, s.opts.MaxEventsPerRun)

	case wire.KindTokenChunk:
		tc := msg.Payload.TokenChunk
		run.appendEvent(EventRecord{Kind: "token_chunk", Sequence: seq, TimestampMs: tsMs, NodeName: tc.NodeName}, s.opts.MaxEventsPerRun)

	case wire.KindToolExecution:
		te := msg.Payload.ToolExecution
		run.appendEvent(EventRecord{Kind: "tool_execution", Sequence: seq, TimestampMs: tsMs, NodeName: te.NodeName, Detail: te.ToolName}, s.opts.MaxEventsPerRun)

	case wire.KindDecisionMade:
		dm := msg.Payload.DecisionMade
		run.appendEvent(EventRecord{Kind: "decision_made", Sequence: seq, TimestampMs: tsMs, Detail: dm.Key + "=" + dm.Chosen}, s.opts.MaxEventsPerRun)

	case wire.KindOutcomeObserved:
		oo := msg.Payload.OutcomeObserved
		run.appendEvent(EventRecord{Kind: "outcome_observed", Sequence: seq, TimestampMs: tsMs, Detail: oo.DecisionKey + "=" + oo.OutcomeTag}, s.opts.MaxEventsPerRun)

	case wire.KindLlmCallCompleted:
		run.appendEvent(EventRecord{Kind: "llm_call_completed", Sequence: seq, TimestampMs: tsMs}, s.opts.MaxEventsPerRun)
	}

	if !codec.IsSyntheticSequence(msg.Header.Sequence) && msg.Header.ThreadID != "" {
		run.LastAppliedSeqPerThread[msg.Header.ThreadID] = seq
	}
	return res
}

// applyStateDiff verifies the base, applies the patch, and schedules hash
// verification. Diffs never apply onto a run already waiting for resync.
func (s *Store) applyStateDiff(run *Run, msg *wire.Message, seq string, tsMs int64) ApplyResult {
	diff := msg.Payload.StateDiff

	if diff.Degraded {
		// The producer could not ship this diff; state is unknown until a
		// snapshot or checkpoint arrives.
		run.NeedsResync = true
		run.appendEvent(EventRecord{Kind: "state_diff_degraded", Sequence: seq, TimestampMs: tsMs, Detail: diff.DegradedReason}, s.opts.MaxEventsPerRun)
		return ApplyResult{Committed: true, RunID: run.RunID}
	}

	if run.NeedsResync {
		return ApplyResult{Committed: false, RunID: run.RunID, Err: fmt.Errorf("run %s awaiting resync", run.RunID)}
	}
	if diff.BaseCheckpointID != run.LastCheckpointID {
		run.NeedsResync = true
		s.opts.Logger.Warn().
			Str("run_id", run.RunID).
			Str("base_checkpoint", diff.BaseCheckpointID).
			Str("last_checkpoint", run.LastCheckpointID).
			Msg("State diff base mismatch - resync required")
		return ApplyResult{Committed: false, RunID: run.RunID, Err: fmt.Errorf("diff base %q does not match last checkpoint %q", diff.BaseCheckpointID, run.LastCheckpointID)}
	}

	base, ok := run.checkpointState(diff.BaseCheckpointID)
	if !ok {
		base = run.State
	}
	next, err := ApplyPatch(base, diff.Patch)
	if err != nil {
		details := CorruptionDetails{
			Sequence:    seq,
			TimestampMs: s.opts.NowMs(),
			Reason:      "patch_apply_failed",
		}
		s.markCorruptedLocked(run, details)
		return ApplyResult{Committed: false, RunID: run.RunID, Err: &PatchError{RunID: run.RunID, Err: err}}
	}

	run.State = next
	run.LatestStateHash = diff.StateHash
	s.verifyHashAsync(run, next, diff.StateHash, seq, false)
	run.appendEvent(EventRecord{Kind: "state_diff", Sequence: seq, TimestampMs: tsMs}, s.opts.MaxEventsPerRun)
	return ApplyResult{Committed: true, RunID: run.RunID}
}

// verifyHashAsync runs the sha256 check off the apply path, serialized per
// run by the verify mutex so concurrent diffs cannot race verification.
// recovery marks whether a matching hash clears corruption (snapshots and
// checkpoints do; diffs only confirm).
func (s *Store) verifyHashAsync(run *Run, state json.RawMessage, expected, seq string, recovery bool) {
	if expected == "" {
		return
	}
	stateCopy := make(json.RawMessage, len(state))
	copy(stateCopy, state)

	go func() {
		run.verifyMu.Lock()
		defer run.verifyMu.Unlock()

		if hasUnsafeIntegers(stateCopy) {
			s.mu.Lock()
			if !run.hashWarned {
				run.hashWarned = true
				s.opts.Logger.Warn().
					Str("run_id", run.RunID).
					Msg("State contains integers beyond 2^53 - hash verification skipped on this client")
			}
			s.mu.Unlock()
			return
		}

		computed, err := codec.StateHashRaw(stateCopy)
		if err != nil {
			s.mu.Lock()
			s.markCorruptedLocked(run, CorruptionDetails{
				Sequence: seq, TimestampMs: s.opts.NowMs(), Reason: "snapshot_parse_failed",
			})
			s.mu.Unlock()
			return
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		if computed != expected {
			s.markCorruptedLocked(run, CorruptionDetails{
				Sequence:     seq,
				ExpectedHash: expected,
				ComputedHash: computed,
				TimestampMs:  s.opts.NowMs(),
				Reason:       "hash_mismatch",
			})
			return
		}
		if recovery && run.Corrupted {
			run.Corrupted = false
			run.CorruptionDetails = nil
			if s.corruptedRuns > 0 {
				s.corruptedRuns--
			}
		}
	}()
}

func (s *Store) markCorruptedLocked(run *Run, details CorruptionDetails) {
	if !run.Corrupted {
		s.corruptedRuns++
	}
	run.Corrupted = true
	run.CorruptionDetails = &details
	s.opts.Logger.Error().
		Str("run_id", run.RunID).
		Str("sequence", details.Sequence).
		Str("reason", details.Reason).
		Str("expected_hash", details.ExpectedHash).
		Str("computed_hash", details.ComputedHash).
		Msg("Run state corrupted")
	if s.opts.OnCorruption != nil {
		// The callback runs on its own goroutine, so it never executes
		// under the store lock; it only signals and must not reenter the
		// store.
		go s.opts.OnCorruption(run.RunID, details)
	}
}

func (s *Store) observeSchema(schemaID, threadID string) {
	if schemaID == "" {
		return
	}
	obs, ok := s.schemaObservations.Get(schemaID)
	if !ok {
		obs = &schemaObs{threadIDs: make(map[string]struct{})}
		s.schemaObservations.Add(schemaID, obs)
	}
	if len(obs.threadIDs) < s.opts.MaxSchemaThreads {
		obs.threadIDs[threadID] = struct{}{}
	}
}

func (s *Store) noteNodeSchema(run *Run, nodeName string) {
	expected, ok := s.expectedNodes[run.SchemaID]
	if !ok {
		return
	}
	if _, known := expected[nodeName]; !known {
		run.OutOfSchemaNodes++
	}
}

// hasUnsafeIntegers reports whether any integer in the tree exceeds the JS
// safe-integer range, which makes cross-language hash comparison unsound.
func hasUnsafeIntegers(raw json.RawMessage) bool {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return false
	}
	maxSafe := big.NewInt(1)
	maxSafe.Lsh(maxSafe, 53)
	var walk func(any) bool
	walk = func(node any) bool {
		switch val := node.(type) {
		case json.Number:
			i, ok := new(big.Int).SetString(string(val), 10)
			if !ok {
				return false // not an integer
			}
			return i.CmpAbs(maxSafe) > 0
		case map[string]any:
			for _, elem := range val {
				if walk(elem) {
					return true
				}
			}
		case []any:
			for _, elem := range val {
				if walk(elem) {
					return true
				}
			}
		}
		return false
	}
	return walk(v)
}

// RunView is the immutable snapshot handed to the UI layer.
type RunView struct {
	RunID            string
	ThreadID         string
	SchemaID         string
	Status           RunStatus
	StartTimeMs      int64
	ArrivalTimeMs    int64
	LatestStateHash  string
	LastCheckpointID string
	CurrentNode      string
	EventCount       int
	NodeStates       map[string]NodeState
	OutOfSchemaNodes int
	Corruption       *CorruptionDetails
}

// Runs returns the view-model, newest arrival first.
func (s *Store) Runs() []RunView {
	s.mu.Lock()
	defer s.mu.Unlock()

	views := make([]RunView, 0, s.runs.Len())
	for _, runID := range s.runs.Keys() {
		run, ok := s.runs.Peek(runID)
		if !ok {
			continue
		}
		nodes := make(map[string]NodeState, len(run.NodeStates))
		for name, st := range run.NodeStates {
			nodes[name] = *st
		}
		views = append(views, RunView{
			RunID:            run.RunID,
			ThreadID:         run.ThreadID,
			SchemaID:         run.SchemaID,
			Status:           run.effectiveStatus(),
			StartTimeMs:      run.StartTimeMs,
			ArrivalTimeMs:    run.ArrivalTimeMs,
			LatestStateHash:  run.LatestStateHash,
			LastCheckpointID: run.LastCheckpointID,
			CurrentNode:      run.CurrentNode,
			EventCount:       len(run.Events),
			NodeStates:       nodes,
			OutOfSchemaNodes: run.OutOfSchemaNodes,
			Corruption:       run.CorruptionDetails,
		})
	}
	sort.Slice(views, func(i, j int) bool { return views[i].ArrivalTimeMs > views[j].ArrivalTimeMs })
	return views
}

// Run returns a single run's view.
func (s *Store) Run(runID string) (RunView, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs.Peek(runID)
	if !ok {
		return RunView{}, false
	}
	nodes := make(map[string]NodeState, len(run.NodeStates))
	for name, st := range run.NodeStates {
		nodes[name] = *st
	}
	return RunView{
		RunID:            run.RunID,
		ThreadID:         run.ThreadID,
		SchemaID:         run.SchemaID,
		Status:           run.effectiveStatus(),
		StartTimeMs:      run.StartTimeMs,
		ArrivalTimeMs:    run.ArrivalTimeMs,
		LatestStateHash:  run.LatestStateHash,
		LastCheckpointID: run.LastCheckpointID,
		CurrentNode:      run.CurrentNode,
		EventCount:       len(run.Events),
		NodeStates:       nodes,
		OutOfSchemaNodes: run.OutOfSchemaNodes,
		Corruption:       run.CorruptionDetails,
	}, true
}

// MarkActiveRunsNeedsResync flags every non-terminal run; used when the
// server reports stale cursors.
func (s *Store) MarkActiveRunsNeedsResync() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, runID := range s.runs.Keys() {
		if run, ok := s.runs.Peek(runID); ok && !run.Terminal {
			run.NeedsResync = true
		}
	}
}

// LastSequences returns the per-thread resume map accumulated across runs.
func (s *Store) LastSequences() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string)
	for _, runID := range s.runs.Keys() {
		run, ok := s.runs.Peek(runID)
		if !ok {
			continue
		}
		for tid, seq := range run.LastAppliedSeqPerThread {
			cur, exists := out[tid]
			if !exists {
				out[tid] = seq
				continue
			}
			if cmp, err := codec.CompareSequences(seq, cur); err == nil && cmp > 0 {
				out[tid] = seq
			}
		}
	}
	return out
}
