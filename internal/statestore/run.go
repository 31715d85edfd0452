package statestore

import (
	"encoding/json"
	"sync"
)

// RunStatus is the client-side run lifecycle.
type RunStatus string

const (
	StatusRunning     RunStatus = "running"
	StatusCompleted   RunStatus = "completed"
	StatusFailed      RunStatus = "failed"
	StatusNeedsResync RunStatus = "needs_resync"
	StatusCorrupted   RunStatus = "corrupted"
)

// NodeState tracks one node's latest execution.
type NodeState struct {
	Status      string `json:"status"` // running | success | failure
	StartedAtMs int64  `json:"startedAtMs"`
	DurationMs  int64  `json:"durationMs"`
	Executions  int    `json:"executions"`
	ErrorKind   string `json:"errorKind,omitempty"`
}

// EventRecord is one timeline entry, bounded FIFO per run.
type EventRecord struct {
	Kind        string `json:"kind"`
	Sequence    string `json:"sequence"`
	TimestampMs int64  `json:"timestampMs"`
	NodeName    string `json:"nodeName,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// CorruptionDetails records why a run went corrupted.
type CorruptionDetails struct {
	Sequence     string `json:"seq"`
	ExpectedHash string `json:"expectedHash"`
	ComputedHash string `json:"computedHash"`
	TimestampMs  int64  `json:"timestampMs"`
	Reason       string `json:"reason"`
}

type checkpointRef struct {
	Sequence     string
	CheckpointID string
}

// Run is the reconstructed per-run graph timeline. All mutation happens on
// the store's apply path; the verification mutex serializes async hash
// checks per run so concurrent diffs cannot race each other.
type Run struct {
	RunID    string
	ThreadID string
	SchemaID string

	Status        RunStatus
	Terminal      bool
	NeedsResync   bool
	Corrupted     bool
	StartTimeMs   int64
	ArrivalTimeMs int64 // local clock; LRU eviction keys on this, never the producer clock

	State           json.RawMessage
	LatestStateHash string

	LastAppliedSeqPerThread map[string]string
	LastCheckpointID        string

	// Checkpoints: bounded by sequence order, the by-ID index evicted in
	// lockstep so a surviving ref always resolves.
	checkpointsBySeq []checkpointRef
	checkpointsByID  map[string]json.RawMessage

	Events        []EventRecord
	NodeStates    map[string]*NodeState
	ObservedNodes map[string]struct{}
	CurrentNode   string

	OutOfSchemaNodes  int
	CorruptionDetails *CorruptionDetails

	// verifyMu serializes the per-run hash verification chain.
	verifyMu sync.Mutex

	// hashWarned limits the big-integer skip warning to once per run.
	hashWarned bool
}

func newRun(runID, threadID string, arrivalMs int64) *Run {
	return &Run{
		RunID:                   runID,
		ThreadID:                threadID,
		Status:                  StatusRunning,
		ArrivalTimeMs:           arrivalMs,
		LastAppliedSeqPerThread: make(map[string]string),
		checkpointsByID:         make(map[string]json.RawMessage),
		NodeStates:              make(map[string]*NodeState),
		ObservedNodes:           make(map[string]struct{}),
	}
}

// storeCheckpoint records a checkpoint, evicting the oldest by sequence
// when over the cap. Both indexes move together.
func (r *Run) storeCheckpoint(seq, checkpointID string, state json.RawMessage, maxCheckpoints int) {
	if _, exists := r.checkpointsByID[checkpointID]; !exists {
		r.checkpointsBySeq = append(r.checkpointsBySeq, checkpointRef{Sequence: seq, CheckpointID: checkpointID})
	}
	r.checkpointsByID[checkpointID] = state
	for len(r.checkpointsBySeq) > maxCheckpoints {
		evicted := r.checkpointsBySeq[0]
		r.checkpointsBySeq = r.checkpointsBySeq[1:]
		delete(r.checkpointsByID, evicted.CheckpointID)
	}
	r.LastCheckpointID = checkpointID
}

func (r *Run) checkpointState(checkpointID string) (json.RawMessage, bool) {
	state, ok := r.checkpointsByID[checkpointID]
	return state, ok
}

// appendEvent keeps the event timeline a bounded FIFO. Node state and the
// observed-node set are trimmed in lockstep with the events they refer to.
func (r *Run) appendEvent(e EventRecord, maxEvents int) {
	r.Events = append(r.Events, e)
	if len(r.Events) <= maxEvents {
		return
	}
	drop := len(r.Events) - maxEvents
	dropped := append([]EventRecord(nil), r.Events[:drop]...)
	r.Events = append(r.Events[:0], r.Events[drop:]...)

	// Rebuild the referenced-node set from what survived; nodes only seen
	// in dropped events leave the maps with them.
	still := make(map[string]struct{}, len(r.Events))
	for _, ev := range r.Events {
		if ev.NodeName != "" {
			still[ev.NodeName] = struct{}{}
		}
	}
	for _, ev := range dropped {
		if ev.NodeName == "" {
			continue
		}
		if _, kept := still[ev.NodeName]; !kept {
			delete(r.NodeStates, ev.NodeName)
			delete(r.ObservedNodes, ev.NodeName)
		}
	}
}

// effectiveStatus folds the flags into the externally visible status.
func (r *Run) effectiveStatus() RunStatus {
	if r.Corrupted {
		return StatusCorrupted
	}
	if r.NeedsResync {
		return StatusNeedsResync
	}
	return r.Status
}
