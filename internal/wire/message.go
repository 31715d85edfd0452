// Package wire defines the logical frame carried end-to-end through the
// telemetry pipeline: a versioned header plus a tagged payload union.
//
// All integer fields that can exceed JavaScript's safe-integer range
// (sequence, offset) travel as decimal strings. Internal comparisons use
// arbitrary-precision helpers from the codec package.
package wire

import (
	"encoding/json"
	"fmt"
)

// Scope routes messages to the right exporter family.
type Scope string

const (
	ScopePlatform Scope = "platform"
	ScopeQuality  Scope = "quality"
	ScopeLLM      Scope = "llm"
	ScopeCustom   Scope = "custom"
)

// SyntheticSequence marks frames that do not participate in per-thread
// ordering (outer EventBatch headers, globally scoped events).
const SyntheticSequence = "0"

// Header is attached to every frame.
type Header struct {
	SchemaVersion uint32 `json:"schemaVersion"`
	MessageID     string `json:"messageId"`
	ThreadID      string `json:"threadId"`
	Sequence      string `json:"sequence"`
	TimestampUs   uint64 `json:"timestampUs"`
	Scope         Scope  `json:"scope"`
}

// PayloadKind discriminates the payload union.
type PayloadKind string

const (
	KindGraphStart       PayloadKind = "graph_start"
	KindNodeStart        PayloadKind = "node_start"
	KindNodeEnd          PayloadKind = "node_end"
	KindEdgeEvaluated    PayloadKind = "edge_evaluated"
	KindStateDiff        PayloadKind = "state_diff"
	KindStateSnapshot    PayloadKind = "state_snapshot"
	KindCheckpoint       PayloadKind = "checkpoint"
	KindGraphEnd         PayloadKind = "graph_end"
	KindGraphError       PayloadKind = "graph_error"
	KindTokenChunk       PayloadKind = "token_chunk"
	KindToolExecution    PayloadKind = "tool_execution"
	KindMetrics          PayloadKind = "metrics"
	KindDecisionMade     PayloadKind = "decision_made"
	KindOutcomeObserved  PayloadKind = "outcome_observed"
	KindLlmCallCompleted PayloadKind = "llm_call_completed"
	KindEventBatch       PayloadKind = "event_batch"
)

type GraphStart struct {
	RunID            string          `json:"runId"`
	GraphManifest    json.RawMessage `json:"graphManifest,omitempty"`
	InitialStateJSON json.RawMessage `json:"initialStateJson,omitempty"`
	SchemaID         string          `json:"schemaId"`
}

type NodeStart struct {
	RunID    string `json:"runId"`
	NodeName string `json:"nodeName"`
}

type NodeEnd struct {
	RunID      string `json:"runId"`
	NodeName   string `json:"nodeName"`
	DurationUs uint64 `json:"durationUs"`
	Success    bool   `json:"success"`
	ErrorKind  string `json:"errorKind,omitempty"`
}

type EdgeEvaluated struct {
	RunID     string `json:"runId"`
	From      string `json:"from"`
	To        string `json:"to"`
	Taken     bool   `json:"taken"`
	ReasonTag string `json:"reasonTag"`
}

type StateDiff struct {
	RunID            string          `json:"runId"`
	BaseCheckpointID string          `json:"baseCheckpointId"`
	Patch            json.RawMessage `json:"patch"`
	StateHash        string          `json:"stateHash"`
	Degraded         bool            `json:"degraded,omitempty"`
	DegradedReason   string          `json:"degradedReason,omitempty"`
}

type StateSnapshot struct {
	RunID     string          `json:"runId"`
	StateJSON json.RawMessage `json:"stateJson"`
	StateHash string          `json:"stateHash"`
}

type Checkpoint struct {
	RunID        string          `json:"runId"`
	CheckpointID string          `json:"checkpointId"`
	StateJSON    json.RawMessage `json:"stateJson"`
	StateHash    string          `json:"stateHash"`
}

type GraphEnd struct {
	RunID     string `json:"runId"`
	Success   bool   `json:"success"`
	ErrorKind string `json:"errorKind,omitempty"`
}

type GraphError struct {
	RunID     string `json:"runId"`
	ErrorKind string `json:"errorKind"`
	Message   string `json:"message"`
}

type TokenChunk struct {
	RunID    string `json:"runId"`
	NodeName string `json:"nodeName"`
	Text     string `json:"text"`
	Index    int    `json:"index"`
}

type ToolExecution struct {
	RunID          string `json:"runId"`
	NodeName       string `json:"nodeName"`
	ToolName       string `json:"toolName"`
	InputRedacted  string `json:"inputRedacted"`
	OutputRedacted string `json:"outputRedacted"`
	DurationUs     uint64 `json:"durationUs"`
	Success        bool   `json:"success"`
}

type Metrics struct {
	RunID  string             `json:"runId,omitempty"`
	Tags   map[string]string  `json:"tags"`
	Values map[string]float64 `json:"values"`
}

type DecisionMade struct {
	RunID          string   `json:"runId"`
	Key            string   `json:"key"`
	Chosen         string   `json:"chosen"`
	Alternatives   []string `json:"alternatives"`
	ReasonRedacted string   `json:"reasonRedacted"`
}

type OutcomeObserved struct {
	RunID       string `json:"runId"`
	DecisionKey string `json:"decisionKey"`
	OutcomeTag  string `json:"outcomeTag"`
}

type LlmCallCompleted struct {
	RunID            string  `json:"runId"`
	Model            string  `json:"model"`
	PromptTokens     int64   `json:"promptTokens"`
	CompletionTokens int64   `json:"completionTokens"`
	CostUSD          float64 `json:"costUsd"`
}

// EventBatch coalesces inner messages that share a threadId. The outer
// header carries SyntheticSequence; inner events keep their real sequences.
type EventBatch struct {
	Events []Message `json:"events"`
}

// Payload is the tagged union. Exactly one variant pointer is set,
// matching Kind.
type Payload struct {
	Kind PayloadKind `json:"kind"`

	GraphStart       *GraphStart       `json:"graphStart,omitempty"`
	NodeStart        *NodeStart        `json:"nodeStart,omitempty"`
	NodeEnd          *NodeEnd          `json:"nodeEnd,omitempty"`
	EdgeEvaluated    *EdgeEvaluated    `json:"edgeEvaluated,omitempty"`
	StateDiff        *StateDiff        `json:"stateDiff,omitempty"`
	StateSnapshot    *StateSnapshot    `json:"stateSnapshot,omitempty"`
	Checkpoint       *Checkpoint       `json:"checkpoint,omitempty"`
	GraphEnd         *GraphEnd         `json:"graphEnd,omitempty"`
	GraphError       *GraphError       `json:"graphError,omitempty"`
	TokenChunk       *TokenChunk       `json:"tokenChunk,omitempty"`
	ToolExecution    *ToolExecution    `json:"toolExecution,omitempty"`
	Metrics          *Metrics          `json:"metrics,omitempty"`
	DecisionMade     *DecisionMade     `json:"decisionMade,omitempty"`
	OutcomeObserved  *OutcomeObserved  `json:"outcomeObserved,omitempty"`
	LlmCallCompleted *LlmCallCompleted `json:"llmCallCompleted,omitempty"`
	EventBatch       *EventBatch       `json:"eventBatch,omitempty"`
}

// Message is one logical frame.
type Message struct {
	Header  Header  `json:"header"`
	Payload Payload `json:"payload"`
}

// RunID returns the run the payload belongs to, or "" for run-less payloads
// (global Metrics, batches).
func (p *Payload) RunID() string {
	switch p.Kind {
	case KindGraphStart:
		if p.GraphStart != nil {
			return p.GraphStart.RunID
		}
	case KindNodeStart:
		if p.NodeStart != nil {
			return p.NodeStart.RunID
		}
	case KindNodeEnd:
		if p.NodeEnd != nil {
			return p.NodeEnd.RunID
		}
	case KindEdgeEvaluated:
		if p.EdgeEvaluated != nil {
			return p.EdgeEvaluated.RunID
		}
	case KindStateDiff:
		if p.StateDiff != nil {
			return p.StateDiff.RunID
		}
	case KindStateSnapshot:
		if p.StateSnapshot != nil {
			return p.StateSnapshot.RunID
		}
	case KindCheckpoint:
		if p.Checkpoint != nil {
			return p.Checkpoint.RunID
		}
	case KindGraphEnd:
		if p.GraphEnd != nil {
			return p.GraphEnd.RunID
		}
	case KindGraphError:
		if p.GraphError != nil {
			return p.GraphError.RunID
		}
	case KindTokenChunk:
		if p.TokenChunk != nil {
			return p.TokenChunk.RunID
		}
	case KindToolExecution:
		if p.ToolExecution != nil {
			return p.ToolExecution.RunID
		}
	case KindMetrics:
		if p.Metrics != nil {
			return p.Metrics.RunID
		}
	case KindDecisionMade:
		if p.DecisionMade != nil {
			return p.DecisionMade.RunID
		}
	case KindOutcomeObserved:
		if p.OutcomeObserved != nil {
			return p.OutcomeObserved.RunID
		}
	case KindLlmCallCompleted:
		if p.LlmCallCompleted != nil {
			return p.LlmCallCompleted.RunID
		}
	}
	return ""
}

// Validate checks that the variant pointer matching Kind is present.
func (p *Payload) Validate() error {
	var set bool
	switch p.Kind {
	case KindGraphStart:
		set = p.GraphStart != nil
	case KindNodeStart:
		set = p.NodeStart != nil
	case KindNodeEnd:
		set = p.NodeEnd != nil
	case KindEdgeEvaluated:
		set = p.EdgeEvaluated != nil
	case KindStateDiff:
		set = p.StateDiff != nil
	case KindStateSnapshot:
		set = p.StateSnapshot != nil
	case KindCheckpoint:
		set = p.Checkpoint != nil
	case KindGraphEnd:
		set = p.GraphEnd != nil
	case KindGraphError:
		set = p.GraphError != nil
	case KindTokenChunk:
		set = p.TokenChunk != nil
	case KindToolExecution:
		set = p.ToolExecution != nil
	case KindMetrics:
		set = p.Metrics != nil
	case KindDecisionMade:
		set = p.DecisionMade != nil
	case KindOutcomeObserved:
		set = p.OutcomeObserved != nil
	case KindLlmCallCompleted:
		set = p.LlmCallCompleted != nil
	case KindEventBatch:
		set = p.EventBatch != nil
	default:
		return fmt.Errorf("unknown payload kind %q", p.Kind)
	}
	if !set {
		return fmt.Errorf("payload kind %q has no body", p.Kind)
	}
	return nil
}

// Validate checks header fields the pipeline relies on.
func (m *Message) Validate() error {
	if m.Header.MessageID == "" {
		return fmt.Errorf("missing messageId")
	}
	if m.Header.Sequence == "" {
		return fmt.Errorf("missing sequence")
	}
	switch m.Header.Scope {
	case ScopePlatform, ScopeQuality, ScopeLLM, ScopeCustom:
	default:
		return fmt.Errorf("unknown scope %q", m.Header.Scope)
	}
	return m.Payload.Validate()
}

// DedupeKey is the client-side dedupe primary key with the kind+sequence
// fallback for frames that predate stable message IDs.
func (m *Message) DedupeKey() string {
	if m.Header.MessageID != "" {
		return m.Header.MessageID
	}
	return string(m.Payload.Kind) + ":" + m.Header.ThreadID + ":" + m.Header.Sequence
}
