package forwarder

import "encoding/json"

// Control frames are JSON text frames on the same WebSocket as the binary
// wire frames. Every forwarded binary frame is immediately preceded by its
// cursor frame; clients that observe desync abort and reconnect.

// Client → server.
type clientControl struct {
	Type string `json:"type"`

	// resume fields
	Mode                   string            `json:"mode,omitempty"`
	From                   string            `json:"from,omitempty"`
	LastOffsetsByPartition map[string]string `json:"lastOffsetsByPartition,omitempty"`
	LastSequencesByThread  map[string]string `json:"lastSequencesByThread,omitempty"`
	ThreadID               string            `json:"threadId,omitempty"`
}

// Server → client.
type schemaFrame struct {
	Type                  string `json:"type"` // "schema"
	ExpectedSchemaVersion uint32 `json:"expectedSchemaVersion"`
	MaxPayloadBytes       int    `json:"maxPayloadBytes"`
	MaxDecompressedBytes  int    `json:"maxDecompressedBytes"`
}

type cursorFrame struct {
	Type      string `json:"type"` // "cursor"
	Partition int32  `json:"partition"`
	Offset    string `json:"offset"`
	ThreadID  string `json:"threadId,omitempty"`
	Sequence  string `json:"sequence,omitempty"`
}

type replayCompleteFrame struct {
	Type          string `json:"type"` // "replay_complete"
	TotalReplayed int    `json:"totalReplayed"`
	Capped        bool   `json:"capped"`
	DurationMs    int64  `json:"durationMs"`
}

type cursorStaleFrame struct {
	Type                  string `json:"type"` // "cursor_stale"
	Partition             string `json:"partition"`
	RequestedOffset       string `json:"requestedOffset"`
	OldestAvailableOffset string `json:"oldestAvailableOffset"`
}

type cursorResetCompleteFrame struct {
	Type       string            `json:"type"` // "cursor_reset_complete"
	Partitions map[string]string `json:"partitions"`
}

type pingFrame struct {
	Type string `json:"type"` // "ping" / "pong"
	Ts   int64  `json:"ts,omitempty"`
}

type baselineEventFrame struct {
	Type     string          `json:"type"` // "schema_baseline_event"
	Graph    string          `json:"graph"`
	SchemaID string          `json:"schemaId,omitempty"`
	Deleted  bool            `json:"deleted,omitempty"`
	Schema   json.RawMessage `json:"schema,omitempty"`
}

func marshalFrame(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return data
}
