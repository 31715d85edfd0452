package wire

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validHeader() Header {
	return Header{
		SchemaVersion: 3,
		MessageID:     "m-1",
		ThreadID:      "t-1",
		Sequence:      "1",
		TimestampUs:   1703000000000000,
		Scope:         ScopePlatform,
	}
}

func TestMessageValidate(t *testing.T) {
	m := Message{Header: validHeader(), Payload: Payload{
		Kind: KindNodeStart, NodeStart: &NodeStart{RunID: "r", NodeName: "n"},
	}}
	assert.NoError(t, m.Validate())

	missing := m
	missing.Header.MessageID = ""
	assert.Error(t, missing.Validate())

	noSeq := m
	noSeq.Header.Sequence = ""
	assert.Error(t, noSeq.Validate())

	badScope := m
	badScope.Header.Scope = "galactic"
	assert.Error(t, badScope.Validate())

	bodyless := Message{Header: validHeader(), Payload: Payload{Kind: KindNodeStart}}
	assert.Error(t, bodyless.Validate())

	unknown := Message{Header: validHeader(), Payload: Payload{Kind: "mystery"}}
	assert.Error(t, unknown.Validate())
}

func TestPayloadRunID(t *testing.T) {
	p := Payload{Kind: KindGraphEnd, GraphEnd: &GraphEnd{RunID: "r9", Success: true}}
	assert.Equal(t, "r9", p.RunID())

	batch := Payload{Kind: KindEventBatch, EventBatch: &EventBatch{}}
	assert.Equal(t, "", batch.RunID())
}

func TestPayloadUnionJSONRoundTrip(t *testing.T) {
	m := Message{Header: validHeader(), Payload: Payload{
		Kind: KindStateDiff,
		StateDiff: &StateDiff{
			RunID:            "r1",
			BaseCheckpointID: "cp1",
			Patch:            json.RawMessage(`[{"op":"add","path":"/a","value":1}]`),
			StateHash:        "ab",
		},
	}}
	data, err := json.Marshal(m)
	require.NoError(t, err)

	var back Message
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, m.Payload.Kind, back.Payload.Kind)
	assert.Equal(t, m.Payload.StateDiff.BaseCheckpointID, back.Payload.StateDiff.BaseCheckpointID)
	// Exactly one variant survives the round trip.
	assert.Nil(t, back.Payload.NodeStart)
}

func TestDedupeKeyFallback(t *testing.T) {
	m := Message{Header: validHeader(), Payload: Payload{
		Kind: KindNodeStart, NodeStart: &NodeStart{RunID: "r", NodeName: "n"},
	}}
	assert.Equal(t, "m-1", m.DedupeKey())

	m.Header.MessageID = ""
	assert.Equal(t, "node_start:t-1:1", m.DedupeKey())
}
