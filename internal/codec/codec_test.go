package codec

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dashflow-ai/telemetry/internal/wire"
)

func sampleMessage(seq string) *wire.Message {
	return &wire.Message{
		Header: wire.Header{
			SchemaVersion: ExpectedSchemaVersion,
			MessageID:     "11111111-2222-3333-4444-555555555555",
			ThreadID:      "thread-1",
			Sequence:      seq,
			TimestampUs:   1703000000000000,
			Scope:         wire.ScopePlatform,
		},
		Payload: wire.Payload{
			Kind:      wire.KindNodeStart,
			NodeStart: &wire.NodeStart{RunID: "run-1", NodeName: "plan"},
		},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := sampleMessage("7")

	frame, err := Encode(msg)
	require.NoError(t, err)

	decoded, err := Decode(frame, MaxDecompressedBytes)
	require.NoError(t, err)
	assert.Equal(t, msg.Header, decoded.Header)
	assert.Equal(t, msg.Payload.Kind, decoded.Payload.Kind)
	assert.Equal(t, msg.Payload.NodeStart, decoded.Payload.NodeStart)
}

func TestEncodeCompressesLargeBodies(t *testing.T) {
	msg := sampleMessage("1")
	msg.Payload = wire.Payload{
		Kind: wire.KindStateSnapshot,
		StateSnapshot: &wire.StateSnapshot{
			RunID:     "run-1",
			StateJSON: json.RawMessage(`{"text":"` + strings.Repeat("abcdef", 2000) + `"}`),
			StateHash: "00",
		},
	}

	frame, err := Encode(msg)
	require.NoError(t, err)
	assert.Equal(t, byte(0x28), frame[0], "large frame should be zstd enveloped")

	decoded, err := Decode(frame, MaxDecompressedBytes)
	require.NoError(t, err)
	assert.Equal(t, msg.Payload.StateSnapshot.StateJSON, decoded.Payload.StateSnapshot.StateJSON)
}

func TestDecodeLegacyBareJSON(t *testing.T) {
	msg := sampleMessage("3")
	raw, err := json.Marshal(msg)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(raw, []byte("{")))

	decoded, err := Decode(raw, MaxDecompressedBytes)
	require.NoError(t, err)
	assert.Equal(t, "3", decoded.Header.Sequence)
}

func TestDecodeUnsupportedEncoding(t *testing.T) {
	_, err := Decode([]byte{0xFF, 0x01, 0x02}, MaxDecompressedBytes)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ErrUnsupportedEncoding, de.Kind)
}

func TestDecodeEmptyFrame(t *testing.T) {
	_, err := Decode(nil, MaxDecompressedBytes)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ErrPayloadMissing, de.Kind)
}

func TestDecodeVersionMismatch(t *testing.T) {
	msg := sampleMessage("1")
	msg.Header.SchemaVersion = ExpectedSchemaVersion + 1
	body, err := json.Marshal(msg)
	require.NoError(t, err)
	frame := append([]byte{0x01}, body...)

	_, err = Decode(frame, MaxDecompressedBytes)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ErrVersionMismatch, de.Kind)
}

func TestDecodeRejectsDeclaredOversizeBeforeDecompression(t *testing.T) {
	msg := sampleMessage("1")
	msg.Payload = wire.Payload{
		Kind: wire.KindStateSnapshot,
		StateSnapshot: &wire.StateSnapshot{
			RunID:     "run-1",
			StateJSON: json.RawMessage(`{"text":"` + strings.Repeat("x", 100_000) + `"}`),
			StateHash: "00",
		},
	}
	frame, err := Encode(msg)
	require.NoError(t, err)
	require.Equal(t, byte(0x28), frame[0])

	// The zstd frame header declares ~100KB; a 1KB cap must reject before
	// any decompression buffer is allocated.
	_, err = Decode(frame, 1024)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ErrPayloadTooLarge, de.Kind)
}

func TestDecodeParseFailed(t *testing.T) {
	_, err := Decode([]byte{0x01, 'n', 'o', 'p', 'e'}, MaxDecompressedBytes)
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	assert.Equal(t, ErrParseFailed, de.Kind)
}
