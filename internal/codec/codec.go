// Package codec owns the binary wire format: a one-byte encoding envelope
// around a JSON body, optionally zstd-framed, plus the schema version
// constant shared by producer, forwarder, exporter, and client at build time.
package codec

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"github.com/dashflow-ai/telemetry/internal/wire"
)

// ExpectedSchemaVersion is validated end-to-end. A frame carrying any other
// version stops payload application on the client.
const ExpectedSchemaVersion uint32 = 3

// Size caps. Encoded frames larger than MaxPayloadBytes are rejected by the
// producer before publish and by the forwarder before decode. The
// decompressed inner body is bounded separately, checked against the zstd
// frame header before any allocation happens.
const (
	MaxPayloadBytes      = 10 * 1024 * 1024
	MaxDecompressedBytes = 50 * 1024 * 1024

	// Bodies below this size are not worth a zstd frame.
	compressionThreshold = 1024
)

// Envelope encoding bytes. A JSON body always starts with '{' (0x7b), so
// neither value can collide with a bare legacy frame; readers parse the
// envelope byte first and fall through to the legacy raw path only for '{'.
const (
	encodingJSON byte = 0x01
	encodingZstd byte = 0x28
)

// DecodeErrorKind enumerates the typed decode failures.
type DecodeErrorKind string

const (
	ErrVersionMismatch     DecodeErrorKind = "version_mismatch"
	ErrPayloadTooLarge     DecodeErrorKind = "payload_too_large"
	ErrPayloadMissing      DecodeErrorKind = "payload_missing"
	ErrDecompressFailed    DecodeErrorKind = "decompress_failed"
	ErrParseFailed         DecodeErrorKind = "parse_failed"
	ErrUnsupportedEncoding DecodeErrorKind = "unsupported_encoding"
)

// DecodeError carries the failure kind so callers can meter and route
// without string matching.
type DecodeError struct {
	Kind DecodeErrorKind
	Err  error
}

func (e *DecodeError) Error() string {
	if e.Err == nil {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func decodeErr(kind DecodeErrorKind, format string, args ...any) *DecodeError {
	return &DecodeError{Kind: kind, Err: fmt.Errorf(format, args...)}
}

var (
	// Encoder/decoder are concurrency-safe when used through
	// EncodeAll/DecodeAll and are shared process-wide.
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil,
		zstd.WithEncoderLevel(zstd.SpeedDefault),
		zstd.WithEncoderConcurrency(1))
	if err != nil {
		panic(fmt.Sprintf("codec: zstd encoder init: %v", err))
	}
	zstdDecoder, err = zstd.NewReader(nil,
		zstd.WithDecoderMaxMemory(MaxDecompressedBytes),
		zstd.WithDecoderConcurrency(1))
	if err != nil {
		panic(fmt.Sprintf("codec: zstd decoder init: %v", err))
	}
}

// Encode serializes a message into an enveloped frame. Deterministic for a
// given message: the JSON body is produced once and compressed only when it
// clears the threshold.
func Encode(msg *wire.Message) ([]byte, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode message: %w", err)
	}
	if len(body) > MaxDecompressedBytes {
		return nil, decodeErr(ErrPayloadTooLarge, "body %d bytes exceeds decompressed cap %d", len(body), MaxDecompressedBytes)
	}

	var frame []byte
	if len(body) >= compressionThreshold {
		compressed := zstdEncoder.EncodeAll(body, make([]byte, 1, len(body)/2+1))
		compressed[0] = encodingZstd
		frame = compressed
	} else {
		frame = make([]byte, 1+len(body))
		frame[0] = encodingJSON
		copy(frame[1:], body)
	}

	if len(frame) > MaxPayloadBytes {
		return nil, decodeErr(ErrPayloadTooLarge, "frame %d bytes exceeds payload cap %d", len(frame), MaxPayloadBytes)
	}
	return frame, nil
}

// Decode parses an enveloped frame. maxDecompressed bounds the inner body;
// for zstd frames the declared content size from the frame header is checked
// before any output buffer is allocated.
func Decode(data []byte, maxDecompressed int) (*wire.Message, error) {
	if len(data) == 0 {
		return nil, decodeErr(ErrPayloadMissing, "empty frame")
	}
	if len(data) > MaxPayloadBytes {
		return nil, decodeErr(ErrPayloadTooLarge, "frame %d bytes exceeds payload cap %d", len(data), MaxPayloadBytes)
	}
	if maxDecompressed <= 0 || maxDecompressed > MaxDecompressedBytes {
		maxDecompressed = MaxDecompressedBytes
	}

	var body []byte
	switch data[0] {
	case encodingJSON:
		body = data[1:]
		if len(body) > maxDecompressed {
			return nil, decodeErr(ErrPayloadTooLarge, "body %d bytes exceeds cap %d", len(body), maxDecompressed)
		}
	case encodingZstd:
		inner := data[1:]
		var hdr zstd.Header
		if err := hdr.Decode(inner); err != nil {
			return nil, decodeErr(ErrDecompressFailed, "zstd header: %v", err)
		}
		if hdr.HasFCS && hdr.FrameContentSize > uint64(maxDecompressed) {
			return nil, decodeErr(ErrPayloadTooLarge, "declared decompressed size %d exceeds cap %d", hdr.FrameContentSize, maxDecompressed)
		}
		out, err := zstdDecoder.DecodeAll(inner, nil)
		if err != nil {
			return nil, decodeErr(ErrDecompressFailed, "zstd decode: %v", err)
		}
		if len(out) > maxDecompressed {
			return nil, decodeErr(ErrPayloadTooLarge, "decompressed %d bytes exceeds cap %d", len(out), maxDecompressed)
		}
		body = out
	case '{':
		// Legacy pre-envelope frame: bare JSON, no compression. Kept as a
		// compatibility path until a sunset schemaVersion is decided.
		body = data
		legacyFrames.Inc()
	default:
		return nil, decodeErr(ErrUnsupportedEncoding, "unknown encoding byte 0x%02x", data[0])
	}

	var msg wire.Message
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&msg); err != nil {
		return nil, decodeErr(ErrParseFailed, "unmarshal: %v", err)
	}
	if msg.Header.SchemaVersion != ExpectedSchemaVersion {
		return nil, decodeErr(ErrVersionMismatch, "schema version %d, expected %d", msg.Header.SchemaVersion, ExpectedSchemaVersion)
	}
	if err := msg.Validate(); err != nil {
		return nil, decodeErr(ErrParseFailed, "invalid message: %v", err)
	}
	return &msg, nil
}
