package forwarder

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
)

// DLQ publishes compact envelopes for frames that persistently fail to
// decode. The envelope carries a body fingerprint and a bounded preview;
// the full payload ships only when explicitly opted in, since DLQ topics
// outlive redaction guarantees.
type DLQ struct {
	cfg    Config
	logger zerolog.Logger
	client *kgo.Client
}

const dlqPreviewBytes = 256

type dlqEnvelope struct {
	Topic         string `json:"topic"`
	Partition     int32  `json:"partition"`
	Offset        int64  `json:"offset"`
	ErrorKind     string `json:"errorKind"`
	Fingerprint   string `json:"fingerprint"`
	SizeBytes     int    `json:"sizeBytes"`
	PreviewBase64 string `json:"previewBase64"`
	PayloadBase64 string `json:"payloadBase64,omitempty"`
	TimestampMs   int64  `json:"timestampMs"`
}

// NewDLQ connects a producer-only client for the DLQ topic.
func NewDLQ(cfg Config, logger zerolog.Logger) (*DLQ, error) {
	secOpts, err := cfg.Security.Options(logger)
	if err != nil {
		return nil, err
	}
	client, err := kgo.NewClient(append(secOpts,
		kgo.SeedBrokers(cfg.Brokers...),
	)...)
	if err != nil {
		return nil, fmt.Errorf("create dlq producer: %w", err)
	}
	return &DLQ{cfg: cfg, logger: logger, client: client}, nil
}

// Publish sends the failure envelope, bounded by the DLQ send timeout.
func (d *DLQ) Publish(record *kgo.Record, errorKind string) {
	sum := sha256.Sum256(record.Value)
	preview := record.Value
	if len(preview) > dlqPreviewBytes {
		preview = preview[:dlqPreviewBytes]
	}
	env := dlqEnvelope{
		Topic:         record.Topic,
		Partition:     record.Partition,
		Offset:        record.Offset,
		ErrorKind:     errorKind,
		Fingerprint:   hex.EncodeToString(sum[:]),
		SizeBytes:     len(record.Value),
		PreviewBase64: base64.StdEncoding.EncodeToString(preview),
		TimestampMs:   time.Now().UnixMilli(),
	}
	if d.cfg.DLQIncludePayload {
		env.PayloadBase64 = base64.StdEncoding.EncodeToString(record.Value)
	}
	value, err := json.Marshal(env)
	if err != nil {
		dlqPublishedTotal.WithLabelValues("marshal_failed").Inc()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.cfg.DLQSendTimeout)
	defer cancel()
	res := d.client.ProduceSync(ctx, &kgo.Record{
		Topic: d.cfg.DLQTopic,
		Key:   record.Key,
		Value: value,
	})
	if err := res.FirstErr(); err != nil {
		dlqPublishedTotal.WithLabelValues("send_failed").Inc()
		d.logger.Warn().Err(err).Str("dlq_topic", d.cfg.DLQTopic).Msg("DLQ publish failed")
		return
	}
	dlqPublishedTotal.WithLabelValues("ok").Inc()
}

// Close flushes and closes the producer.
func (d *DLQ) Close() {
	d.client.Close()
}
