package producer

import (
	"fmt"
	"time"
)

// Config tunes the telemetry sink. Parsed from the embedding process's
// environment by the caller; defaults here match the DASHFLOW_* variables.
type Config struct {
	Brokers []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:19092"`
	Topic   string   `env:"KAFKA_TOPIC" envDefault:"dashflow.telemetry"`

	// Queue and concurrency bounds. EmitEvent never blocks past a bounded
	// try-acquire; saturation drops are counted, not propagated.
	QueueSize   int           `env:"DASHFLOW_QUEUE_SIZE" envDefault:"4096"`
	MaxInflight int64         `env:"DASHFLOW_MAX_INFLIGHT" envDefault:"64"`
	SendTimeout time.Duration `env:"DASHFLOW_SEND_TIMEOUT" envDefault:"5s"`

	// Batching window: events for one thread arriving within this window
	// coalesce into an EventBatch.
	BatchWindow time.Duration `env:"DASHFLOW_BATCH_WINDOW" envDefault:"25ms"`
	MaxBatch    int           `env:"DASHFLOW_MAX_BATCH" envDefault:"64"`

	// Retry policy for broker sends.
	MaxRetries   int           `env:"DASHFLOW_SEND_RETRIES" envDefault:"3"`
	RetryBackoff time.Duration `env:"DASHFLOW_RETRY_BACKOFF" envDefault:"200ms"`

	FlushTimeout time.Duration `env:"DASHFLOW_FLUSH_TIMEOUT_SECS" envDefault:"10s"`

	// Redaction switches. State redaction is on by default; turning it off
	// is an explicit operator decision.
	RedactState   bool `env:"DASHFLOW_STATE_REDACT" envDefault:"true"`
	RedactMetrics bool `env:"DASHFLOW_METRICS_REDACT" envDefault:"true"`
	RedactTraces  bool `env:"DASHFLOW_TRACE_REDACT" envDefault:"true"`

	// EnableStateDiff gates checkpoint-relative diff emission. When off,
	// GraphStart carries no initial state and state flows as snapshots.
	EnableStateDiff bool `env:"DASHFLOW_ENABLE_STATE_DIFF" envDefault:"true"`

	// ManifestSizeLimit rejects oversized graph manifests at the source so
	// they never become downstream payload_too_large decode errors.
	ManifestSizeLimit int `env:"DASHFLOW_MANIFEST_SIZE_LIMIT" envDefault:"512000"`

	// MaxThreadCounters bounds the per-thread sequence counter map.
	MaxThreadCounters int `env:"DASHFLOW_MAX_THREAD_COUNTERS" envDefault:"10000"`
}

func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	if c.Topic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required")
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("DASHFLOW_QUEUE_SIZE must be > 0, got %d", c.QueueSize)
	}
	if c.MaxInflight < 1 {
		return fmt.Errorf("DASHFLOW_MAX_INFLIGHT must be > 0, got %d", c.MaxInflight)
	}
	if c.MaxBatch < 1 {
		return fmt.Errorf("DASHFLOW_MAX_BATCH must be > 0, got %d", c.MaxBatch)
	}
	if c.MaxThreadCounters < 1 {
		return fmt.Errorf("DASHFLOW_MAX_THREAD_COUNTERS must be > 0, got %d", c.MaxThreadCounters)
	}
	return nil
}
