package exporter

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dashflow-ai/telemetry/internal/kafkacfg"
)

// Config for the Prometheus exporter. Bucket lists are env-overridable;
// the defaults are the documented ranges.
type Config struct {
	Brokers         []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:19092"`
	Topic           string   `env:"KAFKA_TOPIC" envDefault:"dashflow.telemetry"`
	ConsumerGroup   string   `env:"KAFKA_CONSUMER_GROUP" envDefault:"dashflow-exporter"`
	AutoOffsetReset string   `env:"KAFKA_AUTO_OFFSET_RESET" envDefault:"latest"`
	Security        kafkacfg.Security

	BindIP string `env:"METRICS_BIND_IP" envDefault:"127.0.0.1"`
	Port   int    `env:"EXPORTER_PORT" envDefault:"9108"`

	// Scopes this exporter transforms; anything else counts as wrong-scope.
	Scopes []string `env:"EXPORTER_SCOPES" envSeparator:"," envDefault:"llm,quality,custom"`

	LatencyBuckets []float64 `env:"PROMETHEUS_LATENCY_BUCKETS" envSeparator:"," envDefault:"0.01,0.05,0.1,0.25,0.5,1,2.5,5,10,30"`
	TokenBuckets   []float64 `env:"PROMETHEUS_TOKEN_BUCKETS" envSeparator:"," envDefault:"100,500,1000,2500,5000,10000,25000,50000,100000"`
	CostBuckets    []float64 `env:"PROMETHEUS_COST_BUCKETS" envSeparator:"," envDefault:"0.001,0.005,0.01,0.05,0.1,0.5,1,5"`
	QualityBuckets []float64 `env:"PROMETHEUS_QUALITY_BUCKETS" envSeparator:"," envDefault:"0.1,0.2,0.3,0.4,0.5,0.6,0.7,0.8,0.9,1"`
	TurnBuckets    []float64 `env:"PROMETHEUS_TURN_BUCKETS" envSeparator:"," envDefault:"1,2,3,5,8,13,21,34,55"`

	// Per-session turn counts are recorded only when a session times out
	// or the exporter shuts down, so short-lived scrapes do not inflate
	// low-turn buckets.
	SessionTimeout time.Duration `env:"PROMETHEUS_SESSION_TIMEOUT_SECS" envDefault:"300s"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	if c.Topic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("EXPORTER_PORT must be 1-65535, got %d", c.Port)
	}
	if c.SessionTimeout < time.Second {
		return fmt.Errorf("PROMETHEUS_SESSION_TIMEOUT_SECS must be >= 1s, got %s", c.SessionTimeout)
	}
	return nil
}

// Normalize applies warn-on-invalid-fallback to optional enums.
func (c *Config) Normalize(logger zerolog.Logger) {
	switch c.AutoOffsetReset {
	case "earliest", "latest":
	default:
		logger.Warn().
			Str("value", c.AutoOffsetReset).
			Msg("Invalid KAFKA_AUTO_OFFSET_RESET - falling back to latest")
		c.AutoOffsetReset = "latest"
	}
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.BindIP, c.Port)
}
