package forwarder

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/dashflow-ai/telemetry/internal/kafkacfg"
)

// Config holds all forwarder configuration, env-driven with documented
// defaults. The env layer does not fall back on malformed values: a value
// that does not parse into its field's type fails startup. Normalize falls
// back with a warning only for KAFKA_AUTO_OFFSET_RESET; Validate fail-fasts
// on the other values it checks.
type Config struct {
	// HTTP/WS listener. The default binds loopback; binding wider is an
	// explicit decision and logged as such.
	Host string `env:"WEBSOCKET_HOST" envDefault:"127.0.0.1"`
	Port int    `env:"WEBSOCKET_PORT" envDefault:"3002"`

	// Broker.
	Brokers          []string `env:"KAFKA_BROKERS" envSeparator:"," envDefault:"localhost:19092"`
	Topic            string   `env:"KAFKA_TOPIC" envDefault:"dashflow.telemetry"`
	ConsumerGroup    string   `env:"KAFKA_CONSUMER_GROUP" envDefault:"dashflow-forwarder"`
	ClusterID        string   `env:"KAFKA_CLUSTER_ID" envDefault:""`
	AutoOffsetReset  string   `env:"KAFKA_AUTO_OFFSET_RESET" envDefault:"latest"`
	OnDecodeError    string   `env:"KAFKA_ON_DECODE_ERROR" envDefault:"skip"`
	LagCheckInterval time.Duration `env:"KAFKA_LAG_CHECK_INTERVAL_SECS" envDefault:"30s"`
	Security         kafkacfg.Security

	// Client limits and pacing.
	SendTimeout          time.Duration `env:"WEBSOCKET_SEND_TIMEOUT_SECS" envDefault:"10s"`
	MaxPayloadBytes      int           `env:"WEBSOCKET_MAX_PAYLOAD_BYTES" envDefault:"10485760"`
	MaxConnectionsPerIP  int           `env:"WEBSOCKET_MAX_CONNECTIONS_PER_IP" envDefault:"16"`
	ConnectRatePerIP     float64       `env:"WEBSOCKET_CONNECT_RATE_PER_IP" envDefault:"5"`
	ConnectBurstPerIP    int           `env:"WEBSOCKET_CONNECT_BURST_PER_IP" envDefault:"10"`
	MaxConsumeRate       int           `env:"KAFKA_MAX_MESSAGES_PER_SEC" envDefault:"0"`
	TrustedProxyIPs      []string      `env:"WEBSOCKET_TRUSTED_PROXY_IPS" envSeparator:"," envDefault:""`
	SlowClientThreshold  int64         `env:"SLOW_CLIENT_DISCONNECT_THRESHOLD" envDefault:"8"`
	SlowClientLagWindow  time.Duration `env:"SLOW_CLIENT_LAG_WINDOW_SECS" envDefault:"120s"`
	ClientSendBufferSize int           `env:"WEBSOCKET_CLIENT_BUFFER" envDefault:"256"`

	// Replay pacing.
	ReplayMaxTotal int           `env:"REPLAY_MAX_TOTAL" envDefault:"10000"`
	ReplayTimeout  time.Duration `env:"REPLAY_TIMEOUT_SECS" envDefault:"30s"`

	// DLQ.
	DLQTopic          string        `env:"DLQ_TOPIC" envDefault:"dashflow.telemetry.dlq"`
	DLQSendTimeout    time.Duration `env:"DLQ_SEND_TIMEOUT_SECS" envDefault:"5s"`
	DLQIncludePayload bool          `env:"DLQ_INCLUDE_FULL_PAYLOAD" envDefault:"false"`

	// Expected-schema baseline storage.
	BaselineDir        string `env:"BASELINE_DIR" envDefault:"./baselines"`
	MaxRequestBodySize int64  `env:"MAX_REQUEST_BODY_SIZE" envDefault:"52428800"`

	// Sequence tracking bounds.
	MaxTrackedThreads int `env:"SEQUENCE_MAX_TRACKED_THREADS" envDefault:"10000"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
}

const (
	OnDecodeErrorSkip  = "skip"
	OnDecodeErrorPause = "pause"
)

func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS is required")
	}
	if c.Topic == "" {
		return fmt.Errorf("KAFKA_TOPIC is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("WEBSOCKET_PORT must be 1-65535, got %d", c.Port)
	}
	if c.MaxPayloadBytes < 1 {
		return fmt.Errorf("WEBSOCKET_MAX_PAYLOAD_BYTES must be > 0, got %d", c.MaxPayloadBytes)
	}
	if c.MaxConnectionsPerIP < 1 {
		return fmt.Errorf("WEBSOCKET_MAX_CONNECTIONS_PER_IP must be > 0, got %d", c.MaxConnectionsPerIP)
	}
	switch c.OnDecodeError {
	case OnDecodeErrorSkip, OnDecodeErrorPause:
	default:
		return fmt.Errorf("KAFKA_ON_DECODE_ERROR must be skip or pause, got %q", c.OnDecodeError)
	}
	if c.SlowClientLagWindow < time.Second {
		return fmt.Errorf("SLOW_CLIENT_LAG_WINDOW_SECS must be >= 1s, got %s", c.SlowClientLagWindow)
	}
	if c.ConnectRatePerIP <= 0 {
		return fmt.Errorf("WEBSOCKET_CONNECT_RATE_PER_IP must be > 0, got %g", c.ConnectRatePerIP)
	}
	if c.ConnectBurstPerIP < 1 {
		return fmt.Errorf("WEBSOCKET_CONNECT_BURST_PER_IP must be > 0, got %d", c.ConnectBurstPerIP)
	}
	if c.MaxConsumeRate < 0 {
		return fmt.Errorf("KAFKA_MAX_MESSAGES_PER_SEC must be >= 0, got %d", c.MaxConsumeRate)
	}
	return nil
}

// Normalize replaces an invalid KAFKA_AUTO_OFFSET_RESET with "latest" and
// a warning, and warns on a non-local bind. No other field is checked here.
func (c *Config) Normalize(logger zerolog.Logger) {
	switch c.AutoOffsetReset {
	case "earliest", "latest":
	default:
		logger.Warn().
			Str("value", c.AutoOffsetReset).
			Msg("Invalid KAFKA_AUTO_OFFSET_RESET - falling back to latest")
		c.AutoOffsetReset = "latest"
	}
	if c.Host != "127.0.0.1" && c.Host != "localhost" && !strings.HasPrefix(c.Host, "127.") {
		logger.Warn().
			Str("host", c.Host).
			Msg("WebSocket listener bound to a non-local address")
	}
}

// Addr is the listener address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig dumps the effective configuration as one structured event.
func (c *Config) LogConfig(logger zerolog.Logger) {
	logger.Info().
		Str("addr", c.Addr()).
		Strs("kafka_brokers", c.Brokers).
		Str("topic", c.Topic).
		Str("consumer_group", c.ConsumerGroup).
		Str("auto_offset_reset", c.AutoOffsetReset).
		Str("on_decode_error", c.OnDecodeError).
		Dur("send_timeout", c.SendTimeout).
		Int("max_payload_bytes", c.MaxPayloadBytes).
		Int("max_connections_per_ip", c.MaxConnectionsPerIP).
		Float64("connect_rate_per_ip", c.ConnectRatePerIP).
		Int("max_consume_rate", c.MaxConsumeRate).
		Dur("slow_client_lag_window", c.SlowClientLagWindow).
		Int("replay_max_total", c.ReplayMaxTotal).
		Dur("replay_timeout", c.ReplayTimeout).
		Str("dlq_topic", c.DLQTopic).
		Str("baseline_dir", c.BaselineDir).
		Msg("Forwarder configuration loaded")
}
