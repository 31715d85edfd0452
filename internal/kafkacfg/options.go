// Package kafkacfg builds franz-go client options from the shared
// KAFKA_* environment contract so the producer, forwarder, DLQ, and
// exporter all dial the broker the same way.
package kafkacfg

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/plain"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

// Security holds the transport/auth knobs common to every client.
type Security struct {
	Protocol      string `env:"KAFKA_SECURITY_PROTOCOL" envDefault:"plaintext"`
	SASLMechanism string `env:"KAFKA_SASL_MECHANISM" envDefault:"plain"`
	SASLUsername  string `env:"KAFKA_SASL_USERNAME" envDefault:""`
	SASLPassword  string `env:"KAFKA_SASL_PASSWORD" envDefault:""`
	SSLSkipVerify bool   `env:"KAFKA_SSL_INSECURE_SKIP_VERIFY" envDefault:"false"`
	AddressFamily string `env:"KAFKA_BROKER_ADDRESS_FAMILY" envDefault:"any"`
}

// Options translates the security config into kgo options. Unknown
// protocol and address-family values warn and fall back rather than failing
// startup; an unknown SASL mechanism, or missing SASL credentials, returns
// an error.
func (s Security) Options(logger zerolog.Logger) ([]kgo.Opt, error) {
	var opts []kgo.Opt

	protocol := strings.ToLower(s.Protocol)
	useTLS := false
	useSASL := false
	switch protocol {
	case "plaintext", "":
	case "ssl":
		useTLS = true
	case "sasl_plaintext":
		useSASL = true
	case "sasl_ssl":
		useTLS = true
		useSASL = true
	default:
		logger.Warn().
			Str("value", s.Protocol).
			Msg("Unknown KAFKA_SECURITY_PROTOCOL - falling back to plaintext")
	}

	if useTLS {
		opts = append(opts, kgo.DialTLSConfig(&tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: s.SSLSkipVerify,
		}))
	}

	if useSASL {
		if s.SASLUsername == "" || s.SASLPassword == "" {
			return nil, fmt.Errorf("KAFKA_SASL_USERNAME and KAFKA_SASL_PASSWORD are required for %s", protocol)
		}
		switch strings.ToLower(s.SASLMechanism) {
		case "plain", "":
			opts = append(opts, kgo.SASL(plain.Auth{
				User: s.SASLUsername,
				Pass: s.SASLPassword,
			}.AsMechanism()))
		case "scram-sha-256":
			opts = append(opts, kgo.SASL(scram.Auth{
				User: s.SASLUsername,
				Pass: s.SASLPassword,
			}.AsSha256Mechanism()))
		case "scram-sha-512":
			opts = append(opts, kgo.SASL(scram.Auth{
				User: s.SASLUsername,
				Pass: s.SASLPassword,
			}.AsSha512Mechanism()))
		default:
			return nil, fmt.Errorf("unsupported KAFKA_SASL_MECHANISM %q", s.SASLMechanism)
		}
	}

	switch strings.ToLower(s.AddressFamily) {
	case "any", "":
	case "v4":
		opts = append(opts, kgo.Dialer(familyDialer("tcp4")))
	case "v6":
		opts = append(opts, kgo.Dialer(familyDialer("tcp6")))
	default:
		logger.Warn().
			Str("value", s.AddressFamily).
			Msg("Unknown KAFKA_BROKER_ADDRESS_FAMILY - using any")
	}

	return opts, nil
}

// familyDialer pins the dial network so brokers advertising both stacks
// resolve over the configured one.
func familyDialer(network string) func(ctx context.Context, _, host string) (net.Conn, error) {
	d := &net.Dialer{Timeout: 10 * time.Second}
	return func(ctx context.Context, _ string, host string) (net.Conn, error) {
		return d.DialContext(ctx, network, host)
	}
}
