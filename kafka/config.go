// Package kafka produces run reports, sync results and notifications to
// Kafka clusters.
package kafka

import (
	"crypto/tls"
	"strings"

	"github.com/segmentio/kafka-go/sasl"
	"github.com/segmentio/kafka-go/sasl/plain"
	"github.com/segmentio/kafka-go/sasl/scram"

	"alarmsync/config"
)

// SASLMechanism represents the SASL authentication mechanism.
type SASLMechanism string

const (
	SASLNone        SASLMechanism = ""
	SASLPlain       SASLMechanism = "PLAIN"
	SASLSCRAMSHA256 SASLMechanism = "SCRAM-SHA-256"
	SASLSCRAMSHA512 SASLMechanism = "SCRAM-SHA-512"
)

// tlsConfig returns a TLS configuration if TLS is enabled.
func tlsConfig(c *config.KafkaConfig) *tls.Config {
	if !c.UseTLS {
		return nil
	}
	return &tls.Config{
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: c.TLSSkipVerify,
	}
}

// saslMechanism returns the configured SASL mechanism, or nil when no
// credentials are set.
func saslMechanism(c *config.KafkaConfig) (sasl.Mechanism, error) {
	if c.Username == "" {
		return nil, nil
	}

	switch SASLMechanism(strings.ToUpper(c.SASLMechanism)) {
	case SASLPlain, SASLNone:
		return plain.Mechanism{
			Username: c.Username,
			Password: c.Password,
		}, nil
	case SASLSCRAMSHA256:
		return scram.Mechanism(scram.SHA256, c.Username, c.Password)
	case SASLSCRAMSHA512:
		return scram.Mechanism(scram.SHA512, c.Username, c.Password)
	default:
		return nil, &UnsupportedMechanismError{Mechanism: c.SASLMechanism}
	}
}

// UnsupportedMechanismError is returned for an unknown SASL mechanism name.
type UnsupportedMechanismError struct {
	Mechanism string
}

func (e *UnsupportedMechanismError) Error() string {
	return "unsupported SASL mechanism: " + e.Mechanism
}
