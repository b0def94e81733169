// Package connectivityconfig loads the ambient configuration the
// connectivity gateway needs at process start: defaults are set first,
// then overridden by environment variables, then validated.
package connectivityconfig

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config is the top-level connectivity gateway configuration. Field names
// and env tags mirror the service's config keys
// (kafka.consumer.throttling.*, http-push.parallelism) translated to
// SCREAMING_SNAKE_CASE env vars, the envconfig convention.
type Config struct {
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPPort string `envconfig:"HTTP_PORT" default:":8080"`

	HTTPPush      HTTPPushConfig      `envconfig:"HTTP_PUSH"`
	KafkaConsumer KafkaConsumerConfig `envconfig:"KAFKA_CONSUMER"`
	Mapping       MappingConfig       `envconfig:"MAPPING"`
	InFlight      InFlightConfig      `envconfig:"IN_FLIGHT"`

	// CommitOnTransformFailure controls whether a non-retryable consumer
	// transform failure commits its offset (true, default) or withholds it
	// for replay.
	CommitOnTransformFailure bool `envconfig:"COMMIT_ON_TRANSFORM_FAILURE" default:"true"`
}

// HTTPPushConfig covers the `http-push.parallelism` key (the
// bounded-parallelism dispatch stage size for the outbound publisher) and
// the per-label acknowledgement deadline after which requested but
// unanswered labels are filled with REQUEST_TIMEOUT envelopes.
type HTTPPushConfig struct {
	Parallelism int           `envconfig:"PARALLELISM" default:"10"`
	AckDeadline time.Duration `envconfig:"ACK_DEADLINE" default:"60s"`
}

// InFlightConfig selects the pending-dispatch registry backing the outbound
// publisher's reply-exactly-once guard: "memory" (per-process, the default)
// or "redis" (shared across gateway replicas).
type InFlightConfig struct {
	Backend       string        `envconfig:"BACKEND" default:"memory"`
	RedisAddr     string        `envconfig:"REDIS_ADDR"`
	RedisPassword string        `envconfig:"REDIS_PASSWORD"`
	RedisDB       int           `envconfig:"REDIS_DB" default:"0"`
	RedisTTL      time.Duration `envconfig:"REDIS_TTL" default:"5m"`
}

// KafkaConsumerConfig covers the `kafka.consumer.throttling.*` keys.
type KafkaConsumerConfig struct {
	Throttling ThrottlingConfig `envconfig:"THROTTLING"`
}

// ThrottlingConfig is the parameter set behind
// kafka.consumer.throttling.{limit,interval,maxInFlight,throttlingDetectionTolerance}.
type ThrottlingConfig struct {
	Limit                        int64   `envconfig:"LIMIT" default:"100"`
	IntervalMillis               int64   `envconfig:"INTERVAL_MILLIS" default:"60000"`
	MaxInFlight                  int     `envconfig:"MAX_IN_FLIGHT" default:"10"`
	ThrottlingDetectionTolerance float64 `envconfig:"THROTTLING_DETECTION_TOLERANCE" default:"0.05"`
}

// MappingConfig bounds the raw payload size a source will hand to its
// mapper, rejecting anything outside the range (an MQTT message is acked
// and dropped; a Kafka record's offset is committed when
// CommitOnTransformFailure is set) rather than forwarding a record no mapper could sensibly handle.
type MappingConfig struct {
	MinPayloadBytes int `envconfig:"MIN_PAYLOAD_BYTES" default:"0"`
	MaxPayloadBytes int `envconfig:"MAX_PAYLOAD_BYTES" default:"262144"`
}

// Load reads Config from the process environment, applying envconfig's
// struct-tag defaults first and then letting any matching environment
// variable override them.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := envconfig.Process("", cfg); err != nil {
		return nil, fmt.Errorf("processing connectivity config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating connectivity config: %w", err)
	}
	return cfg, nil
}

// Validate rejects configuration shapes that would make the pipelines this
// config drives meaningless (zero/negative parallelism, an impossible
// tolerance).
func (c *Config) Validate() error {
	if c.HTTPPush.Parallelism <= 0 {
		return fmt.Errorf("http-push.parallelism must be positive, got %d", c.HTTPPush.Parallelism)
	}
	if c.KafkaConsumer.Throttling.MaxInFlight <= 0 {
		return fmt.Errorf("kafka.consumer.throttling.maxInFlight must be positive, got %d", c.KafkaConsumer.Throttling.MaxInFlight)
	}
	if c.KafkaConsumer.Throttling.ThrottlingDetectionTolerance < 0 || c.KafkaConsumer.Throttling.ThrottlingDetectionTolerance >= 1 {
		return fmt.Errorf("kafka.consumer.throttling.throttlingDetectionTolerance must be in [0,1), got %f",
			c.KafkaConsumer.Throttling.ThrottlingDetectionTolerance)
	}
	if c.Mapping.MaxPayloadBytes <= c.Mapping.MinPayloadBytes {
		return fmt.Errorf("mapping.maxPayloadBytes (%d) must be greater than mapping.minPayloadBytes (%d)",
			c.Mapping.MaxPayloadBytes, c.Mapping.MinPayloadBytes)
	}
	switch c.InFlight.Backend {
	case "memory":
	case "redis":
		if c.InFlight.RedisAddr == "" {
			return fmt.Errorf("in-flight.redisAddr is required when in-flight.backend is %q", "redis")
		}
	default:
		return fmt.Errorf("in-flight.backend must be %q or %q, got %q", "memory", "redis", c.InFlight.Backend)
	}
	return nil
}
