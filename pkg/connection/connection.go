// Package connection holds the Connection/Target/Source data model: the
// configuration a connection is opened with, immutable once created and
// replaced wholesale (never mutated in place) on modify.
package connection

import (
	"github.com/jimmy777/ditto-connectivity/pkg/signing"
)

// Type identifies the wire protocol a Connection speaks.
type Type string

const (
	TypeHTTPPush Type = "HTTP_PUSH"
	TypeKafka    Type = "KAFKA"
	TypeAMQP091  Type = "AMQP_091"
	TypeAMQP10   Type = "AMQP_10"
	TypeMQTT     Type = "MQTT"
	TypeMQTT5    Type = "MQTT_5"
)

// Status is the lifecycle state of a Connection.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
	StatusFailed Status = "FAILED"
)

// Topic tags the signal category a Target subscribes to.
type Topic string

const (
	TopicLiveMessages Topic = "LIVE_MESSAGES"
	TopicLiveEvents   Topic = "LIVE_EVENTS"
	TopicTwinEvents   Topic = "TWIN_EVENTS"
)

// Connection is the top-level, immutable configuration object: identifier,
// transport type, status, URI, optional HMAC credentials, its ordered
// Targets and Sources, and a free-form specific-configuration map. A
// Connection is never mutated after construction; Registry.Replace swaps
// in a new value built from the old one.
type Connection struct {
	ID             string
	Type           Type
	Status         Status
	URI            string
	Credentials    *signing.Credentials
	Targets        []Target
	Sources        []Source
	SpecificConfig map[string]string
}

// Target describes one outbound address a mapped signal may be published
// to: its address template, the authorization context under which it
// publishes, a header-mapping of out-header-name to template, the
// acknowledgement label the connection operator wants issued for replies
// through this target, and the set of Topics it subscribes to.
type Target struct {
	Address                string
	AuthorizationContext   []string
	HeaderMapping          map[string]string
	IssuedAcknowledgeLabel string
	Topics                 []Topic
}

// Source describes one inbound address a Connection consumes records
// from: its address, authorization context, quality-of-service level, and
// the payload mapping rules applied to each record before it reaches the
// at-least-once stream.
type Source struct {
	Address              string
	AuthorizationContext []string
	QoS                  int
	MappingRules         map[string]string
}

// RequestsAck reports whether t was issued an acknowledgement label, i.e.
// whether a response through this target should be correlated back to the
// sender rather than fired-and-forgotten.
func (t Target) RequestsAck() bool {
	return t.IssuedAcknowledgeLabel != ""
}

// HasTopic reports whether t is subscribed to topic.
func (t Target) HasTopic(topic Topic) bool {
	for _, tp := range t.Topics {
		if tp == topic {
			return true
		}
	}
	return false
}
