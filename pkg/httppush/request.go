// Package httppush implements the outbound HTTP-Push publisher pipeline:
// target selection, address render, header resolution with
// reserved-header extraction, body assembly, signing, bounded-parallelism
// dispatch, and response correlation back to the sender.
package httppush

import (
	"github.com/jimmy777/ditto-connectivity/pkg/addresstemplate"
	"github.com/jimmy777/ditto-connectivity/pkg/connection"
	"github.com/jimmy777/ditto-connectivity/pkg/correlation"
	"github.com/jimmy777/ditto-connectivity/pkg/externalmessage"
)

// Reserved header names: present in a mapped signal's headers, these are
// removed from the HTTP header set and applied structurally to the request
// instead of being sent as transport headers.
const (
	ReservedHeaderMethod = "http.method"
	ReservedHeaderPath   = "http.path"
	ReservedHeaderQuery  = "http.query"
)

// State is a request's position in the PENDING → DISPATCHED →
// (RESPONDED|FAILED|TIMED_OUT) → REPLIED machine.
type State string

const (
	StatePending    State = "PENDING"
	StateDispatched State = "DISPATCHED"
	StateResponded  State = "RESPONDED"
	StateFailed     State = "FAILED"
	StateTimedOut   State = "TIMED_OUT"
	StateReplied    State = "REPLIED"
)

// MappedSignal is the unit of work the pipeline dispatches: one mapped
// outbound signal with its full target list and the sender to reply to.
// Targets are dispatched in declaration order; each target whose resolved
// acknowledgement label is non-empty contributes one envelope to the
// aggregate, and the sender is called exactly once per signal with the
// completed (or timeout-filled) aggregate.
type MappedSignal struct {
	Connection  connection.Connection
	Targets     []connection.Target
	Context     addresstemplate.Context
	Message     externalmessage.ExternalMessage
	Command     correlation.Command
	SenderReply func(*externalmessage.AcknowledgementsAggregate)
}

// PendingDispatch is the record tracked per in-flight signal between
// dispatch start and the reply to the sender. It carries identity and
// state only (no callbacks), so it survives JSON serialization when the
// pending store is Redis-backed.
type PendingDispatch struct {
	ConnectionID  string `json:"connectionId"`
	CorrelationID string `json:"correlationId"`
	State         State  `json:"state"`
}
