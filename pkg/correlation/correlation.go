// Package correlation implements the response correlator:
// it validates an external HTTP response against the command that
// originated it and produces either a typed live-response acknowledgement
// or a plain acknowledgement envelope, with bit-exact mismatch wording.
package correlation

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"

	"github.com/jimmy777/ditto-connectivity/pkg/externalmessage"
)

// DittoProtocolContentType is the content type a live-message response
// must carry for the correlator to parse it as a protocol-adaptable
// response rather than a plain acknowledgement.
const DittoProtocolContentType = "application/vnd.eclipse.ditto+json"

// Live message response types, as reported by the protocol adapter.
const (
	ThingResponseType   = "messages.responses:thingResponseMessage"
	FeatureResponseType = "messages.responses:featureResponseMessage"
)

var vndJSONPattern = regexp.MustCompile(`^application/vnd\.[^+]+\+json$`)

// Command is the minimal view of the originating live-message command the
// correlator needs: its correlation id, the entity it targets, the
// response type it expects back, and the set of acknowledgement labels its
// sender requested (the live-response label, custom "ns:name" labels, or
// both).
type Command struct {
	CorrelationID        string
	EntityID             string
	ExpectedResponseType string
	RequestedAcks        []externalmessage.AcknowledgementLabel
}

// RequestsLiveResponse reports whether the sender asked for a live
// response, i.e. RequestedAcks contains the live-response label.
func (c Command) RequestsLiveResponse() bool {
	for _, label := range c.RequestedAcks {
		if label == externalmessage.LiveResponseLabel {
			return true
		}
	}
	return false
}

// Response is the external system's HTTP response, already read into
// memory.
type Response struct {
	CorrelationID string
	EntityID      string
	ResponseType  string
	ContentType   string
	Status        int
	Headers       map[string]string
	Body          []byte
	IsText        bool
}

// ProtocolEnvelope is the decoded form of a Ditto-protocol JSON response
// body: topic, headers, path, status and value.
type ProtocolEnvelope struct {
	Topic   string            `json:"topic"`
	Headers map[string]string `json:"headers"`
	Path    string            `json:"path"`
	Status  int               `json:"status"`
	Value   any               `json:"value"`
}

// ParseProtocolEnvelope decodes body as a Ditto-protocol envelope.
func ParseProtocolEnvelope(body []byte) (ProtocolEnvelope, error) {
	var env ProtocolEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return ProtocolEnvelope{}, err
	}
	return env, nil
}

// CorrelationID returns the correlation id carried in the envelope's own
// protocol headers.
func (e ProtocolEnvelope) CorrelationID() string {
	return e.Headers["correlation-id"]
}

// EntityID derives the addressed thing id from the envelope topic, whose
// first two segments are the thing's namespace and name.
func (e ProtocolEnvelope) EntityID() string {
	parts := strings.SplitN(e.Topic, "/", 3)
	if len(parts) < 2 {
		return ""
	}
	return parts[0] + ":" + parts[1]
}

// ResponseType classifies the envelope as a feature- or thing-level live
// message response based on its path: a message addressed under a feature
// ("/features/<id>/...") is a feature response, everything else a thing
// response.
func (e ProtocolEnvelope) ResponseType() string {
	if strings.HasPrefix(e.Path, "/features/") {
		return FeatureResponseType
	}
	return ThingResponseType
}

// ResolveLabel computes the acknowledgement label a response through a
// given target should be filed under: the target's own issued label if it
// has one, else LiveResponseLabel if the command requested a live
// response, else "" (no acknowledgement requested through this target).
func ResolveLabel(issuedLabel externalmessage.AcknowledgementLabel, requestsLiveResponse bool) externalmessage.AcknowledgementLabel {
	if issuedLabel != "" {
		return issuedLabel
	}
	if requestsLiveResponse {
		return externalmessage.LiveResponseLabel
	}
	return ""
}

// Correlate validates resp against cmd and builds the acknowledgement
// envelope to report it under. When cmd requests a live response and resp
// carries the ditto-protocol content type, correlation-id, entity-id and
// response-type are all validated first; any mismatch short-circuits to a
// BAD_REQUEST envelope whose message wording callers rely on verbatim.
// Otherwise resp is reported as a plain acknowledgement under label.
func Correlate(cmd Command, resp Response, label externalmessage.AcknowledgementLabel, customHeaders map[string]string) externalmessage.AcknowledgementEnvelope {
	if cmd.RequestsLiveResponse() && resp.ContentType == DittoProtocolContentType {
		if resp.CorrelationID != cmd.CorrelationID {
			return badRequestEnvelope(cmd.EntityID, "Correlation ID of response <"+resp.CorrelationID+
				"> does not match correlation ID of message command <"+cmd.CorrelationID+">")
		}
		if resp.EntityID != cmd.EntityID {
			return badRequestEnvelope(cmd.EntityID, "Live response does not target the correct thing. Expected thing ID <"+
				cmd.EntityID+">, but was <"+resp.EntityID+">.")
		}
		if resp.ResponseType != cmd.ExpectedResponseType {
			return badRequestEnvelope(cmd.EntityID, "Live response of type <"+resp.ResponseType+
				"> is not of expected type <"+cmd.ExpectedResponseType+">.")
		}
	}

	return plainEnvelope(cmd, resp, label, customHeaders)
}

func badRequestEnvelope(entityID, message string) externalmessage.AcknowledgementEnvelope {
	return externalmessage.AcknowledgementEnvelope{
		Label:    externalmessage.LiveResponseLabel,
		EntityID: entityID,
		Status:   http.StatusBadRequest,
		Headers:  externalmessage.NewHeaders(),
		Entity:   message,
	}
}

func plainEnvelope(cmd Command, resp Response, label externalmessage.AcknowledgementLabel, customHeaders map[string]string) externalmessage.AcknowledgementEnvelope {
	headers := externalmessage.NewHeaders()
	for k, v := range resp.Headers {
		headers.Set(k, v)
	}
	for k, v := range customHeaders {
		headers.Set(k, v)
	}

	return externalmessage.AcknowledgementEnvelope{
		Label:    label,
		EntityID: cmd.EntityID,
		Status:   resp.Status,
		Headers:  headers,
		Entity:   buildEntity(resp),
	}
}

// buildEntity maps a response body to its entity form: text bodies become
// JSON strings, binary bodies become base64-encoded JSON strings, JSON and
// vnd.*+json bodies are parsed, with a parse failure falling back to the
// raw string rather than erroring.
func buildEntity(resp Response) any {
	if isJSONContentType(resp.ContentType) {
		var parsed any
		if err := json.Unmarshal(resp.Body, &parsed); err == nil {
			return parsed
		}
		return string(resp.Body)
	}
	if resp.IsText {
		return string(resp.Body)
	}
	return base64.StdEncoding.EncodeToString(resp.Body)
}

func isJSONContentType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if ct == "application/json" {
		return true
	}
	return vndJSONPattern.MatchString(ct)
}
