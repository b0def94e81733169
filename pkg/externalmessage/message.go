// Package externalmessage holds the wire-facing message and acknowledgement
// types that cross the boundary between Ditto's internal protocol form and
// an external transport: ExternalMessage, AcknowledgementEnvelope and
// AcknowledgementsAggregate.
package externalmessage

import (
	"net/http"
)

// Headers is a case-insensitive string-keyed header map, mirroring
// net/http.Header's canonicalization so callers can use plain string keys
// without worrying about casing mismatches between mapper-produced and
// transport-produced header names.
type Headers struct {
	h http.Header
}

// NewHeaders creates an empty Headers map.
func NewHeaders() Headers {
	return Headers{h: make(http.Header)}
}

// HeadersFromMap builds a Headers map from a plain string map, as produced
// by a payload mapper's header-mapping evaluation.
func HeadersFromMap(m map[string]string) Headers {
	h := NewHeaders()
	for k, v := range m {
		h.Set(k, v)
	}
	return h
}

// Get returns the value for key, case-insensitively, or "" if absent.
func (h Headers) Get(key string) string {
	return h.h.Get(key)
}

// Set assigns value to key, case-insensitively, overwriting any prior value.
func (h Headers) Set(key, value string) {
	h.h.Set(key, value)
}

// Del removes key, case-insensitively.
func (h Headers) Del(key string) {
	h.h.Del(key)
}

// Has reports whether key is present, case-insensitively.
func (h Headers) Has(key string) bool {
	return h.h.Get(key) != "" || h.h.Values(key) != nil
}

// ToMap returns a plain map with one entry per header name, taking the
// first value for headers with multiple values.
func (h Headers) ToMap() map[string]string {
	out := make(map[string]string, len(h.h))
	for k := range h.h {
		out[http.CanonicalHeaderKey(k)] = h.h.Get(k)
	}
	return out
}

// Clone returns a deep copy of h.
func (h Headers) Clone() Headers {
	return Headers{h: h.h.Clone()}
}

// ExternalMessage is the protocol-agnostic envelope carrying a mapped
// signal's wire representation: case-insensitive headers, a content type,
// and either a text payload or a raw byte payload; exactly one is set.
type ExternalMessage struct {
	Headers     Headers
	ContentType string
	TextPayload string
	BytePayload []byte
	IsText      bool
}

// NewTextMessage builds an ExternalMessage carrying a text payload.
func NewTextMessage(headers Headers, contentType, text string) ExternalMessage {
	return ExternalMessage{Headers: headers, ContentType: contentType, TextPayload: text, IsText: true}
}

// NewBytesMessage builds an ExternalMessage carrying a binary payload.
func NewBytesMessage(headers Headers, contentType string, body []byte) ExternalMessage {
	return ExternalMessage{Headers: headers, ContentType: contentType, BytePayload: body, IsText: false}
}

// Bytes returns the message's payload as bytes regardless of which variant
// it was constructed with.
func (m ExternalMessage) Bytes() []byte {
	if m.IsText {
		return []byte(m.TextPayload)
	}
	return m.BytePayload
}
