// Package signing implements the credential-driven HTTP request signing
// engine. Sign is pure and deterministic: given the same unsigned request,
// credentials and timestamp, it produces a byte-identical signed request on
// every call, on every machine. No I/O, no retries; unknown algorithms and
// missing parameters are reported immediately as CredentialsInvalid.
package signing

import (
	"net/http"
	"time"

	"github.com/jimmy777/ditto-connectivity/pkg/ditterrors"
)

// Algorithm identifies a supported HMAC signing variant.
type Algorithm string

const (
	AlgorithmAWS4HMACSHA256   Algorithm = "aws4-hmac-sha256"
	AlgorithmAzureMonitorHMAC Algorithm = "az-monitor-2016-04-01"
)

// Credentials holds the HMAC signing algorithm tag plus its free-form
// parameter map, mirroring the credentials wire form
// { "algorithm": "...", "parameters": { ... } }.
type Credentials struct {
	Algorithm  Algorithm
	Parameters map[string]string
}

// UnsignedRequest is the request representation the signer consumes: method,
// full URI (path+query, used for both the canonical request and host
// resolution), headers and the raw request body used to compute content hashes.
type UnsignedRequest struct {
	Method string
	URI    string // absolute or path form, e.g. "https://host/path?query" or "/path?query"
	Header http.Header
	Body   []byte
}

// SignedRequest is the UnsignedRequest with signing headers applied.
type SignedRequest struct {
	Method string
	URI    string
	Header http.Header
	Body   []byte
}

// Signer signs an UnsignedRequest with Credentials at a fixed point in time.
// Implementations MUST be pure: no network calls, no randomness, no reliance
// on wall-clock time other than the timestamp argument.
type Signer interface {
	Sign(req UnsignedRequest, creds Credentials, timestamp time.Time) (SignedRequest, error)
}

// Sign dispatches to the signer registered for creds.Algorithm. Unknown
// algorithms are reported as CredentialsInvalid.
func Sign(req UnsignedRequest, creds Credentials, timestamp time.Time) (SignedRequest, error) {
	switch creds.Algorithm {
	case AlgorithmAWS4HMACSHA256:
		return awsSigner{}.Sign(req, creds, timestamp)
	case AlgorithmAzureMonitorHMAC:
		return azureSigner{}.Sign(req, creds, timestamp)
	default:
		return SignedRequest{}, ditterrors.CredentialsInvalid("unknown signing algorithm %q", creds.Algorithm)
	}
}

// cloneHeader returns a deep copy of h so signers never mutate the caller's
// header map in place; signing is a pure, non-destructive transform.
func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		cp := make([]string, len(vs))
		copy(cp, vs)
		out[k] = cp
	}
	return out
}
