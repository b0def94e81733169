// Package transportvalidator enforces per-connection-type rules at
// accept-connection time: allowed source/target address shapes, allowed
// HTTP methods, URI well-formedness.
package transportvalidator

import (
	"net/url"

	"github.com/jimmy777/ditto-connectivity/pkg/addresstemplate"
	"github.com/jimmy777/ditto-connectivity/pkg/connection"
	"github.com/jimmy777/ditto-connectivity/pkg/ditterrors"
)

// Validator checks a Connection's shape before it is admitted to the
// registry. Implementations report the first violation found; they do not
// accumulate a list of errors.
type Validator interface {
	Validate(conn connection.Connection) error
}

// noopValidator accepts every Connection. Connection types without a
// registered validator are assumed externally validated; only HTTP_PUSH
// address shapes are checked by this service.
type noopValidator struct{}

func (noopValidator) Validate(connection.Connection) error { return nil }

// registry maps a connection.Type to the Validator enforcing its rules.
var registry = map[connection.Type]Validator{
	connection.TypeHTTPPush: HTTPPushValidator{},
}

// For returns the Validator registered for t, or a permissive no-op
// validator if none is registered.
func For(t connection.Type) Validator {
	if v, ok := registry[t]; ok {
		return v
	}
	return noopValidator{}
}

// HTTPPushValidator implements the HTTP_PUSH connection-type rules:
// sources are rejected entirely, every target's address must
// parse per pkg/addresstemplate with an allowed method, and the
// connection's own URI must be syntactically well-formed.
type HTTPPushValidator struct{}

func (HTTPPushValidator) Validate(conn connection.Connection) error {
	if len(conn.Sources) > 0 {
		return ditterrors.ConfigInvalid("HTTP_PUSH connections do not support sources")
	}

	if conn.URI != "" {
		if _, err := url.Parse(conn.URI); err != nil {
			return ditterrors.Wrap(ditterrors.CategoryConfigInvalid, "connection URI is not well-formed", err)
		}
	}

	for _, target := range conn.Targets {
		if _, err := addresstemplate.Parse(target.Address); err != nil {
			return err
		}
	}

	return nil
}
