package httppush

import (
	"net/http"
	"strings"
	"time"

	"github.com/jimmy777/ditto-connectivity/pkg/addresstemplate"
	"github.com/jimmy777/ditto-connectivity/pkg/connection"
	"github.com/jimmy777/ditto-connectivity/pkg/signing"
)

// BuildUnsignedRequest renders target's address template against signal's
// context, resolves the target's header-mapping (extracting reserved
// headers to apply structurally instead of as transport headers),
// assembles the body, and signs if the connection carries credentials.
func BuildUnsignedRequest(signal MappedSignal, target connection.Target, functions map[string]addresstemplate.PipelineFunction, now time.Time) (signing.SignedRequest, error) {
	tpl, err := addresstemplate.Parse(target.Address)
	if err != nil {
		return signing.SignedRequest{}, err
	}

	rendered, err := addresstemplate.Render(tpl, signal.Context, functions)
	if err != nil {
		return signing.SignedRequest{}, err
	}

	header := http.Header{}
	method := rendered.Method
	path := rendered.Path
	query := rendered.Query

	for outName, template := range target.HeaderMapping {
		value, err := addresstemplate.ResolvePlaceholders(template, signal.Context, functions)
		if err != nil {
			return signing.SignedRequest{}, err
		}

		switch strings.ToLower(outName) {
		case ReservedHeaderMethod:
			method = value
		case ReservedHeaderPath:
			if !strings.HasPrefix(value, "/") {
				value = "/" + value
			}
			path = value
		case ReservedHeaderQuery:
			query = value
		default:
			header.Set(outName, value)
		}
	}

	if ct := signal.Message.ContentType; ct != "" {
		header.Set("Content-Type", ct)
	}

	uri := signal.Connection.URI + path
	if query != "" {
		uri += "?" + query
	}

	unsigned := signing.UnsignedRequest{
		Method: method,
		URI:    uri,
		Header: header,
		Body:   signal.Message.Bytes(),
	}

	if signal.Connection.Credentials == nil {
		return signing.SignedRequest{
			Method: unsigned.Method,
			URI:    unsigned.URI,
			Header: unsigned.Header,
			Body:   unsigned.Body,
		}, nil
	}

	return signing.Sign(unsigned, *signal.Connection.Credentials, now)
}
