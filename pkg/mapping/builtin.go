package mapping

import (
	"context"

	"github.com/jimmy777/ditto-connectivity/pkg/correlation"
	"github.com/jimmy777/ditto-connectivity/pkg/externalmessage"
)

// dittoMapper passes a record through unchanged, assuming the source
// already speaks Ditto Protocol JSON, the common case for a connection
// whose upstream system is itself a Ditto-aware producer.
type dittoMapper struct{}

func newDittoMapper(Options) (Mapper, error) {
	return dittoMapper{}, nil
}

func (dittoMapper) Map(_ context.Context, raw []byte, attributes map[string]string) (*externalmessage.ExternalMessage, error) {
	msg := externalmessage.NewTextMessage(externalmessage.HeadersFromMap(attributes), correlation.DittoProtocolContentType, string(raw))
	return &msg, nil
}

// textMapper wraps a raw record as a text/plain ExternalMessage, optionally
// overriding the content type via the "contentType" option.
type textMapper struct {
	contentType string
}

func newTextMapper(opts Options) (Mapper, error) {
	contentType := "text/plain"
	if ct, ok := opts["contentType"]; ok && ct != "" {
		contentType = ct
	}
	return textMapper{contentType: contentType}, nil
}

func (m textMapper) Map(_ context.Context, raw []byte, attributes map[string]string) (*externalmessage.ExternalMessage, error) {
	msg := externalmessage.NewTextMessage(externalmessage.HeadersFromMap(attributes), m.contentType, string(raw))
	return &msg, nil
}

// rawMapper wraps a raw record as an application/octet-stream (or
// option-overridden) byte payload, for sources whose bodies aren't valid
// UTF-8 text.
type rawMapper struct {
	contentType string
}

func newRawMapper(opts Options) (Mapper, error) {
	contentType := "application/octet-stream"
	if ct, ok := opts["contentType"]; ok && ct != "" {
		contentType = ct
	}
	return rawMapper{contentType: contentType}, nil
}

func (m rawMapper) Map(_ context.Context, raw []byte, attributes map[string]string) (*externalmessage.ExternalMessage, error) {
	msg := externalmessage.NewBytesMessage(externalmessage.HeadersFromMap(attributes), m.contentType, raw)
	return &msg, nil
}
