package messagepipeline

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
)

// WithPayloadValidation wraps a MessageTransformer with a payload-size
// gate: a message outside [minSize, maxSize] is skipped (acked, never
// forwarded) before the inner transformer sees it.
func WithPayloadValidation[T any](
	innerTransformer MessageTransformer[T],
	minSize int,
	maxSize int,
	logger zerolog.Logger,
) MessageTransformer[T] {
	return func(ctx context.Context, msg *Message) (*T, bool, error) {
		payloadLen := len(msg.Payload)
		if payloadLen < minSize || payloadLen > maxSize {
			logger.Warn().Str("msg_id", msg.ID).Int("payload_size", payloadLen).Msg("rejecting message due to invalid payload size")
			return nil, true, nil
		}
		return innerTransformer(ctx, msg)
	}
}

// WithRecordPayloadValidation is WithPayloadValidation for the at-least-once
// path: it wraps a RecordTransformer instead of a MessageTransformer, since
// CommittableRecord (not Message) is the unit the Kafka source hands the
// pipeline.
func WithRecordPayloadValidation[T any](
	innerTransformer RecordTransformer[T],
	minSize int,
	maxSize int,
	logger zerolog.Logger,
) RecordTransformer[T] {
	return func(ctx context.Context, rec *CommittableRecord) (*T, bool, error) {
		payloadLen := len(rec.Payload)
		if payloadLen < minSize || payloadLen > maxSize {
			logger.Warn().Str("msg_id", rec.ID).Int("payload_size", payloadLen).Msg("rejecting record due to invalid payload size")
			// Not retryable: a record's size never changes on replay.
			return nil, false, fmt.Errorf("payload size %d outside allowed range [%d,%d]", payloadLen, minSize, maxSize)
		}
		return innerTransformer(ctx, rec)
	}
}
