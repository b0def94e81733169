package messagepipeline

import (
	"context"
)

// MessageConsumer is a source of ack/nack-style inbound messages (MQTT,
// or any transport whose broker tracks delivery itself). It fetches
// records and hands them to the pipeline's workers over a channel.
type MessageConsumer interface {
	// Messages returns the channel pipeline workers receive from.
	Messages() <-chan Message
	// Start begins consumption, e.g. by connecting and subscribing.
	Start(ctx context.Context) error
	// Stop ceases consumption and waits for background tasks to finish.
	Stop(ctx context.Context) error
	// Done is closed once the consumer has completely shut down.
	Done() <-chan struct{}
}

// MessageTransformer turns a raw Message into a sink-ready payload of
// type T. Returning skip=true acknowledges the message without forwarding
// it, filtering it from the pipeline. The transformer populates T with
// data only; serialization is the publishing stage's concern.
type MessageTransformer[T any] func(ctx context.Context, msg *Message) (payload *T, skip bool, err error)

// StreamProcessor handles transformed payloads one by one. A returned
// error nacks the originating message.
type StreamProcessor[T any] func(ctx context.Context, original Message, payload *T) error
