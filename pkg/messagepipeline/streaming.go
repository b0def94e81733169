// Package messagepipeline is the generic inbound dataflow engine: a
// bounded pool of workers consuming from a message source, transforming
// each record, and forwarding it to a processing sink. Two variants exist:
// StreamingService for ack/nack sources whose broker tracks delivery
// (MQTT), and AtLeastOnceStream for offset-committing sources (Kafka)
// where the stream itself decides when a record's position is durable.
package messagepipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// StreamingService consumes messages, transforms them individually, and
// immediately hands them to a StreamProcessor. Each message is acked on
// success or skip and nacked on transform/process failure; there is no
// commit stage, since the source's broker owns redelivery.
type StreamingService[T any] struct {
	numWorkers  int
	consumer    MessageConsumer
	transformer MessageTransformer[T]
	processor   StreamProcessor[T]
	logger      zerolog.Logger
	wg          sync.WaitGroup
}

// StreamingServiceConfig holds configuration for a StreamingService.
type StreamingServiceConfig struct {
	NumWorkers int
}

// NewStreamingService creates a StreamingService reading from consumer,
// transforming with transformer, and forwarding to processor.
func NewStreamingService[T any](
	cfg StreamingServiceConfig,
	consumer MessageConsumer,
	transformer MessageTransformer[T],
	processor StreamProcessor[T],
	logger zerolog.Logger,
) (*StreamingService[T], error) {
	if cfg.NumWorkers <= 0 {
		cfg.NumWorkers = 5
	}
	if consumer == nil {
		return nil, fmt.Errorf("consumer cannot be nil")
	}
	if transformer == nil {
		return nil, fmt.Errorf("transformer cannot be nil")
	}
	if processor == nil {
		return nil, fmt.Errorf("processor cannot be nil")
	}

	return &StreamingService[T]{
		numWorkers:  cfg.NumWorkers,
		consumer:    consumer,
		transformer: transformer,
		processor:   processor,
		logger:      logger.With().Str("service", "StreamingService").Logger(),
	}, nil
}

// Start launches the consumer and the worker pool.
func (s *StreamingService[T]) Start(ctx context.Context) error {
	if err := s.consumer.Start(ctx); err != nil {
		return fmt.Errorf("failed to start message consumer: %w", err)
	}

	s.logger.Info().Int("worker_count", s.numWorkers).Msg("streaming service started")
	s.wg.Add(s.numWorkers)
	for i := 0; i < s.numWorkers; i++ {
		go s.worker(ctx, i)
	}
	return nil
}

// Stop stops the consumer first so no new messages arrive, then waits for
// in-flight messages to drain, aborting if ctx expires.
func (s *StreamingService[T]) Stop(ctx context.Context) error {
	if err := s.consumer.Stop(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("error during consumer stop, continuing shutdown")
	}

	workerDone := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(workerDone)
	}()

	select {
	case <-workerDone:
		s.logger.Info().Msg("streaming service stopped")
		return nil
	case <-ctx.Done():
		s.logger.Error().Err(ctx.Err()).Msg("timeout waiting for processing workers to finish")
		return ctx.Err()
	}
}

func (s *StreamingService[T]) worker(ctx context.Context, workerID int) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-s.consumer.Messages():
			if !ok {
				return
			}
			s.processConsumedMessage(ctx, msg, workerID)
		}
	}
}

// processConsumedMessage transforms and processes one message, resolving
// its ack/nack exactly once.
func (s *StreamingService[T]) processConsumedMessage(ctx context.Context, msg Message, workerID int) {
	transformedPayload, skip, err := s.transformer(ctx, &msg)
	if err != nil {
		s.logger.Error().Err(err).Int("worker_id", workerID).Str("msg_id", msg.ID).Msg("failed to transform message, nacking")
		msg.Nack()
		return
	}

	if skip {
		s.logger.Debug().Str("msg_id", msg.ID).Msg("transformer skipped message, acking")
		msg.Ack()
		return
	}

	if err := s.processor(ctx, msg, transformedPayload); err != nil {
		s.logger.Error().Err(err).Int("worker_id", workerID).Str("msg_id", msg.ID).Msg("processor failed to handle message, nacking")
		msg.Nack()
		return
	}

	msg.Ack()
}
