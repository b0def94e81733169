package messagepipeline_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jimmy777/ditto-connectivity/pkg/messagepipeline"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type streamTestPayload struct {
	Data string
}

// newTestStreamingService builds a StreamingService over a mock consumer
// and a transformer that skips payloads "skip" and fails on
// "transform_error".
func newTestStreamingService(
	t *testing.T,
	cfg messagepipeline.StreamingServiceConfig,
	processor messagepipeline.StreamProcessor[streamTestPayload],
) (*messagepipeline.StreamingService[streamTestPayload], *mockMessageConsumer) {
	consumer := newMockMessageConsumer(10)
	t.Cleanup(consumer.Close)

	transformer := func(ctx context.Context, msg *messagepipeline.Message) (*streamTestPayload, bool, error) {
		switch string(msg.Payload) {
		case "skip":
			return nil, true, nil
		case "transform_error":
			return nil, false, errors.New("transformation failed")
		}
		return &streamTestPayload{Data: string(msg.Payload)}, false, nil
	}

	service, err := messagepipeline.NewStreamingService[streamTestPayload](cfg, consumer, transformer, processor, zerolog.Nop())
	require.NoError(t, err)
	return service, consumer
}

func TestStreamingService_Lifecycle(t *testing.T) {
	var processorCalled atomic.Int32
	processor := func(ctx context.Context, original messagepipeline.Message, payload *streamTestPayload) error {
		processorCalled.Add(1)
		return nil
	}

	service, consumer := newTestStreamingService(t, messagepipeline.StreamingServiceConfig{NumWorkers: 1}, processor)

	serviceCtx, serviceCancel := context.WithCancel(context.Background())
	defer serviceCancel()

	require.NoError(t, service.Start(serviceCtx))
	assert.Equal(t, 1, consumer.StartCount())

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	require.NoError(t, service.Stop(stopCtx))
	assert.Equal(t, 1, consumer.StopCount())
}

func TestStreamingService_ProcessMessage_Success(t *testing.T) {
	var processorCalled atomic.Int32
	var receivedPayload *streamTestPayload
	var mu sync.Mutex

	processor := func(ctx context.Context, original messagepipeline.Message, payload *streamTestPayload) error {
		mu.Lock()
		receivedPayload = payload
		mu.Unlock()
		processorCalled.Add(1)
		return nil
	}

	service, consumer := newTestStreamingService(t, messagepipeline.StreamingServiceConfig{NumWorkers: 1}, processor)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, service.Start(ctx))

	var ackCalled atomic.Bool
	consumer.Push(messagepipeline.Message{
		MessageData: messagepipeline.MessageData{
			ID:      "test-msg-1",
			Payload: []byte("original"),
		},
		Ack:  func() { ackCalled.Store(true) },
		Nack: func() { t.Error("Nack was called unexpectedly") },
	})

	require.Eventually(t, func() bool {
		return processorCalled.Load() == 1
	}, time.Second, 10*time.Millisecond, "processor was not called in time")

	mu.Lock()
	assert.Equal(t, "original", receivedPayload.Data)
	mu.Unlock()

	require.Eventually(t, ackCalled.Load, time.Second, 10*time.Millisecond, "Ack was not called")
}

func TestStreamingService_ProcessMessage_TransformerError(t *testing.T) {
	processor := func(ctx context.Context, original messagepipeline.Message, payload *streamTestPayload) error {
		t.Error("processor should not be called when transformer fails")
		return nil
	}

	service, consumer := newTestStreamingService(t, messagepipeline.StreamingServiceConfig{NumWorkers: 1}, processor)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, service.Start(ctx))

	var nackCalled atomic.Bool
	consumer.Push(messagepipeline.Message{
		MessageData: messagepipeline.MessageData{ID: "test-msg-err", Payload: []byte("transform_error")},
		Ack:         func() { t.Error("Ack was called unexpectedly") },
		Nack:        func() { nackCalled.Store(true) },
	})

	require.Eventually(t, nackCalled.Load, time.Second, 10*time.Millisecond, "Nack was not called on transformer error")
}

func TestStreamingService_ProcessMessage_Skip(t *testing.T) {
	processor := func(ctx context.Context, original messagepipeline.Message, payload *streamTestPayload) error {
		t.Error("processor should not be called for a skipped message")
		return nil
	}

	service, consumer := newTestStreamingService(t, messagepipeline.StreamingServiceConfig{NumWorkers: 1}, processor)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, service.Start(ctx))

	var ackCalled atomic.Bool
	consumer.Push(messagepipeline.Message{
		MessageData: messagepipeline.MessageData{ID: "test-msg-skip", Payload: []byte("skip")},
		Ack:         func() { ackCalled.Store(true) },
		Nack:        func() { t.Error("Nack was called unexpectedly") },
	})

	require.Eventually(t, ackCalled.Load, time.Second, 10*time.Millisecond, "Ack was not called on skip")
}

func TestStreamingService_ProcessMessage_ProcessorError(t *testing.T) {
	processor := func(ctx context.Context, original messagepipeline.Message, payload *streamTestPayload) error {
		return errors.New("processing failed")
	}

	service, consumer := newTestStreamingService(t, messagepipeline.StreamingServiceConfig{NumWorkers: 1}, processor)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, service.Start(ctx))

	var nackCalled atomic.Bool
	consumer.Push(messagepipeline.Message{
		MessageData: messagepipeline.MessageData{ID: "test-msg-proc-err", Payload: []byte("process_me")},
		Ack:         func() { t.Error("Ack was called unexpectedly") },
		Nack:        func() { nackCalled.Store(true) },
	})

	require.Eventually(t, nackCalled.Load, time.Second, 10*time.Millisecond, "Nack was not called on processor error")
}

// mockMessageConsumer is an in-memory MessageConsumer fed by Push.
type mockMessageConsumer struct {
	msgChan    chan messagepipeline.Message
	startCount int
	stopCount  int
	mu         sync.Mutex
	closeOnce  sync.Once
}

func newMockMessageConsumer(bufferSize int) *mockMessageConsumer {
	return &mockMessageConsumer{
		msgChan: make(chan messagepipeline.Message, bufferSize),
	}
}

func (m *mockMessageConsumer) Push(msg messagepipeline.Message) {
	m.msgChan <- msg
}

func (m *mockMessageConsumer) Close() {
	m.closeOnce.Do(func() {
		close(m.msgChan)
	})
}

func (m *mockMessageConsumer) Messages() <-chan messagepipeline.Message {
	return m.msgChan
}

func (m *mockMessageConsumer) Start(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.startCount++
	return nil
}

func (m *mockMessageConsumer) Stop(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopCount++
	m.Close()
	return nil
}

func (m *mockMessageConsumer) Done() <-chan struct{} {
	done := make(chan struct{})
	close(done)
	return done
}

func (m *mockMessageConsumer) StartCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.startCount
}

func (m *mockMessageConsumer) StopCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopCount
}
