package httppush_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/jimmy777/ditto-connectivity/pkg/addresstemplate"
	"github.com/jimmy777/ditto-connectivity/pkg/connection"
	"github.com/jimmy777/ditto-connectivity/pkg/correlation"
	"github.com/jimmy777/ditto-connectivity/pkg/externalmessage"
	"github.com/jimmy777/ditto-connectivity/pkg/httppush"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipeline_DispatchRepliesExactlyOnceWithAggregate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("hello!"))
	}))
	defer server.Close()

	pipeline := httppush.NewPipeline(server.Client(), httppush.PipelineConfig{Parallelism: 2}, addresstemplate.DefaultFunctions(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pipeline.Start(ctx)

	var mu sync.Mutex
	var replies []*externalmessage.AcknowledgementsAggregate
	var wg sync.WaitGroup
	wg.Add(1)

	signal := httppush.MappedSignal{
		Connection: connection.Connection{URI: server.URL},
		Targets: []connection.Target{
			{Address: "POST:events", IssuedAcknowledgeLabel: "please-verify"},
		},
		Message: externalmessage.NewTextMessage(externalmessage.NewHeaders(), "text/plain", "body"),
		Command: correlation.Command{CorrelationID: "corr-1", EntityID: "thing:my-thing"},
		SenderReply: func(agg *externalmessage.AcknowledgementsAggregate) {
			mu.Lock()
			replies = append(replies, agg)
			mu.Unlock()
			wg.Done()
		},
	}

	require.NoError(t, pipeline.Submit(ctx, signal))

	waitWithTimeout(t, &wg, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, replies, 1, "exactly one reply per mapped outbound signal")
	agg := replies[0]
	assert.Equal(t, "corr-1", agg.CorrelationID)
	assert.Equal(t, 200, agg.Status())
	require.Len(t, agg.Envelopes, 1)
	env := agg.Envelopes["please-verify"]
	assert.Equal(t, 200, env.Status)
	assert.Equal(t, "hello!", env.Entity)

	require.NoError(t, pipeline.Stop(context.Background()))
}

// TestPipeline_MultipleTargetsYieldOneAggregate drives a signal with two
// labelled targets: the sender is called once, with one envelope per label.
func TestPipeline_MultipleTargetsYieldOneAggregate(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("stored"))
	}))
	defer server.Close()

	pipeline := httppush.NewPipeline(server.Client(), httppush.PipelineConfig{Parallelism: 1}, addresstemplate.DefaultFunctions(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pipeline.Start(ctx)

	var mu sync.Mutex
	var replies []*externalmessage.AcknowledgementsAggregate
	var wg sync.WaitGroup
	wg.Add(1)

	signal := httppush.MappedSignal{
		Connection: connection.Connection{URI: server.URL},
		Targets: []connection.Target{
			{Address: "POST:a", IssuedAcknowledgeLabel: "live-response"},
			{Address: "POST:b", IssuedAcknowledgeLabel: "foo:bar"},
		},
		Message: externalmessage.NewTextMessage(externalmessage.NewHeaders(), "text/plain", "body"),
		Command: correlation.Command{
			CorrelationID: "corr-2",
			EntityID:      "thing:my-thing",
			RequestedAcks: []externalmessage.AcknowledgementLabel{"live-response", "foo:bar"},
		},
		SenderReply: func(agg *externalmessage.AcknowledgementsAggregate) {
			mu.Lock()
			replies = append(replies, agg)
			mu.Unlock()
			wg.Done()
		},
	}

	require.NoError(t, pipeline.Submit(ctx, signal))
	waitWithTimeout(t, &wg, 2*time.Second)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, replies, 1)
	agg := replies[0]
	require.Len(t, agg.Envelopes, 2, "one envelope per requested label")
	assert.Equal(t, 201, agg.Envelopes["live-response"].Status)
	assert.Equal(t, 201, agg.Envelopes["foo:bar"].Status)

	require.NoError(t, pipeline.Stop(context.Background()))
}

// TestPipeline_MissingRequestedLabelIsFilledWithTimeout requests a label no
// target can answer; after the acknowledgement deadline the aggregate must
// carry a REQUEST_TIMEOUT envelope for it.
func TestPipeline_MissingRequestedLabelIsFilledWithTimeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	pipeline := httppush.NewPipeline(server.Client(), httppush.PipelineConfig{
		Parallelism: 1,
		AckDeadline: 50 * time.Millisecond,
	}, addresstemplate.DefaultFunctions(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pipeline.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	var got *externalmessage.AcknowledgementsAggregate

	signal := httppush.MappedSignal{
		Connection: connection.Connection{URI: server.URL},
		Targets: []connection.Target{
			{Address: "POST:events", IssuedAcknowledgeLabel: "please-verify"},
		},
		Message: externalmessage.NewTextMessage(externalmessage.NewHeaders(), "text/plain", "body"),
		Command: correlation.Command{
			CorrelationID: "corr-3",
			EntityID:      "thing:my-thing",
			RequestedAcks: []externalmessage.AcknowledgementLabel{"please-verify", "never:answered"},
		},
		SenderReply: func(agg *externalmessage.AcknowledgementsAggregate) {
			got = agg
			wg.Done()
		},
	}

	require.NoError(t, pipeline.Submit(ctx, signal))
	waitWithTimeout(t, &wg, 2*time.Second)

	require.Len(t, got.Envelopes, 2, "exactly |requested-acks| acknowledgements")
	assert.Equal(t, 200, got.Envelopes["please-verify"].Status)
	assert.Equal(t, 408, got.Envelopes["never:answered"].Status)
	assert.Equal(t, 408, got.Status())

	require.NoError(t, pipeline.Stop(context.Background()))
}

func TestPipeline_TransportFailureYieldsBadGatewayAck(t *testing.T) {
	pipeline := httppush.NewPipeline(http.DefaultClient, httppush.PipelineConfig{Parallelism: 1}, addresstemplate.DefaultFunctions(), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	pipeline.Start(ctx)

	var wg sync.WaitGroup
	wg.Add(1)
	var got *externalmessage.AcknowledgementsAggregate

	signal := httppush.MappedSignal{
		Connection: connection.Connection{URI: "http://127.0.0.1:1"}, // nothing listens here
		Targets: []connection.Target{
			{Address: "POST:events", IssuedAcknowledgeLabel: "please-verify"},
		},
		Message: externalmessage.NewTextMessage(externalmessage.NewHeaders(), "text/plain", "body"),
		Command: correlation.Command{CorrelationID: "corr-4", EntityID: "thing:my-thing"},
		SenderReply: func(agg *externalmessage.AcknowledgementsAggregate) {
			got = agg
			wg.Done()
		},
	}

	require.NoError(t, pipeline.Submit(ctx, signal))
	waitWithTimeout(t, &wg, 5*time.Second)

	require.Len(t, got.Envelopes, 1)
	assert.Equal(t, http.StatusBadGateway, got.Envelopes["please-verify"].Status)

	require.NoError(t, pipeline.Stop(context.Background()))
}

func waitWithTimeout(t *testing.T, wg *sync.WaitGroup, timeout time.Duration) {
	t.Helper()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		t.Fatal("timed out waiting for pipeline reply")
	}
}
