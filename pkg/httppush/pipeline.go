package httppush

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jimmy777/ditto-connectivity/pkg/addresstemplate"
	"github.com/jimmy777/ditto-connectivity/pkg/connection"
	"github.com/jimmy777/ditto-connectivity/pkg/correlation"
	"github.com/jimmy777/ditto-connectivity/pkg/externalmessage"
	"github.com/jimmy777/ditto-connectivity/pkg/inflight"
	"github.com/rs/zerolog"
)

// PipelineConfig configures a Pipeline's worker pool and deadlines.
type PipelineConfig struct {
	Parallelism int
	// RequestTimeout bounds a single target's HTTP round trip.
	RequestTimeout time.Duration
	// AckDeadline bounds how long one signal's acknowledgements may take
	// to collect across all of its targets; requested labels still missing
	// when it elapses are filled with REQUEST_TIMEOUT envelopes.
	AckDeadline time.Duration
	// PendingStore overrides the in-flight dispatch registry. Nil selects
	// an in-process MemoryStore; a Redis-backed Store lets replicas share
	// the reply-exactly-once guard.
	PendingStore inflight.Store[string, PendingDispatch]
}

// Pipeline is the per-connection outbound publisher worker: it receives
// MappedSignals on a bounded channel, dispatches each signal's targets in
// declaration order, accumulates their acknowledgement envelopes into one
// aggregate, and replies to the sender exactly once per signal. Concurrency
// across signals is bounded by Parallelism.
type Pipeline struct {
	client    *http.Client
	cfg       PipelineConfig
	functions map[string]addresstemplate.PipelineFunction
	logger    zerolog.Logger

	input chan MappedSignal
	wg    sync.WaitGroup

	// pending tracks one PendingDispatch per signal between dispatch start
	// and reply, guarding the "reply emitted exactly once" invariant: the
	// reply path only fires if it can Take the entry it Put at dispatch
	// start, and InFlightCount reports its size when it is a MemoryStore.
	pending     inflight.Store[string, PendingDispatch]
	dispatchSeq atomic.Uint64
}

// NewPipeline creates a Pipeline dispatching through client with cfg.
func NewPipeline(client *http.Client, cfg PipelineConfig, functions map[string]addresstemplate.PipelineFunction, logger zerolog.Logger) *Pipeline {
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	if cfg.AckDeadline <= 0 {
		cfg.AckDeadline = 60 * time.Second
	}
	pending := cfg.PendingStore
	if pending == nil {
		pending = inflight.NewMemoryStore[string, PendingDispatch]()
	}
	return &Pipeline{
		client:    client,
		cfg:       cfg,
		functions: functions,
		logger:    logger.With().Str("component", "httppush.Pipeline").Logger(),
		input:     make(chan MappedSignal, cfg.Parallelism),
		pending:   pending,
	}
}

// InFlightCount reports how many dispatches are currently awaiting a reply
// when the pending store is an *inflight.MemoryStore; for any other store
// it returns 0.
func (p *Pipeline) InFlightCount() int {
	if store, ok := p.pending.(*inflight.MemoryStore[string, PendingDispatch]); ok {
		return store.Len()
	}
	return 0
}

// Start launches Parallelism worker goroutines consuming from the input
// channel until ctx is cancelled.
func (p *Pipeline) Start(ctx context.Context) {
	p.wg.Add(p.cfg.Parallelism)
	for i := 0; i < p.cfg.Parallelism; i++ {
		go p.worker(ctx, i)
	}
}

// Stop closes the input channel and waits for in-flight dispatches to
// drain, aborting if ctx is cancelled first.
func (p *Pipeline) Stop(ctx context.Context) error {
	close(p.input)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Submit enqueues signal for dispatch, blocking until a worker slot is
// free or ctx is cancelled.
func (p *Pipeline) Submit(ctx context.Context, signal MappedSignal) error {
	select {
	case p.input <- signal:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (p *Pipeline) worker(ctx context.Context, workerID int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case signal, ok := <-p.input:
			if !ok {
				return
			}
			p.dispatch(ctx, signal, workerID)
		}
	}
}

// dispatch sends one signal to each of its targets in declaration order,
// collecting one acknowledgement envelope per labelled target into an
// aggregate. Requested labels still unanswered when the per-label deadline
// elapses are filled with REQUEST_TIMEOUT envelopes, and the sender is
// called exactly once with the result.
func (p *Pipeline) dispatch(ctx context.Context, signal MappedSignal, workerID int) {
	key := fmt.Sprintf("%s-%s-%d", signal.Connection.ID, signal.Command.CorrelationID, p.dispatchSeq.Add(1))
	_ = p.pending.Put(ctx, key, PendingDispatch{
		ConnectionID:  signal.Connection.ID,
		CorrelationID: signal.Command.CorrelationID,
		State:         StatePending,
	})
	reply := func(agg *externalmessage.AcknowledgementsAggregate) {
		if _, err := p.pending.Take(ctx, key); err != nil {
			p.logger.Warn().Err(err).Int("worker_id", workerID).Msg("reply attempted for an untracked dispatch, dropping")
			return
		}
		signal.reply(agg)
	}

	aggregate := externalmessage.NewAggregate(signal.Command.EntityID, signal.Command.CorrelationID)
	deadline := time.Now().Add(p.cfg.AckDeadline)

	for _, target := range signal.Targets {
		if ctx.Err() != nil {
			break
		}
		env, ok := p.dispatchTarget(ctx, signal, target, deadline, workerID)
		if ok {
			aggregate.Add(env)
		}
	}

	// Timeout envelopes are only issued once the deadline has actually
	// elapsed: an incomplete aggregate waits out the remaining time first.
	requested := requestedLabels(signal)
	if !aggregate.Complete(requested) {
		if remaining := time.Until(deadline); remaining > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(remaining):
			}
		}
		aggregate.FillTimeouts(requested)
	}
	reply(aggregate)
}

// dispatchTarget sends the request for one target and reports the
// acknowledgement envelope it yields, or ok=false for a fire-and-forget
// target whose resolved label is empty. A target reached after the signal's
// acknowledgement deadline is not dispatched at all; FillTimeouts covers
// its label.
func (p *Pipeline) dispatchTarget(ctx context.Context, signal MappedSignal, target connection.Target, deadline time.Time, workerID int) (externalmessage.AcknowledgementEnvelope, bool) {
	label := correlation.ResolveLabel(
		externalmessage.AcknowledgementLabel(target.IssuedAcknowledgeLabel),
		signal.Command.RequestsLiveResponse(),
	)

	remaining := time.Until(deadline)
	if remaining <= 0 {
		p.logger.Warn().Int("worker_id", workerID).Str("state", string(StateTimedOut)).
			Str("address", target.Address).Msg("acknowledgement deadline elapsed before dispatch")
		return externalmessage.AcknowledgementEnvelope{}, false
	}

	signed, err := BuildUnsignedRequest(signal, target, p.functions, time.Now())
	if err != nil {
		p.logger.Warn().Err(err).Int("worker_id", workerID).Msg("failed to render outbound request")
		return failureEnvelope(signal, label, http.StatusBadRequest, err), label != ""
	}

	timeout := p.cfg.RequestTimeout
	if remaining < timeout {
		timeout = remaining
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(reqCtx, signed.Method, signed.URI, bytes.NewReader(signed.Body))
	if err != nil {
		return failureEnvelope(signal, label, http.StatusBadGateway, err), label != ""
	}
	httpReq.Header = signed.Header

	p.logger.Debug().Int("worker_id", workerID).Str("state", string(StateDispatched)).Msg("dispatching outbound request")
	resp, err := p.client.Do(httpReq)
	if err != nil {
		if errors.Is(reqCtx.Err(), context.DeadlineExceeded) {
			p.logger.Warn().Int("worker_id", workerID).Str("state", string(StateTimedOut)).Msg("outbound request timed out")
			return failureEnvelope(signal, label, http.StatusGatewayTimeout, fmt.Errorf("request timed out after %s", timeout)), label != ""
		}
		p.logger.Warn().Err(err).Int("worker_id", workerID).Str("state", string(StateFailed)).Msg("outbound request failed")
		return failureEnvelope(signal, label, http.StatusBadGateway, err), label != ""
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return failureEnvelope(signal, label, http.StatusBadGateway, err), label != ""
	}
	p.logger.Debug().Int("worker_id", workerID).Str("state", string(StateResponded)).Msg("received outbound response")

	if label == "" {
		return externalmessage.AcknowledgementEnvelope{}, false
	}

	contentType := resp.Header.Get("Content-Type")
	respHeaders := make(map[string]string, len(resp.Header))
	for k := range resp.Header {
		respHeaders[k] = resp.Header.Get(k)
	}

	correlationResp := correlation.Response{
		CorrelationID: resp.Header.Get("correlation-id"),
		EntityID:      resp.Header.Get("ditto-entity-id"),
		ResponseType:  resp.Header.Get("ditto-response-type"),
		ContentType:   contentType,
		Status:        resp.StatusCode,
		Headers:       respHeaders,
		Body:          body,
		IsText:        isTextContentType(contentType),
	}

	// A live response carries its identity inside the Ditto-protocol body,
	// not in transport headers.
	if signal.Command.RequestsLiveResponse() && contentType == correlation.DittoProtocolContentType {
		if env, err := correlation.ParseProtocolEnvelope(body); err == nil {
			correlationResp.CorrelationID = env.CorrelationID()
			correlationResp.EntityID = env.EntityID()
			correlationResp.ResponseType = env.ResponseType()
		}
	}

	return correlation.Correlate(signal.Command, correlationResp, label, nil), true
}

// requestedLabels resolves the set of acknowledgement labels the signal's
// sender is owed: the command's own requested set if it names one, else the
// distinct resolved labels of the signal's targets.
func requestedLabels(signal MappedSignal) []externalmessage.AcknowledgementLabel {
	if len(signal.Command.RequestedAcks) > 0 {
		return signal.Command.RequestedAcks
	}
	seen := make(map[externalmessage.AcknowledgementLabel]bool, len(signal.Targets))
	var labels []externalmessage.AcknowledgementLabel
	for _, target := range signal.Targets {
		label := correlation.ResolveLabel(
			externalmessage.AcknowledgementLabel(target.IssuedAcknowledgeLabel),
			signal.Command.RequestsLiveResponse(),
		)
		if label != "" && !seen[label] {
			seen[label] = true
			labels = append(labels, label)
		}
	}
	return labels
}

func isTextContentType(contentType string) bool {
	return contentType == "" || contentType == "text/plain" || contentType == "application/json" ||
		len(contentType) >= 5 && contentType[:5] == "text/"
}

func failureEnvelope(signal MappedSignal, label externalmessage.AcknowledgementLabel, status int, cause error) externalmessage.AcknowledgementEnvelope {
	if label == "" {
		label = externalmessage.LiveResponseLabel
	}
	return externalmessage.AcknowledgementEnvelope{
		Label:    label,
		EntityID: signal.Command.EntityID,
		Status:   status,
		Headers:  externalmessage.NewHeaders(),
		Entity:   cause.Error(),
	}
}

func (s MappedSignal) reply(agg *externalmessage.AcknowledgementsAggregate) {
	if s.SenderReply != nil {
		s.SenderReply(agg)
	}
}
