package messagepipeline

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// atLeastOnceBufferSlack is the small bounded slack added on top of
// MaxInFlight when sizing the source-offer queue. Once all workers are
// claimed and this buffer is full, the next offer is rejected.
const atLeastOnceBufferSlack = 2

// PartitionOffset identifies one record's position within its source
// partition, the unit a CommittableOffset is built from.
type PartitionOffset struct {
	Partition int32
	Offset    int64
}

// CommittableRecord is a single inbound record plus the function that
// advances the source's durable read position for it. Commit must be safe
// to call at most once and is only ever invoked by the stream's commit
// stage, never directly by a transformer.
type CommittableRecord struct {
	MessageData
	Attributes      map[string]string
	PartitionOffset PartitionOffset
	Commit          func() error
}

// CommittableSource is the at-least-once analogue of MessageConsumer: it
// hands CommittableRecords (rather than pre-acked Messages) to the stream,
// which decides when each one's offset is safe to commit.
type CommittableSource interface {
	Records() <-chan CommittableRecord
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Done() <-chan struct{}
}

// RecordTransformer turns a raw CommittableRecord into a sink-ready payload.
// retryable distinguishes a transform failure that should be replayed
// (offset withheld) from one that should be treated as a poison pill
// (offset committed anyway, per AtLeastOnceConfig.CommitOnTransformFailure).
type RecordTransformer[T any] func(ctx context.Context, rec *CommittableRecord) (payload *T, retryable bool, err error)

// AcknowledgeableSink hands a transformed payload to the downstream mapping
// sink and reports success or failure; the at-least-once stream commits the
// record's offset only once this returns nil.
type AcknowledgeableSink[T any] func(ctx context.Context, rec CommittableRecord, payload *T) error

// AtLeastOnceConfig configures an AtLeastOnceStream.
type AtLeastOnceConfig struct {
	// MaxInFlight bounds the number of records being transformed/sunk
	// concurrently; it is also the worker count.
	MaxInFlight int
	// CommitOnTransformFailure controls whether a non-retryable transform
	// failure's offset is committed (true, the default, which avoids
	// poison-pill stalls) or withheld for replay (false).
	CommitOnTransformFailure bool
}

// AtLeastOnceStream is the inbound mirror of httppush.Pipeline: it polls a
// CommittableSource, transforms each record, forwards successful results to
// an AcknowledgeableSink with bounded concurrency, and commits offsets only
// after the sink signals success, never out of order per partition.
type AtLeastOnceStream[T any] struct {
	cfg         AtLeastOnceConfig
	source      CommittableSource
	transformer RecordTransformer[T]
	sink        AcknowledgeableSink[T]
	logger      zerolog.Logger

	// input is the bounded queue records sit in before a worker claims one.
	// Its capacity is the small buffer slack only: once a worker dequeues a
	// record it is "in flight" but no longer occupying this buffer, so the
	// total number of records the stream can hold at once while stalled is
	// MaxInFlight (claimed by workers) + this buffer's capacity.
	input chan CommittableRecord
	wg    sync.WaitGroup

	tracker *partitionTracker
}

// NewAtLeastOnceStream creates a stream reading from source, transforming
// with transformer, and forwarding to sink, with cfg.MaxInFlight concurrent
// workers.
func NewAtLeastOnceStream[T any](
	cfg AtLeastOnceConfig,
	source CommittableSource,
	transformer RecordTransformer[T],
	sink AcknowledgeableSink[T],
	logger zerolog.Logger,
) (*AtLeastOnceStream[T], error) {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 5
	}
	if source == nil {
		return nil, fmt.Errorf("source cannot be nil")
	}
	if transformer == nil {
		return nil, fmt.Errorf("transformer cannot be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("sink cannot be nil")
	}

	return &AtLeastOnceStream[T]{
		cfg:         cfg,
		source:      source,
		transformer: transformer,
		sink:        sink,
		logger:      logger.With().Str("service", "AtLeastOnceStream").Logger(),
		input:       make(chan CommittableRecord, atLeastOnceBufferSlack),
		tracker:     newPartitionTracker(),
	}, nil
}

// Start launches the pump from source into the bounded input queue and
// cfg.MaxInFlight transform/sink workers.
func (s *AtLeastOnceStream[T]) Start(ctx context.Context) error {
	if err := s.source.Start(ctx); err != nil {
		return fmt.Errorf("failed to start committable source: %w", err)
	}

	go s.pump(ctx)

	s.wg.Add(s.cfg.MaxInFlight)
	for i := 0; i < s.cfg.MaxInFlight; i++ {
		go s.worker(ctx, i)
	}
	return nil
}

// Stop stops the source and waits for in-flight records to drain.
func (s *AtLeastOnceStream[T]) Stop(ctx context.Context) error {
	if err := s.source.Stop(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("error during committable source stop, continuing shutdown")
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// pump copies records from the source into the bounded input queue. TryOffer
// exposes the non-blocking variant directly for tests; pump itself blocks,
// mirroring a real source's natural backpressure once the queue is full.
func (s *AtLeastOnceStream[T]) pump(ctx context.Context) {
	defer close(s.input)
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-s.source.Records():
			if !ok {
				return
			}
			s.tracker.dispatched(rec.PartitionOffset)
			select {
			case s.input <- rec:
			case <-ctx.Done():
				return
			}
		}
	}
}

// TryOffer attempts to enqueue rec without blocking, reporting false if the
// bounded queue is full. Production use goes through Start/pump; TryOffer
// exists so tests can drive the queue directly without needing a real
// CommittableSource.
func (s *AtLeastOnceStream[T]) TryOffer(rec CommittableRecord) bool {
	s.tracker.dispatched(rec.PartitionOffset)
	select {
	case s.input <- rec:
		return true
	default:
		s.tracker.abandon(rec.PartitionOffset)
		return false
	}
}

func (s *AtLeastOnceStream[T]) worker(ctx context.Context, workerID int) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-s.input:
			if !ok {
				return
			}
			s.process(ctx, rec, workerID)
		}
	}
}

func (s *AtLeastOnceStream[T]) process(ctx context.Context, rec CommittableRecord, workerID int) {
	payload, retryable, err := s.transformer(ctx, &rec)
	if err != nil {
		s.logger.Warn().Err(err).Int("worker_id", workerID).Str("msg_id", rec.ID).
			Bool("retryable", retryable).Msg("record transform failed")
		if !retryable && s.cfg.CommitOnTransformFailure {
			s.commit(rec.PartitionOffset, rec.Commit)
		} else {
			s.tracker.abandon(rec.PartitionOffset)
		}
		return
	}

	if err := s.sink(ctx, rec, payload); err != nil {
		s.logger.Warn().Err(err).Int("worker_id", workerID).Str("msg_id", rec.ID).
			Msg("downstream sink rejected record, withholding commit for replay")
		s.tracker.abandon(rec.PartitionOffset)
		return
	}

	s.commit(rec.PartitionOffset, rec.Commit)
}

// commit marks po done in the tracker and fires rec.Commit for every
// offset that is now the new contiguous low-water mark of its partition,
// preserving strict per-partition commit order even though workers finish
// out of order.
func (s *AtLeastOnceStream[T]) commit(po PartitionOffset, commitFn func() error) {
	ready := s.tracker.complete(po, commitFn)
	for _, fn := range ready {
		if fn == nil {
			continue
		}
		if err := fn(); err != nil {
			s.logger.Error().Err(err).Msg("offset commit failed")
		}
	}
}

// partitionTracker keeps offset commits strictly monotonic per partition:
// it holds, per partition, the set of offsets
// dispatched to a worker but not yet resolved, and only releases a commit
// once every lower-numbered offset for that partition has itself resolved.
type partitionTracker struct {
	mu      sync.Mutex
	pending map[int32][]pendingOffset
}

type pendingOffset struct {
	offset int64
	done   bool
	commit func() error
}

func newPartitionTracker() *partitionTracker {
	return &partitionTracker{pending: make(map[int32][]pendingOffset)}
}

func (t *partitionTracker) dispatched(po PartitionOffset) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.pending[po.Partition]
	list = append(list, pendingOffset{offset: po.Offset})
	sort.Slice(list, func(i, j int) bool { return list[i].offset < list[j].offset })
	t.pending[po.Partition] = list
}

// abandon removes a dispatched-but-not-completed offset without marking it
// done, used when a record is rejected before being queued (TryOffer) or
// when a retryable transform failure leaves the offset for replay.
func (t *partitionTracker) abandon(po PartitionOffset) {
	t.mu.Lock()
	defer t.mu.Unlock()
	list := t.pending[po.Partition]
	for i, p := range list {
		if p.offset == po.Offset && !p.done {
			t.pending[po.Partition] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// complete marks po as done and returns the commit functions of every
// contiguous prefix of done offsets now ready to commit, removing them from
// the pending list so the partition's low-water mark only ever advances.
func (t *partitionTracker) complete(po PartitionOffset, commitFn func() error) []func() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	list := t.pending[po.Partition]
	for i := range list {
		if list[i].offset == po.Offset {
			list[i].done = true
			list[i].commit = commitFn
			break
		}
	}

	var ready []func() error
	i := 0
	for ; i < len(list) && list[i].done; i++ {
		ready = append(ready, list[i].commit)
	}
	t.pending[po.Partition] = list[i:]
	return ready
}
