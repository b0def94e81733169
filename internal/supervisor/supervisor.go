// Package supervisor runs one goroutine per open connection and restarts it
// with backoff when it exits unexpectedly, generalizing the
// microservice.Service Start/Shutdown lifecycle (internal/microservice) from
// a single long-lived process to many independently restartable connection
// workers.
package supervisor

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Runnable is the unit of work a Supervisor owns: typically a connection's
// consumer-stream-plus-pipeline pair. Run must return promptly once ctx is
// cancelled; any other return is treated as an unexpected exit and triggers
// a restart.
type Runnable func(ctx context.Context) error

// BackoffConfig controls the delay between restart attempts of a Runnable
// that exits unexpectedly.
type BackoffConfig struct {
	Initial    time.Duration
	Max        time.Duration
	Multiplier float64
}

// DefaultBackoff mirrors common restart-supervisor defaults: start at one
// second, double each attempt, cap at one minute.
func DefaultBackoff() BackoffConfig {
	return BackoffConfig{Initial: time.Second, Max: time.Minute, Multiplier: 2}
}

func (b BackoffConfig) delay(attempt int) time.Duration {
	if attempt <= 0 {
		return b.Initial
	}
	d := float64(b.Initial) * math.Pow(b.Multiplier, float64(attempt))
	if d > float64(b.Max) {
		return b.Max
	}
	return time.Duration(d)
}

// entry tracks one supervised Runnable's lifecycle state.
type entry struct {
	id       string
	tags     map[string]string
	cancel   context.CancelFunc
	done     chan struct{}
	stopping bool
}

// Supervisor owns a set of named Runnables, each running in its own
// goroutine, restarting any that exit with an error until Shutdown is
// called for it (directly or via a matching predicate).
type Supervisor struct {
	mu      sync.Mutex
	entries map[string]*entry
	backoff BackoffConfig
	logger  zerolog.Logger
}

// New creates a Supervisor using backoff for restart delays.
func New(backoff BackoffConfig, logger zerolog.Logger) *Supervisor {
	return &Supervisor{
		entries: make(map[string]*entry),
		backoff: backoff,
		logger:  logger.With().Str("component", "supervisor.Supervisor").Logger(),
	}
}

// Start launches run under id, tagged with tags (e.g. connection id,
// connection type) for predicate-based Shutdown. Starting an id that is
// already running replaces it: the prior instance is stopped first.
func (s *Supervisor) Start(id string, tags map[string]string, run Runnable) {
	s.mu.Lock()
	existing, replacing := s.entries[id]
	if replacing {
		existing.stopping = true
		existing.cancel()
	}
	s.mu.Unlock()
	// Wait without holding the lock: the exiting goroutine needs it to
	// observe its stopping flag.
	if replacing {
		<-existing.done
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{id: id, tags: tags, cancel: cancel, done: make(chan struct{})}
	s.mu.Lock()
	s.entries[id] = e
	s.mu.Unlock()

	go s.supervise(ctx, e, run)
}

func (s *Supervisor) supervise(ctx context.Context, e *entry, run Runnable) {
	defer close(e.done)

	attempt := 0
	for {
		err := run(ctx)
		if ctx.Err() != nil {
			return
		}
		if err == nil {
			s.logger.Info().Str("id", e.id).Msg("supervised runnable exited cleanly, not restarting")
			return
		}

		s.mu.Lock()
		stopping := e.stopping
		s.mu.Unlock()
		if stopping {
			return
		}

		delay := s.backoff.delay(attempt)
		s.logger.Error().Err(err).Str("id", e.id).Dur("restartIn", delay).Msg("supervised runnable exited unexpectedly, restarting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		attempt++
	}
}

// Shutdown stops every runnable whose tags satisfy pred and waits for each
// to exit. A nil pred matches everything.
func (s *Supervisor) Shutdown(ctx context.Context, pred func(id string, tags map[string]string) bool) error {
	s.mu.Lock()
	var targets []*entry
	for _, e := range s.entries {
		if pred == nil || pred(e.id, e.tags) {
			e.stopping = true
			e.cancel()
			targets = append(targets, e)
		}
	}
	s.mu.Unlock()

	for _, e := range targets {
		select {
		case <-e.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		s.mu.Lock()
		delete(s.entries, e.id)
		s.mu.Unlock()
	}
	return nil
}

// Running reports the ids of every currently supervised runnable.
func (s *Supervisor) Running() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}
