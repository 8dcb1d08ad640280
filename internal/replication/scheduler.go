// ABOUTME: Debounced, coalescing scheduler that replicates persisted state after mutations settle
// ABOUTME: Explicit Idle/Scheduled/Running/RunningPending state machine; never runs two replications at once

package replication

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultDebounce is the quiet period used when none is configured
const DefaultDebounce = 5 * time.Second

// Replicator pushes all current state to the remote copy. It must be safe
// to invoke repeatedly.
type Replicator interface {
	Replicate(ctx context.Context) error
}

// ReplicatorFunc adapts a function to the Replicator interface.
type ReplicatorFunc func(ctx context.Context) error

// Replicate calls f.
func (f ReplicatorFunc) Replicate(ctx context.Context) error {
	return f(ctx)
}

// NoopReplicator is used when replication is disabled.
type NoopReplicator struct{}

// Replicate does nothing.
func (NoopReplicator) Replicate(ctx context.Context) error { return nil }

// ReplicationError wraps a failed replication run. It is only ever logged.
type ReplicationError struct {
	Run int
	Err error
}

func (e *ReplicationError) Error() string {
	return fmt.Sprintf("replication run %d failed: %v", e.Run, e.Err)
}

func (e *ReplicationError) Unwrap() error {
	return e.Err
}

// State is the scheduler's position in its state machine.
type State int

// Scheduler states
const (
	StateIdle State = iota
	StateScheduled
	StateRunning
	StateRunningPending
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScheduled:
		return "scheduled"
	case StateRunning:
		return "running"
	case StateRunningPending:
		return "running+pending"
	default:
		return "unknown"
	}
}

// Scheduler coalesces RequestSync calls into replication runs.
//
//	Idle           --request--> Scheduled (arm timer)
//	Scheduled      --request--> Scheduled (re-arm timer)
//	Scheduled      --timer----> Running
//	Running        --request--> RunningPending
//	Running        --done-----> Idle
//	RunningPending --done-----> Scheduled (arm timer)
//
// Failures are logged and not retried; the next request tries again.
type Scheduler struct {
	mu         sync.Mutex
	state      State
	timer      Timer
	generation uint64
	running    chan struct{} // closed when the in-flight run finishes
	closed     bool
	runs       int
	failures   int

	debounce time.Duration
	clock    Clock
	action   Replicator
	logger   *slog.Logger
}

// NewScheduler creates an idle scheduler. Pass nil clock for RealClock and
// nil logger for default.
func NewScheduler(action Replicator, debounce time.Duration, clock Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = RealClock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Scheduler{
		debounce: debounce,
		clock:    clock,
		action:   action,
		logger:   logger.With("component", "sync-scheduler"),
	}
}

// RequestSync asks for a replication once activity settles. It never blocks
// on replication work.
func (s *Scheduler) RequestSync() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	switch s.state {
	case StateIdle:
		s.arm()
		s.state = StateScheduled
	case StateScheduled:
		s.timer.Stop()
		s.arm()
	case StateRunning:
		s.state = StateRunningPending
	case StateRunningPending:
	}
}

// arm starts a fresh debounce timer. Must be called with mu held.
func (s *Scheduler) arm() {
	s.generation++
	gen := s.generation
	s.timer = s.clock.AfterFunc(s.debounce, func() {
		s.fire(gen)
	})
}

func (s *Scheduler) fire(gen uint64) {
	s.mu.Lock()
	if s.closed || s.state != StateScheduled || gen != s.generation {
		s.mu.Unlock()
		return
	}
	s.state = StateRunning
	s.timer = nil
	done := make(chan struct{})
	s.running = done
	run := s.runs + 1
	s.mu.Unlock()

	go s.run(run, done)
}

func (s *Scheduler) run(run int, done chan struct{}) {
	start := s.clock.Now()
	err := s.action.Replicate(context.Background())

	s.mu.Lock()
	defer s.mu.Unlock()

	s.runs++
	if err != nil {
		s.failures++
		s.logger.Error("replication failed", "error", &ReplicationError{Run: run, Err: err})
	} else {
		s.logger.Debug("replication complete", "run", run, "duration", s.clock.Now().Sub(start))
	}

	if s.state == StateRunningPending && !s.closed {
		s.state = StateScheduled
		s.arm()
	} else {
		s.state = StateIdle
	}
	s.running = nil
	close(done)
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Runs returns how many replication runs have completed.
func (s *Scheduler) Runs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runs
}

// Failures returns how many replication runs have failed.
func (s *Scheduler) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// Close stops scheduling, waits for an in-flight run, and performs one final
// run if a request was still waiting. Requests after Close are ignored.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	flush := s.state == StateScheduled || s.state == StateRunningPending
	running := s.running
	s.mu.Unlock()

	if running != nil {
		select {
		case <-running:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if flush {
		err := s.action.Replicate(ctx)
		s.mu.Lock()
		s.runs++
		if err != nil {
			s.failures++
			s.logger.Error("final replication failed", "error", &ReplicationError{Run: s.runs, Err: err})
		}
		s.mu.Unlock()
	}

	s.mu.Lock()
	s.state = StateIdle
	s.mu.Unlock()
	return nil
}
