// Package session implements the Session Store & state machine (spec
// §4.9): ephemeral per-connection state indexed by socket id and stream
// id, with the Initializing -> Ready -> Paused -> Ending -> Completed
// lifecycle.
package session

import (
	"fmt"
	"sync"

	"github.com/realtime-ai/dubbingworker/pkg/dubmodel"
	"github.com/realtime-ai/dubbingworker/pkg/flowcontrol"
	"github.com/realtime-ai/dubbingworker/pkg/fragmentqueue"
)

// Session holds one socket's per-connection state. Sessions co-own the
// breaker, tracker, backpressure controller and queue for their
// lifetime; callbacks must not keep a reference to a Session outliving
// its removal from the Store (spec §9).
type Session struct {
	mu sync.Mutex

	SocketID string
	StreamID string
	Config   dubmodel.StreamSessionConfig

	state SessionState

	Breaker      *flowcontrol.CircuitBreaker
	Backpressure *flowcontrol.BackpressureController
	Tracker      *flowcontrol.FragmentTracker
	Queue        *fragmentqueue.Queue

	stats sessionStats
}

type sessionStats struct {
	total, success, partial, failed int
	totalProcessingMs                int64
	processingTimesMs                []int64
}

// SessionState mirrors dubmodel.SessionState; re-exported here so
// callers of this package do not need to import dubmodel just for the
// state constants.
type SessionState = dubmodel.SessionState

const (
	StateInitializing = dubmodel.SessionInitializing
	StateReady        = dubmodel.SessionReady
	StatePaused       = dubmodel.SessionPaused
	StateEnding       = dubmodel.SessionEnding
	StateCompleted    = dubmodel.SessionCompleted
)

// Option configures optional callbacks on a new Session. Modeled on
// flowcontrol's BreakerOption functional-option pattern.
type Option func(*sessionOptions)

type sessionOptions struct {
	onBackpressureTransition func(dubmodel.BackpressureState)
	onFragmentTimeout        func(dubmodel.FragmentEnvelope)
	breakerOpts              []flowcontrol.BreakerOption
}

// WithBackpressureTransition wires the Backpressure Controller's
// transition callback, fired only on severity change (§4.3/§4.10).
func WithBackpressureTransition(fn func(dubmodel.BackpressureState)) Option {
	return func(o *sessionOptions) { o.onBackpressureTransition = fn }
}

// WithFragmentTimeout wires the Fragment Tracker's sweep callback,
// fired for every fragment whose deadline has passed.
func WithFragmentTimeout(fn func(dubmodel.FragmentEnvelope)) Option {
	return func(o *sessionOptions) { o.onFragmentTimeout = fn }
}

// WithBreakerOptions passes through CircuitBreaker construction options.
func WithBreakerOptions(opts ...flowcontrol.BreakerOption) Option {
	return func(o *sessionOptions) { o.breakerOpts = opts }
}

// New creates a Session in Initializing state.
func New(socketID, streamID string, cfg dubmodel.StreamSessionConfig, opts ...Option) *Session {
	var o sessionOptions
	for _, opt := range opts {
		opt(&o)
	}

	s := &Session{
		SocketID: socketID,
		StreamID: streamID,
		Config:   cfg,
		state:    StateInitializing,
	}
	s.Tracker = flowcontrol.NewFragmentTracker(o.onFragmentTimeout)
	s.Backpressure = flowcontrol.NewBackpressureController(cfg.MaxInflight, o.onBackpressureTransition)
	s.Breaker = flowcontrol.NewCircuitBreaker(o.breakerOpts...)
	s.Queue = fragmentqueue.New(0)
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// MarkReady transitions Initializing -> Ready.
func (s *Session) MarkReady() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateInitializing {
		return fmt.Errorf("cannot mark ready from state %s", s.state)
	}
	s.state = StateReady
	return nil
}

// Pause transitions Ready -> Paused.
func (s *Session) Pause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return fmt.Errorf("cannot pause from state %s", s.state)
	}
	s.state = StatePaused
	return nil
}

// Resume transitions Paused -> Ready.
func (s *Session) Resume() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StatePaused {
		return fmt.Errorf("cannot resume from state %s", s.state)
	}
	s.state = StateReady
	return nil
}

// End transitions Ready|Paused -> Ending. Pending inflight work drains
// before the caller observes Completed (via MaybeComplete).
func (s *Session) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady && s.state != StatePaused {
		return fmt.Errorf("cannot end from state %s", s.state)
	}
	s.state = StateEnding
	return nil
}

// MaybeComplete transitions Ending -> Completed once inflight_count
// reaches zero. Returns true if the session is now Completed.
func (s *Session) MaybeComplete() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateEnding && s.Tracker.Count() == 0 {
		s.state = StateCompleted
		return true
	}
	return s.state == StateCompleted
}

// AcceptsFragments reports whether fragment:data should be accepted
// (only in Ready state, per §4.9).
func (s *Session) AcceptsFragments() bool {
	return s.State() == StateReady
}

// RecordResult folds a completed fragment into the session's running
// statistics, used to populate stream:complete (§6.1).
func (s *Session) RecordResult(r dubmodel.FragmentResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.total++
	switch r.Status {
	case dubmodel.StatusSuccess:
		s.stats.success++
	case dubmodel.StatusPartial:
		s.stats.partial++
	case dubmodel.StatusFailed:
		s.stats.failed++
	}
	s.stats.totalProcessingMs += r.ProcessingTimeMs
	s.stats.processingTimesMs = append(s.stats.processingTimesMs, r.ProcessingTimeMs)
}

// CompletionStats are the aggregate statistics carried by stream:complete.
type CompletionStats struct {
	TotalFragments      int
	SuccessCount        int
	PartialCount        int
	FailedCount         int
	AvgProcessingTimeMs float64
	P95ProcessingTimeMs float64
}

// Stats computes the CompletionStats snapshot.
func (s *Session) Stats() CompletionStats {
	s.mu.Lock()
	defer s.mu.Unlock()

	cs := CompletionStats{
		TotalFragments: s.stats.total,
		SuccessCount:   s.stats.success,
		PartialCount:   s.stats.partial,
		FailedCount:    s.stats.failed,
	}
	if s.stats.total > 0 {
		cs.AvgProcessingTimeMs = float64(s.stats.totalProcessingMs) / float64(s.stats.total)
	}
	cs.P95ProcessingTimeMs = percentile95(s.stats.processingTimesMs)
	return cs
}

func percentile95(samples []int64) float64 {
	if len(samples) == 0 {
		return 0
	}
	sorted := append([]int64(nil), samples...)
	for i := 1; i < len(sorted); i++ {
		for j := i; j > 0 && sorted[j-1] > sorted[j]; j-- {
			sorted[j-1], sorted[j] = sorted[j], sorted[j-1]
		}
	}
	idx := (95 * (len(sorted) - 1)) / 100
	return float64(sorted[idx])
}

// Close releases the session's owned resources (tracker sweep
// goroutine, queue waiters).
func (s *Session) Close() {
	s.Tracker.Close()
	s.Queue.Close()
}
