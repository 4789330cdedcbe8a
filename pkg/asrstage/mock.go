package asrstage

import (
	"context"
	"fmt"
	"sync"
)

// FixedOutputEngine always returns the same RawSegments, regardless of
// input. Production-grade test double conforming to InferenceEngine
// (spec §9 "Dynamic dispatch").
type FixedOutputEngine struct {
	Segments []RawSegment
	ready    bool
}

func NewFixedOutputEngine(segments []RawSegment) *FixedOutputEngine {
	return &FixedOutputEngine{Segments: segments, ready: true}
}

func (e *FixedOutputEngine) Name() string  { return "mock-fixed" }
func (e *FixedOutputEngine) IsReady() bool { return e.ready }
func (e *FixedOutputEngine) Infer(ctx context.Context, samples []float32, opts InferOptions) (InferResult, error) {
	return InferResult{Segments: e.Segments}, nil
}

// FixtureReplayEngine replays a fixed sequence of InferResults, one per
// call, cycling back to the start once exhausted.
type FixtureReplayEngine struct {
	mu       sync.Mutex
	Fixtures []InferResult
	idx      int
}

func NewFixtureReplayEngine(fixtures []InferResult) *FixtureReplayEngine {
	return &FixtureReplayEngine{Fixtures: fixtures}
}

func (e *FixtureReplayEngine) Name() string  { return "mock-fixture-replay" }
func (e *FixtureReplayEngine) IsReady() bool { return len(e.Fixtures) > 0 }
func (e *FixtureReplayEngine) Infer(ctx context.Context, samples []float32, opts InferOptions) (InferResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.Fixtures) == 0 {
		return InferResult{}, fmt.Errorf("no fixtures configured")
	}
	r := e.Fixtures[e.idx%len(e.Fixtures)]
	e.idx++
	return r, nil
}

// FailOnceEngine fails its first N calls with Err, then delegates to
// Delegate. Used to exercise circuit-breaker and retry paths (spec
// Scenario E).
type FailOnceEngine struct {
	mu       sync.Mutex
	Delegate InferenceEngine
	Err      error
	Count    int
	failed   int
}

func NewFailOnceEngine(delegate InferenceEngine, err error, count int) *FailOnceEngine {
	return &FailOnceEngine{Delegate: delegate, Err: err, Count: count}
}

func (e *FailOnceEngine) Name() string  { return "mock-fail-once" }
func (e *FailOnceEngine) IsReady() bool { return true }
func (e *FailOnceEngine) Infer(ctx context.Context, samples []float32, opts InferOptions) (InferResult, error) {
	e.mu.Lock()
	if e.failed < e.Count {
		e.failed++
		e.mu.Unlock()
		return InferResult{}, e.Err
	}
	e.mu.Unlock()
	if e.Delegate != nil {
		return e.Delegate.Infer(ctx, samples, opts)
	}
	return InferResult{}, nil
}
