package translationstage

import (
	"context"
	"fmt"
	"sync"
)

// FixedOutputBackend always returns Output regardless of input, or Err if
// set. Conforms to ProviderBackend (spec §9 "Dynamic dispatch").
type FixedOutputBackend struct {
	Output string
	Err    error
}

func NewFixedOutputBackend(output string) *FixedOutputBackend {
	return &FixedOutputBackend{Output: output}
}

func (b *FixedOutputBackend) Name() string  { return "mock-fixed" }
func (b *FixedOutputBackend) IsReady() bool { return true }
func (b *FixedOutputBackend) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	if b.Err != nil {
		return "", b.Err
	}
	return b.Output, nil
}

// FixtureReplayBackend replays a fixed sequence of translations, one per
// call, cycling back to the start once exhausted.
type FixtureReplayBackend struct {
	mu       sync.Mutex
	Fixtures []string
	idx      int
}

func NewFixtureReplayBackend(fixtures []string) *FixtureReplayBackend {
	return &FixtureReplayBackend{Fixtures: fixtures}
}

func (b *FixtureReplayBackend) Name() string  { return "mock-fixture-replay" }
func (b *FixtureReplayBackend) IsReady() bool { return len(b.Fixtures) > 0 }
func (b *FixtureReplayBackend) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.Fixtures) == 0 {
		return "", fmt.Errorf("no fixtures configured")
	}
	r := b.Fixtures[b.idx%len(b.Fixtures)]
	b.idx++
	return r, nil
}

// FailOnceBackend fails its first N calls with Err, then delegates to
// Delegate. Used to exercise the fallback-to-source-on-error path.
type FailOnceBackend struct {
	mu       sync.Mutex
	Delegate ProviderBackend
	Err      error
	Count    int
	failed   int
}

func NewFailOnceBackend(delegate ProviderBackend, err error, count int) *FailOnceBackend {
	return &FailOnceBackend{Delegate: delegate, Err: err, Count: count}
}

func (b *FailOnceBackend) Name() string  { return "mock-fail-once" }
func (b *FailOnceBackend) IsReady() bool { return true }
func (b *FailOnceBackend) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	b.mu.Lock()
	if b.failed < b.Count {
		b.failed++
		b.mu.Unlock()
		return "", b.Err
	}
	b.mu.Unlock()
	if b.Delegate != nil {
		return b.Delegate.Translate(ctx, text, sourceLang, targetLang)
	}
	return "", nil
}
