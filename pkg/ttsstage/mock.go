package ttsstage

import (
	"context"
	"sync"

	"github.com/realtime-ai/dubbingworker/pkg/dubmodel"
)

// FixedOutputBackend always returns a fixed PCM buffer regardless of
// input text, or Err if set. Conforms to Backend (spec §9 "Dynamic
// dispatch").
type FixedOutputBackend struct {
	PCM          []byte
	SampleRateHz int
	Err          error
}

func NewFixedOutputBackend(pcm []byte, sampleRateHz int) *FixedOutputBackend {
	return &FixedOutputBackend{PCM: pcm, SampleRateHz: sampleRateHz}
}

func (b *FixedOutputBackend) Name() string  { return "mock-fixed" }
func (b *FixedOutputBackend) IsReady() bool { return true }
func (b *FixedOutputBackend) Synthesize(ctx context.Context, text string, profile *dubmodel.VoiceProfile) (SynthesisResult, error) {
	if b.Err != nil {
		return SynthesisResult{}, b.Err
	}
	return SynthesisResult{PCM: b.PCM, SampleRateHz: b.SampleRateHz}, nil
}

// FailOnceBackend fails its first N calls with Err, then delegates.
type FailOnceBackend struct {
	mu       sync.Mutex
	Delegate Backend
	Err      error
	Count    int
	failed   int
}

func NewFailOnceBackend(delegate Backend, err error, count int) *FailOnceBackend {
	return &FailOnceBackend{Delegate: delegate, Err: err, Count: count}
}

func (b *FailOnceBackend) Name() string  { return "mock-fail-once" }
func (b *FailOnceBackend) IsReady() bool { return true }
func (b *FailOnceBackend) Synthesize(ctx context.Context, text string, profile *dubmodel.VoiceProfile) (SynthesisResult, error) {
	b.mu.Lock()
	if b.failed < b.Count {
		b.failed++
		b.mu.Unlock()
		return SynthesisResult{}, b.Err
	}
	b.mu.Unlock()
	if b.Delegate != nil {
		return b.Delegate.Synthesize(ctx, text, profile)
	}
	return SynthesisResult{}, nil
}

// silencePCM generates n samples of 16-bit silence, used by tests to
// build synthetic raw-duration inputs at an exact sample count.
func silencePCM(n int) []byte {
	return make([]byte, n*2)
}
