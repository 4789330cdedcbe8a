package flowcontrol

import (
	"sync"
	"time"

	"github.com/realtime-ai/dubbingworker/pkg/dubmodel"
)

// DefaultSweepInterval is the Fragment Tracker's background sweep
// cadence (§4.3).
const DefaultSweepInterval = 100 * time.Millisecond

type trackedFragment struct {
	envelope dubmodel.FragmentEnvelope
	deadline time.Time
}

// FragmentTracker is a table of in-flight envelopes keyed by fragment
// id, with a background sweeper that removes every expired entry and
// hands its envelope to onTimeout. The table has no capacity limit of
// its own. Modeled on pkg/audio.AudioPacer's ticker-driven background
// loop.
type FragmentTracker struct {
	mu       sync.Mutex
	inflight map[string]*trackedFragment
	clock    func() time.Time

	onTimeout func(envelope dubmodel.FragmentEnvelope)

	stop chan struct{}
	done chan struct{}
}

// NewFragmentTracker creates a tracker and starts its sweep goroutine.
// onTimeout is invoked (off the lock) for every fragment whose deadline
// has passed; its slot is freed regardless of whether a late result
// later arrives for it.
func NewFragmentTracker(onTimeout func(dubmodel.FragmentEnvelope)) *FragmentTracker {
	t := &FragmentTracker{
		inflight:  make(map[string]*trackedFragment),
		clock:     time.Now,
		onTimeout: onTimeout,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go t.sweepLoop()
	return t
}

func (t *FragmentTracker) sweepLoop() {
	defer close(t.done)
	ticker := time.NewTicker(DefaultSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stop:
			return
		case <-ticker.C:
			t.sweepOnce()
		}
	}
}

func (t *FragmentTracker) sweepOnce() {
	now := t.clock()
	var expired []dubmodel.FragmentEnvelope

	t.mu.Lock()
	for id, tf := range t.inflight {
		if now.After(tf.deadline) {
			expired = append(expired, tf.envelope)
			delete(t.inflight, id)
		}
	}
	t.mu.Unlock()

	for _, env := range expired {
		if t.onTimeout != nil {
			t.onTimeout(env)
		}
	}
}

// Dispatch inserts envelope with deadline now+timeout.
func (t *FragmentTracker) Dispatch(envelope dubmodel.FragmentEnvelope, timeout time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.inflight[envelope.FragmentID] = &trackedFragment{
		envelope: envelope,
		deadline: t.clock().Add(timeout),
	}
}

// Resolve removes a fragment on acknowledgment or final result. It
// returns false if the fragment was not tracked (already expired and
// swept, or unknown) -- the caller must treat that as "drop the late
// result".
func (t *FragmentTracker) Resolve(fragmentID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.inflight[fragmentID]; !ok {
		return false
	}
	delete(t.inflight, fragmentID)
	return true
}

// Count returns the number of currently tracked in-flight fragments.
func (t *FragmentTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.inflight)
}

// Close stops the sweep goroutine.
func (t *FragmentTracker) Close() {
	close(t.stop)
	<-t.done
}
