package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realtime-ai/dubbingworker/pkg/dubmodel"
)

func newTestSession() *Session {
	return New("sock-1", "stream-1", dubmodel.StreamSessionConfig{MaxInflight: 3})
}

func TestLifecycleHappyPath(t *testing.T) {
	s := newTestSession()
	defer s.Close()

	assert.Equal(t, StateInitializing, s.State())
	require.NoError(t, s.MarkReady())
	assert.True(t, s.AcceptsFragments())

	require.NoError(t, s.Pause())
	assert.False(t, s.AcceptsFragments())

	require.NoError(t, s.Resume())
	assert.True(t, s.AcceptsFragments())

	require.NoError(t, s.End())
	assert.Equal(t, StateEnding, s.State())
	assert.True(t, s.MaybeComplete()) // no inflight work
	assert.Equal(t, StateCompleted, s.State())
}

func TestEndFromPausedDrainsBeforeCompleted(t *testing.T) {
	s := newTestSession()
	defer s.Close()
	require.NoError(t, s.MarkReady())
	require.NoError(t, s.Pause())
	require.NoError(t, s.End())

	s.Tracker.Dispatch(dubmodel.FragmentEnvelope{FragmentID: "f1"}, 0)
	assert.False(t, s.MaybeComplete())

	s.Tracker.Resolve("f1")
	assert.True(t, s.MaybeComplete())
}

func TestInvalidTransitionsRejected(t *testing.T) {
	s := newTestSession()
	defer s.Close()
	assert.Error(t, s.Pause()) // not Ready yet
	require.NoError(t, s.MarkReady())
	assert.Error(t, s.MarkReady()) // already Ready
	assert.Error(t, s.Resume())    // not Paused
}

func TestStoreCreateGetDelete(t *testing.T) {
	store := NewStore()
	s := newTestSession()

	require.NoError(t, store.Create(s))
	assert.Error(t, store.Create(s), "duplicate create must be rejected")

	got, ok := store.GetBySocketID("sock-1")
	assert.True(t, ok)
	assert.Same(t, s, got)

	got, ok = store.GetByStreamID("stream-1")
	assert.True(t, ok)
	assert.Same(t, s, got)

	store.Delete("sock-1")
	_, ok = store.GetBySocketID("sock-1")
	assert.False(t, ok)
	_, ok = store.GetByStreamID("stream-1")
	assert.False(t, ok)

	s.Close()
}

func TestStatsComputesAggregates(t *testing.T) {
	s := newTestSession()
	defer s.Close()

	s.RecordResult(dubmodel.FragmentResult{Status: dubmodel.StatusSuccess, ProcessingTimeMs: 100})
	s.RecordResult(dubmodel.FragmentResult{Status: dubmodel.StatusPartial, ProcessingTimeMs: 200})
	s.RecordResult(dubmodel.FragmentResult{Status: dubmodel.StatusFailed, ProcessingTimeMs: 300})

	stats := s.Stats()
	assert.Equal(t, 3, stats.TotalFragments)
	assert.Equal(t, 1, stats.SuccessCount)
	assert.Equal(t, 1, stats.PartialCount)
	assert.Equal(t, 1, stats.FailedCount)
	assert.InDelta(t, 200, stats.AvgProcessingTimeMs, 0.01)
}
