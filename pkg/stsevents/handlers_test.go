package stsevents

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realtime-ai/dubbingworker/pkg/asrstage"
	"github.com/realtime-ai/dubbingworker/pkg/coordinator"
	"github.com/realtime-ai/dubbingworker/pkg/metrics"
	"github.com/realtime-ai/dubbingworker/pkg/session"
	"github.com/realtime-ai/dubbingworker/pkg/translationstage"
	"github.com/realtime-ai/dubbingworker/pkg/ttsstage"
)

func newTestHandlers() (*Handlers, *RecordingEmitter) {
	asrEngine := asrstage.NewFixedOutputEngine([]asrstage.RawSegment{
		{Text: "hello", StartSeconds: 0, EndSeconds: 1, AvgLogProb: -0.1},
	})
	asr := asrstage.NewPipeline(asrEngine)
	translation := translationstage.NewPipeline(translationstage.NewFixedOutputBackend("hola"), nil)
	tts := ttsstage.NewPipeline(ttsstage.NewFixedOutputBackend(make([]byte, 16000*2), 16000), nil)
	m := metrics.New(prometheus.NewRegistry())
	coord := coordinator.New(asr, translation, tts, nil, m)

	emitter := NewRecordingEmitter()
	store := session.NewStore()
	return New(store, coord, emitter), emitter
}

func initPayload(streamID string) StreamInitPayload {
	return StreamInitPayload{
		StreamID:        streamID,
		SourceLanguage:  "en",
		TargetLanguage:  "es",
		ChunkDurationMs: 6000,
		SampleRateHz:    16000,
		Channels:        1,
		Format:          "pcm_f32le",
		MaxInflight:     10,
		TimeoutMs:       5000,
	}
}

func fragmentPayload(streamID string, seq int64) FragmentDataPayload {
	p := FragmentDataPayload{
		FragmentID:     "f" + string(rune('0'+seq)),
		StreamID:       streamID,
		SequenceNumber: seq,
		TimestampMs:    seq * 6000,
	}
	p.Audio.Format = "pcm_f32le"
	p.Audio.SampleRateHz = 16000
	p.Audio.Channels = 1
	p.Audio.DurationMs = 1000
	p.Audio.DataBase64 = coordinator.EncodeAudioBase64(make([]byte, 16000*4))
	return p
}

func awaitEvent(t *testing.T, emitter *RecordingEmitter, socketID, event string, timeout time.Duration) Envelope {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		evs := emitter.EventsByName(socketID, event)
		if len(evs) > 0 {
			return evs[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for event %q on socket %q", event, socketID)
	return Envelope{}
}

func TestStreamInitEmitsReady(t *testing.T) {
	h, emitter := newTestHandlers()
	err := h.HandleStreamInit("sock1", initPayload("stream1"))
	require.NoError(t, err)

	evs := emitter.EventsByName("sock1", EventStreamReady)
	require.Len(t, evs, 1)
}

func TestSecondStreamInitRejected(t *testing.T) {
	h, emitter := newTestHandlers()
	require.NoError(t, h.HandleStreamInit("sock1", initPayload("stream1")))
	require.NoError(t, h.HandleStreamInit("sock1", initPayload("stream1")))

	evs := emitter.EventsByName("sock1", EventError)
	require.Len(t, evs, 1)
}

func TestFragmentBeforeInitProducesStreamNotFound(t *testing.T) {
	h, emitter := newTestHandlers()
	err := h.HandleFragmentData(context.Background(), "sock1", fragmentPayload("stream1", 0))
	require.NoError(t, err)

	evs := emitter.EventsByName("sock1", EventError)
	require.Len(t, evs, 1)
}

func TestFragmentProducesAckThenProcessed(t *testing.T) {
	h, emitter := newTestHandlers()
	require.NoError(t, h.HandleStreamInit("sock1", initPayload("stream1")))

	err := h.HandleFragmentData(context.Background(), "sock1", fragmentPayload("stream1", 0))
	require.NoError(t, err)

	acks := emitter.EventsByName("sock1", EventFragmentAck)
	require.Len(t, acks, 1)

	awaitEvent(t, emitter, "sock1", EventFragmentProcessed, 2*time.Second)
}

func TestPausedStreamRejectsFragments(t *testing.T) {
	h, emitter := newTestHandlers()
	require.NoError(t, h.HandleStreamInit("sock1", initPayload("stream1")))
	require.NoError(t, h.HandleStreamPause("sock1"))

	err := h.HandleFragmentData(context.Background(), "sock1", fragmentPayload("stream1", 0))
	require.NoError(t, err)

	evs := emitter.EventsByName("sock1", EventError)
	require.Len(t, evs, 1)
}

func TestStreamEndDrainsAndCompletes(t *testing.T) {
	h, emitter := newTestHandlers()
	require.NoError(t, h.HandleStreamInit("sock1", initPayload("stream1")))
	require.NoError(t, h.HandleFragmentData(context.Background(), "sock1", fragmentPayload("stream1", 0)))

	awaitEvent(t, emitter, "sock1", EventFragmentProcessed, 2*time.Second)
	require.NoError(t, h.HandleStreamEnd("sock1"))

	awaitEvent(t, emitter, "sock1", EventStreamComplete, 2*time.Second)
	_, exists := h.Store.GetBySocketID("sock1")
	assert.False(t, exists)
}

func TestSequenceOrderingAcrossOutOfOrderCompletion(t *testing.T) {
	slowASR := asrstage.NewPipeline(&delayedEngine{
		InferenceEngine: asrstage.NewFixedOutputEngine([]asrstage.RawSegment{{Text: "slow", StartSeconds: 0, EndSeconds: 1}}),
		delay:            80 * time.Millisecond,
	})
	translation := translationstage.NewPipeline(translationstage.NewFixedOutputBackend("hola"), nil)
	tts := ttsstage.NewPipeline(ttsstage.NewFixedOutputBackend(make([]byte, 16000*2), 16000), nil)
	m := metrics.New(prometheus.NewRegistry())
	coord := coordinator.New(slowASR, translation, tts, nil, m)

	emitter := NewRecordingEmitter()
	store := session.NewStore()
	h := New(store, coord, emitter)

	require.NoError(t, h.HandleStreamInit("sock1", initPayload("stream1")))
	require.NoError(t, h.HandleFragmentData(context.Background(), "sock1", fragmentPayload("stream1", 0)))
	require.NoError(t, h.HandleFragmentData(context.Background(), "sock1", fragmentPayload("stream1", 1)))

	first := awaitEvent(t, emitter, "sock1", EventFragmentProcessed, 2*time.Second)
	// Both fragments run concurrently with the same ASR delay, so either
	// may finish first, but the Fragment Queue must still emit in
	// ascending sequence order.
	var firstResult FragmentProcessedPayload
	require.NoError(t, json.Unmarshal(first.Payload, &firstResult))
	assert.Equal(t, int64(0), firstResult.SequenceNumber)
}

type delayedEngine struct {
	asrstage.InferenceEngine
	delay time.Duration
}

func (e *delayedEngine) Infer(ctx context.Context, samples []float32, opts asrstage.InferOptions) (asrstage.InferResult, error) {
	time.Sleep(e.delay)
	return e.InferenceEngine.Infer(ctx, samples, opts)
}
