// Package worker implements the Worker Runner (spec §4.11): the small
// glue coordinator that binds the A/V Sync Manager to the Flow-Control
// & Resilience Layer to the STS Peer Client and drives one stream's
// whole ingest-to-egress pipeline. Grounded on pkg/pipeline.Pipeline's
// role as the element-binding orchestrator, generalized from a
// generic message bus to this spec's fixed four-callback wiring.
package worker

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/realtime-ai/dubbingworker/pkg/avsync"
	"github.com/realtime-ai/dubbingworker/pkg/dubmodel"
	"github.com/realtime-ai/dubbingworker/pkg/flowcontrol"
	"github.com/realtime-ai/dubbingworker/pkg/metrics"
	"github.com/realtime-ai/dubbingworker/pkg/stsevents"
	"github.com/realtime-ai/dubbingworker/pkg/stspeer"
)

// EgressSink receives SyncPairs ready to leave the A/V Sync Manager
// toward the external FLV/RTMP muxer (§6.4, delegated out of scope).
type EgressSink interface {
	Forward(pair avsync.SyncPair)
}

// EgressFunc adapts a plain function to EgressSink.
type EgressFunc func(pair avsync.SyncPair)

func (f EgressFunc) Forward(pair avsync.SyncPair) { f(pair) }

// Config configures one Runner instance, one per active stream.
type Config struct {
	StreamID        string
	PeerURL         string
	MaxInflight     int
	TimeoutMs       int
	AudioFormat     string
	SampleRateHz    int
	Channels        int
	ChunkDurationMs int
	// OnFatal is invoked once the STS Peer Client exhausts its
	// reconnection attempts (§4.3: "the worker exits with non-zero
	// status so a supervisor can restart it"). The caller, not this
	// package, decides how to act on that (cmd/dubbingworker calls
	// os.Exit); a nil OnFatal only logs.
	OnFatal func(streamID string, err error)
}

type pendingSegment struct {
	t0Ns       int64
	durationNs int64
	audio      []byte
}

// Runner binds the A/V Sync Manager, the Flow-Control & Resilience
// Layer and the STS Peer Client for one stream (§4.11). It implements
// stspeer.Handler directly so peer events flow straight into its own
// callback dispatch without an intermediate adapter.
type Runner struct {
	cfg    Config
	peer   *stspeer.Client
	sync   *avsync.Manager
	breaker *flowcontrol.CircuitBreaker
	backpressure *flowcontrol.BackpressureController
	tracker *flowcontrol.FragmentTracker
	metrics *metrics.Metrics
	egress  EgressSink

	mu       sync.Mutex
	pending  map[int64]pendingSegment // batch_number -> original audio awaiting a dubbed counterpart
	hadConnectedOnce bool
}

// New constructs a Runner. Start must be called before HandleSegmentPair.
func New(cfg Config, egress EgressSink, m *metrics.Metrics) *Runner {
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 10
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = 10000
	}

	r := &Runner{
		cfg:     cfg,
		sync:    avsync.New(),
		metrics: m,
		egress:  egress,
		pending: make(map[int64]pendingSegment),
	}

	r.breaker = flowcontrol.NewCircuitBreaker(
		flowcontrol.WithBreakerTransitionHandler(func(from, to flowcontrol.BreakerState) {
			m.STSBreakerState.WithLabelValues(cfg.StreamID).Set(float64(to.Gauge()))
		}),
	)
	r.backpressure = flowcontrol.NewBackpressureController(cfg.MaxInflight, func(state dubmodel.BackpressureState) {
		m.BackpressureEvents.WithLabelValues(cfg.StreamID, state.Action.String()).Inc()
	})
	r.tracker = flowcontrol.NewFragmentTracker(r.onTrackerTimeout)

	r.peer = stspeer.New(cfg.PeerURL, r, r.fallbackFor)
	return r
}

// Start dials the STS peer. The caller owns ctx's lifetime for the
// initial dial only; reconnection afterward runs on its own clock.
func (r *Runner) Start(ctx context.Context) error {
	return r.peer.Dial(ctx)
}

// Stop drains outstanding video with fallback audio and tears down the
// peer connection and tracker sweep goroutine (stream:end / disconnect
// path, §4.9/§4.11).
func (r *Runner) Stop() error {
	pairs := r.sync.FlushWithFallback(r.fallbackAudioForBatch)
	for _, p := range pairs {
		r.egress.Forward(p)
	}
	r.tracker.Close()
	return r.peer.Close()
}

// HandleSegmentPair is the on_segment_pair callback: video is buffered
// in the A/V Sync Manager immediately, and the segment's audio is
// dispatched to the STS peer for dubbing (audio_dispatch, §4.11).
func (r *Runner) HandleSegmentPair(seg dubmodel.SegmentPair) {
	r.mu.Lock()
	r.pending[seg.BatchNumber] = pendingSegment{t0Ns: seg.T0Ns, durationNs: seg.DurationNs, audio: seg.AudioPayload}
	r.mu.Unlock()

	if pair := r.sync.PushVideo(dubmodel.SegmentPair{BatchNumber: seg.BatchNumber, T0Ns: seg.T0Ns, DurationNs: seg.DurationNs}, seg.VideoPayload); pair != nil {
		r.egress.Forward(*pair)
	}

	r.metrics.AudioFragmentsTotal.WithLabelValues(r.cfg.StreamID).Inc()
	r.audioDispatch(seg)
}

// audioDispatch enforces the in-flight ceiling at the dispatch side: if
// the breaker is open or backpressure demands rejection (the
// controller's fixed HighMax ceiling; Config.MaxInflight is not
// consulted for this), the fragment
// never crosses the wire and fallback audio is used immediately
// instead (on_breaker_open -> fallback_audio, §4.11).
func (r *Runner) audioDispatch(seg dubmodel.SegmentPair) {
	if !r.breaker.AllowDispatch() || r.backpressure.ShouldReject() {
		r.metrics.FallbackTotal.WithLabelValues(r.cfg.StreamID).Inc()
		r.resolveBatch(seg.BatchNumber, r.fallbackAudioForBatch(seg.BatchNumber), dubmodel.StatusPartial)
		return
	}

	fragment := dubmodel.FragmentEnvelope{
		FragmentID:     uuid.New().String(),
		StreamID:       r.cfg.StreamID,
		SequenceNumber: seg.BatchNumber,
		TimestampMs:    seg.T0Ns / 1_000_000,
		Audio: dubmodel.AudioSpec{
			Format:       r.cfg.AudioFormat,
			SampleRateHz: r.cfg.SampleRateHz,
			Channels:     r.cfg.Channels,
			DurationMs:   seg.DurationNs / 1_000_000,
			DataBytes:    seg.AudioPayload,
		},
	}

	r.tracker.Dispatch(fragment, time.Duration(r.cfg.TimeoutMs)*time.Millisecond)
	r.backpressure.Increment()
	r.metrics.InflightFragments.WithLabelValues(r.cfg.StreamID).Set(float64(r.tracker.Count()))

	if err := r.peer.Dispatch(fragment); err != nil {
		log.Printf("[worker] stream=%s dispatch of fragment %s failed: %v", r.cfg.StreamID, fragment.FragmentID, err)
	}
}

// OnResult implements stspeer.Handler. It is on_fragment_result ->
// av_sync.recombine_and_forward: the dubbed audio is paired against
// the buffered video for the same batch and, once matched, forwarded
// to the egress sink.
func (r *Runner) OnResult(result dubmodel.FragmentResult) {
	if !r.tracker.Resolve(result.FragmentID) {
		// Already swept as a timeout; that path already decremented
		// backpressure and recorded the breaker outcome.
		return
	}
	r.backpressure.Decrement()
	r.metrics.InflightFragments.WithLabelValues(r.cfg.StreamID).Set(float64(r.tracker.Count()))
	r.metrics.FragmentStatusTotal.WithLabelValues(r.cfg.StreamID, result.Status.String()).Inc()

	audio := result.DubbedAudio
	if result.Status == dubmodel.StatusFailed {
		retryable := result.Error != nil && result.Error.Retryable
		r.breaker.RecordFailure(retryable)
		r.metrics.FallbackTotal.WithLabelValues(r.cfg.StreamID).Inc()
		audio = r.fallbackAudioForBatch(result.SequenceNumber)
	} else {
		r.breaker.RecordSuccess()
	}

	r.resolveBatch(result.SequenceNumber, audio, result.Status)
}

// resolveBatch pairs dubbed (or fallback) audio against the buffered
// video for batchNumber and forwards a SyncPair once matched.
func (r *Runner) resolveBatch(batchNumber int64, audio []byte, status dubmodel.AssetStatus) {
	r.mu.Lock()
	ps, ok := r.pending[batchNumber]
	delete(r.pending, batchNumber)
	r.mu.Unlock()
	if !ok {
		return
	}

	seg := dubmodel.SegmentPair{BatchNumber: batchNumber, T0Ns: ps.t0Ns, DurationNs: ps.durationNs}
	if pair := r.sync.PushAudio(seg, audio); pair != nil {
		r.metrics.AVSyncDeltaMs.WithLabelValues(r.cfg.StreamID).Observe(float64(r.sync.SyncDeltaMs()))
		r.egress.Forward(*pair)
	}
}

// onTrackerTimeout is the Fragment Tracker's sweep callback: on_timeout
// -> fallback_audio (§4.11). A late result for an already-swept
// fragment is dropped by the tracker itself; nothing further to do
// here beyond resolving with fallback.
func (r *Runner) onTrackerTimeout(envelope dubmodel.FragmentEnvelope) {
	r.backpressure.Decrement()
	r.metrics.InflightFragments.WithLabelValues(r.cfg.StreamID).Set(float64(r.tracker.Count()))
	r.breaker.RecordFailure(true)
	r.metrics.FallbackTotal.WithLabelValues(r.cfg.StreamID).Inc()
	r.metrics.FragmentStatusTotal.WithLabelValues(r.cfg.StreamID, dubmodel.StatusPartial.String()).Inc()
	r.resolveBatch(envelope.SequenceNumber, r.fallbackAudioForBatch(envelope.SequenceNumber), dubmodel.StatusPartial)
}

// fallbackFor is the stspeer.FallbackFunc used on peer disconnect: it
// resolves still-in-flight fragments with the original audio, passed
// through unchanged.
func (r *Runner) fallbackFor(fragment dubmodel.FragmentEnvelope) dubmodel.FragmentResult {
	return dubmodel.FragmentResult{
		FragmentID:     fragment.FragmentID,
		StreamID:       fragment.StreamID,
		SequenceNumber: fragment.SequenceNumber,
		Status:         dubmodel.StatusPartial,
		DubbedAudio:    r.fallbackAudioForBatch(fragment.SequenceNumber),
	}
}

// fallbackAudioForBatch yields the original input audio for batchNumber,
// the avsync.FallbackResolver and resolveBatch's substitute-audio
// source alike (§4.2 "typically the original audio from the input
// stream").
func (r *Runner) fallbackAudioForBatch(batchNumber int64) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	if ps, ok := r.pending[batchNumber]; ok {
		return ps.audio
	}
	return nil
}

// OnStateChange implements stspeer.Handler.
func (r *Runner) OnStateChange(state stspeer.State) {
	if state == stspeer.StateConnecting && r.hadConnectedOnceLocked() {
		r.metrics.ReconnectionTotal.WithLabelValues(r.cfg.StreamID).Inc()
	}
	if state == stspeer.StateConnected {
		r.mu.Lock()
		r.hadConnectedOnce = true
		r.mu.Unlock()
	}
	if state == stspeer.StateFatal && r.cfg.OnFatal != nil {
		r.cfg.OnFatal(r.cfg.StreamID, fmt.Errorf("stream %s: STS peer reconnection exhausted", r.cfg.StreamID))
	}
}

func (r *Runner) hadConnectedOnceLocked() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hadConnectedOnce
}

// OnBackpressure implements stspeer.Handler: the STS service's own
// reported severity is logged only, since dispatch-side throttling is
// already governed by this Runner's local BackpressureController.
func (r *Runner) OnBackpressure(state stsevents.BackpressureStatePayload) {
	log.Printf("[worker] stream=%s remote backpressure severity=%s action=%s", r.cfg.StreamID, state.Severity, state.Action)
}

// OnError implements stspeer.Handler.
func (r *Runner) OnError(err error) {
	log.Printf("[worker] stream=%s peer error: %v", r.cfg.StreamID, err)
}

// OnFatal implements stspeer.Handler; State transitions to StateFatal
// already fire OnStateChange above, which is where cfg.OnFatal is
// invoked, so this only logs.
func (r *Runner) OnFatal(err error) {
	log.Printf("[worker] stream=%s peer fatal: %v", r.cfg.StreamID, err)
}
