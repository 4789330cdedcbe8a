// Package stsevents: event handlers (spec §4.10) wiring the wire
// envelope shapes in events.go to pkg/session, pkg/fragmentqueue,
// pkg/flowcontrol and pkg/coordinator. Grounded on
// pkg/realtimeapi/events/server.go's dispatch-by-event-name shape.
package stsevents

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/realtime-ai/dubbingworker/pkg/coordinator"
	"github.com/realtime-ai/dubbingworker/pkg/dubmodel"
	"github.com/realtime-ai/dubbingworker/pkg/session"
)

// timeoutErrorMessage is attached to the synthesized FragmentResult
// emitted when the Fragment Tracker sweeps an expired dispatch.
const timeoutErrorMessage = "fragment processing exceeded the configured timeout"

// Emitter delivers an outbound Envelope to the socket identified by
// socketID. The transport (gorilla/websocket write pump) lives outside
// this package; handlers only produce envelopes and hand them off.
type Emitter interface {
	Emit(socketID string, env Envelope) error
}

// Handlers implements the STS Event Handlers component. One Handlers
// instance serves every socket; per-connection state lives in the
// Session the Store returns.
type Handlers struct {
	Store       *session.Store
	Coordinator *coordinator.Coordinator
	Emit        Emitter
}

func New(store *session.Store, coord *coordinator.Coordinator, emit Emitter) *Handlers {
	return &Handlers{Store: store, Coordinator: coord, Emit: emit}
}

// Dispatch routes one inbound Envelope to its handler by event name.
func (h *Handlers) Dispatch(ctx context.Context, socketID string, env Envelope) error {
	switch env.Event {
	case EventStreamInit:
		var p StreamInitPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return h.emitError(socketID, "", dubmodel.StageMedia, dubmodel.ErrInvalidConfig, "malformed stream:init payload", err)
		}
		return h.HandleStreamInit(socketID, p)
	case EventFragmentData:
		var p FragmentDataPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return h.emitError(socketID, "", dubmodel.StageMedia, dubmodel.ErrInvalidConfig, "malformed fragment:data payload", err)
		}
		return h.HandleFragmentData(ctx, socketID, p)
	case EventStreamPause:
		return h.HandleStreamPause(socketID)
	case EventStreamResume:
		return h.HandleStreamResume(socketID)
	case EventStreamEnd:
		return h.HandleStreamEnd(socketID)
	default:
		return h.emitError(socketID, "", dubmodel.StageMedia, dubmodel.ErrInvalidConfig, fmt.Sprintf("unknown event %q", env.Event), nil)
	}
}

// HandleStreamInit is idempotent per (socketID, streamID): a second
// init before end is rejected (§4.10).
func (h *Handlers) HandleStreamInit(socketID string, p StreamInitPayload) error {
	if _, exists := h.Store.GetBySocketID(socketID); exists {
		return h.emitError(socketID, p.StreamID, dubmodel.StageMedia, dubmodel.ErrInvalidConfig, "stream:init already received for this socket", nil)
	}

	cfg := dubmodel.StreamSessionConfig{
		SourceLanguage:  p.SourceLanguage,
		TargetLanguage:  p.TargetLanguage,
		VoiceProfile:    p.VoiceProfile,
		ChunkDurationMs: p.ChunkDurationMs,
		SampleRateHz:    p.SampleRateHz,
		Channels:        p.Channels,
		Format:          p.Format,
		MaxInflight:     p.MaxInflight,
		TimeoutMs:       p.TimeoutMs,
		DomainHints:     p.DomainHints,
	}
	if cfg.MaxInflight <= 0 {
		cfg.MaxInflight = 10
	}
	if cfg.TimeoutMs <= 0 {
		cfg.TimeoutMs = 10000
	}

	sess := session.New(socketID, p.StreamID, cfg,
		session.WithBackpressureTransition(func(st dubmodel.BackpressureState) {
			h.emit(socketID, EventBackpressureState, BackpressureStatePayload{
				StreamID:      p.StreamID,
				InflightCount: st.CurrentInflight,
				Severity:      st.Severity.String(),
				Action:        st.Action.String(),
			})
		}),
		session.WithFragmentTimeout(func(env dubmodel.FragmentEnvelope) {
			h.handleTimeout(socketID, env)
		}),
	)
	if err := h.Store.Create(sess); err != nil {
		return h.emitError(socketID, p.StreamID, dubmodel.StageMedia, dubmodel.ErrInvalidConfig, err.Error(), err)
	}
	if err := sess.MarkReady(); err != nil {
		return h.emitError(socketID, p.StreamID, dubmodel.StageMedia, dubmodel.ErrInvalidConfig, err.Error(), err)
	}

	return h.emit(socketID, EventStreamReady, StreamReadyPayload{
		SessionID:   socketID,
		MaxInflight: cfg.MaxInflight,
		Capabilities: Capabilities{
			ASR:              true,
			Translation:      true,
			TTS:              true,
			DurationMatching: true,
		},
	})
}

// HandleFragmentData acknowledges within the ≤50ms budget, then
// dispatches asynchronously so fragment:ack never waits on inference
// (§4.10).
func (h *Handlers) HandleFragmentData(ctx context.Context, socketID string, p FragmentDataPayload) error {
	sess, ok := h.Store.GetBySocketID(socketID)
	if !ok {
		return h.emitError(socketID, p.StreamID, dubmodel.StageMedia, dubmodel.ErrStreamNotFound, "no session for this socket", nil)
	}
	if !sess.AcceptsFragments() {
		return h.emitError(socketID, p.StreamID, dubmodel.StageMedia, dubmodel.ErrStreamPaused, "stream is not in ready state", nil)
	}
	if sess.Backpressure.ShouldReject() {
		return h.emitError(socketID, p.StreamID, dubmodel.StageMedia, dubmodel.ErrBackpressureExceeded, "too many fragments in flight", nil)
	}

	pcm, err := coordinator.DecodeAudioBase64(p.Audio.DataBase64)
	if err != nil {
		return h.emitError(socketID, p.StreamID, dubmodel.StageMedia, dubmodel.ErrInvalidAudioFormat, "bad base64 audio payload", err)
	}

	fragment := dubmodel.FragmentEnvelope{
		FragmentID:     p.FragmentID,
		StreamID:       p.StreamID,
		SequenceNumber: p.SequenceNumber,
		TimestampMs:    p.TimestampMs,
		Audio: dubmodel.AudioSpec{
			Format:       p.Audio.Format,
			SampleRateHz: p.Audio.SampleRateHz,
			Channels:     p.Audio.Channels,
			DurationMs:   p.Audio.DurationMs,
			DataBytes:    pcm,
		},
		PtsNs: p.PtsNs,
	}

	sess.Backpressure.Increment()
	sess.Tracker.Dispatch(fragment, time.Duration(sess.Config.TimeoutMs)*time.Millisecond)

	ackErr := h.emit(socketID, EventFragmentAck, FragmentAckPayload{
		FragmentID:  p.FragmentID,
		Status:      "accepted",
		TimestampMs: time.Now().UnixMilli(),
	})

	go h.process(ctx, socketID, sess, fragment)
	return ackErr
}

// process runs the pipeline for one fragment and drains the fragment
// queue in order, emitting fragment:processed for every contiguous
// result now available (§4.7/§4.8).
func (h *Handlers) process(ctx context.Context, socketID string, sess *session.Session, fragment dubmodel.FragmentEnvelope) {
	result := h.Coordinator.Process(ctx, coordinator.Request{
		Fragment:           fragment,
		SourceLanguage:     sess.Config.SourceLanguage,
		TargetLanguage:     sess.Config.TargetLanguage,
		DomainHints:        sess.Config.DomainHints,
		VoiceProfile:       sess.Config.VoiceProfile,
		OutputSampleRateHz: sess.Config.SampleRateHz,
		OutputChannels:     sess.Config.Channels,
	})

	resolved := sess.Tracker.Resolve(fragment.FragmentID)
	if !resolved {
		// Already swept as a timeout; a fragment:processed for this
		// fragment id was or will be emitted from the timeout path,
		// which also released the backpressure slot.
		return
	}
	sess.Backpressure.Decrement()

	switch result.Status {
	case dubmodel.StatusFailed:
		sess.Breaker.RecordFailure(result.Error != nil && result.Error.Retryable)
	default:
		sess.Breaker.RecordSuccess()
	}
	sess.RecordResult(*result)

	if !sess.Queue.AddResult(*result) {
		return // duplicate sequence number, already emitted
	}
	h.drainQueue(socketID, sess)
}

// drainQueue emits every fragment:processed now available in sequence
// order, then completes the stream if it was ending and has drained.
func (h *Handlers) drainQueue(socketID string, sess *session.Session) {
	for {
		r, ok := sess.Queue.TryGetNext()
		if !ok {
			break
		}
		h.emit(socketID, EventFragmentProcessed, FragmentResultToPayload(&r))
	}
	if sess.MaybeComplete() {
		h.completeAndRemove(socketID, sess)
	}
}

func (h *Handlers) completeAndRemove(socketID string, sess *session.Session) {
	stats := sess.Stats()
	h.emit(socketID, EventStreamComplete, StreamCompletePayload{
		TotalFragments:      stats.TotalFragments,
		SuccessCount:        stats.SuccessCount,
		PartialCount:        stats.PartialCount,
		FailedCount:         stats.FailedCount,
		AvgProcessingTimeMs: stats.AvgProcessingTimeMs,
		P95ProcessingTimeMs: stats.P95ProcessingTimeMs,
	})
	sess.Close()
	h.Store.Delete(socketID)
}

func (h *Handlers) HandleStreamPause(socketID string) error {
	sess, ok := h.Store.GetBySocketID(socketID)
	if !ok {
		return h.emitError(socketID, "", dubmodel.StageMedia, dubmodel.ErrStreamNotFound, "no session for this socket", nil)
	}
	if err := sess.Pause(); err != nil {
		return h.emitError(socketID, sess.StreamID, dubmodel.StageMedia, dubmodel.ErrInvalidConfig, err.Error(), err)
	}
	return nil
}

func (h *Handlers) HandleStreamResume(socketID string) error {
	sess, ok := h.Store.GetBySocketID(socketID)
	if !ok {
		return h.emitError(socketID, "", dubmodel.StageMedia, dubmodel.ErrStreamNotFound, "no session for this socket", nil)
	}
	if err := sess.Resume(); err != nil {
		return h.emitError(socketID, sess.StreamID, dubmodel.StageMedia, dubmodel.ErrInvalidConfig, err.Error(), err)
	}
	return nil
}

// HandleStreamEnd may be received in Paused; pending inflight work
// drains before stream:complete (§4.9).
func (h *Handlers) HandleStreamEnd(socketID string) error {
	sess, ok := h.Store.GetBySocketID(socketID)
	if !ok {
		return h.emitError(socketID, "", dubmodel.StageMedia, dubmodel.ErrStreamNotFound, "no session for this socket", nil)
	}
	if err := sess.End(); err != nil {
		return h.emitError(socketID, sess.StreamID, dubmodel.StageMedia, dubmodel.ErrInvalidConfig, err.Error(), err)
	}
	if sess.MaybeComplete() {
		h.completeAndRemove(socketID, sess)
	}
	return nil
}

// HandleDisconnect implements "on socket disconnection without
// stream:end, the session is deleted and any buffered results
// discarded" (§4.10).
func (h *Handlers) HandleDisconnect(socketID string) {
	sess, ok := h.Store.GetBySocketID(socketID)
	if !ok {
		return
	}
	sess.Close()
	h.Store.Delete(socketID)
}

// handleTimeout is the Fragment Tracker's sweep callback: a dispatched
// fragment whose deadline passed without a coordinator result is
// resolved with a synthesized Failed(TIMEOUT) result, still delivered
// through the Fragment Queue so sequence ordering holds (§4.8/§5).
func (h *Handlers) handleTimeout(socketID string, env dubmodel.FragmentEnvelope) {
	sess, ok := h.Store.GetBySocketID(socketID)
	if !ok {
		return
	}
	sess.Backpressure.Decrement()
	sess.Breaker.RecordFailure(true)

	result := dubmodel.FragmentResult{
		FragmentID:     env.FragmentID,
		StreamID:       env.StreamID,
		SequenceNumber: env.SequenceNumber,
		Status:         dubmodel.StatusFailed,
		Error:          dubmodel.NewProcessingError(dubmodel.StageMedia, dubmodel.ErrTimeout, timeoutErrorMessage, nil),
	}
	sess.RecordResult(result)
	if !sess.Queue.AddResult(result) {
		return
	}
	h.drainQueue(socketID, sess)
}

func (h *Handlers) emit(socketID, event string, payload interface{}) error {
	env, err := NewEnvelope(event, payload)
	if err != nil {
		return err
	}
	if h.Emit == nil {
		return nil
	}
	return h.Emit.Emit(socketID, env)
}

func (h *Handlers) emitError(socketID, streamID string, stage dubmodel.Stage, code dubmodel.ErrorCode, msg string, err error) error {
	pe := dubmodel.NewProcessingError(stage, code, msg, err)
	return h.emit(socketID, EventError, ToErrorPayload(pe))
}
