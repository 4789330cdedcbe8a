// Package stsevents defines the wire-visible event envelope and payload
// shapes of the STS event channel (spec §6.1), adapted from
// original_source's Socket.IO event names and pkg/connection's
// WSMessage{Type, Payload} framing.
package stsevents

import (
	"encoding/base64"
	"encoding/json"

	"github.com/realtime-ai/dubbingworker/pkg/dubmodel"
)

// Event names, verbatim from spec §6.1.
const (
	EventStreamInit        = "stream:init"
	EventFragmentData      = "fragment:data"
	EventStreamPause       = "stream:pause"
	EventStreamResume      = "stream:resume"
	EventStreamEnd         = "stream:end"
	EventStreamReady       = "stream:ready"
	EventFragmentAck       = "fragment:ack"
	EventFragmentProcessed = "fragment:processed"
	EventBackpressureState = "backpressure:state"
	EventStreamComplete    = "stream:complete"
	EventError             = "error"
)

// Envelope is the top-level wire message: an event name plus its
// payload, carried over a single gorilla/websocket text frame as JSON.
// This is a deliberately Socket.IO-shaped simplification (event name +
// single JSON payload) rather than the full Socket.IO/Engine.IO framing
// protocol, since no pack example wraps a Socket.IO-compatible codec.
type Envelope struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

func NewEnvelope(event string, payload interface{}) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Payload: raw}, nil
}

// StreamInitPayload is stream:init's inbound config block (§3.1/§6.1).
type StreamInitPayload struct {
	StreamID        string                      `json:"stream_id"`
	SourceLanguage  string                      `json:"source_language"`
	TargetLanguage  string                      `json:"target_language"`
	VoiceProfile    *dubmodel.VoiceProfile      `json:"voice_profile,omitempty"`
	ChunkDurationMs int                         `json:"chunk_duration_ms"`
	SampleRateHz    int                         `json:"sample_rate_hz"`
	Channels        int                         `json:"channels"`
	Format          string                      `json:"format"`
	MaxInflight     int                         `json:"max_inflight"`
	TimeoutMs       int                         `json:"timeout_ms"`
	DomainHints     []string                    `json:"domain_hints,omitempty"`
}

// FragmentDataPayload is fragment:data's inbound FragmentEnvelope,
// base64-encoded on the wire (§6.3).
type FragmentDataPayload struct {
	FragmentID     string `json:"fragment_id"`
	StreamID       string `json:"stream_id"`
	SequenceNumber int64  `json:"sequence_number"`
	TimestampMs    int64  `json:"timestamp_ms"`
	Audio          struct {
		Format       string `json:"format"`
		SampleRateHz int    `json:"sample_rate_hz"`
		Channels     int    `json:"channels"`
		DurationMs   int64  `json:"duration_ms"`
		DataBase64   string `json:"data_base64"`
	} `json:"audio"`
	PtsNs *int64 `json:"pts_ns,omitempty"`
}

// StreamReadyPayload is the outbound response to stream:init.
type StreamReadyPayload struct {
	SessionID    string       `json:"session_id"`
	MaxInflight  int          `json:"max_inflight"`
	Capabilities Capabilities `json:"capabilities"`
}

type Capabilities struct {
	ASR             bool `json:"asr"`
	Translation     bool `json:"translation"`
	TTS             bool `json:"tts"`
	DurationMatching bool `json:"duration_matching"`
}

// FragmentAckPayload is sent within 50ms of fragment:data (§6.1).
type FragmentAckPayload struct {
	FragmentID            string `json:"fragment_id"`
	Status                string `json:"status"`
	TimestampMs           int64  `json:"timestamp"`
	QueuePosition         *int   `json:"queue_position,omitempty"`
	EstimatedCompletionMs *int64 `json:"estimated_completion_ms,omitempty"`
}

// FragmentProcessedPayload carries the full FragmentResult, emitted in
// strict sequence order by the Fragment Queue.
type FragmentProcessedPayload struct {
	FragmentID       string                          `json:"fragment_id"`
	StreamID         string                          `json:"stream_id"`
	SequenceNumber   int64                           `json:"sequence_number"`
	Status           string                          `json:"status"`
	DubbedAudioBase64 string                         `json:"dubbed_audio_base64"`
	Transcript       string                          `json:"transcript"`
	TranslatedText   string                          `json:"translated_text"`
	ProcessingTimeMs int64                           `json:"processing_time_ms"`
	StageTimings     dubmodel.StageTimings           `json:"stage_timings"`
	DurationMetadata *dubmodel.DurationMatchMetadata `json:"duration_metadata,omitempty"`
	Error            *ErrorPayload                   `json:"error,omitempty"`
}

// BackpressureStatePayload mirrors dubmodel.BackpressureState, emitted
// only on severity transitions.
type BackpressureStatePayload struct {
	StreamID       string `json:"stream_id"`
	InflightCount  int    `json:"inflight_count"`
	Severity       string `json:"severity"`
	Action         string `json:"action"`
}

// StreamCompletePayload is sent once a session reaches Completed.
type StreamCompletePayload struct {
	TotalFragments     int     `json:"total_fragments"`
	SuccessCount       int     `json:"success_count"`
	PartialCount       int     `json:"partial_count"`
	FailedCount        int     `json:"failed_count"`
	AvgProcessingTimeMs float64 `json:"avg_processing_time_ms"`
	P95ProcessingTimeMs float64 `json:"p95_processing_time_ms"`
	DurationMs          int64   `json:"duration_ms"`
}

// ErrorPayload is the wire shape of dubmodel.ProcessingError (§6.2/§7).
type ErrorPayload struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Stage     string `json:"stage,omitempty"`
	Retryable bool   `json:"retryable"`
}

func ToErrorPayload(e *dubmodel.ProcessingError) *ErrorPayload {
	if e == nil {
		return nil
	}
	return &ErrorPayload{
		Code:      string(e.Code),
		Message:   e.Message,
		Stage:     e.Stage.String(),
		Retryable: e.Retryable,
	}
}

func FragmentResultToPayload(r *dubmodel.FragmentResult) FragmentProcessedPayload {
	p := FragmentProcessedPayload{
		FragmentID:        r.FragmentID,
		StreamID:          r.StreamID,
		SequenceNumber:    r.SequenceNumber,
		Status:            r.Status.String(),
		Transcript:        r.Transcript,
		TranslatedText:    r.TranslatedText,
		ProcessingTimeMs:  r.ProcessingTimeMs,
		StageTimings:      r.StageTimings,
		DurationMetadata:  r.DurationMetadata,
		Error:             ToErrorPayload(r.Error),
	}
	if r.DubbedAudio != nil {
		p.DubbedAudioBase64 = base64.StdEncoding.EncodeToString(r.DubbedAudio)
	}
	return p
}
