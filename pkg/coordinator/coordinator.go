// Package coordinator implements the Pipeline Coordinator (spec §4.7):
// per-fragment ASR -> Translation -> TTS orchestration with lineage
// wiring, stage timings, status downgrade, and tracing.
package coordinator

import (
	"context"
	"encoding/base64"
	"fmt"
	"math"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/realtime-ai/dubbingworker/pkg/asrstage"
	"github.com/realtime-ai/dubbingworker/pkg/dubmodel"
	"github.com/realtime-ai/dubbingworker/pkg/metrics"
	"github.com/realtime-ai/dubbingworker/pkg/trace"
	"github.com/realtime-ai/dubbingworker/pkg/translationstage"
	"github.com/realtime-ai/dubbingworker/pkg/ttsstage"
)

const canonicalFormat = "pcm_f32le"

// Transcoder converts a non-canonical input format to canonical PCM
// (§6.3). OpusTranscoder is the one production implementation; the
// interface stays swappable so a future codec needs only a new
// implementation, not a Coordinator change.
type Transcoder interface {
	Transcode(raw []byte, sourceFormat string) (pcmF32LE []byte, err error)
}

// Request is one fragment's worth of work for the coordinator.
type Request struct {
	Fragment           dubmodel.FragmentEnvelope
	SourceLanguage     string
	TargetLanguage     string
	DomainHints        []string
	VoiceProfile       *dubmodel.VoiceProfile
	OutputSampleRateHz int
	OutputChannels     int
}

// Coordinator wires the three stage components together.
type Coordinator struct {
	ASR         asrstage.Component
	Translation translationstage.Component
	TTS         ttsstage.Component
	Transcoder  Transcoder
	Metrics     *metrics.Metrics
}

func New(asr asrstage.Component, tr translationstage.Component, tts ttsstage.Component, transcoder Transcoder, m *metrics.Metrics) *Coordinator {
	return &Coordinator{ASR: asr, Translation: tr, TTS: tts, Transcoder: transcoder, Metrics: m}
}

// Process executes the full §4.7 algorithm for one fragment.
func (c *Coordinator) Process(ctx context.Context, req Request) *dubmodel.FragmentResult {
	ctx, span := trace.StartSpan(ctx, "coordinator.process_fragment",
		oteltrace.WithAttributes(
			attribute.String("stream_id", req.Fragment.StreamID),
			attribute.Int64("sequence_number", req.Fragment.SequenceNumber),
		),
	)
	defer span.End()

	start := time.Now()
	result := &dubmodel.FragmentResult{
		FragmentID:     req.Fragment.FragmentID,
		StreamID:       req.Fragment.StreamID,
		SequenceNumber: req.Fragment.SequenceNumber,
	}

	pcm, err := c.ensureCanonicalFormat(req.Fragment.Audio)
	if err != nil {
		return c.fail(result, start, dubmodel.StageASR, dubmodel.ErrInvalidAudioFormat, "audio transcode failed", err)
	}

	domainHint := ""
	if len(req.DomainHints) > 0 {
		domainHint = req.DomainHints[0]
	}

	asrStart := time.Now()
	transcript, err := c.ASR.Transcribe(ctx, asrstage.TranscribeRequest{
		AudioBytes:   pcm,
		SampleRateHz: 16000,
		StartTimeMs:  req.Fragment.TimestampMs,
		EndTimeMs:    req.Fragment.TimestampMs + req.Fragment.Audio.DurationMs,
		FragmentID:   req.Fragment.FragmentID,
		StreamID:     req.Fragment.StreamID,
		Language:     req.SourceLanguage,
		Domain:       domainHint,
	})
	result.StageTimings.ASRMs = time.Since(asrStart).Milliseconds()
	c.observe(c.metricsOrNil(func(m *metrics.Metrics) *prometheus.HistogramVec { return m.ASRStageLatencyMs }), req.Fragment.StreamID, result.StageTimings.ASRMs)
	if err != nil {
		return c.fail(result, start, dubmodel.StageASR, dubmodel.ErrASRFailed, "asr error", err)
	}
	if transcript.Status == dubmodel.StatusFailed {
		return c.failWithAsset(result, start, transcript.Error)
	}

	transcriptText := extractTranscriptText(transcript)

	translationStart := time.Now()
	translation, err := c.Translation.Translate(ctx, translationstage.TranslateRequest{
		SourceText:          transcriptText,
		StreamID:            req.Fragment.StreamID,
		SequenceNumber:      req.Fragment.SequenceNumber,
		FragmentID:          req.Fragment.FragmentID,
		SourceLanguage:      req.SourceLanguage,
		TargetLanguage:      req.TargetLanguage,
		ParentAssetIDs:      []string{transcript.AssetID},
		SpeakerPolicy:       translationstage.DefaultSpeakerPolicy(),
		NormalizationPolicy: translationstage.DefaultNormalizationPolicy(),
		CleanupForTTS:       true,
	})
	result.StageTimings.TranslationMs = time.Since(translationStart).Milliseconds()
	c.observe(c.metricsOrNil(func(m *metrics.Metrics) *prometheus.HistogramVec { return m.TranslationStageLatencyMs }), req.Fragment.StreamID, result.StageTimings.TranslationMs)
	if err != nil {
		return c.fail(result, start, dubmodel.StageTranslation, dubmodel.ErrTranslationFailed, "translation error", err)
	}
	if translation.Status == dubmodel.StatusFailed {
		return c.failWithAsset(result, start, translation.Error)
	}

	ttsStart := time.Now()
	audioAsset, err := c.TTS.Synthesize(ctx, ttsstage.SynthesizeRequest{
		TranslatedText:     translation.TranslatedText,
		StreamID:           req.Fragment.StreamID,
		SequenceNumber:     req.Fragment.SequenceNumber,
		FragmentID:         req.Fragment.FragmentID,
		ParentAssetIDs:     []string{translation.AssetID},
		TargetDurationMs:   req.Fragment.Audio.DurationMs,
		OutputSampleRateHz: req.OutputSampleRateHz,
		OutputChannels:     req.OutputChannels,
		VoiceProfile:       req.VoiceProfile,
	})
	result.StageTimings.TTSMs = time.Since(ttsStart).Milliseconds()
	c.observe(c.metricsOrNil(func(m *metrics.Metrics) *prometheus.HistogramVec { return m.TTSStageLatencyMs }), req.Fragment.StreamID, result.StageTimings.TTSMs)
	if err != nil {
		return c.fail(result, start, dubmodel.StageTTS, dubmodel.ErrTTSSynthesisFailed, "tts error", err)
	}
	if audioAsset.Status == dubmodel.StatusFailed {
		return c.failWithAsset(result, start, audioAsset.Error)
	}

	result.Status = dubmodel.StatusSuccess
	if transcript.Status == dubmodel.StatusPartial || translation.Status == dubmodel.StatusPartial || audioAsset.Status == dubmodel.StatusPartial {
		result.Status = dubmodel.StatusPartial
	}
	result.Transcript = transcriptText
	result.TranslatedText = translation.TranslatedText
	result.DubbedAudio = audioAsset.AudioData
	meta := audioAsset.Duration
	result.DurationMetadata = &meta
	result.ProcessingTimeMs = time.Since(start).Milliseconds()
	c.countStatus(req.Fragment.StreamID, result.Status)
	return result
}

func (c *Coordinator) ensureCanonicalFormat(spec dubmodel.AudioSpec) ([]byte, error) {
	if spec.Format == canonicalFormat || spec.Format == "" {
		return spec.DataBytes, nil
	}
	if spec.Format == "pcm_s16le" {
		return pcmS16LEToF32LE(spec.DataBytes), nil
	}
	if c.Transcoder == nil {
		return nil, fmt.Errorf("unsupported audio format (no transcoder configured): %s", spec.Format)
	}
	return c.Transcoder.Transcode(spec.DataBytes, spec.Format)
}

func extractTranscriptText(t *dubmodel.TranscriptAsset) string {
	if t.TotalText != "" {
		return t.TotalText
	}
	text := ""
	for i, seg := range t.Segments {
		if i > 0 {
			text += " "
		}
		text += seg.Text
	}
	return text
}

func (c *Coordinator) fail(result *dubmodel.FragmentResult, start time.Time, stage dubmodel.Stage, code dubmodel.ErrorCode, msg string, err error) *dubmodel.FragmentResult {
	result.Status = dubmodel.StatusFailed
	result.Error = dubmodel.NewProcessingErrorWithRetryable(stage, code, msg, err, stageRetryable(stage))
	result.ProcessingTimeMs = time.Since(start).Milliseconds()
	c.countStatus(result.StreamID, result.Status)
	return result
}

// failWithAsset surfaces a stage's own asset-level error as the
// FragmentResult's error, but forces Retryable to the per-stage wire
// contract of §4.7 (ASR and Translation failures are always retryable,
// TTS failures never are) rather than the stage's own nuanced,
// kind-derived value, which is preserved for the stage's internal use.
func (c *Coordinator) failWithAsset(result *dubmodel.FragmentResult, start time.Time, assetErr *dubmodel.ProcessingError) *dubmodel.FragmentResult {
	result.Status = dubmodel.StatusFailed
	wireErr := *assetErr
	wireErr.Retryable = stageRetryable(assetErr.Stage)
	result.Error = &wireErr
	result.ProcessingTimeMs = time.Since(start).Milliseconds()
	c.countStatus(result.StreamID, result.Status)
	return result
}

// stageRetryable is the §4.7 wire contract: ASR and Translation failures
// are always retryable, TTS failures never are.
func stageRetryable(stage dubmodel.Stage) bool {
	return stage == dubmodel.StageASR || stage == dubmodel.StageTranslation
}

func (c *Coordinator) metricsOrNil(pick func(*metrics.Metrics) *prometheus.HistogramVec) *prometheus.HistogramVec {
	if c.Metrics == nil {
		return nil
	}
	return pick(c.Metrics)
}

func (c *Coordinator) observe(h *prometheus.HistogramVec, streamID string, ms int64) {
	if h == nil {
		return
	}
	h.WithLabelValues(streamID).Observe(float64(ms))
}

func (c *Coordinator) countStatus(streamID string, status dubmodel.AssetStatus) {
	if c.Metrics == nil {
		return
	}
	c.Metrics.FragmentStatusTotal.WithLabelValues(streamID, status.String()).Inc()
}

// EncodeAudioBase64 implements §4.7 step 7's wire encoding of the TTS
// output; callers (stsevents) attach the result to the outbound event.
func EncodeAudioBase64(pcm []byte) string {
	return base64.StdEncoding.EncodeToString(pcm)
}

// DecodeAudioBase64 implements §4.7 step 1's wire decoding of the
// inbound fragment payload.
func DecodeAudioBase64(encoded string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(encoded)
}

func pcmS16LEToF32LE(s16 []byte) []byte {
	n := len(s16) / 2
	out := make([]byte, n*4)
	for i := 0; i < n; i++ {
		v := int16(uint16(s16[i*2]) | uint16(s16[i*2+1])<<8)
		f := float32(v) / 32768.0
		bits := math.Float32bits(f)
		out[i*4] = byte(bits)
		out[i*4+1] = byte(bits >> 8)
		out[i*4+2] = byte(bits >> 16)
		out[i*4+3] = byte(bits >> 24)
	}
	return out
}
