// Package ttsstage implements the TTS Component (spec §4.6): voice
// selection, synthesis, duration-matching (speed factor, time-stretch,
// resample), and status/variance computation.
package ttsstage

import (
	"context"
	"math"
	"time"

	"github.com/asticode/go-astiav"
	"github.com/google/uuid"

	"github.com/realtime-ai/dubbingworker/pkg/audio"
	"github.com/realtime-ai/dubbingworker/pkg/dubmodel"
)

// SynthesizeRequest is the TTS contract's input (§4.6).
type SynthesizeRequest struct {
	TranslatedText   string
	StreamID         string
	SequenceNumber   int64
	FragmentID       string
	ParentAssetIDs   []string
	TargetDurationMs int64 // 0 means no duration matching is attempted.
	OutputSampleRateHz int
	OutputChannels     int
	VoiceProfile       *dubmodel.VoiceProfile
}

// SynthesisResult is what a Backend returns for one synthesize call:
// raw PCM s16le mono audio at the backend's native rate, which the
// Pipeline then time-stretches and resamples.
type SynthesisResult struct {
	PCM        []byte
	SampleRateHz int
}

// Backend is the swappable TTS engine behind the Component contract.
type Backend interface {
	Name() string
	IsReady() bool
	Synthesize(ctx context.Context, text string, profile *dubmodel.VoiceProfile) (SynthesisResult, error)
}

// Component is the TTS contract.
type Component interface {
	IsReady() bool
	Synthesize(ctx context.Context, req SynthesizeRequest) (*dubmodel.AudioAsset, error)
}

// TimeStretcher preserves pitch while changing duration by speedFactor
// (>1 speeds up, <1 slows down). Implementations: external tool primary,
// linear-interpolation fallback (§4.6 step 5).
type TimeStretcher interface {
	Name() string
	Stretch(pcm []byte, sampleRateHz int, speedFactor float64) ([]byte, error)
}

// Pipeline wires voice selection, a Backend, a TimeStretcher, and
// resampling into the full TTS Component.
type Pipeline struct {
	Backend    Backend
	Stretcher  TimeStretcher
}

func NewPipeline(backend Backend, stretcher TimeStretcher) *Pipeline {
	return &Pipeline{Backend: backend, Stretcher: stretcher}
}

func (p *Pipeline) IsReady() bool {
	return p.Backend != nil && p.Backend.IsReady()
}

const defaultSpeedClampMin = 0.5
const defaultSpeedClampMax = 2.0

// speedFactorBounds resolves the effective clamp range from a voice
// profile, falling back to the spec's documented [0.5, 2.0] default
// (§5 glossary "Speed factor").
func speedFactorBounds(profile *dubmodel.VoiceProfile) (min, max float64, onlySpeedUp bool) {
	min, max = defaultSpeedClampMin, defaultSpeedClampMax
	if profile == nil {
		return min, max, false
	}
	if profile.SpeedClampMin > 0 {
		min = profile.SpeedClampMin
	}
	if profile.SpeedClampMax > 0 {
		max = profile.SpeedClampMax
	}
	return min, max, profile.OnlySpeedUp
}

// Synthesize executes the full §4.6 pipeline: select a voice, call the
// backend, apply the duration-matching algorithm, and resample to the
// requested output format.
func (p *Pipeline) Synthesize(ctx context.Context, req SynthesizeRequest) (*dubmodel.AudioAsset, error) {
	asset := &dubmodel.AudioAsset{
		AssetBase: dubmodel.AssetBase{
			AssetID:        uuid.NewString(),
			FragmentID:     req.FragmentID,
			StreamID:       req.StreamID,
			ParentAssetIDs: req.ParentAssetIDs,
			CreatedAt:      time.Now(),
		},
		SampleRateHz: req.OutputSampleRateHz,
		Channels:     req.OutputChannels,
	}
	start := time.Now()

	if req.TranslatedText == "" {
		asset.Status = dubmodel.StatusFailed
		asset.Error = dubmodel.NewProcessingErrorWithRetryable(dubmodel.StageTTS, dubmodel.ErrTTSSynthesisFailed, "empty translated text", nil, dubmodel.TTSInvalidInput.Retryable())
		asset.LatencyMs = time.Since(start).Milliseconds()
		return asset, nil
	}

	if err := validateVoiceProfile(req.VoiceProfile); err != nil {
		asset.Status = dubmodel.StatusFailed
		asset.Error = dubmodel.NewProcessingErrorWithRetryable(dubmodel.StageTTS, dubmodel.ErrInvalidVoiceProfile, err.Error(), nil, dubmodel.TTSVoiceSampleInvalid.Retryable())
		asset.LatencyMs = time.Since(start).Milliseconds()
		return asset, nil
	}

	result, err := p.Backend.Synthesize(ctx, req.TranslatedText, req.VoiceProfile)
	if err != nil {
		asset.Status = dubmodel.StatusFailed
		asset.Error = dubmodel.NewProcessingErrorWithRetryable(dubmodel.StageTTS, dubmodel.ErrTTSSynthesisFailed, "tts synthesis error", err, dubmodel.TTSSynthesisFailed.Retryable())
		asset.LatencyMs = time.Since(start).Milliseconds()
		return asset, nil
	}

	rawDurationMs := pcmDurationMs(len(result.PCM), result.SampleRateHz, 1)

	pcm := result.PCM
	sourceRate := result.SampleRateHz
	meta := dubmodel.DurationMatchMetadata{
		RawDurationMs: rawDurationMs,
	}

	if req.TargetDurationMs > 0 {
		meta.OriginalDurationMs = req.TargetDurationMs
		speedFactor := float64(rawDurationMs) / float64(req.TargetDurationMs)

		clampMin, clampMax, onlySpeedUp := speedFactorBounds(req.VoiceProfile)
		if onlySpeedUp && clampMin < 1.0 {
			clampMin = 1.0
		}
		clamped := false
		effective := speedFactor
		if effective < clampMin {
			effective = clampMin
			clamped = true
		}
		if effective > clampMax {
			effective = clampMax
			clamped = true
		}
		meta.SpeedRatio = effective
		meta.SpeedClamped = clamped

		if math.Abs(effective-1.0) >= 0.01 {
			stretched, serr := p.stretch(pcm, sourceRate, effective)
			if serr != nil {
				asset.Status = dubmodel.StatusFailed
				asset.Error = dubmodel.NewProcessingErrorWithRetryable(dubmodel.StageTTS, dubmodel.ErrDurationMismatchExceeded, "time-stretch failed", serr, dubmodel.TTSAlignmentFailed.Retryable())
				asset.LatencyMs = time.Since(start).Milliseconds()
				return asset, nil
			}
			pcm = stretched
		}
	} else {
		meta.SpeedRatio = 1.0
	}

	finalDurationMs := pcmDurationMs(len(pcm), sourceRate, 1)
	meta.FinalDurationMs = finalDurationMs

	if req.TargetDurationMs > 0 {
		meta.DurationVariancePct = math.Abs(float64(finalDurationMs)-float64(req.TargetDurationMs)) / float64(req.TargetDurationMs) * 100
	}

	outRate := req.OutputSampleRateHz
	if outRate == 0 {
		outRate = sourceRate
	}
	if outRate != sourceRate {
		resampled, rerr := resampleMono(pcm, sourceRate, outRate)
		if rerr != nil {
			asset.Status = dubmodel.StatusFailed
			asset.Error = dubmodel.NewProcessingErrorWithRetryable(dubmodel.StageTTS, dubmodel.ErrTTSSynthesisFailed, "output resample failed", rerr, dubmodel.TTSUnknown.Retryable())
			asset.LatencyMs = time.Since(start).Milliseconds()
			return asset, nil
		}
		pcm = resampled
	}

	outChannels := req.OutputChannels
	if outChannels == 0 {
		outChannels = 1
	}
	if outChannels == 2 {
		pcm = upmixToStereo(pcm)
	}

	asset.AudioData = pcm
	asset.SampleRateHz = outRate
	asset.Channels = outChannels
	asset.Duration = meta
	asset.Status = classifyStatus(meta, req.TargetDurationMs > 0)
	asset.LatencyMs = time.Since(start).Milliseconds()
	return asset, nil
}

func (p *Pipeline) stretch(pcm []byte, sampleRateHz int, speedFactor float64) ([]byte, error) {
	if p.Stretcher != nil {
		return p.Stretcher.Stretch(pcm, sampleRateHz, speedFactor)
	}
	return LinearInterpolationStretch(pcm, speedFactor)
}

// classifyStatus implements §4.6's Success/Partial/Failed rules.
func classifyStatus(meta dubmodel.DurationMatchMetadata, durationMatchRequested bool) dubmodel.AssetStatus {
	if !durationMatchRequested {
		return dubmodel.StatusSuccess
	}
	if meta.DurationVariancePct > 20 {
		return dubmodel.StatusFailed
	}
	if meta.SpeedClamped || meta.DurationVariancePct > 10 {
		return dubmodel.StatusPartial
	}
	return dubmodel.StatusSuccess
}

func pcmDurationMs(byteLen, sampleRateHz, channels int) int64 {
	if sampleRateHz == 0 {
		return 0
	}
	samples := byteLen / 2 / channels
	return int64(float64(samples) / float64(sampleRateHz) * 1000)
}

// resampleMono wraps pkg/audio's astiav-backed resampler for the output
// sample-rate-conversion step of §4.6 step 6 (mono s16le throughout;
// upmix to stereo, if requested, happens after this call).
func resampleMono(pcm []byte, inRate, outRate int) ([]byte, error) {
	if len(pcm) == 0 {
		return pcm, nil
	}
	r, err := audio.NewResample(inRate, outRate, astiav.ChannelLayoutMono, astiav.ChannelLayoutMono)
	if err != nil {
		return nil, err
	}
	defer r.Free()
	return r.Resample(pcm)
}

// upmixToStereo duplicates each mono s16le sample into both channels.
func upmixToStereo(mono []byte) []byte {
	out := make([]byte, len(mono)*2)
	for i := 0; i+1 < len(mono); i += 2 {
		copy(out[i*2:i*2+2], mono[i:i+2])
		copy(out[i*2+2:i*2+4], mono[i:i+2])
	}
	return out
}
