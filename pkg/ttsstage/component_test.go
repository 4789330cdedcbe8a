package ttsstage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realtime-ai/dubbingworker/pkg/dubmodel"
)

func TestSynthesizeWithoutDurationTargetSucceeds(t *testing.T) {
	backend := NewFixedOutputBackend(silencePCM(16000), 16000)
	p := NewPipeline(backend, nil)

	asset, err := p.Synthesize(context.Background(), SynthesizeRequest{
		TranslatedText:     "hello world",
		FragmentID:         "f1",
		StreamID:           "s1",
		OutputSampleRateHz: 16000,
		OutputChannels:     1,
	})
	require.NoError(t, err)
	assert.Equal(t, dubmodel.StatusSuccess, asset.Status)
	assert.Equal(t, 16000, asset.SampleRateHz)
	assert.Equal(t, 1, asset.Channels)
}

func TestSynthesizeSkipsStretchWithinOnePercent(t *testing.T) {
	// 1 second of audio at 16kHz, target duration also 1000ms: speed
	// factor is exactly 1.0, stretch should be skipped (§4.6 step 4).
	backend := NewFixedOutputBackend(silencePCM(16000), 16000)
	p := NewPipeline(backend, nil)

	asset, err := p.Synthesize(context.Background(), SynthesizeRequest{
		TranslatedText:     "hello world",
		FragmentID:         "f1",
		StreamID:           "s1",
		TargetDurationMs:   1000,
		OutputSampleRateHz: 16000,
		OutputChannels:     1,
	})
	require.NoError(t, err)
	assert.Equal(t, dubmodel.StatusSuccess, asset.Status)
	assert.Equal(t, int64(16000*2), int64(len(asset.AudioData)))
	assert.False(t, asset.Duration.SpeedClamped)
}

func TestSynthesizeAppliesSpeedUpWithinClampRange(t *testing.T) {
	// 2 seconds of raw audio, target 1.5s: speed_factor = 2/1.5 = 1.333,
	// within the default [0.5, 2.0] clamp range, so no clamping occurs.
	backend := NewFixedOutputBackend(silencePCM(32000), 16000)
	p := NewPipeline(backend, nil)

	asset, err := p.Synthesize(context.Background(), SynthesizeRequest{
		TranslatedText:     "hello world, this needs to be shorter",
		FragmentID:         "f1",
		StreamID:           "s1",
		TargetDurationMs:   1500,
		OutputSampleRateHz: 16000,
		OutputChannels:     1,
	})
	require.NoError(t, err)
	assert.Equal(t, dubmodel.StatusSuccess, asset.Status)
	assert.False(t, asset.Duration.SpeedClamped)
	assert.InDelta(t, 1.333, asset.Duration.SpeedRatio, 0.01)
}

func TestSynthesizeClampsExtremeSpeedFactorToFailed(t *testing.T) {
	// 10 seconds raw, target 1 second: speed_factor = 10, clamped to 2.0
	// -> final duration still far outside target, variance exceeds 20%.
	backend := NewFixedOutputBackend(silencePCM(160000), 16000)
	p := NewPipeline(backend, nil)

	profile := &dubmodel.VoiceProfile{SpeedClampMin: 0.5, SpeedClampMax: 2.0}
	asset, err := p.Synthesize(context.Background(), SynthesizeRequest{
		TranslatedText:     "a very long sentence that takes far too long to say",
		FragmentID:         "f1",
		StreamID:           "s1",
		TargetDurationMs:   1000,
		OutputSampleRateHz: 16000,
		OutputChannels:     1,
		VoiceProfile:       profile,
	})
	require.NoError(t, err)
	assert.True(t, asset.Duration.SpeedClamped)
	assert.Equal(t, dubmodel.StatusFailed, asset.Status)
}

func TestOnlySpeedUpRaisesFloorToOne(t *testing.T) {
	// Raw shorter than target (speed_factor < 1) with only_speed_up set
	// should clamp the floor to 1.0, i.e. never slow down.
	backend := NewFixedOutputBackend(silencePCM(8000), 16000)
	p := NewPipeline(backend, nil)

	profile := &dubmodel.VoiceProfile{OnlySpeedUp: true}
	asset, err := p.Synthesize(context.Background(), SynthesizeRequest{
		TranslatedText:     "short",
		FragmentID:         "f1",
		StreamID:           "s1",
		TargetDurationMs:   2000,
		OutputSampleRateHz: 16000,
		OutputChannels:     1,
		VoiceProfile:       profile,
	})
	require.NoError(t, err)
	assert.Equal(t, 1.0, asset.Duration.SpeedRatio)
	assert.True(t, asset.Duration.SpeedClamped)
}

func TestSynthesisFailureReturnsFailedAsset(t *testing.T) {
	backend := NewFixedOutputBackend(nil, 16000)
	backend.Err = errors.New("engine crashed")
	p := NewPipeline(backend, nil)

	asset, err := p.Synthesize(context.Background(), SynthesizeRequest{
		TranslatedText:     "hello",
		FragmentID:         "f1",
		StreamID:           "s1",
		OutputSampleRateHz: 16000,
		OutputChannels:     1,
	})
	require.NoError(t, err)
	assert.Equal(t, dubmodel.StatusFailed, asset.Status)
	assert.Equal(t, dubmodel.ErrTTSSynthesisFailed, asset.Error.Code)
}

func TestEmptyTranslatedTextFails(t *testing.T) {
	backend := NewFixedOutputBackend(silencePCM(16000), 16000)
	p := NewPipeline(backend, nil)

	asset, err := p.Synthesize(context.Background(), SynthesizeRequest{
		TranslatedText:     "",
		FragmentID:         "f1",
		StreamID:           "s1",
		OutputSampleRateHz: 16000,
		OutputChannels:     1,
	})
	require.NoError(t, err)
	assert.Equal(t, dubmodel.StatusFailed, asset.Status)
}

func TestVoiceCloningWithoutSampleIsRejected(t *testing.T) {
	backend := NewFixedOutputBackend(silencePCM(16000), 16000)
	p := NewPipeline(backend, nil)

	profile := &dubmodel.VoiceProfile{UseVoiceCloning: true}
	asset, err := p.Synthesize(context.Background(), SynthesizeRequest{
		TranslatedText:     "hello",
		FragmentID:         "f1",
		StreamID:           "s1",
		OutputSampleRateHz: 16000,
		OutputChannels:     1,
		VoiceProfile:       profile,
	})
	require.NoError(t, err)
	assert.Equal(t, dubmodel.StatusFailed, asset.Status)
	assert.Equal(t, dubmodel.ErrInvalidVoiceProfile, asset.Error.Code)
}

func TestFastModeDisablesCloningRequirement(t *testing.T) {
	backend := NewFixedOutputBackend(silencePCM(16000), 16000)
	p := NewPipeline(backend, nil)

	profile := &dubmodel.VoiceProfile{UseVoiceCloning: true, FastMode: true}
	asset, err := p.Synthesize(context.Background(), SynthesizeRequest{
		TranslatedText:     "hello",
		FragmentID:         "f1",
		StreamID:           "s1",
		OutputSampleRateHz: 16000,
		OutputChannels:     1,
		VoiceProfile:       profile,
	})
	require.NoError(t, err)
	assert.Equal(t, dubmodel.StatusSuccess, asset.Status)
}

func TestStereoUpmixDoublesByteLength(t *testing.T) {
	mono := silencePCM(100)
	stereo := upmixToStereo(mono)
	assert.Len(t, stereo, len(mono)*2)
}

func TestLinearInterpolationStretchChangesLength(t *testing.T) {
	pcm := silencePCM(1000)
	out, err := LinearInterpolationStretch(pcm, 2.0)
	require.NoError(t, err)
	assert.InDelta(t, 500, len(out)/2, 2)
}

func TestValidateVoiceSampleRejectsStereoAndShortClips(t *testing.T) {
	assert.Error(t, ValidateVoiceSample(16000, 2, 5))
	assert.Error(t, ValidateVoiceSample(8000, 1, 5))
	assert.Error(t, ValidateVoiceSample(16000, 1, 1))
	assert.NoError(t, ValidateVoiceSample(16000, 1, 5))
}
