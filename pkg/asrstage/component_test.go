package asrstage

import (
	"context"
	"encoding/binary"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realtime-ai/dubbingworker/pkg/dubmodel"
)

func silentPCM(n int) []byte {
	return make([]byte, n*2)
}

func TestSilenceReturnsSuccessWithEmptySegments(t *testing.T) {
	engine := NewFixedOutputEngine(nil)
	p := NewPipeline(engine)

	asset, err := p.Transcribe(context.Background(), TranscribeRequest{
		AudioBytes:   silentPCM(16000 * 6),
		SampleRateHz: 16000,
		StartTimeMs:  0,
		EndTimeMs:    6000,
		FragmentID:   "f1",
		StreamID:     "s1",
	})
	require.NoError(t, err)
	assert.Equal(t, dubmodel.StatusSuccess, asset.Status)
	assert.Empty(t, asset.Segments)
	assert.Equal(t, "", asset.TotalText)
}

func TestSuccessfulTranscriptionProducesAbsoluteTimestamps(t *testing.T) {
	engine := NewFixedOutputEngine([]RawSegment{
		{Text: "hello world", StartSeconds: 1.0, EndSeconds: 2.0, AvgLogProb: -0.1},
	})
	p := NewPipeline(engine)

	asset, err := p.Transcribe(context.Background(), TranscribeRequest{
		AudioBytes:   silentPCM(16000 * 6),
		SampleRateHz: 16000,
		StartTimeMs:  1000,
		EndTimeMs:    7000,
		FragmentID:   "f1",
		StreamID:     "s1",
	})
	require.NoError(t, err)
	assert.Equal(t, dubmodel.StatusSuccess, asset.Status)
	require.Len(t, asset.Segments, 1)
	assert.Equal(t, int64(2000), asset.Segments[0].StartMs)
	assert.Equal(t, int64(3000), asset.Segments[0].EndMs)
	assert.Equal(t, "hello world", asset.TotalText)
}

func TestFailedInferenceReturnsFailedStatus(t *testing.T) {
	engine := NewFailOnceEngine(nil, errors.New("boom"), 1)
	p := NewPipeline(engine)

	asset, err := p.Transcribe(context.Background(), TranscribeRequest{
		AudioBytes:   silentPCM(16000),
		SampleRateHz: 16000,
		EndTimeMs:    1000,
		FragmentID:   "f1",
		StreamID:     "s1",
	})
	require.NoError(t, err)
	assert.Equal(t, dubmodel.StatusFailed, asset.Status)
	require.NotNil(t, asset.Error)
	assert.Equal(t, dubmodel.ErrASRFailed, asset.Error.Code)
	assert.True(t, asset.Error.Retryable, "inference failure maps to ASRUnknown, which is retryable")
}

type stubVADGate struct {
	speech bool
	err    error
}

func (g stubVADGate) IsSpeech(pcm []float32) (bool, error) { return g.speech, g.err }
func (g stubVADGate) Close()                               {}

func TestVADGateSkipsInferenceWhenNoSpeech(t *testing.T) {
	engine := NewFixedOutputEngine([]RawSegment{{Text: "should not surface", StartSeconds: 0, EndSeconds: 1}})
	p := NewPipeline(engine).WithVADGate(stubVADGate{speech: false})

	asset, err := p.Transcribe(context.Background(), TranscribeRequest{
		AudioBytes:   silentPCM(16000),
		SampleRateHz: 16000,
		EndTimeMs:    1000,
		FragmentID:   "f1",
		StreamID:     "s1",
	})
	require.NoError(t, err)
	assert.Equal(t, dubmodel.StatusSuccess, asset.Status)
	assert.Empty(t, asset.Segments)
}

func TestVADGateErrorFailsTheFragment(t *testing.T) {
	engine := NewFixedOutputEngine(nil)
	p := NewPipeline(engine).WithVADGate(stubVADGate{err: errors.New("model unavailable")})

	asset, err := p.Transcribe(context.Background(), TranscribeRequest{
		AudioBytes:   silentPCM(16000),
		SampleRateHz: 16000,
		EndTimeMs:    1000,
		FragmentID:   "f1",
		StreamID:     "s1",
	})
	require.NoError(t, err)
	assert.Equal(t, dubmodel.StatusFailed, asset.Status)
	assert.Equal(t, dubmodel.ErrASRFailed, asset.Error.Code)
}

func TestDefaultVADGateAlwaysReportsSpeech(t *testing.T) {
	gate, err := NewVADGate(DefaultVADOptions(), 16000)
	require.NoError(t, err)
	defer gate.Close()

	speech, err := gate.IsSpeech(make([]float32, 100))
	require.NoError(t, err)
	assert.True(t, speech)
}

func TestEmptyAudioIsPreprocessingFailure(t *testing.T) {
	engine := NewFixedOutputEngine(nil)
	p := NewPipeline(engine)

	asset, err := p.Transcribe(context.Background(), TranscribeRequest{
		AudioBytes: nil,
		FragmentID: "f1",
		StreamID:   "s1",
	})
	require.NoError(t, err)
	assert.Equal(t, dubmodel.StatusFailed, asset.Status)
	assert.Equal(t, dubmodel.ErrInvalidAudioFormat, asset.Error.Code)
}

func TestConfidenceClamped(t *testing.T) {
	assert.Equal(t, 0.0, Confidence(-2.0))
	assert.Equal(t, 1.0, Confidence(1.0))
	assert.InDelta(t, 0.9, Confidence(-0.1), 0.001)
}

func TestDownmixIfStereoAveragesChannels(t *testing.T) {
	// Two channels with equal values in each frame: downmix should
	// preserve each frame's value.
	raw := make([]byte, 8) // 2 frames, 2 channels, 2 bytes
	binary.LittleEndian.PutUint16(raw[0:2], uint16(int16(1000)))
	binary.LittleEndian.PutUint16(raw[2:4], uint16(int16(1000)))
	binary.LittleEndian.PutUint16(raw[4:6], uint16(int16(-1000)))
	binary.LittleEndian.PutUint16(raw[6:8], uint16(int16(-1000)))

	mono := DownmixIfStereo(raw, 2)
	assert.Len(t, mono, 4)
	assert.Equal(t, int16(1000), int16(binary.LittleEndian.Uint16(mono[0:2])))
	assert.Equal(t, int16(-1000), int16(binary.LittleEndian.Uint16(mono[2:4])))
}

func TestShapeUtterancesMergesShortSegments(t *testing.T) {
	segs := []RawSegment{
		{Text: "Hi.", StartSeconds: 0, EndSeconds: 0.3},
		{Text: "there.", StartSeconds: 0.3, EndSeconds: 0.6},
	}
	out := ShapeUtterances(segs, DefaultShapingConfig())
	require.Len(t, out, 1)
	assert.Equal(t, "Hi. there.", out[0].Text)
}

func TestShapeUtterancesSplitsLongSegmentsOnSentenceTerminator(t *testing.T) {
	segs := []RawSegment{
		{Text: "This is a long sentence. This is another one.", StartSeconds: 0, EndSeconds: 10},
	}
	out := ShapeUtterances(segs, DefaultShapingConfig())
	assert.GreaterOrEqual(t, len(out), 2)
}
