//go:build vad

package asrstage

import (
	"fmt"

	"github.com/streamer45/silero-vad-go/speech"
)

func init() {
	newVADGate = newSileroVADGate
}

// sileroVADGate backs VADGate with the real ONNX Silero model, adapted
// from pkg/elements.SileroVADElement's detector lifecycle.
type sileroVADGate struct {
	detector *speech.Detector
}

func newSileroVADGate(opts VADOptions, sampleRateHz int) (VADGate, error) {
	if opts.ModelPath == "" {
		return nil, fmt.Errorf("asrstage: VAD model path not configured")
	}
	threshold := opts.Threshold
	if threshold == 0 {
		threshold = DefaultVADOptions().Threshold
	}
	detector, err := speech.NewDetector(speech.DetectorConfig{
		ModelPath:            opts.ModelPath,
		SampleRate:           sampleRateHz,
		Threshold:            float32(threshold),
		MinSilenceDurationMs: opts.MinSilenceMs,
		SpeechPadMs:          opts.SpeechPadMs,
	})
	if err != nil {
		return nil, fmt.Errorf("asrstage: silero VAD detector: %w", err)
	}
	return &sileroVADGate{detector: detector}, nil
}

func (g *sileroVADGate) IsSpeech(pcm []float32) (bool, error) {
	segments, err := g.detector.Detect(pcm)
	if err != nil {
		return false, err
	}
	return len(segments) > 0, nil
}

func (g *sileroVADGate) Close() {
	g.detector.Destroy()
}
