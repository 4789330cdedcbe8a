package asrstage

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"log"
	"os"

	"github.com/sashabaranov/go-openai"
)

// WhisperEngine implements InferenceEngine using OpenAI's Whisper API,
// adapted from pkg/asr.WhisperProvider.
type WhisperEngine struct {
	client *openai.Client
	model  string
}

// NewWhisperEngine creates a Whisper-backed InferenceEngine. apiKey may
// be empty to pick up OPENAI_API_KEY from the environment.
func NewWhisperEngine(apiKey, model string) (*WhisperEngine, error) {
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("asrstage: OpenAI API key required")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL := os.Getenv("OPENAI_BASE_URL"); baseURL != "" {
		cfg.BaseURL = baseURL
		log.Printf("[asrstage] using BaseURL: %s", cfg.BaseURL)
	}
	if model == "" {
		model = string(openai.Whisper1)
	}
	return &WhisperEngine{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}, nil
}

func (w *WhisperEngine) Name() string { return "openai-whisper" }

func (w *WhisperEngine) IsReady() bool { return w.client != nil }

// Infer sends preprocessed float32 mono 16kHz samples to Whisper as a
// WAV file and maps the verbose JSON response into RawSegments.
func (w *WhisperEngine) Infer(ctx context.Context, samples []float32, opts InferOptions) (InferResult, error) {
	wavBytes := floatSamplesToWAV(samples, 16000)

	req := openai.AudioRequest{
		Model:    w.model,
		FilePath: "fragment.wav",
		Reader:   bytes.NewReader(wavBytes),
		Prompt:   opts.Prompt,
		Language: opts.Language,
		Format:   openai.AudioResponseFormatVerboseJSON,
	}

	resp, err := w.client.CreateTranscription(ctx, req)
	if err != nil {
		return InferResult{}, fmt.Errorf("whisper transcription: %w", err)
	}

	var segments []RawSegment
	for _, s := range resp.Segments {
		segments = append(segments, RawSegment{
			Text:         s.Text,
			StartSeconds: s.Start,
			EndSeconds:   s.End,
			AvgLogProb:   s.AvgLogprob,
		})
	}
	if len(segments) == 0 && resp.Text != "" {
		segments = append(segments, RawSegment{Text: resp.Text, StartSeconds: 0, EndSeconds: 0})
	}
	return InferResult{Segments: segments}, nil
}

// floatSamplesToWAV encodes float32 [-1,1] samples as a 16-bit mono WAV
// container, matching the PCM conversion pkg/asr.convertPCMToWAV performs.
func floatSamplesToWAV(samples []float32, sampleRate int) []byte {
	dataSize := len(samples) * 2
	buf := new(bytes.Buffer)

	buf.WriteString("RIFF")
	binary.Write(buf, binary.LittleEndian, uint32(36+dataSize))
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	binary.Write(buf, binary.LittleEndian, uint32(16))
	binary.Write(buf, binary.LittleEndian, uint16(1)) // PCM
	binary.Write(buf, binary.LittleEndian, uint16(1)) // mono
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate))
	binary.Write(buf, binary.LittleEndian, uint32(sampleRate*2))
	binary.Write(buf, binary.LittleEndian, uint16(2))
	binary.Write(buf, binary.LittleEndian, uint16(16))
	buf.WriteString("data")
	binary.Write(buf, binary.LittleEndian, uint32(dataSize))

	for _, s := range samples {
		v := int16(clampFloat(s, -1, 1) * 32767)
		binary.Write(buf, binary.LittleEndian, v)
	}
	return buf.Bytes()
}

func clampFloat(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
