package ttsstage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/realtime-ai/dubbingworker/pkg/dubmodel"
)

const (
	openAITTSEndpoint  = "https://api.openai.com/v1/audio/speech"
	openAIDefaultModel = "gpt-4o-mini-tts"
	openAISampleRateHz = 24000
)

// openAITTSRequest mirrors pkg/tts.OpenAITTSRequest's wire shape.
type openAITTSRequest struct {
	Model          string `json:"model"`
	Input          string `json:"input"`
	Voice          string `json:"voice"`
	ResponseFormat string `json:"response_format,omitempty"`
}

// OpenAIBackend synthesizes raw PCM via OpenAI's TTS API, adapted from
// pkg/tts.OpenAITTSProvider's non-streaming Synthesize path.
type OpenAIBackend struct {
	apiKey     string
	model      string
	httpClient *http.Client
}

func NewOpenAIBackend(apiKey string) *OpenAIBackend {
	return &OpenAIBackend{
		apiKey:     apiKey,
		model:      openAIDefaultModel,
		httpClient: &http.Client{},
	}
}

func (b *OpenAIBackend) Name() string  { return "openai" }
func (b *OpenAIBackend) IsReady() bool { return b.apiKey != "" }

func (b *OpenAIBackend) Synthesize(ctx context.Context, text string, profile *dubmodel.VoiceProfile) (SynthesisResult, error) {
	if b.apiKey == "" {
		return SynthesisResult{}, fmt.Errorf("OpenAI API key is not set")
	}

	voice := resolveSpeakerName(profile)
	payload := openAITTSRequest{
		Model:          b.model,
		Input:          text,
		Voice:          voice,
		ResponseFormat: "pcm",
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return SynthesisResult{}, fmt.Errorf("marshal tts request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", openAITTSEndpoint, bytes.NewReader(body))
	if err != nil {
		return SynthesisResult{}, fmt.Errorf("build tts request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+b.apiKey)

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return SynthesisResult{}, fmt.Errorf("tts request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return SynthesisResult{}, fmt.Errorf("tts request failed with status %d: %s", resp.StatusCode, string(respBody))
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return SynthesisResult{}, fmt.Errorf("reading tts response: %w", err)
	}

	return SynthesisResult{PCM: pcm, SampleRateHz: openAISampleRateHz}, nil
}

var _ Backend = (*OpenAIBackend)(nil)
