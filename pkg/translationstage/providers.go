package translationstage

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"
	"google.golang.org/genai"
)

// OpenAIBackend translates via the Chat Completions API, adapted from
// pkg/elements.TranslateElement's OpenAI branch.
type OpenAIBackend struct {
	client *openai.Client
	model  string
	systemPrompt string
}

func NewOpenAIBackend(apiKey, model, systemPrompt string) *OpenAIBackend {
	if model == "" {
		model = "gpt-4o-mini"
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return &OpenAIBackend{client: &client, model: model, systemPrompt: systemPrompt}
}

func (b *OpenAIBackend) Name() string  { return "openai" }
func (b *OpenAIBackend) IsReady() bool { return b.client != nil }

func (b *OpenAIBackend) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	prompt := b.systemPrompt
	if prompt == "" {
		prompt = fmt.Sprintf("Translate the following text from %s to %s. Reply with only the translated text, no commentary.", sourceLang, targetLang)
	}

	resp, err := b.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(b.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(prompt),
			openai.UserMessage(text),
		},
	})
	if err != nil {
		return "", fmt.Errorf("openai translate: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai translate: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

// GeminiBackend translates via Gemini, adapted from
// pkg/elements.TranslateElement's Gemini branch.
type GeminiBackend struct {
	client *genai.Client
	model  string
}

func NewGeminiBackend(client *genai.Client, model string) *GeminiBackend {
	if model == "" {
		model = "gemini-2.0-flash-exp"
	}
	return &GeminiBackend{client: client, model: model}
}

func (b *GeminiBackend) Name() string  { return "gemini" }
func (b *GeminiBackend) IsReady() bool { return b.client != nil }

func (b *GeminiBackend) Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error) {
	prompt := fmt.Sprintf("Translate the following text from %s to %s. Reply with only the translated text:\n\n%s", sourceLang, targetLang, text)
	resp, err := b.client.Models.GenerateContent(ctx, b.model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("gemini translate: %w", err)
	}
	return resp.Text(), nil
}
