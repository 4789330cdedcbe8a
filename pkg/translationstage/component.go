// Package translationstage implements the Translation Component (spec
// §4.5): speaker detection/removal, pre-translation normalization, the
// translate call itself, and TTS-oriented post-translation cleanup.
package translationstage

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/realtime-ai/dubbingworker/pkg/dubmodel"
)

// SpeakerPolicy controls speaker-label detection and removal (§4.5
// step 1).
type SpeakerPolicy struct {
	DetectAndRemove bool
	DefaultSpeaker  string
}

func DefaultSpeakerPolicy() SpeakerPolicy {
	return SpeakerPolicy{DetectAndRemove: true, DefaultSpeaker: "default"}
}

// NormalizationPolicy toggles each pre-translation normalization rule
// independently (§4.5 step 2).
type NormalizationPolicy struct {
	TimePhrases        bool
	HyphenatedWords     bool
	Abbreviations       bool
	Symbols             bool
}

func DefaultNormalizationPolicy() NormalizationPolicy {
	return NormalizationPolicy{
		TimePhrases:     true,
		HyphenatedWords: true,
		Abbreviations:   true,
		Symbols:         true,
	}
}

// TranslateRequest is the Translation contract's input (§4.5).
type TranslateRequest struct {
	SourceText          string
	StreamID            string
	SequenceNumber      int64
	FragmentID          string
	SourceLanguage      string
	TargetLanguage      string
	ParentAssetIDs      []string
	SpeakerPolicy       SpeakerPolicy
	NormalizationPolicy NormalizationPolicy
	CleanupForTTS       bool
	FallbackToSourceOnError bool
}

// ProviderBackend is the swappable translation backend (OpenAI, Gemini,
// mocks, ...) behind the Component contract.
type ProviderBackend interface {
	Name() string
	IsReady() bool
	Translate(ctx context.Context, text, sourceLang, targetLang string) (string, error)
}

// Component is the Translation contract.
type Component interface {
	IsReady() bool
	Translate(ctx context.Context, req TranslateRequest) (*dubmodel.TranslationAsset, error)
}

// AllowedLanguagePairs restricts which (source,target) pairs are
// accepted. An empty set means all pairs are accepted (§4.5).
type AllowedLanguagePairs map[[2]string]bool

// Pipeline wires speaker detection, normalization, a ProviderBackend,
// and TTS cleanup into the full Translation Component.
type Pipeline struct {
	Backend        ProviderBackend
	AllowedPairs   AllowedLanguagePairs
}

func NewPipeline(backend ProviderBackend, allowed AllowedLanguagePairs) *Pipeline {
	return &Pipeline{Backend: backend, AllowedPairs: allowed}
}

func (p *Pipeline) IsReady() bool {
	return p.Backend != nil && p.Backend.IsReady()
}

func (p *Pipeline) pairAllowed(src, tgt string) bool {
	if len(p.AllowedPairs) == 0 {
		return true
	}
	return p.AllowedPairs[[2]string{src, tgt}]
}

// Translate executes the full §4.5 pipeline.
func (p *Pipeline) Translate(ctx context.Context, req TranslateRequest) (*dubmodel.TranslationAsset, error) {
	asset := &dubmodel.TranslationAsset{
		AssetBase: dubmodel.AssetBase{
			AssetID:        uuid.NewString(),
			FragmentID:     req.FragmentID,
			StreamID:       req.StreamID,
			ParentAssetIDs: req.ParentAssetIDs,
			CreatedAt:      time.Now(),
		},
		SourceLanguage: req.SourceLanguage,
		TargetLanguage: req.TargetLanguage,
	}
	start := time.Now()

	if !p.pairAllowed(req.SourceLanguage, req.TargetLanguage) {
		asset.Status = dubmodel.StatusFailed
		asset.Error = dubmodel.NewProcessingErrorWithRetryable(dubmodel.StageTranslation, dubmodel.ErrUnsupportedLanguage, "unsupported language pair", nil, dubmodel.TranslationUnsupportedLanguagePair.Retryable())
		asset.LatencyMs = time.Since(start).Milliseconds()
		return asset, nil
	}

	text := req.SourceText
	speaker := req.SpeakerPolicy.DefaultSpeaker
	if speaker == "" {
		speaker = "default"
	}
	if req.SpeakerPolicy.DetectAndRemove {
		detectedSpeaker, stripped, ok := DetectAndRemoveSpeaker(text)
		if ok {
			speaker = detectedSpeaker
			text = stripped
		}
	}
	asset.SpeakerName = speaker

	normalized := Normalize(text, req.NormalizationPolicy)
	asset.NormalizedText = normalized

	if normalized == "" {
		asset.Status = dubmodel.StatusSuccess
		asset.TranslatedText = ""
		asset.Warnings = append(asset.Warnings, "empty input after preprocessing")
		asset.LatencyMs = time.Since(start).Milliseconds()
		return asset, nil
	}

	translated, err := p.Backend.Translate(ctx, normalized, req.SourceLanguage, req.TargetLanguage)
	if err != nil {
		if req.FallbackToSourceOnError {
			asset.TranslatedText = normalized
			asset.Warnings = append(asset.Warnings, "translation failed, fell back to source text")
		}
		asset.Status = dubmodel.StatusFailed
		asset.Error = dubmodel.NewProcessingErrorWithRetryable(dubmodel.StageTranslation, dubmodel.ErrTranslationFailed, "translation provider error", err, dubmodel.TranslationProviderError.Retryable())
		asset.LatencyMs = time.Since(start).Milliseconds()
		return asset, nil
	}

	if req.CleanupForTTS {
		translated = CleanupForTTS(translated)
	}

	asset.TranslatedText = translated
	asset.Status = dubmodel.StatusSuccess
	asset.LatencyMs = time.Since(start).Milliseconds()
	return asset, nil
}
