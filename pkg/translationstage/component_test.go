package translationstage

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/realtime-ai/dubbingworker/pkg/dubmodel"
)

func TestTranslateHappyPath(t *testing.T) {
	backend := NewFixedOutputBackend("Bonjour le monde")
	p := NewPipeline(backend, nil)

	asset, err := p.Translate(context.Background(), TranslateRequest{
		SourceText:          "Hello world",
		SourceLanguage:      "en",
		TargetLanguage:      "fr",
		FragmentID:          "f1",
		StreamID:            "s1",
		SpeakerPolicy:       DefaultSpeakerPolicy(),
		NormalizationPolicy: DefaultNormalizationPolicy(),
	})
	require.NoError(t, err)
	assert.Equal(t, dubmodel.StatusSuccess, asset.Status)
	assert.Equal(t, "Bonjour le monde", asset.TranslatedText)
	assert.Equal(t, "default", asset.SpeakerName)
}

func TestSpeakerDetectionRoundTrip(t *testing.T) {
	// §8 invariant 10: detect+remove followed by concatenation with the
	// detected speaker yields the original text.
	original := "Alice: welcome back to the broadcast"
	speaker, stripped, ok := DetectAndRemoveSpeaker(original)
	require.True(t, ok)
	assert.Equal(t, "Alice", speaker)
	assert.Equal(t, original, ReattachSpeaker(speaker, stripped))
}

func TestSpeakerDetectionRejectsFalsePositive(t *testing.T) {
	_, _, ok := DetectAndRemoveSpeaker("Time: running out on the clock")
	assert.False(t, ok)
}

func TestNormalizeIsIdempotent(t *testing.T) {
	// §8 invariant 11: normalize(normalize(x)) = normalize(x).
	policy := DefaultNormalizationPolicy()
	text := "The NFL game at 3:00 PM featured a TEN-YARD gain & a 50% completion rate."
	once := Normalize(text, policy)
	twice := Normalize(once, policy)
	assert.Equal(t, once, twice)
}

func TestEmptyInputAfterPreprocessingSucceeds(t *testing.T) {
	backend := NewFixedOutputBackend("should not be called")
	p := NewPipeline(backend, nil)

	policy := DefaultSpeakerPolicy()
	asset, err := p.Translate(context.Background(), TranslateRequest{
		SourceText:          "Alice: ",
		SourceLanguage:      "en",
		TargetLanguage:      "fr",
		FragmentID:          "f1",
		StreamID:            "s1",
		SpeakerPolicy:       policy,
		NormalizationPolicy: DefaultNormalizationPolicy(),
	})
	require.NoError(t, err)
	assert.Equal(t, dubmodel.StatusSuccess, asset.Status)
	assert.Equal(t, "", asset.TranslatedText)
	assert.Contains(t, asset.Warnings, "empty input after preprocessing")
}

func TestFallbackToSourceOnTranslationError(t *testing.T) {
	backend := NewFixedOutputBackend("")
	backend.Err = errors.New("provider unavailable")
	p := NewPipeline(backend, nil)

	asset, err := p.Translate(context.Background(), TranslateRequest{
		SourceText:              "Hello world",
		SourceLanguage:          "en",
		TargetLanguage:          "fr",
		FragmentID:               "f1",
		StreamID:                 "s1",
		SpeakerPolicy:            DefaultSpeakerPolicy(),
		NormalizationPolicy:      DefaultNormalizationPolicy(),
		FallbackToSourceOnError:  true,
	})
	require.NoError(t, err)
	assert.Equal(t, dubmodel.StatusFailed, asset.Status)
	assert.Equal(t, "Hello world", asset.TranslatedText)
	require.NotNil(t, asset.Error)
	assert.Equal(t, dubmodel.ErrTranslationFailed, asset.Error.Code)
}

func TestNoFallbackLeavesTranslatedTextEmptyOnError(t *testing.T) {
	backend := NewFixedOutputBackend("")
	backend.Err = errors.New("provider unavailable")
	p := NewPipeline(backend, nil)

	asset, err := p.Translate(context.Background(), TranslateRequest{
		SourceText:          "Hello world",
		SourceLanguage:      "en",
		TargetLanguage:      "fr",
		FragmentID:          "f1",
		StreamID:            "s1",
		SpeakerPolicy:       DefaultSpeakerPolicy(),
		NormalizationPolicy: DefaultNormalizationPolicy(),
	})
	require.NoError(t, err)
	assert.Equal(t, dubmodel.StatusFailed, asset.Status)
	assert.Equal(t, "", asset.TranslatedText)
}

func TestUnsupportedLanguagePairRejected(t *testing.T) {
	backend := NewFixedOutputBackend("not used")
	allowed := AllowedLanguagePairs{{"en", "fr"}: true}
	p := NewPipeline(backend, allowed)

	asset, err := p.Translate(context.Background(), TranslateRequest{
		SourceText:          "Hello world",
		SourceLanguage:      "en",
		TargetLanguage:      "de",
		FragmentID:          "f1",
		StreamID:            "s1",
		SpeakerPolicy:       DefaultSpeakerPolicy(),
		NormalizationPolicy: DefaultNormalizationPolicy(),
	})
	require.NoError(t, err)
	assert.Equal(t, dubmodel.StatusFailed, asset.Status)
	assert.Equal(t, dubmodel.ErrUnsupportedLanguage, asset.Error.Code)
}

func TestCleanupForTTSAppliedWhenRequested(t *testing.T) {
	backend := NewFixedOutputBackend("It costs $5 and 10-20% more — simple.")
	p := NewPipeline(backend, nil)

	asset, err := p.Translate(context.Background(), TranslateRequest{
		SourceText:          "Hello",
		SourceLanguage:      "en",
		TargetLanguage:      "fr",
		FragmentID:          "f1",
		StreamID:            "s1",
		SpeakerPolicy:       DefaultSpeakerPolicy(),
		NormalizationPolicy: DefaultNormalizationPolicy(),
		CleanupForTTS:       true,
	})
	require.NoError(t, err)
	assert.Equal(t, dubmodel.StatusSuccess, asset.Status)
	assert.NotContains(t, asset.TranslatedText, "—")
	assert.Contains(t, asset.TranslatedText, "10 to 20")
}
