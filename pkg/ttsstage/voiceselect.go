package ttsstage

import (
	"fmt"

	"github.com/realtime-ai/dubbingworker/pkg/dubmodel"
)

const (
	minVoiceSampleSeconds = 3
	maxVoiceSampleSeconds = 30
)

// validateVoiceProfile applies §4.6's voice-selection rules that need no
// file access: fast mode disables cloning outright, and cloning requires
// a voice sample path. The sample file itself is not opened here, so
// its channel count, rate and duration are not checked (see
// ValidateVoiceSample).
func validateVoiceProfile(profile *dubmodel.VoiceProfile) error {
	if profile == nil {
		return nil
	}
	if !profile.UseVoiceCloning || profile.FastMode {
		return nil
	}
	if profile.VoiceSamplePath == "" {
		return fmt.Errorf("voice cloning requested but no voice sample path given")
	}
	return nil
}

// ValidateVoiceSample checks a decoded WAV sample against the cloning
// requirements (mono, >=16kHz, 3-30s duration). Exposed separately from
// validateVoiceProfile since it requires decoding the file at the path,
// which the Pipeline itself does not do.
func ValidateVoiceSample(sampleRateHz, channels int, durationSeconds float64) error {
	if channels != 1 {
		return fmt.Errorf("voice sample must be mono, got %d channels", channels)
	}
	if sampleRateHz < 16000 {
		return fmt.Errorf("voice sample must be >= 16kHz, got %d", sampleRateHz)
	}
	if durationSeconds < minVoiceSampleSeconds || durationSeconds > maxVoiceSampleSeconds {
		return fmt.Errorf("voice sample duration %.1fs outside [%d,%d]s", durationSeconds, minVoiceSampleSeconds, maxVoiceSampleSeconds)
	}
	return nil
}

// resolveSpeakerName picks the voice to use absent cloning: the
// configured speaker_name, or a per-language default.
func resolveSpeakerName(profile *dubmodel.VoiceProfile) string {
	if profile == nil {
		return defaultSpeakerForLanguage("")
	}
	if profile.SpeakerName != "" {
		return profile.SpeakerName
	}
	return defaultSpeakerForLanguage(profile.Language)
}

var languageDefaultSpeakers = map[string]string{
	"en": "coral",
	"es": "nova",
	"fr": "shimmer",
	"de": "onyx",
	"ja": "alloy",
}

func defaultSpeakerForLanguage(lang string) string {
	if s, ok := languageDefaultSpeakers[lang]; ok {
		return s
	}
	return "coral"
}
