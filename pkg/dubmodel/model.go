// Package dubmodel defines the core data model shared by every stage of
// the speech-to-speech dubbing pipeline: segment pairs, stream sessions,
// fragment envelopes, the per-stage asset chain, fragment results,
// backpressure state, and duration-match metadata.
package dubmodel

import "time"

// SegmentPair is an immutable video/audio unit produced by the ingest
// segmenter at a fixed chunk boundary. Constructed once, consumed by
// exactly one egress pairing.
type SegmentPair struct {
	BatchNumber  int64
	T0Ns         int64
	DurationNs   int64
	VideoPayload []byte
	AudioPayload []byte
}

// AllowedSampleRates enumerates the sample rates a StreamSession may request.
var AllowedSampleRates = map[int]bool{
	8000:  true,
	16000: true,
	22050: true,
	24000: true,
	44100: true,
	48000: true,
}

// VoiceProfile configures the optional voice-cloning/selection behavior
// of the TTS stage.
type VoiceProfile struct {
	Language         string
	ModelName        string
	FastMode         bool
	VoiceSamplePath  string
	SpeakerName      string
	UseVoiceCloning  bool
	SpeedClampMin    float64 // (0, 1]
	SpeedClampMax    float64 // <= 4
	OnlySpeedUp      bool
}

// StreamSessionConfig is the configuration block carried by stream:init.
type StreamSessionConfig struct {
	SourceLanguage  string
	TargetLanguage  string
	VoiceProfile    *VoiceProfile
	ChunkDurationMs int
	SampleRateHz    int
	Channels        int // 1 or 2
	Format          string
	MaxInflight     int // [1,10]
	TimeoutMs       int
	DomainHints     []string
}

// SessionState is the StreamSession lifecycle state (§4.9).
type SessionState int

const (
	SessionInitializing SessionState = iota
	SessionReady
	SessionPaused
	SessionEnding
	SessionCompleted
)

func (s SessionState) String() string {
	switch s {
	case SessionInitializing:
		return "initializing"
	case SessionReady:
		return "ready"
	case SessionPaused:
		return "paused"
	case SessionEnding:
		return "ending"
	case SessionCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// AudioSpec describes a raw audio payload's format.
type AudioSpec struct {
	Format       string
	SampleRateHz int
	Channels     int
	DurationMs   int64 // [0, 60000]
	DataBytes    []byte
}

// FragmentEnvelope is one ~6s audio window uniquely identified within a
// session by (StreamID, SequenceNumber).
type FragmentEnvelope struct {
	FragmentID     string
	StreamID       string
	SequenceNumber int64
	TimestampMs    int64
	Audio          AudioSpec
	PtsNs          *int64
}

// AssetStatus is the outcome of one pipeline stage.
type AssetStatus int

const (
	StatusSuccess AssetStatus = iota
	StatusPartial
	StatusFailed
)

func (s AssetStatus) String() string {
	switch s {
	case StatusSuccess:
		return "success"
	case StatusPartial:
		return "partial"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// AssetBase carries the fields common to every typed asset in the
// TranscriptAsset -> TranslationAsset -> AudioAsset DAG.
type AssetBase struct {
	AssetID        string
	FragmentID     string
	StreamID       string
	Status         AssetStatus
	ParentAssetIDs []string
	LatencyMs      int64
	CreatedAt      time.Time
	Error          *ProcessingError
}

// TranscriptSegment is one ASR-produced utterance, in absolute stream time.
type TranscriptSegment struct {
	Text          string
	StartMs       int64
	EndMs         int64
	Confidence    float64
	Words         []WordTimestamp
}

// WordTimestamp is a single word-level timing inside a TranscriptSegment.
type WordTimestamp struct {
	Word    string
	StartMs int64
	EndMs   int64
}

// TranscriptAsset is the ASR stage's output.
type TranscriptAsset struct {
	AssetBase
	Language   string
	TotalText  string
	Segments   []TranscriptSegment
}

// TranslationAsset is the Translation stage's output.
type TranslationAsset struct {
	AssetBase
	SourceLanguage  string
	TargetLanguage  string
	SpeakerName     string
	NormalizedText  string
	TranslatedText  string
	Warnings        []string
}

// AudioAsset is the TTS stage's output.
type AudioAsset struct {
	AssetBase
	AudioData  []byte
	SampleRateHz int
	Channels   int
	Duration   DurationMatchMetadata
}

// StageTimings records per-stage latency for one fragment.
type StageTimings struct {
	ASRMs         int64
	TranslationMs int64
	TTSMs         int64
}

// FragmentResult is the per-fragment outcome emitted in sequence order.
type FragmentResult struct {
	FragmentID       string
	StreamID         string
	SequenceNumber   int64
	Status           AssetStatus
	DubbedAudio      []byte
	Transcript       string
	TranslatedText   string
	ProcessingTimeMs int64
	StageTimings     StageTimings
	DurationMetadata *DurationMatchMetadata
	Error            *ProcessingError
}

// DurationMatchMetadata records how the TTS stage reconciled raw
// synthesis duration against the fragment's target duration.
type DurationMatchMetadata struct {
	OriginalDurationMs    int64
	RawDurationMs         int64
	FinalDurationMs       int64
	DurationVariancePct   float64
	SpeedRatio            float64
	SpeedClamped          bool
}

// BackpressureSeverity is the band derived from current in-flight count.
type BackpressureSeverity int

const (
	SeverityLow BackpressureSeverity = iota
	SeverityMedium
	SeverityHigh
)

func (s BackpressureSeverity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	default:
		return "unknown"
	}
}

// BackpressureAction is the pure function of severity the producer
// should act on.
type BackpressureAction int

const (
	ActionNone BackpressureAction = iota
	ActionSlowDown
	ActionPause
)

func (a BackpressureAction) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionSlowDown:
		return "slow_down"
	case ActionPause:
		return "pause"
	default:
		return "unknown"
	}
}

// BackpressureState is the flow-control snapshot surfaced to the producer.
type BackpressureState struct {
	Severity             BackpressureSeverity
	Action               BackpressureAction
	CurrentInflight      int
	MaxInflight          int
	ThresholdExceeded    string // "low" | "medium" | "high" | ""
	RecommendedDelayMs   *int
}
