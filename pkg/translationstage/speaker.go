package translationstage

import (
	"regexp"
	"strings"
)

// speakerPatterns are the default speaker-label detection regexes
// (§4.5 step 1).
var speakerPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^([A-Z][a-z]+): `),
	regexp.MustCompile(`^>> ([A-Z][a-z]+): `),
}

// falsePositiveWords rejects words that look like a speaker label but
// are not, recovered from original_source's translation/preprocessing.py.
var falsePositiveWords = map[string]bool{
	"time":    true,
	"score":   true,
	"note":    true,
	"warning": true,
}

// DetectAndRemoveSpeaker matches the configured patterns and, if the
// captured name is not a known false positive, returns the speaker name
// and the text with the label stripped. ok is false if no label was
// detected or it was rejected as a false positive.
func DetectAndRemoveSpeaker(text string) (speaker string, stripped string, ok bool) {
	for _, re := range speakerPatterns {
		m := re.FindStringSubmatchIndex(text)
		if m == nil {
			continue
		}
		name := text[m[2]:m[3]]
		if falsePositiveWords[strings.ToLower(name)] {
			continue
		}
		return name, text[m[1]:], true
	}
	return "", text, false
}

// ReattachSpeaker prefixes strippedText with a "Name: " label. For text
// whose label matched the plain "Name: " pattern this is the inverse of
// DetectAndRemoveSpeaker; a ">> " prefix removed by the second pattern
// is not restored.
func ReattachSpeaker(speaker, strippedText string) string {
	if speaker == "" {
		return strippedText
	}
	return speaker + ": " + strippedText
}
