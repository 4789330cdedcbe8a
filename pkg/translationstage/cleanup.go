package translationstage

import (
	"regexp"
	"strings"
)

var (
	rangeRe          = regexp.MustCompile(`(\d+)-(\d+)`)
	whitespaceRunsRe = regexp.MustCompile(`\s+`)

	smartQuoteReplacer = strings.NewReplacer(
		"‘", "'", "’", "'",
		"“", "\"", "”", "\"",
		"–", "-", "—", "-",
	)
)

// CleanupForTTS applies the optional post-translation TTS-oriented
// cleanup rules of §4.5 step 4: smart quotes/dashes to ASCII, numeric
// ranges to "N to M", and whitespace normalization.
func CleanupForTTS(text string) string {
	out := smartQuoteReplacer.Replace(text)
	out = rangeRe.ReplaceAllString(out, "$1 to $2")
	out = whitespaceRunsRe.ReplaceAllString(out, " ")
	return strings.TrimSpace(out)
}
