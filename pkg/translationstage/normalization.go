package translationstage

import (
	"regexp"
	"strings"
)

var (
	timePhraseRe = regexp.MustCompile(`(\d+:\d+) ([A-Za-z]+)`)

	// Hyphens between uppercase words (TEN-YARD -> TEN YARD); a
	// digit-hyphen-digit (score) is left intact by requiring letters on
	// both sides.
	hyphenWordsRe = regexp.MustCompile(`\b([A-Z]+)-([A-Z]+)\b`)

	abbreviations = []struct {
		re   *regexp.Regexp
		repl string
	}{
		{regexp.MustCompile(`\bNFL\b`), "N F L"},
		{regexp.MustCompile(`\bNBA\b`), "N B A"},
		{regexp.MustCompile(`\bMLB\b`), "M L B"},
		{regexp.MustCompile(`\bNHL\b`), "N H L"},
		{regexp.MustCompile(`\b(vs\.|VS)\b`), "versus"},
	}

	symbolReplacements = []struct {
		from, to string
	}{
		{"&", "and"},
		{"%", "percent"},
		{"$", "dollars"},
		{"@", "at"},
	}
)

// Normalize applies the pre-translation normalization rules of §4.5
// step 2, each independently toggleable. Normalize is idempotent:
// Normalize(Normalize(x), p) == Normalize(x, p) for a fixed policy
// (spec §8 invariant 11).
func Normalize(text string, policy NormalizationPolicy) string {
	out := text

	// Symbols go first so a replacement word (e.g. "at") is already in
	// place when time phrases are lowercased.
	if policy.Symbols {
		for _, s := range symbolReplacements {
			out = strings.ReplaceAll(out, s.from, s.to)
		}
	}

	if policy.TimePhrases {
		out = timePhraseRe.ReplaceAllStringFunc(out, func(m string) string {
			parts := timePhraseRe.FindStringSubmatch(m)
			return parts[1] + " " + strings.ToLower(parts[2])
		})
	}

	if policy.HyphenatedWords {
		// Matches cannot overlap, so a chain like A-B-C needs more than
		// one pass; each pass removes at least one hyphen.
		for hyphenWordsRe.MatchString(out) {
			out = hyphenWordsRe.ReplaceAllString(out, "$1 $2")
		}
	}

	if policy.Abbreviations {
		for _, a := range abbreviations {
			out = a.re.ReplaceAllString(out, a.repl)
		}
	}

	return out
}
