package asrstage

import (
	"regexp"
	"strings"

	"github.com/realtime-ai/dubbingworker/pkg/dubmodel"
)

// ShapingConfig controls utterance-shaping postprocessing (§4.4 step 3).
type ShapingConfig struct {
	MergeThresholdSeconds      float64 // default 1.0
	MaxSegmentDurationSeconds  float64 // default 6.0
	WordBoundarySentenceBias   float64 // default 0.5 (50%)
}

func DefaultShapingConfig() ShapingConfig {
	return ShapingConfig{
		MergeThresholdSeconds:     1.0,
		MaxSegmentDurationSeconds: 6.0,
		WordBoundarySentenceBias:  0.5,
	}
}

var sentenceTerminators = regexp.MustCompile(`[.!?]`)

// ShapeUtterances merges short segments into neighbors and splits
// over-long segments, per §4.4 step 3.
func ShapeUtterances(segments []RawSegment, cfg ShapingConfig) []RawSegment {
	merged := mergeShort(segments, cfg.MergeThresholdSeconds)

	var out []RawSegment
	for _, seg := range merged {
		out = append(out, splitLong(seg, cfg)...)
	}
	return out
}

func mergeShort(segments []RawSegment, thresholdSeconds float64) []RawSegment {
	if len(segments) == 0 {
		return nil
	}
	out := []RawSegment{segments[0]}
	for i := 1; i < len(segments); i++ {
		cur := segments[i]
		last := &out[len(out)-1]
		dur := last.EndSeconds - last.StartSeconds
		if dur < thresholdSeconds {
			last.Text = strings.TrimSpace(last.Text + " " + cur.Text)
			last.EndSeconds = cur.EndSeconds
			last.Words = append(last.Words, cur.Words...)
			if cur.AvgLogProb < last.AvgLogProb {
				last.AvgLogProb = cur.AvgLogProb
			}
			continue
		}
		out = append(out, cur)
	}
	return out
}

func splitLong(seg RawSegment, cfg ShapingConfig) []RawSegment {
	dur := seg.EndSeconds - seg.StartSeconds
	if dur <= cfg.MaxSegmentDurationSeconds {
		return []RawSegment{seg}
	}

	if len(seg.Words) > 0 {
		return splitByWordBoundary(seg, cfg)
	}
	return splitBySentenceOrLength(seg, cfg)
}

// splitByWordBoundary splits on word boundaries near the midpoint, with
// a bias toward a word that ends a sentence.
func splitByWordBoundary(seg RawSegment, cfg ShapingConfig) []RawSegment {
	target := seg.StartSeconds + (seg.EndSeconds-seg.StartSeconds)*cfg.WordBoundarySentenceBias

	splitIdx := -1
	bestDelta := -1.0
	for i, w := range seg.Words {
		if !sentenceTerminators.MatchString(w.Word) {
			continue
		}
		delta := abs(w.EndSeconds - target)
		if splitIdx == -1 || delta < bestDelta {
			splitIdx = i
			bestDelta = delta
		}
	}
	if splitIdx == -1 {
		// No sentence-ending word found; split at the word nearest target.
		for i, w := range seg.Words {
			delta := abs(w.EndSeconds - target)
			if splitIdx == -1 || delta < bestDelta {
				splitIdx = i
				bestDelta = delta
			}
		}
	}
	if splitIdx <= 0 || splitIdx >= len(seg.Words)-1 {
		return []RawSegment{seg}
	}

	left := wordsToSegment(seg.Words[:splitIdx+1], seg.AvgLogProb)
	right := wordsToSegment(seg.Words[splitIdx+1:], seg.AvgLogProb)
	var out []RawSegment
	out = append(out, splitLong(left, seg1Cfg(cfg))...)
	out = append(out, splitLong(right, seg1Cfg(cfg))...)
	return out
}

func seg1Cfg(cfg ShapingConfig) ShapingConfig { return cfg }

func wordsToSegment(words []RawWord, avgLogProb float64) RawSegment {
	var b strings.Builder
	for i, w := range words {
		if i > 0 {
			b.WriteString(" ")
		}
		b.WriteString(w.Word)
	}
	return RawSegment{
		Text:         b.String(),
		StartSeconds: words[0].StartSeconds,
		EndSeconds:   words[len(words)-1].EndSeconds,
		AvgLogProb:   avgLogProb,
		Words:        words,
	}
}

// splitBySentenceOrLength splits on sentence terminators when present,
// otherwise proportionally by character length.
func splitBySentenceOrLength(seg RawSegment, cfg ShapingConfig) []RawSegment {
	idx := sentenceTerminators.FindStringIndex(seg.Text)
	if idx == nil || idx[1] >= len(seg.Text) {
		return splitByLength(seg, cfg)
	}

	splitPos := idx[1]
	leftText := strings.TrimSpace(seg.Text[:splitPos])
	rightText := strings.TrimSpace(seg.Text[splitPos:])
	if rightText == "" {
		return []RawSegment{seg}
	}

	frac := float64(len(leftText)) / float64(len(seg.Text))
	mid := seg.StartSeconds + (seg.EndSeconds-seg.StartSeconds)*frac

	left := RawSegment{Text: leftText, StartSeconds: seg.StartSeconds, EndSeconds: mid, AvgLogProb: seg.AvgLogProb}
	right := RawSegment{Text: rightText, StartSeconds: mid, EndSeconds: seg.EndSeconds, AvgLogProb: seg.AvgLogProb}

	var out []RawSegment
	out = append(out, splitLong(left, cfg)...)
	out = append(out, splitLong(right, cfg)...)
	return out
}

func splitByLength(seg RawSegment, cfg ShapingConfig) []RawSegment {
	mid := len(seg.Text) / 2
	// Avoid splitting mid-word.
	for mid > 0 && mid < len(seg.Text) && seg.Text[mid] != ' ' {
		mid++
		if mid >= len(seg.Text) {
			return []RawSegment{seg}
		}
	}
	if mid == 0 || mid >= len(seg.Text) {
		return []RawSegment{seg}
	}

	leftText := strings.TrimSpace(seg.Text[:mid])
	rightText := strings.TrimSpace(seg.Text[mid:])
	frac := float64(len(leftText)) / float64(len(seg.Text))
	midTime := seg.StartSeconds + (seg.EndSeconds-seg.StartSeconds)*frac

	left := RawSegment{Text: leftText, StartSeconds: seg.StartSeconds, EndSeconds: midTime, AvgLogProb: seg.AvgLogProb}
	right := RawSegment{Text: rightText, StartSeconds: midTime, EndSeconds: seg.EndSeconds, AvgLogProb: seg.AvgLogProb}

	var out []RawSegment
	out = append(out, splitLong(left, cfg)...)
	out = append(out, splitLong(right, cfg)...)
	return out
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

// ToAbsoluteSegments converts audio-relative RawSegments to
// dubmodel.TranscriptSegment with absolute stream time per §4.4's
// timestamp rule: start_time_ms + clamp(relative_seconds)*1000,
// clamped to [startMs, endMs] with end >= start+1.
func ToAbsoluteSegments(segments []RawSegment, startMs, endMs int64) []dubmodel.TranscriptSegment {
	out := make([]dubmodel.TranscriptSegment, 0, len(segments))
	for _, s := range segments {
		absStart := clampMs(startMs+int64(s.StartSeconds*1000), startMs, endMs)
		absEnd := clampMs(startMs+int64(s.EndSeconds*1000), startMs, endMs)
		if absEnd < absStart+1 {
			absEnd = absStart + 1
		}

		words := make([]dubmodel.WordTimestamp, 0, len(s.Words))
		for _, w := range s.Words {
			wStart := clampMs(startMs+int64(w.StartSeconds*1000), startMs, endMs)
			wEnd := clampMs(startMs+int64(w.EndSeconds*1000), startMs, endMs)
			if wEnd < wStart+1 {
				wEnd = wStart + 1
			}
			words = append(words, dubmodel.WordTimestamp{Word: w.Word, StartMs: wStart, EndMs: wEnd})
		}

		out = append(out, dubmodel.TranscriptSegment{
			Text:       s.Text,
			StartMs:    absStart,
			EndMs:      absEnd,
			Confidence: Confidence(s.AvgLogProb),
			Words:      words,
		})
	}
	return out
}

func clampMs(v, lo, hi int64) int64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
