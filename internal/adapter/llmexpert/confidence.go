package llmexpert

import (
	"regexp"
	"strconv"
	"strings"
)

var confidencePatterns = []*regexp.Regexp{
	regexp.MustCompile(`置信度[：:]\s*(\d+(?:\.\d+)?)`),
	regexp.MustCompile(`可信度[：:]\s*(\d+(?:\.\d+)?)`),
	regexp.MustCompile(`(?i)confidence[：:]\s*(\d+(?:\.\d+)?)`),
	regexp.MustCompile(`确定性[：:]\s*(\d+(?:\.\d+)?)`),
}

// Ordered strongest-first so a hedged phrase never shadows a firm one.
var confidenceKeywords = []struct {
	word  string
	score float64
}{
	{"确定", 0.9}, {"明确", 0.9}, {"肯定", 0.85},
	{"很可能", 0.8}, {"高度怀疑", 0.75}, {"倾向于", 0.7},
	{"可能", 0.6}, {"疑似", 0.5}, {"不确定", 0.3},
	{"难以确定", 0.25}, {"不明确", 0.2},
}

// extractConfidence estimates the responder's certainty: an explicit
// numeric statement wins, keyword heuristics next, 0.6 as the default.
// Percent-style values are normalized to [0,1].
func extractConfidence(response string) float64 {
	for _, pattern := range confidencePatterns {
		m := pattern.FindStringSubmatch(response)
		if m == nil {
			continue
		}
		v, err := strconv.ParseFloat(m[1], 64)
		if err != nil {
			continue
		}
		if v > 1 {
			v /= 100
		}
		if v < 0 {
			v = 0
		}
		if v > 1 {
			v = 1
		}
		return v
	}

	for _, kw := range confidenceKeywords {
		if strings.Contains(response, kw.word) {
			return kw.score
		}
	}
	return 0.6
}
