// Package scoring provides the heuristic conflict-detection and
// consensus-evaluation functions used to gate the deliberation flow.
// All scorers are pure and replaceable behind narrow interfaces.
package scoring

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/concilium/concilium/internal/domain/delib"
)

// ConflictScorer decides whether a conflict narrative indicates significant
// disagreement between experts.
type ConflictScorer interface {
	Detect(narrative string) bool
}

// ConsensusScorer computes agreement measures over opinions and narratives.
type ConsensusScorer interface {
	// RoundScore measures lexical overlap across one round's responses.
	RoundScore(responses []string) float64

	// NarrativeScore extracts a consensus score from a coordinator's
	// free-text evaluation.
	NarrativeScore(narrative string) float64

	// KeywordScore computes a weighted keyword-presence score over the
	// combined opinion text.
	KeywordScore(text string) float64
}

// KeywordConflictScorer matches clinical agreement and disagreement phrases.
// Consensus indicators are checked before conflict indicators so that a
// negated phrase such as "没有冲突" is never matched by its "冲突" substring.
type KeywordConflictScorer struct {
	ConsensusIndicators []string
	ConflictIndicators  []string
	FallbackWords       []string
	FallbackMin         int
}

// NewConflictScorer returns the scorer with the default phrase lists.
func NewConflictScorer() *KeywordConflictScorer {
	return &KeywordConflictScorer{
		ConsensusIndicators: []string{
			"没有显著冲突", "意见一致", "观点统一", "基本一致", "无明显分歧",
			"达成共识", "意见相符", "看法相近", "高度的一致性", "没有冲突",
		},
		ConflictIndicators: []string{
			"有显著冲突", "存在分歧", "意见不一致", "有争议", "有矛盾",
			"需要进一步讨论", "意见分化", "看法不同", "观点相左", "发现冲突",
			"明显分歧", "显著分歧",
		},
		FallbackWords: []string{"冲突", "分歧", "不同", "争议", "矛盾"},
		FallbackMin:   2,
	}
}

// Detect reports whether the narrative indicates significant disagreement.
// Order matters: consensus phrases first, then conflict phrases, then a
// conflict-word frequency fallback.
func (s *KeywordConflictScorer) Detect(narrative string) bool {
	text := strings.ToLower(narrative)

	for _, phrase := range s.ConsensusIndicators {
		if strings.Contains(text, phrase) {
			return false
		}
	}
	for _, phrase := range s.ConflictIndicators {
		if strings.Contains(text, phrase) {
			return true
		}
	}

	count := 0
	for _, word := range s.FallbackWords {
		if strings.Contains(text, word) {
			count++
		}
	}
	return count >= s.FallbackMin
}

// scorePatterns locate an explicit numeric consensus score in a narrative.
// Checked in order; within a pattern the last match wins.
var scorePatterns = []*regexp.Regexp{
	regexp.MustCompile(`共识评分[：:]\s*([0-9]*\.?[0-9]+)`),
	regexp.MustCompile(`综合评分[：:]\s*([0-9]*\.?[0-9]+)`),
	regexp.MustCompile(`共识程度[：:]\s*([0-9]*\.?[0-9]+)`),
	regexp.MustCompile(`([0-9]*\.?[0-9]+)\s*分`),
	regexp.MustCompile(`([0-9]*\.?[0-9]+)/1`),
	regexp.MustCompile(`分数[：:]\s*([0-9]*\.?[0-9]+)`),
}

// qualitativeScores map descriptive phrases to scores when no explicit
// number is present.
var qualitativeScores = []struct {
	phrases []string
	score   float64
}{
	{[]string{"高度共识", "完全一致", "高度一致"}, 0.9},
	{[]string{"良好共识", "基本一致", "较为一致"}, 0.8},
	{[]string{"部分共识", "部分一致", "有一定共识"}, 0.6},
	{[]string{"轻微共识", "略有共识", "轻度一致"}, 0.4},
	{[]string{"显著分歧", "明显分歧", "严重分歧"}, 0.2},
}

// consensusIndicators and conflictPenaltyWords drive KeywordScore.
var consensusIndicators = []string{
	"建议", "推荐", "治疗", "诊断", "手术",
	"化疗", "放疗", "观察", "随访", "检查",
}

var conflictPenaltyWords = []string{"不同意", "分歧", "争议", "不确定", "需要讨论"}

// LexicalConsensusScorer implements ConsensusScorer with token-overlap and
// keyword heuristics. It holds no state; the zero value is usable.
type LexicalConsensusScorer struct{}

// NewConsensusScorer returns the default consensus scorer.
func NewConsensusScorer() *LexicalConsensusScorer {
	return &LexicalConsensusScorer{}
}

// RoundScore tokenizes each response and returns the share of distinct
// tokens that appear in at least half of the responses, clamped to [0,1].
// Boundary cases: an empty response set scores 0.0; fewer than two
// non-empty responses score 1.0. The result is symmetric under permutation
// of the input.
func (LexicalConsensusScorer) RoundScore(responses []string) float64 {
	if len(responses) == 0 {
		return 0.0
	}

	var nonEmpty []string
	for _, r := range responses {
		if strings.TrimSpace(r) != "" {
			nonEmpty = append(nonEmpty, r)
		}
	}
	if len(nonEmpty) < 2 {
		return 1.0
	}

	counts := make(map[string]int)
	for _, response := range nonEmpty {
		seen := make(map[string]bool)
		for _, word := range strings.Fields(strings.ToLower(response)) {
			if !seen[word] {
				seen[word] = true
				counts[word]++
			}
		}
	}
	if len(counts) == 0 {
		return 1.0
	}

	half := float64(len(nonEmpty)) * 0.5
	common := 0
	for _, c := range counts {
		if float64(c) >= half {
			common++
		}
	}
	return delib.Clamp01(float64(common) / float64(len(counts)))
}

// NarrativeScore extracts a [0,1] score from a consensus evaluation
// narrative: explicit numeric statements first (a value on a ten-point
// scale is normalized), then qualitative phrases, defaulting to 0.5.
func (LexicalConsensusScorer) NarrativeScore(narrative string) float64 {
	for _, pattern := range scorePatterns {
		matches := pattern.FindAllStringSubmatch(narrative, -1)
		if len(matches) == 0 {
			continue
		}
		raw := matches[len(matches)-1][1]
		score, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			continue
		}
		switch {
		case score >= 0 && score <= 1:
			return score
		case score > 1 && score <= 10:
			return score / 10
		}
	}

	text := strings.ToLower(narrative)
	for _, q := range qualitativeScores {
		for _, phrase := range q.phrases {
			if strings.Contains(text, phrase) {
				return q.score
			}
		}
	}
	return 0.5
}

// KeywordScore computes a base score from the fraction of consensus
// indicator words present in the combined opinion text, reduced by 0.1 per
// conflict word, clamped to [0,1]. Empty text scores 0.0.
func (LexicalConsensusScorer) KeywordScore(text string) float64 {
	if text == "" {
		return 0.0
	}
	lower := strings.ToLower(text)

	present := 0
	for _, word := range consensusIndicators {
		if strings.Contains(lower, word) {
			present++
		}
	}
	base := delib.Clamp01(float64(present) / float64(len(consensusIndicators)))

	penalty := 0
	for _, word := range conflictPenaltyWords {
		if strings.Contains(lower, word) {
			penalty++
		}
	}
	return delib.Clamp01(base - float64(penalty)*0.1)
}
