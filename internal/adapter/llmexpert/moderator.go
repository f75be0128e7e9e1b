package llmexpert

import (
	"context"
	"log/slog"
	"strings"

	"github.com/concilium/concilium/internal/domain/delib"
	"github.com/concilium/concilium/internal/port/expert"
	"github.com/concilium/concilium/internal/port/knowledge"
)

// Moderator is the coordinating participant. It reuses the expert
// machinery for the generic calls and adds the three gating prompts.
type Moderator struct {
	Expert
}

// NewModerator builds the coordinating expert.
func NewModerator(chat Chat, ks knowledge.Source, log *slog.Logger) *Moderator {
	return &Moderator{
		Expert: Expert{
			profile: Profile{
				ID:           "coordinator",
				Specialty:    "MDT协调",
				SystemPrompt: coordinatorSystemPrompt,
				Focus:        "请整合各专科意见，识别分歧并提出综合诊疗路径。",
			},
			chat: chat,
			ks:   ks,
			log:  log,
		},
	}
}

// ConflictNarrative asks the backend whether the collected opinions
// genuinely diverge. The explicit flag is set only when the answer opens
// with an unambiguous verdict line; otherwise keyword scoring decides.
func (m *Moderator) ConflictNarrative(ctx context.Context, c delib.CaseInfo, opinions []delib.Opinion, emit expert.StreamFunc) (expert.ConflictFinding, error) {
	text, err := m.complete(ctx, conflictPrompt(c, opinions), emit)
	if err != nil {
		return expert.ConflictFinding{}, err
	}
	return expert.ConflictFinding{Narrative: text, Explicit: explicitVerdict(text)}, nil
}

// ConsensusNarrative asks the backend to rate how far the opinions agree.
func (m *Moderator) ConsensusNarrative(ctx context.Context, opinions []delib.Opinion, emit expert.StreamFunc) (string, error) {
	return m.complete(ctx, consensusPrompt(opinions), emit)
}

// Synthesize produces the final structured recommendation.
func (m *Moderator) Synthesize(ctx context.Context, c delib.CaseInfo, all []delib.Opinion, consensusReached bool, emit expert.StreamFunc) (string, error) {
	status := "存在分歧"
	if consensusReached {
		status = "已达成共识"
	}
	return m.complete(ctx, finalPrompt(c, len(all), status, all), emit)
}

// explicitVerdict parses a leading "检测结果：有冲突/无冲突" line. Most
// responses carry no such line and fall through to keyword scoring.
func explicitVerdict(text string) *bool {
	firstLine, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	verdict, ok := strings.CutPrefix(firstLine, "检测结果：")
	if !ok {
		verdict, ok = strings.CutPrefix(firstLine, "检测结果:")
	}
	if !ok {
		return nil
	}
	verdict = strings.TrimSpace(verdict)
	switch {
	case strings.HasPrefix(verdict, "无冲突"), strings.HasPrefix(verdict, "没有冲突"):
		v := false
		return &v
	case strings.HasPrefix(verdict, "有冲突"), strings.HasPrefix(verdict, "存在冲突"):
		v := true
		return &v
	default:
		return nil
	}
}

var _ expert.Moderator = (*Moderator)(nil)
