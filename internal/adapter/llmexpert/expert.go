// Package llmexpert implements the expert port on top of an
// OpenAI-compatible chat backend: a panel of clinical specialists plus
// the moderating coordinator, each with its own system prompt and an
// optional retrieval-context source.
package llmexpert

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/concilium/concilium/internal/adapter/llm"
	"github.com/concilium/concilium/internal/domain/delib"
	"github.com/concilium/concilium/internal/port/expert"
	"github.com/concilium/concilium/internal/port/knowledge"
)

// Chat is the completion surface an expert needs. *llm.Client satisfies it.
type Chat interface {
	Complete(ctx context.Context, messages []llm.Message) (string, error)
	CompleteStream(ctx context.Context, messages []llm.Message, emit func(chunk string)) (string, error)
}

// Profile describes one LLM-backed participant.
type Profile struct {
	ID           string
	Specialty    string
	SystemPrompt string
	Focus        string // specialty-specific instruction block for analysis prompts
}

// DefaultPanel returns the standard specialist profiles for an
// interstitial lung disease board.
func DefaultPanel() []Profile {
	return []Profile{
		{
			ID:           "pulmonary",
			Specialty:    "呼吸内科",
			SystemPrompt: pulmonarySystemPrompt,
			Focus:        "请重点评估临床症状、肺功能状态、疾病分类和治疗方案。",
		},
		{
			ID:           "imaging",
			Specialty:    "影像科",
			SystemPrompt: imagingSystemPrompt,
			Focus:        "请重点评估HRCT影像模式（UIP/NSIP/OP等）、病变分布和随访影像对比。",
		},
		{
			ID:           "pathology",
			Specialty:    "病理科",
			SystemPrompt: pathologySystemPrompt,
			Focus:        "请重点评估组织病理学模式、活检结果解读和鉴别诊断。",
		},
		{
			ID:           "rheumatology",
			Specialty:    "风湿免疫科",
			SystemPrompt: rheumatologySystemPrompt,
			Focus:        "请重点评估自身抗体谱、结缔组织病相关性和免疫治疗指征。",
		},
		{
			ID:           "data_analysis",
			Specialty:    "医学数据分析",
			SystemPrompt: dataAnalysisSystemPrompt,
			Focus:        "请重点评估定量指标趋势、检查数据的统计学意义和预后相关因素。",
		},
	}
}

// Stats is a snapshot of an expert's call counters.
type Stats struct {
	ID        string    `json:"id"`
	Specialty string    `json:"specialty"`
	Calls     int64     `json:"calls"`
	Failures  int64     `json:"failures"`
	LastCall  time.Time `json:"last_call,omitempty"`
}

// Expert is one LLM-backed panel participant.
type Expert struct {
	profile Profile
	chat    Chat
	ks      knowledge.Source
	log     *slog.Logger

	mu       sync.Mutex
	calls    int64
	failures int64
	lastCall time.Time
}

// NewExpert builds an expert from a profile. ks may be nil when no
// retrieval context is configured.
func NewExpert(profile Profile, chat Chat, ks knowledge.Source, log *slog.Logger) *Expert {
	return &Expert{profile: profile, chat: chat, ks: ks, log: log}
}

// NewPanel builds experts for every profile in DefaultPanel.
func NewPanel(chat Chat, ks knowledge.Source, log *slog.Logger) []*Expert {
	profiles := DefaultPanel()
	panel := make([]*Expert, len(profiles))
	for i, p := range profiles {
		panel[i] = NewExpert(p, chat, ks, log)
	}
	return panel
}

func (e *Expert) ID() string   { return e.profile.ID }
func (e *Expert) Kind() string { return e.profile.Specialty }

// Stats returns the expert's call counters.
func (e *Expert) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		ID:        e.profile.ID,
		Specialty: e.profile.Specialty,
		Calls:     e.calls,
		Failures:  e.failures,
		LastCall:  e.lastCall,
	}
}

func (e *Expert) record(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	e.lastCall = time.Now()
	if err != nil {
		e.failures++
	}
}

// Confidence estimates the certainty expressed in a response text.
func (e *Expert) Confidence(response string) float64 {
	return extractConfidence(response)
}

// Analyze produces the expert's opinion on the case.
func (e *Expert) Analyze(ctx context.Context, c delib.CaseInfo, prior []delib.Opinion, emit expert.StreamFunc) (string, error) {
	prompt := analysisPrompt(c, e.profile.Focus, e.retrieve(ctx, c), prior)
	return e.complete(ctx, prompt, emit)
}

// DiscussRound produces the expert's position for one discussion round.
func (e *Expert) DiscussRound(ctx context.Context, c delib.CaseInfo, all []delib.Opinion, round int, emit expert.StreamFunc) (string, error) {
	prompt := discussionPrompt(c, e.profile.Specialty, round, e.retrieve(ctx, c), all)
	return e.complete(ctx, prompt, emit)
}

// retrieve fetches domain context for the case. Retrieval problems are
// reported inside the prompt rather than failing the expert call.
func (e *Expert) retrieve(ctx context.Context, c delib.CaseInfo) string {
	if e.ks == nil {
		return "暂无相关医学知识。"
	}
	snippets, err := e.ks.Context(ctx, c, e.profile.ID)
	if err != nil {
		e.log.Warn("knowledge retrieval failed",
			slog.String("expert", e.profile.ID),
			slog.String("error", err.Error()))
		return "获取医学知识时出现错误。"
	}
	if snippets == "" {
		return "暂无相关医学知识。"
	}
	return snippets
}

func (e *Expert) complete(ctx context.Context, prompt string, emit expert.StreamFunc) (string, error) {
	messages := []llm.Message{
		{Role: "system", Content: e.profile.SystemPrompt},
		{Role: "user", Content: prompt},
	}

	var (
		text string
		err  error
	)
	if emit == nil {
		text, err = e.chat.Complete(ctx, messages)
	} else {
		var cumulative string
		text, err = e.chat.CompleteStream(ctx, messages, func(chunk string) {
			cumulative += chunk
			emit(chunk, cumulative)
		})
	}
	e.record(err)
	if err != nil {
		return "", fmt.Errorf("%s: %w", e.profile.ID, err)
	}
	return text, nil
}
