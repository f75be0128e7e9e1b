package delib_test

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/concilium/concilium/internal/domain/delib"
)

func validCase() delib.CaseInfo {
	return delib.CaseInfo{
		"patient_id":      "P-001",
		"symptoms":        "持续咳嗽三周",
		"medical_history": "无特殊病史",
	}
}

func TestCaseValidate(t *testing.T) {
	if err := validCase().Validate(); err != nil {
		t.Fatalf("valid case rejected: %v", err)
	}

	if err := (delib.CaseInfo{}).Validate(); err == nil {
		t.Error("empty case accepted")
	}

	for _, field := range delib.RequiredCaseFields {
		c := validCase()
		delete(c, field)
		err := c.Validate()
		if err == nil {
			t.Errorf("case missing %q accepted", field)
			continue
		}
		if !strings.Contains(err.Error(), field) {
			t.Errorf("error %q does not name missing field %q", err, field)
		}
	}
}

func TestCaseField(t *testing.T) {
	c := validCase()
	if got := c.Field("patient_id", "unknown"); got != "P-001" {
		t.Errorf("Field(patient_id) = %q", got)
	}
	if got := c.Field("age", "未知"); got != "未知" {
		t.Errorf("Field(age) fallback = %q", got)
	}
}

func TestErrorOpinion(t *testing.T) {
	op := delib.ErrorOpinion("pulmonary", "expert", 2, errors.New("boom"))
	if !op.Err {
		t.Error("error opinion not flagged")
	}
	if op.Round != 2 || op.ExpertID != "pulmonary" {
		t.Errorf("fields not carried: %+v", op)
	}
	if !strings.Contains(op.Text, "boom") {
		t.Errorf("text %q does not describe the failure", op.Text)
	}
}

func TestPhaseResultTexts(t *testing.T) {
	res := delib.PhaseResult{
		"a": {ExpertID: "a", Text: "建议手术"},
		"b": {ExpertID: "b", Text: "failed", Err: true},
		"c": {ExpertID: "c", Text: ""},
	}
	texts := res.Texts()
	if len(texts) != 1 || texts[0] != "建议手术" {
		t.Errorf("Texts() = %v, want the single successful text", texts)
	}
	if got := len(res.Opinions()); got != 3 {
		t.Errorf("Opinions() returned %d entries, want 3", got)
	}
}

func TestSessionOpinionAccumulation(t *testing.T) {
	s := &delib.Session{ID: "s1", Case: validCase()}
	s.Phases.IndividualAnalysis = delib.PhaseResult{
		"a": {ExpertID: "a", Text: "analysis a"},
		"b": {ExpertID: "b", Text: "analysis b"},
	}

	current := s.CurrentOpinions()
	if len(current) != 2 {
		t.Fatalf("CurrentOpinions() = %d opinions, want 2", len(current))
	}

	s.Phases.SharingDiscussion = delib.PhaseResult{
		"a": {ExpertID: "a", Text: "revised a"},
	}
	current = s.CurrentOpinions()
	if len(current) != 1 || current[0].Text != "revised a" {
		t.Errorf("CurrentOpinions() after sharing = %+v", current)
	}

	s.Phases.MultiRoundDiscussion = &delib.DiscussionLog{
		Rounds: []delib.DiscussionRound{
			{Round: 1, Results: delib.PhaseResult{"a": {ExpertID: "a", Text: "round1 a"}}},
			{Round: 2, Results: delib.PhaseResult{"a": {ExpertID: "a", Text: "round2 a"}}},
		},
		TotalRounds: 2,
	}
	current = s.CurrentOpinions()
	if len(current) != 1 || current[0].Text != "round2 a" {
		t.Errorf("CurrentOpinions() after rounds = %+v", current)
	}

	// 2 analysis + 1 sharing + 2 round opinions, earlier ones never dropped.
	if all := s.AllOpinions(); len(all) != 5 {
		t.Errorf("AllOpinions() = %d opinions, want 5", len(all))
	}
}

func TestSessionComplete(t *testing.T) {
	start := time.Now().UTC()
	s := &delib.Session{ID: "s1", StartTime: start}
	if s.Completed() {
		t.Error("fresh session reported completed")
	}
	s.Complete(start.Add(90 * time.Second))
	if !s.Completed() {
		t.Error("stamped session not completed")
	}
	if s.Duration != "1m30s" {
		t.Errorf("Duration = %q, want 1m30s", s.Duration)
	}
}

func TestClamp01(t *testing.T) {
	tests := []struct{ in, want float64 }{
		{-0.5, 0}, {0, 0}, {0.42, 0.42}, {1, 1}, {1.7, 1},
	}
	for _, tt := range tests {
		if got := delib.Clamp01(tt.in); got != tt.want {
			t.Errorf("Clamp01(%f) = %f, want %f", tt.in, got, tt.want)
		}
	}
}

func TestPhaseCaps(t *testing.T) {
	if !delib.PhaseIndividualAnalysis.Caps().Parallel {
		t.Error("individual analysis should run the panel in parallel")
	}
	if delib.PhaseConflictDetection.Caps().Parallel {
		t.Error("conflict detection is a single-actor phase")
	}
	if !delib.PhaseCompleted.IsTerminal() {
		t.Error("completed phase not terminal")
	}
	seq := delib.Sequence()
	if seq[0] != delib.PhaseInitialization || seq[len(seq)-1] != delib.PhaseCompleted {
		t.Errorf("unexpected sequence boundaries: %v", seq)
	}
}
