package delib

import (
	"errors"
	"fmt"
	"time"
)

// ErrNoParticipants indicates a session was started without any valid panel expert.
var ErrNoParticipants = errors.New("no valid participants")

// RequiredCaseFields are the case fields validated before a session starts.
var RequiredCaseFields = []string{"patient_id", "symptoms", "medical_history"}

// CaseInfo maps named clinical fields to free text. It is owned by the
// caller and read-only to the coordinator for the session's duration.
type CaseInfo map[string]string

// Validate rejects cases missing required fields. It runs before the state
// machine starts; a failed case never produces a partial session.
func (c CaseInfo) Validate() error {
	if len(c) == 0 {
		return errors.New("empty case")
	}
	for _, field := range RequiredCaseFields {
		if c[field] == "" {
			return fmt.Errorf("missing required case field %q", field)
		}
	}
	return nil
}

// Field returns the named field or the fallback when absent.
func (c CaseInfo) Field(name, fallback string) string {
	if v, ok := c[name]; ok && v != "" {
		return v
	}
	return fallback
}

// Opinion is one expert's output for a given phase or round. Immutable
// after creation; collected into ordered-by-arrival structures and never
// deleted, only superseded.
type Opinion struct {
	ExpertID   string    `json:"expert_id"`
	Kind       string    `json:"kind"`
	Text       string    `json:"text"`
	Round      int       `json:"round,omitempty"` // 0 = not round-scoped
	Confidence float64   `json:"confidence,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
	Err        bool      `json:"error,omitempty"`
}

// ErrorOpinion builds the error-shaped Opinion recorded when an expert
// fails. Text is a display string, not a raw error code.
func ErrorOpinion(expertID, kind string, round int, err error) Opinion {
	return Opinion{
		ExpertID:  expertID,
		Kind:      kind,
		Round:     round,
		Text:      fmt.Sprintf("%s encountered an error during analysis: %v", expertID, err),
		Timestamp: time.Now().UTC(),
		Err:       true,
	}
}

// PhaseResult maps expert ID to that expert's Opinion for one phase.
// Written once when the phase completes.
type PhaseResult map[string]Opinion

// Opinions returns the result's opinions in unspecified order.
func (r PhaseResult) Opinions() []Opinion {
	out := make([]Opinion, 0, len(r))
	for _, op := range r {
		out = append(out, op)
	}
	return out
}

// Texts returns the non-empty response texts of all successful opinions.
func (r PhaseResult) Texts() []string {
	out := make([]string, 0, len(r))
	for _, op := range r {
		if !op.Err && op.Text != "" {
			out = append(out, op.Text)
		}
	}
	return out
}

// DiscussionRound is one iteration of the iterative discussion phase.
type DiscussionRound struct {
	Round          int         `json:"round"`
	Results        PhaseResult `json:"results"`
	ConsensusScore float64     `json:"consensus_score"`
	Timestamp      time.Time   `json:"timestamp"`
}

// DiscussionLog is the append-only record of all completed rounds.
type DiscussionLog struct {
	TotalRounds int               `json:"total_rounds"`
	MaxRounds   int               `json:"max_rounds"`
	Rounds      []DiscussionRound `json:"rounds"`
}

// ConflictAssessment is the gating result produced once per session after
// the two opening analysis phases.
type ConflictAssessment struct {
	ExpertID          string    `json:"expert_id"`
	ConflictDetected  bool      `json:"conflict_detected"`
	ConsensusEstimate float64   `json:"consensus_estimate"` // clamped to [0,1]
	Narrative         string    `json:"narrative"`
	OpinionsAnalyzed  int       `json:"opinions_analyzed"`
	Timestamp         time.Time `json:"timestamp"`
	Err               bool      `json:"error,omitempty"`
}

// ConsensusAssessment is produced once per session before final synthesis.
type ConsensusAssessment struct {
	ExpertID       string    `json:"expert_id"`
	Score          float64   `json:"score"` // clamped to [0,1]
	Reached        bool      `json:"reached"`
	Threshold      float64   `json:"threshold"`
	Narrative      string    `json:"narrative"`
	NarrativeScore float64   `json:"narrative_score"`
	LexicalScore   float64   `json:"lexical_score"`
	OpinionsCount  int       `json:"opinions_count"`
	Timestamp      time.Time `json:"timestamp"`
	Err            bool      `json:"error,omitempty"`
}

// Phases holds exactly one outcome slot per phase name. Typed slots replace
// the source system's loosely shaped phase map.
type Phases struct {
	IndividualAnalysis   PhaseResult          `json:"individual_analysis,omitempty"`
	SharingDiscussion    PhaseResult          `json:"sharing_discussion,omitempty"`
	ConflictDetection    *ConflictAssessment  `json:"conflict_detection,omitempty"`
	MultiRoundDiscussion *DiscussionLog       `json:"multi_round_discussion,omitempty"`
	ConsensusEvaluation  *ConsensusAssessment `json:"consensus_evaluation,omitempty"`
	FinalCoordination    *Opinion             `json:"final_coordination,omitempty"`
}

// Session is the aggregate root for one deliberation run. It is mutated
// only by the session coordinator through phase completion and becomes
// immutable once EndTime is set.
type Session struct {
	ID           string    `json:"session_id"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time,omitempty"`
	Duration     string    `json:"duration,omitempty"`
	Case         CaseInfo  `json:"case"`
	Participants []string  `json:"participants"`
	Phases       Phases    `json:"phases"`
	FinalResult  *Opinion  `json:"final_result,omitempty"`
	Err          string    `json:"error,omitempty"`
}

// Complete stamps the end time and duration. After this the session is a
// read-only snapshot.
func (s *Session) Complete(now time.Time) {
	s.EndTime = now
	s.Duration = now.Sub(s.StartTime).String()
}

// Completed reports whether the session has been stamped final.
func (s *Session) Completed() bool {
	return !s.EndTime.IsZero()
}

// CurrentOpinions returns each participant's most recent opinion: the last
// discussion round's results when rounds ran, otherwise the sharing phase,
// otherwise the individual analysis.
func (s *Session) CurrentOpinions() []Opinion {
	if log := s.Phases.MultiRoundDiscussion; log != nil && len(log.Rounds) > 0 {
		return log.Rounds[len(log.Rounds)-1].Results.Opinions()
	}
	if len(s.Phases.SharingDiscussion) > 0 {
		return s.Phases.SharingDiscussion.Opinions()
	}
	return s.Phases.IndividualAnalysis.Opinions()
}

// AllOpinions returns the full accumulated opinion history across every
// completed phase and round, analysis phases first, rounds in order.
func (s *Session) AllOpinions() []Opinion {
	var out []Opinion
	out = append(out, s.Phases.IndividualAnalysis.Opinions()...)
	out = append(out, s.Phases.SharingDiscussion.Opinions()...)
	if log := s.Phases.MultiRoundDiscussion; log != nil {
		for _, round := range log.Rounds {
			out = append(out, round.Results.Opinions()...)
		}
	}
	return out
}

// Clamp01 bounds a score to [0,1]. All consensus scores in the data model
// are stored clamped.
func Clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
