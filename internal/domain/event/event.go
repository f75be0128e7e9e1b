// Package event defines the closed set of stream events emitted during a
// deliberation session. Each event kind is its own variant type, validated
// at construction rather than at point of use.
package event

import (
	"time"

	"github.com/concilium/concilium/internal/domain/delib"
)

// Kind identifies the event variant on the wire.
type Kind string

const (
	KindPhaseStart      Kind = "phase_start"
	KindAgentStart      Kind = "agent_start"
	KindAgentChunk      Kind = "agent_chunk"
	KindAgentComplete   Kind = "agent_complete"
	KindPhaseComplete   Kind = "phase_complete"
	KindPhaseSkip       Kind = "phase_skip"
	KindRoundStart      Kind = "round_start"
	KindRoundComplete   Kind = "round_complete"
	KindSessionComplete Kind = "session_complete"
	KindSessionError    Kind = "session_error"
)

// Event is one tagged record in a session's merged stream. Events from a
// single expert appear in that expert's real emission order; events from
// different experts may interleave arbitrarily.
type Event interface {
	EventKind() Kind
	OccurredAt() time.Time
}

type meta struct {
	Timestamp time.Time `json:"timestamp"`
}

func (m meta) OccurredAt() time.Time { return m.Timestamp }

func stamp() meta { return meta{Timestamp: time.Now().UTC()} }

// PhaseStart marks the beginning of a phase. No event of a later phase is
// ever emitted before the current phase's PhaseComplete.
type PhaseStart struct {
	meta
	Phase   delib.Phase `json:"phase"`
	Message string      `json:"message,omitempty"`
}

func (PhaseStart) EventKind() Kind { return KindPhaseStart }

// NewPhaseStart builds a PhaseStart event.
func NewPhaseStart(phase delib.Phase, message string) PhaseStart {
	return PhaseStart{meta: stamp(), Phase: phase, Message: message}
}

// AgentStart is emitted exactly once per expert per phase (or round).
type AgentStart struct {
	meta
	Phase     delib.Phase `json:"phase"`
	Agent     string      `json:"agent"`
	Specialty string      `json:"specialty,omitempty"`
	Round     int         `json:"round,omitempty"`
}

func (AgentStart) EventKind() Kind { return KindAgentStart }

// NewAgentStart builds an AgentStart event.
func NewAgentStart(phase delib.Phase, agent, specialty string, round int) AgentStart {
	return AgentStart{meta: stamp(), Phase: phase, Agent: agent, Specialty: specialty, Round: round}
}

// AgentChunk carries one incremental fragment plus the cumulative text so far.
type AgentChunk struct {
	meta
	Phase        delib.Phase `json:"phase"`
	Agent        string      `json:"agent"`
	Round        int         `json:"round,omitempty"`
	Chunk        string      `json:"chunk"`
	FullResponse string      `json:"full_response"`
}

func (AgentChunk) EventKind() Kind { return KindAgentChunk }

// NewAgentChunk builds an AgentChunk event.
func NewAgentChunk(phase delib.Phase, agent string, round int, chunk, full string) AgentChunk {
	return AgentChunk{meta: stamp(), Phase: phase, Agent: agent, Round: round, Chunk: chunk, FullResponse: full}
}

// AgentComplete is the terminal per-expert event. A failed expert still
// completes, with Result.Err set and a display message as its text.
type AgentComplete struct {
	meta
	Phase  delib.Phase   `json:"phase"`
	Agent  string        `json:"agent"`
	Round  int           `json:"round,omitempty"`
	Result delib.Opinion `json:"result"`
}

func (AgentComplete) EventKind() Kind { return KindAgentComplete }

// NewAgentComplete builds an AgentComplete event.
func NewAgentComplete(phase delib.Phase, round int, op delib.Opinion) AgentComplete {
	return AgentComplete{meta: stamp(), Phase: phase, Agent: op.ExpertID, Round: round, Result: op}
}

// PhaseComplete closes a phase and carries its merged outcome. The optional
// gating fields are populated only by the phase that produced them.
type PhaseComplete struct {
	meta
	Phase            delib.Phase       `json:"phase"`
	Results          delib.PhaseResult `json:"results,omitempty"`
	ConflictDetected *bool             `json:"conflict_detected,omitempty"`
	ConsensusReached *bool             `json:"consensus_reached,omitempty"`
	ConsensusScore   float64           `json:"consensus_score,omitempty"`
	TotalRounds      int               `json:"total_rounds,omitempty"`
	Message          string            `json:"message,omitempty"`
}

func (PhaseComplete) EventKind() Kind { return KindPhaseComplete }

// NewPhaseComplete builds a PhaseComplete carrying the merged phase result.
func NewPhaseComplete(phase delib.Phase, results delib.PhaseResult) PhaseComplete {
	return PhaseComplete{meta: stamp(), Phase: phase, Results: results}
}

// NewConflictPhaseComplete builds the ConflictDetection PhaseComplete.
func NewConflictPhaseComplete(detected bool, message string) PhaseComplete {
	return PhaseComplete{
		meta:             stamp(),
		Phase:            delib.PhaseConflictDetection,
		ConflictDetected: &detected,
		Message:          message,
	}
}

// NewConsensusPhaseComplete builds the ConsensusEvaluation PhaseComplete.
func NewConsensusPhaseComplete(reached bool, score float64, message string) PhaseComplete {
	return PhaseComplete{
		meta:             stamp(),
		Phase:            delib.PhaseConsensusEvaluation,
		ConsensusReached: &reached,
		ConsensusScore:   score,
		Message:          message,
	}
}

// NewRoundsPhaseComplete builds the MultiRoundDiscussion PhaseComplete.
func NewRoundsPhaseComplete(totalRounds int) PhaseComplete {
	return PhaseComplete{
		meta:        stamp(),
		Phase:       delib.PhaseMultiRoundDiscussion,
		TotalRounds: totalRounds,
	}
}

// PhaseSkip records a conditionally skipped phase.
type PhaseSkip struct {
	meta
	Phase   delib.Phase `json:"phase"`
	Message string      `json:"message,omitempty"`
}

func (PhaseSkip) EventKind() Kind { return KindPhaseSkip }

// NewPhaseSkip builds a PhaseSkip event.
func NewPhaseSkip(phase delib.Phase, message string) PhaseSkip {
	return PhaseSkip{meta: stamp(), Phase: phase, Message: message}
}

// RoundStart marks the beginning of one discussion round.
type RoundStart struct {
	meta
	Round int `json:"round"`
}

func (RoundStart) EventKind() Kind { return KindRoundStart }

// NewRoundStart builds a RoundStart event.
func NewRoundStart(round int) RoundStart {
	return RoundStart{meta: stamp(), Round: round}
}

// RoundComplete closes one discussion round with its lexical consensus score.
type RoundComplete struct {
	meta
	Round          int     `json:"round"`
	ConsensusScore float64 `json:"consensus_score"`
	EarlyStop      bool    `json:"early_stop,omitempty"`
}

func (RoundComplete) EventKind() Kind { return KindRoundComplete }

// NewRoundComplete builds a RoundComplete event.
func NewRoundComplete(round int, score float64, earlyStop bool) RoundComplete {
	return RoundComplete{meta: stamp(), Round: round, ConsensusScore: score, EarlyStop: earlyStop}
}

// SessionComplete is the stream's final event on success, carrying the
// read-only session snapshot and its persisted location.
type SessionComplete struct {
	meta
	SessionID string         `json:"session_id"`
	Location  string         `json:"location,omitempty"`
	Session   *delib.Session `json:"session"`
}

func (SessionComplete) EventKind() Kind { return KindSessionComplete }

// NewSessionComplete builds a SessionComplete event.
func NewSessionComplete(s *delib.Session, location string) SessionComplete {
	return SessionComplete{meta: stamp(), SessionID: s.ID, Location: location, Session: s}
}

// SessionError is the stream's final event on terminal failure (pre-flight
// validation or persistence). Phase-internal errors never surface here.
type SessionError struct {
	meta
	SessionID string      `json:"session_id,omitempty"`
	Phase     delib.Phase `json:"phase,omitempty"`
	Message   string      `json:"message"`
}

func (SessionError) EventKind() Kind { return KindSessionError }

// NewSessionError builds a SessionError event.
func NewSessionError(sessionID string, phase delib.Phase, message string) SessionError {
	return SessionError{meta: stamp(), SessionID: sessionID, Phase: phase, Message: message}
}
