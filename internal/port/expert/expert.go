// Package expert defines the port for deliberation participants: opaque
// text-producing specialists consumed by the session coordinator.
package expert

import (
	"context"

	"github.com/concilium/concilium/internal/domain/delib"
)

// StreamFunc receives one incremental fragment and the cumulative text so
// far. It is invoked from the expert's own goroutine, in emission order.
type StreamFunc func(chunk, cumulative string)

// Expert is the port interface for a single deliberation participant.
// Implementations are responsible only for producing text; scoring and
// sequencing belong to the coordinator.
//
// Every producing method takes an optional emit callback: nil requests one
// atomic result, non-nil requests incremental delivery. Either way the
// final cumulative text is returned.
type Expert interface {
	// ID returns the unique participant identifier (e.g. "pulmonary").
	ID() string

	// Kind returns the participant's specialty, usable as display text.
	Kind() string

	// Analyze produces the expert's opinion on the case, given the prior
	// opinions of other participants (empty during independent analysis).
	Analyze(ctx context.Context, c delib.CaseInfo, prior []delib.Opinion, emit StreamFunc) (string, error)

	// DiscussRound produces the expert's position for one iterative
	// discussion round, given the full opinion history so far.
	DiscussRound(ctx context.Context, c delib.CaseInfo, all []delib.Opinion, round int, emit StreamFunc) (string, error)
}

// ConflictFinding is a moderator's answer to the conflict question. The
// Explicit flag is set only when the moderator's structured answer decided
// the question itself; when nil the caller falls back to keyword scoring
// of the narrative.
type ConflictFinding struct {
	Narrative string
	Explicit  *bool
}

// Moderator is the coordinating participant that runs the single-actor
// gating phases: conflict detection, consensus evaluation, and the final
// synthesis.
type Moderator interface {
	Expert

	// ConflictNarrative analyzes the collected opinions for significant
	// disagreement and returns a narrative assessment.
	ConflictNarrative(ctx context.Context, c delib.CaseInfo, opinions []delib.Opinion, emit StreamFunc) (ConflictFinding, error)

	// ConsensusNarrative evaluates how far the collected opinions agree.
	ConsensusNarrative(ctx context.Context, opinions []delib.Opinion, emit StreamFunc) (string, error)

	// Synthesize produces the session's terminal recommendation from the
	// full opinion history and the consensus outcome.
	Synthesize(ctx context.Context, c delib.CaseInfo, all []delib.Opinion, consensusReached bool, emit StreamFunc) (string, error)
}
