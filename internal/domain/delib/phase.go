// Package delib defines the deliberation domain model: cases, opinions,
// phases, rounds, assessments, and the session aggregate.
package delib

// Phase identifies one named stage of the fixed deliberation sequence.
type Phase string

const (
	PhaseInitialization       Phase = "initialization"
	PhaseIndividualAnalysis   Phase = "individual_analysis"
	PhaseSharingDiscussion    Phase = "sharing_discussion"
	PhaseConflictDetection    Phase = "conflict_detection"
	PhaseMultiRoundDiscussion Phase = "multi_round_discussion"
	PhaseConsensusEvaluation  Phase = "consensus_evaluation"
	PhaseFinalCoordination    Phase = "final_coordination"
	PhaseCompleted            Phase = "completed"
)

// Capabilities declares how a phase may execute. The coordinator consults
// these flags instead of hard-coding behavior per phase.
type Capabilities struct {
	// Parallel means all panel experts run concurrently in this phase.
	// When false, only the coordinating expert acts.
	Parallel bool

	// Streamable means experts may emit incremental fragments rather
	// than one atomic result.
	Streamable bool
}

var phaseCaps = map[Phase]Capabilities{
	PhaseInitialization:       {},
	PhaseIndividualAnalysis:   {Parallel: true, Streamable: true},
	PhaseSharingDiscussion:    {Parallel: true, Streamable: true},
	PhaseConflictDetection:    {Streamable: true},
	PhaseMultiRoundDiscussion: {Parallel: true, Streamable: true},
	PhaseConsensusEvaluation:  {Streamable: true},
	PhaseFinalCoordination:    {Streamable: true},
	PhaseCompleted:            {},
}

// Caps returns the execution capabilities of the phase.
func (p Phase) Caps() Capabilities {
	return phaseCaps[p]
}

// IsTerminal reports whether the phase ends the sequence.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted
}

// Sequence returns the fixed phase order. MultiRoundDiscussion is included
// but is conditionally skipped by the coordinator when no conflict was
// detected; no other reordering or skipping exists.
func Sequence() []Phase {
	return []Phase{
		PhaseInitialization,
		PhaseIndividualAnalysis,
		PhaseSharingDiscussion,
		PhaseConflictDetection,
		PhaseMultiRoundDiscussion,
		PhaseConsensusEvaluation,
		PhaseFinalCoordination,
		PhaseCompleted,
	}
}
