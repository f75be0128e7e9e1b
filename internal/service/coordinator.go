package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	conotel "github.com/concilium/concilium/internal/adapter/otel"
	"github.com/concilium/concilium/internal/config"
	"github.com/concilium/concilium/internal/domain/delib"
	"github.com/concilium/concilium/internal/domain/event"
	"github.com/concilium/concilium/internal/port/broadcast"
	"github.com/concilium/concilium/internal/port/expert"
	"github.com/concilium/concilium/internal/port/sessionstore"
	"github.com/concilium/concilium/internal/scoring"
)

// ProgressListener observes coarse session milestones. Listeners run
// synchronously on the session goroutine; a panicking listener is
// isolated and never aborts the session.
type ProgressListener func(phase delib.Phase, message string)

// Status is a point-in-time snapshot of the coordinator's most recent run.
type Status struct {
	Active    bool        `json:"active"`
	SessionID string      `json:"session_id,omitempty"`
	Phase     delib.Phase `json:"phase,omitempty"`
	StartedAt time.Time   `json:"started_at,omitempty"`
}

// Coordinator drives a deliberation session through its fixed phase
// sequence: pre-flight validation, the two parallel analysis phases,
// conflict gating, optional iterative discussion, consensus gating, and
// final synthesis, then persists the finished session.
//
// A coordinator is safe for concurrent use; each run carries its own
// session state.
type Coordinator struct {
	log       *slog.Logger
	cfg       config.Deliberation
	registry  *expert.Registry
	store     sessionstore.Store
	hub       broadcast.Broadcaster
	engine    *Engine
	conflict  scoring.ConflictScorer
	consensus scoring.ConsensusScorer
	metrics   *conotel.Metrics

	mu        sync.Mutex
	listeners []ProgressListener
	status    Status
}

// NewCoordinator wires a coordinator from its collaborators. hub and
// metrics may be nil when no live observers or telemetry are attached.
func NewCoordinator(log *slog.Logger, cfg config.Deliberation, reg *expert.Registry, store sessionstore.Store, hub broadcast.Broadcaster, conflict scoring.ConflictScorer, consensus scoring.ConsensusScorer, metrics *conotel.Metrics) *Coordinator {
	return &Coordinator{
		log:       log,
		cfg:       cfg,
		registry:  reg,
		store:     store,
		hub:       hub,
		engine:    NewEngine(log, cfg.WorkerTimeout, int64(cfg.MaxParallel), metrics),
		conflict:  conflict,
		consensus: consensus,
		metrics:   metrics,
	}
}

// AddProgressListener registers a milestone observer.
func (co *Coordinator) AddProgressListener(fn ProgressListener) {
	co.mu.Lock()
	defer co.mu.Unlock()
	co.listeners = append(co.listeners, fn)
}

// Status reports the most recent run's phase.
func (co *Coordinator) Status() Status {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.status
}

// Reset clears the status snapshot. Registered listeners survive a reset.
func (co *Coordinator) Reset() {
	co.mu.Lock()
	defer co.mu.Unlock()
	co.status = Status{}
}

// RunSession executes a full deliberation in blocking mode and returns
// the completed session. The error is non-nil only for pre-flight
// failures (invalid case, no participants) or a failed persist;
// expert-level failures are recorded inside the session instead.
func (co *Coordinator) RunSession(ctx context.Context, c delib.CaseInfo, participants []string) (*delib.Session, error) {
	s, panel, mod, err := co.prepare(c, participants)
	if err != nil {
		return nil, err
	}

	ctx, span := conotel.StartSessionSpan(ctx, s.ID, "blocking")
	defer span.End()

	if _, err := co.run(ctx, s, panel, mod, nil); err != nil {
		return s, err
	}
	return s, nil
}

// RunSessionStream executes a full deliberation in streaming mode.
// Pre-flight failures are returned synchronously; afterwards the session
// runs on its own goroutine and the returned channel carries the ordered
// event stream, closed after the terminal session_complete or
// session_error event.
func (co *Coordinator) RunSessionStream(ctx context.Context, c delib.CaseInfo, participants []string) (<-chan event.Event, error) {
	s, panel, mod, err := co.prepare(c, participants)
	if err != nil {
		return nil, err
	}

	out := make(chan event.Event, 64)
	go func() {
		defer close(out)

		ctx, span := conotel.StartSessionSpan(ctx, s.ID, "streaming")
		defer span.End()

		emit := func(ev event.Event) {
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		}
		if _, err := co.run(ctx, s, panel, mod, emit); err != nil {
			co.log.Error("streamed session failed",
				slog.String("session_id", s.ID),
				slog.String("error", err.Error()))
		}
	}()
	return out, nil
}

// prepare runs pre-flight validation and resolves the panel and the
// moderating expert. Nothing is persisted and no event is emitted when
// prepare fails.
func (co *Coordinator) prepare(c delib.CaseInfo, participants []string) (*delib.Session, []expert.Expert, expert.Moderator, error) {
	if err := c.Validate(); err != nil {
		return nil, nil, nil, fmt.Errorf("invalid case: %w", err)
	}

	if len(participants) == 0 {
		participants = co.cfg.Panel
	}
	var panel []expert.Expert
	for _, ex := range co.registry.Select(participants) {
		if ex.ID() == co.cfg.Coordinator {
			continue
		}
		panel = append(panel, ex)
	}
	if len(panel) == 0 {
		return nil, nil, nil, delib.ErrNoParticipants
	}

	raw, err := co.registry.Get(co.cfg.Coordinator)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("resolve moderator: %w", err)
	}
	mod, ok := raw.(expert.Moderator)
	if !ok {
		return nil, nil, nil, fmt.Errorf("expert %q cannot moderate a session", co.cfg.Coordinator)
	}

	ids := make([]string, len(panel))
	for i, ex := range panel {
		ids[i] = ex.ID()
	}
	s := &delib.Session{
		ID:           uuid.NewString(),
		StartTime:    time.Now().UTC(),
		Case:         c,
		Participants: ids,
	}
	return s, panel, mod, nil
}

// run drives the phase sequence to completion. emit is nil in blocking
// mode. The returned error is terminal: context cancellation between
// phases or a failed persist.
func (co *Coordinator) run(ctx context.Context, s *delib.Session, panel []expert.Expert, mod expert.Moderator, emit func(event.Event)) (string, error) {
	defer co.clearStatus(s.ID)

	send := func(ev event.Event) {
		if emit != nil {
			emit(ev)
		}
		if co.hub != nil {
			co.hub.BroadcastEvent(ctx, string(ev.EventKind()), ev)
		}
	}
	terminal := func(phase delib.Phase, err error) (string, error) {
		s.Err = err.Error()
		send(event.NewSessionError(s.ID, phase, err.Error()))
		if co.metrics != nil {
			co.metrics.SessionsFailed.Add(ctx, 1)
		}
		return "", err
	}

	co.log.Info("session started",
		slog.String("session_id", s.ID),
		slog.Int("participants", len(panel)),
		slog.Bool("streaming", emit != nil))
	if co.metrics != nil {
		co.metrics.SessionsStarted.Add(ctx, 1)
	}

	co.setPhase(s, delib.PhaseInitialization)
	send(event.NewPhaseStart(delib.PhaseInitialization, fmt.Sprintf("deliberation session %s initialized", s.ID)))
	send(event.NewPhaseComplete(delib.PhaseInitialization, nil))
	co.notify(delib.PhaseInitialization, "session initialized")

	// Phase 1: every expert analyzes the case independently.
	if err := ctx.Err(); err != nil {
		return terminal(delib.PhaseIndividualAnalysis, err)
	}
	s.Phases.IndividualAnalysis = co.runPanel(ctx, s, delib.PhaseIndividualAnalysis, panel, nil, send, emit)
	co.notify(delib.PhaseIndividualAnalysis, "independent analysis complete")

	// Phase 2: experts revise with everyone's first opinions visible.
	if err := ctx.Err(); err != nil {
		return terminal(delib.PhaseSharingDiscussion, err)
	}
	s.Phases.SharingDiscussion = co.runPanel(ctx, s, delib.PhaseSharingDiscussion, panel, s.AllOpinions(), send, emit)
	co.notify(delib.PhaseSharingDiscussion, "opinion sharing complete")

	// Phase 3: the moderator decides whether positions genuinely diverge.
	if err := ctx.Err(); err != nil {
		return terminal(delib.PhaseConflictDetection, err)
	}
	conflict := co.runConflictDetection(ctx, s, mod, send, emit)
	s.Phases.ConflictDetection = &conflict
	co.notify(delib.PhaseConflictDetection, fmt.Sprintf("conflict detection complete (conflict=%t)", conflict.ConflictDetected))

	// Phase 4: iterative discussion, only when a conflict was found.
	if conflict.ConflictDetected {
		if err := ctx.Err(); err != nil {
			return terminal(delib.PhaseMultiRoundDiscussion, err)
		}
		co.runDiscussionRounds(ctx, s, panel, send, emit)
		co.notify(delib.PhaseMultiRoundDiscussion, fmt.Sprintf("discussion complete after %d round(s)", s.Phases.MultiRoundDiscussion.TotalRounds))
	} else {
		send(event.NewPhaseSkip(delib.PhaseMultiRoundDiscussion, "no significant conflicts detected"))
		co.notify(delib.PhaseMultiRoundDiscussion, "discussion skipped, no conflicts")
	}

	// Phase 5: the moderator scores how far the panel now agrees.
	if err := ctx.Err(); err != nil {
		return terminal(delib.PhaseConsensusEvaluation, err)
	}
	consensus := co.runConsensusEvaluation(ctx, s, mod, send, emit)
	s.Phases.ConsensusEvaluation = &consensus
	co.notify(delib.PhaseConsensusEvaluation, fmt.Sprintf("consensus evaluation complete (score=%.2f)", consensus.Score))

	// Phase 6: final synthesis always runs, consensus or not.
	if err := ctx.Err(); err != nil {
		return terminal(delib.PhaseFinalCoordination, err)
	}
	final := co.runFinalCoordination(ctx, s, mod, consensus.Reached, send, emit)
	s.Phases.FinalCoordination = &final
	s.FinalResult = &final
	co.notify(delib.PhaseFinalCoordination, "final recommendation ready")

	s.Complete(time.Now().UTC())
	co.setPhase(s, delib.PhaseCompleted)

	location, err := co.store.Save(ctx, s)
	if err != nil {
		co.log.Error("session persist failed",
			slog.String("session_id", s.ID),
			slog.String("error", err.Error()))
		return terminal(delib.PhaseCompleted, fmt.Errorf("persist session %s: %w", s.ID, err))
	}

	co.log.Info("session complete",
		slog.String("session_id", s.ID),
		slog.String("duration", s.Duration),
		slog.String("location", location))
	if co.metrics != nil {
		co.metrics.SessionsCompleted.Add(ctx, 1)
		co.metrics.SessionDuration.Record(ctx, s.EndTime.Sub(s.StartTime).Seconds())
		var rounds int64
		if s.Phases.MultiRoundDiscussion != nil {
			rounds = int64(s.Phases.MultiRoundDiscussion.TotalRounds)
		}
		co.metrics.DiscussionRounds.Record(ctx, rounds)
	}
	send(event.NewSessionComplete(s, location))
	co.notify(delib.PhaseCompleted, "session persisted to "+location)
	return location, nil
}

// runPanel executes one parallel panel phase through the engine. In
// blocking mode the engine stays silent and the phase_complete event is
// synthesized here for live observers.
func (co *Coordinator) runPanel(ctx context.Context, s *delib.Session, phase delib.Phase, panel []expert.Expert, prior []delib.Opinion, send func(event.Event), emit func(event.Event)) delib.PhaseResult {
	co.setPhase(s, phase)
	send(event.NewPhaseStart(phase, phaseBanner(phase)))

	ctx, span := conotel.StartPhaseSpan(ctx, s.ID, string(phase))
	defer span.End()

	var engineEmit func(event.Event)
	if emit != nil {
		engineEmit = send
	}
	res := co.engine.Run(ctx, phase, 0, panel, s.Case, prior, engineEmit)
	if emit == nil {
		send(event.NewPhaseComplete(phase, res))
	}
	return res
}

// runConflictDetection runs the moderator once over the accumulated
// opinions and scores its narrative. Any moderator failure defaults to
// "conflict present" so the discussion phase still runs.
func (co *Coordinator) runConflictDetection(ctx context.Context, s *delib.Session, mod expert.Moderator, send func(event.Event), emit func(event.Event)) delib.ConflictAssessment {
	phase := delib.PhaseConflictDetection
	co.setPhase(s, phase)
	send(event.NewPhaseStart(phase, phaseBanner(phase)))

	ctx, span := conotel.StartPhaseSpan(ctx, s.ID, string(phase))
	defer span.End()

	opinions := s.AllOpinions()
	if len(opinions) < 2 {
		assessment := delib.ConflictAssessment{
			ExpertID:          mod.ID(),
			ConflictDetected:  false,
			ConsensusEstimate: 1.0,
			Narrative:         "too few opinions to conflict",
			OpinionsAnalyzed:  len(opinions),
			Timestamp:         time.Now().UTC(),
		}
		send(event.NewConflictPhaseComplete(false, assessment.Narrative))
		return assessment
	}

	finding, err := co.runModerator(ctx, phase, mod, send, emit, func(c context.Context, chunks expert.StreamFunc) (string, *bool, error) {
		f, err := mod.ConflictNarrative(c, s.Case, opinions, chunks)
		return f.Narrative, f.Explicit, err
	})

	assessment := delib.ConflictAssessment{
		ExpertID:         mod.ID(),
		OpinionsAnalyzed: len(opinions),
		Timestamp:        time.Now().UTC(),
	}
	if err != nil {
		assessment.ConflictDetected = true
		assessment.ConsensusEstimate = 0.5
		assessment.Narrative = fmt.Sprintf("conflict analysis failed: %v", err)
		assessment.Err = true
	} else {
		if finding.explicit != nil {
			assessment.ConflictDetected = *finding.explicit
		} else {
			assessment.ConflictDetected = co.conflict.Detect(finding.text)
		}
		assessment.ConsensusEstimate = delib.Clamp01(co.consensus.KeywordScore(joinOpinionTexts(opinions)))
		assessment.Narrative = finding.text
	}

	msg := "no significant conflicts among expert opinions"
	if assessment.ConflictDetected {
		msg = "significant conflicts detected, discussion required"
	}
	send(event.NewConflictPhaseComplete(assessment.ConflictDetected, msg))
	return assessment
}

// runDiscussionRounds executes up to MaxRounds of parallel discussion,
// stopping early once the lexical round score reaches the threshold.
// Rounds are appended to the session as they finish, so each round sees
// every previous round in its prior set.
func (co *Coordinator) runDiscussionRounds(ctx context.Context, s *delib.Session, panel []expert.Expert, send func(event.Event), emit func(event.Event)) {
	phase := delib.PhaseMultiRoundDiscussion
	co.setPhase(s, phase)
	send(event.NewPhaseStart(phase, phaseBanner(phase)))

	ctx, span := conotel.StartPhaseSpan(ctx, s.ID, string(phase))
	defer span.End()

	var engineEmit func(event.Event)
	if emit != nil {
		engineEmit = send
	}

	dlog := &delib.DiscussionLog{MaxRounds: co.cfg.MaxRounds}
	s.Phases.MultiRoundDiscussion = dlog

	for round := 1; round <= co.cfg.MaxRounds; round++ {
		send(event.NewRoundStart(round))

		prior := s.AllOpinions()
		res := co.engine.Run(ctx, phase, round, panel, s.Case, prior, engineEmit)
		score := delib.Clamp01(co.consensus.RoundScore(res.Texts()))

		dlog.Rounds = append(dlog.Rounds, delib.DiscussionRound{
			Round:          round,
			Results:        res,
			ConsensusScore: score,
			Timestamp:      time.Now().UTC(),
		})
		dlog.TotalRounds = len(dlog.Rounds)

		early := score >= co.cfg.ConsensusThreshold && round < co.cfg.MaxRounds
		send(event.NewRoundComplete(round, score, early))
		co.log.Info("discussion round complete",
			slog.String("session_id", s.ID),
			slog.Int("round", round),
			slog.Float64("score", score))

		if score >= co.cfg.ConsensusThreshold {
			break
		}
	}
	send(event.NewRoundsPhaseComplete(dlog.TotalRounds))
}

// runConsensusEvaluation scores the panel's most recent opinion set.
// Fewer than two opinions cannot disagree and count as full consensus.
func (co *Coordinator) runConsensusEvaluation(ctx context.Context, s *delib.Session, mod expert.Moderator, send func(event.Event), emit func(event.Event)) delib.ConsensusAssessment {
	phase := delib.PhaseConsensusEvaluation
	co.setPhase(s, phase)
	send(event.NewPhaseStart(phase, phaseBanner(phase)))

	ctx, span := conotel.StartPhaseSpan(ctx, s.ID, string(phase))
	defer span.End()

	opinions := s.CurrentOpinions()
	assessment := delib.ConsensusAssessment{
		ExpertID:      mod.ID(),
		Threshold:     co.cfg.ConsensusThreshold,
		OpinionsCount: len(opinions),
		Timestamp:     time.Now().UTC(),
	}

	if len(opinions) < 2 {
		assessment.Score = 1.0
		assessment.Reached = true
		assessment.Narrative = "too few opinions to disagree, full consensus assumed"
		send(event.NewConsensusPhaseComplete(true, 1.0, assessment.Narrative))
		return assessment
	}

	finding, err := co.runModerator(ctx, phase, mod, send, emit, func(c context.Context, chunks expert.StreamFunc) (string, *bool, error) {
		text, err := mod.ConsensusNarrative(c, opinions, chunks)
		return text, nil, err
	})
	if err != nil {
		assessment.Score = 0.5
		assessment.Narrative = fmt.Sprintf("consensus evaluation failed: %v", err)
		assessment.Err = true
	} else {
		assessment.Narrative = finding.text
		assessment.NarrativeScore = delib.Clamp01(co.consensus.NarrativeScore(finding.text))
		assessment.LexicalScore = delib.Clamp01(co.consensus.KeywordScore(joinOpinionTexts(opinions)))
		assessment.Score = delib.Clamp01((assessment.NarrativeScore + assessment.LexicalScore) / 2)
		assessment.Reached = assessment.Score >= co.cfg.ConsensusThreshold
	}

	msg := fmt.Sprintf("consensus score %.2f against threshold %.2f", assessment.Score, assessment.Threshold)
	send(event.NewConsensusPhaseComplete(assessment.Reached, assessment.Score, msg))
	return assessment
}

// runFinalCoordination produces the terminal recommendation. A failed
// synthesis is recorded as an error opinion; the session still completes.
func (co *Coordinator) runFinalCoordination(ctx context.Context, s *delib.Session, mod expert.Moderator, consensusReached bool, send func(event.Event), emit func(event.Event)) delib.Opinion {
	phase := delib.PhaseFinalCoordination
	co.setPhase(s, phase)
	send(event.NewPhaseStart(phase, phaseBanner(phase)))

	ctx, span := conotel.StartPhaseSpan(ctx, s.ID, string(phase))
	defer span.End()

	all := s.AllOpinions()
	finding, err := co.runModerator(ctx, phase, mod, send, emit, func(c context.Context, chunks expert.StreamFunc) (string, *bool, error) {
		text, err := mod.Synthesize(c, s.Case, all, consensusReached, chunks)
		return text, nil, err
	})

	var final delib.Opinion
	if err != nil {
		final = delib.ErrorOpinion(mod.ID(), mod.Kind(), 0, err)
	} else {
		final = delib.Opinion{
			ExpertID:  mod.ID(),
			Kind:      mod.Kind(),
			Text:      finding.text,
			Timestamp: time.Now().UTC(),
		}
	}
	send(event.NewPhaseComplete(phase, delib.PhaseResult{mod.ID(): final}))
	return final
}

type moderatorFinding struct {
	text     string
	explicit *bool
}

// runModerator wraps a single-actor moderator call with the worker
// timeout, panic recovery and the per-agent event envelope.
func (co *Coordinator) runModerator(ctx context.Context, phase delib.Phase, mod expert.Moderator, send func(event.Event), emit func(event.Event), call func(context.Context, expert.StreamFunc) (string, *bool, error)) (f moderatorFinding, err error) {
	if co.cfg.WorkerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, co.cfg.WorkerTimeout)
		defer cancel()
	}

	var chunks expert.StreamFunc
	if emit != nil {
		send(event.NewAgentStart(phase, mod.ID(), mod.Kind(), 0))
		chunks = func(chunk, cumulative string) {
			send(event.NewAgentChunk(phase, mod.ID(), 0, chunk, cumulative))
		}
	}

	defer func() {
		if r := recover(); r != nil {
			co.log.Error("moderator panicked",
				slog.String("phase", string(phase)),
				slog.Any("panic", r))
			err = fmt.Errorf("moderator %s panicked: %v", mod.ID(), r)
			f = moderatorFinding{}
		}
		if emit != nil {
			op := delib.Opinion{ExpertID: mod.ID(), Kind: mod.Kind(), Text: f.text, Timestamp: time.Now().UTC()}
			if err != nil {
				op = delib.ErrorOpinion(mod.ID(), mod.Kind(), 0, err)
			}
			send(event.NewAgentComplete(phase, 0, op))
		}
	}()

	text, explicit, err := call(ctx, chunks)
	if err != nil {
		co.log.Warn("moderator call failed",
			slog.String("phase", string(phase)),
			slog.String("error", err.Error()))
		return moderatorFinding{}, err
	}
	return moderatorFinding{text: text, explicit: explicit}, nil
}

func (co *Coordinator) setPhase(s *delib.Session, phase delib.Phase) {
	co.mu.Lock()
	co.status = Status{Active: !phase.IsTerminal(), SessionID: s.ID, Phase: phase, StartedAt: s.StartTime}
	co.mu.Unlock()
	co.log.Debug("phase transition",
		slog.String("session_id", s.ID),
		slog.String("phase", string(phase)))
}

func (co *Coordinator) clearStatus(sessionID string) {
	co.mu.Lock()
	if co.status.SessionID == sessionID {
		co.status.Active = false
	}
	co.mu.Unlock()
}

func (co *Coordinator) notify(phase delib.Phase, message string) {
	co.mu.Lock()
	listeners := make([]ProgressListener, len(co.listeners))
	copy(listeners, co.listeners)
	co.mu.Unlock()

	for _, fn := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					co.log.Warn("progress listener panicked", slog.Any("panic", r))
				}
			}()
			fn(phase, message)
		}()
	}
}

func joinOpinionTexts(opinions []delib.Opinion) string {
	parts := make([]string, 0, len(opinions))
	for _, op := range opinions {
		if !op.Err && op.Text != "" {
			parts = append(parts, op.Text)
		}
	}
	return strings.Join(parts, "\n")
}

func phaseBanner(phase delib.Phase) string {
	switch phase {
	case delib.PhaseIndividualAnalysis:
		return "experts analyzing the case independently"
	case delib.PhaseSharingDiscussion:
		return "experts revising with the panel's opinions visible"
	case delib.PhaseConflictDetection:
		return "moderator checking for conflicting positions"
	case delib.PhaseMultiRoundDiscussion:
		return "panel discussing detected conflicts"
	case delib.PhaseConsensusEvaluation:
		return "moderator evaluating panel consensus"
	case delib.PhaseFinalCoordination:
		return "moderator synthesizing the final recommendation"
	default:
		return ""
	}
}
