package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/concilium/concilium/internal/config"
	"github.com/concilium/concilium/internal/domain/delib"
	"github.com/concilium/concilium/internal/domain/event"
	"github.com/concilium/concilium/internal/port/expert"
	"github.com/concilium/concilium/internal/scoring"
	"github.com/concilium/concilium/internal/service"
)

// stubModerator scripts the three gating calls.
type stubModerator struct {
	stubExpert
	conflictNarrative string
	conflictExplicit  *bool
	conflictErr       error
	consensusText     string
	consensusErr      error
	finalText         string
	finalErr          error

	modMu           sync.Mutex
	synthesizedWith []bool
}

func (m *stubModerator) ConflictNarrative(_ context.Context, _ delib.CaseInfo, _ []delib.Opinion, emit expert.StreamFunc) (expert.ConflictFinding, error) {
	if m.conflictErr != nil {
		return expert.ConflictFinding{}, m.conflictErr
	}
	if emit != nil {
		emit(m.conflictNarrative, m.conflictNarrative)
	}
	return expert.ConflictFinding{Narrative: m.conflictNarrative, Explicit: m.conflictExplicit}, nil
}

func (m *stubModerator) ConsensusNarrative(_ context.Context, _ []delib.Opinion, emit expert.StreamFunc) (string, error) {
	if m.consensusErr != nil {
		return "", m.consensusErr
	}
	if emit != nil {
		emit(m.consensusText, m.consensusText)
	}
	return m.consensusText, nil
}

func (m *stubModerator) Synthesize(_ context.Context, _ delib.CaseInfo, _ []delib.Opinion, consensusReached bool, emit expert.StreamFunc) (string, error) {
	m.modMu.Lock()
	m.synthesizedWith = append(m.synthesizedWith, consensusReached)
	m.modMu.Unlock()
	if m.finalErr != nil {
		return "", m.finalErr
	}
	if emit != nil {
		emit(m.finalText, m.finalText)
	}
	return m.finalText, nil
}

// memStore keeps sessions in memory; failWith makes Save fail.
type memStore struct {
	mu       sync.Mutex
	sessions map[string]*delib.Session
	failWith error
}

func newMemStore() *memStore {
	return &memStore{sessions: map[string]*delib.Session{}}
}

func (s *memStore) Save(_ context.Context, sess *delib.Session) (string, error) {
	if s.failWith != nil {
		return "", s.failWith
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return "mem://" + sess.ID, nil
}

func (s *memStore) Get(_ context.Context, id string) (*delib.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session %s not found", id)
	}
	return sess, nil
}

func (s *memStore) List(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	return ids, nil
}

type captureBroadcaster struct {
	mu    sync.Mutex
	kinds []string
}

func (b *captureBroadcaster) BroadcastEvent(_ context.Context, eventType string, _ any) {
	b.mu.Lock()
	b.kinds = append(b.kinds, eventType)
	b.mu.Unlock()
}

const (
	benignNarrative   = "各专家意见基本一致，没有冲突"
	conflictNarrative = "专家在治疗方案上存在明显分歧"
)

type coordSetup struct {
	co        *service.Coordinator
	store     *memStore
	hub       *captureBroadcaster
	moderator *stubModerator
	panel     []*stubExpert
}

func newCoordSetup(t *testing.T, mutate func(*coordSetup, *config.Deliberation)) *coordSetup {
	t.Helper()

	s := &coordSetup{
		store: newMemStore(),
		hub:   &captureBroadcaster{},
		moderator: &stubModerator{
			stubExpert:        stubExpert{id: "coordinator", kind: "coordination"},
			conflictNarrative: benignNarrative,
			consensusText:     "共识评分：0.9",
			finalText:         "综合各专家意见，建议手术治疗并随访复查",
		},
		panel: []*stubExpert{
			{id: "pulmonary", kind: "pulmonology"},
			{id: "imaging", kind: "radiology"},
			{id: "pathology", kind: "pathology"},
		},
	}

	cfg := config.Defaults().Deliberation
	cfg.MaxRounds = 2
	cfg.Panel = nil // resolve from explicit participants in tests

	if mutate != nil {
		mutate(s, &cfg)
	}

	reg := expert.NewRegistry()
	for _, ex := range s.panel {
		reg.Register(ex)
	}
	reg.Register(s.moderator)

	s.co = service.NewCoordinator(testLogger(), cfg, reg, s.store, s.hub,
		scoring.NewConflictScorer(), scoring.NewConsensusScorer(), nil)
	return s
}

func (s *coordSetup) participantIDs() []string {
	ids := make([]string, len(s.panel))
	for i, ex := range s.panel {
		ids[i] = ex.id
	}
	return ids
}

func TestRunSession_NoConflictSkipsDiscussion(t *testing.T) {
	s := newCoordSetup(t, nil)

	sess, err := s.co.RunSession(context.Background(), testCase(), s.participantIDs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if sess.Phases.ConflictDetection == nil || sess.Phases.ConflictDetection.ConflictDetected {
		t.Error("benign narrative should not detect a conflict")
	}
	if sess.Phases.MultiRoundDiscussion != nil {
		t.Error("discussion phase should be skipped without conflicts")
	}
	if sess.FinalResult == nil || sess.FinalResult.Err {
		t.Fatal("session should carry a successful final recommendation")
	}
	if !sess.Completed() {
		t.Error("session should be stamped complete")
	}
	if !sess.EndTime.After(sess.StartTime) {
		t.Error("end time must be after start time")
	}
	if _, err := s.store.Get(context.Background(), sess.ID); err != nil {
		t.Errorf("completed session should be persisted: %v", err)
	}
}

func TestRunSession_ConflictRunsRounds_EarlyStop(t *testing.T) {
	s := newCoordSetup(t, func(s *coordSetup, _ *config.Deliberation) {
		s.moderator.conflictNarrative = conflictNarrative
		// Identical round positions score full lexical consensus.
		for _, ex := range s.panel {
			ex.responses = map[int]string{1: "agree on surgery", 2: "still debating"}
		}
	})

	sess, err := s.co.RunSession(context.Background(), testCase(), s.participantIDs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dlog := sess.Phases.MultiRoundDiscussion
	if dlog == nil {
		t.Fatal("conflict should trigger the discussion phase")
	}
	if dlog.TotalRounds != 1 {
		t.Fatalf("full agreement in round 1 should stop early, ran %d rounds", dlog.TotalRounds)
	}
	if dlog.Rounds[0].ConsensusScore < 0.99 {
		t.Errorf("identical positions should score ~1.0, got %f", dlog.Rounds[0].ConsensusScore)
	}
}

func TestRunSession_RoundCapRespected(t *testing.T) {
	s := newCoordSetup(t, func(s *coordSetup, cfg *config.Deliberation) {
		cfg.MaxRounds = 2
		s.moderator.conflictNarrative = conflictNarrative
		// Disjoint vocabularies keep the lexical score at zero.
		s.panel[0].responses = map[int]string{1: "alpha", 2: "bravo"}
		s.panel[1].responses = map[int]string{1: "charlie", 2: "delta"}
		s.panel[2].responses = map[int]string{1: "echo", 2: "foxtrot"}
	})

	sess, err := s.co.RunSession(context.Background(), testCase(), s.participantIDs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dlog := sess.Phases.MultiRoundDiscussion
	if dlog == nil {
		t.Fatal("conflict should trigger the discussion phase")
	}
	if dlog.TotalRounds != 2 {
		t.Fatalf("persistent disagreement should run all %d rounds, ran %d", 2, dlog.TotalRounds)
	}
	for i, round := range dlog.Rounds {
		if round.Round != i+1 {
			t.Errorf("round numbering must be gapless: index %d has round %d", i, round.Round)
		}
	}
}

func TestRunSession_InvalidCaseIsPreFlight(t *testing.T) {
	s := newCoordSetup(t, nil)

	c := testCase()
	delete(c, "medical_history")
	_, err := s.co.RunSession(context.Background(), c, s.participantIDs())
	if err == nil {
		t.Fatal("expected validation error")
	}
	if n, _ := s.store.List(context.Background()); len(n) != 0 {
		t.Error("failed pre-flight must not persist anything")
	}
}

func TestRunSession_NoParticipants(t *testing.T) {
	s := newCoordSetup(t, nil)

	_, err := s.co.RunSession(context.Background(), testCase(), []string{"nonexistent"})
	if !errors.Is(err, delib.ErrNoParticipants) {
		t.Fatalf("expected ErrNoParticipants, got %v", err)
	}
}

func TestRunSession_ModeratorFailureDefaultsToConflict(t *testing.T) {
	s := newCoordSetup(t, func(s *coordSetup, _ *config.Deliberation) {
		s.moderator.conflictErr = errors.New("backend down")
	})

	sess, err := s.co.RunSession(context.Background(), testCase(), s.participantIDs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cd := sess.Phases.ConflictDetection
	if cd == nil || !cd.ConflictDetected {
		t.Fatal("conflict detection failure must default to conflict present")
	}
	if !cd.Err {
		t.Error("assessment should be flagged as errored")
	}
	if sess.Phases.MultiRoundDiscussion == nil {
		t.Error("defaulted conflict should still trigger discussion")
	}
}

func TestRunSession_ExplicitConflictFlagWinsOverKeywords(t *testing.T) {
	explicit := false
	s := newCoordSetup(t, func(s *coordSetup, _ *config.Deliberation) {
		// Narrative reads conflicty but the structured answer says no.
		s.moderator.conflictNarrative = conflictNarrative
		s.moderator.conflictExplicit = &explicit
	})

	sess, err := s.co.RunSession(context.Background(), testCase(), s.participantIDs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sess.Phases.ConflictDetection.ConflictDetected {
		t.Error("explicit flag must take precedence over keyword matching")
	}
	if sess.Phases.MultiRoundDiscussion != nil {
		t.Error("discussion should be skipped when the explicit flag denies conflict")
	}
}

func TestRunSession_ConsensusEvaluationScores(t *testing.T) {
	s := newCoordSetup(t, func(s *coordSetup, _ *config.Deliberation) {
		// Every keyword indicator present pushes the lexical score to 1.0.
		rich := "建议手术治疗，推荐化疗与放疗，诊断明确，术后观察随访并定期检查"
		for _, ex := range s.panel {
			ex.responses = map[int]string{0: rich}
		}
		s.moderator.consensusText = "共识评分：0.9"
	})

	sess, err := s.co.RunSession(context.Background(), testCase(), s.participantIDs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	ce := sess.Phases.ConsensusEvaluation
	if ce == nil {
		t.Fatal("missing consensus evaluation")
	}
	if ce.NarrativeScore != 0.9 {
		t.Errorf("narrative score = %f, want 0.9", ce.NarrativeScore)
	}
	if ce.LexicalScore != 1.0 {
		t.Errorf("lexical score = %f, want 1.0", ce.LexicalScore)
	}
	if !ce.Reached {
		t.Error("averaged score 0.95 should reach the 0.75 threshold")
	}

	s.moderator.modMu.Lock()
	defer s.moderator.modMu.Unlock()
	if len(s.moderator.synthesizedWith) != 1 || !s.moderator.synthesizedWith[0] {
		t.Error("final synthesis should be told consensus was reached")
	}
}

func TestRunSession_SoloPanelAssumesConsensus(t *testing.T) {
	s := newCoordSetup(t, func(s *coordSetup, _ *config.Deliberation) {
		s.panel = s.panel[:1]
	})

	sess, err := s.co.RunSession(context.Background(), testCase(), []string{"pulmonary"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ce := sess.Phases.ConsensusEvaluation
	if ce == nil || !ce.Reached || ce.Score != 1.0 {
		t.Errorf("a single opinion cannot disagree with itself: %+v", ce)
	}
}

func TestRunSession_ExpertFailureDoesNotAbort(t *testing.T) {
	s := newCoordSetup(t, func(s *coordSetup, _ *config.Deliberation) {
		s.panel[1].failWith = errors.New("model overloaded")
	})

	sess, err := s.co.RunSession(context.Background(), testCase(), s.participantIDs())
	if err != nil {
		t.Fatalf("expert failure must not fail the session: %v", err)
	}
	op, ok := sess.Phases.IndividualAnalysis["imaging"]
	if !ok || !op.Err {
		t.Error("failed expert should be recorded as an error opinion")
	}
	if !sess.Completed() {
		t.Error("session should complete despite an expert failure")
	}
}

func TestRunSession_PersistFailureIsTerminal(t *testing.T) {
	s := newCoordSetup(t, func(s *coordSetup, _ *config.Deliberation) {
		s.store.failWith = errors.New("disk full")
	})

	sess, err := s.co.RunSession(context.Background(), testCase(), s.participantIDs())
	if err == nil {
		t.Fatal("persist failure must surface as a session error")
	}
	if sess == nil {
		t.Fatal("the in-memory session should still be returned")
	}
	if sess.Err == "" {
		t.Error("session should record the terminal error")
	}
}

func TestRunSessionStream_TerminalEventAndParity(t *testing.T) {
	s := newCoordSetup(t, func(s *coordSetup, _ *config.Deliberation) {
		s.moderator.conflictNarrative = conflictNarrative
		for _, ex := range s.panel {
			ex.responses = map[int]string{1: "agree fully", 2: "agree fully"}
		}
	})

	ch, err := s.co.RunSessionStream(context.Background(), testCase(), s.participantIDs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var events []event.Event
	for ev := range ch {
		events = append(events, ev)
	}
	if len(events) == 0 {
		t.Fatal("streaming session produced no events")
	}

	last := events[len(events)-1]
	complete, ok := last.(event.SessionComplete)
	if !ok {
		t.Fatalf("final event = %s, want session_complete", last.EventKind())
	}
	sess := complete.Session
	if sess == nil || !sess.Completed() {
		t.Fatal("terminal event must carry the completed session")
	}

	// Streamed and blocking runs share one phase path: same structure.
	if sess.Phases.IndividualAnalysis == nil || sess.Phases.SharingDiscussion == nil ||
		sess.Phases.ConflictDetection == nil || sess.Phases.MultiRoundDiscussion == nil ||
		sess.Phases.ConsensusEvaluation == nil || sess.Phases.FinalCoordination == nil {
		t.Error("streamed session should populate every phase slot")
	}

	// Phase starts must appear in the fixed sequence.
	var seen []delib.Phase
	for _, ev := range events {
		if ps, ok := ev.(event.PhaseStart); ok {
			seen = append(seen, ps.Phase)
		}
	}
	want := []delib.Phase{
		delib.PhaseInitialization,
		delib.PhaseIndividualAnalysis,
		delib.PhaseSharingDiscussion,
		delib.PhaseConflictDetection,
		delib.PhaseMultiRoundDiscussion,
		delib.PhaseConsensusEvaluation,
		delib.PhaseFinalCoordination,
	}
	if len(seen) != len(want) {
		t.Fatalf("phase starts = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("phase %d = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestRunSessionStream_PreFlightIsSynchronous(t *testing.T) {
	s := newCoordSetup(t, nil)

	c := testCase()
	delete(c, "patient_id")
	if _, err := s.co.RunSessionStream(context.Background(), c, s.participantIDs()); err == nil {
		t.Fatal("invalid case should fail before any goroutine starts")
	}
}

func TestRunSessionStream_PersistFailureEmitsSessionError(t *testing.T) {
	s := newCoordSetup(t, func(s *coordSetup, _ *config.Deliberation) {
		s.store.failWith = errors.New("disk full")
	})

	ch, err := s.co.RunSessionStream(context.Background(), testCase(), s.participantIDs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var last event.Event
	for ev := range ch {
		last = ev
	}
	if _, ok := last.(event.SessionError); !ok {
		t.Fatalf("final event = %s, want session_error", last.EventKind())
	}
}

func TestProgressListenerPanicIsolated(t *testing.T) {
	s := newCoordSetup(t, nil)

	var calls int
	s.co.AddProgressListener(func(delib.Phase, string) { panic("listener bug") })
	s.co.AddProgressListener(func(delib.Phase, string) { calls++ })

	if _, err := s.co.RunSession(context.Background(), testCase(), s.participantIDs()); err != nil {
		t.Fatalf("panicking listener must not abort the session: %v", err)
	}
	if calls == 0 {
		t.Error("later listeners should still run after an earlier panic")
	}
}

func TestStatusLifecycle(t *testing.T) {
	s := newCoordSetup(t, nil)

	if st := s.co.Status(); st.Active {
		t.Error("fresh coordinator should be idle")
	}

	sess, err := s.co.RunSession(context.Background(), testCase(), s.participantIDs())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	st := s.co.Status()
	if st.Active {
		t.Error("status should go inactive after the run")
	}
	if st.SessionID != sess.ID {
		t.Errorf("status session = %s, want %s", st.SessionID, sess.ID)
	}

	s.co.Reset()
	if st := s.co.Status(); st.SessionID != "" {
		t.Error("reset should clear the status snapshot")
	}
}

func TestHubReceivesLifecycleEvents(t *testing.T) {
	s := newCoordSetup(t, nil)

	if _, err := s.co.RunSession(context.Background(), testCase(), s.participantIDs()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	s.hub.mu.Lock()
	defer s.hub.mu.Unlock()
	kinds := map[string]bool{}
	for _, k := range s.hub.kinds {
		kinds[k] = true
	}
	for _, want := range []string{"phase_start", "phase_complete", "session_complete"} {
		if !kinds[want] {
			t.Errorf("hub should receive %s events in blocking mode", want)
		}
	}
}
