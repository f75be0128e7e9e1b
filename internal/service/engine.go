// Package service contains the deliberation core: the parallel phase
// engine and the session coordinator that sequences phases, applies
// gating, and persists the finished session.
package service

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	conotel "github.com/concilium/concilium/internal/adapter/otel"
	"github.com/concilium/concilium/internal/domain/delib"
	"github.com/concilium/concilium/internal/domain/event"
	"github.com/concilium/concilium/internal/port/expert"
)

// Engine fans a phase out across its participants and merges the
// results back into a single PhaseResult. One engine is shared by all
// sessions of a coordinator; it holds no per-run state.
type Engine struct {
	log           *slog.Logger
	workerTimeout time.Duration
	sem           *semaphore.Weighted
	metrics       *conotel.Metrics
}

// NewEngine builds an engine. workerTimeout bounds each participant's
// call (0 disables the bound); maxParallel caps concurrently running
// participants (0 means unbounded). metrics may be nil.
func NewEngine(log *slog.Logger, workerTimeout time.Duration, maxParallel int64, metrics *conotel.Metrics) *Engine {
	e := &Engine{log: log, workerTimeout: workerTimeout, metrics: metrics}
	if maxParallel > 0 {
		e.sem = semaphore.NewWeighted(maxParallel)
	}
	return e
}

// Run executes one phase (or one round of the iterative phase, when
// round > 0) across all experts concurrently and returns the merged
// result. A nil emit runs the phase in blocking mode with no event
// traffic; a non-nil emit streams agent_start, agent_chunk and
// agent_complete events as they happen, plus a final phase_complete
// carrying the merged result when round == 0. Round-level completion
// events stay with the caller, which owns the phase boundary.
//
// A participant failure never aborts the phase: the failed expert is
// recorded as an error opinion and the remaining experts keep running.
func (e *Engine) Run(ctx context.Context, phase delib.Phase, round int, experts []expert.Expert, c delib.CaseInfo, prior []delib.Opinion, emit func(event.Event)) delib.PhaseResult {
	results := make(delib.PhaseResult, len(experts))

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, ex := range experts {
		wg.Add(1)
		go func(ex expert.Expert) {
			defer wg.Done()

			if e.sem != nil {
				if err := e.sem.Acquire(ctx, 1); err != nil {
					op := delib.ErrorOpinion(ex.ID(), ex.Kind(), round, err)
					mu.Lock()
					results[ex.ID()] = op
					mu.Unlock()
					if emit != nil {
						emit(event.NewAgentComplete(phase, round, op))
					}
					return
				}
				defer e.sem.Release(1)
			}

			if emit != nil {
				emit(event.NewAgentStart(phase, ex.ID(), ex.Kind(), round))
			}
			op := e.invoke(ctx, phase, round, ex, c, prior, emit)
			mu.Lock()
			results[ex.ID()] = op
			mu.Unlock()
			if emit != nil {
				emit(event.NewAgentComplete(phase, round, op))
			}
		}(ex)
	}
	wg.Wait()

	if emit != nil && round == 0 {
		emit(event.NewPhaseComplete(phase, results))
	}
	return results
}

// invoke runs a single participant with the worker timeout applied and
// panics converted into error opinions.
func (e *Engine) invoke(ctx context.Context, phase delib.Phase, round int, ex expert.Expert, c delib.CaseInfo, prior []delib.Opinion, emit func(event.Event)) (op delib.Opinion) {
	if e.metrics != nil {
		e.metrics.ExpertCalls.Add(ctx, 1)
	}
	if e.workerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.workerTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("expert panicked",
				slog.String("phase", string(phase)),
				slog.String("expert", ex.ID()),
				slog.Any("panic", r))
			op = delib.ErrorOpinion(ex.ID(), ex.Kind(), round, fmt.Errorf("expert %s panicked: %v", ex.ID(), r))
		}
	}()

	var chunks expert.StreamFunc
	if emit != nil {
		chunks = func(chunk, cumulative string) {
			emit(event.NewAgentChunk(phase, ex.ID(), round, chunk, cumulative))
		}
	}

	var (
		text string
		err  error
	)
	if round > 0 {
		text, err = ex.DiscussRound(ctx, c, prior, round, chunks)
	} else {
		text, err = ex.Analyze(ctx, c, prior, chunks)
	}
	if err != nil {
		e.log.Warn("expert failed",
			slog.String("phase", string(phase)),
			slog.String("expert", ex.ID()),
			slog.String("error", err.Error()))
		return delib.ErrorOpinion(ex.ID(), ex.Kind(), round, err)
	}

	op = delib.Opinion{
		ExpertID:  ex.ID(),
		Kind:      ex.Kind(),
		Text:      text,
		Round:     round,
		Timestamp: time.Now().UTC(),
	}
	if scorer, ok := ex.(interface{ Confidence(string) float64 }); ok {
		op.Confidence = scorer.Confidence(text)
	}
	return op
}
