package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "concilium"

// Metrics holds all Concilium metric instruments.
type Metrics struct {
	SessionsStarted   metric.Int64Counter
	SessionsCompleted metric.Int64Counter
	SessionsFailed    metric.Int64Counter
	ExpertCalls       metric.Int64Counter
	SessionDuration   metric.Float64Histogram
	DiscussionRounds  metric.Int64Histogram
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	m.SessionsStarted, err = meter.Int64Counter("concilium.sessions.started",
		metric.WithDescription("Number of deliberation sessions started"))
	if err != nil {
		return nil, err
	}

	m.SessionsCompleted, err = meter.Int64Counter("concilium.sessions.completed",
		metric.WithDescription("Number of deliberation sessions completed"))
	if err != nil {
		return nil, err
	}

	m.SessionsFailed, err = meter.Int64Counter("concilium.sessions.failed",
		metric.WithDescription("Number of deliberation sessions that failed terminally"))
	if err != nil {
		return nil, err
	}

	m.ExpertCalls, err = meter.Int64Counter("concilium.expert.calls",
		metric.WithDescription("Number of expert invocations"))
	if err != nil {
		return nil, err
	}

	m.SessionDuration, err = meter.Float64Histogram("concilium.session.duration_seconds",
		metric.WithDescription("Session duration in seconds"))
	if err != nil {
		return nil, err
	}

	m.DiscussionRounds, err = meter.Int64Histogram("concilium.session.discussion_rounds",
		metric.WithDescription("Discussion rounds run per session"))
	if err != nil {
		return nil, err
	}

	return m, nil
}
