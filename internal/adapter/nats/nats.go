// Package nats broadcasts session events to NATS JetStream so external
// consumers (dashboards, audit pipelines) can follow deliberations live.
package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/concilium/concilium/internal/port/broadcast"
)

const streamName = "CONCILIUM"

// Broadcaster implements broadcast.Broadcaster on NATS JetStream.
type Broadcaster struct {
	nc  *nats.Conn
	js  jetstream.JetStream
	log *slog.Logger
}

// Connect establishes a connection to NATS and ensures the JetStream
// stream capturing session subjects exists.
func Connect(ctx context.Context, url string, log *slog.Logger) (*Broadcaster, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:     streamName,
		Subjects: []string{"sessions.>"},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	log.Info("nats connected", slog.String("url", url), slog.String("stream", streamName))
	return &Broadcaster{nc: nc, js: js, log: log}, nil
}

// BroadcastEvent publishes one session event under sessions.<type>.
// Publish failures are logged, not returned: a broken broker must never
// interrupt a running deliberation.
func (b *Broadcaster) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		b.log.Error("marshal broadcast payload failed",
			slog.String("type", eventType),
			slog.String("error", err.Error()))
		return
	}

	subject := subjectFor(eventType)
	if _, err := b.js.Publish(ctx, subject, data); err != nil {
		b.log.Error("nats publish failed",
			slog.String("subject", subject),
			slog.String("error", err.Error()))
	}
}

// Close shuts down the NATS connection.
func (b *Broadcaster) Close() {
	b.nc.Close()
}

func subjectFor(eventType string) string {
	if eventType == "" {
		eventType = "unknown"
	}
	return "sessions." + eventType
}

var _ broadcast.Broadcaster = (*Broadcaster)(nil)
