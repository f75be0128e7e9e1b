// Package broadcast defines the port for publishing deliberation events to
// connected observers (WebSocket clients, message subjects).
package broadcast

import "context"

// Broadcaster delivers a typed event to all observers. Delivery is
// fire-and-forget: a slow or failed observer never blocks the session.
type Broadcaster interface {
	BroadcastEvent(ctx context.Context, eventType string, payload any)
}

// Multi fans one event out to several broadcasters.
type Multi []Broadcaster

// BroadcastEvent sends the event to every underlying broadcaster.
func (m Multi) BroadcastEvent(ctx context.Context, eventType string, payload any) {
	for _, b := range m {
		b.BroadcastEvent(ctx, eventType, payload)
	}
}
