// Package sessionstore defines the port for persisting completed
// deliberation sessions.
package sessionstore

import (
	"context"
	"errors"

	"github.com/concilium/concilium/internal/domain/delib"
)

// ErrNotFound indicates no session exists for the requested ID.
var ErrNotFound = errors.New("session not found")

// Store persists session snapshots. Save is invoked once per session with
// the read-only aggregate; its failure is the session run's terminal error.
type Store interface {
	// Save writes the session record and returns its location (a file
	// path or a row identifier, depending on the backend).
	Save(ctx context.Context, s *delib.Session) (string, error)

	// Get returns a previously saved session by ID.
	Get(ctx context.Context, id string) (*delib.Session, error)

	// List returns the IDs of all saved sessions.
	List(ctx context.Context) ([]string, error)
}
