package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/concilium/concilium/internal/domain/delib"
	"github.com/concilium/concilium/internal/port/sessionstore"
)

// Store implements sessionstore.Store on PostgreSQL. The full session
// aggregate is stored as JSONB with a few columns lifted out for
// indexing.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Save upserts the session record and returns its row identifier.
func (s *Store) Save(ctx context.Context, sess *delib.Session) (string, error) {
	record, err := json.Marshal(sess)
	if err != nil {
		return "", fmt.Errorf("marshal session %s: %w", sess.ID, err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO sessions (id, started_at, ended_at, patient_id, record)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (id) DO UPDATE
		 SET ended_at = EXCLUDED.ended_at, record = EXCLUDED.record`,
		sess.ID, sess.StartTime, sess.EndTime, sess.Case.Field("patient_id", ""), record)
	if err != nil {
		return "", fmt.Errorf("save session %s: %w", sess.ID, err)
	}
	return "pg://sessions/" + sess.ID, nil
}

// Get returns one session by ID.
func (s *Store) Get(ctx context.Context, id string) (*delib.Session, error) {
	var record []byte
	err := s.pool.QueryRow(ctx,
		`SELECT record FROM sessions WHERE id = $1`, id).Scan(&record)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", id, sessionstore.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}

	var sess delib.Session
	if err := json.Unmarshal(record, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	return &sess, nil
}

// List returns all session IDs, newest first.
func (s *Store) List(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id FROM sessions ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan session id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

var _ sessionstore.Store = (*Store)(nil)
