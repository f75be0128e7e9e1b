// Package fsstore persists finished deliberation sessions as pretty
// printed JSON files, one per session.
package fsstore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/concilium/concilium/internal/domain/delib"
	"github.com/concilium/concilium/internal/port/sessionstore"
)

const filePrefix = "mdt_session_"

// Store writes sessions under a single directory.
type Store struct {
	dir string
}

// New creates the session directory if needed and returns the store.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Save writes the session and returns the file path as its location.
func (s *Store) Save(_ context.Context, sess *delib.Session) (string, error) {
	data, err := json.MarshalIndent(sess, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal session %s: %w", sess.ID, err)
	}

	path := filepath.Join(s.dir, filePrefix+sess.ID+".json")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", fmt.Errorf("write session %s: %w", sess.ID, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return "", fmt.Errorf("finalize session %s: %w", sess.ID, err)
	}
	return path, nil
}

// Get loads one session by ID.
func (s *Store) Get(_ context.Context, id string) (*delib.Session, error) {
	data, err := os.ReadFile(filepath.Join(s.dir, filePrefix+id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("session %s: %w", id, sessionstore.ErrNotFound)
		}
		return nil, fmt.Errorf("read session %s: %w", id, err)
	}

	var sess delib.Session
	if err := json.Unmarshal(data, &sess); err != nil {
		return nil, fmt.Errorf("unmarshal session %s: %w", id, err)
	}
	return &sess, nil
}

// List returns all stored session IDs, sorted.
func (s *Store) List(_ context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("read session dir: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(strings.TrimPrefix(name, filePrefix), ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

var _ sessionstore.Store = (*Store)(nil)
