package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/renameio/v2"
)

// TTL is how long a stored session id stays reusable
const TTL = 24 * time.Hour

// Store keeps one session file per task under <state>/sessions. The body is
// normally the bare session id; an invalidated session is rewritten as a
// small JSON object so the id survives for the audit trail while no longer
// reading as fresh.
type Store struct {
	dir string
}

type invalidated struct {
	ID          string `json:"id"`
	Invalidated bool   `json:"invalidated"`
}

// New creates the sessions directory
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating sessions dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// Save stores the session id for a task
func (s *Store) Save(task, id string) error {
	if err := renameio.WriteFile(s.path(task), []byte(id+"\n"), 0o644); err != nil {
		return fmt.Errorf("writing session: %w", err)
	}
	return nil
}

// Fresh returns the stored session id when the file is younger than TTL and
// not invalidated. An expired file is purged on the way out.
func (s *Store) Fresh(task string) (string, bool) {
	path := s.path(task)
	info, err := os.Stat(path)
	if err != nil {
		return "", false
	}
	if time.Since(info.ModTime()) > TTL {
		_ = os.Remove(path)
		return "", false
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", false
	}
	body := strings.TrimSpace(string(data))
	if body == "" {
		return "", false
	}

	if strings.HasPrefix(body, "{") {
		var inv invalidated
		if err := json.Unmarshal([]byte(body), &inv); err == nil && inv.Invalidated {
			return "", false
		}
	}
	return body, true
}

// Invalidate marks the task's session unusable without deleting the id
func (s *Store) Invalidate(task string) error {
	path := s.path(task)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading session: %w", err)
	}

	id := strings.TrimSpace(string(data))
	if strings.HasPrefix(id, "{") {
		var inv invalidated
		if json.Unmarshal([]byte(id), &inv) == nil {
			id = inv.ID
		}
	}

	body, err := json.Marshal(invalidated{ID: id, Invalidated: true})
	if err != nil {
		return fmt.Errorf("marshaling session: %w", err)
	}
	if err := renameio.WriteFile(path, append(body, '\n'), 0o644); err != nil {
		return fmt.Errorf("invalidating session: %w", err)
	}
	return nil
}

// Remove deletes the session file; idempotent
func (s *Store) Remove(task string) error {
	if err := os.Remove(s.path(task)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing session: %w", err)
	}
	return nil
}

func (s *Store) path(task string) string {
	return filepath.Join(s.dir, task+".session")
}
