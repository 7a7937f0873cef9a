package continuation

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"github.com/taskvault/taskvault/pkg/types"
)

// Store tracks in-flight multi-round conversations, one JSON file per task.
// A record exists while the scheduler is auto-resuming a conversation that
// keeps hitting its turn limit.
type Store struct {
	dir string
	max int
}

// New creates the continuations directory. max bounds the number of
// consecutive auto-resumes per task.
func New(dir string, max int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating continuations dir: %w", err)
	}
	if max <= 0 {
		max = 5
	}
	return &Store{dir: dir, max: max}, nil
}

// Mark records (or extends) the continuation for a task, incrementing the
// continuation count.
func (s *Store) Mark(task, sessionID string, turns, maxTurns int, file string) (*types.ContinuationRecord, error) {
	rec, _ := s.Get(task)
	if rec == nil {
		rec = &types.ContinuationRecord{Task: task}
	}
	rec.SessionID = sessionID
	rec.TurnsUsed = turns
	rec.MaxTurns = maxTurns
	rec.File = file
	rec.ContinuationCount++
	rec.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling continuation: %w", err)
	}
	if err := renameio.WriteFile(s.path(task), data, 0o644); err != nil {
		return nil, fmt.Errorf("writing continuation: %w", err)
	}
	return rec, nil
}

// Clear removes the continuation record; idempotent
func (s *Store) Clear(task string) error {
	if err := os.Remove(s.path(task)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing continuation: %w", err)
	}
	return nil
}

// Get returns the continuation record for task, or nil when absent
func (s *Store) Get(task string) (*types.ContinuationRecord, error) {
	data, err := os.ReadFile(s.path(task))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading continuation: %w", err)
	}
	var rec types.ContinuationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parsing continuation: %w", err)
	}
	return &rec, nil
}

// SessionID returns the recorded session id, or ""
func (s *Store) SessionID(task string) string {
	rec, _ := s.Get(task)
	if rec == nil {
		return ""
	}
	return rec.SessionID
}

// TurnsUsed returns the recorded turn count
func (s *Store) TurnsUsed(task string) int {
	rec, _ := s.Get(task)
	if rec == nil {
		return 0
	}
	return rec.TurnsUsed
}

// ShouldContinue reports whether another auto-resume is allowed
func (s *Store) ShouldContinue(task string) bool {
	rec, _ := s.Get(task)
	if rec == nil {
		return true
	}
	return rec.ContinuationCount < s.max
}

// List returns every task with an active continuation record
func (s *Store) List() ([]*types.ContinuationRecord, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading continuations dir: %w", err)
	}
	var recs []*types.ContinuationRecord
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		task := e.Name()[:len(e.Name())-len(".json")]
		rec, err := s.Get(task)
		if err != nil || rec == nil {
			continue
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

func (s *Store) path(task string) string {
	return filepath.Join(s.dir, task+".json")
}
