package tokenstate

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/renameio/v2"
)

// Store persists per-backend rate-limit exhaustion with a reset deadline.
// Mutations go through a write-temp-then-rename so readers never observe a
// torn file. Reads are unlocked; the scheduler serializes writers.
type Store struct {
	path string
}

// state matches the on-disk token-state.json layout
type state struct {
	Exhausted map[string]bool   `json:"exhausted"`
	ResetTime map[string]string `json:"reset_time"`
}

// New creates a store backed by path
func New(path string) *Store {
	return &Store{path: path}
}

// Init writes an empty state file if none exists
func (s *Store) Init() error {
	if _, err := os.Stat(s.path); err == nil {
		return nil
	}
	return s.save(&state{
		Exhausted: map[string]bool{},
		ResetTime: map[string]string{},
	})
}

// MarkExhausted flags a backend until resetAt
func (s *Store) MarkExhausted(backend string, resetAt time.Time) error {
	st, err := s.load()
	if err != nil {
		return err
	}
	st.Exhausted[backend] = true
	st.ResetTime[backend] = resetAt.UTC().Format(time.RFC3339)
	return s.save(st)
}

// Clear removes the exhaustion flag for a backend
func (s *Store) Clear(backend string) error {
	st, err := s.load()
	if err != nil {
		return err
	}
	delete(st.Exhausted, backend)
	delete(st.ResetTime, backend)
	return s.save(st)
}

// IsExhausted reports whether a backend is flagged and its reset deadline is
// still in the future. A flagged backend whose deadline passed reads as not
// exhausted; the stale flag stays on disk until Clear or a new MarkExhausted
// for that backend replaces it.
func (s *Store) IsExhausted(backend string) bool {
	st, err := s.load()
	if err != nil {
		return false
	}
	if !st.Exhausted[backend] {
		return false
	}
	reset, ok := parseTime(st.ResetTime[backend])
	if !ok {
		return false
	}
	return time.Now().Before(reset)
}

// ResetAt returns the recorded reset deadline for a flagged backend; the
// deadline may already have passed
func (s *Store) ResetAt(backend string) (time.Time, bool) {
	st, err := s.load()
	if err != nil {
		return time.Time{}, false
	}
	if !st.Exhausted[backend] {
		return time.Time{}, false
	}
	return parseTime(st.ResetTime[backend])
}

func (s *Store) load() (*state, error) {
	st := &state{
		Exhausted: map[string]bool{},
		ResetTime: map[string]string{},
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return st, nil
		}
		return nil, fmt.Errorf("reading token state: %w", err)
	}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, fmt.Errorf("parsing token state: %w", err)
	}
	if st.Exhausted == nil {
		st.Exhausted = map[string]bool{}
	}
	if st.ResetTime == nil {
		st.ResetTime = map[string]string{}
	}
	return st, nil
}

func (s *Store) save(st *state) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling token state: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0o644); err != nil {
		return fmt.Errorf("writing token state: %w", err)
	}
	return nil
}

func parseTime(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}
