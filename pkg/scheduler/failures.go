package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"
)

// failureSentinel is the JSON body of failures/<task>/<file>.failed. The
// counter and timestamp drive exponential backoff so a deterministic
// failure cannot tight-loop, while still retrying eventually in case the
// failure was environmental.
type failureSentinel struct {
	Count     int       `json:"count"`
	LastExit  int       `json:"last_exit"`
	UpdatedAt time.Time `json:"updated_at"`
}

const (
	failureBackoffBase = time.Minute
	failureBackoffCap  = time.Hour
)

// blockedUntil computes the earliest next attempt for the sentinel
func (f *failureSentinel) blockedUntil() time.Time {
	backoff := failureBackoffBase << uint(f.Count-1)
	if backoff > failureBackoffCap || backoff <= 0 {
		backoff = failureBackoffCap
	}
	return f.UpdatedAt.Add(backoff)
}

// failures manages the per-(task, file) failure sentinels
type failures struct {
	dir string
}

func newFailures(dir string) (*failures, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating failures dir: %w", err)
	}
	return &failures{dir: dir}, nil
}

func (f *failures) path(task, file string) string {
	return filepath.Join(f.dir, task, file+".failed")
}

// blocked reports whether a sentinel exists and its backoff has not expired
func (f *failures) blocked(task, file string) bool {
	data, err := os.ReadFile(f.path(task, file))
	if err != nil {
		return false
	}
	var s failureSentinel
	if err := json.Unmarshal(data, &s); err != nil {
		// Legacy empty sentinel: treat as one failure at the file's mtime
		s = failureSentinel{Count: 1, UpdatedAt: time.Now()}
		if info, err := os.Stat(f.path(task, file)); err == nil {
			s.UpdatedAt = info.ModTime()
		}
	}
	return time.Now().Before(s.blockedUntil())
}

// record bumps the sentinel after a failed run
func (f *failures) record(task, file string, exit int) error {
	path := f.path(task, file)

	var s failureSentinel
	if data, err := os.ReadFile(path); err == nil {
		_ = json.Unmarshal(data, &s)
	}
	s.Count++
	s.LastExit = exit
	s.UpdatedAt = time.Now().UTC()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating task failures dir: %w", err)
	}
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshaling sentinel: %w", err)
	}
	if err := renameio.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing sentinel: %w", err)
	}
	return nil
}

// clear removes the sentinel after a successful run; idempotent
func (f *failures) clear(task, file string) error {
	if err := os.Remove(f.path(task, file)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing sentinel: %w", err)
	}
	return nil
}
