package locks

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// Registry manages per-(backend, task) lock files whose body is the owning
// subprocess PID. A lock is live iff its PID refers to a running process;
// stale locks are reaped opportunistically and never block acquisition.
type Registry struct {
	root string
}

// ErrBusy is returned by Acquire when a live lock already exists
var ErrBusy = fmt.Errorf("lock busy")

// New creates a registry rooted at dir
func New(dir string) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating locks dir: %w", err)
	}
	return &Registry{root: dir}, nil
}

// Acquire takes the (backend, task) lock for pid. Returns ErrBusy when a
// live lock exists. A stale lock (dead PID) is replaced. After writing, the
// file is read back as a cheap race check.
func (r *Registry) Acquire(backend, task string, pid int) error {
	path, err := r.lockPath(backend, task)
	if err != nil {
		return err
	}

	if owner, ok := readPID(path); ok && pidAlive(owner) {
		return ErrBusy
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating backend lock dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("writing lock: %w", err)
	}

	// Verify we won the write
	if owner, ok := readPID(path); !ok || owner != pid {
		return ErrBusy
	}
	return nil
}

// Rewrite replaces the lock body with a new PID. Used after spawning the
// invoker so external observers see the worker, not the scheduler.
func (r *Registry) Rewrite(backend, task string, pid int) error {
	path, err := r.lockPath(backend, task)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return fmt.Errorf("rewriting lock: %w", err)
	}
	return nil
}

// Release removes the lock; releasing an absent lock is a no-op
func (r *Registry) Release(backend, task string) error {
	path, err := r.lockPath(backend, task)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing lock: %w", err)
	}
	return nil
}

// Check reports whether a live lock exists for (backend, task)
func (r *Registry) Check(backend, task string) (bool, error) {
	pid, err := r.PIDOf(backend, task)
	if err != nil {
		return false, err
	}
	return pid != 0 && pidAlive(pid), nil
}

// PIDOf returns the PID in the lock file, or 0 when no lock exists
func (r *Registry) PIDOf(backend, task string) (int, error) {
	path, err := r.lockPath(backend, task)
	if err != nil {
		return 0, err
	}
	pid, ok := readPID(path)
	if !ok {
		return 0, nil
	}
	return pid, nil
}

// Count returns the number of live locks held against a backend
func (r *Registry) Count(backend string) (int, error) {
	dir := filepath.Join(r.root, backend)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading backend locks: %w", err)
	}

	n := 0
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".lock") {
			continue
		}
		if pid, ok := readPID(filepath.Join(dir, e.Name())); ok && pidAlive(pid) {
			n++
		}
	}
	return n, nil
}

// Owner scans all backends for a live lock on task and returns the backend
// name and PID, or ("", 0) when none is held.
func (r *Registry) Owner(task string) (string, int, error) {
	backends, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return "", 0, nil
		}
		return "", 0, fmt.Errorf("reading locks root: %w", err)
	}

	for _, b := range backends {
		if !b.IsDir() {
			continue
		}
		pid, err := r.PIDOf(b.Name(), task)
		if err != nil {
			continue
		}
		if pid != 0 && pidAlive(pid) {
			return b.Name(), pid, nil
		}
	}
	return "", 0, nil
}

// ReapStale sweeps every backend and deletes locks whose PID is dead,
// returning the number removed.
func (r *Registry) ReapStale() (int, error) {
	backends, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading locks root: %w", err)
	}

	reaped := 0
	for _, b := range backends {
		if !b.IsDir() {
			continue
		}
		dir := filepath.Join(r.root, b.Name())
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		for _, e := range entries {
			if e.IsDir() || !strings.HasSuffix(e.Name(), ".lock") {
				continue
			}
			path := filepath.Join(dir, e.Name())
			pid, ok := readPID(path)
			if ok && pidAlive(pid) {
				continue
			}
			if err := os.Remove(path); err == nil {
				reaped++
			}
		}
	}
	return reaped, nil
}

func (r *Registry) lockPath(backend, task string) (string, error) {
	if !safeName(backend) || !safeName(task) {
		return "", fmt.Errorf("invalid lock name %s/%s", backend, task)
	}
	return filepath.Join(r.root, backend, task+".lock"), nil
}

// safeName rejects path traversal in lock components
func safeName(s string) bool {
	return s != "" && !strings.Contains(s, "/") && !strings.Contains(s, "..")
}

func readPID(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, true
}

// pidAlive probes a process with signal 0
func pidAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
