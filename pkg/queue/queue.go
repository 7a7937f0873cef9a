package queue

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"

	"github.com/taskvault/taskvault/pkg/types"
)

// Queue is a durable append-only event queue backed by a single file with a
// sibling advisory lock. Writers append one line per event; the scheduler
// drains the whole file atomically.
type Queue struct {
	path     string
	lockPath string
}

// New creates a queue rooted at dir, creating the directory if needed
func New(dir string) (*Queue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating queue dir: %w", err)
	}
	return &Queue{
		path:     filepath.Join(dir, "queue"),
		lockPath: filepath.Join(dir, "queue.lock"),
	}, nil
}

// Write validates and appends one event under the exclusive lock
func (q *Queue) Write(kind types.EventKind, task, file, metadata string) error {
	if !types.ValidKind(kind) {
		return fmt.Errorf("invalid event kind %q", kind)
	}
	if strings.Contains(task, "/") || strings.Contains(task, "..") {
		return fmt.Errorf("invalid task name %q", task)
	}

	line := fmt.Sprintf("%s|%s|%s|%s|%s\n",
		time.Now().UTC().Format(time.RFC3339), kind, task, file, sanitize(metadata))

	lock := flock.New(q.lockPath)
	if err := lock.Lock(); err != nil {
		return fmt.Errorf("acquiring queue lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	f, err := os.OpenFile(q.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening queue: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("appending event: %w", err)
	}
	return nil
}

// Drain reads and removes all queued events. Events come back in write
// order. Unparseable lines are skipped, not retained.
func (q *Queue) Drain() ([]types.QueueEvent, error) {
	lock := flock.New(q.lockPath)
	if err := lock.Lock(); err != nil {
		return nil, fmt.Errorf("acquiring queue lock: %w", err)
	}
	defer func() { _ = lock.Unlock() }()

	data, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading queue: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	if err := os.Truncate(q.path, 0); err != nil {
		return nil, fmt.Errorf("truncating queue: %w", err)
	}

	var events []types.QueueEvent
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		ev, err := parseLine(line)
		if err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events, nil
}

// Depth reports the number of events currently queued without draining
func (q *Queue) Depth() (int, error) {
	data, err := os.ReadFile(q.path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	n := 0
	for _, line := range strings.Split(string(data), "\n") {
		if strings.TrimSpace(line) != "" {
			n++
		}
	}
	return n, nil
}

func parseLine(line string) (types.QueueEvent, error) {
	parts := strings.SplitN(line, "|", 5)
	if len(parts) != 5 {
		return types.QueueEvent{}, fmt.Errorf("malformed queue line")
	}
	ts, err := time.Parse(time.RFC3339, parts[0])
	if err != nil {
		return types.QueueEvent{}, fmt.Errorf("bad timestamp: %w", err)
	}
	kind := types.EventKind(parts[1])
	if !types.ValidKind(kind) {
		return types.QueueEvent{}, fmt.Errorf("bad kind %q", parts[1])
	}
	return types.QueueEvent{
		Timestamp: ts,
		Kind:      kind,
		Task:      parts[2],
		File:      parts[3],
		Metadata:  parts[4],
	}, nil
}

// sanitize keeps metadata single-line and pipe-free so the record format
// survives round-tripping
func sanitize(s string) string {
	s = strings.ReplaceAll(s, "\n", " ")
	return strings.ReplaceAll(s, "|", ";")
}
