package scheduler

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskvault/taskvault/pkg/audit"
	"github.com/taskvault/taskvault/pkg/config"
	"github.com/taskvault/taskvault/pkg/continuation"
	"github.com/taskvault/taskvault/pkg/locks"
	"github.com/taskvault/taskvault/pkg/log"
	"github.com/taskvault/taskvault/pkg/notify"
	"github.com/taskvault/taskvault/pkg/queue"
	"github.com/taskvault/taskvault/pkg/registry"
	"github.com/taskvault/taskvault/pkg/session"
	"github.com/taskvault/taskvault/pkg/tokenstate"
	"github.com/taskvault/taskvault/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

// newTestScheduler wires a scheduler over temp directories
func newTestScheduler(t *testing.T) (*Scheduler, *config.Config) {
	t.Helper()
	base := t.TempDir()

	cfg := &config.Config{
		VaultDir:          filepath.Join(base, "vault"),
		StateDir:          filepath.Join(base, "state"),
		SchedulerCycle:    time.Second,
		DefaultMaxTurns:   10,
		DefaultComplexity: types.ComplexityHosted,
		MaxContinuations:  5,
		DryRun:            true,
		Backends: []types.Backend{
			{Name: "claude", Kind: types.BackendAPI, Command: "claude", MaxParallel: 2},
			{Name: "ollama", Kind: types.BackendLocal, Command: "ollama", MaxParallel: 1},
		},
	}
	require.NoError(t, os.MkdirAll(cfg.VaultDir, 0o755))
	require.NoError(t, os.MkdirAll(cfg.StateDir, 0o755))

	q, err := queue.New(cfg.StatePath("events"))
	require.NoError(t, err)
	lr, err := locks.New(cfg.StatePath("locks"))
	require.NoError(t, err)
	ts := tokenstate.New(cfg.StatePath("token-state.json"))
	require.NoError(t, ts.Init())
	sess, err := session.New(cfg.StatePath("sessions"))
	require.NoError(t, err)
	conts, err := continuation.New(cfg.StatePath("continuations"), cfg.MaxContinuations)
	require.NoError(t, err)
	journal, err := audit.New(cfg.StateDir)
	require.NoError(t, err)
	cache, err := registry.NewComplexityCache(cfg.StatePath("complexity"))
	require.NoError(t, err)
	reg := registry.New(cfg.Backends, lr, ts)
	notif := notify.NewDispatcher(notify.LogSender{})

	s, err := New(cfg, q, reg, lr, ts, sess, conts, journal, cache, notif)
	require.NoError(t, err)
	return s, cfg
}

func writeTurn(t *testing.T, cfg *config.Config, task, file, content string) {
	t.Helper()
	dir := cfg.TaskDir(task)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644))
}

func TestResolveComplexity(t *testing.T) {
	s, cfg := newTestScheduler(t)

	// From the file
	writeTurn(t, cfg, "demo", "001_demo.md", "<!-- complexity: 1 -->\nprompt\n<User>\n")
	assert.Equal(t, types.ComplexityLocal, s.resolveComplexity("demo", "001_demo.md"))

	// Cached value survives a file without the comment
	writeTurn(t, cfg, "demo", "002_demo.md", "follow-up\n<User>\n")
	assert.Equal(t, types.ComplexityLocal, s.resolveComplexity("demo", "002_demo.md"))

	// Default when nothing is known
	writeTurn(t, cfg, "fresh", "001_fresh.md", "prompt\n<User>\n")
	assert.Equal(t, types.ComplexityHosted, s.resolveComplexity("fresh", "001_fresh.md"))
}

func TestDryRunReleasesLock(t *testing.T) {
	s, cfg := newTestScheduler(t)

	writeTurn(t, cfg, "demo", "001_demo.md", "prompt\n<User>\n")
	s.handleFileReady(types.QueueEvent{
		Kind: types.EventFileReady,
		Task: "demo",
		File: "001_demo.md",
	})

	held, err := s.locks.Check("claude", "demo")
	require.NoError(t, err)
	assert.False(t, held)
	held, err = s.locks.Check("ollama", "demo")
	require.NoError(t, err)
	assert.False(t, held)
}

func TestQueuedEventIsParkedForRetry(t *testing.T) {
	s, cfg := newTestScheduler(t)

	// Exhaust the only hosted backend
	require.NoError(t, s.tokens.MarkExhausted("claude", time.Now().Add(time.Hour)))

	writeTurn(t, cfg, "demo", "001_demo.md", "<!-- complexity: 3 -->\nprompt\n<User>\n")
	s.handleFileReady(types.QueueEvent{Kind: types.EventFileReady, Task: "demo", File: "001_demo.md"})

	require.Len(t, s.retryQueue, 1)
	assert.Equal(t, "demo", s.retryQueue[0].Task)

	// The same exhaustion window notifies only once
	s.handleFileReady(types.QueueEvent{Kind: types.EventFileReady, Task: "demo", File: "001_demo.md"})
	assert.Len(t, s.retryQueue, 2)
	resetAt, ok := s.tokens.ResetAt("claude")
	require.True(t, ok)
	assert.True(t, s.notifiedExhaustion["claude"].Equal(resetAt))
}

func TestFailureSentinelBlocksDispatch(t *testing.T) {
	s, cfg := newTestScheduler(t)

	require.NoError(t, s.fails.record("demo", "001_demo.md", 1))
	assert.True(t, s.fails.blocked("demo", "001_demo.md"))

	writeTurn(t, cfg, "demo", "001_demo.md", "prompt\n<User>\n")
	s.handleFileReady(types.QueueEvent{Kind: types.EventFileReady, Task: "demo", File: "001_demo.md"})

	// Nothing parked, nothing locked: the sentinel swallowed the event
	assert.Empty(t, s.retryQueue)
	held, err := s.locks.Check("claude", "demo")
	require.NoError(t, err)
	assert.False(t, held)

	require.NoError(t, s.fails.clear("demo", "001_demo.md"))
	assert.False(t, s.fails.blocked("demo", "001_demo.md"))
}

func TestFailureBackoffGrows(t *testing.T) {
	s := failureSentinel{Count: 1, UpdatedAt: time.Now()}
	first := s.blockedUntil()

	s.Count = 3
	assert.True(t, s.blockedUntil().After(first))

	// The cap holds even for absurd counts
	s.Count = 500
	assert.WithinDuration(t, s.UpdatedAt.Add(failureBackoffCap), s.blockedUntil(), time.Second)
}

func TestDecideContinuation(t *testing.T) {
	s, cfg := newTestScheduler(t)
	backend := cfg.Backends[0]

	// Unedited framed response at the turn limit: continuation queued
	writeTurn(t, cfg, "demo", "002_demo.md", "<!-- CLAUDE-RESPONSE -->\n\npartial work\n\n# <User>\n")
	s.decideContinuation(backend, types.QueueEvent{Task: "demo", File: "001_demo.md"}, "002_demo.md",
		types.InvokeResult{SessionID: "abc-1", TurnsUsed: 10})

	rec, err := s.conts.Get("demo")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.ContinuationCount)

	events, err := s.queue.Drain()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventFileReady, events[0].Kind)
	assert.Equal(t, "002_demo.md", events[0].File)
	assert.Equal(t, "continuation:abc-1", events[0].Metadata)
}

func TestDecideContinuationEdited(t *testing.T) {
	s, cfg := newTestScheduler(t)
	backend := cfg.Backends[0]

	_, err := s.conts.Mark("demo", "abc-1", 10, 10, "002_demo.md")
	require.NoError(t, err)

	// The user replaced the placeholder before the scheduler got there
	writeTurn(t, cfg, "demo", "002_demo.md", "<!-- CLAUDE-RESPONSE -->\n\nanswer\n\nkeep going with X\n<User>\n")
	s.decideContinuation(backend, types.QueueEvent{Task: "demo", File: "001_demo.md"}, "002_demo.md",
		types.InvokeResult{SessionID: "abc-1", TurnsUsed: 10})

	rec, err := s.conts.Get("demo")
	require.NoError(t, err)
	assert.Nil(t, rec)

	events, err := s.queue.Drain()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "002_demo.md", events[0].File)
	assert.Empty(t, events[0].Metadata)
}

func TestDecideContinuationStop(t *testing.T) {
	s, cfg := newTestScheduler(t)
	backend := cfg.Backends[0]

	writeTurn(t, cfg, "demo", "002_demo.md", "<!-- CLAUDE-RESPONSE -->\n\ndone\n<Stop>\n\n# <User>\n")
	s.decideContinuation(backend, types.QueueEvent{Task: "demo", File: "001_demo.md"}, "002_demo.md",
		types.InvokeResult{SessionID: "abc-1", TurnsUsed: 10})

	rec, err := s.conts.Get("demo")
	require.NoError(t, err)
	assert.Nil(t, rec)

	events, err := s.queue.Drain()
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDecideContinuationBelowLimitClears(t *testing.T) {
	s, cfg := newTestScheduler(t)
	backend := cfg.Backends[0]

	_, err := s.conts.Mark("demo", "abc-1", 10, 10, "002_demo.md")
	require.NoError(t, err)

	s.decideContinuation(backend, types.QueueEvent{Task: "demo", File: "002_demo.md"}, "003_demo.md",
		types.InvokeResult{SessionID: "abc-1", TurnsUsed: 4})

	rec, err := s.conts.Get("demo")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestDecideContinuationLimitReached(t *testing.T) {
	s, cfg := newTestScheduler(t)
	backend := cfg.Backends[0]

	for i := 0; i < cfg.MaxContinuations; i++ {
		_, err := s.conts.Mark("demo", "abc-1", 10, 10, "002_demo.md")
		require.NoError(t, err)
	}

	writeTurn(t, cfg, "demo", "002_demo.md", "<!-- CLAUDE-RESPONSE -->\n\nmore\n\n# <User>\n")
	s.decideContinuation(backend, types.QueueEvent{Task: "demo", File: "001_demo.md"}, "002_demo.md",
		types.InvokeResult{SessionID: "abc-1", TurnsUsed: 10})

	rec, err := s.conts.Get("demo")
	require.NoError(t, err)
	assert.Nil(t, rec)

	events, err := s.queue.Drain()
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestHandleStop(t *testing.T) {
	s, cfg := newTestScheduler(t)

	// A live invoker to interrupt
	child := exec.Command("sleep", "60")
	require.NoError(t, child.Start())
	defer func() { _ = child.Process.Kill() }()
	go func() { _ = child.Wait() }()

	require.NoError(t, s.locks.Acquire("claude", "demo", child.Process.Pid))
	require.NoError(t, s.sess.Save("demo", "abc-1"))
	writeTurn(t, cfg, "demo", "002_demo.md", "<!-- CLAUDE-RESPONSE -->\n\nhalf an answer")

	s.handleStop(types.QueueEvent{Kind: types.EventStopSignal, Task: "demo", File: "002_demo.md"})

	// Lock is gone
	held, err := s.locks.Check("claude", "demo")
	require.NoError(t, err)
	assert.False(t, held)

	// Session no longer reads as fresh
	_, ok := s.sess.Fresh("demo")
	assert.False(t, ok)

	// Partial response rescued
	entries, err := os.ReadDir(cfg.StatePath("partial"))
	require.NoError(t, err)
	require.Len(t, entries, 1)

	// Interrupt audit record exists
	auditEntries, err := os.ReadDir(filepath.Join(cfg.StateDir, "audit", "demo"))
	require.NoError(t, err)
	assert.Len(t, auditEntries, 1)
}

func TestTerminateDeadPIDIsQuiet(t *testing.T) {
	assert.NoError(t, terminate(4194000))
}
