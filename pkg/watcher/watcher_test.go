package watcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskvault/taskvault/pkg/config"
	"github.com/taskvault/taskvault/pkg/log"
	"github.com/taskvault/taskvault/pkg/queue"
	"github.com/taskvault/taskvault/pkg/types"
)

func init() {
	log.Init(log.Config{Level: log.ErrorLevel})
}

func newTestWatcher(t *testing.T) (*Watcher, *config.Config, *queue.Queue) {
	t.Helper()
	base := t.TempDir()
	cfg := &config.Config{
		VaultDir:         filepath.Join(base, "vault"),
		StateDir:         filepath.Join(base, "state"),
		PollInterval:     time.Hour,
		StabilityTimeout: 5 * time.Minute,
		SettleDelay:      10 * time.Millisecond,
	}
	require.NoError(t, os.MkdirAll(cfg.VaultDir, 0o755))

	q, err := queue.New(filepath.Join(cfg.StateDir, "events"))
	require.NoError(t, err)
	return New(cfg, q), cfg, q
}

func writeTask(t *testing.T, cfg *config.Config, task, file, content string) {
	t.Helper()
	dir := filepath.Join(cfg.VaultDir, task)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, file), []byte(content), 0o644))
}

func TestScanTaskReadyUserFile(t *testing.T) {
	w, cfg, q := newTestWatcher(t)

	writeTask(t, cfg, "demo", "001_demo.md", "please summarize foo\n<User>\n")
	w.scanTask("demo")

	events, err := q.Drain()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventFileReady, events[0].Kind)
	assert.Equal(t, "demo", events[0].Task)
	assert.Equal(t, "001_demo.md", events[0].File)
}

func TestScanTaskNotReady(t *testing.T) {
	w, cfg, q := newTestWatcher(t)

	// Fresh file without sentinel: stability timeout has not elapsed
	writeTask(t, cfg, "demo", "001_demo.md", "still typing\n")
	w.scanTask("demo")

	events, err := q.Drain()
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestScanTaskBackendTurnIsIgnored(t *testing.T) {
	w, cfg, q := newTestWatcher(t)

	writeTask(t, cfg, "demo", "002_demo.md", "<!-- CLAUDE-RESPONSE -->\n\nanswer\n\n# <User>\n")
	w.scanTask("demo")

	events, err := q.Drain()
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestScanTaskEditedResponseIsReady(t *testing.T) {
	w, cfg, q := newTestWatcher(t)

	writeTask(t, cfg, "demo", "002_demo.md", "<!-- CLAUDE-RESPONSE -->\n\nanswer\n\nfollow up please\n<User>\n")
	w.scanTask("demo")

	events, err := q.Drain()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventFileReady, events[0].Kind)
	assert.Equal(t, "002_demo.md", events[0].File)
}

func TestScanTaskStopSignal(t *testing.T) {
	w, cfg, q := newTestWatcher(t)

	writeTask(t, cfg, "demo", "003_demo.md", "enough\n<Stop>\n")
	w.scanTask("demo")

	events, err := q.Drain()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, types.EventStopSignal, events[0].Kind)
}

func TestScanTaskOnlyLatestFileCounts(t *testing.T) {
	w, cfg, q := newTestWatcher(t)

	writeTask(t, cfg, "demo", "001_demo.md", "old prompt\n<User>\n")
	writeTask(t, cfg, "demo", "002_demo.md", "<!-- CLAUDE-RESPONSE -->\n\nanswer\n\n# <User>\n")
	w.scanTask("demo")

	// Latest is a backend turn awaiting the user: nothing fires
	events, err := q.Drain()
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestTaskDirsSkipsHidden(t *testing.T) {
	w, cfg, _ := newTestWatcher(t)

	require.NoError(t, os.MkdirAll(filepath.Join(cfg.VaultDir, "visible"), 0o755))
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.VaultDir, ".obsidian"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfg.VaultDir, "stray.md"), []byte("x"), 0o644))

	assert.Equal(t, []string{"visible"}, w.taskDirs())
}

func TestEventDrivenDetection(t *testing.T) {
	w, cfg, q := newTestWatcher(t)

	require.NoError(t, w.Start())
	defer w.Stop()

	// Created after the watcher starts: the root watch discovers the dir
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.VaultDir, "live"), 0o755))
	// Give fsnotify time to pick up the new directory watch
	time.Sleep(200 * time.Millisecond)
	writeTask(t, cfg, "live", "001_live.md", "prompt\n<User>\n")

	require.Eventually(t, func() bool {
		depth, err := q.Depth()
		return err == nil && depth >= 1
	}, 3*time.Second, 20*time.Millisecond)

	events, err := q.Drain()
	require.NoError(t, err)
	require.NotEmpty(t, events)
	assert.Equal(t, types.EventFileReady, events[0].Kind)
	assert.Equal(t, "live", events[0].Task)
}
