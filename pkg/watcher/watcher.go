package watcher

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/taskvault/taskvault/pkg/config"
	"github.com/taskvault/taskvault/pkg/log"
	"github.com/taskvault/taskvault/pkg/metrics"
	"github.com/taskvault/taskvault/pkg/queue"
	"github.com/taskvault/taskvault/pkg/turn"
	"github.com/taskvault/taskvault/pkg/types"
)

// Watcher turns vault file changes into queue events. Two strategies run
// concurrently: fsnotify write events debounced by a settle delay (cloud
// sync clients write in bursts), and a slow full poll that catches anything
// the event stream missed.
type Watcher struct {
	cfg    *config.Config
	queue  *queue.Queue
	logger zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup

	// Guards debounce timers; data fields are only touched by run goroutines
	mu       sync.Mutex
	debounce map[string]*time.Timer
}

// New creates a watcher over the configured vault
func New(cfg *config.Config, q *queue.Queue) *Watcher {
	return &Watcher{
		cfg:      cfg,
		queue:    q,
		logger:   log.WithComponent("watcher"),
		stopCh:   make(chan struct{}),
		debounce: map[string]*time.Timer{},
	}
}

// Start launches the event and poll loops
func (w *Watcher) Start() error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	if err := fsw.Add(w.cfg.VaultDir); err != nil {
		_ = fsw.Close()
		return err
	}
	for _, task := range w.taskDirs() {
		_ = fsw.Add(filepath.Join(w.cfg.VaultDir, task))
	}

	w.wg.Add(2)
	go w.runEvents(fsw)
	go w.runPoll()

	w.logger.Info().Str("vault", w.cfg.VaultDir).Msg("Watcher started")
	return nil
}

// Stop terminates both loops
func (w *Watcher) Stop() {
	close(w.stopCh)
	w.wg.Wait()

	w.mu.Lock()
	for _, t := range w.debounce {
		t.Stop()
	}
	w.mu.Unlock()
}

// runEvents consumes fsnotify events, debouncing per task
func (w *Watcher) runEvents(fsw *fsnotify.Watcher) {
	defer w.wg.Done()
	defer fsw.Close()

	for {
		select {
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(fsw, ev)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher event stream error")
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) handleEvent(fsw *fsnotify.Watcher, ev fsnotify.Event) {
	rel, err := filepath.Rel(w.cfg.VaultDir, ev.Name)
	if err != nil || strings.HasPrefix(rel, "..") {
		return
	}

	// A new task directory: start watching it
	if ev.Op.Has(fsnotify.Create) {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !strings.HasPrefix(filepath.Base(ev.Name), ".") && !strings.Contains(rel, string(filepath.Separator)) {
				_ = fsw.Add(ev.Name)
			}
			return
		}
	}

	if !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Create) {
		return
	}

	parts := strings.Split(rel, string(filepath.Separator))
	if len(parts) != 2 {
		// Files directly under the vault root are not turns
		return
	}
	task, file := parts[0], parts[1]
	if strings.HasPrefix(task, ".") || file == "_status.md" || !strings.HasSuffix(file, ".md") {
		return
	}

	// Debounce per task: cloud sync delivers bursts of partial writes
	w.mu.Lock()
	if t, ok := w.debounce[task]; ok {
		t.Stop()
	}
	w.debounce[task] = time.AfterFunc(w.cfg.SettleDelay, func() {
		w.scanTask(task)
	})
	w.mu.Unlock()
}

// runPoll is the fallback scan loop
func (w *Watcher) runPoll() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, task := range w.taskDirs() {
				w.scanTask(task)
			}
		case <-w.stopCh:
			return
		}
	}
}

// scanTask classifies the latest turn of one task and queues the
// appropriate event
func (w *Watcher) scanTask(task string) {
	taskDir := w.cfg.TaskDir(task)

	latest, err := turn.LatestFile(taskDir)
	if err != nil || latest == "" {
		return
	}

	stop, err := turn.DetectStop(taskDir, latest)
	if err != nil {
		w.logger.Error().Err(err).Str("task", task).Msg("Stop detection failed")
		return
	}
	if stop {
		w.enqueue(types.EventStopSignal, task, latest, "")
		return
	}

	cls, err := turn.Classify(taskDir, latest)
	if err != nil {
		w.logger.Error().Err(err).Str("task", task).Msg("Classification failed")
		return
	}
	if cls == types.TurnBackend {
		// Still awaiting the user
		return
	}

	ready, err := turn.IsReady(taskDir, latest, w.cfg.StabilityTimeout)
	if err != nil {
		w.logger.Error().Err(err).Str("task", task).Msg("Readiness check failed")
		return
	}
	if ready {
		w.enqueue(types.EventFileReady, task, latest, "")
	}
}

func (w *Watcher) enqueue(kind types.EventKind, task, file, metadata string) {
	if err := w.queue.Write(kind, task, file, metadata); err != nil {
		w.logger.Error().Err(err).Str("task", task).Str("file", file).Msg("Queueing event failed")
		return
	}
	metrics.EventsWrittenTotal.WithLabelValues(string(kind)).Inc()
	w.logger.Debug().
		Str("kind", string(kind)).
		Str("task", task).
		Str("file", file).
		Msg("Event queued")
}

// taskDirs lists non-hidden task directories under the vault
func (w *Watcher) taskDirs() []string {
	entries, err := os.ReadDir(w.cfg.VaultDir)
	if err != nil {
		return nil
	}
	var tasks []string
	for _, e := range entries {
		if !e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		tasks = append(tasks, e.Name())
	}
	return tasks
}
