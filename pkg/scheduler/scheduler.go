package scheduler

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskvault/taskvault/pkg/audit"
	"github.com/taskvault/taskvault/pkg/config"
	"github.com/taskvault/taskvault/pkg/continuation"
	"github.com/taskvault/taskvault/pkg/invoker"
	"github.com/taskvault/taskvault/pkg/locks"
	"github.com/taskvault/taskvault/pkg/log"
	"github.com/taskvault/taskvault/pkg/metrics"
	"github.com/taskvault/taskvault/pkg/notify"
	"github.com/taskvault/taskvault/pkg/queue"
	"github.com/taskvault/taskvault/pkg/registry"
	"github.com/taskvault/taskvault/pkg/session"
	"github.com/taskvault/taskvault/pkg/tokenstate"
	"github.com/taskvault/taskvault/pkg/turn"
	"github.com/taskvault/taskvault/pkg/types"
)

const continuationPrefix = "continuation:"

// Scheduler drains the event queue, routes work to backends, admits it
// through the lock registry and supervises one invoker subprocess per
// in-flight invocation. The control loop is single-threaded; per-invocation
// monitor goroutines run concurrently and never block the loop.
type Scheduler struct {
	cfg     *config.Config
	queue   *queue.Queue
	reg     *registry.Registry
	locks   *locks.Registry
	tokens  *tokenstate.Store
	sess    *session.Store
	conts   *continuation.Store
	journal *audit.Journal
	cache   *registry.ComplexityCache
	fails   *failures
	notif   *notify.Dispatcher
	logger  zerolog.Logger

	retryQueue []types.QueueEvent
	// Tracks which exhaustion windows have already produced a priority
	// notification, keyed by backend and reset deadline
	notifiedExhaustion map[string]time.Time

	stopCh  chan struct{}
	wg      sync.WaitGroup
	monWG   sync.WaitGroup
	invoker string
}

// New wires a scheduler from its collaborators
func New(cfg *config.Config, q *queue.Queue, reg *registry.Registry, lr *locks.Registry,
	ts *tokenstate.Store, sess *session.Store, conts *continuation.Store,
	journal *audit.Journal, cache *registry.ComplexityCache, notif *notify.Dispatcher) (*Scheduler, error) {

	fails, err := newFailures(cfg.StatePath("failures"))
	if err != nil {
		return nil, err
	}

	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving own binary: %w", err)
	}

	return &Scheduler{
		cfg:                cfg,
		queue:              q,
		reg:                reg,
		locks:              lr,
		tokens:             ts,
		sess:               sess,
		conts:              conts,
		journal:            journal,
		cache:              cache,
		fails:              fails,
		notif:              notif,
		logger:             log.WithComponent("scheduler"),
		notifiedExhaustion: map[string]time.Time{},
		stopCh:             make(chan struct{}),
		invoker:            self,
	}, nil
}

// Start begins the scheduler loop
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.run()
}

// Stop stops the loop and waits for in-flight monitors
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
	s.monWG.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()

	if incomplete, err := s.journal.CheckIncomplete(); err == nil && len(incomplete) > 0 {
		s.logger.Warn().Strs("tasks", incomplete).Msg("Journal has unmatched START entries")
	}

	ticker := time.NewTicker(s.cfg.SchedulerCycle)
	defer ticker.Stop()

	s.logger.Info().Dur("cycle", s.cfg.SchedulerCycle).Msg("Scheduler started")

	for {
		select {
		case <-ticker.C:
			s.cycle()
		case <-s.stopCh:
			s.logger.Info().Msg("Scheduler stopped")
			return
		}
	}
}

// cycle performs one scheduling pass: drain, dispatch, retry, reap
func (s *Scheduler) cycle() {
	events, err := s.queue.Drain()
	if err != nil {
		s.logger.Error().Err(err).Msg("Queue drain failed")
		return
	}
	if n := len(events); n > 0 {
		metrics.EventsDrainedTotal.Add(float64(n))
	}

	for _, ev := range events {
		s.dispatch(ev)
	}

	retries := s.retryQueue
	s.retryQueue = nil
	for _, ev := range retries {
		s.dispatch(ev)
	}
	metrics.RetryQueueDepth.Set(float64(len(s.retryQueue)))

	if reaped, err := s.locks.ReapStale(); err == nil && reaped > 0 {
		metrics.LocksReapedTotal.Add(float64(reaped))
		s.logger.Info().Int("reaped", reaped).Msg("Reaped stale locks")
	}

	for _, name := range s.reg.List() {
		if n, err := s.locks.Count(name); err == nil {
			metrics.LocksLive.WithLabelValues(name).Set(float64(n))
		}
	}
}

func (s *Scheduler) dispatch(ev types.QueueEvent) {
	switch ev.Kind {
	case types.EventFileReady:
		s.handleFileReady(ev)
	case types.EventStopSignal:
		s.handleStop(ev)
	default:
		s.logger.Debug().
			Str("kind", string(ev.Kind)).
			Str("task", ev.Task).
			Msg("Dropping unhandled event kind")
	}
}

// handleFileReady routes and admits one ready turn file
func (s *Scheduler) handleFileReady(ev types.QueueEvent) {
	logger := log.WithInvocation(ev.Task, ev.File, "")

	resumeSession := ""
	if strings.HasPrefix(ev.Metadata, continuationPrefix) {
		resumeSession = strings.TrimPrefix(ev.Metadata, continuationPrefix)
	}

	complexity := s.resolveComplexity(ev.Task, ev.File)

	backendName, err := s.reg.Route(complexity)
	if err != nil {
		s.handleQueued(ev, complexity)
		return
	}

	backend, err := s.reg.Get(backendName)
	if err != nil {
		logger.Error().Err(err).Msg("Routed to unknown backend")
		return
	}

	if held, err := s.locks.Check(backendName, ev.Task); err != nil || held {
		logger.Debug().Str("backend", backendName).Msg("Task already locked, skipping")
		return
	}
	if s.fails.blocked(ev.Task, ev.File) {
		logger.Debug().Msg("Failure sentinel set, skipping until backoff expires")
		return
	}

	if err := s.locks.Acquire(backendName, ev.Task, os.Getpid()); err != nil {
		if err == locks.ErrBusy {
			logger.Debug().Str("backend", backendName).Msg("Lost lock race, skipping")
			return
		}
		logger.Error().Err(err).Msg("Lock acquisition failed")
		return
	}

	outputFile, err := turn.NextFilename(ev.File, ev.Task)
	if err != nil {
		logger.Error().Err(err).Msg("Cannot derive output filename")
		_ = s.locks.Release(backendName, ev.Task)
		return
	}

	if s.cfg.DryRun {
		logger.Info().
			Str("backend", backendName).
			Str("output", outputFile).
			Int("complexity", int(complexity)).
			Str("resume", resumeSession).
			Msg("DRY_RUN: would spawn invoker")
		_ = s.locks.Release(backendName, ev.Task)
		return
	}

	cmd, stdout, err := s.spawnInvoker(backend, ev, outputFile, resumeSession, complexity)
	if err != nil {
		logger.Error().Err(err).Msg("Spawning invoker failed")
		_ = s.locks.Release(backendName, ev.Task)
		return
	}

	// The journal pairs START/END by (task, pid), so both use the worker's
	// PID; the lock is rewritten likewise so external observers can find it
	if err := s.journal.Start(ev.Task, ev.File, backendName, cmd.Process.Pid, resumeSession); err != nil {
		logger.Warn().Err(err).Msg("Journal start failed")
	}
	if err := s.locks.Rewrite(backendName, ev.Task, cmd.Process.Pid); err != nil {
		logger.Warn().Err(err).Msg("Lock rewrite failed")
	}

	s.monWG.Add(1)
	go s.monitor(cmd, stdout, backend, ev, outputFile)
}

// handleQueued parks an event for retry and surfaces hosted-backend
// exhaustion once per window
func (s *Scheduler) handleQueued(ev types.QueueEvent, complexity types.Complexity) {
	if complexity == types.ComplexityHosted {
		for _, name := range s.reg.List() {
			b, err := s.reg.Get(name)
			if err != nil || b.Kind != types.BackendAPI {
				continue
			}
			if !s.tokens.IsExhausted(name) {
				continue
			}
			resetAt, ok := s.tokens.ResetAt(name)
			if !ok {
				continue
			}
			if s.notifiedExhaustion[name].Equal(resetAt) {
				continue
			}
			s.notifiedExhaustion[name] = resetAt
			s.notif.Publish(notify.Notification{
				Title:    "Backend exhausted",
				Message:  fmt.Sprintf("%s is rate limited until %s; task %s is waiting", name, resetAt.Format(time.RFC3339), ev.Task),
				Priority: notify.PriorityHigh,
			})
		}
	}

	s.retryQueue = append(s.retryQueue, ev)
	metrics.RetryQueueDepth.Set(float64(len(s.retryQueue)))
	s.logger.Debug().Str("task", ev.Task).Str("file", ev.File).Msg("No backend available, parked for retry")
}

// resolveComplexity reads the file's complexity comment, falling back to
// the per-task cache and then the configured default. The resolved value is
// cached back.
func (s *Scheduler) resolveComplexity(task, file string) types.Complexity {
	c, err := turn.ExtractComplexity(filepath.Join(s.cfg.TaskDir(task), file))
	if err != nil || !c.Valid() {
		c = s.cache.Get(task)
	}
	if !c.Valid() {
		c = s.cfg.DefaultComplexity
	}
	if err := s.cache.Put(task, c); err != nil {
		s.logger.Warn().Err(err).Str("task", task).Msg("Caching complexity failed")
	}
	return c
}

// spawnInvoker launches the invoker subprocess with its stdout piped back
func (s *Scheduler) spawnInvoker(backend types.Backend, ev types.QueueEvent, outputFile, resumeSession string, complexity types.Complexity) (*exec.Cmd, io.ReadCloser, error) {
	bin := s.invoker
	if backend.Invoker != "" {
		bin = backend.Invoker
	}

	args := []string{
		"invoke",
		"--backend", backend.Name,
		"--task-dir", s.cfg.TaskDir(ev.Task),
		"--input", ev.File,
		"--output", outputFile,
		"--max-turns", strconv.Itoa(s.cfg.DefaultMaxTurns),
		"--complexity", strconv.Itoa(int(complexity)),
		"--state-dir", s.cfg.StateDir,
	}
	if resumeSession != "" {
		args = append(args, "--resume", resumeSession)
	}

	cmd := exec.Command(bin, args...)
	cmd.Env = os.Environ()

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, nil, fmt.Errorf("piping invoker stdout: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, nil, fmt.Errorf("starting invoker: %w", err)
	}
	return cmd, stdout, nil
}

// monitor waits on one invoker subprocess and processes its lifecycle
func (s *Scheduler) monitor(cmd *exec.Cmd, stdout io.ReadCloser, backend types.Backend, ev types.QueueEvent, outputFile string) {
	defer s.monWG.Done()

	logger := log.WithInvocation(ev.Task, ev.File, backend.Name)
	timer := metrics.NewTimer()
	pid := cmd.Process.Pid

	var buf bytes.Buffer
	_, _ = io.Copy(&buf, stdout)

	exitCode := 0
	if err := cmd.Wait(); err != nil {
		if ee, ok := err.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			exitCode = -1
		}
	}
	timer.ObserveDuration(metrics.InvocationDuration.WithLabelValues(backend.Name))

	res, err := invoker.ParseProtocol(&buf)
	if err != nil {
		logger.Warn().Err(err).Msg("Protocol parse failed")
	}
	res.ExitCode = exitCode

	if err := s.journal.End(ev.Task, ev.File, backend.Name, pid, exitCode, res.TurnsUsed); err != nil {
		logger.Warn().Err(err).Msg("Journal end failed")
	}

	req := invoker.Request{
		Backend:    backend,
		TaskDir:    s.cfg.TaskDir(ev.Task),
		InputFile:  ev.File,
		OutputFile: outputFile,
		StateDir:   s.cfg.StateDir,
	}
	record := types.AuditRecord{
		Task:          ev.Task,
		File:          ev.File,
		Backend:       backend.Name,
		SessionID:     res.SessionID,
		Turns:         res.TurnsUsed,
		ExitCode:      exitCode,
		Timestamp:     time.Now().UTC(),
		StderrExcerpt: invoker.StderrExcerpt(req),
	}
	if err := s.journal.WriteRecord(record); err != nil {
		logger.Warn().Err(err).Msg("Audit record failed")
	}
	if res.TurnsUsed > 0 {
		if err := s.journal.UpdateUsage(backend.Name, res.TurnsUsed, ev.Task); err != nil {
			logger.Warn().Err(err).Msg("Usage update failed")
		}
		metrics.TurnsUsedTotal.WithLabelValues(backend.Name).Add(float64(res.TurnsUsed))
	}

	if err := s.locks.Release(backend.Name, ev.Task); err != nil {
		logger.Warn().Err(err).Msg("Lock release failed")
	}

	switch {
	case exitCode == types.ExitRateLimited:
		s.handleRateLimit(backend.Name, ev, res)
	case exitCode == types.ExitOK:
		metrics.InvocationsTotal.WithLabelValues(backend.Name, "ok").Inc()
		if err := s.fails.clear(ev.Task, ev.File); err != nil {
			logger.Warn().Err(err).Msg("Sentinel clear failed")
		}
		s.notif.Publish(notify.Notification{
			Title:   "Task responded",
			Message: fmt.Sprintf("%s answered %s/%s in %d turns", backend.Name, ev.Task, ev.File, res.TurnsUsed),
		})
		s.decideContinuation(backend, ev, outputFile, res)
	default:
		metrics.InvocationsTotal.WithLabelValues(backend.Name, "error").Inc()
		if err := s.fails.record(ev.Task, ev.File, exitCode); err != nil {
			logger.Warn().Err(err).Msg("Sentinel record failed")
		}
		s.notif.Publish(notify.Notification{
			Title:   "Invocation failed",
			Message: fmt.Sprintf("%s on %s/%s exited %d", backend.Name, ev.Task, ev.File, exitCode),
		})
		logger.Error().Int("exit", exitCode).Msg("Invocation failed")
	}
}

// handleRateLimit marks the backend exhausted and puts the event back
func (s *Scheduler) handleRateLimit(backendName string, ev types.QueueEvent, res types.InvokeResult) {
	metrics.InvocationsTotal.WithLabelValues(backendName, "rate_limited").Inc()
	metrics.RateLimitsTotal.WithLabelValues(backendName).Inc()

	resetAt, how := invoker.ResolveReset(res.ResetToken, time.Now())
	s.logger.Warn().
		Str("backend", backendName).
		Str("token", res.ResetToken).
		Str("interpretation", how).
		Time("reset_at", resetAt).
		Msg("Backend exhausted")

	if err := s.tokens.MarkExhausted(backendName, resetAt); err != nil {
		s.logger.Error().Err(err).Msg("Persisting exhaustion failed")
	}

	s.notif.Publish(notify.Notification{
		Title:    "Rate limit",
		Message:  fmt.Sprintf("%s exhausted until %s", backendName, resetAt.Format(time.RFC3339)),
		Priority: notify.PriorityHigh,
	})

	if err := s.queue.Write(ev.Kind, ev.Task, ev.File, ev.Metadata); err != nil {
		s.logger.Error().Err(err).Msg("Re-queueing rate-limited event failed")
	}
}

// decideContinuation handles the max-turn boundary after a successful run
func (s *Scheduler) decideContinuation(backend types.Backend, ev types.QueueEvent, outputFile string, res types.InvokeResult) {
	logger := log.WithInvocation(ev.Task, outputFile, backend.Name)

	if res.TurnsUsed < s.cfg.DefaultMaxTurns {
		// Conversation finished normally; drop any continuation chain
		if err := s.conts.Clear(ev.Task); err != nil {
			logger.Warn().Err(err).Msg("Continuation clear failed")
		}
		return
	}

	taskDir := s.cfg.TaskDir(ev.Task)

	cls, err := turn.Classify(taskDir, outputFile)
	if err != nil {
		logger.Error().Err(err).Msg("Reclassifying response failed")
		return
	}
	if cls == types.TurnEdited {
		// The user got there first: their edit is the next input
		_ = s.conts.Clear(ev.Task)
		if err := s.queue.Write(types.EventFileReady, ev.Task, outputFile, ""); err != nil {
			logger.Error().Err(err).Msg("Re-queueing edited response failed")
		}
		return
	}

	if stop, err := turn.DetectStop(taskDir, outputFile); err == nil && stop {
		_ = s.conts.Clear(ev.Task)
		return
	}

	if !s.conts.ShouldContinue(ev.Task) {
		logger.Warn().Msg("Continuation limit reached, stopping auto-resume")
		_ = s.conts.Clear(ev.Task)
		return
	}

	rec, err := s.conts.Mark(ev.Task, res.SessionID, res.TurnsUsed, s.cfg.DefaultMaxTurns, outputFile)
	if err != nil {
		logger.Error().Err(err).Msg("Marking continuation failed")
		return
	}
	metrics.ContinuationsTotal.Inc()

	meta := continuationPrefix + res.SessionID
	if err := s.queue.Write(types.EventFileReady, ev.Task, outputFile, meta); err != nil {
		logger.Error().Err(err).Msg("Re-queueing continuation failed")
		return
	}
	logger.Info().
		Int("count", rec.ContinuationCount).
		Str("session", res.SessionID).
		Msg("Continuation queued")
}

// handleStop preempts the in-flight invocation for a task
func (s *Scheduler) handleStop(ev types.QueueEvent) {
	logger := log.WithTask(ev.Task)
	metrics.StopSignalsTotal.Inc()

	backendName, pid, err := s.locks.Owner(ev.Task)
	if err != nil {
		logger.Error().Err(err).Msg("Lock scan failed")
		return
	}

	if backendName != "" && pid != 0 {
		if err := terminate(pid); err != nil {
			logger.Error().Err(err).Int("pid", pid).Msg("Terminating invoker failed")
		} else {
			logger.Info().Int("pid", pid).Str("backend", backendName).Msg("Invoker terminated")
		}
	}

	s.rescuePartial(ev.Task, ev.File)

	if err := s.sess.Invalidate(ev.Task); err != nil {
		logger.Warn().Err(err).Msg("Session invalidation failed")
	}
	if err := s.conts.Clear(ev.Task); err != nil {
		logger.Warn().Err(err).Msg("Continuation clear failed")
	}

	record := types.AuditRecord{
		Task:        ev.Task,
		File:        ev.File,
		Backend:     backendName,
		ExitCode:    types.ExitInterrupted,
		Interrupted: true,
		Timestamp:   time.Now().UTC(),
	}
	if err := s.journal.WriteRecord(record); err != nil {
		logger.Warn().Err(err).Msg("Interrupt audit record failed")
	}

	if backendName != "" {
		if err := s.locks.Release(backendName, ev.Task); err != nil {
			logger.Warn().Err(err).Msg("Lock release failed")
		}
	}

	s.notif.Publish(notify.Notification{
		Title:    "Task stopped",
		Message:  fmt.Sprintf("%s interrupted on user request", ev.Task),
		Priority: notify.PriorityHigh,
	})
}

// rescuePartial copies a possibly half-written response into partial/
func (s *Scheduler) rescuePartial(task, file string) {
	src := filepath.Join(s.cfg.TaskDir(task), file)
	data, err := os.ReadFile(src)
	if err != nil {
		return
	}

	dir := s.cfg.StatePath("partial")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return
	}
	name := fmt.Sprintf("%s_%s_%s.md", safeComponent(task), safeComponent(file), time.Now().UTC().Format("20060102T150405"))
	if err := os.WriteFile(filepath.Join(dir, name), data, 0o644); err != nil {
		s.logger.Warn().Err(err).Msg("Rescuing partial response failed")
	}
}

func safeComponent(s string) string {
	s = strings.ReplaceAll(s, string(filepath.Separator), "_")
	return strings.ReplaceAll(s, "..", "_")
}

// terminate sends SIGTERM, escalating to SIGKILL after 5 seconds
func terminate(pid int) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		// Already gone
		return nil
	}

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if proc.Signal(syscall.Signal(0)) != nil {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}

	if err := proc.Signal(syscall.SIGKILL); err != nil {
		return nil
	}
	time.Sleep(time.Second)
	if proc.Signal(syscall.Signal(0)) == nil {
		return fmt.Errorf("pid %d survived SIGKILL", pid)
	}
	return nil
}
