package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskvault/taskvault/pkg/config"
	"github.com/taskvault/taskvault/pkg/locks"
	"github.com/taskvault/taskvault/pkg/log"
	"github.com/taskvault/taskvault/pkg/metrics"
	"github.com/taskvault/taskvault/pkg/notify"
)

// child is one supervised long-lived process
type child struct {
	name    string
	args    []string
	logPath string

	cmd      *exec.Cmd
	restarts []time.Time
	gaveUp   bool
}

// Supervisor launches the watcher and scheduler as child processes, each
// with its own log file, restarts them when they die, and gives up on a
// child that keeps dying faster than the restart budget allows.
type Supervisor struct {
	cfg      *config.Config
	notif    *notify.Dispatcher
	logger   zerolog.Logger
	children []*child
	stopCh   chan struct{}
	wg       sync.WaitGroup
	self     string
}

// New builds a supervisor for the standard child set
func New(cfg *config.Config, notif *notify.Dispatcher) (*Supervisor, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolving own binary: %w", err)
	}

	return &Supervisor{
		cfg:    cfg,
		notif:  notif,
		logger: log.WithComponent("supervisor"),
		children: []*child{
			{name: "watcher", args: []string{"watcher"}, logPath: cfg.StatePath("logs", "watcher.log")},
			{name: "scheduler", args: []string{"scheduler"}, logPath: cfg.StatePath("logs", "scheduler.log")},
		},
		stopCh: make(chan struct{}),
		self:   self,
	}, nil
}

// StateSubdirs is every directory the system expects under the state root
var StateSubdirs = []string{
	"locks", "events", "sessions", "continuations", "audit",
	"usage", "partial", "failures", "logs", "complexity",
}

// EnsureStateDirs creates the state tree
func EnsureStateDirs(cfg *config.Config) error {
	for _, sub := range StateSubdirs {
		if err := os.MkdirAll(cfg.StatePath(sub), 0o755); err != nil {
			return fmt.Errorf("creating state dir %s: %w", sub, err)
		}
	}
	return nil
}

// Run starts all children and blocks until stop. The caller is expected to
// call Shutdown from a signal handler.
func (s *Supervisor) Run() error {
	if err := EnsureStateDirs(s.cfg); err != nil {
		return err
	}

	for _, c := range s.children {
		if err := s.spawn(c); err != nil {
			return fmt.Errorf("starting %s: %w", c.name, err)
		}
	}

	s.wg.Add(1)
	go s.monitor()

	s.logger.Info().Msg("Supervisor started")
	s.wg.Wait()
	return nil
}

// Shutdown gracefully terminates all children
func (s *Supervisor) Shutdown() {
	close(s.stopCh)

	for _, c := range s.children {
		if c.cmd == nil || c.cmd.Process == nil {
			continue
		}
		_ = c.cmd.Process.Signal(syscall.SIGTERM)
	}

	deadline := time.Now().Add(s.cfg.ShutdownTimeout)
	for _, c := range s.children {
		if c.cmd == nil || c.cmd.Process == nil {
			continue
		}
		for time.Now().Before(deadline) && processAlive(c.cmd.Process.Pid) {
			time.Sleep(200 * time.Millisecond)
		}
		if processAlive(c.cmd.Process.Pid) {
			s.logger.Warn().Str("child", c.name).Msg("Force killing child")
			_ = c.cmd.Process.Kill()
		}
	}

	// Children are gone; sweep whatever locks their invokers left behind
	if lr, err := locks.New(s.cfg.StatePath("locks")); err == nil {
		if n, err := lr.ReapStale(); err == nil && n > 0 {
			s.logger.Info().Int("reaped", n).Msg("Final stale lock sweep")
		}
	}
}

// spawn starts one child with its log file attached
func (s *Supervisor) spawn(c *child) error {
	logFile, err := os.OpenFile(c.logPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("opening child log: %w", err)
	}

	cmd := exec.Command(s.self, c.args...)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.Env = os.Environ()

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return err
	}

	// The file handle is inherited by the child; close our copy once the
	// process exits
	go func() {
		_ = cmd.Wait()
		_ = logFile.Close()
	}()

	c.cmd = cmd
	s.logger.Info().Str("child", c.name).Int("pid", cmd.Process.Pid).Msg("Child started")
	return nil
}

// monitor restarts dead children within the restart budget
func (s *Supervisor) monitor() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.MonitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			for _, c := range s.children {
				s.checkChild(c)
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Supervisor) checkChild(c *child) {
	if c.gaveUp {
		return
	}
	if c.cmd != nil && c.cmd.Process != nil && processAlive(c.cmd.Process.Pid) {
		return
	}

	// Trim restarts outside the window
	cutoff := time.Now().Add(-s.cfg.RestartWindow)
	var recent []time.Time
	for _, t := range c.restarts {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	c.restarts = recent

	if len(c.restarts) >= s.cfg.MaxRestarts {
		c.gaveUp = true
		s.logger.Error().
			Str("child", c.name).
			Int("restarts", len(c.restarts)).
			Msg("Child keeps dying, giving up")
		s.notif.Publish(notify.Notification{
			Title:    "Component down",
			Message:  fmt.Sprintf("%s died %d times within %s; leaving it down", c.name, len(c.restarts), s.cfg.RestartWindow),
			Priority: notify.PriorityHigh,
		})
		return
	}

	s.logger.Warn().Str("child", c.name).Msg("Child died, restarting")
	c.restarts = append(c.restarts, time.Now())
	metrics.ChildRestartsTotal.WithLabelValues(c.name).Inc()

	if err := s.spawn(c); err != nil {
		s.logger.Error().Err(err).Str("child", c.name).Msg("Restart failed")
	}
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
