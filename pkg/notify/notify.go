package notify

import (
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/taskvault/taskvault/pkg/log"
)

// Priority marks notifications that should interrupt the user
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Notification is one user-facing message
type Notification struct {
	Title    string
	Message  string
	Priority Priority
	Link     string
	SentAt   time.Time
}

// Sender delivers a single notification. Implementations must not block for
// long; the dispatcher already isolates callers from delivery latency.
type Sender interface {
	Send(n Notification) error
}

// Dispatcher fans notifications out to a sender on a background goroutine.
// Publish never blocks and never fails the caller: when the buffer is full
// the notification is dropped and counted.
type Dispatcher struct {
	sender  Sender
	ch      chan Notification
	stopCh  chan struct{}
	wg      sync.WaitGroup
	logger  zerolog.Logger
	dropped int
	mu      sync.Mutex
}

// NewDispatcher creates a dispatcher over sender
func NewDispatcher(sender Sender) *Dispatcher {
	return &Dispatcher{
		sender: sender,
		ch:     make(chan Notification, 100),
		stopCh: make(chan struct{}),
		logger: log.WithComponent("notify"),
	}
}

// Start begins the delivery loop
func (d *Dispatcher) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop drains and stops the delivery loop
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

// Publish enqueues a notification; drops when the buffer is full
func (d *Dispatcher) Publish(n Notification) {
	if n.SentAt.IsZero() {
		n.SentAt = time.Now()
	}
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	select {
	case d.ch <- n:
	default:
		d.mu.Lock()
		d.dropped++
		d.mu.Unlock()
		d.logger.Warn().Str("title", n.Title).Msg("Notification buffer full, dropped")
	}
}

// Dropped returns the number of notifications lost to a full buffer
func (d *Dispatcher) Dropped() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dropped
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for {
		select {
		case n := <-d.ch:
			if err := d.sender.Send(n); err != nil {
				d.logger.Error().Err(err).Str("title", n.Title).Msg("Notification delivery failed")
			}
		case <-d.stopCh:
			// Drain what is already buffered before exiting
			for {
				select {
				case n := <-d.ch:
					_ = d.sender.Send(n)
				default:
					return
				}
			}
		}
	}
}

// CommandSender shells out to an external notifier (the notification sender
// proper is a separate system; this is only its subprocess interface).
// The command receives title and message as arguments and priority/link via
// environment.
type CommandSender struct {
	Command string
}

func (c *CommandSender) Send(n Notification) error {
	cmd := exec.Command(c.Command, n.Title, n.Message)
	cmd.Env = append(os.Environ(),
		"NOTIFY_PRIORITY="+string(n.Priority),
		"NOTIFY_LINK="+n.Link,
	)
	return cmd.Run()
}

// LogSender writes notifications to the log; the default when no external
// notifier is configured.
type LogSender struct{}

func (LogSender) Send(n Notification) error {
	logger := log.WithComponent("notify")
	var evt *zerolog.Event
	if n.Priority == PriorityHigh {
		evt = logger.Warn()
	} else {
		evt = logger.Info()
	}
	evt.Str("title", n.Title).Str("message", n.Message).Msg("Notification")
	return nil
}

// FromEnv builds the sender selected by NOTIFY_COMMAND
func FromEnv() Sender {
	if cmd := os.Getenv("NOTIFY_COMMAND"); cmd != "" {
		return &CommandSender{Command: cmd}
	}
	return LogSender{}
}
