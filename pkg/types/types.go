package types

import (
	"regexp"
	"time"
)

// EventKind identifies a queue event
type EventKind string

const (
	EventFileReady          EventKind = "file_ready"
	EventStopSignal         EventKind = "stop_signal"
	EventHeartbeatTrigger   EventKind = "heartbeat_trigger"
	EventComplexityAssessed EventKind = "complexity_assessed"
)

// ValidKind reports whether k is a known event kind
func ValidKind(k EventKind) bool {
	switch k {
	case EventFileReady, EventStopSignal, EventHeartbeatTrigger, EventComplexityAssessed:
		return true
	}
	return false
}

// QueueEvent is one durable entry in the event queue
type QueueEvent struct {
	Timestamp time.Time
	Kind      EventKind
	Task      string
	File      string
	Metadata  string
}

// BackendKind distinguishes hosted API backends from local daemons
type BackendKind string

const (
	BackendAPI   BackendKind = "api"
	BackendLocal BackendKind = "local"
)

// Backend describes one LLM backend in the registry
type Backend struct {
	Name        string      `yaml:"name"`
	Kind        BackendKind `yaml:"type"`
	Command     string      `yaml:"command"`
	MaxParallel int         `yaml:"max_parallel"`
	Model       string      `yaml:"model"`
	Flags       []string    `yaml:"flags"`
	Endpoint    string      `yaml:"endpoint"`
	Invoker     string      `yaml:"invoker"`
}

// Classification is the result of inspecting a turn file
type Classification string

const (
	// TurnBackend is a backend-authored file still awaiting the user
	TurnBackend Classification = "backend"
	// TurnUser is a user-authored file
	TurnUser Classification = "user"
	// TurnEdited is a backend-authored file whose placeholder the user
	// changed or removed; treated as a user turn
	TurnEdited Classification = "edited"
)

// Complexity routes a task to backends: 1 local-only, 2 either, 3 hosted-only
type Complexity int

const (
	ComplexityLocal  Complexity = 1
	ComplexityEither Complexity = 2
	ComplexityHosted Complexity = 3
)

// Valid reports whether c is in the routing range
func (c Complexity) Valid() bool {
	return c >= ComplexityLocal && c <= ComplexityHosted
}

// ContinuationRecord tracks an in-flight multi-round conversation
type ContinuationRecord struct {
	Task              string    `json:"task"`
	SessionID         string    `json:"session_id"`
	TurnsUsed         int       `json:"turns_used"`
	MaxTurns          int       `json:"max_turns"`
	File              string    `json:"file"`
	ContinuationCount int       `json:"continuation_count"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// AuditRecord is the per-invocation record written under audit/<task>/
type AuditRecord struct {
	Task          string    `json:"task"`
	File          string    `json:"file"`
	Backend       string    `json:"backend"`
	SessionID     string    `json:"session_id,omitempty"`
	Turns         int       `json:"turns"`
	ExitCode      int       `json:"exit_code"`
	Interrupted   bool      `json:"interrupted"`
	Timestamp     time.Time `json:"timestamp"`
	StderrExcerpt string    `json:"stderr_excerpt,omitempty"`
}

// InvokeResult is what the scheduler extracts from a finished invoker
type InvokeResult struct {
	ExitCode  int
	SessionID string
	TurnsUsed int
	// ResetToken is the raw TOKEN_EXHAUSTED value, empty unless exit 10
	ResetToken string
}

// Invoker exit codes, the contract between invoker subprocesses and the
// scheduler
const (
	ExitOK          = 0
	ExitUsage       = 1
	ExitDaemonDown  = 2
	ExitRateLimited = 10
	// ExitInterrupted is recorded in audit records when a stop signal
	// kills an in-flight invocation
	ExitInterrupted = 130
)

var taskNameRe = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*[a-z0-9]$`)

// ValidTaskName reports whether name is a legal task directory name
func ValidTaskName(name string) bool {
	return taskNameRe.MatchString(name)
}
