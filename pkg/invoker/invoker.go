package invoker

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/taskvault/taskvault/pkg/turn"
	"github.com/taskvault/taskvault/pkg/types"
)

// Request carries everything an adapter needs for one invocation
type Request struct {
	Backend       types.Backend
	TaskDir       string
	InputFile     string
	OutputFile    string
	ResumeSession string
	MaxTurns      int
	Complexity    types.Complexity
	StateDir      string
}

// Outcome is what an adapter hands back to the invoke command, which turns
// it into protocol lines on stdout and a process exit code.
type Outcome struct {
	ExitCode   int
	SessionID  string
	TurnsUsed  int
	ResetToken string
}

// Adapter runs one backend subprocess to completion
type Adapter interface {
	Invoke(req Request) Outcome
}

// AdapterFor selects the adapter for a backend
func AdapterFor(b types.Backend) Adapter {
	if b.Kind == types.BackendLocal {
		return &LocalAdapter{}
	}
	return &HostedAdapter{}
}

// Validate rejects traversal in the request paths and missing inputs
func (r *Request) Validate() error {
	for _, p := range []string{r.TaskDir, r.InputFile, r.OutputFile} {
		if p == "" || strings.Contains(p, "..") {
			return fmt.Errorf("invalid path %q", p)
		}
	}
	if _, err := os.Stat(r.InputPath()); err != nil {
		return fmt.Errorf("input file: %w", err)
	}
	return nil
}

// InputPath is the absolute input file path
func (r *Request) InputPath() string {
	return filepath.Join(r.TaskDir, r.InputFile)
}

// OutputPath is the absolute output file path
func (r *Request) OutputPath() string {
	return filepath.Join(r.TaskDir, r.OutputFile)
}

// StderrLogPath is where the backend's stderr is captured
func (r *Request) StderrLogPath() string {
	name := fmt.Sprintf("%s_%s.log", filepath.Base(r.TaskDir), strings.TrimSuffix(r.OutputFile, ".md"))
	return filepath.Join(r.StateDir, "logs", name)
}

// ReadPrompt loads the input file and strips frame markers and sentinels
func (r *Request) ReadPrompt() (string, error) {
	data, err := os.ReadFile(r.InputPath())
	if err != nil {
		return "", fmt.Errorf("reading input: %w", err)
	}
	prompt := turn.StripPrompt(string(data))
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("input file %s holds no prompt", r.InputFile)
	}
	return prompt, nil
}

// WriteFramed writes the response body bracketed by the frame markers. The
// write is atomic so the watcher never sees a half-written response.
func WriteFramed(path, body string) error {
	framed := fmt.Sprintf("%s\n\n%s\n\n# <User>\n", turn.ResponseHeader, strings.TrimSpace(body))
	if err := renameio.WriteFile(path, []byte(framed), 0o644); err != nil {
		return fmt.Errorf("writing response: %w", err)
	}
	return nil
}

// Protocol line prefixes, the bit-exact stdout contract between invoker
// subprocesses and the scheduler.
const (
	prefixSession   = "SESSION_ID:"
	prefixTurns     = "TURNS_USED:"
	prefixExhausted = "TOKEN_EXHAUSTED:"
)

// EmitProtocol prints the outcome's protocol lines to w
func EmitProtocol(w io.Writer, o Outcome) {
	if o.SessionID != "" {
		fmt.Fprintf(w, "%s%s\n", prefixSession, o.SessionID)
	}
	if o.TurnsUsed > 0 {
		fmt.Fprintf(w, "%s%d\n", prefixTurns, o.TurnsUsed)
	}
	if o.ResetToken != "" {
		fmt.Fprintf(w, "%s%s\n", prefixExhausted, o.ResetToken)
	}
}

// ParseProtocol reads an invoker's stdout and extracts the protocol values.
// Unknown lines are ignored; lines may arrive in any order.
func ParseProtocol(r io.Reader) (types.InvokeResult, error) {
	var res types.InvokeResult
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case strings.HasPrefix(line, prefixSession):
			res.SessionID = strings.TrimPrefix(line, prefixSession)
		case strings.HasPrefix(line, prefixTurns):
			if n, err := strconv.Atoi(strings.TrimPrefix(line, prefixTurns)); err == nil {
				res.TurnsUsed = n
			}
		case strings.HasPrefix(line, prefixExhausted):
			res.ResetToken = strings.TrimPrefix(line, prefixExhausted)
		}
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("reading invoker stdout: %w", err)
	}
	return res, nil
}
