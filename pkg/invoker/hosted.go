package invoker

import (
	"bytes"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/taskvault/taskvault/pkg/log"
	"github.com/taskvault/taskvault/pkg/session"
	"github.com/taskvault/taskvault/pkg/types"
)

// HostedAdapter drives an API-backed CLI (claude). It owns session
// resolution, the nested-session guard, stderr capture, and the post-run
// extraction of session id, turn count and rate-limit signals.
type HostedAdapter struct{}

func (a *HostedAdapter) Invoke(req Request) Outcome {
	logger := log.WithInvocation(filepath.Base(req.TaskDir), req.InputFile, req.Backend.Name)

	if err := req.Validate(); err != nil {
		logger.Error().Err(err).Msg("Invalid invocation request")
		return Outcome{ExitCode: types.ExitUsage}
	}

	prompt, err := req.ReadPrompt()
	if err != nil {
		logger.Error().Err(err).Msg("Unusable input file")
		return Outcome{ExitCode: types.ExitUsage}
	}

	task := filepath.Base(req.TaskDir)
	resume := req.ResumeSession
	sessions, err := session.New(filepath.Join(req.StateDir, "sessions"))
	if err == nil && resume == "" {
		if id, ok := sessions.Fresh(task); ok {
			resume = id
			logger.Debug().Str("session", id).Msg("Reusing fresh session")
		}
	}

	args := []string{"-p", prompt, "--max-turns", strconv.Itoa(req.MaxTurns)}
	if req.Backend.Model != "" {
		args = append(args, "--model", req.Backend.Model)
	}
	args = append(args, req.Backend.Flags...)
	if resume != "" {
		args = append(args, "--resume", resume)
	}

	cmd := exec.Command(req.Backend.Command, args...)
	cmd.Dir = req.TaskDir
	// Strip the CLI's own session markers so a nested run does not refuse
	// to start
	cmd.Env = filterNestedSessionEnv(os.Environ())

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	stderrPath := req.StderrLogPath()
	if err := os.MkdirAll(filepath.Dir(stderrPath), 0o755); err != nil {
		logger.Error().Err(err).Msg("Cannot create log dir")
		return Outcome{ExitCode: types.ExitUsage}
	}
	stderrFile, err := os.Create(stderrPath)
	if err != nil {
		logger.Error().Err(err).Msg("Cannot create stderr log")
		return Outcome{ExitCode: types.ExitUsage}
	}
	cmd.Stderr = stderrFile

	runErr := cmd.Run()
	_ = stderrFile.Close()

	stderr := readCapped(stderrPath, 64*1024)
	parser := ParserFor(false)

	if token, limited := parser.DetectRateLimit(stderr); limited {
		logger.Warn().Str("reset_token", token).Msg("Rate limit detected")
		return Outcome{ExitCode: types.ExitRateLimited, ResetToken: token}
	}

	exitCode := 0
	if runErr != nil {
		if ee, ok := runErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		} else {
			logger.Error().Err(runErr).Msg("Backend failed to start")
			return Outcome{ExitCode: types.ExitUsage}
		}
	}

	out := Outcome{
		ExitCode:  exitCode,
		TurnsUsed: parser.ParseTurns(stderr),
		SessionID: a.resolveSessionID(parser, stderr, req, resume, logger),
	}

	if exitCode != types.ExitOK {
		logger.Error().Int("exit", exitCode).Msg("Backend exited nonzero")
		return out
	}

	if err := WriteFramed(req.OutputPath(), stdout.String()); err != nil {
		logger.Error().Err(err).Msg("Writing framed response failed")
		out.ExitCode = types.ExitUsage
		return out
	}

	if sessions != nil && out.SessionID != "" {
		if err := sessions.Save(task, out.SessionID); err != nil {
			logger.Warn().Err(err).Msg("Saving session failed")
		}
	}
	return out
}

// resolveSessionID finds the session id by stderr, then by the most recent
// project file, then falls back to the resumed session, and only then
// generates one so the audit trail always has an id.
func (a *HostedAdapter) resolveSessionID(parser StderrParser, stderr string, req Request, resume string, logger zerolog.Logger) string {
	if id := parser.ParseSession(stderr); id != "" {
		return id
	}
	if id := recentProjectSession(req.TaskDir); id != "" {
		logger.Debug().Str("session", id).Msg("Session id recovered from project dir")
		return id
	}
	if resume != "" {
		return resume
	}
	id := uuid.New().String()
	logger.Debug().Str("session", id).Msg("Generated fallback session id")
	return id
}

// recentProjectSession looks for a session file the CLI wrote recently in
// its per-project directory and returns its stem.
func recentProjectSession(taskDir string) string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	munged := strings.ReplaceAll(filepath.Clean(taskDir), string(filepath.Separator), "-")
	dir := filepath.Join(home, ".claude", "projects", munged)

	entries, err := os.ReadDir(dir)
	if err != nil {
		return ""
	}
	var best string
	var bestTime time.Time
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if time.Since(info.ModTime()) > 10*time.Minute {
			continue
		}
		if info.ModTime().After(bestTime) {
			bestTime = info.ModTime()
			best = strings.TrimSuffix(e.Name(), ".jsonl")
		}
	}
	return best
}

// filterNestedSessionEnv removes the CLI's own session markers from env so
// the spawned backend does not refuse to run under an active session.
func filterNestedSessionEnv(env []string) []string {
	filtered := make([]string, 0, len(env))
	for _, e := range env {
		key := e
		if idx := strings.IndexByte(e, '='); idx >= 0 {
			key = e[:idx]
		}
		if strings.HasPrefix(key, "CLAUDE_CODE_") || key == "CLAUDECODE" {
			continue
		}
		filtered = append(filtered, e)
	}
	return filtered
}

// readCapped returns at most limit bytes from the end of path
func readCapped(path string, limit int64) string {
	f, err := os.Open(path)
	if err != nil {
		return ""
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return ""
	}
	if info.Size() > limit {
		if _, err := f.Seek(-limit, 2); err != nil {
			return ""
		}
	}
	data := make([]byte, limit)
	n, _ := f.Read(data)
	return string(data[:n])
}

// StderrExcerpt returns a short tail of the captured stderr for audit
// records.
func StderrExcerpt(req Request) string {
	s := readCapped(req.StderrLogPath(), 2048)
	return strings.TrimSpace(s)
}
