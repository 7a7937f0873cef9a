package invoker

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/taskvault/taskvault/pkg/health"
	"github.com/taskvault/taskvault/pkg/log"
	"github.com/taskvault/taskvault/pkg/types"
)

// LocalAdapter drives a local model daemon (ollama). There is no session
// concept; resume requests are ignored. The daemon is probed with a cheap
// check before the real run so a down daemon fails fast with exit 2.
type LocalAdapter struct{}

const (
	tersePrompt = "Answer directly and concisely. Skip preamble."

	elaboratedPrompt = "You are assisting with a multi-step task. Think through the " +
		"problem before answering, show intermediate reasoning where it helps, " +
		"and structure longer answers with headings."
)

func (a *LocalAdapter) Invoke(req Request) Outcome {
	logger := log.WithInvocation(filepath.Base(req.TaskDir), req.InputFile, req.Backend.Name)

	if err := req.Validate(); err != nil {
		logger.Error().Err(err).Msg("Invalid invocation request")
		return Outcome{ExitCode: types.ExitUsage}
	}

	if probe := health.ForBackend(req.Backend).Check(context.Background()); !probe.Healthy {
		logger.Error().
			Str("endpoint", req.Backend.Endpoint).
			Str("probe", probe.Message).
			Msg("Local daemon unreachable")
		return Outcome{ExitCode: types.ExitDaemonDown}
	}

	prompt, err := req.ReadPrompt()
	if err != nil {
		logger.Error().Err(err).Msg("Unusable input file")
		return Outcome{ExitCode: types.ExitUsage}
	}

	system := tersePrompt
	if req.Complexity >= types.ComplexityEither {
		system = elaboratedPrompt
	}
	full := system + "\n\n" + prompt

	model := req.Backend.Model
	args := append([]string{"run", model}, req.Backend.Flags...)
	cmd := exec.Command(req.Backend.Command, args...)
	cmd.Stdin = strings.NewReader(full)

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
	parser := ParserFor(true)

	if token, limited := parser.DetectRateLimit(stderr); limited {
		logger.Warn().Str("reset_token", token).Msg("Rate limit detected")
		return Outcome{ExitCode: types.ExitRateLimited, ResetToken: token}
	}

	if runErr != nil {
		exitCode := types.ExitUsage
		if ee, ok := runErr.(*exec.ExitError); ok {
			exitCode = ee.ExitCode()
		}
		logger.Error().Int("exit", exitCode).Msg("Local backend failed")
		return Outcome{ExitCode: exitCode}
	}

	if err := WriteFramed(req.OutputPath(), stdout.String()); err != nil {
		logger.Error().Err(err).Msg("Writing framed response failed")
		return Outcome{ExitCode: types.ExitUsage}
	}

	// Local models complete in one round
	return Outcome{ExitCode: types.ExitOK, TurnsUsed: 1}
}
