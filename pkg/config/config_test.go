package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskvault/taskvault/pkg/types"
)

func TestDefaults(t *testing.T) {
	t.Setenv("STATE_DIR", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 30*time.Second, cfg.PollInterval)
	assert.Equal(t, 300*time.Second, cfg.StabilityTimeout)
	assert.Equal(t, 2*time.Second, cfg.SettleDelay)
	assert.Equal(t, 2*time.Second, cfg.SchedulerCycle)
	assert.Equal(t, 10, cfg.DefaultMaxTurns)
	assert.Equal(t, types.ComplexityHosted, cfg.DefaultComplexity)
	assert.Equal(t, 5, cfg.MaxContinuations)
	assert.False(t, cfg.DryRun)

	// Built-in backend pair when nothing is configured
	require.Len(t, cfg.Backends, 2)
	assert.Equal(t, "claude", cfg.Backends[0].Name)
	assert.Equal(t, types.BackendAPI, cfg.Backends[0].Kind)
	assert.Equal(t, "ollama", cfg.Backends[1].Name)
	assert.Equal(t, types.BackendLocal, cfg.Backends[1].Kind)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("STATE_DIR", t.TempDir())
	t.Setenv("VAULT_TASKS_DIR", "/data/vault")
	t.Setenv("POLL_INTERVAL", "10")
	t.Setenv("DEFAULT_MAX_TURNS", "25")
	t.Setenv("DEFAULT_COMPLEXITY", "2")
	t.Setenv("DRY_RUN", "1")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "/data/vault", cfg.VaultDir)
	assert.Equal(t, 10*time.Second, cfg.PollInterval)
	assert.Equal(t, 25, cfg.DefaultMaxTurns)
	assert.Equal(t, types.ComplexityEither, cfg.DefaultComplexity)
	assert.True(t, cfg.DryRun)
}

func TestBackendTableFromEnv(t *testing.T) {
	t.Setenv("STATE_DIR", t.TempDir())
	t.Setenv("LLM_CLAUDE_TYPE", "api")
	t.Setenv("LLM_CLAUDE_COMMAND", "claude")
	t.Setenv("LLM_CLAUDE_MAX_PARALLEL", "3")
	t.Setenv("LLM_CLAUDE_FLAGS", "--dangerously-skip-permissions --verbose")
	t.Setenv("LLM_OLLAMA_TYPE", "local")
	t.Setenv("LLM_OLLAMA_COMMAND", "ollama")
	t.Setenv("LLM_OLLAMA_MODEL", "llama3.1")
	t.Setenv("LLM_OLLAMA_ENDPOINT", "http://127.0.0.1:11434")

	cfg, err := Load("")
	require.NoError(t, err)
	require.Len(t, cfg.Backends, 2)

	byName := map[string]types.Backend{}
	for _, b := range cfg.Backends {
		byName[b.Name] = b
	}

	claude := byName["claude"]
	assert.Equal(t, types.BackendAPI, claude.Kind)
	assert.Equal(t, 3, claude.MaxParallel)
	assert.Equal(t, []string{"--dangerously-skip-permissions", "--verbose"}, claude.Flags)

	ollama := byName["ollama"]
	assert.Equal(t, types.BackendLocal, ollama.Kind)
	assert.Equal(t, "llama3.1", ollama.Model)
	assert.Equal(t, "http://127.0.0.1:11434", ollama.Endpoint)
	// MaxParallel defaults to 1 when unset
	assert.Equal(t, 1, ollama.MaxParallel)
}

func TestBackendsYAML(t *testing.T) {
	stateDir := t.TempDir()
	t.Setenv("STATE_DIR", stateDir)

	yml := `backends:
  - name: claude
    type: api
    command: claude
    max_parallel: 2
    model: claude-sonnet-4-5
  - name: ollama
    type: local
    command: ollama
    model: qwen2.5
    endpoint: http://127.0.0.1:11434
`
	require.NoError(t, os.WriteFile(filepath.Join(stateDir, "backends.yaml"), []byte(yml), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)
	require.Len(t, cfg.Backends, 2)
	assert.Equal(t, "claude-sonnet-4-5", cfg.Backends[0].Model)
	assert.Equal(t, "qwen2.5", cfg.Backends[1].Model)
}

func TestEnvOverridesYAML(t *testing.T) {
	stateDir := t.TempDir()
	t.Setenv("STATE_DIR", stateDir)
	t.Setenv("LLM_CLAUDE_MAX_PARALLEL", "7")

	yml := `backends:
  - name: claude
    type: api
    command: claude
    max_parallel: 2
`
	require.NoError(t, os.WriteFile(filepath.Join(stateDir, "backends.yaml"), []byte(yml), 0o644))

	cfg, err := Load("")
	require.NoError(t, err)
	require.Len(t, cfg.Backends, 1)
	assert.Equal(t, 7, cfg.Backends[0].MaxParallel)
}

func TestInvalidBackendType(t *testing.T) {
	t.Setenv("STATE_DIR", t.TempDir())
	t.Setenv("LLM_WEIRD_TYPE", "quantum")
	t.Setenv("LLM_WEIRD_COMMAND", "weird")

	_, err := Load("")
	assert.Error(t, err)
}

func TestEnvFile(t *testing.T) {
	t.Setenv("STATE_DIR", t.TempDir())

	envFile := filepath.Join(t.TempDir(), "taskvault.env")
	require.NoError(t, os.WriteFile(envFile, []byte("SCHEDULER_CYCLE=9\n"), 0o644))
	t.Cleanup(func() { os.Unsetenv("SCHEDULER_CYCLE") })

	cfg, err := Load(envFile)
	require.NoError(t, err)
	assert.Equal(t, 9*time.Second, cfg.SchedulerCycle)
}

func TestStatePath(t *testing.T) {
	cfg := &Config{StateDir: "/state"}
	assert.Equal(t, "/state/locks", cfg.StatePath("locks"))
	assert.Equal(t, filepath.Join("/state", "audit", "demo"), cfg.StatePath("audit", "demo"))
}
