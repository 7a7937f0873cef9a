package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/taskvault/taskvault/pkg/types"
)

// Config is the typed runtime configuration for all components.
// Values come from the environment, optionally seeded from an env file
// and a backends.yaml table in the state directory.
type Config struct {
	VaultDir string
	StateDir string

	PollInterval     time.Duration
	StabilityTimeout time.Duration
	SettleDelay      time.Duration
	SchedulerCycle   time.Duration

	DefaultMaxTurns   int
	DefaultComplexity types.Complexity
	MaxContinuations  int

	MonitorInterval time.Duration
	MaxRestarts     int
	RestartWindow   time.Duration
	ShutdownTimeout time.Duration

	MetricsAddr string
	DryRun      bool

	Backends []types.Backend
}

// Defaults mirror the shipped behavior; every one can be overridden by env.
const (
	defaultPollInterval     = 30 * time.Second
	defaultStability        = 300 * time.Second
	defaultSettleDelay      = 2 * time.Second
	defaultSchedulerCycle   = 2 * time.Second
	defaultMaxTurns         = 10
	defaultMaxContinuations = 5
	defaultMonitorInterval  = 5 * time.Second
	defaultMaxRestarts      = 5
	defaultRestartWindow    = 300 * time.Second
	defaultShutdownTimeout  = 30 * time.Second
)

// Load builds a Config from the environment. If envFile is non-empty it is
// loaded first (without overriding already-set variables). A backends.yaml
// in the state dir extends the LLM_* env table.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil {
			return nil, fmt.Errorf("loading env file %s: %w", envFile, err)
		}
	}

	home, _ := os.UserHomeDir()

	cfg := &Config{
		VaultDir:          envStr("VAULT_TASKS_DIR", filepath.Join(home, "vault", "tasks")),
		StateDir:          envStr("STATE_DIR", filepath.Join(home, ".claude-task-system")),
		PollInterval:      envSeconds("POLL_INTERVAL", defaultPollInterval),
		StabilityTimeout:  envSeconds("STABILITY_TIMEOUT", defaultStability),
		SettleDelay:       envSeconds("INOTIFY_SETTLE_DELAY", defaultSettleDelay),
		SchedulerCycle:    envSeconds("SCHEDULER_CYCLE", defaultSchedulerCycle),
		DefaultMaxTurns:   envInt("DEFAULT_MAX_TURNS", defaultMaxTurns),
		DefaultComplexity: types.Complexity(envInt("DEFAULT_COMPLEXITY", int(types.ComplexityHosted))),
		MaxContinuations:  envInt("MAX_CONTINUATIONS", defaultMaxContinuations),
		MonitorInterval:   envSeconds("MONITOR_INTERVAL", defaultMonitorInterval),
		MaxRestarts:       envInt("MAX_RESTARTS", defaultMaxRestarts),
		RestartWindow:     envSeconds("RESTART_WINDOW", defaultRestartWindow),
		ShutdownTimeout:   envSeconds("SHUTDOWN_TIMEOUT", defaultShutdownTimeout),
		MetricsAddr:       envStr("METRICS_ADDR", ""),
		DryRun:            os.Getenv("DRY_RUN") != "",
	}

	if !cfg.DefaultComplexity.Valid() {
		cfg.DefaultComplexity = types.ComplexityHosted
	}

	backends, err := loadBackends(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	cfg.Backends = backends

	return cfg, nil
}

// StatePath joins elem onto the state directory
func (c *Config) StatePath(elem ...string) string {
	return filepath.Join(append([]string{c.StateDir}, elem...)...)
}

// TaskDir returns the vault directory for a task
func (c *Config) TaskDir(task string) string {
	return filepath.Join(c.VaultDir, task)
}

// backendsFile is the optional YAML backend table
type backendsFile struct {
	Backends []types.Backend `yaml:"backends"`
}

// loadBackends merges the backends.yaml table with LLM_<NAME>_* env vars.
// Env entries override YAML entries of the same name. When neither source
// defines a backend, the built-in claude/ollama pair is used.
func loadBackends(stateDir string) ([]types.Backend, error) {
	byName := map[string]types.Backend{}
	var order []string

	path := filepath.Join(stateDir, "backends.yaml")
	if data, err := os.ReadFile(path); err == nil {
		var f backendsFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parsing %s: %w", path, err)
		}
		for _, b := range f.Backends {
			if b.Name == "" {
				return nil, fmt.Errorf("%s: backend entry missing name", path)
			}
			byName[b.Name] = withBackendDefaults(b)
			order = append(order, b.Name)
		}
	}

	for _, name := range envBackendNames() {
		lower := strings.ToLower(name)
		b, seen := byName[lower]
		if !seen {
			b = types.Backend{Name: lower}
			order = append(order, lower)
		}
		prefix := "LLM_" + name + "_"
		if v := os.Getenv(prefix + "TYPE"); v != "" {
			b.Kind = types.BackendKind(v)
		}
		if v := os.Getenv(prefix + "MAX_PARALLEL"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				return nil, fmt.Errorf("%sMAX_PARALLEL: %w", prefix, err)
			}
			b.MaxParallel = n
		}
		if v := os.Getenv(prefix + "COMMAND"); v != "" {
			b.Command = v
		}
		if v := os.Getenv(prefix + "FLAGS"); v != "" {
			b.Flags = strings.Fields(v)
		}
		if v := os.Getenv(prefix + "MODEL"); v != "" {
			b.Model = v
		}
		if v := os.Getenv(prefix + "ENDPOINT"); v != "" {
			b.Endpoint = v
		}
		if v := os.Getenv(prefix + "INVOKER"); v != "" {
			b.Invoker = v
		}
		byName[lower] = withBackendDefaults(b)
	}

	if len(order) == 0 {
		return defaultBackends(), nil
	}

	out := make([]types.Backend, 0, len(order))
	for _, name := range order {
		b := byName[name]
		if b.Kind != types.BackendAPI && b.Kind != types.BackendLocal {
			return nil, fmt.Errorf("backend %s: unknown type %q", b.Name, b.Kind)
		}
		out = append(out, b)
	}
	return out, nil
}

// backendEnvSuffixes are the recognized LLM_<NAME>_* option keys
var backendEnvSuffixes = []string{
	"TYPE", "MAX_PARALLEL", "COMMAND", "FLAGS", "MODEL", "ENDPOINT", "INVOKER",
}

// envBackendNames scans the environment for LLM_<NAME>_<OPTION> declarations
func envBackendNames() []string {
	var names []string
	seen := map[string]bool{}
	for _, kv := range os.Environ() {
		key := kv
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			key = kv[:idx]
		}
		if !strings.HasPrefix(key, "LLM_") {
			continue
		}
		rest := strings.TrimPrefix(key, "LLM_")
		for _, suffix := range backendEnvSuffixes {
			if !strings.HasSuffix(rest, "_"+suffix) {
				continue
			}
			name := strings.TrimSuffix(rest, "_"+suffix)
			if name != "" && !seen[name] {
				seen[name] = true
				names = append(names, name)
			}
			break
		}
	}
	return names
}

func withBackendDefaults(b types.Backend) types.Backend {
	if b.MaxParallel <= 0 {
		b.MaxParallel = 1
	}
	return b
}

func defaultBackends() []types.Backend {
	return []types.Backend{
		{
			Name:        "claude",
			Kind:        types.BackendAPI,
			Command:     "claude",
			MaxParallel: 2,
		},
		{
			Name:        "ollama",
			Kind:        types.BackendLocal,
			Command:     "ollama",
			Model:       "llama3.1",
			Endpoint:    "http://127.0.0.1:11434",
			MaxParallel: 1,
		},
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envSeconds(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return time.Duration(n) * time.Second
}
