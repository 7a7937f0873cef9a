package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/taskvault/taskvault/pkg/locks"
	"github.com/taskvault/taskvault/pkg/tokenstate"
	"github.com/taskvault/taskvault/pkg/types"
)

// ErrQueued is returned by Route when no backend can take the work right
// now; the caller is expected to retry later.
var ErrQueued = fmt.Errorf("no backend available, queued")

// Registry is the immutable backend table plus the live availability view
// built from the lock registry and token state.
type Registry struct {
	backends []types.Backend
	byName   map[string]types.Backend
	locks    *locks.Registry
	tokens   *tokenstate.Store
}

// New builds a registry over the configured backend table
func New(backends []types.Backend, lr *locks.Registry, ts *tokenstate.Store) *Registry {
	byName := make(map[string]types.Backend, len(backends))
	for _, b := range backends {
		byName[b.Name] = b
	}
	return &Registry{
		backends: backends,
		byName:   byName,
		locks:    lr,
		tokens:   ts,
	}
}

// List returns backend names in table order
func (r *Registry) List() []string {
	names := make([]string, 0, len(r.backends))
	for _, b := range r.backends {
		names = append(names, b.Name)
	}
	return names
}

// Get looks up a backend by name
func (r *Registry) Get(name string) (types.Backend, error) {
	b, ok := r.byName[name]
	if !ok {
		return types.Backend{}, fmt.Errorf("unknown backend %q", name)
	}
	return b, nil
}

// SlotsAvailable reports max_parallel minus live locks, floored at zero
func (r *Registry) SlotsAvailable(name string) (int, error) {
	b, err := r.Get(name)
	if err != nil {
		return 0, err
	}
	held, err := r.locks.Count(name)
	if err != nil {
		return 0, err
	}
	slots := b.MaxParallel - held
	if slots < 0 {
		slots = 0
	}
	return slots, nil
}

// IsExhausted reports whether a backend is inside a rate-limit window
func (r *Registry) IsExhausted(name string) bool {
	return r.tokens.IsExhausted(name)
}

// Route maps a complexity to a backend name:
//
//	1 -> local backends only
//	2 -> local preferred, overflow to hosted
//	3 -> hosted backends only
//
// A backend is unavailable when it is exhausted or has no free slots.
// Returns ErrQueued when nothing can take the work.
func (r *Registry) Route(c types.Complexity) (string, error) {
	switch c {
	case types.ComplexityLocal:
		return r.firstAvailable(types.BackendLocal)
	case types.ComplexityHosted:
		return r.firstAvailable(types.BackendAPI)
	case types.ComplexityEither:
		if name, err := r.firstAvailable(types.BackendLocal); err == nil {
			return name, nil
		}
		return r.firstAvailable(types.BackendAPI)
	default:
		return "", fmt.Errorf("complexity %d out of range", c)
	}
}

func (r *Registry) firstAvailable(kind types.BackendKind) (string, error) {
	for _, b := range r.backends {
		if b.Kind != kind {
			continue
		}
		if r.IsExhausted(b.Name) {
			continue
		}
		slots, err := r.SlotsAvailable(b.Name)
		if err != nil || slots == 0 {
			continue
		}
		return b.Name, nil
	}
	return "", ErrQueued
}

// ComplexityCache persists the last resolved complexity per task under
// <state>/complexity/<task>.
type ComplexityCache struct {
	dir string
}

// NewComplexityCache creates the cache directory
func NewComplexityCache(dir string) (*ComplexityCache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating complexity dir: %w", err)
	}
	return &ComplexityCache{dir: dir}, nil
}

// Get returns the cached complexity for task, or 0 when absent
func (cc *ComplexityCache) Get(task string) types.Complexity {
	data, err := os.ReadFile(filepath.Join(cc.dir, task))
	if err != nil {
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0
	}
	c := types.Complexity(n)
	if !c.Valid() {
		return 0
	}
	return c
}

// Put caches the resolved complexity for task
func (cc *ComplexityCache) Put(task string, c types.Complexity) error {
	if !c.Valid() {
		return fmt.Errorf("complexity %d out of range", c)
	}
	path := filepath.Join(cc.dir, task)
	if err := renameio.WriteFile(path, []byte(strconv.Itoa(int(c))), 0o644); err != nil {
		return fmt.Errorf("caching complexity: %w", err)
	}
	return nil
}
