package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskvault/taskvault/pkg/locks"
	"github.com/taskvault/taskvault/pkg/tokenstate"
	"github.com/taskvault/taskvault/pkg/types"
)

func testBackends() []types.Backend {
	return []types.Backend{
		{Name: "claude", Kind: types.BackendAPI, Command: "claude", MaxParallel: 2},
		{Name: "ollama", Kind: types.BackendLocal, Command: "ollama", MaxParallel: 1},
	}
}

func newRegistry(t *testing.T) (*Registry, *locks.Registry, *tokenstate.Store) {
	t.Helper()
	dir := t.TempDir()
	lr, err := locks.New(filepath.Join(dir, "locks"))
	require.NoError(t, err)
	ts := tokenstate.New(filepath.Join(dir, "token-state.json"))
	require.NoError(t, ts.Init())
	return New(testBackends(), lr, ts), lr, ts
}

func TestListAndGet(t *testing.T) {
	r, _, _ := newRegistry(t)

	assert.Equal(t, []string{"claude", "ollama"}, r.List())

	b, err := r.Get("claude")
	require.NoError(t, err)
	assert.Equal(t, types.BackendAPI, b.Kind)

	_, err = r.Get("missing")
	assert.Error(t, err)
}

func TestSlotsAvailable(t *testing.T) {
	r, lr, _ := newRegistry(t)

	slots, err := r.SlotsAvailable("claude")
	require.NoError(t, err)
	assert.Equal(t, 2, slots)

	require.NoError(t, lr.Acquire("claude", "task-a", os.Getpid()))
	slots, err = r.SlotsAvailable("claude")
	require.NoError(t, err)
	assert.Equal(t, 1, slots)

	require.NoError(t, lr.Acquire("claude", "task-b", os.Getpid()))
	slots, err = r.SlotsAvailable("claude")
	require.NoError(t, err)
	assert.Equal(t, 0, slots)
}

func TestRouteByComplexity(t *testing.T) {
	r, _, _ := newRegistry(t)

	name, err := r.Route(types.ComplexityLocal)
	require.NoError(t, err)
	assert.Equal(t, "ollama", name)

	name, err = r.Route(types.ComplexityHosted)
	require.NoError(t, err)
	assert.Equal(t, "claude", name)

	// Complexity 2 prefers local
	name, err = r.Route(types.ComplexityEither)
	require.NoError(t, err)
	assert.Equal(t, "ollama", name)
}

func TestRouteOverflowToHosted(t *testing.T) {
	r, lr, _ := newRegistry(t)

	// Fill ollama's single slot
	require.NoError(t, lr.Acquire("ollama", "busy-task", os.Getpid()))

	name, err := r.Route(types.ComplexityEither)
	require.NoError(t, err)
	assert.Equal(t, "claude", name)

	// Complexity 1 has nowhere to go
	_, err = r.Route(types.ComplexityLocal)
	assert.ErrorIs(t, err, ErrQueued)
}

func TestRouteExhaustion(t *testing.T) {
	r, _, ts := newRegistry(t)

	require.NoError(t, ts.MarkExhausted("claude", time.Now().Add(time.Hour)))

	_, err := r.Route(types.ComplexityHosted)
	assert.ErrorIs(t, err, ErrQueued)

	// Local routing is unaffected
	name, err := r.Route(types.ComplexityEither)
	require.NoError(t, err)
	assert.Equal(t, "ollama", name)
}

func TestRouteNeverPicksFullBackend(t *testing.T) {
	r, lr, _ := newRegistry(t)

	require.NoError(t, lr.Acquire("claude", "a", os.Getpid()))
	require.NoError(t, lr.Acquire("claude", "b", os.Getpid()))
	require.NoError(t, lr.Acquire("ollama", "c", os.Getpid()))

	for _, c := range []types.Complexity{types.ComplexityLocal, types.ComplexityEither, types.ComplexityHosted} {
		_, err := r.Route(c)
		assert.ErrorIs(t, err, ErrQueued, "complexity %d", c)
	}
}

func TestComplexityCache(t *testing.T) {
	cc, err := NewComplexityCache(filepath.Join(t.TempDir(), "complexity"))
	require.NoError(t, err)

	assert.Equal(t, types.Complexity(0), cc.Get("demo"))

	require.NoError(t, cc.Put("demo", types.ComplexityEither))
	assert.Equal(t, types.ComplexityEither, cc.Get("demo"))

	require.NoError(t, cc.Put("demo", types.ComplexityHosted))
	assert.Equal(t, types.ComplexityHosted, cc.Get("demo"))

	assert.Error(t, cc.Put("demo", types.Complexity(9)))
}
