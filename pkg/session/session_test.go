package session

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSaveAndFresh(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	_, ok := s.Fresh("demo")
	assert.False(t, ok)

	require.NoError(t, s.Save("demo", "abc-1"))
	id, ok := s.Fresh("demo")
	require.True(t, ok)
	assert.Equal(t, "abc-1", id)
}

func TestExpiredSessionIsPurged(t *testing.T) {
	dir := t.TempDir()
	s, err := New(dir)
	require.NoError(t, err)

	require.NoError(t, s.Save("demo", "abc-1"))
	path := filepath.Join(dir, "demo.session")
	old := time.Now().Add(-25 * time.Hour)
	require.NoError(t, os.Chtimes(path, old, old))

	_, ok := s.Fresh("demo")
	assert.False(t, ok)

	// The stale file is gone
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestInvalidate(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Save("demo", "abc-1"))
	require.NoError(t, s.Invalidate("demo"))

	_, ok := s.Fresh("demo")
	assert.False(t, ok)

	// Invalidating twice is safe
	require.NoError(t, s.Invalidate("demo"))
	// Invalidating a task with no session is safe
	require.NoError(t, s.Invalidate("absent"))
}

func TestRemove(t *testing.T) {
	s, err := New(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, s.Save("demo", "abc-1"))
	require.NoError(t, s.Remove("demo"))
	_, ok := s.Fresh("demo")
	assert.False(t, ok)

	require.NoError(t, s.Remove("demo"))
}
