package watch

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_DebouncesWritesToWatchedFile(t *testing.T) {
	dir := t.TempDir()
	watched := filepath.Join(dir, "module.so")
	other := filepath.Join(dir, "other.so")
	require.NoError(t, os.WriteFile(watched, []byte("v1"), 0o600))

	var (
		mu    sync.Mutex
		calls []string
	)
	w, err := New(func(path string) {
		mu.Lock()
		calls = append(calls, path)
		mu.Unlock()
	}, nil, 50*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	require.NoError(t, w.Watch(watched))
	w.Start(context.Background())

	require.NoError(t, os.WriteFile(watched, []byte("v2"), 0o600))
	require.NoError(t, os.WriteFile(watched, []byte("v3"), 0o600))
	require.NoError(t, os.WriteFile(other, []byte("x"), 0o600))

	abs, err := filepath.Abs(watched)
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(calls) == 1 && calls[0] == abs
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWatcher_ClearForgetsFiles(t *testing.T) {
	dir := t.TempDir()
	f := filepath.Join(dir, "a.so")
	require.NoError(t, os.WriteFile(f, nil, 0o600))

	w, err := New(func(string) {}, nil, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Stop() })

	require.NoError(t, w.Watch(f, f))
	assert.Len(t, w.Files(), 1)
	w.Clear()
	assert.Empty(t, w.Files())
}
