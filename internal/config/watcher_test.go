package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatcher_StartStop(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName), []byte("{}"), 0644))

	w := NewWatcher(WatcherConfig{ConfigDir: dir})

	require.NoError(t, w.Start())
	assert.True(t, w.IsRunning())

	// starting again is a no-op
	require.NoError(t, w.Start())

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())

	// stopping again is a no-op
	require.NoError(t, w.Stop())
}

func TestWatcher_DetectsChanges(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, configFileName)
	require.NoError(t, os.WriteFile(file, []byte("logging:\n  level: info\n"), 0644))

	var changeCount int32
	w := NewWatcher(WatcherConfig{
		ConfigDir:    dir,
		PollInterval: 50 * time.Millisecond,
		OnChange: func() {
			atomic.AddInt32(&changeCount, 1)
		},
	})

	require.NoError(t, w.Start())
	defer w.Stop()

	// give the watcher time to initialize
	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(file, []byte("logging:\n  level: debug\n"), 0644))

	// wait past the debounce window
	time.Sleep(900 * time.Millisecond)

	assert.GreaterOrEqual(t, atomic.LoadInt32(&changeCount), int32(1))
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, configFileName), []byte("{}"), 0644))

	var changeCount int32
	w := NewWatcher(WatcherConfig{
		ConfigDir: dir,
		OnChange: func() {
			atomic.AddInt32(&changeCount, 1)
		},
	})

	require.NoError(t, w.Start())
	defer w.Stop()

	time.Sleep(100 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0644))

	time.Sleep(900 * time.Millisecond)

	assert.Equal(t, int32(0), atomic.LoadInt32(&changeCount))
}

func TestWatcher_CheckForChanges(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, configFileName)
	require.NoError(t, os.WriteFile(file, []byte("a"), 0644))

	w := NewWatcher(WatcherConfig{ConfigDir: dir})

	info, err := os.Stat(file)
	require.NoError(t, err)
	w.lastModTime = info.ModTime()

	assert.False(t, w.checkForChanges(), "no change yet")

	time.Sleep(10 * time.Millisecond) // ensure a different modtime
	require.NoError(t, os.WriteFile(file, []byte("b"), 0644))

	assert.True(t, w.checkForChanges(), "modification detected")
	assert.False(t, w.checkForChanges(), "modtime consumed")
}

func TestWatcher_CheckForChanges_MissingFile(t *testing.T) {
	w := NewWatcher(WatcherConfig{ConfigDir: t.TempDir()})
	assert.False(t, w.checkForChanges())
}
