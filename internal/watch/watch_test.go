package watch

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devloop-run/devloop/internal/devlog"
)

func testLogger() devlog.Logger { return devlog.New(io.Discard, devlog.LevelDebug, devlog.FormatText) }

type changeRecorder struct {
	mu    sync.Mutex
	paths []string
}

func (r *changeRecorder) record(path string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.paths = append(r.paths, path)
}

func (r *changeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.paths)
}

func TestConfigWatcherDebouncesBurstOfWrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "devloop.yaml")
	require.NoError(t, os.WriteFile(path, []byte("processes: {}\n"), 0o644))

	rec := &changeRecorder{}
	cw, err := NewConfigWatcher(path, testLogger(), func(p string) { rec.record(p) }, func(err error) {})
	require.NoError(t, err)
	defer cw.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, os.WriteFile(path, []byte("processes: {}\n# rev "+string(rune('a'+i))), 0o644))
		time.Sleep(20 * time.Millisecond)
	}

	require.Eventually(t, func() bool { return rec.count() >= 1 }, 2*time.Second, 10*time.Millisecond)
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 1, rec.count(), "a burst of writes within the debounce window must collapse to one reload")
}

func TestEnvFileWatcherReportsProcessNamesOnChange(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("A=1\n"), 0o644))

	rec := &changeRecorder{}
	ew, err := NewEnvFileWatcher(testLogger(), func(names []string) {
		for _, n := range names {
			rec.record(n)
		}
	})
	require.NoError(t, err)
	defer ew.Close()

	ew.SetWatchSet(map[string][]string{envPath: {"web", "worker"}})

	require.NoError(t, os.WriteFile(envPath, []byte("A=2\n"), 0o644))

	require.Eventually(t, func() bool { return rec.count() >= 2 }, 2*time.Second, 10*time.Millisecond)
}

func TestEnvFileWatcherStopsWatchingRemovedPaths(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("A=1\n"), 0o644))

	rec := &changeRecorder{}
	ew, err := NewEnvFileWatcher(testLogger(), func(names []string) {
		for _, n := range names {
			rec.record(n)
		}
	})
	require.NoError(t, err)
	defer ew.Close()

	ew.SetWatchSet(map[string][]string{envPath: {"web"}})
	ew.SetWatchSet(map[string][]string{}) // manifest reload drops the only process using this env file

	require.NoError(t, os.WriteFile(envPath, []byte("A=2\n"), 0o644))
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 0, rec.count(), "a dropped env file must no longer trigger restarts")
}
