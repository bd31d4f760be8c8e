package supervisor

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devloop-run/devloop/internal/config"
	"github.com/devloop-run/devloop/internal/devlog"
	"github.com/devloop-run/devloop/internal/model"
	"github.com/devloop-run/devloop/internal/panehost"
	"github.com/devloop-run/devloop/internal/process"
)

// fakeHost is an in-memory panehost.Host keyed by pane name, letting tests
// drive crashes for a named process on demand.
type fakeHost struct {
	mu    sync.Mutex
	panes map[string]chan panehost.ExitResult
}

func newFakeHost() *fakeHost { return &fakeHost{panes: make(map[string]chan panehost.ExitResult)} }

func (f *fakeHost) doneChan(name string) chan panehost.ExitResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	done, ok := f.panes[name]
	if !ok {
		done = make(chan panehost.ExitResult, 1)
		f.panes[name] = done
	}
	return done
}

func (f *fakeHost) CreatePane(name, command, cwd string, env map[string]string) (*panehost.PaneHandle, error) {
	return &panehost.PaneHandle{
		ID:     panehost.PaneID(name),
		Pid:    1,
		Stdout: io.NopCloser(strings.NewReader("")),
		Stderr: io.NopCloser(strings.NewReader("")),
		Done:   f.doneChan(name),
	}, nil
}
func (f *fakeHost) RespawnPane(id panehost.PaneID, command, cwd string, env map[string]string) (*panehost.PaneHandle, error) {
	return f.CreatePane(string(id), command, cwd, env)
}
func (f *fakeHost) KillPane(id panehost.PaneID) error {
	select {
	case f.doneChan(string(id)) <- panehost.ExitResult{ExitCode: -1}:
	default:
	}
	return nil
}
func (f *fakeHost) SendInterrupt(id panehost.PaneID) error { return nil }
func (f *fakeHost) CapturePane(id panehost.PaneID, n int) (string, error) { return "", nil }
func (f *fakeHost) Poll(id panehost.PaneID) (panehost.PaneStatus, error) {
	return panehost.PaneStatus{Alive: true}, nil
}
func (f *fakeHost) OpenFloating(command string, opts panehost.FloatingOptions, env map[string]string) (*panehost.PaneHandle, error) {
	return f.CreatePane(opts.Name, command, opts.Cwd, env)
}
func (f *fakeHost) CloseFloating(name string) error { return nil }
func (f *fakeHost) SupportsGeometry() bool           { return false }

func (f *fakeHost) crash(name string, code int) {
	f.doneChan(name) <- panehost.ExitResult{ExitCode: code}
}

func testLogger() devlog.Logger { return devlog.New(io.Discard, devlog.LevelDebug, devlog.FormatText) }

func testSettings() config.Settings {
	s := config.DefaultSettings()
	s.DependencyTimeout = 150 * time.Millisecond
	s.RestartBackoffMax = 20 * time.Millisecond
	return s
}

func TestStartAllWaitsForDependencyReady(t *testing.T) {
	host := newFakeHost()
	sv := New(host, testLogger(), testSettings())
	defer sv.Shutdown()

	cfgs := map[string]model.ResolvedProcessConfig{
		"db":  {ProcessConfig: model.ProcessConfig{Command: "run-db", Port: 5432, RestartPolicy: model.RestartAlways, MaxRestarts: 5}},
		"api": {ProcessConfig: model.ProcessConfig{Command: "run-api", Port: 8080, DependsOn: []string{"db"}, RestartPolicy: model.RestartAlways, MaxRestarts: 5}},
	}
	require.NoError(t, sv.LoadManifest(cfgs))
	require.NoError(t, sv.StartAll(context.Background()))

	states := sv.ListProcesses()
	require.Len(t, states, 2)
	assert.Equal(t, "db", states[0].Name)
	assert.Equal(t, "api", states[1].Name)
	assert.Equal(t, model.StatusReady, states[0].Status)
	assert.Equal(t, model.StatusReady, states[1].Status)
}

func TestDependencyTimeoutMarksDependentCrashed(t *testing.T) {
	host := newFakeHost()
	sv := New(host, testLogger(), testSettings())
	defer sv.Shutdown()

	cfgs := map[string]model.ResolvedProcessConfig{
		"db": {ProcessConfig: model.ProcessConfig{
			Command: "run-db", ReadyVars: []string{"never-set"}, RestartPolicy: model.RestartAlways, MaxRestarts: 5,
		}},
		"api": {ProcessConfig: model.ProcessConfig{
			Command: "run-api", DependsOn: []string{"db"}, RestartPolicy: model.RestartAlways, MaxRestarts: 5,
		}},
	}
	require.NoError(t, sv.LoadManifest(cfgs))
	err := sv.StartAll(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrDependencyNotReady))

	st, err := sv.GetStatus("api")
	require.NoError(t, err)
	assert.Equal(t, model.StatusCrashed, st.Status)
	assert.Contains(t, st.Error, "did not become ready")
}

func TestReloadComputesAddedChangedRemoved(t *testing.T) {
	host := newFakeHost()
	sv := New(host, testLogger(), testSettings())
	defer sv.Shutdown()

	initial := map[string]model.ResolvedProcessConfig{
		"a": {ProcessConfig: model.ProcessConfig{Command: "cmd-a", Port: 1000, RestartPolicy: model.RestartAlways, MaxRestarts: 5}},
		"c": {ProcessConfig: model.ProcessConfig{Command: "cmd-c", Port: 3000, RestartPolicy: model.RestartAlways, MaxRestarts: 5}},
	}
	require.NoError(t, sv.LoadManifest(initial))
	require.NoError(t, sv.StartAll(context.Background()))

	next := map[string]model.ResolvedProcessConfig{
		"a": {ProcessConfig: model.ProcessConfig{Command: "cmd-a-v2", Port: 1000, RestartPolicy: model.RestartAlways, MaxRestarts: 5}},
		"b": {ProcessConfig: model.ProcessConfig{Command: "cmd-b", Port: 2000, RestartPolicy: model.RestartAlways, MaxRestarts: 5}},
	}
	diff, err := sv.Reload(context.Background(), next)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, diff.Added)
	assert.Equal(t, []string{"c"}, diff.Removed)
	assert.Equal(t, []string{"a"}, diff.Changed)

	_, ok := sv.GetProcess("c")
	assert.False(t, ok, "removed process should be unregistered")

	require.Eventually(t, func() bool {
		st, err := sv.GetStatus("b")
		return err == nil && st.Status == model.StatusReady
	}, time.Second, 5*time.Millisecond)
}

func TestRestartPolicyGivesUpAfterMaxRestarts(t *testing.T) {
	host := newFakeHost()
	sv := New(host, testLogger(), testSettings())
	defer sv.Shutdown()

	cfgs := map[string]model.ResolvedProcessConfig{
		"job": {ProcessConfig: model.ProcessConfig{
			Command: "x", RestartPolicy: model.RestartOnFailure, MaxRestarts: 2,
		}},
	}
	require.NoError(t, sv.LoadManifest(cfgs))
	require.NoError(t, sv.StartAll(context.Background()))

	mp, ok := sv.GetProcess("job")
	require.True(t, ok)
	require.Eventually(t, func() bool { return mp.GetState().Status == model.StatusReady }, time.Second, 2*time.Millisecond)

	host.crash("job", 1)
	require.Eventually(t, func() bool {
		return mp.RestartCount() == 1 && mp.GetState().Status == model.StatusReady
	}, time.Second, 2*time.Millisecond)

	host.crash("job", 1)
	require.Eventually(t, func() bool {
		return mp.RestartCount() == 2 && mp.GetState().Status == model.StatusReady
	}, time.Second, 2*time.Millisecond)

	host.crash("job", 1)
	require.Eventually(t, func() bool {
		st := mp.GetState()
		return st.Status == model.StatusCrashed && st.Error == "max restarts exceeded"
	}, time.Second, 2*time.Millisecond)
	assert.Equal(t, 2, mp.RestartCount())
}

func TestOnFailureNoRestartOnCleanExit(t *testing.T) {
	host := newFakeHost()
	sv := New(host, testLogger(), testSettings())
	defer sv.Shutdown()

	cfgs := map[string]model.ResolvedProcessConfig{
		"job": {ProcessConfig: model.ProcessConfig{
			Command: "x", RestartPolicy: model.RestartOnFailure, MaxRestarts: 5,
		}},
	}
	require.NoError(t, sv.LoadManifest(cfgs))
	require.NoError(t, sv.StartAll(context.Background()))

	mp, ok := sv.GetProcess("job")
	require.True(t, ok)
	require.Eventually(t, func() bool { return mp.GetState().Status == model.StatusReady }, time.Second, 2*time.Millisecond)

	host.crash("job", 0)
	require.Eventually(t, func() bool { return mp.GetState().Status == model.StatusCrashed }, time.Second, 2*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, mp.RestartCount(), "onFailure + exit 0 must not trigger a restart")
}

func TestRestartIfRunningSkipsStoppedProcess(t *testing.T) {
	host := newFakeHost()
	sv := New(host, testLogger(), testSettings())
	defer sv.Shutdown()

	cfgs := map[string]model.ResolvedProcessConfig{
		"job": {ProcessConfig: model.ProcessConfig{Command: "x", Port: 9000, RestartPolicy: model.RestartAlways, MaxRestarts: 5}},
	}
	require.NoError(t, sv.LoadManifest(cfgs))

	assert.False(t, sv.RestartIfRunning(context.Background(), "job"), "a never-started process is not running")

	require.NoError(t, sv.StartProcess(context.Background(), "job", process.StartOptions{}))
	mp, _ := sv.GetProcess("job")
	require.Eventually(t, func() bool { return mp.GetState().Status == model.StatusReady }, time.Second, 2*time.Millisecond)

	require.NoError(t, sv.StopProcess(context.Background(), "job"))
	assert.False(t, sv.RestartIfRunning(context.Background(), "job"), "a stopped process stays stopped")
}
