package dispatch

import (
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devloop-run/devloop/internal/config"
	"github.com/devloop-run/devloop/internal/devlog"
	"github.com/devloop-run/devloop/internal/eventlog"
	"github.com/devloop-run/devloop/internal/interaction"
	"github.com/devloop-run/devloop/internal/model"
	"github.com/devloop-run/devloop/internal/panehost"
	"github.com/devloop-run/devloop/internal/supervisor"
)

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
func (f *fakeHost) SendInterrupt(id panehost.PaneID) error                { return nil }
func (f *fakeHost) CapturePane(id panehost.PaneID, n int) (string, error) { return "", nil }
func (f *fakeHost) Poll(id panehost.PaneID) (panehost.PaneStatus, error) {
	return panehost.PaneStatus{Alive: true}, nil
}
func (f *fakeHost) OpenFloating(command string, opts panehost.FloatingOptions, env map[string]string) (*panehost.PaneHandle, error) {
	return f.CreatePane(opts.Name, command, opts.Cwd, env)
}
func (f *fakeHost) CloseFloating(name string) error { return nil }
func (f *fakeHost) SupportsGeometry() bool          { return false }

func testLogger() devlog.Logger { return devlog.New(io.Discard, devlog.LevelDebug, devlog.FormatText) }

func newTestDispatcher(t *testing.T) (*Dispatcher, *supervisor.Supervisor) {
	t.Helper()
	host := newFakeHost()
	sv := supervisor.New(host, testLogger(), config.DefaultSettings())
	t.Cleanup(sv.Shutdown)

	require.NoError(t, sv.LoadManifest(map[string]model.ResolvedProcessConfig{
		"web": {ProcessConfig: model.ProcessConfig{Name: "web", Command: "serve"}},
	}))

	logPath := t.TempDir() + "/events.jsonl"
	log, err := eventlog.Open(logPath)
	require.NoError(t, err)
	t.Cleanup(func() { log.Close() })

	broker := interaction.New(host, log, testLogger())
	return New(sv, broker, testLogger()), sv
}

func TestDispatchUnknownOperationFails(t *testing.T) {
	d, _ := newTestDispatcher(t)
	env := d.Dispatch(context.Background(), "not_a_real_op", nil)
	assert.False(t, env.OK)
	assert.Contains(t, env.Error, "unknown operation")
}

func TestDispatchListProcesses(t *testing.T) {
	d, _ := newTestDispatcher(t)
	env := d.Dispatch(context.Background(), "list_processes", nil)
	require.True(t, env.OK)
	states, ok := env.Result.([]model.ProcessState)
	require.True(t, ok)
	assert.Len(t, states, 1)
	assert.Equal(t, "web", states[0].Name)
}

func TestDispatchGetStatusUnknownProcessFails(t *testing.T) {
	d, _ := newTestDispatcher(t)
	params, _ := json.Marshal(map[string]string{"name": "missing"})
	env := d.Dispatch(context.Background(), "get_status", params)
	assert.False(t, env.OK)
	assert.NotEmpty(t, env.Error)
}

func TestDispatchStartStopProcess(t *testing.T) {
	d, sv := newTestDispatcher(t)
	params, _ := json.Marshal(map[string]string{"name": "web"})

	env := d.Dispatch(context.Background(), "start_process", params)
	require.True(t, env.OK)

	state, err := sv.GetStatus("web")
	require.NoError(t, err)
	assert.Equal(t, model.StatusReady, state.Status)

	env = d.Dispatch(context.Background(), "stop_process", params)
	require.True(t, env.OK)
}

func TestDispatchCreateInteractionWithoutBrokerFails(t *testing.T) {
	host := newFakeHost()
	sv := supervisor.New(host, testLogger(), config.DefaultSettings())
	t.Cleanup(sv.Shutdown)
	d := New(sv, nil, testLogger())

	env := d.Dispatch(context.Background(), "create_interaction", nil)
	assert.False(t, env.OK)
	assert.Contains(t, env.Error, "disabled")
}

func TestDispatchCreateInteraction(t *testing.T) {
	d, _ := newTestDispatcher(t)
	params, _ := json.Marshal(map[string]interface{}{
		"schema": "my-schema",
		"title":  "Confirm",
	})
	env := d.Dispatch(context.Background(), "create_interaction", params)
	require.True(t, env.OK)
	result, ok := env.Result.(map[string]string)
	require.True(t, ok)
	assert.NotEmpty(t, result["id"])
}

func TestSafeInvokeRecoversFromPanic(t *testing.T) {
	d, _ := newTestDispatcher(t)
	env := d.safeInvoke(func(ctx context.Context, raw json.RawMessage) Envelope {
		panic("kaboom")
	}, context.Background(), nil)
	assert.False(t, env.OK)
	assert.Contains(t, env.Error, "internal error")
}
