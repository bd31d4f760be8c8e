package statusmirror

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devloop-run/devloop/internal/config"
	"github.com/devloop-run/devloop/internal/devlog"
	"github.com/devloop-run/devloop/internal/model"
	"github.com/devloop-run/devloop/internal/panehost"
	"github.com/devloop-run/devloop/internal/supervisor"
)

type fakeHost struct{ mu sync.Mutex }

func (f *fakeHost) CreatePane(name, command, cwd string, env map[string]string) (*panehost.PaneHandle, error) {
	return &panehost.PaneHandle{
		ID:     panehost.PaneID(name),
		Pid:    1,
		Stdout: io.NopCloser(strings.NewReader("")),
		Stderr: io.NopCloser(strings.NewReader("")),
		Done:   make(chan panehost.ExitResult, 1),
	}, nil
}
func (f *fakeHost) RespawnPane(id panehost.PaneID, command, cwd string, env map[string]string) (*panehost.PaneHandle, error) {
	return f.CreatePane(string(id), command, cwd, env)
}
func (f *fakeHost) KillPane(id panehost.PaneID) error                     { return nil }
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

func newTestMirror(t *testing.T) (*Mirror, *httptest.Server) {
	t.Helper()
	sv := supervisor.New(&fakeHost{}, testLogger(), config.DefaultSettings())
	t.Cleanup(sv.Shutdown)
	require.NoError(t, sv.LoadManifest(map[string]model.ResolvedProcessConfig{
		"web": {ProcessConfig: model.ProcessConfig{Name: "web", Command: "serve"}},
	}))

	m := New(sv, "127.0.0.1:0", testLogger())
	ts := httptest.NewServer(m.srv.Handler)
	t.Cleanup(ts.Close)
	return m, ts
}

func TestHealthzReportsOK(t *testing.T) {
	_, ts := newTestMirror(t)
	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestStatusAllListsProcesses(t *testing.T) {
	_, ts := newTestMirror(t)
	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var states []model.ProcessState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&states))
	require.Len(t, states, 1)
	assert.Equal(t, "web", states[0].Name)
}

func TestStatusOneUnknownProcessReturns404(t *testing.T) {
	_, ts := newTestMirror(t)
	resp, err := http.Get(ts.URL + "/status/missing")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStatusOneKnownProcess(t *testing.T) {
	_, ts := newTestMirror(t)
	resp, err := http.Get(ts.URL + "/status/web")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var state model.ProcessState
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&state))
	assert.Equal(t, "web", state.Name)
}
