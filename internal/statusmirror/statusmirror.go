// Package statusmirror serves a read-only HTTP mirror of the supervisor's
// status, for dashboards and scripts that would rather curl a port than
// speak the IPC protocol. It never mutates state: no start/stop/restart
// endpoints exist here, only GET.
package statusmirror

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/devloop-run/devloop/internal/devlog"
	"github.com/devloop-run/devloop/internal/supervisor"
)

// Mirror serves GET /status, /status/{name}, and /healthz over HTTP.
type Mirror struct {
	sv     *supervisor.Supervisor
	logger devlog.Logger
	srv    *http.Server
}

// New builds a Mirror bound to addr (e.g. "127.0.0.1:4280"). It does not
// start listening until Serve is called.
func New(sv *supervisor.Supervisor, addr string, logger devlog.Logger) *Mirror {
	logger = logger.With("component", "status_mirror")
	m := &Mirror{sv: sv, logger: logger}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", m.handleHealthz).Methods(http.MethodGet)
	r.HandleFunc("/status", m.handleStatusAll).Methods(http.MethodGet)
	r.HandleFunc("/status/{name}", m.handleStatusOne).Methods(http.MethodGet)

	m.srv = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}
	return m
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (m *Mirror) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (m *Mirror) handleStatusAll(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, m.sv.ListProcesses())
}

func (m *Mirror) handleStatusOne(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	state, err := m.sv.GetStatus(name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, state)
}

// Serve blocks until the listener is closed via Shutdown or it fails.
func (m *Mirror) Serve() error {
	m.logger.Info("status mirror listening", "addr", m.srv.Addr)
	err := m.srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (m *Mirror) Shutdown(ctx context.Context) error {
	return m.srv.Shutdown(ctx)
}
