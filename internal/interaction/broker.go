// Package interaction implements the InteractionBroker (spec.md §4.8):
// asynchronous floating-pane UI interactions whose results flow exclusively
// through the EventLog, decoupling broker liveness from UI liveness.
package interaction

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/devloop-run/devloop/internal/devlog"
	"github.com/devloop-run/devloop/internal/eventlog"
	"github.com/devloop-run/devloop/internal/model"
	"github.com/devloop-run/devloop/internal/panehost"
)

// CreateRequest is create()'s input (spec.md §4.8).
type CreateRequest struct {
	Schema    string
	InkFile   string
	Command   string
	Title     string
	TimeoutMs int
	Args      []string
}

// DefaultTimeout applies when CreateRequest.TimeoutMs is unset.
const DefaultTimeout = 5 * time.Minute

type pending struct {
	pane      panehost.PaneID
	createdAt time.Time
	timeoutMs int
}

// Broker tracks in-flight interactions and their floating panes.
type Broker struct {
	host       panehost.Host
	log        *eventlog.EventLog
	eventsPath string
	logger     devlog.Logger

	mu      sync.Mutex
	pending map[string]pending
}

// New creates a Broker writing/reading the given session event log.
func New(host panehost.Host, log *eventlog.EventLog, logger devlog.Logger) *Broker {
	return &Broker{
		host:       host,
		log:        log,
		eventsPath: log.Path(),
		logger:     logger.With("component", "interaction"),
		pending:    make(map[string]pending),
	}
}

// Create allocates an id, spawns a floating pane for the interaction, and
// returns immediately — interactions are asynchronous by default (spec.md
// §4.8 step 4).
func (b *Broker) Create(req CreateRequest) (string, error) {
	command, err := buildCommand(req)
	if err != nil {
		return "", fmt.Errorf("create_interaction: %w", err)
	}

	id := uuid.NewString()
	env := map[string]string{
		"INTERACTION_ID": id,
		"EVENTS_FILE":    b.eventsPath,
	}
	timeoutMs := req.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = int(DefaultTimeout / time.Millisecond)
	}

	handle, err := b.host.OpenFloating(command, panehost.FloatingOptions{
		Name:        "interaction-" + id,
		CloseOnExit: true,
	}, env)
	if err != nil {
		return "", fmt.Errorf("create_interaction: spawn floating pane: %w", err)
	}

	b.mu.Lock()
	b.pending[id] = pending{pane: handle.ID, createdAt: time.Now(), timeoutMs: timeoutMs}
	b.mu.Unlock()

	if handle.Done != nil {
		go b.watchTimeout(id, handle.Done, timeoutMs)
	}

	return id, nil
}

func buildCommand(req CreateRequest) (string, error) {
	if req.Command != "" {
		return req.Command, nil
	}
	cmd := "devloop-interact"
	if req.Schema != "" {
		cmd += fmt.Sprintf(" --schema %s", shellQuoteArg(req.Schema))
	}
	if req.InkFile != "" {
		cmd += fmt.Sprintf(" --file %s", shellQuoteArg(req.InkFile))
	}
	if req.Title != "" {
		cmd += fmt.Sprintf(" --title %s", shellQuoteArg(req.Title))
	}
	if len(req.Args) > 0 {
		for _, a := range req.Args {
			cmd += " " + shellQuoteArg(a)
		}
	}
	if req.Schema == "" && req.InkFile == "" && len(req.Args) == 0 {
		return "", fmt.Errorf("one of schema, ink_file, command, or args is required")
	}
	return cmd, nil
}

func shellQuoteArg(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// watchTimeout kills the pane and appends a timeout result if the
// interaction pane is still open when timeout_ms elapses (AppendResult keeps
// an earlier recorded result); if the pane exits first, the interaction is
// forgotten.
// Wait's own timeout handling (invoked by the outer CLI) covers the
// caller-observed path; this covers interactions nobody is actively waiting on.
func (b *Broker) watchTimeout(id string, done <-chan panehost.ExitResult, timeoutMs int) {
	select {
	case <-done:
		b.forget(id)
	case <-time.After(time.Duration(timeoutMs) * time.Millisecond):
		b.timeoutAndKill(id)
	}
}

func (b *Broker) timeoutAndKill(id string) {
	b.mu.Lock()
	p, ok := b.pending[id]
	delete(b.pending, id)
	b.mu.Unlock()
	if !ok {
		return
	}
	_ = b.host.KillPane(p.pane)
	_ = b.log.AppendResult(model.Event{Type: model.EventResult, ID: id, Action: model.ActionTimeout})
}

func (b *Broker) forget(id string) {
	b.mu.Lock()
	delete(b.pending, id)
	b.mu.Unlock()
}

// Cancel kills the interaction's pane and records a cancel result (spec.md
// §4.8 cancel).
func (b *Broker) Cancel(id string) error {
	b.mu.Lock()
	p, ok := b.pending[id]
	delete(b.pending, id)
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("interaction %s: %w", id, ErrNotFound)
	}
	if err := b.host.KillPane(p.pane); err != nil {
		b.logger.Warn("cancel: kill pane failed", "interaction", id, "error", err)
	}
	return b.log.AppendResult(model.Event{Type: model.EventResult, ID: id, Action: model.ActionCancel})
}

// Wait tails the EventLog from now until a result with id arrives or
// timeout fires; on timeout it records a timeout result and kills the pane
// (spec.md §4.8 wait).
func (b *Broker) Wait(ctx context.Context, id string, timeout time.Duration) (model.Event, error) {
	ev, err := eventlog.WaitFor(ctx, b.eventsPath, timeout, func(e model.Event) bool {
		return e.Type == model.EventResult && e.ID == id
	})
	if err == nil {
		b.forget(id)
		return *ev, nil
	}

	b.mu.Lock()
	p, ok := b.pending[id]
	delete(b.pending, id)
	b.mu.Unlock()
	if ok {
		_ = b.host.KillPane(p.pane)
	}
	timeoutEv := model.Event{Type: model.EventResult, ID: id, Action: model.ActionTimeout}
	_ = b.log.AppendResult(timeoutEv)
	return timeoutEv, fmt.Errorf("interaction %s: wait timed out: %w", id, err)
}

// HandleAutoCleanup observes EventLog result events and closes accepted
// interactions' floating panes (spec.md §4.7 auto-cleanup). Intended to run
// alongside a Tailer.Run loop over the same events file.
func (b *Broker) HandleAutoCleanup(ev model.Event) {
	if ev.Type != model.EventResult || ev.Action != model.ActionAccept {
		return
	}
	b.mu.Lock()
	p, ok := b.pending[ev.ID]
	delete(b.pending, ev.ID)
	b.mu.Unlock()
	if !ok {
		return
	}
	if err := b.host.CloseFloating(string(p.pane)); err != nil {
		b.logger.Warn("auto-cleanup: close floating pane failed", "interaction", ev.ID, "error", err)
	}
}
