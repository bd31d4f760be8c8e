// Package dispatch exposes the supervisor and interaction broker through
// one uniform operation surface (spec.md §4.11), used by the IPC server that
// the CLI talks to. The status mirror reads the Supervisor directly.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/devloop-run/devloop/internal/devlog"
	"github.com/devloop-run/devloop/internal/interaction"
	"github.com/devloop-run/devloop/internal/process"
	"github.com/devloop-run/devloop/internal/supervisor"
)

// Envelope is the uniform {ok, result | error} response every operation
// returns, regardless of transport (IPC socket, HTTP, or direct CLI call).
type Envelope struct {
	OK     bool        `json:"ok"`
	Result interface{} `json:"result,omitempty"`
	Error  string      `json:"error,omitempty"`
}

func ok(result interface{}) Envelope      { return Envelope{OK: true, Result: result} }
func fail(err error) Envelope             { return Envelope{OK: false, Error: err.Error()} }
func failf(format string, a ...any) Envelope { return fail(fmt.Errorf(format, a...)) }

// Dispatcher is the uniform op surface over one Supervisor and one
// interaction Broker for a single running workspace.
type Dispatcher struct {
	sv     *supervisor.Supervisor
	broker *interaction.Broker
	logger devlog.Logger
}

// New builds a Dispatcher. broker may be nil when interaction support is
// disabled; create_interaction/cancel_interaction then fail with a clear
// error instead of panicking.
func New(sv *supervisor.Supervisor, broker *interaction.Broker, logger devlog.Logger) *Dispatcher {
	return &Dispatcher{sv: sv, broker: broker, logger: logger.With("component", "dispatch")}
}

// Dispatch routes one named operation with raw JSON params to its handler,
// never panicking: unknown ops, bad params, and domain errors all come back
// as a failed Envelope (spec.md §4.11's discriminated-error-envelope rule).
func (d *Dispatcher) Dispatch(ctx context.Context, op string, params json.RawMessage) Envelope {
	handler, known := d.handlers()[op]
	if !known {
		return failf("unknown operation %q", op)
	}
	return d.safeInvoke(handler, ctx, params)
}

func (d *Dispatcher) safeInvoke(h func(context.Context, json.RawMessage) Envelope, ctx context.Context, params json.RawMessage) (env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("operation panicked", "panic", r)
			env = failf("internal error: %v", r)
		}
	}()
	return h(ctx, params)
}

func (d *Dispatcher) handlers() map[string]func(context.Context, json.RawMessage) Envelope {
	return map[string]func(context.Context, json.RawMessage) Envelope{
		"list_processes":     d.listProcesses,
		"get_status":         d.getStatus,
		"get_logs":           d.getLogs,
		"get_url":            d.getURL,
		"start_process":      d.startProcess,
		"stop_process":       d.stopProcess,
		"restart_process":    d.restartProcess,
		"create_interaction": d.createInteraction,
		"cancel_interaction": d.cancelInteraction,
	}
}

func decodeParams(raw json.RawMessage, v interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decode params: %w", err)
	}
	return nil
}

func (d *Dispatcher) listProcesses(ctx context.Context, raw json.RawMessage) Envelope {
	return ok(d.sv.ListProcesses())
}

type nameParams struct {
	Name string `json:"name"`
}

func (d *Dispatcher) getStatus(ctx context.Context, raw json.RawMessage) Envelope {
	var p nameParams
	if err := decodeParams(raw, &p); err != nil {
		return fail(err)
	}
	state, err := d.sv.GetStatus(p.Name)
	if err != nil {
		return fail(err)
	}
	return ok(state)
}

type logsParams struct {
	Name   string `json:"name"`
	Stream string `json:"stream"`
	Tail   int    `json:"tail"`
}

func (d *Dispatcher) getLogs(ctx context.Context, raw json.RawMessage) Envelope {
	var p logsParams
	if err := decodeParams(raw, &p); err != nil {
		return fail(err)
	}
	lines, err := d.sv.GetLogs(p.Name, p.Stream, p.Tail)
	if err != nil {
		return fail(err)
	}
	return ok(lines)
}

func (d *Dispatcher) getURL(ctx context.Context, raw json.RawMessage) Envelope {
	var p nameParams
	if err := decodeParams(raw, &p); err != nil {
		return fail(err)
	}
	url, err := d.sv.GetURL(p.Name)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]string{"url": url})
}

func (d *Dispatcher) startProcess(ctx context.Context, raw json.RawMessage) Envelope {
	var p nameParams
	if err := decodeParams(raw, &p); err != nil {
		return fail(err)
	}
	if err := d.sv.StartProcess(ctx, p.Name, process.StartOptions{}); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func (d *Dispatcher) stopProcess(ctx context.Context, raw json.RawMessage) Envelope {
	var p nameParams
	if err := decodeParams(raw, &p); err != nil {
		return fail(err)
	}
	if err := d.sv.StopProcess(ctx, p.Name); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func (d *Dispatcher) restartProcess(ctx context.Context, raw json.RawMessage) Envelope {
	var p nameParams
	if err := decodeParams(raw, &p); err != nil {
		return fail(err)
	}
	if err := d.sv.RestartProcess(ctx, p.Name); err != nil {
		return fail(err)
	}
	return ok(nil)
}

type createInteractionParams struct {
	Schema    string   `json:"schema"`
	InkFile   string   `json:"inkFile"`
	Command   string   `json:"command"`
	Title     string   `json:"title"`
	TimeoutMs int      `json:"timeoutMs"`
	Args      []string `json:"args"`
	WaitMs    int      `json:"waitMs"`
}

func (d *Dispatcher) createInteraction(ctx context.Context, raw json.RawMessage) Envelope {
	if d.broker == nil {
		return failf("interaction support is disabled for this workspace")
	}
	var p createInteractionParams
	if err := decodeParams(raw, &p); err != nil {
		return fail(err)
	}
	id, err := d.broker.Create(interaction.CreateRequest{
		Schema:    p.Schema,
		InkFile:   p.InkFile,
		Command:   p.Command,
		Title:     p.Title,
		TimeoutMs: p.TimeoutMs,
		Args:      p.Args,
	})
	if err != nil {
		return fail(err)
	}
	if p.WaitMs <= 0 {
		return ok(map[string]string{"id": id, "status": "started"})
	}

	ev, err := d.broker.Wait(ctx, id, time.Duration(p.WaitMs)*time.Millisecond)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]interface{}{"id": id, "result": ev})
}

type cancelInteractionParams struct {
	ID string `json:"id"`
}

func (d *Dispatcher) cancelInteraction(ctx context.Context, raw json.RawMessage) Envelope {
	if d.broker == nil {
		return failf("interaction support is disabled for this workspace")
	}
	var p cancelInteractionParams
	if err := decodeParams(raw, &p); err != nil {
		return fail(err)
	}
	if err := d.broker.Cancel(p.ID); err != nil {
		return fail(err)
	}
	return ok(nil)
}
