// Package supervisor implements the dependency-ordered process registry:
// topological start/stop, restart-policy backoff, manifest reload diffing,
// and periodic host-poll reconciliation (spec.md §4.6). ManagedProcess
// instances report state exclusively through their Events channel; the
// Supervisor is the only component that turns those events into restart
// decisions, per spec.md §9's message-passing design note.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/devloop-run/devloop/internal/config"
	"github.com/devloop-run/devloop/internal/devlog"
	"github.com/devloop-run/devloop/internal/model"
	"github.com/devloop-run/devloop/internal/panehost"
	"github.com/devloop-run/devloop/internal/process"
)

const (
	fastPollInterval = 500 * time.Millisecond
	slowPollInterval = 3 * time.Second
	readyPollTick    = 20 * time.Millisecond
)

// Supervisor owns every ManagedProcess in one devloop session.
type Supervisor struct {
	host     panehost.Host
	logger   devlog.Logger
	settings config.Settings

	mu          sync.RWMutex
	procs       map[string]*process.ManagedProcess
	order       []string
	envCtx      *model.EnvContext
	stopForward map[string]chan struct{}

	fanIn  chan process.Event
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds a Supervisor and starts its background event and poll loops.
func New(host panehost.Host, logger devlog.Logger, settings config.Settings) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())
	sv := &Supervisor{
		host:        host,
		logger:      logger.With("component", "supervisor"),
		settings:    settings,
		procs:       make(map[string]*process.ManagedProcess),
		stopForward: make(map[string]chan struct{}),
		envCtx:      model.NewEnvContext(environAsMap(os.Environ())),
		fanIn:       make(chan process.Event, 256),
		ctx:         ctx,
		cancel:      cancel,
	}
	sv.wg.Add(2)
	go sv.runEventLoop()
	go sv.runPollLoop()
	return sv
}

func environAsMap(environ []string) map[string]string {
	out := make(map[string]string, len(environ))
	for _, kv := range environ {
		if idx := strings.IndexByte(kv, '='); idx >= 0 {
			out[kv[:idx]] = kv[idx+1:]
		}
	}
	return out
}

// Shutdown stops the background loops and releases resources. It does not
// stop managed children; call StopAll first if that's desired.
func (sv *Supervisor) Shutdown() {
	sv.cancel()
	sv.wg.Wait()
}

// LoadManifest registers every process in cfgs and computes the initial
// dependency order. Intended for first load; Reload handles subsequent ones.
func (sv *Supervisor) LoadManifest(cfgs map[string]model.ResolvedProcessConfig) error {
	order, err := topoSort(cfgs)
	if err != nil {
		return err
	}
	for name, cfg := range cfgs {
		sv.register(name, cfg)
	}
	sv.mu.Lock()
	sv.order = order
	sv.mu.Unlock()
	return nil
}

func (sv *Supervisor) register(name string, cfg model.ResolvedProcessConfig) *process.ManagedProcess {
	mp := process.New(name, cfg, sv.host, sv.logger, sv.settings.LogBufferSize)

	sv.mu.Lock()
	mp.SetEnvContext(sv.envCtx)
	sv.procs[name] = mp
	stop := make(chan struct{})
	sv.stopForward[name] = stop
	sv.mu.Unlock()

	sv.forwardEvents(mp, stop)
	return mp
}

func (sv *Supervisor) unregister(name string) {
	sv.mu.Lock()
	delete(sv.procs, name)
	if stop, ok := sv.stopForward[name]; ok {
		close(stop)
		delete(sv.stopForward, name)
	}
	sv.mu.Unlock()
}

func (sv *Supervisor) forwardEvents(mp *process.ManagedProcess, stop <-chan struct{}) {
	sv.wg.Add(1)
	go func() {
		defer sv.wg.Done()
		for {
			select {
			case ev, ok := <-mp.Events():
				if !ok {
					return
				}
				select {
				case sv.fanIn <- ev:
				case <-sv.ctx.Done():
					return
				case <-stop:
					return
				}
			case <-sv.ctx.Done():
				return
			case <-stop:
				return
			}
		}
	}()
}

// GetProcess returns the named ManagedProcess, if registered.
func (sv *Supervisor) GetProcess(name string) (*process.ManagedProcess, bool) {
	sv.mu.RLock()
	defer sv.mu.RUnlock()
	mp, ok := sv.procs[name]
	return mp, ok
}

// ListProcesses returns every registered process's state, in dependency order.
func (sv *Supervisor) ListProcesses() []model.ProcessState {
	sv.mu.RLock()
	order := append([]string(nil), sv.order...)
	procs := make(map[string]*process.ManagedProcess, len(sv.procs))
	for k, v := range sv.procs {
		procs[k] = v
	}
	sv.mu.RUnlock()

	states := make([]model.ProcessState, 0, len(order))
	for _, name := range order {
		if mp, ok := procs[name]; ok {
			states = append(states, mp.GetState())
		}
	}
	return states
}

// GetLogs returns tail lines from the named process's log stream.
func (sv *Supervisor) GetLogs(name, stream string, tail int) ([]string, error) {
	mp, ok := sv.GetProcess(name)
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return mp.GetLogs(stream, tail), nil
}

// GetURL returns the named process's URL, if its port is known.
func (sv *Supervisor) GetURL(name string) (string, error) {
	mp, ok := sv.GetProcess(name)
	if !ok {
		return "", fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	st := mp.GetState()
	if st.URL == "" {
		return "", fmt.Errorf("%s: port not yet known", name)
	}
	return st.URL, nil
}

// GetStatus returns the named process's observable state.
func (sv *Supervisor) GetStatus(name string) (model.ProcessState, error) {
	mp, ok := sv.GetProcess(name)
	if !ok {
		return model.ProcessState{}, fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return mp.GetState(), nil
}

// StartAll starts every autoStart process in dependency order, per spec.md
// §4.6: each dependent awaits its dependency's ready signal, bounded by
// dependencyTimeout.
func (sv *Supervisor) StartAll(ctx context.Context) error {
	sv.mu.RLock()
	order := append([]string(nil), sv.order...)
	sv.mu.RUnlock()

	var firstErr error
	for _, name := range order {
		mp, ok := sv.GetProcess(name)
		if !ok {
			continue
		}
		if !mp.Config().AutoStartOrDefault() {
			continue
		}
		if err := sv.startWithDependencyWait(ctx, name, process.StartOptions{}); err != nil {
			sv.logger.Error("start_all: process failed to start", "process", name, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// StopAll stops every process in reverse dependency order.
func (sv *Supervisor) StopAll(ctx context.Context) error {
	sv.mu.RLock()
	order := append([]string(nil), sv.order...)
	sv.mu.RUnlock()

	var firstErr error
	for i := len(order) - 1; i >= 0; i-- {
		mp, ok := sv.GetProcess(order[i])
		if !ok {
			continue
		}
		if err := mp.Stop(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// StartProcess starts one process explicitly, waiting on its dependencies.
func (sv *Supervisor) StartProcess(ctx context.Context, name string, opts process.StartOptions) error {
	if _, ok := sv.GetProcess(name); !ok {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return sv.startWithDependencyWait(ctx, name, opts)
}

// StopProcess stops one process explicitly.
func (sv *Supervisor) StopProcess(ctx context.Context, name string) error {
	mp, ok := sv.GetProcess(name)
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return mp.Stop(ctx)
}

// RestartProcess stops then starts one process, re-waiting on dependencies.
func (sv *Supervisor) RestartProcess(ctx context.Context, name string) error {
	mp, ok := sv.GetProcess(name)
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	return sv.restartManaged(ctx, name, mp)
}

// RestartIfRunning restarts name only if it is currently starting, running,
// or ready; returns whether a restart was actually attempted (spec.md §4.6,
// used for env-file change propagation).
func (sv *Supervisor) RestartIfRunning(ctx context.Context, name string) bool {
	mp, ok := sv.GetProcess(name)
	if !ok {
		return false
	}
	switch mp.GetState().Status {
	case model.StatusStarting, model.StatusRunning, model.StatusReady:
	default:
		return false
	}
	if err := sv.restartManaged(ctx, name, mp); err != nil {
		sv.logger.Warn("restart_if_running failed", "process", name, "error", err)
		return false
	}
	return true
}

func (sv *Supervisor) restartManaged(ctx context.Context, name string, mp *process.ManagedProcess) error {
	if err := mp.Stop(ctx); err != nil {
		return err
	}
	return sv.startWithDependencyWait(ctx, name, process.StartOptions{})
}

func (sv *Supervisor) startWithDependencyWait(ctx context.Context, name string, opts process.StartOptions) error {
	mp, ok := sv.GetProcess(name)
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrNotFound)
	}
	cfg := mp.Config()

	for _, dep := range cfg.DependsOn {
		depMp, ok := sv.GetProcess(dep)
		if !ok {
			return fmt.Errorf("%s depends on unknown process %q: %w", name, dep, ErrUnknownDependency)
		}
		depCfg := depMp.Config()
		if !depCfg.AutoStartOrDefault() && depMp.GetState().Status != model.StatusReady {
			err := fmt.Errorf("process %q depends on %q, which is not auto-started: %w", name, dep, ErrDependencyNotReady)
			mp.MarkDependencyTimeout(err)
			return err
		}
		if err := sv.waitReady(ctx, dep, sv.settings.DependencyTimeout); err != nil {
			mp.MarkDependencyTimeout(err)
			return err
		}
	}

	return mp.Start(ctx, opts)
}

func (sv *Supervisor) waitReady(ctx context.Context, name string, timeout time.Duration) error {
	mp, ok := sv.GetProcess(name)
	if !ok {
		return fmt.Errorf("%s: %w", name, ErrUnknownDependency)
	}

	deadline := time.After(timeout)
	ticker := time.NewTicker(readyPollTick)
	defer ticker.Stop()

	for {
		switch mp.GetState().Status {
		case model.StatusReady:
			return nil
		case model.StatusCrashed, model.StatusCompleted, model.StatusStopped:
			return fmt.Errorf("dependency %q ended in %s before becoming ready: %w", name, mp.GetState().Status, ErrDependencyNotReady)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("dependency %q did not become ready within %s: %w", name, timeout, ErrDependencyNotReady)
		case <-ticker.C:
		}
	}
}

// Reload applies a new manifest generation per spec.md §4.6's reload-diff
// rule and apply order: stop removed, stop changed, re-register added and
// changed (preserving exports/ports for everything left untouched), start
// added and changed in dependency order.
func (sv *Supervisor) Reload(ctx context.Context, newCfgs map[string]model.ResolvedProcessConfig) (model.Diff, error) {
	order, err := topoSort(newCfgs)
	if err != nil {
		return model.Diff{}, err
	}

	sv.mu.RLock()
	oldCfgs := make(map[string]model.ResolvedProcessConfig, len(sv.procs))
	for name, mp := range sv.procs {
		oldCfgs[name] = mp.Config()
	}
	sv.mu.RUnlock()

	diff := computeDiff(oldCfgs, newCfgs)
	if diff.Empty() {
		return diff, nil
	}

	for _, name := range diff.Removed {
		if mp, ok := sv.GetProcess(name); ok {
			_ = mp.Stop(ctx)
		}
		sv.unregister(name)
	}
	for _, name := range diff.Changed {
		if mp, ok := sv.GetProcess(name); ok {
			_ = mp.Stop(ctx)
		}
	}

	touched := append(append([]string{}, diff.Added...), diff.Changed...)
	for _, name := range touched {
		cfg := newCfgs[name]
		if existing, ok := sv.GetProcess(name); ok {
			existing.UpdateConfig(cfg)
		} else {
			sv.register(name, cfg)
		}
	}

	sv.mu.Lock()
	sv.order = order
	sv.mu.Unlock()

	for _, name := range order {
		if !containsString(touched, name) {
			continue
		}
		mp, ok := sv.GetProcess(name)
		if !ok || !mp.Config().AutoStartOrDefault() {
			continue
		}
		if err := sv.startWithDependencyWait(ctx, name, process.StartOptions{}); err != nil {
			sv.logger.Error("reload: failed to start process", "process", name, "error", err)
		}
	}

	sv.logger.Info("reload applied", "added", len(diff.Added), "removed", len(diff.Removed), "changed", len(diff.Changed))
	return diff, nil
}

func computeDiff(oldCfgs, newCfgs map[string]model.ResolvedProcessConfig) model.Diff {
	var diff model.Diff
	for name, newCfg := range newCfgs {
		old, existed := oldCfgs[name]
		if !existed {
			diff.Added = append(diff.Added, name)
			continue
		}
		if !old.Equal(newCfg) {
			diff.Changed = append(diff.Changed, name)
		}
	}
	for name := range oldCfgs {
		if _, stillThere := newCfgs[name]; !stillThere {
			diff.Removed = append(diff.Removed, name)
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Strings(diff.Changed)
	return diff
}

func containsString(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// topoSort returns names in dependency-first order and rejects cycles or
// references to unknown processes (spec.md §4.6).
func topoSort(cfgs map[string]model.ResolvedProcessConfig) ([]string, error) {
	const (
		white = iota
		gray
		black
	)
	color := make(map[string]int, len(cfgs))
	order := make([]string, 0, len(cfgs))

	var visit func(name string) error
	visit = func(name string) error {
		switch color[name] {
		case black:
			return nil
		case gray:
			return fmt.Errorf("%s: %w", name, ErrCircularDependency)
		}
		color[name] = gray
		cfg, ok := cfgs[name]
		if !ok {
			return fmt.Errorf("%s: %w", name, ErrUnknownDependency)
		}
		for _, dep := range cfg.DependsOn {
			if _, ok := cfgs[dep]; !ok {
				return fmt.Errorf("%s depends on unknown process %q: %w", name, dep, ErrUnknownDependency)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}
		color[name] = black
		order = append(order, name)
		return nil
	}

	names := make([]string, 0, len(cfgs))
	for name := range cfgs {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := visit(name); err != nil {
			return nil, err
		}
	}
	return order, nil
}
