// Package process implements ManagedProcess, the state machine owning one
// supervised child: spawn, readiness, log capture, health, and export
// extraction (spec.md §4.5). Restart scheduling is driven by the Supervisor,
// which computes backoff/eligibility and calls ScheduleRestart; the timer
// mechanics themselves live here, per spec.md §3's ownership rule that a
// ManagedProcess owns its pending restart timer.
package process

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"regexp"
	"sync"
	"time"

	"github.com/devloop-run/devloop/internal/devlog"
	"github.com/devloop-run/devloop/internal/envresolve"
	"github.com/devloop-run/devloop/internal/health"
	"github.com/devloop-run/devloop/internal/logbuffer"
	"github.com/devloop-run/devloop/internal/model"
	"github.com/devloop-run/devloop/internal/panehost"
)

// StartOptions customizes one Start call (spec.md §4.5).
type StartOptions struct {
	Args  []string
	Env   map[string]string
	Force bool
}

// DefaultStopTimeout is how long Stop waits after the interrupt before
// killing the pane; it equals processStopTimeout's default (spec.md §6).
const DefaultStopTimeout = 5 * time.Second

var portPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)https?://localhost:(\d+)`),
	regexp.MustCompile(`(?i)listening on port (\d+)`),
	regexp.MustCompile(`(?i)Local:\s+https?://localhost:(\d+)`),
	regexp.MustCompile(`(?i)Server\D*?(\d+)\b`),
}

// ManagedProcess owns one supervised child process end to end.
type ManagedProcess struct {
	name   string
	logger devlog.Logger
	host   panehost.Host

	stopTimeout time.Duration

	mu             sync.RWMutex
	cfg            model.ResolvedProcessConfig
	status         model.Status
	pid            int
	port           int
	portFixed      bool
	healthy        *bool
	restartCount   int
	lastRestart    *time.Time
	lastReadyAt    time.Time
	exitCode       *int
	lastErr        string
	exports        map[string]string
	envCtx         *model.EnvContext
	stdoutVarRegex map[string]*regexp.Regexp

	stdoutBuf   *logbuffer.Buffer
	stderrBuf   *logbuffer.Buffer
	combinedBuf *logbuffer.Buffer

	pane        *panehost.PaneHandle
	healthProbe *health.Probe

	events chan Event

	runCtx    context.Context
	runCancel context.CancelFunc
	runWG     sync.WaitGroup

	restartTimer *time.Timer
}

// New creates a ManagedProcess in the pending state.
func New(name string, cfg model.ResolvedProcessConfig, host panehost.Host, logger devlog.Logger, logBufferSize int) *ManagedProcess {
	mp := &ManagedProcess{
		name:        name,
		logger:      logger.With("process", name),
		host:        host,
		stopTimeout: DefaultStopTimeout,
		cfg:         cfg,
		status:      model.StatusPending,
		exports:     make(map[string]string),
		stdoutBuf:   logbuffer.New(logBufferSize),
		stderrBuf:   logbuffer.New(logBufferSize),
		combinedBuf: logbuffer.New(logBufferSize),
		events:      make(chan Event, 32),
	}
	if cfg.Port != 0 {
		mp.port = cfg.Port
		mp.portFixed = true
	}
	mp.stdoutVarRegex = make(map[string]*regexp.Regexp, len(cfg.StdoutPatternVars))
	for varName, pattern := range cfg.StdoutPatternVars {
		if re, err := regexp.Compile(pattern); err == nil {
			mp.stdoutVarRegex[varName] = re
		} else {
			mp.logger.Warn("invalid stdoutPatternVars regex", "var", varName, "pattern", pattern, "error", err)
		}
	}
	return mp
}

// Events returns the channel the Supervisor consumes in its single
// event-processing task.
func (mp *ManagedProcess) Events() <-chan Event { return mp.events }

// Name returns the process's configured name.
func (mp *ManagedProcess) Name() string { return mp.name }

// Config returns the resolved configuration this ManagedProcess was built from.
func (mp *ManagedProcess) Config() model.ResolvedProcessConfig {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.cfg
}

// SetEnvContext updates the shared environment context. The Supervisor
// re-injects it whenever ports/exports change elsewhere in the workspace.
func (mp *ManagedProcess) SetEnvContext(ctx *model.EnvContext) {
	mp.mu.Lock()
	mp.envCtx = ctx
	mp.mu.Unlock()
}

func (mp *ManagedProcess) emit(ev Event) {
	ev.Process = mp.name
	ev.At = time.Now()
	select {
	case mp.events <- ev:
	default:
		mp.logger.Warn("event channel full, dropping event", "kind", ev.Kind)
	}
}

// GetState returns a snapshot of the observable process state.
func (mp *ManagedProcess) GetState() model.ProcessState {
	mp.mu.RLock()
	defer mp.mu.RUnlock()

	state := model.ProcessState{
		Name:         mp.name,
		Status:       mp.status,
		RestartCount: mp.restartCount,
		Error:        mp.lastErr,
	}
	if mp.status == model.StatusStarting || mp.status == model.StatusRunning || mp.status == model.StatusReady {
		state.Pid = mp.pid
	}
	if mp.port != 0 {
		state.Port = mp.port
		state.URL = fmt.Sprintf("http://localhost:%d", mp.port)
	}
	if mp.healthy != nil {
		h := *mp.healthy
		state.Healthy = &h
	}
	if mp.lastRestart != nil {
		t := *mp.lastRestart
		state.LastRestartTime = &t
	}
	if mp.exitCode != nil {
		c := *mp.exitCode
		state.ExitCode = &c
	}
	if len(mp.exports) > 0 {
		state.Exports = make(map[string]string, len(mp.exports))
		for k, v := range mp.exports {
			state.Exports[k] = v
		}
	}
	return state
}

// GetLogs returns up to tail lines (default 100) from the requested stream.
func (mp *ManagedProcess) GetLogs(stream string, tail int) []string {
	if tail <= 0 {
		tail = 100
	}
	var buf *logbuffer.Buffer
	switch stream {
	case "stdout":
		buf = mp.stdoutBuf
	case "stderr":
		buf = mp.stderrBuf
	default:
		buf = mp.combinedBuf
	}
	lines := buf.Tail(tail)
	out := make([]string, len(lines))
	for i, l := range lines {
		out[i] = l.Text
	}
	return out
}

// Start spawns the child per spec.md §4.5's start sequence.
func (mp *ManagedProcess) Start(ctx context.Context, opts StartOptions) error {
	mp.mu.Lock()
	if mp.status == model.StatusRunning || mp.status == model.StatusReady || mp.status == model.StatusStarting {
		mp.mu.Unlock()
		return ErrAlreadyRunning
	}
	force := opts.Force || mp.cfg.Force
	cfg := mp.cfg
	envCtx := mp.envCtx
	port := mp.port
	mp.mu.Unlock()

	if envCtx == nil {
		envCtx = model.NewEnvContext(nil)
	}
	localCtx := *envCtx
	if port != 0 {
		localCtx.CurrentPort = port
		localCtx.HasCurrentPort = true
	}

	if force && port != 0 {
		if err := freePort(port); err != nil {
			mp.logger.Warn("force: could not free port", "port", port, "error", err)
		}
	}

	command, err := envresolve.Resolve(cfg.Command, &localCtx)
	if err != nil {
		mp.setError(err.Error())
		mp.emit(Event{Kind: EventUnresolved, Err: err})
		return err
	}

	var envFileVars map[string]string
	if cfg.EnvFile != "" {
		envFileVars, err = envresolve.LoadEnvFile(cfg.EnvFile)
		if err != nil {
			mp.setError(err.Error())
			mp.emit(Event{Kind: EventUnresolved, Err: err})
			return err
		}
	}

	mergedEnv := make(map[string]string, len(cfg.Env)+len(envFileVars)+len(opts.Env))
	for k, v := range cfg.Env {
		mergedEnv[k] = v
	}
	for k, v := range envFileVars {
		mergedEnv[k] = v
	}
	for k, v := range opts.Env {
		mergedEnv[k] = v
	}
	resolvedEnv, err := envresolve.ResolveMap(mergedEnv, &localCtx)
	if err != nil {
		mp.setError(err.Error())
		mp.emit(Event{Kind: EventUnresolved, Err: err})
		return err
	}
	if port != 0 {
		resolvedEnv["PORT"] = fmt.Sprintf("%d", port)
	}

	mp.mu.Lock()
	mp.status = model.StatusStarting
	mp.lastErr = ""
	mp.mu.Unlock()

	pane, err := mp.host.CreatePane(mp.name, command, cfg.Cwd, resolvedEnv)
	if err != nil {
		mp.mu.Lock()
		mp.status = model.StatusCrashed
		mp.lastErr = err.Error()
		mp.mu.Unlock()
		mp.emit(Event{Kind: EventSpawnFailed, Err: err})
		return fmt.Errorf("spawn %s: %w", mp.name, err)
	}

	mp.mu.Lock()
	mp.pane = pane
	mp.pid = pane.Pid
	mp.status = model.StatusRunning
	mp.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	mp.runCtx = runCtx
	mp.runCancel = cancel

	if pane.Stdout != nil {
		mp.runWG.Add(1)
		go mp.pump("stdout", pane.Stdout)
	}
	if pane.Stderr != nil {
		mp.runWG.Add(1)
		go mp.pump("stderr", pane.Stderr)
	}

	mp.runWG.Add(1)
	go mp.watchExit(pane.Done)

	if cfg.HealthCheck != "" {
		mp.startHealthProbe(runCtx, cfg.HealthCheck)
	}

	mp.evaluateReadiness()
	return nil
}

func (mp *ManagedProcess) pump(stream string, r io.Reader) {
	defer mp.runWG.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		mp.recordLine(stream, line)
	}
}

func (mp *ManagedProcess) recordLine(stream, line string) {
	switch stream {
	case "stdout":
		mp.stdoutBuf.Push(stream, line)
	case "stderr":
		mp.stderrBuf.Push(stream, line)
	}
	mp.combinedBuf.Push(stream, line)

	mp.detectPort(line)
	mp.applyPatternVars(line)
}

func (mp *ManagedProcess) detectPort(line string) {
	mp.mu.RLock()
	already := mp.portFixed
	mp.mu.RUnlock()
	if already {
		return
	}
	for _, re := range portPatterns {
		m := re.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		var port int
		if _, err := fmt.Sscanf(m[1], "%d", &port); err != nil || port == 0 {
			continue
		}
		mp.mu.Lock()
		if mp.port != 0 {
			mp.mu.Unlock()
			return
		}
		mp.port = port
		mp.mu.Unlock()

		mp.emit(Event{Kind: EventPortDetected, Port: port})
		mp.evaluateReadiness()
		return
	}
}

func (mp *ManagedProcess) applyPatternVars(line string) {
	changed := false
	mp.mu.Lock()
	for varName, re := range mp.stdoutVarRegex {
		m := re.FindStringSubmatch(line)
		if len(m) < 2 {
			continue
		}
		mp.exports[varName] = m[1]
		changed = true
	}
	var snapshot map[string]string
	if changed {
		snapshot = make(map[string]string, len(mp.exports))
		for k, v := range mp.exports {
			snapshot[k] = v
		}
	}
	mp.mu.Unlock()

	if changed {
		mp.emit(Event{Kind: EventExportsChanged, Exports: snapshot})
		mp.evaluateReadiness()
	}
}

func (mp *ManagedProcess) startHealthProbe(ctx context.Context, target string) {
	url := target
	if len(url) < 4 || (url[:4] != "http") {
		url = "http://" + target
	}
	probe := health.New(health.Config{URL: url})
	mp.mu.Lock()
	mp.healthProbe = probe
	mp.mu.Unlock()

	mp.runWG.Add(1)
	go func() {
		defer mp.runWG.Done()
		probe.Run(ctx)
	}()

	mp.runWG.Add(1)
	go func() {
		defer mp.runWG.Done()
		for {
			select {
			case <-ctx.Done():
				return
			case tr, ok := <-probe.Transitions():
				if !ok {
					return
				}
				mp.mu.Lock()
				h := tr.Healthy
				mp.healthy = &h
				mp.mu.Unlock()
				mp.emit(Event{Kind: EventHealthChanged, Healthy: tr.Healthy})
				mp.evaluateReadiness()
			}
		}
	}()
}

// evaluateReadiness applies spec.md §4.5's readiness rule and transitions
// between running and ready as the underlying signals change in either
// direction (e.g. a health probe going unhealthy demotes a ready process
// back to running, preserving the P1 invariant).
func (mp *ManagedProcess) evaluateReadiness() {
	becameReady := false

	mp.mu.Lock()
	if mp.status == model.StatusRunning || mp.status == model.StatusReady {
		ready := mp.computeReadyLocked()
		switch {
		case ready && mp.status != model.StatusReady:
			mp.status = model.StatusReady
			mp.lastReadyAt = time.Now()
			becameReady = true
		case !ready && mp.status == model.StatusReady:
			mp.status = model.StatusRunning
		}
	}
	mp.mu.Unlock()

	if becameReady {
		mp.emit(Event{Kind: EventReady})
	}
}

func (mp *ManagedProcess) computeReadyLocked() bool {
	switch {
	case mp.cfg.HealthCheck != "":
		return mp.healthy != nil && *mp.healthy
	case len(mp.cfg.ReadyVars) > 0:
		for _, v := range mp.cfg.ReadyVars {
			if _, ok := mp.exports[v]; !ok {
				return false
			}
		}
		return true
	case mp.port != 0:
		return true
	default:
		return true
	}
}

func (mp *ManagedProcess) watchExit(done <-chan panehost.ExitResult) {
	defer mp.runWG.Done()
	result, ok := <-done
	if !ok {
		return
	}

	mp.mu.Lock()
	code := result.ExitCode
	mp.exitCode = &code
	mp.pid = 0
	policy := mp.cfg.RestartPolicy
	var finalStatus model.Status
	if policy == model.RestartNever && code == 0 {
		finalStatus = model.StatusCompleted
	} else {
		finalStatus = model.StatusCrashed
		if result.Err != nil {
			mp.lastErr = result.Err.Error()
		}
	}
	mp.status = finalStatus
	mp.mu.Unlock()

	if healthProbe := mp.takeHealthProbe(); healthProbe != nil {
		healthProbe.Stop()
	}
	if mp.runCancel != nil {
		mp.runCancel()
	}

	if finalStatus == model.StatusCompleted {
		mp.emit(Event{Kind: EventCompleted, ExitCode: code})
	} else {
		mp.emit(Event{Kind: EventCrashed, ExitCode: code, Err: result.Err})
	}
}

func (mp *ManagedProcess) takeHealthProbe() *health.Probe {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	p := mp.healthProbe
	mp.healthProbe = nil
	return p
}

// Stop sends an interrupt, waits DefaultStopTimeout for the child to exit,
// then kills. The manifest's processStopTimeout setting does not change this
// wait. restartCount is preserved across stop (L2).
func (mp *ManagedProcess) Stop(ctx context.Context) error {
	mp.CancelPendingRestart()

	mp.mu.RLock()
	status := mp.status
	pane := mp.pane
	mp.mu.RUnlock()

	if status != model.StatusRunning && status != model.StatusReady && status != model.StatusStarting {
		return nil
	}
	if pane == nil {
		return nil
	}

	_ = mp.host.SendInterrupt(pane.ID)

	select {
	case <-time.After(mp.stopTimeout):
		_ = mp.host.KillPane(pane.ID)
	case <-waitForExit(mp):
	case <-ctx.Done():
		_ = mp.host.KillPane(pane.ID)
	}

	mp.runWG.Wait()

	mp.mu.Lock()
	mp.status = model.StatusStopped
	mp.pid = 0
	mp.mu.Unlock()
	mp.emit(Event{Kind: EventStopped})
	return nil
}

func waitForExit(mp *ManagedProcess) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		mp.mu.RLock()
		ctx := mp.runCtx
		mp.mu.RUnlock()
		if ctx != nil {
			<-ctx.Done()
		}
		close(ch)
	}()
	return ch
}

// Restart stops then starts the process, preserving restartCount (L2).
func (mp *ManagedProcess) Restart(ctx context.Context, opts StartOptions) error {
	if err := mp.Stop(ctx); err != nil {
		return err
	}
	return mp.Start(ctx, opts)
}

// PollHostStatus asks the PaneHost whether the pane is still alive, used by
// the Supervisor's background reconciliation sweep for externally-killed
// panes. If the pane died without the Done channel firing, it reconciles
// the state here exactly as watchExit would.
func (mp *ManagedProcess) PollHostStatus() (model.Status, error) {
	mp.mu.RLock()
	pane := mp.pane
	status := mp.status
	mp.mu.RUnlock()

	if pane == nil || (status != model.StatusRunning && status != model.StatusReady && status != model.StatusStarting) {
		return status, nil
	}

	hostStatus, err := mp.host.Poll(pane.ID)
	if err != nil {
		return status, err
	}
	if hostStatus.Alive {
		return status, nil
	}

	mp.mu.Lock()
	code := hostStatus.ExitCode
	mp.exitCode = &code
	mp.pid = 0
	policy := mp.cfg.RestartPolicy
	var finalStatus model.Status
	if policy == model.RestartNever && code == 0 {
		finalStatus = model.StatusCompleted
	} else {
		finalStatus = model.StatusCrashed
	}
	mp.status = finalStatus
	mp.mu.Unlock()

	if mp.runCancel != nil {
		mp.runCancel()
	}
	if finalStatus == model.StatusCompleted {
		mp.emit(Event{Kind: EventCompleted, ExitCode: code})
	} else {
		mp.emit(Event{Kind: EventCrashed, ExitCode: code})
	}
	return finalStatus, nil
}

// ScheduleRestart arms the pending restart timer; the Supervisor has already
// decided (via backoff + maxRestarts) that a restart at delay is warranted.
func (mp *ManagedProcess) ScheduleRestart(delay time.Duration, fn func()) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if mp.restartTimer != nil {
		mp.restartTimer.Stop()
	}
	mp.restartTimer = time.AfterFunc(delay, fn)
}

// CancelPendingRestart stops any armed restart timer (spec.md §3, "stopped
// ⇒ no automatic restart will be attempted").
func (mp *ManagedProcess) CancelPendingRestart() {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	if mp.restartTimer != nil {
		mp.restartTimer.Stop()
		mp.restartTimer = nil
	}
}

// RecordRestartAttempt increments restartCount and stamps lastRestartTime;
// the Supervisor calls this immediately before re-invoking Start.
func (mp *ManagedProcess) RecordRestartAttempt() {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.restartCount++
	now := time.Now()
	mp.lastRestart = &now
}

// ResetRestartCount clears restartCount, used when a process has stayed
// ready longer than its last backoff window (successful recovery).
func (mp *ManagedProcess) ResetRestartCount() {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.restartCount = 0
}

// RestartCount returns the current restart counter.
func (mp *ManagedProcess) RestartCount() int {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.restartCount
}

// LastReadyAt returns when the process most recently became ready.
func (mp *ManagedProcess) LastReadyAt() time.Time {
	mp.mu.RLock()
	defer mp.mu.RUnlock()
	return mp.lastReadyAt
}

// MarkDependencyTimeout records a failed start attempt caused by a
// dependency that never became ready in time (spec.md §7 DependencyTimeout):
// the process enters crashed with the error set and its restart counter
// increments, but no restart is scheduled here — that is the Supervisor's
// call on the next start attempt.
func (mp *ManagedProcess) MarkDependencyTimeout(err error) {
	mp.mu.Lock()
	mp.status = model.StatusCrashed
	mp.lastErr = err.Error()
	mp.restartCount++
	mp.mu.Unlock()
	mp.emit(Event{Kind: EventDependencyTimeout, Err: err})
}

func (mp *ManagedProcess) setError(msg string) {
	mp.mu.Lock()
	mp.lastErr = msg
	mp.mu.Unlock()
}

// SetTerminalError overwrites the error message on an already-crashed
// process, used by the Supervisor to record "max restarts exceeded" without
// otherwise disturbing the state it already reconciled.
func (mp *ManagedProcess) SetTerminalError(msg string) {
	mp.setError(msg)
}

// UpdateConfig swaps in a new resolved config, e.g. after a manifest reload,
// preserving runtime state (exports, port) the caller doesn't reset.
func (mp *ManagedProcess) UpdateConfig(cfg model.ResolvedProcessConfig) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.cfg = cfg
	if cfg.Port != 0 {
		mp.port = cfg.Port
		mp.portFixed = true
	}
	mp.stdoutVarRegex = make(map[string]*regexp.Regexp, len(cfg.StdoutPatternVars))
	for varName, pattern := range cfg.StdoutPatternVars {
		if re, err := regexp.Compile(pattern); err == nil {
			mp.stdoutVarRegex[varName] = re
		}
	}
}
