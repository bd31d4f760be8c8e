package supervisor

import (
	"time"

	"github.com/devloop-run/devloop/internal/model"
	"github.com/devloop-run/devloop/internal/process"
)

func (sv *Supervisor) runEventLoop() {
	defer sv.wg.Done()
	for {
		select {
		case <-sv.ctx.Done():
			return
		case ev := <-sv.fanIn:
			sv.handleEvent(ev)
		}
	}
}

func (sv *Supervisor) handleEvent(ev process.Event) {
	switch ev.Kind {
	case process.EventPortDetected:
		sv.updateEnvCtx(func(c *model.EnvContext) { c.ProcessPorts[ev.Process] = ev.Port })
	case process.EventExportsChanged:
		sv.updateEnvCtx(func(c *model.EnvContext) { c.ProcessExports[ev.Process] = ev.Exports })
	case process.EventReady:
		sv.logger.Info("process ready", "process", ev.Process)
	case process.EventCrashed:
		sv.handleCrash(ev.Process, ev.ExitCode, false)
	case process.EventSpawnFailed:
		sv.handleCrash(ev.Process, 1, true)
	case process.EventCompleted:
		sv.logger.Info("process completed", "process", ev.Process, "exitCode", ev.ExitCode)
	case process.EventStopped:
		sv.logger.Info("process stopped", "process", ev.Process)
	case process.EventHealthChanged:
		sv.logger.Debug("process health changed", "process", ev.Process, "healthy", ev.Healthy)
	case process.EventUnresolved:
		sv.logger.Warn("process env resolution failed", "process", ev.Process, "error", ev.Err)
	case process.EventDependencyTimeout:
		sv.logger.Warn("process dependency wait failed", "process", ev.Process, "error", ev.Err)
	}
}

// updateEnvCtx publishes a new, independently-owned EnvContext so that
// concurrent readers in ManagedProcess.Start (which dereference the pointer
// without taking the Supervisor's lock) never observe a torn write.
func (sv *Supervisor) updateEnvCtx(mutate func(*model.EnvContext)) {
	sv.mu.Lock()
	next := cloneEnvContext(sv.envCtx)
	mutate(next)
	sv.envCtx = next
	procs := make([]*process.ManagedProcess, 0, len(sv.procs))
	for _, p := range sv.procs {
		procs = append(procs, p)
	}
	sv.mu.Unlock()

	for _, p := range procs {
		p.SetEnvContext(next)
	}
}

func cloneEnvContext(c *model.EnvContext) *model.EnvContext {
	out := &model.EnvContext{
		ProcessPorts:   make(map[string]int, len(c.ProcessPorts)),
		ProcessExports: make(map[string]map[string]string, len(c.ProcessExports)),
		SystemEnv:      c.SystemEnv,
		CurrentPort:    c.CurrentPort,
		HasCurrentPort: c.HasCurrentPort,
	}
	for k, v := range c.ProcessPorts {
		out.ProcessPorts[k] = v
	}
	for k, exports := range c.ProcessExports {
		m := make(map[string]string, len(exports))
		for ek, ev := range exports {
			m[ek] = ev
		}
		out.ProcessExports[k] = m
	}
	return out
}

// handleCrash applies spec.md §4.6's restart-policy table and backoff
// schedule. wasSpawnFailure treats a PaneHost spawn refusal as a non-zero
// exit, per spec.md §7's SpawnError handling note.
func (sv *Supervisor) handleCrash(name string, exitCode int, wasSpawnFailure bool) {
	mp, ok := sv.GetProcess(name)
	if !ok {
		return
	}
	cfg := mp.Config()
	if !shouldRestart(cfg.RestartPolicy, exitCode, wasSpawnFailure) {
		return
	}

	count := mp.RestartCount()
	lastReadyAt := mp.LastReadyAt()
	if !lastReadyAt.IsZero() {
		priorBackoff := computeBackoff(count-1, sv.settings.RestartBackoffMax)
		if time.Since(lastReadyAt) > priorBackoff {
			mp.ResetRestartCount()
			count = 0
		}
	}

	if count >= cfg.MaxRestarts {
		mp.SetTerminalError("max restarts exceeded")
		sv.logger.Error("process exhausted restart budget", "process", name, "maxRestarts", cfg.MaxRestarts)
		return
	}

	delay := computeBackoff(count, sv.settings.RestartBackoffMax)
	sv.logger.Info("scheduling restart", "process", name, "delay", delay, "restartCount", count)
	mp.ScheduleRestart(delay, func() {
		// A Stop (or a manual start) since the crash wins over the restart.
		if mp.GetState().Status != model.StatusCrashed {
			return
		}
		mp.RecordRestartAttempt()
		if err := sv.startWithDependencyWait(sv.ctx, name, process.StartOptions{}); err != nil {
			sv.logger.Warn("scheduled restart failed", "process", name, "error", err)
		}
	})
}

func shouldRestart(policy model.RestartPolicy, exitCode int, wasSpawnFailure bool) bool {
	nonZero := wasSpawnFailure || exitCode != 0
	switch policy {
	case model.RestartAlways:
		return true
	case model.RestartOnFailure:
		return nonZero
	default: // model.RestartNever
		return false
	}
}

// computeBackoff implements spec.md §4.6: min(2^restartCount * 1000ms, cap).
func computeBackoff(restartCount int, cap time.Duration) time.Duration {
	if restartCount < 0 {
		restartCount = 0
	}
	if restartCount > 30 {
		return cap
	}
	d := time.Duration(uint64(1)<<uint(restartCount)) * time.Second
	if d <= 0 || d > cap {
		return cap
	}
	return d
}
