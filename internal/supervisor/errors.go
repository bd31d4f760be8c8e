package supervisor

import "errors"

// Sentinel errors surfaced by Supervisor operations (spec.md §7). Callers
// use errors.Is to distinguish them across the IPC/dispatch boundary.
var (
	ErrNotFound            = errors.New("supervisor: process not found")
	ErrAlreadyRunning      = errors.New("supervisor: process already running")
	ErrDependencyNotReady  = errors.New("supervisor: dependency not ready")
	ErrCircularDependency  = errors.New("supervisor: circular dependency")
	ErrUnknownDependency   = errors.New("supervisor: dependsOn references unknown process")
	ErrMaxRestartsExceeded = errors.New("supervisor: max restarts exceeded")
	ErrHostUnavailable     = errors.New("supervisor: pane host unavailable")
)
