// Package model holds the data types shared across the supervisor: the
// declared and resolved process configuration, observable process state,
// the environment context used for variable resolution, and the
// interaction/event types that drive the interaction broker.
package model

import "time"

// RestartPolicy controls whether a ManagedProcess is restarted after exit.
type RestartPolicy string

const (
	RestartAlways     RestartPolicy = "always"
	RestartOnFailure  RestartPolicy = "onFailure"
	RestartNever      RestartPolicy = "never"
)

// Status is one of the lowercase tokens in spec.md §3.
type Status string

const (
	StatusPending   Status = "pending"
	StatusStarting  Status = "starting"
	StatusRunning   Status = "running"
	StatusReady     Status = "ready"
	StatusCrashed   Status = "crashed"
	StatusStopped   Status = "stopped"
	StatusCompleted Status = "completed"
)

// ProcessConfig is the declared, user-facing configuration for one process
// entry in the manifest.
type ProcessConfig struct {
	Name              string            `yaml:"-" json:"name"`
	Command           string            `yaml:"command" json:"command"`
	Cwd               string            `yaml:"cwd,omitempty" json:"cwd,omitempty"`
	Port              int               `yaml:"port,omitempty" json:"port,omitempty"`
	AutoStart         *bool             `yaml:"autoStart,omitempty" json:"autoStart,omitempty"`
	Env               map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	EnvFile           string            `yaml:"envFile,omitempty" json:"envFile,omitempty"`
	StdoutPatternVars map[string]string `yaml:"stdoutPatternVars,omitempty" json:"stdoutPatternVars,omitempty"`
	ReadyVars         []string          `yaml:"readyVars,omitempty" json:"readyVars,omitempty"`
	HealthCheck       string            `yaml:"healthCheck,omitempty" json:"healthCheck,omitempty"`
	DependsOn         []string          `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`
	RestartPolicy     RestartPolicy     `yaml:"restartPolicy,omitempty" json:"restartPolicy,omitempty"`
	MaxRestarts       int               `yaml:"maxRestarts,omitempty" json:"maxRestarts,omitempty"`
	Force             bool              `yaml:"force,omitempty" json:"force,omitempty"`
}

// AutoStartOrDefault returns the effective AutoStart value, defaulting true.
func (c ProcessConfig) AutoStartOrDefault() bool {
	if c.AutoStart == nil {
		return true
	}
	return *c.AutoStart
}

// ResolvedProcessConfig is ProcessConfig after normalization: absolute cwd,
// a non-nil DependsOn, and defaults for restart policy / max restarts applied.
type ResolvedProcessConfig struct {
	ProcessConfig
}

// Clone returns a deep-enough copy for diffing/storage purposes.
func (r ResolvedProcessConfig) Clone() ResolvedProcessConfig {
	out := r
	out.Env = cloneStringMap(r.Env)
	out.StdoutPatternVars = cloneStringMap(r.StdoutPatternVars)
	out.ReadyVars = append([]string(nil), r.ReadyVars...)
	out.DependsOn = append([]string(nil), r.DependsOn...)
	if r.AutoStart != nil {
		v := *r.AutoStart
		out.AutoStart = &v
	}
	return out
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Equal compares two resolved configs by every declared field, per spec.md's
// reload-diff rule (command, cwd, port, autoStart, envFile, env, restart
// policy, maxRestarts, healthCheck, dependsOn, stdoutPatternVars, readyVars).
func (r ResolvedProcessConfig) Equal(o ResolvedProcessConfig) bool {
	if r.Command != o.Command || r.Cwd != o.Cwd || r.Port != o.Port ||
		r.AutoStartOrDefault() != o.AutoStartOrDefault() || r.EnvFile != o.EnvFile ||
		r.RestartPolicy != o.RestartPolicy || r.MaxRestarts != o.MaxRestarts ||
		r.HealthCheck != o.HealthCheck {
		return false
	}
	if !stringMapEqual(r.Env, o.Env) || !stringMapEqual(r.StdoutPatternVars, o.StdoutPatternVars) {
		return false
	}
	if !stringSliceEqual(r.DependsOn, o.DependsOn) || !stringSliceEqual(r.ReadyVars, o.ReadyVars) {
		return false
	}
	return true
}

func stringMapEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if b[k] != v {
			return false
		}
	}
	return true
}

func stringSliceEqual(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	seen := make(map[string]int, len(a))
	for _, v := range a {
		seen[v]++
	}
	for _, v := range b {
		seen[v]--
	}
	for _, n := range seen {
		if n != 0 {
			return false
		}
	}
	return true
}

// ProcessState is the observable, snapshot-able view of a ManagedProcess.
type ProcessState struct {
	Name            string            `json:"name"`
	Status          Status            `json:"status"`
	Pid             int               `json:"pid,omitempty"`
	Port            int               `json:"port,omitempty"`
	URL             string            `json:"url,omitempty"`
	Healthy         *bool             `json:"healthy,omitempty"`
	RestartCount    int               `json:"restartCount"`
	LastRestartTime *time.Time        `json:"lastRestartTime,omitempty"`
	ExitCode        *int              `json:"exitCode,omitempty"`
	Error           string            `json:"error,omitempty"`
	Exports         map[string]string `json:"exports,omitempty"`
}

// EnvContext is the shared environment context the Supervisor maintains and
// re-injects into every ManagedProcess as ports/exports change.
type EnvContext struct {
	ProcessPorts    map[string]int
	ProcessExports  map[string]map[string]string
	SystemEnv       map[string]string
	CurrentPort     int
	HasCurrentPort  bool
}

// NewEnvContext builds an EnvContext seeded from the host's environment.
func NewEnvContext(systemEnv map[string]string) *EnvContext {
	return &EnvContext{
		ProcessPorts:   make(map[string]int),
		ProcessExports: make(map[string]map[string]string),
		SystemEnv:      systemEnv,
	}
}

// Interaction is one floating-pane UI interaction tracked by the broker.
type Interaction struct {
	ID         string
	CreatedAt  time.Time
	TimeoutMs  int
	PaneHandle string
	Status     InteractionStatus
}

type InteractionStatus string

const (
	InteractionStarted   InteractionStatus = "started"
	InteractionCompleted InteractionStatus = "completed"
	InteractionCancelled InteractionStatus = "cancelled"
	InteractionTimedOut  InteractionStatus = "timed_out"
)

// EventKind enumerates the defined EventLog record kinds.
type EventKind string

const (
	EventResult EventKind = "result"
	EventReload EventKind = "reload"
	EventStatus EventKind = "status"
)

// ResultAction enumerates the action field of a "result" event.
type ResultAction string

const (
	ActionAccept  ResultAction = "accept"
	ActionDecline ResultAction = "decline"
	ActionCancel  ResultAction = "cancel"
	ActionTimeout ResultAction = "timeout"
)

// Event is one JSON-lines record in the EventLog.
type Event struct {
	Ts      int64                  `json:"ts"`
	Type    EventKind              `json:"type"`
	ID      string                 `json:"id,omitempty"`
	Action   ResultAction          `json:"action,omitempty"`
	Answers map[string]interface{} `json:"answers,omitempty"`
	Result  interface{}            `json:"result,omitempty"`
	Added   []string               `json:"added,omitempty"`
	Removed []string               `json:"removed,omitempty"`
	Changed []string               `json:"changed,omitempty"`
	Message string                 `json:"message,omitempty"`
	Prompts []string               `json:"prompts,omitempty"`
}

// Diff is the result of comparing two manifest generations, per spec.md §4.6.
type Diff struct {
	Added   []string
	Removed []string
	Changed []string
}

// Empty reports whether the diff carries no changes at all (used for L4).
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}
