package panehost

import (
	"fmt"
	"os/exec"
	"sync"

	"github.com/devloop-run/devloop/internal/devlog"
)

// TerminalHost is the HostTerminalWindow PaneHost variant: each pane is a
// directly-spawned child process with its own stdout/stderr pipes, used on
// hosts with no terminal multiplexer available. Floating panes fall back to
// opening a new host-OS terminal window running the same command.
type TerminalHost struct {
	logger devlog.Logger

	mu    sync.Mutex
	panes map[PaneID]*exec.Cmd
	names map[string]PaneID
}

// NewTerminalHost creates a TerminalHost.
func NewTerminalHost(logger devlog.Logger) *TerminalHost {
	return &TerminalHost{
		logger: logger.With("component", "panehost.terminal"),
		panes:  make(map[PaneID]*exec.Cmd),
		names:  make(map[string]PaneID),
	}
}

// SupportsGeometry is false: host terminal windows are positioned by the
// window manager, not by this process.
func (h *TerminalHost) SupportsGeometry() bool { return false }

func (h *TerminalHost) CreatePane(name, command, cwd string, env map[string]string) (*PaneHandle, error) {
	cmd := buildCommand(command, cwd, env)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stdout pipe: %v", ErrCreateFailed, err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: stderr pipe: %v", ErrCreateFailed, err)
	}
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}

	id := PaneID(name)
	h.mu.Lock()
	h.panes[id] = cmd
	h.mu.Unlock()

	done := make(chan ExitResult, 1)
	go func() {
		err := cmd.Wait()
		done <- exitResultFrom(err)
	}()

	return &PaneHandle{ID: id, Pid: cmd.Process.Pid, Stdout: stdout, Stderr: stderr, Done: done}, nil
}

func (h *TerminalHost) RespawnPane(id PaneID, command, cwd string, env map[string]string) (*PaneHandle, error) {
	h.mu.Lock()
	old, ok := h.panes[id]
	h.mu.Unlock()
	if !ok {
		return nil, ErrPaneNotFound
	}
	if old.Process != nil {
		killProcessGroup(old.Process.Pid)
	}
	return h.CreatePane(string(id), command, cwd, env)
}

func (h *TerminalHost) KillPane(id PaneID) error {
	h.mu.Lock()
	cmd, ok := h.panes[id]
	h.mu.Unlock()
	if !ok {
		return ErrPaneNotFound
	}
	if cmd.Process == nil {
		return nil
	}
	return killProcessGroup(cmd.Process.Pid)
}

func (h *TerminalHost) SendInterrupt(id PaneID) error {
	h.mu.Lock()
	cmd, ok := h.panes[id]
	h.mu.Unlock()
	if !ok {
		return ErrPaneNotFound
	}
	if cmd.Process == nil {
		return nil
	}
	return interruptProcess(cmd.Process.Pid)
}

// CapturePane has no rendered terminal to snapshot for a bare process; it
// returns the empty string. Callers needing log history should use the
// ManagedProcess LogBuffer instead, which is what this host's streams feed.
func (h *TerminalHost) CapturePane(id PaneID, nLines int) (string, error) {
	h.mu.Lock()
	_, ok := h.panes[id]
	h.mu.Unlock()
	if !ok {
		return "", ErrPaneNotFound
	}
	return "", nil
}

func (h *TerminalHost) Poll(id PaneID) (PaneStatus, error) {
	h.mu.Lock()
	cmd, ok := h.panes[id]
	h.mu.Unlock()
	if !ok {
		return PaneStatus{}, ErrPaneNotFound
	}
	if cmd.ProcessState == nil {
		return PaneStatus{Alive: true}, nil
	}
	return PaneStatus{Alive: false, ExitCode: cmd.ProcessState.ExitCode()}, nil
}

func (h *TerminalHost) OpenFloating(command string, opts FloatingOptions, env map[string]string) (*PaneHandle, error) {
	cmd := openTerminalWindowCommand(command, opts.Cwd, env)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}

	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("floating-%d", cmd.Process.Pid)
	}
	id := PaneID(name)
	h.mu.Lock()
	h.panes[id] = cmd
	h.names[name] = id
	h.mu.Unlock()

	done := make(chan ExitResult, 1)
	go func() {
		err := cmd.Wait()
		done <- exitResultFrom(err)
	}()

	return &PaneHandle{ID: id, Pid: cmd.Process.Pid, Done: done}, nil
}

func (h *TerminalHost) CloseFloating(name string) error {
	h.mu.Lock()
	id, ok := h.names[name]
	delete(h.names, name)
	h.mu.Unlock()
	if !ok {
		return nil
	}
	return h.KillPane(id)
}

func exitResultFrom(err error) ExitResult {
	if err == nil {
		return ExitResult{ExitCode: 0}
	}
	if exitErr, ok := err.(*exec.ExitError); ok {
		return ExitResult{ExitCode: exitErr.ExitCode(), Err: err}
	}
	return ExitResult{ExitCode: -1, Err: err}
}

func buildCommand(command, cwd string, env map[string]string) *exec.Cmd {
	cmd := exec.Command(shell(), shellFlag(), command)
	cmd.Dir = cwd
	cmd.Env = mergedEnv(env)
	return cmd
}
