package panehost

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/devloop-run/devloop/internal/devlog"
)

// TmuxHost is the MultiplexerInSession PaneHost variant: every pane is a
// window inside one private tmux session, and floating panes are tmux
// display-popup invocations.
type TmuxHost struct {
	session string
	workDir string // scratch dir for pipe-pane capture files
	logger  devlog.Logger
	binary  string

	mu              sync.Mutex
	usedPlaceholder bool
	windows         map[PaneID]string // PaneID -> tmux target
	floating        map[string]*exec.Cmd
}

// NewTmuxHost creates (but does not yet start) a tmux session named session.
// workDir holds scratch files used to tee pane output for capture.
func NewTmuxHost(session, workDir string, logger devlog.Logger) *TmuxHost {
	return &TmuxHost{
		session: session,
		workDir: workDir,
		logger:  logger.With("component", "panehost.tmux"),
		binary:  "tmux",
		windows: make(map[PaneID]string),
		floating: make(map[string]*exec.Cmd),
	}
}

// SupportsGeometry reports true: tmux display-popup honors width/height/x/y.
func (h *TmuxHost) SupportsGeometry() bool { return true }

func (h *TmuxHost) ensureSession() error {
	check := exec.Command(h.binary, "has-session", "-t", h.session)
	if err := check.Run(); err == nil {
		return nil
	}
	create := exec.Command(h.binary, "new-session", "-d", "-s", h.session, "-n", "placeholder")
	if out, err := create.CombinedOutput(); err != nil {
		return fmt.Errorf("tmux new-session: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (h *TmuxHost) CreatePane(name, command, cwd string, env map[string]string) (*PaneHandle, error) {
	if err := h.ensureSession(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}

	h.mu.Lock()
	reuse := !h.usedPlaceholder
	h.usedPlaceholder = true
	h.mu.Unlock()

	var target string
	if reuse {
		target = h.session + ":placeholder"
	} else {
		args := []string{"new-window", "-t", h.session, "-n", name, "-d"}
		if cwd != "" {
			args = append(args, "-c", cwd)
		}
		args = append(args, "-P", "-F", "#{window_id}")
		out, err := exec.Command(h.binary, args...).Output()
		if err != nil {
			return nil, fmt.Errorf("%w: tmux new-window: %v", ErrCreateFailed, err)
		}
		target = h.session + ":" + strings.TrimSpace(string(out))
	}

	id := PaneID(target)
	h.mu.Lock()
	h.windows[id] = target
	h.mu.Unlock()

	capturePath := filepath.Join(h.workDir, "pane-"+sanitizeName(name)+".log")
	if err := h.startCaptureAndRun(target, command, cwd, env, capturePath); err != nil {
		return nil, err
	}

	pid, _ := h.panePid(target)
	stdout, stderr, done := h.tailAndWatch(target, capturePath)

	return &PaneHandle{ID: id, Pid: pid, Stdout: stdout, Stderr: stderr, Done: done}, nil
}

func (h *TmuxHost) RespawnPane(id PaneID, command, cwd string, env map[string]string) (*PaneHandle, error) {
	h.mu.Lock()
	target, ok := h.windows[id]
	h.mu.Unlock()
	if !ok {
		return nil, ErrPaneNotFound
	}

	if err := exec.Command(h.binary, "respawn-window", "-k", "-t", target).Run(); err != nil {
		return nil, fmt.Errorf("tmux respawn-window: %w", err)
	}

	capturePath := filepath.Join(h.workDir, "pane-"+sanitizeName(string(id))+".log")
	if err := h.startCaptureAndRun(target, command, cwd, env, capturePath); err != nil {
		return nil, err
	}

	pid, _ := h.panePid(target)
	stdout, stderr, done := h.tailAndWatch(target, capturePath)
	return &PaneHandle{ID: id, Pid: pid, Stdout: stdout, Stderr: stderr, Done: done}, nil
}

func (h *TmuxHost) KillPane(id PaneID) error {
	h.mu.Lock()
	target, ok := h.windows[id]
	h.mu.Unlock()
	if !ok {
		return ErrPaneNotFound
	}
	return exec.Command(h.binary, "kill-window", "-t", target).Run()
}

func (h *TmuxHost) SendInterrupt(id PaneID) error {
	h.mu.Lock()
	target, ok := h.windows[id]
	h.mu.Unlock()
	if !ok {
		return ErrPaneNotFound
	}
	return exec.Command(h.binary, "send-keys", "-t", target, "C-c").Run()
}

func (h *TmuxHost) CapturePane(id PaneID, nLines int) (string, error) {
	h.mu.Lock()
	target, ok := h.windows[id]
	h.mu.Unlock()
	if !ok {
		return "", ErrPaneNotFound
	}
	if nLines <= 0 {
		nLines = 100
	}
	out, err := exec.Command(h.binary, "capture-pane", "-p", "-t", target, "-S", "-"+strconv.Itoa(nLines)).Output()
	if err != nil {
		return "", fmt.Errorf("tmux capture-pane: %w", err)
	}
	return string(out), nil
}

func (h *TmuxHost) Poll(id PaneID) (PaneStatus, error) {
	h.mu.Lock()
	target, ok := h.windows[id]
	h.mu.Unlock()
	if !ok {
		return PaneStatus{}, ErrPaneNotFound
	}
	out, err := exec.Command(h.binary, "list-panes", "-t", target, "-F", "#{pane_dead} #{pane_dead_status}").Output()
	if err != nil {
		// tmux returns non-zero when the window no longer exists at all.
		return PaneStatus{Alive: false, ExitCode: -1}, nil
	}
	fields := strings.Fields(strings.TrimSpace(string(out)))
	if len(fields) == 0 || fields[0] != "1" {
		return PaneStatus{Alive: true}, nil
	}
	code := 0
	if len(fields) > 1 {
		code, _ = strconv.Atoi(fields[1])
	}
	return PaneStatus{Alive: false, ExitCode: code}, nil
}

func (h *TmuxHost) OpenFloating(command string, opts FloatingOptions, env map[string]string) (*PaneHandle, error) {
	if err := h.ensureSession(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCreateFailed, err)
	}

	args := []string{"display-popup", "-t", h.session}
	if opts.Width > 0 {
		args = append(args, "-w", strconv.Itoa(opts.Width))
	}
	if opts.Height > 0 {
		args = append(args, "-h", strconv.Itoa(opts.Height))
	}
	if opts.X > 0 {
		args = append(args, "-x", strconv.Itoa(opts.X))
	}
	if opts.Y > 0 {
		args = append(args, "-y", strconv.Itoa(opts.Y))
	}
	if opts.CloseOnExit {
		args = append(args, "-E")
	}
	if opts.Cwd != "" {
		args = append(args, "-d", opts.Cwd)
	}
	args = append(args, command)

	cmd := exec.Command(h.binary, args...)
	cmd.Env = mergedEnv(env)
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: tmux display-popup: %v", ErrCreateFailed, err)
	}

	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("floating-%d", cmd.Process.Pid)
	}
	h.mu.Lock()
	h.floating[name] = cmd
	h.mu.Unlock()

	done := make(chan ExitResult, 1)
	go func() {
		err := cmd.Wait()
		code := 0
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		}
		done <- ExitResult{ExitCode: code, Err: err}
	}()

	return &PaneHandle{ID: PaneID(name), Pid: cmd.Process.Pid, Done: done}, nil
}

func (h *TmuxHost) CloseFloating(name string) error {
	h.mu.Lock()
	cmd, ok := h.floating[name]
	delete(h.floating, name)
	h.mu.Unlock()
	if !ok || cmd.Process == nil {
		return nil
	}
	return cmd.Process.Kill()
}

// startCaptureAndRun wraps command with env assignments and arranges for the
// pane's combined output to be teed into capturePath via tmux pipe-pane.
func (h *TmuxHost) startCaptureAndRun(target, command, cwd string, env map[string]string, capturePath string) error {
	if err := os.MkdirAll(filepath.Dir(capturePath), 0o755); err != nil {
		return fmt.Errorf("prepare capture file: %w", err)
	}
	f, err := os.Create(capturePath)
	if err != nil {
		return fmt.Errorf("create capture file: %w", err)
	}
	f.Close()

	if err := exec.Command(h.binary, "pipe-pane", "-o", "-t", target, "cat >> "+shellQuote(capturePath)).Run(); err != nil {
		return fmt.Errorf("tmux pipe-pane: %w", err)
	}

	wrapped := buildShellCommand(command, cwd, env)
	if err := exec.Command(h.binary, "send-keys", "-t", target, wrapped, "Enter").Run(); err != nil {
		return fmt.Errorf("tmux send-keys: %w", err)
	}
	return nil
}

func (h *TmuxHost) panePid(target string) (int, error) {
	out, err := exec.Command(h.binary, "display-message", "-p", "-t", target, "#{pane_pid}").Output()
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(out)))
}

// tailAndWatch follows capturePath for new bytes (the tee'd pane output)
// every 250ms and sends one ExitResult on Done once its own Poll reports the
// pane dead or fails, or if capturePath cannot be opened. The loop also ends,
// without sending, when the stdout pipe's reader is closed.
func (h *TmuxHost) tailAndWatch(target, capturePath string) (io.Reader, io.Reader, <-chan ExitResult) {
	pr, pw := io.Pipe()
	done := make(chan ExitResult, 1)

	go func() {
		f, err := os.Open(capturePath)
		if err != nil {
			pw.CloseWithError(err)
			done <- ExitResult{ExitCode: -1, Err: err}
			return
		}
		defer f.Close()
		reader := bufio.NewReader(f)

		ticker := time.NewTicker(250 * time.Millisecond)
		defer ticker.Stop()
		for range ticker.C {
			for {
				line, err := reader.ReadString('\n')
				if len(line) > 0 {
					if _, werr := pw.Write([]byte(line)); werr != nil {
						return
					}
				}
				if err != nil {
					break
				}
			}
			status, perr := h.Poll(PaneID(target))
			if perr != nil || !status.Alive {
				code := 0
				if perr == nil {
					code = status.ExitCode
				}
				pw.Close()
				done <- ExitResult{ExitCode: code}
				return
			}
		}
	}()

	return pr, strings.NewReader(""), done
}

func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '-'
		}
	}, s)
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func buildShellCommand(command, cwd string, env map[string]string) string {
	var b strings.Builder
	if cwd != "" {
		fmt.Fprintf(&b, "cd %s && ", shellQuote(cwd))
	}
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(&b, "export %s=%s; ", k, shellQuote(env[k]))
	}
	b.WriteString(command)
	return b.String()
}

func mergedEnv(env map[string]string) []string {
	out := os.Environ()
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	return out
}
