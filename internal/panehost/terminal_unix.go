//go:build !windows

package panehost

import (
	"os"
	"os/exec"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"
)

func shellFlag() string { return "-c" }

func shell() string {
	if s := os.Getenv("SHELL"); s != "" {
		return s
	}
	return "/bin/sh"
}

// setProcessGroup puts the child in its own process group so SendInterrupt
// and KillPane can signal the whole tree rather than just the shell.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

func interruptProcess(pid int) error {
	return unix.Kill(-pid, unix.SIGINT)
}

func killProcessGroup(pid int) error {
	if err := unix.Kill(-pid, unix.SIGTERM); err != nil && err != unix.ESRCH {
		return err
	}
	return nil
}

// openTerminalWindowCommand opens a visible host-OS terminal window running
// command, trying macOS's Terminal.app via `open` first and then common
// Linux terminal emulators. If no terminal emulator is discoverable
// the command still runs, just without a visible window.
func openTerminalWindowCommand(command, cwd string, env map[string]string) *exec.Cmd {
	wrapped := command
	if cwd != "" {
		wrapped = "cd " + shellQuote(cwd) + " && " + wrapped
	}

	if path, err := exec.LookPath("open"); err == nil {
		// macOS: `open -a Terminal` with a script wrapper.
		cmd := exec.Command(path, "-a", "Terminal", scriptPath(wrapped))
		cmd.Env = mergedEnv(env)
		return cmd
	}

	for _, candidate := range []string{"x-terminal-emulator", "gnome-terminal", "xterm"} {
		if path, err := exec.LookPath(candidate); err == nil {
			var cmd *exec.Cmd
			switch candidate {
			case "gnome-terminal":
				cmd = exec.Command(path, "--", shell(), shellFlag(), wrapped)
			default:
				cmd = exec.Command(path, "-e", shell()+" "+shellFlag()+" "+strconv.Quote(wrapped))
			}
			cmd.Env = mergedEnv(env)
			return cmd
		}
	}

	cmd := exec.Command(shell(), shellFlag(), wrapped)
	cmd.Env = mergedEnv(env)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd
}

func scriptPath(wrapped string) string {
	// Terminal.app's `open -a Terminal` takes a file/script argument; a
	// one-off shell literal is passed through /bin/sh -c indirection here
	// since `open` does not accept inline scripts directly.
	return "/bin/sh -c " + strconv.Quote(wrapped)
}
