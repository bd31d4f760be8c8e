//go:build windows

package panehost

import (
	"os/exec"
	"syscall"

	"golang.org/x/sys/windows"
)

func shellFlag() string { return "/C" }

func shell() string { return "cmd.exe" }

// setProcessGroup creates the child in a new process group so it can later
// receive CTRL_BREAK_EVENT independently of this process's console.
func setProcessGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{CreationFlags: windows.CREATE_NEW_PROCESS_GROUP}
}

// interruptProcess sends CTRL_BREAK_EVENT to the process group, the closest
// Windows equivalent of SIGINT for a console child.
func interruptProcess(pid int) error {
	return windows.GenerateConsoleCtrlEvent(windows.CTRL_BREAK_EVENT, uint32(pid))
}

func killProcessGroup(pid int) error {
	handle, err := windows.OpenProcess(windows.PROCESS_TERMINATE, false, uint32(pid))
	if err != nil {
		return err
	}
	defer windows.CloseHandle(handle)
	return windows.TerminateProcess(handle, 1)
}

// openTerminalWindowCommand opens a visible cmd.exe window running command.
func openTerminalWindowCommand(command, cwd string, env map[string]string) *exec.Cmd {
	wrapped := command
	if cwd != "" {
		wrapped = "cd /d " + cwd + " && " + wrapped
	}
	cmd := exec.Command("cmd.exe", "/C", "start", "", "cmd.exe", "/K", wrapped)
	cmd.Env = mergedEnv(env)
	return cmd
}
