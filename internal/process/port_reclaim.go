package process

import (
	"fmt"
	"net"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// freePort attempts to reclaim a port bound by another, non-owned process,
// per the `force` semantics in spec.md §4.5 and §9: best-effort only. The
// caller (Start) treats a still-bound port after this call as a spawn that
// may legitimately fail, not as an error here.
func freePort(port int) error {
	if portIsFree(port) {
		return nil
	}

	out, err := exec.Command("lsof", "-t", "-i", fmt.Sprintf(":%d", port)).Output()
	if err != nil {
		return fmt.Errorf("locate holder of port %d: %w", port, err)
	}

	for _, field := range strings.Fields(string(out)) {
		pid, err := strconv.Atoi(field)
		if err != nil {
			continue
		}
		_ = exec.Command("kill", "-TERM", strconv.Itoa(pid)).Run()
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if portIsFree(port) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("port %d still bound after reclaim attempt", port)
}

func portIsFree(port int) bool {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return false
	}
	ln.Close()
	return true
}
