//go:build windows

package ipc

import (
	"errors"
	"net"
	"strings"

	"github.com/Microsoft/go-winio"
)

// Listen binds address as a Windows named pipe.
func Listen(address string) (net.Listener, error) {
	return winio.ListenPipe(address, nil)
}

// IsAddrInUse reports whether err indicates the pipe is already bound.
func IsAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, winio.ErrPipeListenerClosed) || strings.Contains(strings.ToLower(err.Error()), "all pipe instances are busy") ||
		strings.Contains(strings.ToLower(err.Error()), "access is denied")
}

// Unlink is a no-op on Windows: named pipes have no backing file to remove.
func Unlink(address string) error { return nil }

// Dial connects to a Windows named pipe with no connect-time blocking
// beyond what the caller's own timeout context enforces.
func Dial(address string) (net.Conn, error) {
	return winio.DialPipe(address, nil)
}
