//go:build !windows

package ipc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
)

// Listen binds address as a Unix domain socket. If a stale socket file is
// left over from a crashed daemon, the caller should Unlink it first and
// retry — Listen itself never unlinks, so a live daemon's socket is never
// accidentally stolen.
func Listen(address string) (net.Listener, error) {
	ln, err := net.Listen("unix", address)
	if err != nil {
		return nil, err
	}
	return ln, nil
}

// IsAddrInUse reports whether err indicates the address is already bound.
func IsAddrInUse(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, os.ErrExist) || strings.Contains(strings.ToLower(err.Error()), "address already in use")
}

// Unlink removes a stale socket file.
func Unlink(address string) error {
	err := os.Remove(address)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("unlink stale socket %s: %w", address, err)
	}
	return nil
}

// Dial connects to a Unix domain socket.
func Dial(address string) (net.Conn, error) {
	return net.Dial("unix", address)
}
