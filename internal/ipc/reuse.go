package ipc

import (
	"fmt"
	"net"

	"github.com/devloop-run/devloop/internal/devlog"
)

// Role reports whether this process ended up as the daemon (bound the
// socket) or a proxy (connected to an already-running daemon).
type Role int

const (
	RoleDaemon Role = iota
	RoleProxy
)

// Outcome is the result of the startup bind-or-proxy race.
type Outcome struct {
	Role     Role
	Address  string
	Listener net.Listener
	Client   *Client
}

// Acquire runs the spec.md §4.10 startup handshake for one workspace
// identity: probe first, bind if nothing answers, and resolve the race
// against a concurrent sibling that binds first.
//
//  1. Probe address with a short connect timeout. If reachable, become a
//     proxy immediately.
//  2. Otherwise attempt to bind. Success makes this process the daemon.
//  3. If bind fails with "address in use", another process won the race
//     between our probe and our bind attempt. Probe once more: if a daemon
//     now answers, become a proxy; otherwise the prior owner crashed
//     without cleaning up, so unlink the stale socket and retry the bind.
func Acquire(address string, logger devlog.Logger) (*Outcome, error) {
	logger = logger.With("component", "ipc_reuse", "address", address)

	if Probe(address) {
		client, err := Connect(address)
		if err != nil {
			return nil, fmt.Errorf("connect to existing daemon: %w", err)
		}
		logger.Info("joining existing daemon as proxy")
		return &Outcome{Role: RoleProxy, Address: address, Client: client}, nil
	}

	ln, err := Listen(address)
	if err == nil {
		logger.Info("bound as daemon")
		return &Outcome{Role: RoleDaemon, Address: address, Listener: ln}, nil
	}
	if !IsAddrInUse(err) {
		return nil, fmt.Errorf("bind %s: %w", address, err)
	}

	// Lost the race between our probe and our bind: someone else bound
	// first. Probe again to decide whether they're alive or stale.
	if Probe(address) {
		client, connErr := Connect(address)
		if connErr != nil {
			return nil, fmt.Errorf("connect to existing daemon: %w", connErr)
		}
		logger.Info("lost bind race, joining winner as proxy")
		return &Outcome{Role: RoleProxy, Address: address, Client: client}, nil
	}

	logger.Warn("stale socket found with no listener behind it, reclaiming")
	if err := Unlink(address); err != nil {
		return nil, fmt.Errorf("unlink stale socket: %w", err)
	}
	ln, err = Listen(address)
	if err != nil {
		return nil, fmt.Errorf("bind %s after reclaiming stale socket: %w", address, err)
	}
	logger.Info("bound as daemon after reclaiming stale socket")
	return &Outcome{Role: RoleDaemon, Address: address, Listener: ln}, nil
}
