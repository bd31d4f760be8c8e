// Package ipc implements the reuse-daemon transport (spec.md §4.10): a
// filesystem socket per workspace identity, a newline-delimited JSON
// request/response protocol, and the bind-vs-proxy race that elects exactly
// one daemon per workspace.
package ipc

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
)

const socketPrefix = "devloop"

// Identity derives SessionIdentity (spec.md §3): hash12(realpath(configDir)
// [+ ":" + reuseKey]), and the platform socket/pipe address it maps to.
func Identity(configDir, reuseKey string) (hash12 string, address string, err error) {
	real, err := filepath.Abs(configDir)
	if err != nil {
		return "", "", fmt.Errorf("resolve config dir: %w", err)
	}
	if resolved, err2 := filepath.EvalSymlinks(real); err2 == nil {
		real = resolved
	}

	seed := real
	if reuseKey != "" {
		seed = seed + ":" + reuseKey
	}
	sum := sha256.Sum256([]byte(seed))
	hash12 = hex.EncodeToString(sum[:])[:12]
	return hash12, socketAddress(hash12), nil
}

func socketAddress(hash12 string) string {
	return platformAddress(socketPrefix, hash12)
}

func defaultUnixSocketDir() string {
	if dir := os.Getenv("TMPDIR"); dir != "" {
		return dir
	}
	return os.TempDir()
}
