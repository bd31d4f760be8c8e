//go:build !windows

package ipc

import (
	"fmt"
	"path/filepath"
)

func platformAddress(prefix, hash12 string) string {
	return filepath.Join(defaultUnixSocketDir(), fmt.Sprintf("%s-%s.sock", prefix, hash12))
}
