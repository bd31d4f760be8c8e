//go:build windows

package ipc

import "fmt"

func platformAddress(prefix, hash12 string) string {
	return fmt.Sprintf(`\\.\pipe\%s-%s`, prefix, hash12)
}
