package config

import "errors"

// ErrEnvFileEscapesConfigDir is returned by Resolved when a process's
// envFile points outside the manifest's directory (spec.md §7: a
// ConfigurationError is fatal at load, not a per-process runtime failure).
var ErrEnvFileEscapesConfigDir = errors.New("config: envFile escapes configDir")
