package process

import "errors"

// ErrAlreadyRunning is returned by Start when the process is already
// starting, running, or ready (spec.md L1: no double-spawn).
var ErrAlreadyRunning = errors.New("process: already running")
