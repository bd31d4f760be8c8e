package interaction

import "errors"

// ErrNotFound is returned by Cancel for an unknown or already-resolved id.
var ErrNotFound = errors.New("interaction: not found")
