package relay

import (
	"errors"
)

// ErrNotFound is returned by stores when the requested row does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a write would create a second live nonce record.
var ErrConflict = errors.New("conflicting live record")
