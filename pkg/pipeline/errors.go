package pipeline

import (
	"errors"

	"github.com/canopy-network/txrelay/pkg/db/models/relay"
)

var (
	// ErrInvalidTransaction is the only error Submit returns for caller input.
	ErrInvalidTransaction = errors.New("invalid transaction")
	// ErrNotFound is returned for unknown transaction ids.
	ErrNotFound = relay.ErrNotFound
	// ErrNotReplaceable means the original is not Broadcasted or Confirming.
	ErrNotReplaceable = errors.New("transaction is not replaceable")
	// ErrNonceMismatch means a replacement does not reuse the original nonce.
	ErrNonceMismatch = errors.New("replacement nonce does not match original")
	// ErrStopped is returned once the service has been stopped.
	ErrStopped = errors.New("pipeline stopped")
)
