package pipeline

import (
	"context"
	"time"

	"github.com/canopy-network/txrelay/pkg/db/models/relay"
)

// Store is the durable transactions table. Status changes are compare-and-set on the
// current status; confirmation_count only ever grows.
type Store interface {
	CreateTransaction(ctx context.Context, tx *relay.Transaction) error
	// GetTransaction returns relay.ErrNotFound for an unknown id.
	GetTransaction(ctx context.Context, id string) (*relay.Transaction, error)
	// TransitionTx moves id to status `to` with upd applied if its status is one of from.
	// It returns the updated row, or ok=false when the status had already moved on.
	TransitionTx(ctx context.Context, id string, from []relay.TxStatus, to relay.TxStatus, upd relay.TxUpdate) (*relay.Transaction, bool, error)
	// ReplaceTx marks original Replaced and replacement Broadcasted in one step. Both
	// must still be in the expected statuses or nothing changes.
	ReplaceTx(ctx context.Context, originalID string, replacement string, upd relay.TxUpdate) (original, repl *relay.Transaction, ok bool, err error)
	// ClaimDue leases work that no live owner holds: expired in-flight rows, due
	// retries and Created rows older than staleCreated.
	ClaimDue(ctx context.Context, owner string, now, leaseUntil, staleCreated time.Time, limit int) ([]relay.Transaction, error)
	// RenewLeases extends owner's lease on ids.
	RenewLeases(ctx context.Context, owner string, ids []string, until time.Time) error
	// ReleaseLease drops owner's lease on id.
	ReleaseLease(ctx context.Context, id, owner string) error
	// TxInFlight reports whether id is still being processed or awaits a retry.
	TxInFlight(ctx context.Context, id string) (bool, error)
}
