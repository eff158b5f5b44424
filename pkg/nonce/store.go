package nonce

import (
	"context"
	"time"

	"github.com/canopy-network/txrelay/pkg/db/models/relay"
)

// Store is the persisted nonce_tracking table. At most one live (pending or used)
// record may exist per (chain, address, nonce); InsertPending fails with a wrapped
// relay.ErrConflict otherwise.
type Store interface {
	// MaxHeldNonce returns the highest nonce whose newest record is Held: live, or
	// failed and still awaiting reconcile.
	MaxHeldNonce(ctx context.Context, chain, address string) (uint64, bool, error)
	// LowestReusable returns the lowest reusable failed nonce in [from, to) that has no live record.
	LowestReusable(ctx context.Context, chain, address string, from, to uint64) (uint64, bool, error)
	// InsertPending stores rec as pending and clears the reusable flag of failed history for the same nonce.
	InsertPending(ctx context.Context, rec *relay.NonceRecord) error
	// NewestNonce returns the last record written for nonce, or relay.ErrNotFound.
	NewestNonce(ctx context.Context, chain, address string, nonce uint64) (*relay.NonceRecord, error)
	// TransitionNonce applies t if the live record is still in t.From.
	TransitionNonce(ctx context.Context, t relay.NonceTransition) (bool, error)
	// ReplaceNonce atomically retires the pending record of nonce and inserts a pending record for newTxRef.
	ReplaceNonce(ctx context.Context, chain, address string, nonce uint64, newTxRef string) error
	// ListNonces returns the records of an address in the given statuses, ordered by nonce.
	ListNonces(ctx context.Context, chain, address string, statuses ...string) ([]relay.NonceRecord, error)
	// MarkNonceReusable flags a non-reusable failed record as reusable.
	MarkNonceReusable(ctx context.Context, id int64) (bool, error)
	// StalledAccounts lists addresses with pending records not updated since before,
	// or failed records from the last day still waiting for reconcile.
	StalledAccounts(ctx context.Context, before time.Time) ([]relay.AccountKey, error)
}

// Activity reports whether a transaction still owns its nonce in the broadcast pipeline.
type Activity interface {
	TxInFlight(ctx context.Context, txRef string) (bool, error)
}
