package rpc

import (
	"context"
)

// Receipt is the subset of a transaction receipt the pipeline needs.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	// Status is 1 for success and 0 for a reverted execution.
	Status uint64
}

// ChainClient captures the calls the relayer makes against one chain endpoint.
// Hashes and addresses are hex strings so the interface stays family-agnostic.
type ChainClient interface {
	// URL identifies the endpoint.
	URL() string
	// SendRawTransaction broadcasts a signed payload and returns its hash.
	// Chain-level refusals are returned as *RejectionError.
	SendRawTransaction(ctx context.Context, raw []byte) (string, error)
	// PendingNonce returns the next nonce including mempool transactions.
	PendingNonce(ctx context.Context, address string) (uint64, error)
	// LatestNonce returns the number of transactions mined for address.
	LatestNonce(ctx context.Context, address string) (uint64, error)
	// TransactionReceipt returns nil, nil when no receipt exists yet.
	TransactionReceipt(ctx context.Context, hash string) (*Receipt, error)
	// TransactionKnown reports whether the node knows the transaction (mined or pending).
	TransactionKnown(ctx context.Context, hash string) (bool, error)
	// BlockNumber returns the current head. Also used as the health check.
	BlockNumber(ctx context.Context) (uint64, error)
}

// Factory produces a client for an endpoint URL of a given chain family.
type Factory interface {
	NewClient(family, url string) (ChainClient, error)
}
