package nonce

import (
	"context"

	"github.com/canopy-network/txrelay/pkg/rpc"
	"github.com/canopy-network/txrelay/pkg/selector"
)

// Source reads account nonces from the chain.
type Source interface {
	// PendingNonce is the next nonce the chain would accept, counting its mempool.
	PendingNonce(ctx context.Context, chain, address string) (uint64, error)
	// LatestNonce is the number of transactions from address included in the latest block.
	LatestNonce(ctx context.Context, chain, address string) (uint64, error)
}

// SelectorSource reads nonces through the endpoint selector.
type SelectorSource struct {
	Selector *selector.Selector
}

func (s SelectorSource) PendingNonce(ctx context.Context, chain, address string) (n uint64, err error) {
	err = s.Selector.Do(ctx, chain, func(ctx context.Context, c rpc.ChainClient) error {
		n, err = c.PendingNonce(ctx, address)
		return err
	})
	return n, err
}

func (s SelectorSource) LatestNonce(ctx context.Context, chain, address string) (n uint64, err error) {
	err = s.Selector.Do(ctx, chain, func(ctx context.Context, c rpc.ChainClient) error {
		n, err = c.LatestNonce(ctx, address)
		return err
	})
	return n, err
}
