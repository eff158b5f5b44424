package pipeline

import (
	"context"
	"time"

	"github.com/canopy-network/txrelay/pkg/chains"
	"github.com/canopy-network/txrelay/pkg/db/models/relay"
	"github.com/canopy-network/txrelay/pkg/rpc"
	"go.uber.org/zap"
)

var watching = []relay.TxStatus{relay.TxBroadcasted, relay.TxConfirming}

type observation struct {
	receipt *rpc.Receipt
	head    uint64
}

func (s *Service) observe(ctx context.Context, chain, hash string) (observation, error) {
	var o observation
	err := s.endpoints.Do(ctx, chain, func(ctx context.Context, c rpc.ChainClient) error {
		r, err := c.TransactionReceipt(ctx, hash)
		if err != nil {
			return err
		}
		if r == nil {
			o = observation{}
			return nil
		}
		head, err := c.BlockNumber(ctx)
		if err != nil {
			return err
		}
		o = observation{receipt: r, head: head}
		return nil
	})
	return o, err
}

func confirmations(o observation) uint64 {
	if o.receipt == nil {
		return 0
	}
	if o.head < o.receipt.BlockNumber {
		return 1
	}
	return o.head - o.receipt.BlockNumber + 1
}

// poll checks a broadcast transaction once and schedules the next check.
func (s *Service) poll(ctx context.Context, tx *relay.Transaction) {
	policy, ok := s.policy(tx.Chain)
	if !ok {
		s.untrack(ctx, tx.ID)
		return
	}

	o, err := s.observe(ctx, tx.Chain, tx.TxHash)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Debug("receipt lookup failed", zap.String("tx", tx.ID), zap.Error(err))
			s.schedule(tx.ID, policy.PollInterval)
		}
		return
	}

	if o.receipt != nil {
		s.onReceipt(ctx, tx, policy, o)
		return
	}
	s.onMissingReceipt(ctx, tx, policy)
}

func (s *Service) onReceipt(ctx context.Context, tx *relay.Transaction, policy chains.Policy, o observation) {
	count := confirmations(o)
	block := o.receipt.BlockNumber

	if o.receipt.Status == 0 {
		if _, ok := s.transition(ctx, tx, watching, relay.TxFailed, relay.TxUpdate{
			Retryable:         ptr(false),
			BlockNumber:       &block,
			ConfirmationCount: &count,
			ErrorCode:         ptr(relay.ErrCodeReverted),
			ErrorMessage:      ptr("execution reverted in block"),
		}); ok {
			// A reverted transaction still consumed its nonce.
			s.confirmNonce(ctx, tx, tx.TxHash)
			s.untrack(ctx, tx.ID)
		}
		return
	}

	next := s.clock.Now().UTC().Add(policy.PollInterval)
	updated, ok := s.transition(ctx, tx, watching, relay.TxConfirming, relay.TxUpdate{
		BlockNumber:       &block,
		ConfirmationCount: &count,
		NextCheckAt:       &next,
	})
	if !ok {
		return
	}

	// Confirmed is only reachable from Confirming, even when the first receipt is already deep.
	if count >= policy.RequiredConfirmations {
		if _, ok := s.transition(ctx, updated, []relay.TxStatus{relay.TxConfirming}, relay.TxConfirmed, relay.TxUpdate{
			BlockNumber:       &block,
			ConfirmationCount: &count,
		}); ok {
			s.confirmNonce(ctx, tx, tx.TxHash)
			s.untrack(ctx, tx.ID)
		}
		return
	}
	if s.timedOut(updated, policy) {
		s.timeOut(ctx, updated)
		return
	}
	s.schedule(tx.ID, policy.PollInterval)
}

func (s *Service) onMissingReceipt(ctx context.Context, tx *relay.Transaction, policy chains.Policy) {
	if tx.ReplacesID != "" && s.originalMined(ctx, tx) {
		return
	}

	if tx.Status == relay.TxConfirming {
		// The receipt disappeared, most likely a reorg. Keep waiting until the confirm window closes.
		if s.timedOut(tx, policy) {
			s.timeOut(ctx, tx)
			return
		}
		s.schedule(tx.ID, policy.PollInterval)
		return
	}

	elapsed := s.sinceBroadcast(tx)
	if elapsed < policy.DropTimeout {
		s.schedule(tx.ID, policy.PollInterval)
		return
	}
	if elapsed < 2*policy.DropTimeout && s.knownOnChain(ctx, tx) {
		s.schedule(tx.ID, policy.PollInterval)
		return
	}

	if _, ok := s.transition(ctx, tx, []relay.TxStatus{relay.TxBroadcasted}, relay.TxDropped, relay.TxUpdate{
		ErrorCode:    ptr(relay.ErrCodeNotFound),
		ErrorMessage: ptr("no receipt after drop timeout"),
		NonceHeld:    ptr(false),
	}); !ok {
		return
	}
	s.release(ctx, tx)
	s.untrack(ctx, tx.ID)

	chain, from := tx.Chain, tx.FromAddress
	if err := s.pool.Go(func() {
		if _, err := s.nonces.Reconcile(s.ctx, chain, from); err != nil && s.ctx.Err() == nil {
			s.logger.Warn("reconcile after drop failed", zap.String("chain", chain), zap.String("address", from), zap.Error(err))
		}
	}); err != nil {
		s.logger.Debug("reconcile after drop not queued", zap.Error(err))
	}
}

// originalMined handles a replacement whose original got included instead.
func (s *Service) originalMined(ctx context.Context, tx *relay.Transaction) bool {
	orig, err := s.store.GetTransaction(ctx, tx.ReplacesID)
	if err != nil || orig.TxHash == "" {
		return false
	}
	o, err := s.observe(ctx, tx.Chain, orig.TxHash)
	if err != nil || o.receipt == nil {
		return false
	}

	if _, ok := s.transition(ctx, tx, watching, relay.TxDropped, relay.TxUpdate{
		ErrorCode:    ptr(relay.ErrCodeSupersededOriginal),
		ErrorMessage: ptr("original " + orig.ID + " was included as " + orig.TxHash),
	}); !ok {
		return true
	}
	s.confirmNonce(ctx, tx, orig.TxHash)
	s.untrack(ctx, tx.ID)
	return true
}

func (s *Service) sinceBroadcast(tx *relay.Transaction) time.Duration {
	if tx.BroadcastAt == nil {
		return 0
	}
	return s.clock.Since(*tx.BroadcastAt)
}

func (s *Service) timedOut(tx *relay.Transaction, policy chains.Policy) bool {
	return s.sinceBroadcast(tx) >= policy.ConfirmTimeout
}

func (s *Service) timeOut(ctx context.Context, tx *relay.Transaction) {
	if _, ok := s.transition(ctx, tx, []relay.TxStatus{relay.TxConfirming}, relay.TxTimedOut, relay.TxUpdate{
		ErrorCode:    ptr(relay.ErrCodeConfirmTimeout),
		ErrorMessage: ptr("confirmation threshold not reached"),
	}); ok {
		// It was included at least once, so its nonce is spent.
		s.confirmNonce(ctx, tx, tx.TxHash)
		s.untrack(ctx, tx.ID)
	}
}

func (s *Service) confirmNonce(ctx context.Context, tx *relay.Transaction, hash string) {
	if tx.Nonce == nil {
		return
	}
	if err := s.nonces.Confirm(context.WithoutCancel(ctx), tx.Chain, tx.FromAddress, *tx.Nonce, hash); err != nil {
		s.logger.Warn("nonce confirm failed",
			zap.String("tx", tx.ID), zap.Uint64("nonce", *tx.Nonce), zap.Error(err))
	}
}
