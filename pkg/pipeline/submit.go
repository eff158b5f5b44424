package pipeline

import (
	"context"
	"errors"
	"fmt"

	"github.com/canopy-network/txrelay/pkg/chains"
	"github.com/canopy-network/txrelay/pkg/db/models/relay"
	"github.com/canopy-network/txrelay/pkg/metrics"
	"github.com/canopy-network/txrelay/pkg/nonce"
	"github.com/canopy-network/txrelay/pkg/retry"
	"github.com/canopy-network/txrelay/pkg/rpc"
	"github.com/canopy-network/txrelay/pkg/selector"
	"go.uber.org/zap"
)

var submittable = []relay.TxStatus{relay.TxCreated, relay.TxSubmitting, relay.TxFailed}

func ptr[T any](v T) *T { return &v }

// submit assigns a nonce, moves tx to Submitting and broadcasts it.
func (s *Service) submit(ctx context.Context, tx *relay.Transaction) {
	policy, ok := s.policy(tx.Chain)
	if !ok {
		s.fail(ctx, tx, relay.ErrCodeRejected, "chain is no longer configured")
		return
	}

	held, err := s.assignNonce(ctx, tx)
	if err != nil {
		s.nonceFailure(ctx, tx, policy, err)
		return
	}

	upd := relay.TxUpdate{
		Nonce:          tx.Nonce,
		Retryable:      ptr(false),
		ClearNextRetry: true,
	}
	if held {
		upd.NonceHeld = ptr(true)
	}
	moved, ok := s.transition(ctx, tx, submittable, relay.TxSubmitting, upd)
	if !ok {
		if held && ctx.Err() == nil {
			// Someone else finalized the row; the nonce was never sent.
			s.release(ctx, tx, nonce.NeverBroadcast())
		}
		return
	}
	s.send(ctx, moved, policy, false)
}

// assignNonce makes tx own its nonce and reports whether it did so in this call.
// Replacements inherit the nonce of their original and never assign one.
func (s *Service) assignNonce(ctx context.Context, tx *relay.Transaction) (bool, error) {
	if tx.ReplacesID != "" || tx.NonceHeld {
		return false, nil
	}
	err := retry.WithBackoff(ctx, retry.LockConfig(), s.logger, "nonce assignment", func() error {
		var err error
		if tx.Nonce != nil {
			err = s.nonces.Claim(ctx, tx.Chain, tx.FromAddress, *tx.Nonce, tx.ID)
		} else {
			var n uint64
			if n, err = s.nonces.ReserveNext(ctx, tx.Chain, tx.FromAddress, tx.ID); err == nil {
				tx.Nonce = &n
			}
		}
		if err != nil && !errors.Is(err, nonce.ErrNonceLockTimeout) {
			return retry.Permanent(err)
		}
		return err
	})
	if err != nil {
		return false, err
	}
	tx.NonceHeld = true
	return true, nil
}

func (s *Service) nonceFailure(ctx context.Context, tx *relay.Transaction, policy chains.Policy, err error) {
	switch {
	case ctx.Err() != nil:
	case errors.Is(err, nonce.ErrNonceConflict):
		s.fail(ctx, tx, relay.ErrCodeNonceConflict, err.Error())
	case errors.Is(err, selector.ErrNoHealthyEndpoint):
		s.retryLater(ctx, tx, policy, relay.ErrCodeNoHealthyEndpoint, err)
	default:
		s.retryLater(ctx, tx, policy, relay.ErrCodeNonceUnavailable, err)
	}
}

// send broadcasts tx and classifies the outcome. reconciled is set on the single
// resend that follows a nonce rejection.
func (s *Service) send(ctx context.Context, tx *relay.Transaction, policy chains.Policy, reconciled bool) {
	var hash, endpoint string
	err := s.endpoints.Do(ctx, tx.Chain, func(ctx context.Context, c rpc.ChainClient) error {
		endpoint = c.URL()
		h, err := c.SendRawTransaction(ctx, tx.SignedPayload)
		if err == nil {
			hash = h
		}
		return err
	})
	if hash == "" {
		hash = tx.TxHash
	}

	rej, rejected := rpc.AsRejection(err)
	switch {
	case err == nil:
		metrics.SubmissionOutcomes.WithLabelValues(tx.Chain, "accepted").Inc()
		s.broadcasted(ctx, tx, policy, hash, endpoint)

	case rejected && rej.Kind == rpc.RejectAlreadyKnown:
		if !s.knownOnChain(ctx, tx) {
			// The node claims a payload no endpoint can find by our hash.
			metrics.SubmissionOutcomes.WithLabelValues(tx.Chain, "already_known_unverified").Inc()
			s.retryLater(ctx, tx, policy, relay.ErrCodeNetworkTimeout,
				fmt.Errorf("%s reported for unknown hash %s", rej.Message, tx.TxHash))
			return
		}
		metrics.SubmissionOutcomes.WithLabelValues(tx.Chain, "already_known").Inc()
		s.broadcasted(ctx, tx, policy, hash, endpoint)

	case rejected && rej.NonceRelated():
		metrics.SubmissionOutcomes.WithLabelValues(tx.Chain, "nonce_rejected").Inc()
		if s.knownOnChain(ctx, tx) {
			// An earlier attempt of this same payload got through.
			s.broadcasted(ctx, tx, policy, hash, endpoint)
			return
		}
		if !reconciled {
			if _, err := s.nonces.Reconcile(ctx, tx.Chain, tx.FromAddress); err != nil {
				s.logger.Warn("reconcile after nonce rejection failed",
					zap.String("tx", tx.ID), zap.Error(err))
			}
			s.send(ctx, tx, policy, true)
			return
		}
		// The nonce was consumed by another transaction.
		s.fail(ctx, tx, relay.ErrCodeRejected, rej.Message)

	case rejected:
		metrics.SubmissionOutcomes.WithLabelValues(tx.Chain, "rejected").Inc()
		s.fail(ctx, tx, relay.ErrCodeRejected, rej.Message, nonce.NeverBroadcast())

	case ctx.Err() != nil:
		// Shutting down; the lease lapses and another instance resumes from Submitting.

	case errors.Is(err, selector.ErrNoHealthyEndpoint):
		metrics.SubmissionOutcomes.WithLabelValues(tx.Chain, "no_healthy_endpoint").Inc()
		s.retryLater(ctx, tx, policy, relay.ErrCodeNoHealthyEndpoint, err, nonce.NeverBroadcast())

	default:
		// Timeouts and transport errors: a node may have received the payload.
		metrics.SubmissionOutcomes.WithLabelValues(tx.Chain, "exhausted").Inc()
		s.retryLater(ctx, tx, policy, relay.ErrCodeNetworkTimeout, err)
	}
}

// knownOnChain reports whether any endpoint knows tx by hash.
func (s *Service) knownOnChain(ctx context.Context, tx *relay.Transaction) bool {
	if tx.TxHash == "" {
		return false
	}
	var known bool
	err := s.endpoints.Do(ctx, tx.Chain, func(ctx context.Context, c rpc.ChainClient) error {
		var err error
		known, err = c.TransactionKnown(ctx, tx.TxHash)
		return err
	})
	return err == nil && known
}

func (s *Service) broadcasted(ctx context.Context, tx *relay.Transaction, policy chains.Policy, hash, endpoint string) {
	now := s.clock.Now().UTC()
	upd := relay.TxUpdate{
		TxHash:          &hash,
		RPCEndpointUsed: &endpoint,
		BroadcastAt:     &now,
		NextCheckAt:     ptr(now.Add(policy.PollInterval)),
		ErrorCode:       ptr(""),
		ErrorMessage:    ptr(""),
	}
	if tx.ReplacesID != "" {
		s.promote(ctx, tx, policy, upd)
		return
	}
	if _, ok := s.transition(ctx, tx, []relay.TxStatus{relay.TxSubmitting}, relay.TxBroadcasted, upd); ok {
		s.schedule(tx.ID, policy.PollInterval)
	}
}

// promote swaps an accepted replacement in for its original.
func (s *Service) promote(ctx context.Context, tx *relay.Transaction, policy chains.Policy, upd relay.TxUpdate) {
	upd.NonceHeld = ptr(true)
	before, err := s.store.GetTransaction(ctx, tx.ReplacesID)
	if err != nil {
		s.logger.Warn("load original failed", zap.String("tx", tx.ID), zap.String("original", tx.ReplacesID), zap.Error(err))
		s.schedule(tx.ID, storeRetryDelay)
		return
	}

	orig, repl, ok, err := s.store.ReplaceTx(ctx, tx.ReplacesID, tx.ID, upd)
	if err != nil {
		s.logger.Warn("replace failed", zap.String("tx", tx.ID), zap.Error(err))
		s.schedule(tx.ID, storeRetryDelay)
		return
	}
	if !ok {
		// The original reached a final state before the replacement got through.
		if _, moved := s.transition(ctx, tx, []relay.TxStatus{relay.TxSubmitting}, relay.TxDropped, relay.TxUpdate{
			ErrorCode:    ptr(relay.ErrCodeOriginalFinalized),
			ErrorMessage: ptr("original " + tx.ReplacesID + " is " + string(before.Status)),
		}); moved {
			s.untrack(ctx, tx.ID)
		}
		return
	}

	for _, pair := range []struct {
		tx   *relay.Transaction
		prev relay.TxStatus
	}{{orig, before.Status}, {repl, tx.Status}} {
		metrics.TxTransitions.WithLabelValues(pair.tx.Chain, string(pair.tx.Status)).Inc()
		s.publish(ctx, pair.tx, pair.prev)
	}
	s.logger.Info("transaction replaced",
		zap.String("original", orig.ID),
		zap.String("replacement", repl.ID),
		zap.String("hash", repl.TxHash))

	s.untrack(ctx, orig.ID)
	if err := s.nonces.Replace(ctx, repl.Chain, repl.FromAddress, *repl.Nonce, repl.ID); err != nil {
		s.logger.Warn("nonce ownership not moved to replacement",
			zap.String("tx", repl.ID), zap.Uint64("nonce", *repl.Nonce), zap.Error(err))
	}
	s.schedule(repl.ID, policy.PollInterval)
}

// fail marks tx permanently Failed and releases its nonce.
func (s *Service) fail(ctx context.Context, tx *relay.Transaction, code, msg string, opts ...nonce.ReleaseOption) (*relay.Transaction, bool) {
	failed, ok := s.transition(ctx, tx, submittable, relay.TxFailed, relay.TxUpdate{
		Retryable:      ptr(false),
		ErrorCode:      &code,
		ErrorMessage:   &msg,
		NonceHeld:      ptr(false),
		ClearNextRetry: true,
	})
	if !ok {
		return nil, false
	}
	s.release(ctx, tx, opts...)
	s.untrack(ctx, tx.ID)
	return failed, true
}

// retryLater parks tx as retryable Failed, or fails it for good once the chain's
// retry budget is spent.
func (s *Service) retryLater(ctx context.Context, tx *relay.Transaction, policy chains.Policy, code string, cause error, opts ...nonce.ReleaseOption) {
	count := tx.RetryCount + 1
	if count > policy.MaxSubmitRetries {
		failed, ok := s.fail(ctx, tx, relay.ErrCodeRetriesExhausted, cause.Error(), opts...)
		if ok {
			ev := relay.NewTxEvent(failed, tx.Status, s.clock.Now())
			ev.Type = relay.EventRetriesExhausted
			s.notifier.Publish(context.WithoutCancel(ctx), ev)
		}
		return
	}

	delay := retry.Delay(retry.SubmissionConfig(policy.MaxSubmitRetries), count)
	next := s.clock.Now().UTC().Add(delay)
	msg := cause.Error()
	if _, ok := s.transition(ctx, tx, submittable, relay.TxFailed, relay.TxUpdate{
		Retryable:    ptr(true),
		RetryCount:   &count,
		NextRetryAt:  &next,
		ErrorCode:    &code,
		ErrorMessage: &msg,
		NonceHeld:    ptr(false),
	}); !ok {
		return
	}
	s.release(ctx, tx, opts...)
	s.logger.Info("submission retry scheduled",
		zap.String("tx", tx.ID),
		zap.Int("retry", count),
		zap.Duration("in", delay),
		zap.String("reason", code))
	s.schedule(tx.ID, delay)
}

// release gives back the nonce tx holds. Replacements hold their original's nonce
// only after promotion, and that nonce is never released through them beforehand.
func (s *Service) release(ctx context.Context, tx *relay.Transaction, opts ...nonce.ReleaseOption) {
	if !tx.NonceHeld || tx.Nonce == nil {
		return
	}
	if err := s.nonces.ReleaseOnFailure(context.WithoutCancel(ctx), tx.Chain, tx.FromAddress, *tx.Nonce, opts...); err != nil {
		s.logger.Warn("nonce release failed",
			zap.String("tx", tx.ID), zap.Uint64("nonce", *tx.Nonce), zap.Error(err))
	}
}
