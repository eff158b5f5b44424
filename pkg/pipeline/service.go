// Package pipeline drives client-signed transactions from submission to finality:
// nonce assignment, broadcast through the endpoint selector, confirmation polling,
// drop detection and fee-bump replacement.
//
// Every transaction is a durable row. The instance that accepted it holds a lease
// and renews it on every recovery tick; rows whose lease lapsed are claimed by
// whichever instance sweeps next.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/benbjohnson/clock"
	"github.com/canopy-network/txrelay/pkg/chains"
	"github.com/canopy-network/txrelay/pkg/db/models/relay"
	"github.com/canopy-network/txrelay/pkg/metrics"
	"github.com/canopy-network/txrelay/pkg/nonce"
	"github.com/canopy-network/txrelay/pkg/rpc"
	"github.com/canopy-network/txrelay/pkg/scheduler"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// Endpoints runs a call against a chain's ranked RPC endpoints.
type Endpoints interface {
	Do(ctx context.Context, chain string, fn func(ctx context.Context, c rpc.ChainClient) error) error
}

// Nonces is the part of the nonce tracker the pipeline drives.
type Nonces interface {
	ReserveNext(ctx context.Context, chain, address, txRef string) (uint64, error)
	Claim(ctx context.Context, chain, address string, n uint64, txRef string) error
	Confirm(ctx context.Context, chain, address string, n uint64, txHash string) error
	ReleaseOnFailure(ctx context.Context, chain, address string, n uint64, opts ...nonce.ReleaseOption) error
	Replace(ctx context.Context, chain, address string, n uint64, newTxRef string) error
	Reconcile(ctx context.Context, chain, address string) (nonce.Report, error)
}

// Timers schedules keyed one-shot work and periodic jobs.
type Timers interface {
	After(key string, d time.Duration, fn scheduler.Task) error
	Cancel(key string) bool
	Scheduled(key string) bool
	Every(name string, interval time.Duration, fn func(ctx context.Context)) error
}

// SignedTx is a submission request.
type SignedTx struct {
	Chain       string
	FromAddress string
	Payload     []byte
	// Nonce is only consulted for families whose payload does not carry one.
	Nonce *uint64
}

// Config tunes leasing and the worker pool.
type Config struct {
	InstanceID       string
	Workers          int
	Queue            int
	LeaseDuration    time.Duration
	RecoveryInterval time.Duration
	// StaleCreated is how long a Created row may wait before another instance takes it.
	StaleCreated time.Duration
	ClaimBatch   int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		InstanceID:       uuid.NewString(),
		Workers:          4 * runtime.NumCPU(),
		Queue:            10_000,
		LeaseDuration:    60 * time.Second,
		RecoveryInterval: 10 * time.Second,
		StaleCreated:     30 * time.Second,
		ClaimBatch:       100,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.InstanceID == "" {
		c.InstanceID = d.InstanceID
	}
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.Queue <= 0 {
		c.Queue = d.Queue
	}
	if c.LeaseDuration <= 0 {
		c.LeaseDuration = d.LeaseDuration
	}
	if c.RecoveryInterval <= 0 {
		c.RecoveryInterval = d.RecoveryInterval
	}
	if c.StaleCreated <= 0 {
		c.StaleCreated = d.StaleCreated
	}
	if c.ClaimBatch <= 0 {
		c.ClaimBatch = d.ClaimBatch
	}
	return c
}

// storeRetryDelay is how long processing waits after a failed store write.
const storeRetryDelay = 5 * time.Second

// Option configures a Service.
type Option func(*Service)

func WithConfig(c Config) Option      { return func(s *Service) { s.cfg = c } }
func WithNotifier(n Notifier) Option  { return func(s *Service) { s.notifier = n } }
func WithClock(c clock.Clock) Option  { return func(s *Service) { s.clock = c } }
func WithLogger(l *zap.Logger) Option { return func(s *Service) { s.logger = l } }

// Service is the broadcast pipeline.
type Service struct {
	store     Store
	endpoints Endpoints
	nonces    Nonces
	timers    Timers
	policies  *chains.Registry
	codecs    Codecs
	notifier  Notifier
	clock     clock.Clock
	logger    *zap.Logger
	cfg       Config

	pool    pond.Pool
	ctx     context.Context
	cancel  context.CancelFunc
	owned   *xsync.Map[string, struct{}]
	busy    *xsync.Map[string, struct{}]
	stopped atomic.Bool
}

// New builds a Service. Nothing runs until Start or Submit.
func New(store Store, endpoints Endpoints, nonces Nonces, timers Timers, policies *chains.Registry, opts ...Option) *Service {
	s := &Service{
		store:     store,
		endpoints: endpoints,
		nonces:    nonces,
		timers:    timers,
		policies:  policies,
		codecs:    DefaultCodecs(),
		notifier:  nopNotifier{},
		clock:     clock.New(),
		logger:    zap.NewNop(),
		owned:     xsync.NewMap[string, struct{}](),
		busy:      xsync.NewMap[string, struct{}](),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.cfg = s.cfg.withDefaults()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.pool = pond.NewPool(s.cfg.Workers, pond.WithQueueSize(s.cfg.Queue), pond.WithNonBlocking(true))
	return s
}

// InstanceID is the lease owner name of this service.
func (s *Service) InstanceID() string { return s.cfg.InstanceID }

// Start registers the recovery sweep and runs it once.
func (s *Service) Start(ctx context.Context) error {
	if err := s.timers.Every("pipeline:recovery", s.cfg.RecoveryInterval, func(ctx context.Context) {
		if err := s.Recover(ctx); err != nil && ctx.Err() == nil {
			s.logger.Warn("recovery sweep failed", zap.Error(err))
		}
	}); err != nil {
		return fmt.Errorf("register recovery: %w", err)
	}
	if err := s.Recover(ctx); err != nil {
		s.logger.Warn("initial recovery sweep failed", zap.Error(err))
	}
	s.logger.Info("broadcast pipeline started",
		zap.String("instance", s.cfg.InstanceID),
		zap.Duration("recovery_interval", s.cfg.RecoveryInterval))
	return nil
}

// Stop cancels processing, waits for running work and hands leases back so another
// instance can continue immediately.
func (s *Service) Stop(ctx context.Context) error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.pool.StopAndWait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	s.owned.Range(func(id string, _ struct{}) bool {
		s.timers.Cancel(id)
		if err := s.store.ReleaseLease(ctx, id, s.cfg.InstanceID); err != nil {
			s.logger.Debug("lease release failed", zap.String("tx", id), zap.Error(err))
		}
		return true
	})
	return nil
}

func (s *Service) policy(chain string) (chains.Policy, bool) {
	return s.policies.Get(strings.ToLower(strings.TrimSpace(chain)))
}

func (s *Service) decode(policy chains.Policy, in SignedTx) (*Decoded, error) {
	if len(in.Payload) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidTransaction)
	}
	codec, ok := s.codecs[policy.Family]
	if !ok {
		return nil, fmt.Errorf("%w: no codec for family %s", ErrInvalidTransaction, policy.Family)
	}
	d, err := codec.Decode(in.Payload, policy)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTransaction, err)
	}
	if from := nonce.NormalizeAddress(in.FromAddress); from != "" && from != d.From {
		return nil, fmt.Errorf("%w: signed by %s, not %s", ErrInvalidTransaction, d.From, from)
	}
	if d.Nonce == nil && in.Nonce != nil {
		n := *in.Nonce
		d.Nonce = &n
	}
	return d, nil
}

func (s *Service) newTransaction(policy chains.Policy, in SignedTx, d *Decoded) *relay.Transaction {
	now := s.clock.Now().UTC()
	lease := now.Add(s.cfg.LeaseDuration)
	return &relay.Transaction{
		ID:            uuid.NewString(),
		Chain:         policy.Name,
		FromAddress:   d.From,
		ToAddress:     d.To,
		SignedPayload: in.Payload,
		Nonce:         d.Nonce,
		NonceFixed:    d.Nonce != nil,
		Status:        relay.TxCreated,
		TxHash:        d.Hash,
		LeaseOwner:    s.cfg.InstanceID,
		LeaseUntil:    &lease,
		CreatedAt:     now,
	}
}

// Submit validates the structure of a signed transaction, records it and hands it to
// the worker pool. Only structural problems are reported synchronously.
func (s *Service) Submit(ctx context.Context, in SignedTx) (string, error) {
	if s.stopped.Load() {
		return "", ErrStopped
	}
	policy, ok := s.policy(in.Chain)
	if !ok {
		return "", fmt.Errorf("%w: unknown chain %q", ErrInvalidTransaction, in.Chain)
	}
	d, err := s.decode(policy, in)
	if err != nil {
		return "", err
	}

	tx := s.newTransaction(policy, in, d)
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("persist transaction: %w", err)
	}
	metrics.TxTransitions.WithLabelValues(tx.Chain, string(relay.TxCreated)).Inc()
	s.publish(ctx, tx, "")
	s.logger.Info("transaction accepted",
		zap.String("tx", tx.ID),
		zap.String("chain", tx.Chain),
		zap.String("from", tx.FromAddress),
		zap.String("hash", tx.TxHash))

	s.track(tx.ID)
	s.schedule(tx.ID, 0)
	return tx.ID, nil
}

// GetStatus returns the current record of id.
func (s *Service) GetStatus(ctx context.Context, id string) (*relay.Transaction, error) {
	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return nil, err
	}
	return tx, nil
}

// InFlight reports whether id is still being processed or waits for a retry.
func (s *Service) InFlight(ctx context.Context, id string) (bool, error) {
	return s.store.TxInFlight(ctx, id)
}

// RequestReplacement submits a fee-bumped transaction for the nonce of id. The
// original is only marked Replaced once a node accepts the new payload.
func (s *Service) RequestReplacement(ctx context.Context, id string, in SignedTx) (string, error) {
	if s.stopped.Load() {
		return "", ErrStopped
	}
	orig, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		return "", err
	}
	if orig.Status != relay.TxBroadcasted && orig.Status != relay.TxConfirming {
		return "", fmt.Errorf("%w: %s is %s", ErrNotReplaceable, id, orig.Status)
	}
	if in.Chain != "" && !strings.EqualFold(in.Chain, orig.Chain) {
		return "", fmt.Errorf("%w: replacement targets %s, original is on %s", ErrInvalidTransaction, in.Chain, orig.Chain)
	}
	policy, ok := s.policy(orig.Chain)
	if !ok {
		return "", fmt.Errorf("%w: unknown chain %q", ErrInvalidTransaction, orig.Chain)
	}
	if in.FromAddress == "" {
		in.FromAddress = orig.FromAddress
	}
	d, err := s.decode(policy, in)
	if err != nil {
		return "", err
	}
	if orig.Nonce == nil || d.Nonce == nil || *d.Nonce != *orig.Nonce {
		return "", fmt.Errorf("%w: original %s", ErrNonceMismatch, id)
	}
	if strings.EqualFold(d.Hash, orig.TxHash) {
		return "", fmt.Errorf("%w: replacement is identical to the original", ErrInvalidTransaction)
	}

	tx := s.newTransaction(policy, in, d)
	tx.ReplacesID = orig.ID
	if err := s.store.CreateTransaction(ctx, tx); err != nil {
		return "", fmt.Errorf("persist replacement: %w", err)
	}
	metrics.TxTransitions.WithLabelValues(tx.Chain, string(relay.TxCreated)).Inc()
	s.publish(ctx, tx, "")
	s.logger.Info("replacement accepted",
		zap.String("tx", tx.ID),
		zap.String("replaces", orig.ID),
		zap.Uint64("nonce", *tx.Nonce))

	s.track(tx.ID)
	s.schedule(tx.ID, 0)
	return tx.ID, nil
}

// Recover renews this instance's leases and claims work nobody else holds.
func (s *Service) Recover(ctx context.Context) error {
	now := s.clock.Now().UTC()
	until := now.Add(s.cfg.LeaseDuration)

	var ids []string
	s.owned.Range(func(id string, _ struct{}) bool {
		ids = append(ids, id)
		return true
	})
	if len(ids) > 0 {
		if err := s.store.RenewLeases(ctx, s.cfg.InstanceID, ids, until); err != nil {
			return fmt.Errorf("renew leases: %w", err)
		}
	}

	claimed, err := s.store.ClaimDue(ctx, s.cfg.InstanceID, now, until, now.Add(-s.cfg.StaleCreated), s.cfg.ClaimBatch)
	if err != nil {
		return fmt.Errorf("claim due: %w", err)
	}
	for _, tx := range claimed {
		s.track(tx.ID)
		if s.timers.Scheduled(tx.ID) {
			// Our own lease lapsed but the next step is still armed here.
			continue
		}
		delay := time.Duration(0)
		if tx.Status == relay.TxFailed && tx.NextRetryAt != nil {
			delay = tx.NextRetryAt.Sub(now)
		}
		s.schedule(tx.ID, delay)
	}
	if len(claimed) > 0 {
		s.logger.Info("recovered transactions", zap.Int("count", len(claimed)))
	}
	return nil
}

func (s *Service) track(id string) {
	s.owned.Store(id, struct{}{})
}

func (s *Service) untrack(ctx context.Context, id string) {
	if _, ok := s.owned.LoadAndDelete(id); !ok {
		return
	}
	s.timers.Cancel(id)
	if err := s.store.ReleaseLease(context.WithoutCancel(ctx), id, s.cfg.InstanceID); err != nil {
		s.logger.Debug("lease release failed", zap.String("tx", id), zap.Error(err))
	}
}

// schedule runs process for id after d. Immediate work goes straight to the pool.
func (s *Service) schedule(id string, d time.Duration) {
	if s.stopped.Load() {
		return
	}
	run := func(ctx context.Context) { s.process(ctx, id) }
	if d <= 0 {
		s.timers.Cancel(id)
		if err := s.pool.Go(func() { run(s.ctx) }); err == nil {
			return
		}
		d = time.Second
	}
	if err := s.timers.After(id, d, run); err != nil {
		s.logger.Warn("could not schedule transaction", zap.String("tx", id), zap.Error(err))
	}
}

// process advances id by one step according to its stored status.
func (s *Service) process(ctx context.Context, id string) {
	if _, running := s.busy.LoadOrStore(id, struct{}{}); running {
		s.schedule(id, time.Second)
		return
	}
	defer s.busy.Delete(id)

	tx, err := s.store.GetTransaction(ctx, id)
	if err != nil {
		if errors.Is(err, relay.ErrNotFound) {
			s.untrack(ctx, id)
			return
		}
		if ctx.Err() == nil {
			s.logger.Warn("load transaction failed", zap.String("tx", id), zap.Error(err))
			s.schedule(id, storeRetryDelay)
		}
		return
	}

	switch {
	case tx.Status == relay.TxCreated, tx.Status == relay.TxSubmitting:
		s.submit(ctx, tx)
	case tx.Status == relay.TxFailed && tx.Retryable:
		if tx.NextRetryAt != nil {
			if wait := tx.NextRetryAt.Sub(s.clock.Now()); wait > 0 {
				s.schedule(id, wait)
				return
			}
		}
		s.submit(ctx, tx)
	case tx.Status == relay.TxBroadcasted, tx.Status == relay.TxConfirming:
		s.poll(ctx, tx)
	default:
		s.untrack(ctx, id)
	}
}

// transition applies a status change and publishes it. A store error reschedules
// the transaction and reports ok=false.
func (s *Service) transition(ctx context.Context, tx *relay.Transaction, from []relay.TxStatus, to relay.TxStatus, upd relay.TxUpdate) (*relay.Transaction, bool) {
	allowed := make([]relay.TxStatus, 0, len(from))
	for _, f := range from {
		if relay.CanTransition(f, to) {
			allowed = append(allowed, f)
		}
	}
	if len(allowed) == 0 {
		s.logger.Error("transition outside the status machine",
			zap.String("tx", tx.ID), zap.Any("from", from), zap.String("to", string(to)))
		return nil, false
	}
	updated, ok, err := s.store.TransitionTx(ctx, tx.ID, allowed, to, upd)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("transaction update failed",
				zap.String("tx", tx.ID), zap.String("to", string(to)), zap.Error(err))
			s.schedule(tx.ID, storeRetryDelay)
		}
		return nil, false
	}
	if !ok {
		s.logger.Debug("transaction moved on concurrently",
			zap.String("tx", tx.ID), zap.String("expected", string(tx.Status)), zap.String("to", string(to)))
		return nil, false
	}

	if updated.Status != tx.Status {
		metrics.TxTransitions.WithLabelValues(updated.Chain, string(updated.Status)).Inc()
		s.logger.Info("transaction status",
			zap.String("tx", updated.ID),
			zap.String("chain", updated.Chain),
			zap.String("from", string(tx.Status)),
			zap.String("to", string(updated.Status)),
			zap.String("error_code", updated.ErrorCode))
		s.publish(ctx, updated, tx.Status)
	} else if updated.ConfirmationCount != tx.ConfirmationCount {
		s.publish(ctx, updated, tx.Status)
	}
	return updated, true
}

func (s *Service) publish(ctx context.Context, tx *relay.Transaction, previous relay.TxStatus) {
	s.notifier.Publish(context.WithoutCancel(ctx), relay.NewTxEvent(tx, previous, s.clock.Now()))
}
