// Package nonce hands out per-address transaction nonces across relayer processes.
//
// Every mutation of an address's sequence runs under a distributed lock keyed by
// nonce_lock:{chain}:{address}. The persisted nonce_tracking rows are the source of
// truth; the chain's pending nonce is only read, through a short-lived cache, to
// skip past transactions sent by other wallets.
package nonce

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/canopy-network/txrelay/pkg/chains"
	"github.com/canopy-network/txrelay/pkg/db/models/relay"
	"github.com/canopy-network/txrelay/pkg/lock"
	"github.com/canopy-network/txrelay/pkg/metrics"
	"github.com/canopy-network/txrelay/pkg/selector"
	"github.com/canopy-network/txrelay/pkg/utils"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

var (
	// ErrNonceLockTimeout is returned when the address lock could not be taken in time.
	ErrNonceLockTimeout = fmt.Errorf("nonce lock timeout: %w", lock.ErrTimeout)
	// ErrNonceConflict is returned when a nonce record is not in the state an operation needs.
	ErrNonceConflict = errors.New("nonce conflict")
	// ErrUnknownChain is returned for chains without a policy.
	ErrUnknownChain = errors.New("unknown chain")
)

// DefaultChainCacheTTL bounds how long a chain pending nonce is trusted.
const DefaultChainCacheTTL = 5 * time.Second

// LockKey is the distributed lock guarding one address sequence.
func LockKey(chain, address string) string {
	return "nonce_lock:" + chain + ":" + address
}

// NormalizeAddress lower-cases an address so checksummed and plain forms share a sequence.
func NormalizeAddress(address string) string {
	return utils.NormalizeAddress(address)
}

type cachedNonce struct {
	value uint64
	at    time.Time
}

// Report summarizes one Reconcile run.
type Report struct {
	Chain      string `json:"chain"`
	Address    string `json:"address"`
	ChainNonce uint64 `json:"chain_nonce"`
	// Released counts stalled pending records moved to failed and reusable.
	Released int `json:"released"`
	// Verified counts failed records proven unconsumed.
	Verified int `json:"verified"`
	// External counts pending records below the chain nonce with no live transaction.
	External int `json:"external"`
}

// Option configures a Tracker.
type Option func(*Tracker)

func WithActivity(a Activity) Option           { return func(t *Tracker) { t.activity = a } }
func WithClock(c clock.Clock) Option           { return func(t *Tracker) { t.clock = c } }
func WithLogger(l *zap.Logger) Option          { return func(t *Tracker) { t.logger = l } }
func WithLockOptions(o lock.Options) Option    { return func(t *Tracker) { t.lockOpts = o } }
func WithChainCacheTTL(d time.Duration) Option { return func(t *Tracker) { t.cacheTTL = d } }

// Tracker assigns, confirms and recycles nonces.
type Tracker struct {
	store    Store
	locks    lock.Provider
	source   Source
	policies *chains.Registry
	activity Activity
	clock    clock.Clock
	logger   *zap.Logger
	lockOpts lock.Options
	cacheTTL time.Duration
	pending  *xsync.Map[string, cachedNonce]
}

// New builds a Tracker.
func New(store Store, locks lock.Provider, source Source, policies *chains.Registry, opts ...Option) *Tracker {
	t := &Tracker{
		store:    store,
		locks:    locks,
		source:   source,
		policies: policies,
		clock:    clock.New(),
		logger:   zap.NewNop(),
		lockOpts: lock.DefaultOptions(),
		cacheTTL: DefaultChainCacheTTL,
		pending:  xsync.NewMap[string, cachedNonce](),
	}
	for _, opt := range opts {
		opt(t)
	}
	t.lockOpts.Clock = t.clock
	return t
}

func (t *Tracker) policy(chain string) (chains.Policy, error) {
	p, ok := t.policies.Get(chain)
	if !ok {
		return chains.Policy{}, fmt.Errorf("%w: %s", ErrUnknownChain, chain)
	}
	return p, nil
}

// withLock runs fn under the address lock, translating lock timeouts.
func (t *Tracker) withLock(ctx context.Context, chain, address string, fn func(ctx context.Context) error) error {
	key := LockKey(chain, address)
	err := lock.With(ctx, t.locks, key, t.lockOpts, fn)
	if errors.Is(err, lock.ErrTimeout) {
		metrics.NonceReservations.WithLabelValues(chain, "lock_timeout").Inc()
		return fmt.Errorf("%w: %s", ErrNonceLockTimeout, key)
	}
	return err
}

func (t *Tracker) chainPending(ctx context.Context, chain, address string) (uint64, error) {
	key := chain + "|" + address
	now := t.clock.Now()
	if c, ok := t.pending.Load(key); ok && now.Sub(c.at) < t.cacheTTL {
		return c.value, nil
	}
	n, err := t.source.PendingNonce(ctx, chain, address)
	if err != nil {
		return 0, err
	}
	t.pending.Store(key, cachedNonce{value: n, at: now})
	return n, nil
}

// next computes the nonce ReserveNext would hand out. reused reports a gap fill.
func (t *Tracker) next(ctx context.Context, chain, address string) (n uint64, reused bool, err error) {
	localMax, hasLocal, err := t.store.MaxHeldNonce(ctx, chain, address)
	if err != nil {
		return 0, false, err
	}

	chainNext, chainErr := t.chainPending(ctx, chain, address)
	if chainErr != nil {
		if !hasLocal {
			if errors.Is(chainErr, selector.ErrNoHealthyEndpoint) {
				return 0, false, chainErr
			}
			return 0, false, fmt.Errorf("%w: %w", selector.ErrNoHealthyEndpoint, chainErr)
		}
		t.logger.Warn("chain nonce unavailable, using local state",
			zap.String("chain", chain), zap.String("address", address), zap.Error(chainErr))
		return localMax + 1, false, nil
	}

	n = chainNext
	if hasLocal && localMax+1 > n {
		n = localMax + 1
	}
	if chainNext < n {
		gap, found, err := t.store.LowestReusable(ctx, chain, address, chainNext, n)
		if err != nil {
			return 0, false, err
		}
		if found {
			return gap, true, nil
		}
	}
	return n, false, nil
}

// ReserveNext assigns the next nonce of address to txRef and records it as pending.
func (t *Tracker) ReserveNext(ctx context.Context, chain, address, txRef string) (uint64, error) {
	if _, err := t.policy(chain); err != nil {
		return 0, err
	}
	address = NormalizeAddress(address)

	var reserved uint64
	err := t.withLock(ctx, chain, address, func(ctx context.Context) error {
		n, reused, err := t.next(ctx, chain, address)
		if err != nil {
			return err
		}
		rec := &relay.NonceRecord{Chain: chain, Address: address, Nonce: n, TxRef: txRef}
		if err := t.store.InsertPending(ctx, rec); err != nil {
			if errors.Is(err, relay.ErrConflict) {
				return fmt.Errorf("%w: nonce %d already live", ErrNonceConflict, n)
			}
			return err
		}
		reserved = n
		if reused {
			metrics.NonceReservations.WithLabelValues(chain, "reused").Inc()
		} else {
			metrics.NonceReservations.WithLabelValues(chain, "reserved").Inc()
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrNonceLockTimeout) {
			metrics.NonceReservations.WithLabelValues(chain, "error").Inc()
		}
		return 0, err
	}
	t.logger.Debug("nonce reserved",
		zap.String("chain", chain), zap.String("address", address),
		zap.Uint64("nonce", reserved), zap.String("tx_ref", txRef))
	return reserved, nil
}

// Claim records a caller-chosen nonce as pending for txRef. Claiming a nonce already
// held by txRef is a no-op. A nonce held by any other transaction is ErrNonceConflict,
// including one whose failed broadcast Reconcile has not yet verified.
func (t *Tracker) Claim(ctx context.Context, chain, address string, nonce uint64, txRef string) error {
	if _, err := t.policy(chain); err != nil {
		return err
	}
	address = NormalizeAddress(address)

	return t.withLock(ctx, chain, address, func(ctx context.Context) error {
		prev, err := t.store.NewestNonce(ctx, chain, address, nonce)
		switch {
		case errors.Is(err, relay.ErrNotFound):
		case err != nil:
			return err
		case prev.Live():
			if prev.TxRef == txRef && prev.Status == relay.NoncePending {
				return nil
			}
			return fmt.Errorf("%w: nonce %d held by %s (%s)", ErrNonceConflict, nonce, prev.TxRef, prev.Status)
		case prev.Held() && prev.TxRef != txRef:
			// Another transaction may still be in a mempool with this nonce.
			return fmt.Errorf("%w: nonce %d of %s awaits reconcile", ErrNonceConflict, nonce, address)
		}

		rec := &relay.NonceRecord{Chain: chain, Address: address, Nonce: nonce, TxRef: txRef}
		if err := t.store.InsertPending(ctx, rec); err != nil {
			if errors.Is(err, relay.ErrConflict) {
				return fmt.Errorf("%w: nonce %d already live", ErrNonceConflict, nonce)
			}
			return err
		}
		metrics.NonceReservations.WithLabelValues(chain, "claimed").Inc()
		return nil
	})
}

// Confirm marks a pending nonce as used by txHash.
func (t *Tracker) Confirm(ctx context.Context, chain, address string, nonce uint64, txHash string) error {
	address = NormalizeAddress(address)
	ok, err := t.store.TransitionNonce(ctx, relay.NonceTransition{
		Chain: chain, Address: address, Nonce: nonce,
		From: relay.NoncePending, To: relay.NonceUsed, TxHash: txHash,
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: nonce %d of %s is not pending", ErrNonceConflict, nonce, address)
	}
	return nil
}

type releaseOptions struct {
	neverBroadcast bool
}

// ReleaseOption configures ReleaseOnFailure.
type ReleaseOption func(*releaseOptions)

// NeverBroadcast declares that no node ever saw a transaction with the nonce, which
// makes it reusable immediately.
func NeverBroadcast() ReleaseOption {
	return func(o *releaseOptions) { o.neverBroadcast = true }
}

// ReleaseOnFailure marks a pending nonce as failed. Unless NeverBroadcast is given the
// nonce stays blocked until Reconcile proves the chain never consumed it.
func (t *Tracker) ReleaseOnFailure(ctx context.Context, chain, address string, nonce uint64, opts ...ReleaseOption) error {
	var o releaseOptions
	for _, opt := range opts {
		opt(&o)
	}
	address = NormalizeAddress(address)
	ok, err := t.store.TransitionNonce(ctx, relay.NonceTransition{
		Chain: chain, Address: address, Nonce: nonce,
		From: relay.NoncePending, To: relay.NonceFailed, Reusable: o.neverBroadcast,
	})
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: nonce %d of %s is not pending", ErrNonceConflict, nonce, address)
	}
	return nil
}

// Replace moves a pending nonce from its current transaction to newTxRef.
func (t *Tracker) Replace(ctx context.Context, chain, address string, nonce uint64, newTxRef string) error {
	address = NormalizeAddress(address)
	return t.withLock(ctx, chain, address, func(ctx context.Context) error {
		if err := t.store.ReplaceNonce(ctx, chain, address, nonce, newTxRef); err != nil {
			if errors.Is(err, relay.ErrConflict) {
				return fmt.Errorf("%w: nonce %d of %s is not pending", ErrNonceConflict, nonce, address)
			}
			return err
		}
		return nil
	})
}

// NextNonce returns the nonce ReserveNext would currently assign without taking the
// lock or writing anything. The value is advisory.
func (t *Tracker) NextNonce(ctx context.Context, chain, address string) (uint64, error) {
	if _, err := t.policy(chain); err != nil {
		return 0, err
	}
	n, _, err := t.next(ctx, chain, NormalizeAddress(address))
	return n, err
}

// Reconcile compares local records of address with the chain's latest nonce and
// frees nonces the chain provably never consumed.
func (t *Tracker) Reconcile(ctx context.Context, chain, address string) (Report, error) {
	p, err := t.policy(chain)
	if err != nil {
		return Report{}, err
	}
	address = NormalizeAddress(address)
	report := Report{Chain: chain, Address: address}

	err = t.withLock(ctx, chain, address, func(ctx context.Context) error {
		latest, err := t.source.LatestNonce(ctx, chain, address)
		if err != nil {
			return fmt.Errorf("latest nonce: %w", err)
		}
		report.ChainNonce = latest
		t.pending.Delete(chain + "|" + address)

		records, err := t.store.ListNonces(ctx, chain, address, relay.NoncePending, relay.NonceFailed)
		if err != nil {
			return err
		}
		stalledBefore := t.clock.Now().Add(-p.StallTimeout)

		for _, rec := range records {
			switch rec.Status {
			case relay.NonceFailed:
				if rec.Reusable || rec.Nonce < latest {
					continue
				}
				ok, err := t.store.MarkNonceReusable(ctx, rec.ID)
				if err != nil {
					return err
				}
				if ok {
					report.Verified++
				}

			case relay.NoncePending:
				if !rec.UpdatedAt.Before(stalledBefore) {
					continue
				}
				inFlight, err := t.inFlight(ctx, rec.TxRef)
				if err != nil {
					return err
				}
				if inFlight {
					continue
				}
				if rec.Nonce < latest {
					report.External++
					t.logger.Warn("pending nonce consumed outside the relayer",
						zap.String("chain", chain), zap.String("address", address),
						zap.Uint64("nonce", rec.Nonce), zap.String("tx_ref", rec.TxRef))
					continue
				}
				ok, err := t.store.TransitionNonce(ctx, relay.NonceTransition{
					Chain: chain, Address: address, Nonce: rec.Nonce,
					From: relay.NoncePending, To: relay.NonceFailed, Reusable: true,
				})
				if err != nil {
					return err
				}
				if ok {
					report.Released++
				}
			}
		}
		return nil
	})
	if err != nil {
		return report, err
	}

	if report.Released > 0 {
		metrics.NonceReconciled.WithLabelValues(chain, "released").Add(float64(report.Released))
	}
	if report.Verified > 0 {
		metrics.NonceReconciled.WithLabelValues(chain, "verified").Add(float64(report.Verified))
	}
	if report.External > 0 {
		metrics.NonceReconciled.WithLabelValues(chain, "external").Add(float64(report.External))
	}
	t.logger.Info("nonce reconcile",
		zap.String("chain", chain), zap.String("address", address),
		zap.Uint64("chain_nonce", report.ChainNonce),
		zap.Int("released", report.Released), zap.Int("verified", report.Verified))
	return report, nil
}

func (t *Tracker) inFlight(ctx context.Context, txRef string) (bool, error) {
	if t.activity == nil || txRef == "" {
		return false, nil
	}
	return t.activity.TxInFlight(ctx, txRef)
}

// ReconcileStalled reconciles every address with stalled or unverified records.
// Per-address failures are logged and skipped.
func (t *Tracker) ReconcileStalled(ctx context.Context) ([]Report, error) {
	var shortest time.Duration
	for _, p := range t.policies.All() {
		if shortest == 0 || p.StallTimeout < shortest {
			shortest = p.StallTimeout
		}
	}
	accounts, err := t.store.StalledAccounts(ctx, t.clock.Now().Add(-shortest))
	if err != nil {
		return nil, fmt.Errorf("stalled accounts: %w", err)
	}

	reports := make([]Report, 0, len(accounts))
	for _, acc := range accounts {
		if ctx.Err() != nil {
			return reports, ctx.Err()
		}
		if _, ok := t.policies.Get(acc.Chain); !ok {
			continue
		}
		r, err := t.Reconcile(ctx, acc.Chain, acc.Address)
		if err != nil {
			t.logger.Warn("reconcile failed",
				zap.String("chain", acc.Chain), zap.String("address", acc.Address), zap.Error(err))
			continue
		}
		reports = append(reports, r)
	}
	return reports, nil
}
