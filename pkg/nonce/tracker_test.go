package nonce_test

import (
	"context"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/canopy-network/txrelay/pkg/chains"
	"github.com/canopy-network/txrelay/pkg/db/memory"
	"github.com/canopy-network/txrelay/pkg/db/models/relay"
	"github.com/canopy-network/txrelay/pkg/lock"
	"github.com/canopy-network/txrelay/pkg/nonce"
	"github.com/canopy-network/txrelay/pkg/selector"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	chain = "ethereum"
	addr  = "0xabc"
)

type fakeSource struct {
	pending atomic.Uint64
	latest  atomic.Uint64
	down    atomic.Bool
	calls   atomic.Int64
}

func (f *fakeSource) PendingNonce(context.Context, string, string) (uint64, error) {
	f.calls.Add(1)
	if f.down.Load() {
		return 0, selector.ErrNoHealthyEndpoint
	}
	return f.pending.Load(), nil
}

func (f *fakeSource) LatestNonce(context.Context, string, string) (uint64, error) {
	if f.down.Load() {
		return 0, selector.ErrNoHealthyEndpoint
	}
	return f.latest.Load(), nil
}

type fakeActivity map[string]bool

func (a fakeActivity) TxInFlight(_ context.Context, ref string) (bool, error) {
	return a[ref], nil
}

type env struct {
	store   *memory.Store
	locks   *lock.Memory
	source  *fakeSource
	tracker *nonce.Tracker
}

func newEnv(t *testing.T, clk clock.Clock, opts ...nonce.Option) *env {
	t.Helper()
	e := &env{store: memory.New(clk), locks: lock.NewMemory(clk), source: &fakeSource{}}
	if clk != nil {
		opts = append([]nonce.Option{nonce.WithClock(clk)}, opts...)
	}
	opts = append([]nonce.Option{nonce.WithChainCacheTTL(0)}, opts...)
	e.tracker = nonce.New(e.store, e.locks, e.source, chains.Default(), opts...)
	return e
}

func (e *env) reserve(t *testing.T, ref string) uint64 {
	t.Helper()
	n, err := e.tracker.ReserveNext(context.Background(), chain, addr, ref)
	require.NoError(t, err)
	return n
}

func TestConcurrentReservationsAreContiguous(t *testing.T) {
	e := newEnv(t, nil, nonce.WithLockOptions(lock.Options{Timeout: 30 * time.Second}))
	e.source.pending.Store(7)

	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		got []uint64
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := e.tracker.ReserveNext(context.Background(), chain, addr, "")
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			got = append(got, n)
			mu.Unlock()
		}()
	}
	wg.Wait()

	require.Len(t, got, 50)
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	for i, n := range got {
		assert.Equal(t, uint64(7+i), n)
	}
}

func TestReserveSkipsPastChainPending(t *testing.T) {
	e := newEnv(t, nil)
	for i := 0; i < 4; i++ {
		assert.Equal(t, uint64(i), e.reserve(t, ""))
	}
	// Another wallet sent transactions up to nonce 9.
	e.source.pending.Store(10)
	assert.Equal(t, uint64(10), e.reserve(t, ""))
}

func TestChainPendingIsCached(t *testing.T) {
	clk := clock.NewMock()
	e := newEnv(t, clk, nonce.WithChainCacheTTL(5*time.Second))
	e.reserve(t, "")
	e.reserve(t, "")
	assert.Equal(t, int64(1), e.source.calls.Load())

	clk.Add(6 * time.Second)
	e.reserve(t, "")
	assert.Equal(t, int64(2), e.source.calls.Load())
}

func TestReleasedNonceWaitsForReconcile(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	for i := 0; i < 3; i++ {
		e.reserve(t, "")
	}
	require.NoError(t, e.tracker.ReleaseOnFailure(ctx, chain, addr, 1))

	// The node may still hold the dropped transaction, so nonce 1 is not handed out.
	e.source.pending.Store(1)
	assert.Equal(t, uint64(3), e.reserve(t, ""))

	e.source.latest.Store(1)
	report, err := e.tracker.Reconcile(ctx, chain, addr)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Verified)
	assert.Equal(t, uint64(1), report.ChainNonce)

	assert.Equal(t, uint64(1), e.reserve(t, ""), "proven gap is filled first")
	assert.Equal(t, uint64(4), e.reserve(t, ""))
}

func TestReleasedHighestNonceWaitsForReconcile(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	for i := 0; i < 3; i++ {
		e.reserve(t, "")
	}
	require.NoError(t, e.tracker.ReleaseOnFailure(ctx, chain, addr, 2))

	// The chain has caught up with the dropped nonce but may still have it in a mempool.
	e.source.pending.Store(2)
	next, err := e.tracker.NextNonce(ctx, chain, addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), next)
	assert.Equal(t, uint64(3), e.reserve(t, ""))

	e.source.latest.Store(2)
	report, err := e.tracker.Reconcile(ctx, chain, addr)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Verified)
	assert.Equal(t, uint64(2), e.reserve(t, ""))
}

func TestClaimRejectsUnverifiedNonceOfAnotherTransaction(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	for _, ref := range []string{"a", "b", "c"} {
		e.reserve(t, ref)
	}
	require.NoError(t, e.tracker.ReleaseOnFailure(ctx, chain, addr, 1))

	assert.ErrorIs(t, e.tracker.Claim(ctx, chain, addr, 1, "client-signed"), nonce.ErrNonceConflict)
	require.NoError(t, e.tracker.Claim(ctx, chain, addr, 1, "b"), "the dropped transaction may retry")

	require.NoError(t, e.tracker.ReleaseOnFailure(ctx, chain, addr, 1))
	e.source.latest.Store(1)
	_, err := e.tracker.Reconcile(ctx, chain, addr)
	require.NoError(t, err)
	require.NoError(t, e.tracker.Claim(ctx, chain, addr, 1, "client-signed"))
}

func TestNeverBroadcastIsReusableImmediately(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.reserve(t, "a")
	e.reserve(t, "b")
	require.NoError(t, e.tracker.ReleaseOnFailure(ctx, chain, addr, 0, nonce.NeverBroadcast()))

	assert.Equal(t, uint64(0), e.reserve(t, "c"))
	live, err := e.store.NewestNonce(ctx, chain, addr, 0)
	require.NoError(t, err)
	assert.Equal(t, "c", live.TxRef)
}

func TestConfirmAndReleaseRequirePending(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.reserve(t, "a")

	require.NoError(t, e.tracker.Confirm(ctx, chain, addr, 0, "0xhash"))
	assert.ErrorIs(t, e.tracker.Confirm(ctx, chain, addr, 0, "0xhash"), nonce.ErrNonceConflict)
	assert.ErrorIs(t, e.tracker.ReleaseOnFailure(ctx, chain, addr, 0), nonce.ErrNonceConflict)
	assert.ErrorIs(t, e.tracker.Confirm(ctx, chain, addr, 9, "0xother"), nonce.ErrNonceConflict)
}

func TestClaim(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)

	require.NoError(t, e.tracker.Claim(ctx, chain, "0xABC", 5, "a"))
	require.NoError(t, e.tracker.Claim(ctx, chain, addr, 5, "a"), "same transaction may claim again")
	assert.ErrorIs(t, e.tracker.Claim(ctx, chain, addr, 5, "b"), nonce.ErrNonceConflict)

	assert.Equal(t, uint64(6), e.reserve(t, ""))
	assert.ErrorIs(t, e.tracker.Claim(ctx, "dogecoin", addr, 1, "x"), nonce.ErrUnknownChain)
}

func TestReplaceMovesOwnership(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	require.NoError(t, e.tracker.Claim(ctx, chain, addr, 4, "old"))
	require.NoError(t, e.tracker.Replace(ctx, chain, addr, 4, "new"))

	live, err := e.store.NewestNonce(ctx, chain, addr, 4)
	require.NoError(t, err)
	assert.Equal(t, "new", live.TxRef)

	require.NoError(t, e.tracker.Confirm(ctx, chain, addr, 4, "0x1"))
	assert.ErrorIs(t, e.tracker.Replace(ctx, chain, addr, 4, "newer"), nonce.ErrNonceConflict)
}

func TestReconcileReleasesStalledRecords(t *testing.T) {
	ctx := context.Background()
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	e := newEnv(t, clk, nonce.WithActivity(fakeActivity{"busy": true}))

	require.Equal(t, uint64(0), e.reserve(t, "external"))
	require.Equal(t, uint64(1), e.reserve(t, "gone"))
	require.Equal(t, uint64(2), e.reserve(t, "busy"))

	e.source.latest.Store(1)
	e.source.pending.Store(1)

	// Nothing is stalled yet.
	reports, err := e.tracker.ReconcileStalled(ctx)
	require.NoError(t, err)
	assert.Empty(t, reports)

	clk.Add(3 * time.Minute)
	reports, err = e.tracker.ReconcileStalled(ctx)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Equal(t, 1, reports[0].Released)
	assert.Equal(t, 1, reports[0].External)

	// Nonce 0 is left untouched, nonce 2 still belongs to its in-flight transaction.
	live, err := e.store.NewestNonce(ctx, chain, addr, 0)
	require.NoError(t, err)
	assert.Equal(t, relay.NoncePending, live.Status)
	released, err := e.store.NewestNonce(ctx, chain, addr, 1)
	require.NoError(t, err)
	assert.Equal(t, relay.NonceFailed, released.Status)
	assert.True(t, released.Reusable)

	n := e.reserve(t, "next")
	assert.Equal(t, uint64(1), n)
}

func TestNoHealthyEndpoint(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.source.down.Store(true)

	_, err := e.tracker.ReserveNext(ctx, chain, addr, "")
	require.ErrorIs(t, err, selector.ErrNoHealthyEndpoint)

	// With local history the sequence continues from local state.
	require.NoError(t, e.tracker.Claim(ctx, chain, addr, 11, "a"))
	assert.Equal(t, uint64(12), e.reserve(t, ""))

	_, err = e.tracker.Reconcile(ctx, chain, addr)
	assert.ErrorIs(t, err, selector.ErrNoHealthyEndpoint)
}

func TestLockTimeout(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil, nonce.WithLockOptions(lock.Options{Timeout: 60 * time.Millisecond}))
	ok, err := e.locks.TryAcquire(ctx, nonce.LockKey(chain, addr), time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	_, err = e.tracker.ReserveNext(ctx, chain, addr, "")
	require.Error(t, err)
	assert.ErrorIs(t, err, nonce.ErrNonceLockTimeout)
	assert.ErrorIs(t, err, lock.ErrTimeout)
	assert.False(t, errors.Is(err, nonce.ErrNonceConflict))
}

func TestNextNonceIsAdvisory(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, nil)
	e.source.pending.Store(3)

	n, err := e.tracker.NextNonce(ctx, chain, addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)
	n, err = e.tracker.NextNonce(ctx, chain, addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), n)

	records, err := e.store.ListNonces(ctx, chain, addr)
	require.NoError(t, err)
	assert.Empty(t, records)
}
