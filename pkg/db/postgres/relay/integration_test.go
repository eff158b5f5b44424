//go:build integration

package relay_test

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	relaymodels "github.com/canopy-network/txrelay/pkg/db/models/relay"
	"github.com/canopy-network/txrelay/pkg/db/postgres"
	"github.com/canopy-network/txrelay/pkg/db/postgres/relay"
	"github.com/canopy-network/txrelay/pkg/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

// TestMain starts one PostgreSQL container for the package; every test gets its own database.
func TestMain(m *testing.M) {
	var exitCode int
	defer func() {
		os.Exit(exitCode)
	}()
	ctx := context.Background()

	provider, err := testcontainers.NewDockerProvider()
	if err != nil {
		fmt.Println("Docker not available, skipping integration tests")
		return
	}
	_ = provider.Close()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("postgres"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres: %v\n", err)
		exitCode = 1
		return
	}
	defer func() {
		_ = container.Terminate(context.Background())
	}()

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read connection string: %v\n", err)
		exitCode = 1
		return
	}
	_ = os.Setenv("POSTGRES_URL", url)

	exitCode = m.Run()
}

func newDB(t *testing.T) *relay.DB {
	t.Helper()
	name := "relay_" + strings.ToLower(strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := relay.New(context.Background(), zap.NewNop(), name, *postgres.GetPoolConfigForComponent("relayer"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestLiveNonceIsUnique(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	const chain, addr = "ethereum", "0xabc"

	require.NoError(t, db.InsertPending(ctx, &relaymodels.NonceRecord{Chain: chain, Address: addr, Nonce: 5, TxRef: "a"}))
	err := db.InsertPending(ctx, &relaymodels.NonceRecord{Chain: chain, Address: addr, Nonce: 5, TxRef: "b"})
	require.ErrorIs(t, err, relaymodels.ErrConflict)

	ok, err := db.TransitionNonce(ctx, relaymodels.NonceTransition{
		Chain: chain, Address: addr, Nonce: 5, From: relaymodels.NoncePending, To: relaymodels.NonceUsed, TxHash: "0x1",
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.ErrorIs(t, db.InsertPending(ctx, &relaymodels.NonceRecord{Chain: chain, Address: addr, Nonce: 5, TxRef: "b"}), relaymodels.ErrConflict)

	// History rows do not count against the index.
	require.NoError(t, db.InsertPending(ctx, &relaymodels.NonceRecord{Chain: chain, Address: addr, Nonce: 6, TxRef: "c"}))
	_, err = db.TransitionNonce(ctx, relaymodels.NonceTransition{
		Chain: chain, Address: addr, Nonce: 6, From: relaymodels.NoncePending, To: relaymodels.NonceFailed, Reusable: true,
	})
	require.NoError(t, err)
	require.NoError(t, db.InsertPending(ctx, &relaymodels.NonceRecord{Chain: chain, Address: addr, Nonce: 6, TxRef: "d"}))

	newest, err := db.NewestNonce(ctx, chain, addr, 6)
	require.NoError(t, err)
	assert.Equal(t, "d", newest.TxRef)
	assert.Equal(t, relaymodels.NoncePending, newest.Status)
}

func TestMaxHeldNonceCountsUnverifiedFailures(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	const chain, addr = "ethereum", "0xabc"

	for n := uint64(0); n < 3; n++ {
		require.NoError(t, db.InsertPending(ctx, &relaymodels.NonceRecord{Chain: chain, Address: addr, Nonce: n, TxRef: fmt.Sprint(n)}))
	}
	_, err := db.TransitionNonce(ctx, relaymodels.NonceTransition{
		Chain: chain, Address: addr, Nonce: 2, From: relaymodels.NoncePending, To: relaymodels.NonceFailed,
	})
	require.NoError(t, err)

	highest, found, err := db.MaxHeldNonce(ctx, chain, addr)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(2), highest)

	failed, err := db.NewestNonce(ctx, chain, addr, 2)
	require.NoError(t, err)
	ok, err := db.MarkNonceReusable(ctx, failed.ID)
	require.NoError(t, err)
	require.True(t, ok)

	highest, _, err = db.MaxHeldNonce(ctx, chain, addr)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), highest)

	gap, found, err := db.LowestReusable(ctx, chain, addr, 0, 3)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, uint64(2), gap)
}

func TestClaimDueIsExclusiveAcrossOwners(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	const total = 20

	for i := 0; i < total; i++ {
		require.NoError(t, db.CreateTransaction(ctx, &relaymodels.Transaction{
			ID:            fmt.Sprintf("tx-%02d", i),
			Chain:         "ethereum",
			FromAddress:   "0xabc",
			SignedPayload: []byte{0x01},
			Status:        relaymodels.TxBroadcasted,
		}))
	}

	now := time.Now().UTC()
	until := now.Add(time.Minute)
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed = map[string]string{}
		overlap atomic.Bool
	)
	for _, owner := range []string{"instance-a", "instance-b"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			txs, err := db.ClaimDue(ctx, owner, now, until, now, total)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			defer mu.Unlock()
			for _, tx := range txs {
				if _, dup := claimed[tx.ID]; dup {
					overlap.Store(true)
				}
				claimed[tx.ID] = owner
				assert.Equal(t, owner, tx.LeaseOwner)
			}
		}()
	}
	wg.Wait()

	assert.False(t, overlap.Load())
	assert.Len(t, claimed, total)

	again, err := db.ClaimDue(ctx, "instance-c", now, until, now, total)
	require.NoError(t, err)
	assert.Empty(t, again, "leased rows are not handed out twice")

	expired, err := db.ClaimDue(ctx, "instance-c", until.Add(time.Second), until.Add(time.Minute), now, total)
	require.NoError(t, err)
	assert.Len(t, expired, total)
}

func TestAdvisoryLockSerializesInstances(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	other, err := relay.Connect(ctx, zap.NewNop(), db.Name, *postgres.GetPoolConfigForComponent("nonce_lock"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = other.Close() })

	a := relay.NewAdvisoryLock(db.Pool)
	b := relay.NewAdvisoryLock(other.Pool)
	const key = "nonce_lock:ethereum:0xabc"

	ok, err := a.TryAcquire(ctx, key, time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = b.TryAcquire(ctx, key, time.Second)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.ErrorIs(t, b.Release(ctx, key), lock.ErrNotHeld)

	require.NoError(t, a.Release(ctx, key))
	ok, err = b.TryAcquire(ctx, key, time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, b.Release(ctx, key))

	var (
		inside  atomic.Int32
		overlap atomic.Bool
		wg      sync.WaitGroup
	)
	opts := lock.Options{Timeout: 20 * time.Second, MinBackoff: time.Millisecond, MaxBackoff: 10 * time.Millisecond}
	for i := 0; i < 10; i++ {
		p := a
		if i%2 == 1 {
			p = b
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, lock.With(ctx, p, key, opts, func(context.Context) error {
				if inside.Add(1) > 1 {
					overlap.Store(true)
				}
				time.Sleep(5 * time.Millisecond)
				inside.Add(-1)
				return nil
			}))
		}()
	}
	wg.Wait()
	assert.False(t, overlap.Load())
}
