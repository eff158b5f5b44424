package lock_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/canopy-network/txrelay/pkg/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoff(t *testing.T) {
	min, max := 50*time.Millisecond, 500*time.Millisecond
	assert.Equal(t, 50*time.Millisecond, lock.Backoff(0, min, max))
	assert.Equal(t, 100*time.Millisecond, lock.Backoff(1, min, max))
	assert.Equal(t, 400*time.Millisecond, lock.Backoff(3, min, max))
	assert.Equal(t, 500*time.Millisecond, lock.Backoff(4, min, max))
	assert.Equal(t, 500*time.Millisecond, lock.Backoff(60, min, max))
}

func TestAcquireTimesOut(t *testing.T) {
	m := lock.NewMemory(nil)
	ctx := context.Background()
	ok, err := m.TryAcquire(ctx, "k", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	start := time.Now()
	err = lock.Acquire(ctx, m, "k", lock.Options{Timeout: 120 * time.Millisecond, MinBackoff: 10 * time.Millisecond, MaxBackoff: 20 * time.Millisecond})
	require.ErrorIs(t, err, lock.ErrTimeout)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAcquireAfterExpiry(t *testing.T) {
	m := lock.NewMemory(nil)
	ctx := context.Background()
	ok, err := m.TryAcquire(ctx, "k", 30*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, lock.Acquire(ctx, m, "k", lock.Options{Timeout: time.Second, MinBackoff: 10 * time.Millisecond}))
}

func TestAcquireHonoursContext(t *testing.T) {
	m := lock.NewMemory(nil)
	ok, _ := m.TryAcquire(context.Background(), "k", time.Minute)
	require.True(t, ok)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := lock.Acquire(ctx, m, "k", lock.Options{Timeout: 5 * time.Second})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestReleaseNotHeld(t *testing.T) {
	m := lock.NewMemory(nil)
	require.ErrorIs(t, m.Release(context.Background(), "missing"), lock.ErrNotHeld)
	require.ErrorIs(t, m.Renew(context.Background(), "missing", time.Second), lock.ErrNotHeld)
}

func TestWithSerializesHolders(t *testing.T) {
	m := lock.NewMemory(nil)
	var (
		inside  atomic.Int32
		overlap atomic.Bool
		total   int
		wg      sync.WaitGroup
	)
	opts := lock.Options{Timeout: 10 * time.Second, MinBackoff: time.Millisecond, MaxBackoff: 5 * time.Millisecond}

	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := lock.With(context.Background(), m, "nonce_lock:ethereum:0xabc", opts, func(context.Context) error {
				if inside.Add(1) > 1 {
					overlap.Store(true)
				}
				total++
				time.Sleep(time.Millisecond)
				inside.Add(-1)
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.False(t, overlap.Load())
	assert.Equal(t, 20, total)

	ok, err := m.TryAcquire(context.Background(), "nonce_lock:ethereum:0xabc", time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "lock released after last holder")
}

type countingRenewer struct {
	*lock.Memory
	renewals atomic.Int32
	fail     atomic.Bool
}

func (c *countingRenewer) Renew(ctx context.Context, key string, ttl time.Duration) error {
	c.renewals.Add(1)
	if c.fail.Load() {
		return lock.ErrNotHeld
	}
	return c.Memory.Renew(ctx, key, ttl)
}

func TestWithRenewsLeaseWhileHeld(t *testing.T) {
	clk := clock.NewMock()
	p := &countingRenewer{Memory: lock.NewMemory(clk)}
	opts := lock.Options{TTL: 30 * time.Second, Timeout: time.Second, Clock: clk}

	started, finish := make(chan struct{}), make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- lock.With(context.Background(), p, "k", opts, func(context.Context) error {
			close(started)
			<-finish
			return nil
		})
	}()
	<-started

	// Without renewal the lease would run out at 30s.
	for i := int32(1); i <= 4; i++ {
		clk.Add(10 * time.Second)
		want := i
		require.Eventually(t, func() bool { return p.renewals.Load() >= want }, time.Second, 2*time.Millisecond)
	}
	ok, err := p.TryAcquire(context.Background(), "k", time.Second)
	require.NoError(t, err)
	assert.False(t, ok, "lease must still be held after 40s")

	close(finish)
	require.NoError(t, <-errCh)
	ok, err = p.TryAcquire(context.Background(), "k", time.Second)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestWithCancelsWorkWhenLeaseIsLost(t *testing.T) {
	clk := clock.NewMock()
	p := &countingRenewer{Memory: lock.NewMemory(clk)}
	p.fail.Store(true)
	opts := lock.Options{TTL: 30 * time.Second, Timeout: time.Second, Clock: clk}

	started := make(chan struct{})
	errCh := make(chan error, 1)
	go func() {
		errCh <- lock.With(context.Background(), p, "k", opts, func(ctx context.Context) error {
			close(started)
			<-ctx.Done()
			return ctx.Err()
		})
	}()
	<-started

	clk.Add(10 * time.Second)
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, lock.ErrLost)
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("work was not cancelled after a failed renewal")
	}
}
