// Package lock serializes work on a key across processes. Providers make single
// non-blocking attempts; Acquire turns them into a bounded wait.
package lock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/canopy-network/txrelay/pkg/metrics"
)

var (
	// ErrTimeout means the lock could not be taken before the wait deadline.
	ErrTimeout = errors.New("lock acquire timeout")
	// ErrNotHeld is returned when releasing a lock this process does not own.
	ErrNotHeld = errors.New("lock not held")
	// ErrLost means a held lock could not be renewed and may now belong to someone else.
	ErrLost = errors.New("lock lost")
)

// Provider is a distributed mutex keyed by string. TryAcquire must not block on contention.
// A held lock expires after ttl if the holder never releases it.
type Provider interface {
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Renewer is implemented by providers that can extend a held lock.
type Renewer interface {
	Renew(ctx context.Context, key string, ttl time.Duration) error
}

// Options bounds how long Acquire waits.
type Options struct {
	TTL        time.Duration
	Timeout    time.Duration
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Clock      clock.Clock
}

// DefaultOptions returns a 30s lease, a 10s wait and backoff from 50ms up to 500ms.
func DefaultOptions() Options {
	return Options{
		TTL:        30 * time.Second,
		Timeout:    10 * time.Second,
		MinBackoff: 50 * time.Millisecond,
		MaxBackoff: 500 * time.Millisecond,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.TTL <= 0 {
		o.TTL = d.TTL
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.MinBackoff <= 0 {
		o.MinBackoff = d.MinBackoff
	}
	if o.MaxBackoff < o.MinBackoff {
		o.MaxBackoff = d.MaxBackoff
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	return o
}

// Backoff returns min(minDelay * 2^attempt, maxDelay).
func Backoff(attempt int, minDelay, maxDelay time.Duration) time.Duration {
	if attempt > 16 {
		return maxDelay
	}
	d := minDelay << uint(attempt)
	if d > maxDelay || d <= 0 {
		return maxDelay
	}
	return d
}

// Acquire retries p.TryAcquire until it succeeds, ctx ends or the timeout passes.
// The returned error wraps ErrTimeout when the wait ran out.
func Acquire(ctx context.Context, p Provider, key string, opts Options) error {
	opts = opts.withDefaults()
	start := opts.Clock.Now()
	deadline := start.Add(opts.Timeout)
	defer func() {
		metrics.NonceLockWait.Observe(opts.Clock.Since(start).Seconds())
	}()

	for attempt := 0; ; attempt++ {
		ok, err := p.TryAcquire(ctx, key, opts.TTL)
		if err != nil {
			return fmt.Errorf("acquire %s: %w", key, err)
		}
		if ok {
			return nil
		}

		wait := Backoff(attempt, opts.MinBackoff, opts.MaxBackoff)
		remaining := deadline.Sub(opts.Clock.Now())
		if remaining <= 0 {
			return fmt.Errorf("%w: %s after %s", ErrTimeout, key, opts.Timeout)
		}
		if wait > remaining {
			wait = remaining
		}

		timer := opts.Clock.Timer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// With runs fn while holding key. Providers implementing Renewer have the lease
// extended every TTL/3 while fn runs; if a renewal fails fn's context is cancelled
// and the returned error wraps ErrLost. The lock is released with a fresh context so
// a cancelled caller does not leave it held until the TTL.
func With(ctx context.Context, p Provider, key string, opts Options, fn func(ctx context.Context) error) error {
	opts = opts.withDefaults()
	if err := Acquire(ctx, p, key, opts); err != nil {
		return err
	}

	fnCtx, cancel := context.WithCancelCause(ctx)
	done := make(chan struct{})
	var wg sync.WaitGroup
	if r, ok := p.(Renewer); ok {
		// The ticker exists before fn starts so no renewal interval is missed.
		ticker := opts.Clock.Ticker(opts.TTL / 3)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer ticker.Stop()
			keepAlive(fnCtx, r, key, opts.TTL, ticker.C, done, cancel)
		}()
	}
	defer func() {
		close(done)
		wg.Wait()
		cancel(nil)
		releaseCtx, stop := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer stop()
		_ = p.Release(releaseCtx, key)
	}()

	err := fn(fnCtx)
	if cause := context.Cause(fnCtx); errors.Is(cause, ErrLost) {
		if err == nil {
			return cause
		}
		return fmt.Errorf("%w: %w", cause, err)
	}
	return err
}

func keepAlive(ctx context.Context, r Renewer, key string, ttl time.Duration, tick <-chan time.Time, done <-chan struct{}, cancel context.CancelCauseFunc) {
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-tick:
			if err := r.Renew(ctx, key, ttl); err != nil {
				cancel(fmt.Errorf("%w: %s: %w", ErrLost, key, err))
				return
			}
		}
	}
}
