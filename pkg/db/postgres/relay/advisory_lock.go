package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/canopy-network/txrelay/pkg/lock"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/puzpuzpuz/xsync/v4"
)

// AdvisoryLock is a lock.Provider built on session advisory locks. Each held key pins
// one pooled connection until it is released; the TTL is not enforced because Postgres
// drops the lock when the session dies.
type AdvisoryLock struct {
	pool *pgxpool.Pool
	held *xsync.Map[string, *pgxpool.Conn]
}

// NewAdvisoryLock returns a provider backed by pool.
func NewAdvisoryLock(pool *pgxpool.Pool) *AdvisoryLock {
	return &AdvisoryLock{pool: pool, held: xsync.NewMap[string, *pgxpool.Conn]()}
}

var _ lock.Provider = (*AdvisoryLock)(nil)

func (l *AdvisoryLock) TryAcquire(ctx context.Context, key string, _ time.Duration) (bool, error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection: %w", err)
	}

	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock(hashtext($1))`, key).Scan(&ok); err != nil {
		conn.Release()
		return false, fmt.Errorf("pg_try_advisory_lock %s: %w", key, err)
	}
	if !ok {
		conn.Release()
		return false, nil
	}
	if _, loaded := l.held.LoadOrStore(key, conn); loaded {
		// Same key already held by this process on another session.
		_, _ = conn.Exec(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, key)
		conn.Release()
		return false, nil
	}
	return true, nil
}

func (l *AdvisoryLock) Release(ctx context.Context, key string) error {
	conn, ok := l.held.LoadAndDelete(key)
	if !ok {
		return lock.ErrNotHeld
	}
	defer conn.Release()

	var unlocked bool
	if err := conn.QueryRow(ctx, `SELECT pg_advisory_unlock(hashtext($1))`, key).Scan(&unlocked); err != nil {
		// The session state is unknown; closing it guarantees the lock is dropped.
		_ = conn.Conn().Close(ctx)
		return fmt.Errorf("pg_advisory_unlock %s: %w", key, err)
	}
	if !unlocked {
		return lock.ErrNotHeld
	}
	return nil
}
