package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/canopy-network/txrelay/pkg/lock"
	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v4"
	"github.com/redis/go-redis/v9"
)

// Release and renew must only touch a key that still carries our token; a lease
// that expired and was taken by another holder is left alone.
var (
	releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

	renewScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`)
)

// Lock is a lock.Provider backed by SET NX PX with a per-acquisition owner token.
type Lock struct {
	client *Client
	tokens *xsync.Map[string, string]
}

// NewLock returns a Redis lock provider.
func NewLock(client *Client) *Lock {
	return &Lock{client: client, tokens: xsync.NewMap[string, string]()}
}

var _ lock.Provider = (*Lock)(nil)
var _ lock.Renewer = (*Lock)(nil)

func (l *Lock) TryAcquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	token := uuid.NewString()
	ok, err := l.client.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if ok {
		l.tokens.Store(key, token)
	}
	return ok, nil
}

func (l *Lock) Release(ctx context.Context, key string) error {
	token, ok := l.tokens.LoadAndDelete(key)
	if !ok {
		return lock.ErrNotHeld
	}
	n, err := releaseScript.Run(ctx, l.client.client, []string{key}, token).Int()
	if err != nil {
		return fmt.Errorf("redis release %s: %w", key, err)
	}
	if n == 0 {
		return lock.ErrNotHeld
	}
	return nil
}

func (l *Lock) Renew(ctx context.Context, key string, ttl time.Duration) error {
	token, ok := l.tokens.Load(key)
	if !ok {
		return lock.ErrNotHeld
	}
	n, err := renewScript.Run(ctx, l.client.client, []string{key}, token, ttl.Milliseconds()).Int()
	if err != nil {
		return fmt.Errorf("redis renew %s: %w", key, err)
	}
	if n == 0 {
		l.tokens.Delete(key)
		return lock.ErrNotHeld
	}
	return nil
}
