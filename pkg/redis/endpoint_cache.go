package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/canopy-network/txrelay/pkg/db/models/relay"
	"github.com/redis/go-redis/v9"
)

// DefaultEndpointCacheTTL bounds how stale another instance's view of the endpoint list can be.
const DefaultEndpointCacheTTL = 15 * time.Second

// EndpointCache keeps a JSON snapshot of each chain's endpoint rows.
type EndpointCache struct {
	client *Client
	ttl    time.Duration
}

// NewEndpointCache returns a cache with the given TTL (DefaultEndpointCacheTTL when zero).
func NewEndpointCache(client *Client, ttl time.Duration) *EndpointCache {
	if ttl <= 0 {
		ttl = DefaultEndpointCacheTTL
	}
	return &EndpointCache{client: client, ttl: ttl}
}

func endpointsKey(chain string) string {
	return "txrelay:rpc:endpoints:" + chain
}

func (c *EndpointCache) GetEndpoints(ctx context.Context, chain string) ([]relay.RPCEndpoint, bool, error) {
	raw, err := c.client.client.Get(ctx, endpointsKey(chain)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var eps []relay.RPCEndpoint
	if err := json.Unmarshal(raw, &eps); err != nil {
		return nil, false, fmt.Errorf("decode cached endpoints: %w", err)
	}
	return eps, true, nil
}

func (c *EndpointCache) SetEndpoints(ctx context.Context, chain string, eps []relay.RPCEndpoint) error {
	if eps == nil {
		eps = []relay.RPCEndpoint{}
	}
	raw, err := json.Marshal(eps)
	if err != nil {
		return err
	}
	return c.client.client.Set(ctx, endpointsKey(chain), raw, c.ttl).Err()
}

func (c *EndpointCache) InvalidateEndpoints(ctx context.Context, chain string) error {
	return c.client.client.Del(ctx, endpointsKey(chain)).Err()
}
