package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/canopy-network/txrelay/pkg/utils"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Default stream configuration
const (
	DefaultStreamMaxLen = 10000 // Default max entries per stream
)

// Client wraps the Redis client used for the nonce lock, the endpoint cache and
// transaction status events (Pub/Sub and Streams).
type Client struct {
	client       *redis.Client
	logger       *zap.Logger
	streamMaxLen int64 // Max entries per stream (0 = unlimited)
}

// NewClient creates a new Redis client using environment variables for configuration.
// Environment variables:
//   - REDIS_HOST: Redis host (default: "localhost")
//   - REDIS_PORT: Redis port (default: "6379")
//   - REDIS_PASSWORD: Redis password (default: "")
//   - REDIS_DB: Redis database number (default: "0")
//   - REDIS_STREAM_MAXLEN: Max entries per stream (default: 10000, 0 = unlimited)
func NewClient(ctx context.Context, logger *zap.Logger) (*Client, error) {
	host := utils.Env("REDIS_HOST", "localhost")
	port := utils.Env("REDIS_PORT", "6379")
	password := utils.Env("REDIS_PASSWORD", "")
	db := utils.EnvInt64("REDIS_DB", 0)
	streamMaxLen := utils.EnvInt64("REDIS_STREAM_MAXLEN", DefaultStreamMaxLen)

	addr := fmt.Sprintf("%s:%s", host, port)

	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       int(db),

		// Connection pool
		PoolSize:     20,
		MinIdleConns: 2,

		// Timeouts
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", addr, err)
	}

	logger.Info("Connected to Redis",
		zap.String("addr", addr),
		zap.Int64("db", db),
		zap.Int64("streamMaxLen", streamMaxLen))

	return Wrap(rdb, logger, streamMaxLen), nil
}

// Wrap builds a Client around an existing connection.
func Wrap(rdb *redis.Client, logger *zap.Logger, streamMaxLen int64) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{client: rdb, logger: logger, streamMaxLen: streamMaxLen}
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Publish publishes a message to a Redis Pub/Sub channel.
// This is a best-effort operation - errors are logged but not returned.
func (c *Client) Publish(ctx context.Context, channel string, message interface{}) {
	if err := c.client.Publish(ctx, channel, message).Err(); err != nil {
		c.logger.Warn("Failed to publish Redis message",
			zap.String("channel", channel),
			zap.Error(err))
	}
}

// Health checks if Redis is healthy.
func (c *Client) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// XAdd adds an entry to a stream, capped with an approximate MAXLEN when configured.
// Returns the entry ID, or "" when the write failed (logged, not returned).
func (c *Client) XAdd(ctx context.Context, stream string, values map[string]interface{}) string {
	args := &redis.XAddArgs{
		Stream: stream,
		Values: values,
	}
	if c.streamMaxLen > 0 {
		args.MaxLen = c.streamMaxLen
		args.Approx = true
	}

	id, err := c.client.XAdd(ctx, args).Result()
	if err != nil {
		c.logger.Warn("Failed to add to Redis stream",
			zap.String("stream", stream),
			zap.Error(err))
		return ""
	}
	return id
}

// XRead reads entries after lastID. Use "0" to read from the beginning, "$" for new entries only.
// Block specifies how long to wait for new entries (negative = no blocking).
func (c *Client) XRead(ctx context.Context, stream, lastID string, count int64, block time.Duration) ([]redis.XStream, error) {
	return c.client.XRead(ctx, &redis.XReadArgs{
		Streams: []string{stream, lastID},
		Count:   count,
		Block:   block,
	}).Result()
}
