package redis

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StreamConsumerConfig configures a StreamConsumer.
type StreamConsumerConfig struct {
	// Stream is the Redis stream name to consume from (required).
	Stream string

	// LastID is the starting position:
	//   - "0" = read from the beginning
	//   - "$" = read only new messages
	//   - "<id>" = read after a specific ID (e.g., "1234567890123-0")
	// Default: "$"
	LastID string

	// Count is the max number of entries to read per batch. Default: 100.
	Count int64

	// Block is how long each read waits for new entries. Default: 5 seconds.
	Block time.Duration

	// RetryInterval is how long to wait before retrying after an error. Default: 1 second.
	RetryInterval time.Duration

	// MaxRetryInterval caps the doubling retry interval. Default: 30 seconds.
	MaxRetryInterval time.Duration

	Logger *zap.Logger
}

// Message is a single stream entry.
type Message struct {
	ID     string
	Stream string
	Values map[string]interface{}
}

// GetData returns the "data" field of the entry, or nil.
func (m *Message) GetData() []byte {
	switch data := m.Values["data"].(type) {
	case string:
		return []byte(data)
	case []byte:
		return data
	}
	return nil
}

// MessageHandler processes one stream entry. Errors are logged and the entry is skipped.
type MessageHandler func(ctx context.Context, msg Message) error

// StreamConsumer tails a Redis stream, resuming from the last delivered ID after errors.
type StreamConsumer struct {
	client *Client
	config StreamConsumerConfig
	logger *zap.Logger
}

// NewStreamConsumer creates a new stream consumer.
func NewStreamConsumer(client *Client, config StreamConsumerConfig) (*StreamConsumer, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if config.Stream == "" {
		return nil, errors.New("stream name is required")
	}

	if config.LastID == "" {
		config.LastID = "$"
	}
	if config.Count == 0 {
		config.Count = 100
	}
	if config.Block == 0 {
		config.Block = 5 * time.Second
	}
	if config.RetryInterval == 0 {
		config.RetryInterval = 1 * time.Second
	}
	if config.MaxRetryInterval == 0 {
		config.MaxRetryInterval = 30 * time.Second
	}

	logger := config.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &StreamConsumer{client: client, config: config, logger: logger}, nil
}

// Run calls handler for each entry until ctx is cancelled.
func (sc *StreamConsumer) Run(ctx context.Context, handler MessageHandler) error {
	lastID := sc.config.LastID
	retryInterval := sc.config.RetryInterval

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		messages, err := sc.read(ctx, lastID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, redis.Nil) {
				// Block window elapsed without entries.
				continue
			}

			sc.logger.Warn("Error reading from stream, will retry",
				zap.String("stream", sc.config.Stream),
				zap.Error(err),
				zap.Duration("retryIn", retryInterval))

			select {
			case <-time.After(retryInterval):
				retryInterval = min(retryInterval*2, sc.config.MaxRetryInterval)
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}
		retryInterval = sc.config.RetryInterval

		for _, msg := range messages {
			lastID = msg.ID
			if err := handler(ctx, msg); err != nil {
				sc.logger.Error("Error processing message",
					zap.String("stream", sc.config.Stream),
					zap.String("id", msg.ID),
					zap.Error(err))
			}
		}
	}
}

func (sc *StreamConsumer) read(ctx context.Context, lastID string) ([]Message, error) {
	streams, err := sc.client.XRead(ctx, sc.config.Stream, lastID, sc.config.Count, sc.config.Block)
	if err != nil {
		return nil, err
	}

	var messages []Message
	for _, stream := range streams {
		for _, xmsg := range stream.Messages {
			messages = append(messages, Message{ID: xmsg.ID, Stream: stream.Stream, Values: xmsg.Values})
		}
	}
	return messages, nil
}
