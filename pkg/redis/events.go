package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/canopy-network/txrelay/pkg/db/models/relay"
	"go.uber.org/zap"
)

const (
	// StatusChannel carries live status events over Pub/Sub.
	StatusChannel = "txrelay:tx.status"
	// EventStream is the durable, capped copy of every status event.
	EventStream = "txrelay:tx.events"
)

// Events publishes transaction status changes and replays them for subscribers.
type Events struct {
	client *Client
	logger *zap.Logger
}

// NewEvents returns a Redis-backed event publisher.
func NewEvents(client *Client, logger *zap.Logger) *Events {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Events{client: client, logger: logger}
}

// Publish fans ev out on the status channel and appends it to the event stream. Best effort.
func (e *Events) Publish(ctx context.Context, ev relay.TxEvent) {
	raw, err := json.Marshal(ev)
	if err != nil {
		e.logger.Warn("Failed to encode tx event", zap.String("id", ev.ID), zap.Error(err))
		return
	}
	e.client.Publish(ctx, StatusChannel, raw)
	e.client.XAdd(ctx, EventStream, map[string]interface{}{
		"type":   ev.Type,
		"id":     ev.ID,
		"chain":  ev.Chain,
		"status": string(ev.Status),
		"data":   raw,
	})
}

// Subscribe tails the event stream from since ("$" or empty for new events only) and
// delivers events on the returned channel until ctx ends.
func (e *Events) Subscribe(ctx context.Context, since string) (<-chan relay.TxEvent, error) {
	consumer, err := NewStreamConsumer(e.client, StreamConsumerConfig{
		Stream: EventStream,
		LastID: since,
		Logger: e.logger,
	})
	if err != nil {
		return nil, err
	}

	out := make(chan relay.TxEvent, 64)
	go func() {
		defer close(out)
		_ = consumer.Run(ctx, func(ctx context.Context, msg Message) error {
			ev, ok := decodeEvent(msg)
			if !ok {
				return fmt.Errorf("undecodable event %s", msg.ID)
			}
			select {
			case out <- ev:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		})
	}()
	return out, nil
}

func decodeEvent(msg Message) (relay.TxEvent, bool) {
	var ev relay.TxEvent
	data := msg.GetData()
	if data == nil || json.Unmarshal(data, &ev) != nil {
		return relay.TxEvent{}, false
	}
	ev.StreamID = msg.ID
	return ev, true
}
