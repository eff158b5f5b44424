package pipeline

import (
	"context"
	"sync/atomic"

	"github.com/canopy-network/txrelay/pkg/db/models/relay"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

// Notifier publishes transaction events. Publishing is best-effort and must not block.
type Notifier interface {
	Publish(ctx context.Context, ev relay.TxEvent)
}

// Notifiers fans an event out to several notifiers.
type Notifiers []Notifier

func (n Notifiers) Publish(ctx context.Context, ev relay.TxEvent) {
	for _, x := range n {
		x.Publish(ctx, ev)
	}
}

type nopNotifier struct{}

func (nopNotifier) Publish(context.Context, relay.TxEvent) {}

// Hub is an in-process event broadcaster for WebSocket clients of this instance.
type Hub struct {
	logger *zap.Logger
	buffer int
	seq    atomic.Uint64
	subs   *xsync.Map[uint64, chan relay.TxEvent]
}

// NewHub returns a Hub whose subscribers buffer up to buffer events.
func NewHub(logger *zap.Logger, buffer int) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{logger: logger, buffer: buffer, subs: xsync.NewMap[uint64, chan relay.TxEvent]()}
}

// Publish delivers ev to every subscriber. A subscriber whose buffer is full misses the event.
func (h *Hub) Publish(_ context.Context, ev relay.TxEvent) {
	h.subs.Range(func(id uint64, ch chan relay.TxEvent) bool {
		select {
		case ch <- ev:
		default:
			h.logger.Warn("dropping event for slow subscriber", zap.Uint64("subscriber", id), zap.String("tx", ev.ID))
		}
		return true
	})
}

// Subscribe returns a channel of events published until ctx ends. The channel is not
// closed; readers select on ctx as well.
func (h *Hub) Subscribe(ctx context.Context) <-chan relay.TxEvent {
	id := h.seq.Add(1)
	ch := make(chan relay.TxEvent, h.buffer)
	h.subs.Store(id, ch)
	go func() {
		<-ctx.Done()
		h.subs.Delete(id)
	}()
	return ch
}

// Subscribers is the number of attached subscribers.
func (h *Hub) Subscribers() int {
	return h.subs.Size()
}
