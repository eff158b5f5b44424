package controller

import (
	"context"
	"net/http"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/canopy-network/txrelay/pkg/db/models/relay"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ClientMessage is sent by WebSocket clients to change what they receive.
type ClientMessage struct {
	Action string `json:"action"` // "subscribe" or "unsubscribe"
	Chain  string `json:"chain,omitempty"`
	TxID   string `json:"tx,omitempty"`
}

// ServerMessage is sent to WebSocket clients.
type ServerMessage struct {
	Type    string `json:"type"` // "tx.status", "tx.retries_exhausted", "subscribed", "unsubscribed", "error"
	Payload any    `json:"payload"`
}

// subscriptions tracks the chains and transactions a client follows. "*" as a chain matches all.
type subscriptions struct {
	mu     sync.RWMutex
	chains map[string]bool
	txs    map[string]bool
}

func newSubscriptions() *subscriptions {
	return &subscriptions{chains: map[string]bool{}, txs: map[string]bool{}}
}

func (s *subscriptions) apply(msg ClientMessage, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.Chain != "" {
		chain := strings.ToLower(msg.Chain)
		if on {
			s.chains[chain] = true
		} else {
			delete(s.chains, chain)
		}
	}
	if msg.TxID != "" {
		if on {
			s.txs[msg.TxID] = true
		} else {
			delete(s.txs, msg.TxID)
		}
	}
}

func (s *subscriptions) matches(ev relay.TxEvent) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chains["*"] || s.chains[ev.Chain] || s.txs[ev.ID]
}

// HandleWebSocket streams transaction status events.
//
// Subscriptions come from the chain and tx query parameters and from client messages:
//
//	{"action": "subscribe", "chain": "ethereum"}
//	{"action": "subscribe", "chain": "*"}
//	{"action": "subscribe", "tx": "<id>"}
//	{"action": "unsubscribe", "tx": "<id>"}
//
// With Redis enabled the stream covers every instance and a since query parameter
// replays events after that stream id. Without Redis only this instance's events are sent.
func (c *Controller) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Subscribe before the handshake completes so nothing published afterwards is missed.
	events, err := c.subscribe(ctx, q.Get("since"))
	if err != nil {
		c.App.Logger.Warn("Event subscription failed", zap.Error(err))
		c.writeError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.App.Logger.Error("Failed to upgrade WebSocket connection", zap.Error(err))
		return
	}
	defer func() {
		if err := conn.Close(); err != nil {
			c.App.Logger.Debug("Failed to close WebSocket connection", zap.Error(err))
		}
	}()

	subs := newSubscriptions()
	subs.apply(ClientMessage{Chain: q.Get("chain"), TxID: q.Get("tx")}, true)

	send := make(chan ServerMessage, 256)
	var wg sync.WaitGroup
	goSafe := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() {
				if rec := recover(); rec != nil {
					c.App.Logger.Error("Panic in WebSocket goroutine",
						zap.String("goroutine", name),
						zap.Any("panic", rec),
						zap.String("stack", string(debug.Stack())))
					cancel()
				}
			}()
			fn()
		}()
	}

	goSafe("forward", func() { forwardEvents(ctx, events, subs, send) })
	goSafe("ping", func() { c.sendPings(ctx, conn) })
	goSafe("write", func() { c.writeMessages(ctx, cancel, conn, send) })
	goSafe("unblock", func() {
		// Wakes the reader when a writer fails or the server shuts down.
		<-ctx.Done()
		_ = conn.SetReadDeadline(time.Now())
	})

	c.App.Logger.Debug("WebSocket client connected", zap.String("remote_addr", r.RemoteAddr))
	c.readClientMessages(ctx, conn, subs, send)
	cancel()
	wg.Wait()
	c.App.Logger.Debug("WebSocket client disconnected", zap.String("remote_addr", r.RemoteAddr))
}

func (c *Controller) subscribe(ctx context.Context, since string) (<-chan relay.TxEvent, error) {
	if c.App.Events != nil {
		if since == "" {
			since = "$"
		}
		return c.App.Events.Subscribe(ctx, since)
	}
	return c.App.Hub.Subscribe(ctx), nil
}

func forwardEvents(ctx context.Context, events <-chan relay.TxEvent, subs *subscriptions, send chan<- ServerMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !subs.matches(ev) {
				continue
			}
			if !emit(ctx, send, ServerMessage{Type: ev.Type, Payload: ev}) {
				return
			}
		}
	}
}

func emit(ctx context.Context, send chan<- ServerMessage, msg ServerMessage) bool {
	select {
	case send <- msg:
		return true
	case <-ctx.Done():
		return false
	}
}

// sendPings keeps the connection alive. Pongs reset the read deadline.
func (c *Controller) sendPings(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				c.App.Logger.Debug("Failed to send ping", zap.Error(err))
				return
			}
		}
	}
}

// writeMessages is the only writer of data frames on conn.
func (c *Controller) writeMessages(ctx context.Context, cancel context.CancelFunc, conn *websocket.Conn, send <-chan ServerMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-send:
			_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(msg); err != nil {
				c.App.Logger.Debug("Failed to write WebSocket message", zap.Error(err))
				cancel()
				return
			}
		}
	}
}

// readClientMessages handles subscription changes until the connection closes.
func (c *Controller) readClientMessages(ctx context.Context, conn *websocket.Conn, subs *subscriptions, send chan<- ServerMessage) {
	const readTimeout = 60 * time.Second

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readTimeout))
	})

	for ctx.Err() == nil {
		var msg ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.App.Logger.Debug("WebSocket read error", zap.Error(err))
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

		var reply ServerMessage
		switch {
		case msg.Chain == "" && msg.TxID == "":
			reply = ServerMessage{Type: "error", Payload: map[string]string{"message": "chain or tx is required"}}
		case msg.Action == "subscribe":
			subs.apply(msg, true)
			reply = ServerMessage{Type: "subscribed", Payload: msg}
		case msg.Action == "unsubscribe":
			subs.apply(msg, false)
			reply = ServerMessage{Type: "unsubscribed", Payload: msg}
		default:
			reply = ServerMessage{Type: "error", Payload: map[string]string{"message": "unknown action: " + msg.Action}}
		}
		if !emit(ctx, send, reply) {
			return
		}
	}
}
