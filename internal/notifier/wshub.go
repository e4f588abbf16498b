package notifier

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// WSHub streams events to dashboard clients over websocket. Each client has
// a bounded buffer; a client that falls behind is disconnected.
type WSHub struct {
	Logger         *zap.Logger
	Buffer         int
	OriginPatterns []string
	WriteTimeout   time.Duration

	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

type wsClient struct {
	send chan []byte
	once sync.Once
	done chan struct{}
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.done) })
}

func NewWSHub(logger *zap.Logger, buffer int) *WSHub {
	if buffer <= 0 {
		buffer = 64
	}
	return &WSHub{Logger: logger, Buffer: buffer, clients: map[*wsClient]struct{}{}}
}

func (h *WSHub) Name() string { return "websocket" }

func (h *WSHub) Handle(_ context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- b:
		default:
			delete(h.clients, c)
			c.close()
			if h.Logger != nil {
				h.Logger.Warn("websocket client too slow, dropped")
			}
		}
	}
	return nil
}

func (h *WSHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *WSHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: h.OriginPatterns})
	if err != nil {
		if h.Logger != nil {
			h.Logger.Debug("websocket accept failed", zap.Error(err))
		}
		return
	}
	defer func() { _ = conn.CloseNow() }()

	c := &wsClient{send: make(chan []byte, h.Buffer), done: make(chan struct{})}
	h.mu.Lock()
	if h.clients == nil {
		h.clients = map[*wsClient]struct{}{}
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, c)
		h.mu.Unlock()
	}()

	// The feed is one-way; CloseRead discards client frames and cancels ctx
	// when the peer goes away.
	ctx := conn.CloseRead(r.Context())
	timeout := h.WriteTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			_ = conn.Close(websocket.StatusPolicyViolation, "client too slow")
			return
		case msg := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, timeout)
			err := conn.Write(wctx, websocket.MessageText, msg)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
