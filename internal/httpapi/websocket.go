package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	wsCloseGrace   = time.Second
	wsReadLimit    = 512
	wsDefaultWrite = time.Second
)

// Subscribers are unauthenticated; any origin may connect.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// wsChannel adapts a websocket connection to registry.Channel. gorilla
// allows one concurrent writer, so Send is serialized.
type wsChannel struct {
	conn *websocket.Conn

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func newWSChannel(conn *websocket.Conn) *wsChannel {
	return &wsChannel{conn: conn}
}

func (c *wsChannel) Send(ctx context.Context, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(wsDefaultWrite)
	}
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *wsChannel) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(wsCloseGrace))
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}

func (h *handler) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if h.subscriptions == nil {
		h.writeError(w, http.StatusServiceUnavailable, "subscriptions unavailable")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written an error response.
		h.log.Debug().Err(err).Str("remote", r.RemoteAddr).Msg("Websocket upgrade failed")
		return
	}

	ch := newWSChannel(conn)
	id, err := h.subscriptions.Register(r.Context(), ch)
	if err != nil {
		h.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Failed to register subscriber")
		return
	}
	defer h.subscriptions.Unregister(id)

	h.log.Info().Str("subscription", id).Str("remote", r.RemoteAddr).Msg("Subscriber connected")

	// Inbound messages are ignored; reading only detects disconnects.
	conn.SetReadLimit(wsReadLimit)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			h.log.Info().Str("subscription", id).Msg("Subscriber disconnected")
			return
		}
	}
}
