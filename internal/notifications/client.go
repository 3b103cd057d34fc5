package notifications

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"officechat/internal/middleware"
	"officechat/internal/observability"

	"github.com/gofiber/websocket/v2"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 16384

	sendBufferSize = 256
)

var droppedNotice = []byte(`{"type":"messages_dropped","payload":{}}`)

// WSHub is implemented by hubs that own Clients.
type WSHub interface {
	UnregisterClient(c *Client)
	Name() string
}

// Client is one websocket connection of an authenticated user.
type Client struct {
	Hub WSHub

	// Conn is nil for clients built in tests.
	Conn *websocket.Conn

	// Buffered channel of outbound frames.
	Send chan []byte

	UserID uint

	// IncomingHandler is called from ReadPump for every inbound frame.
	IncomingHandler func(*Client, []byte)

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	mu        sync.Mutex
	closed    bool
	dropped   bool
}

// NewClient creates a Client whose Context is cancelled when it is closed.
func NewClient(hub WSHub, conn *websocket.Conn, userID uint) *Client {
	ctx, cancel := context.WithCancel(middleware.WithUserID(context.Background(), userID))
	return &Client{
		Hub:    hub,
		Conn:   conn,
		UserID: userID,
		Send:   make(chan []byte, sendBufferSize),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Context is cancelled when the connection goes away.
func (c *Client) Context() context.Context {
	if c.ctx == nil {
		return context.Background()
	}
	return c.ctx
}

// ReadPump pumps frames from the websocket connection to IncomingHandler
// until the peer goes away, then unregisters the client.
func (c *Client) ReadPump() {
	defer func() {
		c.Hub.UnregisterClient(c)
		_ = c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMessageSize)
	_ = c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error { return c.Conn.SetReadDeadline(time.Now().Add(pongWait)) })

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				middleware.Logger.WarnContext(c.Context(), "websocket read failed",
					slog.String("hub", c.Hub.Name()),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		if c.IncomingHandler != nil {
			c.IncomingHandler(c, message)
		}
	}
}

// WritePump pumps frames from Send to the websocket connection and keeps the
// connection alive with pings.
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.Send:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// TrySend queues a frame without blocking. When the buffer is full the frame
// is dropped, and a messages_dropped notice is queued ahead of the next frame
// that fits so the client knows to re-fetch.
func (c *Client) TrySend(message []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		observability.WebSocketBackpressureDrops.WithLabelValues(c.hubName(), "closed").Inc()
		return false
	}

	if c.dropped {
		select {
		case c.Send <- droppedNotice:
			c.dropped = false
		default:
			c.drop()
			return false
		}
	}

	select {
	case c.Send <- message:
		return true
	default:
		c.drop()
		return false
	}
}

// drop must be called with c.mu held.
func (c *Client) drop() {
	observability.WebSocketBackpressureDrops.WithLabelValues(c.hubName(), "full").Inc()
	if c.dropped {
		return
	}
	c.dropped = true
	middleware.Logger.WarnContext(c.Context(), "websocket send buffer full, dropping frames",
		slog.String("hub", c.hubName()),
	)
}

// close stops further sends and lets WritePump finish. Safe to call twice.
func (c *Client) close() {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		close(c.Send)
		c.mu.Unlock()
		if c.cancel != nil {
			c.cancel()
		}
	})
}

func (c *Client) hubName() string {
	if c.Hub == nil {
		return "unknown"
	}
	return c.Hub.Name()
}
