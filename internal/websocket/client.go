// internal/websocket/client.go
package websocket

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait = 10 * time.Second // Time allowed to write a message to the peer.

	DefaultSendBuffer = 256
)

// Client is a middleman between the websocket connection and the broadcaster.
type Client struct {
	ID       string
	TenantID int64

	conn        *websocket.Conn
	broadcaster *Broadcaster
	log         *slog.Logger

	mu     sync.Mutex
	send   chan []byte // Buffered channel of outbound messages.
	closed bool
}

func NewClient(conn *websocket.Conn, b *Broadcaster, tenantID int64, sendBuffer int, log *slog.Logger) *Client {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	id := uuid.NewString()
	return &Client{
		ID:          id,
		TenantID:    tenantID,
		conn:        conn,
		broadcaster: b,
		log:         log.With("subscriber_id", id, "tenant_id", tenantID),
		send:        make(chan []byte, sendBuffer),
	}
}

// Enqueue queues message for the write pump without blocking.
func (c *Client) Enqueue(message []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClientClosed
	}
	select {
	case c.send <- message:
		return nil
	default:
		return ErrSendBufferFull
	}
}

// Close stops the write pump. Safe to call more than once.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

// ReadPump drains frames from the peer until the connection closes.
// Subscribers have nothing to say; inbound frames of any size are streamed
// into io.Discard.
func (c *Client) ReadPump() {
	defer func() {
		c.broadcaster.Unregister(c, c.TenantID)
		c.conn.Close()
		c.log.Debug("read pump finished")
	}()
	for {
		_, r, err := c.conn.NextReader()
		if err == nil {
			_, err = io.Copy(io.Discard, r)
		}
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Warn("websocket read error", "error", err)
			}
			return
		}
	}
}

// WritePump writes queued messages to the peer. A failed write unregisters
// the client.
func (c *Client) WritePump() {
	defer func() {
		c.broadcaster.Unregister(c, c.TenantID)
		c.conn.Close()
		c.log.Debug("write pump finished")
	}()
	for message := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			c.log.Warn("websocket write failed", "error", err)
			return
		}
	}
	// The broadcaster closed the queue.
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// Reject closes a connection that failed authorization with a policy
// violation. It is never registered.
func Reject(conn *websocket.Conn, reason string) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason))
	conn.Close()
}
