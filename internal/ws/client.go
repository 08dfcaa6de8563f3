package ws

import (
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Client represents a websocket client connection with a bounded outbound queue.
type Client struct {
	conn      *websocket.Conn
	log       *slog.Logger
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	skip      func([]byte) bool
}

// NewClient constructs a client wrapper. buffer bounds queued frames.
func NewClient(conn *websocket.Conn, logger *slog.Logger, buffer int) *Client {
	if buffer <= 0 {
		buffer = 64
	}
	return &Client{conn: conn, log: logger, send: make(chan []byte, buffer), done: make(chan struct{})}
}

// Send queues a message; it fails instead of blocking when the queue is full.
func (c *Client) Send(payload []byte) error {
	select {
	case <-c.done:
		return websocket.ErrCloseSent
	default:
	}
	select {
	case c.send <- payload:
		return nil
	default:
		c.log.Warn("websocket client too slow, dropping")
		return ErrSlowConsumer
	}
}

// SetSkip installs a predicate dropping queued frames at write time. It must
// be called before Serve.
func (c *Client) SetSkip(fn func([]byte) bool) {
	c.skip = fn
}

// Write sends a frame synchronously. Only valid before Serve starts.
func (c *Client) Write(payload []byte) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

// Serve pumps queued frames to the connection until the peer disconnects
// or the client is closed.
func (c *Client) Serve() {
	go c.readLoop()
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer c.Close()
	for {
		select {
		case <-c.done:
			_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
			return
		case payload := <-c.send:
			if c.skip != nil && c.skip(payload) {
				continue
			}
			if err := c.Write(payload); err != nil {
				c.log.Warn("websocket send failed", "error", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readLoop discards inbound frames and closes the client when the peer goes away.
func (c *Client) readLoop() {
	defer c.Close()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Done is closed once the client shuts down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close terminates the connection.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}
