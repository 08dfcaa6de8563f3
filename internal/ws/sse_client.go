package ws

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// SSEClient streams Server-Sent Events over an HTTP response writer. Payloads
// are queued by Send and written by Serve on the request goroutine.
type SSEClient struct {
	writer    io.Writer
	flusher   http.Flusher
	log       *slog.Logger
	queue     chan []byte
	done      chan struct{}
	closeOnce sync.Once
	skip      func([]byte) bool
	end       func([]byte) bool
	finished  func() bool

	mu   sync.Mutex
	last time.Time
}

// NewSSEClient builds an SSE client instance.
func NewSSEClient(writer io.Writer, flusher http.Flusher, logger *slog.Logger, buffer int) *SSEClient {
	if buffer <= 0 {
		buffer = 64
	}
	return &SSEClient{
		writer:  writer,
		flusher: flusher,
		log:     logger,
		queue:   make(chan []byte, buffer),
		done:    make(chan struct{}),
		last:    time.Now().UTC(),
	}
}

// Send queues a data event without blocking.
func (c *SSEClient) Send(payload []byte) error {
	select {
	case <-c.done:
		return io.EOF
	default:
	}
	select {
	case c.queue <- payload:
		return nil
	default:
		return ErrSlowConsumer
	}
}

// SetSkip installs a predicate dropping queued events at write time. It must
// be called before Serve.
func (c *SSEClient) SetSkip(fn func([]byte) bool) {
	c.skip = fn
}

// SetEnd installs a predicate marking the last event of the stream. Serve
// writes that event and returns. It must be called before Serve.
func (c *SSEClient) SetEnd(fn func([]byte) bool) {
	c.end = fn
}

// SetFinishedCheck installs a check run on every heartbeat. Once it reports
// true, Serve flushes queued events and returns. It must be called before Serve.
func (c *SSEClient) SetFinishedCheck(fn func() bool) {
	c.finished = fn
}

// Write emits a data event immediately. Only the serving goroutine may call it.
func (c *SSEClient) Write(payload []byte) error {
	if _, err := fmt.Fprintf(c.writer, "data: %s\n\n", payload); err != nil {
		c.log.Warn("sse send failed", "error", err)
		return err
	}
	c.flusher.Flush()
	c.touch()
	return nil
}

// Heartbeat emits a comment frame to keep the connection alive.
func (c *SSEClient) Heartbeat() error {
	if _, err := fmt.Fprint(c.writer, ": ping\n\n"); err != nil {
		c.log.Warn("sse heartbeat failed", "error", err)
		return err
	}
	c.flusher.Flush()
	c.touch()
	return nil
}

// Serve writes queued events and heartbeats until ctx ends, the client
// closes, or the stream reaches its end.
func (c *SSEClient) Serve(ctx context.Context, heartbeat time.Duration) error {
	if heartbeat <= 0 {
		heartbeat = 15 * time.Second
	}
	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			return c.drain()
		case payload := <-c.queue:
			last, err := c.emit(payload)
			if err != nil || last {
				return err
			}
		case <-ticker.C:
			if c.finished != nil && c.finished() {
				return c.drain()
			}
			if err := c.Heartbeat(); err != nil {
				return err
			}
		}
	}
}

func (c *SSEClient) drain() error {
	for {
		select {
		case payload := <-c.queue:
			last, err := c.emit(payload)
			if err != nil || last {
				return err
			}
		default:
			return nil
		}
	}
}

func (c *SSEClient) emit(payload []byte) (bool, error) {
	if c.end != nil && c.end(payload) {
		return true, c.Write(payload)
	}
	if c.skip != nil && c.skip(payload) {
		return false, nil
	}
	return false, c.Write(payload)
}

// Close marks the stream as closed.
func (c *SSEClient) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// LastActivity reports the timestamp of the most recent successful write.
func (c *SSEClient) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last
}

func (c *SSEClient) touch() {
	c.mu.Lock()
	c.last = time.Now().UTC()
	c.mu.Unlock()
}
