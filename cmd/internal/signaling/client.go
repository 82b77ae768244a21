package signaling

import (
	"sync"

	v1 "remotedesk/contracts/signal/v1"
)

// Client is one connected signaling endpoint.
//
// Send is never closed by the server so concurrent writers cannot panic;
// done signals shutdown and Close is idempotent.
type Client struct {
	ConnID    string
	SessionID string
	Role      Role
	Send      chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once

	mu      sync.Mutex
	signals map[string]uint64 // envelope id -> relayed seq, until written
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(connID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		ConnID:  connID,
		Send:    make(chan v1.Envelope, sendQueueSize),
		done:    make(chan struct{}),
		signals: make(map[string]uint64),
	}
}

// Done is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	if c == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return c.done
}

// Close signals the client goroutines to stop (idempotent).
func (c *Client) Close() {
	if c == nil {
		return
	}
	c.closeOnce.Do(func() { close(c.done) })
}

// trackSignal remembers which relayed message env carries.
func (c *Client) trackSignal(env v1.Envelope, seq uint64) {
	c.mu.Lock()
	c.signals[env.ID] = seq
	c.mu.Unlock()
}

// written reports the relayed seq carried by env once it reached the socket.
func (c *Client) written(env v1.Envelope) (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq, ok := c.signals[env.ID]
	if ok {
		delete(c.signals, env.ID)
	}
	return seq, ok
}
