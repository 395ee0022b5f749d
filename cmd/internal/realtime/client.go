package realtime

import (
	"sync"

	v1 "inkboard/shared/contracts/board/v1"
)

// Client represents one connected websocket session.
//
// Design notes:
//   - Send carries envelopes addressed to this session only (errors, rejections).
//   - Board state travels through a single-slot mailbox: a newer snapshot
//     replaces an undelivered older one, so a slow peer never blocks the
//     engine and still converges on the latest state.
//   - Send and the mailbox are never closed by the server.
//   - Close is idempotent.
type Client struct {
	SessionID string
	Send      chan v1.Envelope

	snapshots chan v1.Envelope

	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(sessionID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = 64
	}
	return &Client{
		SessionID: sessionID,
		Send:      make(chan v1.Envelope, sendQueueSize),
		snapshots: make(chan v1.Envelope, 1),
		done:      make(chan struct{}),
	}
}

// Snapshots returns the channel the writer drains board state from.
func (c *Client) Snapshots() <-chan v1.Envelope {
	return c.snapshots
}

// offerSnapshot stores env as the latest state for this client.
// It reports whether an undelivered older snapshot was replaced.
//
// Callers must be serialized (the owning Engine holds its lock), otherwise
// two offers could race for the single slot.
func (c *Client) offerSnapshot(env v1.Envelope) (replaced bool) {
	select {
	case <-c.snapshots:
		replaced = true
	default:
	}

	select {
	case c.snapshots <- env:
	default:
	}
	return replaced
}

// Done returns a channel that is closed when the client is shutting down.
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
	c.closeOnce.Do(func() {
		close(c.done)
	})
}
