package realtime

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

// State is the lifecycle position of a connection.
type State uint32

const (
	StateConnecting State = iota
	StateAuthenticated
	StateActive
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthenticated:
		return "authenticated"
	case StateActive:
		return "active"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

type frame struct {
	typ  string
	data []byte
}

// Client is one authenticated realtime connection.
//
// Send is never closed by the server, so concurrent broadcasters cannot
// panic on a closed channel; done signals shutdown instead.
type Client struct {
	ID     string
	UserID string
	Send   chan frame

	state     atomic.Uint32
	done      chan struct{}
	closeOnce sync.Once
}

// NewClient constructs a Client with a bounded send queue.
func NewClient(userID string, sendQueueSize int) *Client {
	if sendQueueSize <= 0 {
		sendQueueSize = defaultSendQueueSize
	}
	return &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		Send:   make(chan frame, sendQueueSize),
		done:   make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (c *Client) State() State {
	return State(c.state.Load())
}

func (c *Client) setState(s State) {
	c.state.Store(uint32(s))
}

// Done is closed when the client is shutting down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close signals the client goroutines to stop. Idempotent.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		c.setState(StateClosed)
		close(c.done)
	})
}

// enqueue never blocks; it reports false when the frame was dropped.
func (c *Client) enqueue(f frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.Send <- f:
		return true
	default:
		return false
	}
}
