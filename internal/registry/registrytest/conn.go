// Package registrytest provides an in-memory connection for exercising code
// that fans events out through a registry.
package registrytest

import (
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/4xmen/novachat/internal/models"
)

var nextID atomic.Int64

// Conn records every event emitted to it.
type Conn struct {
	id          string
	userID      int
	connectedAt time.Time

	mu     sync.Mutex
	events []models.Event
	closed bool
	notify chan struct{}
}

func NewConn(userID int) *Conn {
	return &Conn{
		id:          "test-" + strconv.FormatInt(nextID.Add(1), 10),
		userID:      userID,
		connectedAt: time.Now(),
		notify:      make(chan struct{}, 1),
	}
}

func (c *Conn) ID() string             { return c.id }
func (c *Conn) UserID() int            { return c.userID }
func (c *Conn) ConnectedAt() time.Time { return c.connectedAt }

func (c *Conn) Emit(e models.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.events = append(c.events, e)
	select {
	case c.notify <- struct{}{}:
	default:
	}
	return true
}

// Close makes further Emit calls fail.
func (c *Conn) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
}

func (c *Conn) Events() []models.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Event, len(c.events))
	copy(out, c.events)
	return out
}

// Of returns the recorded events of one type, in emission order.
func (c *Conn) Of(eventType string) []models.Event {
	var out []models.Event
	for _, e := range c.Events() {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (c *Conn) Reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}

// WaitFor blocks until at least n events of eventType were recorded or the
// timeout passes, and returns what was recorded.
func (c *Conn) WaitFor(eventType string, n int, timeout time.Duration) []models.Event {
	deadline := time.After(timeout)
	for {
		if got := c.Of(eventType); len(got) >= n {
			return got
		}
		select {
		case <-c.notify:
		case <-deadline:
			return c.Of(eventType)
		}
	}
}
