package typing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/4xmen/novachat/internal/models"
	"github.com/4xmen/novachat/internal/registry"
)

const DefaultTimeout = time.Second

type BlockChecker interface {
	IsBlockedEither(ctx context.Context, a, b int) (bool, error)
}

type pair struct {
	sender    int
	recipient int
}

type entry struct {
	conn  registry.Conn
	timer *time.Timer
}

// Coordinator relays typing indicators. A signal expires after the idle
// timeout unless refreshed, and ends when its originating connection drops.
type Coordinator struct {
	registry *registry.Registry
	blocks   BlockChecker
	timeout  time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	entries map[pair]*entry
	byConn  map[string]map[pair]struct{}
}

func New(reg *registry.Registry, blocks BlockChecker, timeout time.Duration, logger *zap.Logger) *Coordinator {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		registry: reg,
		blocks:   blocks,
		timeout:  timeout,
		logger:   logger.Named("typing"),
		entries:  make(map[pair]*entry),
		byConn:   make(map[string]map[pair]struct{}),
	}
}

// Start marks conn's user as typing to recipientID. Only the first Start of
// a run is broadcast; later ones just push the expiry back.
func (c *Coordinator) Start(ctx context.Context, conn registry.Conn, recipientID int) error {
	k := pair{sender: conn.UserID(), recipient: recipientID}
	if recipientID <= 0 || recipientID == k.sender {
		return fmt.Errorf("%w: invalid typing recipient", models.ErrValidation)
	}

	if c.blocks != nil {
		blocked, err := c.blocks.IsBlockedEither(ctx, k.sender, recipientID)
		if err != nil {
			return err
		}
		if blocked {
			return nil
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	old, refreshing := c.entries[k]
	if refreshing {
		old.timer.Stop()
		c.untrack(old.conn.ID(), k)
	}

	e := &entry{conn: conn}
	e.timer = time.AfterFunc(c.timeout, func() { c.expire(k, e) })
	c.entries[k] = e
	c.track(conn.ID(), k)

	if !refreshing {
		c.emit(k, true)
	}
	return nil
}

// Stop ends the signal for the pair, if any.
func (c *Coordinator) Stop(conn registry.Conn, recipientID int) {
	k := pair{sender: conn.UserID(), recipient: recipientID}

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[k]
	if !ok {
		return
	}
	c.remove(k, e)
	c.emit(k, false)
}

// Drop ends every signal conn originated. Call it when the connection closes.
func (c *Coordinator) Drop(conn registry.Conn) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k := range c.byConn[conn.ID()] {
		e, ok := c.entries[k]
		if !ok || e.conn.ID() != conn.ID() {
			continue
		}
		c.remove(k, e)
		c.emit(k, false)
	}
	delete(c.byConn, conn.ID())
}

// Active reports whether senderID is currently shown as typing to recipientID.
func (c *Coordinator) Active(senderID, recipientID int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[pair{sender: senderID, recipient: recipientID}]
	return ok
}

func (c *Coordinator) expire(k pair, e *entry) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entries[k] != e {
		return
	}
	c.remove(k, e)
	c.emit(k, false)
}

func (c *Coordinator) remove(k pair, e *entry) {
	e.timer.Stop()
	delete(c.entries, k)
	c.untrack(e.conn.ID(), k)
}

func (c *Coordinator) track(connID string, k pair) {
	set, ok := c.byConn[connID]
	if !ok {
		set = make(map[pair]struct{})
		c.byConn[connID] = set
	}
	set[k] = struct{}{}
}

func (c *Coordinator) untrack(connID string, k pair) {
	if set, ok := c.byConn[connID]; ok {
		delete(set, k)
		if len(set) == 0 {
			delete(c.byConn, connID)
		}
	}
}

func (c *Coordinator) emit(k pair, typing bool) {
	c.registry.Emit(k.recipient, models.NewEvent(models.EventTypingChanged, models.TypingPayload{
		UserID:   k.sender,
		PeerID:   k.recipient,
		IsTyping: typing,
	}))
}

// Close stops all timers without broadcasting.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, e := range c.entries {
		e.timer.Stop()
		delete(c.entries, k)
	}
	c.byConn = make(map[string]map[pair]struct{})
}
