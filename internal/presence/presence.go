package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/4xmen/novachat/internal/models"
	"github.com/4xmen/novachat/internal/registry"
)

const lockStripes = 64

// Directory is the persistence side of presence: privacy settings, contact
// and block relations, and the stored online/last-seen fields.
type Directory interface {
	Privacy(ctx context.Context, userID int) (models.Privacy, error)
	Contacts(ctx context.Context, userID int) ([]int, error)
	BlockRelated(ctx context.Context, userID int) (map[int]bool, error)
	SetPresence(ctx context.Context, userID int, online bool, lastSeen *time.Time) error
	LastSeen(ctx context.Context, userID int) (*time.Time, error)
}

// Presence is a user's state as seen by a particular viewer.
type Presence struct {
	UserID   int        `json:"user_id"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

// Tracker turns connection changes into Offline/Online transitions. Each
// transition is persisted and broadcast once. With a grace window, an
// offline transition waits and is dropped if the user reconnects in time.
type Tracker struct {
	registry *registry.Registry
	dir      Directory
	grace    time.Duration
	now      func() time.Time
	logger   *zap.Logger

	stripes [lockStripes]sync.Mutex

	mu      sync.Mutex
	online  map[int]bool
	pending map[int]*pendingOffline
	closed  bool
}

type pendingOffline struct {
	timer *time.Timer
	// when the last connection closed
	at time.Time
}

type Option func(*Tracker)

func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

func New(reg *registry.Registry, dir Directory, grace time.Duration, logger *zap.Logger, opts ...Option) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tracker{
		registry: reg,
		dir:      dir,
		grace:    grace,
		now:      time.Now,
		logger:   logger.Named("presence"),
		online:   make(map[int]bool),
		pending:  make(map[int]*pendingOffline),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Tracker) lock(userID int) func() {
	m := &t.stripes[uint(userID)%lockStripes]
	m.Lock()
	return m.Unlock
}

// Connect registers an authenticated connection and brings its user online
// if this is their first one.
func (t *Tracker) Connect(ctx context.Context, conn registry.Conn) {
	userID := conn.UserID()
	unlock := t.lock(userID)
	defer unlock()

	t.registry.Register(userID, conn)

	t.mu.Lock()
	if p, ok := t.pending[userID]; ok {
		p.timer.Stop()
		delete(t.pending, userID)
	}
	wasOnline := t.online[userID]
	t.online[userID] = true
	t.mu.Unlock()

	if wasOnline {
		return
	}
	t.transition(ctx, userID, true, time.Time{})
}

// Disconnect unregisters the connection. When it was the user's last one the
// user goes offline, immediately or after the grace window.
func (t *Tracker) Disconnect(ctx context.Context, conn registry.Conn) {
	userID := conn.UserID()
	unlock := t.lock(userID)
	defer unlock()

	if _, last := t.registry.Unregister(conn); !last {
		return
	}
	at := t.now().UTC()

	if t.grace <= 0 {
		t.goOffline(ctx, userID, at)
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	p := &pendingOffline{at: at}
	p.timer = time.AfterFunc(t.grace, func() { t.expire(userID, p) })
	t.pending[userID] = p
}

func (t *Tracker) expire(userID int, p *pendingOffline) {
	unlock := t.lock(userID)
	defer unlock()

	t.mu.Lock()
	if t.pending[userID] != p {
		t.mu.Unlock()
		return
	}
	delete(t.pending, userID)
	t.mu.Unlock()

	if t.registry.IsOnline(userID) {
		return
	}
	t.goOffline(context.Background(), userID, p.at)
}

// goOffline must be called with the user's stripe held.
func (t *Tracker) goOffline(ctx context.Context, userID int, at time.Time) {
	t.mu.Lock()
	wasOnline := t.online[userID]
	delete(t.online, userID)
	t.mu.Unlock()

	if wasOnline {
		t.transition(ctx, userID, false, at)
	}
}

// transition persists and broadcasts a change. at is the last-seen time of
// an offline transition.
func (t *Tracker) transition(ctx context.Context, userID int, online bool, at time.Time) {
	var lastSeen *time.Time
	if !online {
		lastSeen = &at
	}

	if err := t.dir.SetPresence(ctx, userID, online, lastSeen); err != nil {
		t.logger.Warn("failed to persist presence", zap.Int("user_id", userID), zap.Bool("online", online), zap.Error(err))
	}

	audience, err := t.audience(ctx, userID)
	if err != nil {
		t.logger.Warn("failed to resolve presence audience", zap.Int("user_id", userID), zap.Error(err))
		return
	}

	event := models.NewEvent(models.EventPresenceChanged, models.PresencePayload{
		UserID:   userID,
		Online:   online,
		LastSeen: lastSeen,
	})
	for _, id := range audience {
		t.registry.Emit(id, event)
	}
	t.logger.Debug("presence changed", zap.Int("user_id", userID), zap.Bool("online", online), zap.Int("audience", len(audience)))
}

// audience lists the online users allowed to see userID's presence.
func (t *Tracker) audience(ctx context.Context, userID int) ([]int, error) {
	privacy, err := t.dir.Privacy(ctx, userID)
	if err != nil {
		return nil, err
	}

	var candidates []int
	switch privacy.LastSeen {
	case models.VisibleNobody:
		return nil, nil
	case models.VisibleContacts:
		contacts, err := t.dir.Contacts(ctx, userID)
		if err != nil {
			return nil, err
		}
		for _, id := range contacts {
			if t.registry.IsOnline(id) {
				candidates = append(candidates, id)
			}
		}
	default:
		candidates = t.registry.OnlineUsers()
	}

	blocked, err := t.dir.BlockRelated(ctx, userID)
	if err != nil {
		return nil, err
	}

	audience := candidates[:0]
	for _, id := range candidates {
		if id == userID || blocked[id] {
			continue
		}
		audience = append(audience, id)
	}
	return audience, nil
}

// IsOnline reports the tracked state, which stays true during a grace window.
func (t *Tracker) IsOnline(userID int) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.online[userID]
}

// Snapshot returns subjectID's presence as viewerID is allowed to see it.
func (t *Tracker) Snapshot(ctx context.Context, viewerID, subjectID int) (Presence, error) {
	p := Presence{UserID: subjectID}

	if viewerID != subjectID {
		visible, err := t.visibleTo(ctx, viewerID, subjectID)
		if err != nil {
			return p, err
		}
		if !visible {
			return p, nil
		}
	}

	p.Online = t.IsOnline(subjectID)
	if !p.Online {
		lastSeen, err := t.dir.LastSeen(ctx, subjectID)
		if err != nil {
			return p, err
		}
		p.LastSeen = lastSeen
	}
	return p, nil
}

func (t *Tracker) visibleTo(ctx context.Context, viewerID, subjectID int) (bool, error) {
	blocked, err := t.dir.BlockRelated(ctx, subjectID)
	if err != nil {
		return false, err
	}
	if blocked[viewerID] {
		return false, nil
	}

	privacy, err := t.dir.Privacy(ctx, subjectID)
	if err != nil {
		return false, err
	}
	switch privacy.LastSeen {
	case models.VisibleNobody:
		return false, nil
	case models.VisibleContacts:
		contacts, err := t.dir.Contacts(ctx, subjectID)
		if err != nil {
			return false, err
		}
		for _, id := range contacts {
			if id == viewerID {
				return true, nil
			}
		}
		return false, nil
	}
	return true, nil
}

// Close cancels pending offline transitions.
func (t *Tracker) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for id, p := range t.pending {
		p.timer.Stop()
		delete(t.pending, id)
	}
}
