package registry

import (
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"github.com/4xmen/novachat/internal/models"
)

const shardCount = 32

// Conn is a live transport connection owned by the transport layer. The
// registry only keeps a reference to it.
type Conn interface {
	ID() string
	UserID() int
	ConnectedAt() time.Time
	// Emit queues an event for the connection. It returns false if the
	// connection is closing or its buffer is full.
	Emit(event models.Event) bool
}

type shard struct {
	mu    sync.RWMutex
	conns map[int]map[string]Conn
}

// Registry maps user IDs to their live connections. A user may hold any
// number of connections at once (one per device or tab).
type Registry struct {
	shards [shardCount]*shard
}

func New() *Registry {
	r := &Registry{}
	for i := range r.shards {
		r.shards[i] = &shard{conns: make(map[int]map[string]Conn)}
	}
	return r
}

func (r *Registry) shardFor(userID int) *shard {
	h := fnv.New32a()
	h.Write([]byte(strconv.Itoa(userID)))
	return r.shards[h.Sum32()%shardCount]
}

// Register adds conn to the user's connection set and reports whether it is
// the user's first live connection. Registering the same connection twice
// is a no-op.
func (r *Registry) Register(userID int, conn Conn) (first bool) {
	if userID <= 0 || conn == nil || conn.UserID() != userID {
		panic("registry: register called for an unauthenticated connection")
	}

	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.conns[userID]
	if !ok {
		set = make(map[string]Conn)
		s.conns[userID] = set
	}
	if _, exists := set[conn.ID()]; exists {
		return false
	}
	set[conn.ID()] = conn
	return len(set) == 1
}

// Unregister removes conn. last is true when the owner has no connections left.
// Unknown connections are ignored.
func (r *Registry) Unregister(conn Conn) (userID int, last bool) {
	userID = conn.UserID()
	s := r.shardFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.conns[userID]
	if !ok {
		return userID, false
	}
	if _, exists := set[conn.ID()]; !exists {
		return userID, false
	}
	delete(set, conn.ID())
	if len(set) == 0 {
		delete(s.conns, userID)
		return userID, true
	}
	return userID, false
}

// ConnectionsFor returns a snapshot of the user's live connections.
func (r *Registry) ConnectionsFor(userID int) []Conn {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	set := s.conns[userID]
	out := make([]Conn, 0, len(set))
	for _, c := range set {
		out = append(out, c)
	}
	return out
}

func (r *Registry) IsOnline(userID int) bool {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.conns[userID]) > 0
}

func (r *Registry) OnlineUsers() []int {
	var users []int
	for _, s := range r.shards {
		s.mu.RLock()
		for id := range s.conns {
			users = append(users, id)
		}
		s.mu.RUnlock()
	}
	return users
}

// Count returns the number of live connections across all users.
func (r *Registry) Count() int {
	n := 0
	for _, s := range r.shards {
		s.mu.RLock()
		for _, set := range s.conns {
			n += len(set)
		}
		s.mu.RUnlock()
	}
	return n
}

// Emit sends event to every live connection of userID and returns how many
// connections accepted it.
func (r *Registry) Emit(userID int, event models.Event) int {
	sent := 0
	for _, c := range r.ConnectionsFor(userID) {
		if c.Emit(event) {
			sent++
		}
	}
	return sent
}

// EmitExcept is Emit skipping the connection with the given ID.
func (r *Registry) EmitExcept(userID int, exceptID string, event models.Event) int {
	sent := 0
	for _, c := range r.ConnectionsFor(userID) {
		if c.ID() == exceptID {
			continue
		}
		if c.Emit(event) {
			sent++
		}
	}
	return sent
}
