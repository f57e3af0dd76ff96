package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/4xmen/novachat/internal/models"
)

type fakeConn struct {
	id     string
	userID int
	mu     sync.Mutex
	events []models.Event
	closed bool
}

func newFakeConn(id string, userID int) *fakeConn {
	return &fakeConn{id: id, userID: userID}
}

func (c *fakeConn) ID() string             { return c.id }
func (c *fakeConn) UserID() int            { return c.userID }
func (c *fakeConn) ConnectedAt() time.Time { return time.Time{} }

func (c *fakeConn) Emit(e models.Event) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.events = append(c.events, e)
	return true
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.events)
}

func TestRegisterAndUnregister(t *testing.T) {
	r := New()

	if r.IsOnline(1) {
		t.Fatal("Expected user with no connections to be offline")
	}

	c1 := newFakeConn("a", 1)
	c2 := newFakeConn("b", 1)

	if first := r.Register(1, c1); !first {
		t.Error("Expected first registration to report first=true")
	}
	if !r.IsOnline(1) {
		t.Fatal("Expected user to be online right after register")
	}
	if first := r.Register(1, c2); first {
		t.Error("Expected second device to report first=false")
	}
	if first := r.Register(1, c1); first {
		t.Error("Expected duplicate registration to be a no-op")
	}
	if got := len(r.ConnectionsFor(1)); got != 2 {
		t.Fatalf("Expected 2 connections, got %d", got)
	}

	if _, last := r.Unregister(c1); last {
		t.Error("Expected user to keep a connection after first unregister")
	}
	userID, last := r.Unregister(c2)
	if userID != 1 || !last {
		t.Errorf("Expected (1, true), got (%d, %v)", userID, last)
	}
	if r.IsOnline(1) {
		t.Error("Expected user to be offline after last unregister")
	}
	if _, last := r.Unregister(c2); last {
		t.Error("Expected unregistering an unknown connection to be ignored")
	}
}

func TestRegisterUnauthenticatedPanics(t *testing.T) {
	tests := []struct {
		name   string
		userID int
		conn   Conn
	}{
		{"zero user", 0, newFakeConn("a", 0)},
		{"owner mismatch", 2, newFakeConn("a", 3)},
		{"nil conn", 1, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			defer func() {
				if recover() == nil {
					t.Fatal("Expected register to panic")
				}
			}()
			New().Register(tt.userID, tt.conn)
		})
	}
}

func TestEmitReachesEveryDevice(t *testing.T) {
	r := New()
	phone := newFakeConn("phone", 7)
	laptop := newFakeConn("laptop", 7)
	other := newFakeConn("other", 8)
	r.Register(7, phone)
	r.Register(7, laptop)
	r.Register(8, other)

	if n := r.Emit(7, models.NewEvent(models.EventPong, nil)); n != 2 {
		t.Fatalf("Expected 2 deliveries, got %d", n)
	}
	if phone.count() != 1 || laptop.count() != 1 {
		t.Error("Expected both devices to receive the event")
	}
	if other.count() != 0 {
		t.Error("Expected other user to receive nothing")
	}

	if n := r.EmitExcept(7, "phone", models.NewEvent(models.EventPong, nil)); n != 1 {
		t.Fatalf("Expected 1 delivery, got %d", n)
	}
	if phone.count() != 1 {
		t.Error("Expected excluded connection to be skipped")
	}

	laptop.closed = true
	if n := r.Emit(7, models.NewEvent(models.EventPong, nil)); n != 1 {
		t.Errorf("Expected closed connection not to count, got %d", n)
	}
}

func TestConcurrentRegistration(t *testing.T) {
	r := New()
	var wg sync.WaitGroup

	for u := 1; u <= 50; u++ {
		for d := 0; d < 4; d++ {
			wg.Add(1)
			go func(u, d int) {
				defer wg.Done()
				c := newFakeConn(fmt.Sprintf("%d-%d", u, d), u)
				r.Register(u, c)
				if d%2 == 0 {
					r.Unregister(c)
				}
			}(u, d)
		}
	}
	wg.Wait()

	if got := len(r.OnlineUsers()); got != 50 {
		t.Errorf("Expected 50 online users, got %d", got)
	}
	if got := r.Count(); got != 100 {
		t.Errorf("Expected 100 connections, got %d", got)
	}
}
