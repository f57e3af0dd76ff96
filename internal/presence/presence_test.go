package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/4xmen/novachat/internal/models"
	"github.com/4xmen/novachat/internal/registry"
	"github.com/4xmen/novachat/internal/registry/registrytest"
)

type presenceCall struct {
	userID   int
	online   bool
	lastSeen *time.Time
}

type fakeDirectory struct {
	mu       sync.Mutex
	privacy  map[int]models.Privacy
	contacts map[int][]int
	blocks   map[int]map[int]bool
	lastSeen map[int]*time.Time
	calls    []presenceCall
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		privacy:  make(map[int]models.Privacy),
		contacts: make(map[int][]int),
		blocks:   make(map[int]map[int]bool),
		lastSeen: make(map[int]*time.Time),
	}
}

func (d *fakeDirectory) Privacy(_ context.Context, userID int) (models.Privacy, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if p, ok := d.privacy[userID]; ok {
		return p, nil
	}
	return models.DefaultPrivacy(), nil
}

func (d *fakeDirectory) Contacts(_ context.Context, userID int) ([]int, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.contacts[userID], nil
}

func (d *fakeDirectory) block(a, b int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, pair := range [][2]int{{a, b}, {b, a}} {
		if d.blocks[pair[0]] == nil {
			d.blocks[pair[0]] = make(map[int]bool)
		}
		d.blocks[pair[0]][pair[1]] = true
	}
}

func (d *fakeDirectory) BlockRelated(_ context.Context, userID int) (map[int]bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make(map[int]bool)
	for id := range d.blocks[userID] {
		out[id] = true
	}
	return out, nil
}

func (d *fakeDirectory) SetPresence(_ context.Context, userID int, online bool, lastSeen *time.Time) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, presenceCall{userID, online, lastSeen})
	if lastSeen != nil {
		d.lastSeen[userID] = lastSeen
	}
	return nil
}

func (d *fakeDirectory) LastSeen(_ context.Context, userID int) (*time.Time, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSeen[userID], nil
}

func (d *fakeDirectory) presenceCalls() []presenceCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]presenceCall(nil), d.calls...)
}

var fixedNow = time.Date(2025, 6, 1, 9, 30, 0, 0, time.UTC)

func setupTracker(grace time.Duration) (*Tracker, *registry.Registry, *fakeDirectory) {
	reg := registry.New()
	dir := newFakeDirectory()
	tr := New(reg, dir, grace, nil, WithClock(func() time.Time { return fixedNow }))
	return tr, reg, dir
}

func presenceEvents(c *registrytest.Conn, subject int) []models.PresencePayload {
	var out []models.PresencePayload
	for _, e := range c.Of(models.EventPresenceChanged) {
		p := e.Payload.(models.PresencePayload)
		if p.UserID == subject {
			out = append(out, p)
		}
	}
	return out
}

func TestOnlineOfflineTransitions(t *testing.T) {
	tr, reg, dir := setupTracker(0)
	ctx := context.Background()

	watcher := registrytest.NewConn(2)
	tr.Connect(ctx, watcher)

	phone := registrytest.NewConn(1)
	laptop := registrytest.NewConn(1)

	tr.Connect(ctx, phone)
	if !reg.IsOnline(1) || !tr.IsOnline(1) {
		t.Fatal("Expected user online after first connection")
	}
	tr.Connect(ctx, laptop)
	tr.Disconnect(ctx, phone)

	events := presenceEvents(watcher, 1)
	if len(events) != 1 || !events[0].Online {
		t.Fatalf("Expected exactly one online event, got %+v", events)
	}

	tr.Disconnect(ctx, laptop)
	if reg.IsOnline(1) || tr.IsOnline(1) {
		t.Fatal("Expected user offline after last connection")
	}

	events = presenceEvents(watcher, 1)
	if len(events) != 2 || events[1].Online {
		t.Fatalf("Expected an offline event, got %+v", events)
	}
	if events[1].LastSeen == nil || !events[1].LastSeen.Equal(fixedNow) {
		t.Errorf("Expected last seen %v, got %v", fixedNow, events[1].LastSeen)
	}

	if len(presenceEvents(phone, 1)) != 0 {
		t.Error("Expected the subject not to receive its own presence events")
	}

	calls := dir.presenceCalls()
	var mine []presenceCall
	for _, c := range calls {
		if c.userID == 1 {
			mine = append(mine, c)
		}
	}
	if len(mine) != 2 || !mine[0].online || mine[1].online || mine[1].lastSeen == nil {
		t.Errorf("Unexpected persisted presence: %+v", mine)
	}

	tr.Disconnect(ctx, laptop)
	if got := len(presenceEvents(watcher, 1)); got != 2 {
		t.Errorf("Expected repeated disconnect to emit nothing, got %d events", got)
	}
}

func TestGraceWindowSuppressesFlicker(t *testing.T) {
	tr, _, _ := setupTracker(100 * time.Millisecond)
	defer tr.Close()
	ctx := context.Background()

	watcher := registrytest.NewConn(2)
	tr.Connect(ctx, watcher)

	tab := registrytest.NewConn(1)
	tr.Connect(ctx, tab)
	tr.Disconnect(ctx, tab)

	if !tr.IsOnline(1) {
		t.Error("Expected user to stay online during the grace window")
	}

	reloaded := registrytest.NewConn(1)
	tr.Connect(ctx, reloaded)
	time.Sleep(200 * time.Millisecond)

	events := presenceEvents(watcher, 1)
	if len(events) != 1 || !events[0].Online {
		t.Fatalf("Expected only the initial online event, got %+v", events)
	}

	tr.Disconnect(ctx, reloaded)
	time.Sleep(50 * time.Millisecond)
	if got := len(presenceEvents(watcher, 1)); got != 1 {
		t.Fatalf("Expected no offline event before the window ends, got %d events", got)
	}

	got := watcher.WaitFor(models.EventPresenceChanged, 2, time.Second)
	events = presenceEvents(watcher, 1)
	if len(got) < 2 || len(events) != 2 || events[1].Online {
		t.Fatalf("Expected one offline event after the window, got %+v", events)
	}
	if tr.IsOnline(1) {
		t.Error("Expected user offline after the window")
	}
}

func TestGraceWindowKeepsDisconnectTime(t *testing.T) {
	var mu sync.Mutex
	now := fixedNow
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	reg := registry.New()
	dir := newFakeDirectory()
	tr := New(reg, dir, 50*time.Millisecond, nil, WithClock(clock))
	defer tr.Close()
	ctx := context.Background()

	watcher := registrytest.NewConn(2)
	tr.Connect(ctx, watcher)
	tab := registrytest.NewConn(1)
	tr.Connect(ctx, tab)
	tr.Disconnect(ctx, tab)

	mu.Lock()
	now = fixedNow.Add(time.Hour)
	mu.Unlock()

	watcher.WaitFor(models.EventPresenceChanged, 2, time.Second)
	events := presenceEvents(watcher, 1)
	if len(events) != 2 || events[1].Online {
		t.Fatalf("Expected an offline event after the window, got %+v", events)
	}
	if events[1].LastSeen == nil || !events[1].LastSeen.Equal(fixedNow) {
		t.Errorf("Expected last seen at disconnect %v, got %v", fixedNow, events[1].LastSeen)
	}

	calls := dir.presenceCalls()
	last := calls[len(calls)-1]
	if last.userID != 1 || last.online || last.lastSeen == nil || !last.lastSeen.Equal(fixedNow) {
		t.Errorf("Expected persisted last seen %v, got %+v", fixedNow, last)
	}
}

func TestPresenceAudience(t *testing.T) {
	tests := []struct {
		name       string
		visibility models.Visibility
		contacts   []int
		blocked    []int
		want       map[int]bool
	}{
		{"everyone", models.VisibleEveryone, nil, nil, map[int]bool{2: true, 3: true, 4: true}},
		{"contacts only", models.VisibleContacts, []int{3, 5}, nil, map[int]bool{3: true}},
		{"nobody", models.VisibleNobody, []int{3}, nil, map[int]bool{}},
		{"blocked excluded", models.VisibleEveryone, nil, []int{4}, map[int]bool{2: true, 3: true}},
		{"blocked contact excluded", models.VisibleContacts, []int{2, 3}, []int{2}, map[int]bool{3: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr, _, dir := setupTracker(0)
			ctx := context.Background()

			dir.privacy[1] = models.Privacy{LastSeen: tt.visibility, ReadReceipts: true}
			dir.contacts[1] = tt.contacts
			for _, b := range tt.blocked {
				dir.block(1, b)
			}

			watchers := map[int]*registrytest.Conn{}
			for _, id := range []int{2, 3, 4} {
				watchers[id] = registrytest.NewConn(id)
				tr.Connect(ctx, watchers[id])
			}

			tr.Connect(ctx, registrytest.NewConn(1))

			for id, conn := range watchers {
				got := len(presenceEvents(conn, 1)) > 0
				if got != tt.want[id] {
					t.Errorf("User %d notified = %v, want %v", id, got, tt.want[id])
				}
			}
		})
	}
}

func TestSnapshot(t *testing.T) {
	tr, _, dir := setupTracker(0)
	ctx := context.Background()

	dir.privacy[1] = models.Privacy{LastSeen: models.VisibleContacts, ReadReceipts: true}
	dir.contacts[1] = []int{2}
	dir.block(1, 4)

	conn := registrytest.NewConn(1)
	tr.Connect(ctx, conn)
	tr.Disconnect(ctx, conn)

	tests := []struct {
		viewer  int
		visible bool
	}{
		{1, true},
		{2, true},
		{3, false},
		{4, false},
	}
	for _, tt := range tests {
		p, err := tr.Snapshot(ctx, tt.viewer, 1)
		if err != nil {
			t.Fatalf("Snapshot failed: %v", err)
		}
		if (p.LastSeen != nil) != tt.visible {
			t.Errorf("Viewer %d sees last seen = %v, want %v", tt.viewer, p.LastSeen != nil, tt.visible)
		}
		if p.Online {
			t.Errorf("Viewer %d sees user online after disconnect", tt.viewer)
		}
	}

	tr.Connect(ctx, registrytest.NewConn(1))
	p, _ := tr.Snapshot(ctx, 2, 1)
	if !p.Online || p.LastSeen != nil {
		t.Errorf("Expected contact to see user online, got %+v", p)
	}
	p, _ = tr.Snapshot(ctx, 3, 1)
	if p.Online {
		t.Error("Expected non-contact not to see online state")
	}
}
