package receipts

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/4xmen/novachat/internal/db"
	"github.com/4xmen/novachat/internal/models"
	"github.com/4xmen/novachat/internal/registry"
	"github.com/4xmen/novachat/internal/registry/registrytest"
	"github.com/4xmen/novachat/internal/store"
)

type privacyMap map[int]models.Privacy

func (m privacyMap) Privacy(_ context.Context, userID int) (models.Privacy, error) {
	if p, ok := m[userID]; ok {
		return p, nil
	}
	return models.DefaultPrivacy(), nil
}

type fixture struct {
	store     *store.Store
	processor *Processor
	registry  *registry.Registry
	privacy   privacyMap
	alice     int
	bob       int
	carol     int
}

func setup(t *testing.T) *fixture {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	var ids []int
	for _, name := range []string{"alice", "bob", "carol"} {
		var id int
		err := database.QueryRowContext(context.Background(),
			"INSERT INTO users (username, password_hash) VALUES (?, ?) RETURNING id", name, "hash").Scan(&id)
		if err != nil {
			t.Fatalf("Failed to create user: %v", err)
		}
		ids = append(ids, id)
	}

	s := store.New(database, 5*time.Second)
	reg := registry.New()
	privacy := privacyMap{}
	return &fixture{
		store:     s,
		processor: New(s, privacy, reg, nil),
		registry:  reg,
		privacy:   privacy,
		alice:     ids[0],
		bob:       ids[1],
		carol:     ids[2],
	}
}

func (f *fixture) connect(userID int) *registrytest.Conn {
	c := registrytest.NewConn(userID)
	f.registry.Register(userID, c)
	return c
}

func (f *fixture) send(t *testing.T, from, to int, content string) *models.Message {
	t.Helper()
	msg, err := f.store.Create(context.Background(), from, to, content, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	return msg
}

func (f *fixture) status(t *testing.T, id, viewer int) models.Status {
	t.Helper()
	msg, err := f.store.Get(context.Background(), id, viewer)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	return msg.Status
}

func TestMarkReadNotifiesSenderOnce(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	aliceConn := f.connect(f.alice)
	msg := f.send(t, f.alice, f.bob, "hello")

	if err := f.processor.MarkRead(ctx, f.bob, msg.ID); err != nil {
		t.Fatalf("MarkRead failed: %v", err)
	}
	if err := f.processor.MarkRead(ctx, f.bob, msg.ID); err != nil {
		t.Fatalf("Repeated MarkRead failed: %v", err)
	}

	events := aliceConn.Of(models.EventMessageStatusChanged)
	if len(events) != 1 {
		t.Fatalf("Expected one status event, got %d", len(events))
	}
	p := events[0].Payload.(models.StatusPayload)
	if p.MessageID != msg.ID || p.Status != models.StatusRead {
		t.Errorf("Unexpected payload: %+v", p)
	}
}

func TestForgedReceiptsAreIgnored(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	aliceConn := f.connect(f.alice)
	msg := f.send(t, f.alice, f.bob, "hello")

	tests := []struct {
		name   string
		reader int
		id     int
	}{
		{"sender marks own message", f.alice, msg.ID},
		{"stranger marks message", f.carol, msg.ID},
		{"unknown message", f.bob, 424242},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := f.processor.MarkRead(ctx, tt.reader, tt.id); err != nil {
				t.Fatalf("Expected silent no-op, got %v", err)
			}
		})
	}

	if got := f.status(t, msg.ID, f.alice); got != models.StatusSent {
		t.Errorf("Expected status to stay sent, got %s", got)
	}
	if len(aliceConn.Events()) != 0 {
		t.Errorf("Expected no notifications, got %d", len(aliceConn.Events()))
	}
}

func TestBatchCoalescesPerSender(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	aliceConn := f.connect(f.alice)
	carolConn := f.connect(f.carol)
	bobConn := f.connect(f.bob)

	m1 := f.send(t, f.alice, f.bob, "one")
	m2 := f.send(t, f.alice, f.bob, "two")
	m3 := f.send(t, f.alice, f.bob, "three")
	fromCarol := f.send(t, f.carol, f.bob, "hey")
	outbound := f.send(t, f.bob, f.alice, "not mine to read")

	ids := []int{m1.ID, m2.ID, m3.ID, m2.ID, fromCarol.ID, outbound.ID}
	if err := f.processor.MarkReadBatch(ctx, f.bob, ids); err != nil {
		t.Fatalf("MarkReadBatch failed: %v", err)
	}

	aliceEvents := aliceConn.Of(models.EventMessageStatusChanged)
	if len(aliceEvents) != 1 {
		t.Fatalf("Expected one coalesced event for alice, got %d", len(aliceEvents))
	}
	p := aliceEvents[0].Payload.(models.StatusPayload)
	if len(p.MessageIDs) != 3 || p.MessageIDs[0] != m1.ID || p.MessageIDs[2] != m3.ID {
		t.Errorf("Unexpected coalesced ids: %v", p.MessageIDs)
	}

	carolEvents := carolConn.Of(models.EventMessageStatusChanged)
	if len(carolEvents) != 1 || carolEvents[0].Payload.(models.StatusPayload).MessageID != fromCarol.ID {
		t.Errorf("Unexpected carol events: %+v", carolEvents)
	}

	if got := f.status(t, outbound.ID, f.bob); got != models.StatusSent {
		t.Errorf("Expected bob's own message untouched, got %s", got)
	}
	if len(bobConn.Of(models.EventMessageStatusChanged)) != 1 {
		t.Error("Expected the reader's devices to get one sync event")
	}
}

func TestReadReceiptsDisabled(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	aliceConn := f.connect(f.alice)
	f.privacy[f.bob] = models.Privacy{LastSeen: models.VisibleEveryone, ReadReceipts: false}

	unseen := f.send(t, f.alice, f.bob, "first")
	delivered := f.send(t, f.alice, f.bob, "second")
	f.store.AppendStatus(ctx, delivered.ID, models.StatusDelivered)

	if err := f.processor.MarkReadBatch(ctx, f.bob, []int{unseen.ID, delivered.ID}); err != nil {
		t.Fatalf("MarkReadBatch failed: %v", err)
	}

	for _, id := range []int{unseen.ID, delivered.ID} {
		if got := f.status(t, id, f.bob); got != models.StatusRead {
			t.Errorf("Expected message %d stored as read, got %s", id, got)
		}
	}

	events := aliceConn.Of(models.EventMessageStatusChanged)
	if len(events) != 1 {
		t.Fatalf("Expected a single delivered notice, got %d", len(events))
	}
	p := events[0].Payload.(models.StatusPayload)
	if p.Status != models.StatusDelivered || p.MessageID != unseen.ID {
		t.Errorf("Expected delivered notice for %d, got %+v", unseen.ID, p)
	}
}

func TestMarkDelivered(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	aliceConn := f.connect(f.alice)
	msg := f.send(t, f.alice, f.bob, "hello")
	f.store.AppendStatus(ctx, msg.ID, models.StatusRead)

	if err := f.processor.MarkDelivered(ctx, f.bob, []int{msg.ID}); err != nil {
		t.Fatalf("MarkDelivered failed: %v", err)
	}
	if got := f.status(t, msg.ID, f.bob); got != models.StatusRead {
		t.Errorf("Expected late delivered receipt not to downgrade, got %s", got)
	}
	if len(aliceConn.Events()) != 0 {
		t.Error("Expected no notification for a no-op receipt")
	}
}

func TestOversizedBatchIsRejected(t *testing.T) {
	f := setup(t)
	ctx := context.Background()
	aliceConn := f.connect(f.alice)
	msg := f.send(t, f.alice, f.bob, "hello")

	ids := make([]int, MaxBatch+1)
	for i := range ids {
		ids[i] = msg.ID + i
	}

	err := f.processor.MarkReadBatch(ctx, f.bob, ids)
	if !errors.Is(err, models.ErrValidation) {
		t.Fatalf("Expected validation error, got %v", err)
	}
	if got := f.status(t, msg.ID, f.bob); got != models.StatusSent {
		t.Errorf("Expected no message to be marked, got %s", got)
	}
	if len(aliceConn.Of(models.EventMessageStatusChanged)) != 0 {
		t.Error("Expected no status events for a rejected batch")
	}

	if err := f.processor.MarkReadBatch(ctx, f.bob, ids[:MaxBatch]); err != nil {
		t.Fatalf("Expected a full batch to be accepted, got %v", err)
	}
	if got := f.status(t, msg.ID, f.bob); got != models.StatusRead {
		t.Errorf("Expected read status, got %s", got)
	}
}
