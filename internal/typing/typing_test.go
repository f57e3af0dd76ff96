package typing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/4xmen/novachat/internal/models"
	"github.com/4xmen/novachat/internal/registry"
	"github.com/4xmen/novachat/internal/registry/registrytest"
)

type blockSet map[[2]int]bool

func (b blockSet) IsBlockedEither(_ context.Context, x, y int) (bool, error) {
	return b[[2]int{x, y}] || b[[2]int{y, x}], nil
}

func typingStates(c *registrytest.Conn) []bool {
	var out []bool
	for _, e := range c.Of(models.EventTypingChanged) {
		out = append(out, e.Payload.(models.TypingPayload).IsTyping)
	}
	return out
}

func setup(t *testing.T, timeout time.Duration, blocks blockSet) (*Coordinator, *registrytest.Conn, *registrytest.Conn) {
	t.Helper()
	reg := registry.New()
	alice := registrytest.NewConn(1)
	bob := registrytest.NewConn(2)
	reg.Register(1, alice)
	reg.Register(2, bob)
	c := New(reg, blocks, timeout, nil)
	t.Cleanup(c.Close)
	return c, alice, bob
}

func TestIdleTimeoutEndsTyping(t *testing.T) {
	c, alice, bob := setup(t, 100*time.Millisecond, nil)

	if err := c.Start(context.Background(), alice, 2); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	time.Sleep(150 * time.Millisecond)

	states := typingStates(bob)
	if len(states) != 2 || !states[0] || states[1] {
		t.Fatalf("Expected [true false], got %v", states)
	}

	p := bob.Of(models.EventTypingChanged)[0].Payload.(models.TypingPayload)
	if p.UserID != 1 || p.PeerID != 2 {
		t.Errorf("Unexpected payload: %+v", p)
	}
	if len(alice.Of(models.EventTypingChanged)) != 0 {
		t.Error("Expected the typist to receive nothing")
	}
	if c.Active(1, 2) {
		t.Error("Expected signal to be gone after expiry")
	}
}

func TestRefreshExtendsWithoutRebroadcast(t *testing.T) {
	c, alice, bob := setup(t, 100*time.Millisecond, nil)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		c.Start(ctx, alice, 2)
		time.Sleep(50 * time.Millisecond)
	}

	if states := typingStates(bob); len(states) != 1 || !states[0] {
		t.Fatalf("Expected a single true while refreshing, got %v", states)
	}

	bob.WaitFor(models.EventTypingChanged, 2, time.Second)
	if states := typingStates(bob); len(states) != 2 || states[1] {
		t.Fatalf("Expected expiry after refreshes stop, got %v", states)
	}
}

func TestStop(t *testing.T) {
	c, alice, bob := setup(t, time.Second, nil)

	c.Start(context.Background(), alice, 2)
	c.Stop(alice, 2)
	c.Stop(alice, 2)

	if states := typingStates(bob); len(states) != 2 || states[1] {
		t.Fatalf("Expected [true false], got %v", states)
	}
}

func TestDropEndsSignalsImmediately(t *testing.T) {
	c, alice, bob := setup(t, 100*time.Millisecond, nil)

	c.Start(context.Background(), alice, 2)
	c.Drop(alice)

	if states := typingStates(bob); len(states) != 2 || states[1] {
		t.Fatalf("Expected drop to emit false, got %v", states)
	}

	time.Sleep(150 * time.Millisecond)
	if states := typingStates(bob); len(states) != 2 {
		t.Errorf("Expected no event after teardown, got %v", states)
	}
}

func TestDropKeepsSignalMovedToAnotherDevice(t *testing.T) {
	c, alice, bob := setup(t, time.Second, nil)
	ctx := context.Background()
	tablet := registrytest.NewConn(1)

	c.Start(ctx, alice, 2)
	c.Start(ctx, tablet, 2)
	c.Drop(alice)

	if !c.Active(1, 2) {
		t.Fatal("Expected the signal refreshed from the tablet to survive")
	}
	if states := typingStates(bob); len(states) != 1 {
		t.Errorf("Expected only the initial true, got %v", states)
	}

	c.Drop(tablet)
	if states := typingStates(bob); len(states) != 2 || states[1] {
		t.Errorf("Expected false after the tablet drops, got %v", states)
	}
}

func TestStartIgnoresBlockedPeers(t *testing.T) {
	c, alice, bob := setup(t, time.Second, blockSet{{2, 1}: true})

	if err := c.Start(context.Background(), alice, 2); err != nil {
		t.Fatalf("Expected blocked typing to be silently ignored, got %v", err)
	}
	if len(bob.Events()) != 0 {
		t.Error("Expected no events for a blocked pair")
	}
}

func TestStartValidation(t *testing.T) {
	c, alice, _ := setup(t, time.Second, nil)

	for _, recipient := range []int{0, -3, 1} {
		err := c.Start(context.Background(), alice, recipient)
		if !errors.Is(err, models.ErrValidation) {
			t.Errorf("Start(%d) expected validation error, got %v", recipient, err)
		}
	}
}
