package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) handle(_ context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func chatEvent(id string) Event {
	return NewChatMessage("test", &ChatMessage{ID: id, Server: "1.2.3.4:7777", Origin: "a"})
}

func TestBroadcastToEverySubscriber(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var first, second recorder
	bus.Subscribe("first", OfType(EventChatMessage), first.handle)
	bus.Subscribe("second", OfType(EventChatMessage), second.handle)

	bus.Emit(context.Background(), chatEvent("m1"))

	require.Eventually(t, func() bool { return first.len() == 1 && second.len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestPredicateFilters(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var counts, foreign recorder
	bus.Subscribe("counts", OfType(EventPlayerCountChange), counts.handle)
	bus.Subscribe("foreign", All(OfType(EventChatMessage), func(e Event) bool { return e.Origin != "a" }), foreign.handle)

	ctx := context.Background()
	bus.Emit(ctx, chatEvent("m1"))
	bus.Emit(ctx, NewPlayerCountChange("test", &PlayerCountChange{Server: "s", Players: 3, Origin: "a"}))
	bus.Emit(ctx, NewChatMessage("test", &ChatMessage{ID: "m2", Origin: "b"}))

	require.Eventually(t, func() bool { return counts.len() == 1 && foreign.len() == 1 }, time.Second, 5*time.Millisecond)

	msg, ok := foreign.snapshot()[0].Chat()
	require.True(t, ok)
	assert.Equal(t, "m2", msg.ID)
}

func TestOrderingPerSubscriber(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var rec recorder
	bus.Subscribe("ordered", nil, rec.handle)

	for i := 0; i < 50; i++ {
		bus.Emit(context.Background(), NewPlayerCountChange("test", &PlayerCountChange{Server: "s", Players: i}))
	}

	require.Eventually(t, func() bool { return rec.len() == 50 }, time.Second, 5*time.Millisecond)
	for i, e := range rec.snapshot() {
		pc, ok := e.PlayerCount()
		require.True(t, ok)
		assert.Equal(t, i, pc.Players)
	}
}

func TestSlowSubscriberDropsWithoutBlocking(t *testing.T) {
	bus := NewEventBusWithQueue(1)

	release := make(chan struct{})
	bus.Subscribe("slow", nil, func(ctx context.Context, e Event) error {
		<-release
		return nil
	})

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			bus.Emit(context.Background(), chatEvent("m"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Emit blocked on a slow subscriber")
	}

	assert.GreaterOrEqual(t, bus.Dropped(), uint64(8))
	close(release)
	bus.Stop()
}

func TestPanickingHandlerDoesNotKillSubscription(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var rec recorder
	calls := 0
	bus.Subscribe("flaky", nil, func(ctx context.Context, e Event) error {
		calls++
		if calls == 1 {
			panic("boom")
		}
		return rec.handle(ctx, e)
	})

	bus.Emit(context.Background(), chatEvent("m1"))
	bus.Emit(context.Background(), chatEvent("m2"))

	require.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 5*time.Millisecond)
}

func TestEmitSyncRunsInline(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var rec recorder
	bus.Subscribe("sync", OfType(EventReceivedMessage), rec.handle)
	bus.Subscribe("failing", OfType(EventReceivedMessage), func(context.Context, Event) error {
		return errors.New("nope")
	})

	err := bus.EmitSync(context.Background(), NewReceivedMessage("replay", &ChatMessage{ID: "r1"}))
	assert.EqualError(t, err, "nope")
	assert.Equal(t, 1, rec.len(), "delivered before EmitSync returned")
}

func TestUnsubscribeAndStop(t *testing.T) {
	bus := NewEventBus()

	var rec recorder
	bus.Subscribe("gone", nil, rec.handle)
	bus.Subscribe("kept", nil, func(context.Context, Event) error { return nil })
	require.Equal(t, 2, bus.HandlerCount())

	bus.Unsubscribe("gone")
	assert.Equal(t, 1, bus.HandlerCount())

	bus.Emit(context.Background(), chatEvent("m1"))
	bus.Stop()

	assert.Equal(t, 0, rec.len())
	assert.Equal(t, 0, bus.HandlerCount())

	// Emitting after Stop is a no-op.
	bus.Emit(context.Background(), chatEvent("m2"))
}

func TestEventValidate(t *testing.T) {
	assert.NoError(t, chatEvent("m").Validate())
	assert.NoError(t, NewReceivedMessage("x", &ChatMessage{}).Validate())
	assert.Error(t, Event{Type: EventSay, Payload: &ChatMessage{}}.Validate())
	assert.Error(t, Event{Type: EventSay}.Validate())
}

func TestEmitDropsInvalidEvents(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	var rec recorder
	bus.Subscribe("all", nil, rec.handle)

	bad := Event{Type: EventSay, Payload: &ChatMessage{ID: "x"}}
	assert.Error(t, bus.EmitSync(context.Background(), bad))
	bus.Emit(context.Background(), bad)
	require.NoError(t, bus.EmitSync(context.Background(), chatEvent("ok")))

	assert.Eventually(t, func() bool { return rec.len() == 1 }, time.Second, 10*time.Millisecond)
	assert.Never(t, func() bool { return rec.len() > 1 }, 100*time.Millisecond, 10*time.Millisecond)
}
