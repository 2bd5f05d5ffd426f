package relay

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkelin/Tribes-Revengeance-stats/internal/config"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/db"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/events"
)

var fixedNow = time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)

func newRelay(t *testing.T, broker Broker, log Log, self string) (*Relay, *events.EventBus) {
	t.Helper()
	bus := events.NewEventBus()
	t.Cleanup(bus.Stop)

	r := New(config.DefaultConfig(), bus, broker, log, self)
	r.now = func() time.Time { return fixedNow }
	return r, bus
}

func collect(bus *events.EventBus, name string, match events.Predicate) chan events.Event {
	ch := make(chan events.Event, 16)
	bus.Subscribe(name, match, func(_ context.Context, e events.Event) error {
		ch <- e
		return nil
	})
	return ch
}

func next(t *testing.T, ch chan events.Event) events.Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return events.Event{}
	}
}

func none(t *testing.T, ch chan events.Event) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected event %s from %s", e.Type, e.Source)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestBucket(t *testing.T) {
	local := time.Date(2024, 3, 1, 14, 59, 0, 0, time.FixedZone("CET", 3600))
	assert.Equal(t, "2024-03-01T13", Bucket(local))
	assert.True(t, time.Date(2024, 3, 1, 15, 0, 0, 0, time.UTC).Equal(BucketExpiry(local, 2*time.Hour)))
}

func TestRelayBetweenInstances(t *testing.T) {
	broker := NewMemoryBroker()
	log := NewMemoryLog()
	ctx := context.Background()

	a, busA := newRelay(t, broker, log, "a")
	b, busB := newRelay(t, broker, log, "b")
	require.NoError(t, a.Start(ctx))
	require.NoError(t, b.Start(ctx))

	relayed := events.All(
		events.OfType(events.EventReceivedMessage, events.EventPlayerCountChange),
		func(e events.Event) bool { return e.Relayed },
	)
	receivedA := collect(busA, "test", relayed)
	receivedB := collect(busB, "test", relayed)

	msg := &events.ChatMessage{ID: "m1", Server: "s", User: "Alice", Message: "hi", MessageFriendly: "hi", When: fixedNow, Origin: "a"}
	busA.Emit(ctx, events.NewChatMessage("collector", msg))

	got := next(t, receivedB)
	assert.Equal(t, events.EventReceivedMessage, got.Type)
	assert.True(t, got.Relayed)
	chat, ok := got.Chat()
	require.True(t, ok)
	assert.Equal(t, "m1", chat.ID)
	assert.Equal(t, "a", chat.Origin)

	// The publisher never hears its own message back.
	none(t, receivedA)

	busB.Emit(ctx, events.NewPlayerCountChange("reconciler", &events.PlayerCountChange{Server: "s", Players: 3, Origin: "b"}))
	got = next(t, receivedA)
	pc, ok := got.PlayerCount()
	require.True(t, ok)
	assert.Equal(t, 3, pc.Players)
	assert.True(t, got.Relayed)
	none(t, receivedB)

	entries, err := log.Range(ctx, "2024-03-01T12", 0)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	var env events.Envelope
	require.NoError(t, json.Unmarshal(entries[0], &env))
	assert.Equal(t, events.EventChatMessage, env.Type)
}

func TestRelayIgnoresRelayedAndForeignEvents(t *testing.T) {
	broker := NewMemoryBroker()
	log := NewMemoryLog()
	ctx := context.Background()

	r, bus := newRelay(t, broker, log, "a")
	require.NoError(t, r.Start(ctx))

	relayed := events.NewChatMessage("chat-cache", &events.ChatMessage{ID: "x", Origin: "a"})
	relayed.Relayed = true
	bus.Emit(ctx, relayed)
	bus.Emit(ctx, events.NewChatMessage("chat-cache", &events.ChatMessage{ID: "y", Origin: "b"}))

	// Flush the relay queue with a local event and wait for it to land.
	bus.Emit(ctx, events.NewPlayerCountChange("reconciler", &events.PlayerCountChange{Server: "s", Players: 1, Origin: "a"}))
	require.Eventually(t, func() bool {
		entries, _ := log.Range(ctx, Bucket(fixedNow), 0)
		return len(entries) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestInboundDropsMessagesWithoutID(t *testing.T) {
	broker := NewMemoryBroker()
	ctx := context.Background()

	r, bus := newRelay(t, broker, NewMemoryLog(), "a")
	require.NoError(t, r.Start(ctx))
	received := collect(bus, "test", events.OfType(events.EventReceivedMessage))

	require.NoError(t, broker.Publish(ctx, ChannelChat, []byte(`{"server":"s","user":"x","message":"no id","origin":"b"}`)))
	require.NoError(t, broker.Publish(ctx, ChannelChat, []byte(`not json`)))
	none(t, received)
}

func appendChat(t *testing.T, log Log, at time.Time, msg *events.ChatMessage) {
	t.Helper()
	env, err := events.NewEnvelope(events.EventChatMessage, msg)
	require.NoError(t, err)
	raw, err := json.Marshal(env)
	require.NoError(t, err)
	require.NoError(t, log.Append(context.Background(), Bucket(at), raw, BucketExpiry(at, 2*time.Hour)))
}

func TestReplayOldestFirstWithoutDuplicates(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	appendChat(t, log, fixedNow.Add(-5*time.Hour), &events.ChatMessage{ID: "too-old", Server: "s"})
	appendChat(t, log, fixedNow.Add(-2*time.Hour), &events.ChatMessage{ID: "1", Server: "s"})
	appendChat(t, log, fixedNow.Add(-time.Hour), &events.ChatMessage{ID: "2", Server: "s"})
	appendChat(t, log, fixedNow.Add(-time.Hour), &events.ChatMessage{ID: "2", Server: "s"})
	appendChat(t, log, fixedNow, &events.ChatMessage{ID: "3", Server: "s"})
	pc, err := events.NewEnvelope(events.EventPlayerCountChange, &events.PlayerCountChange{Server: "s", Players: 2})
	require.NoError(t, err)
	raw, _ := json.Marshal(pc)
	require.NoError(t, log.Append(ctx, Bucket(fixedNow), raw, fixedNow.Add(time.Hour)))

	r, bus := newRelay(t, NewMemoryBroker(), log, "self")

	var ids []string
	bus.Subscribe("cache", events.OfType(events.EventReceivedMessage), func(_ context.Context, e events.Event) error {
		msg, _ := e.Chat()
		ids = append(ids, msg.ID)
		return nil
	})

	n, err := r.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, []string{"1", "2", "3"}, ids)
}

func TestRelayWithSqliteLog(t *testing.T) {
	database, err := db.NewDatabase(filepath.Join(t.TempDir(), "relay.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })
	log := db.NewRelayLog(database)
	ctx := context.Background()

	appendChat(t, log, fixedNow, &events.ChatMessage{ID: "1", Server: "s", User: "Alice", Message: "hi"})

	r, _ := newRelay(t, NewMemoryBroker(), log, "self")
	n, err := r.Replay(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	r.now = func() time.Time { return fixedNow.Add(3 * time.Hour) }
	removed, err := r.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)
}

func TestMemoryBrokerClose(t *testing.T) {
	b := NewMemoryBroker()
	assert.True(t, b.Connected())
	require.NoError(t, b.Close())
	assert.False(t, b.Connected())
	assert.Error(t, b.Publish(context.Background(), ChannelChat, nil))
}

func TestHistoryFiltersServerAndAge(t *testing.T) {
	log := NewMemoryLog()
	ctx := context.Background()

	appendChat(t, log, fixedNow.Add(-90*time.Minute), &events.ChatMessage{ID: "old", Server: "s", When: fixedNow.Add(-90 * time.Minute)})
	appendChat(t, log, fixedNow.Add(-40*time.Minute), &events.ChatMessage{ID: "1", Server: "s", When: fixedNow.Add(-40 * time.Minute)})
	appendChat(t, log, fixedNow.Add(-20*time.Minute), &events.ChatMessage{ID: "x", Server: "other", When: fixedNow.Add(-20 * time.Minute)})
	appendChat(t, log, fixedNow, &events.ChatMessage{ID: "2", Server: "s", When: fixedNow})

	msgs, err := History(ctx, log, "s", fixedNow.Add(-time.Hour), fixedNow, 100)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "1", msgs[0].ID)
	assert.Equal(t, "2", msgs[1].ID)

	all, err := History(ctx, log, "", fixedNow.Add(-time.Hour), fixedNow, 100)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}
