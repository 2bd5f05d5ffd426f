package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkelin/Tribes-Revengeance-stats/internal/db"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/events"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/protocol"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/relay"
)

type listStore []db.ServerRecord

func (s listStore) ListServers(context.Context) ([]db.ServerRecord, error) { return s, nil }

func TestServersTable(t *testing.T) {
	now := time.Now()
	store := listStore{
		{
			ID: "1.2.3.4:7777", Name: "Alpha", Country: "DE", MaxPlayers: 16,
			MinutesOnline: 90, LastSeen: now.Add(-5 * time.Minute),
			LastData: map[string]interface{}{"numplayers": "4"},
			Chat:     db.ChatConfig{Enabled: true, URL: "http://console", OK: true},
		},
		{ID: "5.6.7.8:7777", Name: "Beta"},
	}

	var buf bytes.Buffer
	require.NoError(t, Servers(context.Background(), &buf, store))
	out := buf.String()

	assert.Contains(t, out, "Alpha")
	assert.Contains(t, out, "4/16")
	assert.Contains(t, out, "1.5")
	assert.Contains(t, out, "5m ago")
	assert.Contains(t, out, "never")
	assert.Contains(t, out, "2 servers")
}

func TestPrintSnapshot(t *testing.T) {
	snap, err := protocol.Parse("1.2.3.4", 7778, []byte(`\hostname\Arena\maxplayers\8\player_0\Bob\score_0\12\player_1\Carl\ping_1\40`))
	require.NoError(t, err)

	var buf bytes.Buffer
	PrintSnapshot(&buf, snap)
	out := buf.String()

	assert.Contains(t, out, "Name:     Arena")
	assert.Contains(t, out, "Players:  2/8")
	assert.Contains(t, out, "Bob")
	assert.Contains(t, out, "Carl")
	assert.Equal(t, []string{"player", "ping", "score"}, playerColumns(snap.Players))
}

func TestProbeRejectsBadAddress(t *testing.T) {
	var buf bytes.Buffer
	err := Probe(context.Background(), &buf, "not-an-address", time.Second, false)
	assert.Error(t, err)
}

func TestChatFromRelayLog(t *testing.T) {
	log := relay.NewMemoryLog()
	now := time.Now()

	for _, m := range []*events.ChatMessage{
		{ID: "1", Server: "s", User: "Alice", MessageFriendly: "gg", When: now.Add(-10 * time.Minute)},
		{ID: "2", Server: "other", User: "Bob", MessageFriendly: "hi", When: now.Add(-5 * time.Minute)},
	} {
		env, err := events.NewEnvelope(events.EventChatMessage, m)
		require.NoError(t, err)
		raw, err := json.Marshal(env)
		require.NoError(t, err)
		require.NoError(t, log.Append(context.Background(), relay.Bucket(m.When), raw, now.Add(time.Hour)))
	}

	var buf bytes.Buffer
	require.NoError(t, Chat(context.Background(), &buf, log, "s", 100))
	out := buf.String()

	assert.Contains(t, out, "Alice")
	assert.NotContains(t, out, "Bob")
	assert.Contains(t, out, "1 messages")
}

func TestSince(t *testing.T) {
	now := time.Date(2024, 1, 10, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "never", since(now, time.Time{}))
	assert.Equal(t, "just now", since(now, now.Add(-10*time.Second)))
	assert.Equal(t, "3h ago", since(now, now.Add(-3*time.Hour)))
	assert.Equal(t, "3d ago", since(now, now.Add(-72*time.Hour)))
}
