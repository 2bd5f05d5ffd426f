package gateway

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jkelin/Tribes-Revengeance-stats/internal/events"
)

type recordingBus struct {
	mu     sync.Mutex
	events []events.Event
}

func (b *recordingBus) Emit(_ context.Context, e events.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, e)
}

func (b *recordingBus) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.events)
}

func TestValidSay(t *testing.T) {
	ok := &events.Say{Server: "1.2.3.4:7777", User: "web-user", Message: "hello there!"}
	assert.True(t, ValidSay(ok))

	cases := map[string]*events.Say{
		"no server":      {User: "web", Message: "hi"},
		"short user":     {Server: "s", User: "ab", Message: "hi"},
		"long user":      {Server: "s", User: strings.Repeat("a", 30), Message: "hi"},
		"empty message":  {Server: "s", User: "web", Message: ""},
		"long message":   {Server: "s", User: "web", Message: strings.Repeat("a", 197)},
		"markup in text": {Server: "s", User: "web", Message: "<b>hi</b>"},
	}
	for name, say := range cases {
		assert.False(t, ValidSay(say), name)
	}
	assert.True(t, ValidSay(&events.Say{Server: "s", User: strings.Repeat("a", 29), Message: strings.Repeat("b", 196)}))
	assert.False(t, ValidSay(nil))
}

func startGateway(t *testing.T) (*Hub, *recordingBus, *websocket.Conn) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bus := &recordingBus{}
	hub := NewHub(bus, "self")
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	router := gin.New()
	router.GET("/ws", hub.Handler(nil))
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http")+"/ws", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	return hub, bus, conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) events.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var env events.Envelope
	require.NoError(t, conn.ReadJSON(&env))
	return env
}

func TestGatewayPushesEvents(t *testing.T) {
	hub, _, conn := startGateway(t)

	require.NoError(t, hub.Publish(events.NewPlayerCountChange("relay", &events.PlayerCountChange{Server: "s", Players: 3, Origin: "other"})))
	env := readEnvelope(t, conn)
	assert.Equal(t, events.EventPlayerCountChange, env.Type)
	assert.JSONEq(t, `{"server":"s","players":3}`, string(env.Data))

	msg := &events.ChatMessage{ID: "1", Server: "s", User: "Alice", Message: "hi", MessageFriendly: "hi", Origin: "self"}
	require.NoError(t, hub.Publish(events.NewChatMessage("collector", msg)))
	env = readEnvelope(t, conn)
	assert.Equal(t, events.EventChatMessage, env.Type)

	var got events.ChatMessage
	require.NoError(t, json.Unmarshal(env.Data, &got))
	assert.Equal(t, "Alice", got.User)
	assert.Equal(t, "1", got.ID)
}

func TestGatewayForwardsValidSay(t *testing.T) {
	_, bus, conn := startGateway(t)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"say","data":{"server":"s","usr":"<script>","message":"hi"}}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat-message","data":{}}`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`garbage`)))
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"say","data":{"server":"s","usr":"web","message":"hello"}}`)))

	require.Eventually(t, func() bool { return bus.len() == 1 }, 2*time.Second, 10*time.Millisecond)

	bus.mu.Lock()
	e := bus.events[0]
	bus.mu.Unlock()
	say, ok := e.Say()
	require.True(t, ok)
	assert.Equal(t, "self", e.Origin)
	assert.Equal(t, "web", say.User)
	assert.Equal(t, "hello", say.Message)
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://stats.example"})

	req := httptest.NewRequest("GET", "/ws", nil)
	req.Header.Set("Origin", "https://stats.example")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example")
	assert.False(t, check(req))
}
