// Package gateway pushes chat and player count events to browsers over
// WebSocket and accepts say requests from them.
package gateway

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"

	"github.com/jkelin/Tribes-Revengeance-stats/internal/events"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/util"
)

// Publisher accepts events for the bus.
type Publisher interface {
	Emit(ctx context.Context, event events.Event)
}

// playerCount is the player count as sent to clients.
type playerCount struct {
	Server  string `json:"server"`
	Players int    `json:"players"`
}

// Hub tracks connected clients and fans messages out to them.
type Hub struct {
	clients   map[*Client]bool
	clientsMu sync.RWMutex

	register   chan *Client
	unregister chan *Client
	broadcast  chan []byte
	done       chan struct{}

	bus    Publisher
	origin string
	logger zerolog.Logger
}

// NewHub creates a hub. Say requests are emitted on bus tagged with origin.
func NewHub(bus Publisher, origin string) *Hub {
	return &Hub{
		clients:    make(map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan []byte, 256),
		done:       make(chan struct{}),
		bus:        bus,
		origin:     origin,
		logger:     util.ComponentLogger("gateway"),
	}
}

// Run serves registrations and broadcasts until ctx is cancelled, then
// disconnects every client.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.clientsMu.Lock()
			for client := range h.clients {
				delete(h.clients, client)
				close(client.send)
			}
			h.clientsMu.Unlock()
			return

		case client := <-h.register:
			h.clientsMu.Lock()
			h.clients[client] = true
			h.clientsMu.Unlock()
			h.logger.Debug().Str("remote", client.remote).Msg("client connected")

		case client := <-h.unregister:
			h.remove(client)

		case data := <-h.broadcast:
			h.clientsMu.RLock()
			var slow []*Client
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					slow = append(slow, client)
				}
			}
			h.clientsMu.RUnlock()

			for _, client := range slow {
				h.logger.Debug().Str("remote", client.remote).Msg("client too slow, disconnecting")
				h.remove(client)
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.clientsMu.Lock()
	defer h.clientsMu.Unlock()
	if _, ok := h.clients[client]; ok {
		delete(h.clients, client)
		close(client.send)
		h.logger.Debug().Str("remote", client.remote).Msg("client disconnected")
	}
}

// Attach subscribes the hub to the events pushed to clients.
func (h *Hub) Attach(bus *events.EventBus) *events.Subscription {
	match := events.OfType(events.EventChatMessage, events.EventPlayerCountChange)
	return bus.Subscribe("gateway", match, func(_ context.Context, e events.Event) error {
		return h.Publish(e)
	})
}

// Publish queues e for every client.
func (h *Hub) Publish(e events.Event) error {
	var data interface{}
	switch p := e.Payload.(type) {
	case *events.ChatMessage:
		data = p
	case *events.PlayerCountChange:
		data = playerCount{Server: p.Server, Players: p.Players}
	default:
		return nil
	}

	env, err := events.NewEnvelope(e.Type, data)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return err
	}
	select {
	case h.broadcast <- raw:
	case <-h.done:
	}
	return nil
}

func (h *Hub) join(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) leave(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.clientsMu.RLock()
	defer h.clientsMu.RUnlock()
	return len(h.clients)
}

// handleInbound applies one client message. Anything but a valid say is
// dropped.
func (h *Hub) handleInbound(ctx context.Context, raw []byte) bool {
	var env events.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type != events.EventSay {
		return false
	}
	var say events.Say
	if err := json.Unmarshal(env.Data, &say); err != nil || !ValidSay(&say) {
		return false
	}
	h.bus.Emit(ctx, events.NewSay("gateway", h.origin, &say))
	return true
}
