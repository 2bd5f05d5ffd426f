// Package events defines the event types carried by the in-process bus.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType names one variant of Event.
type EventType string

const (
	// EventChatMessage is a chat line ready for clients, produced locally
	// or re-emitted by the chat cache after a relayed message passed dedup.
	EventChatMessage EventType = "chat-message"
	// EventReceivedMessage is a chat line that arrived from another
	// instance or from the replay log and has not been deduplicated yet.
	EventReceivedMessage EventType = "received-message"
	// EventSay asks the collector to post a line to a server console.
	EventSay EventType = "say"
	// EventPlayerCountChange reports a new player count for a server.
	EventPlayerCountChange EventType = "player-count-change"
)

// Payload is implemented only by the payload types in this package.
type Payload interface {
	payloadType() EventType
}

// Event is the unit carried by the EventBus.
type Event struct {
	Type    EventType
	Source  string
	Origin  string
	Relayed bool
	Payload Payload
}

// ChatMessage is a single chat line scraped from a server console.
type ChatMessage struct {
	ID              string    `json:"id"`
	Server          string    `json:"server"`
	User            string    `json:"user"`
	Message         string    `json:"message"`
	MessageFriendly string    `json:"messageFriendly"`
	When            time.Time `json:"when"`
	Origin          string    `json:"origin"`
}

func (*ChatMessage) payloadType() EventType { return EventChatMessage }

// Say is an outbound console command requested by a gateway client.
type Say struct {
	Server  string `json:"server"`
	User    string `json:"usr"`
	Message string `json:"message"`
}

func (*Say) payloadType() EventType { return EventSay }

// PlayerCountChange is emitted when a server's player count differs from
// the last count seen by this instance.
type PlayerCountChange struct {
	Server  string `json:"server"`
	Players int    `json:"players"`
	Origin  string `json:"origin"`
}

func (*PlayerCountChange) payloadType() EventType { return EventPlayerCountChange }

// NewChatMessage wraps msg as a chat-message event.
func NewChatMessage(source string, msg *ChatMessage) Event {
	return Event{Type: EventChatMessage, Source: source, Origin: msg.Origin, Payload: msg}
}

// NewReceivedMessage wraps msg as a received-message event.
func NewReceivedMessage(source string, msg *ChatMessage) Event {
	return Event{Type: EventReceivedMessage, Source: source, Origin: msg.Origin, Relayed: true, Payload: msg}
}

// NewSay wraps a say request originating on this instance.
func NewSay(source, origin string, say *Say) Event {
	return Event{Type: EventSay, Source: source, Origin: origin, Payload: say}
}

// NewPlayerCountChange wraps a player count change.
func NewPlayerCountChange(source string, pc *PlayerCountChange) Event {
	return Event{Type: EventPlayerCountChange, Source: source, Origin: pc.Origin, Payload: pc}
}

// Chat returns the chat payload of a chat-message or received-message event.
func (e Event) Chat() (*ChatMessage, bool) {
	m, ok := e.Payload.(*ChatMessage)
	return m, ok
}

// Say returns the payload of a say event.
func (e Event) Say() (*Say, bool) {
	s, ok := e.Payload.(*Say)
	return s, ok
}

// PlayerCount returns the payload of a player-count-change event.
func (e Event) PlayerCount() (*PlayerCountChange, bool) {
	p, ok := e.Payload.(*PlayerCountChange)
	return p, ok
}

// Validate checks that the payload variant matches Type. A received-message
// carries a ChatMessage.
func (e Event) Validate() error {
	if e.Payload == nil {
		return fmt.Errorf("event %s has no payload", e.Type)
	}
	want := e.Payload.payloadType()
	if e.Type == EventReceivedMessage && want == EventChatMessage {
		return nil
	}
	if want != e.Type {
		return fmt.Errorf("event %s carries %s payload", e.Type, want)
	}
	return nil
}

// Envelope is the {type, data} wrapper used on the replay log and the
// realtime gateway.
type Envelope struct {
	Type EventType       `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewEnvelope marshals data into an Envelope of the given type.
func NewEnvelope(t EventType, data interface{}) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("failed to marshal %s: %w", t, err)
	}
	return Envelope{Type: t, Data: raw}, nil
}
