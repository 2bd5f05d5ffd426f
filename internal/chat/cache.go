package chat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jkelin/Tribes-Revengeance-stats/internal/events"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/protocol"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/util"
)

// Cache holds the recent chat of every server, in arrival order. Message
// ids are unique across the cache.
type Cache struct {
	mu      sync.RWMutex
	servers map[string][]*events.ChatMessage
	ids     map[string]string
	window  time.Duration
	history time.Duration
	logger  zerolog.Logger
	now     func() time.Time
}

// NewCache creates a cache that collapses relayed repeats within window
// and serves history worth of chat per server.
func NewCache(window, history time.Duration) *Cache {
	return &Cache{
		servers: make(map[string][]*events.ChatMessage),
		ids:     make(map[string]string),
		window:  window,
		history: history,
		logger:  util.ComponentLogger("chat-cache"),
		now:     time.Now,
	}
}

// Add appends a message scraped by this instance. It reports false when
// the id is already cached.
func (c *Cache) Add(msg *events.ChatMessage) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.ids[msg.ID]; ok {
		return false
	}
	c.insert(msg)
	return true
}

// Merge appends a message that arrived from the relay or the replay log.
// Besides duplicate ids it collapses messages of the same server whose
// friendly text matches within the dedup window to the earliest one. An
// incoming message later than its cached match is rejected; an earlier one
// takes the cached message's place. Merge reports whether msg is retained.
func (c *Cache) Merge(msg *events.ChatMessage) bool {
	kept, _ := c.merge(msg)
	return kept
}

// merge also reports whether msg replaced a cached message rather than
// being appended.
func (c *Cache) merge(msg *events.ChatMessage) (kept, replaced bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.ids[msg.ID]; ok {
		return false, false
	}
	msgs := c.servers[msg.Server]
	later := -1
	for i, m := range msgs {
		if m.MessageFriendly != msg.MessageFriendly || absDuration(msg.When.Sub(m.When)) > c.window {
			continue
		}
		if !msg.When.Before(m.When) {
			return false, false
		}
		if later < 0 {
			later = i
		}
	}
	if later < 0 {
		c.insert(msg)
		return true, false
	}
	delete(c.ids, msgs[later].ID)
	msgs[later] = msg
	c.ids[msg.ID] = msg.Server
	return true, true
}

func (c *Cache) insert(msg *events.ChatMessage) {
	c.servers[msg.Server] = append(c.servers[msg.Server], msg)
	c.ids[msg.ID] = msg.Server
}

// Lines returns the console lines cached for server, oldest first.
func (c *Cache) Lines(server string) []protocol.ConsoleLine {
	c.mu.RLock()
	defer c.mu.RUnlock()

	msgs := c.servers[server]
	out := make([]protocol.ConsoleLine, len(msgs))
	for i, m := range msgs {
		out[i] = protocol.ConsoleLine{User: m.User, Message: m.Message}
	}
	return out
}

// ChatFor returns the messages of server from the last history period,
// oldest first.
func (c *Cache) ChatFor(server string) []events.ChatMessage {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cutoff := c.now().Add(-c.history)
	out := make([]events.ChatMessage, 0)
	for _, m := range c.servers[server] {
		if m.When.After(cutoff) {
			out = append(out, *m)
		}
	}
	return out
}

// Prune drops messages older than maxAge and trims every server to its
// keep newest messages. It returns the number of messages removed.
func (c *Cache) Prune(maxAge time.Duration, keep int) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := c.now().Add(-maxAge)
	removed := 0
	for server, msgs := range c.servers {
		start := 0
		for start < len(msgs) && msgs[start].When.Before(cutoff) {
			start++
		}
		if keep > 0 && len(msgs)-start > keep {
			start = len(msgs) - keep
		}
		for _, m := range msgs[:start] {
			delete(c.ids, m.ID)
		}
		removed += start
		if start == len(msgs) {
			delete(c.servers, server)
			continue
		}
		c.servers[server] = append([]*events.ChatMessage(nil), msgs[start:]...)
	}
	if removed > 0 {
		c.logger.Debug().Int("removed", removed).Msg("pruned chat cache")
	}
	return removed
}

// Len returns the number of cached messages.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ids)
}

// Attach subscribes the cache to received-message events. Each message
// Merge appends is re-emitted as a chat-message for local clients.
func (c *Cache) Attach(bus *events.EventBus) *events.Subscription {
	return bus.Subscribe("chat-cache", events.OfType(events.EventReceivedMessage), func(ctx context.Context, e events.Event) error {
		msg, ok := e.Chat()
		if !ok || msg.ID == "" {
			return nil
		}
		// A replacement was already shown to clients under the later copy.
		if kept, replaced := c.merge(msg); !kept || replaced {
			return nil
		}
		out := events.NewChatMessage("chat-cache", msg)
		out.Relayed = true
		bus.Emit(ctx, out)
		return nil
	})
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
