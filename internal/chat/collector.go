// Package chat scrapes the web admin console of game servers for chat,
// keeps the recent chat of every server and posts say commands back.
package chat

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/jkelin/Tribes-Revengeance-stats/internal/config"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/db"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/events"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/protocol"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/util"
)

// ServerStore lists the servers with a console and records whether the
// last fetch worked.
type ServerStore interface {
	ListChatServers(ctx context.Context) ([]db.ServerRecord, error)
	SetChatOK(ctx context.Context, id string, ok bool) error
}

// ConsoleFetcher downloads a server's console log.
type ConsoleFetcher interface {
	FetchLog(ctx context.Context, chat db.ChatConfig) ([]protocol.ConsoleLine, error)
}

// Publisher accepts events for the bus.
type Publisher interface {
	Emit(ctx context.Context, event events.Event)
}

// Collector polls every chat-enabled server console and publishes the
// lines it has not seen before.
type Collector struct {
	cfg     *config.Config
	store   ServerStore
	console ConsoleFetcher
	cache   *Cache
	bus     Publisher
	origin  string
	logger  zerolog.Logger
	now     func() time.Time

	mu     sync.Mutex
	active map[string]bool
	// seen holds the line hashes of the last successful fetch per server.
	seen map[string][]uint64
}

// NewCollector creates a chat collector publishing as origin.
func NewCollector(cfg *config.Config, store ServerStore, console ConsoleFetcher, cache *Cache, bus Publisher, origin string) *Collector {
	return &Collector{
		cfg:     cfg,
		store:   store,
		console: console,
		cache:   cache,
		bus:     bus,
		origin:  origin,
		logger:  util.ComponentLogger("chat"),
		now:     time.Now,
		active:  make(map[string]bool),
		seen:    make(map[string][]uint64),
	}
}

// Run polls on every tick until ctx is cancelled.
func (c *Collector) Run(ctx context.Context) error {
	interval := config.Millis(c.cfg.Chat.PollInterval)
	c.logger.Info().Dur("interval", interval).Msg("chat collector started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.logger.Info().Msg("chat collector stopped")
			return nil
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick starts a fetch for every chat server that has none running and
// returns how many were started.
func (c *Collector) Tick(ctx context.Context) int {
	servers, err := c.store.ListChatServers(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("failed to list chat servers")
		return 0
	}

	started := 0
	for _, server := range servers {
		if !c.acquire(server.ID) {
			continue
		}
		started++
		go func(s db.ServerRecord) {
			defer c.release(s.ID)
			c.poll(ctx, s)
		}(server)
	}
	return started
}

// Active returns the number of fetches in flight.
func (c *Collector) Active() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

func (c *Collector) acquire(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.active[id] {
		return false
	}
	c.active[id] = true
	return true
}

func (c *Collector) release(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, id)
}

// baseline returns the line hashes to diff the next fetch of server
// against. Before the first fetch it falls back to the cached chat, which
// holds what the replay log already delivered for the server.
func (c *Collector) baseline(server string) []uint64 {
	c.mu.Lock()
	prev, ok := c.seen[server]
	c.mu.Unlock()
	if ok {
		return prev
	}
	return hashLines(c.cache.Lines(server))
}

func (c *Collector) remember(server string, hashes []uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen[server] = hashes
}

func (c *Collector) poll(ctx context.Context, server db.ServerRecord) {
	msgs, err := c.FetchAndDiff(ctx, server)
	ok := err == nil
	if err != nil {
		c.logger.Info().Err(err).Str("server", server.ID).Msg("failed to get server chat")
	} else if len(msgs) > 0 {
		c.logger.Debug().Str("server", server.ID).Int("new", len(msgs)).Msg("got server chat")
	}

	if ok != server.Chat.OK {
		if err := c.store.SetChatOK(ctx, server.ID, ok); err != nil {
			c.logger.Error().Err(err).Str("server", server.ID).Msg("failed to store chat status")
		}
	}
}

// FetchAndDiff downloads the console of server, publishes every line
// after the overlap with the previous fetch and returns the new messages.
func (c *Collector) FetchAndDiff(ctx context.Context, server db.ServerRecord) ([]*events.ChatMessage, error) {
	fetchCtx, cancel := context.WithTimeout(ctx, config.Millis(c.cfg.Chat.FetchTimeout))
	defer cancel()

	lines, err := c.console.FetchLog(fetchCtx, server.Chat)
	if err != nil {
		return nil, err
	}

	fresh, next := NewLines(c.baseline(server.ID), lines)
	c.remember(server.ID, next)

	out := make([]*events.ChatMessage, 0, len(fresh))
	for _, line := range fresh {
		id, err := uuid.NewV7()
		if err != nil {
			return out, fmt.Errorf("failed to create message id: %w", err)
		}
		msg := &events.ChatMessage{
			ID:              id.String(),
			Server:          server.ID,
			User:            line.User,
			Message:         line.Message,
			MessageFriendly: Friendly(line.Message),
			When:            c.now(),
			Origin:          c.origin,
		}
		if !c.cache.Add(msg) {
			continue
		}
		c.bus.Emit(ctx, events.NewChatMessage("collector", msg))
		out = append(out, msg)
	}
	return out, nil
}
