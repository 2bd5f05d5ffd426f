package chat

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jkelin/Tribes-Revengeance-stats/internal/config"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/db"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/events"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/util"
)

// ServerLookup loads a server with its console credentials.
type ServerLookup interface {
	GetServer(ctx context.Context, id string) (*db.ServerRecord, error)
}

// ConsoleSender posts a line to a server console.
type ConsoleSender interface {
	Say(ctx context.Context, chat db.ChatConfig, user, message string) error
}

// Sayer forwards say requests to server consoles. Requests for the same
// server are debounced and only the latest one is sent.
type Sayer struct {
	store    ServerLookup
	console  ConsoleSender
	debounce time.Duration
	timeout  time.Duration
	logger   zerolog.Logger

	mu      sync.Mutex
	pending map[string]*events.Say
	timers  map[string]*time.Timer
	sent    func(server string, err error)
}

// NewSayer creates a sayer.
func NewSayer(cfg *config.Config, store ServerLookup, console ConsoleSender) *Sayer {
	return &Sayer{
		store:    store,
		console:  console,
		debounce: config.Millis(cfg.Chat.SayDebounce),
		timeout:  config.Millis(cfg.Chat.FetchTimeout),
		logger:   util.ComponentLogger("sayer"),
		pending:  make(map[string]*events.Say),
		timers:   make(map[string]*time.Timer),
	}
}

// Attach subscribes the sayer to say events.
func (s *Sayer) Attach(bus *events.EventBus) *events.Subscription {
	return bus.Subscribe("sayer", events.OfType(events.EventSay), func(_ context.Context, e events.Event) error {
		if say, ok := e.Say(); ok {
			s.Request(say)
		}
		return nil
	})
}

// Request schedules say for its server, replacing any request still
// waiting for the debounce to pass.
func (s *Sayer) Request(say *events.Say) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.pending[say.Server] = say
	if t, ok := s.timers[say.Server]; ok {
		t.Reset(s.debounce)
		return
	}
	server := say.Server
	s.timers[server] = time.AfterFunc(s.debounce, func() { s.fire(server) })
}

// Stop cancels every pending request.
func (s *Sayer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for server, t := range s.timers {
		t.Stop()
		delete(s.timers, server)
		delete(s.pending, server)
	}
}

func (s *Sayer) fire(server string) {
	s.mu.Lock()
	say := s.pending[server]
	delete(s.pending, server)
	delete(s.timers, server)
	sent := s.sent
	s.mu.Unlock()

	if say == nil {
		return
	}

	err := s.send(say)
	if err != nil {
		s.logger.Warn().Err(err).Str("server", server).Msg("failed to send say")
	}
	if sent != nil {
		sent(server, err)
	}
}

func (s *Sayer) send(say *events.Say) error {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	rec, err := s.store.GetServer(ctx, say.Server)
	if err != nil {
		return err
	}
	if !rec.Chat.Enabled || rec.Chat.URL == "" {
		s.logger.Debug().Str("server", say.Server).Msg("say for a server without console access")
		return nil
	}
	return s.console.Say(ctx, rec.Chat, say.User, say.Message)
}
