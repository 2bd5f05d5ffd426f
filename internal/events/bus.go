package events

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// DefaultQueueSize is the per-subscription buffer used by NewEventBus.
const DefaultQueueSize = 256

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// Predicate selects the events a subscription receives.
type Predicate func(Event) bool

// OfType matches events of any of the given types.
func OfType(types ...EventType) Predicate {
	return func(e Event) bool {
		for _, t := range types {
			if e.Type == t {
				return true
			}
		}
		return false
	}
}

// FromOrigin matches events tagged with origin.
func FromOrigin(origin string) Predicate {
	return func(e Event) bool { return e.Origin == origin }
}

// All matches events accepted by every predicate.
func All(preds ...Predicate) Predicate {
	return func(e Event) bool {
		for _, p := range preds {
			if !p(e) {
				return false
			}
		}
		return true
	}
}

// Any matches every event.
func Any(Event) bool { return true }

// EventBus is the process-wide broadcast channel. Every subscription owns
// a bounded queue drained by its own goroutine, so a slow handler lags or
// drops events without ever blocking Emit.
type EventBus struct {
	mu        sync.RWMutex
	subs      []*Subscription
	stopped   bool
	queueSize int
	wg        sync.WaitGroup
	dropped   atomic.Uint64
}

// Subscription is a registered handler and its queue.
type Subscription struct {
	name    string
	match   Predicate
	handler HandlerFunc
	queue   chan queued
	dropped atomic.Uint64
}

type queued struct {
	ctx   context.Context
	event Event
}

// Name returns the name the subscription was registered with.
func (s *Subscription) Name() string { return s.name }

// Dropped returns how many events this subscription lost to a full queue.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// NewEventBus creates a new EventBus with DefaultQueueSize queues.
func NewEventBus() *EventBus {
	return NewEventBusWithQueue(DefaultQueueSize)
}

// NewEventBusWithQueue creates a new EventBus whose subscriptions buffer
// up to size events.
func NewEventBusWithQueue(size int) *EventBus {
	if size < 1 {
		size = 1
	}
	return &EventBus{queueSize: size}
}

// Subscribe registers handler for the events accepted by match. The name
// is used for logging and Unsubscribe.
func (eb *EventBus) Subscribe(name string, match Predicate, handler HandlerFunc) *Subscription {
	if match == nil {
		match = Any
	}
	sub := &Subscription{
		name:    name,
		match:   match,
		handler: handler,
		queue:   make(chan queued, eb.queueSize),
	}

	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		close(sub.queue)
		return sub
	}
	eb.subs = append(eb.subs, sub)
	eb.wg.Add(1)
	eb.mu.Unlock()

	go eb.run(sub)

	log.Debug().Str("handler", name).Msg("subscribed to events")
	return sub
}

// Unsubscribe removes every subscription registered under name. Events
// already queued for it are still delivered.
func (eb *EventBus) Unsubscribe(name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	kept := eb.subs[:0]
	for _, s := range eb.subs {
		if s.name == name {
			close(s.queue)
			continue
		}
		kept = append(kept, s)
	}
	eb.subs = kept

	log.Debug().Str("handler", name).Msg("unsubscribed from events")
}

func (eb *EventBus) run(sub *Subscription) {
	defer eb.wg.Done()
	for q := range sub.queue {
		_ = eb.dispatch(sub, q.ctx, q.event)
	}
}

func (eb *EventBus) dispatch(sub *Subscription, ctx context.Context, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", sub.name).
				Interface("panic", r).
				Msg("handler panicked")
		}
	}()

	if err = sub.handler(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", sub.name).
			Msg("handler returned error")
	}
	return err
}

// Emit queues event for every matching subscription and returns at once.
// An event whose payload does not match its type is logged and dropped.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	if err := event.Validate(); err != nil {
		log.Error().Err(err).Str("source", event.Source).Msg("invalid event dropped")
		return
	}

	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.stopped {
		return
	}

	for _, sub := range eb.subs {
		if !sub.match(event) {
			continue
		}
		select {
		case sub.queue <- queued{ctx: ctx, event: event}:
		default:
			sub.dropped.Add(1)
			eb.dropped.Add(1)
			log.Warn().
				Str("event", string(event.Type)).
				Str("handler", sub.name).
				Msg("subscriber queue full, event dropped")
		}
	}
}

// EmitSync runs every matching handler in the caller's goroutine, in
// subscription order, and returns the first error. Startup replay uses it
// so the chat cache is rebuilt before clients connect. An invalid event
// reaches no handler and its validation error is returned.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	if err := event.Validate(); err != nil {
		return err
	}

	eb.mu.RLock()
	if eb.stopped {
		eb.mu.RUnlock()
		return nil
	}
	var matched []*Subscription
	for _, sub := range eb.subs {
		if sub.match(event) {
			matched = append(matched, sub)
		}
	}
	eb.mu.RUnlock()

	var firstErr error
	for _, sub := range matched {
		if err := eb.dispatch(sub, ctx, event); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stop stops accepting events, drains queued events and waits for every
// subscription goroutine to exit.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	for _, s := range eb.subs {
		close(s.queue)
	}
	eb.subs = nil
	eb.mu.Unlock()

	eb.wg.Wait()
	log.Info().Msg("event bus stopped")
}

// HandlerCount returns the number of live subscriptions.
func (eb *EventBus) HandlerCount() int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subs)
}

// Dropped returns the total number of events lost to full queues.
func (eb *EventBus) Dropped() uint64 {
	return eb.dropped.Load()
}
