// Package relay keeps several trstats instances consistent. Local chat and
// player count events are appended to an hourly replay log and published
// on a shared broker; events from other instances are fed back into the
// local bus.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/jkelin/Tribes-Revengeance-stats/internal/config"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/events"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/util"
)

// Channels carrying relayed events.
const (
	ChannelChat        = string(events.EventChatMessage)
	ChannelPlayerCount = string(events.EventPlayerCountChange)
)

// BucketLayout names the hourly replay log buckets, in UTC.
const BucketLayout = "2006-01-02T15"

// Broker is a shared pub/sub channel.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, fn func(payload []byte)) error
	Connected() bool
	Close() error
}

// Log is the bucketed replay log.
type Log interface {
	Append(ctx context.Context, bucket string, payload []byte, expiresAt time.Time) error
	Range(ctx context.Context, bucket string, limit int) ([][]byte, error)
	Purge(ctx context.Context, now time.Time) (int64, error)
}

// Bucket returns the name of the bucket holding events at t.
func Bucket(t time.Time) string {
	return t.UTC().Format(BucketLayout)
}

// BucketExpiry returns when the bucket holding t may be dropped.
func BucketExpiry(t time.Time, ttl time.Duration) time.Time {
	return t.UTC().Truncate(time.Hour).Add(ttl)
}

// Relay connects the local event bus to the broker and the replay log.
type Relay struct {
	bus    *events.EventBus
	broker Broker
	log    Log
	self   string

	ttl           time.Duration
	replayHours   int
	replayLimit   int
	replayTimeout time.Duration

	logger zerolog.Logger
	now    func() time.Time
}

// New creates a relay for the instance self.
func New(cfg *config.Config, bus *events.EventBus, broker Broker, log Log, self string) *Relay {
	rc := cfg.GetRelay()
	return &Relay{
		bus:           bus,
		broker:        broker,
		log:           log,
		self:          self,
		ttl:           config.Minutes(rc.BucketTTL),
		replayHours:   rc.ReplayHours,
		replayLimit:   rc.ReplayLimit,
		replayTimeout: config.Seconds(rc.ReplayTimeout),
		logger:        util.ComponentLogger("relay"),
		now:           time.Now,
	}
}

// Start subscribes to the broker and to local events. A broker error is
// returned so the caller can refuse to serve realtime clients.
func (r *Relay) Start(ctx context.Context) error {
	if err := r.broker.Subscribe(ctx, ChannelChat, r.inboundChat); err != nil {
		return fmt.Errorf("subscribe %s: %w", ChannelChat, err)
	}
	if err := r.broker.Subscribe(ctx, ChannelPlayerCount, r.inboundPlayerCount); err != nil {
		return fmt.Errorf("subscribe %s: %w", ChannelPlayerCount, err)
	}

	local := events.All(
		events.OfType(events.EventChatMessage, events.EventPlayerCountChange),
		events.FromOrigin(r.self),
		func(e events.Event) bool { return !e.Relayed },
	)
	r.bus.Subscribe("relay", local, r.outbound)

	r.logger.Info().Str("instance", r.self).Msg("relay started")
	return nil
}

func (r *Relay) outbound(ctx context.Context, e events.Event) error {
	env, err := events.NewEnvelope(e.Type, e.Payload)
	if err != nil {
		return err
	}
	entry, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	now := r.now()
	var errs []error
	if err := r.log.Append(ctx, Bucket(now), entry, BucketExpiry(now, r.ttl)); err != nil {
		errs = append(errs, fmt.Errorf("append to replay log: %w", err))
	}
	if err := r.broker.Publish(ctx, string(e.Type), env.Data); err != nil {
		errs = append(errs, fmt.Errorf("publish %s: %w", e.Type, err))
	}
	return errors.Join(errs...)
}

func (r *Relay) inboundChat(payload []byte) {
	var msg events.ChatMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		r.logger.Warn().Err(err).Msg("malformed relayed chat message")
		return
	}
	if msg.Origin == r.self || msg.ID == "" {
		return
	}
	r.bus.Emit(context.Background(), events.NewReceivedMessage("relay", &msg))
}

func (r *Relay) inboundPlayerCount(payload []byte) {
	var pc events.PlayerCountChange
	if err := json.Unmarshal(payload, &pc); err != nil {
		r.logger.Warn().Err(err).Msg("malformed relayed player count")
		return
	}
	if pc.Origin == r.self {
		return
	}
	e := events.NewPlayerCountChange("relay", &pc)
	e.Relayed = true
	r.bus.Emit(context.Background(), e)
}

// Replay feeds the chat of the last replay hours back into the bus,
// oldest first, and returns the number of messages injected. It gives up
// after the replay timeout.
func (r *Relay) Replay(ctx context.Context) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, r.replayTimeout)
	defer cancel()

	now := r.now()
	seen := make(map[string]bool)
	injected := 0

	for i := r.replayHours - 1; i >= 0; i-- {
		bucket := Bucket(now.Add(-time.Duration(i) * time.Hour))
		entries, err := r.log.Range(ctx, bucket, r.replayLimit)
		if err != nil {
			return injected, fmt.Errorf("read bucket %s: %w", bucket, err)
		}

		for _, raw := range entries {
			if err := ctx.Err(); err != nil {
				return injected, err
			}
			msg, ok := decodeChat(raw)
			if !ok || seen[msg.ID] {
				continue
			}
			seen[msg.ID] = true

			if err := r.bus.EmitSync(ctx, events.NewReceivedMessage("replay", msg)); err != nil {
				r.logger.Warn().Err(err).Str("id", msg.ID).Msg("replayed message rejected")
			}
			injected++
		}
	}

	r.logger.Info().Int("messages", injected).Msg("bootstrapped chat cache from replay log")
	return injected, nil
}

// History reads the chat of one server logged between since and now from
// the replay log, oldest first. An empty server returns every server.
func History(ctx context.Context, log Log, server string, since, now time.Time, limit int) ([]*events.ChatMessage, error) {
	var out []*events.ChatMessage
	seen := make(map[string]bool)

	for t := since.UTC().Truncate(time.Hour); !t.After(now); t = t.Add(time.Hour) {
		entries, err := log.Range(ctx, Bucket(t), limit)
		if err != nil {
			return out, fmt.Errorf("read bucket %s: %w", Bucket(t), err)
		}
		for _, raw := range entries {
			msg, ok := decodeChat(raw)
			if !ok || seen[msg.ID] || msg.When.Before(since) {
				continue
			}
			if server != "" && msg.Server != server {
				continue
			}
			seen[msg.ID] = true
			out = append(out, msg)
		}
	}
	return out, nil
}

// decodeChat unwraps a logged envelope holding a chat message with an id.
func decodeChat(raw []byte) (*events.ChatMessage, bool) {
	var env events.Envelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type != events.EventChatMessage {
		return nil, false
	}
	var msg events.ChatMessage
	if err := json.Unmarshal(env.Data, &msg); err != nil || msg.ID == "" {
		return nil, false
	}
	return &msg, true
}

// Purge drops expired replay log buckets.
func (r *Relay) Purge(ctx context.Context) (int64, error) {
	return r.log.Purge(ctx, r.now())
}

// Healthy reports whether the broker is connected.
func (r *Relay) Healthy() bool {
	return r.broker.Connected()
}
