package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jkelin/Tribes-Revengeance-stats/internal/config"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/db"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/events"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/protocol"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/util"
)

// ErrMissingHostPort is returned for a snapshot without a usable hostport.
var ErrMissingHostPort = errors.New("snapshot has no valid hostport")

// Store is the persistence the reconciler needs.
type Store interface {
	GetServer(ctx context.Context, id string) (*db.ServerRecord, error)
	SaveServer(ctx context.Context, s *db.ServerRecord) error
	SetLastFullReport(ctx context.Context, id string, at time.Time) error
	GetPlayer(ctx context.Context, name string) (*db.PlayerRecord, error)
	SavePlayer(ctx context.Context, p *db.PlayerRecord) error
	AddPopulation(ctx context.Context, p db.PopulationPoint) error
	SaveMatch(ctx context.Context, m *db.MatchRecord) (int64, error)
}

// CountryResolver maps an IP address to a country code.
type CountryResolver interface {
	Country(ip string) (string, error)
}

// Publisher accepts events for the bus.
type Publisher interface {
	Emit(ctx context.Context, event events.Event)
}

// ReconcileResult summarizes what Apply did with one snapshot.
type ReconcileResult struct {
	ServerID     string
	Created      bool
	Players      int
	CountChanged bool
	MinutesAdded float64
	Sampled      bool
	PlayerErrors int
}

// Reconciler folds status snapshots and match uploads into the store.
// Calls are serialized because every step is a read-modify-write of a
// record.
type Reconciler struct {
	mu sync.Mutex

	store    Store
	geo      CountryResolver
	bus      Publisher
	registry *Registry
	origin   string

	sessionGap         time.Duration
	populationInterval time.Duration

	logger zerolog.Logger
	now    func() time.Time
}

// NewReconciler creates a reconciler. geo may be nil, in which case
// countries are never resolved.
func NewReconciler(cfg *config.Config, store Store, geo CountryResolver, bus Publisher, registry *Registry, origin string) *Reconciler {
	tracker := cfg.GetTracker()
	return &Reconciler{
		store:              store,
		geo:                geo,
		bus:                bus,
		registry:           registry,
		origin:             origin,
		sessionGap:         config.Minutes(tracker.SessionGap),
		populationInterval: config.Seconds(tracker.PopulationInterval),
		logger:             util.ComponentLogger("reconciler"),
		now:                time.Now,
	}
}

// Registry returns the registry the reconciler maintains.
func (r *Reconciler) Registry() *Registry {
	return r.registry
}

// HandleReply is the prober's reply handler.
func (r *Reconciler) HandleReply(ctx context.Context, snap *protocol.Snapshot) {
	if _, err := r.Apply(ctx, snap); err != nil {
		if errors.Is(err, ErrMissingHostPort) {
			r.logger.Debug().Str("ip", snap.IP).Int("query_port", snap.QueryPort).Msg("reply without hostport")
			return
		}
		r.logger.Error().Err(err).Str("ip", snap.IP).Msg("failed to reconcile snapshot")
	}
}

// ApplyBatch applies snapshots in order. A failing snapshot is logged and
// skipped. It returns the number of snapshots that failed.
func (r *Reconciler) ApplyBatch(ctx context.Context, snaps []*protocol.Snapshot) int {
	failed := 0
	for _, snap := range snaps {
		if _, err := r.Apply(ctx, snap); err != nil {
			failed++
			r.logger.Warn().Err(err).Str("ip", snap.IP).Msg("snapshot skipped")
		}
	}
	return failed
}

// Apply folds one status snapshot into the server record, the player
// records and the population series.
func (r *Reconciler) Apply(ctx context.Context, snap *protocol.Snapshot) (*ReconcileResult, error) {
	id, ok := snap.ID()
	if !ok {
		return nil, ErrMissingHostPort
	}
	hostPort, _ := snap.HostPort()

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	result := &ReconcileResult{ServerID: id, Players: len(snap.Players)}

	rec, err := r.store.GetServer(ctx, id)
	switch {
	case errors.Is(err, db.ErrNotFound):
		rec = &db.ServerRecord{ID: id, MinutesOnline: 0, LastTiming: now}
		result.Created = true
	case err != nil:
		return nil, fmt.Errorf("load server %s: %w", id, err)
	}

	rec.Name = snap.Hostname()
	rec.AdminName = snap.AdminName()
	rec.AdminEmail = snap.AdminEmail()
	rec.IP = snap.IP
	rec.Port = hostPort
	rec.MaxPlayers = snap.MaxPlayers()
	rec.LastSeen = now

	result.MinutesAdded = accrue(rec.LastTiming, now, r.sessionGap)
	rec.MinutesOnline += result.MinutesAdded
	rec.LastTiming = now

	if r.registry.ObserveCount(id, len(snap.Players), now) {
		result.CountChanged = true
		r.bus.Emit(ctx, events.NewPlayerCountChange("reconciler", &events.PlayerCountChange{
			Server:  id,
			Players: len(snap.Players),
			Origin:  r.origin,
		}))
	}

	if rec.Country == "" && r.geo != nil {
		country, err := r.geo.Country(snap.IP)
		if err != nil {
			r.logger.Debug().Err(err).Str("server", id).Msg("country lookup failed")
		} else {
			rec.Country = country
		}
	}

	rec.LastData = snap.Data()

	var errs []error
	if err := r.store.SaveServer(ctx, rec); err != nil {
		r.logger.Error().Err(err).Str("server", id).Msg("failed to persist server")
		errs = append(errs, err)
	}

	if r.registry.ShouldSample(id, now, r.populationInterval) {
		result.Sampled = true
		if err := r.store.AddPopulation(ctx, db.PopulationPoint{Server: id, Players: len(snap.Players), At: now}); err != nil {
			r.logger.Error().Err(err).Str("server", id).Msg("failed to record population")
			errs = append(errs, err)
		}
	}

	for _, p := range snap.Players {
		name := p.Name()
		if name == "" {
			continue
		}
		if err := r.timePlayer(ctx, name, id, now); err != nil {
			result.PlayerErrors++
			r.logger.Error().Err(err).Str("player", name).Str("server", id).Msg("failed to update player")
		}
	}

	return result, errors.Join(errs...)
}

func (r *Reconciler) timePlayer(ctx context.Context, name, serverID string, now time.Time) error {
	rec, err := r.store.GetPlayer(ctx, name)
	switch {
	case errors.Is(err, db.ErrNotFound):
		rec = &db.PlayerRecord{Name: name, MinutesOnline: 0, LastTiming: now, Stats: map[string]float64{}}
	case err != nil:
		return err
	}

	rec.MinutesOnline += accrue(rec.LastTiming, now, r.sessionGap)
	rec.LastTiming = now
	rec.NormalizedName = util.CleanPlayerName(name)
	rec.LastSeen = now
	rec.LastServer = serverID

	return r.store.SavePlayer(ctx, rec)
}

// accrue returns the minutes between last and now. Clocks going backwards
// count for nothing. A positive sessionGap treats longer gaps as downtime
// that is not counted.
func accrue(last, now time.Time, sessionGap time.Duration) float64 {
	if last.IsZero() {
		return 0
	}
	delta := now.Sub(last)
	if delta <= 0 || (sessionGap > 0 && delta > sessionGap) {
		return 0
	}
	return delta.Minutes()
}
