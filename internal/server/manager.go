// Package server tracks game servers: the poll loop that discovers and
// probes them, and the reconciler that folds their replies into the store.
package server

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/jkelin/Tribes-Revengeance-stats/internal/config"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/protocol"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/util"
)

// Discovery resolves the addresses to probe.
type Discovery interface {
	Resolve(ctx context.Context) []protocol.Address
}

// Prober fires status probes.
type Prober interface {
	ProbeAll(addrs []protocol.Address) int
}

// Manager drives the poll cadence: every tick it resolves the server list
// and hands it to the prober. Replies come back through the prober's read
// loop, never through the manager.
type Manager struct {
	cfg       *config.Config
	discovery Discovery
	prober    Prober
	logger    zerolog.Logger

	inFlight atomic.Bool
	rounds   atomic.Uint64
	lastSize atomic.Int64
}

// NewManager creates the poll loop.
func NewManager(cfg *config.Config, discovery Discovery, prober Prober) *Manager {
	return &Manager{
		cfg:       cfg,
		discovery: discovery,
		prober:    prober,
		logger:    util.ComponentLogger("manager"),
	}
}

// Run polls immediately and then on every tick until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	interval := config.Seconds(m.cfg.GetTracker().PollInterval)
	m.logger.Info().Dur("interval", interval).Msg("server polling started")

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.tickAsync(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Msg("server polling stopped")
			return nil
		case <-ticker.C:
			m.tickAsync(ctx)
		}
	}
}

// tickAsync starts a round unless the previous one is still resolving,
// so a slow directory never stacks up rounds.
func (m *Manager) tickAsync(ctx context.Context) {
	if !m.inFlight.CompareAndSwap(false, true) {
		m.logger.Debug().Msg("previous poll round still running, skipping tick")
		return
	}
	go func() {
		defer m.inFlight.Store(false)
		defer func() {
			if r := recover(); r != nil {
				m.logger.Error().Interface("panic", r).Msg("poll round panicked")
			}
		}()
		m.Tick(ctx)
	}()
}

// Tick runs one discovery and probe round and returns the number of probes
// sent.
func (m *Manager) Tick(ctx context.Context) int {
	addrs := m.discovery.Resolve(ctx)
	if ctx.Err() != nil {
		return 0
	}
	sent := m.prober.ProbeAll(addrs)
	m.rounds.Add(1)
	m.lastSize.Store(int64(len(addrs)))
	return sent
}

// Rounds returns the number of completed poll rounds.
func (m *Manager) Rounds() uint64 {
	return m.rounds.Load()
}

// LastRoundSize returns how many servers the last round probed.
func (m *Manager) LastRoundSize() int {
	return int(m.lastSize.Load())
}
