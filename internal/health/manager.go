// Package health runs the periodic self checks of the tracker: public
// address detection, relay broker connectivity, admin console reachability
// and event bus backpressure.
package health

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/jkelin/Tribes-Revengeance-stats/internal/config"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/db"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/util"
)

// ChatServers lists the servers with console scraping configured.
type ChatServers interface {
	ListChatServers(ctx context.Context) ([]db.ServerRecord, error)
}

// BrokerHealth reports relay broker connectivity.
type BrokerHealth interface {
	Healthy() bool
}

// DropCounter reports events dropped by a full bus queue.
type DropCounter interface {
	Dropped() uint64
}

// Result is the outcome of the last run of one check.
type Result struct {
	OK        bool      `json:"ok"`
	Detail    string    `json:"detail,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// Manager runs the checks on their own tickers and keeps the latest result
// of each.
type Manager struct {
	cfg    *config.Config
	chat   ChatServers
	broker BrokerHealth
	bus    DropCounter
	logger zerolog.Logger

	// pinned is set when the public address came from config or flags and
	// must not be replaced by detection.
	pinned bool
	detect func(ctx context.Context) net.IP

	mu          sync.RWMutex
	results     map[string]Result
	lastDropped uint64
}

// NewManager creates a health check manager. broker may be nil when the
// relay is not running.
func NewManager(cfg *config.Config, chat ChatServers, broker BrokerHealth, bus DropCounter) *Manager {
	return &Manager{
		cfg:     cfg,
		chat:    chat,
		broker:  broker,
		bus:     bus,
		logger:  util.ComponentLogger("health"),
		pinned:  cfg.GetTracker().PublicIP != "",
		results: make(map[string]Result),
		detect: func(ctx context.Context) net.IP {
			return util.DetectPublicIP(ctx, util.PublicIPServices)
		},
	}
}

type check struct {
	name     string
	interval int
	fn       func(context.Context) Result
}

func (m *Manager) checks() []check {
	timers := m.cfg.Timers
	return []check{
		{"public_ip", timers.PublicIPCheckInterval, m.checkPublicIP},
		{"broker", timers.BrokerCheckInterval, m.checkBroker},
		{"event_bus", timers.BrokerCheckInterval, m.checkEventBus},
		{"chat_consoles", timers.ChatHealthInterval, m.checkChatConsoles},
	}
}

// Start launches every check with a positive interval and blocks until ctx
// is cancelled.
func (m *Manager) Start(ctx context.Context) {
	checks := m.checks()
	started := 0

	for _, c := range checks {
		if c.interval <= 0 {
			continue
		}
		started++

		c := c
		go func() {
			ticker := time.NewTicker(config.Seconds(c.interval))
			defer ticker.Stop()

			m.logger.Debug().Str("check", c.name).Msg("running initial health check")
			m.run(ctx, c)

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					m.run(ctx, c)
				}
			}
		}()
	}

	m.logger.Info().Int("checks", started).Msg("health check manager started")

	<-ctx.Done()
	m.logger.Info().Msg("health check manager stopped")
}

// RunAll runs every check once, in order.
func (m *Manager) RunAll(ctx context.Context) {
	for _, c := range m.checks() {
		m.run(ctx, c)
	}
}

func (m *Manager) run(ctx context.Context, c check) {
	res := c.fn(ctx)
	res.CheckedAt = time.Now()

	m.mu.Lock()
	prev, seen := m.results[c.name]
	m.results[c.name] = res
	m.mu.Unlock()

	if seen && prev.OK && !res.OK {
		m.logger.Warn().Str("check", c.name).Str("detail", res.Detail).Msg("health check failing")
	} else if seen && !prev.OK && res.OK {
		m.logger.Info().Str("check", c.name).Msg("health check recovered")
	}
}

// Result returns the last result of the named check.
func (m *Manager) Result(name string) (Result, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.results[name]
	return r, ok
}

// Status returns the last result of every check that has run.
func (m *Manager) Status() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]interface{}, len(m.results))
	for name, r := range m.results {
		out[name] = r
	}
	return out
}

// checkPublicIP refreshes the address used for replies that arrive from a
// private source.
func (m *Manager) checkPublicIP(ctx context.Context) Result {
	tracker := m.cfg.GetTracker()
	if !tracker.PublicIPFallback {
		return Result{OK: true, Detail: "fallback disabled"}
	}
	if m.pinned {
		return Result{OK: true, Detail: tracker.PublicIP}
	}

	ip := m.detect(ctx)
	if ip == nil {
		return Result{OK: false, Detail: "public IP detection failed"}
	}

	addr := ip.String()
	if addr != tracker.PublicIP {
		m.logger.Info().Str("old", tracker.PublicIP).Str("new", addr).Msg("public IP changed")
		m.cfg.SetPublicIP(addr)
	}
	return Result{OK: true, Detail: addr}
}

func (m *Manager) checkBroker(context.Context) Result {
	if m.broker == nil {
		return Result{OK: false, Detail: "relay not running"}
	}
	if !m.broker.Healthy() {
		return Result{OK: false, Detail: "broker disconnected"}
	}
	return Result{OK: true}
}

// checkEventBus fails when events were dropped since the previous run.
func (m *Manager) checkEventBus(context.Context) Result {
	if m.bus == nil {
		return Result{OK: true}
	}
	dropped := m.bus.Dropped()

	m.mu.Lock()
	delta := dropped - m.lastDropped
	m.lastDropped = dropped
	m.mu.Unlock()

	if delta > 0 {
		return Result{OK: false, Detail: fmt.Sprintf("%d events dropped", delta)}
	}
	return Result{OK: true, Detail: fmt.Sprintf("%d dropped total", dropped)}
}

func (m *Manager) checkChatConsoles(ctx context.Context) Result {
	servers, err := m.chat.ListChatServers(ctx)
	if err != nil {
		return Result{OK: false, Detail: err.Error()}
	}

	failing := 0
	for _, s := range servers {
		if !s.Chat.OK {
			failing++
		}
	}
	if failing > 0 {
		return Result{OK: false, Detail: fmt.Sprintf("%d of %d consoles unreachable", failing, len(servers))}
	}
	return Result{OK: true, Detail: fmt.Sprintf("%d consoles", len(servers))}
}
