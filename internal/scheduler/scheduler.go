// Package scheduler runs the tracker's housekeeping jobs: trimming the
// relay replay log, pruning the chat cache and refreshing the GeoIP
// database.
package scheduler

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/jkelin/Tribes-Revengeance-stats/internal/config"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/geoip"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/util"
)

// RelayPurger drops expired replay buckets.
type RelayPurger interface {
	Purge(ctx context.Context) (int64, error)
}

// CachePruner trims the in-memory chat history.
type CachePruner interface {
	Prune(maxAge time.Duration, keep int) int
}

// Reloader reopens the GeoIP database after a refresh.
type Reloader interface {
	Reload() error
}

// Scheduler manages periodic background tasks. Any dependency may be nil,
// which disables the jobs that need it.
type Scheduler struct {
	cfg    *config.Config
	relay  RelayPurger
	cache  CachePruner
	geo    Reloader
	logger zerolog.Logger

	ensureGeoIP func(ctx context.Context, path, url string, maxAge time.Duration) (bool, error)
}

// NewScheduler creates a new task scheduler.
func NewScheduler(cfg *config.Config, relay RelayPurger, cache CachePruner, geo Reloader) *Scheduler {
	return &Scheduler{
		cfg:         cfg,
		relay:       relay,
		cache:       cache,
		geo:         geo,
		logger:      util.ComponentLogger("scheduler"),
		ensureGeoIP: geoip.EnsureDB,
	}
}

type job struct {
	name     string
	interval int
	fn       func(context.Context)
}

func (s *Scheduler) jobs() []job {
	timers := s.cfg.Timers
	var jobs []job
	if s.relay != nil {
		jobs = append(jobs, job{"relay_purge", timers.RelayPurgeInterval, s.purgeRelay})
	}
	if s.cache != nil {
		jobs = append(jobs, job{"chat_prune", timers.CachePruneInterval, s.pruneChat})
	}
	if s.cfg.GeoIP.Enabled {
		jobs = append(jobs, job{"geoip_refresh", timers.GeoIPRefreshInterval, s.refreshGeoIP})
	}
	return jobs
}

// Start begins running all scheduled tasks and blocks until ctx is
// cancelled. Jobs first run one interval after start.
func (s *Scheduler) Start(ctx context.Context) {
	jobs := s.jobs()
	for _, j := range jobs {
		if j.interval <= 0 {
			continue
		}
		go s.loop(ctx, j)
	}

	s.logger.Info().Int("jobs", len(jobs)).Msg("scheduler started")

	<-ctx.Done()
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, j job) {
	ticker := time.NewTicker(config.Seconds(j.interval))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.logger.Debug().Str("job", j.name).Msg("running scheduled job")
			j.fn(ctx)
		}
	}
}

func (s *Scheduler) purgeRelay(ctx context.Context) {
	n, err := s.relay.Purge(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("relay purge failed")
		return
	}
	if n > 0 {
		s.logger.Info().Int64("entries", n).Msg("expired relay entries purged")
	}
}

func (s *Scheduler) pruneChat(context.Context) {
	chat := s.cfg.Chat
	if n := s.cache.Prune(config.Minutes(chat.CacheMaxAge), chat.CacheKeep); n > 0 {
		s.logger.Debug().Int("messages", n).Msg("chat cache pruned")
	}
}

func (s *Scheduler) refreshGeoIP(ctx context.Context) {
	g := s.cfg.GeoIP
	downloaded, err := s.ensureGeoIP(ctx, g.Path, g.URL, time.Duration(g.MaxAge)*time.Hour)
	if err != nil {
		s.logger.Warn().Err(err).Msg("GeoIP refresh failed")
		return
	}
	if !downloaded {
		return
	}

	if info, err := os.Stat(g.Path); err == nil {
		s.logger.Info().Str("size", formatBytes(info.Size())).Msg("GeoIP database downloaded")
	}
	if s.geo != nil {
		if err := s.geo.Reload(); err != nil {
			s.logger.Warn().Err(err).Msg("GeoIP reload failed")
		}
	}
}

// formatBytes formats bytes into human-readable format.
func formatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = KB * 1024
		GB = MB * 1024
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.2f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.2f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.2f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
