package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/jkelin/Tribes-Revengeance-stats/internal/api"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/chat"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/config"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/connector"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/db"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/events"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/gateway"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/geoip"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/health"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/network"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/relay"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/scheduler"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/server"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/util"
)

type serveCommand struct{}

func (c *serveCommand) Execute([]string) error {
	fmt.Printf(Banner, AppVersion)
	fmt.Println()

	cfg, err := loadConfig(false)
	if err != nil {
		return err
	}

	log.Info().
		Str("version", AppVersion).
		Str("platform", runtime.GOOS).
		Str("arch", runtime.GOARCH).
		Int("cpus", runtime.NumCPU()).
		Msg("starting trstats")

	validation := config.Validate(cfg)
	for _, w := range validation.Warnings {
		log.Warn().Str("field", w.Field).Msg(w.Message)
	}
	if !validation.IsValid() {
		for _, e := range validation.Errors {
			log.Error().Str("field", e.Field).Msg(e.Message)
		}
		return fmt.Errorf("configuration validation failed, please fix the errors above")
	}

	sysInfo := util.GetSystemInfo()
	log.Info().
		Str("hostname", sysInfo.Hostname).
		Str("os", sysInfo.OS).
		Str("cpu", sysInfo.CPUModel).
		Int("cores", sysInfo.CPUCores).
		Uint64("memory_mb", sysInfo.TotalMemory).
		Msg("system information")

	instanceID := cfg.GetRelay().InstanceID
	if instanceID == "" {
		instanceID = uuid.NewString()
		cfg.SetInstanceID(instanceID)
	}
	log.Info().Str("instance", instanceID).Msg("relay origin assigned")

	if cfg.API.TLSEnabled {
		if err := util.EnsureCertificate(cfg.API.TLSCertFile, cfg.API.TLSKeyFile, []string{"localhost"}); err != nil {
			return fmt.Errorf("failed to prepare API certificate: %w", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// GeoIP is optional; countries stay empty without it.
	var (
		geoProvider *geoip.Provider
		geo         server.CountryResolver
		geoReloader scheduler.Reloader
	)
	if cfg.GeoIP.Enabled {
		if _, err := geoip.EnsureDB(ctx, cfg.GeoIP.Path, cfg.GeoIP.URL, time.Duration(cfg.GeoIP.MaxAge)*time.Hour); err != nil {
			log.Warn().Err(err).Msg("failed to download GeoIP database")
		}
		geoProvider, err = geoip.Open(cfg.GeoIP.Path)
		if err != nil {
			log.Warn().Err(err).Msg("failed to open GeoIP database, country detection disabled")
		} else {
			geo = geoProvider
			geoReloader = geoProvider
			defer geoProvider.Close()
		}
	}

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Error().Err(err).Msg("error closing database")
		}
	}()

	eventBus := events.NewEventBus()

	// Polling
	registry := server.NewRegistry()
	reconciler := server.NewReconciler(cfg, store, geo, eventBus, registry, instanceID)
	prober := network.NewProber(cfg, reconciler.HandleReply)
	discovery := connector.NewMasterServerConnector(cfg, store, AppVersion)
	pollMgr := server.NewManager(cfg, discovery, prober)

	// Chat
	console := connector.NewConsoleClient(config.Millis(cfg.Chat.FetchTimeout))
	chatCache := chat.NewCache(config.Minutes(cfg.Chat.DedupWindow), config.Minutes(cfg.Chat.History))
	chatCache.Attach(eventBus)
	collector := chat.NewCollector(cfg, store, console, chatCache, eventBus, instanceID)
	sayer := chat.NewSayer(cfg, store, console)
	sayer.Attach(eventBus)

	// Relay
	var broker relay.Broker = relay.NewMemoryBroker()
	if cfg.MQTT.Enabled {
		mqttBroker, err := relay.NewMQTTBroker(cfg, instanceID)
		if err != nil {
			log.Error().Err(err).Msg("failed to configure MQTT broker")
			return err
		}
		broker = mqttBroker
	}
	defer broker.Close()
	rel := relay.New(cfg, eventBus, broker, db.NewRelayLog(store), instanceID)

	// Realtime gateway
	hub := gateway.NewHub(eventBus, instanceID)
	hub.Attach(eventBus)

	healthMgr := health.NewManager(cfg, store, rel, eventBus)
	sched := scheduler.NewScheduler(cfg, rel, chatCache, geoReloader)

	apiServer := api.NewServer(cfg, api.Deps{
		Store:    store,
		Chat:     chatCache,
		Uploads:  reconciler,
		Registry: registry,
		Health:   healthMgr,
		Probes:   prober,
	}, AppVersion)

	var wg sync.WaitGroup
	errCh := make(chan error, 4)
	spawn := func(name string, fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			log.Info().Str("task", name).Msg("starting")
			fn()
		}()
	}

	if err := prober.Listen(ctx, ":0"); err != nil {
		return err
	}
	spawn("prober", func() { _ = prober.Start(ctx) })
	spawn("poll manager", func() { _ = pollMgr.Run(ctx) })

	if cfg.Chat.Enabled {
		spawn("chat collector", func() { _ = collector.Run(ctx) })
	}

	spawn("gateway hub", func() { hub.Run(ctx) })

	// The gateway only opens once the relay is live and the chat cache has
	// been bootstrapped; polling runs either way.
	spawn("relay", func() {
		if err := bootRelay(ctx, cfg, broker, rel); err != nil {
			log.Error().Err(err).Msg("relay unavailable, realtime gateway disabled")
			return
		}
		apiServer.EnableGateway(hub)
		log.Info().Msg("realtime gateway enabled")
	})

	spawn("API server", func() {
		log.Info().Int("port", cfg.API.Port).Msg("starting HTTP API server")
		if err := startWithRetry(ctx, "API server", apiServer.Start, 15); err != nil {
			errCh <- fmt.Errorf("api server: %w", err)
		}
	})

	spawn("health checks", func() { healthMgr.Start(ctx) })
	spawn("scheduler", func() { sched.Start(ctx) })

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	var exitErr error
	select {
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case exitErr = <-errCh:
		log.Error().Err(exitErr).Msg("critical error, initiating shutdown")
	}

	log.Info().Msg("initiating graceful shutdown...")
	cancel()

	if err := apiServer.Stop(); err != nil {
		log.Warn().Err(err).Msg("API server shutdown error")
	}
	sayer.Stop()
	if err := prober.Stop(); err != nil {
		log.Debug().Err(err).Msg("prober close error")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Info().Msg("all tasks stopped gracefully")
	case <-time.After(30 * time.Second):
		log.Warn().Msg("shutdown timed out after 30 seconds, forcing exit")
	}

	eventBus.Stop()
	log.Info().Msg("trstats stopped")
	return exitErr
}

// bootRelay connects the broker, subscribes the relay and replays recent
// chat into the cache.
func bootRelay(ctx context.Context, cfg *config.Config, broker relay.Broker, rel *relay.Relay) error {
	if mqttBroker, ok := broker.(*relay.MQTTBroker); ok {
		connectCtx, cancel := context.WithTimeout(ctx, config.Seconds(cfg.Relay.ReplayTimeout))
		err := mqttBroker.Connect(connectCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("connect broker: %w", err)
		}
	}
	if err := rel.Start(ctx); err != nil {
		return err
	}
	if _, err := rel.Replay(ctx); err != nil {
		return fmt.Errorf("replay: %w", err)
	}
	return nil
}

// startWithRetry attempts to start a listener or server with retry on bind
// errors, waiting 3 seconds between attempts. It returns nil once startFn
// returns nil, which for servers means after a clean shutdown.
func startWithRetry(ctx context.Context, name string, startFn func(context.Context) error, maxRetries int) error {
	var lastErr error
	for i := 0; i <= maxRetries; i++ {
		if ctx.Err() != nil {
			return nil
		}
		lastErr = startFn(ctx)
		if lastErr == nil || ctx.Err() != nil {
			return nil
		}
		if i < maxRetries {
			log.Warn().Err(lastErr).Str("component", name).Int("retry", i+1).Int("max", maxRetries).Msg("bind failed, retrying in 3s...")
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(3 * time.Second):
			}
		}
	}
	return lastErr
}
