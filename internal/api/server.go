package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/jkelin/Tribes-Revengeance-stats/internal/config"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/db"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/events"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/gateway"
	intnet "github.com/jkelin/Tribes-Revengeance-stats/internal/network"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/protocol"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/server"
)

// Store is the read side of the database plus console settings.
type Store interface {
	ListServers(ctx context.Context) ([]db.ServerRecord, error)
	GetServer(ctx context.Context, id string) (*db.ServerRecord, error)
	SetChatConfig(ctx context.Context, id string, chat db.ChatConfig) error
	PopulationSince(ctx context.Context, server string, since time.Time) ([]db.PopulationPoint, error)
	TopPlayers(ctx context.Context, limit int) ([]db.PlayerRecord, error)
	CountPlayers(ctx context.Context) (int, error)
	RecentMatches(ctx context.Context, server string, limit int) ([]db.MatchRecord, error)
	Ping(ctx context.Context) error
}

// ChatSource serves the recent chat of a server.
type ChatSource interface {
	ChatFor(server string) []events.ChatMessage
}

// Uploader applies end-of-match reports.
type Uploader interface {
	ApplyUpload(ctx context.Context, ip string, upload *protocol.MatchUpload) (*server.UploadResult, error)
}

// Deps are the components the API reads from.
type Deps struct {
	Store    Store
	Chat     ChatSource
	Uploads  Uploader
	Registry *server.Registry
	Health   HealthSource
	Probes   ProbeSource
}

// HealthSource reports the state of background checks.
type HealthSource interface {
	Status() map[string]interface{}
}

// ProbeSource reports the probes of the current round without a reply.
type ProbeSource interface {
	Pending() int
}

// Server is the HTTP host for the REST API and the realtime gateway.
type Server struct {
	cfg     *config.Config
	deps    Deps
	version string

	ws atomic.Value // gin.HandlerFunc

	httpServer *http.Server
	router     *gin.Engine
}

// NewServer creates the API server.
func NewServer(cfg *config.Config, deps Deps, version string) *Server {
	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	s := &Server{
		cfg:     cfg,
		deps:    deps,
		version: version,
	}
	s.router = s.buildRouter()
	return s
}

// EnableGateway starts accepting WebSocket clients on /ws. Until it is
// called the endpoint answers 503, so clients never connect before the
// chat cache is rebuilt.
func (s *Server) EnableGateway(hub *gateway.Hub) {
	s.ws.Store(hub.Handler(s.cfg.API.AllowedOrigins))
	log.Info().Msg("realtime gateway enabled")
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens and serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.API.Port)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		IdleTimeout: 120 * time.Second,
	}

	if s.cfg.API.TLSEnabled {
		cert, err := tls.LoadX509KeyPair(s.cfg.API.TLSCertFile, s.cfg.API.TLSKeyFile)
		if err != nil {
			return fmt.Errorf("failed to load API certificate: %w", err)
		}
		s.httpServer.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}

	// SO_REUSEADDR for immediate rebinding after restart
	lc := intnet.ReuseAddrListenConfig()
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("API server error: %w", err)
	}

	log.Info().Str("addr", addr).Bool("tls", s.cfg.API.TLSEnabled).Msg("API server starting")

	go func() {
		<-ctx.Done()
		_ = s.Stop()
	}()

	if s.cfg.API.TLSEnabled {
		err = s.httpServer.Serve(tls.NewListener(ln, s.httpServer.TLSConfig))
	} else {
		err = s.httpServer.Serve(ln)
	}

	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("API server error: %w", err)
	}
	return nil
}

func (s *Server) buildRouter() *gin.Engine {
	router := gin.New()
	if !s.cfg.API.TrustProxy {
		_ = router.SetTrustedProxies(nil)
	}

	router.Use(gin.Recovery())
	router.Use(RequestLogger())
	router.Use(SecurityHeaders())

	allowedOrigins := s.cfg.API.AllowedOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: false, // Must be false when AllowOrigins is "*"
		MaxAge:           12 * time.Hour,
	}))

	limiter := NewRateLimiter(s.cfg.API.RateLimitRPS, s.cfg.API.RateLimitBurst)
	router.Use(limiter.Middleware())

	router.GET("/status.json", s.handleStatusJSON)
	router.POST("/upload", s.handleUpload)
	router.GET("/ws", s.handleWebSocket)

	public := router.Group("/api/public")
	{
		public.GET("/ping", s.handlePing)
		public.GET("/status", s.handleStatus)
	}

	monitor := router.Group("/api")
	{
		monitor.GET("/servers", s.handleListServers)
		monitor.GET("/servers/:id", s.handleGetServer)
		monitor.GET("/servers/:id/chat", s.handleServerChat)
		monitor.GET("/servers/:id/population", s.handleServerPopulation)
		monitor.GET("/servers/:id/matches", s.handleServerMatches)
		monitor.GET("/players/top", s.handleTopPlayers)
		monitor.GET("/live", s.handleLive)
	}

	admin := router.Group("/api/admin")
	admin.Use(RequireToken(s.cfg.API.AuthToken))
	{
		admin.PUT("/servers/:id/chat", s.handleSetChatConfig)
		admin.GET("/logs", s.handleGetLogEntries)
	}

	router.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "trstats API is running"})
	})

	return router
}

func (s *Server) handleWebSocket(c *gin.Context) {
	handler, ok := s.ws.Load().(gin.HandlerFunc)
	if !ok {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "realtime gateway is starting"})
		return
	}
	handler(c)
}

// Stop gracefully stops the API server.
func (s *Server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
