package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jkelin/Tribes-Revengeance-stats/internal/util"
)

// handlePing returns a simple health check response.
func (s *Server) handlePing(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "trstats",
		"version": s.version,
	})
}

func (s *Server) handleStatusJSON(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleStatus reports host, process and tracker state.
func (s *Server) handleStatus(c *gin.Context) {
	resp := gin.H{
		"version": s.version,
		"system":  util.GetSystemInfo(),
		"process": util.GetProcessInfo(),
	}

	dbOK := s.deps.Store.Ping(c.Request.Context()) == nil
	resp["database"] = dbOK

	if players, err := s.deps.Store.CountPlayers(c.Request.Context()); err == nil {
		resp["players_tracked"] = players
	}
	if s.deps.Registry != nil {
		resp["servers_seen"] = s.deps.Registry.Len()
	}
	if s.deps.Probes != nil {
		resp["probes_pending"] = s.deps.Probes.Pending()
	}
	if s.deps.Health != nil {
		resp["checks"] = s.deps.Health.Status()
	}
	_, gatewayUp := s.ws.Load().(gin.HandlerFunc)
	resp["gateway"] = gatewayUp

	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}
