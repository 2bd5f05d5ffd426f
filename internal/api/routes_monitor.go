package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/jkelin/Tribes-Revengeance-stats/internal/db"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/protocol"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/util"
)

const maxUploadSize = 4 << 20

func (s *Server) handleListServers(c *gin.Context) {
	servers, err := s.deps.Store.ListServers(c.Request.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to list servers")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list servers"})
		return
	}

	out := make([]db.ServerRecord, 0, len(servers))
	for _, srv := range servers {
		out = append(out, srv.Public())
	}
	c.JSON(http.StatusOK, gin.H{
		"servers": out,
		"total":   len(out),
	})
}

// loadServer resolves the :id parameter, writing the error response when
// it does not exist.
func (s *Server) loadServer(c *gin.Context) (*db.ServerRecord, bool) {
	srv, err := s.deps.Store.GetServer(c.Request.Context(), c.Param("id"))
	switch {
	case errors.Is(err, db.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "server not found"})
		return nil, false
	case err != nil:
		log.Error().Err(err).Str("server", c.Param("id")).Msg("failed to load server")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load server"})
		return nil, false
	}
	return srv, true
}

func (s *Server) handleGetServer(c *gin.Context) {
	srv, ok := s.loadServer(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, srv.Public())
}

func (s *Server) handleServerChat(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"server":   c.Param("id"),
		"messages": s.deps.Chat.ChatFor(c.Param("id")),
	})
}

func (s *Server) handleServerPopulation(c *gin.Context) {
	hours, err := strconv.Atoi(c.DefaultQuery("hours", "24"))
	if err != nil || hours < 1 || hours > 24*31 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid hours"})
		return
	}

	points, err := s.deps.Store.PopulationSince(c.Request.Context(), c.Param("id"), time.Now().Add(-time.Duration(hours)*time.Hour))
	if err != nil {
		log.Error().Err(err).Msg("failed to read population")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read population"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"server": c.Param("id"), "points": points})
}

func (s *Server) handleServerMatches(c *gin.Context) {
	matches, err := s.deps.Store.RecentMatches(c.Request.Context(), c.Param("id"), queryLimit(c, 20, 100))
	if err != nil {
		log.Error().Err(err).Msg("failed to read matches")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read matches"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"server": c.Param("id"), "matches": matches})
}

func (s *Server) handleTopPlayers(c *gin.Context) {
	players, err := s.deps.Store.TopPlayers(c.Request.Context(), queryLimit(c, 50, 500))
	if err != nil {
		log.Error().Err(err).Msg("failed to read players")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read players"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"players": players})
}

// handleLive lists the servers answering probes in the last few minutes
// with their current player counts.
func (s *Server) handleLive(c *gin.Context) {
	if s.deps.Registry == nil {
		c.JSON(http.StatusOK, gin.H{"servers": []interface{}{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"servers": s.deps.Registry.Servers(time.Now().Add(-5 * time.Minute)),
	})
}

// handleUpload accepts an end-of-match report. The server is identified
// by the address the request comes from and the port in the report.
func (s *Server) handleUpload(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxUploadSize))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	upload, err := protocol.DecodeUpload(body)
	if err != nil {
		log.Debug().Err(err).Str("client_ip", c.ClientIP()).Msg("rejected match upload")
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result, err := s.deps.Uploads.ApplyUpload(c.Request.Context(), util.ClientIP(c.ClientIP()), upload)
	if err != nil {
		log.Error().Err(err).Str("client_ip", c.ClientIP()).Msg("failed to apply match upload")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to apply upload"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleSetChatConfig(c *gin.Context) {
	if _, ok := s.loadServer(c); !ok {
		return
	}

	var chat db.ChatConfig
	if err := c.ShouldBindJSON(&chat); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid chat settings"})
		return
	}
	chat.OK = false

	if err := s.deps.Store.SetChatConfig(c.Request.Context(), c.Param("id"), chat); err != nil {
		log.Error().Err(err).Str("server", c.Param("id")).Msg("failed to store chat settings")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store chat settings"})
		return
	}
	log.Info().Str("server", c.Param("id")).Bool("enabled", chat.Enabled).Msg("chat settings updated")
	c.JSON(http.StatusOK, gin.H{"server": c.Param("id"), "enabled": chat.Enabled})
}

// handleGetLogEntries returns recent log entries.
func (s *Server) handleGetLogEntries(c *gin.Context) {
	entries, err := readRecentLogEntries(s.cfg.Logging.Directory, queryLimit(c, 100, 1000))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

func queryLimit(c *gin.Context, def, max int) int {
	n, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(def)))
	if err != nil || n < 1 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

// logEntry is a parsed log entry for the API response.
type logEntry struct {
	Timestamp string                 `json:"timestamp"`
	Level     string                 `json:"level"`
	Message   string                 `json:"message"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
}

// readRecentLogEntries parses the last count lines of the newest log file.
func readRecentLogEntries(logDir string, count int) ([]logEntry, error) {
	dirEntries, err := os.ReadDir(logDir)
	if err != nil {
		return nil, err
	}

	var latestFile string
	for i := len(dirEntries) - 1; i >= 0; i-- {
		if !dirEntries[i].IsDir() && filepath.Ext(dirEntries[i].Name()) == ".log" {
			latestFile = filepath.Join(logDir, dirEntries[i].Name())
			break
		}
	}
	if latestFile == "" {
		return []logEntry{}, nil
	}

	data, err := os.ReadFile(latestFile)
	if err != nil {
		return nil, err
	}

	lines := strings.Split(string(data), "\n")
	start := len(lines) - count
	if start < 0 {
		start = 0
	}

	knownKeys := map[string]bool{
		"level": true, "time": true, "message": true,
		"caller": true, "app": true,
	}

	result := make([]logEntry, 0, count)
	for _, line := range lines[start:] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		var raw map[string]interface{}
		if err := json.Unmarshal([]byte(line), &raw); err != nil {
			result = append(result, logEntry{Message: line})
			continue
		}

		entry := logEntry{
			Level:   fmt.Sprint(raw["level"]),
			Message: fmt.Sprint(raw["message"]),
		}
		if t, ok := raw["time"]; ok {
			entry.Timestamp = fmt.Sprint(t)
		}

		extra := make(map[string]interface{})
		for k, v := range raw {
			if !knownKeys[k] {
				extra[k] = v
			}
		}
		if len(extra) > 0 {
			entry.Fields = extra
		}
		result = append(result, entry)
	}
	return result, nil
}
