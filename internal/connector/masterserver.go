// Package connector implements the HTTP clients for external services: the
// master server directory and the game servers' admin consoles.
package connector

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jkelin/Tribes-Revengeance-stats/internal/config"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/db"
	"github.com/jkelin/Tribes-Revengeance-stats/internal/protocol"
)

const (
	userAgent       = "trstats/%s"
	maxDirectoryLen = 4 << 20
)

// AddressStore lists the last known address of every persisted server.
type AddressStore interface {
	ListServerAddresses(ctx context.Context) ([]db.ServerAddress, error)
}

// MasterServerConnector discovers servers to probe. The master directory
// is authoritative; the local store is the fallback when it is down.
type MasterServerConnector struct {
	cfg     *config.Config
	store   AddressStore
	client  *http.Client
	version string
}

// NewMasterServerConnector creates a new master server connector.
func NewMasterServerConnector(cfg *config.Config, store AddressStore, version string) *MasterServerConnector {
	tracker := cfg.GetTracker()
	return &MasterServerConnector{
		cfg:     cfg,
		store:   store,
		version: version,
		client: &http.Client{
			Timeout: config.Seconds(tracker.DirectoryTimeout),
			Transport: &http.Transport{
				MaxIdleConns:    4,
				IdleConnTimeout: 90 * time.Second,
			},
		},
	}
}

// ListFromDirectory fetches the master directory listing. Directory ports
// are query ports.
func (c *MasterServerConnector) ListFromDirectory(ctx context.Context) ([]protocol.Address, error) {
	url := c.cfg.GetTracker().DirectoryURL
	if url == "" {
		return nil, fmt.Errorf("no master directory configured")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create directory request: %w", err)
	}
	req.Header.Set("User-Agent", fmt.Sprintf(userAgent, c.version))

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("directory request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("directory returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxDirectoryLen))
	if err != nil {
		return nil, fmt.Errorf("failed to read directory listing: %w", err)
	}

	return protocol.ParseMasterList(string(body)), nil
}

// ListFromStore returns the query address of every stored server. Stored
// ports are game ports.
func (c *MasterServerConnector) ListFromStore(ctx context.Context) ([]protocol.Address, error) {
	stored, err := c.store.ListServerAddresses(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load stored servers: %w", err)
	}

	out := make([]protocol.Address, 0, len(stored))
	for _, s := range stored {
		candidate := protocol.Address{IP: s.IP, Port: protocol.QueryPortFromHostPort(s.Port)}
		addr, ok := protocol.ParseAddress(candidate.String())
		if !ok {
			continue
		}
		out = append(out, addr)
	}
	return out, nil
}

// Resolve returns the addresses to probe this round: the directory when it
// answers with at least one server, the store otherwise.
func (c *MasterServerConnector) Resolve(ctx context.Context) []protocol.Address {
	addrs, err := c.ListFromDirectory(ctx)
	if err == nil && len(addrs) > 0 {
		log.Debug().Int("servers", len(addrs)).Msg("resolved servers from master directory")
		return protocol.Dedupe(addrs)
	}
	if err != nil {
		log.Warn().Err(err).Msg("master directory unavailable, using stored servers")
	} else {
		log.Warn().Msg("master directory returned no servers, using stored servers")
	}

	addrs, err = c.ListFromStore(ctx)
	if err != nil {
		log.Error().Err(err).Msg("failed to list stored servers")
		return []protocol.Address{}
	}
	return protocol.Dedupe(addrs)
}
