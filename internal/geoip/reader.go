// Package geoip resolves server addresses to countries using an offline
// MaxMind GeoLite2 database.
package geoip

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/oschwald/geoip2-golang"
	"github.com/rs/zerolog/log"
)

// ErrUnknownCountry is returned when an address has no country entry.
var ErrUnknownCountry = errors.New("country not found")

// Provider wraps the GeoIP2 database reader. The reader can be swapped
// with Reload while lookups are in flight.
type Provider struct {
	mu   sync.RWMutex
	db   *geoip2.Reader
	path string
}

// Open initializes the GeoIP database reader from a specific file path.
func Open(path string) (*Provider, error) {
	db, err := geoip2.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open GeoIP database %s: %w", path, err)
	}

	return &Provider{db: db, path: path}, nil
}

// Close closes the underlying GeoIP database reader.
func (p *Provider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.db == nil {
		return nil
	}
	err := p.db.Close()
	p.db = nil
	return err
}

// Reload reopens the database file, picking up a refreshed download. The
// old reader stays in use if the new file cannot be opened.
func (p *Provider) Reload() error {
	db, err := geoip2.Open(p.path)
	if err != nil {
		return fmt.Errorf("failed to reload GeoIP database %s: %w", p.path, err)
	}

	p.mu.Lock()
	old := p.db
	p.db = db
	p.mu.Unlock()

	if old != nil {
		_ = old.Close()
	}
	log.Info().Str("path", p.path).Msg("GeoIP database reloaded")
	return nil
}

// Country returns the ISO country code (e.g. "US", "DE") of ipStr.
func (p *Provider) Country(ipStr string) (string, error) {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return "", fmt.Errorf("invalid address %q", ipStr)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.db == nil {
		return "", errors.New("GeoIP database is closed")
	}

	record, err := p.db.Country(ip)
	if err != nil {
		return "", fmt.Errorf("GeoIP lookup for %s: %w", ipStr, err)
	}
	if record.Country.IsoCode == "" {
		return "", ErrUnknownCountry
	}
	return record.Country.IsoCode, nil
}

// GetCountryCode is Country without the error; it returns an empty string
// when the country cannot be determined.
func (p *Provider) GetCountryCode(ipStr string) string {
	code, _ := p.Country(ipStr)
	return code
}
