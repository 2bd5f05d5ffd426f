// Package config handles configuration loading, validation, and persistence
// for the trstats tracker.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	DefaultConfigDir    = "config"
	DefaultConfigFile   = "config.json"
	DefaultAPIPort      = 5000
	DefaultDirectoryURL = "https://qtracker.com/server_list_details.php?game=tribesvengeance"
	DefaultGeoIPURL     = "https://git.io/GeoLite2-Country.mmdb"
)

// Config is the root configuration structure.
type Config struct {
	mu   sync.RWMutex
	path string

	Tracker TrackerConfig `json:"tracker"`
	Chat    ChatConfig    `json:"chat"`
	Relay   RelayConfig   `json:"relay"`
	MQTT    MQTTConfig    `json:"mqtt"`
	Storage StorageConfig `json:"storage"`
	GeoIP   GeoIPConfig   `json:"geoip"`
	API     APIConfig     `json:"api"`
	Timers  TimerConfig   `json:"timers"`
	Logging LoggingConfig `json:"logging"`
}

// TrackerConfig controls server discovery, probing and reconciliation.
type TrackerConfig struct {
	DirectoryURL       string `json:"directory_url"`
	DirectoryTimeout   int    `json:"directory_timeout_sec"`
	PollInterval       int    `json:"poll_interval_sec"`
	ReplyWindow        int    `json:"reply_window_sec"`
	SessionGap         int    `json:"session_gap_min"`
	PopulationInterval int    `json:"population_interval_sec"`
	UDPReadBuffer      int    `json:"udp_read_buffer"`
	PublicIPFallback   bool   `json:"public_ip_fallback"`
	PublicIP           string `json:"public_ip"`
}

// ChatConfig controls the admin console collector.
type ChatConfig struct {
	Enabled      bool `json:"enabled"`
	PollInterval int  `json:"poll_interval_ms"`
	FetchTimeout int  `json:"fetch_timeout_ms"`
	SayDebounce  int  `json:"say_debounce_ms"`
	DedupWindow  int  `json:"dedup_window_min"`
	History      int  `json:"history_min"`
	CacheKeep    int  `json:"cache_keep"`
	CacheMaxAge  int  `json:"cache_max_age_min"`
}

// RelayConfig controls the cross-instance relay and its replay log.
type RelayConfig struct {
	InstanceID    string `json:"instance_id"`
	BucketTTL     int    `json:"bucket_ttl_min"`
	ReplayHours   int    `json:"replay_hours"`
	ReplayTimeout int    `json:"replay_timeout_sec"`
	ReplayLimit   int    `json:"replay_limit"`
}

// MQTTConfig holds the shared broker settings. When disabled the relay
// runs against an in-process loopback broker.
type MQTTConfig struct {
	Enabled     bool   `json:"enabled"`
	BrokerURL   string `json:"broker_url"`
	Port        int    `json:"port"`
	UseTLS      bool   `json:"use_tls"`
	CertFile    string `json:"cert_file"`
	KeyFile     string `json:"key_file"`
	ClientID    string `json:"client_id"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	TopicPrefix string `json:"topic_prefix"`
}

// StorageConfig holds the sqlite database location.
type StorageConfig struct {
	Path string `json:"path"`
}

// GeoIPConfig holds the offline country database settings.
type GeoIPConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
	URL     string `json:"url"`
	MaxAge  int    `json:"max_age_hours"`
}

// APIConfig holds HTTP listener settings shared by the API and gateway.
type APIConfig struct {
	Port           int      `json:"port"`
	AllowedOrigins []string `json:"allowed_origins"`
	RateLimitRPS   int      `json:"rate_limit_rps"`
	RateLimitBurst int      `json:"rate_limit_burst"`
	AuthToken      string   `json:"auth_token"`
	TrustProxy     bool     `json:"trust_proxy"`
	TLSEnabled     bool     `json:"tls_enabled"`
	TLSCertFile    string   `json:"tls_cert_file"`
	TLSKeyFile     string   `json:"tls_key_file"`
}

// TimerConfig holds periodic maintenance and health check intervals.
type TimerConfig struct {
	PublicIPCheckInterval int `json:"public_ip_check_interval_sec"`
	BrokerCheckInterval   int `json:"broker_check_interval_sec"`
	ChatHealthInterval    int `json:"chat_health_interval_sec"`
	RelayPurgeInterval    int `json:"relay_purge_interval_sec"`
	CachePruneInterval    int `json:"cache_prune_interval_sec"`
	GeoIPRefreshInterval  int `json:"geoip_refresh_interval_sec"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `json:"level"`
	Directory  string `json:"directory"`
	MaxBackups int    `json:"max_backups"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Tracker: TrackerConfig{
			DirectoryURL:       DefaultDirectoryURL,
			DirectoryTimeout:   5,
			PollInterval:       5,
			ReplyWindow:        4,
			PopulationInterval: 60,
			UDPReadBuffer:      8192,
			PublicIPFallback:   true,
		},
		Chat: ChatConfig{
			Enabled:      true,
			PollInterval: 1000,
			FetchTimeout: 1000,
			SayDebounce:  500,
			DedupWindow:  15,
			History:      60,
			CacheKeep:    200,
			CacheMaxAge:  180,
		},
		Relay: RelayConfig{
			BucketTTL:     120,
			ReplayHours:   3,
			ReplayTimeout: 15,
			ReplayLimit:   1000,
		},
		MQTT: MQTTConfig{
			Enabled:     false,
			BrokerURL:   "localhost",
			Port:        1883,
			TopicPrefix: "trstats",
		},
		Storage: StorageConfig{
			Path: "data/trstats.db",
		},
		GeoIP: GeoIPConfig{
			Enabled: true,
			Path:    "data/GeoLite2-Country.mmdb",
			URL:     DefaultGeoIPURL,
			MaxAge:  24 * 7,
		},
		API: APIConfig{
			Port:           DefaultAPIPort,
			RateLimitRPS:   20,
			RateLimitBurst: 40,
		},
		Timers: TimerConfig{
			PublicIPCheckInterval: 1800,
			BrokerCheckInterval:   60,
			ChatHealthInterval:    300,
			RelayPurgeInterval:    600,
			CachePruneInterval:    300,
			GeoIPRefreshInterval:  86400,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Directory:  "logs",
			MaxBackups: 7,
		},
	}
}

// Load reads configuration from a JSON file in configDir, creating one
// with defaults when it does not exist.
func Load(configDir string) (*Config, error) {
	configPath := filepath.Join(configDir, DefaultConfigFile)

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			log.Info().Str("path", configPath).Msg("config file not found, creating default")
			cfg := DefaultConfig()
			cfg.path = configPath
			if saveErr := cfg.Save(); saveErr != nil {
				return nil, fmt.Errorf("failed to save default config: %w", saveErr)
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}

	cfg.path = configPath
	log.Info().Str("path", configPath).Msg("configuration loaded")

	// Re-save so config.json picks up fields added since it was written.
	if saveErr := cfg.Save(); saveErr != nil {
		log.Warn().Err(saveErr).Msg("failed to re-save config with updated defaults")
	}

	return cfg, nil
}

// Save writes the current configuration to disk.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.path == "" {
		return fmt.Errorf("config has no file path")
	}

	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(c.path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	log.Debug().Str("path", c.path).Msg("configuration saved")
	return nil
}

// Path returns the config file path.
func (c *Config) Path() string {
	return c.path
}

// GetRelay returns a copy of the relay configuration.
func (c *Config) GetRelay() RelayConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Relay
}

// SetInstanceID pins the relay origin id.
func (c *Config) SetInstanceID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Relay.InstanceID = id
}

// GetTracker returns a copy of the tracker configuration.
func (c *Config) GetTracker() TrackerConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Tracker
}

// SetPublicIP records the detected public address used by the prober.
func (c *Config) SetPublicIP(ip string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Tracker.PublicIP = ip
}

// Seconds converts a config value in seconds to a duration.
func Seconds(v int) time.Duration {
	return time.Duration(v) * time.Second
}

// Millis converts a config value in milliseconds to a duration.
func Millis(v int) time.Duration {
	return time.Duration(v) * time.Millisecond
}

// Minutes converts a config value in minutes to a duration.
func Minutes(v int) time.Duration {
	return time.Duration(v) * time.Minute
}
