package config

import (
	"strings"
)

// Options are the global command-line flags. Values set here override the
// matching config.json fields for the lifetime of the process.
type Options struct {
	ConfigDir  string `short:"c" long:"config-dir" env:"TRSTATS_CONFIG_DIR" description:"Directory holding config.json" default:"config"`
	LogLevel   string `short:"l" long:"log-level" env:"TRSTATS_LOG_LEVEL" description:"Override logging.level (trace, debug, info, warn, error)"`
	InstanceID string `long:"instance-id" env:"TRSTATS_INSTANCE_ID" description:"Fixed relay origin id, random per process when empty"`
	PublicIP   string `long:"public-ip" env:"TRSTATS_PUBLIC_IP" description:"Public address used for privately-addressed replies"`
	Version    bool   `short:"v" long:"version" description:"Print version and exit"`
}

// Apply copies non-empty overrides into cfg.
func (o *Options) Apply(cfg *Config) {
	cfg.mu.Lock()
	defer cfg.mu.Unlock()

	if lvl := strings.TrimSpace(o.LogLevel); lvl != "" {
		cfg.Logging.Level = strings.ToLower(lvl)
	}
	if o.InstanceID != "" {
		cfg.Relay.InstanceID = o.InstanceID
	}
	if o.PublicIP != "" {
		cfg.Tracker.PublicIP = o.PublicIP
	}
}
