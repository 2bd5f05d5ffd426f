package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationResult holds the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationError
}

// IsValid returns true if there are no validation errors.
func (r *ValidationResult) IsValid() bool {
	return len(r.Errors) == 0
}

// AddError adds a validation error.
func (r *ValidationResult) AddError(field, message string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message})
}

// AddWarning adds a validation warning.
func (r *ValidationResult) AddWarning(field, message string) {
	r.Warnings = append(r.Warnings, ValidationError{Field: field, Message: message})
}

// Validate checks the configuration for values the tracker cannot run with.
func Validate(cfg *Config) *ValidationResult {
	result := &ValidationResult{}

	validateTracker(&cfg.Tracker, result)
	validateChat(&cfg.Chat, result)
	validateRelay(&cfg.Relay, result)
	validateMQTT(&cfg.MQTT, result)
	validateAPI(&cfg.API, result)

	if strings.TrimSpace(cfg.Storage.Path) == "" {
		result.AddError("storage.path", "database path is required")
	}
	if cfg.GeoIP.Enabled && strings.TrimSpace(cfg.GeoIP.Path) == "" {
		result.AddError("geoip.path", "GeoIP database path is required when enabled")
	}

	return result
}

func validateTracker(t *TrackerConfig, result *ValidationResult) {
	if t.DirectoryURL != "" {
		if u, err := url.Parse(t.DirectoryURL); err != nil || u.Scheme == "" || u.Host == "" {
			result.AddError("tracker.directory_url", fmt.Sprintf("invalid URL: %q", t.DirectoryURL))
		}
	} else {
		result.AddWarning("tracker.directory_url", "no master directory configured, only stored servers will be polled")
	}

	requirePositive(t.DirectoryTimeout, "tracker.directory_timeout_sec", result)
	requirePositive(t.PollInterval, "tracker.poll_interval_sec", result)
	requirePositive(t.ReplyWindow, "tracker.reply_window_sec", result)
	requirePositive(t.PopulationInterval, "tracker.population_interval_sec", result)

	if t.ReplyWindow > t.PollInterval {
		result.AddWarning("tracker.reply_window_sec", "reply window is longer than the poll interval, rounds will overlap")
	}
	if t.SessionGap < 0 {
		result.AddError("tracker.session_gap_min", "must not be negative, 0 disables the gap")
	}
	if t.UDPReadBuffer < 1400 {
		result.AddError("tracker.udp_read_buffer", "must be at least 1400 bytes")
	}
	if t.PublicIP != "" && net.ParseIP(t.PublicIP) == nil {
		result.AddError("tracker.public_ip", fmt.Sprintf("invalid IP address: %q", t.PublicIP))
	}
}

func validateChat(c *ChatConfig, result *ValidationResult) {
	if !c.Enabled {
		return
	}
	requirePositive(c.PollInterval, "chat.poll_interval_ms", result)
	requirePositive(c.FetchTimeout, "chat.fetch_timeout_ms", result)
	requirePositive(c.DedupWindow, "chat.dedup_window_min", result)
	requirePositive(c.History, "chat.history_min", result)

	if c.FetchTimeout > 10000 {
		result.AddWarning("chat.fetch_timeout_ms", "console fetches longer than 10s delay chat noticeably")
	}
	if c.CacheMaxAge < c.History {
		result.AddWarning("chat.cache_max_age_min", "cache is pruned before the history window ends")
	}
}

func validateRelay(r *RelayConfig, result *ValidationResult) {
	requirePositive(r.BucketTTL, "relay.bucket_ttl_min", result)
	requirePositive(r.ReplayTimeout, "relay.replay_timeout_sec", result)

	if r.ReplayHours < 1 {
		result.AddError("relay.replay_hours", "must replay at least the current bucket")
	}
	if r.BucketTTL < 60 {
		result.AddWarning("relay.bucket_ttl_min", "buckets expire within the hour they are written")
	}
}

func validateMQTT(m *MQTTConfig, result *ValidationResult) {
	if !m.Enabled {
		return
	}
	if strings.TrimSpace(m.BrokerURL) == "" {
		result.AddError("mqtt.broker_url", "MQTT broker URL is required when enabled")
	}
	if m.Port < 1 || m.Port > 65535 {
		result.AddError("mqtt.port", "invalid MQTT port")
	}
	if (m.CertFile == "") != (m.KeyFile == "") {
		result.AddError("mqtt.cert_file", "client certificate and key must be set together")
	}
}

func validateAPI(a *APIConfig, result *ValidationResult) {
	validatePort(a.Port, "api.port", result)

	if a.TLSEnabled {
		if strings.TrimSpace(a.TLSCertFile) == "" {
			result.AddError("api.tls_cert_file", "TLS certificate file is required when TLS is enabled")
		}
		if strings.TrimSpace(a.TLSKeyFile) == "" {
			result.AddError("api.tls_key_file", "TLS key file is required when TLS is enabled")
		}
	}

	if a.RateLimitRPS < 1 {
		result.AddWarning("api.rate_limit_rps", "rate limit is disabled (0 RPS), this may expose the API to abuse")
	}
}

func requirePositive(v int, field string, result *ValidationResult) {
	if v <= 0 {
		result.AddError(field, fmt.Sprintf("must be positive, got %d", v))
	}
}

func validatePort(port int, field string, result *ValidationResult) {
	if port < 1 || port > 65535 {
		result.AddError(field, fmt.Sprintf("invalid port number: %d (must be 1-65535)", port))
		return
	}
	if port < 1024 {
		result.AddWarning(field,
			fmt.Sprintf("port %d is a privileged port, may require elevated permissions", port))
	}
}
