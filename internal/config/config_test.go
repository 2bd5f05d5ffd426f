package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, DefaultDirectoryURL, cfg.Tracker.DirectoryURL)
	assert.Equal(t, 500, cfg.Chat.SayDebounce)
	assert.FileExists(t, filepath.Join(dir, DefaultConfigFile))
	assert.True(t, Validate(cfg).IsValid())
}

func TestLoadOverlaysDefaults(t *testing.T) {
	dir := t.TempDir()
	body := `{"tracker":{"poll_interval_sec":10},"mqtt":{"enabled":true,"broker_url":"broker.local","port":8883}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte(body), 0644))

	cfg, err := Load(dir)
	require.NoError(t, err)

	assert.Equal(t, 10, cfg.Tracker.PollInterval)
	assert.Equal(t, 5, cfg.Tracker.DirectoryTimeout, "untouched fields keep their defaults")
	assert.True(t, cfg.MQTT.Enabled)
	assert.Equal(t, "broker.local", cfg.MQTT.BrokerURL)
}

func TestLoadRejectsBrokenJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, DefaultConfigFile), []byte("{"), 0644))

	_, err := Load(dir)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Tracker.DirectoryURL = "not a url"
	cfg.Tracker.PollInterval = 0
	cfg.MQTT.Enabled = true
	cfg.MQTT.BrokerURL = ""
	cfg.API.Port = 70000

	result := Validate(cfg)
	require.False(t, result.IsValid())

	fields := map[string]bool{}
	for _, e := range result.Errors {
		fields[e.Field] = true
	}
	assert.True(t, fields["tracker.directory_url"])
	assert.True(t, fields["tracker.poll_interval_sec"])
	assert.True(t, fields["mqtt.broker_url"])
	assert.True(t, fields["api.port"])
}

func TestOptionsApply(t *testing.T) {
	cfg := DefaultConfig()
	opts := Options{LogLevel: " DEBUG ", InstanceID: "node-a", PublicIP: "203.0.113.7"}

	opts.Apply(cfg)

	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "node-a", cfg.GetRelay().InstanceID)
	assert.Equal(t, "203.0.113.7", cfg.GetTracker().PublicIP)
}
