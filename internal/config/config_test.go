package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 8080, cfg.Receiver.Port)
	assert.Equal(t, "memory", cfg.Receiver.Registry.Backend)
	assert.Equal(t, "gst-launch-1.0", cfg.Receiver.ResamplerPath)
	assert.Contains(t, cfg.Receiver.ResamplerArgs, "rate=48000")
	assert.Equal(t, 32, cfg.Forwarder.MaxAttempts)
	assert.Equal(t, 5, cfg.Forwarder.Timeout)
	assert.Equal(t, "danube", cfg.Player.DeviceName)

	require.NoError(t, cfg.Validate())
}

func TestDefaultResamplerArgsNotShared(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Receiver.ResamplerArgs[0] = "changed"

	assert.Equal(t, "filesrc", DefaultResamplerArgs[0])
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"bad log level", func(c *Config) { c.LogLevel = "loud" }, "log_level"},
		{"bad port", func(c *Config) { c.Receiver.Port = 70000 }, "receiver.port"},
		{"no resampler", func(c *Config) { c.Receiver.ResamplerPath = "" }, "resampler_path"},
		{"zero shutdown timeout", func(c *Config) { c.Receiver.ShutdownTimeoutMs = 0 }, "shutdown_timeout_ms"},
		{"unknown backend", func(c *Config) { c.Receiver.Registry.Backend = "etcd" }, "backend"},
		{"redis without key", func(c *Config) { c.Receiver.Registry.Backend = "redis" }, "encryption_key"},
		{"redis with short key", func(c *Config) {
			c.Receiver.Registry.Backend = "redis"
			c.Receiver.Registry.EncryptionKey = "abcd"
		}, "32 bytes"},
		{"redis valid", func(c *Config) {
			c.Receiver.Registry.Backend = "redis"
			c.Receiver.Registry.EncryptionKey = strings.Repeat("ab", 32)
		}, ""},
		{"history bad driver", func(c *Config) {
			c.Receiver.History.Enabled = true
			c.Receiver.History.Driver = "mysql"
		}, "history.driver"},
		{"zero attempts", func(c *Config) { c.Forwarder.MaxAttempts = 0 }, "max_attempts"},
		{"zero publish timeout", func(c *Config) { c.Player.PublishTimeout = 0 }, "publish_timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateForwarder(t *testing.T) {
	cfg := DefaultConfig()
	assert.Error(t, cfg.ValidateForwarder())

	cfg.Forwarder.ReceiverAddr = "receiver:8080"
	assert.Error(t, cfg.ValidateForwarder())

	cfg.Forwarder.ReceiverAddr = "http://receiver:8080"
	assert.NoError(t, cfg.ValidateForwarder())
}

func TestReceiverHelpers(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, "0.0.0.0:8080", cfg.Receiver.ListenAddr())
	assert.Equal(t, "http://127.0.0.1:8080", cfg.Receiver.StatusURL())

	cfg.Receiver.PublicURL = "https://relay.example.com/"
	assert.Equal(t, "https://relay.example.com", cfg.Receiver.StatusURL())
	assert.Equal(t, int64(1000), cfg.Receiver.ShutdownTimeout().Milliseconds())
	assert.Equal(t, 10*time.Second, cfg.Receiver.GraceDuration())
	assert.Equal(t, 24*time.Hour, cfg.Receiver.TokenTTL())
}

func TestLoadFromFileAndEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
log_level: debug
receiver:
  port: 9090
  api_keys: ["k1"]
forwarder:
  receiver_addr: http://relay:9090
  device_name: kitchen
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))
	t.Setenv("SPOTIFY_REMOTE_PLAYER_DEVICE_NAME", "den")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 9090, cfg.Receiver.Port)
	assert.Equal(t, []string{"k1"}, cfg.Receiver.APIKeys)
	assert.Equal(t, "kitchen", cfg.Forwarder.DeviceName)
	assert.Equal(t, "den", cfg.Player.DeviceName)
	// untouched keys keep defaults
	assert.Equal(t, "memory", cfg.Receiver.Registry.Backend)
}

func TestLoadRejectsInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: shouting\n"), 0600))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid configuration")
}

func TestWriteDefaultRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "config.yaml")

	require.NoError(t, WriteDefault(path, false))
	assert.Error(t, WriteDefault(path, false), "existing file must not be replaced")
	require.NoError(t, WriteDefault(path, true))

	cfg, err := Load(path)
	require.NoError(t, err)

	defaults := DefaultConfig()
	assert.Equal(t, defaults.Receiver.ResamplerArgs, cfg.Receiver.ResamplerArgs)
	assert.Equal(t, defaults.Receiver.Registry, cfg.Receiver.Registry)
	assert.Equal(t, defaults.Forwarder.MaxAttempts, cfg.Forwarder.MaxAttempts)
	assert.Equal(t, defaults.Player.EngineArgs, cfg.Player.EngineArgs)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("SPOTIFY_REMOTE_TEST_A=from-file\nSPOTIFY_REMOTE_TEST_B=from-file\n"), 0600))

	t.Setenv("SPOTIFY_REMOTE_TEST_B", "preset")
	os.Unsetenv("SPOTIFY_REMOTE_TEST_A")
	t.Cleanup(func() { os.Unsetenv("SPOTIFY_REMOTE_TEST_A") })

	require.NoError(t, LoadDotEnv(path))
	assert.Equal(t, "from-file", os.Getenv("SPOTIFY_REMOTE_TEST_A"))
	assert.Equal(t, "preset", os.Getenv("SPOTIFY_REMOTE_TEST_B"))

	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
}
