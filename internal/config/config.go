package config

import (
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the configuration shared by every subcommand
type Config struct {
	// Logging configuration
	LogLevel string `mapstructure:"log_level" yaml:"log_level"`
	LogFile  string `mapstructure:"log_file" yaml:"log_file"`

	Receiver  ReceiverConfig  `mapstructure:"receiver" yaml:"receiver"`
	Forwarder ForwarderConfig `mapstructure:"forwarder" yaml:"forwarder"`
	Player    PlayerConfig    `mapstructure:"player" yaml:"player"`
}

// ReceiverConfig configures the relay server, supervisor and status relay
type ReceiverConfig struct {
	Host string `mapstructure:"host" yaml:"host"`
	Port int    `mapstructure:"port" yaml:"port"`

	// PublicURL is the base URL player processes use to post status events.
	// Empty means http://127.0.0.1:<port>.
	PublicURL string `mapstructure:"public_url" yaml:"public_url"`

	// APIKeys protect the operator command endpoints; empty disables the check
	APIKeys []string `mapstructure:"api_keys" yaml:"api_keys"`

	// SessionSecret signs per-session status tokens; generated at startup if empty
	SessionSecret   string `mapstructure:"session_secret" yaml:"session_secret"`
	SessionTokenTTL int    `mapstructure:"session_token_ttl" yaml:"session_token_ttl"` // seconds

	// Player child process. Empty path means this binary.
	PlayerPath string   `mapstructure:"player_path" yaml:"player_path"`
	PlayerArgs []string `mapstructure:"player_args" yaml:"player_args"`

	// Resampler child process
	ResamplerPath string   `mapstructure:"resampler_path" yaml:"resampler_path"`
	ResamplerArgs []string `mapstructure:"resampler_args" yaml:"resampler_args"`

	ShutdownTimeoutMs int `mapstructure:"shutdown_timeout_ms" yaml:"shutdown_timeout_ms"`
	GracePeriod       int `mapstructure:"grace_period" yaml:"grace_period"` // seconds

	Registry RegistryConfig `mapstructure:"registry" yaml:"registry"`
	History  HistoryConfig  `mapstructure:"history" yaml:"history"`
}

// RegistryConfig selects where pending credentials are held
type RegistryConfig struct {
	Backend       string `mapstructure:"backend" yaml:"backend"` // memory, redis
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix" yaml:"redis_prefix"`
	// EncryptionKey is a hex encoded 32 byte AES key used to seal bundles in redis
	EncryptionKey string `mapstructure:"encryption_key" yaml:"encryption_key"`
}

// HistoryConfig configures the session audit trail
type HistoryConfig struct {
	Enabled bool   `mapstructure:"enabled" yaml:"enabled"`
	Driver  string `mapstructure:"driver" yaml:"driver"` // sqlite3, postgres
	DSN     string `mapstructure:"dsn" yaml:"dsn"`
}

// ForwarderConfig configures the capture side
type ForwarderConfig struct {
	ReceiverAddr string `mapstructure:"receiver_addr" yaml:"receiver_addr"`
	DeviceName   string `mapstructure:"device_name" yaml:"device_name"`

	// DiscoveryPath is a helper that prints captured credential JSON, one per line
	DiscoveryPath string   `mapstructure:"discovery_path" yaml:"discovery_path"`
	DiscoveryArgs []string `mapstructure:"discovery_args" yaml:"discovery_args"`

	MaxAttempts int `mapstructure:"max_attempts" yaml:"max_attempts"`
	Timeout     int `mapstructure:"timeout" yaml:"timeout"` // seconds
}

// PlayerConfig configures the playback child process
type PlayerConfig struct {
	DeviceName     string   `mapstructure:"device_name" yaml:"device_name"`
	EnginePath     string   `mapstructure:"engine_path" yaml:"engine_path"`
	EngineArgs     []string `mapstructure:"engine_args" yaml:"engine_args"`
	PublishTimeout int      `mapstructure:"publish_timeout" yaml:"publish_timeout"` // seconds
	StopTimeoutMs  int      `mapstructure:"stop_timeout_ms" yaml:"stop_timeout_ms"`
}

// DefaultResamplerArgs resamples s16le 44.1kHz stereo on stdin to 48kHz on stdout
var DefaultResamplerArgs = []string{
	"filesrc", "location=/dev/stdin", "!",
	"rawaudioparse", "use-sink-caps=false", "format=pcm", "pcm-format=s16le",
	"sample-rate=44100", "num-channels=2", "!",
	"audioconvert", "!",
	"audioresample", "!",
	"audio/x-raw,", "rate=48000", "!",
	"filesink", "location=/dev/stdout",
}

// DefaultConfig returns a configuration with default values
func DefaultConfig() *Config {
	return &Config{
		LogLevel: "info",
		LogFile:  "",
		Receiver: ReceiverConfig{
			Host:              "0.0.0.0",
			Port:              8080,
			SessionTokenTTL:   86400,
			PlayerArgs:        []string{"player"},
			ResamplerPath:     "gst-launch-1.0",
			ResamplerArgs:     append([]string(nil), DefaultResamplerArgs...),
			ShutdownTimeoutMs: 1000,
			GracePeriod:       10,
			Registry: RegistryConfig{
				Backend:     "memory",
				RedisAddr:   "localhost:6379",
				RedisPrefix: "spotify-remote:creds:",
			},
			History: HistoryConfig{
				Enabled: false,
				Driver:  "sqlite3",
				DSN:     "./sessions.db",
			},
		},
		Forwarder: ForwarderConfig{
			DeviceName:  "danube",
			MaxAttempts: 32,
			Timeout:     5,
		},
		Player: PlayerConfig{
			DeviceName:     "danube",
			EnginePath:     "librespot",
			EngineArgs:     []string{"--backend", "pipe"},
			PublishTimeout: 5,
			StopTimeoutMs:  1000,
		},
	}
}

// Load loads configuration from file and environment variables
func Load(configFile string) (*Config, error) {
	cfg := DefaultConfig()

	v := viper.New()
	setDefaults(v, cfg)

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/spotify-remote")

		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".spotify-remote"))
		}
	}

	// SPOTIFY_REMOTE_RECEIVER_PORT overrides receiver.port, etc.
	v.SetEnvPrefix("SPOTIFY_REMOTE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults registers every key so AutomaticEnv can override nested values
func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("log_level", cfg.LogLevel)
	v.SetDefault("log_file", cfg.LogFile)

	v.SetDefault("receiver.host", cfg.Receiver.Host)
	v.SetDefault("receiver.port", cfg.Receiver.Port)
	v.SetDefault("receiver.public_url", cfg.Receiver.PublicURL)
	v.SetDefault("receiver.api_keys", cfg.Receiver.APIKeys)
	v.SetDefault("receiver.session_secret", cfg.Receiver.SessionSecret)
	v.SetDefault("receiver.session_token_ttl", cfg.Receiver.SessionTokenTTL)
	v.SetDefault("receiver.player_path", cfg.Receiver.PlayerPath)
	v.SetDefault("receiver.player_args", cfg.Receiver.PlayerArgs)
	v.SetDefault("receiver.resampler_path", cfg.Receiver.ResamplerPath)
	v.SetDefault("receiver.resampler_args", cfg.Receiver.ResamplerArgs)
	v.SetDefault("receiver.shutdown_timeout_ms", cfg.Receiver.ShutdownTimeoutMs)
	v.SetDefault("receiver.grace_period", cfg.Receiver.GracePeriod)
	v.SetDefault("receiver.registry.backend", cfg.Receiver.Registry.Backend)
	v.SetDefault("receiver.registry.redis_addr", cfg.Receiver.Registry.RedisAddr)
	v.SetDefault("receiver.registry.redis_password", cfg.Receiver.Registry.RedisPassword)
	v.SetDefault("receiver.registry.redis_db", cfg.Receiver.Registry.RedisDB)
	v.SetDefault("receiver.registry.redis_prefix", cfg.Receiver.Registry.RedisPrefix)
	v.SetDefault("receiver.registry.encryption_key", cfg.Receiver.Registry.EncryptionKey)
	v.SetDefault("receiver.history.enabled", cfg.Receiver.History.Enabled)
	v.SetDefault("receiver.history.driver", cfg.Receiver.History.Driver)
	v.SetDefault("receiver.history.dsn", cfg.Receiver.History.DSN)

	v.SetDefault("forwarder.receiver_addr", cfg.Forwarder.ReceiverAddr)
	v.SetDefault("forwarder.device_name", cfg.Forwarder.DeviceName)
	v.SetDefault("forwarder.discovery_path", cfg.Forwarder.DiscoveryPath)
	v.SetDefault("forwarder.discovery_args", cfg.Forwarder.DiscoveryArgs)
	v.SetDefault("forwarder.max_attempts", cfg.Forwarder.MaxAttempts)
	v.SetDefault("forwarder.timeout", cfg.Forwarder.Timeout)

	v.SetDefault("player.device_name", cfg.Player.DeviceName)
	v.SetDefault("player.engine_path", cfg.Player.EnginePath)
	v.SetDefault("player.engine_args", cfg.Player.EngineArgs)
	v.SetDefault("player.publish_timeout", cfg.Player.PublishTimeout)
	v.SetDefault("player.stop_timeout_ms", cfg.Player.StopTimeoutMs)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{
		"trace": true, "debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("log_level must be one of: trace, debug, info, warn, error")
	}

	if c.Receiver.Port <= 0 || c.Receiver.Port > 65535 {
		return fmt.Errorf("receiver.port must be between 1 and 65535")
	}
	if c.Receiver.SessionTokenTTL <= 0 {
		return fmt.Errorf("receiver.session_token_ttl must be positive")
	}
	if c.Receiver.ResamplerPath == "" {
		return fmt.Errorf("receiver.resampler_path is required")
	}
	if c.Receiver.ShutdownTimeoutMs <= 0 {
		return fmt.Errorf("receiver.shutdown_timeout_ms must be positive")
	}
	if c.Receiver.GracePeriod <= 0 {
		return fmt.Errorf("receiver.grace_period must be positive")
	}

	switch c.Receiver.Registry.Backend {
	case "memory":
	case "redis":
		if c.Receiver.Registry.RedisAddr == "" {
			return fmt.Errorf("receiver.registry.redis_addr is required for the redis backend")
		}
		if _, err := c.Receiver.Registry.Key(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("receiver.registry.backend must be one of: memory, redis")
	}

	if c.Receiver.History.Enabled {
		if c.Receiver.History.Driver != "sqlite3" && c.Receiver.History.Driver != "postgres" {
			return fmt.Errorf("receiver.history.driver must be one of: sqlite3, postgres")
		}
		if c.Receiver.History.DSN == "" {
			return fmt.Errorf("receiver.history.dsn is required when history is enabled")
		}
	}

	if c.Forwarder.MaxAttempts <= 0 {
		return fmt.Errorf("forwarder.max_attempts must be positive")
	}
	if c.Forwarder.Timeout <= 0 {
		return fmt.Errorf("forwarder.timeout must be positive")
	}

	if c.Player.PublishTimeout <= 0 {
		return fmt.Errorf("player.publish_timeout must be positive")
	}
	if c.Player.StopTimeoutMs <= 0 {
		return fmt.Errorf("player.stop_timeout_ms must be positive")
	}

	return nil
}

// ValidateForwarder checks the settings only the forward subcommand needs
func (c *Config) ValidateForwarder() error {
	if c.Forwarder.ReceiverAddr == "" {
		return fmt.Errorf("forwarder.receiver_addr is required")
	}
	if !strings.HasPrefix(c.Forwarder.ReceiverAddr, "http://") && !strings.HasPrefix(c.Forwarder.ReceiverAddr, "https://") {
		return fmt.Errorf("forwarder.receiver_addr must be an http(s) URL")
	}
	if c.Forwarder.DeviceName == "" {
		return fmt.Errorf("forwarder.device_name is required")
	}
	return nil
}

// Key decodes the registry encryption key
func (r RegistryConfig) Key() ([]byte, error) {
	key, err := hex.DecodeString(r.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("receiver.registry.encryption_key must be hex encoded: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("receiver.registry.encryption_key must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}

// ListenAddr returns the address the receiver HTTP server binds
func (r ReceiverConfig) ListenAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

// StatusURL returns the base URL handed to player processes
func (r ReceiverConfig) StatusURL() string {
	if r.PublicURL != "" {
		return strings.TrimSuffix(r.PublicURL, "/")
	}
	return fmt.Sprintf("http://127.0.0.1:%d", r.Port)
}

// ShutdownTimeout returns the per-stage escalation wait
func (r ReceiverConfig) ShutdownTimeout() time.Duration {
	return time.Duration(r.ShutdownTimeoutMs) * time.Millisecond
}

// TokenTTL returns the lifetime of session status tokens
func (r ReceiverConfig) TokenTTL() time.Duration {
	return time.Duration(r.SessionTokenTTL) * time.Second
}

// GraceDuration bounds how long receive waits for components to stop
func (r ReceiverConfig) GraceDuration() time.Duration {
	return time.Duration(r.GracePeriod) * time.Second
}
