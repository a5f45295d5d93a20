// Package config handles configuration management using Viper
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/viper"

	"github.com/wlkit/reseat/internal/session"
	"github.com/wlkit/reseat/internal/wire"
)

// Config represents the receiver configuration
type Config struct {
	// Socket configuration
	Socket SocketConfig `mapstructure:"socket"`

	// Protocol resource limits
	Limits LimitsConfig `mapstructure:"limits"`

	// Seat configuration
	Seat SeatConfig `mapstructure:"seat"`

	// Logging configuration
	Logging LoggingConfig `mapstructure:"logging"`
}

// SocketConfig locates the control socket
type SocketConfig struct {
	Path string `mapstructure:"path"` // Empty means the per-user default
}

// LimitsConfig bounds what a remote peer can consume
type LimitsConfig struct {
	MaxSessions      int `mapstructure:"max_sessions"`       // Concurrent sessions
	MaxFrameSize     int `mapstructure:"max_frame_size"`     // Bytes per protocol frame
	MaxBufferedBytes int `mapstructure:"max_buffered_bytes"` // Undecoded bytes per session
}

// SeatConfig controls virtual seat naming
type SeatConfig struct {
	NamePrefix string `mapstructure:"name_prefix"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	LogLevel string `mapstructure:"log_level"` // Override LOG_LEVEL env var
}

var (
	// DefaultConfig provides sensible defaults
	DefaultConfig = Config{
		Socket: SocketConfig{
			Path: "",
		},
		Limits: LimitsConfig{
			MaxSessions:      session.DefaultMaxSessions,
			MaxFrameSize:     wire.DefaultMaxFrameSize,
			MaxBufferedBytes: wire.DefaultMaxBuffered,
		},
		Seat: SeatConfig{
			NamePrefix: session.DefaultSeatPrefix,
		},
		Logging: LoggingConfig{
			LogLevel: "", // Empty means use LOG_LEVEL env var
		},
	}

	// Global config instance
	cfg *Config

	// Override config path if set
	configPathOverride string
)

// SetConfigPath allows overriding the config path
func SetConfigPath(path string) {
	configPathOverride = path
}

// Init initializes the configuration system
func Init() error {
	viper.SetConfigName("reseat")
	viper.SetConfigType("toml")

	if configPathOverride != "" {
		viper.SetConfigFile(configPathOverride)
	} else {
		viper.AddConfigPath("/etc/reseat")
		if home := os.Getenv("HOME"); home != "" {
			viper.AddConfigPath(filepath.Join(home, ".config", "reseat"))
		}
		viper.AddConfigPath(".")
	}

	viper.SetDefault("socket.path", DefaultConfig.Socket.Path)
	viper.SetDefault("limits.max_sessions", DefaultConfig.Limits.MaxSessions)
	viper.SetDefault("limits.max_frame_size", DefaultConfig.Limits.MaxFrameSize)
	viper.SetDefault("limits.max_buffered_bytes", DefaultConfig.Limits.MaxBufferedBytes)
	viper.SetDefault("seat.name_prefix", DefaultConfig.Seat.NamePrefix)
	viper.SetDefault("logging.log_level", DefaultConfig.Logging.LogLevel)

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found, use defaults
	}

	cfg = &Config{}
	if err := viper.Unmarshal(cfg); err != nil {
		return fmt.Errorf("unable to unmarshal config: %w", err)
	}

	return nil
}

// Get returns the current configuration
func Get() *Config {
	if cfg == nil {
		// Return defaults if not initialized
		return &DefaultConfig
	}
	return cfg
}

// Set sets the current configuration (for testing)
func Set(c *Config) {
	cfg = c
}

// RegistryOptions converts the limits into session registry options.
func (c *Config) RegistryOptions() session.Options {
	return session.Options{
		MaxSessions:  c.Limits.MaxSessions,
		MaxFrameSize: c.Limits.MaxFrameSize,
		MaxBuffered:  c.Limits.MaxBufferedBytes,
		SeatPrefix:   c.Seat.NamePrefix,
	}
}
