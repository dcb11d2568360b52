package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/go-sockdock/internal/otel"
)

// BridgeConfig controls the automation bridge HTTP server.
type BridgeConfig struct {
	Enabled bool   `yaml:"enabled"`
	// BindAddr is the listen address. The bridge carries no auth layer, so
	// anything other than loopback is an explicit operator decision.
	BindAddr string `yaml:"bind_addr"`
	// ConnectTimeoutSeconds bounds the connect tool; on expiry the
	// connecting guard is reset so a retry is safe.
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`
}

// SocketConfig controls the connection manager.
type SocketConfig struct {
	// BufferCapacity is the per-connection ring buffer size.
	BufferCapacity int `yaml:"buffer_capacity"`
	// AutoSendDelayMs is the pause before each auto-send template fires.
	AutoSendDelayMs int `yaml:"auto_send_delay_ms"`
	// DialTimeoutSeconds bounds the transport dial on connect.
	DialTimeoutSeconds int `yaml:"dial_timeout_seconds"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	Socket SocketConfig `yaml:"socket"`
	Bridge BridgeConfig `yaml:"bridge"`
	Otel   otel.Config  `yaml:"otel"`
}

// DefaultHomeDir returns ~/.sockdock, or ./.sockdock if the home directory
// cannot be resolved.
func DefaultHomeDir() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".sockdock")
}

// Path returns the config file location under the given home directory.
func Path(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load reads the config file under homeDir, applying defaults for any
// missing fields. A missing file is not an error: defaults apply.
func Load(homeDir string) (*Config, error) {
	cfg := defaults(homeDir)

	data, err := os.ReadFile(Path(homeDir))
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.HomeDir = homeDir
	cfg.applyBounds()
	return cfg, nil
}

func defaults(homeDir string) *Config {
	return &Config{
		HomeDir:  homeDir,
		DBPath:   filepath.Join(homeDir, "sockdock.db"),
		LogLevel: "info",
		Socket: SocketConfig{
			BufferCapacity:     100,
			AutoSendDelayMs:    300,
			DialTimeoutSeconds: 10,
		},
		Bridge: BridgeConfig{
			Enabled:               true,
			BindAddr:              "127.0.0.1:8741",
			ConnectTimeoutSeconds: 10,
		},
	}
}

func (c *Config) applyBounds() {
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.HomeDir, "sockdock.db")
	}
	if c.Socket.BufferCapacity <= 0 {
		c.Socket.BufferCapacity = 100
	}
	if c.Socket.AutoSendDelayMs < 0 {
		c.Socket.AutoSendDelayMs = 0
	}
	if c.Socket.DialTimeoutSeconds <= 0 {
		c.Socket.DialTimeoutSeconds = 10
	}
	if c.Bridge.BindAddr == "" {
		c.Bridge.BindAddr = "127.0.0.1:8741"
	}
	if c.Bridge.ConnectTimeoutSeconds <= 0 {
		c.Bridge.ConnectTimeoutSeconds = 10
	}
}

// AutoSendDelay returns the per-template auto-send pause as a duration.
func (c *Config) AutoSendDelay() time.Duration {
	return time.Duration(c.Socket.AutoSendDelayMs) * time.Millisecond
}

// ConnectTimeout returns the bridge connect tool timeout as a duration.
func (c *Config) ConnectTimeout() time.Duration {
	return time.Duration(c.Bridge.ConnectTimeoutSeconds) * time.Second
}

// DialTimeout returns the transport dial timeout as a duration.
func (c *Config) DialTimeout() time.Duration {
	return time.Duration(c.Socket.DialTimeoutSeconds) * time.Second
}
