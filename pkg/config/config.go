// Package config loads chatsync configuration from YAML.
package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/chatsync/pkg/logging"
	"github.com/go-go-golems/chatsync/pkg/redisstream"
)

const (
	StoreDriverSQLite = "sqlite"
	StoreDriverMemory = "memory"
)

type Config struct {
	Server    ServerConfig         `yaml:"server"`
	Buffer    BufferConfig         `yaml:"buffer"`
	Transport TransportConfig      `yaml:"transport"`
	History   HistoryConfig        `yaml:"history"`
	Store     StoreConfig          `yaml:"store"`
	Redis     redisstream.Settings `yaml:"redis"`
	Log       logging.Settings     `yaml:"log"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr"`
	BasePath string `yaml:"base_path"`
}

type BufferConfig struct {
	MaxSize       int           `yaml:"max_size"`
	MaxAge        time.Duration `yaml:"max_age"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

type TransportConfig struct {
	// URL is the push endpoint clients dial, e.g. ws://localhost:8080/ws.
	URL               string        `yaml:"url"`
	BackoffMin        time.Duration `yaml:"backoff_min"`
	BackoffMax        time.Duration `yaml:"backoff_max"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	StaleAfter        time.Duration `yaml:"stale_after"`
}

type HistoryConfig struct {
	BaseURL  string `yaml:"base_url"`
	PageSize int    `yaml:"page_size"`
}

type StoreConfig struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{Addr: ":8080"},
		Buffer: BufferConfig{
			MaxSize:       100,
			MaxAge:        5 * time.Minute,
			SweepInterval: 60 * time.Second,
		},
		Transport: TransportConfig{
			URL:               "ws://localhost:8080/ws",
			BackoffMin:        time.Second,
			BackoffMax:        5 * time.Second,
			HeartbeatInterval: 15 * time.Second,
			StaleAfter:        45 * time.Second,
		},
		History: HistoryConfig{
			BaseURL:  "http://localhost:8080/api/messages",
			PageSize: 50,
		},
		Store: StoreConfig{Driver: StoreDriverMemory},
		Redis: redisstream.DefaultSettings(),
		Log:   logging.Settings{Level: "info", Format: "auto"},
	}
}

// Load reads path on top of the defaults. A missing or empty path yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if strings.TrimSpace(path) != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, errors.Wrap(err, "parse config file")
			}
		case os.IsNotExist(err):
		default:
			return nil, errors.Wrap(err, "read config file")
		}
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid config")
	}
	return &cfg, nil
}

// applyDefaults fills zero values left by a partial file.
func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Server.Addr == "" {
		c.Server.Addr = d.Server.Addr
	}
	if c.Buffer.MaxSize == 0 {
		c.Buffer.MaxSize = d.Buffer.MaxSize
	}
	if c.Buffer.MaxAge == 0 {
		c.Buffer.MaxAge = d.Buffer.MaxAge
	}
	if c.Buffer.SweepInterval == 0 {
		c.Buffer.SweepInterval = d.Buffer.SweepInterval
	}
	if c.Transport.BackoffMin == 0 {
		c.Transport.BackoffMin = d.Transport.BackoffMin
	}
	if c.Transport.BackoffMax == 0 {
		c.Transport.BackoffMax = d.Transport.BackoffMax
	}
	if c.Transport.HeartbeatInterval == 0 {
		c.Transport.HeartbeatInterval = d.Transport.HeartbeatInterval
	}
	if c.Transport.StaleAfter == 0 {
		c.Transport.StaleAfter = d.Transport.StaleAfter
	}
	if c.History.PageSize == 0 {
		c.History.PageSize = d.History.PageSize
	}
	if c.Store.Driver == "" {
		c.Store.Driver = d.Store.Driver
	}
}

func (c Config) Validate() error {
	if c.Buffer.MaxSize < 0 {
		return errors.Errorf("buffer.max_size must be positive, got %d", c.Buffer.MaxSize)
	}
	if c.Buffer.MaxAge < 0 {
		return errors.New("buffer.max_age must be positive")
	}
	if c.Transport.BackoffMin < 0 || c.Transport.BackoffMax < c.Transport.BackoffMin {
		return errors.Errorf("transport backoff range invalid: %s..%s", c.Transport.BackoffMin, c.Transport.BackoffMax)
	}
	if c.Transport.StaleAfter <= c.Transport.HeartbeatInterval {
		return errors.Errorf("transport.stale_after (%s) must exceed heartbeat_interval (%s)",
			c.Transport.StaleAfter, c.Transport.HeartbeatInterval)
	}
	if c.History.PageSize < 0 {
		return errors.Errorf("history.page_size must be positive, got %d", c.History.PageSize)
	}
	switch c.Store.Driver {
	case StoreDriverMemory:
	case StoreDriverSQLite:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return errors.New("store.dsn is required for the sqlite driver")
		}
	default:
		return errors.Errorf("unknown store.driver %q", c.Store.Driver)
	}
	if c.Server.BasePath != "" && !strings.HasPrefix(c.Server.BasePath, "/") {
		return errors.Errorf("server.base_path must start with /, got %q", c.Server.BasePath)
	}
	return c.Redis.Validate()
}
