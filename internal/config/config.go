package config

import (
	"errors"
	"fmt"
	"time"
)

// Store drivers.
const (
	DriverSQLite = "sqlite"
	DriverRedis  = "redis"
)

// StoreConfig selects and configures the connection store backend.
type StoreConfig struct {
	Driver      string `mapstructure:"driver" yaml:"driver"`
	SQLitePath  string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	RedisAddr   string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisDB     int    `mapstructure:"redis_db" yaml:"redis_db"`
	RedisPrefix string `mapstructure:"redis_prefix" yaml:"redis_prefix"`
}

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	MaxMessageBytes   int64         `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`
	LogFormat         string        `mapstructure:"log_format" yaml:"log_format"`

	// MaxConnections is the global cap on live connections.
	MaxConnections int `mapstructure:"max_connections" yaml:"max_connections"`
	// BroadcastParallel bounds concurrent sends within one broadcast.
	BroadcastParallel int `mapstructure:"broadcast_parallel" yaml:"broadcast_parallel"`
	// MessagesPerMinute caps inbound results per connection; 0 disables the limit.
	MessagesPerMinute int `mapstructure:"messages_per_minute" yaml:"messages_per_minute"`

	Store StoreConfig `mapstructure:"store" yaml:"store"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   5 * time.Second,
		WriteTimeout:      5 * time.Second,
		MaxMessageBytes:   64 << 10,
		LogLevel:          "info",
		LogFormat:         "console",
		MaxConnections:    100,
		BroadcastParallel: 8,
		Store: StoreConfig{
			Driver:      DriverSQLite,
			SQLitePath:  "resultrelay.db",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "resultrelay:",
		},
	}
}

// UpdateFrom overwrites non-zero values from other config into receiver.
func (c *Config) UpdateFrom(other Config) {
	if other.Addr != "" {
		c.Addr = other.Addr
	}
	if other.ReadHeaderTimeout != 0 {
		c.ReadHeaderTimeout = other.ReadHeaderTimeout
	}
	if other.ShutdownTimeout != 0 {
		c.ShutdownTimeout = other.ShutdownTimeout
	}
	if other.WriteTimeout != 0 {
		c.WriteTimeout = other.WriteTimeout
	}
	if other.MaxMessageBytes != 0 {
		c.MaxMessageBytes = other.MaxMessageBytes
	}
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
	}
	if other.LogFormat != "" {
		c.LogFormat = other.LogFormat
	}
	if other.MaxConnections != 0 {
		c.MaxConnections = other.MaxConnections
	}
	if other.BroadcastParallel != 0 {
		c.BroadcastParallel = other.BroadcastParallel
	}
	if other.MessagesPerMinute != 0 {
		c.MessagesPerMinute = other.MessagesPerMinute
	}
	if other.Store.Driver != "" {
		c.Store.Driver = other.Store.Driver
	}
	if other.Store.SQLitePath != "" {
		c.Store.SQLitePath = other.Store.SQLitePath
	}
	if other.Store.RedisAddr != "" {
		c.Store.RedisAddr = other.Store.RedisAddr
	}
	if other.Store.RedisDB != 0 {
		c.Store.RedisDB = other.Store.RedisDB
	}
	if other.Store.RedisPrefix != "" {
		c.Store.RedisPrefix = other.Store.RedisPrefix
	}
}

// Validate checks values the server cannot start without.
func (c Config) Validate() error {
	if c.MaxConnections <= 0 {
		return errors.New("max_connections must be positive")
	}
	if c.MessagesPerMinute < 0 {
		return errors.New("messages_per_minute must not be negative")
	}
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			return errors.New("store.sqlite_path is required for the sqlite driver")
		}
	case DriverRedis:
		if c.Store.RedisAddr == "" {
			return errors.New("store.redis_addr is required for the redis driver")
		}
	default:
		return fmt.Errorf("unknown store driver %q", c.Store.Driver)
	}
	return nil
}
