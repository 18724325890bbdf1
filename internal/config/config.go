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
	DriverMemory = "memory"
)

// Config holds server configuration values.
type Config struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	MaxMessageBytes   int64         `mapstructure:"max_message_bytes" yaml:"max_message_bytes"`
	LogLevel          string        `mapstructure:"log_level" yaml:"log_level"`

	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Rooms     RoomsConfig     `mapstructure:"rooms" yaml:"rooms"`
	RateLimit RateLimitConfig `mapstructure:"rate_limit" yaml:"rate_limit"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
}

// StoreConfig selects where room snapshots live.
type StoreConfig struct {
	Driver        string `mapstructure:"driver" yaml:"driver"`
	SQLitePath    string `mapstructure:"sqlite_path" yaml:"sqlite_path"`
	RedisAddr     string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password" yaml:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db" yaml:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix" yaml:"redis_prefix"`
}

// RoomsConfig tunes the hub and its room actors.
type RoomsConfig struct {
	Shards        int           `mapstructure:"shards" yaml:"shards"`
	HistoryLimit  int           `mapstructure:"history_limit" yaml:"history_limit"`
	InitHistory   int           `mapstructure:"init_history" yaml:"init_history"`
	SnapshotEvery int           `mapstructure:"snapshot_every" yaml:"snapshot_every"`
	IdleTimeout   time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	SessionBuffer int           `mapstructure:"session_buffer" yaml:"session_buffer"`
	StoreTimeout  time.Duration `mapstructure:"store_timeout" yaml:"store_timeout"`
}

// RateLimitConfig bounds inbound frames per session. Zero disables limiting.
type RateLimitConfig struct {
	MessagesPerSecond float64 `mapstructure:"messages_per_second" yaml:"messages_per_second"`
	Burst             int     `mapstructure:"burst" yaml:"burst"`
}

// AuthConfig enables signed identities on the websocket upgrade when JWTSecret is set.
// BroadcastKeyHash, a bcrypt hash, guards the broadcast endpoint when set.
type AuthConfig struct {
	JWTSecret        string `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTIssuer        string `mapstructure:"jwt_issuer" yaml:"jwt_issuer"`
	JWTAudience      string `mapstructure:"jwt_audience" yaml:"jwt_audience"`
	BroadcastKeyHash string `mapstructure:"broadcast_key_hash" yaml:"broadcast_key_hash"`
}

// Default returns configuration with reasonable starter defaults.
func Default() Config {
	return Config{
		Addr:              ":8080",
		ReadHeaderTimeout: 5 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		MaxMessageBytes:   64 << 10,
		LogLevel:          "info",
		Store: StoreConfig{
			Driver:      DriverSQLite,
			SQLitePath:  "roomsync.db",
			RedisAddr:   "localhost:6379",
			RedisPrefix: "roomsync:snapshot:",
		},
		Rooms: RoomsConfig{
			Shards:        4,
			HistoryLimit:  1000,
			InitHistory:   50,
			SnapshotEvery: 10,
			IdleTimeout:   5 * time.Minute,
			SessionBuffer: 64,
			StoreTimeout:  5 * time.Second,
		},
		RateLimit: RateLimitConfig{
			MessagesPerSecond: 20,
			Burst:             40,
		},
		Auth: AuthConfig{
			JWTIssuer: "roomsync",
		},
	}
}

// AuthEnabled reports whether websocket upgrades must carry a token.
func (c Config) AuthEnabled() bool {
	return c.Auth.JWTSecret != ""
}

// Validate rejects values the server cannot run with.
func (c Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case DriverSQLite:
		if c.Store.SQLitePath == "" {
			errs = append(errs, errors.New("store.sqlite_path is required for the sqlite driver"))
		}
	case DriverRedis:
		if c.Store.RedisAddr == "" {
			errs = append(errs, errors.New("store.redis_addr is required for the redis driver"))
		}
	case DriverMemory:
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if c.Rooms.Shards < 1 {
		errs = append(errs, errors.New("rooms.shards must be at least 1"))
	}
	if c.Rooms.InitHistory > c.Rooms.HistoryLimit {
		errs = append(errs, errors.New("rooms.init_history cannot exceed rooms.history_limit"))
	}
	if c.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("max_message_bytes must be positive"))
	}
	if c.RateLimit.MessagesPerSecond < 0 || c.RateLimit.Burst < 0 {
		errs = append(errs, errors.New("rate_limit values cannot be negative"))
	}
	return errors.Join(errs...)
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
	if other.LogLevel != "" {
		c.LogLevel = other.LogLevel
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
	if other.Rooms.Shards != 0 {
		c.Rooms.Shards = other.Rooms.Shards
	}
}
