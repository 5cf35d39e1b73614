// Package config loads the runtime configuration from environment
// variables (prefix COLLAB_), with defaults matching the protocol's
// recommended timings.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Addr        string `mapstructure:"addr"`
	EndpointURL string `mapstructure:"endpoint_url"` // used by the client library

	RoomCap           int           `mapstructure:"room_cap"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	GracePeriod       time.Duration `mapstructure:"grace_period"`
	SweepInterval     time.Duration `mapstructure:"sweep_interval"`

	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffCap  time.Duration `mapstructure:"backoff_cap"`

	ExclusiveLocks bool `mapstructure:"exclusive_locks"`

	OutboxSize      int           `mapstructure:"outbox_size"`
	RateLimit       int           `mapstructure:"rate_limit"`
	RateLimitWindow time.Duration `mapstructure:"rate_limit_window"`

	LogLevel string `mapstructure:"log_level"`
}

// Load reads configuration from the environment on top of defaults.
func Load() (Config, error) {
	v := viper.New()

	v.SetDefault("addr", ":8080")
	v.SetDefault("endpoint_url", "ws://localhost:8080/ws")
	v.SetDefault("room_cap", 20)
	v.SetDefault("heartbeat_interval", 30*time.Second)
	v.SetDefault("grace_period", 90*time.Second)
	v.SetDefault("sweep_interval", 5*time.Second)
	v.SetDefault("backoff_base", 1000*time.Millisecond)
	v.SetDefault("backoff_cap", 15000*time.Millisecond)
	v.SetDefault("exclusive_locks", false)
	v.SetDefault("outbox_size", 32)
	v.SetDefault("rate_limit", 60)
	v.SetDefault("rate_limit_window", 10*time.Second)
	v.SetDefault("log_level", "info")

	v.SetEnvPrefix("COLLAB")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if cfg.RoomCap <= 0 {
		return Config{}, fmt.Errorf("room_cap must be positive, got %d", cfg.RoomCap)
	}
	if cfg.GracePeriod < cfg.HeartbeatInterval {
		return Config{}, fmt.Errorf("grace_period %v shorter than heartbeat_interval %v", cfg.GracePeriod, cfg.HeartbeatInterval)
	}
	return cfg, nil
}
