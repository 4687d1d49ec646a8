// Package config loads daemon configuration from FLEETGATE_* environment
// variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"

	"github.com/moorline/fleetgate/internal/hostconn"
	"github.com/moorline/fleetgate/internal/monitor"
	"github.com/moorline/fleetgate/internal/session"
	"github.com/moorline/fleetgate/internal/statecache"
	"github.com/moorline/fleetgate/internal/transfer"
)

type Config struct {
	DBPath     string `split_words:"true" default:"fleetgate.db"`
	ConsulAddr string `split_words:"true"`

	// Identity applied to consul-discovered hosts. Static hosts carry
	// their own credentials supplied by the permission layer.
	SSHUser    string `envconfig:"SSH_USER" default:"deploy"`
	SSHKeyFile string `envconfig:"SSH_KEY_FILE"`

	MaxConnsPerHost    int           `split_words:"true" default:"2"`
	MaxChannelsPerConn int           `split_words:"true" default:"8"`
	DialTimeout        time.Duration `split_words:"true" default:"10s"`
	ConnIdleTimeout    time.Duration `split_words:"true" default:"5m"`

	SessionIdleTimeout time.Duration `split_words:"true" default:"30m"`
	CommandHistorySize int           `split_words:"true" default:"100"`

	StatusTTL    time.Duration `envconfig:"STATUS_TTL" default:"30s"`
	ContainerTTL time.Duration `envconfig:"CONTAINER_TTL" default:"5m"`

	CollectInterval    time.Duration `split_words:"true" default:"5m"`
	CollectConcurrency int64         `split_words:"true" default:"4"`
	CommandTimeout     time.Duration `split_words:"true" default:"15s"`
	PingTargets        []string      `split_words:"true"`
	SelfSample         bool          `split_words:"true" default:"true"`
	RetentionDays      int           `split_words:"true" default:"7"`

	TransferMaxConcurrent    int           `split_words:"true" default:"4"`
	TransferMaxPerHost       int           `split_words:"true" default:"2"`
	TransferChunkSize        int           `split_words:"true" default:"32768"`
	TransferHistoryRetention time.Duration `split_words:"true" default:"1h"`
}

func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("fleetgate", &cfg); err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) Pool() hostconn.Config {
	return hostconn.Config{
		MaxConnsPerHost:    c.MaxConnsPerHost,
		MaxChannelsPerConn: c.MaxChannelsPerConn,
		DialTimeout:        c.DialTimeout,
		IdleTimeout:        c.ConnIdleTimeout,
	}
}

func (c *Config) Session() session.Config {
	return session.Config{
		HistorySize: c.CommandHistorySize,
		IdleTimeout: c.SessionIdleTimeout,
	}
}

func (c *Config) Cache() statecache.Config {
	return statecache.Config{
		StatusTTL:    c.StatusTTL,
		ContainerTTL: c.ContainerTTL,
	}
}

func (c *Config) Monitor() monitor.Config {
	return monitor.Config{
		Interval:       c.CollectInterval,
		Concurrency:    c.CollectConcurrency,
		CommandTimeout: c.CommandTimeout,
		PingTargets:    c.PingTargets,
		SelfSample:     c.SelfSample,
	}
}

func (c *Config) Transfer() transfer.Config {
	return transfer.Config{
		ChunkSize:        c.TransferChunkSize,
		MaxConcurrent:    c.TransferMaxConcurrent,
		MaxPerHost:       c.TransferMaxPerHost,
		HistoryRetention: c.TransferHistoryRetention,
	}
}

// Retention converts the configured retention days into a duration.
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}
