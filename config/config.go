// Package config loads engine and persistence tunables from environment
// variables, for deployments that tune caching behavior without a rebuild.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/unkn0wn-root/querycache"
	"github.com/unkn0wn-root/querycache/persist"
	"github.com/unkn0wn-root/querycache/store"
)

// Config carries the environment-tunable knobs. Defaults mirror the
// engine's built-in ones, so an empty environment changes nothing.
type Config struct {
	// StaleTime is how long fetched data counts as fresh.
	StaleTime time.Duration `env:"QUERYCACHE_STALE_TIME" envDefault:"0s"`
	// GCTime is how long unobserved queries are retained.
	GCTime time.Duration `env:"QUERYCACHE_GC_TIME" envDefault:"5m"`
	// RetryCount is the number of retries after a failed fetch attempt.
	RetryCount int `env:"QUERYCACHE_RETRY_COUNT" envDefault:"3"`
	// NetworkMode is one of online, always, offlineFirst.
	NetworkMode string `env:"QUERYCACHE_NETWORK_MODE" envDefault:"online"`

	SnapshotKey      string        `env:"QUERYCACHE_SNAPSHOT_KEY" envDefault:"querycache:snapshot"`
	SnapshotBuster   string        `env:"QUERYCACHE_SNAPSHOT_BUSTER"`
	SnapshotMaxAge   time.Duration `env:"QUERYCACHE_SNAPSHOT_MAX_AGE" envDefault:"24h"`
	SnapshotThrottle time.Duration `env:"QUERYCACHE_SNAPSHOT_THROTTLE" envDefault:"1s"`
}

// FromEnv loads and validates configuration from the environment.
func FromEnv() (Config, error) {
	var c Config
	if err := env.Parse(&c); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	switch querycache.NetworkMode(c.NetworkMode) {
	case querycache.NetworkOnline, querycache.NetworkAlways, querycache.NetworkOfflineFirst:
	default:
		return Config{}, fmt.Errorf("parse env: invalid QUERYCACHE_NETWORK_MODE %q", c.NetworkMode)
	}
	return c, nil
}

// ClientConfig maps the query knobs onto client-level defaults:
//
//	cfg, _ := config.FromEnv()
//	client := querycache.New(cfg.ClientConfig())
func (c Config) ClientConfig() querycache.Config {
	return querycache.Config{
		DefaultQueryOptions: querycache.ObserverOptions{
			QueryOptions: querycache.QueryOptions{
				GCTime:      c.GCTime,
				Retry:       querycache.RetryCount(c.RetryCount),
				NetworkMode: querycache.NetworkMode(c.NetworkMode),
			},
			StaleTime: c.StaleTime,
		},
	}
}

// PersistConfig maps the snapshot knobs onto a persist.Config over s.
func (c Config) PersistConfig(s store.Store) persist.Config {
	return persist.Config{
		Store:    s,
		Key:      c.SnapshotKey,
		Buster:   c.SnapshotBuster,
		MaxAge:   c.SnapshotMaxAge,
		Throttle: c.SnapshotThrottle,
	}
}
