package ristretto

import (
	"context"
	"time"

	rc "github.com/dgraph-io/ristretto"

	"github.com/unkn0wn-root/querycache/store"
)

// Store adapts a ristretto cache. Ristretto admits by cost; a snapshot
// write can be refused under pressure, which surfaces as ok=false from Set.
type Store struct {
	c *rc.Cache
}

var _ store.Store = (*Store)(nil)

type Config struct {
	// NumCounters sizes the admission sketch; default 1024. Snapshot
	// stores hold few keys, so the defaults stay small.
	NumCounters int64
	// MaxCost bounds total bytes held; default 64 MiB.
	MaxCost     int64
	BufferItems int64
	Metrics     bool
}

func New(cfg Config) (*Store, error) {
	if cfg.NumCounters <= 0 {
		cfg.NumCounters = 1024
	}
	if cfg.MaxCost <= 0 {
		cfg.MaxCost = 64 << 20
	}
	if cfg.BufferItems <= 0 {
		cfg.BufferItems = 64
	}
	c, err := rc.NewCache(&rc.Config{
		NumCounters: cfg.NumCounters,
		MaxCost:     cfg.MaxCost,
		BufferItems: cfg.BufferItems,
		Metrics:     cfg.Metrics,
	})
	if err != nil {
		return nil, err
	}
	return &Store{c: c}, nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := s.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, _ := v.([]byte)
	if b == nil {
		// self-heal: drop unexpected entry shape
		s.c.Del(key)
		return nil, false, nil
	}
	return b, true, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return s.c.Set(key, value, int64(len(value))), nil
	}
	return s.c.SetWithTTL(key, value, int64(len(value)), ttl), nil
}

func (s *Store) Del(_ context.Context, key string) error {
	s.c.Del(key)
	return nil
}

func (s *Store) Close(_ context.Context) error {
	s.c.Wait()
	s.c.Close()
	return nil
}

// Metrics exposes ristretto's counters when Config.Metrics was set. Not
// part of store.Store.
func (s *Store) Metrics() *rc.Metrics { return s.c.Metrics }
