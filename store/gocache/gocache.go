package gocache

import (
	"context"
	"time"

	gc "github.com/patrickmn/go-cache"

	"github.com/unkn0wn-root/querycache/store"
)

// Store adapts a patrickmn/go-cache instance: a simple expiring in-process
// map with its own janitor, handy when the host application already runs
// one.
type Store struct {
	c     *gc.Cache
	owned bool
}

var _ store.Store = (*Store)(nil)

type Config struct {
	// CleanupInterval drives the janitor; 0 disables background pruning
	// (expired entries still miss on Get).
	CleanupInterval time.Duration
}

func New(cfg Config) *Store {
	return &Store{c: gc.New(gc.NoExpiration, cfg.CleanupInterval), owned: true}
}

// NewWithCache wraps an existing cache. The caller keeps ownership and its
// entries; Close becomes a no-op.
func NewWithCache(c *gc.Cache) *Store { return &Store{c: c} }

func (s *Store) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := s.c.Get(key)
	if !ok {
		return nil, false, nil
	}
	b, _ := v.([]byte)
	if b == nil {
		// self-heal: drop unexpected entry shape
		s.c.Delete(key)
		return nil, false, nil
	}
	return b, true, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = gc.NoExpiration
	}
	s.c.Set(key, value, ttl)
	return true, nil
}

func (s *Store) Del(_ context.Context, key string) error {
	s.c.Delete(key)
	return nil
}

// Close flushes entries when this store owns the cache. The janitor
// goroutine stops when the cache is collected.
func (s *Store) Close(_ context.Context) error {
	if s.owned {
		s.c.Flush()
	}
	return nil
}
