// Package persist saves and restores client cache snapshots through a byte
// store. Restore is self-healing: corrupt, foreign, outdated, or
// schema-mismatched snapshots are discarded and erased instead of failing,
// so a bad blob can never wedge startup.
package persist

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/unkn0wn-root/querycache"
	"github.com/unkn0wn-root/querycache/codec"
	"github.com/unkn0wn-root/querycache/internal/wire"
	"github.com/unkn0wn-root/querycache/store"
)

// ErrNoStore is returned by New when Config.Store is nil.
var ErrNoStore = errors.New("persist: store is required")

const (
	// DefaultKey is the store key snapshots are written under.
	DefaultKey = "querycache:snapshot"
	// DefaultMaxAge bounds how old a restored snapshot may be.
	DefaultMaxAge = 24 * time.Hour
	// DefaultThrottle spaces automatic persists; every burst of cache
	// activity ends in one write.
	DefaultThrottle = time.Second
)

type Config struct {
	// Store is required.
	Store store.Store

	// Codec serializes the dehydrated state; defaults to JSON, which
	// round-trips the engine's snapshot types without extra tags.
	Codec codec.Codec[querycache.DehydratedState]

	// Key defaults to DefaultKey. Use distinct keys to persist several
	// clients into one store.
	Key string

	// Buster tags the snapshot with the application's schema version.
	// A restored snapshot with a different buster is discarded.
	Buster string

	// MaxAge defaults to DefaultMaxAge; it bounds restore and is passed
	// to the store as the write TTL. querycache.Never disables the bound.
	MaxAge time.Duration

	// Throttle defaults to DefaultThrottle; it debounces AutoPersist.
	Throttle time.Duration

	// Dehydrate narrows what Persist includes.
	Dehydrate querycache.DehydrateOptions

	Logger querycache.Logger
}

// Persister writes a client's dehydrated state to a store and restores it.
type Persister struct {
	client   *querycache.Client
	store    store.Store
	codec    codec.Codec[querycache.DehydratedState]
	key      string
	buster   string
	maxAge   time.Duration
	throttle time.Duration
	dopts    querycache.DehydrateOptions
	log      querycache.Logger

	mu    sync.Mutex
	timer *time.Timer
	stop  bool
}

func New(c *querycache.Client, cfg Config) (*Persister, error) {
	if cfg.Store == nil {
		return nil, ErrNoStore
	}
	p := &Persister{
		client:   c,
		store:    cfg.Store,
		codec:    cfg.Codec,
		key:      cfg.Key,
		buster:   cfg.Buster,
		maxAge:   cfg.MaxAge,
		throttle: cfg.Throttle,
		dopts:    cfg.Dehydrate,
		log:      cfg.Logger,
	}
	if p.codec == nil {
		p.codec = codec.JSONCodec[querycache.DehydratedState]{}
	}
	if p.key == "" {
		p.key = DefaultKey
	}
	if p.maxAge == 0 {
		p.maxAge = DefaultMaxAge
	}
	if p.throttle <= 0 {
		p.throttle = DefaultThrottle
	}
	if p.log == nil {
		p.log = querycache.NopLogger{}
	}
	return p, nil
}

// Persist snapshots the client and writes it to the store.
func (p *Persister) Persist(ctx context.Context) error {
	snap := querycache.Dehydrate(p.client, p.dopts)
	payload, err := p.codec.Encode(snap)
	if err != nil {
		return err
	}
	ttl := p.maxAge
	if ttl == querycache.Never {
		ttl = 0
	}
	ok, err := p.store.Set(ctx, p.key, wire.Encode(p.buster, time.Now(), payload), ttl)
	if err != nil {
		return err
	}
	if !ok {
		p.log.Warn("snapshot write refused by store", querycache.Fields{"key": p.key})
	}
	return nil
}

// Restore hydrates the client from the stored snapshot, if a usable one
// exists. Unusable snapshots are erased and reported as a clean miss.
func (p *Persister) Restore(ctx context.Context) error {
	b, ok, err := p.store.Get(ctx, p.key)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	buster, savedAt, payload, err := wire.Decode(b)
	if err != nil {
		return p.discard(ctx, "corrupt envelope")
	}
	if buster != p.buster {
		return p.discard(ctx, "schema buster mismatch")
	}
	if p.maxAge != querycache.Never && time.Since(savedAt) > p.maxAge {
		return p.discard(ctx, "snapshot too old")
	}
	snap, err := p.codec.Decode(payload)
	if err != nil {
		return p.discard(ctx, "undecodable payload")
	}
	return querycache.Hydrate(p.client, snap)
}

func (p *Persister) discard(ctx context.Context, reason string) error {
	p.log.Warn("discarding persisted snapshot", querycache.Fields{"key": p.key, "reason": reason})
	return p.Erase(ctx)
}

// Erase removes the persisted snapshot.
func (p *Persister) Erase(ctx context.Context) error {
	return p.store.Del(ctx, p.key)
}

// AutoPersist persists after every burst of cache or mutation activity,
// debounced by Throttle. Start it at most once per persister. The returned
// stop function unsubscribes and cancels any pending write; it does not
// write a final snapshot.
func (p *Persister) AutoPersist() (stop func()) {
	unsubQ := p.client.QueryCache().Subscribe(func(ev querycache.CacheEvent) {
		if ev.Type == querycache.EventObserverAdded || ev.Type == querycache.EventObserverRemoved {
			return
		}
		p.schedule()
	})
	unsubM := p.client.MutationCache().Subscribe(func(querycache.MutationEvent) {
		p.schedule()
	})
	return func() {
		unsubQ()
		unsubM()
		p.mu.Lock()
		p.stop = true
		if p.timer != nil {
			p.timer.Stop()
			p.timer = nil
		}
		p.mu.Unlock()
	}
}

func (p *Persister) schedule() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stop || p.timer != nil {
		return
	}
	p.timer = time.AfterFunc(p.throttle, func() {
		p.mu.Lock()
		p.timer = nil
		stopped := p.stop
		p.mu.Unlock()
		if stopped {
			return
		}
		if err := p.Persist(context.Background()); err != nil {
			p.log.Warn("automatic persist failed", querycache.Fields{"key": p.key, "error": err.Error()})
		}
	})
}
