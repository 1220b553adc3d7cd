package querycache

import (
	"context"
	"errors"
	"slices"
	"sync"
)

// MutationCacheConfig carries cache-level callbacks that run when any
// mutation settles, before the mutation's own callbacks. They run outside
// engine locks but must still be quick.
type MutationCacheConfig struct {
	OnError   func(err error, vars, mutationCtx any, m *Mutation)
	OnSuccess func(data, vars, mutationCtx any, m *Mutation)
}

// MutationCache holds every live mutation in submission order and owns
// scope serialization: mutations sharing a scope run strictly one at a
// time, later ones queued in arrival order.
type MutationCache struct {
	config MutationCacheConfig

	mu        sync.Mutex
	mutations []*Mutation
	nextID    uint64
	scopes    map[string]*scopeQueue
	listeners map[uint64]func(MutationEvent)
	nextSub   uint64
}

func NewMutationCache(cfg ...MutationCacheConfig) *MutationCache {
	c := &MutationCache{
		scopes:    make(map[string]*scopeQueue),
		listeners: make(map[uint64]func(MutationEvent)),
	}
	if len(cfg) > 0 {
		c.config = cfg[0]
	}
	return c
}

// Build creates and indexes a new mutation. Mutations are never shared:
// every call makes a new one, even for an identical Key.
func (c *MutationCache) Build(client *Client, opts MutationOptions) (*Mutation, error) {
	var fp string
	var norm []any
	if len(opts.Key) > 0 {
		var err error
		if norm, err = opts.Key.normalize(); err != nil {
			return nil, err
		}
		if fp, err = fingerprintNorm(norm); err != nil {
			return nil, err
		}
	}
	c.mu.Lock()
	c.nextID++
	m := newMutation(client, c, c.nextID, opts, fp, norm)
	c.mutations = append(c.mutations, m)
	c.mu.Unlock()
	c.publish(MutationEvent{Type: EventMutationAdded, Mutation: m})
	return m, nil
}

// All returns the live mutations in submission order.
func (c *MutationCache) All() []*Mutation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.mutations)
}

// Find returns the first matching mutation in submission order, nil if
// none.
func (c *MutationCache) Find(f MutationFilter) *Mutation {
	p := f.prepareMutation()
	for _, m := range c.All() {
		if p.matches(m) {
			return m
		}
	}
	return nil
}

// FindAll returns matching mutations in submission order. A zero filter
// returns every mutation.
func (c *MutationCache) FindAll(f MutationFilter) []*Mutation {
	p := f.prepareMutation()
	var out []*Mutation
	for _, m := range c.All() {
		if p.matches(m) {
			out = append(out, m)
		}
	}
	return out
}

// Remove drops m from the cache. A running mutation keeps running; its
// invoker still owns the outcome.
func (c *MutationCache) Remove(m *Mutation) {
	c.mu.Lock()
	i := slices.Index(c.mutations, m)
	if i < 0 {
		c.mu.Unlock()
		return
	}
	c.mutations = slices.Delete(c.mutations, i, i+1)
	c.mu.Unlock()
	m.destroy()
	c.publish(MutationEvent{Type: EventMutationRemoved, Mutation: m})
}

// Clear removes every mutation.
func (c *MutationCache) Clear() {
	c.mu.Lock()
	ms := c.mutations
	c.mutations = nil
	c.mu.Unlock()
	for _, m := range ms {
		m.destroy()
		c.publish(MutationEvent{Type: EventMutationRemoved, Mutation: m})
	}
}

func (c *MutationCache) collect(m *Mutation) {
	if m.collectable() {
		c.Remove(m)
	}
}

// Subscribe registers fn for mutation events. Events fired inside a batch
// are delivered when the outermost batch closes. The returned func removes
// the subscription.
func (c *MutationCache) Subscribe(fn func(MutationEvent)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// resumePaused continues every paused mutation one at a time, in
// submission order, and waits for each to settle before starting the
// next. Sequential resume keeps restored writes in their original order
// even across scopes.
func (c *MutationCache) resumePaused(ctx context.Context) error {
	paused := c.FindAll(MutationFilter{
		Predicate: func(m *Mutation) bool { return m.State().IsPaused },
	})
	var errs []error
	for _, m := range paused {
		if _, err := m.resume(ctx); err != nil && !IsCancelled(err) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (c *MutationCache) publish(ev MutationEvent) {
	c.mu.Lock()
	if len(c.listeners) == 0 {
		c.mu.Unlock()
		return
	}
	ls := make([]func(MutationEvent), 0, len(c.listeners))
	for _, fn := range c.listeners {
		ls = append(ls, fn)
	}
	c.mu.Unlock()
	ev.Mutation.client.notify.Schedule(func() {
		for _, fn := range ls {
			fn(ev)
		}
	})
}

// ==============================
// Scope serialization
// ==============================

var closedScope = func() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}()

type scopeQueue struct {
	running bool
	waiters []chan struct{}
}

// acquireScope claims the scope's run slot. acquired means the slot is
// held immediately; otherwise ready closes when the queue reaches this
// waiter. The empty scope never serializes.
func (c *MutationCache) acquireScope(scope string) (ready <-chan struct{}, acquired bool) {
	if scope == "" {
		return closedScope, true
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.scopes[scope]
	if q == nil {
		q = &scopeQueue{}
		c.scopes[scope] = q
	}
	if !q.running {
		q.running = true
		return closedScope, true
	}
	ch := make(chan struct{})
	q.waiters = append(q.waiters, ch)
	return ch, false
}

// releaseScope hands the slot to the next waiter, or retires the queue.
func (c *MutationCache) releaseScope(scope string) {
	if scope == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.scopes[scope]
	if q == nil {
		return
	}
	if len(q.waiters) > 0 {
		ch := q.waiters[0]
		q.waiters = q.waiters[1:]
		close(ch)
		return
	}
	delete(c.scopes, scope)
}

// abandonScope withdraws a waiter that gave up before its turn. It reports
// false when the slot was already granted, in which case the caller owns
// it and must release.
func (c *MutationCache) abandonScope(scope string, ready <-chan struct{}) bool {
	if scope == "" {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	q := c.scopes[scope]
	if q == nil {
		return false
	}
	for i, ch := range q.waiters {
		if ch == ready {
			q.waiters = slices.Delete(q.waiters, i, i+1)
			return true
		}
	}
	return false
}

// unqueueScope backs out of a slot that may or may not have been granted.
func (c *MutationCache) unqueueScope(scope string, ready <-chan struct{}, acquired bool) {
	if acquired || !c.abandonScope(scope, ready) {
		c.releaseScope(scope)
	}
}
