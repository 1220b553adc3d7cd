package querycache

import (
	"slices"
	"sync"
)

// CacheConfig carries cache-level callbacks that run after any query fetch
// settles, regardless of which observer or client call started it.
// Callbacks run outside engine locks but must still be quick.
type CacheConfig struct {
	OnError   func(err error, q *Query)
	OnSuccess func(data any, q *Query)
}

// Cache indexes queries by key fingerprint, keeps their creation order,
// and publishes cache events. One cache is usually shared by one client;
// build it separately to share entries across clients.
type Cache struct {
	config CacheConfig

	mu        sync.Mutex
	queries   map[string]*Query
	order     []*Query
	listeners map[uint64]func(CacheEvent)
	nextID    uint64
}

func NewCache(cfg ...CacheConfig) *Cache {
	c := &Cache{
		queries:   make(map[string]*Query),
		listeners: make(map[uint64]func(CacheEvent)),
	}
	if len(cfg) > 0 {
		c.config = cfg[0]
	}
	return c
}

// Build returns the query for opts.Key, creating it when absent. Options
// of an existing query are not replaced here; they are applied when a
// fetch or observer uses them.
func (c *Cache) Build(client *Client, opts QueryOptions) (*Query, error) {
	norm, err := opts.Key.normalize()
	if err != nil {
		return nil, err
	}
	fp, err := fingerprintNorm(norm)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	if q, ok := c.queries[fp]; ok {
		c.mu.Unlock()
		return q, nil
	}
	q := newQuery(client, c, opts, norm, fp)
	c.queries[fp] = q
	c.order = append(c.order, q)
	c.mu.Unlock()
	c.publish(CacheEvent{Type: EventQueryAdded, Query: q})
	return q, nil
}

// Get returns the query with the given fingerprint, nil when absent.
func (c *Cache) Get(fingerprint string) *Query {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queries[fingerprint]
}

// Find returns the first matching query in creation order, nil if none.
func (c *Cache) Find(f QueryFilter) *Query {
	p := f.prepare()
	for _, q := range c.snapshot() {
		if p.matches(q) {
			return q
		}
	}
	return nil
}

// FindAll returns matching queries in creation order. A zero filter
// returns every query.
func (c *Cache) FindAll(f QueryFilter) []*Query {
	p := f.prepare()
	var out []*Query
	for _, q := range c.snapshot() {
		if p.matches(q) {
			out = append(out, q)
		}
	}
	return out
}

func (c *Cache) snapshot() []*Query {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.order)
}

// Remove drops q from the cache, discarding in-flight work. Removing a
// query that was already replaced or removed is a no-op.
func (c *Cache) Remove(q *Query) {
	c.mu.Lock()
	cur, ok := c.queries[q.fingerprint]
	if !ok || cur != q {
		c.mu.Unlock()
		return
	}
	delete(c.queries, q.fingerprint)
	if i := slices.Index(c.order, q); i >= 0 {
		c.order = slices.Delete(c.order, i, i+1)
	}
	c.mu.Unlock()
	q.destroy()
	c.publish(CacheEvent{Type: EventQueryRemoved, Query: q})
}

// Clear removes every query.
func (c *Cache) Clear() {
	c.mu.Lock()
	qs := c.order
	c.order = nil
	c.queries = make(map[string]*Query)
	c.mu.Unlock()
	for _, q := range qs {
		q.destroy()
		c.publish(CacheEvent{Type: EventQueryRemoved, Query: q})
	}
}

// collect is the GC timer target: remove q if it is still unobserved and
// idle when the timer fires.
func (c *Cache) collect(q *Query) {
	if q.collectable() {
		c.Remove(q)
	}
}

// Subscribe registers fn for cache events. Events fired inside a batch are
// delivered when the outermost batch closes. The returned func removes the
// subscription.
func (c *Cache) Subscribe(fn func(CacheEvent)) (unsubscribe func()) {
	c.mu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// OnFocus fans a focus-regained transition out to all queries.
func (c *Cache) OnFocus() {
	for _, q := range c.snapshot() {
		q.onFocus()
	}
}

// OnOnline fans a reconnect transition out to all queries.
func (c *Cache) OnOnline() {
	for _, q := range c.snapshot() {
		q.onOnline()
	}
}

func (c *Cache) publish(ev CacheEvent) {
	c.mu.Lock()
	if len(c.listeners) == 0 {
		c.mu.Unlock()
		return
	}
	ls := make([]func(CacheEvent), 0, len(c.listeners))
	for _, fn := range c.listeners {
		ls = append(ls, fn)
	}
	c.mu.Unlock()
	ev.Query.client.notify.Schedule(func() {
		for _, fn := range ls {
			fn(ev)
		}
	})
}
