package querycache

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// Config configures a Client. Every field is optional: nil caches and
// managers are created fresh, a nil Logger disables logging.
type Config struct {
	// QueryCache and MutationCache may be shared between clients; queries
	// and mutations keep a reference to the client that built them.
	QueryCache    *Cache
	MutationCache *MutationCache

	// FocusManager and OnlineManager supply the process-wide visibility and
	// connectivity signals. Injecting them is how embedders wire real
	// sources, and how tests drive transitions deterministically.
	FocusManager  *FocusManager
	OnlineManager *OnlineManager

	Logger Logger

	// DefaultQueryOptions fill unset fields of every query and observer
	// built through this client; DefaultMutationOptions likewise. Call
	// sites win, then per-key defaults, then these.
	DefaultQueryOptions    ObserverOptions
	DefaultMutationOptions MutationOptions
}

// Client is the engine's front door: it owns the notification batcher,
// wires focus/reconnect signals into refetching and mutation resume, and
// exposes the cache-level operations adapters build on.
type Client struct {
	cache     *Cache
	mutations *MutationCache
	notify    *NotifyManager
	focus     *FocusManager
	online    *OnlineManager
	log       Logger

	mu               sync.Mutex
	defQuery         ObserverOptions
	defMutation      MutationOptions
	queryDefaults    []keyedDefaults[ObserverOptions]
	mutationDefaults []keyedDefaults[MutationOptions]
	mounts           int
	unsubFocus       func()
	unsubOnline      func()
}

type keyedDefaults[T any] struct {
	fp   string
	norm []any
	opts T
}

// upsertDefaults replaces the entry for an identical key and appends
// otherwise.
func upsertDefaults[T any](ds []keyedDefaults[T], d keyedDefaults[T]) []keyedDefaults[T] {
	for i := range ds {
		if ds[i].fp == d.fp {
			ds[i] = d
			return ds
		}
	}
	return append(ds, d)
}

// New builds a Client and mounts it. Close releases the mount.
func New(cfg ...Config) *Client {
	var conf Config
	if len(cfg) > 0 {
		conf = cfg[0]
	}
	c := &Client{
		cache:       conf.QueryCache,
		mutations:   conf.MutationCache,
		notify:      NewNotifyManager(),
		focus:       conf.FocusManager,
		online:      conf.OnlineManager,
		log:         conf.Logger,
		defQuery:    conf.DefaultQueryOptions,
		defMutation: conf.DefaultMutationOptions,
	}
	if c.cache == nil {
		c.cache = NewCache()
	}
	if c.mutations == nil {
		c.mutations = NewMutationCache()
	}
	if c.focus == nil {
		c.focus = NewFocusManager()
	}
	if c.online == nil {
		c.online = NewOnlineManager()
	}
	if c.log == nil {
		c.log = NopLogger{}
	}
	c.Mount()
	return c
}

func (c *Client) QueryCache() *Cache            { return c.cache }
func (c *Client) MutationCache() *MutationCache { return c.mutations }
func (c *Client) FocusManager() *FocusManager   { return c.focus }
func (c *Client) OnlineManager() *OnlineManager { return c.online }

// Batch runs fn inside one notification batch: consumers hear a single
// coalesced notification for all the writes fn performs.
func (c *Client) Batch(fn func()) { c.notify.Batch(fn) }

// Mount attaches the client to its focus and online managers. Mounts
// nest; the signals detach when the last Unmount (or Close) runs.
func (c *Client) Mount() {
	c.mu.Lock()
	c.mounts++
	if c.mounts > 1 {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	unsubFocus := c.focus.Subscribe(func(focused bool) {
		if focused {
			go c.regained(c.cache.OnFocus)
		}
	})
	unsubOnline := c.online.Subscribe(func(online bool) {
		if online {
			go c.regained(c.cache.OnOnline)
		}
	})
	c.mu.Lock()
	c.unsubFocus = unsubFocus
	c.unsubOnline = unsubOnline
	c.mu.Unlock()
}

// regained handles a focus/online rise: paused mutations resume first so
// the refetch wave reads post-write data.
func (c *Client) regained(fanout func()) {
	if err := c.mutations.resumePaused(context.Background()); err != nil {
		c.log.Warn("resuming paused mutations failed", Fields{"error": err.Error()})
	}
	fanout()
}

func (c *Client) Unmount() {
	c.mu.Lock()
	if c.mounts == 0 {
		c.mu.Unlock()
		return
	}
	c.mounts--
	if c.mounts > 0 {
		c.mu.Unlock()
		return
	}
	unsubFocus, unsubOnline := c.unsubFocus, c.unsubOnline
	c.unsubFocus, c.unsubOnline = nil, nil
	c.mu.Unlock()
	if unsubFocus != nil {
		unsubFocus()
	}
	if unsubOnline != nil {
		unsubOnline()
	}
}

// Close fully unmounts the client. Caches are left intact: they may be
// shared, and their contents outlive the client that filled them. Clear
// them explicitly when tearing everything down.
func (c *Client) Close() {
	c.mu.Lock()
	if c.mounts == 0 {
		c.mu.Unlock()
		return
	}
	c.mounts = 1
	c.mu.Unlock()
	c.Unmount()
}

// Clear empties both caches, canceling in-flight work. Clearing a shared
// cache affects every client attached to it.
func (c *Client) Clear() {
	c.Batch(func() {
		c.cache.Clear()
		c.mutations.Clear()
	})
}

// ==============================
// Defaults
// ==============================

// SetQueryDefaults registers defaults for every query whose key starts
// with key. Registering the same key again replaces its entry; across
// overlapping prefixes, later registrations win on conflicting fields.
func (c *Client) SetQueryDefaults(key Key, opts ObserverOptions) error {
	norm, err := key.normalize()
	if err != nil {
		return err
	}
	fp, err := fingerprintNorm(norm)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.queryDefaults = upsertDefaults(c.queryDefaults, keyedDefaults[ObserverOptions]{fp: fp, norm: norm, opts: opts})
	c.mu.Unlock()
	return nil
}

// SetMutationDefaults is SetQueryDefaults for mutations, matched on the
// mutation Key.
func (c *Client) SetMutationDefaults(key Key, opts MutationOptions) error {
	norm, err := key.normalize()
	if err != nil {
		return err
	}
	fp, err := fingerprintNorm(norm)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.mutationDefaults = upsertDefaults(c.mutationDefaults, keyedDefaults[MutationOptions]{fp: fp, norm: norm, opts: opts})
	c.mu.Unlock()
	return nil
}

func (c *Client) defaultObserverOptions(opts ObserverOptions) ObserverOptions {
	c.mu.Lock()
	keyed := slices.Clone(c.queryDefaults)
	def := c.defQuery
	c.mu.Unlock()
	if norm, err := opts.Key.normalize(); err == nil {
		// Newest registration first, so it claims fields before older ones.
		for i := len(keyed) - 1; i >= 0; i-- {
			if matchesPrefix(norm, keyed[i].norm) {
				opts = mergeObserverOptions(opts, keyed[i].opts)
			}
		}
	}
	return mergeObserverOptions(opts, def)
}

func (c *Client) defaultQueryOptions(opts QueryOptions) QueryOptions {
	return c.defaultObserverOptions(ObserverOptions{QueryOptions: opts}).QueryOptions
}

func (c *Client) defaultMutationOptions(opts MutationOptions) MutationOptions {
	c.mu.Lock()
	keyed := slices.Clone(c.mutationDefaults)
	def := c.defMutation
	c.mu.Unlock()
	if len(opts.Key) > 0 {
		if norm, err := opts.Key.normalize(); err == nil {
			for i := len(keyed) - 1; i >= 0; i-- {
				if matchesPrefix(norm, keyed[i].norm) {
					opts = mergeMutationOptions(opts, keyed[i].opts)
				}
			}
		}
	}
	return mergeMutationOptions(opts, def)
}

// merge fills unset fields of opts from def. Key is never merged; it is
// the identity, not a default.
func mergeQueryOptions(opts, def QueryOptions) QueryOptions {
	if opts.Fetch == nil {
		opts.Fetch = def.Fetch
	}
	if opts.Retry == nil {
		opts.Retry = def.Retry
	}
	if opts.RetryDelay == nil {
		opts.RetryDelay = def.RetryDelay
	}
	opts.NetworkMode = coalesce(opts.NetworkMode, def.NetworkMode)
	opts.GCTime = coalesce(opts.GCTime, def.GCTime)
	if opts.Meta == nil {
		opts.Meta = def.Meta
	}
	if opts.InitialData == nil {
		opts.InitialData = def.InitialData
	}
	if opts.InitialDataFunc == nil {
		opts.InitialDataFunc = def.InitialDataFunc
	}
	if opts.InitialDataUpdatedAt.IsZero() {
		opts.InitialDataUpdatedAt = def.InitialDataUpdatedAt
	}
	if opts.InitialPageParam == nil {
		opts.InitialPageParam = def.InitialPageParam
	}
	if opts.GetNextPageParam == nil {
		opts.GetNextPageParam = def.GetNextPageParam
	}
	if opts.GetPreviousPageParam == nil {
		opts.GetPreviousPageParam = def.GetPreviousPageParam
	}
	opts.MaxPages = coalesce(opts.MaxPages, def.MaxPages)
	return opts
}

func mergeObserverOptions(opts, def ObserverOptions) ObserverOptions {
	opts.QueryOptions = mergeQueryOptions(opts.QueryOptions, def.QueryOptions)
	opts.StaleTime = coalesce(opts.StaleTime, def.StaleTime)
	opts.RefetchInterval = coalesce(opts.RefetchInterval, def.RefetchInterval)
	if !opts.RefetchIntervalInBackground {
		opts.RefetchIntervalInBackground = def.RefetchIntervalInBackground
	}
	opts.RefetchOnSubscribe = coalesce(opts.RefetchOnSubscribe, def.RefetchOnSubscribe)
	opts.RefetchOnFocus = coalesce(opts.RefetchOnFocus, def.RefetchOnFocus)
	opts.RefetchOnReconnect = coalesce(opts.RefetchOnReconnect, def.RefetchOnReconnect)
	if opts.Select == nil {
		opts.Select = def.Select
	}
	if opts.Placeholder == nil {
		opts.Placeholder = def.Placeholder
	}
	if opts.PlaceholderFunc == nil {
		opts.PlaceholderFunc = def.PlaceholderFunc
	}
	if opts.NotifyOn == nil {
		opts.NotifyOn = def.NotifyOn
	}
	if opts.ThrowOnError == nil {
		opts.ThrowOnError = def.ThrowOnError
	}
	if !opts.Disabled {
		opts.Disabled = def.Disabled
	}
	return opts
}

func mergeMutationOptions(opts, def MutationOptions) MutationOptions {
	if opts.Fn == nil {
		opts.Fn = def.Fn
	}
	if opts.Retry == nil {
		opts.Retry = def.Retry
	}
	if opts.RetryDelay == nil {
		opts.RetryDelay = def.RetryDelay
	}
	opts.NetworkMode = coalesce(opts.NetworkMode, def.NetworkMode)
	opts.GCTime = coalesce(opts.GCTime, def.GCTime)
	opts.Scope = coalesce(opts.Scope, def.Scope)
	if opts.Meta == nil {
		opts.Meta = def.Meta
	}
	if opts.OnMutate == nil {
		opts.OnMutate = def.OnMutate
	}
	if opts.OnSuccess == nil {
		opts.OnSuccess = def.OnSuccess
	}
	if opts.OnError == nil {
		opts.OnError = def.OnError
	}
	if opts.OnSettled == nil {
		opts.OnSettled = def.OnSettled
	}
	return opts
}

// ==============================
// Query operations
// ==============================

// FetchQueryOptions extend QueryOptions with the imperative-fetch
// freshness gate.
type FetchQueryOptions struct {
	QueryOptions

	// StaleTime bounds how old present data may be before FetchQuery
	// actually fetches. Zero always fetches; Never fetches only when no
	// data is loaded.
	StaleTime time.Duration
}

// FetchQuery returns the query's data, fetching unless present data is
// fresher than StaleTime. A concurrent fetch for the key is joined, never
// duplicated. ctx bounds only this caller's wait.
func (c *Client) FetchQuery(ctx context.Context, opts FetchQueryOptions) (any, error) {
	qopts := c.defaultQueryOptions(opts.QueryOptions)
	q, err := c.cache.Build(c, qopts)
	if err != nil {
		return nil, err
	}
	if q.IsStaleByTime(opts.StaleTime) {
		return q.fetch(ctx, &fetchOptions{options: &qopts})
	}
	return q.State().Data, nil
}

// PrefetchQuery is FetchQuery for warming the cache: the outcome lands on
// the query and is not returned. Errors are recorded there, not here.
func (c *Client) PrefetchQuery(ctx context.Context, opts FetchQueryOptions) {
	if _, err := c.FetchQuery(ctx, opts); err != nil && !IsCancelled(err) {
		c.log.Debug("prefetch failed", Fields{"key": opts.Key, "error": err.Error()})
	}
}

// EnsureQueryOptions extend FetchQueryOptions for EnsureQueryData.
type EnsureQueryOptions struct {
	FetchQueryOptions

	// RevalidateIfStale starts a background refetch when cached data is
	// returned but stale.
	RevalidateIfStale bool
}

// EnsureQueryData returns cached data immediately when any exists,
// fetching only otherwise. With RevalidateIfStale, returning stale data
// also kicks off a background refetch.
func (c *Client) EnsureQueryData(ctx context.Context, opts EnsureQueryOptions) (any, error) {
	qopts := c.defaultQueryOptions(opts.QueryOptions)
	q, err := c.cache.Build(c, qopts)
	if err != nil {
		return nil, err
	}
	if st := q.State(); st.hasData() {
		if opts.RevalidateIfStale && q.IsStaleByTime(opts.StaleTime) {
			go func() {
				_, _ = q.fetch(context.Background(), &fetchOptions{options: &qopts})
			}()
		}
		return st.Data, nil
	}
	return q.fetch(ctx, &fetchOptions{options: &qopts})
}

// FetchInfiniteQuery is FetchQuery for paginated queries; it requires
// GetNextPageParam and returns the page sequence.
func (c *Client) FetchInfiniteQuery(ctx context.Context, opts FetchQueryOptions) (InfiniteData, error) {
	if opts.GetNextPageParam == nil && c.defaultQueryOptions(opts.QueryOptions).GetNextPageParam == nil {
		return InfiniteData{}, ErrNoPageParamFunc
	}
	v, err := c.FetchQuery(ctx, opts)
	if err != nil {
		return InfiniteData{}, err
	}
	d, _ := asInfiniteData(v)
	return d, nil
}

// PrefetchInfiniteQuery warms a paginated query's first page(s).
func (c *Client) PrefetchInfiniteQuery(ctx context.Context, opts FetchQueryOptions) {
	if _, err := c.FetchInfiniteQuery(ctx, opts); err != nil && !IsCancelled(err) {
		c.log.Debug("prefetch failed", Fields{"key": opts.Key, "error": err.Error()})
	}
}

// GetQueryData returns the cached data under key. ok is false when the
// query does not exist or has not loaded.
func (c *Client) GetQueryData(key Key) (any, bool) {
	fp, err := key.Fingerprint()
	if err != nil {
		return nil, false
	}
	q := c.cache.Get(fp)
	if q == nil {
		return nil, false
	}
	st := q.State()
	return st.Data, st.hasData()
}

// GetQueryState returns the full state of the query under key.
func (c *Client) GetQueryState(key Key) (State, bool) {
	fp, err := key.Fingerprint()
	if err != nil {
		return State{}, false
	}
	q := c.cache.Get(fp)
	if q == nil {
		return State{}, false
	}
	return q.State(), true
}

// SetQueryData writes data under key, creating the query if needed. The
// write counts as a success and freshens the staleness clock.
func (c *Client) SetQueryData(key Key, data any) error {
	q, err := c.cache.Build(c, QueryOptions{Key: key})
	if err != nil {
		return err
	}
	q.SetData(data)
	return nil
}

// UpdateQueryData transforms the cached data under key atomically. fn
// receives the current data (ok=false when none) and reports whether to
// write its result. The query is created if needed; no write happens when
// fn declines.
func (c *Client) UpdateQueryData(key Key, fn func(old any, ok bool) (any, bool)) (any, bool, error) {
	q, err := c.cache.Build(c, QueryOptions{Key: key})
	if err != nil {
		return nil, false, err
	}
	data, wrote := q.Update(fn)
	return data, wrote, nil
}

// RefetchType selects which matching queries InvalidateQueries refetches.
type RefetchType string

const (
	RefetchActive   RefetchType = "active" // the default
	RefetchInactive RefetchType = "inactive"
	RefetchAll      RefetchType = "all"
	RefetchNone     RefetchType = "none"
)

// InvalidateQueries marks matching queries stale and refetches the active
// ones (or the set refetch selects). The wait covers the started
// refetches; errors from them are joined, cancellations excluded.
func (c *Client) InvalidateQueries(ctx context.Context, f QueryFilter, refetch ...RefetchType) error {
	mode := RefetchActive
	if len(refetch) > 0 {
		mode = refetch[0]
	}
	c.notify.Batch(func() {
		for _, q := range c.cache.FindAll(f) {
			q.Invalidate()
		}
	})
	if mode == RefetchNone {
		return nil
	}
	rf := f
	switch mode {
	case RefetchInactive:
		rf.Activity = ActivityInactive
	case RefetchAll:
		rf.Activity = ActivityAny
	default:
		rf.Activity = ActivityActive
	}
	return c.RefetchQueries(ctx, rf)
}

// RefetchQueries refetches every matching query, superseding in-flight
// fetches, and waits for all of them. Queries without a fetch function
// are skipped.
func (c *Client) RefetchQueries(ctx context.Context, f QueryFilter) error {
	qs := c.cache.FindAll(f)
	errs := make([]error, len(qs))
	var wg sync.WaitGroup
	for i, q := range qs {
		if q.Options().Fetch == nil {
			continue
		}
		i, q := i, q
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = q.fetch(ctx, &fetchOptions{cancelRefetch: true})
		}()
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil && IsCancelled(err) {
			errs[i] = nil
		}
	}
	return errors.Join(errs...)
}

// CancelQueries cancels in-flight fetches of matching queries, reverting
// each query to its pre-fetch state.
func (c *Client) CancelQueries(f QueryFilter) {
	for _, q := range c.cache.FindAll(f) {
		q.Cancel(true)
	}
}

// RemoveQueries drops matching queries from the cache.
func (c *Client) RemoveQueries(f QueryFilter) {
	for _, q := range c.cache.FindAll(f) {
		c.cache.Remove(q)
	}
}

// ResetQueries returns matching queries to their initial state, then
// refetches the active ones.
func (c *Client) ResetQueries(ctx context.Context, f QueryFilter) error {
	c.notify.Batch(func() {
		for _, q := range c.cache.FindAll(f) {
			q.Reset()
		}
	})
	rf := f
	rf.Activity = ActivityActive
	return c.RefetchQueries(ctx, rf)
}

// IsFetching counts queries with a fetch in flight, optionally narrowed
// by a filter.
func (c *Client) IsFetching(f ...QueryFilter) int {
	var qf QueryFilter
	if len(f) > 0 {
		qf = f[0]
	}
	qf.FetchStatus = FetchFetching
	return len(c.cache.FindAll(qf))
}

// ==============================
// Mutation operations
// ==============================

// Mutate builds a mutation from opts and runs it to settlement. For
// observable mutation state, use a MutationObserver instead.
func (c *Client) Mutate(ctx context.Context, opts MutationOptions, vars any) (any, error) {
	m, err := c.mutations.Build(c, c.defaultMutationOptions(opts))
	if err != nil {
		return nil, err
	}
	return m.execute(ctx, vars)
}

// IsMutating counts mutations currently pending, optionally narrowed by a
// filter.
func (c *Client) IsMutating(f ...MutationFilter) int {
	var mf MutationFilter
	if len(f) > 0 {
		mf = f[0]
	}
	mf.Status = MutationPending
	return len(c.mutations.FindAll(mf))
}

// ResumePausedMutations restarts every paused mutation (offline pauses
// and hydrated restores alike) and waits for them to settle. Mount does
// this automatically on reconnect and focus regain.
func (c *Client) ResumePausedMutations(ctx context.Context) error {
	return c.mutations.resumePaused(ctx)
}
