package querycache

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"
)

// State is a query's cached record at a point in time. Data is shared with
// the cache: treat it as immutable.
type State struct {
	Data             any
	DataUpdatedAt    time.Time
	DataUpdateCount  int
	Error            error
	ErrorUpdatedAt   time.Time
	ErrorUpdateCount int

	// Transient failure bookkeeping for the in-flight fetch. Reset when a
	// fetch settles successfully or a new one starts.
	FetchFailureCount  int
	FetchFailureReason error
	FetchMeta          *FetchMeta

	IsInvalidated bool
	Status        Status
	FetchStatus   FetchStatus
}

func (s State) hasData() bool { return !s.DataUpdatedAt.IsZero() }

type actionKind uint8

const (
	actionFetch actionKind = iota + 1
	actionFailed
	actionPause
	actionContinue
	actionSuccess
	actionError
	actionInvalidate
	actionSetState
)

func (k actionKind) String() string {
	switch k {
	case actionFetch:
		return "fetch"
	case actionFailed:
		return "failed"
	case actionPause:
		return "pause"
	case actionContinue:
		return "continue"
	case actionSuccess:
		return "success"
	case actionError:
		return "error"
	case actionInvalidate:
		return "invalidate"
	case actionSetState:
		return "setState"
	}
	return "unknown"
}

type action struct {
	kind actionKind

	meta     *FetchMeta // fetch
	failures int        // failed
	err      error      // failed, error

	data          any       // success
	dataUpdatedAt time.Time // success, zero => now
	manual        bool      // success via SetData: fetch machinery untouched

	state *State // setState
}

type fetchOptions struct {
	// cancelRefetch supersedes an in-flight fetch when data already exists;
	// without it (and always on first load) the caller joins the in-flight
	// fetch instead.
	cancelRefetch bool
	meta          *FetchMeta
	options       *QueryOptions
}

// Query is one cache entry: state, fetch lifecycle, observers, and its own
// garbage-collection clock. All methods are safe for concurrent use.
type Query struct {
	client      *Client
	cache       *Cache
	key         Key
	normKey     []any
	fingerprint string

	mu           sync.Mutex
	options      QueryOptions
	state        State
	initialState State
	revertState  *State
	observers    []*Observer
	retryer      *retryer
	generation   uint64
	gcTimer      *time.Timer
	gcTime       time.Duration
}

func newQuery(client *Client, cache *Cache, opts QueryOptions, normKey []any, fp string) *Query {
	q := &Query{
		client:      client,
		cache:       cache,
		key:         opts.Key,
		normKey:     normKey,
		fingerprint: fp,
		options:     opts,
		gcTime:      coalesce(opts.GCTime, DefaultGCTime),
	}
	q.initialState = initialState(opts)
	q.state = q.initialState
	q.mu.Lock()
	q.scheduleGCLocked()
	q.mu.Unlock()
	return q
}

func initialState(opts QueryOptions) State {
	data := opts.InitialData
	if data == nil && opts.InitialDataFunc != nil {
		data = opts.InitialDataFunc()
	}
	if data == nil {
		return State{Status: StatusPending, FetchStatus: FetchIdle}
	}
	at := opts.InitialDataUpdatedAt
	if at.IsZero() {
		at = time.Now()
	}
	return State{
		Data:          data,
		DataUpdatedAt: at,
		Status:        StatusSuccess,
		FetchStatus:   FetchIdle,
	}
}

// Key returns the query's key. Callers must not mutate it.
func (q *Query) Key() Key { return q.key }

// Fingerprint returns the canonical identity of the key.
func (q *Query) Fingerprint() string { return q.fingerprint }

// State returns a snapshot of the query's record.
func (q *Query) State() State {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.state
}

// Options returns the query's current options.
func (q *Query) Options() QueryOptions {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.options
}

func (q *Query) ObserverCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.observers)
}

// IsActive reports whether at least one enabled observer watches the query.
func (q *Query) IsActive() bool {
	q.mu.Lock()
	obs := slices.Clone(q.observers)
	q.mu.Unlock()
	for _, o := range obs {
		if !o.disabled() {
			return true
		}
	}
	return false
}

// IsStale consults observers when present (each applies its own StaleTime);
// an unobserved query is stale when invalidated or empty.
func (q *Query) IsStale() bool {
	q.mu.Lock()
	obs := slices.Clone(q.observers)
	st := q.state
	q.mu.Unlock()
	if len(obs) > 0 {
		for _, o := range obs {
			if o.CurrentResult().IsStale {
				return true
			}
		}
		return false
	}
	return st.IsInvalidated || !st.hasData()
}

// IsStaleByTime reports whether the data is older than staleTime, absent,
// or invalidated.
func (q *Query) IsStaleByTime(staleTime time.Duration) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return staleByTime(q.state, staleTime)
}

func staleByTime(st State, staleTime time.Duration) bool {
	if st.IsInvalidated || !st.hasData() {
		return true
	}
	if staleTime == Never {
		return false
	}
	return time.Since(st.DataUpdatedAt) >= staleTime
}

func (q *Query) setOptionsLocked(opts QueryOptions) {
	q.options = opts
	// A query keeps the longest GC window it has ever been given.
	if g := coalesce(opts.GCTime, DefaultGCTime); g > q.gcTime || g == Never {
		q.gcTime = g
	}
}

// ==============================
// Observer bookkeeping and GC
// ==============================

func (q *Query) addObserver(o *Observer) {
	q.mu.Lock()
	if slices.Contains(q.observers, o) {
		q.mu.Unlock()
		return
	}
	q.observers = append(q.observers, o)
	q.clearGCLocked()
	q.mu.Unlock()
	q.cache.publish(CacheEvent{Type: EventObserverAdded, Query: q})
}

func (q *Query) removeObserver(o *Observer) {
	q.mu.Lock()
	i := slices.Index(q.observers, o)
	if i < 0 {
		q.mu.Unlock()
		return
	}
	q.observers = slices.Delete(q.observers, i, i+1)
	var r *retryer
	if len(q.observers) == 0 {
		r = q.retryer
		q.scheduleGCLocked()
	}
	q.mu.Unlock()
	if r != nil {
		// A running attempt may still settle and cache its result for the
		// next subscriber; a paused one cannot make progress and is reverted.
		if r.isPaused() {
			r.cancelWith(&CancelledError{Revert: true})
		} else {
			r.cancelRetries()
		}
	}
	q.cache.publish(CacheEvent{Type: EventObserverRemoved, Query: q})
}

func (q *Query) scheduleGCLocked() {
	q.clearGCLocked()
	if q.gcTime == Never {
		return
	}
	q.gcTimer = time.AfterFunc(q.gcTime, func() { q.cache.collect(q) })
}

func (q *Query) clearGCLocked() {
	if q.gcTimer != nil {
		q.gcTimer.Stop()
		q.gcTimer = nil
	}
}

// collectable gates removal at GC time: a resubscribed or fetching query
// stays.
func (q *Query) collectable() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.observers) == 0 && q.state.FetchStatus == FetchIdle
}

// destroy stops timers and silently discards in-flight work. Called by the
// cache on removal.
func (q *Query) destroy() {
	q.mu.Lock()
	q.clearGCLocked()
	if q.retryer != nil {
		q.retryer.cancelWith(&CancelledError{Revert: true, Silent: true})
	}
	q.mu.Unlock()
}

// ==============================
// State transitions
// ==============================

// reduceLocked applies a to the state and returns the observers to notify.
// Callers hold q.mu and fan out after unlocking.
func (q *Query) reduceLocked(a action) []*Observer {
	st := q.state
	switch a.kind {
	case actionFetch:
		st.FetchStatus = q.startFetchStatusLocked()
		st.FetchMeta = a.meta
		st.FetchFailureCount = 0
		st.FetchFailureReason = nil
		if !st.hasData() {
			st.Error = nil
			st.Status = StatusPending
		}
	case actionFailed:
		st.FetchFailureCount = a.failures
		st.FetchFailureReason = a.err
	case actionPause:
		st.FetchStatus = FetchPaused
	case actionContinue:
		st.FetchStatus = FetchFetching
	case actionSuccess:
		st.Data = a.data
		st.DataUpdateCount++
		st.DataUpdatedAt = coalesce(a.dataUpdatedAt, time.Now())
		st.Error = nil
		st.IsInvalidated = false
		st.Status = StatusSuccess
		if !a.manual {
			st.FetchStatus = FetchIdle
			st.FetchFailureCount = 0
			st.FetchFailureReason = nil
		}
	case actionError:
		var ce *CancelledError
		if errors.As(a.err, &ce) && ce.Revert && q.revertState != nil {
			st = *q.revertState
			st.FetchStatus = FetchIdle
		} else {
			st.Error = a.err
			st.ErrorUpdateCount++
			st.ErrorUpdatedAt = time.Now()
			st.FetchFailureCount++
			st.FetchFailureReason = a.err
			st.FetchStatus = FetchIdle
			st.Status = StatusError
		}
	case actionInvalidate:
		st.IsInvalidated = true
	case actionSetState:
		st = *a.state
	}
	q.state = st
	return slices.Clone(q.observers)
}

func (q *Query) startFetchStatusLocked() FetchStatus {
	switch coalesce(q.options.NetworkMode, NetworkOnline) {
	case NetworkAlways, NetworkOfflineFirst:
		return FetchFetching
	default:
		if q.client.online.IsOnline() {
			return FetchFetching
		}
		return FetchPaused
	}
}

func (q *Query) apply(a action) {
	q.mu.Lock()
	obs := q.reduceLocked(a)
	q.mu.Unlock()
	q.fanout(obs, a.kind)
}

// applyIfCurrent drops transitions from superseded fetch generations.
func (q *Query) applyIfCurrent(gen uint64, a action) {
	q.mu.Lock()
	if q.generation != gen {
		q.mu.Unlock()
		return
	}
	obs := q.reduceLocked(a)
	q.mu.Unlock()
	q.fanout(obs, a.kind)
}

// fanout notifies observers and cache listeners in one batch, outside any
// internal lock. Observers rebuild their result from live state, so a late
// fanout can never publish an outdated view.
func (q *Query) fanout(obs []*Observer, kind actionKind) {
	q.client.notify.Batch(func() {
		for _, o := range obs {
			o.onQueryUpdate()
		}
		q.cache.publish(CacheEvent{Type: EventQueryUpdated, Query: q, Action: kind.String()})
	})
}

// Invalidate marks the data as stale regardless of age. It does not fetch;
// see Client.InvalidateQueries for the mark-and-refetch composite.
func (q *Query) Invalidate() {
	q.mu.Lock()
	if q.state.IsInvalidated {
		q.mu.Unlock()
		return
	}
	obs := q.reduceLocked(action{kind: actionInvalidate})
	q.mu.Unlock()
	q.fanout(obs, actionInvalidate)
}

// SetData writes data directly, marking the query successful. An in-flight
// fetch keeps running; its settlement overwrites this write.
func (q *Query) SetData(data any) any {
	q.apply(action{kind: actionSuccess, data: data, manual: true})
	return data
}

// Update is the read-modify-write form of SetData. fn sees the current
// data (ok=false when none is loaded) and returns the replacement;
// returning ok=false leaves the query untouched. The exchange is atomic
// against concurrent writers.
func (q *Query) Update(fn func(old any, ok bool) (any, bool)) (any, bool) {
	q.mu.Lock()
	st := q.state
	next, write := fn(st.Data, st.hasData())
	if !write {
		q.mu.Unlock()
		return st.Data, false
	}
	obs := q.reduceLocked(action{kind: actionSuccess, data: next, manual: true})
	q.mu.Unlock()
	q.fanout(obs, actionSuccess)
	return next, true
}

func (q *Query) setState(st State) {
	q.mu.Lock()
	obs := q.reduceLocked(action{kind: actionSetState, state: &st})
	q.mu.Unlock()
	q.fanout(obs, actionSetState)
}

// Cancel settles the in-flight fetch with a cancellation outcome. With
// revert, the query returns to the state observed before the fetch;
// otherwise the cancellation is recorded as an error.
func (q *Query) Cancel(revert bool) {
	q.mu.Lock()
	r := q.retryer
	q.mu.Unlock()
	if r != nil {
		r.cancelWith(&CancelledError{Revert: revert})
	}
}

// Reset returns the query to its initial state (pristine, or seeded via
// InitialData), canceling in-flight work silently.
func (q *Query) Reset() {
	q.mu.Lock()
	if q.retryer != nil {
		q.retryer.cancelWith(&CancelledError{Revert: true, Silent: true})
	}
	init := q.initialState
	obs := q.reduceLocked(action{kind: actionSetState, state: &init})
	q.mu.Unlock()
	q.fanout(obs, actionSetState)
}

// ==============================
// Fetching
// ==============================

// fetch runs the query's fetch function through the retry/pause machinery.
// A concurrent call while a fetch is in flight joins it, unless data exists
// and cancelRefetch is set, in which case the old fetch is superseded: its
// attempt context is canceled and whatever it still produces is discarded.
//
// ctx bounds only this caller's wait. The fetch itself is detached and
// settles for all waiters; cancel it via Cancel, supersession, or removal.
func (q *Query) fetch(ctx context.Context, fo *fetchOptions) (any, error) {
	if fo == nil {
		fo = &fetchOptions{}
	}
	q.mu.Lock()

	if q.retryer != nil {
		if q.state.hasData() && fo.cancelRefetch {
			q.retryer.cancelWith(&CancelledError{Revert: true, Silent: true})
		} else {
			r := q.retryer
			q.mu.Unlock()
			r.resumeRetries()
			r.tryResume()
			return r.wait(ctx)
		}
	}

	if fo.options != nil {
		q.setOptionsLocked(*fo.options)
	}
	opts := q.options
	if opts.Fetch == nil {
		q.mu.Unlock()
		return nil, ErrNoFetchFunc
	}

	q.generation++
	gen := q.generation
	rs := q.state
	q.revertState = &rs

	fctx := FetchContext{Key: q.key, Meta: opts.Meta, Client: q.client}
	var fn func(context.Context) (any, error)
	if opts.infinite() || opts.GetPreviousPageParam != nil {
		var dir FetchDirection
		if fo.meta != nil {
			dir = fo.meta.Direction
		}
		fn = infiniteFetchFunc(opts, fctx, q.state.Data, dir)
	} else {
		fetchFn := opts.Fetch
		fn = func(c context.Context) (any, error) { return fetchFn(c, fctx) }
	}

	retry := opts.Retry
	if retry == nil {
		retry = RetryCount(DefaultRetryCount)
	}
	delay := opts.RetryDelay
	if delay == nil {
		delay = ExponentialDelay(defaultBackoffBase, defaultBackoffCap)
	}

	r := newRetryer(detachedContext{ctx}, retryerConfig{
		fn:     fn,
		retry:  retry,
		delay:  delay,
		mode:   coalesce(opts.NetworkMode, NetworkOnline),
		online: q.client.online,
		onFail: func(n int, err error) {
			q.applyIfCurrent(gen, action{kind: actionFailed, failures: n, err: err})
		},
		onPause:    func() { q.applyIfCurrent(gen, action{kind: actionPause}) },
		onContinue: func() { q.applyIfCurrent(gen, action{kind: actionContinue}) },
	})
	q.retryer = r
	obs := q.reduceLocked(action{kind: actionFetch, meta: fo.meta})
	q.mu.Unlock()

	q.fanout(obs, actionFetch)

	go func() {
		data, err := r.wait(context.Background())
		q.settle(gen, r, data, err)
	}()

	return r.wait(ctx)
}

// settle records a fetch outcome, unless a newer fetch generation has taken
// over, in which case the outcome is discarded.
func (q *Query) settle(gen uint64, r *retryer, data any, err error) {
	q.mu.Lock()
	if q.retryer == r {
		q.retryer = nil
	}
	if q.generation != gen {
		q.mu.Unlock()
		return
	}

	var a action
	if err == nil {
		a = action{kind: actionSuccess, data: data}
	} else {
		var ce *CancelledError
		if errors.As(err, &ce) && ce.Silent {
			if len(q.observers) == 0 {
				q.scheduleGCLocked()
			}
			q.mu.Unlock()
			return
		}
		a = action{kind: actionError, err: err}
	}
	obs := q.reduceLocked(a)
	q.revertState = nil
	if len(q.observers) == 0 {
		q.scheduleGCLocked()
	}
	q.mu.Unlock()
	q.fanout(obs, a.kind)

	if err == nil {
		if cb := q.cache.config.OnSuccess; cb != nil {
			cb(data, q)
		}
	} else if !IsCancelled(err) {
		if cb := q.cache.config.OnError; cb != nil {
			cb(err, q)
		}
		q.client.log.Warn("query fetch failed", Fields{
			"key":   q.fingerprint,
			"error": err.Error(),
		})
	}
}

// onFocus refetches through the first observer that wants a focus refetch
// and wakes a paused retryer.
func (q *Query) onFocus() {
	q.mu.Lock()
	obs := slices.Clone(q.observers)
	r := q.retryer
	q.mu.Unlock()
	for _, o := range obs {
		if o.shouldFetchOnFocus() {
			o.refetchInBackground()
			break
		}
	}
	if r != nil {
		r.tryResume()
	}
}

// onOnline is the reconnect counterpart of onFocus. Paused retryers resume
// through their own connectivity subscription.
func (q *Query) onOnline() {
	q.mu.Lock()
	obs := slices.Clone(q.observers)
	q.mu.Unlock()
	for _, o := range obs {
		if o.shouldFetchOnReconnect() {
			o.refetchInBackground()
			break
		}
	}
}
