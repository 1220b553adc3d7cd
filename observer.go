package querycache

import (
	"context"
	"reflect"
	"sync"
	"time"
)

// Result is an observer's view of its query at a point in time. Data holds
// the selected projection when Select is set, otherwise the raw cached
// data; treat it as immutable.
type Result struct {
	Status      Status
	FetchStatus FetchStatus
	Data        any
	Error       error

	DataUpdatedAt  time.Time
	ErrorUpdatedAt time.Time

	// FailureCount and FailureReason track the in-flight fetch's retry
	// progress; both reset once a fetch settles successfully.
	FailureCount  int
	FailureReason error

	IsStale       bool
	IsPlaceholder bool
	IsInvalidated bool

	// ThrowError marks the error for adapter layers that promote errors
	// instead of rendering them; set per the observer's ThrowOnError.
	ThrowError bool

	// Infinite queries only.
	HasNextPage              bool
	HasPreviousPage          bool
	IsFetchingNextPage       bool
	IsFetchingPreviousPage   bool
	IsFetchNextPageError     bool
	IsFetchPreviousPageError bool
}

func (r Result) IsPending() bool  { return r.Status == StatusPending }
func (r Result) IsSuccess() bool  { return r.Status == StatusSuccess }
func (r Result) IsError() bool    { return r.Status == StatusError }
func (r Result) IsFetching() bool { return r.FetchStatus == FetchFetching }
func (r Result) IsPaused() bool   { return r.FetchStatus == FetchPaused }

// IsLoading reports the initial load: pending with a fetch in flight.
func (r Result) IsLoading() bool { return r.IsPending() && r.IsFetching() }

// equalAny compares values structurally without panicking on uncomparable
// dynamic types.
func equalAny(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return reflect.DeepEqual(a, b)
}

func resultChanged(prev, next Result, fields []ResultField) bool {
	if len(fields) == 0 {
		fields = allResultFields
	}
	for _, f := range fields {
		switch f {
		case FieldData:
			if prev.DataUpdatedAt != next.DataUpdatedAt ||
				prev.IsPlaceholder != next.IsPlaceholder ||
				!equalAny(prev.Data, next.Data) {
				return true
			}
		case FieldError:
			if prev.ErrorUpdatedAt != next.ErrorUpdatedAt ||
				prev.ThrowError != next.ThrowError ||
				!equalAny(prev.Error, next.Error) {
				return true
			}
		case FieldStatus:
			if prev.Status != next.Status {
				return true
			}
		case FieldFetchStatus:
			if prev.FetchStatus != next.FetchStatus {
				return true
			}
		case FieldIsStale:
			if prev.IsStale != next.IsStale || prev.IsInvalidated != next.IsInvalidated {
				return true
			}
		case FieldFailureCount:
			if prev.FailureCount != next.FailureCount ||
				!equalAny(prev.FailureReason, next.FailureReason) {
				return true
			}
		case FieldPages:
			if prev.HasNextPage != next.HasNextPage ||
				prev.HasPreviousPage != next.HasPreviousPage ||
				prev.IsFetchingNextPage != next.IsFetchingNextPage ||
				prev.IsFetchingPreviousPage != next.IsFetchingPreviousPage ||
				prev.IsFetchNextPageError != next.IsFetchNextPageError ||
				prev.IsFetchPreviousPageError != next.IsFetchPreviousPageError {
				return true
			}
		}
	}
	return false
}

// Observer is a consumer's live view of one query: it projects the query's
// state into a Result, decides which changes its subscribers hear about,
// and drives automatic refetching (subscribe, focus, reconnect, interval,
// staleness). Create with NewObserver, then Subscribe.
type Observer struct {
	client *Client

	mu            sync.Mutex
	options       ObserverOptions
	query         *Query
	result        Result
	listeners     map[uint64]func(Result)
	nextID        uint64
	pendingNotify bool

	// last raw data seen, for PlaceholderFunc across re-keying
	prevData  any
	prevQuery *Query

	staleTimer    *time.Timer
	intervalTimer *time.Timer
}

func NewObserver(client *Client, opts ObserverOptions) (*Observer, error) {
	o := &Observer{
		client:    client,
		listeners: make(map[uint64]func(Result)),
	}
	if err := o.applyOptions(opts); err != nil {
		return nil, err
	}
	return o, nil
}

// SetOptions re-points the observer, switching queries when the key
// changed. The subscription carries over: the observer detaches from the
// old query, attaches to the new one, and fetches per RefetchOnSubscribe.
func (o *Observer) SetOptions(opts ObserverOptions) error {
	return o.applyOptions(opts)
}

func (o *Observer) applyOptions(opts ObserverOptions) error {
	opts = o.client.defaultObserverOptions(opts)
	q, err := o.client.cache.Build(o.client, opts.QueryOptions)
	if err != nil {
		return err
	}

	o.mu.Lock()
	prev := o.query
	o.options = opts
	o.query = q
	switched := prev != nil && prev != q
	subscribed := len(o.listeners) > 0
	o.mu.Unlock()

	if switched && subscribed {
		prev.removeObserver(o)
		q.addObserver(o)
	}
	o.updateResult(true)
	o.updateTimers()
	if switched && subscribed && o.shouldFetchOnSubscribe() {
		o.fetchInBackground(false)
	}
	return nil
}

// Options returns the observer's current options.
func (o *Observer) Options() ObserverOptions {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.options
}

// Query returns the observed query.
func (o *Observer) Query() *Query {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.query
}

func (o *Observer) disabled() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.options.Disabled
}

// Subscribe registers fn and starts observation: the first subscriber
// attaches the observer to its query and may fetch per RefetchOnSubscribe.
// fn runs on engine goroutines after every relevant change and must be
// cheap and non-blocking. The returned func removes the subscription;
// removing the last one detaches the observer.
func (o *Observer) Subscribe(fn func(Result)) (unsubscribe func()) {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.listeners[id] = fn
	first := len(o.listeners) == 1
	q := o.query
	o.mu.Unlock()

	if first {
		q.addObserver(o)
		if o.shouldFetchOnSubscribe() {
			o.fetchInBackground(false)
		}
		o.updateResult(false)
		o.updateTimers()
	}
	return func() { o.removeListener(id) }
}

func (o *Observer) removeListener(id uint64) {
	o.mu.Lock()
	if _, ok := o.listeners[id]; !ok {
		o.mu.Unlock()
		return
	}
	delete(o.listeners, id)
	last := len(o.listeners) == 0
	q := o.query
	o.mu.Unlock()
	if last {
		o.clearTimers()
		q.removeObserver(o)
	}
}

// Close drops all listeners and detaches the observer.
func (o *Observer) Close() {
	o.mu.Lock()
	had := len(o.listeners) > 0
	o.listeners = make(map[uint64]func(Result))
	q := o.query
	o.mu.Unlock()
	o.clearTimers()
	if had {
		q.removeObserver(o)
	}
}

// CurrentResult computes the observer's present view of its query.
func (o *Observer) CurrentResult() Result {
	o.mu.Lock()
	defer o.mu.Unlock()
	r, _ := o.computeLocked()
	return r
}

// Refetch fetches regardless of staleness, superseding an in-flight
// refetch, and returns the settled view. ctx bounds only the wait.
func (o *Observer) Refetch(ctx context.Context) (Result, error) {
	o.mu.Lock()
	q := o.query
	opts := o.options.QueryOptions
	o.mu.Unlock()
	_, err := q.fetch(ctx, &fetchOptions{cancelRefetch: true, options: &opts})
	return o.CurrentResult(), err
}

// FetchNextPage extends an infinite query forward by one page. While any
// fetch is already in flight it is superseded, like Refetch.
func (o *Observer) FetchNextPage(ctx context.Context) (Result, error) {
	return o.fetchPage(ctx, FetchForward)
}

// FetchPreviousPage extends an infinite query backward by one page.
func (o *Observer) FetchPreviousPage(ctx context.Context) (Result, error) {
	return o.fetchPage(ctx, FetchBackward)
}

func (o *Observer) fetchPage(ctx context.Context, dir FetchDirection) (Result, error) {
	o.mu.Lock()
	q := o.query
	opts := o.options.QueryOptions
	o.mu.Unlock()
	if dir == FetchForward && opts.GetNextPageParam == nil {
		return o.CurrentResult(), ErrNoPageParamFunc
	}
	if dir == FetchBackward && opts.GetPreviousPageParam == nil {
		return o.CurrentResult(), ErrNoPageParamFunc
	}
	_, err := q.fetch(ctx, &fetchOptions{
		cancelRefetch: true,
		meta:          &FetchMeta{Direction: dir},
		options:       &opts,
	})
	return o.CurrentResult(), err
}

// onQueryUpdate is called by the query inside a notification batch.
func (o *Observer) onQueryUpdate() {
	o.updateResult(true)
	o.updateTimers()
}

func (o *Observer) updateResult(notify bool) {
	o.mu.Lock()
	prev := o.result
	next, raw := o.computeLocked()
	o.result = next
	if raw.hasData() {
		o.prevData = raw.Data
		o.prevQuery = o.query
	}
	shouldNotify := notify && len(o.listeners) > 0 && resultChanged(prev, next, o.options.NotifyOn)
	already := o.pendingNotify
	if shouldNotify {
		o.pendingNotify = true
	}
	o.mu.Unlock()
	if shouldNotify && !already {
		o.client.notify.Schedule(o.flush)
	}
}

// flush delivers at most one notification per batch no matter how many
// transitions happened inside it.
func (o *Observer) flush() {
	o.mu.Lock()
	if !o.pendingNotify {
		o.mu.Unlock()
		return
	}
	o.pendingNotify = false
	r := o.result
	ls := make([]func(Result), 0, len(o.listeners))
	for _, fn := range o.listeners {
		ls = append(ls, fn)
	}
	o.mu.Unlock()
	for _, fn := range ls {
		fn(r)
	}
}

// computeLocked builds the result from live query state. Callers hold o.mu;
// the query lock nests inside it.
func (o *Observer) computeLocked() (Result, State) {
	q := o.query
	st := q.State()
	opts := o.options

	r := Result{
		Status:         st.Status,
		FetchStatus:    st.FetchStatus,
		Error:          st.Error,
		DataUpdatedAt:  st.DataUpdatedAt,
		ErrorUpdatedAt: st.ErrorUpdatedAt,
		FailureCount:   st.FetchFailureCount,
		FailureReason:  st.FetchFailureReason,
		IsInvalidated:  st.IsInvalidated,
	}

	if opts.infinite() || opts.GetPreviousPageParam != nil {
		// Page availability comes from the raw cached pages, independent of
		// any Select projection.
		pages, _ := asInfiniteData(st.Data)
		_, r.HasNextPage = nextPageParam(opts.QueryOptions, pages)
		_, r.HasPreviousPage = previousPageParam(opts.QueryOptions, pages)
		if st.FetchMeta != nil {
			fetching := st.FetchStatus == FetchFetching
			fwd := st.FetchMeta.Direction == FetchForward
			bwd := st.FetchMeta.Direction == FetchBackward
			r.IsFetchingNextPage = fetching && fwd
			r.IsFetchingPreviousPage = fetching && bwd
			r.IsFetchNextPageError = st.Error != nil && fwd
			r.IsFetchPreviousPageError = st.Error != nil && bwd
		}
	}

	data := st.Data
	hasData := st.hasData()
	if opts.Select != nil && hasData {
		selected, err := opts.Select(data)
		if err != nil {
			r.Status = StatusError
			r.Error = err
			data = nil
			hasData = false
		} else {
			data = selected
		}
	}
	r.Data = data

	if r.Status == StatusPending && !hasData {
		pd := opts.Placeholder
		if opts.PlaceholderFunc != nil {
			pd = opts.PlaceholderFunc(o.prevData, o.prevQuery)
		}
		if pd != nil && opts.Select != nil {
			if sel, err := opts.Select(pd); err == nil {
				pd = sel
			} else {
				pd = nil
			}
		}
		if pd != nil {
			r.Status = StatusSuccess
			r.IsPlaceholder = true
			r.Data = pd
		}
	}

	r.IsStale = staleByTime(st, opts.StaleTime)
	if opts.ThrowOnError != nil && r.Error != nil && !IsCancelled(r.Error) {
		r.ThrowError = opts.ThrowOnError(r.Error, q)
	}
	return r, st
}

// ==============================
// Automatic refetch triggers
// ==============================

func (o *Observer) shouldFetchOnSubscribe() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.shouldFetchOnLocked(o.options.RefetchOnSubscribe)
}

func (o *Observer) shouldFetchOnFocus() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.shouldFetchOnLocked(o.options.RefetchOnFocus)
}

func (o *Observer) shouldFetchOnReconnect() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.shouldFetchOnLocked(o.options.RefetchOnReconnect)
}

func (o *Observer) shouldFetchOnLocked(mode RefetchMode) bool {
	if o.options.Disabled {
		return false
	}
	st := o.query.State()
	if !st.hasData() {
		// Nothing loaded yet: always worth a fetch (it joins an in-flight
		// load instead of duplicating it).
		return true
	}
	switch coalesce(mode, RefetchIfStale) {
	case RefetchAlways:
		return true
	case RefetchNever:
		return false
	default:
		return staleByTime(st, o.options.StaleTime)
	}
}

func (o *Observer) refetchInBackground() { o.fetchInBackground(false) }

func (o *Observer) fetchInBackground(cancelRefetch bool) {
	o.mu.Lock()
	q := o.query
	opts := o.options.QueryOptions
	o.mu.Unlock()
	go func() {
		_, _ = q.fetch(context.Background(), &fetchOptions{
			cancelRefetch: cancelRefetch,
			options:       &opts,
		})
	}()
}

// ==============================
// Timers
// ==============================

// updateTimers (re)arms the staleness flip and the refetch interval.
// Timers only run while subscribed.
func (o *Observer) updateTimers() {
	o.mu.Lock()
	defer o.mu.Unlock()
	subscribed := len(o.listeners) > 0
	st := o.query.State()

	if o.staleTimer != nil {
		o.staleTimer.Stop()
		o.staleTimer = nil
	}
	staleTime := o.options.StaleTime
	if subscribed && st.hasData() && staleTime > 0 && staleTime != Never {
		// +1ms so the timer lands on the stale side of the boundary
		until := time.Until(st.DataUpdatedAt.Add(staleTime)) + time.Millisecond
		if until > 0 {
			o.staleTimer = time.AfterFunc(until, o.onStaleTimer)
		}
	}

	if o.intervalTimer != nil {
		o.intervalTimer.Stop()
		o.intervalTimer = nil
	}
	interval := o.options.RefetchInterval
	if subscribed && !o.options.Disabled && interval > 0 && interval != Never {
		o.intervalTimer = time.AfterFunc(interval, o.onIntervalTimer)
	}
}

func (o *Observer) clearTimers() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.staleTimer != nil {
		o.staleTimer.Stop()
		o.staleTimer = nil
	}
	if o.intervalTimer != nil {
		o.intervalTimer.Stop()
		o.intervalTimer = nil
	}
}

func (o *Observer) onStaleTimer() {
	o.updateResult(true)
	o.updateTimers()
}

func (o *Observer) onIntervalTimer() {
	o.mu.Lock()
	disabled := o.options.Disabled
	background := o.options.RefetchIntervalInBackground
	o.mu.Unlock()
	if !disabled && (background || o.client.focus.IsFocused()) {
		o.fetchInBackground(false)
	}
	o.updateTimers()
}
