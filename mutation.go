package querycache

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MutationStatus is a mutation's lifecycle position.
type MutationStatus string

const (
	MutationIdle    MutationStatus = "idle"
	MutationPending MutationStatus = "pending"
	MutationSuccess MutationStatus = "success"
	MutationError   MutationStatus = "error"
)

// MutationFunc performs the write. vars is the value passed to Mutate,
// untouched. ctx is canceled when the invoking caller gives up; unlike
// query fetches a mutation has exactly one owner.
type MutationFunc func(ctx context.Context, vars any) (any, error)

// MutationOptions configure one mutation. Zero values defer to the
// client's defaults where a default exists.
type MutationOptions struct {
	// Fn is required at execution time.
	Fn MutationFunc

	// Key is optional; it exists for filtering, defaults lookup, and
	// dehydration, not for dedup. Every Mutate call runs its own mutation.
	Key Key

	// Retry defaults to no retries. Writes are not assumed idempotent.
	Retry       RetryFunc
	RetryDelay  DelayFunc
	NetworkMode NetworkMode

	// GCTime bounds how long a settled, unobserved mutation stays in its
	// cache. Zero means DefaultGCTime, Never disables collection.
	GCTime time.Duration

	// Mutations sharing a non-empty Scope run one at a time, in submission
	// order. Late arrivals wait in pending/paused state.
	Scope string

	Meta map[string]any

	// OnMutate runs before the write and may return a mutation context
	// value, available to the later callbacks. Returning an error abandons
	// the write and settles the mutation with that error. The usual job is
	// capturing pre-write cache state for rollback.
	OnMutate func(ctx context.Context, vars any) (any, error)

	// OnSuccess and OnSettled run after the write, before the state flips;
	// an error from either settles the mutation as failed. OnError's and
	// OnSettled-after-error's returns are logged, not propagated.
	OnSuccess func(ctx context.Context, data, vars, mutationCtx any) error
	OnError   func(ctx context.Context, err error, vars, mutationCtx any) error
	OnSettled func(ctx context.Context, data any, err error, vars, mutationCtx any) error
}

// MutationState is a mutation's full observable state. Snapshots are
// values; holders never see later transitions.
type MutationState struct {
	Status    MutationStatus
	Data      any
	Error     error
	Variables any

	// Context carries OnMutate's return value through the callbacks.
	Context any

	FailureCount  int
	FailureReason error

	// IsPaused marks a pending mutation that is not executing: offline
	// under NetworkOnline, or queued behind its scope.
	IsPaused bool

	SubmittedAt time.Time
}

func (s MutationState) IsIdle() bool    { return s.Status == MutationIdle || s.Status == "" }
func (s MutationState) IsPending() bool { return s.Status == MutationPending }
func (s MutationState) IsSuccess() bool { return s.Status == MutationSuccess }
func (s MutationState) IsError() bool   { return s.Status == MutationError }

type mutActionKind int

const (
	mutActionPending mutActionKind = iota
	mutActionContext
	mutActionFailed
	mutActionPause
	mutActionContinue
	mutActionSuccess
	mutActionError
	mutActionSetState
)

func (k mutActionKind) String() string {
	switch k {
	case mutActionPending, mutActionContext:
		// context is the second half of the pending transition
		return "pending"
	case mutActionFailed:
		return "failed"
	case mutActionPause:
		return "pause"
	case mutActionContinue:
		return "continue"
	case mutActionSuccess:
		return "success"
	case mutActionError:
		return "error"
	case mutActionSetState:
		return "setState"
	default:
		return "unknown"
	}
}

type mutAction struct {
	kind     mutActionKind
	vars     any
	mctx     any
	paused   bool
	failures int
	err      error
	data     any
	state    *MutationState
}

// Mutation is one write in flight or settled. Unlike queries, mutations
// are identified by a generated id, never deduplicated, and live in their
// cache only until collected.
type Mutation struct {
	client *Client
	cache  *MutationCache
	id     uint64

	// set at build time for filter matching; empty without a Key
	fingerprint string
	normKey     []any

	mu        sync.Mutex
	options   MutationOptions
	state     MutationState
	observers []*MutationObserver
	retryer   *retryer
	gcTimer   *time.Timer
	gcTime    time.Duration

	// one execution at a time; late callers join the in-flight outcome
	executing bool
	execDone  chan struct{}
	execData  any
	execErr   error
}

func newMutation(client *Client, cache *MutationCache, id uint64, opts MutationOptions, fingerprint string, normKey []any) *Mutation {
	m := &Mutation{
		client:      client,
		cache:       cache,
		id:          id,
		fingerprint: fingerprint,
		normKey:     normKey,
		options:     opts,
		state:       MutationState{Status: MutationIdle},
		gcTime:      coalesce(opts.GCTime, DefaultGCTime),
	}
	m.mu.Lock()
	m.scheduleGCLocked()
	m.mu.Unlock()
	return m
}

// ID is unique within the mutation cache, in submission order.
func (m *Mutation) ID() uint64 { return m.id }

func (m *Mutation) State() MutationState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Mutation) Options() MutationOptions {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.options
}

func (m *Mutation) Scope() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.options.Scope
}

func (m *Mutation) setOptions(opts MutationOptions) {
	m.mu.Lock()
	m.options = opts
	if gc := coalesce(opts.GCTime, DefaultGCTime); gc > m.gcTime || gc == Never {
		m.gcTime = gc
	}
	m.mu.Unlock()
}

func (m *Mutation) addObserver(o *MutationObserver) {
	m.mu.Lock()
	if slices.Contains(m.observers, o) {
		m.mu.Unlock()
		return
	}
	m.observers = append(m.observers, o)
	m.clearGCLocked()
	m.mu.Unlock()
	m.cache.publish(MutationEvent{Type: EventObserverAdded, Mutation: m})
}

func (m *Mutation) removeObserver(o *MutationObserver) {
	m.mu.Lock()
	i := slices.Index(m.observers, o)
	if i < 0 {
		m.mu.Unlock()
		return
	}
	m.observers = slices.Delete(m.observers, i, i+1)
	if len(m.observers) == 0 {
		m.scheduleGCLocked()
	}
	m.mu.Unlock()
	m.cache.publish(MutationEvent{Type: EventObserverRemoved, Mutation: m})
}

func (m *Mutation) scheduleGCLocked() {
	m.clearGCLocked()
	if m.gcTime == Never {
		return
	}
	m.gcTimer = time.AfterFunc(m.gcTime, func() { m.cache.collect(m) })
}

func (m *Mutation) clearGCLocked() {
	if m.gcTimer != nil {
		m.gcTimer.Stop()
		m.gcTimer = nil
	}
}

// collectable: settled (or never run) with nobody watching. A paused
// mutation is pending and therefore protected.
func (m *Mutation) collectable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.observers) == 0 && m.state.Status != MutationPending
}

func (m *Mutation) destroy() {
	m.mu.Lock()
	m.clearGCLocked()
	m.mu.Unlock()
}

func (m *Mutation) reduceLocked(a mutAction) []*MutationObserver {
	st := m.state
	switch a.kind {
	case mutActionPending:
		st = MutationState{
			Status:      MutationPending,
			Variables:   a.vars,
			IsPaused:    a.paused,
			SubmittedAt: time.Now(),
		}
	case mutActionContext:
		st.Context = a.mctx
	case mutActionFailed:
		st.FailureCount = a.failures
		st.FailureReason = a.err
	case mutActionPause:
		st.IsPaused = true
	case mutActionContinue:
		st.IsPaused = false
	case mutActionSuccess:
		st.Status = MutationSuccess
		st.Data = a.data
		st.Error = nil
		st.FailureCount = 0
		st.FailureReason = nil
		st.IsPaused = false
	case mutActionError:
		st.Status = MutationError
		st.Data = nil
		st.Error = a.err
		st.FailureCount++
		st.FailureReason = a.err
		st.IsPaused = false
	case mutActionSetState:
		st = *a.state
	}
	m.state = st
	return slices.Clone(m.observers)
}

func (m *Mutation) apply(a mutAction) {
	m.mu.Lock()
	obs := m.reduceLocked(a)
	m.mu.Unlock()
	m.fanout(obs, a.kind)
}

func (m *Mutation) fanout(obs []*MutationObserver, kind mutActionKind) {
	m.client.notify.Batch(func() {
		for _, o := range obs {
			o.onMutationUpdate()
		}
		m.cache.publish(MutationEvent{
			Type:     EventMutationUpdated,
			Mutation: m,
			Action:   kind.String(),
		})
	})
}

func (m *Mutation) setState(st MutationState) {
	m.apply(mutAction{kind: mutActionSetState, state: &st})
}

// execute runs the mutation once: pending dispatch, OnMutate, the scope
// gate, then the write through the retry machinery, then the callbacks.
// Concurrent callers join the in-flight execution and share its outcome.
// ctx owns the write: canceling it cancels the attempt.
func (m *Mutation) execute(ctx context.Context, vars any) (any, error) {
	m.mu.Lock()
	if m.executing {
		done := m.execDone
		m.mu.Unlock()
		select {
		case <-done:
			m.mu.Lock()
			defer m.mu.Unlock()
			return m.execData, m.execErr
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	m.executing = true
	m.execDone = make(chan struct{})
	opts := m.options
	restored := m.state.Status == MutationPending
	m.mu.Unlock()

	data, err := m.doExecute(ctx, opts, vars, restored)

	m.mu.Lock()
	m.execData, m.execErr = data, err
	m.executing = false
	close(m.execDone)
	m.mu.Unlock()
	return data, err
}

func (m *Mutation) doExecute(ctx context.Context, opts MutationOptions, vars any, restored bool) (any, error) {
	if opts.Fn == nil {
		return nil, ErrNoMutationFunc
	}

	mode := coalesce(opts.NetworkMode, NetworkOnline)
	ready, acquired := m.cache.acquireScope(opts.Scope)

	if !restored {
		online := mode != NetworkOnline || m.client.online.IsOnline()
		m.apply(mutAction{kind: mutActionPending, vars: vars, paused: !acquired || !online})
		if opts.OnMutate != nil {
			mctx, err := opts.OnMutate(ctx, vars)
			if err != nil {
				m.cache.unqueueScope(opts.Scope, ready, acquired)
				return m.fail(ctx, opts, err, vars)
			}
			if mctx != nil {
				m.apply(mutAction{kind: mutActionContext, mctx: mctx})
			}
		}
	}

	if !acquired {
		select {
		case <-ready:
			m.apply(mutAction{kind: mutActionContinue})
		case <-ctx.Done():
			m.cache.unqueueScope(opts.Scope, ready, false)
			return m.fail(ctx, opts, context.Cause(ctx), vars)
		}
	}
	return m.run(ctx, opts, vars)
}

// run performs the write while holding the scope slot.
func (m *Mutation) run(ctx context.Context, opts MutationOptions, vars any) (any, error) {
	defer m.cache.releaseScope(opts.Scope)

	retry := opts.Retry
	if retry == nil {
		retry = RetryNever
	}
	delay := opts.RetryDelay
	if delay == nil {
		delay = ExponentialDelay(defaultBackoffBase, defaultBackoffCap)
	}

	r := newRetryer(ctx, retryerConfig{
		fn:     func(c context.Context) (any, error) { return opts.Fn(c, vars) },
		retry:  retry,
		delay:  delay,
		mode:   coalesce(opts.NetworkMode, NetworkOnline),
		online: m.client.online,
		onFail: func(n int, err error) {
			m.apply(mutAction{kind: mutActionFailed, failures: n, err: err})
		},
		onPause:    func() { m.apply(mutAction{kind: mutActionPause}) },
		onContinue: func() { m.apply(mutAction{kind: mutActionContinue}) },
	})
	m.mu.Lock()
	m.retryer = r
	m.mu.Unlock()

	data, err := r.wait(context.Background())

	m.mu.Lock()
	if m.retryer == r {
		m.retryer = nil
	}
	m.mu.Unlock()

	if err != nil {
		return m.fail(ctx, opts, err, vars)
	}

	mctx := m.State().Context
	if cb := m.cache.config.OnSuccess; cb != nil {
		cb(data, vars, mctx, m)
	}
	if opts.OnSuccess != nil {
		if cberr := opts.OnSuccess(ctx, data, vars, mctx); cberr != nil {
			return m.fail(ctx, opts, cberr, vars)
		}
	}
	if opts.OnSettled != nil {
		if cberr := opts.OnSettled(ctx, data, nil, vars, mctx); cberr != nil {
			return m.fail(ctx, opts, cberr, vars)
		}
	}
	m.apply(mutAction{kind: mutActionSuccess, data: data})
	m.settled()
	return data, nil
}

// fail settles the mutation as failed: error callbacks, then the error
// transition. The original error wins over callback errors.
func (m *Mutation) fail(ctx context.Context, opts MutationOptions, err error, vars any) (any, error) {
	mctx := m.State().Context
	if cb := m.cache.config.OnError; cb != nil {
		cb(err, vars, mctx, m)
	}
	if opts.OnError != nil {
		if cberr := opts.OnError(ctx, err, vars, mctx); cberr != nil {
			m.client.log.Warn("mutation OnError callback failed", Fields{"error": cberr.Error()})
		}
	}
	if opts.OnSettled != nil {
		if cberr := opts.OnSettled(ctx, nil, err, vars, mctx); cberr != nil {
			m.client.log.Warn("mutation OnSettled callback failed", Fields{"error": cberr.Error()})
		}
	}
	m.apply(mutAction{kind: mutActionError, err: err})
	m.settled()
	return nil, err
}

func (m *Mutation) settled() {
	m.mu.Lock()
	if len(m.observers) == 0 {
		m.scheduleGCLocked()
	}
	m.mu.Unlock()
}

// resume continues a paused mutation: an in-flight one is nudged to
// re-check its connectivity gate, a restored one (hydrated as pending with
// no runner) is executed from its recorded variables.
func (m *Mutation) resume(ctx context.Context) (any, error) {
	m.mu.Lock()
	r := m.retryer
	executing := m.executing
	done := m.execDone
	vars := m.state.Variables
	m.mu.Unlock()
	if r != nil {
		r.tryResume()
	}
	if executing {
		select {
		case <-done:
			m.mu.Lock()
			defer m.mu.Unlock()
			return m.execData, m.execErr
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return m.execute(ctx, vars)
}

// MutationObserver binds mutation state to one consumer. Mutate builds a
// fresh Mutation each call; the observer follows the latest one.
type MutationObserver struct {
	client *Client

	mu            sync.Mutex
	options       MutationOptions
	current       *Mutation
	listeners     map[uint64]func(MutationState)
	nextID        uint64
	pendingNotify bool
}

func NewMutationObserver(client *Client, opts MutationOptions) *MutationObserver {
	return &MutationObserver{
		client:    client,
		options:   client.defaultMutationOptions(opts),
		listeners: make(map[uint64]func(MutationState)),
	}
}

func (o *MutationObserver) SetOptions(opts MutationOptions) {
	opts = o.client.defaultMutationOptions(opts)
	o.mu.Lock()
	o.options = opts
	m := o.current
	o.mu.Unlock()
	if m != nil {
		m.setOptions(opts)
	}
}

// Subscribe registers fn for state changes of the observer's latest
// mutation. fn runs on engine goroutines; keep it cheap.
func (o *MutationObserver) Subscribe(fn func(MutationState)) (unsubscribe func()) {
	o.mu.Lock()
	id := o.nextID
	o.nextID++
	o.listeners[id] = fn
	o.mu.Unlock()
	return func() {
		o.mu.Lock()
		delete(o.listeners, id)
		o.mu.Unlock()
	}
}

// CurrentState returns the latest mutation's state, or idle before the
// first Mutate and after Reset.
func (o *MutationObserver) CurrentState() MutationState {
	o.mu.Lock()
	m := o.current
	o.mu.Unlock()
	if m == nil {
		return MutationState{Status: MutationIdle}
	}
	return m.State()
}

// Mutate runs the write and blocks until it settles. The previous
// mutation, if any, is released to garbage collection.
func (o *MutationObserver) Mutate(ctx context.Context, vars any) (any, error) {
	o.mu.Lock()
	opts := o.options
	prev := o.current
	o.mu.Unlock()

	m, err := o.client.mutations.Build(o.client, opts)
	if err != nil {
		return nil, err
	}
	if prev != nil {
		prev.removeObserver(o)
	}
	o.mu.Lock()
	o.current = m
	o.mu.Unlock()
	m.addObserver(o)
	return m.execute(ctx, vars)
}

// Reset detaches from the current mutation and reports idle again.
func (o *MutationObserver) Reset() {
	o.mu.Lock()
	prev := o.current
	o.current = nil
	o.mu.Unlock()
	if prev != nil {
		prev.removeObserver(o)
	}
	o.notify()
}

func (o *MutationObserver) onMutationUpdate() { o.notify() }

func (o *MutationObserver) notify() {
	o.mu.Lock()
	shouldNotify := len(o.listeners) > 0
	already := o.pendingNotify
	if shouldNotify {
		o.pendingNotify = true
	}
	o.mu.Unlock()
	if shouldNotify && !already {
		o.client.notify.Schedule(o.flush)
	}
}

func (o *MutationObserver) flush() {
	o.mu.Lock()
	if !o.pendingNotify {
		o.mu.Unlock()
		return
	}
	o.pendingNotify = false
	ls := make([]func(MutationState), 0, len(o.listeners))
	for _, fn := range o.listeners {
		ls = append(ls, fn)
	}
	o.mu.Unlock()
	st := o.CurrentState()
	for _, fn := range ls {
		fn(st)
	}
}
