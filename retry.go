package querycache

import (
	"context"
	"sync"
	"time"
)

// detachedContext keeps the values of its parent but none of its
// cancellation. A shared fetch must not die with the first caller that
// stops waiting for it, yet tracing values should flow through.
type detachedContext struct{ context.Context }

func (detachedContext) Deadline() (time.Time, bool) { return time.Time{}, false }
func (detachedContext) Done() <-chan struct{}       { return nil }
func (detachedContext) Err() error                  { return nil }

type retryerConfig struct {
	fn     func(ctx context.Context) (any, error)
	retry  RetryFunc
	delay  DelayFunc
	mode   NetworkMode
	online *OnlineManager

	// Transient progress callbacks. All are required and must not block.
	onFail     func(failures int, err error)
	onPause    func()
	onContinue func()
}

// retryer drives one fetch to settlement on its own goroutine: attempt,
// retry with backoff, pause while offline (per NetworkMode), cancel with
// cause. Waiters observe the outcome via wait; a waiter detaching early
// does not stop the fetch.
type retryer struct {
	cfg         retryerConfig
	ctx         context.Context
	cancelCause context.CancelCauseFunc

	mu             sync.Mutex
	failures       int
	paused         bool
	retriesStopped bool
	result         any
	err            error

	status      chan bool // connectivity transitions, coalesced
	unsubscribe func()
	done        chan struct{}
}

func newRetryer(parent context.Context, cfg retryerConfig) *retryer {
	ctx, cancel := context.WithCancelCause(parent)
	r := &retryer{
		cfg:         cfg,
		ctx:         ctx,
		cancelCause: cancel,
		status:      make(chan bool, 1),
		done:        make(chan struct{}),
	}
	r.unsubscribe = cfg.online.Subscribe(r.push)
	go r.run()
	return r
}

// push coalesces connectivity transitions into the single-slot status
// channel; the run loop re-checks its gate on every wakeup.
func (r *retryer) push(online bool) {
	select {
	case <-r.status:
	default:
	}
	select {
	case r.status <- online:
	default:
	}
}

// tryResume wakes a paused run loop so it re-evaluates its gate.
func (r *retryer) tryResume() { r.push(r.cfg.online.IsOnline()) }

// cancelWith settles the fetch with ce as its outcome. The attempt context
// is canceled with ce as cause.
func (r *retryer) cancelWith(ce *CancelledError) { r.cancelCause(ce) }

// cancelRetries lets the in-flight attempt settle but stops further
// retries. Used when the last observer walks away mid-retry.
func (r *retryer) cancelRetries() {
	r.mu.Lock()
	r.retriesStopped = true
	r.mu.Unlock()
}

func (r *retryer) resumeRetries() {
	r.mu.Lock()
	r.retriesStopped = false
	r.mu.Unlock()
}

func (r *retryer) isPaused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// wait blocks until the fetch settles or ctx is done. Returning on ctx
// leaves the fetch running for other waiters.
func (r *retryer) wait(ctx context.Context) (any, error) {
	select {
	case <-r.done:
		return r.result, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *retryer) canStart() bool {
	switch r.cfg.mode {
	case NetworkAlways, NetworkOfflineFirst:
		return true
	default:
		return r.cfg.online.IsOnline()
	}
}

func (r *retryer) canContinue() bool {
	if r.cfg.mode == NetworkAlways {
		return true
	}
	return r.cfg.online.IsOnline()
}

func (r *retryer) settle(data any, err error) {
	r.mu.Lock()
	r.result = data
	r.err = err
	r.mu.Unlock()
}

func (r *retryer) run() {
	defer close(r.done)
	defer r.unsubscribe()

	if !r.canStart() {
		if err := r.pause(); err != nil {
			r.settle(nil, err)
			return
		}
	}
	for {
		data, err := r.cfg.fn(r.ctx)
		if cause := context.Cause(r.ctx); cause != nil {
			r.settle(nil, cause)
			return
		}
		if err == nil {
			r.settle(data, nil)
			return
		}

		r.mu.Lock()
		failures := r.failures
		stopped := r.retriesStopped
		r.mu.Unlock()
		if stopped || !r.cfg.retry(failures, err) {
			r.settle(nil, err)
			return
		}
		delay := r.cfg.delay(failures, err)

		r.mu.Lock()
		r.failures++
		failures = r.failures
		r.mu.Unlock()
		r.cfg.onFail(failures, err)

		if serr := r.sleep(delay); serr != nil {
			r.settle(nil, serr)
			return
		}
		if !r.canContinue() {
			if perr := r.pause(); perr != nil {
				r.settle(nil, perr)
				return
			}
		}
		r.mu.Lock()
		stopped = r.retriesStopped
		r.mu.Unlock()
		if stopped {
			r.settle(nil, err)
			return
		}
	}
}

// sleep waits out the backoff. Time spent paused offline does not count
// against the delay: the remainder resumes after reconnect.
func (r *retryer) sleep(d time.Duration) error {
	remaining := d
	for remaining > 0 {
		if !r.canContinue() {
			if err := r.pause(); err != nil {
				return err
			}
		}
		start := time.Now()
		t := time.NewTimer(remaining)
		select {
		case <-t.C:
			return nil
		case <-r.status:
			t.Stop()
			remaining -= time.Since(start)
		case <-r.ctx.Done():
			t.Stop()
			return context.Cause(r.ctx)
		}
	}
	return nil
}

// pause blocks until the connectivity gate opens or the fetch is canceled.
func (r *retryer) pause() error {
	r.mu.Lock()
	r.paused = true
	r.mu.Unlock()
	r.cfg.onPause()
	defer func() {
		r.mu.Lock()
		r.paused = false
		r.mu.Unlock()
		if context.Cause(r.ctx) == nil {
			r.cfg.onContinue()
		}
	}()
	for {
		if r.canContinue() {
			return nil
		}
		select {
		case <-r.status:
		case <-r.ctx.Done():
			return context.Cause(r.ctx)
		}
	}
}
