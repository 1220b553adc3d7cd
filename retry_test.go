package querycache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func noopProgress(cfg *retryerConfig) {
	if cfg.onFail == nil {
		cfg.onFail = func(int, error) {}
	}
	if cfg.onPause == nil {
		cfg.onPause = func() {}
	}
	if cfg.onContinue == nil {
		cfg.onContinue = func() {}
	}
}

func newTestRetryer(cfg retryerConfig) *retryer {
	noopProgress(&cfg)
	if cfg.retry == nil {
		cfg.retry = RetryNever
	}
	if cfg.delay == nil {
		cfg.delay = FixedDelay(time.Millisecond)
	}
	if cfg.online == nil {
		cfg.online = NewOnlineManager()
	}
	if cfg.mode == "" {
		cfg.mode = NetworkOnline
	}
	return newRetryer(context.Background(), cfg)
}

func waitSettled(t *testing.T, r *retryer) (any, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	data, err := r.wait(ctx)
	if ctx.Err() != nil {
		t.Fatalf("retryer did not settle in time")
	}
	return data, err
}

// ==============================
// Retry loop tests
// ==============================

func TestRetryerFirstAttemptSuccess(t *testing.T) {
	var attempts atomic.Int32
	r := newTestRetryer(retryerConfig{
		fn: func(context.Context) (any, error) {
			attempts.Add(1)
			return "ok", nil
		},
	})
	data, err := waitSettled(t, r)
	if err != nil || data != "ok" {
		t.Fatalf("want ok/nil, got %v/%v", data, err)
	}
	if n := attempts.Load(); n != 1 {
		t.Fatalf("want 1 attempt, got %d", n)
	}
}

// TestRetryerRetriesThenSucceeds: one failure with retry budget 1 reports
// failure count 1 through onFail, then settles successfully.
func TestRetryerRetriesThenSucceeds(t *testing.T) {
	var attempts atomic.Int32
	boom := errors.New("boom")
	failures := make(chan int, 4)
	r := newTestRetryer(retryerConfig{
		fn: func(context.Context) (any, error) {
			if attempts.Add(1) == 1 {
				return nil, boom
			}
			return "ok", nil
		},
		retry:  RetryCount(1),
		delay:  FixedDelay(10 * time.Millisecond),
		onFail: func(n int, err error) { failures <- n },
	})
	data, err := waitSettled(t, r)
	if err != nil || data != "ok" {
		t.Fatalf("want ok/nil, got %v/%v", data, err)
	}
	if n := attempts.Load(); n != 2 {
		t.Fatalf("want 2 attempts, got %d", n)
	}
	select {
	case n := <-failures:
		if n != 1 {
			t.Fatalf("want failure count 1, got %d", n)
		}
	default:
		t.Fatalf("onFail was not called")
	}
}

func TestRetryerBudgetExhausted(t *testing.T) {
	var attempts atomic.Int32
	boom := errors.New("boom")
	r := newTestRetryer(retryerConfig{
		fn: func(context.Context) (any, error) {
			attempts.Add(1)
			return nil, boom
		},
		retry: RetryCount(2),
		delay: FixedDelay(time.Millisecond),
	})
	_, err := waitSettled(t, r)
	if !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}
	if n := attempts.Load(); n != 3 {
		t.Fatalf("retry 2 means 3 attempts, got %d", n)
	}
}

func TestRetryerNoRetryByDefault(t *testing.T) {
	var attempts atomic.Int32
	boom := errors.New("boom")
	r := newTestRetryer(retryerConfig{
		fn: func(context.Context) (any, error) {
			attempts.Add(1)
			return nil, boom
		},
	})
	if _, err := waitSettled(t, r); !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}
	if n := attempts.Load(); n != 1 {
		t.Fatalf("want 1 attempt, got %d", n)
	}
}

// TestRetryerCancelRetries: stopping retries lets the in-flight attempt
// settle with its own error instead of scheduling another one.
func TestRetryerCancelRetries(t *testing.T) {
	var attempts atomic.Int32
	boom := errors.New("boom")
	started := make(chan struct{})
	release := make(chan struct{})
	r := newTestRetryer(retryerConfig{
		fn: func(context.Context) (any, error) {
			attempts.Add(1)
			close(started)
			<-release
			return nil, boom
		},
		retry: RetryAlways,
		delay: FixedDelay(time.Millisecond),
	})
	<-started
	r.cancelRetries()
	close(release)
	if _, err := waitSettled(t, r); !errors.Is(err, boom) {
		t.Fatalf("want boom, got %v", err)
	}
	if n := attempts.Load(); n != 1 {
		t.Fatalf("want 1 attempt after cancelRetries, got %d", n)
	}
}

// ==============================
// Cancellation tests
// ==============================

func TestRetryerCancelWithCause(t *testing.T) {
	started := make(chan struct{})
	r := newTestRetryer(retryerConfig{
		fn: func(ctx context.Context) (any, error) {
			close(started)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	})
	<-started
	r.cancelWith(&CancelledError{Revert: true})
	_, err := waitSettled(t, r)
	var ce *CancelledError
	if !errors.As(err, &ce) || !ce.Revert {
		t.Fatalf("want revert CancelledError, got %v", err)
	}
}

// TestRetryerCancelDiscardsLateResult: an attempt that ignores ctx and
// returns data after cancellation must not win.
func TestRetryerCancelDiscardsLateResult(t *testing.T) {
	canceled := make(chan struct{})
	r := newTestRetryer(retryerConfig{
		fn: func(ctx context.Context) (any, error) {
			<-canceled
			return "late", nil
		},
	})
	r.cancelWith(&CancelledError{Silent: true})
	close(canceled)
	data, err := waitSettled(t, r)
	if data != nil || !IsCancelled(err) {
		t.Fatalf("late result should be discarded, got %v/%v", data, err)
	}
}

// ==============================
// Connectivity gating tests
// ==============================

// TestRetryerPausesOffline: NetworkOnline holds the first attempt until
// the manager reports online.
func TestRetryerPausesOffline(t *testing.T) {
	om := NewOnlineManager()
	om.SetOnline(false)

	var attempts atomic.Int32
	paused := make(chan struct{}, 1)
	resumed := make(chan struct{}, 1)
	r := newTestRetryer(retryerConfig{
		fn: func(context.Context) (any, error) {
			attempts.Add(1)
			return "ok", nil
		},
		online:     om,
		onPause:    func() { paused <- struct{}{} },
		onContinue: func() { resumed <- struct{}{} },
	})

	select {
	case <-paused:
	case <-time.After(time.Second):
		t.Fatalf("retryer did not pause while offline")
	}
	if n := attempts.Load(); n != 0 {
		t.Fatalf("no attempt should run while offline, got %d", n)
	}

	om.SetOnline(true)
	data, err := waitSettled(t, r)
	if err != nil || data != "ok" {
		t.Fatalf("want ok/nil after resume, got %v/%v", data, err)
	}
	select {
	case <-resumed:
	default:
		t.Fatalf("onContinue was not called")
	}
}

func TestRetryerAlwaysModeIgnoresOffline(t *testing.T) {
	om := NewOnlineManager()
	om.SetOnline(false)
	r := newTestRetryer(retryerConfig{
		fn:     func(context.Context) (any, error) { return "ok", nil },
		mode:   NetworkAlways,
		online: om,
	})
	data, err := waitSettled(t, r)
	if err != nil || data != "ok" {
		t.Fatalf("always mode should fetch offline, got %v/%v", data, err)
	}
}

// TestRetryerOfflineFirstPausesRetries: the first attempt runs offline,
// retries wait for connectivity.
func TestRetryerOfflineFirstPausesRetries(t *testing.T) {
	om := NewOnlineManager()
	om.SetOnline(false)

	var attempts atomic.Int32
	boom := errors.New("boom")
	paused := make(chan struct{}, 1)
	r := newTestRetryer(retryerConfig{
		fn: func(context.Context) (any, error) {
			if attempts.Add(1) == 1 {
				return nil, boom
			}
			return "ok", nil
		},
		mode:    NetworkOfflineFirst,
		online:  om,
		retry:   RetryCount(3),
		delay:   FixedDelay(time.Millisecond),
		onPause: func() { paused <- struct{}{} },
	})

	select {
	case <-paused:
	case <-time.After(time.Second):
		t.Fatalf("retries should pause while offline")
	}
	om.SetOnline(true)
	data, err := waitSettled(t, r)
	if err != nil || data != "ok" {
		t.Fatalf("want ok/nil, got %v/%v", data, err)
	}
}

// ==============================
// Policy helper tests
// ==============================

func TestExponentialDelayCaps(t *testing.T) {
	d := ExponentialDelay(time.Second, 30*time.Second)
	want := []time.Duration{
		time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 30 * time.Second, 30 * time.Second,
	}
	for i, w := range want {
		if got := d(i, nil); got != w {
			t.Fatalf("delay(%d) = %v, want %v", i, got, w)
		}
	}
}

func TestWaitDetachesOnCallerContext(t *testing.T) {
	release := make(chan struct{})
	r := newTestRetryer(retryerConfig{
		fn: func(context.Context) (any, error) {
			<-release
			return "ok", nil
		},
	})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := r.wait(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("want context.Canceled from detached wait, got %v", err)
	}
	// The fetch itself is still running and settles for other waiters.
	close(release)
	if data, err := waitSettled(t, r); err != nil || data != "ok" {
		t.Fatalf("fetch should settle after caller detached, got %v/%v", data, err)
	}
}
