package querycache

import "sync"

// NotifyManager coalesces consumer notifications. While at least one Batch
// is open, scheduled functions are queued; the outermost Batch flushes the
// queue in scheduling order when it returns. With no open batch, Schedule
// runs its function inline.
//
// Every state transition the engine makes runs inside a Batch, and each
// observer collapses its queued notifications to one delivery per flush,
// so a burst of writes reaches each consumer exactly once.
type NotifyManager struct {
	mu    sync.Mutex
	depth int
	queue []func()
}

func NewNotifyManager() *NotifyManager { return &NotifyManager{} }

// Batch runs fn with notification delivery suspended and flushes queued
// notifications when the outermost batch returns. Batches opened from
// different goroutines share one queue; delivery order is scheduling order.
func (m *NotifyManager) Batch(fn func()) {
	m.mu.Lock()
	m.depth++
	m.mu.Unlock()
	defer m.release()
	fn()
}

// Schedule queues fn for delivery at the end of the open batch, or runs it
// inline when no batch is open. fn must be cheap and non-blocking: it runs
// on whichever goroutine closes the batch.
func (m *NotifyManager) Schedule(fn func()) {
	m.mu.Lock()
	if m.depth > 0 {
		m.queue = append(m.queue, fn)
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	fn()
}

func (m *NotifyManager) release() {
	m.mu.Lock()
	m.depth--
	var q []func()
	if m.depth == 0 {
		q = m.queue
		m.queue = nil
	}
	m.mu.Unlock()
	for _, fn := range q {
		fn()
	}
}
