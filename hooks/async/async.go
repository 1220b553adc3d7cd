// usage:
//
// import (
//
//	"github.com/unkn0wn-root/querycache"
//	"github.com/unkn0wn-root/querycache/hooks/async"
//	"github.com/unkn0wn-root/querycache/hooks/statshook"
//
// )
//
//	sink := statshook.New(tracker, "app")
//	d := asynchook.New(sink.QueryEvent, 1, 1000) // 1 worker; queue 1000 events
//	unsub := client.QueryCache().Subscribe(d.Dispatch)
//
//	// shutdown: unsubscribe first, then drain
//	unsub()
//	d.Close()
package asynchook

import (
	"sync"
	"sync/atomic"
)

// Dispatcher hands events from the engine's notify path to a consumer on
// worker goroutines. Cache listeners run on engine goroutines and must not
// block; wrap anything slower than a counter bump in one of these. The
// queue is bounded and Dispatch never blocks: on overflow events are
// dropped and counted instead of stalling the engine.
type Dispatcher[E any] struct {
	fn      func(E)
	q       chan E
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Uint64
}

func New[E any](fn func(E), workers, qlen int) *Dispatcher[E] {
	if workers <= 0 {
		workers = 1
	}
	if qlen <= 0 {
		qlen = 1024
	}

	d := &Dispatcher[E]{fn: fn, q: make(chan E, qlen)}
	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer d.wg.Done()
			for e := range d.q {
				d.fn(e)
			}
		}()
	}
	return d
}

// Dispatch enqueues e without blocking; on a full queue the event is
// dropped. Unsubscribe from the feed before Close: Dispatch after Close
// panics on the closed channel.
func (d *Dispatcher[E]) Dispatch(e E) {
	select {
	case d.q <- e:
	default:
		d.dropped.Add(1)
	}
}

// Dropped reports how many events overflowed the queue.
func (d *Dispatcher[E]) Dropped() uint64 {
	return d.dropped.Load()
}

// Close drains queued events and stops the workers.
func (d *Dispatcher[E]) Close() {
	d.once.Do(func() {
		close(d.q)
		d.wg.Wait()
	})
}
