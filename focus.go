package querycache

import "sync"

// broadcaster is the shared machinery behind the focus and online managers:
// a boolean state, transition subscribers, and an optional environment
// source that runs only while listeners exist.
type broadcaster struct {
	mu        sync.Mutex
	state     bool
	listeners map[uint64]func(bool)
	nextID    uint64

	// srcMu serializes source lifecycle transitions; mu is never held
	// across a source or teardown call.
	srcMu      sync.Mutex
	source     func(set func(bool)) (teardown func())
	srcGen     int
	runningGen int
	running    bool
	teardown   func()
}

func newBroadcaster(initial bool) *broadcaster {
	return &broadcaster{state: initial, listeners: make(map[uint64]func(bool))}
}

func (b *broadcaster) subscribe(fn func(bool)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.listeners[id] = fn
	b.mu.Unlock()
	b.refreshSource()
	return func() {
		b.mu.Lock()
		delete(b.listeners, id)
		b.mu.Unlock()
		b.refreshSource()
	}
}

// set records a transition and notifies listeners. Setting the current
// state again is a no-op.
func (b *broadcaster) set(v bool) {
	b.mu.Lock()
	if b.state == v {
		b.mu.Unlock()
		return
	}
	b.state = v
	ls := make([]func(bool), 0, len(b.listeners))
	for _, fn := range b.listeners {
		ls = append(ls, fn)
	}
	b.mu.Unlock()
	for _, fn := range ls {
		fn(v)
	}
}

func (b *broadcaster) get() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *broadcaster) setSource(src func(set func(bool)) (teardown func())) {
	b.mu.Lock()
	b.source = src
	b.srcGen++
	b.mu.Unlock()
	b.refreshSource()
}

// refreshSource starts or stops the environment source so that it runs
// exactly while listeners exist and the installed source is current.
func (b *broadcaster) refreshSource() {
	b.srcMu.Lock()
	defer b.srcMu.Unlock()

	b.mu.Lock()
	want := b.source != nil && len(b.listeners) > 0
	stop := b.running && (!want || b.runningGen != b.srcGen)
	td := b.teardown
	if stop {
		b.running = false
		b.teardown = nil
	}
	b.mu.Unlock()
	if stop && td != nil {
		td()
	}

	b.mu.Lock()
	start := want && !b.running
	src := b.source
	if start {
		b.running = true
		b.runningGen = b.srcGen
	}
	b.mu.Unlock()
	if !start {
		return
	}
	td = src(b.set)
	b.mu.Lock()
	b.teardown = td
	b.mu.Unlock()
}

// FocusManager tracks whether the application is in the foreground. The
// engine refetches on regained focus according to each observer's
// RefetchOnFocus mode and resumes paused retries. Embedders drive it via
// SetFocused, or install a platform source with SetSource: a desktop shell
// from window activation events, a mobile runtime from lifecycle
// callbacks. A fresh manager starts focused.
type FocusManager struct {
	b *broadcaster
}

func NewFocusManager() *FocusManager {
	return &FocusManager{b: newBroadcaster(true)}
}

// Subscribe registers fn for focus transitions; it runs synchronously on
// the goroutine that calls SetFocused. The returned func removes the
// subscription.
func (m *FocusManager) Subscribe(fn func(focused bool)) (unsubscribe func()) {
	return m.b.subscribe(fn)
}

// SetSource installs the environment hookup feeding SetFocused. src runs
// once a first subscriber exists and its teardown runs after the last
// leaves, so platform listeners are registered only while someone cares.
// Replacing the source while running restarts it.
func (m *FocusManager) SetSource(src func(set func(focused bool)) (teardown func())) {
	m.b.setSource(src)
}

func (m *FocusManager) SetFocused(focused bool) { m.b.set(focused) }

func (m *FocusManager) IsFocused() bool { return m.b.get() }
