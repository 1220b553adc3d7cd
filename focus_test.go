package querycache

import (
	"sync/atomic"
	"testing"
)

// countingSource returns a source func plus counters for its start/stop
// lifecycle, and forwards a fixed sequence of states through set.
type countingSource struct {
	starts atomic.Int32
	stops  atomic.Int32
	set    func(bool)
}

func (s *countingSource) source(set func(bool)) (teardown func()) {
	s.starts.Add(1)
	s.set = set
	return func() { s.stops.Add(1) }
}

// ==========================
// Source lifecycle
// ==========================

// TestSourceStartsWithFirstSubscriberOnly installs a source on an idle
// manager and checks it runs exactly while listeners exist.
func TestSourceStartsWithFirstSubscriberOnly(t *testing.T) {
	m := NewFocusManager()
	src := &countingSource{}
	m.SetSource(src.source)

	if src.starts.Load() != 0 {
		t.Fatal("source started without subscribers")
	}

	un1 := m.Subscribe(func(bool) {})
	un2 := m.Subscribe(func(bool) {})
	if src.starts.Load() != 1 {
		t.Fatalf("starts = %d, want 1", src.starts.Load())
	}

	un1()
	if src.stops.Load() != 0 {
		t.Fatal("source stopped while a subscriber remains")
	}
	un2()
	if src.stops.Load() != 1 {
		t.Fatalf("stops = %d, want 1", src.stops.Load())
	}

	// a new subscriber restarts the same source
	un3 := m.Subscribe(func(bool) {})
	defer un3()
	if src.starts.Load() != 2 {
		t.Fatalf("starts after resubscribe = %d, want 2", src.starts.Load())
	}
}

// TestSourceFeedsTransitions drives state through the source's set func.
func TestSourceFeedsTransitions(t *testing.T) {
	m := NewOnlineManager()
	src := &countingSource{}
	m.SetSource(src.source)

	var seen []bool
	defer m.Subscribe(func(v bool) { seen = append(seen, v) })()

	src.set(false)
	src.set(false) // duplicate, no transition
	src.set(true)

	if m.IsOnline() != true {
		t.Fatal("manager missed the final transition")
	}
	if len(seen) != 2 || seen[0] != false || seen[1] != true {
		t.Fatalf("transitions = %v, want [false true]", seen)
	}
}

// TestReplacingSourceRestarts swaps the source under a live subscriber.
func TestReplacingSourceRestarts(t *testing.T) {
	m := NewFocusManager()
	first := &countingSource{}
	m.SetSource(first.source)
	defer m.Subscribe(func(bool) {})()

	second := &countingSource{}
	m.SetSource(second.source)

	if first.stops.Load() != 1 {
		t.Fatalf("old source stops = %d, want 1", first.stops.Load())
	}
	if second.starts.Load() != 1 {
		t.Fatalf("new source starts = %d, want 1", second.starts.Load())
	}
}

// TestExplicitSetWorksWithoutSource covers the test/server override path.
func TestExplicitSetWorksWithoutSource(t *testing.T) {
	m := NewFocusManager()
	if !m.IsFocused() {
		t.Fatal("fresh manager should start focused")
	}
	m.SetFocused(false)
	if m.IsFocused() {
		t.Fatal("override ignored")
	}
}
