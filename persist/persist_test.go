package persist

import (
	"context"
	"testing"
	"time"

	"github.com/unkn0wn-root/querycache"
	"github.com/unkn0wn-root/querycache/codec"
	"github.com/unkn0wn-root/querycache/internal/wire"
	"github.com/unkn0wn-root/querycache/store"
)

func newClient(t *testing.T) *querycache.Client {
	t.Helper()
	c := querycache.New()
	t.Cleanup(c.Close)
	return c
}

func newMemory(t *testing.T) *store.Memory {
	t.Helper()
	s := store.NewMemory(0)
	t.Cleanup(func() { _ = s.Close(context.Background()) })
	return s
}

func mustPersister(t *testing.T, c *querycache.Client, cfg Config) *Persister {
	t.Helper()
	p, err := New(c, cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p
}

func storeHasSnapshot(t *testing.T, s *store.Memory, key string) bool {
	t.Helper()
	_, ok, err := s.Get(context.Background(), key)
	if err != nil {
		t.Fatalf("store get: %v", err)
	}
	return ok
}

// ==========================
// Persist / Restore
// ==========================

// TestPersistRestoreRoundTrip writes one client's cache to a store and
// hydrates a second client from it.
func TestPersistRestoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	key := querycache.Key{"user", 1}

	src := newClient(t)
	if err := src.SetQueryData(key, "alice"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	mem := newMemory(t)
	if err := mustPersister(t, src, Config{Store: mem}).Persist(ctx); err != nil {
		t.Fatalf("persist: %v", err)
	}

	dst := newClient(t)
	if err := mustPersister(t, dst, Config{Store: mem}).Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	data, ok := dst.GetQueryData(key)
	if !ok || data != "alice" {
		t.Fatalf("restored data = %v, %v; want alice, true", data, ok)
	}
	st, _ := dst.GetQueryState(key)
	if st.Status != querycache.StatusSuccess {
		t.Fatalf("restored status = %s", st.Status)
	}
}

// TestRestoreEmptyStoreIsNoop makes sure a missing snapshot is a clean miss.
func TestRestoreEmptyStoreIsNoop(t *testing.T) {
	dst := newClient(t)
	p := mustPersister(t, dst, Config{Store: newMemory(t)})
	if err := p.Restore(context.Background()); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if _, ok := dst.GetQueryState(querycache.Key{"anything"}); ok {
		t.Fatal("restore conjured a query out of nothing")
	}
}

// TestNewRequiresStore verifies the only hard config requirement.
func TestNewRequiresStore(t *testing.T) {
	if _, err := New(newClient(t), Config{}); err != ErrNoStore {
		t.Fatalf("err = %v, want ErrNoStore", err)
	}
}

// ==========================
// Self-healing restore
// ==========================

// TestRestoreSelfHealsCorruptSnapshot plants garbage at the snapshot key.
// Restore must treat it as a miss and erase it.
func TestRestoreSelfHealsCorruptSnapshot(t *testing.T) {
	ctx := context.Background()
	mem := newMemory(t)
	if _, err := mem.Set(ctx, DefaultKey, []byte("not a snapshot"), 0); err != nil {
		t.Fatalf("plant: %v", err)
	}

	dst := newClient(t)
	if err := mustPersister(t, dst, Config{Store: mem}).Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if storeHasSnapshot(t, mem, DefaultKey) {
		t.Fatal("corrupt snapshot left in store")
	}
}

// TestRestoreDiscardsBusterMismatch persists under schema tag v1 and
// restores with v2. The old snapshot must be dropped, not hydrated.
func TestRestoreDiscardsBusterMismatch(t *testing.T) {
	ctx := context.Background()
	key := querycache.Key{"cfg"}

	src := newClient(t)
	if err := src.SetQueryData(key, "old shape"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	mem := newMemory(t)
	if err := mustPersister(t, src, Config{Store: mem, Buster: "v1"}).Persist(ctx); err != nil {
		t.Fatalf("persist: %v", err)
	}

	dst := newClient(t)
	if err := mustPersister(t, dst, Config{Store: mem, Buster: "v2"}).Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if _, ok := dst.GetQueryData(key); ok {
		t.Fatal("hydrated a snapshot from a different schema")
	}
	if storeHasSnapshot(t, mem, DefaultKey) {
		t.Fatal("stale-schema snapshot left in store")
	}
}

// TestRestoreDiscardsOldSnapshot backdates the envelope past MaxAge.
func TestRestoreDiscardsOldSnapshot(t *testing.T) {
	ctx := context.Background()
	key := querycache.Key{"feed"}

	src := newClient(t)
	if err := src.SetQueryData(key, "yesterday"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	payload, err := codec.JSONCodec[querycache.DehydratedState]{}.Encode(querycache.Dehydrate(src))
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	mem := newMemory(t)
	env := wire.Encode("", time.Now().Add(-2*time.Minute), payload)
	if _, err := mem.Set(ctx, DefaultKey, env, 0); err != nil {
		t.Fatalf("plant: %v", err)
	}

	dst := newClient(t)
	if err := mustPersister(t, dst, Config{Store: mem, MaxAge: time.Minute}).Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}
	if _, ok := dst.GetQueryData(key); ok {
		t.Fatal("hydrated an expired snapshot")
	}
	if storeHasSnapshot(t, mem, DefaultKey) {
		t.Fatal("expired snapshot left in store")
	}
}

// ==========================
// AutoPersist
// ==========================

// TestAutoPersistWritesAfterActivity checks that a cache write eventually
// lands a snapshot in the store and that stop() really stops.
func TestAutoPersistWritesAfterActivity(t *testing.T) {
	ctx := context.Background()
	src := newClient(t)
	mem := newMemory(t)
	p := mustPersister(t, src, Config{Store: mem, Throttle: 5 * time.Millisecond})

	stop := p.AutoPersist()
	if err := src.SetQueryData(querycache.Key{"counter"}, 1); err != nil {
		t.Fatalf("seed: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for !storeHasSnapshot(t, mem, DefaultKey) {
		if time.Now().After(deadline) {
			t.Fatal("snapshot never written")
		}
		time.Sleep(2 * time.Millisecond)
	}

	stop()
	if err := p.Erase(ctx); err != nil {
		t.Fatalf("erase: %v", err)
	}
	if err := src.SetQueryData(querycache.Key{"counter"}, 2); err != nil {
		t.Fatalf("update: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if storeHasSnapshot(t, mem, DefaultKey) {
		t.Fatal("snapshot written after stop")
	}
}

// TestAutoPersistIgnoresObserverChurn attaches and detaches an observer on
// an existing query; subscription bookkeeping alone must not persist.
func TestAutoPersistIgnoresObserverChurn(t *testing.T) {
	src := newClient(t)
	key := querycache.Key{"static"}
	if err := src.SetQueryData(key, "v"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	mem := newMemory(t)
	p := mustPersister(t, src, Config{Store: mem, Throttle: 5 * time.Millisecond})
	stop := p.AutoPersist()
	defer stop()

	o, err := querycache.NewObserver(src, querycache.ObserverOptions{
		QueryOptions: querycache.QueryOptions{Key: key},
		Disabled:     true,
	})
	if err != nil {
		t.Fatalf("observer: %v", err)
	}
	unsub := o.Subscribe(func(querycache.Result) {})
	unsub()
	o.Close()

	time.Sleep(30 * time.Millisecond)
	if storeHasSnapshot(t, mem, DefaultKey) {
		t.Fatal("observer churn triggered a snapshot")
	}
}
