package querycache

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// ==============================
// Dehydration
// ==============================

func TestDehydrateIncludesSuccessfulQueriesOnly(t *testing.T) {
	c := newTestClient(t)
	if err := c.SetQueryData(Key{"good"}, "data"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	_, err := c.FetchQuery(context.Background(), FetchQueryOptions{QueryOptions: QueryOptions{
		Key:   Key{"bad"},
		Retry: RetryNever,
		Fetch: func(context.Context, FetchContext) (any, error) {
			return nil, errors.New("down")
		},
	}})
	if err == nil {
		t.Fatal("failing fetch succeeded")
	}
	if _, err := c.QueryCache().Build(c, QueryOptions{Key: Key{"empty"}}); err != nil {
		t.Fatalf("build: %v", err)
	}

	snap := Dehydrate(c)
	if len(snap.Queries) != 1 || snap.Queries[0].Data != "data" {
		t.Fatalf("snapshot = %+v", snap.Queries)
	}
	if len(snap.Mutations) != 0 {
		t.Fatalf("snapshot carries %d mutations", len(snap.Mutations))
	}
}

func TestDehydrateCustomPredicate(t *testing.T) {
	c := newTestClient(t)
	for _, k := range []Key{{"a"}, {"b"}} {
		if err := c.SetQueryData(k, "x"); err != nil {
			t.Fatalf("seed: %v", err)
		}
	}
	snap := Dehydrate(c, DehydrateOptions{
		ShouldDehydrateQuery: func(q *Query) bool { return q.Key()[0] == "a" },
	})
	if len(snap.Queries) != 1 || snap.Queries[0].Key[0] != "a" {
		t.Fatalf("snapshot = %+v", snap.Queries)
	}
}

// ==============================
// Hydration
// ==============================

func TestHydrateRestoresDataAndStalenessClock(t *testing.T) {
	src := newTestClient(t)
	if err := src.SetQueryData(Key{"carried"}, "payload"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	snap := Dehydrate(src)

	dst := newTestClient(t)
	if err := Hydrate(dst, snap); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	v, ok := dst.GetQueryData(Key{"carried"})
	if !ok || v != "payload" {
		t.Fatalf("hydrated data = %v, %v", v, ok)
	}
	st, _ := dst.GetQueryState(Key{"carried"})
	if st.Status != StatusSuccess {
		t.Fatalf("status = %s", st.Status)
	}
	if d := time.Since(st.DataUpdatedAt); d < 0 || d > time.Minute {
		t.Fatalf("staleness clock off by %v", d)
	}
}

func TestHydrateKeepsNewerLocalData(t *testing.T) {
	src := newTestClient(t)
	if err := src.SetQueryData(Key{"doc"}, "old"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	snap := Dehydrate(src)
	snap.Queries[0].DataUpdatedAt = toMillis(time.Now().Add(-time.Hour))

	dst := newTestClient(t)
	if err := dst.SetQueryData(Key{"doc"}, "newer"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := Hydrate(dst, snap); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	if v, _ := dst.GetQueryData(Key{"doc"}); v != "newer" {
		t.Fatalf("hydration clobbered newer data with %v", v)
	}
}

// A snapshot that crossed a JSON boundary carries pages as generic maps;
// hydration revives them into the paged shape.
func TestHydrateRevivesInfiniteDataFromJSON(t *testing.T) {
	src := newTestClient(t)
	s := &pageStore{items: seq(6), pageSize: 3}
	if _, err := src.FetchInfiniteQuery(context.Background(), FetchQueryOptions{QueryOptions: s.options()}); err != nil {
		t.Fatalf("fetch: %v", err)
	}
	raw, err := json.Marshal(Dehydrate(src))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var snap DehydratedState
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	dst := newTestClient(t)
	if err := Hydrate(dst, snap); err != nil {
		t.Fatalf("hydrate: %v", err)
	}

	v, ok := dst.GetQueryData(Key{"items"})
	if !ok {
		t.Fatal("no hydrated data")
	}
	d, ok := asInfiniteData(v)
	if !ok {
		t.Fatalf("hydrated data is %T, not paged", v)
	}
	if len(d.Pages) != 1 || len(d.PageParams) != 1 {
		t.Fatalf("pages = %+v", d)
	}
}

// ==============================
// Paused mutation round trip
// ==============================

// An offline write survives a restart: dehydrated while paused, hydrated
// into a fresh client, and resumed once the network returns.
func TestPausedMutationRoundTrip(t *testing.T) {
	src := newTestClient(t)
	src.OnlineManager().SetOnline(false)
	go src.Mutate(context.Background(), MutationOptions{
		Key:   Key{"todo", "add"},
		Scope: "todos",
		Fn:    func(context.Context, any) (any, error) { return nil, nil },
	}, "buy milk")
	eventually(t, func() bool {
		m := src.MutationCache().Find(MutationFilter{Key: Key{"todo", "add"}})
		return m != nil && m.State().IsPaused
	}, "mutation never paused")

	raw, err := json.Marshal(Dehydrate(src))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var snap DehydratedState
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(snap.Mutations) != 1 || snap.Mutations[0].Variables != "buy milk" {
		t.Fatalf("snapshot mutations = %+v", snap.Mutations)
	}

	dst := newTestClient(t)
	dst.OnlineManager().SetOnline(false)
	var wrote atomic.Value
	if err := dst.SetMutationDefaults(Key{"todo", "add"}, MutationOptions{
		Fn: func(_ context.Context, vars any) (any, error) {
			wrote.Store(vars)
			return vars, nil
		},
	}); err != nil {
		t.Fatalf("set defaults: %v", err)
	}
	if err := Hydrate(dst, snap); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
	m := dst.MutationCache().Find(MutationFilter{Key: Key{"todo", "add"}})
	if m == nil {
		t.Fatal("hydrated mutation missing")
	}
	if st := m.State(); !st.IsPending() || !st.IsPaused || st.Variables != "buy milk" {
		t.Fatalf("hydrated state = %+v", st)
	}
	if m.Scope() != "todos" {
		t.Fatalf("scope = %q", m.Scope())
	}

	dst.OnlineManager().SetOnline(true)
	if err := dst.ResumePausedMutations(context.Background()); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if got := wrote.Load(); got != "buy milk" {
		t.Fatalf("resumed write saw %v", got)
	}
	eventually(t, func() bool { return m.State().IsSuccess() }, "mutation never settled")
}

func TestHydrateEmptySnapshot(t *testing.T) {
	c := newTestClient(t)
	if err := Hydrate(c, DehydratedState{}); err != nil {
		t.Fatalf("hydrate: %v", err)
	}
}
