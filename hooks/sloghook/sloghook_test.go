package sloghook

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/unkn0wn-root/querycache"
)

func newSink(t *testing.T, opts Options) (*Sink, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	l := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
	return New(l, opts), &buf
}

func buildQuery(t *testing.T, c *querycache.Client, key querycache.Key) *querycache.Query {
	t.Helper()
	if err := c.SetQueryData(key, "v"); err != nil {
		t.Fatalf("seed: %v", err)
	}
	q := c.QueryCache().Find(querycache.QueryFilter{Key: key, Exact: true})
	if q == nil {
		t.Fatal("query not built")
	}
	return q
}

// ==========================
// Redaction
// ==========================

// TestFingerprintsAreRedacted subscribes the sink and checks raw key
// material never reaches the log.
func TestFingerprintsAreRedacted(t *testing.T) {
	c := querycache.New()
	defer c.Close()
	s, buf := newSink(t, Options{})
	defer c.QueryCache().Subscribe(s.QueryEvent)()

	buildQuery(t, c, querycache.Key{"user", "secret-123"})

	out := buf.String()
	if !strings.Contains(out, "querycache.query_added") {
		t.Fatalf("no query_added line in %q", out)
	}
	if strings.Contains(out, "secret-123") {
		t.Fatalf("raw key leaked into log: %q", out)
	}
}

func TestCustomRedactor(t *testing.T) {
	c := querycache.New()
	defer c.Close()
	s, buf := newSink(t, Options{Redact: func(string) string { return "<hidden>" }})
	defer c.QueryCache().Subscribe(s.QueryEvent)()

	buildQuery(t, c, querycache.Key{"user", 7})

	if !strings.Contains(buf.String(), "<hidden>") {
		t.Fatalf("custom redactor unused: %q", buf.String())
	}
}

// ==========================
// Routing and sampling
// ==========================

// TestErrorActionLogsAtWarn routes terminal fetch errors to WARN.
func TestErrorActionLogsAtWarn(t *testing.T) {
	c := querycache.New()
	defer c.Close()
	s, buf := newSink(t, Options{})
	q := buildQuery(t, c, querycache.Key{"warns"})

	s.QueryEvent(querycache.CacheEvent{
		Type:   querycache.EventQueryUpdated,
		Query:  q,
		Action: "error",
	})

	out := buf.String()
	if !strings.Contains(out, "querycache.fetch_failed") || !strings.Contains(out, "level=WARN") {
		t.Fatalf("fetch failure not logged at WARN: %q", out)
	}
}

// TestUpdateSampling logs every Nth update event only.
func TestUpdateSampling(t *testing.T) {
	c := querycache.New()
	defer c.Close()
	s, buf := newSink(t, Options{UpdateEvery: 2})
	q := buildQuery(t, c, querycache.Key{"sampled"})

	for i := 0; i < 4; i++ {
		s.QueryEvent(querycache.CacheEvent{
			Type:   querycache.EventQueryUpdated,
			Query:  q,
			Action: "setState",
		})
	}
	if n := strings.Count(buf.String(), "querycache.query_updated"); n != 2 {
		t.Fatalf("sampled %d update lines, want 2", n)
	}
}

// TestMutationLifecycleLogged runs a real mutation; its dispatches happen
// on the calling goroutine, so the buffer is settled after Mutate returns.
func TestMutationLifecycleLogged(t *testing.T) {
	c := querycache.New()
	defer c.Close()
	s, buf := newSink(t, Options{})
	defer c.MutationCache().Subscribe(s.MutationEvent)()

	if _, err := c.Mutate(context.Background(), querycache.MutationOptions{
		Fn: func(context.Context, any) (any, error) { return "done", nil },
	}, nil); err != nil {
		t.Fatalf("mutate: %v", err)
	}

	out := buf.String()
	if !strings.Contains(out, "querycache.mutation_added") {
		t.Fatalf("no mutation_added line in %q", out)
	}
	if !strings.Contains(out, "action=success") {
		t.Fatalf("no success update in %q", out)
	}
}

func TestNilLoggerIsNoOp(t *testing.T) {
	s := New(nil, Options{})
	s.QueryEvent(querycache.CacheEvent{Type: querycache.EventQueryAdded})
	s.MutationEvent(querycache.MutationEvent{Type: querycache.EventMutationAdded})
}
