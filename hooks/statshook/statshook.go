// Package statshook feeds cache and mutation events into a bool64/stats
// tracker. Subscribe a Sink's methods to the client's event feeds:
//
//	s := statshook.New(tracker, "app")
//	defer client.QueryCache().Subscribe(s.QueryEvent)()
//	defer client.MutationCache().Subscribe(s.MutationEvent)()
//
// All metrics carry a "name" label so several clients can share a tracker.
package statshook

import (
	"context"

	"github.com/bool64/stats"
	"github.com/unkn0wn-root/querycache"
)

// Metrics reported by Sink.
const (
	MetricQueryAdded   = "querycache_queries_added"
	MetricQueryRemoved = "querycache_queries_removed"
	MetricInvalidated  = "querycache_queries_invalidated"

	MetricFetchStarted = "querycache_fetches_started"
	MetricFetchSuccess = "querycache_fetches_succeeded"
	MetricFetchError   = "querycache_fetches_failed"
	MetricFetchRetry   = "querycache_fetch_attempts_retried"
	MetricFetchPaused  = "querycache_fetches_paused"

	MetricMutationAdded   = "querycache_mutations_added"
	MetricMutationRemoved = "querycache_mutations_removed"
	MetricMutationSuccess = "querycache_mutations_succeeded"
	MetricMutationError   = "querycache_mutations_failed"
	MetricMutationPaused  = "querycache_mutations_paused"
)

// Sink counts engine events. Counting is cheap enough to subscribe
// directly; no async dispatcher needed.
type Sink struct {
	t    stats.Tracker
	name string
}

func New(t stats.Tracker, name string) *Sink {
	if t == nil {
		t = stats.NoOp{}
	}
	return &Sink{t: t, name: name}
}

func (s *Sink) QueryEvent(ev querycache.CacheEvent) {
	switch ev.Type {
	case querycache.EventQueryAdded:
		s.add(MetricQueryAdded)
	case querycache.EventQueryRemoved:
		s.add(MetricQueryRemoved)
	case querycache.EventQueryUpdated:
		switch ev.Action {
		case "fetch":
			s.add(MetricFetchStarted)
		case "success":
			s.add(MetricFetchSuccess)
		case "error":
			s.add(MetricFetchError)
		case "failed":
			s.add(MetricFetchRetry)
		case "pause":
			s.add(MetricFetchPaused)
		case "invalidate":
			s.add(MetricInvalidated)
		}
	}
	// observer churn is not a health signal; ignored
}

func (s *Sink) MutationEvent(ev querycache.MutationEvent) {
	switch ev.Type {
	case querycache.EventMutationAdded:
		s.add(MetricMutationAdded)
	case querycache.EventMutationRemoved:
		s.add(MetricMutationRemoved)
	case querycache.EventMutationUpdated:
		switch ev.Action {
		case "success":
			s.add(MetricMutationSuccess)
		case "error":
			s.add(MetricMutationError)
		case "pause":
			s.add(MetricMutationPaused)
		}
	}
}

func (s *Sink) add(metric string) {
	s.t.Add(context.Background(), metric, 1, "name", s.name)
}
