package sloghook

import (
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync/atomic"

	"github.com/unkn0wn-root/querycache"
)

type Options struct {
	// Sampling for update events to avoid floods; 0/1 = log all.
	UpdateEvery uint64
	// Optional fingerprint redactor. Defaults to SHA-256 prefix; query
	// keys often embed user identifiers.
	Redact func(string) string
}

// Sink logs cache and mutation events through slog. Subscribe its methods
// to the client's event feeds, via hooks/async when the handler is slow:
//
//	s := sloghook.New(slog.Default(), sloghook.Options{UpdateEvery: 10})
//	defer client.QueryCache().Subscribe(s.QueryEvent)()
//	defer client.MutationCache().Subscribe(s.MutationEvent)()
type Sink struct {
	l    *slog.Logger
	opts Options

	updateCtr atomic.Uint64
}

func New(l *slog.Logger, opts Options) *Sink {
	return &Sink{l: l, opts: opts}
}

func (s *Sink) redact(fp string) string {
	if s.opts.Redact != nil {
		return s.opts.Redact(fp)
	}
	sum := sha256.Sum256([]byte(fp))
	return hex.EncodeToString(sum[:8])
}

func sample(n uint64, ctr *atomic.Uint64) bool {
	if n == 0 || n == 1 {
		return true
	}
	return ctr.Add(1)%n == 0
}

func (s *Sink) QueryEvent(ev querycache.CacheEvent) {
	if s.l == nil {
		return
	}
	switch ev.Type {
	case querycache.EventQueryAdded:
		s.l.Debug("querycache.query_added", "query", s.redact(ev.Query.Fingerprint()))

	case querycache.EventQueryRemoved:
		s.l.Debug("querycache.query_removed", "query", s.redact(ev.Query.Fingerprint()))

	case querycache.EventQueryUpdated:
		switch ev.Action {
		case "error":
			st := ev.Query.State()
			s.l.Warn("querycache.fetch_failed",
				"query", s.redact(ev.Query.Fingerprint()),
				"failures", st.FetchFailureCount,
				"err", st.Error)
		case "failed":
			s.l.Debug("querycache.fetch_attempt_failed",
				"query", s.redact(ev.Query.Fingerprint()),
				"failures", ev.Query.State().FetchFailureCount)
		default:
			if !sample(s.opts.UpdateEvery, &s.updateCtr) {
				return
			}
			s.l.Debug("querycache.query_updated",
				"query", s.redact(ev.Query.Fingerprint()),
				"action", ev.Action)
		}
	}
	// observer churn is deliberately not logged
}

func (s *Sink) MutationEvent(ev querycache.MutationEvent) {
	if s.l == nil {
		return
	}
	switch ev.Type {
	case querycache.EventMutationAdded:
		s.l.Debug("querycache.mutation_added", "mutation", ev.Mutation.ID())

	case querycache.EventMutationRemoved:
		s.l.Debug("querycache.mutation_removed", "mutation", ev.Mutation.ID())

	case querycache.EventMutationUpdated:
		switch ev.Action {
		case "error":
			s.l.Warn("querycache.mutation_failed",
				"mutation", ev.Mutation.ID(),
				"err", ev.Mutation.State().Error)
		default:
			if !sample(s.opts.UpdateEvery, &s.updateCtr) {
				return
			}
			s.l.Debug("querycache.mutation_updated",
				"mutation", ev.Mutation.ID(),
				"action", ev.Action)
		}
	}
}
