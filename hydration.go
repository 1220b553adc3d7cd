package querycache

import (
	"errors"
	"time"
)

// DehydratedState is a serializable snapshot of a cache: loaded query data
// plus paused mutations. It carries no functions; hydration re-binds
// behavior from the receiving client's options and defaults.
//
// Data and Variables must be serializable by whatever codec the caller
// uses. After a JSON round trip, hydrated data comes back as generic
// decoded values (map[string]any etc.), not the original Go types;
// infinite-query values are an exception and are revived as InfiniteData.
type DehydratedState struct {
	Queries   []DehydratedQuery    `json:"queries" msgpack:"queries"`
	Mutations []DehydratedMutation `json:"mutations" msgpack:"mutations"`
}

type DehydratedQuery struct {
	Key         Key    `json:"key" msgpack:"key"`
	Fingerprint string `json:"fingerprint" msgpack:"fingerprint"`
	Data        any    `json:"data" msgpack:"data"`
	// DataUpdatedAt is unix milliseconds; hydration keeps the original
	// staleness clock.
	DataUpdatedAt int64          `json:"dataUpdatedAt" msgpack:"dataUpdatedAt"`
	Infinite      bool           `json:"infinite,omitempty" msgpack:"infinite,omitempty"`
	Meta          map[string]any `json:"meta,omitempty" msgpack:"meta,omitempty"`
}

type DehydratedMutation struct {
	Key         Key            `json:"key,omitempty" msgpack:"key,omitempty"`
	Variables   any            `json:"variables" msgpack:"variables"`
	Context     any            `json:"context,omitempty" msgpack:"context,omitempty"`
	SubmittedAt int64          `json:"submittedAt" msgpack:"submittedAt"`
	Scope       string         `json:"scope,omitempty" msgpack:"scope,omitempty"`
	Meta        map[string]any `json:"meta,omitempty" msgpack:"meta,omitempty"`
}

// DehydrateOptions override what Dehydrate includes.
type DehydrateOptions struct {
	// ShouldDehydrateQuery defaults to successful queries only.
	ShouldDehydrateQuery func(q *Query) bool
	// ShouldDehydrateMutation defaults to paused mutations only; those are
	// the writes that would be lost on shutdown.
	ShouldDehydrateMutation func(m *Mutation) bool
}

// Dehydrate snapshots the client's caches for persistence or transfer.
func Dehydrate(c *Client, opts ...DehydrateOptions) DehydratedState {
	var o DehydrateOptions
	if len(opts) > 0 {
		o = opts[0]
	}
	shouldQuery := o.ShouldDehydrateQuery
	if shouldQuery == nil {
		shouldQuery = func(q *Query) bool { return q.State().Status == StatusSuccess }
	}
	shouldMutation := o.ShouldDehydrateMutation
	if shouldMutation == nil {
		shouldMutation = func(m *Mutation) bool { return m.State().IsPaused }
	}

	var out DehydratedState
	for _, q := range c.cache.FindAll(QueryFilter{}) {
		if !shouldQuery(q) {
			continue
		}
		st := q.State()
		_, infinite := asInfiniteData(st.Data)
		out.Queries = append(out.Queries, DehydratedQuery{
			Key:           q.Key(),
			Fingerprint:   q.Fingerprint(),
			Data:          st.Data,
			DataUpdatedAt: toMillis(st.DataUpdatedAt),
			Infinite:      infinite,
			Meta:          q.Options().Meta,
		})
	}
	for _, m := range c.mutations.All() {
		if !shouldMutation(m) {
			continue
		}
		st := m.State()
		mo := m.Options()
		out.Mutations = append(out.Mutations, DehydratedMutation{
			Key:         mo.Key,
			Variables:   st.Variables,
			Context:     st.Context,
			SubmittedAt: toMillis(st.SubmittedAt),
			Scope:       mo.Scope,
			Meta:        mo.Meta,
		})
	}
	return out
}

// Hydrate loads a dehydrated snapshot into the client's caches. Queries
// land as successful cached data with their original update times, so
// staleness carries over; an existing query with newer data wins over the
// snapshot. Mutations are restored pending and paused; they run on the
// next ResumePausedMutations through functions registered with
// SetMutationDefaults, so register those before hydrating.
func Hydrate(c *Client, state DehydratedState) error {
	var errs []error
	for _, dq := range state.Queries {
		q, err := c.cache.Build(c, c.defaultQueryOptions(QueryOptions{Key: dq.Key, Meta: dq.Meta}))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if cur := q.State(); cur.hasData() && !cur.DataUpdatedAt.Before(fromMillis(dq.DataUpdatedAt)) {
			continue
		}
		data := dq.Data
		if dq.Infinite {
			data = reviveInfinite(data)
		}
		q.setState(State{
			Data:            data,
			DataUpdatedAt:   fromMillis(dq.DataUpdatedAt),
			DataUpdateCount: 1,
			Status:          StatusSuccess,
			FetchStatus:     FetchIdle,
		})
	}
	for _, dm := range state.Mutations {
		m, err := c.mutations.Build(c, c.defaultMutationOptions(MutationOptions{
			Key:   dm.Key,
			Scope: dm.Scope,
			Meta:  dm.Meta,
		}))
		if err != nil {
			errs = append(errs, err)
			continue
		}
		m.setState(MutationState{
			Status:      MutationPending,
			IsPaused:    true,
			Variables:   dm.Variables,
			Context:     dm.Context,
			SubmittedAt: fromMillis(dm.SubmittedAt),
		})
	}
	return errors.Join(errs...)
}

// reviveInfinite rebuilds an InfiniteData that a serialization round trip
// flattened into a generic map. JSON and msgpack decode into
// map[string]any; CBOR decodes into map[any]any.
func reviveInfinite(v any) any {
	if _, ok := asInfiniteData(v); ok {
		return v
	}
	var pagesV, paramsV any
	switch m := v.(type) {
	case map[string]any:
		pagesV, paramsV = m["pages"], m["pageParams"]
	case map[any]any:
		pagesV, paramsV = m["pages"], m["pageParams"]
	default:
		return v
	}
	pages, okPages := pagesV.([]any)
	params, okParams := paramsV.([]any)
	if !okPages || !okParams {
		return v
	}
	return InfiniteData{Pages: pages, PageParams: params}
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
