package querycache

import (
	"context"
	"time"
)

// Status is the lifecycle state of query data.
type Status string

const (
	// StatusPending means no data and no error have been recorded yet.
	StatusPending Status = "pending"
	StatusError   Status = "error"
	StatusSuccess Status = "success"
)

// FetchStatus is the state of the fetch machinery, orthogonal to Status: a
// successful query can be refetching, a pending one can be paused waiting
// for connectivity.
type FetchStatus string

const (
	FetchIdle     FetchStatus = "idle"
	FetchFetching FetchStatus = "fetching"
	FetchPaused   FetchStatus = "paused"
)

// NetworkMode gates fetching on connectivity (see OnlineManager).
type NetworkMode string

const (
	// NetworkOnline pauses fetches and retries while offline. Default.
	NetworkOnline NetworkMode = "online"
	// NetworkAlways ignores connectivity entirely.
	NetworkAlways NetworkMode = "always"
	// NetworkOfflineFirst runs the first attempt regardless of connectivity
	// and pauses only retries while offline. For fetch functions backed by
	// an HTTP cache or another local-first source.
	NetworkOfflineFirst NetworkMode = "offlineFirst"
)

// RefetchMode says whether an event (subscribe, focus regained, reconnect)
// triggers a refetch.
type RefetchMode string

const (
	// RefetchIfStale refetches only when the data is stale. Default.
	RefetchIfStale RefetchMode = "stale"
	RefetchAlways  RefetchMode = "always"
	RefetchNever   RefetchMode = "never"
)

// FetchContext carries call metadata into a FetchFunc.
type FetchContext struct {
	// Key is the full key of the query being fetched.
	Key Key
	// PageParam is set for infinite queries: the cursor of the page to load.
	PageParam any
	// Meta is the query's Meta option, opaque to the engine.
	Meta map[string]any
	// Client is the owning client, for nested lookups from fetch functions.
	Client *Client
}

// FetchFunc loads data for a query. ctx is canceled when the fetch is
// superseded or explicitly canceled; implementations should return
// promptly on ctx.Done(). A returned error marks the attempt failed and
// subjects it to the retry policy.
type FetchFunc func(ctx context.Context, fc FetchContext) (any, error)

// RetryFunc decides whether a failed attempt is retried. failures is the
// number of recorded failures so far: 0 on the first decision.
type RetryFunc func(failures int, err error) bool

// DelayFunc computes the backoff before the next retry.
type DelayFunc func(failures int, err error) time.Duration

// RetryCount retries up to n times, that is n+1 attempts in total.
func RetryCount(n int) RetryFunc {
	return func(failures int, _ error) bool { return failures < n }
}

// RetryNever disables retries. The default for mutations.
func RetryNever(int, error) bool { return false }

// RetryAlways retries until canceled.
func RetryAlways(int, error) bool { return true }

// FixedDelay waits d between attempts.
func FixedDelay(d time.Duration) DelayFunc {
	return func(int, error) time.Duration { return d }
}

// ExponentialDelay doubles from base per failure, capped at ceil. The
// engine default is ExponentialDelay(1s, 30s).
func ExponentialDelay(base, ceil time.Duration) DelayFunc {
	return func(failures int, _ error) time.Duration {
		d := base
		for i := 0; i < failures && d < ceil; i++ {
			d *= 2
		}
		if d > ceil {
			d = ceil
		}
		return d
	}
}

// PageParamFunc derives the cursor for the page after (or before) the
// loaded ones. ok=false means there is no further page in that direction.
type PageParamFunc func(page any, pages []any, param any, params []any) (any, bool)

// QueryOptions configure a query. Key is required. Fetch is required for
// anything that loads; pure cache writes via SetQueryData work without it.
type QueryOptions struct {
	Key   Key
	Fetch FetchFunc

	// Retry decides retries after a failed attempt; nil => RetryCount(3).
	Retry RetryFunc
	// RetryDelay computes backoff between attempts; nil => exponential
	// backoff from 1s capped at 30s.
	RetryDelay DelayFunc
	// NetworkMode gates fetching on connectivity; "" => NetworkOnline.
	NetworkMode NetworkMode
	// GCTime is how long an unobserved query is retained; 0 => 5m, Never =>
	// kept for the client's lifetime. A query keeps the longest GCTime it
	// has ever been given.
	GCTime time.Duration
	// Meta is opaque metadata passed to Fetch and kept on the query.
	Meta map[string]any

	// InitialData seeds the query as already successful. InitialDataFunc is
	// the lazy variant, consulted once when the query is created.
	InitialData     any
	InitialDataFunc func() any
	// InitialDataUpdatedAt backdates the seed for staleness purposes.
	InitialDataUpdatedAt time.Time

	// Infinite queries. A query is infinite when GetNextPageParam is set:
	// its data is InfiniteData and Fetch receives FetchContext.PageParam.
	InitialPageParam     any
	GetNextPageParam     PageParamFunc
	GetPreviousPageParam PageParamFunc
	// MaxPages bounds retained pages, dropping from the far end; 0 =>
	// unbounded.
	MaxPages int
}

func (o QueryOptions) infinite() bool { return o.GetNextPageParam != nil }

// ResultField names a Result field for selective notification.
type ResultField string

const (
	FieldData         ResultField = "data"
	FieldError        ResultField = "error"
	FieldStatus       ResultField = "status"
	FieldFetchStatus  ResultField = "fetchStatus"
	FieldIsStale      ResultField = "isStale"
	FieldFailureCount ResultField = "failureCount"
	FieldPages        ResultField = "pages" // infinite-query flags
)

var allResultFields = []ResultField{
	FieldData, FieldError, FieldStatus, FieldFetchStatus,
	FieldIsStale, FieldFailureCount, FieldPages,
}

// ObserverOptions configure an observer on top of its query's options.
type ObserverOptions struct {
	QueryOptions

	// Disabled suppresses automatic fetching (subscribe, focus, reconnect,
	// interval). Explicit Refetch still works.
	Disabled bool
	// StaleTime is how long loaded data counts as fresh; 0 => stale
	// immediately, Never => fresh until invalidated.
	StaleTime time.Duration
	// RefetchInterval polls while subscribed; 0 => off.
	RefetchInterval time.Duration
	// RefetchIntervalInBackground keeps polling while unfocused.
	RefetchIntervalInBackground bool

	RefetchOnSubscribe RefetchMode // "" => RefetchIfStale
	RefetchOnFocus     RefetchMode // "" => RefetchIfStale
	RefetchOnReconnect RefetchMode // "" => RefetchIfStale

	// Select projects raw query data into the result seen by this observer.
	// It must not mutate its input. A Select error surfaces on the result
	// as Status error without touching the cached data.
	Select func(data any) (any, error)

	// Placeholder (or PlaceholderFunc, consulted per result build) stands
	// in for Data while the first load is in flight. Placeholder data is
	// never written to the cache; results carry IsPlaceholder while shown.
	// PlaceholderFunc receives the previous query's data when the observer
	// was re-keyed, which is how "keep previous data while loading the next
	// key" is expressed.
	Placeholder     any
	PlaceholderFunc func(prevData any, prevQuery *Query) any

	// NotifyOn limits which result fields trigger notification. Empty =>
	// any change notifies.
	NotifyOn []ResultField

	// ThrowOnError marks matching errors on the result (Result.ThrowError)
	// for adapter layers that promote errors instead of rendering them.
	ThrowOnError func(err error, q *Query) bool
}
