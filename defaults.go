package querycache

import (
	"math"
	"time"
)

// Never disables a time-based policy: StaleTime Never means fresh until
// invalidated, GCTime Never means retained for the client's lifetime.
const Never = time.Duration(math.MaxInt64)

const (
	// DefaultGCTime is how long an unobserved query (or a settled mutation)
	// is retained before collection.
	DefaultGCTime = 5 * time.Minute

	// DefaultRetryCount is the read-path retry budget: one initial attempt
	// plus up to three retries. Mutations default to no retries.
	DefaultRetryCount = 3

	defaultBackoffBase = time.Second
	defaultBackoffCap  = 30 * time.Second
)

// coalesce returns def when v is the zero value of T - otherwise v.
func coalesce[T comparable](v, def T) T {
	var zero T
	if v == zero {
		return def
	}
	return v
}
