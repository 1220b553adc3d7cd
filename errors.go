package querycache

import (
	"errors"
)

var (
	// ErrNoFetchFunc is returned when a fetch is requested for a query that
	// has no fetch function, neither on the call site nor via defaults.
	ErrNoFetchFunc = errors.New("querycache: no fetch function")

	// ErrNoPageParamFunc is returned when an infinite-query operation is
	// invoked without GetNextPageParam.
	ErrNoPageParamFunc = errors.New("querycache: infinite query requires GetNextPageParam")

	// ErrNoMutationFunc is returned when a mutation is executed without Fn.
	ErrNoMutationFunc = errors.New("querycache: no mutation function")
)

// CancelledError reports that a fetch settled by cancellation instead of
// success or failure. The engine produces it when a fetch is superseded,
// explicitly canceled, or abandoned while paused; fetch functions never
// need to construct it.
type CancelledError struct {
	// Revert restores the query to the state observed before the fetch
	// started instead of recording an error.
	Revert bool
	// Silent suppresses consumer notifications for this cancellation.
	Silent bool
}

func (e *CancelledError) Error() string {
	switch {
	case e.Revert && e.Silent:
		return "querycache: fetch canceled (revert, silent)"
	case e.Revert:
		return "querycache: fetch canceled (revert)"
	case e.Silent:
		return "querycache: fetch canceled (silent)"
	default:
		return "querycache: fetch canceled"
	}
}

// IsCancelled reports whether err is (or wraps) a CancelledError.
func IsCancelled(err error) bool {
	var ce *CancelledError
	return errors.As(err, &ce)
}
