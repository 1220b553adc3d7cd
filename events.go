package querycache

// EventType classifies cache events.
type EventType string

const (
	EventQueryAdded      EventType = "queryAdded"
	EventQueryRemoved    EventType = "queryRemoved"
	EventQueryUpdated    EventType = "queryUpdated"
	EventObserverAdded   EventType = "observerAdded"
	EventObserverRemoved EventType = "observerRemoved"

	EventMutationAdded   EventType = "mutationAdded"
	EventMutationRemoved EventType = "mutationRemoved"
	EventMutationUpdated EventType = "mutationUpdated"
)

// CacheEvent describes one query-cache transition. The event feed is the
// integration point for tooling: inspectors, persisters, metric sinks (see
// hooks/). Listeners run on engine goroutines and must be cheap and
// non-blocking; hand off to hooks/async for anything slower.
type CacheEvent struct {
	Type  EventType
	Query *Query
	// Action names the state transition for EventQueryUpdated: fetch,
	// failed, pause, continue, success, error, invalidate, setState.
	Action string
}

// MutationEvent mirrors CacheEvent for the mutation cache.
type MutationEvent struct {
	Type     EventType
	Mutation *Mutation
	// Action names the state transition for EventMutationUpdated: pending,
	// failed, pause, continue, success, error, setState.
	Action string
}
