// Package querycache implements client-side caching and synchronization for
// asynchronous data. Reads are cached, deduplicated, retried, and kept fresh
// by declarative staleness policy; writes run through tracked mutations with
// offline queueing. Consumers observe cache entries and are notified in
// coalesced batches.
//
// Components:
//   - Client: the engine facade; owns both caches and the shared managers.
//   - Query / Cache: one entry per canonical key with fetch lifecycle,
//     observer fanout, and a garbage-collection clock.
//   - Observer: binds one consumer to one query; computes the derived
//     per-consumer view (selection, placeholders, staleness).
//   - Mutation / MutationCache: tracked writes with retry, scope
//     serialization, and paused-offline resume.
//   - FocusManager / OnlineManager: ambient signals that drive refetch and
//     retry resumption.
//
// Keys are JSON-canonicalized, so []any{"users", 1} and a decoded equivalent
// address the same entry.
//
// Typical read path:
//
//	obs, _ := querycache.NewObserver(client, opts) // opts carry key + fetch
//	stop := obs.Subscribe(render)                  // fetches if stale
//	defer stop()
//
// Dehydrate/Hydrate snapshot the caches for persistence or transfer; the
// persist package automates that against a byte store.
package querycache
