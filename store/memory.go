package store

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	value     []byte
	expiresAt time.Time
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && e.expiresAt.Before(now)
}

// Memory keeps snapshots in-process (default). Expired entries are dropped
// lazily on read and, when a cleanup interval is configured, by a background
// sweep.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memEntry

	ticker  *time.Ticker
	stopCh  chan struct{}
	wg      sync.WaitGroup
	closeOnce sync.Once
}

// NewMemory constructs a Memory store. cleanupInterval <= 0 disables the
// background sweep; lazy expiry on Get still applies.
func NewMemory(cleanupInterval time.Duration) *Memory {
	s := &Memory{entries: make(map[string]memEntry)}
	if cleanupInterval > 0 {
		s.ticker = time.NewTicker(cleanupInterval)
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-s.ticker.C:
					s.sweep()
				case <-s.stopCh:
					return
				}
			}
		}()
	}
	return s
}

func (s *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if e.expired(time.Now()) {
		s.mu.Lock()
		// re-check under the write lock; a fresher Set may have raced in
		if cur, ok := s.entries[key]; ok && cur.expired(time.Now()) {
			delete(s.entries, key)
		}
		s.mu.Unlock()
		return nil, false, nil
	}
	return e.value, true, nil
}

func (s *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	s.mu.Lock()
	s.entries[key] = memEntry{value: value, expiresAt: exp}
	s.mu.Unlock()
	return true, nil
}

func (s *Memory) Del(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

func (s *Memory) sweep() {
	now := time.Now()
	s.mu.Lock()
	for k, e := range s.entries {
		if e.expired(now) {
			delete(s.entries, k)
		}
	}
	s.mu.Unlock()
}

// Len reports the live entry count. Expired-but-unswept entries are not
// counted.
func (s *Memory) Len() int {
	now := time.Now()
	n := 0
	s.mu.RLock()
	for _, e := range s.entries {
		if !e.expired(now) {
			n++
		}
	}
	s.mu.RUnlock()
	return n
}

// Close stops the background sweep. Safe to call multiple times.
func (s *Memory) Close(_ context.Context) error {
	s.closeOnce.Do(func() {
		if s.stopCh != nil {
			close(s.stopCh)
			s.ticker.Stop()
			s.wg.Wait()
		}
	})
	return nil
}

var _ Store = (*Memory)(nil)
