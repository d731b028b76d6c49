package policy

import (
	"context"
	"sync"
	"time"
)

// RateStore counts calls per tool name in fixed windows.
type RateStore interface {
	// Hit records one call to name at now and returns the call count
	// in the current window, including this one. A window older than
	// window (strictly) is discarded and restarted at now.
	Hit(ctx context.Context, name string, now time.Time, window time.Duration) (int, error)
}

type rateRecord struct {
	count       int
	windowStart time.Time
}

// MemoryRateStore keeps rate windows in process memory.
type MemoryRateStore struct {
	mu      sync.Mutex
	records map[string]rateRecord
}

// NewMemoryRateStore returns an empty in-memory store.
func NewMemoryRateStore() *MemoryRateStore {
	return &MemoryRateStore{records: make(map[string]rateRecord)}
}

// Hit implements [RateStore].
func (s *MemoryRateStore) Hit(_ context.Context, name string, now time.Time, window time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[name]
	if !ok || now.Sub(rec.windowStart) > window {
		rec = rateRecord{count: 1, windowStart: now}
	} else {
		rec.count++
	}
	s.records[name] = rec
	return rec.count, nil
}

// Reset forgets every window.
func (s *MemoryRateStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.records)
}
