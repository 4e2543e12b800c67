package storage

import (
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryStore keeps the latest report per meter in a map.
// It is safe for concurrent use.
//
// With a TTL, a background goroutine drops reports whose GeneratedAt is older
// than the TTL, so meters removed from the configuration eventually disappear.
type MemoryStore struct {
	mu            sync.RWMutex
	reports       map[string]Report
	ttl           time.Duration
	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	cleanupDone   chan struct{}
	stopped       bool
	stopMu        sync.Mutex
}

// NewMemoryStore creates a store that keeps reports until replaced.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reports: make(map[string]Report),
	}
}

// NewMemoryStoreWithTTL creates a store that evicts reports older than ttl,
// checking every cleanupInterval (one minute when <= 0). Call Stop when done.
func NewMemoryStoreWithTTL(ttl, cleanupInterval time.Duration) *MemoryStore {
	if ttl <= 0 {
		panic("TTL must be positive")
	}
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	store := &MemoryStore{
		reports:       make(map[string]Report),
		ttl:           ttl,
		cleanupTicker: time.NewTicker(cleanupInterval),
		stopCleanup:   make(chan struct{}),
		cleanupDone:   make(chan struct{}),
	}

	go store.runCleanup()

	return store
}

// Stop ends the cleanup goroutine and waits for it. It is a no-op on stores
// without TTL and on repeated calls.
func (s *MemoryStore) Stop() {
	if s.cleanupTicker == nil {
		return
	}

	s.stopMu.Lock()
	defer s.stopMu.Unlock()

	if s.stopped {
		return
	}

	close(s.stopCleanup)
	<-s.cleanupDone
	s.cleanupTicker.Stop()
	s.stopped = true
}

func (s *MemoryStore) runCleanup() {
	defer close(s.cleanupDone)

	for {
		select {
		case <-s.cleanupTicker.C:
			s.cleanup()
		case <-s.stopCleanup:
			return
		}
	}
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ttl == 0 {
		return
	}

	cutoff := time.Now().Add(-s.ttl)
	for meter, report := range s.reports {
		if report.GeneratedAt.Before(cutoff) {
			delete(s.reports, meter)
		}
	}
}

// Put replaces the stored report of report.Meter.
func (s *MemoryStore) Put(ctx context.Context, report Report) error {
	if report.Meter == "" {
		return errors.New("report meter cannot be empty")
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.reports[report.Meter] = report
	return nil
}

// GetLatest returns the stored report of meter. found is false when the meter
// has no report yet or it was evicted.
func (s *MemoryStore) GetLatest(ctx context.Context, meter string) (Report, bool, error) {
	if err := ctx.Err(); err != nil {
		return Report{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	report, found := s.reports[meter]
	return report, found, nil
}

// Len returns the number of meters with a stored report.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.reports)
}

// Delete drops the report of meter and reports whether one existed.
func (s *MemoryStore) Delete(meter string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.reports[meter]
	delete(s.reports, meter)
	return existed
}
