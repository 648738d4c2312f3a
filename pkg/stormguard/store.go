package stormguard

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// RecordStore keeps propagation records: the last payload hash seen per
// dedupe key. Records carry no business meaning and expire after their TTL.
type RecordStore interface {
	LastHash(ctx context.Context, key string) (uint64, bool, error)
	Touch(ctx context.Context, key string, hash uint64, ttl time.Duration) error
	Forget(ctx context.Context, key string) error
}

type memoryRecord struct {
	hash      uint64
	expiresAt time.Time
}

// MemoryRecordStore is the in-process RecordStore used in tests and
// single-instance deployments.
type MemoryRecordStore struct {
	mu      sync.Mutex
	records map[string]memoryRecord
	clock   clockwork.Clock
}

func NewMemoryRecordStore(clock clockwork.Clock) *MemoryRecordStore {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryRecordStore{
		records: make(map[string]memoryRecord),
		clock:   clock,
	}
}

func (s *MemoryRecordStore) LastHash(ctx context.Context, key string) (uint64, bool, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return 0, false, nil
	}
	if s.clock.Now().After(rec.expiresAt) {
		delete(s.records, key)
		return 0, false, nil
	}
	return rec.hash, true, nil
}

func (s *MemoryRecordStore) Touch(ctx context.Context, key string, hash uint64, ttl time.Duration) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = memoryRecord{
		hash:      hash,
		expiresAt: s.clock.Now().Add(ttl),
	}
	return nil
}

func (s *MemoryRecordStore) Forget(ctx context.Context, key string) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, key)
	return nil
}

// Len reports live record count after evicting expired entries.
func (s *MemoryRecordStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	for key, rec := range s.records {
		if now.After(rec.expiresAt) {
			delete(s.records, key)
		}
	}
	return len(s.records)
}
