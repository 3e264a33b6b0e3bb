package idempotency

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/punchamoorthee/transferledger/internal/clock"
	"github.com/punchamoorthee/transferledger/internal/models"
)

// MemoryStore keeps records in a map guarded by a single mutex. Reservations
// are short, so one lock across keys is not a bottleneck.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]models.IdempotencyRecord
	policy  Policy
	clock   clock.Clock
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(p Policy, c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.Real()
	}
	return &MemoryStore{
		records: make(map[string]models.IdempotencyRecord),
		policy:  p.WithDefaults(),
		clock:   c,
	}
}

func (s *MemoryStore) Reserve(_ context.Context, c Claim) (Reservation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var existing *models.IdempotencyRecord
	if rec, ok := s.records[c.Key]; ok {
		existing = &rec
	}
	res, write := Decide(existing, c, s.policy, s.clock.Now())
	if write != nil {
		s.records[c.Key] = *write
	}
	return res, nil
}

func (s *MemoryStore) Complete(_ context.Context, key, token string, result json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return ErrNotFound
	}
	if rec.Token != token || rec.State != StateInFlight {
		return ErrNotOwner
	}
	now := s.clock.Now()
	rec.State = StateCompleted
	rec.Result = append(json.RawMessage(nil), result...)
	rec.ExpiresAt = now.Add(s.policy.Retention)
	s.records[key] = rec
	return nil
}

func (s *MemoryStore) Release(_ context.Context, key, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[key]
	if !ok {
		return ErrNotFound
	}
	if rec.Token != token || rec.State != StateInFlight {
		return ErrNotOwner
	}
	delete(s.records, key)
	return nil
}

func (s *MemoryStore) Purge(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	n := 0
	for k, rec := range s.records {
		if !now.Before(rec.ExpiresAt) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

// Len reports the number of records held, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
