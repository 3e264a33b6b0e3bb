// Package audit records every transfer attempt for compliance review.
// Events are append-only: nothing in this package updates or deletes one.
package audit

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/transferledger/internal/models"
)

const defaultQueryLimit = 100

var ErrInvalidFilter = errors.New("invalid audit filter")

// Sink accepts events. Mirrors such as the Kafka publisher only implement Sink.
type Sink interface {
	Append(ctx context.Context, e models.AuditEvent) error
}

// Log is a queryable, durable sink.
type Log interface {
	Sink
	Query(ctx context.Context, f Filter) ([]models.AuditEvent, error)
}

// Filter selects events touching AccountID (as source or destination) in
// the half-open window [From, To). Zero times leave that side open.
type Filter struct {
	AccountID string
	From      time.Time
	To        time.Time
	Limit     int
}

// Normalize validates the filter and applies the default limit.
func (f Filter) Normalize() (Filter, error) {
	if f.AccountID == "" {
		return f, ErrInvalidFilter
	}
	if !f.From.IsZero() && !f.To.IsZero() && !f.From.Before(f.To) {
		return f, ErrInvalidFilter
	}
	if f.Limit <= 0 || f.Limit > 1000 {
		f.Limit = defaultQueryLimit
	}
	return f, nil
}

func (f Filter) matches(e models.AuditEvent) bool {
	if e.SourceAccountID != f.AccountID && e.DestinationAccountID != f.AccountID {
		return false
	}
	if !f.From.IsZero() && e.OccurredAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !e.OccurredAt.Before(f.To) {
		return false
	}
	return true
}

// MemoryLog is an in-process Log used by the memory backend and tests.
type MemoryLog struct {
	mu     sync.RWMutex
	events []models.AuditEvent
}

var _ Log = (*MemoryLog)(nil)

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

func (l *MemoryLog) Append(ctx context.Context, e models.AuditEvent) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
	return nil
}

// Query returns matching events oldest first.
func (l *MemoryLog) Query(_ context.Context, f Filter) ([]models.AuditEvent, error) {
	f, err := f.Normalize()
	if err != nil {
		return nil, err
	}
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]models.AuditEvent, 0)
	for _, e := range l.events {
		if f.matches(e) {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].OccurredAt.Before(out[j].OccurredAt) })
	if len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// Len reports how many events were appended.
func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}
