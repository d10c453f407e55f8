package infra

import (
	"context"
	"sync"
	"time"
)

// MemScheduler is an in-memory settlement queue for stress runs; it stands in
// for the Redis sorted set so the harness only needs a Postgres container.
type MemScheduler struct {
	mu  sync.Mutex
	due map[string]time.Time
}

func NewMemScheduler() *MemScheduler {
	return &MemScheduler{due: map[string]time.Time{}}
}

func (m *MemScheduler) Schedule(_ context.Context, paymentID string, dueAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.due[paymentID] = dueAt
	return nil
}

func (m *MemScheduler) Cancel(_ context.Context, paymentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.due, paymentID)
	return nil
}

func (m *MemScheduler) PopDue(_ context.Context, now time.Time, limit int64) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, at := range m.due {
		if !at.After(now) {
			ids = append(ids, id)
			delete(m.due, id)
			if int64(len(ids)) >= limit {
				break
			}
		}
	}
	return ids, nil
}

func (m *MemScheduler) Depth(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.due)), nil
}
