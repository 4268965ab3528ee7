package record

import (
	"context"
	"sync"
	"time"
)

// Memory implements Store with in-process concurrency safety. Deployments
// use the Postgres store; this one backs tests and the smoke tool.
type Memory struct {
	mu   sync.Mutex
	rows map[memKey]*Signable
}

type memKey struct {
	typ string
	id  string
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty store.
func NewMemory() *Memory {
	return &Memory{rows: make(map[memKey]*Signable)}
}

func (m *Memory) Get(ctx context.Context, recordType, id string) (Signable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[memKey{recordType, id}]
	if !ok {
		return Signable{}, ErrNotFound
	}
	return *row, nil
}

func (m *Memory) SetIssued(ctx context.Context, recordType, id string, issuedAt, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := memKey{recordType, id}
	row, ok := m.rows[key]
	if !ok {
		row = &Signable{Type: recordType, ID: id}
		m.rows[key] = row
	}
	row.TokenIssuedAt = issuedAt
	row.TokenExpiresAt = expiresAt
	row.Consumed = false
	row.ConsumedAt = time.Time{}
	return nil
}

func (m *Memory) TrySetConsumed(ctx context.Context, recordType, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[memKey{recordType, id}]
	if !ok {
		return false, ErrNotFound
	}
	if row.Consumed {
		return false, nil
	}
	row.Consumed = true
	row.ConsumedAt = time.Now().UTC()
	return true, nil
}

func (m *Memory) SetExpiry(ctx context.Context, recordType, id string, expiresAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[memKey{recordType, id}]
	if !ok {
		return ErrNotFound
	}
	row.TokenExpiresAt = expiresAt
	return nil
}
