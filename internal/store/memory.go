package store

import (
	"context"
	"sync"
	"time"
)

// Memory is an in-process StateStore for tests and ephemeral cards.
type Memory struct {
	mu      sync.Mutex
	records map[string]*StateRecord
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]*StateRecord)}
}

func (m *Memory) LoadState(_ context.Context, cardID string) (*StateRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[cardID]
	if !ok {
		return nil, ErrNotFound
	}
	return r.Clone(), nil
}

func (m *Memory) SaveState(_ context.Context, rec *StateRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	m.records[rec.CardID] = rec.Clone()
	return nil
}

func (m *Memory) Close() error {
	return nil
}
