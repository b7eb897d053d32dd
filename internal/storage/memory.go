package storage

import (
	"context"
	"sync"

	"netadapt/pkg/analytics"
)

// Memory is an in-process Store for tests and embedded use.
type Memory struct {
	mu   sync.Mutex
	snap *analytics.Snapshot
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Load(_ context.Context) (*analytics.Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap, nil
}

func (m *Memory) Save(_ context.Context, snap *analytics.Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap = snap
	return nil
}

func (m *Memory) Close() error { return nil }
