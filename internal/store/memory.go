package store

import (
	"context"
	"sync"
)

// MemoryStore keeps run history in process memory.
type MemoryStore struct {
	mu          sync.RWMutex
	runs        map[string]*RunRecord
	order       []string
	invocations map[string][]*InvocationRecord
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:        make(map[string]*RunRecord),
		invocations: make(map[string][]*InvocationRecord),
	}
}

func (m *MemoryStore) SaveRun(_ context.Context, run *RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.runs[run.ID]; !exists {
		m.order = append(m.order, run.ID)
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *MemoryStore) GetRun(_ context.Context, id string) (*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	run, ok := m.runs[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *run
	return &cp, nil
}

func (m *MemoryStore) ListRuns(_ context.Context, limit int) ([]*RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*RunRecord, 0, limit)
	for i := len(m.order) - 1; i >= 0 && len(out) < limit; i-- {
		cp := *m.runs[m.order[i]]
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) AppendInvocation(_ context.Context, inv *InvocationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cp := *inv
	m.invocations[inv.RunID] = append(m.invocations[inv.RunID], &cp)
	return nil
}

func (m *MemoryStore) ListInvocations(_ context.Context, runID string) ([]*InvocationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	src := m.invocations[runID]
	out := make([]*InvocationRecord, len(src))
	for i, inv := range src {
		cp := *inv
		out[i] = &cp
	}
	return out, nil
}

func (m *MemoryStore) Close() error { return nil }
