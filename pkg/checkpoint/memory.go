package checkpoint

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process backend used by tests and single-shot CLI
// invocations where durability across restarts does not matter.
type MemoryStore struct {
	mu   sync.RWMutex
	runs map[string]Record
}

func NewMemory() *MemoryStore {
	return &MemoryStore{runs: make(map[string]Record)}
}

func (m *MemoryStore) Save(_ context.Context, rec Record) error {
	if rec.UpdatedAt.IsZero() {
		rec.UpdatedAt = time.Now()
	}
	state := make([]byte, len(rec.State))
	copy(state, rec.State)
	rec.State = state

	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[rec.RunID] = rec
	return nil
}

func (m *MemoryStore) Load(_ context.Context, runID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.runs[runID]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) LoadLatest(_ context.Context, sessionID string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var latest *Record
	for _, rec := range m.runs {
		if rec.SessionID != sessionID {
			continue
		}
		if latest == nil || rec.UpdatedAt.After(latest.UpdatedAt) {
			r := rec
			latest = &r
		}
	}
	return latest, nil
}

func (m *MemoryStore) Delete(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, runID)
	return nil
}

func (m *MemoryStore) Prune(_ context.Context, retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	m.mu.Lock()
	defer m.mu.Unlock()
	pruned := 0
	for id, rec := range m.runs {
		if rec.Status != StatusRunning && rec.UpdatedAt.Before(cutoff) {
			delete(m.runs, id)
			pruned++
		}
	}
	return pruned, nil
}

func (m *MemoryStore) Close() error { return nil }
