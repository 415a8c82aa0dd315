package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// MemStore keeps checkpoints in memory.
//
// It is safe for concurrent use. Contents can be exported and reloaded with
// MarshalJSON / UnmarshalJSON, which the CLI uses to keep checkpoints across
// invocations without a database.
type MemStore struct {
	mu          sync.RWMutex
	checkpoints map[string]Checkpoint
	byKey       map[string]string
	closed      bool
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{
		checkpoints: make(map[string]Checkpoint),
		byKey:       make(map[string]string),
	}
}

// Save implements Store.
func (m *MemStore) Save(_ context.Context, cp Checkpoint) error {
	if cp.ID == "" {
		return fmt.Errorf("checkpoint id cannot be empty")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if _, exists := m.checkpoints[cp.ID]; exists {
		return ErrDuplicateKey
	}
	if cp.IdempotencyKey != "" {
		if _, exists := m.byKey[cp.IdempotencyKey]; exists {
			return ErrDuplicateKey
		}
		m.byKey[cp.IdempotencyKey] = cp.ID
	}
	cp.Payload = append([]byte(nil), cp.Payload...)
	m.checkpoints[cp.ID] = cp
	return nil
}

// Load implements Store.
func (m *MemStore) Load(_ context.Context, id string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Checkpoint{}, ErrClosed
	}
	cp, ok := m.checkpoints[id]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	return cp, nil
}

// FindByKey implements Store.
func (m *MemStore) FindByKey(_ context.Context, key string) (Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return Checkpoint{}, ErrClosed
	}
	id, ok := m.byKey[key]
	if !ok {
		return Checkpoint{}, ErrNotFound
	}
	return m.checkpoints[id], nil
}

// List implements Store. Checkpoints of the same step are ordered by creation
// time, then ID.
func (m *MemStore) List(_ context.Context, runID string) ([]Checkpoint, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	out := []Checkpoint{}
	for _, cp := range m.checkpoints {
		if cp.RunID == runID {
			out = append(out, cp)
		}
	}
	sortCheckpoints(out)
	return out, nil
}

// Delete implements Store.
func (m *MemStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	cp, ok := m.checkpoints[id]
	if !ok {
		return ErrNotFound
	}
	delete(m.checkpoints, id)
	if cp.IdempotencyKey != "" {
		delete(m.byKey, cp.IdempotencyKey)
	}
	return nil
}

// Close marks the store closed. Later operations return ErrClosed.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// MarshalJSON exports every stored checkpoint.
func (m *MemStore) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	all := make([]Checkpoint, 0, len(m.checkpoints))
	for _, cp := range m.checkpoints {
		all = append(all, cp)
	}
	sortCheckpoints(all)
	return json.Marshal(struct {
		Checkpoints []Checkpoint `json:"checkpoints"`
	}{Checkpoints: all})
}

// UnmarshalJSON replaces the store contents with previously exported data.
func (m *MemStore) UnmarshalJSON(data []byte) error {
	var doc struct {
		Checkpoints []Checkpoint `json:"checkpoints"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("failed to unmarshal store data: %w", err)
	}

	checkpoints := make(map[string]Checkpoint, len(doc.Checkpoints))
	byKey := make(map[string]string)
	for _, cp := range doc.Checkpoints {
		checkpoints[cp.ID] = cp
		if cp.IdempotencyKey != "" {
			byKey[cp.IdempotencyKey] = cp.ID
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoints = checkpoints
	m.byKey = byKey
	return nil
}

func sortCheckpoints(cps []Checkpoint) {
	sort.Slice(cps, func(i, j int) bool {
		a, b := cps[i], cps[j]
		if a.RunID != b.RunID {
			return a.RunID < b.RunID
		}
		if a.Step != b.Step {
			return a.Step < b.Step
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}
