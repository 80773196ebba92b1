package evidence

import (
	"context"
	"sync"
)

// MemoryBackend is the in-memory rendition of the abstract relational store.
type MemoryBackend struct {
	mu            sync.RWMutex
	items         []Item
	byFingerprint map[string][]int
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{byFingerprint: make(map[string][]int)}
}

// Append implements Backend.
func (m *MemoryBackend) Append(_ context.Context, item Item) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, item)
	m.byFingerprint[item.Fingerprint] = append(m.byFingerprint[item.Fingerprint], len(m.items)-1)
	return nil
}

// ByFingerprint implements Backend.
func (m *MemoryBackend) ByFingerprint(_ context.Context, fp string) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idxs := m.byFingerprint[fp]
	out := make([]Item, 0, len(idxs))
	for _, i := range idxs {
		out = append(out, m.items[i])
	}
	return out, nil
}

// List implements Backend.
func (m *MemoryBackend) List(_ context.Context, f Filter) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Item
	for _, item := range m.items {
		if f.Matches(item) {
			out = append(out, item)
		}
	}
	return out, nil
}

// All implements Backend.
func (m *MemoryBackend) All(_ context.Context) ([]Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Item, len(m.items))
	copy(out, m.items)
	return out, nil
}
