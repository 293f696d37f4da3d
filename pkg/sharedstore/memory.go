package sharedstore

import (
	"context"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"
)

const MemoryKind = "memory"

func init() {
	Register(MemoryKind, func(_ context.Context, _ *zap.Logger, _ map[string]any) (Store, error) {
		return NewMemoryStore(), nil
	})
}

type memoryEntry struct {
	data    []byte
	version Version
}

// MemoryStore keeps blobs in process memory. It is only shared between the
// coordinator and workers running inside the same process.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	now     func() time.Time
}

// NewMemoryStore returns an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]memoryEntry), now: time.Now}
}

// Get implements Store.
func (m *MemoryStore) Get(_ context.Context, key string) (Blob, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[key]
	if !ok {
		return Blob{Key: key}, nil
	}
	return Blob{Key: key, Data: entry.data, Version: entry.version}, nil
}

// Set implements Store.
func (m *MemoryStore) Set(_ context.Context, key string, value []byte, expected *Version) (Version, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current := m.entries[key].version
	if expected != nil && *expected != current {
		return current, ErrConflict
	}

	// Copy so callers mutating their slice cannot tear a committed value.
	next := memoryEntry{data: slices.Clone(value), version: nextVersion(current, m.now())}
	m.entries[key] = next
	return next.version, nil
}

// HealthCheck implements Store.
func (m *MemoryStore) HealthCheck(context.Context) error {
	return nil
}

// Close implements Store.
func (m *MemoryStore) Close() error {
	return nil
}
