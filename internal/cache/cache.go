// Package cache persists dataset snapshots between sessions.
//
// Snapshots are keyed by (context, database handle). A handle changes when
// the server invalidates a database, so stale lineages are never reused.
package cache

import (
	"context"
	"errors"
	"sync"

	"github.com/roach88/recsync/internal/dataset"
)

// ErrMiss is returned when no snapshot is stored for a key.
var ErrMiss = errors.New("cache miss")

// ErrCorrupt is returned when a stored snapshot cannot be decoded.
var ErrCorrupt = errors.New("cache entry corrupt")

// Cache persists serialized dataset snapshots.
type Cache interface {
	// GetDataset returns the stored snapshot, ErrMiss, or another error
	// (including ErrCorrupt) when the entry cannot be read.
	GetDataset(ctx context.Context, dbContext, handle string) (dataset.Snapshot, error)

	// SaveDataset stores a snapshot, replacing any previous one.
	SaveDataset(ctx context.Context, dbContext, handle string, snap dataset.Snapshot) error

	// Clear removes every stored snapshot.
	Clear(ctx context.Context) error
}

// Memory is an in-process Cache. Snapshots are stored serialized so callers
// never share records with the cache.
//
// Thread-safety: safe for concurrent use.
type Memory struct {
	mu      sync.Mutex
	entries map[[2]string][]byte
}

// NewMemory creates an empty in-memory cache.
func NewMemory() *Memory {
	return &Memory{entries: make(map[[2]string][]byte)}
}

// GetDataset implements Cache.
func (m *Memory) GetDataset(_ context.Context, dbContext, handle string) (dataset.Snapshot, error) {
	m.mu.Lock()
	data, ok := m.entries[[2]string{dbContext, handle}]
	m.mu.Unlock()
	if !ok {
		return dataset.Snapshot{}, ErrMiss
	}
	snap, err := dataset.UnmarshalSnapshot(data)
	if err != nil {
		return dataset.Snapshot{}, errors.Join(ErrCorrupt, err)
	}
	return snap, nil
}

// SaveDataset implements Cache.
func (m *Memory) SaveDataset(_ context.Context, dbContext, handle string, snap dataset.Snapshot) error {
	data, err := dataset.MarshalSnapshot(snap)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[[2]string{dbContext, handle}] = data
	return nil
}

// Clear implements Cache.
func (m *Memory) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clear(m.entries)
	return nil
}

// Put stores raw bytes for a key. Used to simulate corrupt entries.
func (m *Memory) Put(dbContext, handle string, data []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[[2]string{dbContext, handle}] = data
}

// Len returns the number of stored snapshots.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}
