// Package memory keeps room snapshots in process memory.
// Snapshots survive actor suspension but not a process restart.
package memory

import (
	"context"
	"sync"

	"github.com/vovakirdan/roomsync/internal/store"
)

// Store implements store.SnapshotStore with a map.
type Store struct {
	mu    sync.RWMutex
	snaps map[string]*store.RoomSnapshot
	saves int
}

// New creates an empty store.
func New() *Store {
	return &Store{snaps: make(map[string]*store.RoomSnapshot)}
}

func (s *Store) LoadSnapshot(_ context.Context, roomID string) (*store.RoomSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.snaps[roomID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return snap.Clone(), nil
}

func (s *Store) SaveSnapshot(_ context.Context, snap *store.RoomSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snaps[snap.ID] = snap.Clone()
	s.saves++
	return nil
}

// Saves reports how many snapshots were written.
func (s *Store) Saves() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves
}

func (s *Store) Close() error { return nil }
