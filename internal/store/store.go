package store

import (
	"context"
	"errors"

	"github.com/vovakirdan/roomsync/internal/proto"
)

// ErrNotFound is returned when no snapshot exists for a room.
var ErrNotFound = errors.New("snapshot not found")

// RoomSnapshot is the durable subset of a room's state.
// Sessions are never part of it; the roster is rebuilt from fresh joins.
type RoomSnapshot struct {
	ID             string              `json:"id"`
	Name           string              `json:"name"`
	Type           proto.RoomType      `json:"type"`
	Users          []proto.User        `json:"users"`
	MessageHistory []proto.ChatMessage `json:"messageHistory"`
	CreatedAt      int64               `json:"createdAt"`
	LastActivity   int64               `json:"lastActivity"`
}

// Clone returns a deep copy of s.
func (s *RoomSnapshot) Clone() *RoomSnapshot {
	if s == nil {
		return nil
	}
	cp := *s
	cp.Users = make([]proto.User, len(s.Users))
	for i := range s.Users {
		cp.Users[i] = s.Users[i].Clone()
	}
	cp.MessageHistory = proto.CloneMessages(s.MessageHistory)
	return &cp
}

// SnapshotStore is a durable key-value store of room snapshots keyed by room id.
type SnapshotStore interface {
	// LoadSnapshot returns ErrNotFound when the room was never saved.
	LoadSnapshot(ctx context.Context, roomID string) (*RoomSnapshot, error)
	SaveSnapshot(ctx context.Context, snap *RoomSnapshot) error
	Close() error
}
