package core

import (
	"github.com/vovakirdan/roomsync/internal/proto"
	"github.com/vovakirdan/roomsync/internal/utils"
)

// Session binds one live connection to a user identity. It is never persisted.
type Session struct {
	ID     string
	UserID string

	events chan *Event
}

func newSession(userID string, buffer int) *Session {
	if buffer <= 0 {
		buffer = 1
	}
	return &Session{
		ID:     utils.NewID(),
		UserID: userID,
		events: make(chan *Event, buffer),
	}
}

// Events is closed by the room once the session is removed or the room stops.
func (s *Session) Events() <-chan *Event {
	return s.events
}

// deliver never blocks; a full buffer counts as a failed send.
func (s *Session) deliver(ev *Event) bool {
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// normalizeUser fills display defaults for a joining user.
func normalizeUser(u proto.User) proto.User {
	if u.Name == "" {
		u.Name = u.ID
	}
	u.Status = proto.StatusOnline
	return u.Clone()
}
