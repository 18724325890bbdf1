package core

import (
	"encoding/json"

	"github.com/vovakirdan/roomsync/internal/proto"
)

// EventKind is a notification the core emits to sessions.
type EventKind int

const (
	// EventInit delivers the room snapshot to a freshly joined session.
	EventInit EventKind = iota
	// EventPresenceSync replaces the receiver's presence roster.
	EventPresenceSync
	// EventPresenceJoin announces a user coming online.
	EventPresenceJoin
	// EventPresenceLeave announces a user's last session closing.
	EventPresenceLeave
	// EventPresenceUpdate merges presence fields for one user.
	EventPresenceUpdate
	// EventMessage carries a newly appended chat message.
	EventMessage
	// EventTyping carries a typing indicator.
	EventTyping
	// EventReaction carries a reaction toggle.
	EventReaction
	// EventEdit carries new content for an existing message.
	EventEdit
	// EventCustom is a server-injected envelope passed through verbatim.
	EventCustom
	// EventError notifies a single session about a domain error.
	EventError
)

// Event is sent to sessions to describe what happened in a room.
// Events are shared between sessions and must not be mutated once emitted.
type Event struct {
	Kind     EventKind
	Room     string
	Init     *proto.InitData
	Message  *proto.ChatMessage
	Presence *proto.Presence  // join and update
	Roster   []proto.Presence // sync
	UserID   string           // leave
	Typing   *proto.TypingIndicator
	Reaction *proto.ReactionData
	Edit     *proto.EditData
	Custom   *CustomEvent
	Error    *CoreError
}

// CustomEvent is an arbitrary envelope injected by the server.
type CustomEvent struct {
	Type string
	Data json.RawMessage
}
