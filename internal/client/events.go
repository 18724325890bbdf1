package client

import "github.com/vovakirdan/roomsync/internal/proto"

// EventType names what a subscriber is notified about.
type EventType string

const (
	EventOpen            EventType = "connection:open"
	EventClose           EventType = "connection:close"
	EventError           EventType = "connection:error"
	EventReconnectFailed EventType = "connection:reconnect_failed"

	EventInit           EventType = proto.OutboundTypeInit
	EventPresenceSync   EventType = proto.TypePresenceSync
	EventPresenceJoin   EventType = proto.TypePresenceJoin
	EventPresenceLeave  EventType = proto.TypePresenceLeave
	EventPresenceUpdate EventType = proto.TypePresenceUpdate
	EventMessage        EventType = proto.TypeMessage
	EventTyping         EventType = proto.TypeTyping
	EventReaction       EventType = proto.TypeReaction
	EventEdit           EventType = proto.TypeEdit
	EventServerError    EventType = proto.OutboundTypeError

	// EventCustom carries any server frame type the manager does not model,
	// such as envelopes injected through the broadcast endpoint.
	EventCustom EventType = "custom"
)

// Event is delivered to subscribers. Only the fields relevant to Type are set.
type Event struct {
	Type EventType

	Init     *proto.InitData
	Message  *proto.ChatMessage
	Presence *proto.Presence
	Roster   []proto.Presence
	UserID   string
	Typing   *proto.TypingIndicator
	Reaction *proto.ReactionData
	Edit     *proto.EditData
	Custom   *proto.Frame

	// ServerError is a typed error frame sent by the room.
	ServerError *proto.Error
	// Err is the transport failure behind connection:error.
	Err error
	// Attempt is the reconnect attempt count for connection:reconnect_failed.
	Attempt int
	// Stale marks a presence:leave produced by the local cleanup tick.
	Stale bool
}

// Handler receives events. Handlers run on the manager's reader goroutine
// and must not block for long.
type Handler func(Event)
