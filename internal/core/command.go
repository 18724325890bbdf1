package core

import "github.com/vovakirdan/roomsync/internal/proto"

// CommandKind describes what a session wants to do.
type CommandKind int

const (
	// CommandSendMessage appends a chat message to the room history.
	CommandSendMessage CommandKind = iota
	// CommandTyping broadcasts a typing indicator.
	CommandTyping
	// CommandReaction toggles an emoji reaction on a message.
	CommandReaction
	// CommandEdit replaces the content of the caller's own message.
	CommandEdit
	// CommandPresenceJoin updates the caller's profile after connecting.
	CommandPresenceJoin
	// CommandPresenceUpdate merges presence fields such as cursor or status.
	CommandPresenceUpdate
	// CommandHeartbeat refreshes the caller's lastSeen.
	CommandHeartbeat
)

// Command represents an action requested by a session.
type Command struct {
	Kind        CommandKind
	Content     string
	Metadata    map[string]any
	Attachments []proto.Attachment
	ReplyTo     string
	IsTyping    bool
	MessageID   string
	Emoji       string
	Add         bool
	Profile     *proto.User
	Presence    map[string]any
}
