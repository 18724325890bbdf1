package proto

import "encoding/json"

// Inbound is the envelope for messages coming from the client.
// Chat fields are carried flat on the envelope, presence payloads under Data.
type Inbound struct {
	Type        string          `json:"type"`
	Data        json.RawMessage `json:"data,omitempty"`
	Content     string          `json:"content,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	ReplyTo     string          `json:"replyTo,omitempty"`
	IsTyping    bool            `json:"isTyping,omitempty"`
	MessageID   string          `json:"messageId,omitempty"`
	Emoji       string          `json:"emoji,omitempty"`
	Add         bool            `json:"add,omitempty"`
}

const (
	ProtocolVersion = 1

	TypePresenceJoin   = "presence:join"
	TypePresenceUpdate = "presence:update"
	TypePresenceLeave  = "presence:leave"
	TypePresenceSync   = "presence:sync"
	TypeMessage        = "message"
	TypeTyping         = "typing"
	TypeReaction       = "reaction"
	TypeEdit           = "edit"
	TypeHeartbeat      = "heartbeat"

	OutboundTypeInit  = "init"
	OutboundTypeError = "error"
)

// PresenceJoinData is sent by the client right after the connection opens.
type PresenceJoinData struct {
	User   User   `json:"user"`
	RoomID string `json:"roomId"`
}

// Outbound is the envelope for messages sent to the client.
type Outbound struct {
	Type  string `json:"type"`
	Data  any    `json:"data,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// Frame is the client-side view of an Outbound envelope with Data left raw.
type Frame struct {
	Type  string          `json:"type"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *Error          `json:"error,omitempty"`
}

// InitData is the snapshot a session receives right after joining.
type InitData struct {
	Room     RoomInfo      `json:"room"`
	Self     User          `json:"self"`
	Users    []User        `json:"users"`
	Presence []Presence    `json:"presence"`
	Messages []ChatMessage `json:"messages"`
	Protocol int           `json:"protocol"`
}

// RoomInfo describes a room without its history.
type RoomInfo struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Type         RoomType `json:"type"`
	Shard        string   `json:"shard,omitempty"`
	CreatedAt    int64    `json:"createdAt"`
	LastActivity int64    `json:"lastActivity"`
}

// PresenceSyncData replaces the client's presence map.
type PresenceSyncData struct {
	Presence []Presence `json:"presence"`
}

// PresenceLeaveData removes a user from the client's presence map.
type PresenceLeaveData struct {
	UserID string `json:"userId"`
}

// ReactionData is the idempotent toggle echoed to every session.
type ReactionData struct {
	MessageID string `json:"messageId"`
	Emoji     string `json:"emoji"`
	UserID    string `json:"userId"`
	Add       bool   `json:"add"`
}

// EditData carries the new content of an edited message.
type EditData struct {
	MessageID string `json:"messageId"`
	Content   string `json:"content"`
	EditedAt  int64  `json:"editedAt"`
}

// Error describes a protocol-level error response.
type Error struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
}
