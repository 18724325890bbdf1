package proto

import "maps"

// RoomType is the kind of conversation a room hosts.
type RoomType string

const (
	RoomTypeDirect  RoomType = "direct"
	RoomTypeGroup   RoomType = "group"
	RoomTypeChannel RoomType = "channel"
)

// ParseRoomType maps free-form input to a known room type, defaulting to group.
func ParseRoomType(s string) RoomType {
	switch RoomType(s) {
	case RoomTypeDirect, RoomTypeChannel:
		return RoomType(s)
	default:
		return RoomTypeGroup
	}
}

// Status is a user's presence status.
type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusOffline Status = "offline"
)

// MessageType classifies history entries.
type MessageType string

const (
	MessageTypeMessage  MessageType = "message"
	MessageTypeSystem   MessageType = "system"
	MessageTypeTyping   MessageType = "typing"
	MessageTypePresence MessageType = "presence"
)

// User is one identity present (or recently present) in a room.
type User struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Avatar   string         `json:"avatar,omitempty"`
	Color    string         `json:"color,omitempty"`
	Status   Status         `json:"status"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Clone returns a copy that shares no maps with u.
func (u User) Clone() User {
	u.Metadata = maps.Clone(u.Metadata)
	return u
}

// Attachment references externally stored content.
type Attachment struct {
	ID       string `json:"id,omitempty"`
	Name     string `json:"name,omitempty"`
	URL      string `json:"url"`
	MimeType string `json:"mimeType,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// ChatMessage is a history entry. Timestamps are unix milliseconds.
type ChatMessage struct {
	ID          string              `json:"id"`
	Seq         int64               `json:"seq"`
	UserID      string              `json:"userId"`
	UserName    string              `json:"userName"`
	Content     string              `json:"content"`
	Timestamp   int64               `json:"timestamp"`
	Type        MessageType         `json:"type"`
	Metadata    map[string]any      `json:"metadata,omitempty"`
	Attachments []Attachment        `json:"attachments,omitempty"`
	ReplyTo     string              `json:"replyTo,omitempty"`
	Reactions   map[string][]string `json:"reactions,omitempty"`
	Edited      bool                `json:"edited,omitempty"`
	EditedAt    int64               `json:"editedAt,omitempty"`
}

// Clone returns a deep copy of m so it can leave the owning goroutine.
func (m ChatMessage) Clone() ChatMessage {
	m.Metadata = maps.Clone(m.Metadata)
	if m.Attachments != nil {
		m.Attachments = append([]Attachment(nil), m.Attachments...)
	}
	if m.Reactions != nil {
		reactions := make(map[string][]string, len(m.Reactions))
		for emoji, users := range m.Reactions {
			reactions[emoji] = append([]string(nil), users...)
		}
		m.Reactions = reactions
	}
	return m
}

// CloneMessages deep-copies a slice of messages.
func CloneMessages(in []ChatMessage) []ChatMessage {
	out := make([]ChatMessage, len(in))
	for i := range in {
		out[i] = in[i].Clone()
	}
	return out
}

// TypingIndicator is broadcast while a user types. Never persisted.
type TypingIndicator struct {
	UserID    string `json:"userId"`
	UserName  string `json:"userName"`
	IsTyping  bool   `json:"isTyping"`
	Timestamp int64  `json:"timestamp"`
}

// Presence is the transient per-user presence record.
type Presence struct {
	UserID   string         `json:"userId"`
	User     *User          `json:"user,omitempty"`
	Status   Status         `json:"status"`
	LastSeen int64          `json:"lastSeen"`
	Data     map[string]any `json:"data,omitempty"`
}

// Clone returns a copy that shares no maps with p.
func (p Presence) Clone() Presence {
	if p.User != nil {
		u := p.User.Clone()
		p.User = &u
	}
	p.Data = maps.Clone(p.Data)
	return p
}
