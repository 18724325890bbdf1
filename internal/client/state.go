package client

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/vovakirdan/roomsync/internal/proto"
)

// apply folds one server frame into local state and returns the events to
// publish. Callers emit the result after apply returns, outside the lock.
func (m *Manager) apply(frame proto.Frame) []Event {
	now := m.opts.Now()

	switch EventType(frame.Type) {
	case EventInit:
		var init proto.InitData
		if err := decodeData(frame, &init); err != nil {
			return m.decodeFailed(err)
		}
		m.mu.Lock()
		m.self = init.Self.Clone()
		m.messages = proto.CloneMessages(init.Messages)
		m.trimMessages()
		m.replacePresence(init.Presence, now)
		m.mu.Unlock()
		return []Event{{Type: EventInit, Init: &init}}

	case EventPresenceSync:
		var sync proto.PresenceSyncData
		if err := decodeData(frame, &sync); err != nil {
			return m.decodeFailed(err)
		}
		m.mu.Lock()
		m.replacePresence(sync.Presence, now)
		m.mu.Unlock()
		return []Event{{Type: EventPresenceSync, Roster: sync.Presence}}

	case EventPresenceJoin:
		var p proto.Presence
		if err := decodeData(frame, &p); err != nil {
			return m.decodeFailed(err)
		}
		m.mu.Lock()
		m.presence[p.UserID] = &localPresence{presence: p.Clone(), seen: now}
		m.mu.Unlock()
		return []Event{{Type: EventPresenceJoin, Presence: &p, UserID: p.UserID}}

	case EventPresenceUpdate:
		var p proto.Presence
		if err := decodeData(frame, &p); err != nil {
			return m.decodeFailed(err)
		}
		m.mu.Lock()
		m.mergePresence(p, now)
		m.mu.Unlock()
		return []Event{{Type: EventPresenceUpdate, Presence: &p, UserID: p.UserID}}

	case EventPresenceLeave:
		var leave proto.PresenceLeaveData
		if err := decodeData(frame, &leave); err != nil {
			return m.decodeFailed(err)
		}
		m.mu.Lock()
		delete(m.presence, leave.UserID)
		m.mu.Unlock()
		return []Event{{Type: EventPresenceLeave, UserID: leave.UserID}}

	case EventMessage:
		var msg proto.ChatMessage
		if err := decodeData(frame, &msg); err != nil {
			return m.decodeFailed(err)
		}
		m.mu.Lock()
		if m.messageIndex(msg.ID) < 0 {
			m.messages = append(m.messages, msg.Clone())
			m.trimMessages()
		}
		m.mu.Unlock()
		return []Event{{Type: EventMessage, Message: &msg, UserID: msg.UserID}}

	case EventTyping:
		var typing proto.TypingIndicator
		if err := decodeData(frame, &typing); err != nil {
			return m.decodeFailed(err)
		}
		return []Event{{Type: EventTyping, Typing: &typing, UserID: typing.UserID}}

	case EventReaction:
		var r proto.ReactionData
		if err := decodeData(frame, &r); err != nil {
			return m.decodeFailed(err)
		}
		m.mu.Lock()
		if i := m.messageIndex(r.MessageID); i >= 0 {
			proto.ApplyReaction(&m.messages[i], r.Emoji, r.UserID, r.Add)
		}
		m.mu.Unlock()
		return []Event{{Type: EventReaction, Reaction: &r, UserID: r.UserID}}

	case EventEdit:
		var e proto.EditData
		if err := decodeData(frame, &e); err != nil {
			return m.decodeFailed(err)
		}
		m.mu.Lock()
		if i := m.messageIndex(e.MessageID); i >= 0 {
			m.messages[i].Content = e.Content
			m.messages[i].Edited = true
			m.messages[i].EditedAt = e.EditedAt
		}
		m.mu.Unlock()
		return []Event{{Type: EventEdit, Edit: &e}}

	case EventServerError:
		if frame.Error == nil {
			return nil
		}
		m.log.Debug().Str("code", frame.Error.Code).Str("msg", frame.Error.Msg).Msg("server error")
		return []Event{{Type: EventServerError, ServerError: frame.Error}}

	default:
		return []Event{{Type: EventCustom, Custom: &frame}}
	}
}

func decodeData(frame proto.Frame, v any) error {
	if len(frame.Data) == 0 {
		return fmt.Errorf("%s frame has no data", frame.Type)
	}
	if err := json.Unmarshal(frame.Data, v); err != nil {
		return fmt.Errorf("decode %s: %w", frame.Type, err)
	}
	return nil
}

func (m *Manager) decodeFailed(err error) []Event {
	m.log.Warn().Err(err).Msg("bad frame from server")
	return []Event{{Type: EventError, Err: err}}
}

// replacePresence must be called with m.mu held.
func (m *Manager) replacePresence(roster []proto.Presence, now time.Time) {
	clear(m.presence)
	for _, p := range roster {
		m.presence[p.UserID] = &localPresence{presence: p.Clone(), seen: now}
	}
}

// mergePresence must be called with m.mu held. Unknown users are added.
func (m *Manager) mergePresence(p proto.Presence, now time.Time) {
	lp, ok := m.presence[p.UserID]
	if !ok {
		m.presence[p.UserID] = &localPresence{presence: p.Clone(), seen: now}
		return
	}
	if p.User != nil {
		u := p.User.Clone()
		lp.presence.User = &u
	}
	if p.Status != "" {
		lp.presence.Status = p.Status
	}
	if p.LastSeen > lp.presence.LastSeen {
		lp.presence.LastSeen = p.LastSeen
	}
	if len(p.Data) > 0 {
		if lp.presence.Data == nil {
			lp.presence.Data = make(map[string]any, len(p.Data))
		}
		maps.Copy(lp.presence.Data, p.Data)
	}
	lp.seen = now
}

// trimMessages drops the oldest messages beyond HistoryLimit. It must be
// called with m.mu held.
func (m *Manager) trimMessages() {
	if over := len(m.messages) - m.opts.HistoryLimit; over > 0 {
		m.messages = slices.Delete(m.messages, 0, over)
	}
}

// messageIndex must be called with m.mu held.
func (m *Manager) messageIndex(id string) int {
	for i := range m.messages {
		if m.messages[i].ID == id {
			return i
		}
	}
	return -1
}
