package proto

import "slices"

// ApplyReaction toggles userID's emoji reaction on m and reports whether m changed.
// Adding an existing reaction or removing a missing one is a no-op, and an emoji
// whose user list becomes empty is dropped. Server and client apply the same rule.
func ApplyReaction(m *ChatMessage, emoji, userID string, add bool) bool {
	if m.Reactions == nil {
		if !add {
			return false
		}
		m.Reactions = make(map[string][]string)
	}

	users := m.Reactions[emoji]
	idx := slices.Index(users, userID)

	switch {
	case add && idx < 0:
		m.Reactions[emoji] = append(users, userID)
		return true
	case !add && idx >= 0:
		users = slices.Delete(users, idx, idx+1)
		if len(users) == 0 {
			delete(m.Reactions, emoji)
		} else {
			m.Reactions[emoji] = users
		}
		if len(m.Reactions) == 0 {
			m.Reactions = nil
		}
		return true
	default:
		if len(m.Reactions) == 0 {
			m.Reactions = nil
		}
		return false
	}
}
