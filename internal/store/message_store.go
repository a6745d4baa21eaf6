package store

import "vlm-chat-server/internal/model"

// messageStore holds per-session history. It has no lock of its own: the
// owning MemoryStore mutex covers it together with the session records, so
// the list and message_count can never be observed out of step.
type messageStore struct {
	data map[string][]model.Message
}

func newMessageStore() *messageStore {
	return &messageStore{data: make(map[string][]model.Message)}
}

func (m *messageStore) indexOf(sessionID, messageID string) int {
	for i, msg := range m.data[sessionID] {
		if msg.ID == messageID {
			return i
		}
	}
	return -1
}

// append adds msg unless its id is already present and trims the oldest
// entries beyond maxLen. It returns the resulting length.
func (m *messageStore) append(sessionID string, msg model.Message, maxLen int) int {
	if m.indexOf(sessionID, msg.ID) >= 0 {
		return len(m.data[sessionID])
	}
	msgs := append(m.data[sessionID], msg)
	if maxLen > 0 && len(msgs) > maxLen {
		msgs = append([]model.Message(nil), msgs[len(msgs)-maxLen:]...)
	}
	m.data[sessionID] = msgs
	return len(msgs)
}

func (m *messageStore) window(sessionID string, offset, limit int) ([]model.Message, int) {
	msgs := m.data[sessionID]
	start, end := window(len(msgs), offset, limit)
	out := make([]model.Message, end-start)
	copy(out, msgs[start:end])
	return out, len(msgs)
}

// truncateFrom drops the message with the given id and everything after it.
func (m *messageStore) truncateFrom(sessionID, messageID string) (int, bool) {
	idx := m.indexOf(sessionID, messageID)
	if idx < 0 {
		return 0, false
	}
	msgs := m.data[sessionID]
	removed := len(msgs) - idx
	m.data[sessionID] = append([]model.Message(nil), msgs[:idx]...)
	return removed, true
}

func (m *messageStore) update(sessionID, messageID string, patch model.MessagePatch) (model.Message, bool) {
	idx := m.indexOf(sessionID, messageID)
	if idx < 0 {
		return model.Message{}, false
	}
	msg := m.data[sessionID][idx]
	patch.Apply(&msg)
	m.data[sessionID][idx] = msg
	return msg, true
}

func (m *messageStore) count(sessionID string) int {
	return len(m.data[sessionID])
}

func (m *messageStore) deleteSession(sessionID string) {
	delete(m.data, sessionID)
}
