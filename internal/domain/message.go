package domain

import "time"

// Message is a single chat message as stored in the shared realtime store.
// IDs are unique within a conversation. An edit rewrites the same ID with new
// content and timestamp; a delete removes the ID from the store entirely.
type Message struct {
	ID             string         `json:"id"`
	ConversationID ConversationID `json:"conversation_id"`
	SenderID       UserID         `json:"sender_id"`
	Text           string         `json:"text"`
	Timestamp      time.Time      `json:"timestamp"`
}

// Before reports whether m sorts ahead of other in a merged conversation
// view: ascending timestamp, ties broken by ID so output stays deterministic.
func (m Message) Before(other Message) bool {
	if m.Timestamp.Equal(other.Timestamp) {
		return m.ID < other.ID
	}
	return m.Timestamp.Before(other.Timestamp)
}
