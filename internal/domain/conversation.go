package domain

// UserID identifies a platform user. IDs are opaque strings issued by the
// platform's account system and are safe to compare lexicographically.
type UserID string

// ConversationID identifies an addressable chat thread.
type ConversationID string

// ConversationKind distinguishes two-party threads from group threads.
type ConversationKind string

const (
	ConversationDirect ConversationKind = "direct"
	ConversationGroup  ConversationKind = "group"
)

// Conversation is a direct or group chat thread. Direct conversations derive
// their ID from the two participant IDs; group IDs are opaque and stable.
type Conversation struct {
	ID           ConversationID   `json:"id"`
	Kind         ConversationKind `json:"kind"`
	Participants []UserID         `json:"participant_ids"`
}

// HasParticipant reports whether userID is a member of the conversation.
func (c Conversation) HasParticipant(userID UserID) bool {
	for _, p := range c.Participants {
		if p == userID {
			return true
		}
	}
	return false
}
