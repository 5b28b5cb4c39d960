package cassandra

import (
	"context"
	"fmt"

	"github.com/gocql/gocql"

	"campushub-realtime/internal/domain"
)

// MessageRepository archives conversation messages in Cassandra. The live
// conversation view is served from the realtime store; this table backs
// paging into older history.
type MessageRepository struct {
	session *gocql.Session
}

// NewMessageRepository creates a new MessageRepository
func NewMessageRepository(session *gocql.Session) *MessageRepository {
	return &MessageRepository{session: session}
}

// Save inserts or rewrites an archived message. Edits reuse the message id,
// so the insert doubles as the edit path.
func (r *MessageRepository) Save(ctx context.Context, message domain.Message) error {
	query := `
		INSERT INTO messages (
			conversation_id, message_id, sender_id, content, created_at
		) VALUES (?, ?, ?, ?, ?)
	`

	err := r.session.Query(query,
		message.ConversationID,
		message.ID,
		message.SenderID,
		message.Text,
		message.Timestamp,
	).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("failed to archive message: %w", err)
	}

	return nil
}

// Delete removes an archived message
func (r *MessageRepository) Delete(ctx context.Context, conversationID domain.ConversationID, messageID string) error {
	query := `
		DELETE FROM messages
		WHERE conversation_id = ? AND message_id = ?
	`

	if err := r.session.Query(query, conversationID, messageID).WithContext(ctx).Exec(); err != nil {
		return fmt.Errorf("failed to delete archived message: %w", err)
	}

	return nil
}

// History retrieves archived messages for a conversation, newest first,
// with cursor-based pagination via gocql page state
func (r *MessageRepository) History(
	ctx context.Context,
	conversationID domain.ConversationID,
	limit int,
	pageState []byte,
) ([]domain.Message, []byte, error) {
	query := `
		SELECT conversation_id, message_id, sender_id, content, created_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at DESC
	`

	iter := r.session.Query(query, conversationID).
		WithContext(ctx).
		PageSize(limit).
		PageState(pageState).
		Iter()

	var messages []domain.Message
	for {
		var msg domain.Message
		if !iter.Scan(
			&msg.ConversationID,
			&msg.ID,
			&msg.SenderID,
			&msg.Text,
			&msg.Timestamp,
		) {
			break
		}
		messages = append(messages, msg)
	}

	nextPageState := iter.PageState()
	if err := iter.Close(); err != nil {
		return nil, nil, fmt.Errorf("failed to read message history: %w", err)
	}

	return messages, nextPageState, nil
}
