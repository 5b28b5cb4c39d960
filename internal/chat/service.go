package chat

import (
	"context"
	"net/http"
	"time"

	"go.uber.org/zap"

	"campushub-realtime/internal/domain"
	"campushub-realtime/internal/registry"
	"campushub-realtime/internal/store"
	apperrors "campushub-realtime/pkg/errors"
	"campushub-realtime/pkg/logger"
	"campushub-realtime/pkg/metrics"
	"campushub-realtime/pkg/sanitize"
)

// Archive persists messages outside the realtime store for paged history
// reads. Writes are best-effort: the live view reflects only what was
// durably written to the realtime store, never the archive.
type Archive interface {
	Save(ctx context.Context, msg domain.Message) error
	Delete(ctx context.Context, conversationID domain.ConversationID, messageID string) error
	History(ctx context.Context, conversationID domain.ConversationID, limit int, pageState []byte) ([]domain.Message, []byte, error)
}

// Service handles chat message operations for one authenticated client.
type Service struct {
	st      store.Store
	reg     *registry.Registry
	archive Archive // optional
	id      domain.Identity
}

// NewService creates a chat service bound to the given identity.
func NewService(st store.Store, reg *registry.Registry, archive Archive, id domain.Identity) *Service {
	return &Service{
		st:      st,
		reg:     reg,
		archive: archive,
		id:      id,
	}
}

// SendMessage writes a new message to the conversation's canonical path. The
// store generates the message ID.
func (s *Service) SendMessage(ctx context.Context, conv domain.Conversation, text string) (*domain.Message, error) {
	text = sanitize.MessageText(text)
	if text == "" {
		return nil, apperrors.ValidationError("message text must not be empty")
	}
	if !conv.HasParticipant(s.id.UserID) {
		return nil, apperrors.UnauthorizedError("sender is not a conversation participant")
	}

	msg := domain.Message{
		ConversationID: conv.ID,
		SenderID:       s.id.UserID,
		Text:           text,
		Timestamp:      time.Now().UTC(),
	}

	id, err := s.st.Push(ctx, s.reg.CanonicalPath(conv), msg)
	if err != nil {
		metrics.MessagesSentTotal.WithLabelValues("error").Inc()
		return nil, apperrors.StoreUnavailableError(err)
	}
	msg.ID = id
	metrics.MessagesSentTotal.WithLabelValues("ok").Inc()

	s.archiveSave(ctx, msg)
	return &msg, nil
}

// EditMessage rewrites an existing message in place: same ID, new text and
// timestamp.
func (s *Service) EditMessage(ctx context.Context, conv domain.Conversation, messageID, text string) (*domain.Message, error) {
	text = sanitize.MessageText(text)
	if text == "" {
		return nil, apperrors.ValidationError("message text must not be empty")
	}

	path := store.Join(s.reg.CanonicalPath(conv), messageID)
	var existing domain.Message
	if err := s.st.Get(ctx, path, &existing); err != nil {
		if err == store.ErrNotFound {
			return nil, apperrors.NewWithStatus(apperrors.ErrCodeValidation, "message not found", http.StatusNotFound)
		}
		return nil, apperrors.StoreUnavailableError(err)
	}
	if existing.SenderID != s.id.UserID {
		return nil, apperrors.UnauthorizedError("only the sender may edit a message")
	}

	existing.ID = messageID
	existing.ConversationID = conv.ID
	existing.Text = text
	existing.Timestamp = time.Now().UTC()

	if err := s.st.Set(ctx, path, existing); err != nil {
		return nil, apperrors.StoreUnavailableError(err)
	}
	metrics.MessagesEditedTotal.Inc()

	s.archiveSave(ctx, existing)
	return &existing, nil
}

// DeleteMessage removes the message ID entirely. No tombstone is kept; the
// aggregator observes the removal through the source snapshot.
func (s *Service) DeleteMessage(ctx context.Context, conv domain.Conversation, messageID string) error {
	path := store.Join(s.reg.CanonicalPath(conv), messageID)
	var existing domain.Message
	if err := s.st.Get(ctx, path, &existing); err != nil {
		if err == store.ErrNotFound {
			return nil // already gone
		}
		return apperrors.StoreUnavailableError(err)
	}
	if existing.SenderID != s.id.UserID {
		return apperrors.UnauthorizedError("only the sender may delete a message")
	}

	if err := s.st.Remove(ctx, path); err != nil {
		return apperrors.StoreUnavailableError(err)
	}
	metrics.MessagesDeletedTotal.Inc()

	if s.archive != nil {
		if err := s.archive.Delete(ctx, conv.ID, messageID); err != nil {
			metrics.MessageArchiveWriteTotal.WithLabelValues("error").Inc()
			logger.Warn("message archive delete failed",
				zap.String("message_id", messageID), zap.Error(err))
		}
	}
	return nil
}

// History reads archived messages with pagination. Requires an archive.
func (s *Service) History(ctx context.Context, conv domain.Conversation, limit int, pageState []byte) ([]domain.Message, []byte, error) {
	if s.archive == nil {
		return nil, nil, apperrors.InvalidInputError("message archive is not configured")
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 200 {
		limit = 200
	}
	return s.archive.History(ctx, conv.ID, limit, pageState)
}

func (s *Service) archiveSave(ctx context.Context, msg domain.Message) {
	if s.archive == nil {
		return
	}
	if err := s.archive.Save(ctx, msg); err != nil {
		metrics.MessageArchiveWriteTotal.WithLabelValues("error").Inc()
		logger.Warn("message archive write failed",
			zap.String("message_id", msg.ID), zap.Error(err))
		return
	}
	metrics.MessageArchiveWriteTotal.WithLabelValues("ok").Inc()
}
