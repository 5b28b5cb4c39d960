package chat

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"campushub-realtime/internal/domain"
	"campushub-realtime/internal/registry"
	"campushub-realtime/internal/store"
	"campushub-realtime/internal/store/memory"
	apperrors "campushub-realtime/pkg/errors"
	"campushub-realtime/pkg/sanitize"
)

// MockArchive is a mock implementation of Archive
type MockArchive struct {
	mock.Mock
}

func (m *MockArchive) Save(ctx context.Context, msg domain.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockArchive) Delete(ctx context.Context, conversationID domain.ConversationID, messageID string) error {
	args := m.Called(ctx, conversationID, messageID)
	return args.Error(0)
}

func (m *MockArchive) History(ctx context.Context, conversationID domain.ConversationID, limit int, pageState []byte) ([]domain.Message, []byte, error) {
	args := m.Called(ctx, conversationID, limit, pageState)
	if args.Get(0) == nil {
		return nil, nil, args.Error(2)
	}
	return args.Get(0).([]domain.Message), args.Get(1).([]byte), args.Error(2)
}

func newTestService(archive Archive) (*Service, *memory.Store, domain.Conversation) {
	st := memory.New()
	reg := registry.New("")
	svc := NewService(st, reg, archive, domain.Identity{UserID: "alice"})
	return svc, st, registry.DirectConversation("alice", "bob")
}

func TestSendMessageStoresUnderCanonicalPath(t *testing.T) {
	svc, st, conv := newTestService(nil)

	msg, err := svc.SendMessage(context.Background(), conv, "hello bob")
	require.NoError(t, err)
	require.NotEmpty(t, msg.ID)
	assert.Equal(t, domain.UserID("alice"), msg.SenderID)
	assert.Equal(t, conv.ID, msg.ConversationID)

	var stored domain.Message
	path := store.Join("messages", string(conv.ID), msg.ID)
	require.NoError(t, st.Get(context.Background(), path, &stored))
	assert.Equal(t, "hello bob", stored.Text)
}

func TestSendMessageRejectsEmptyText(t *testing.T) {
	svc, _, conv := newTestService(nil)

	_, err := svc.SendMessage(context.Background(), conv, "   ")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeValidation))
}

func TestSendMessageRejectsNonParticipant(t *testing.T) {
	svc, _, _ := newTestService(nil)
	other := registry.DirectConversation("bob", "carol")

	_, err := svc.SendMessage(context.Background(), other, "hi")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUnauthorized))
}

func TestSendMessageTruncatesOverlongText(t *testing.T) {
	svc, _, conv := newTestService(nil)

	msg, err := svc.SendMessage(context.Background(), conv, strings.Repeat("x", sanitize.MaxMessageLength+100))
	require.NoError(t, err)
	assert.Len(t, msg.Text, sanitize.MaxMessageLength)
}

func TestEditMessageRewritesSameID(t *testing.T) {
	svc, _, conv := newTestService(nil)

	sent, err := svc.SendMessage(context.Background(), conv, "first")
	require.NoError(t, err)

	edited, err := svc.EditMessage(context.Background(), conv, sent.ID, "second")
	require.NoError(t, err)
	assert.Equal(t, sent.ID, edited.ID)
	assert.Equal(t, "second", edited.Text)
	assert.True(t, edited.Timestamp.After(sent.Timestamp) || edited.Timestamp.Equal(sent.Timestamp))
}

func TestEditMessageOnlyBySender(t *testing.T) {
	svc, st, conv := newTestService(nil)

	// A message written by the peer.
	path := store.Join("messages", string(conv.ID), "bobs")
	require.NoError(t, st.Set(context.Background(), path, domain.Message{SenderID: "bob", Text: "mine"}))

	_, err := svc.EditMessage(context.Background(), conv, "bobs", "hijacked")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUnauthorized))
}

func TestEditMissingMessageFails(t *testing.T) {
	svc, _, conv := newTestService(nil)

	_, err := svc.EditMessage(context.Background(), conv, "nope", "text")
	require.Error(t, err)
}

func TestDeleteMessageRemovesAndIsIdempotent(t *testing.T) {
	svc, st, conv := newTestService(nil)

	sent, err := svc.SendMessage(context.Background(), conv, "bye")
	require.NoError(t, err)

	require.NoError(t, svc.DeleteMessage(context.Background(), conv, sent.ID))

	var gone domain.Message
	path := store.Join("messages", string(conv.ID), sent.ID)
	assert.ErrorIs(t, st.Get(context.Background(), path, &gone), store.ErrNotFound)

	// Deleting an absent message succeeds.
	assert.NoError(t, svc.DeleteMessage(context.Background(), conv, sent.ID))
}

func TestDeleteMessageOnlyBySender(t *testing.T) {
	svc, st, conv := newTestService(nil)

	path := store.Join("messages", string(conv.ID), "bobs")
	require.NoError(t, st.Set(context.Background(), path, domain.Message{SenderID: "bob", Text: "mine"}))

	err := svc.DeleteMessage(context.Background(), conv, "bobs")
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeUnauthorized))
}

func TestArchiveFailureDoesNotFailSend(t *testing.T) {
	archive := new(MockArchive)
	archive.On("Save", mock.Anything, mock.Anything).Return(assert.AnError)
	svc, _, conv := newTestService(archive)

	msg, err := svc.SendMessage(context.Background(), conv, "still delivered")
	require.NoError(t, err)
	assert.NotEmpty(t, msg.ID)
	archive.AssertCalled(t, "Save", mock.Anything, mock.Anything)
}

func TestHistoryRequiresArchive(t *testing.T) {
	svc, _, conv := newTestService(nil)

	_, _, err := svc.History(context.Background(), conv, 10, nil)
	assert.True(t, apperrors.HasCode(err, apperrors.ErrCodeInvalidInput))
}

func TestHistoryClampsLimit(t *testing.T) {
	archive := new(MockArchive)
	archive.On("History", mock.Anything, mock.Anything, 200, mock.Anything).
		Return([]domain.Message{}, []byte(nil), nil)
	svc, _, conv := newTestService(archive)

	_, _, err := svc.History(context.Background(), conv, 10_000, nil)
	require.NoError(t, err)
	archive.AssertExpectations(t)
}
