// Package registry computes canonical store paths for conversations,
// including the legacy aliased paths older advisor conversations were
// written under.
package registry

import (
	"campushub-realtime/internal/domain"
	"campushub-realtime/internal/store"
)

const (
	directPathPrefix = "messages"
	groupPathPrefix  = "group-messages"
	// Before direct conversations got canonical IDs, every chat with the
	// platform's advisor account was stored under the student's own ID.
	legacyAdvisorPrefix = "advisor-messages"
)

// Registry resolves conversation identifiers and source paths. The advisor
// ID is the singleton support account whose historical chats live under the
// legacy per-user alias.
type Registry struct {
	advisorID domain.UserID
}

// New creates a registry. advisorID may be empty when the deployment has no
// legacy advisor data.
func New(advisorID domain.UserID) *Registry {
	return &Registry{advisorID: advisorID}
}

// ComputeDirectID returns the canonical ID for a direct conversation between
// a and b. The result is independent of argument order.
func ComputeDirectID(a, b domain.UserID) domain.ConversationID {
	if b < a {
		a, b = b, a
	}
	return domain.ConversationID(string(a) + "_" + string(b))
}

// DirectConversation builds the Conversation value for a two-party thread.
func DirectConversation(a, b domain.UserID) domain.Conversation {
	return domain.Conversation{
		ID:           ComputeDirectID(a, b),
		Kind:         domain.ConversationDirect,
		Participants: []domain.UserID{a, b},
	}
}

// CanonicalPath returns the store path new messages are written to.
func (r *Registry) CanonicalPath(conv domain.Conversation) string {
	if conv.Kind == domain.ConversationGroup {
		return store.Join(groupPathPrefix, string(conv.ID))
	}
	return store.Join(directPathPrefix, string(conv.ID))
}

// ResolveSourcePaths returns every store path that may hold messages for the
// conversation: the canonical path, plus the legacy advisor alias for direct
// conversations involving the advisor account.
func (r *Registry) ResolveSourcePaths(conv domain.Conversation) []string {
	paths := []string{r.CanonicalPath(conv)}
	if conv.Kind != domain.ConversationDirect || r.advisorID == "" {
		return paths
	}
	if !conv.HasParticipant(r.advisorID) {
		return paths
	}
	for _, p := range conv.Participants {
		if p != r.advisorID {
			paths = append(paths, store.Join(legacyAdvisorPrefix, string(p)))
			break
		}
	}
	return paths
}
