// Package media owns local track acquisition and the peer transport session
// lifecycle for one call. The platform's media transport is an external
// collaborator; this package only drives its join/publish/leave surface.
package media

import (
	"context"

	"campushub-realtime/internal/domain"
)

// Track is one local media track. SetEnabled toggles the track without
// renegotiating the transport session; Close releases the underlying device.
type Track interface {
	Kind() domain.TrackKind
	SetEnabled(enabled bool)
	Close() error
}

// Devices enumerates and opens local capture devices. Implementations map
// OS-level denial to PermissionDeniedError.
type Devices interface {
	Enumerate() []domain.DeviceInfo
	OpenMicrophone(ctx context.Context) (Track, error)
	OpenCamera(ctx context.Context) (Track, error)
	OpenScreen(ctx context.Context) (Track, error)
}

// SessionEventType classifies remote transport events.
type SessionEventType string

const (
	PeerPublished   SessionEventType = "user-published"
	PeerUnpublished SessionEventType = "user-unpublished"
	PeerLeft        SessionEventType = "user-left"
)

// SessionEvent is one remote-side event from the transport session.
type SessionEvent struct {
	Type   SessionEventType
	PeerID string
}

// Session is a joined transport session.
type Session interface {
	Publish(ctx context.Context, tracks ...Track) error
	Unpublish(ctx context.Context, tracks ...Track) error
	Events() <-chan SessionEvent
	Leave(ctx context.Context) error
}

// Transport joins peer media sessions by channel reference.
type Transport interface {
	Join(ctx context.Context, channelRef string) (Session, error)
}
