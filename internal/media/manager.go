package media

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"campushub-realtime/internal/domain"
	apperrors "campushub-realtime/pkg/errors"
	"campushub-realtime/pkg/logger"
	"campushub-realtime/pkg/metrics"
)

// Manager owns one local media session: the acquired tracks, their mute
// state, and the transport session once joined. Teardown releases every
// resource and is safe to call from any state, any number of times.
type Manager struct {
	devices   Devices
	transport Transport
	log       *zap.Logger

	mu           sync.Mutex
	mic          Track
	camera       Track
	screen       Track
	session      Session
	published    bool
	micMuted     bool
	cameraOn     bool
	screenShared bool
	eventsCancel context.CancelFunc
}

// NewManager creates a media manager over the given device and transport
// implementations.
func NewManager(devices Devices, transport Transport) *Manager {
	return &Manager{
		devices:   devices,
		transport: transport,
		log:       logger.With(zap.String("component", "media")),
	}
}

// Setup acquires local tracks for a call of the given type. A microphone is
// mandatory; a camera is attempted only for video calls and its absence
// degrades the call to audio-only.
func (m *Manager) Setup(ctx context.Context, callType domain.CallType) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	hasMic := false
	hasCamera := false
	for _, d := range m.devices.Enumerate() {
		switch d.Kind {
		case domain.DeviceAudioInput:
			hasMic = true
		case domain.DeviceVideoInput:
			hasCamera = true
		}
	}
	if !hasMic {
		return apperrors.DeviceUnavailableError("no microphone present")
	}

	mic, err := m.devices.OpenMicrophone(ctx)
	if err != nil {
		return err
	}
	m.mic = mic
	m.micMuted = false

	if callType == domain.CallVideo && hasCamera {
		camera, err := m.devices.OpenCamera(ctx)
		if err != nil {
			if apperrors.HasCode(err, apperrors.ErrCodePermissionDenied) {
				m.closeTracksLocked()
				return err
			}
			m.log.Warn("camera open failed, continuing audio-only", zap.Error(err))
		} else {
			m.camera = camera
			m.cameraOn = true
		}
	}
	return nil
}

// Connect joins the transport session and publishes the local tracks.
func (m *Manager) Connect(ctx context.Context, channelRef string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session != nil {
		return apperrors.InvalidStateError("transport session already joined")
	}

	session, err := m.transport.Join(ctx, channelRef)
	if err != nil {
		return apperrors.TransportJoinError(err)
	}
	m.session = session

	if err := session.Publish(ctx, m.activeTracksLocked()...); err != nil {
		_ = session.Leave(ctx)
		m.session = nil
		return apperrors.TransportJoinError(err)
	}
	m.published = true

	eventsCtx, cancel := context.WithCancel(context.Background())
	m.eventsCancel = cancel
	go m.consumeEvents(eventsCtx, session.Events())

	m.log.Info("transport joined", zap.String("channel_ref", channelRef))
	return nil
}

// ToggleMic flips the microphone mute state. Returns the new muted state.
func (m *Manager) ToggleMic() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.mic == nil {
		return false, apperrors.InvalidStateError("no microphone track")
	}
	m.micMuted = !m.micMuted
	m.mic.SetEnabled(!m.micMuted)
	return m.micMuted, nil
}

// ToggleCamera flips the camera track on or off without renegotiating the
// session. Returns the new on state.
func (m *Manager) ToggleCamera() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.camera == nil {
		return false, apperrors.InvalidStateError("no camera track")
	}
	if m.screenShared {
		return false, apperrors.InvalidStateError("camera is unavailable while screen sharing")
	}
	m.cameraOn = !m.cameraOn
	m.camera.SetEnabled(m.cameraOn)
	return m.cameraOn, nil
}

// ToggleScreenShare swaps the published camera track for a screen-capture
// track, or reverses the swap. The operation is atomic with respect to other
// manager calls: observers never see both tracks published.
func (m *Manager) ToggleScreenShare(ctx context.Context) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	metrics.ScreenShareTogglesTotal.Inc()

	if !m.screenShared {
		screen, err := m.devices.OpenScreen(ctx)
		if err != nil {
			return false, err
		}
		if m.session != nil && m.camera != nil {
			if err := m.session.Unpublish(ctx, m.camera); err != nil {
				_ = screen.Close()
				return false, apperrors.Wrap(apperrors.ErrCodeTransportJoin, "failed to unpublish camera", err)
			}
		}
		if m.session != nil {
			if err := m.session.Publish(ctx, screen); err != nil {
				_ = screen.Close()
				// Best effort to restore the camera before reporting failure.
				if m.camera != nil {
					_ = m.session.Publish(ctx, m.camera)
				}
				return false, apperrors.Wrap(apperrors.ErrCodeTransportJoin, "failed to publish screen track", err)
			}
		}
		m.screen = screen
		m.screenShared = true
		return true, nil
	}

	if m.session != nil {
		if err := m.session.Unpublish(ctx, m.screen); err != nil {
			m.log.Warn("screen unpublish failed", zap.Error(err))
		}
	}
	_ = m.screen.Close()
	m.screen = nil
	m.screenShared = false
	if m.session != nil && m.camera != nil {
		if err := m.session.Publish(ctx, m.camera); err != nil {
			return false, apperrors.Wrap(apperrors.ErrCodeTransportJoin, "failed to republish camera", err)
		}
	}
	return false, nil
}

// Teardown stops and releases every local track, leaves the transport
// session, and cancels the event subscription. Idempotent; invoked on every
// path that ends a call.
func (m *Manager) Teardown() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.eventsCancel != nil {
		m.eventsCancel()
		m.eventsCancel = nil
	}

	if m.session != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		if m.published {
			if err := m.session.Unpublish(ctx, m.activeTracksLocked()...); err != nil {
				m.log.Warn("unpublish on teardown failed", zap.Error(err))
			}
		}
		if err := m.session.Leave(ctx); err != nil {
			m.log.Warn("transport leave failed", zap.Error(err))
		}
		cancel()
		m.session = nil
		m.published = false
	}

	m.closeTracksLocked()
	m.micMuted = false
	m.cameraOn = false
	m.screenShared = false
}

// Tracks returns the currently held local tracks.
func (m *Manager) Tracks() []Track {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.activeTracksLocked()
}

// Muted reports the microphone mute state.
func (m *Manager) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.micMuted
}

// CameraOn reports whether the camera track is live.
func (m *Manager) CameraOn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cameraOn && !m.screenShared
}

// ScreenSharing reports whether a screen track is published.
func (m *Manager) ScreenSharing() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.screenShared
}

func (m *Manager) activeTracksLocked() []Track {
	var tracks []Track
	if m.mic != nil {
		tracks = append(tracks, m.mic)
	}
	if m.screenShared && m.screen != nil {
		tracks = append(tracks, m.screen)
	} else if m.camera != nil {
		tracks = append(tracks, m.camera)
	}
	return tracks
}

func (m *Manager) closeTracksLocked() {
	for _, t := range []Track{m.mic, m.camera, m.screen} {
		if t == nil {
			continue
		}
		if err := t.Close(); err != nil {
			m.log.Warn("track close failed", zap.String("kind", string(t.Kind())), zap.Error(err))
		}
	}
	m.mic, m.camera, m.screen = nil, nil, nil
}

func (m *Manager) consumeEvents(ctx context.Context, events <-chan SessionEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			m.log.Debug("transport event",
				zap.String("type", string(ev.Type)),
				zap.String("peer", ev.PeerID))
		}
	}
}
