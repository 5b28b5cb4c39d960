// Package pion adapts pion/mediadevices and pion/webrtc to the media package
// interfaces: local capture devices and the peer transport session.
package pion

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"

	"campushub-realtime/internal/domain"
	"campushub-realtime/internal/media"
	apperrors "campushub-realtime/pkg/errors"
)

// Devices captures local media through pion/mediadevices with VP8 video and
// Opus audio.
type Devices struct {
	selector *mediadevices.CodecSelector
}

func newCodecSelector() (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}

	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// Enumerate implements media.Devices.
func (d *Devices) Enumerate() []domain.DeviceInfo {
	var infos []domain.DeviceInfo
	for _, dev := range mediadevices.EnumerateDevices() {
		info := domain.DeviceInfo{ID: dev.DeviceID, Label: dev.Label}
		switch dev.Kind {
		case mediadevices.AudioInput:
			info.Kind = domain.DeviceAudioInput
		case mediadevices.VideoInput:
			info.Kind = domain.DeviceVideoInput
		default:
			continue
		}
		infos = append(infos, info)
	}
	return infos
}

// OpenMicrophone implements media.Devices.
func (d *Devices) OpenMicrophone(_ context.Context) (media.Track, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, mapCaptureError(err, "microphone")
	}
	tracks := stream.GetAudioTracks()
	if len(tracks) == 0 {
		return nil, apperrors.DeviceUnavailableError("no microphone track produced")
	}
	return newLocalTrack(domain.TrackMicrophone, tracks[0]), nil
}

// OpenCamera implements media.Devices. MJPEG nodes are excluded and capture
// is capped at 640x480; some cameras expose malformed MJPEG frames that
// poison the VP8 encoder.
func (d *Devices) OpenCamera(_ context.Context) (media.Track, error) {
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Video: func(c *mediadevices.MediaTrackConstraints) {
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		},
	})
	if err != nil {
		return nil, mapCaptureError(err, "camera")
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, apperrors.DeviceUnavailableError("no camera track produced")
	}
	return newLocalTrack(domain.TrackCamera, tracks[0]), nil
}

// OpenScreen implements media.Devices.
func (d *Devices) OpenScreen(_ context.Context) (media.Track, error) {
	stream, err := mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
		Codec: d.selector,
		Video: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, mapCaptureError(err, "screen")
	}
	tracks := stream.GetVideoTracks()
	if len(tracks) == 0 {
		return nil, apperrors.DeviceUnavailableError("no screen track produced")
	}
	return newLocalTrack(domain.TrackScreen, tracks[0]), nil
}

func mapCaptureError(err error, device string) error {
	if strings.Contains(strings.ToLower(err.Error()), "permission denied") {
		return apperrors.PermissionDeniedError(err)
	}
	return apperrors.Wrap(apperrors.ErrCodeDeviceUnavailable,
		fmt.Sprintf("failed to open %s", device), err)
}

// localTrack wraps a mediadevices track. Once published, SetEnabled swaps
// the sender's track with nil and back, which mutes without renegotiation.
type localTrack struct {
	kind  domain.TrackKind
	track mediadevices.Track

	mu      sync.Mutex
	sender  *webrtc.RTPSender
	enabled bool
}

func newLocalTrack(kind domain.TrackKind, track mediadevices.Track) *localTrack {
	return &localTrack{kind: kind, track: track, enabled: true}
}

// Kind implements media.Track.
func (t *localTrack) Kind() domain.TrackKind { return t.kind }

// SetEnabled implements media.Track.
func (t *localTrack) SetEnabled(enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = enabled
	if t.sender == nil {
		return
	}
	if enabled {
		_ = t.sender.ReplaceTrack(t.track)
	} else {
		_ = t.sender.ReplaceTrack(nil)
	}
}

// Close implements media.Track.
func (t *localTrack) Close() error {
	return t.track.Close()
}

func (t *localTrack) bind(sender *webrtc.RTPSender) {
	t.mu.Lock()
	t.sender = sender
	t.mu.Unlock()
}
