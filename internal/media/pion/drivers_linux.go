//go:build linux

package pion

// Capture drivers register themselves on import. Screen capture uses the
// X11 grabber, which is a no-op under pure Wayland sessions.
import (
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	_ "github.com/pion/mediadevices/pkg/driver/screen"
)
