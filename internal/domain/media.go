package domain

// TrackKind identifies the source of a local media track.
type TrackKind string

const (
	TrackMicrophone TrackKind = "microphone"
	TrackCamera     TrackKind = "camera"
	TrackScreen     TrackKind = "screen"
)

// DeviceKind classifies a local capture device.
type DeviceKind string

const (
	DeviceAudioInput DeviceKind = "audioinput"
	DeviceVideoInput DeviceKind = "videoinput"
)

// DeviceInfo describes one enumerated capture device.
type DeviceInfo struct {
	ID    string     `json:"id"`
	Label string     `json:"label"`
	Kind  DeviceKind `json:"kind"`
}

// Identity is the authenticated client identity handed to each realtime
// component at construction. Components never read identity from ambient
// global state.
type Identity struct {
	UserID UserID
}
