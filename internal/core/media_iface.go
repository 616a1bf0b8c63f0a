package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/callmesh/internal/domain"
)

// PeerConnection is one negotiated connection to one remote party.
// Callbacks are delivered one at a time, in order, off the caller's goroutine.
type PeerConnection interface {
	// CreateOffer creates an offer and sets it as the local description.
	CreateOffer() (webrtc.SessionDescription, error)
	// CreateAnswer creates an answer and sets it as the local description.
	CreateAnswer() (webrtc.SessionDescription, error)
	SetRemoteDescription(webrtc.SessionDescription) error
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// AddLocalTrack starts sending a local capture track.
	AddLocalTrack(webrtc.TrackLocal) error
	// DetachLocalTracks stops every sender created by AddLocalTrack.
	DetachLocalTracks()
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(*webrtc.TrackRemote))
	OnStateChange(func(webrtc.PeerConnectionState))
	Stats() (TransportStats, error)
	// Close should stop all underlying media resources.
	Close() error
}

// PeerConnectionFactory creates connections configured with the client's ICE servers.
type PeerConnectionFactory interface {
	NewPeerConnection() (PeerConnection, error)
}

// TransportStats are cumulative inbound counters of one connection.
type TransportStats struct {
	PacketsReceived uint64
	PacketsLost     uint64
}

// LocalTrack is one capture track (microphone or camera).
type LocalTrack interface {
	ID() string
	Kind() domain.TrackKind
	Enabled() bool
	// SetEnabled mutes or unmutes without releasing the device.
	SetEnabled(bool)
	// Local is what gets attached to a peer connection.
	Local() webrtc.TrackLocal
	// Stop releases the underlying device handle. Safe to call twice.
	Stop()
}

// LevelMeter is implemented by audio tracks able to report input level.
type LevelMeter interface {
	// Level returns the latest input level in [0, 1].
	Level() float64
}

// MediaSource opens capture devices.
type MediaSource interface {
	// Open blocks until the devices for kind are granted or refused.
	Open(ctx context.Context, kind domain.CallKind) ([]LocalTrack, error)
}
