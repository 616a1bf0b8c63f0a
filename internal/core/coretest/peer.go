// Package coretest provides deterministic in-memory stand-ins for the
// engine's ports: peer connections, capture devices, the clock and the relay.
package coretest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/callmesh/internal/core"
)

var ErrNoRemoteDescription = errors.New("remote description not set")

// PeerConnection records every call the engine makes and refuses to apply
// a candidate before the remote description, counting the violation.
type PeerConnection struct {
	mu sync.Mutex

	Label  string
	local  *webrtc.SessionDescription
	remote *webrtc.SessionDescription

	applied    []webrtc.ICECandidateInit
	violations int
	tracks     []webrtc.TrackLocal
	detached   bool
	closed     bool
	offers     int
	stats      core.TransportStats

	FailOffer  error
	FailAnswer error
	FailRemote error

	onICE   func(webrtc.ICECandidateInit)
	onTrack func(*webrtc.TrackRemote)
	onState func(webrtc.PeerConnectionState)
}

func (p *PeerConnection) CreateOffer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailOffer != nil {
		return webrtc.SessionDescription{}, p.FailOffer
	}
	p.offers++
	d := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: fmt.Sprintf("offer:%s:%d", p.Label, p.offers)}
	p.local = &d
	return d, nil
}

func (p *PeerConnection) CreateAnswer() (webrtc.SessionDescription, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailAnswer != nil {
		return webrtc.SessionDescription{}, p.FailAnswer
	}
	if p.remote == nil || p.remote.Type != webrtc.SDPTypeOffer {
		return webrtc.SessionDescription{}, errors.New("answer without remote offer")
	}
	d := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "answer:" + p.Label}
	p.local = &d
	return d, nil
}

func (p *PeerConnection) SetRemoteDescription(d webrtc.SessionDescription) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.FailRemote != nil {
		return p.FailRemote
	}
	p.remote = &d
	return nil
}

func (p *PeerConnection) AddICECandidate(c webrtc.ICECandidateInit) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.remote == nil {
		p.violations++
		return ErrNoRemoteDescription
	}
	p.applied = append(p.applied, c)
	return nil
}

func (p *PeerConnection) AddLocalTrack(t webrtc.TrackLocal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = append(p.tracks, t)
	return nil
}

func (p *PeerConnection) DetachLocalTracks() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tracks = nil
	p.detached = true
}

func (p *PeerConnection) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onICE = f
}

func (p *PeerConnection) OnTrack(f func(*webrtc.TrackRemote)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onTrack = f
}

func (p *PeerConnection) OnStateChange(f func(webrtc.PeerConnectionState)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onState = f
}

func (p *PeerConnection) Stats() (core.TransportStats, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return core.TransportStats{}, errors.New("closed")
	}
	return p.stats, nil
}

func (p *PeerConnection) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// EmitCandidate simulates a locally gathered candidate.
func (p *PeerConnection) EmitCandidate(c webrtc.ICECandidateInit) {
	p.mu.Lock()
	f := p.onICE
	p.mu.Unlock()
	if f != nil {
		f(c)
	}
}

// EmitState simulates a connection state change.
func (p *PeerConnection) EmitState(s webrtc.PeerConnectionState) {
	p.mu.Lock()
	f := p.onState
	p.mu.Unlock()
	if f != nil {
		f(s)
	}
}

func (p *PeerConnection) SetStats(s core.TransportStats) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats = s
}

func (p *PeerConnection) Applied() []webrtc.ICECandidateInit {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]webrtc.ICECandidateInit(nil), p.applied...)
}

func (p *PeerConnection) Violations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.violations
}

func (p *PeerConnection) Local() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.local
}

func (p *PeerConnection) Remote() *webrtc.SessionDescription {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.remote
}

func (p *PeerConnection) TrackCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.tracks)
}

func (p *PeerConnection) Detached() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.detached
}

func (p *PeerConnection) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// HasCallbacks reports whether any callback is still installed.
func (p *PeerConnection) HasCallbacks() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.onICE != nil || p.onTrack != nil || p.onState != nil
}

// Factory hands out PeerConnections and remembers them.
type Factory struct {
	mu       sync.Mutex
	Label    string
	FailNext int
	Err      error
	created  []*PeerConnection
}

func (f *Factory) NewPeerConnection() (core.PeerConnection, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.FailNext > 0 {
		f.FailNext--
		if f.Err != nil {
			return nil, f.Err
		}
		return nil, errors.New("peer connection refused")
	}
	pc := &PeerConnection{Label: fmt.Sprintf("%s#%d", f.Label, len(f.created)+1)}
	f.created = append(f.created, pc)
	return pc, nil
}

func (f *Factory) Created() []*PeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*PeerConnection(nil), f.created...)
}

// Last returns the most recently created connection, or nil.
func (f *Factory) Last() *PeerConnection {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

// Open counts connections not yet closed.
func (f *Factory) Open() int {
	n := 0
	for _, pc := range f.Created() {
		if !pc.Closed() {
			n++
		}
	}
	return n
}
