// Package link wraps one peer connection with description bookkeeping and
// the remote candidate queue. It makes no call or room decisions.
package link

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callmesh/internal/core"
	"github.com/dkeye/callmesh/internal/domain"
)

var (
	ErrClosed    = errors.New("link closed")
	ErrWrongRole = errors.New("operation not valid for link role")
	ErrNoOffer   = errors.New("answer before local offer")
)

type Role uint8

const (
	Offerer Role = iota
	Answerer
)

func (r Role) String() string {
	if r == Offerer {
		return "offerer"
	}
	return "answerer"
}

// Callbacks are invoked from the connection's callback goroutine. None of
// them fires after Close.
type Callbacks struct {
	OnCandidate func(webrtc.ICECandidateInit)
	OnTrack     func(*webrtc.TrackRemote)
	OnState     func(webrtc.PeerConnectionState)
}

type Link struct {
	mu     sync.Mutex
	remote domain.UserID
	role   Role
	pc     core.PeerConnection

	localSet  bool
	remoteSet bool
	pending   []webrtc.ICECandidateInit
	tracks    []core.LocalTrack
	closed    bool
}

func New(factory core.PeerConnectionFactory, remote domain.UserID, role Role, cb Callbacks) (*Link, error) {
	pc, err := factory.NewPeerConnection()
	if err != nil {
		return nil, fmt.Errorf("new peer connection to %s: %w", remote, err)
	}
	l := &Link{remote: remote, role: role, pc: pc}

	pc.OnICECandidate(func(c webrtc.ICECandidateInit) {
		if cb.OnCandidate != nil && !l.Closed() {
			cb.OnCandidate(c)
		}
	})
	pc.OnTrack(func(t *webrtc.TrackRemote) {
		if cb.OnTrack != nil && !l.Closed() {
			cb.OnTrack(t)
		}
	})
	pc.OnStateChange(func(s webrtc.PeerConnectionState) {
		log.Debug().Str("module", "app.link").Str("remote", string(remote)).Str("state", s.String()).Msg("connection state")
		if cb.OnState != nil && !l.Closed() {
			cb.OnState(s)
		}
	})
	return l, nil
}

// AttachMedia starts sending the given capture tracks.
func (l *Link) AttachMedia(tracks []core.LocalTrack) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	for _, t := range tracks {
		if err := l.pc.AddLocalTrack(t.Local()); err != nil {
			return fmt.Errorf("attach %s track: %w", t.Kind(), err)
		}
		l.tracks = append(l.tracks, t)
	}
	return nil
}

// CreateOffer produces the local offer SDP.
func (l *Link) CreateOffer() (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return "", ErrClosed
	}
	if l.role != Offerer {
		return "", ErrWrongRole
	}
	offer, err := l.pc.CreateOffer()
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	l.localSet = true
	return offer.SDP, nil
}

// AcceptOffer applies the remote offer, flushes queued candidates and
// produces the local answer SDP.
func (l *Link) AcceptOffer(sdp string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return "", ErrClosed
	}
	if l.role != Answerer {
		return "", ErrWrongRole
	}
	if err := l.setRemoteLocked(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}); err != nil {
		return "", err
	}
	answer, err := l.pc.CreateAnswer()
	if err != nil {
		return "", fmt.Errorf("create answer: %w", err)
	}
	l.localSet = true
	return answer.SDP, nil
}

// AcceptAnswer applies the remote answer and flushes queued candidates.
func (l *Link) AcceptAnswer(sdp string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.role != Offerer {
		return ErrWrongRole
	}
	if !l.localSet {
		return ErrNoOffer
	}
	return l.setRemoteLocked(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp})
}

// AddCandidate applies c, or queues it until the remote description is set.
// Candidates for a closed link are dropped.
func (l *Link) AddCandidate(c webrtc.ICECandidateInit) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	if !l.remoteSet {
		l.pending = append(l.pending, c)
		return nil
	}
	if err := l.pc.AddICECandidate(c); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

func (l *Link) setRemoteLocked(desc webrtc.SessionDescription) error {
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote %s: %w", desc.Type, err)
	}
	l.remoteSet = true

	queued := l.pending
	l.pending = nil
	for _, c := range queued {
		if err := l.pc.AddICECandidate(c); err != nil {
			log.Warn().Err(err).Str("module", "app.link").Str("remote", string(l.remote)).Msg("queued candidate rejected")
		}
	}
	if len(queued) > 0 {
		log.Debug().Str("module", "app.link").Str("remote", string(l.remote)).Int("count", len(queued)).Msg("flushed candidates")
	}
	return nil
}

func (l *Link) Stats() (core.TransportStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return core.TransportStats{}, ErrClosed
	}
	return l.pc.Stats()
}

// Close detaches callbacks and local tracks, then releases the connection.
// The capture devices themselves stay with their owner.
func (l *Link) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.pending = nil
	l.tracks = nil
	pc := l.pc
	l.mu.Unlock()

	pc.OnICECandidate(nil)
	pc.OnTrack(nil)
	pc.OnStateChange(nil)
	pc.DetachLocalTracks()
	if err := pc.Close(); err != nil {
		log.Warn().Err(err).Str("module", "app.link").Str("remote", string(l.remote)).Msg("close peer connection")
	}
}

func (l *Link) Remote() domain.UserID { return l.remote }
func (l *Link) Role() Role             { return l.role }

func (l *Link) LocalDescriptionSet() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.localSet
}

func (l *Link) RemoteDescriptionSet() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.remoteSet
}

// Negotiated reports whether both descriptions are in place.
func (l *Link) Negotiated() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.localSet && l.remoteSet
}

func (l *Link) MediaAttached() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tracks) > 0
}

func (l *Link) PendingCandidates() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.pending)
}

func (l *Link) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
