// Package call runs the 1:1 call lifecycle. Every state change goes through
// one of the transition functions below while c.mu is held; device access
// happens with the lock released and is re-validated on completion.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callmesh/internal/app/link"
	"github.com/dkeye/callmesh/internal/app/media"
	"github.com/dkeye/callmesh/internal/app/quality"
	"github.com/dkeye/callmesh/internal/core"
	"github.com/dkeye/callmesh/internal/domain"
	"github.com/dkeye/callmesh/internal/signaling"
)

const DefaultTimeout = 30 * time.Second

type Config struct {
	Local domain.UserID
	// Timeout bounds how long a call may go without both descriptions set.
	Timeout time.Duration
}

type Deps struct {
	Relay    core.Relay
	Media    *media.Guard
	Factory  core.PeerConnectionFactory
	Quality  *quality.Monitor
	Recorder core.CallRecorder
	Events   core.EventSink
	Clock    core.Clock
}

type Coordinator struct {
	mu  sync.Mutex
	cfg Config

	relay    core.Relay
	guard    *media.Guard
	factory  core.PeerConnectionFactory
	monitor  *quality.Monitor
	recorder core.CallRecorder
	events   core.EventSink
	clock    core.Clock

	// current is the latest session, kept after it ends so the UI can read
	// how it ended.
	current *session
}

func NewCoordinator(cfg Config, d Deps) *Coordinator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if d.Recorder == nil {
		d.Recorder = core.NopRecorder{}
	}
	if d.Events == nil {
		d.Events = core.NopEvents{}
	}
	if d.Clock == nil {
		d.Clock = core.SystemClock{}
	}
	return &Coordinator{
		cfg:      cfg,
		relay:    d.Relay,
		guard:    d.Media,
		factory:  d.Factory,
		monitor:  d.Quality,
		recorder: d.Recorder,
		events:   d.Events,
		clock:    d.Clock,
	}
}

// StartCall places an outgoing call. It fails with ErrSessionConflict while
// another call is not yet ended.
func (c *Coordinator) StartCall(ctx context.Context, remote domain.UserID, kind domain.CallKind) (domain.CallID, error) {
	if !kind.Valid() {
		return "", core.NewError("start", "", fmt.Errorf("invalid call kind %d", uint8(kind)))
	}
	if remote == "" || remote == c.cfg.Local {
		return "", core.NewError("start", "", fmt.Errorf("invalid callee %q", remote))
	}

	c.mu.Lock()
	if cur := c.current; cur != nil && !cur.state.Terminal() {
		c.mu.Unlock()
		return "", core.NewError("start", cur.id.String(), core.ErrSessionConflict)
	}
	s := &session{id: domain.NewCallID(), kind: kind, remote: remote, outgoing: true, state: domain.CallIdle, acquiring: true}
	c.current = s
	c.mu.Unlock()

	log.Info().Str("module", "app.call").Str("call", s.id.String()).Str("remote", string(remote)).Str("kind", kind.String()).Msg("starting call")
	tracks, err := c.guard.Acquire(ctx, s.owner(), kind)

	c.mu.Lock()
	defer c.mu.Unlock()
	s.acquiring = false

	if err != nil {
		if s.state.Terminal() || errors.Is(err, core.ErrSessionEnded) {
			return "", core.NewError("start", s.id.String(), core.ErrSessionEnded)
		}
		return "", c.failLocked(s, "start", domain.EndMediaUnavailable, err)
	}
	if c.current != s || s.state.Terminal() {
		c.guard.Release(s.owner())
		return "", core.NewError("start", s.id.String(), core.ErrSessionEnded)
	}
	c.applyLocalFlagsLocked(s)

	l, err := c.newLinkLocked(s, link.Offerer, tracks)
	if err != nil {
		return "", c.failLocked(s, "start", domain.EndPeerLinkFailure, wrapLink(err))
	}
	sdp, err := l.CreateOffer()
	if err != nil {
		return "", c.failLocked(s, "start", domain.EndPeerLinkFailure, wrapLink(err))
	}

	c.transitionLocked(s, domain.CallOutgoingRinging)
	s.announced = true
	c.send(signaling.Offer(remote, s.id, kind, sdp))
	c.armTimerLocked(s)
	c.recorder.Initiated(s.id, remote, kind)
	return s.id, nil
}

// NotifyIncoming registers a ringing incoming call. No media is acquired
// until Accept. While another call is live the caller is told we are busy.
func (c *Coordinator) NotifyIncoming(id domain.CallID, from domain.UserID, kind domain.CallKind) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.notifyIncomingLocked(id, from, kind)
}

func (c *Coordinator) notifyIncomingLocked(id domain.CallID, from domain.UserID, kind domain.CallKind) error {
	if id == "" || from == "" {
		return core.NewError("incoming", id.String(), errors.New("missing call id or caller"))
	}
	if !kind.Valid() {
		kind = domain.CallAudio
	}
	if cur := c.current; cur != nil && !cur.state.Terminal() {
		if cur.id == id {
			return nil
		}
		log.Info().Str("module", "app.call").Str("call", id.String()).Str("from", string(from)).Msg("busy, rejecting incoming call")
		c.send(signaling.Reject(from, id, domain.EndBusy))
		return core.NewError("incoming", id.String(), core.ErrSessionConflict)
	}

	s := &session{id: id, kind: kind, remote: from, state: domain.CallIdle, announced: true}
	c.current = s
	c.transitionLocked(s, domain.CallIncomingRinging)
	c.armTimerLocked(s)
	return nil
}

// Accept answers the ringing call. A buffered offer is consumed right away;
// otherwise the answerer link waits for it.
func (c *Coordinator) Accept(ctx context.Context, id domain.CallID) error {
	c.mu.Lock()
	s, err := c.lookupLocked(id)
	if err != nil {
		c.mu.Unlock()
		return core.NewError("accept", id.String(), err)
	}
	if s.state != domain.CallIncomingRinging || s.acquiring {
		c.mu.Unlock()
		return core.NewError("accept", id.String(), core.ErrInvalidTransition)
	}
	s.acquiring = true
	c.mu.Unlock()

	tracks, err := c.guard.Acquire(ctx, s.owner(), s.kind)

	c.mu.Lock()
	defer c.mu.Unlock()
	s.acquiring = false

	if err != nil {
		if s.state.Terminal() || errors.Is(err, core.ErrSessionEnded) {
			return core.NewError("accept", id.String(), core.ErrSessionEnded)
		}
		return c.failLocked(s, "accept", domain.EndMediaUnavailable, err)
	}
	if c.current != s || s.state.Terminal() {
		c.guard.Release(s.owner())
		return core.NewError("accept", id.String(), core.ErrSessionEnded)
	}
	c.applyLocalFlagsLocked(s)

	if _, err := c.newLinkLocked(s, link.Answerer, tracks); err != nil {
		return c.failLocked(s, "accept", domain.EndPeerLinkFailure, wrapLink(err))
	}
	c.transitionLocked(s, domain.CallConnecting)
	c.send(signaling.Accept(s.remote, s.id))
	c.armTimerLocked(s)

	if s.pendingOffer != "" {
		offer := s.pendingOffer
		s.pendingOffer = ""
		if err := c.applyOfferLocked(s, offer); err != nil {
			return c.failLocked(s, "accept", domain.EndPeerLinkFailure, err)
		}
	}
	return nil
}

// Reject declines a ringing call. Nothing was acquired, so nothing is released.
func (c *Coordinator) Reject(id domain.CallID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.lookupLocked(id)
	if err != nil {
		return core.NewError("reject", id.String(), err)
	}
	if s.state != domain.CallIncomingRinging {
		return core.NewError("reject", id.String(), core.ErrInvalidTransition)
	}
	c.send(signaling.Reject(s.remote, s.id, domain.EndRejected))
	c.endLocked(s, domain.EndRejected, false)
	return nil
}

// End hangs up. Ending an ended call, or no call, is a no-op.
func (c *Coordinator) End(reason domain.EndReason) error {
	if reason == "" {
		reason = domain.EndHangup
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.current
	if s == nil || s.state.Terminal() {
		return nil
	}
	c.endLocked(s, reason, true)
	return nil
}

// ToggleMute flips the local microphone. Local only: no signaling.
func (c *Coordinator) ToggleMute() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.current
	if s == nil || s.state.Terminal() {
		return false, core.NewError("mute", "", core.ErrNoSession)
	}
	s.mutedLocal = !s.mutedLocal
	c.guard.SetTrackEnabled(s.owner(), domain.TrackAudio, !s.mutedLocal)
	log.Debug().Str("module", "app.call").Str("call", s.id.String()).Bool("muted", s.mutedLocal).Msg("toggle mute")
	return s.mutedLocal, nil
}

// ToggleVideo flips the local camera on a video call. Local only.
func (c *Coordinator) ToggleVideo() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.current
	if s == nil || s.state.Terminal() {
		return false, core.NewError("video", "", core.ErrNoSession)
	}
	if s.kind != domain.CallVideo {
		return false, core.NewError("video", s.id.String(), core.ErrNotPermitted)
	}
	s.videoDisabledLocal = !s.videoDisabledLocal
	c.guard.SetTrackEnabled(s.owner(), domain.TrackVideo, !s.videoDisabledLocal)
	log.Debug().Str("module", "app.call").Str("call", s.id.String()).Bool("video_disabled", s.videoDisabledLocal).Msg("toggle video")
	return s.videoDisabledLocal, nil
}

// Snapshot returns the latest call, ended or not.
func (c *Coordinator) Snapshot() (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return Snapshot{}, false
	}
	return c.current.snapshot(c.cfg.Local), true
}

// Close ends any live call. Used on shutdown.
func (c *Coordinator) Close() {
	_ = c.End(domain.EndHangup)
}

func (c *Coordinator) lookupLocked(id domain.CallID) (*session, error) {
	s := c.current
	if s == nil || s.id != id {
		return nil, core.ErrNoSession
	}
	if s.state.Terminal() {
		return nil, core.ErrSessionEnded
	}
	return s, nil
}

// transitionLocked is the only place a session's state changes.
func (c *Coordinator) transitionLocked(s *session, next domain.CallState) bool {
	if !s.state.CanTransition(next) {
		log.Warn().Str("module", "app.call").Str("call", s.id.String()).Str("from", s.state.String()).Str("to", next.String()).Msg("illegal transition ignored")
		return false
	}
	prev := s.state
	s.state = next
	log.Info().Str("module", "app.call").Str("call", s.id.String()).Str("from", prev.String()).Str("to", next.String()).Msg("call state")

	if next == domain.CallActive {
		s.startedAt = c.clock.Now()
	}
	if next != domain.CallEnded {
		c.recorder.StatusChanged(s.id, next, "", 0)
	}
	c.events.Publish(core.Event{
		Type:   core.EventCallState,
		CallID: s.id,
		PeerID: s.remote,
		State:  next.String(),
		Reason: s.reason,
	})
	return true
}

// endLocked tears everything down before the session is marked ended.
func (c *Coordinator) endLocked(s *session, reason domain.EndReason, notify bool) {
	if s.state.Terminal() {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	if notify && s.announced {
		c.send(signaling.End(s.remote, s.id, reason))
	}
	if s.link != nil {
		if c.monitor != nil {
			c.monitor.Unwatch(s.owner())
		}
		s.link.Close()
		s.link = nil
	}
	c.guard.Release(s.owner())
	s.pendingOffer = ""
	s.pendingCandidates = nil

	s.reason = reason
	if !s.startedAt.IsZero() {
		s.duration = c.clock.Now().Sub(s.startedAt)
	}
	c.transitionLocked(s, domain.CallEnded)
	c.recorder.StatusChanged(s.id, domain.CallEnded, reason, s.duration)
}

// failLocked ends the session and surfaces err exactly once.
func (c *Coordinator) failLocked(s *session, op string, reason domain.EndReason, err error) error {
	c.endLocked(s, reason, true)
	wrapped := core.NewError(op, s.id.String(), err)
	log.Warn().Err(err).Str("module", "app.call").Str("call", s.id.String()).Str("reason", string(reason)).Msg("call failed")
	c.events.Publish(core.Event{
		Type:   core.EventFailure,
		CallID: s.id,
		PeerID: s.remote,
		Reason: reason,
		Error:  wrapped.Error(),
	})
	return wrapped
}

func (c *Coordinator) newLinkLocked(s *session, role link.Role, tracks []core.LocalTrack) (*link.Link, error) {
	l, err := link.New(c.factory, s.remote, role, link.Callbacks{
		OnCandidate: func(cand webrtc.ICECandidateInit) { c.onLocalCandidate(s, cand) },
		OnTrack:     func(t *webrtc.TrackRemote) { c.onRemoteTrack(s, t) },
		OnState:     func(st webrtc.PeerConnectionState) { c.onLinkState(s, st) },
	})
	if err != nil {
		return nil, err
	}
	if err := l.AttachMedia(tracks); err != nil {
		l.Close()
		return nil, err
	}
	s.link = l
	for _, cand := range s.pendingCandidates {
		_ = l.AddCandidate(cand)
	}
	s.pendingCandidates = nil
	return l, nil
}

func (c *Coordinator) applyLocalFlagsLocked(s *session) {
	if s.mutedLocal {
		c.guard.SetTrackEnabled(s.owner(), domain.TrackAudio, false)
	}
	if s.videoDisabledLocal {
		c.guard.SetTrackEnabled(s.owner(), domain.TrackVideo, false)
	}
}

// applyOfferLocked answers an offer on the answerer link.
func (c *Coordinator) applyOfferLocked(s *session, sdp string) error {
	answer, err := s.link.AcceptOffer(sdp)
	if err != nil {
		return wrapLink(err)
	}
	c.send(signaling.Answer(s.remote, s.id, answer))
	c.markNegotiatedLocked(s)
	return nil
}

// markNegotiatedLocked moves to ACTIVE once both descriptions are set.
func (c *Coordinator) markNegotiatedLocked(s *session) {
	if s.link == nil || !s.link.Negotiated() || s.state != domain.CallConnecting {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	c.transitionLocked(s, domain.CallActive)
	if c.monitor != nil {
		c.monitor.Watch(s.owner(), s.remote, s.link, func(remote domain.UserID, level domain.QualityLevel) {
			c.onQuality(s, level)
		})
	}
}

func (c *Coordinator) armTimerLocked(s *session) {
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = c.clock.AfterFunc(c.cfg.Timeout, func() { c.onTimeout(s) })
}

func (c *Coordinator) onTimeout(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != s || s.state.Terminal() || s.state == domain.CallActive {
		return
	}
	log.Warn().Str("module", "app.call").Str("call", s.id.String()).Str("state", s.state.String()).Msg("negotiation timed out")
	_ = c.failLocked(s, "negotiate", domain.EndNegotiationTimeout, core.ErrNegotiationTimeout)
}

func (c *Coordinator) onLocalCandidate(s *session, cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != s || s.state.Terminal() {
		return
	}
	c.send(signaling.Candidate(s.remote, s.id, cand))
}

func (c *Coordinator) onRemoteTrack(s *session, t *webrtc.TrackRemote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != s || s.state.Terminal() {
		return
	}
	kind := domain.TrackAudio
	if t != nil && t.Kind() == webrtc.RTPCodecTypeVideo {
		kind = domain.TrackVideo
	}
	c.events.Publish(core.Event{Type: core.EventRemoteTrack, CallID: s.id, PeerID: s.remote, Track: kind})
}

func (c *Coordinator) onLinkState(s *session, st webrtc.PeerConnectionState) {
	if st != webrtc.PeerConnectionStateFailed {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != s || s.state.Terminal() {
		return
	}
	_ = c.failLocked(s, "connect", domain.EndPeerLinkFailure, core.ErrPeerLinkFailure)
}

func (c *Coordinator) onQuality(s *session, level domain.QualityLevel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current != s || s.state.Terminal() {
		return
	}
	s.quality = level
	c.events.Publish(core.Event{Type: core.EventQuality, CallID: s.id, PeerID: s.remote, Quality: level})
}

// send never blocks; a relay failure is reported and the message is gone.
func (c *Coordinator) send(m signaling.Message) {
	if err := c.relay.Send(m); err != nil {
		log.Warn().Err(err).Str("module", "app.call").Str("type", string(m.Type)).Str("to", string(m.To)).Msg("relay send failed")
		c.events.Publish(core.Event{Type: core.EventWarning, CallID: m.SessionID, PeerID: m.To, Error: err.Error()})
	}
}

func wrapLink(err error) error { return fmt.Errorf("%w: %w", core.ErrPeerLinkFailure, err) }
