package room

import (
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callmesh/internal/app/link"
	"github.com/dkeye/callmesh/internal/core"
	"github.com/dkeye/callmesh/internal/domain"
	"github.com/dkeye/callmesh/internal/signaling"
)

// The newcomer offers to every speaker already in the mesh. When two
// newcomers offer to each other at once, the lower id keeps its offer and
// the higher id answers it.

// joinMeshLocked runs once our own promotion has capture. An offer already
// received from a lower id is answered; every other speaker gets our offer.
func (c *Coordinator) joinMeshLocked(s *session) {
	for _, id := range s.otherSpeakers() {
		if _, ok := s.peers[id]; ok {
			continue
		}
		if sdp, ok := s.pendingOffers[id]; ok && id.Less(s.self) {
			delete(s.pendingOffers, id)
			c.answerLocked(s, id, sdp)
			continue
		}
		delete(s.pendingOffers, id)
		c.offerLocked(s, id)
	}
}

// applyPromotionLocked records that id became a speaker. An existing
// speaker prepares an answerer link and waits for the newcomer's offer.
func (c *Coordinator) applyPromotionLocked(s *session, id domain.UserID) {
	p, ok := s.participants[id]
	if !ok {
		p = domain.NewParticipant(id)
		s.participants[id] = p
	}
	p.Role = domain.RoleSpeaker
	p.HandRaised = false
	c.publishLocked(s, "promoted", id)

	if s.localRole != domain.RoleSpeaker {
		return
	}
	if _, ok := s.peers[id]; ok {
		return
	}
	if sdp, ok := s.pendingOffers[id]; ok {
		delete(s.pendingOffers, id)
		c.answerLocked(s, id, sdp)
		return
	}
	if _, err := c.openLocked(s, id, link.Answerer); err != nil {
		c.reportFailureLocked(s, id, err)
	}
}

// reconcileMeshLocked links us to speakers we learned about without seeing
// their promote. A parked offer is answered; otherwise the lower id offers
// and the higher id waits for it.
func (c *Coordinator) reconcileMeshLocked(s *session) {
	for _, id := range s.otherSpeakers() {
		if _, ok := s.peers[id]; ok {
			continue
		}
		if _, ok := s.retries[id]; ok {
			continue
		}
		if sdp, ok := s.pendingOffers[id]; ok {
			delete(s.pendingOffers, id)
			c.answerLocked(s, id, sdp)
			continue
		}
		if s.self.Less(id) {
			c.offerLocked(s, id)
			continue
		}
		if _, err := c.openLocked(s, id, link.Answerer); err != nil {
			c.reportFailureLocked(s, id, err)
		}
	}
}

// applyDemotionLocked drops exactly the link to id and nothing else.
func (c *Coordinator) applyDemotionLocked(s *session, id domain.UserID) {
	if p, ok := s.participants[id]; ok {
		p.Role = domain.RoleListener
	}
	delete(s.speaking, id)
	c.forgetPeerLocked(s, id)
	c.publishLocked(s, "demoted", id)
}

// forgetPeerLocked drops the link to id and everything buffered for it.
func (c *Coordinator) forgetPeerLocked(s *session, id domain.UserID) {
	c.closePeerLocked(s, id)
	delete(s.pendingOffers, id)
	delete(s.pendingCandidates, id)
	delete(s.failures, id)
	delete(s.qualityByPeer, id)
	if t, ok := s.retries[id]; ok {
		t.Stop()
		delete(s.retries, id)
	}
}

// openLocked creates a link to id with our capture attached and hands it
// any candidates that arrived before it existed.
func (c *Coordinator) openLocked(s *session, id domain.UserID, role link.Role) (*peer, error) {
	p := &peer{id: id, role: role}
	l, err := link.New(c.factory, id, role, link.Callbacks{
		OnCandidate: func(cand webrtc.ICECandidateInit) { c.onLocalCandidate(s, p, cand) },
		OnTrack:     func(t *webrtc.TrackRemote) { c.onRemoteTrack(s, p, t) },
		OnState:     func(st webrtc.PeerConnectionState) { c.onLinkState(s, p, st) },
	})
	if err != nil {
		return nil, err
	}
	if err := l.AttachMedia(c.guard.Tracks()); err != nil {
		l.Close()
		return nil, err
	}
	p.link = l
	s.peers[id] = p
	for _, cand := range s.pendingCandidates[id] {
		_ = l.AddCandidate(cand)
	}
	delete(s.pendingCandidates, id)
	log.Debug().Str("module", "app.room").Str("room", s.id.String()).Str("peer", id.String()).Str("role", role.String()).Msg("link opened")
	return p, nil
}

// offerLocked opens an offerer link to id and sends the offer. Failures are
// retried on their own schedule and never affect other peers.
func (c *Coordinator) offerLocked(s *session, id domain.UserID) {
	p, err := c.openLocked(s, id, link.Offerer)
	if err != nil {
		c.establishFailedLocked(s, id, err)
		return
	}
	sdp, err := p.link.CreateOffer()
	if err != nil {
		c.closePeerLocked(s, id)
		c.establishFailedLocked(s, id, err)
		return
	}
	p.answerTimer = c.clock.AfterFunc(c.cfg.AnswerTimeout, func() { c.onAnswerTimeout(s, p) })
	c.send(signaling.RoomOffer(s.id, id, sdp))
}

// onAnswerTimeout gives up on an offer that was never answered. The link is
// closed and the attempt counts against the retry budget.
func (c *Coordinator) onAnswerTimeout(s *session, p *peer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room != s || s.peers[p.id] != p || p.link.RemoteDescriptionSet() {
		return
	}
	p.answerTimer = nil
	log.Warn().Str("module", "app.room").Str("room", s.id.String()).Str("peer", p.id.String()).Dur("timeout", c.cfg.AnswerTimeout).Msg("offer never answered")
	c.closePeerLocked(s, p.id)
	c.establishFailedLocked(s, p.id, core.ErrNegotiationTimeout)
}

// answerLocked answers an offer from id on a fresh answerer link, or on the
// one already waiting for it.
func (c *Coordinator) answerLocked(s *session, id domain.UserID, sdp string) {
	p, ok := s.peers[id]
	if !ok {
		var err error
		if p, err = c.openLocked(s, id, link.Answerer); err != nil {
			c.reportFailureLocked(s, id, err)
			return
		}
	}
	answer, err := p.link.AcceptOffer(sdp)
	if err != nil {
		c.closePeerLocked(s, id)
		c.reportFailureLocked(s, id, err)
		return
	}
	c.send(signaling.RoomAnswer(s.id, id, answer))
	c.negotiatedLocked(s, p)
}

func (c *Coordinator) negotiatedLocked(s *session, p *peer) {
	delete(s.failures, p.id)
	if c.monitor == nil {
		return
	}
	c.monitor.Watch(s.qualityKey(p.id), p.id, p.link, func(remote domain.UserID, level domain.QualityLevel) {
		c.onQuality(s, p, level)
	})
}

func (c *Coordinator) closePeerLocked(s *session, id domain.UserID) {
	p, ok := s.peers[id]
	if !ok {
		return
	}
	delete(s.peers, id)
	p.stopAnswerTimer()
	if c.monitor != nil {
		c.monitor.Unwatch(s.qualityKey(id))
	}
	p.link.Close()
	log.Debug().Str("module", "app.room").Str("room", s.id.String()).Str("peer", id.String()).Msg("link closed")
}

func (c *Coordinator) establishFailedLocked(s *session, id domain.UserID, err error) {
	s.failures[id]++
	n := s.failures[id]
	if n > c.cfg.RetryAttempts {
		delete(s.failures, id)
		c.reportFailureLocked(s, id, err)
		return
	}
	log.Warn().Err(err).Str("module", "app.room").Str("room", s.id.String()).Str("peer", id.String()).Int("attempt", n).Msg("link setup failed, retrying")
	c.events.Publish(core.Event{Type: core.EventWarning, RoomID: s.id, PeerID: id, Error: err.Error()})
	if t, ok := s.retries[id]; ok {
		t.Stop()
	}
	s.retries[id] = c.clock.AfterFunc(c.cfg.RetryBackoff, func() { c.onRetry(s, id) })
}

func (c *Coordinator) onRetry(s *session, id domain.UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(s.retries, id)
	if c.room != s || s.localRole != domain.RoleSpeaker || !s.isSpeaker(id) {
		return
	}
	if _, ok := s.peers[id]; ok {
		return
	}
	c.offerLocked(s, id)
}

func (c *Coordinator) cancelRetriesLocked(s *session) {
	for id, t := range s.retries {
		t.Stop()
		delete(s.retries, id)
	}
	for id := range s.failures {
		delete(s.failures, id)
	}
}

// reportFailureLocked surfaces a link failure to one peer. The rest of the
// mesh is untouched.
func (c *Coordinator) reportFailureLocked(s *session, id domain.UserID, err error) {
	wrapped := core.NewError("link", s.id.String()+"/"+id.String(), linkFailure(err))
	log.Warn().Err(err).Str("module", "app.room").Str("room", s.id.String()).Str("peer", id.String()).Msg("peer link failure")
	c.events.Publish(core.Event{Type: core.EventFailure, RoomID: s.id, PeerID: id, Error: wrapped.Error()})
}

func (c *Coordinator) onLocalCandidate(s *session, p *peer, cand webrtc.ICECandidateInit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room != s || s.peers[p.id] != p {
		return
	}
	c.send(signaling.RoomCandidate(s.id, p.id, cand))
}

func (c *Coordinator) onRemoteTrack(s *session, p *peer, t *webrtc.TrackRemote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room != s || s.peers[p.id] != p {
		return
	}
	c.events.Publish(core.Event{Type: core.EventRemoteTrack, RoomID: s.id, PeerID: p.id, Track: domain.TrackAudio})
}

// onLinkState tears down only the failed link. The side that offered tries
// again while attempts remain; the answerer waits for the new offer.
func (c *Coordinator) onLinkState(s *session, p *peer, st webrtc.PeerConnectionState) {
	if st != webrtc.PeerConnectionStateFailed {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room != s || s.peers[p.id] != p {
		return
	}
	c.closePeerLocked(s, p.id)
	if p.role == link.Offerer {
		c.establishFailedLocked(s, p.id, core.ErrPeerLinkFailure)
		return
	}
	c.reportFailureLocked(s, p.id, core.ErrPeerLinkFailure)
}

func (c *Coordinator) onQuality(s *session, p *peer, level domain.QualityLevel) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room != s || s.peers[p.id] != p {
		return
	}
	s.qualityByPeer[p.id] = level
	c.events.Publish(core.Event{Type: core.EventQuality, RoomID: s.id, PeerID: p.id, Quality: level})
}

func linkFailure(err error) error {
	if errors.Is(err, core.ErrPeerLinkFailure) {
		return err
	}
	return fmt.Errorf("%w: %w", core.ErrPeerLinkFailure, err)
}
