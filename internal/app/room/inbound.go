package room

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/callmesh/internal/app/link"
	"github.com/dkeye/callmesh/internal/core"
	"github.com/dkeye/callmesh/internal/domain"
	"github.com/dkeye/callmesh/internal/signaling"
)

// Handle routes one room-scoped message from the relay.
func (c *Coordinator) Handle(m signaling.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.room
	if s == nil || s.closed || s.id != m.RoomID {
		log.Debug().Str("module", "app.room").Str("type", string(m.Type)).Str("room", m.RoomID.String()).Msg("message for another room dropped")
		return
	}

	switch m.Type {
	case signaling.TypeRoomState:
		c.handleRoomStateLocked(s, m)
	case signaling.TypeParticipantJoined:
		c.handleJoinedLocked(s, m)
	case signaling.TypeParticipantLeft:
		c.handleLeftLocked(s, m.From)
	case signaling.TypeRoomEnded:
		c.teardownLocked(s)
		c.publishLocked(s, "ended", "")
	case signaling.TypePromote:
		c.handlePromoteLocked(s, m.TargetUserID)
	case signaling.TypeDemote:
		if m.TargetUserID == s.self {
			if s.me().IsSpeaker() || s.promoting {
				c.stepDownLocked(s)
			}
			return
		}
		c.applyDemotionLocked(s, m.TargetUserID)
	case signaling.TypeHandRaise, signaling.TypeHandLower:
		c.handleHandLocked(s, m.From, m.Type == signaling.TypeHandRaise)
	case signaling.TypeSpeaking:
		c.handleSpeakingLocked(s, m)
	case signaling.TypeOffer:
		c.handleOfferLocked(s, m.From, m.SDP)
	case signaling.TypeAnswer:
		c.handleAnswerLocked(s, m.From, m.SDP)
	case signaling.TypeCandidate:
		c.handleCandidateLocked(s, m)
	case signaling.TypeError:
		log.Warn().Str("module", "app.room").Str("room", s.id.String()).Str("error", m.Error).Msg("relay error")
		c.events.Publish(core.Event{Type: core.EventWarning, RoomID: s.id, Error: m.Error})
	default:
		log.Debug().Str("module", "app.room").Str("type", string(m.Type)).Msg("unhandled message")
	}
}

// handleRoomStateLocked adopts the relay's participant list. Our own role
// stays ours. Links to anyone no longer speaking are closed and, while we
// speak, every speaker we have no link to gets one.
func (c *Coordinator) handleRoomStateLocked(s *session, m signaling.Message) {
	me := *s.me()
	next := make(map[domain.UserID]*domain.Participant, len(m.Participants))
	for _, p := range m.Participants {
		p := p
		if p.ID == s.self {
			me.Host = p.Host
			continue
		}
		next[p.ID] = &p
	}
	next[s.self] = &me
	s.participants = next

	for id := range s.peers {
		if !s.isSpeaker(id) {
			c.forgetPeerLocked(s, id)
		}
	}
	for id := range s.speaking {
		if id != s.self && !s.isSpeaker(id) {
			delete(s.speaking, id)
		}
	}
	if s.localRole == domain.RoleSpeaker {
		c.reconcileMeshLocked(s)
	}
	c.publishLocked(s, "synced", "")
}

func (c *Coordinator) handleJoinedLocked(s *session, m signaling.Message) {
	id := m.From
	p := domain.NewParticipant(id)
	for _, in := range m.Participants {
		if in.ID == id {
			in := in
			p = &in
		}
	}
	if id == "" || id == s.self {
		return
	}
	s.participants[id] = p
	c.publishLocked(s, "participant_joined", id)
}

func (c *Coordinator) handleLeftLocked(s *session, id domain.UserID) {
	if id == "" || id == s.self {
		return
	}
	c.forgetPeerLocked(s, id)
	delete(s.participants, id)
	delete(s.speaking, id)
	c.publishLocked(s, "participant_left", id)
}

func (c *Coordinator) handlePromoteLocked(s *session, target domain.UserID) {
	if target != s.self {
		c.applyPromotionLocked(s, target)
		return
	}
	if s.localRole == domain.RoleSpeaker || s.promoting {
		return
	}
	me := s.me()
	me.Role = domain.RoleSpeaker
	me.HandRaised = false
	c.bg.Go(func() {
		_ = c.becomeSpeaker(context.Background(), s)
	})
}

func (c *Coordinator) handleHandLocked(s *session, id domain.UserID, raised bool) {
	p, ok := s.participants[id]
	if !ok || p.IsSpeaker() {
		return
	}
	p.HandRaised = raised
	c.publishLocked(s, "hand", id)
}

func (c *Coordinator) handleSpeakingLocked(s *session, m signaling.Message) {
	if m.IsSpeaking == nil || !s.isSpeaker(m.From) {
		return
	}
	on := *m.IsSpeaking
	if s.speaking[m.From] == on {
		return
	}
	if on {
		s.speaking[m.From] = true
	} else {
		delete(s.speaking, m.From)
	}
	c.events.Publish(core.Event{Type: core.EventSpeaking, RoomID: s.id, PeerID: m.From, Speaking: &on})
}

// handleOfferLocked applies the glare rule: when both sides offered, the
// lower id keeps its offer. Offers we cannot act on yet are held per peer.
func (c *Coordinator) handleOfferLocked(s *session, from domain.UserID, sdp string) {
	if from == "" || sdp == "" {
		return
	}
	if s.localRole != domain.RoleSpeaker || !s.isSpeaker(from) {
		s.pendingOffers[from] = sdp
		return
	}
	p, ok := s.peers[from]
	switch {
	case !ok:
	case p.role == link.Offerer:
		if s.self.Less(from) {
			log.Debug().Str("module", "app.room").Str("room", s.id.String()).Str("peer", from.String()).Msg("glare, keeping our offer")
			return
		}
		c.closePeerLocked(s, from)
	case p.link.RemoteDescriptionSet():
		// renegotiation after the other side retried
		c.closePeerLocked(s, from)
	}
	c.answerLocked(s, from, sdp)
}

func (c *Coordinator) handleAnswerLocked(s *session, from domain.UserID, sdp string) {
	p, ok := s.peers[from]
	if !ok || p.role != link.Offerer {
		log.Debug().Str("module", "app.room").Str("room", s.id.String()).Str("peer", from.String()).Msg("answer without an offer dropped")
		return
	}
	if p.link.RemoteDescriptionSet() {
		return
	}
	p.stopAnswerTimer()
	if err := p.link.AcceptAnswer(sdp); err != nil {
		c.closePeerLocked(s, from)
		c.establishFailedLocked(s, from, err)
		return
	}
	c.negotiatedLocked(s, p)
}

// handleCandidateLocked hands the candidate to the link, which queues it
// until its remote description is set. Without a link it waits here.
func (c *Coordinator) handleCandidateLocked(s *session, m signaling.Message) {
	if m.Candidate == nil || m.From == "" {
		return
	}
	if p, ok := s.peers[m.From]; ok {
		if err := p.link.AddCandidate(*m.Candidate); err != nil {
			log.Debug().Err(err).Str("module", "app.room").Str("room", s.id.String()).Str("peer", m.From.String()).Msg("candidate rejected")
		}
		return
	}
	s.pendingCandidates[m.From] = append(s.pendingCandidates[m.From], *m.Candidate)
}
