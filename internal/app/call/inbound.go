package call

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callmesh/internal/core"
	"github.com/dkeye/callmesh/internal/domain"
	"github.com/dkeye/callmesh/internal/signaling"
)

// Handle routes one call-scoped message from the relay.
func (c *Coordinator) Handle(m signaling.Message) {
	switch m.Type {
	case signaling.TypeOffer:
		c.HandleOffer(m)
	case signaling.TypeAnswer:
		c.HandleAnswer(m)
	case signaling.TypeCandidate:
		c.HandleCandidate(m)
	case signaling.TypeAccept:
		c.HandleAccept(m)
	case signaling.TypeReject:
		c.HandleReject(m)
	case signaling.TypeEnd:
		c.HandleEnd(m)
	case signaling.TypeError:
		log.Warn().Str("module", "app.call").Str("call", m.SessionID.String()).Str("error", m.Error).Msg("relay error")
		c.events.Publish(core.Event{Type: core.EventWarning, CallID: m.SessionID, Error: m.Error})
	default:
		log.Debug().Str("module", "app.call").Str("type", string(m.Type)).Msg("unhandled message")
	}
}

// matchLocked returns the live session m belongs to, or nil.
func (c *Coordinator) matchLocked(m signaling.Message) *session {
	s := c.current
	if s == nil || s.id != m.SessionID || s.state.Terminal() {
		return nil
	}
	if m.From != "" && m.From != s.remote {
		log.Warn().Str("module", "app.call").Str("call", s.id.String()).Str("from", string(m.From)).Msg("message from a third party dropped")
		return nil
	}
	return s
}

// HandleOffer treats an offer for an unknown call as the incoming-call
// notification. Without a link the offer is buffered for Accept.
func (c *Coordinator) HandleOffer(m signaling.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.matchLocked(m)
	if s == nil {
		if cur := c.current; cur != nil && cur.id == m.SessionID {
			return
		}
		if err := c.notifyIncomingLocked(m.SessionID, m.From, m.Kind); err != nil {
			return
		}
		s = c.current
	}

	switch {
	case s.link == nil:
		s.pendingOffer = m.SDP
		log.Debug().Str("module", "app.call").Str("call", s.id.String()).Msg("offer buffered until accept")
	case s.outgoing:
		log.Warn().Str("module", "app.call").Str("call", s.id.String()).Msg("offer on outgoing call dropped")
	default:
		if err := c.applyOfferLocked(s, m.SDP); err != nil {
			_ = c.failLocked(s, "offer", domain.EndPeerLinkFailure, err)
		}
	}
}

// HandleAnswer completes negotiation on the caller side. An answer without
// a prior accept implies it.
func (c *Coordinator) HandleAnswer(m signaling.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.matchLocked(m)
	if s == nil || !s.outgoing || s.link == nil {
		return
	}
	if s.state == domain.CallOutgoingRinging {
		c.transitionLocked(s, domain.CallConnecting)
	}
	if err := s.link.AcceptAnswer(m.SDP); err != nil {
		_ = c.failLocked(s, "answer", domain.EndPeerLinkFailure, wrapLink(err))
		return
	}
	c.markNegotiatedLocked(s)
}

// HandleCandidate applies or queues a remote candidate. Before a link
// exists the candidate waits on the session.
func (c *Coordinator) HandleCandidate(m signaling.Message) {
	if m.Candidate == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.matchLocked(m)
	if s == nil {
		log.Debug().Str("module", "app.call").Str("call", m.SessionID.String()).Msg("candidate for unknown call dropped")
		return
	}
	if s.link == nil {
		s.pendingCandidates = append(s.pendingCandidates, *m.Candidate)
		return
	}
	if err := s.link.AddCandidate(*m.Candidate); err != nil {
		log.Warn().Err(err).Str("module", "app.call").Str("call", s.id.String()).Msg("remote candidate rejected")
	}
}

func (c *Coordinator) HandleAccept(m signaling.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.matchLocked(m)
	if s == nil || !s.outgoing || s.state != domain.CallOutgoingRinging {
		return
	}
	c.transitionLocked(s, domain.CallConnecting)
}

func (c *Coordinator) HandleReject(m signaling.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.matchLocked(m)
	if s == nil {
		return
	}
	reason := domain.EndRemoteRejected
	if domain.EndReason(m.Reason) == domain.EndBusy {
		reason = domain.EndBusy
	}
	c.endLocked(s, reason, false)
}

func (c *Coordinator) HandleEnd(m signaling.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	s := c.matchLocked(m)
	if s == nil {
		return
	}
	c.endLocked(s, domain.EndRemoteHangup, false)
}
