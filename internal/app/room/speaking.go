package room

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callmesh/internal/app/vad"
	"github.com/dkeye/callmesh/internal/core"
	"github.com/dkeye/callmesh/internal/domain"
	"github.com/dkeye/callmesh/internal/signaling"
)

func (c *Coordinator) startVADLocked(s *session) {
	track, ok := c.guard.AudioTrack()
	if !ok {
		return
	}
	meter, ok := track.(core.LevelMeter)
	if !ok {
		log.Debug().Str("module", "app.room").Str("room", s.id.String()).Msg("microphone has no level meter, speaking detection off")
		return
	}
	s.vad = vad.New(meter, c.cfg.VAD, c.clock, func(speaking bool) { c.onLocalSpeaking(s, speaking) })
	s.vad.Start()
}

func (c *Coordinator) stopVADLocked(s *session) {
	if s.vad != nil {
		s.vad.Stop()
		s.vad = nil
	}
	if s.speakTimer != nil {
		s.speakTimer.Stop()
		s.speakTimer = nil
	}
	delete(s.speaking, s.self)
	if s.lastSpoken {
		s.lastSpoken = false
		c.send(signaling.Speaking(s.id, false))
	}
}

func (c *Coordinator) onLocalSpeaking(s *session, speaking bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room != s || s.localRole != domain.RoleSpeaker {
		return
	}
	if speaking {
		s.speaking[s.self] = true
	} else {
		delete(s.speaking, s.self)
	}
	on := speaking
	c.events.Publish(core.Event{Type: core.EventSpeaking, RoomID: s.id, PeerID: s.self, Speaking: &on})
	c.sendSpeakingLocked(s)
}

// sendSpeakingLocked sends our current speaking state if it differs from
// what peers last heard. When the limiter refuses, one deferred send is
// scheduled for the end of the window.
func (c *Coordinator) sendSpeakingLocked(s *session) {
	current := s.speaking[s.self]
	if current == s.lastSpoken {
		return
	}
	if !c.limiter.Allow(s.self) {
		if s.speakTimer == nil {
			s.speakTimer = c.clock.AfterFunc(c.limiter.Interval(), func() { c.flushSpeaking(s) })
		}
		return
	}
	s.lastSpoken = current
	c.send(signaling.Speaking(s.id, current))
}

func (c *Coordinator) flushSpeaking(s *session) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s.speakTimer = nil
	if c.room != s || s.localRole != domain.RoleSpeaker {
		return
	}
	c.sendSpeakingLocked(s)
}
