// Package room runs a many-to-many audio room. Speakers form a full mesh of
// peer links; listeners hold no links and no capture devices.
package room

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/callmesh/internal/app/media"
	"github.com/dkeye/callmesh/internal/app/quality"
	"github.com/dkeye/callmesh/internal/app/vad"
	"github.com/dkeye/callmesh/internal/core"
	"github.com/dkeye/callmesh/internal/domain"
	"github.com/dkeye/callmesh/internal/signaling"
)

type Config struct {
	Local domain.UserID
	// RetryAttempts is how many times establishing a link to one speaker is
	// retried after the first failure.
	RetryAttempts int
	RetryBackoff  time.Duration
	// AnswerTimeout bounds how long an offer waits for its answer.
	AnswerTimeout time.Duration
	VAD           vad.Config
	// SpeakingLimit speaking updates are sent per SpeakingWindow at most.
	SpeakingLimit  int
	SpeakingWindow time.Duration
}

type Deps struct {
	Relay   core.Relay
	Media   *media.Guard
	Factory core.PeerConnectionFactory
	Quality *quality.Monitor
	Events  core.EventSink
	Clock   core.Clock
}

type Coordinator struct {
	mu  sync.Mutex
	cfg Config

	relay   core.Relay
	guard   *media.Guard
	factory core.PeerConnectionFactory
	monitor *quality.Monitor
	events  core.EventSink
	clock   core.Clock
	limiter *RateLimiter

	room *session
	// bg runs promotions triggered by inbound messages, so capture never
	// blocks the relay reader.
	bg conc.WaitGroup
}

func NewCoordinator(cfg Config, d Deps) *Coordinator {
	if cfg.RetryAttempts < 0 {
		cfg.RetryAttempts = 0
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	if cfg.AnswerTimeout <= 0 {
		cfg.AnswerTimeout = 15 * time.Second
	}
	if cfg.SpeakingLimit <= 0 {
		cfg.SpeakingLimit = 4
	}
	if cfg.SpeakingWindow <= 0 {
		cfg.SpeakingWindow = 2 * time.Second
	}
	if d.Events == nil {
		d.Events = core.NopEvents{}
	}
	if d.Clock == nil {
		d.Clock = core.SystemClock{}
	}
	return &Coordinator{
		cfg:     cfg,
		relay:   d.Relay,
		guard:   d.Media,
		factory: d.Factory,
		monitor: d.Quality,
		events:  d.Events,
		clock:   d.Clock,
		limiter: NewRateLimiter(cfg.SpeakingLimit, cfg.SpeakingWindow, d.Clock),
	}
}

// Join enters a room as a listener. The relay answers with room_state.
func (c *Coordinator) Join(id domain.RoomID) error {
	if id == "" {
		return core.NewError("join", "", errors.New("empty room id"))
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room != nil {
		if c.room.id == id {
			return nil
		}
		return core.NewError("join", id.String(), core.ErrSessionConflict)
	}
	s := newSession(id, c.cfg.Local)
	c.room = s
	log.Info().Str("module", "app.room").Str("room", id.String()).Msg("joining room")
	c.send(signaling.Join(id))
	c.publishLocked(s, "joined", "")
	return nil
}

// Leave tears down every link, releases capture and tells the room.
// Leaving when not in a room is a no-op.
func (c *Coordinator) Leave() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.room
	if s == nil {
		return nil
	}
	c.teardownLocked(s)
	c.send(signaling.Leave(s.id))
	c.publishLocked(s, "left", "")
	return nil
}

func (c *Coordinator) RaiseHand() error { return c.setHand(true) }
func (c *Coordinator) LowerHand() error { return c.setHand(false) }

func (c *Coordinator) setHand(raised bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.room
	if s == nil {
		return core.NewError("hand", "", core.ErrNoSession)
	}
	if s.localRole == domain.RoleSpeaker {
		return core.NewError("hand", s.id.String(), core.ErrNotPermitted)
	}
	me := s.me()
	if me.HandRaised == raised {
		return nil
	}
	me.HandRaised = raised
	c.send(signaling.Hand(s.id, raised))
	c.publishLocked(s, "hand", s.self)
	return nil
}

// Promote makes target a speaker. Host only. Promoting ourselves opens
// capture and offers to every other speaker before returning.
func (c *Coordinator) Promote(ctx context.Context, target domain.UserID) error {
	c.mu.Lock()
	s, err := c.hostLocked("promote")
	if err != nil {
		c.mu.Unlock()
		return err
	}
	p, ok := s.participants[target]
	if !ok {
		c.mu.Unlock()
		return core.NewError("promote", s.id.String(), fmt.Errorf("unknown participant %q", target))
	}
	if p.IsSpeaker() {
		c.mu.Unlock()
		return nil
	}
	c.send(signaling.Promote(s.id, target))
	if target != s.self {
		c.applyPromotionLocked(s, target)
		c.mu.Unlock()
		return nil
	}
	s.me().Role = domain.RoleSpeaker
	s.me().HandRaised = false
	c.mu.Unlock()

	return c.becomeSpeaker(ctx, s)
}

// Demote returns target to the audience. Host only.
func (c *Coordinator) Demote(target domain.UserID) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, err := c.hostLocked("demote")
	if err != nil {
		return err
	}
	p, ok := s.participants[target]
	if !ok {
		return core.NewError("demote", s.id.String(), fmt.Errorf("unknown participant %q", target))
	}
	if !p.IsSpeaker() {
		return nil
	}
	c.send(signaling.Demote(s.id, target))
	if target == s.self {
		c.stepDownLocked(s)
	} else {
		c.applyDemotionLocked(s, target)
	}
	return nil
}

func (c *Coordinator) hostLocked(op string) (*session, error) {
	s := c.room
	if s == nil {
		return nil, core.NewError(op, "", core.ErrNoSession)
	}
	if !s.me().Host {
		return nil, core.NewError(op, s.id.String(), core.ErrNotPermitted)
	}
	return s, nil
}

// Snapshot returns the current room, if any.
func (c *Coordinator) Snapshot() (Snapshot, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.room == nil {
		return Snapshot{}, false
	}
	return c.room.snapshot(), true
}

// Wait blocks until background promotions have finished.
func (c *Coordinator) Wait() { c.bg.Wait() }

// Close leaves the room and waits for background work. Used on shutdown.
func (c *Coordinator) Close() {
	_ = c.Leave()
	c.bg.Wait()
}

// becomeSpeaker opens capture with the lock released, then joins the mesh
// if the room still wants us as a speaker.
func (c *Coordinator) becomeSpeaker(ctx context.Context, s *session) error {
	c.mu.Lock()
	if c.room != s || s.closed || s.localRole == domain.RoleSpeaker || s.promoting {
		c.mu.Unlock()
		return nil
	}
	s.promoting = true
	c.publishLocked(s, "promoting", s.self)
	c.mu.Unlock()

	_, err := c.guard.Acquire(ctx, s.owner(), domain.CallAudio)

	c.mu.Lock()
	defer c.mu.Unlock()
	s.promoting = false

	stale := c.room != s || s.closed || !s.me().IsSpeaker()
	if err != nil {
		if stale || errors.Is(err, core.ErrSessionEnded) {
			return nil
		}
		wrapped := core.NewError("promote", s.id.String(), err)
		log.Warn().Err(err).Str("module", "app.room").Str("room", s.id.String()).Msg("cannot become speaker")
		s.me().Role = domain.RoleListener
		c.send(signaling.Demote(s.id, s.self))
		c.events.Publish(core.Event{Type: core.EventFailure, RoomID: s.id, PeerID: s.self, Error: wrapped.Error()})
		c.publishLocked(s, "listener", s.self)
		return wrapped
	}
	if stale {
		c.guard.Release(s.owner())
		return nil
	}

	s.localRole = domain.RoleSpeaker
	log.Info().Str("module", "app.room").Str("room", s.id.String()).Msg("speaking in room")
	c.joinMeshLocked(s)
	c.startVADLocked(s)
	c.publishLocked(s, "speaker", s.self)
	return nil
}

// stepDownLocked leaves the mesh and releases capture; we stay in the room.
func (c *Coordinator) stepDownLocked(s *session) {
	s.me().Role = domain.RoleListener
	wasSpeaker := s.localRole == domain.RoleSpeaker
	s.localRole = domain.RoleListener

	for id := range s.peers {
		c.closePeerLocked(s, id)
	}
	c.cancelRetriesLocked(s)
	c.stopVADLocked(s)
	c.guard.Release(s.owner())
	if wasSpeaker {
		log.Info().Str("module", "app.room").Str("room", s.id.String()).Msg("back to listener")
	}
	c.publishLocked(s, "listener", s.self)
}

// teardownLocked releases everything the room holds. The room is gone after.
func (c *Coordinator) teardownLocked(s *session) {
	if s.closed {
		return
	}
	s.closed = true
	for id := range s.peers {
		c.closePeerLocked(s, id)
	}
	c.cancelRetriesLocked(s)
	c.stopVADLocked(s)
	c.guard.Release(s.owner())
	c.limiter.Forget(s.self)
	s.pendingOffers = make(map[domain.UserID]string)
	s.pendingCandidates = make(map[domain.UserID][]webrtc.ICECandidateInit)
	s.localRole = domain.RoleListener
	if c.room == s {
		c.room = nil
	}
	log.Info().Str("module", "app.room").Str("room", s.id.String()).Msg("room torn down")
}

func (c *Coordinator) publishLocked(s *session, state string, peerID domain.UserID) {
	c.events.Publish(core.Event{Type: core.EventRoomState, RoomID: s.id, PeerID: peerID, State: state})
}

// send never blocks; a relay failure is reported and the message is gone.
func (c *Coordinator) send(m signaling.Message) {
	if err := c.relay.Send(m); err != nil {
		log.Warn().Err(err).Str("module", "app.room").Str("type", string(m.Type)).Str("room", m.RoomID.String()).Msg("relay send failed")
		c.events.Publish(core.Event{Type: core.EventWarning, RoomID: m.RoomID, PeerID: m.To, Error: err.Error()})
	}
}
