package call

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/dkeye/callmesh/internal/app/media"
	"github.com/dkeye/callmesh/internal/app/quality"
	"github.com/dkeye/callmesh/internal/app/room"
	"github.com/dkeye/callmesh/internal/core"
	"github.com/dkeye/callmesh/internal/core/coretest"
	"github.com/dkeye/callmesh/internal/core/mocks"
	"github.com/dkeye/callmesh/internal/domain"
	"github.com/dkeye/callmesh/internal/signaling"
)

const testTimeout = 10 * time.Second

type party struct {
	id      domain.UserID
	coord   *Coordinator
	factory *coretest.Factory
	source  *coretest.Source
	monitor *quality.Monitor
	events  *coretest.Events
}

func newParty(bus *coretest.Bus, clock *coretest.Clock, id domain.UserID, src core.MediaSource) *party {
	p := &party{
		id:      id,
		factory: &coretest.Factory{Label: string(id)},
		monitor: quality.New(time.Second),
		events:  &coretest.Events{},
	}
	if src == nil {
		p.source = &coretest.Source{}
		src = p.source
	}
	p.coord = NewCoordinator(Config{Local: id, Timeout: testTimeout}, Deps{
		Relay:   bus.Relay(id),
		Media:   media.NewGuard(src),
		Factory: p.factory,
		Quality: p.monitor,
		Events:  p.events,
		Clock:   clock,
	})
	bus.Attach(id, p.coord.Handle)
	return p
}

func (p *party) state(t *testing.T) domain.CallState {
	t.Helper()
	snap, ok := p.coord.Snapshot()
	require.True(t, ok)
	return snap.State
}

func (p *party) assertReleased(t *testing.T) {
	t.Helper()
	if p.source != nil {
		assert.Zero(t, p.source.Live(), "%s still holds tracks", p.id)
	}
	assert.Zero(t, p.factory.Open(), "%s still holds peer connections", p.id)
}

func (p *party) assertNoEarlyCandidates(t *testing.T) {
	t.Helper()
	for _, pc := range p.factory.Created() {
		assert.Zero(t, pc.Violations(), "%s applied a candidate before the remote description", pc.Label)
	}
}

func cand(s string) webrtc.ICECandidateInit { return webrtc.ICECandidateInit{Candidate: s} }

func setup() (*coretest.Bus, *coretest.Clock, *party, *party) {
	bus := coretest.NewBus()
	clock := coretest.NewClock()
	return bus, clock, newParty(bus, clock, "alice", nil), newParty(bus, clock, "bob", nil)
}

// connect runs a full video call from alice to bob.
func connect(t *testing.T, bus *coretest.Bus, alice, bob *party) domain.CallID {
	t.Helper()
	id, err := alice.coord.StartCall(context.Background(), bob.id, domain.CallVideo)
	require.NoError(t, err)
	bus.Flush()
	require.NoError(t, bob.coord.Accept(context.Background(), id))
	bus.Flush()
	require.Equal(t, domain.CallActive, alice.state(t))
	require.Equal(t, domain.CallActive, bob.state(t))
	return id
}

func TestOfferArrivesBeforeAccept(t *testing.T) {
	bus, _, alice, bob := setup()

	id, err := alice.coord.StartCall(context.Background(), bob.id, domain.CallVideo)
	require.NoError(t, err)
	assert.Equal(t, domain.CallOutgoingRinging, alice.state(t))
	assert.Equal(t, 2, alice.source.Live())

	bus.Flush()
	assert.Equal(t, domain.CallIncomingRinging, bob.state(t))
	assert.Zero(t, bob.source.Calls(), "ringing must not open devices")

	callerPC := alice.factory.Last()
	callerPC.EmitCandidate(cand("a1"))
	callerPC.EmitCandidate(cand("a2"))
	bus.Flush()

	require.NoError(t, bob.coord.Accept(context.Background(), id))
	assert.Equal(t, domain.CallActive, bob.state(t))

	calleePC := bob.factory.Last()
	require.NotNil(t, calleePC.Remote())
	assert.Equal(t, callerPC.Local().SDP, calleePC.Remote().SDP)
	applied := calleePC.Applied()
	require.Len(t, applied, 2)
	assert.Equal(t, "a1", applied[0].Candidate)
	assert.Equal(t, "a2", applied[1].Candidate)

	bus.Flush()
	assert.Equal(t, domain.CallActive, alice.state(t))
	assert.Equal(t, calleePC.Local().SDP, callerPC.Remote().SDP)

	calleePC.EmitCandidate(cand("b1"))
	bus.Flush()
	require.Len(t, callerPC.Applied(), 1)

	assert.Equal(t, []string{"outgoing_ringing", "connecting", "active"}, alice.events.States(core.EventCallState))
	assert.Equal(t, []string{"incoming_ringing", "connecting", "active"}, bob.events.States(core.EventCallState))
	alice.assertNoEarlyCandidates(t)
	bob.assertNoEarlyCandidates(t)

	snap, _ := alice.coord.Snapshot()
	assert.False(t, snap.StartedAt.IsZero())
	assert.Equal(t, domain.UserID("bob"), snap.Remote)
}

func TestAcceptBeforeOffer(t *testing.T) {
	bus, _, alice, bob := setup()

	require.NoError(t, bob.coord.NotifyIncoming("c1", alice.id, domain.CallAudio))
	require.NoError(t, bob.coord.Accept(context.Background(), "c1"))
	assert.Equal(t, domain.CallConnecting, bob.state(t))

	bus.Inject(bob.id, signaling.Message{Type: signaling.TypeCandidate, From: alice.id, SessionID: "c1", Candidate: &webrtc.ICECandidateInit{Candidate: "early"}})
	bus.Inject(bob.id, signaling.Message{Type: signaling.TypeOffer, From: alice.id, SessionID: "c1", Kind: domain.CallAudio, SDP: "offer:x"})
	bus.Flush()

	assert.Equal(t, domain.CallActive, bob.state(t))
	pc := bob.factory.Last()
	require.Len(t, pc.Applied(), 1)
	bob.assertNoEarlyCandidates(t)
	require.Len(t, bus.SentOf(signaling.TypeAnswer, bob.id), 1)
}

func TestCallerQueuesCandidatesBeforeAnswer(t *testing.T) {
	bus, _, alice, bob := setup()
	bus.Attach(bob.id, nil)

	id, err := alice.coord.StartCall(context.Background(), bob.id, domain.CallAudio)
	require.NoError(t, err)
	bus.Flush()

	for _, c := range []string{"b1", "b2"} {
		bus.Inject(alice.id, signaling.Message{Type: signaling.TypeCandidate, From: bob.id, SessionID: id, Candidate: &webrtc.ICECandidateInit{Candidate: c}})
	}
	bus.Inject(alice.id, signaling.Message{Type: signaling.TypeAnswer, From: bob.id, SessionID: id, SDP: "answer:bob"})
	bus.Inject(alice.id, signaling.Message{Type: signaling.TypeCandidate, From: bob.id, SessionID: id, Candidate: &webrtc.ICECandidateInit{Candidate: "b3"}})
	bus.Flush()

	assert.Equal(t, domain.CallActive, alice.state(t), "an answer without accept implies it")
	applied := alice.factory.Last().Applied()
	require.Len(t, applied, 3)
	for i, want := range []string{"b1", "b2", "b3"} {
		assert.Equal(t, want, applied[i].Candidate)
	}
	alice.assertNoEarlyCandidates(t)
}

func TestSecondCallConflicts(t *testing.T) {
	bus, _, alice, bob := setup()
	id := connect(t, bus, alice, bob)
	before, _ := alice.coord.Snapshot()

	_, err := alice.coord.StartCall(context.Background(), "carol", domain.CallAudio)
	require.ErrorIs(t, err, core.ErrSessionConflict)

	after, _ := alice.coord.Snapshot()
	assert.Equal(t, before, after)
	assert.Equal(t, id, after.ID)
	assert.Equal(t, 2, alice.source.Live())
	assert.Equal(t, 1, alice.factory.Open())
}

func TestIncomingWhileBusy(t *testing.T) {
	bus, clock, alice, bob := setup()
	carol := newParty(bus, clock, "carol", nil)

	_, err := alice.coord.StartCall(context.Background(), bob.id, domain.CallAudio)
	require.NoError(t, err)
	bus.Flush()

	_, err = carol.coord.StartCall(context.Background(), bob.id, domain.CallAudio)
	require.NoError(t, err)
	bus.Flush()

	assert.Equal(t, domain.CallIncomingRinging, bob.state(t))
	snap, _ := bob.coord.Snapshot()
	assert.Equal(t, alice.id, snap.Remote)

	csnap, _ := carol.coord.Snapshot()
	assert.Equal(t, domain.CallEnded, csnap.State)
	assert.Equal(t, domain.EndBusy, csnap.EndReason)
	carol.assertReleased(t)
}

func TestMediaDeniedOnAccept(t *testing.T) {
	ctrl := gomock.NewController(t)
	denied := mocks.NewMockMediaSource(ctrl)
	denied.EXPECT().Open(gomock.Any(), domain.CallAudio).Return(nil, errors.New("permission denied"))

	bus := coretest.NewBus()
	clock := coretest.NewClock()
	alice := newParty(bus, clock, "alice", nil)
	bob := newParty(bus, clock, "bob", denied)

	id, err := alice.coord.StartCall(context.Background(), bob.id, domain.CallAudio)
	require.NoError(t, err)
	bus.Flush()

	err = bob.coord.Accept(context.Background(), id)
	require.ErrorIs(t, err, core.ErrMediaUnavailable)

	snap, _ := bob.coord.Snapshot()
	assert.Equal(t, domain.CallEnded, snap.State)
	assert.Equal(t, domain.EndMediaUnavailable, snap.EndReason)
	assert.Empty(t, bob.factory.Created())
	require.Len(t, bob.events.Of(core.EventFailure), 1)
	assert.Equal(t, domain.EndMediaUnavailable, bob.events.Of(core.EventFailure)[0].Reason)

	bus.Flush()
	asnap, _ := alice.coord.Snapshot()
	assert.Equal(t, domain.CallEnded, asnap.State)
	alice.assertReleased(t)
}

func TestMediaDeniedOnStart(t *testing.T) {
	bus := coretest.NewBus()
	clock := coretest.NewClock()
	src := &coretest.Source{Err: errors.New("device busy")}
	alice := newParty(bus, clock, "alice", src)
	alice.source = src

	_, err := alice.coord.StartCall(context.Background(), "bob", domain.CallVideo)
	require.ErrorIs(t, err, core.ErrMediaUnavailable)
	assert.Equal(t, domain.CallEnded, alice.state(t))
	assert.Empty(t, bus.Sent(), "nothing reaches the relay for a call that never rang")
	alice.assertReleased(t)
	assert.Len(t, alice.events.Of(core.EventFailure), 1)
}

func TestToggleIsLocalOnly(t *testing.T) {
	ctrl := gomock.NewController(t)
	relay := mocks.NewMockRelay(ctrl)
	relay.EXPECT().Send(gomock.Any()).DoAndReturn(func(m signaling.Message) error {
		assert.Equal(t, signaling.TypeOffer, m.Type)
		return nil
	}).Times(1)

	src := &coretest.Source{}
	c := NewCoordinator(Config{Local: "alice"}, Deps{
		Relay:   relay,
		Media:   media.NewGuard(src),
		Factory: &coretest.Factory{},
		Clock:   coretest.NewClock(),
	})
	_, err := c.StartCall(context.Background(), "bob", domain.CallVideo)
	require.NoError(t, err)

	var mic, cam *coretest.Track
	for _, tr := range src.Opened() {
		if tr.Kind() == domain.TrackAudio {
			mic = tr
		} else {
			cam = tr
		}
	}

	muted, err := c.ToggleMute()
	require.NoError(t, err)
	assert.True(t, muted)
	assert.False(t, mic.Enabled())

	muted, err = c.ToggleMute()
	require.NoError(t, err)
	assert.False(t, muted)
	assert.True(t, mic.Enabled())

	off, err := c.ToggleVideo()
	require.NoError(t, err)
	assert.True(t, off)
	assert.False(t, cam.Enabled())
	_, _ = c.ToggleVideo()
	assert.True(t, cam.Enabled())
}

func TestToggleLeavesRoomCaptureAlone(t *testing.T) {
	bus := coretest.NewBus()
	clock := coretest.NewClock()
	src := &coretest.Source{}
	guard := media.NewGuard(src)

	rooms := room.NewCoordinator(room.Config{Local: "alice"}, room.Deps{
		Relay:   bus.Relay("alice"),
		Media:   guard,
		Factory: &coretest.Factory{Label: "alice-room"},
		Clock:   clock,
	})
	t.Cleanup(rooms.Close)
	bus.Attach("alice", rooms.Handle)
	require.NoError(t, rooms.Join("standup"))
	bus.Flush()
	require.NoError(t, rooms.Promote(context.Background(), "alice"))
	require.Equal(t, "room:standup", guard.Owner())
	require.Len(t, src.Opened(), 1)
	mic := src.Opened()[0]

	calls := NewCoordinator(Config{Local: "alice", Timeout: testTimeout}, Deps{
		Relay:   bus.Relay("alice"),
		Media:   guard,
		Factory: &coretest.Factory{Label: "alice-call"},
		Clock:   clock,
	})
	require.NoError(t, calls.NotifyIncoming("c1", "bob", domain.CallAudio))

	muted, err := calls.ToggleMute()
	require.NoError(t, err)
	assert.True(t, muted)
	assert.True(t, mic.Enabled(), "the room speaker's microphone belongs to the room")
	assert.Equal(t, "room:standup", guard.Owner())

	err = calls.Accept(context.Background(), "c1")
	require.ErrorIs(t, err, core.ErrSessionConflict)
	assert.True(t, mic.Enabled())
	assert.False(t, mic.Stopped())
}

func TestToggleVideoOnAudioCall(t *testing.T) {
	_, _, alice, bob := setup()
	_, err := alice.coord.StartCall(context.Background(), bob.id, domain.CallAudio)
	require.NoError(t, err)
	_, err = alice.coord.ToggleVideo()
	assert.ErrorIs(t, err, core.ErrNotPermitted)

	_, err = bob.coord.ToggleMute()
	assert.ErrorIs(t, err, core.ErrNoSession)
}

func TestEndIsIdempotentFromEveryState(t *testing.T) {
	cases := map[string]func(t *testing.T, bus *coretest.Bus, alice, bob *party) *party{
		"outgoing_ringing": func(t *testing.T, bus *coretest.Bus, alice, bob *party) *party {
			_, err := alice.coord.StartCall(context.Background(), bob.id, domain.CallVideo)
			require.NoError(t, err)
			return alice
		},
		"incoming_ringing": func(t *testing.T, bus *coretest.Bus, alice, bob *party) *party {
			_, err := alice.coord.StartCall(context.Background(), bob.id, domain.CallVideo)
			require.NoError(t, err)
			bus.Flush()
			return bob
		},
		"connecting": func(t *testing.T, bus *coretest.Bus, alice, bob *party) *party {
			require.NoError(t, bob.coord.NotifyIncoming("c1", alice.id, domain.CallVideo))
			require.NoError(t, bob.coord.Accept(context.Background(), "c1"))
			return bob
		},
		"active": func(t *testing.T, bus *coretest.Bus, alice, bob *party) *party {
			connect(t, bus, alice, bob)
			return alice
		},
	}

	for name, arrange := range cases {
		t.Run(name, func(t *testing.T) {
			bus, _, alice, bob := setup()
			p := arrange(t, bus, alice, bob)
			require.Equal(t, name, p.state(t).String())

			require.NoError(t, p.coord.End(domain.EndHangup))
			require.NoError(t, p.coord.End(domain.EndHangup))

			assert.Equal(t, domain.CallEnded, p.state(t))
			p.assertReleased(t)
			ended := 0
			for _, s := range p.events.States(core.EventCallState) {
				if s == "ended" {
					ended++
				}
			}
			assert.Equal(t, 1, ended)

			bus.Flush()
			alice.assertReleased(t)
			bob.assertReleased(t)
		})
	}
}

func TestRejectReleasesNothing(t *testing.T) {
	bus, _, alice, bob := setup()
	id, err := alice.coord.StartCall(context.Background(), bob.id, domain.CallAudio)
	require.NoError(t, err)
	bus.Flush()

	require.NoError(t, bob.coord.Reject(id))
	assert.ErrorIs(t, bob.coord.Reject(id), core.ErrSessionEnded)
	assert.Zero(t, bob.source.Calls())
	assert.Empty(t, bob.factory.Created())

	bus.Flush()
	snap, _ := alice.coord.Snapshot()
	assert.Equal(t, domain.CallEnded, snap.State)
	assert.Equal(t, domain.EndRemoteRejected, snap.EndReason)
	alice.assertReleased(t)
}

func TestNegotiationTimeout(t *testing.T) {
	bus, clock, alice, bob := setup()
	bus.Attach(bob.id, nil)

	_, err := alice.coord.StartCall(context.Background(), bob.id, domain.CallAudio)
	require.NoError(t, err)

	clock.Advance(testTimeout - time.Second)
	assert.Equal(t, domain.CallOutgoingRinging, alice.state(t))

	clock.Advance(time.Second)
	snap, _ := alice.coord.Snapshot()
	assert.Equal(t, domain.CallEnded, snap.State)
	assert.Equal(t, domain.EndNegotiationTimeout, snap.EndReason)
	assert.Zero(t, snap.Duration)
	alice.assertReleased(t)

	failures := alice.events.Of(core.EventFailure)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Error, core.ErrNegotiationTimeout.Error())
	assert.Len(t, bus.SentOf(signaling.TypeEnd, alice.id), 1)

	require.NoError(t, alice.coord.End(domain.EndHangup))
	assert.Len(t, bus.SentOf(signaling.TypeEnd, alice.id), 1)
}

func TestTimerStopsOnceActive(t *testing.T) {
	bus, clock, alice, bob := setup()
	connect(t, bus, alice, bob)

	clock.Advance(time.Minute)
	assert.Equal(t, domain.CallActive, alice.state(t))
	assert.Equal(t, domain.CallActive, bob.state(t))
	assert.Zero(t, clock.Pending())

	require.NoError(t, alice.coord.End(domain.EndHangup))
	snap, _ := alice.coord.Snapshot()
	assert.Equal(t, time.Minute, snap.Duration)

	bus.Flush()
	bsnap, _ := bob.coord.Snapshot()
	assert.Equal(t, domain.EndRemoteHangup, bsnap.EndReason)
	bob.assertReleased(t)
}

func TestHangupWhileAcquiring(t *testing.T) {
	bus := coretest.NewBus()
	clock := coretest.NewClock()
	alice := newParty(bus, clock, "alice", nil)
	gated := &coretest.Source{Gate: make(chan struct{}), Entered: make(chan struct{}, 1)}
	bob := newParty(bus, clock, "bob", gated)
	bob.source = gated

	id, err := alice.coord.StartCall(context.Background(), bob.id, domain.CallAudio)
	require.NoError(t, err)
	bus.Flush()

	done := make(chan error, 1)
	go func() { done <- bob.coord.Accept(context.Background(), id) }()
	<-gated.Entered

	require.NoError(t, bob.coord.End(domain.EndHangup))
	close(gated.Gate)

	require.ErrorIs(t, <-done, core.ErrSessionEnded)
	assert.Equal(t, domain.CallEnded, bob.state(t))
	assert.Empty(t, bob.factory.Created())
	bob.assertReleased(t)

	bus.Flush()
	assert.Equal(t, domain.CallEnded, alice.state(t))
	alice.assertReleased(t)
}

func TestPeerLinkFailureEndsCall(t *testing.T) {
	bus, _, alice, bob := setup()
	connect(t, bus, alice, bob)

	alice.factory.Last().EmitState(webrtc.PeerConnectionStateFailed)
	snap, _ := alice.coord.Snapshot()
	assert.Equal(t, domain.EndPeerLinkFailure, snap.EndReason)
	alice.assertReleased(t)
	assert.Len(t, alice.events.Of(core.EventFailure), 1)

	bus.Flush()
	assert.Equal(t, domain.CallEnded, bob.state(t))
	bob.assertReleased(t)
}

func TestQualityIsReported(t *testing.T) {
	bus, _, alice, bob := setup()
	connect(t, bus, alice, bob)
	require.Equal(t, 1, alice.monitor.Watching())

	alice.factory.Last().SetStats(core.TransportStats{PacketsReceived: 95, PacketsLost: 5})
	alice.monitor.SampleNow()

	snap, _ := alice.coord.Snapshot()
	assert.Equal(t, domain.QualityFair, snap.Quality)
	q := alice.events.Of(core.EventQuality)
	require.Len(t, q, 1)
	assert.Equal(t, bob.id, q[0].PeerID)

	require.NoError(t, alice.coord.End(domain.EndHangup))
	assert.Zero(t, alice.monitor.Watching())
}

func TestRelayDownIsAWarning(t *testing.T) {
	bus, _, alice, bob := setup()
	bus.SetDown(alice.id, true)

	_, err := alice.coord.StartCall(context.Background(), bob.id, domain.CallAudio)
	require.NoError(t, err)
	assert.Equal(t, domain.CallOutgoingRinging, alice.state(t))
	assert.Len(t, alice.events.Of(core.EventWarning), 1)

	bus.SetDown(alice.id, false)
	bus.Flush()
	_, ok := bob.coord.Snapshot()
	assert.False(t, ok, "dropped offers are never replayed")
}

// permutations returns every ordering of steps.
func permutations(steps []string) [][]string {
	if len(steps) <= 1 {
		return [][]string{append([]string(nil), steps...)}
	}
	var out [][]string
	for i := range steps {
		rest := append(append([]string(nil), steps[:i]...), steps[i+1:]...)
		for _, p := range permutations(rest) {
			out = append(out, append([]string{steps[i]}, p...))
		}
	}
	return out
}

func appliedNames(pc *coretest.PeerConnection) []string {
	var out []string
	for _, c := range pc.Applied() {
		out = append(out, c.Candidate)
	}
	return out
}

func TestCalleeAnyArrivalOrder(t *testing.T) {
	for _, order := range permutations([]string{"offer", "a1", "a2", "accept"}) {
		t.Run(strings.Join(order, ","), func(t *testing.T) {
			bus := coretest.NewBus()
			bob := newParty(bus, coretest.NewClock(), "bob", nil)
			require.NoError(t, bob.coord.NotifyIncoming("c1", "alice", domain.CallAudio))

			var want []string
			for _, step := range order {
				switch step {
				case "offer":
					bob.coord.Handle(signaling.Message{Type: signaling.TypeOffer, From: "alice", SessionID: "c1", Kind: domain.CallAudio, SDP: "offer:alice#1:1"})
				case "accept":
					require.NoError(t, bob.coord.Accept(context.Background(), "c1"))
				default:
					bob.coord.Handle(signaling.Message{Type: signaling.TypeCandidate, From: "alice", SessionID: "c1", Candidate: &webrtc.ICECandidateInit{Candidate: step}})
					want = append(want, step)
				}
			}

			assert.Equal(t, domain.CallActive, bob.state(t))
			pc := bob.factory.Last()
			require.NotNil(t, pc)
			assert.Zero(t, pc.Violations())
			assert.Equal(t, want, appliedNames(pc))
			require.Len(t, bus.SentOf(signaling.TypeAnswer, "bob"), 1)
		})
	}
}

func TestCallerAnyArrivalOrder(t *testing.T) {
	for _, order := range permutations([]string{"answer", "b1", "b2"}) {
		t.Run(strings.Join(order, ","), func(t *testing.T) {
			bus := coretest.NewBus()
			alice := newParty(bus, coretest.NewClock(), "alice", nil)
			id, err := alice.coord.StartCall(context.Background(), "bob", domain.CallAudio)
			require.NoError(t, err)

			var want []string
			for _, step := range order {
				if step == "answer" {
					alice.coord.Handle(signaling.Message{Type: signaling.TypeAnswer, From: "bob", SessionID: id, SDP: "answer:bob#1"})
					continue
				}
				alice.coord.Handle(signaling.Message{Type: signaling.TypeCandidate, From: "bob", SessionID: id, Candidate: &webrtc.ICECandidateInit{Candidate: step}})
				want = append(want, step)
			}

			assert.Equal(t, domain.CallActive, alice.state(t))
			pc := alice.factory.Last()
			assert.Zero(t, pc.Violations())
			assert.Equal(t, want, appliedNames(pc))
		})
	}
}
