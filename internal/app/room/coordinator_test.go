package room

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/callmesh/internal/app/media"
	"github.com/dkeye/callmesh/internal/app/quality"
	"github.com/dkeye/callmesh/internal/core"
	"github.com/dkeye/callmesh/internal/core/coretest"
	"github.com/dkeye/callmesh/internal/domain"
	"github.com/dkeye/callmesh/internal/signaling"
)

const roomID domain.RoomID = "standup"

type member struct {
	id      domain.UserID
	coord   *Coordinator
	factory *coretest.Factory
	source  *coretest.Source
	monitor *quality.Monitor
	events  *coretest.Events
}

func (m *member) snap(t *testing.T) Snapshot {
	t.Helper()
	s, ok := m.coord.Snapshot()
	require.True(t, ok, "%s is not in a room", m.id)
	return s
}

func (m *member) links(t *testing.T) []domain.UserID {
	t.Helper()
	return m.snap(t).Links
}

func (m *member) participant(t *testing.T, id domain.UserID) domain.Participant {
	t.Helper()
	for _, p := range m.snap(t).Participants {
		if p.ID == id {
			return p
		}
	}
	t.Fatalf("%s does not know %s", m.id, id)
	return domain.Participant{}
}

// linkTo finds our open connection whose remote description came from id.
func (m *member) linkTo(id domain.UserID) *coretest.PeerConnection {
	for _, pc := range m.factory.Created() {
		if pc.Closed() || pc.Remote() == nil {
			continue
		}
		if strings.Contains(pc.Remote().SDP, ":"+string(id)+"#") {
			return pc
		}
	}
	return nil
}

type fixture struct {
	t       *testing.T
	bus     *coretest.Bus
	clock   *coretest.Clock
	members map[domain.UserID]*member
	order   []*member
}

func newFixture(t *testing.T, ids ...domain.UserID) *fixture {
	f := &fixture{
		t:       t,
		bus:     coretest.NewBus(),
		clock:   coretest.NewClock(),
		members: make(map[domain.UserID]*member),
	}
	for _, id := range ids {
		m := &member{
			id:      id,
			factory: &coretest.Factory{Label: string(id)},
			source:  &coretest.Source{},
			monitor: quality.New(time.Second),
			events:  &coretest.Events{},
		}
		m.coord = NewCoordinator(Config{Local: id, RetryAttempts: 1, RetryBackoff: 2 * time.Second}, Deps{
			Relay:   f.bus.Relay(id),
			Media:   media.NewGuard(m.source),
			Factory: m.factory,
			Quality: m.monitor,
			Events:  m.events,
			Clock:   f.clock,
		})
		f.bus.Attach(id, m.coord.Handle)
		f.members[id] = m
		f.order = append(f.order, m)
	}
	t.Cleanup(func() {
		for _, m := range f.order {
			m.coord.Close()
		}
	})
	return f
}

func (f *fixture) m(id domain.UserID) *member { return f.members[id] }

// settle delivers messages until every client is idle.
func (f *fixture) settle() {
	f.t.Helper()
	for i := 0; i < 100; i++ {
		f.bus.Flush()
		for _, m := range f.order {
			m.coord.Wait()
		}
		if f.bus.Pending() == 0 {
			return
		}
	}
	f.t.Fatal("relay never went quiet")
}

// joinAll joins everyone in order; the first member becomes host.
func (f *fixture) joinAll() {
	f.t.Helper()
	for _, m := range f.order {
		require.NoError(f.t, m.coord.Join(roomID))
		f.settle()
	}
	require.True(f.t, f.order[0].participant(f.t, f.order[0].id).Host)
}

func (f *fixture) promote(ids ...domain.UserID) {
	f.t.Helper()
	host := f.order[0]
	for _, id := range ids {
		require.NoError(f.t, host.coord.Promote(context.Background(), id))
		f.settle()
	}
}

func (f *fixture) assertNoEarlyCandidates() {
	f.t.Helper()
	for _, m := range f.order {
		for _, pc := range m.factory.Created() {
			assert.Zero(f.t, pc.Violations(), "%s applied a candidate before the remote description", pc.Label)
		}
	}
}

func TestPromotionBuildsFullMesh(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol", "dave", "erin")
	f.joinAll()
	f.promote("alice", "bob", "carol", "dave")

	speakers := []domain.UserID{"alice", "bob", "carol", "dave"}
	for _, id := range speakers {
		m := f.m(id)
		snap := m.snap(t)
		assert.Equal(t, domain.RoleSpeaker, snap.LocalRole, id)
		assert.Len(t, snap.Links, len(speakers)-1, "%s links", id)
		assert.NotContains(t, snap.Links, id)
		assert.Equal(t, len(speakers)-1, m.factory.Open(), "%s open connections", id)
		for _, pc := range m.factory.Created() {
			if !pc.Closed() {
				assert.NotNil(t, pc.Remote(), "%s link not negotiated", pc.Label)
				assert.NotNil(t, pc.Local(), "%s link not negotiated", pc.Label)
				assert.Equal(t, 1, pc.TrackCount(), "%s should send one audio track", pc.Label)
			}
		}
		assert.Equal(t, 1, m.source.Live())
	}

	erin := f.m("erin")
	assert.Empty(t, erin.links(t))
	assert.Zero(t, erin.source.Calls())
	assert.Empty(t, erin.factory.Created())
	f.assertNoEarlyCandidates()
}

func TestDemotionRemovesExactlyThoseLinks(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol", "dave")
	f.joinAll()
	f.promote("alice", "bob", "carol", "dave")

	before := f.m("bob").factory.Open()
	require.NoError(t, f.m("alice").coord.Demote("carol"))
	f.settle()

	carol := f.m("carol")
	assert.Equal(t, domain.RoleListener, carol.snap(t).LocalRole)
	assert.Empty(t, carol.links(t))
	assert.Zero(t, carol.factory.Open())
	assert.Zero(t, carol.source.Live())

	for _, id := range []domain.UserID{"alice", "bob", "dave"} {
		links := f.m(id).links(t)
		assert.Len(t, links, 2, id)
		assert.NotContains(t, links, domain.UserID("carol"))
		assert.Equal(t, domain.RoleListener, f.m(id).participant(t, "carol").Role)
	}
	assert.Equal(t, before-1, f.m("bob").factory.Open())
}

func TestCandidateBeforeAnswerIsAppliedInOrder(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	f.joinAll()
	f.promote("alice", "bob")

	f.bus.DropType[signaling.TypeAnswer] = true
	f.promote("carol")
	carol, bob := f.m("carol"), f.m("bob")
	require.Len(t, carol.links(t), 2)

	toCarol := bob.factory.Last()
	toCarol.EmitCandidate(webrtc.ICECandidateInit{Candidate: "b1"})
	toCarol.EmitCandidate(webrtc.ICECandidateInit{Candidate: "b2"})
	f.settle()

	delete(f.bus.DropType, signaling.TypeAnswer)
	var answers int
	for _, m := range f.bus.Sent() {
		if m.Type == signaling.TypeAnswer && m.To == "carol" {
			f.bus.Inject("carol", m)
			answers++
		}
	}
	require.Equal(t, 2, answers)
	toCarol.EmitCandidate(webrtc.ICECandidateInit{Candidate: "b3"})
	f.settle()

	pc := carol.linkTo("bob")
	require.NotNil(t, pc)
	var got []string
	for _, c := range pc.Applied() {
		got = append(got, c.Candidate)
	}
	assert.Equal(t, []string{"b1", "b2", "b3"}, got)
	f.assertNoEarlyCandidates()
}

func TestMeshAnyArrivalOrder(t *testing.T) {
	orders := [][]string{
		{"offer", "c1", "c2"}, {"offer", "c2", "c1"},
		{"c1", "offer", "c2"}, {"c2", "offer", "c1"},
		{"c1", "c2", "offer"}, {"c2", "c1", "offer"},
	}
	for _, order := range orders {
		t.Run(strings.Join(order, ","), func(t *testing.T) {
			f := newFixture(t, "alice", "bob", "carol")
			f.joinAll()
			f.promote("alice", "bob")
			f.bus.DropType[signaling.TypeOffer] = true
			f.promote("carol")
			delete(f.bus.DropType, signaling.TypeOffer)

			var offer signaling.Message
			for _, m := range f.bus.SentOf(signaling.TypeOffer, "carol") {
				if m.To == "bob" {
					offer = m
				}
			}
			require.NotEmpty(t, offer.SDP)

			var want []string
			for _, step := range order {
				if step == "offer" {
					f.bus.Inject("bob", offer)
				} else {
					f.bus.Inject("bob", signaling.Message{Type: signaling.TypeCandidate, RoomID: roomID, From: "carol", To: "bob",
						Candidate: &webrtc.ICECandidateInit{Candidate: step}})
					want = append(want, step)
				}
				f.settle()
			}

			bob := f.m("bob")
			pc := bob.linkTo("carol")
			require.NotNil(t, pc)
			var got []string
			for _, c := range pc.Applied() {
				got = append(got, c.Candidate)
			}
			assert.Equal(t, want, got)
			assert.Contains(t, f.m("carol").links(t), domain.UserID("bob"))
			require.NotNil(t, f.m("carol").linkTo("bob"))
			f.assertNoEarlyCandidates()
		})
	}
}

func TestListenerIgnoresMeshTraffic(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.joinAll()
	f.promote("alice")

	f.bus.Inject("bob", signaling.Message{Type: signaling.TypeOffer, RoomID: roomID, From: "alice", To: "bob", SDP: "offer:stray"})
	f.bus.Inject("bob", signaling.Message{Type: signaling.TypeCandidate, RoomID: roomID, From: "alice", To: "bob",
		Candidate: &webrtc.ICECandidateInit{Candidate: "stray"}})
	f.settle()

	bob := f.m("bob")
	assert.Empty(t, bob.links(t))
	assert.Empty(t, bob.factory.Created())
	assert.Zero(t, bob.source.Calls())
	for _, m := range f.bus.SentOf(signaling.TypeOffer, "alice") {
		assert.NotEqual(t, domain.UserID("bob"), m.To)
	}
}

func TestSimultaneousPromotion(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	f.joinAll()
	f.promote("alice")

	alice := f.m("alice")
	require.NoError(t, alice.coord.Promote(context.Background(), "carol"))
	require.NoError(t, alice.coord.Promote(context.Background(), "bob"))
	f.settle()

	for _, id := range []domain.UserID{"alice", "bob", "carol"} {
		m := f.m(id)
		assert.Len(t, m.links(t), 2, id)
		assert.Equal(t, 2, m.factory.Open(), "%s open connections", id)
		for _, pc := range m.factory.Created() {
			if !pc.Closed() {
				assert.NotNil(t, pc.Remote(), "%s link not negotiated", pc.Label)
			}
		}
	}
	// bob sorts first, so bob's offer is the one carol answers
	require.NotNil(t, f.m("bob").linkTo("carol"))
	assert.True(t, strings.HasPrefix(f.m("bob").linkTo("carol").Remote().SDP, "answer:"))
	f.assertNoEarlyCandidates()
}

func TestLinkSetupFailureIsRetriedPerPeer(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	f.joinAll()
	f.promote("alice", "bob")

	carol := f.m("carol")
	carol.factory.FailNext = 1
	f.promote("carol")

	assert.Equal(t, []domain.UserID{"bob"}, carol.links(t))
	warnings := carol.events.Of(core.EventWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, domain.UserID("alice"), warnings[0].PeerID)
	assert.Empty(t, carol.events.Of(core.EventFailure))

	f.clock.Advance(2 * time.Second)
	f.settle()
	assert.Equal(t, []domain.UserID{"alice", "bob"}, carol.links(t))
	assert.Contains(t, f.m("alice").links(t), domain.UserID("carol"))
}

func TestLinkSetupGivesUpAfterRetries(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	f.joinAll()
	f.promote("alice", "bob")

	carol := f.m("carol")
	carol.factory.FailNext = 1
	f.promote("carol")
	carol.factory.FailNext = 1
	f.clock.Advance(2 * time.Second)
	f.settle()

	assert.Equal(t, []domain.UserID{"bob"}, carol.links(t))
	failures := carol.events.Of(core.EventFailure)
	require.Len(t, failures, 1)
	assert.Equal(t, domain.UserID("alice"), failures[0].PeerID)
	assert.Contains(t, failures[0].Error, core.ErrPeerLinkFailure.Error())

	f.clock.Advance(10 * time.Second)
	f.settle()
	assert.Equal(t, []domain.UserID{"bob"}, carol.links(t))
}

func TestUnansweredOfferTimesOut(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.joinAll()
	f.promote("alice")

	f.bus.DropType[signaling.TypeAnswer] = true
	f.promote("bob")
	bob := f.m("bob")
	require.Equal(t, []domain.UserID{"alice"}, bob.links(t))

	f.clock.Advance(15 * time.Second)
	f.settle()
	assert.Empty(t, bob.links(t))
	assert.Zero(t, bob.factory.Open())
	require.Len(t, bob.events.Of(core.EventWarning), 1)
	assert.Empty(t, bob.events.Of(core.EventFailure))

	f.clock.Advance(2 * time.Second)
	f.settle()
	assert.Equal(t, []domain.UserID{"alice"}, bob.links(t))
	assert.Len(t, f.bus.SentOf(signaling.TypeOffer, "bob"), 2)

	f.clock.Advance(15 * time.Second)
	f.settle()
	assert.Empty(t, bob.links(t))
	assert.Zero(t, bob.factory.Open())
	failures := bob.events.Of(core.EventFailure)
	require.Len(t, failures, 1)
	assert.Equal(t, domain.UserID("alice"), failures[0].PeerID)
	assert.Contains(t, failures[0].Error, core.ErrPeerLinkFailure.Error())
	assert.Contains(t, failures[0].Error, core.ErrNegotiationTimeout.Error())
	assert.Equal(t, 2, f.bus.Dropped(signaling.TypeAnswer))
}

func TestAnsweredOfferOutlivesTimeout(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	f.joinAll()
	f.promote("alice", "bob", "carol")

	f.clock.Advance(time.Minute)
	f.settle()
	for _, id := range []domain.UserID{"alice", "bob", "carol"} {
		m := f.m(id)
		assert.Len(t, m.links(t), 2, id)
		assert.Empty(t, m.events.Of(core.EventWarning), id)
		assert.Empty(t, m.events.Of(core.EventFailure), id)
	}
}

func roomState(ps ...domain.Participant) signaling.Message {
	return signaling.Message{Type: signaling.TypeRoomState, RoomID: roomID, Participants: ps}
}

func TestRoomStateAnswersParkedOffer(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	f.joinAll()
	f.promote("alice", "bob")

	f.bus.DropType[signaling.TypePromote] = true
	require.NoError(t, f.m("alice").coord.Promote(context.Background(), "carol"))
	f.settle()
	delete(f.bus.DropType, signaling.TypePromote)
	f.bus.Inject("carol", signaling.Promote(roomID, "carol"))
	f.settle()

	bob, carol := f.m("bob"), f.m("carol")
	assert.Equal(t, []domain.UserID{"alice", "bob"}, carol.links(t))
	assert.Equal(t, []domain.UserID{"alice"}, bob.links(t), "bob never saw carol's promote")

	f.bus.Inject("bob", roomState(
		domain.Participant{ID: "alice", Role: domain.RoleSpeaker, Host: true},
		domain.Participant{ID: "bob", Role: domain.RoleSpeaker},
		domain.Participant{ID: "carol", Role: domain.RoleSpeaker},
	))
	f.settle()

	assert.Equal(t, []domain.UserID{"alice", "carol"}, bob.links(t))
	require.NotNil(t, bob.linkTo("carol"))
	require.NotNil(t, carol.linkTo("bob"))
	assert.Equal(t, 2, bob.factory.Open())
	f.assertNoEarlyCandidates()
}

func TestRoomStateLinksUnknownSpeakers(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.joinAll()

	f.bus.DropType[signaling.TypePromote] = true
	require.NoError(t, f.m("alice").coord.Promote(context.Background(), "alice"))
	f.settle()
	delete(f.bus.DropType, signaling.TypePromote)
	f.bus.Inject("bob", signaling.Promote(roomID, "bob"))
	f.settle()

	alice, bob := f.m("alice"), f.m("bob")
	require.Equal(t, domain.RoleSpeaker, bob.snap(t).LocalRole)
	assert.Empty(t, alice.links(t))
	assert.Empty(t, bob.links(t))

	state := roomState(
		domain.Participant{ID: "alice", Role: domain.RoleSpeaker, Host: true},
		domain.Participant{ID: "bob", Role: domain.RoleSpeaker},
	)
	f.bus.Inject("alice", state)
	f.bus.Inject("bob", state)
	f.settle()

	assert.Equal(t, []domain.UserID{"bob"}, alice.links(t))
	assert.Equal(t, []domain.UserID{"alice"}, bob.links(t))
	assert.Len(t, f.bus.SentOf(signaling.TypeOffer, "alice"), 1, "lower id offers")
	assert.Empty(t, f.bus.SentOf(signaling.TypeOffer, "bob"))
	require.NotNil(t, bob.linkTo("alice"))
	assert.True(t, strings.HasPrefix(bob.linkTo("alice").Remote().SDP, "offer:"))
	f.assertNoEarlyCandidates()
}

func TestICEFailureClosesOnlyThatLink(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	f.joinAll()
	f.promote("alice", "bob", "carol")

	carol := f.m("carol")
	failed := carol.linkTo("bob")
	require.NotNil(t, failed)
	failed.EmitState(webrtc.PeerConnectionStateFailed)
	f.settle()

	assert.True(t, failed.Closed())
	assert.Equal(t, []domain.UserID{"alice"}, carol.links(t))
	assert.Len(t, f.m("alice").links(t), 2)

	f.clock.Advance(2 * time.Second)
	f.settle()
	assert.Equal(t, []domain.UserID{"alice", "bob"}, carol.links(t))
	assert.Equal(t, 2, f.m("bob").factory.Open())
	require.NotNil(t, carol.linkTo("bob"))
}

func TestLeaveReleasesEverything(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	f.joinAll()
	f.promote("alice", "bob", "carol")

	bob := f.m("bob")
	require.NoError(t, bob.coord.Leave())
	f.settle()

	_, ok := bob.coord.Snapshot()
	assert.False(t, ok)
	assert.Zero(t, bob.source.Live())
	assert.Zero(t, bob.factory.Open())
	for _, pc := range bob.factory.Created() {
		assert.False(t, pc.HasCallbacks(), "%s still has callbacks", pc.Label)
	}
	assert.Equal(t, []string{"left"}, lastStates(bob.events, 1))

	for _, id := range []domain.UserID{"alice", "carol"} {
		assert.Len(t, f.m(id).links(t), 1, id)
		for _, p := range f.m(id).snap(t).Participants {
			assert.NotEqual(t, domain.UserID("bob"), p.ID)
		}
	}
	require.NoError(t, bob.coord.Leave())
}

func TestRoomEndedTearsDown(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.joinAll()
	f.promote("alice", "bob")

	f.bus.Inject("bob", signaling.Message{Type: signaling.TypeRoomEnded, RoomID: roomID})
	f.settle()

	bob := f.m("bob")
	_, ok := bob.coord.Snapshot()
	assert.False(t, ok)
	assert.Zero(t, bob.source.Live())
	assert.Zero(t, bob.factory.Open())
	assert.Equal(t, []string{"ended"}, lastStates(bob.events, 1))
}

func TestJoinSecondRoomConflicts(t *testing.T) {
	f := newFixture(t, "alice")
	f.joinAll()

	alice := f.m("alice")
	require.NoError(t, alice.coord.Join(roomID))
	err := alice.coord.Join("other")
	assert.ErrorIs(t, err, core.ErrSessionConflict)
}

func TestHandsAndHostPermissions(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	f.joinAll()

	alice, bob := f.m("alice"), f.m("bob")
	require.NoError(t, bob.coord.RaiseHand())
	f.settle()
	assert.True(t, alice.participant(t, "bob").HandRaised)
	assert.True(t, f.m("carol").participant(t, "bob").HandRaised)

	assert.ErrorIs(t, bob.coord.Promote(context.Background(), "carol"), core.ErrNotPermitted)
	assert.ErrorIs(t, bob.coord.Demote("alice"), core.ErrNotPermitted)

	f.promote("alice", "bob")
	assert.False(t, alice.participant(t, "bob").HandRaised)
	assert.ErrorIs(t, bob.coord.RaiseHand(), core.ErrNotPermitted)

	require.NoError(t, f.m("carol").coord.RaiseHand())
	require.NoError(t, f.m("carol").coord.LowerHand())
	f.settle()
	assert.False(t, alice.participant(t, "carol").HandRaised)
}

func TestPromotionWithoutMicrophone(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.joinAll()
	f.promote("alice")

	bob := f.m("bob")
	bob.source.Err = errors.New("permission denied")
	f.promote("bob")

	assert.Equal(t, domain.RoleListener, bob.snap(t).LocalRole)
	assert.Zero(t, bob.source.Live())
	assert.Empty(t, bob.factory.Created())
	failures := bob.events.Of(core.EventFailure)
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Error, core.ErrMediaUnavailable.Error())

	alice := f.m("alice")
	assert.Equal(t, domain.RoleListener, alice.participant(t, "bob").Role)
	assert.Empty(t, alice.links(t))
	assert.Zero(t, alice.factory.Open())
}

func TestSpeakingIsSentOnChangeOnly(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	f.joinAll()
	f.promote("alice", "bob")

	mic := f.m("alice").source.Opened()[0]
	tick := func(n int) {
		for i := 0; i < n; i++ {
			f.clock.Advance(100 * time.Millisecond)
		}
		f.settle()
	}

	mic.SetLevel(0.5)
	tick(4)
	mic.SetLevel(0)
	tick(7)

	var sent []bool
	for _, m := range f.bus.SentOf(signaling.TypeSpeaking, "alice") {
		sent = append(sent, *m.IsSpeaking)
	}
	assert.Equal(t, []bool{true, false}, sent)

	var seen []bool
	for _, ev := range f.m("bob").events.Of(core.EventSpeaking) {
		assert.Equal(t, domain.UserID("alice"), ev.PeerID)
		seen = append(seen, *ev.Speaking)
	}
	assert.Equal(t, []bool{true, false}, seen)
	assert.Empty(t, f.bus.SentOf(signaling.TypeSpeaking, "bob"))
}

func TestSpeakingUpdatesAreRateLimited(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	alice := f.m("alice")
	alice.coord.limiter = NewRateLimiter(1, 2*time.Second, f.clock)
	f.joinAll()
	f.promote("alice", "bob")

	mic := alice.source.Opened()[0]
	tick := func(n int) {
		for i := 0; i < n; i++ {
			f.clock.Advance(100 * time.Millisecond)
		}
		f.settle()
	}

	mic.SetLevel(0.5)
	tick(1)
	mic.SetLevel(0)
	tick(7)
	assert.Len(t, f.bus.SentOf(signaling.TypeSpeaking, "alice"), 1)

	tick(20)
	sent := f.bus.SentOf(signaling.TypeSpeaking, "alice")
	require.Len(t, sent, 2)
	assert.False(t, *sent[1].IsSpeaking)
}

func TestQualityIsReportedPerPeer(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol")
	f.joinAll()
	f.promote("alice", "bob", "carol")

	alice := f.m("alice")
	pc := alice.linkTo("carol")
	require.NotNil(t, pc)
	pc.SetStats(core.TransportStats{PacketsReceived: 90, PacketsLost: 10})
	alice.monitor.SampleNow()

	evs := alice.events.Of(core.EventQuality)
	require.Len(t, evs, 1)
	assert.Equal(t, domain.UserID("carol"), evs[0].PeerID)
	assert.Equal(t, domain.QualityPoor, evs[0].Quality)
	assert.Equal(t, domain.QualityPoor, alice.snap(t).Quality["carol"])
}

func lastStates(ev *coretest.Events, n int) []string {
	states := ev.States(core.EventRoomState)
	if len(states) < n {
		return states
	}
	return states[len(states)-n:]
}
