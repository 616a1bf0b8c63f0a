package room

import (
	"sort"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/callmesh/internal/app/link"
	"github.com/dkeye/callmesh/internal/app/vad"
	"github.com/dkeye/callmesh/internal/core"
	"github.com/dkeye/callmesh/internal/domain"
)

// peer is the mesh entry for one other speaker.
type peer struct {
	id   domain.UserID
	role link.Role
	link *link.Link
	// answerTimer runs while our offer waits for an answer.
	answerTimer core.Timer
}

func (p *peer) stopAnswerTimer() {
	if p.answerTimer != nil {
		p.answerTimer.Stop()
		p.answerTimer = nil
	}
}

type session struct {
	id        domain.RoomID
	self      domain.UserID
	localRole domain.Role

	participants  map[domain.UserID]*domain.Participant
	speaking      map[domain.UserID]bool
	qualityByPeer map[domain.UserID]domain.QualityLevel

	peers             map[domain.UserID]*peer
	pendingOffers     map[domain.UserID]string
	pendingCandidates map[domain.UserID][]webrtc.ICECandidateInit
	failures          map[domain.UserID]int
	retries           map[domain.UserID]core.Timer

	// promoting is set while capture for our own promotion is being opened.
	promoting bool
	closed    bool

	vad *vad.Detector
	// lastSpoken is the speaking state last sent to the relay.
	lastSpoken bool
	speakTimer core.Timer
}

func newSession(id domain.RoomID, self domain.UserID) *session {
	s := &session{
		id:                id,
		self:              self,
		localRole:         domain.RoleListener,
		participants:      make(map[domain.UserID]*domain.Participant),
		speaking:          make(map[domain.UserID]bool),
		qualityByPeer:     make(map[domain.UserID]domain.QualityLevel),
		peers:             make(map[domain.UserID]*peer),
		pendingOffers:     make(map[domain.UserID]string),
		pendingCandidates: make(map[domain.UserID][]webrtc.ICECandidateInit),
		failures:          make(map[domain.UserID]int),
		retries:           make(map[domain.UserID]core.Timer),
	}
	s.participants[self] = domain.NewParticipant(self)
	return s
}

func (s *session) owner() string { return "room:" + s.id.String() }

func (s *session) me() *domain.Participant {
	p, ok := s.participants[s.self]
	if !ok {
		p = domain.NewParticipant(s.self)
		s.participants[s.self] = p
	}
	return p
}

func (s *session) isSpeaker(id domain.UserID) bool {
	p, ok := s.participants[id]
	return ok && p.IsSpeaker()
}

// otherSpeakers returns every speaker but us, lowest id first.
func (s *session) otherSpeakers() []domain.UserID {
	out := make([]domain.UserID, 0, len(s.participants))
	for id, p := range s.participants {
		if id != s.self && p.IsSpeaker() {
			out = append(out, id)
		}
	}
	sortIDs(out)
	return out
}

func (s *session) qualityKey(remote domain.UserID) string {
	return s.owner() + ":" + remote.String()
}

func sortIDs(ids []domain.UserID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}

// Snapshot is a read-only copy of the room for the UI.
type Snapshot struct {
	RoomID       domain.RoomID                        `json:"roomId"`
	LocalRole    domain.Role                          `json:"localRole"`
	Promoting    bool                                 `json:"promoting"`
	Participants []domain.Participant                 `json:"participants"`
	Speaking     []domain.UserID                      `json:"speaking"`
	Quality      map[domain.UserID]domain.QualityLevel `json:"quality"`
	Links        []domain.UserID                      `json:"links"`
}

func (s *session) snapshot() Snapshot {
	snap := Snapshot{
		RoomID:    s.id,
		LocalRole: s.localRole,
		Promoting: s.promoting,
		Quality:   make(map[domain.UserID]domain.QualityLevel, len(s.qualityByPeer)),
	}
	for _, p := range s.participants {
		snap.Participants = append(snap.Participants, *p)
	}
	sort.Slice(snap.Participants, func(i, j int) bool { return snap.Participants[i].ID.Less(snap.Participants[j].ID) })
	for id, on := range s.speaking {
		if on {
			snap.Speaking = append(snap.Speaking, id)
		}
	}
	sortIDs(snap.Speaking)
	for id, q := range s.qualityByPeer {
		snap.Quality[id] = q
	}
	for id := range s.peers {
		snap.Links = append(snap.Links, id)
	}
	sortIDs(snap.Links)
	return snap
}
