// Package signaling defines the messages exchanged with the relay.
// The relay only routes them; it gives no ordering guarantee beyond
// per-socket FIFO and no delivery guarantee at all.
package signaling

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/callmesh/internal/domain"
)

type Type string

// Call-scoped message types.
const (
	TypeOffer     Type = "offer"
	TypeAnswer    Type = "answer"
	TypeCandidate Type = "candidate"
	TypeEnd       Type = "end"
	TypeAccept    Type = "accept"
	TypeReject    Type = "reject"
)

// Room-scoped message types.
const (
	TypeJoin              Type = "join"
	TypeLeave             Type = "leave"
	TypeHandRaise         Type = "hand_raise"
	TypeHandLower         Type = "hand_lower"
	TypePromote           Type = "promote"
	TypeDemote            Type = "demote"
	TypeSpeaking          Type = "speaking"
	TypeRoomState         Type = "room_state"
	TypeParticipantJoined Type = "participant_joined"
	TypeParticipantLeft   Type = "participant_left"
	TypeRoomEnded         Type = "room_ended"
)

const TypeError Type = "error"

// Message is the single envelope for everything sent over the relay.
// Offer/answer/candidate carry RoomID when they belong to a room mesh link,
// SessionID when they belong to a 1:1 call.
type Message struct {
	Type         Type                     `json:"type"`
	From         domain.UserID            `json:"from,omitempty"`
	To           domain.UserID            `json:"to,omitempty"`
	SessionID    domain.CallID            `json:"sessionId,omitempty"`
	RoomID       domain.RoomID            `json:"roomId,omitempty"`
	Kind         domain.CallKind          `json:"kind,omitempty"`
	SDP          string                   `json:"sdp,omitempty"`
	Candidate    *webrtc.ICECandidateInit `json:"candidate,omitempty"`
	TargetUserID domain.UserID            `json:"targetUserId,omitempty"`
	IsSpeaking   *bool                    `json:"isSpeaking,omitempty"`
	Participants []domain.Participant     `json:"participants,omitempty"`
	Reason       string                   `json:"reason,omitempty"`
	Error        string                   `json:"error,omitempty"`
}

// RoomScoped reports whether the message belongs to the room coordinator.
func (m *Message) RoomScoped() bool { return m.RoomID != "" }

func Offer(to domain.UserID, id domain.CallID, kind domain.CallKind, sdp string) Message {
	return Message{Type: TypeOffer, To: to, SessionID: id, Kind: kind, SDP: sdp}
}

func Answer(to domain.UserID, id domain.CallID, sdp string) Message {
	return Message{Type: TypeAnswer, To: to, SessionID: id, SDP: sdp}
}

func Candidate(to domain.UserID, id domain.CallID, c webrtc.ICECandidateInit) Message {
	return Message{Type: TypeCandidate, To: to, SessionID: id, Candidate: &c}
}

func End(to domain.UserID, id domain.CallID, reason domain.EndReason) Message {
	return Message{Type: TypeEnd, To: to, SessionID: id, Reason: string(reason)}
}

func Accept(to domain.UserID, id domain.CallID) Message {
	return Message{Type: TypeAccept, To: to, SessionID: id}
}

func Reject(to domain.UserID, id domain.CallID, reason domain.EndReason) Message {
	return Message{Type: TypeReject, To: to, SessionID: id, Reason: string(reason)}
}

func RoomOffer(room domain.RoomID, to domain.UserID, sdp string) Message {
	return Message{Type: TypeOffer, RoomID: room, To: to, SDP: sdp}
}

func RoomAnswer(room domain.RoomID, to domain.UserID, sdp string) Message {
	return Message{Type: TypeAnswer, RoomID: room, To: to, SDP: sdp}
}

func RoomCandidate(room domain.RoomID, to domain.UserID, c webrtc.ICECandidateInit) Message {
	return Message{Type: TypeCandidate, RoomID: room, To: to, Candidate: &c}
}

func Join(room domain.RoomID) Message  { return Message{Type: TypeJoin, RoomID: room} }
func Leave(room domain.RoomID) Message { return Message{Type: TypeLeave, RoomID: room} }

func Hand(room domain.RoomID, raised bool) Message {
	if raised {
		return Message{Type: TypeHandRaise, RoomID: room}
	}
	return Message{Type: TypeHandLower, RoomID: room}
}

func Promote(room domain.RoomID, target domain.UserID) Message {
	return Message{Type: TypePromote, RoomID: room, TargetUserID: target}
}

func Demote(room domain.RoomID, target domain.UserID) Message {
	return Message{Type: TypeDemote, RoomID: room, TargetUserID: target}
}

func Speaking(room domain.RoomID, speaking bool) Message {
	return Message{Type: TypeSpeaking, RoomID: room, IsSpeaking: &speaking}
}
