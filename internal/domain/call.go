package domain

import (
	"fmt"

	"github.com/google/uuid"
)

type CallID string

func NewCallID() CallID { return CallID(uuid.NewString()) }

func (id CallID) String() string { return string(id) }

// CallKind is the closed set of call types. It decides how much capture
// hardware a session needs.
type CallKind uint8

const (
	CallAudio CallKind = iota + 1
	CallVideo
)

func (k CallKind) String() string {
	switch k {
	case CallAudio:
		return "audio"
	case CallVideo:
		return "video"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

func (k CallKind) Valid() bool { return k == CallAudio || k == CallVideo }

// Tracks lists the capture tracks a session of this kind holds.
func (k CallKind) Tracks() []TrackKind {
	if k == CallVideo {
		return []TrackKind{TrackAudio, TrackVideo}
	}
	return []TrackKind{TrackAudio}
}

func (k CallKind) MarshalText() ([]byte, error) {
	if !k.Valid() {
		return nil, fmt.Errorf("invalid call kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *CallKind) UnmarshalText(b []byte) error {
	parsed, err := ParseCallKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// ParseCallKind accepts "voice" as an alias of audio; older clients still send it.
func ParseCallKind(s string) (CallKind, error) {
	switch s {
	case "audio", "voice":
		return CallAudio, nil
	case "video":
		return CallVideo, nil
	default:
		return 0, fmt.Errorf("unknown call kind %q", s)
	}
}

type TrackKind uint8

const (
	TrackAudio TrackKind = iota + 1
	TrackVideo
)

func (k TrackKind) String() string {
	switch k {
	case TrackAudio:
		return "audio"
	case TrackVideo:
		return "video"
	default:
		return fmt.Sprintf("track(%d)", uint8(k))
	}
}

func (k TrackKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

// CallState is the lifecycle of a 1:1 call.
type CallState uint8

const (
	CallIdle CallState = iota
	CallOutgoingRinging
	CallIncomingRinging
	CallConnecting
	CallActive
	CallEnded
)

func (s CallState) String() string {
	switch s {
	case CallIdle:
		return "idle"
	case CallOutgoingRinging:
		return "outgoing_ringing"
	case CallIncomingRinging:
		return "incoming_ringing"
	case CallConnecting:
		return "connecting"
	case CallActive:
		return "active"
	case CallEnded:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

func (s CallState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s CallState) Terminal() bool { return s == CallEnded }

var callTransitions = map[CallState][]CallState{
	CallIdle:            {CallOutgoingRinging, CallIncomingRinging},
	CallOutgoingRinging: {CallConnecting},
	CallIncomingRinging: {CallConnecting},
	CallConnecting:      {CallActive},
}

// CanTransition reports whether next is a legal successor of s.
// Every non-terminal state may move to CallEnded.
func (s CallState) CanTransition(next CallState) bool {
	if s.Terminal() {
		return false
	}
	if next == CallEnded {
		return true
	}
	for _, allowed := range callTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// EndReason records why a call reached CallEnded.
type EndReason string

const (
	EndHangup             EndReason = "hangup"
	EndRemoteHangup       EndReason = "remote_hangup"
	EndRejected           EndReason = "rejected"
	EndRemoteRejected     EndReason = "remote_rejected"
	EndBusy               EndReason = "busy"
	EndMediaUnavailable   EndReason = "media_unavailable"
	EndNegotiationTimeout EndReason = "negotiation_timeout"
	EndPeerLinkFailure    EndReason = "peer_link_failure"
)
