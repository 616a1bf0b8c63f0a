package core

import (
	"github.com/dkeye/callmesh/internal/domain"
)

type EventType string

const (
	EventCallState   EventType = "call_state"
	EventRoomState   EventType = "room_state"
	EventFailure     EventType = "failure"
	EventWarning     EventType = "warning"
	EventQuality     EventType = "quality"
	EventSpeaking    EventType = "speaking"
	EventRemoteTrack EventType = "remote_track"
)

// Event is what the engine reports to the UI. Fields not relevant to the
// type are left zero.
type Event struct {
	Type     EventType           `json:"type"`
	CallID   domain.CallID       `json:"callId,omitempty"`
	RoomID   domain.RoomID       `json:"roomId,omitempty"`
	PeerID   domain.UserID       `json:"peerId,omitempty"`
	State    string              `json:"state,omitempty"`
	Reason   domain.EndReason    `json:"reason,omitempty"`
	Quality  domain.QualityLevel `json:"quality,omitempty"`
	Speaking *bool               `json:"speaking,omitempty"`
	Track    domain.TrackKind    `json:"track,omitempty"`
	Error    string              `json:"error,omitempty"`
}

// EventSink receives engine events. Publish must not block.
type EventSink interface {
	Publish(Event)
}

type EventFunc func(Event)

func (f EventFunc) Publish(e Event) { f(e) }

type NopEvents struct{}

func (NopEvents) Publish(Event) {}
