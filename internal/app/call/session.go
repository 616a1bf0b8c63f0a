package call

import (
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/callmesh/internal/app/link"
	"github.com/dkeye/callmesh/internal/core"
	"github.com/dkeye/callmesh/internal/domain"
)

// session is mutated only by Coordinator transition functions under c.mu.
type session struct {
	id       domain.CallID
	kind     domain.CallKind
	remote   domain.UserID
	outgoing bool

	state     domain.CallState
	reason    domain.EndReason
	startedAt time.Time
	duration  time.Duration

	mutedLocal         bool
	videoDisabledLocal bool
	quality            domain.QualityLevel

	// announced is set once the remote party knows about the call, so an
	// end notice is worth sending.
	announced bool
	acquiring bool
	link      *link.Link
	timer     core.Timer

	pendingOffer      string
	pendingCandidates []webrtc.ICECandidateInit
}

func (s *session) owner() string { return "call:" + s.id.String() }

// Snapshot is a read-only copy of a call for the UI.
type Snapshot struct {
	ID                 domain.CallID       `json:"id"`
	Kind               domain.CallKind     `json:"kind"`
	Local              domain.UserID       `json:"local"`
	Remote             domain.UserID       `json:"remote"`
	Outgoing           bool                `json:"outgoing"`
	State              domain.CallState    `json:"state"`
	StartedAt          time.Time           `json:"startedAt,omitzero"`
	MutedLocal         bool                `json:"mutedLocal"`
	VideoDisabledLocal bool                `json:"videoDisabledLocal"`
	EndReason          domain.EndReason    `json:"endReason,omitempty"`
	Duration           time.Duration       `json:"duration"`
	Quality            domain.QualityLevel `json:"quality"`
}

func (s *session) snapshot(local domain.UserID) Snapshot {
	return Snapshot{
		ID:                 s.id,
		Kind:               s.kind,
		Local:              local,
		Remote:             s.remote,
		Outgoing:           s.outgoing,
		State:              s.state,
		StartedAt:          s.startedAt,
		MutedLocal:         s.mutedLocal,
		VideoDisabledLocal: s.videoDisabledLocal,
		EndReason:          s.reason,
		Duration:           s.duration,
		Quality:            s.quality,
	}
}
