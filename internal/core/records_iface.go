package core

import (
	"time"

	"github.com/dkeye/callmesh/internal/domain"
)

// CallRecorder persists call records. Implementations must not block and
// must never report failures back into the signaling path.
type CallRecorder interface {
	Initiated(id domain.CallID, callee domain.UserID, kind domain.CallKind)
	StatusChanged(id domain.CallID, state domain.CallState, reason domain.EndReason, duration time.Duration)
}

type NopRecorder struct{}

func (NopRecorder) Initiated(domain.CallID, domain.UserID, domain.CallKind) {}

func (NopRecorder) StatusChanged(domain.CallID, domain.CallState, domain.EndReason, time.Duration) {
}
