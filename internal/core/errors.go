package core

import (
	"errors"
	"fmt"
)

// Sentinel errors shared by the coordinators.
// These errors enable reliable error classification using errors.Is().
var (
	// ErrSessionConflict indicates a session is already in progress.
	ErrSessionConflict = errors.New("session conflict")

	// ErrMediaUnavailable indicates capture permission was denied or the device is busy.
	ErrMediaUnavailable = errors.New("media unavailable")

	// ErrNegotiationTimeout indicates no valid remote description arrived in time.
	ErrNegotiationTimeout = errors.New("negotiation timeout")

	// ErrRelayUnavailable indicates the signaling channel is down.
	ErrRelayUnavailable = errors.New("relay unavailable")

	// ErrPeerLinkFailure indicates ICE or negotiation failed on one link.
	ErrPeerLinkFailure = errors.New("peer link failure")
)

var (
	ErrNoSession         = errors.New("no such session")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrNotPermitted      = errors.New("not permitted")
	ErrSessionEnded      = errors.New("session ended")
)

// SessionError ties a failure to the operation and session it came from.
type SessionError struct {
	Op      string
	Session string
	Err     error
}

func (e *SessionError) Error() string {
	if e.Session != "" {
		return fmt.Sprintf("%s %s: %v", e.Op, e.Session, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

func NewError(op, session string, err error) *SessionError {
	return &SessionError{Op: op, Session: session, Err: err}
}
