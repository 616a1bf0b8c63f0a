package core

//go:generate mockgen -destination=mocks/core_mock.go -package=mocks github.com/dkeye/callmesh/internal/core Relay,MediaSource

import "github.com/dkeye/callmesh/internal/signaling"

// Relay is the outbound side of the signaling channel.
// Owned by the adapter. Send must not block: when the channel is down or
// backed up it returns ErrRelayUnavailable and the message is dropped.
type Relay interface {
	Send(signaling.Message) error
}

// RelayFunc adapts a plain function to Relay.
type RelayFunc func(signaling.Message) error

func (f RelayFunc) Send(m signaling.Message) error { return f(m) }
