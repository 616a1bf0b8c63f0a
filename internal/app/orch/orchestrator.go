// Package orch routes relay traffic to the coordinator that owns it.
package orch

import (
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callmesh/internal/core"
	"github.com/dkeye/callmesh/internal/domain"
	"github.com/dkeye/callmesh/internal/signaling"
)

// Handler consumes inbound messages for one kind of session.
type Handler interface {
	Handle(signaling.Message)
}

type Orchestrator struct {
	Local  domain.UserID
	Calls  Handler
	Rooms  Handler
	Events core.EventSink
}

// OnMessage is the relay client's inbound callback. It runs on the relay
// reader goroutine and must not block on device I/O.
func (o *Orchestrator) OnMessage(m signaling.Message) {
	if m.To != "" && o.Local != "" && m.To != o.Local {
		log.Warn().Str("module", "app.orch").Str("type", string(m.Type)).Str("to", m.To.String()).Msg("message for another user dropped")
		return
	}
	if m.From != "" && m.From == o.Local && m.Type != signaling.TypeError {
		log.Debug().Str("module", "app.orch").Str("type", string(m.Type)).Msg("own message echoed back")
		return
	}

	switch {
	case m.RoomScoped():
		if o.Rooms != nil {
			o.Rooms.Handle(m)
		}
	case m.SessionID != "":
		if o.Calls != nil {
			o.Calls.Handle(m)
		}
	case m.Type == signaling.TypeError:
		log.Warn().Str("module", "app.orch").Str("error", m.Error).Msg("relay error")
		o.publish(core.Event{Type: core.EventWarning, Error: m.Error})
	default:
		log.Debug().Str("module", "app.orch").Str("type", string(m.Type)).Msg("unroutable message")
	}
}

// OnRelayState reports relay connectivity to the UI. Sessions are not
// touched: a lost message shows up as a negotiation timeout.
func (o *Orchestrator) OnRelayState(up bool) {
	if up {
		log.Info().Str("module", "app.orch").Msg("relay connected")
		o.publish(core.Event{Type: core.EventWarning, State: "relay_up"})
		return
	}
	log.Warn().Str("module", "app.orch").Msg("relay disconnected")
	o.publish(core.Event{Type: core.EventWarning, State: "relay_down", Error: core.ErrRelayUnavailable.Error()})
}

func (o *Orchestrator) publish(e core.Event) {
	if o.Events != nil {
		o.Events.Publish(e)
	}
}
