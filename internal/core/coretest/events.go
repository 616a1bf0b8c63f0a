package coretest

import (
	"sync"

	"github.com/dkeye/callmesh/internal/core"
)

// Events records everything published to it.
type Events struct {
	mu     sync.Mutex
	events []core.Event
}

func (e *Events) Publish(ev core.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, ev)
}

func (e *Events) All() []core.Event {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]core.Event(nil), e.events...)
}

func (e *Events) Of(t core.EventType) []core.Event {
	var out []core.Event
	for _, ev := range e.All() {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// States returns the State field of every event of type t, in order.
func (e *Events) States(t core.EventType) []string {
	var out []string
	for _, ev := range e.Of(t) {
		out = append(out, ev.State)
	}
	return out
}
