package coretest

import (
	"sort"
	"sync"

	"github.com/dkeye/callmesh/internal/core"
	"github.com/dkeye/callmesh/internal/domain"
	"github.com/dkeye/callmesh/internal/signaling"
)

// Handler consumes messages routed to one client.
type Handler func(signaling.Message)

type envelope struct {
	to  domain.UserID
	msg signaling.Message
}

// Bus is an in-memory relay server. Sends are queued and delivered by
// Flush, so a handler replying from inside a send never re-enters its peer.
// Room membership is tracked the way the real relay does it: the first
// joiner is host, everyone joins as a listener.
type Bus struct {
	mu       sync.Mutex
	handlers map[domain.UserID]Handler
	rooms    map[domain.RoomID]map[domain.UserID]*domain.Participant
	queue    []envelope
	sent     []signaling.Message
	down     map[domain.UserID]bool
	dropped  map[signaling.Type]int
	DropType map[signaling.Type]bool
}

func NewBus() *Bus {
	return &Bus{
		handlers: make(map[domain.UserID]Handler),
		rooms:    make(map[domain.RoomID]map[domain.UserID]*domain.Participant),
		down:     make(map[domain.UserID]bool),
		dropped:  make(map[signaling.Type]int),
		DropType: make(map[signaling.Type]bool),
	}
}

// Relay returns the outbound side for id. Set its handler with Attach.
func (b *Bus) Relay(id domain.UserID) core.Relay {
	return core.RelayFunc(func(m signaling.Message) error {
		m.From = id
		b.mu.Lock()
		defer b.mu.Unlock()
		if b.down[id] {
			return core.ErrRelayUnavailable
		}
		b.sent = append(b.sent, m)
		if b.DropType[m.Type] {
			b.dropped[m.Type]++
			return nil
		}
		b.route(m)
		return nil
	})
}

func (b *Bus) Attach(id domain.UserID, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[id] = h
}

// SetDown makes every send from id fail with ErrRelayUnavailable.
func (b *Bus) SetDown(id domain.UserID, down bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.down[id] = down
}

// Inject queues a message as if the relay had sent it to id.
func (b *Bus) Inject(to domain.UserID, m signaling.Message) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.queue = append(b.queue, envelope{to: to, msg: m})
}

// Flush delivers queued messages until none are left.
func (b *Bus) Flush() {
	for {
		b.mu.Lock()
		if len(b.queue) == 0 {
			b.mu.Unlock()
			return
		}
		e := b.queue[0]
		b.queue = b.queue[1:]
		h := b.handlers[e.to]
		b.mu.Unlock()
		if h != nil {
			h(e.msg)
		}
	}
}

// Sent returns every message accepted by the bus, in order.
func (b *Bus) Sent() []signaling.Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]signaling.Message(nil), b.sent...)
}

// SentOf filters Sent by type and sender.
func (b *Bus) SentOf(t signaling.Type, from domain.UserID) []signaling.Message {
	var out []signaling.Message
	for _, m := range b.Sent() {
		if m.Type == t && m.From == from {
			out = append(out, m)
		}
	}
	return out
}

func (b *Bus) Dropped(t signaling.Type) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped[t]
}

func (b *Bus) route(m signaling.Message) {
	if !m.RoomScoped() || m.To != "" {
		if m.To != "" {
			b.queue = append(b.queue, envelope{to: m.To, msg: m})
		}
		return
	}

	members := b.rooms[m.RoomID]
	switch m.Type {
	case signaling.TypeJoin:
		if members == nil {
			members = make(map[domain.UserID]*domain.Participant)
			b.rooms[m.RoomID] = members
		}
		p := domain.NewParticipant(m.From)
		p.Host = len(members) == 0
		members[m.From] = p
		b.queue = append(b.queue, envelope{to: m.From, msg: signaling.Message{
			Type: signaling.TypeRoomState, RoomID: m.RoomID, Participants: snapshot(members),
		}})
		b.broadcast(m.RoomID, m.From, signaling.Message{
			Type: signaling.TypeParticipantJoined, RoomID: m.RoomID, From: m.From, Participants: []domain.Participant{*p},
		})
	case signaling.TypeLeave:
		delete(members, m.From)
		b.broadcast(m.RoomID, m.From, signaling.Message{Type: signaling.TypeParticipantLeft, RoomID: m.RoomID, From: m.From})
	case signaling.TypePromote, signaling.TypeDemote:
		if p, ok := members[m.TargetUserID]; ok {
			if m.Type == signaling.TypePromote {
				p.Role = domain.RoleSpeaker
				p.HandRaised = false
			} else {
				p.Role = domain.RoleListener
			}
		}
		b.broadcast(m.RoomID, m.From, m)
	default:
		b.broadcast(m.RoomID, m.From, m)
	}
}

func (b *Bus) broadcast(room domain.RoomID, except domain.UserID, m signaling.Message) {
	ids := make([]domain.UserID, 0, len(b.rooms[room]))
	for id := range b.rooms[room] {
		if id != except {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	for _, id := range ids {
		b.queue = append(b.queue, envelope{to: id, msg: m})
	}
}

func snapshot(members map[domain.UserID]*domain.Participant) []domain.Participant {
	out := make([]domain.Participant, 0, len(members))
	for _, p := range members {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.Less(out[j].ID) })
	return out
}

// Pending counts queued, undelivered messages.
func (b *Bus) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}
