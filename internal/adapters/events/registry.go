package events

import (
	"context"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// Sender is one subscriber's outbound queue.
type Sender interface {
	TrySend([]byte) error
	Close()
}

type subscriber struct {
	sender  Sender
	cancel  context.CancelFunc
	dropped int
}

// Registry holds the UI subscribers keyed by client token. One token has at
// most one live subscription; a second tab replaces the first.
type Registry struct {
	mu   sync.RWMutex
	subs map[string]*subscriber
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[string]*subscriber)}
}

func (r *Registry) Bind(sid string, s Sender, cancel context.CancelFunc) {
	r.mu.Lock()
	prev := r.subs[sid]
	r.subs[sid] = &subscriber{sender: s, cancel: cancel}
	r.mu.Unlock()
	if prev != nil && prev.cancel != nil {
		prev.cancel()
	}
	log.Info().Str("module", "adapters.events").Str("sid", sid).Bool("replaced", prev != nil).Msg("bound subscriber")
}

// Unbind removes sid only while s is still the bound sender.
func (r *Registry) Unbind(sid string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.subs[sid]; ok && e.sender == s {
		delete(r.subs, sid)
		log.Info().Str("module", "adapters.events").Str("sid", sid).Msg("unbind subscriber")
	}
}

func (r *Registry) Cancel(sid string) bool {
	r.mu.RLock()
	e, ok := r.subs[sid]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if e.cancel != nil {
		e.cancel()
	}
	log.Info().Str("module", "adapters.events").Str("sid", sid).Msg("canceled subscriber")
	return true
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.subs)
}

type regSnap struct {
	SID    string
	Sender Sender
}

func (r *Registry) snapshot() []regSnap {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]regSnap, 0, len(r.subs))
	for sid, e := range r.subs {
		out = append(out, regSnap{SID: sid, Sender: e.sender})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SID < out[j].SID })
	return out
}

// dropped bumps the loss streak of sid and returns it.
func (r *Registry) dropped(sid string, s Sender) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.subs[sid]
	if !ok || e.sender != s {
		return 0
	}
	e.dropped++
	return e.dropped
}

func (r *Registry) delivered(sid string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.subs[sid]; ok && e.sender == s {
		e.dropped = 0
	}
}
