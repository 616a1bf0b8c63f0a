package coretest

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/callmesh/internal/core"
	"github.com/dkeye/callmesh/internal/domain"
)

// Track is a capture track with no device behind it.
type Track struct {
	mu      sync.Mutex
	id      string
	kind    domain.TrackKind
	enabled bool
	stopped bool
	level   float64
	local   webrtc.TrackLocal
}

func NewTrack(id string, kind domain.TrackKind) *Track {
	codec := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}
	if kind == domain.TrackVideo {
		codec = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
	}
	local, _ := webrtc.NewTrackLocalStaticRTP(codec, id, "capture")
	return &Track{id: id, kind: kind, enabled: true, local: local}
}

func (t *Track) ID() string              { return t.id }
func (t *Track) Kind() domain.TrackKind  { return t.kind }
func (t *Track) Local() webrtc.TrackLocal { return t.local }

func (t *Track) Enabled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.enabled
}

func (t *Track) SetEnabled(v bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.enabled = v
}

func (t *Track) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
}

func (t *Track) Stopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

func (t *Track) Level() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.level
}

func (t *Track) SetLevel(v float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.level = v
}

// Source grants capture unless Err is set. When Gate is non-nil, Open
// signals Entered and then waits for Gate to close, so tests can act while
// an acquisition is in flight.
type Source struct {
	mu      sync.Mutex
	Err     error
	Gate    chan struct{}
	Entered chan struct{}
	opened  []*Track
	calls   int
}

func (s *Source) Open(ctx context.Context, kind domain.CallKind) ([]core.LocalTrack, error) {
	s.mu.Lock()
	s.calls++
	gate, entered, err := s.Gate, s.Entered, s.Err
	s.mu.Unlock()

	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.LocalTrack, 0, 2)
	for _, tk := range kind.Tracks() {
		t := NewTrack(tk.String(), tk)
		s.opened = append(s.opened, t)
		out = append(out, t)
	}
	return out, nil
}

func (s *Source) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// Live counts opened tracks that were never stopped.
func (s *Source) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.opened {
		if !t.Stopped() {
			n++
		}
	}
	return n
}

func (s *Source) Opened() []*Track {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Track(nil), s.opened...)
}
