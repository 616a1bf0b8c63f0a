package devices

import (
	"context"
	"math"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/callmesh/internal/domain"
)

type trackState int32

const (
	trackLive trackState = iota
	trackMuted
	trackStopped
)

// Track is one capture device feeding a local RTP track. Muting keeps the
// device open and drops packets; Stop releases the device.
type Track struct {
	id    string
	kind  domain.TrackKind
	local *webrtc.TrackLocalStaticRTP

	state atomic.Int32
	level atomic.Uint64 // float64 bits

	cancel context.CancelFunc
	once   sync.Once
	closer func() error
}

func newTrack(id string, kind domain.TrackKind, local *webrtc.TrackLocalStaticRTP, cancel context.CancelFunc, closer func() error) *Track {
	return &Track{id: id, kind: kind, local: local, cancel: cancel, closer: closer}
}

func (t *Track) ID() string               { return t.id }
func (t *Track) Kind() domain.TrackKind   { return t.kind }
func (t *Track) Local() webrtc.TrackLocal { return t.local }

func (t *Track) Enabled() bool { return trackState(t.state.Load()) == trackLive }

func (t *Track) SetEnabled(v bool) {
	next := trackMuted
	if v {
		next = trackLive
	}
	for {
		cur := t.state.Load()
		if trackState(cur) == trackStopped {
			return
		}
		if t.state.CompareAndSwap(cur, int32(next)) {
			return
		}
	}
}

func (t *Track) Stop() {
	t.once.Do(func() {
		t.state.Store(int32(trackStopped))
		if t.cancel != nil {
			t.cancel()
		}
		if t.closer != nil {
			_ = t.closer()
		}
	})
}

func (t *Track) stopped() bool { return trackState(t.state.Load()) == trackStopped }

// Level is the RMS of the latest captured chunk, 0 while muted.
func (t *Track) Level() float64 {
	if !t.Enabled() {
		return 0
	}
	return math.Float64frombits(t.level.Load())
}

func (t *Track) setLevel(v float64) { t.level.Store(math.Float64bits(v)) }
