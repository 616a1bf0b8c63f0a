package rtc

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/callmesh/internal/core"
)

// Connection is a core.PeerConnection backed by pion. Local candidates are
// trickled; nothing waits for gathering to complete.
type Connection struct {
	pc    *webrtc.PeerConnection
	label string
	d     *dispatcher

	mu      sync.Mutex
	onICE   func(webrtc.ICECandidateInit)
	onTrack func(*webrtc.TrackRemote)
	onState func(webrtc.PeerConnectionState)
	senders []*webrtc.RTPSender
	closed  bool

	// readers drains remote tracks and sender RTCP until the pc closes.
	readers conc.WaitGroup
}

func newConnection(pc *webrtc.PeerConnection, label string) *Connection {
	c := &Connection{pc: pc, label: label, d: newDispatcher()}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		ci := cand.ToJSON()
		c.d.post(func() {
			if f := c.iceCallback(); f != nil {
				f(ci)
			}
		})
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Debug().Str("module", "adapters.rtc").Str("pc", label).Str("peer_connection_state", s.String()).Msg("peer state")
		c.d.post(func() {
			if f := c.stateCallback(); f != nil {
				f(s)
			}
		})
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "adapters.rtc").
			Str("pc", label).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("remote track")
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.readers.Go(func() { drain(track, label) })
		c.mu.Unlock()
		c.d.post(func() {
			if f := c.trackCallback(); f != nil {
				f(track)
			}
		})
	})
	return c
}

func (c *Connection) CreateOffer() (webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create offer: %w", err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local offer: %w", err)
	}
	return offer, nil
}

func (c *Connection) CreateAnswer() (webrtc.SessionDescription, error) {
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("create answer: %w", err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("set local answer: %w", err)
	}
	return answer, nil
}

func (c *Connection) SetRemoteDescription(d webrtc.SessionDescription) error {
	return c.pc.SetRemoteDescription(d)
}

func (c *Connection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	return c.pc.AddICECandidate(ci)
}

// AddLocalTrack attaches a capture track and drains the sender's RTCP so
// the interceptors keep running.
func (c *Connection) AddLocalTrack(t webrtc.TrackLocal) error {
	sender, err := c.pc.AddTrack(t)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return webrtc.ErrConnectionClosed
	}
	c.senders = append(c.senders, sender)
	c.readers.Go(func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	})
	return nil
}

func (c *Connection) DetachLocalTracks() {
	c.mu.Lock()
	senders := c.senders
	c.senders = nil
	c.mu.Unlock()
	for _, s := range senders {
		if err := c.pc.RemoveTrack(s); err != nil && !errors.Is(err, webrtc.ErrConnectionClosed) {
			log.Debug().Err(err).Str("module", "adapters.rtc").Str("pc", c.label).Msg("remove track")
		}
	}
}

func (c *Connection) OnICECandidate(f func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onICE = f
}

// OnTrack sets application-level callback for remote tracks.
func (c *Connection) OnTrack(f func(*webrtc.TrackRemote)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onTrack = f
}

func (c *Connection) OnStateChange(f func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onState = f
}

func (c *Connection) Stats() (core.TransportStats, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return core.TransportStats{}, webrtc.ErrConnectionClosed
	}
	return inboundTotals(c.pc.GetStats()), nil
}

// Close stops callbacks, closes the pc and waits for the track readers.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.onICE, c.onTrack, c.onState = nil, nil, nil
	c.mu.Unlock()

	c.d.stop()
	err := c.pc.Close()
	c.readers.Wait()
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.rtc").Str("pc", c.label).Msg("close error")
		return err
	}
	log.Debug().Str("module", "adapters.rtc").Str("pc", c.label).Msg("closed")
	return nil
}

func (c *Connection) iceCallback() func(webrtc.ICECandidateInit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onICE
}

func (c *Connection) trackCallback() func(*webrtc.TrackRemote) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onTrack
}

func (c *Connection) stateCallback() func(webrtc.PeerConnectionState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.onState
}

// drain reads a remote track until it ends. Playback is the UI's business;
// reading keeps receiver reports and loss counters moving.
func drain(track *webrtc.TrackRemote, label string) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			log.Debug().Err(err).Str("module", "adapters.rtc").Str("pc", label).Str("track_id", track.ID()).Msg("remote track ended")
			return
		}
	}
}

// inboundTotals sums the cumulative counters of every inbound RTP stream.
func inboundTotals(report webrtc.StatsReport) core.TransportStats {
	var out core.TransportStats
	for _, s := range report {
		in, ok := s.(webrtc.InboundRTPStreamStats)
		if !ok {
			continue
		}
		out.PacketsReceived += uint64(in.PacketsReceived)
		if in.PacketsLost > 0 {
			out.PacketsLost += uint64(in.PacketsLost)
		}
	}
	return out
}
