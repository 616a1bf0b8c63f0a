// Package devices opens microphones and cameras through pion/mediadevices
// and feeds them into local RTP tracks.
package devices

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers camera adapter
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers microphone adapter
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/callmesh/internal/core"
	"github.com/dkeye/callmesh/internal/domain"
)

const mtu = 1200

type Config struct {
	Microphone   string `mapstructure:"microphone"`
	Camera       string `mapstructure:"camera"`
	AudioBitrate int    `mapstructure:"audio_bitrate"`
	Width        int    `mapstructure:"width"`
	Height       int    `mapstructure:"height"`
}

func DefaultConfig() Config {
	return Config{AudioBitrate: 32_000, Width: 640, Height: 480}
}

// Source is the core.MediaSource for real hardware.
type Source struct {
	cfg      Config
	selector *mediadevices.CodecSelector
	pumps    conc.WaitGroup
}

func NewSource(cfg Config) (*Source, error) {
	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, fmt.Errorf("opus params: %w", err)
	}
	opusParams.BitRate = cfg.AudioBitrate
	opusParams.Latency = opus.Latency20ms

	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, fmt.Errorf("vp8 params: %w", err)
	}
	vpxParams.BitRate = 500_000

	return &Source{
		cfg: cfg,
		selector: mediadevices.NewCodecSelector(
			mediadevices.WithAudioEncoders(&opusParams),
			mediadevices.WithVideoEncoders(&vpxParams),
		),
	}, nil
}

type userMedia struct {
	stream mediadevices.MediaStream
	err    error
}

// Open asks the OS for the devices kind needs. A cancelled ctx abandons the
// request; devices granted afterwards are closed.
func (s *Source) Open(ctx context.Context, kind domain.CallKind) ([]core.LocalTrack, error) {
	done := make(chan userMedia, 1)
	go func() {
		stream, err := mediadevices.GetUserMedia(s.constraints(kind))
		done <- userMedia{stream: stream, err: err}
	}()

	var got userMedia
	select {
	case <-ctx.Done():
		go func() {
			if late := <-done; late.err == nil {
				closeAll(late.stream.GetTracks())
			}
		}()
		return nil, ctx.Err()
	case got = <-done:
	}
	if got.err != nil {
		return nil, fmt.Errorf("get user media: %w", got.err)
	}

	var out []core.LocalTrack
	for _, src := range got.stream.GetTracks() {
		t, err := s.start(src)
		if err != nil {
			for _, started := range out {
				started.Stop()
			}
			closeAll(got.stream.GetTracks())
			return nil, err
		}
		out = append(out, t)
	}
	log.Info().Str("module", "adapters.devices").Str("kind", kind.String()).Int("tracks", len(out)).Msg("capture opened")
	return out, nil
}

// Wait blocks until every pump has exited.
func (s *Source) Wait() { s.pumps.Wait() }

func (s *Source) constraints(kind domain.CallKind) mediadevices.MediaStreamConstraints {
	c := mediadevices.MediaStreamConstraints{
		Audio: func(c *mediadevices.MediaTrackConstraints) {
			if s.cfg.Microphone != "" {
				c.DeviceID = prop.String(s.cfg.Microphone)
			}
			c.ChannelCount = prop.Int(1)
		},
		Codec: s.selector,
	}
	if kind == domain.CallVideo {
		c.Video = func(c *mediadevices.MediaTrackConstraints) {
			if s.cfg.Camera != "" {
				c.DeviceID = prop.String(s.cfg.Camera)
			}
			c.Width = prop.Int(s.cfg.Width)
			c.Height = prop.Int(s.cfg.Height)
		}
	}
	return c
}

func (s *Source) start(src mediadevices.Track) (*Track, error) {
	kind := domain.TrackAudio
	capability := webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	if src.Kind() == webrtc.RTPCodecTypeVideo {
		kind = domain.TrackVideo
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	}

	local, err := webrtc.NewTrackLocalStaticRTP(capability, kind.String(), "callmesh")
	if err != nil {
		return nil, fmt.Errorf("local %s track: %w", kind, err)
	}
	codec := strings.ToLower(strings.TrimPrefix(capability.MimeType, kind.String()+"/"))
	reader, err := src.NewRTPReader(codec, rand.Uint32(), mtu)
	if err != nil {
		return nil, fmt.Errorf("%s rtp reader: %w", kind, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	t := newTrack(src.ID(), kind, local, cancel, src.Close)
	logger := log.With().Str("module", "adapters.devices").Str("track", src.ID()).Str("kind", kind.String()).Logger()

	s.pumps.Go(func() { pump(ctx, t, reader, local, &logger) })
	if at, ok := src.(*mediadevices.AudioTrack); ok {
		levels := at.NewReader(false)
		s.pumps.Go(func() { meter(ctx, t, levels, &logger) })
	}
	return t, nil
}

func closeAll(tracks []mediadevices.Track) {
	for _, t := range tracks {
		_ = t.Close()
	}
}
