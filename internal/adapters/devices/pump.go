package devices

import (
	"context"
	"errors"
	"io"
	"math"

	"github.com/pion/mediadevices/pkg/wave"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

type packetReader interface {
	Read() ([]*rtp.Packet, func(), error)
	Close() error
}

type rtpWriter interface {
	WriteRTP(*rtp.Packet) error
}

type chunkReader interface {
	Read() (wave.Audio, func(), error)
}

// pump reads encoded packets from the device and writes them to the local
// track while it is live. Muted packets are dropped.
func pump(ctx context.Context, t *Track, r packetReader, w rtpWriter, logger *zerolog.Logger) {
	defer func() { _ = r.Close() }()
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("pump ctx done")
			return
		default:
		}
		pkts, release, err := r.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) && !t.stopped() {
				logger.Error().Err(err).Msg("capture read error, stopping")
			}
			return
		}
		if t.Enabled() {
			for _, pkt := range pkts {
				if pkt == nil {
					continue
				}
				if err := w.WriteRTP(pkt); err != nil && !errors.Is(err, io.ErrClosedPipe) {
					logger.Warn().Err(err).Msg("write RTP")
				}
			}
		}
		if release != nil {
			release()
		}
	}
}

// meter keeps the track's input level current from raw audio chunks.
func meter(ctx context.Context, t *Track, r chunkReader, logger *zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		chunk, release, err := r.Read()
		if err != nil {
			if !errors.Is(err, io.EOF) && !t.stopped() {
				logger.Warn().Err(err).Msg("level read error")
			}
			return
		}
		t.setLevel(rms(chunk))
		if release != nil {
			release()
		}
	}
}

// rms returns the root mean square of a chunk in [0, 1].
func rms(chunk wave.Audio) float64 {
	info := chunk.ChunkInfo()
	n := info.Len * info.Channels
	if n == 0 {
		return 0
	}
	var sum float64
	for i := 0; i < info.Len; i++ {
		for ch := 0; ch < info.Channels; ch++ {
			v := float64(chunk.At(i, ch).Int()) / math.MaxInt64
			sum += v * v
		}
	}
	return math.Min(1, math.Sqrt(sum/float64(n)))
}
