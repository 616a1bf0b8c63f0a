// Package relay is the client side of the signaling relay: one websocket,
// reconnected with backoff. Messages are never buffered across reconnects.
package relay

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/callmesh/internal/core"
	"github.com/dkeye/callmesh/internal/signaling"
)

type Config struct {
	URL          string        `mapstructure:"url"`
	Codec        string        `mapstructure:"codec"`
	Token        string        `mapstructure:"token"`
	PingPeriod   time.Duration `mapstructure:"ping_period"`
	WriteWait    time.Duration `mapstructure:"write_wait"`
	ReconnectMin time.Duration `mapstructure:"reconnect_min"`
	ReconnectMax time.Duration `mapstructure:"reconnect_max"`
	ReadLimit    int64         `mapstructure:"read_limit"`
	SendBuffer   int           `mapstructure:"send_buffer"`
}

func DefaultConfig() Config {
	return Config{
		Codec:        "json",
		PingPeriod:   54 * time.Second,
		WriteWait:    5 * time.Second,
		ReconnectMin: 500 * time.Millisecond,
		ReconnectMax: 30 * time.Second,
		ReadLimit:    65536,
		SendBuffer:   64,
	}
}

// Client implements core.Relay.
type Client struct {
	cfg       Config
	codec     signaling.Codec
	dialer    Dialer
	onMessage func(signaling.Message)
	onState   func(up bool)

	mu  sync.RWMutex
	cur *conn
}

func NewClient(cfg Config, dialer Dialer, onMessage func(signaling.Message), onState func(bool)) (*Client, error) {
	def := DefaultConfig()
	if cfg.URL == "" {
		return nil, fmt.Errorf("relay url is empty")
	}
	codec, err := signaling.NewCodec(cfg.Codec)
	if err != nil {
		return nil, err
	}
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = def.PingPeriod
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = def.WriteWait
	}
	if cfg.ReconnectMin <= 0 {
		cfg.ReconnectMin = def.ReconnectMin
	}
	if cfg.ReconnectMax < cfg.ReconnectMin {
		cfg.ReconnectMax = max(def.ReconnectMax, cfg.ReconnectMin)
	}
	if cfg.ReadLimit <= 0 {
		cfg.ReadLimit = def.ReadLimit
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = def.SendBuffer
	}
	if dialer == nil {
		dialer = WebsocketDialer{}
	}
	if onMessage == nil {
		onMessage = func(signaling.Message) {}
	}
	if onState == nil {
		onState = func(bool) {}
	}
	return &Client{cfg: cfg, codec: codec, dialer: dialer, onMessage: onMessage, onState: onState}, nil
}

// Send queues m on the live socket. It never blocks and never retries.
func (c *Client) Send(m signaling.Message) error {
	c.mu.RLock()
	cur := c.cur
	c.mu.RUnlock()
	if cur == nil {
		return core.ErrRelayUnavailable
	}
	frame, err := c.codec.Encode(m)
	if err != nil {
		return err
	}
	if err := cur.TrySend(frame); err != nil {
		return fmt.Errorf("%w: %w", core.ErrRelayUnavailable, err)
	}
	return nil
}

// Connected reports whether a socket is live.
func (c *Client) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cur != nil
}

// Run keeps a socket to the relay open until ctx is done.
func (c *Client) Run(ctx context.Context) error {
	backoff := c.cfg.ReconnectMin
	for {
		header := http.Header{}
		if c.cfg.Token != "" {
			header.Set("Authorization", "Bearer "+c.cfg.Token)
		}
		ws, err := c.dialer.Dial(ctx, c.cfg.URL, header)
		if err == nil {
			backoff = c.cfg.ReconnectMin
			c.session(ctx, ws)
		} else if ctx.Err() == nil {
			log.Warn().Err(err).Str("module", "adapters.relay").Str("url", c.cfg.URL).Dur("retry_in", backoff).Msg("relay dial failed")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		if err != nil {
			backoff = min(backoff*2, c.cfg.ReconnectMax)
		}
	}
}

func (c *Client) session(parent context.Context, ws WSConn) {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	cur := newConn(ws, c.cfg.SendBuffer)
	c.mu.Lock()
	c.cur = cur
	c.mu.Unlock()
	log.Info().Str("module", "adapters.relay").Str("url", c.cfg.URL).Str("codec", c.codec.Name()).Msg("relay connected")
	c.onState(true)

	var wg conc.WaitGroup
	wg.Go(func() {
		defer cancel()
		c.readPump(ctx, cur)
	})
	wg.Go(func() {
		defer cancel()
		c.writePump(ctx, cur)
	})
	wg.Go(func() {
		<-ctx.Done()
		cur.Close()
	})
	wg.Wait()

	c.mu.Lock()
	c.cur = nil
	c.mu.Unlock()
	c.onState(false)
}
