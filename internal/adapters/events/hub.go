// Package events fans engine events out to UI websocket subscribers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/callmesh/internal/core"
)

var ErrBackpressure = errors.New("backpressure")

const sendBuffer = 64

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Hub implements core.EventSink.
type Hub struct {
	Registry *Registry
	Policy   Policy
}

func NewHub(policy Policy) *Hub {
	if policy == nil {
		policy = DropPolicy{}
	}
	return &Hub{Registry: NewRegistry(), Policy: policy}
}

// Publish never blocks: a subscriber with a full queue loses the frame and
// the policy decides whether it stays.
func (h *Hub) Publish(e core.Event) {
	b, err := json.Marshal(e)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.events").Msg("marshal event")
		return
	}
	for _, s := range h.Registry.snapshot() {
		err := s.Sender.TrySend(b)
		if err == nil {
			h.Registry.delivered(s.SID, s.Sender)
			continue
		}
		if !errors.Is(err, ErrBackpressure) {
			continue
		}
		n := h.Registry.dropped(s.SID, s.Sender)
		if h.Policy.OnBackpressure(s.SID, n) == KickSubscriber {
			log.Warn().Str("module", "adapters.events").Str("sid", s.SID).Int("dropped", n).Msg("kicking slow subscriber")
			h.Registry.Cancel(s.SID)
		}
	}
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(f []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- f:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
}

// Serve upgrades the request and streams events until the client leaves,
// ctx ends or the policy kicks it.
func (h *Hub) Serve(ctx context.Context, c *gin.Context) {
	sid := c.GetString("client_token")
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "adapters.events").Msg("ws upgrade")
		return
	}
	conn := &wsConn{conn: ws, send: make(chan []byte, sendBuffer)}
	ctx, cancel := context.WithCancel(ctx)
	h.Registry.Bind(sid, conn, cancel)

	go h.writePump(ctx, conn)
	go h.readPump(ctx, cancel, sid, conn)
}

func (h *Hub) writePump(ctx context.Context, c *wsConn) {
	defer c.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
				log.Error().Err(err).Str("module", "adapters.events").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "adapters.events").Msg("writePump write error")
				return
			}
		}
	}
}

// readPump only watches for the client going away; a "ping" text gets a
// "pong" back so browsers can check the socket is alive.
func (h *Hub) readPump(ctx context.Context, cancel context.CancelFunc, sid string, c *wsConn) {
	defer func() {
		cancel()
		h.Registry.Unbind(sid, c)
		c.Close()
		log.Info().Str("module", "adapters.events").Str("sid", sid).Msg("readPump closing")
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Debug().Err(err).Str("module", "adapters.events").Str("sid", sid).Msg("readPump read error")
			}
			return
		}
		if string(data) == "ping" {
			_ = c.TrySend([]byte(`{"type":"pong"}`))
		}
	}
}
