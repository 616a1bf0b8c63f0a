package relay

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (c *Client) writePump(ctx context.Context, cur *conn) {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()

	mt := websocket.TextMessage
	if c.codec.Binary() {
		mt = websocket.BinaryMessage
	}
	for {
		select {
		case <-ctx.Done():
			_ = cur.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			_ = cur.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case data, ok := <-cur.send:
			if !ok {
				log.Debug().Str("module", "adapters.relay").Msg("writePump channel closed")
				return
			}
			if err := cur.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait)); err != nil {
				log.Error().Err(err).Str("module", "adapters.relay").Msg("writePump set deadline")
				return
			}
			if err := cur.ws.WriteMessage(mt, data); err != nil {
				log.Error().Err(err).Str("module", "adapters.relay").Msg("writePump write error")
				return
			}
		case <-ticker.C:
			_ = cur.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteWait))
			if err := cur.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().Err(err).Str("module", "adapters.relay").Msg("writePump ping error")
				return
			}
		}
	}
}

func (c *Client) readPump(ctx context.Context, cur *conn) {
	pongWait := c.cfg.PingPeriod * 10 / 9
	_ = cur.ws.SetReadDeadline(time.Now().Add(pongWait))
	cur.ws.SetPongHandler(func(string) error {
		return cur.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := cur.ws.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				log.Warn().Err(err).Str("module", "adapters.relay").Msg("readPump read error")
			}
			return
		}
		m, err := c.codec.Decode(data)
		if err != nil {
			log.Error().Err(err).Str("module", "adapters.relay").Msg("bad frame")
			continue
		}
		c.onMessage(m)
	}
}
