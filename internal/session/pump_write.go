package session

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/adred-codev/presenced/internal/monitoring"
)

// writePump owns all writes to the socket: control frames from the send
// channel, coalesced status frames from the outbox, and keepalive pings.
func (e *Endpoint) writePump(c *Client) {
	defer monitoring.RecoverPanic(c.logger, "writePump")

	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		e.disconnect(c)
	}()

	for {
		select {
		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server closing"))
			return

		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug().Err(err).Msg("socket write failed")
				return
			}

		case <-c.outbox.wake():
			// Control frames queued before the wake go first so a subscribe
			// ack is never overtaken by the fanout it seeded.
			if !e.flushSend(c) {
				return
			}
			if !e.flushOutbox(c) {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logger.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

func (e *Endpoint) flushSend(c *Client) bool {
	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logger.Debug().Err(err).Msg("socket write failed")
				return false
			}
		default:
			return true
		}
	}
}

func (e *Endpoint) flushOutbox(c *Client) bool {
	for {
		env, ok := c.outbox.pop()
		if !ok {
			return true
		}

		frame := statusFrame{Kind: KindStatus, UserID: env.UserID, Status: env.Status, TS: env.TS}
		data, err := json.Marshal(frame)
		if err != nil {
			c.logger.Error().Err(err).Msg("marshal status frame")
			continue
		}

		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			c.logger.Debug().Err(err).Msg("socket write failed")
			return false
		}
	}
}
