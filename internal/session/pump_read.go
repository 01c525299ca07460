package session

import (
	"time"

	"github.com/gorilla/websocket"

	"github.com/adred-codev/presenced/internal/monitoring"
)

// readPump reads frames from the socket until it fails or closes.
func (e *Endpoint) readPump(c *Client) {
	// Deferred first so it also catches panics raised during disconnect.
	defer monitoring.RecoverPanic(c.logger, "readPump")
	defer e.disconnect(c)

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Debug().Err(err).Msg("socket read failed")
			}
			return
		}

		e.handleMessage(c, message)
	}
}
