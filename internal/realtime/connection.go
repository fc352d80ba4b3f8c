package realtime

import (
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// connection is one live, authenticated transport session. The user binding
// is set at handshake time and never reassigned; the struct is discarded on
// close and never reused.
type connection struct {
	id      string
	userID  int64
	gateway *Gateway
	ws      *websocket.Conn
	send    chan []byte
}

func newConnection(g *Gateway, ws *websocket.Conn, userID int64) *connection {
	return &connection{
		id:      uuid.NewString(),
		userID:  userID,
		gateway: g,
		ws:      ws,
		send:    make(chan []byte, g.sendBuffer),
	}
}

// writePump drains the send queue onto the wire and keeps the peer alive
// with periodic pings. It exits when the gateway closes the send channel or
// a write fails; either way the transport is torn down.
func (c *connection) writePump() {
	ticker := time.NewTicker(c.gateway.pingInterval)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.ws.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump consumes inbound frames solely to notice transport close and to
// refresh the read deadline on pongs. Data frames from clients are ignored;
// the wire is server-to-client only.
func (c *connection) readPump() {
	pongWait := c.gateway.pingInterval + writeWait

	defer func() {
		c.leave()
		c.ws.Close()
	}()

	c.ws.SetReadLimit(512)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		if _, _, err := c.ws.ReadMessage(); err != nil {
			return
		}
	}
}

// leave removes the connection from its group. After the gateway has shut
// down there is no group state left to clean up.
func (c *connection) leave() {
	select {
	case c.gateway.unregister <- c:
	case <-c.gateway.shutdown:
	}
}
