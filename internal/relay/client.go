package relay

import (
	"time"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/logs"

	"collabsync/internal/protocol"
	"collabsync/internal/replica"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	sendQueueSize  = 256
	maxMessageSize = 1 << 20
)

// client is one websocket connection joined to a room.
type client struct {
	hub  *Hub
	room *Room
	conn *websocket.Conn
	send chan []byte
	done chan struct{}

	id      uint64
	session *replica.SyncSession
	user    userParams
}

type userParams struct {
	ID    string
	Name  string
	Color string
}

// enqueue queues a frame for delivery, dropping the client when its
// queue is full rather than blocking the room.
func (c *client) enqueue(frame []byte) {
	select {
	case <-c.done:
	case c.send <- frame:
	default:
		logs.Warnf("room %s client %d send queue full, dropping connection", c.room.Name(), c.id)
		_ = c.conn.Close()
	}
}

func (c *client) readPump() {
	defer func() {
		c.hub.drop(c)
		_ = c.conn.Close()
		close(c.done)
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		mt, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		frame, err := protocol.DecodeFrame(raw)
		if err != nil {
			// A corrupt frame is dropped; the connection survives.
			logs.Warnf("room %s client %d sent malformed frame, err: %+v", c.room.Name(), c.id, err)
			continue
		}
		switch frame.Kind {
		case protocol.MessageSync:
			c.room.handleSync(c, frame.Payload)
		case protocol.MessageAwareness, protocol.MessageQueryAwareness:
			c.room.relayFrame(c, raw)
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case frame := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		case <-c.done:
			_ = c.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
