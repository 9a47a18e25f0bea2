package provider

import (
	"context"
	"net/url"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/yanun0323/errors"

	"collabsync/internal/ops"
)

// ErrCleanClose is returned from Conn.Read when the peer closed the
// connection with a normal close code. A clean close ends the session
// without entering the reconnect machine.
var ErrCleanClose = errors.New("provider: connection closed cleanly")

// Conn is one live connection to the relay. Read blocks until a full
// binary frame arrives.
type Conn interface {
	Read() ([]byte, error)
	Write(payload []byte) error
	// Close tears the connection down. A clean close tells the remote
	// not to treat the departure as abnormal.
	Close(clean bool) error
}

// Dialer establishes relay connections for a room.
type Dialer interface {
	Dial(ctx context.Context, room string, identity ops.Identity) (Conn, error)
}

// WebsocketDialer dials the relay's websocket endpoint, attaching room
// and user identity as query parameters on every attempt.
type WebsocketDialer struct {
	// Endpoint is the relay base URL, e.g. "ws://127.0.0.1:8484/rooms".
	Endpoint string
}

func (d *WebsocketDialer) Dial(ctx context.Context, room string, identity ops.Identity) (Conn, error) {
	u, err := url.Parse(d.Endpoint)
	if err != nil {
		return nil, err
	}
	u = u.JoinPath(url.PathEscape(room))
	query := url.Values{}
	query.Set("userId", identity.UserID)
	query.Set("userName", identity.Name)
	query.Set("userColor", identity.Color)
	u.RawQuery = query.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, err
	}
	return &wsConn{conn: conn}, nil
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
}

func (c *wsConn) Read() ([]byte, error) {
	for {
		mt, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil, ErrCleanClose
			}
			return nil, err
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		return payload, nil
	}
}

func (c *wsConn) Write(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteMessage(websocket.BinaryMessage, payload)
}

func (c *wsConn) Close(clean bool) error {
	if clean {
		c.writeMu.Lock()
		_ = c.conn.WriteMessage(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		)
		c.writeMu.Unlock()
	}
	return c.conn.Close()
}
