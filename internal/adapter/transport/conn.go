package transport

import (
	"context"

	"nhooyr.io/websocket"
)

// Conn is a live, message-oriented connection to the daemon.
type Conn interface {
	// Read blocks until the next message arrives or ctx is done.
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Close() error
}

// readLimit bounds a single inbound message. Session payloads carry VM
// configuration, so the library default of 32 KiB is too tight.
const readLimit = 4 << 20

type wsConn struct {
	ws *websocket.Conn
}

func newWSConn(ws *websocket.Conn) *wsConn {
	ws.SetReadLimit(readLimit)
	return &wsConn{ws: ws}
}

func (c *wsConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.ws.Read(ctx)
	return data, err
}

func (c *wsConn) Write(ctx context.Context, data []byte) error {
	return c.ws.Write(ctx, websocket.MessageText, data)
}

func (c *wsConn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "")
}
