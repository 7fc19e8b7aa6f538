package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
)

// WebsocketDialer opens push channels over websockets.
type WebsocketDialer struct {
	Dialer *websocket.Dialer
	Header http.Header
}

// NewWebsocketDialer creates a dialer using websocket.DefaultDialer.
func NewWebsocketDialer() *WebsocketDialer {
	return &WebsocketDialer{Dialer: websocket.DefaultDialer}
}

// Dial implements PushDialer.
func (d *WebsocketDialer) Dial(ctx context.Context, href string) (PushConn, error) {
	dialer := d.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, href, d.Header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, NewStatusError("push_dial", resp.StatusCode, err.Error())
		}
		return nil, fmt.Errorf("push_dial: %w: %w", ErrTransient, err)
	}
	return &websocketConn{conn: conn}, nil
}

type websocketConn struct {
	conn      *websocket.Conn
	closeOnce sync.Once
	closeErr  error
}

// Read implements PushConn. Control frames and non-data messages are
// skipped; malformed payloads fail the channel.
func (c *websocketConn) Read() (PushMessage, error) {
	for {
		mt, p, err := c.conn.ReadMessage()
		if err != nil {
			return PushMessage{}, fmt.Errorf("push_read: %w", err)
		}
		if mt != websocket.TextMessage && mt != websocket.BinaryMessage {
			continue
		}
		var msg PushMessage
		if err := json.Unmarshal(p, &msg); err != nil {
			return PushMessage{}, fmt.Errorf("push_read: decode: %w", err)
		}
		return msg, nil
	}
}

// Close implements PushConn.
func (c *websocketConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.conn.Close()
	})
	return c.closeErr
}
