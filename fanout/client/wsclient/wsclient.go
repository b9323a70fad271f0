// Package wsclient adapts fanout/client.Client to dial gorilla/websocket
// connections, the literal wire transport for the fan-out protocol.
package wsclient

import (
	"context"

	"github.com/gorilla/websocket"

	"goa.design/transcriptd/fanout/client"
	"goa.design/transcriptd/wire"
)

// conn adapts a *websocket.Conn to client.Conn.
type conn struct {
	ws *websocket.Conn
}

func (c *conn) Send(f wire.ClientFrame) error {
	data, err := wire.EncodeClient(f)
	if err != nil {
		return err
	}
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

func (c *conn) Recv() (wire.ServerFrame, error) {
	_, data, err := c.ws.ReadMessage()
	if err != nil {
		return wire.ServerFrame{}, err
	}
	return wire.DecodeServerFrame(data)
}

func (c *conn) Close() error { return c.ws.Close() }

// Dialer returns a client.Dialer that connects to url via WebSocket.
func Dialer(url string) client.Dialer {
	return func(ctx context.Context) (client.Conn, error) {
		ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
		if err != nil {
			return nil, err
		}
		return &conn{ws: ws}, nil
	}
}
