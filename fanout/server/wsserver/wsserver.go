// Package wsserver adapts server.Server to gorilla/websocket connections,
// the literal wire transport for the fan-out protocol.
package wsserver

import (
	"net/http"

	"github.com/gorilla/websocket"

	"goa.design/transcriptd/fanout/server"
	"goa.design/transcriptd/wire"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// transport adapts a *websocket.Conn to server.Transport. Writes are
// queued on a channel and performed by a single writeLoop goroutine, since
// gorilla/websocket forbids concurrent writers on the same connection.
type transport struct {
	conn *websocket.Conn
	send chan wire.ServerFrame
	done chan struct{}
}

func newTransport(conn *websocket.Conn) *transport {
	t := &transport{conn: conn, send: make(chan wire.ServerFrame, 256), done: make(chan struct{})}
	go t.writeLoop()
	return t
}

func (t *transport) writeLoop() {
	for {
		select {
		case f, ok := <-t.send:
			if !ok {
				return
			}
			data, err := wire.EncodeServer(f)
			if err != nil {
				continue
			}
			if err := t.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-t.done:
			return
		}
	}
}

func (t *transport) Send(f wire.ServerFrame) error {
	select {
	case t.send <- f:
		return nil
	case <-t.done:
		return websocket.ErrCloseSent
	}
}

func (t *transport) Close() error {
	select {
	case <-t.done:
	default:
		close(t.done)
	}
	return t.conn.Close()
}

// Handler upgrades HTTP requests to WebSocket connections and drives them
// through a server.Server until the socket closes.
type Handler struct {
	Server *server.Server
	// ConnID generates a unique id per accepted connection.
	ConnID func(*http.Request) string
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	connID := h.ConnID(r)
	t := newTransport(conn)
	h.Server.Connect(connID, t)
	defer func() {
		h.Server.Disconnect(connID)
		_ = t.Close()
	}()

	ctx := r.Context()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		frame, err := wire.DecodeClientFrame(data)
		if err != nil {
			_ = t.Send(wire.ErrorFrame(wire.CodeInvalidMessage, err.Error()))
			continue
		}
		h.Server.HandleFrame(ctx, connID, frame)
	}
}
