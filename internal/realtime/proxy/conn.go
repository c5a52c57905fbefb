package proxy

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Conn abstracts a WebSocket connection for testability. Both the client
// and the upstream leg of a session are held behind this interface.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	Close() error
}

// Dialer opens the upstream leg of a session.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// gorillaConn adapts a gorilla/websocket.Conn to the Conn interface.
type gorillaConn struct {
	conn *websocket.Conn
}

// WrapConn wraps a gorilla connection so it satisfies Conn.
func WrapConn(conn *websocket.Conn) Conn {
	return &gorillaConn{conn: conn}
}

func (g *gorillaConn) ReadMessage() (int, []byte, error) {
	return g.conn.ReadMessage()
}

func (g *gorillaConn) WriteMessage(messageType int, data []byte) error {
	return g.conn.WriteMessage(messageType, data)
}

func (g *gorillaConn) WriteControl(messageType int, data []byte, deadline time.Time) error {
	return g.conn.WriteControl(messageType, data, deadline)
}

func (g *gorillaConn) SetReadDeadline(t time.Time) error {
	return g.conn.SetReadDeadline(t)
}

func (g *gorillaConn) SetPongHandler(h func(string) error) {
	g.conn.SetPongHandler(h)
}

func (g *gorillaConn) Close() error {
	return g.conn.Close()
}

// gorillaDialer dials upstream with gorilla's default dialer.
type gorillaDialer struct{}

// NewDialer returns the production Dialer.
func NewDialer() Dialer {
	return &gorillaDialer{}
}

func (d *gorillaDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &gorillaConn{conn: conn}, nil
}
