// Package transport owns the websocket connection to the assistant backend
// and its reconnection lifecycle.
package transport

import (
	"context"
	"fmt"
	"net/url"

	"github.com/coder/websocket"
)

// Socket is a duplex channel of discrete text frames. Frames() is closed
// when the connection ends; Err() then reports the terminal error, nil for
// a clean local close.
type Socket interface {
	Send(ctx context.Context, data []byte) error
	Frames() <-chan []byte
	Err() error
	Close()
}

// Dialer opens a Socket to an endpoint. Implementations must honor ctx
// cancellation so the supervisor's connect deadline is enforceable.
type Dialer interface {
	Dial(ctx context.Context, endpoint, token string) (Socket, error)
}

// WebSocketDialer dials over websocket, passing the auth token as a query
// parameter the way the backend expects it.
type WebSocketDialer struct{}

func (WebSocketDialer) Dial(ctx context.Context, endpoint, token string) (Socket, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()

	conn, _, err := websocket.Dial(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", endpoint, err)
	}

	s := newWSSocket(conn)
	go s.readLoop()
	return s, nil
}

type wsSocket struct {
	conn   *websocket.Conn
	frames chan []byte
	ctx    context.Context
	cancel context.CancelFunc
	err    error
}

func newWSSocket(conn *websocket.Conn) *wsSocket {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsSocket{
		conn:   conn,
		frames: make(chan []byte, 64),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *wsSocket) readLoop() {
	defer close(s.frames)
	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() == nil {
				s.err = err
			}
			return
		}
		select {
		case s.frames <- data:
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *wsSocket) Send(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsSocket) Frames() <-chan []byte { return s.frames }

// Err reports why the read loop stopped. Only meaningful after Frames()
// has been closed.
func (s *wsSocket) Err() error { return s.err }

func (s *wsSocket) Close() {
	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "")
}
