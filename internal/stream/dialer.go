package stream

import (
	"context"

	"github.com/gorilla/websocket"
)

// Conn is the slice of a websocket connection the tracker needs. ReadMessage
// blocks until a frame arrives or the peer closes.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
}

// Dialer opens a websocket connection to an absolute ws/wss URL. Implemented
// by WebsocketDialer for production and by fakes in tests.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// WebsocketDialer dials with gorilla/websocket using its default handshake
// settings.
type WebsocketDialer struct{}

func (WebsocketDialer) Dial(ctx context.Context, url string) (Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
