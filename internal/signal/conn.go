package signal

import (
	"context"

	"github.com/gorilla/websocket"
)

// wsConn is the minimal connection surface the client needs. gorilla's
// *websocket.Conn satisfies it through gorillaConn; tests substitute pipes.
type wsConn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer establishes one websocket connection to the signaling endpoint.
type Dialer interface {
	Dial(ctx context.Context, url string) (wsConn, error)
}

type websocketDialer struct{}

func (websocketDialer) Dial(ctx context.Context, url string) (wsConn, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return &gorillaConn{conn: conn}, nil
}

type gorillaConn struct {
	conn *websocket.Conn
}

func (g *gorillaConn) ReadMessage() ([]byte, error) {
	_, data, err := g.conn.ReadMessage()
	return data, err
}

func (g *gorillaConn) WriteMessage(data []byte) error {
	return g.conn.WriteMessage(websocket.TextMessage, data)
}

func (g *gorillaConn) Close() error {
	return g.conn.Close()
}
