package broadcast

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 10 * time.Second

// WSConn adapts a gorilla websocket connection to Conn. Gorilla allows one
// concurrent writer, so data frames and pings share a lock.
type WSConn struct {
	ws *websocket.Conn
	mu sync.Mutex
}

func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws}
}

func (c *WSConn) Send(msg []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(websocket.TextMessage, msg)
}

func (c *WSConn) Ping() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
}

func (c *WSConn) Close() error {
	c.mu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.mu.Unlock()
	return c.ws.Close()
}

// Serve registers ws with b and pumps reads until the peer goes away.
// Pong frames and any inbound message count as liveness.
func Serve(b *Broadcaster, ws *websocket.Conn) {
	sub := b.Subscribe(NewWSConn(ws))
	defer b.Unsubscribe(sub)

	ws.SetPongHandler(func(string) error {
		sub.Pong()
		return nil
	})
	for {
		if _, _, err := ws.ReadMessage(); err != nil {
			return
		}
		sub.Pong()
	}
}
