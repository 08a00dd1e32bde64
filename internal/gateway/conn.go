package gateway

import (
	"sync"

	"github.com/gorilla/websocket"
)

// safeConn serializes writes to a single gorilla connection, which is not
// safe for concurrent use by multiple goroutines (the read loop owns
// reads; DeliverRoom/DeliverUser may write from a Backplane callback
// goroutine at the same time as the connection's own handler).
type safeConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *safeConn) writeRaw(payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *safeConn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.Close()
}
