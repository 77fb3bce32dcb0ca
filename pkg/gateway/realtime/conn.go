package realtime

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn wraps a websocket connection with serialized writes. The relay and
// pipeline both fan in writes from more than one goroutine; gorilla
// permits only one concurrent writer.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	mu        sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func NewConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Conn{ws: ws, writeTimeout: writeTimeout}
}

// Read returns the next frame. Blocks until a frame arrives or the
// connection fails; unblocked by Close.
func (c *Conn) Read() (messageType int, data []byte, err error) {
	return c.ws.ReadMessage()
}

func (c *Conn) WriteText(data []byte) error {
	return c.write(websocket.TextMessage, data)
}

func (c *Conn) WriteBinary(data []byte) error {
	return c.write(websocket.BinaryMessage, data)
}

func (c *Conn) WriteJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.write(websocket.TextMessage, data)
}

func (c *Conn) write(messageType int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	return c.ws.WriteMessage(messageType, data)
}

// Close sends a close frame on a best-effort basis and tears down the
// underlying connection. Safe to call from any goroutine, repeatedly.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		deadline := time.Now().Add(c.writeTimeout)
		c.mu.Lock()
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		c.mu.Unlock()
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
