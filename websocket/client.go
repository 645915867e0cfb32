package websocket

import (
	"sync"
	"time"

	websocketcontrib "github.com/gofiber/contrib/websocket"
	"github.com/google/uuid"
)

// Client is one live connection. Frames reach the socket only through the
// bounded send queue drained by WritePump.
type Client struct {
	ID     string
	UserID string

	send   chan []byte
	mu     sync.Mutex
	closed bool
	rooms  map[string]struct{} // guarded by Hub.mu
}

func NewClient(userID string, buffer int) *Client {
	if buffer <= 0 {
		buffer = 256
	}
	return &Client{
		ID:     uuid.NewString(),
		UserID: userID,
		send:   make(chan []byte, buffer),
		rooms:  make(map[string]struct{}),
	}
}

// Send exposes the outbound queue. It is closed once the client is detached.
func (c *Client) Send() <-chan []byte {
	return c.send
}

// enqueue never blocks; it reports false when the frame was dropped.
func (c *Client) enqueue(frame []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

// WritePump writes queued frames and keepalive pings until the queue is
// closed or a write fails. It owns all writes on conn.
func (c *Client) WritePump(conn *websocketcontrib.Conn, pingInterval, writeWait time.Duration) {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocketcontrib.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocketcontrib.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocketcontrib.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
