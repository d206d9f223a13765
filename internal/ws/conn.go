package ws

import (
	"sync"
	"time"

	"rentsync/internal/errs"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait      = 10 * time.Second    // Time allowed to write a message to the peer.
	pongWait       = 60 * time.Second    // Time allowed to read the next pong message from the peer.
	pingPeriod     = (pongWait * 9) / 10 // Must be less than pongWait.
	maxMessageSize = 8 << 10
	sendBuffer     = 256

	// CloseAuthFailed is the close code sent to rejected connections.
	CloseAuthFailed = 4401
)

// Conn is one live websocket session.
type Conn struct {
	id     string
	remote string
	ws     *websocket.Conn
	send   chan []byte

	done      chan struct{}
	closeOnce sync.Once

	mu          sync.RWMutex
	userID      string
	app         string
	closeCode   int
	closeReason string
}

func newConn(ws *websocket.Conn) *Conn {
	c := &Conn{
		id:        uuid.NewString(),
		ws:        ws,
		send:      make(chan []byte, sendBuffer),
		done:      make(chan struct{}),
		closeCode: websocket.CloseNormalClosure,
	}
	if ws != nil {
		c.remote = ws.RemoteAddr().String()
	}
	return c
}

func (c *Conn) ID() string { return c.id }

// UserID is empty until the connection authenticates.
func (c *Conn) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// App is the client-declared application variant.
func (c *Conn) App() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.app
}

func (c *Conn) Authenticated() bool {
	return c.UserID() != ""
}

func (c *Conn) bind(userID, app string) {
	c.mu.Lock()
	c.userID = userID
	c.app = app
	c.mu.Unlock()
}

func (c *Conn) Closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// Send queues ev without blocking. A connection whose buffer is full is
// closed.
func (c *Conn) Send(ev Outbound) error {
	frame, err := EncodeFrame(ev)
	if err != nil {
		return err
	}
	return c.sendFrame(frame)
}

func (c *Conn) sendFrame(frame []byte) error {
	if c.Closed() {
		return errs.ErrConnClosed
	}
	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return errs.ErrConnClosed
	default:
		c.Close()
		return errs.ErrSlowConsumer
	}
}

// Close ends the session. It is safe to call more than once.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *Conn) closeWith(code int, reason string) {
	c.mu.Lock()
	c.closeCode = code
	c.closeReason = reason
	c.mu.Unlock()
	c.Close()
}

// readPump passes every frame to handle until the peer goes away or the
// connection is closed, then calls onClose once.
func (c *Conn) readPump(handle func(*Conn, []byte), onClose func(*Conn)) {
	defer func() {
		c.Close()
		c.ws.Close()
		onClose(c)
	}()

	c.ws.SetReadLimit(maxMessageSize)
	c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if c.Closed() {
			return
		}
		handle(c, message)
	}
}

// writePump owns every write on the socket.
func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			for n := len(c.send); n > 0; n-- {
				if err := c.ws.WriteMessage(websocket.TextMessage, <-c.send); err != nil {
					return
				}
			}
			c.mu.RLock()
			msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
			c.mu.RUnlock()
			c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}
