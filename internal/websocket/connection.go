package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Connection wraps one gorilla connection as an interfaces.ClientConnection.
// ARCHITECTURAL DISCOVERY: gorilla connections do not allow concurrent
// writes; all outbound frames funnel through a single writer goroutine.
type Connection struct {
	conn      *websocket.Conn
	writeCh   chan []byte
	connID    string
	userID    string
	role      string
	sessionID string

	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once
}

// NewConnection creates a connection wrapper carrying the verified identity
// and starts its writer goroutine. The identity is fixed for the life of the
// connection; there is no re-authentication over an open socket.
func NewConnection(conn *websocket.Conn, connID, userID, role, sessionID string, writeTimeout time.Duration) *Connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		conn:         conn,
		writeCh:      make(chan []byte, 100),
		connID:       connID,
		userID:       userID,
		role:         role,
		sessionID:    sessionID,
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}

	go c.writeLoop()

	return c
}

func (c *Connection) writeLoop() {
	// The channel is never closed: writers may race the loop's exit, and a
	// send on a closed channel would panic inside the caller. Cancelling the
	// context instead makes every later WriteJSON fail cleanly.
	defer c.cancel()

	for {
		select {
		case data := <-c.writeCh:
			if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}

		case <-c.ctx.Done():
			return
		}
	}
}

// WriteJSON queues a frame for the writer goroutine. Safe for concurrent
// callers; delivery order matches call order for a single caller.
func (c *Connection) WriteJSON(v interface{}) error {
	select {
	case <-c.ctx.Done():
		return ErrConnectionClosed
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return ErrInvalidJSON
	}

	select {
	case c.writeCh <- data:
		return nil
	case <-time.After(c.writeTimeout):
		return ErrWriteTimeout
	case <-c.ctx.Done():
		return ErrConnectionClosed
	}
}

// Close shuts the transport down exactly once.
func (c *Connection) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.cancel()
		if c.conn != nil {
			err = c.conn.Close()
		}
	})
	return err
}

func (c *Connection) ConnectionID() string { return c.connID }
func (c *Connection) UserID() string       { return c.userID }
func (c *Connection) Role() string         { return c.role }
func (c *Connection) SessionID() string    { return c.sessionID }
