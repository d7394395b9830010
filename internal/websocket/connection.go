package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"backchannel/pkg/types"
)

// Connection wraps one gorilla WebSocket connection. All writes are
// serialized through a single writer goroutine; pushes and acks from any
// component enqueue onto writeCh and never touch the socket directly.
type Connection struct {
	id         string
	remoteAddr string
	conn       *websocket.Conn

	writeCh      chan []byte
	writeTimeout time.Duration
	ctx          context.Context
	cancel       context.CancelFunc
	closeOnce    sync.Once

	mu   sync.RWMutex
	user *types.User
}

// NewConnection wraps an upgraded socket and starts its writer.
func NewConnection(conn *websocket.Conn, remoteAddr string, bufferSize int, writeTimeout time.Duration) *Connection {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		id:           uuid.New().String(),
		remoteAddr:   remoteAddr,
		conn:         conn,
		writeCh:      make(chan []byte, bufferSize),
		writeTimeout: writeTimeout,
		ctx:          ctx,
		cancel:       cancel,
	}
	go c.writeLoop()
	return c
}

// writeLoop owns the socket for writes and is the only closer of the
// underlying connection. On shutdown it flushes frames already queued, so
// a terminal push enqueued just before Close still reaches the peer.
func (c *Connection) writeLoop() {
	defer func() { _ = c.conn.Close() }()
	for {
		select {
		case data := <-c.writeCh:
			if !c.write(data) {
				return
			}
		case <-c.ctx.Done():
			for {
				select {
				case data := <-c.writeCh:
					if !c.write(data) {
						return
					}
				default:
					return
				}
			}
		}
	}
}

func (c *Connection) write(data []byte) bool {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return false
	}
	return c.conn.WriteMessage(websocket.TextMessage, data) == nil
}

// WriteJSON marshals v and enqueues it on the single writer. Returns
// ErrConnectionClosed once the connection is torn down; callers writing a
// result for a gone peer just discard it.
func (c *Connection) WriteJSON(v any) error {
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

// Push sends a server-initiated event frame.
func (c *Connection) Push(event string, data any) error {
	return c.WriteJSON(types.Push{Event: event, Data: data})
}

// Close stops the writer, which flushes queued frames and then closes the
// socket. Safe to call more than once.
func (c *Connection) Close() error {
	c.closeOnce.Do(c.cancel)
	return nil
}

// ID returns the server-assigned connection ID, also used as the
// addressable target for signaling relays.
func (c *Connection) ID() string { return c.id }

// RemoteAddr returns the peer address as seen at upgrade time.
func (c *Connection) RemoteAddr() string { return c.remoteAddr }

// User returns the bound identity, or nil for anonymous connections.
func (c *Connection) User() *types.User {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.user
}

// SetUser binds an identity to the connection.
func (c *Connection) SetUser(user *types.User) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.user = user
}

// ClearUser unbinds the identity (logout).
func (c *Connection) ClearUser() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.user = nil
}

// IsAuthenticated reports whether an identity is bound.
func (c *Connection) IsAuthenticated() bool {
	return c.User() != nil
}
