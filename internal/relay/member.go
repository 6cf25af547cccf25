package relay

import (
	"errors"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/dkeye/Duet/internal/domain"
)

var ErrBackpressure = errors.New("backpressure")

// memberConn pairs one websocket with its identity and current room.
// The write pump owns the socket for writes; TrySend never blocks.
type memberConn struct {
	conn *websocket.Conn
	send chan []byte

	clientID string
	peerID   string

	mu     sync.RWMutex
	roomID domain.RoomID
	closed bool
}

func newMemberConn(ws *websocket.Conn, clientID, peerID string) *memberConn {
	return &memberConn{
		conn:     ws,
		send:     make(chan []byte, 32),
		clientID: clientID,
		peerID:   peerID,
	}
}

func (c *memberConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *memberConn) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

func (c *memberConn) setRoom(id domain.RoomID) {
	c.mu.Lock()
	c.roomID = id
	c.mu.Unlock()
}

func (c *memberConn) room() domain.RoomID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.roomID
}
