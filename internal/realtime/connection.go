package realtime

import (
	"sync"
	"sync/atomic"
	"time"
)

// Connection is the registry's view of one client socket. Outbound frames
// are queued on a buffered channel that the transport's writer drains; the
// channel is closed when the registry drops the connection.
type Connection struct {
	ID string

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu      sync.RWMutex
	userID  string
	floorID string

	lastSeen atomic.Int64
}

func newConnection(id string, buffer int, now time.Time) *Connection {
	c := &Connection{
		ID:   id,
		send: make(chan []byte, buffer),
		done: make(chan struct{}),
	}
	c.lastSeen.Store(now.UnixNano())
	return c
}

// Outbox is drained by the writer goroutine; it is closed on unregister.
func (c *Connection) Outbox() <-chan []byte { return c.send }

// Done is closed once the connection has been unregistered.
func (c *Connection) Done() <-chan struct{} { return c.done }

// close must only be called with the registry write lock held so that no
// push races the channel close.
func (c *Connection) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		close(c.done)
	})
}

// UserID is empty until the connection authenticates.
func (c *Connection) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

func (c *Connection) SetUserID(id string) {
	c.mu.Lock()
	c.userID = id
	c.mu.Unlock()
}

// FloorID is the floor the client currently views.
func (c *Connection) FloorID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.floorID
}

// SwapFloor records the viewed floor and returns the previous one.
func (c *Connection) SwapFloor(id string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.floorID
	c.floorID = id
	return prev
}

// Touch records client activity for heartbeat tracking.
func (c *Connection) Touch(now time.Time) { c.lastSeen.Store(now.UnixNano()) }

func (c *Connection) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }
