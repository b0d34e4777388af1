package hub

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/MarcoPoloResearchLab/diffsync/internal/protocol"
	"github.com/MarcoPoloResearchLab/diffsync/internal/schema"
)

// Connection is one live websocket session. Its outbound queue is drained by
// a single writer goroutine.
type Connection struct {
	id     string
	userID string

	mu          sync.RWMutex
	subject     schema.Subject
	moduleID    string
	initialized bool

	sendMu sync.Mutex
	send   chan protocol.Envelope

	done       chan struct{}
	closeOnce  sync.Once
	stopReason atomic.Value

	lastActivity atomic.Int64
}

// NewConnection builds an unregistered connection for subject. The area of
// subject is set later by Initialize.
func NewConnection(id string, subject schema.Subject, buffer int) *Connection {
	if buffer <= 0 {
		buffer = defaultSendBuffer
	}
	conn := &Connection{
		id:      id,
		userID:  subject.UserID,
		subject: subject,
		send:    make(chan protocol.Envelope, buffer),
		done:    make(chan struct{}),
	}
	conn.stopReason.Store("")
	return conn
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) UserID() string { return c.userID }

// Subject returns the access subject the connection currently acts as.
func (c *Connection) Subject() schema.Subject {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.subject
}

// Initialize binds the connection to an area. Only initialized connections
// receive notifications.
func (c *Connection) Initialize(area, moduleID string) schema.Subject {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.subject.Area = area
	c.moduleID = moduleID
	c.initialized = true
	return c.subject
}

// Initialized reports whether Initialize succeeded.
func (c *Connection) Initialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

func (c *Connection) ModuleID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.moduleID
}

// Done is closed once the connection is shut down.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// Outbound exposes the queue drained by the writer.
func (c *Connection) Outbound() <-chan protocol.Envelope {
	return c.send
}

// enqueue appends frames atomically: either all fit in the queue or none is
// queued.
func (c *Connection) enqueue(frames []protocol.Envelope) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	select {
	case <-c.done:
		return false
	default:
	}
	if cap(c.send)-len(c.send) < len(frames) {
		return false
	}
	for _, frame := range frames {
		c.send <- frame
	}
	return true
}

func (c *Connection) close(reason string) bool {
	closed := false
	c.closeOnce.Do(func() {
		c.stopReason.Store(reason)
		close(c.done)
		closed = true
	})
	return closed
}

// StopReason is why the server closed the connection, empty when the peer
// left on its own.
func (c *Connection) StopReason() string {
	reason, _ := c.stopReason.Load().(string)
	return reason
}

func (c *Connection) touch(now time.Time) {
	c.lastActivity.Store(now.UnixNano())
}

func (c *Connection) idleSince() time.Time {
	return time.Unix(0, c.lastActivity.Load())
}
