// Package hub tracks live connections and delivers frames to them.
package hub

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/diffsync/internal/metrics"
	"github.com/MarcoPoloResearchLab/diffsync/internal/protocol"
	"github.com/MarcoPoloResearchLab/diffsync/internal/visibility"
	"go.uber.org/zap"
)

const (
	defaultSendBuffer        = 256
	defaultHeartbeatInterval = 15 * time.Second
	defaultHeartbeatTimeout  = 45 * time.Second
)

// Config describes the dependencies of a Hub.
type Config struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	SendBuffer        int
	Clock             func() time.Time
	Metrics           *metrics.Metrics
	Logger            *zap.Logger
}

// Hub is the connection registry. At most one connection per user is
// registered at a time.
type Hub struct {
	interval time.Duration
	timeout  time.Duration
	buffer   int
	clock    func() time.Time
	metrics  *metrics.Metrics
	logger   *zap.Logger

	mu      sync.RWMutex
	byID    map[string]*Connection
	byUser  map[string]*Connection
	onClose []func(connectionID string)
}

// New constructs a Hub.
func New(cfg Config) *Hub {
	h := &Hub{
		interval: cfg.HeartbeatInterval,
		timeout:  cfg.HeartbeatTimeout,
		buffer:   cfg.SendBuffer,
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		byID:     make(map[string]*Connection),
		byUser:   make(map[string]*Connection),
	}
	if h.interval <= 0 {
		h.interval = defaultHeartbeatInterval
	}
	if h.timeout <= 0 {
		h.timeout = defaultHeartbeatTimeout
	}
	if h.buffer <= 0 {
		h.buffer = defaultSendBuffer
	}
	if h.clock == nil {
		h.clock = time.Now
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	return h
}

// SendBuffer is the outbound queue size given to new connections.
func (h *Hub) SendBuffer() int {
	return h.buffer
}

// OnClose registers a hook run after a connection leaves the registry.
func (h *Hub) OnClose(hook func(connectionID string)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onClose = append(h.onClose, hook)
}

// Register adds conn. A connection already registered for the same user is
// stopped and removed first.
func (h *Hub) Register(conn *Connection) {
	conn.touch(h.clock())
	h.mu.Lock()
	previous := h.byUser[conn.UserID()]
	if previous != nil {
		delete(h.byID, previous.ID())
	}
	h.byID[conn.ID()] = conn
	h.byUser[conn.UserID()] = conn
	hooks := h.onClose
	h.mu.Unlock()

	h.metrics.ConnectionOpened()
	h.logger.Info("connection registered", zap.String("connection_id", conn.ID()), zap.String("user_id", conn.UserID()))
	if previous != nil {
		h.retire(previous, protocol.StopReplaced, hooks)
	}
}

// Unregister removes a connection and closes it. Unknown ids are ignored.
func (h *Hub) Unregister(connectionID string) {
	h.drop(connectionID, "")
}

func (h *Hub) drop(connectionID, reason string) bool {
	h.mu.Lock()
	conn, ok := h.byID[connectionID]
	if !ok {
		h.mu.Unlock()
		return false
	}
	delete(h.byID, connectionID)
	if h.byUser[conn.UserID()] == conn {
		delete(h.byUser, conn.UserID())
	}
	hooks := h.onClose
	h.mu.Unlock()

	h.retire(conn, reason, hooks)
	return true
}

func (h *Hub) retire(conn *Connection, reason string, hooks []func(string)) {
	conn.close(reason)
	h.metrics.ConnectionClosed()
	if reason != "" {
		h.metrics.ConnectionDropped(reason)
	}
	h.logger.Info("connection closed",
		zap.String("connection_id", conn.ID()),
		zap.String("user_id", conn.UserID()),
		zap.String("reason", reason),
	)
	for _, hook := range hooks {
		hook(conn.ID())
	}
}

// Connection returns a registered connection.
func (h *Hub) Connection(connectionID string) (*Connection, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.byID[connectionID]
	return conn, ok
}

// Len counts registered connections.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byID)
}

// Send queues frames for one connection as a single batch. A connection whose
// queue cannot take the batch is stalled: it is dropped and will recover
// through catch-up.
func (h *Hub) Send(connectionID string, frames ...protocol.Envelope) bool {
	if len(frames) == 0 {
		return true
	}
	conn, ok := h.Connection(connectionID)
	if !ok {
		return false
	}
	if conn.enqueue(frames) {
		return true
	}
	if h.drop(connectionID, protocol.StopStalled) {
		h.logger.Warn("connection stalled", zap.String("connection_id", connectionID), zap.Int("frames", len(frames)))
	}
	return false
}

// Touch records activity on a connection.
func (h *Hub) Touch(connectionID string) {
	if conn, ok := h.Connection(connectionID); ok {
		conn.touch(h.clock())
	}
}

// Viewers lists the initialized connections of a tenant, ordered by id.
func (h *Hub) Viewers(customerID int64) []visibility.Viewer {
	h.mu.RLock()
	viewers := make([]visibility.Viewer, 0, len(h.byID))
	for id, conn := range h.byID {
		if !conn.Initialized() {
			continue
		}
		subject := conn.Subject()
		if subject.CustomerID != customerID {
			continue
		}
		viewers = append(viewers, visibility.Viewer{ConnectionID: id, Subject: subject})
	}
	h.mu.RUnlock()
	sort.Slice(viewers, func(i, j int) bool { return viewers[i].ConnectionID < viewers[j].ConnectionID })
	return viewers
}

// Sweep drops connections silent for longer than the heartbeat timeout and
// returns their ids.
func (h *Hub) Sweep(now time.Time) []string {
	h.mu.RLock()
	var stale []string
	for id, conn := range h.byID {
		if now.Sub(conn.idleSince()) > h.timeout {
			stale = append(stale, id)
		}
	}
	h.mu.RUnlock()
	sort.Strings(stale)
	for _, id := range stale {
		h.drop(id, protocol.StopTimeout)
	}
	return stale
}

// Ping sends a heartbeat frame to every registered connection.
func (h *Hub) Ping() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.byID))
	for id := range h.byID {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	ping := protocol.MustEncode(protocol.TypePing, nil)
	for _, id := range ids {
		h.Send(id, ping)
	}
}

// Run pings and sweeps until ctx is done, then stops every connection.
func (h *Hub) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.Shutdown()
			return
		case <-ticker.C:
			h.Sweep(h.clock())
			h.Ping()
		}
	}
}

// Shutdown stops and removes every connection.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	ids := make([]string, 0, len(h.byID))
	for id := range h.byID {
		ids = append(ids, id)
	}
	h.mu.RUnlock()
	for _, id := range ids {
		h.drop(id, protocol.StopShutdown)
	}
}
