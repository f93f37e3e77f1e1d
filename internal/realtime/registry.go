package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iliyamo/seatmap-sync/internal/metrics"
)

// ErrConnectionClosed is returned when pushing to or subscribing a
// connection that is no longer registered.
var ErrConnectionClosed = errors.New("connection closed")

// ErrSendBufferFull is returned when a connection's outbox is full. The
// frame is dropped; a client that cannot keep up misses updates rather than
// stalling the dispatcher.
var ErrSendBufferFull = errors.New("send buffer full")

// Registry tracks live connections and owns the topic index, so that a
// connection's subscriptions and its registration change under one lock.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	index  *TopicIndex
	buffer int
	now    func() time.Time
	logger *zap.SugaredLogger
}

// NewRegistry builds a registry whose connections queue up to buffer
// outbound frames.
func NewRegistry(index *TopicIndex, buffer int, logger *zap.SugaredLogger) *Registry {
	if buffer < 1 {
		buffer = 1
	}
	return &Registry{
		conns:  make(map[string]*Connection),
		index:  index,
		buffer: buffer,
		now:    time.Now,
		logger: logger,
	}
}

// Index exposes the topic index for read-only queries.
func (r *Registry) Index() *TopicIndex { return r.index }

// Register creates and tracks a new connection.
func (r *Registry) Register() *Connection {
	c := newConnection(uuid.NewString(), r.buffer, r.now())
	r.mu.Lock()
	r.conns[c.ID] = c
	n := len(r.conns)
	r.mu.Unlock()
	metrics.Connections.Set(float64(n))
	r.logger.Debugw("connection registered", "conn", c.ID)
	return c
}

// Unregister drops a connection and all of its subscriptions and closes its
// outbox. It reports false when the connection was already gone.
func (r *Registry) Unregister(id string) bool {
	r.mu.Lock()
	c, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, id)
	removed := r.index.RemoveConnection(id)
	c.close()
	n := len(r.conns)
	r.mu.Unlock()

	metrics.Connections.Set(float64(n))
	r.logger.Debugw("connection unregistered", "conn", id, "subscriptions", removed)
	return true
}

// Get returns a live connection.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[id]
	return c, ok
}

// Count returns the number of live connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Subscribe adds connID to topic. It returns ErrConnectionClosed for an
// unknown connection so that no subscription outlives its connection.
func (r *Registry) Subscribe(connID, topic string) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if _, ok := r.conns[connID]; !ok {
		return false, ErrConnectionClosed
	}
	return r.index.Subscribe(topic, connID), nil
}

// Unsubscribe removes connID from topic; unknown pairs are a no-op.
func (r *Registry) Unsubscribe(connID, topic string) bool {
	return r.index.Unsubscribe(topic, connID)
}

// Subscribers returns the connections subscribed to topic.
func (r *Registry) Subscribers(topic string) []string {
	return r.index.Subscribers(topic)
}

// Push encodes msg and queues it for connID.
func (r *Registry) Push(connID string, msg Outbound) error {
	frame, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Type, err)
	}
	return r.PushFrame(connID, frame)
}

// PushFrame queues an encoded frame for connID without blocking.
func (r *Registry) PushFrame(connID string, frame []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	if !ok {
		return ErrConnectionClosed
	}
	select {
	case c.send <- frame:
		return nil
	default:
		metrics.PushFailures.Inc()
		return ErrSendBufferFull
	}
}

// EvictStale unregisters connections silent for longer than timeout and
// returns their ids.
func (r *Registry) EvictStale(timeout time.Duration) []string {
	cutoff := r.now().Add(-timeout)
	r.mu.RLock()
	var stale []string
	for id, c := range r.conns {
		if c.LastSeen().Before(cutoff) {
			stale = append(stale, id)
		}
	}
	r.mu.RUnlock()

	sort.Strings(stale)
	evicted := stale[:0]
	for _, id := range stale {
		if r.Unregister(id) {
			evicted = append(evicted, id)
		}
	}
	if len(evicted) > 0 {
		r.logger.Infow("evicted stale connections", "count", len(evicted))
	}
	return evicted
}
