package stream

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/commodix/access-layer/internal/metrics"
)

// Transports.
const (
	TransportWS  = "ws"
	TransportSSE = "sse"
)

var (
	ErrConnectionLimit   = errors.New("connection limit exceeded")
	ErrUnknownConnection = errors.New("unknown connection")
)

// Connection is one streaming client. It is owned by the registry; its
// outbound queue is bounded and overflow drops the oldest pending frame
// so the bus consumer never blocks.
type Connection struct {
	ID        string
	Transport string
	Subject   string
	Tenant    string
	Roles     []string
	CreatedAt time.Time

	mu            sync.Mutex
	lastHeartbeat time.Time
	topics        map[string]Filter

	queue   chan []byte
	done    chan struct{}
	closing sync.Once
	dropped atomic.Int64
}

// Touch refreshes the heartbeat clock.
func (c *Connection) Touch() {
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
}

// LastHeartbeat returns the last liveness signal time.
func (c *Connection) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// TopicFilter returns the filter stored for a subscribed topic.
func (c *Connection) TopicFilter(topic string) (Filter, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	f, ok := c.topics[topic]
	return f, ok
}

// SubscribedTopics lists the connection's current subscriptions.
func (c *Connection) SubscribedTopics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.topics))
	for t := range c.topics {
		out = append(out, t)
	}
	return out
}

// Enqueue offers a frame to the outbound queue. When the queue is full the
// oldest pending frame is dropped to make room; the drop counter records
// the broken delivery.
func (c *Connection) Enqueue(frame []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}

	select {
	case c.queue <- frame:
		return true
	default:
	}

	// Queue full: evict the oldest frame, then retry once.
	select {
	case <-c.queue:
		c.dropped.Add(1)
	default:
	}
	select {
	case c.queue <- frame:
		return true
	default:
		c.dropped.Add(1)
		return false
	}
}

// Dropped returns how many frames overflow has discarded.
func (c *Connection) Dropped() int64 { return c.dropped.Load() }

// Queue exposes the outbound queue to the transport writer.
func (c *Connection) Queue() <-chan []byte { return c.queue }

// Done is closed when the connection is destroyed.
func (c *Connection) Done() <-chan struct{} { return c.done }

func (c *Connection) close() {
	c.closing.Do(func() { close(c.done) })
}

// RegistryConfig tunes the connection registry.
type RegistryConfig struct {
	MaxConnections   int
	QueueSize        int
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
}

// Registry indexes streaming connections by id, subject, tenant, and
// topic. Each index has its own lock; destruction removes the connection
// from every index before the transport is signalled.
type Registry struct {
	cfg RegistryConfig
	m   *metrics.Metrics

	idMu sync.RWMutex
	byID map[string]*Connection

	subjectMu sync.RWMutex
	bySubject map[string]map[string]*Connection

	tenantMu sync.RWMutex
	byTenant map[string]map[string]*Connection

	topicMu sync.RWMutex
	byTopic map[string]map[string]*Connection

	stop     chan struct{}
	stopOnce sync.Once
}

// NewRegistry creates a registry and starts the heartbeat sweeper.
func NewRegistry(cfg RegistryConfig, m *metrics.Metrics) *Registry {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 10000
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.HeartbeatTimeout <= 0 {
		cfg.HeartbeatTimeout = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	r := &Registry{
		cfg:       cfg,
		m:         m,
		byID:      make(map[string]*Connection),
		bySubject: make(map[string]map[string]*Connection),
		byTenant:  make(map[string]map[string]*Connection),
		byTopic:   make(map[string]map[string]*Connection),
		stop:      make(chan struct{}),
	}
	go r.sweepLoop()
	return r
}

// Add registers a new connection. The connection is fully indexed before
// it is returned.
func (r *Registry) Add(transport, subject, tenant string, roles []string) (*Connection, error) {
	r.idMu.Lock()
	if len(r.byID) >= r.cfg.MaxConnections {
		r.idMu.Unlock()
		return nil, ErrConnectionLimit
	}
	conn := &Connection{
		ID:            uuid.NewString(),
		Transport:     transport,
		Subject:       subject,
		Tenant:        tenant,
		Roles:         roles,
		CreatedAt:     time.Now(),
		lastHeartbeat: time.Now(),
		topics:        make(map[string]Filter),
		queue:         make(chan []byte, r.cfg.QueueSize),
		done:          make(chan struct{}),
	}
	r.byID[conn.ID] = conn
	r.idMu.Unlock()

	r.subjectMu.Lock()
	if r.bySubject[subject] == nil {
		r.bySubject[subject] = make(map[string]*Connection)
	}
	r.bySubject[subject][conn.ID] = conn
	r.subjectMu.Unlock()

	r.tenantMu.Lock()
	if r.byTenant[tenant] == nil {
		r.byTenant[tenant] = make(map[string]*Connection)
	}
	r.byTenant[tenant][conn.ID] = conn
	r.tenantMu.Unlock()

	if r.m != nil {
		r.m.ActiveConnections.WithLabelValues(transport).Inc()
	}
	slog.Info("stream connection registered",
		"connection_id", conn.ID, "transport", transport,
		"subject", subject, "tenant", tenant)
	return conn, nil
}

// Get returns a connection by id.
func (r *Registry) Get(id string) (*Connection, bool) {
	r.idMu.RLock()
	defer r.idMu.RUnlock()
	c, ok := r.byID[id]
	return c, ok
}

// Remove destroys a connection: it is deleted from every index, then its
// done channel is closed so the transport pumps exit and drain.
func (r *Registry) Remove(id string) {
	r.idMu.Lock()
	conn, ok := r.byID[id]
	if !ok {
		r.idMu.Unlock()
		return
	}
	delete(r.byID, id)
	r.idMu.Unlock()

	r.subjectMu.Lock()
	if set := r.bySubject[conn.Subject]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(r.bySubject, conn.Subject)
		}
	}
	r.subjectMu.Unlock()

	r.tenantMu.Lock()
	if set := r.byTenant[conn.Tenant]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byTenant, conn.Tenant)
		}
	}
	r.tenantMu.Unlock()

	r.topicMu.Lock()
	for topic, set := range r.byTopic {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byTopic, topic)
		}
	}
	r.topicMu.Unlock()

	conn.close()
	if r.m != nil {
		r.m.ActiveConnections.WithLabelValues(conn.Transport).Dec()
	}
	slog.Info("stream connection removed", "connection_id", id)
}

// Subscribe records a topic subscription and its filter.
func (r *Registry) Subscribe(id, topic string, filter Filter) error {
	conn, ok := r.Get(id)
	if !ok {
		return ErrUnknownConnection
	}

	conn.mu.Lock()
	conn.topics[topic] = filter
	conn.mu.Unlock()

	r.topicMu.Lock()
	if r.byTopic[topic] == nil {
		r.byTopic[topic] = make(map[string]*Connection)
	}
	r.byTopic[topic][id] = conn
	r.topicMu.Unlock()
	return nil
}

// Unsubscribe removes a topic subscription.
func (r *Registry) Unsubscribe(id, topic string) error {
	conn, ok := r.Get(id)
	if !ok {
		return ErrUnknownConnection
	}

	conn.mu.Lock()
	delete(conn.topics, topic)
	conn.mu.Unlock()

	r.topicMu.Lock()
	if set := r.byTopic[topic]; set != nil {
		delete(set, id)
		if len(set) == 0 {
			delete(r.byTopic, topic)
		}
	}
	r.topicMu.Unlock()
	return nil
}

// Subscribers returns the connections subscribed to a topic.
func (r *Registry) Subscribers(topic string) []*Connection {
	r.topicMu.RLock()
	defer r.topicMu.RUnlock()
	out := make([]*Connection, 0, len(r.byTopic[topic]))
	for _, c := range r.byTopic[topic] {
		out = append(out, c)
	}
	return out
}

// Stats reports registry counters for the get_stats action.
func (r *Registry) Stats() map[string]interface{} {
	r.idMu.RLock()
	total := len(r.byID)
	var dropped int64
	byTransport := map[string]int{}
	for _, c := range r.byID {
		byTransport[c.Transport]++
		dropped += c.Dropped()
	}
	r.idMu.RUnlock()

	r.topicMu.RLock()
	topics := make(map[string]int, len(r.byTopic))
	for t, set := range r.byTopic {
		topics[t] = len(set)
	}
	r.topicMu.RUnlock()

	return map[string]interface{}{
		"connections":     total,
		"by_transport":    byTransport,
		"subscriptions":   topics,
		"dropped_frames":  dropped,
		"max_connections": r.cfg.MaxConnections,
	}
}

// Close stops the sweeper and destroys every connection.
func (r *Registry) Close() {
	r.stopOnce.Do(func() { close(r.stop) })

	r.idMu.RLock()
	ids := make([]string, 0, len(r.byID))
	for id := range r.byID {
		ids = append(ids, id)
	}
	r.idMu.RUnlock()
	for _, id := range ids {
		r.Remove(id)
	}
}

// sweepLoop removes connections whose heartbeat is older than the timeout.
func (r *Registry) sweepLoop() {
	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			cutoff := time.Now().Add(-r.cfg.HeartbeatTimeout)
			r.idMu.RLock()
			var stale []string
			for id, c := range r.byID {
				if c.LastHeartbeat().Before(cutoff) {
					stale = append(stale, id)
				}
			}
			r.idMu.RUnlock()
			for _, id := range stale {
				slog.Info("heartbeat timeout, removing connection", "connection_id", id)
				r.Remove(id)
			}
		}
	}
}
