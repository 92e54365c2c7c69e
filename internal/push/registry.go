package push

import (
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	pushConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "flowline_push_connections",
		Help: "Number of live push connections.",
	})

	pushEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowline_push_events_total",
			Help: "Total number of push events handed to a transport.",
		},
		[]string{"delivery"},
	)

	pushSendFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "flowline_push_send_failures_total",
		Help: "Total number of per-connection send failures.",
	})
)

func init() {
	prometheus.MustRegister(pushConnections)
	prometheus.MustRegister(pushEventsTotal)
	prometheus.MustRegister(pushSendFailures)
}

// Transport is the capability set a wire mechanism supplies to the registry.
// The conn argument is the transport's own connection handle; the registry
// treats it as opaque.
type Transport interface {
	// Send hands one encoded event frame to the connection. A returned
	// error marks that connection's delivery as failed; it is logged by
	// the registry and never propagated.
	Send(conn any, payload []byte) error
	// Close releases the connection. Must be idempotent.
	Close(conn any)
}

type entry struct {
	connID    string
	transport Transport
	conn      any
}

// Registry maps a session identifier to exactly one live connection.
// All methods are safe for concurrent use.
type Registry struct {
	mu      sync.Mutex
	logger  *slog.Logger
	entries map[string]entry
}

// NewRegistry creates an empty connection registry.
func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{
		logger:  logger,
		entries: make(map[string]entry),
	}
}

// Add registers a connection under sessionID. A prior connection for the
// same session is closed and replaced, keeping at most one live connection
// per session. connID distinguishes this connection from any replacement.
func (r *Registry) Add(sessionID, connID string, t Transport, conn any) {
	r.mu.Lock()
	old, replaced := r.entries[sessionID]
	r.entries[sessionID] = entry{connID: connID, transport: t, conn: conn}
	n := len(r.entries)
	r.mu.Unlock()

	pushConnections.Set(float64(n))

	// Close outside the lock; a transport close must not be able to stall
	// registrations.
	if replaced {
		r.logger.Debug("replacing push connection",
			"session_id", sessionID, "old_conn_id", old.connID, "conn_id", connID)
		old.transport.Close(old.conn)
	}
}

// Remove closes and deregisters the session's connection. It is a no-op for
// unknown sessions, so the explicit caller path and the transport-initiated
// disconnect path converge without double-closing.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	if ok {
		delete(r.entries, sessionID)
	}
	n := len(r.entries)
	r.mu.Unlock()

	pushConnections.Set(float64(n))
	if ok {
		e.transport.Close(e.conn)
	}
}

// RemoveConn deregisters the session only when its registered connection is
// still connID. A transport noticing the disconnect of a connection that
// has already been replaced must not tear down the replacement.
func (r *Registry) RemoveConn(sessionID, connID string) {
	r.mu.Lock()
	e, ok := r.entries[sessionID]
	if ok && e.connID == connID {
		delete(r.entries, sessionID)
	} else {
		ok = false
	}
	n := len(r.entries)
	r.mu.Unlock()

	pushConnections.Set(float64(n))
	if ok {
		e.transport.Close(e.conn)
	}
}

// SendToOne delivers an event to one session. An absent session drops the
// event silently; a transport failure is logged and swallowed.
func (r *Registry) SendToOne(sessionID string, ev Event) {
	payload, err := ev.Encode()
	if err != nil {
		r.logger.Error("encode push event", "type", ev.Type, "error", err)
		return
	}

	r.mu.Lock()
	e, ok := r.entries[sessionID]
	r.mu.Unlock()
	if !ok {
		return
	}

	pushEventsTotal.WithLabelValues("one").Inc()
	if err := e.transport.Send(e.conn, payload); err != nil {
		pushSendFailures.Inc()
		r.logger.Warn("push send failed",
			"session_id", sessionID, "conn_id", e.connID, "type", ev.Type, "error", err)
	}
}

// SendToAll delivers an event to every session registered at the moment of
// the call. Delivery iterates over a snapshot, so concurrent Add/Remove
// neither invalidates the iteration nor blocks on a slow send; one
// connection's failure never interrupts delivery to the rest.
func (r *Registry) SendToAll(ev Event) {
	payload, err := ev.Encode()
	if err != nil {
		r.logger.Error("encode push event", "type", ev.Type, "error", err)
		return
	}

	r.mu.Lock()
	snapshot := make(map[string]entry, len(r.entries))
	for sid, e := range r.entries {
		snapshot[sid] = e
	}
	r.mu.Unlock()

	for sid, e := range snapshot {
		pushEventsTotal.WithLabelValues("all").Inc()
		if err := e.transport.Send(e.conn, payload); err != nil {
			pushSendFailures.Inc()
			r.logger.Warn("push send failed",
				"session_id", sid, "conn_id", e.connID, "type", ev.Type, "error", err)
		}
	}
}

// Len returns the number of live connections.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}
