package push

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/wrenware/flowline/internal/model"
)

// sseBufferSize is the per-connection send buffer. Events are dropped for a
// connection whose consumer falls this far behind.
const sseBufferSize = 64

// defaultHeartbeat is the interval between SSE keep-alive comments.
const defaultHeartbeat = 30 * time.Second

var (
	errConnClosed = errors.New("connection closed")
	errBufferFull = errors.New("send buffer full")
)

// SSETransport delivers push events over server-sent events. It implements
// Transport for the registry and http.Handler for the connect endpoint.
type SSETransport struct {
	registry  *Registry
	logger    *slog.Logger
	heartbeat time.Duration
}

// NewSSETransport creates an SSE transport bound to the given registry.
func NewSSETransport(registry *Registry, logger *slog.Logger) *SSETransport {
	return &SSETransport{
		registry:  registry,
		logger:    logger,
		heartbeat: defaultHeartbeat,
	}
}

// SetHeartbeat overrides the keep-alive interval.
func (t *SSETransport) SetHeartbeat(d time.Duration) {
	t.heartbeat = d
}

// sseConn is one live SSE connection. The handler goroutine is the single
// writer on the wire, so events queued through out arrive in send order.
type sseConn struct {
	id        string
	out       chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// Send queues one encoded frame for the connection's writer goroutine.
// A full buffer drops the frame rather than blocking the sender.
func (t *SSETransport) Send(conn any, payload []byte) error {
	c, ok := conn.(*sseConn)
	if !ok {
		return fmt.Errorf("not an SSE connection: %T", conn)
	}
	select {
	case <-c.done:
		return errConnClosed
	case c.out <- payload:
		return nil
	default:
		return errBufferFull
	}
}

// Close signals the connection's writer goroutine to stop. Idempotent.
func (t *SSETransport) Close(conn any) {
	c, ok := conn.(*sseConn)
	if !ok {
		return
	}
	c.closeOnce.Do(func() { close(c.done) })
}

// ServeHTTP establishes a long-lived SSE connection. The session identifier
// comes from the sessionId query parameter; one is generated when the
// client omits it. Disconnection deregisters the connection, but only if it
// has not already been replaced by a reconnect.
func (t *SSETransport) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		sessionID = model.NewSessionID()
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Disable the write timeout for the long-lived stream.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		t.logger.Error("set write deadline for SSE", "error", err)
	}

	conn := &sseConn{
		id:   model.NewConnectionID(),
		out:  make(chan []byte, sseBufferSize),
		done: make(chan struct{}),
	}

	t.registry.Add(sessionID, conn.id, t, conn)
	defer t.registry.RemoveConn(sessionID, conn.id)

	w.WriteHeader(http.StatusOK)

	// Acknowledge the connection so the client learns its session id.
	ack, err := NewEvent("connected", map[string]string{"sessionId": sessionID})
	if err == nil {
		if payload, err := ack.Encode(); err == nil {
			if err := writeSSEData(w, payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}

	heartbeat := time.NewTicker(t.heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			// Client disconnected.
			return
		case <-conn.done:
			// Closed by the registry (replacement or explicit removal).
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case payload := <-conn.out:
			if err := writeSSEData(w, payload); err != nil {
				// Write failed (e.g. client gone).
				return
			}
			flusher.Flush()
		}
	}
}

// writeSSEData writes one frame as an SSE data event.
func writeSSEData(w http.ResponseWriter, payload []byte) error {
	_, err := fmt.Fprintf(w, "data: %s\n\n", payload)
	return err
}
