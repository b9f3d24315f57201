package broadcast

import (
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"
)

const defaultQueueSize = 64

// Conn is the transport surface the hub needs. *websocket.Conn satisfies it.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Observer is one live connection in the fan-out set. Each observer owns a
// buffered outbound queue drained by a single writer goroutine, so events for
// one observer are delivered in enqueue order even though deliveries to
// different observers proceed independently.
type Observer struct {
	conn  Conn
	queue chan []byte
	done  chan struct{}

	mu     sync.Mutex
	closed bool

	sessionID string // guarded by hub.mu
}

// Hub maintains the authoritative observer set and the session-to-observer
// binding. It knows nothing about session or escalation internals; it moves
// serialized events.
type Hub struct {
	logger    *slog.Logger
	queueSize int

	mu        sync.Mutex
	observers map[*Observer]struct{}
	bySession map[string]*Observer
}

func NewHub(logger *slog.Logger) *Hub {
	return NewHubWithQueueSize(logger, defaultQueueSize)
}

// NewHubWithQueueSize sizes each observer's outbound queue. Sizes under 1
// fall back to the default.
func NewHubWithQueueSize(logger *slog.Logger, queueSize int) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &Hub{
		logger:    logger,
		queueSize: queueSize,
		observers: make(map[*Observer]struct{}),
		bySession: make(map[string]*Observer),
	}
}

// Register adds a connection to the observer set and starts its writer.
func (h *Hub) Register(conn Conn) *Observer {
	obs := &Observer{
		conn:  conn,
		queue: make(chan []byte, h.queueSize),
		done:  make(chan struct{}),
	}
	h.mu.Lock()
	h.observers[obs] = struct{}{}
	h.mu.Unlock()

	go obs.writeLoop()
	return obs
}

// Unregister removes an observer and drops its session binding in the same
// lock hold, so no dangling session-to-connection mapping survives it.
func (h *Hub) Unregister(obs *Observer) {
	if obs == nil {
		return
	}
	h.mu.Lock()
	delete(h.observers, obs)
	if obs.sessionID != "" {
		if h.bySession[obs.sessionID] == obs {
			delete(h.bySession, obs.sessionID)
		}
		obs.sessionID = ""
	}
	h.mu.Unlock()

	obs.close()
}

// BindSession marks obs as the owning connection for a session ID.
func (h *Hub) BindSession(obs *Observer, sessionID string) {
	if obs == nil || sessionID == "" {
		return
	}
	h.mu.Lock()
	if obs.sessionID != "" && h.bySession[obs.sessionID] == obs {
		delete(h.bySession, obs.sessionID)
	}
	obs.sessionID = sessionID
	h.bySession[sessionID] = obs
	h.mu.Unlock()
}

// UnbindSession drops the owning-connection mapping for a session ID.
func (h *Hub) UnbindSession(sessionID string) {
	if sessionID == "" {
		return
	}
	h.mu.Lock()
	if obs, ok := h.bySession[sessionID]; ok {
		delete(h.bySession, sessionID)
		obs.sessionID = ""
	}
	h.mu.Unlock()
}

// SessionID returns the session obs currently owns, if any.
func (h *Hub) SessionID(obs *Observer) string {
	if obs == nil {
		return ""
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return obs.sessionID
}

// ObserverForSession resolves the owning connection for a session ID.
func (h *Hub) ObserverForSession(sessionID string) (*Observer, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	obs, ok := h.bySession[sessionID]
	return obs, ok
}

func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.observers)
}

// BroadcastAll serializes the event once and enqueues it to every open
// observer. Fire-and-forget: closed or saturated observers are skipped and the
// caller is never blocked, so registry mutations never wait on slow consumers.
func (h *Hub) BroadcastAll(event any) {
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("broadcast marshal failed", "error", err)
		return
	}

	h.mu.Lock()
	targets := make([]*Observer, 0, len(h.observers))
	for obs := range h.observers {
		targets = append(targets, obs)
	}
	h.mu.Unlock()

	for _, obs := range targets {
		obs.enqueue(data)
	}
}

// SendTo delivers an event to exactly one observer with the same open-state
// guard as BroadcastAll.
func (h *Hub) SendTo(obs *Observer, event any) {
	if obs == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("send marshal failed", "error", err)
		return
	}
	obs.enqueue(data)
}

// SendToSession delivers an event to a session's owning connection, if one is
// still bound and open.
func (h *Hub) SendToSession(sessionID string, event any) {
	if obs, ok := h.ObserverForSession(sessionID); ok {
		h.SendTo(obs, event)
	}
}

func (o *Observer) enqueue(data []byte) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return
	}
	select {
	case o.queue <- data:
	default:
		// Saturated observer; drop rather than block the producer.
	}
}

func (o *Observer) close() {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	o.closed = true
	close(o.queue)
	o.mu.Unlock()
	<-o.done
}

func (o *Observer) writeLoop() {
	defer close(o.done)
	for data := range o.queue {
		if err := o.conn.WriteMessage(websocket.TextMessage, data); err != nil {
			// The connection is gone; keep draining so close() never blocks.
			continue
		}
	}
}
