package ws

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"pairchat/internal/observability"
	"pairchat/internal/protocol"
)

// Hub owns the open sockets, keyed by connection id. Which socket speaks for
// which user is the registry's business, not the hub's.
type Hub struct {
	mu     sync.RWMutex
	conns  map[string]*Conn
	logger logrus.FieldLogger
}

// NewHub creates an empty hub.
func NewHub(logger logrus.FieldLogger) *Hub {
	return &Hub{
		conns:  make(map[string]*Conn),
		logger: logger.WithField("component", "ws"),
	}
}

func (h *Hub) add(conn *Conn) {
	h.mu.Lock()
	h.conns[conn.info.ConnID] = conn
	h.mu.Unlock()
	observability.IncWSActive()
}

func (h *Hub) remove(connID string) bool {
	h.mu.Lock()
	_, ok := h.conns[connID]
	delete(h.conns, connID)
	h.mu.Unlock()
	if ok {
		observability.DecWSActive()
	}
	return ok
}

func (h *Hub) get(connID string) (*Conn, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conn, ok := h.conns[connID]
	return conn, ok
}

// Len reports how many sockets are open.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Push queues ev on the socket connID. A socket whose queue is full is
// closed, and the push counts as a routing miss.
func (h *Hub) Push(connID string, ev protocol.ServerEvent) bool {
	conn, ok := h.get(connID)
	if !ok {
		return false
	}

	frame, err := protocol.EncodeServer(ev)
	if err != nil {
		h.logger.WithError(err).WithField("event", ev.EventType()).Error("encode server event")
		return false
	}
	if conn.enqueue(frame) {
		observability.ObservePush(ev.EventType(), true)
		return true
	}
	observability.ObservePush(ev.EventType(), false)

	if !conn.isClosed() {
		h.logger.WithFields(logrus.Fields{"conn_id": connID, "username": conn.info.Username}).Warn("send queue full, closing connection")
		h.publishWSError(conn.info, "send queue full")
		conn.Close()
	}
	return false
}

// Shutdown closes every socket with a going-away frame so clients reconnect.
func (h *Hub) Shutdown() {
	h.mu.RLock()
	conns := make([]*Conn, 0, len(h.conns))
	for _, conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.RUnlock()

	for _, conn := range conns {
		conn.closeWith(closeGoingAway, "server shutting down")
	}
}

func (h *Hub) publishWSError(info ConnInfo, reason string) {
	_ = observability.PublishEvent(context.Background(), observability.RoutingWSEvents, info.envelope("ws_error", reason), info.headers())
	observability.IncWSEvent("ws_error")
}
