package signaling

import (
	"log/slog"
	"sync"
	"time"
)

// Hub maps session ids to their Exchange and connected endpoints. Sessions
// never share an Exchange, so a message cannot leak across sessions.
type Hub struct {
	log     *slog.Logger
	metrics *Metrics

	hostGrace  time.Duration
	onHostGone func(sessionID string)

	mu    sync.Mutex
	rooms map[string]*room
}

type room struct {
	ex    *Exchange
	conns map[Role]*Client
	grace *time.Timer
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHostGrace sets how long a session may lack a host connection before
// onGone runs for it.
func WithHostGrace(d time.Duration, onGone func(sessionID string)) HubOption {
	return func(h *Hub) {
		if d > 0 {
			h.hostGrace = d
		}
		h.onHostGone = onGone
	}
}

// NewHub constructs an empty Hub.
func NewHub(log *slog.Logger, metrics *Metrics, opts ...HubOption) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{
		log:       log,
		metrics:   metrics,
		hostGrace: hostReconnectGrace,
		rooms:     make(map[string]*room),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// Exchange returns the session's Exchange, creating it on first use. The
// entry is dropped once the session ends.
func (h *Hub) Exchange(g Gate) *Exchange {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.roomLocked(g).ex
}

func (h *Hub) roomLocked(g Gate) *room {
	id := g.ID()
	if r, ok := h.rooms[id]; ok {
		return r
	}
	r := &room{
		ex:    NewExchange(g, h.log, h.metrics),
		conns: make(map[Role]*Client),
	}
	h.rooms[id] = r

	go func() {
		<-g.Done()
		h.remove(id, r)
	}()
	return r
}

func (h *Hub) remove(id string, r *room) {
	h.mu.Lock()
	if cur, ok := h.rooms[id]; ok && cur == r {
		delete(h.rooms, id)
	}
	if r.grace != nil {
		r.grace.Stop()
	}
	conns := make([]*Client, 0, len(r.conns))
	for _, c := range r.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}

// Len returns the number of sessions with a live Exchange.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// attach registers c as the session's endpoint for c.Role and returns the
// connection it replaced, if any.
func (h *Hub) attach(g Gate, c *Client) (*Exchange, *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := h.roomLocked(g)
	prev := r.conns[c.Role]
	r.conns[c.Role] = c
	if c.Role == RoleHost && r.grace != nil {
		r.grace.Stop()
		r.grace = nil
	}
	h.metrics.connOpened(c.Role)
	return r.ex, prev
}

// detach removes c if it is still the registered endpoint. When the host
// leaves, the host grace timer starts.
func (h *Hub) detach(sessionID string, c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.metrics.connClosed(c.Role)
	r, ok := h.rooms[sessionID]
	if !ok || r.conns[c.Role] != c {
		return
	}
	delete(r.conns, c.Role)

	if c.Role != RoleHost || h.onHostGone == nil {
		return
	}
	if r.grace != nil {
		r.grace.Stop()
	}
	r.grace = time.AfterFunc(h.hostGrace, func() {
		h.mu.Lock()
		_, back := r.conns[RoleHost]
		h.mu.Unlock()
		if back {
			return
		}
		h.log.Info("signal.host.gone", "session_id", sessionID)
		h.onHostGone(sessionID)
	})
}

// connected reports whether role has a registered connection for sessionID.
func (h *Hub) connected(sessionID string, role Role) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	r, ok := h.rooms[sessionID]
	if !ok {
		return false
	}
	_, ok = r.conns[role]
	return ok
}
