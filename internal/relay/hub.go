package relay

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeWait = 5 * time.Second

// envelope is the frame format shared with the client.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// peer is one WebSocket connection. gorilla allows a single concurrent
// writer, so every write goes through mu.
type peer struct {
	conn   *websocket.Conn
	mu     sync.Mutex
	userID string
	rooms  map[string]struct{}
}

func (p *peer) send(event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	_ = p.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return p.conn.WriteJSON(envelope{Type: event, Payload: raw})
}

// Hub manages active connections keyed by user id, plus the project rooms
// each connection has joined.
type Hub struct {
	logger *slog.Logger

	mu    sync.RWMutex
	conns map[string]map[*peer]struct{}
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		logger: logger,
		conns:  make(map[string]map[*peer]struct{}),
	}
}

// Register adds a connection for the given user.
func (h *Hub) Register(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[p.userID] == nil {
		h.conns[p.userID] = make(map[*peer]struct{})
	}
	h.conns[p.userID][p] = struct{}{}
}

// Unregister removes a connection.
func (h *Hub) Unregister(p *peer) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.conns[p.userID]; ok {
		delete(conns, p)
		if len(conns) == 0 {
			delete(h.conns, p.userID)
		}
	}
}

// Join adds p to a project room.
func (h *Hub) Join(p *peer, projectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p.rooms[projectID] = struct{}{}
}

// Leave removes p from a project room.
func (h *Hub) Leave(p *peer, projectID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(p.rooms, projectID)
}

// Online reports whether userID has at least one connection.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns[userID]) > 0
}

// InRoom reports whether any connection of userID joined projectID.
func (h *Hub) InRoom(userID, projectID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for p := range h.conns[userID] {
		if _, ok := p.rooms[projectID]; ok {
			return true
		}
	}
	return false
}

// SendToUser delivers one event to every connection of userID. Failed
// connections are closed; their read loop unregisters them.
func (h *Hub) SendToUser(userID, event string, payload any) {
	h.mu.RLock()
	peers := make([]*peer, 0, len(h.conns[userID]))
	for p := range h.conns[userID] {
		peers = append(peers, p)
	}
	h.mu.RUnlock()

	for _, p := range peers {
		if err := p.send(event, payload); err != nil {
			h.logger.Debug("write failed, closing", "user_id", userID, "event", event, "error", err)
			p.conn.Close()
		}
	}
}
