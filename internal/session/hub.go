package session

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/playstake/backend/internal/store"
)

// Client is one live socket scoped to a (user, match) pair established at
// join time. It is owned by the process holding the socket and is never
// persisted.
type Client struct {
	conn    *websocket.Conn
	userID  string
	matchID string

	mu     sync.Mutex // guards send-vs-close
	send   chan []byte
	closed bool
}

func (c *Client) key() string {
	return c.matchID + "/" + c.userID
}

// push enqueues pre-marshaled bytes, reporting false when the buffer is
// full or the client already closed. Safe to call concurrently with
// close: the channel is never written after it is closed.
func (c *Client) push(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close shuts the send channel exactly once.
func (c *Client) close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Client) sendJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[HUB] Error marshaling message: %v", err)
		return
	}
	if !c.push(data) {
		log.Printf("[HUB] Send buffer full for %s, dropping message", c.key())
	}
}

func (c *Client) sendError(message string) {
	c.sendJSON(map[string]interface{}{"type": MsgError, "error": message})
}

// Hub is the session registry: it maps live connections to their match
// rooms and owns broadcast and disconnect cleanup. All state is
// process-local; multi-instance deployments need the Redis event bridge
// so broadcasts reach sockets held elsewhere.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client            // match/user -> client
	rooms   map[string]map[string]*Client // match id -> user id -> client
	store   store.Store

	// OnConnect / OnDisconnect let the coordinator track reconnects and
	// disconnect grace periods without the hub knowing about forfeits.
	OnConnect    func(matchID, userID string)
	OnDisconnect func(matchID, userID string)
}

func NewHub(st store.Store) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
		store:   st,
	}
}

// Register adds the connection to its match room, replacing any previous
// socket for the same (user, match). It persists the seat's connected flag
// and announces the arrival to the rest of the room.
func (h *Hub) Register(c *Client) (reconnect bool) {
	h.mu.Lock()
	if old, exists := h.clients[c.key()]; exists && old != c {
		log.Printf("[HUB] %s reconnecting - closing old connection", c.key())
		if old.conn != nil {
			old.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "replaced by new connection"),
				time.Now().Add(5*time.Second))
			old.conn.Close()
		}
		old.close()
		h.removeLocked(old)
		reconnect = true
	}

	h.clients[c.key()] = c
	if _, exists := h.rooms[c.matchID]; !exists {
		h.rooms[c.matchID] = make(map[string]*Client)
	}
	h.rooms[c.matchID][c.userID] = c
	h.mu.Unlock()

	if err := h.store.SetSeatConnected(context.Background(), c.matchID, c.userID, true); err != nil {
		log.Printf("[HUB] Failed to persist connected flag for %s: %v", c.key(), err)
	}
	if h.OnConnect != nil {
		h.OnConnect(c.matchID, c.userID)
	}

	h.Broadcast(c.matchID, map[string]interface{}{
		"type":    MsgPlayerConnected,
		"user_id": c.userID,
	}, c)

	log.Printf("[HUB] %s connected to match %s", c.userID, c.matchID)
	return reconnect
}

// Cleanup removes the connection from its room, flips the seat's connected
// flag and announces the departure. Calling it twice for the same
// connection is a no-op.
func (h *Hub) Cleanup(c *Client) {
	h.mu.Lock()
	cur, ok := h.clients[c.key()]
	if !ok || cur != c {
		h.mu.Unlock()
		return
	}
	h.removeLocked(c)
	c.close()
	h.mu.Unlock()

	if err := h.store.SetSeatConnected(context.Background(), c.matchID, c.userID, false); err != nil {
		log.Printf("[HUB] Failed to persist disconnected flag for %s: %v", c.key(), err)
	}
	if h.OnDisconnect != nil {
		h.OnDisconnect(c.matchID, c.userID)
	}

	h.Broadcast(c.matchID, map[string]interface{}{
		"type":    MsgPlayerDisconnected,
		"user_id": c.userID,
	}, nil)

	log.Printf("[HUB] %s disconnected from match %s", c.userID, c.matchID)
}

// removeLocked drops the client from both maps; caller holds the lock.
func (h *Hub) removeLocked(c *Client) {
	delete(h.clients, c.key())
	if room, exists := h.rooms[c.matchID]; exists {
		delete(room, c.userID)
		if len(room) == 0 {
			delete(h.rooms, c.matchID)
		}
	}
}

// Broadcast delivers the message at most once to every connection in the
// room except the excluded one. A full buffer on one connection never
// blocks the others; it schedules that connection's cleanup instead.
func (h *Hub) Broadcast(matchID string, message interface{}, exclude *Client) {
	data, err := json.Marshal(message)
	if err != nil {
		log.Printf("[HUB] Error marshaling broadcast: %v", err)
		return
	}

	var stalled []*Client
	h.mu.RLock()
	for _, client := range h.rooms[matchID] {
		if client == exclude {
			continue
		}
		if !client.push(data) {
			log.Printf("[HUB] Send buffer full for %s in match %s, scheduling cleanup", client.userID, matchID)
			stalled = append(stalled, client)
		}
	}
	h.mu.RUnlock()

	for _, client := range stalled {
		go h.Cleanup(client)
	}
}

// SendToUser delivers a message to one connection in a room, if present.
func (h *Hub) SendToUser(matchID, userID string, message interface{}) {
	h.mu.RLock()
	client, ok := h.rooms[matchID][userID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	client.sendJSON(message)
}

// RoomSize reports the number of live connections in a match room.
func (h *Hub) RoomSize(matchID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[matchID])
}

// ConnectedUsers lists the user ids with a live socket in the room.
func (h *Hub) ConnectedUsers(matchID string) []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]string, 0, len(h.rooms[matchID]))
	for userID := range h.rooms[matchID] {
		out = append(out, userID)
	}
	return out
}
