package websocket

import (
	"errors"
	"sync"

	"github.com/anjiri1684/amora_chat/metrics"
	"go.uber.org/zap"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrNotInRoom         = errors.New("connection is not in room")
	ErrWrongUser         = errors.New("room belongs to another user")
)

// Hub tracks room membership of live connections and fans events out to
// them. Targets are snapshotted under the lock and written after it is
// released; a client whose queue is full misses the frame.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	rooms   map[string]map[string]*Client
	log     *zap.SugaredLogger
}

func NewHub(log *zap.SugaredLogger) *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
		log:     log,
	}
}

func (h *Hub) Attach(c *Client) {
	h.mu.Lock()
	h.clients[c.ID] = c
	h.mu.Unlock()
	metrics.Connections.Inc()
}

// Detach removes the connection from every room and closes its queue.
func (h *Hub) Detach(connID string) {
	h.mu.Lock()
	c, ok := h.clients[connID]
	if !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, connID)
	for room := range c.rooms {
		h.leave(room, c)
	}
	h.mu.Unlock()

	c.close()
	metrics.Connections.Dec()
}

// JoinUserRoom puts the connection in its owner's personal room. A
// connection may only join the room of the user it authenticated as.
func (h *Hub) JoinUserRoom(connID, userID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[connID]
	if !ok {
		return ErrUnknownConnection
	}
	if c.UserID != userID {
		return ErrWrongUser
	}
	h.join(UserRoom(userID), c)
	return nil
}

func (h *Hub) JoinConversationRoom(connID, conversationID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.clients[connID]
	if !ok {
		return ErrUnknownConnection
	}
	h.join(ConversationRoom(conversationID), c)
	return nil
}

func (h *Hub) LeaveConversationRoom(connID, conversationID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if c, ok := h.clients[connID]; ok {
		h.leave(ConversationRoom(conversationID), c)
	}
}

func (h *Hub) InConversationRoom(connID, conversationID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[ConversationRoom(conversationID)][connID]
	return ok
}

// caller holds h.mu
func (h *Hub) join(room string, c *Client) {
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Client)
		h.rooms[room] = members
	}
	members[c.ID] = c
	c.rooms[room] = struct{}{}
}

// caller holds h.mu
func (h *Hub) leave(room string, c *Client) {
	if members, ok := h.rooms[room]; ok {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(h.rooms, room)
		}
	}
	delete(c.rooms, room)
}

func (h *Hub) EmitToConversation(conversationID, event string, data any) {
	h.emitRoom(ConversationRoom(conversationID), "", event, data)
}

func (h *Hub) EmitToUser(userID, event string, data any) {
	h.emitRoom(UserRoom(userID), "", event, data)
}

func (h *Hub) EmitToConn(connID, event string, data any) {
	h.mu.RLock()
	c, ok := h.clients[connID]
	h.mu.RUnlock()
	if ok {
		h.deliver([]*Client{c}, event, data)
	}
}

// Broadcast sends to every connection except exceptConnID.
func (h *Hub) Broadcast(exceptConnID, event string, data any) {
	h.mu.RLock()
	targets := make([]*Client, 0, len(h.clients))
	for id, c := range h.clients {
		if id != exceptConnID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	h.deliver(targets, event, data)
}

// Relay forwards an ephemeral event from a member of the conversation room
// to the other members. Nothing is persisted or acknowledged.
func (h *Hub) Relay(connID, conversationID, event string, data any) error {
	room := ConversationRoom(conversationID)
	h.mu.RLock()
	if _, ok := h.rooms[room][connID]; !ok {
		h.mu.RUnlock()
		return ErrNotInRoom
	}
	h.mu.RUnlock()
	h.emitRoom(room, connID, event, data)
	return nil
}

func (h *Hub) emitRoom(room, exceptConnID, event string, data any) {
	h.mu.RLock()
	members := h.rooms[room]
	targets := make([]*Client, 0, len(members))
	for id, c := range members {
		if id != exceptConnID {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()
	h.deliver(targets, event, data)
}

func (h *Hub) deliver(targets []*Client, event string, data any) {
	if len(targets) == 0 {
		return
	}
	frame, err := encode(event, data)
	if err != nil {
		h.log.Errorw("encode event", "event", event, "error", err)
		return
	}
	for _, c := range targets {
		if !c.enqueue(frame) {
			metrics.DroppedFrames.Inc()
			h.log.Warnw("dropped frame", "event", event, "conn", c.ID, "user", c.UserID)
		}
	}
}
