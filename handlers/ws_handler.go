package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	configs "github.com/anjiri1684/amora_chat/configs"
	"github.com/anjiri1684/amora_chat/middleware"
	"github.com/anjiri1684/amora_chat/models"
	"github.com/anjiri1684/amora_chat/presence"
	"github.com/anjiri1684/amora_chat/websocket"
	websocketcontrib "github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	authWait    = 10 * time.Second
	lookupLimit = 5 * time.Second
)

// ConversationFinder is the slice of the store the socket needs to check
// room membership.
type ConversationFinder interface {
	FindConversation(ctx context.Context, id string) (*models.Conversation, error)
}

type WSHandler struct {
	hub      *websocket.Hub
	registry *presence.Registry
	convs    ConversationFinder
	secret   string
	cfg      configs.WSConfig
	log      *zap.SugaredLogger
}

func NewWSHandler(hub *websocket.Hub, registry *presence.Registry, convs ConversationFinder, secret string, cfg configs.WSConfig, log *zap.SugaredLogger) *WSHandler {
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 25 * time.Second
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	return &WSHandler{hub: hub, registry: registry, convs: convs, secret: secret, cfg: cfg, log: log}
}

type authMessage struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// TypingEvent is what the other members of the room receive.
type TypingEvent struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
}

type ErrorEvent struct {
	Event   string `json:"event,omitempty"`
	Message string `json:"message"`
}

// Upgrade only lets websocket handshakes through to Serve.
func (h *WSHandler) Upgrade(c *fiber.Ctx) error {
	if websocketcontrib.IsWebSocketUpgrade(c) {
		c.Locals("allowed", true)
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// Serve runs one connection: authenticate, register presence and the
// personal room, then read client events until the socket goes away.
func (h *WSHandler) Serve(conn *websocketcontrib.Conn) {
	userID, err := h.authenticate(conn)
	if err != nil {
		h.log.Infow("websocket auth failed", "error", err)
		_ = conn.WriteJSON(fiber.Map{"event": websocket.EventError, "data": ErrorEvent{Message: "Invalid or missing auth message"}})
		_ = conn.Close()
		return
	}

	client := websocket.NewClient(userID, h.cfg.SendBuffer)
	h.hub.Attach(client)
	if err := h.hub.JoinUserRoom(client.ID, userID); err != nil {
		h.log.Errorw("join personal room", "user", userID, "error", err)
		h.hub.Detach(client.ID)
		_ = conn.Close()
		return
	}
	if err := h.registry.Register(userID, client.ID); err != nil {
		h.hub.Detach(client.ID)
		_ = conn.Close()
		return
	}
	h.log.Debugw("websocket connected", "user", userID, "conn", client.ID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		client.WritePump(conn, h.cfg.PingInterval, h.cfg.WriteWait)
	}()
	defer func() {
		h.registry.Unregister(client.ID)
		h.hub.Detach(client.ID)
		<-done
		h.log.Debugw("websocket disconnected", "user", userID, "conn", client.ID)
	}()

	h.readLoop(conn, client)
}

// authenticate accepts ?token= on the handshake or a first frame of the form
// {"type":"auth","token":"..."}.
func (h *WSHandler) authenticate(conn *websocketcontrib.Conn) (string, error) {
	if tok := conn.Query("token"); tok != "" {
		return middleware.ParseToken(h.secret, tok)
	}
	_ = conn.SetReadDeadline(time.Now().Add(authWait))
	var msg authMessage
	if err := conn.ReadJSON(&msg); err != nil {
		return "", err
	}
	if msg.Type != "auth" {
		return "", errors.New("first frame is not an auth message")
	}
	_ = conn.SetReadDeadline(time.Time{})
	return middleware.ParseToken(h.secret, msg.Token)
}

func (h *WSHandler) readLoop(conn *websocketcontrib.Conn, client *websocket.Client) {
	if h.cfg.MaxMessageSize > 0 {
		conn.SetReadLimit(h.cfg.MaxMessageSize)
	}
	readWait := 2 * h.cfg.PingInterval
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(readWait))
	})

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if websocketcontrib.IsUnexpectedCloseError(err, websocketcontrib.CloseGoingAway, websocketcontrib.CloseNormalClosure) {
				h.log.Infow("websocket read error", "user", client.UserID, "error", err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))

		var env websocket.Envelope
		if err := json.Unmarshal(raw, &env); err != nil || env.Event == "" {
			h.reject(client, "", "malformed frame")
			continue
		}
		h.dispatch(client, env)
	}
}

func (h *WSHandler) dispatch(client *websocket.Client, env websocket.Envelope) {
	ctx, cancel := context.WithTimeout(context.Background(), lookupLimit)
	defer cancel()

	switch env.Event {
	case websocket.EventJoinRoom:
		id, ok := h.idFrom(client, env)
		if !ok {
			return
		}
		if err := h.hub.JoinUserRoom(client.ID, id); err != nil {
			h.reject(client, env.Event, "cannot join another user's room")
		}

	case websocket.EventJoinConversation:
		id, ok := h.idFrom(client, env)
		if !ok {
			return
		}
		conv, err := h.convs.FindConversation(ctx, id)
		if err != nil || !conv.HasParticipant(client.UserID) {
			h.reject(client, env.Event, "conversation not found")
			return
		}
		_ = h.hub.JoinConversationRoom(client.ID, id)

	case websocket.EventLeaveConversation:
		if id, ok := h.idFrom(client, env); ok {
			h.hub.LeaveConversationRoom(client.ID, id)
		}

	case websocket.EventTyping, websocket.EventStopTyping:
		id, ok := h.idFrom(client, env)
		if !ok {
			return
		}
		ev := TypingEvent{ConversationID: id, UserID: client.UserID}
		if err := h.hub.Relay(client.ID, id, env.Event, ev); err != nil {
			h.reject(client, env.Event, "join the conversation first")
		}

	case websocket.EventCheckUserOnline:
		if id, ok := h.idFrom(client, env); ok {
			h.hub.EmitToConn(client.ID, websocket.EventUserOnlineStatus, h.registry.Status(ctx, id))
		}

	case websocket.EventCheckUsersOnline:
		var ids []string
		if err := json.Unmarshal(env.Data, &ids); err != nil {
			h.reject(client, env.Event, "expected a list of user ids")
			return
		}
		if !validIDs(ids) {
			h.reject(client, env.Event, "invalid id")
			return
		}
		st, err := h.registry.StatusMany(ctx, ids)
		if err != nil {
			h.reject(client, env.Event, err.Error())
			return
		}
		h.hub.EmitToConn(client.ID, websocket.EventUsersOnlineStatus, st)

	default:
		h.reject(client, env.Event, "unknown event")
	}
}

// idFrom reads a single id, sent either bare or as {"id": "..."}.
func (h *WSHandler) idFrom(client *websocket.Client, env websocket.Envelope) (string, bool) {
	var raw string
	if err := json.Unmarshal(env.Data, &raw); err != nil {
		var obj struct {
			ID             string `json:"id"`
			UserID         string `json:"userId"`
			ConversationID string `json:"conversationId"`
		}
		if err := json.Unmarshal(env.Data, &obj); err == nil {
			raw = firstNonEmpty(obj.ID, obj.ConversationID, obj.UserID)
		}
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		h.reject(client, env.Event, "invalid id")
		return "", false
	}
	return id.String(), true
}

func (h *WSHandler) reject(client *websocket.Client, event, msg string) {
	h.hub.EmitToConn(client.ID, websocket.EventError, ErrorEvent{Event: event, Message: msg})
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
