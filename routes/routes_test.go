package routes

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	configs "github.com/anjiri1684/amora_chat/configs"
	"github.com/anjiri1684/amora_chat/database"
	"github.com/anjiri1684/amora_chat/handlers"
	"github.com/anjiri1684/amora_chat/middleware"
	"github.com/anjiri1684/amora_chat/models"
	"github.com/anjiri1684/amora_chat/presence"
	"github.com/anjiri1684/amora_chat/services"
	"github.com/anjiri1684/amora_chat/store"
	"github.com/anjiri1684/amora_chat/utils"
	"github.com/anjiri1684/amora_chat/websocket"
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const testSecret = "handler-test-secret"

type testServer struct {
	app      *fiber.App
	db       *gorm.DB
	registry *presence.Registry
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	db, err := database.Connect("sqlite", "file::memory:")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	log := zap.NewNop().Sugar()
	st := store.NewGormStore(db)
	hub := websocket.NewHub(log)
	registry := presence.NewRegistry(st, hub, presence.Options{HeartbeatInterval: time.Hour}, log)
	t.Cleanup(registry.Close)

	messages := services.NewMessageService(st, hub, nil, nil, log)
	convs := services.NewConversationService(st, hub, messages, nil, log)
	calls := services.NewCallService(st, hub, nil, log)
	ws := handlers.NewWSHandler(hub, registry, st, testSecret, configs.WSConfig{SendBuffer: 16}, log)

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error { return utils.Fail(c, err) },
	})
	Setup(app, Handlers{
		Conversations: handlers.NewConversationHandler(convs),
		Messages:      handlers.NewMessageHandler(messages),
		Calls:         handlers.NewCallHandler(calls),
		Presence:      handlers.NewPresenceHandler(registry),
		Uploads:       handlers.NewUploadHandler(nil, log),
		WS:            ws,
		Auth:          middleware.Protected(testSecret),
	})
	return &testServer{app: app, db: db, registry: registry}
}

func (s *testServer) user(t *testing.T, name string) string {
	t.Helper()
	u := models.User{Name: name, Email: name + "@example.com"}
	if err := s.db.Create(&u).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u.ID
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Total   *int64          `json:"total"`
	Data    json.RawMessage `json:"data"`
}

// do sends a request as userID (anonymous when empty) and decodes the
// envelope into out when given.
func (s *testServer) do(t *testing.T, userID, method, path string, body any, out any) int {
	t.Helper()
	var r io.Reader
	if body != nil {
		raw, _ := json.Marshal(body)
		r = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, r)
	req.Header.Set("Content-Type", "application/json")
	if userID != "" {
		tok, err := middleware.SignToken(testSecret, userID, time.Hour)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	resp, err := s.app.Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		var env envelope
		if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
		if len(env.Data) > 0 {
			if err := json.Unmarshal(env.Data, out); err != nil {
				t.Fatalf("decode data %s %s: %v", method, path, err)
			}
		}
	}
	return resp.StatusCode
}

func TestConversationAndReadReceiptFlow(t *testing.T) {
	s := newTestServer(t)
	a, b := s.user(t, "alice"), s.user(t, "bob")

	var conv services.ConversationView
	if code := s.do(t, a, "POST", "/api/v1/conversations", fiber.Map{"participants": []string{b}}, &conv); code != http.StatusCreated {
		t.Fatalf("create conversation: %d", code)
	}
	var again services.ConversationView
	if code := s.do(t, b, "POST", "/api/v1/conversations", fiber.Map{"participants": []string{a}}, &again); code != http.StatusOK {
		t.Fatalf("existing pair should return 200, got %d", code)
	}
	if again.ID != conv.ID {
		t.Fatalf("expected %s, got %s", conv.ID, again.ID)
	}

	var msg services.MessageView
	if code := s.do(t, a, "POST", "/api/v1/messages", fiber.Map{"conversationId": conv.ID, "content": "hi"}, &msg); code != http.StatusCreated {
		t.Fatalf("send: %d", code)
	}
	if msg.Sender.Name != "alice" || msg.Content != "hi" {
		t.Fatalf("unexpected message %+v", msg)
	}

	var unread struct {
		UnreadCount int64 `json:"unreadCount"`
	}
	s.do(t, b, "GET", "/api/v1/messages/unread/"+conv.ID, nil, &unread)
	if unread.UnreadCount != 1 {
		t.Fatalf("expected 1 unread, got %d", unread.UnreadCount)
	}

	var read services.ReadResult
	if code := s.do(t, b, "POST", "/api/v1/messages/read", fiber.Map{"conversationId": conv.ID}, &read); code != http.StatusOK {
		t.Fatalf("mark read: %d", code)
	}
	if read.Modified != 1 || len(read.MessageIDs) != 1 || read.MessageIDs[0] != msg.ID {
		t.Fatalf("unexpected read result %+v", read)
	}
	s.do(t, b, "GET", "/api/v1/messages/unread/"+conv.ID, nil, &unread)
	if unread.UnreadCount != 0 {
		t.Fatalf("expected 0 unread, got %d", unread.UnreadCount)
	}

	var page []services.MessageView
	s.do(t, b, "GET", "/api/v1/messages?conversationId="+conv.ID, nil, &page)
	if len(page) != 1 || page[0].ID != msg.ID {
		t.Fatalf("unexpected page %+v", page)
	}

	var list []services.ConversationView
	s.do(t, b, "GET", "/api/v1/conversations", nil, &list)
	if len(list) != 1 || list[0].LastMessage == nil || list[0].LastMessage.ID != msg.ID {
		t.Fatalf("unexpected conversation list %+v", list)
	}
}

func TestRequestValidation(t *testing.T) {
	s := newTestServer(t)
	a := s.user(t, "alice")

	cases := []struct {
		name   string
		user   string
		method string
		path   string
		body   any
		status int
	}{
		{"no token", "", "GET", "/api/v1/conversations", nil, http.StatusBadRequest},
		{"missing conversation id", a, "POST", "/api/v1/messages", fiber.Map{"content": "hi"}, http.StatusBadRequest},
		{"malformed conversation id", a, "GET", "/api/v1/messages?conversationId=nope", nil, http.StatusBadRequest},
		{"unknown conversation", a, "POST", "/api/v1/messages/read", fiber.Map{"conversationId": "6f1d7b7e-0c8e-4d7a-9d43-3a8f6f0a9b11"}, http.StatusNotFound},
		{"unknown message", a, "GET", "/api/v1/messages/6f1d7b7e-0c8e-4d7a-9d43-3a8f6f0a9b11", nil, http.StatusNotFound},
		{"uploads unconfigured", a, "GET", "/api/v1/uploads/signature", nil, http.StatusServiceUnavailable},
		{"empty presence batch", a, "POST", "/api/v1/presence/status", fiber.Map{"userIds": []string{}}, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if code := s.do(t, tc.user, tc.method, tc.path, tc.body, nil); code != tc.status {
				t.Fatalf("expected %d, got %d", tc.status, code)
			}
		})
	}
}

func TestCallEndpoints(t *testing.T) {
	s := newTestServer(t)
	a, b := s.user(t, "alice"), s.user(t, "bob")

	var call services.CallView
	if code := s.do(t, a, "POST", "/api/v1/calls", fiber.Map{"receiverId": b, "callType": "audio"}, &call); code != http.StatusCreated {
		t.Fatalf("create call: %d", code)
	}
	if code := s.do(t, b, "PATCH", "/api/v1/calls/"+call.ID+"/status", fiber.Map{"status": "answered"}, &call); code != http.StatusOK {
		t.Fatalf("answer: %d", code)
	}
	if call.Status != models.CallAnswered {
		t.Fatalf("expected answered, got %s", call.Status)
	}
	if code := s.do(t, b, "PATCH", "/api/v1/calls/"+call.ID+"/status", fiber.Map{"status": "rejected"}, nil); code != http.StatusConflict {
		t.Fatalf("answered call cannot be rejected, got %d", code)
	}

	if code := s.do(t, a, "DELETE", "/api/v1/calls/"+call.ID, nil, nil); code != http.StatusOK {
		t.Fatalf("delete call: %d", code)
	}
	if code := s.do(t, b, "GET", "/api/v1/calls/"+call.ID, nil, nil); code != http.StatusNotFound {
		t.Fatalf("deleted call should be gone, got %d", code)
	}
	s.do(t, a, "POST", "/api/v1/calls", fiber.Map{"receiverId": b, "callType": "video"}, nil)

	req := httptest.NewRequest("GET", "/api/v1/calls?role=receiver", nil)
	tok, _ := middleware.SignToken(testSecret, b, time.Hour)
	req.Header.Set("Authorization", "Bearer "+tok)
	resp, err := s.app.Test(req, -1)
	if err != nil {
		t.Fatalf("list calls: %v", err)
	}
	defer resp.Body.Close()
	var env envelope
	json.NewDecoder(resp.Body).Decode(&env)
	if env.Total == nil || *env.Total != 1 {
		t.Fatalf("expected total 1, got %+v", env.Total)
	}
}

func TestPresenceStatusEndpoint(t *testing.T) {
	s := newTestServer(t)
	a, b := s.user(t, "alice"), s.user(t, "bob")
	if err := s.registry.Register(b, "conn-b"); err != nil {
		t.Fatalf("register: %v", err)
	}

	var st []presence.Status
	if code := s.do(t, a, "POST", "/api/v1/presence/status", fiber.Map{"userIds": []string{b, a}}, &st); code != http.StatusOK {
		t.Fatalf("status: %d", code)
	}
	if len(st) != 2 || !st[0].Online || st[1].Online {
		t.Fatalf("unexpected statuses %+v", st)
	}
}

func TestWebsocketRouteRequiresUpgrade(t *testing.T) {
	s := newTestServer(t)
	resp, err := s.app.Test(httptest.NewRequest("GET", "/api/v1/ws", nil), -1)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if resp.StatusCode != fiber.StatusUpgradeRequired {
		t.Fatalf("expected 426, got %d", resp.StatusCode)
	}
}
