package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/anjiri1684/amora_chat/database"
	"github.com/anjiri1684/amora_chat/models"
	"github.com/anjiri1684/amora_chat/notifications"
	"github.com/anjiri1684/amora_chat/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

type emitted struct {
	kind   string // "conversation" or "user"
	target string
	event  string
	data   any
}

type fakeHub struct {
	mu     sync.Mutex
	events []emitted
}

func (h *fakeHub) EmitToConversation(conversationID, event string, data any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, emitted{"conversation", conversationID, event, data})
}

func (h *fakeHub) EmitToUser(userID, event string, data any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = append(h.events, emitted{"user", userID, event, data})
}

func (h *fakeHub) find(kind, target, event string) []emitted {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []emitted
	for _, e := range h.events {
		if e.kind == kind && e.target == target && e.event == event {
			out = append(out, e)
		}
	}
	return out
}

func (h *fakeHub) reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.events = nil
}

type fakePurger struct {
	mu   sync.Mutex
	keys []string
	fail bool
}

func (p *fakePurger) Purge(_ context.Context, att models.Attachment) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.keys = append(p.keys, att.StorageKey)
	if p.fail {
		return errors.New("object store unavailable")
	}
	return nil
}

func (p *fakePurger) purged() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

type fakePublisher struct {
	mu     sync.Mutex
	events []notifications.Event
}

func (p *fakePublisher) Publish(_ context.Context, _ string, ev notifications.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *fakePublisher) Close() error { return nil }

type testEnv struct {
	db       *gorm.DB
	store    *store.GormStore
	hub      *fakeHub
	purger   *fakePurger
	pub      *fakePublisher
	messages *MessageService
	convs    *ConversationService
	calls    *CallService
}

func newTestEnv(t *testing.T, hub Broadcaster) *testEnv {
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

	env := &testEnv{db: db, store: store.NewGormStore(db), purger: &fakePurger{}, pub: &fakePublisher{}}
	if hub == nil {
		env.hub = &fakeHub{}
		hub = env.hub
	}
	log := zap.NewNop().Sugar()
	env.messages = NewMessageService(env.store, hub, env.purger, env.pub, log)
	clock := time.Now()
	env.messages.now = func() time.Time {
		clock = clock.Add(time.Millisecond)
		return clock
	}
	env.convs = NewConversationService(env.store, hub, env.messages, env.purger, log)
	env.calls = NewCallService(env.store, hub, env.pub, log)
	return env
}

func (e *testEnv) user(t *testing.T, name string) string {
	t.Helper()
	u := models.User{Name: name, Email: name + "@example.com"}
	if err := e.db.Create(&u).Error; err != nil {
		t.Fatalf("seed user: %v", err)
	}
	return u.ID
}

func (e *testEnv) conversation(t *testing.T, creator string, others ...string) *ConversationView {
	t.Helper()
	v, _, err := e.convs.Create(context.Background(), creator, CreateConversationInput{ParticipantIDs: others})
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	return v
}

func (e *testEnv) send(t *testing.T, convID, sender, content string, atts ...models.Attachment) *MessageView {
	t.Helper()
	v, err := e.messages.Create(context.Background(), sender, CreateMessageInput{
		ConversationID: convID,
		Content:        content,
		Attachments:    atts,
	})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	return v
}
