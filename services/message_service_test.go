package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/anjiri1684/amora_chat/models"
	"github.com/anjiri1684/amora_chat/notifications"
	"github.com/anjiri1684/amora_chat/store"
	"github.com/anjiri1684/amora_chat/utils"
	"github.com/anjiri1684/amora_chat/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

func attachment(key string) models.Attachment {
	return models.Attachment{URL: "https://cdn.example.com/" + key, StorageKey: key, Name: key + ".jpg", Kind: models.AttachmentImage}
}

func TestCreateMessageBroadcastsAfterPersist(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	a, b := env.user(t, "alice"), env.user(t, "bob")
	conv := env.conversation(t, a, b)
	env.hub.reset()

	view, err := env.messages.Create(ctx, a, CreateMessageInput{ConversationID: conv.ID, Content: "  hi  "})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if view.Content != "hi" || view.Sender.Name != "alice" {
		t.Fatalf("unexpected view %+v", view)
	}
	if len(view.ReadBy) != 1 || view.ReadBy[0] != a || len(view.DeletedBy) != 0 {
		t.Fatalf("sender must be the only reader, got readBy=%v deletedBy=%v", view.ReadBy, view.DeletedBy)
	}

	if n := len(env.hub.find("conversation", conv.ID, websocket.EventReceiveMessage)); n != 1 {
		t.Fatalf("expected 1 conversation emit, got %d", n)
	}
	for _, p := range []string{a, b} {
		if n := len(env.hub.find("user", p, websocket.EventReceiveMessage)); n != 1 {
			t.Fatalf("expected personal emit to %s, got %d", p, n)
		}
	}

	stored, err := env.store.FindConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("find conversation: %v", err)
	}
	if stored.LastMessageID == nil || *stored.LastMessageID != view.ID {
		t.Fatalf("last message pointer not updated")
	}

	if len(env.pub.events) != 1 || env.pub.events[0].Type != notifications.TypeMessageCreated {
		t.Fatalf("expected one message.created notification, got %+v", env.pub.events)
	}
	if r := env.pub.events[0].Recipients; len(r) != 1 || r[0] != b {
		t.Fatalf("notification should go to the other participant only, got %v", r)
	}
}

// profilesDown is a store whose user lookups always fail.
type profilesDown struct {
	*store.GormStore
}

func (profilesDown) FindUsers(context.Context, []string) (map[string]models.User, error) {
	return nil, errors.New("profile lookup timed out")
}

func TestCreateMessageSurvivesProfileLookupFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	a, b := env.user(t, "alice"), env.user(t, "bob")
	conv := env.conversation(t, a, b)
	env.hub.reset()

	svc := NewMessageService(profilesDown{env.store}, env.hub, env.purger, env.pub, zap.NewNop().Sugar())
	view, err := svc.Create(ctx, a, CreateMessageInput{ConversationID: conv.ID, Content: "hi"})
	if err != nil {
		t.Fatalf("a stored message must be reported as sent, got %v", err)
	}
	if view.Sender.ID != a || view.Sender.Name != "" {
		t.Fatalf("expected a bare sender summary, got %+v", view.Sender)
	}

	if n := len(env.hub.find("conversation", conv.ID, websocket.EventReceiveMessage)); n != 1 {
		t.Fatalf("expected 1 conversation emit, got %d", n)
	}
	if n := len(env.hub.find("user", b, websocket.EventReceiveMessage)); n != 1 {
		t.Fatalf("expected personal emit to the recipient, got %d", n)
	}
	if len(env.pub.events) != 1 {
		t.Fatalf("expected one notification, got %d", len(env.pub.events))
	}

	stored, err := env.store.ListMessages(ctx, conv.ID, a, 1, 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(stored) != 1 || stored[0].ID != view.ID {
		t.Fatalf("expected exactly the one stored message, got %+v", stored)
	}
}

func TestCreateMessageRejections(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	a, b, outsider := env.user(t, "alice"), env.user(t, "bob"), env.user(t, "eve")
	conv := env.conversation(t, a, b)
	other := env.conversation(t, a, outsider)
	foreign := env.send(t, other.ID, a, "elsewhere")
	env.hub.reset()

	cases := []struct {
		name   string
		sender string
		in     CreateMessageInput
		want   error
	}{
		{"empty", a, CreateMessageInput{ConversationID: conv.ID, Content: "   "}, utils.ErrValidation},
		{"missing conversation id", a, CreateMessageInput{Content: "hi"}, utils.ErrValidation},
		{"unknown conversation", a, CreateMessageInput{ConversationID: uuid.NewString(), Content: "hi"}, utils.ErrNotFound},
		{"not a participant", outsider, CreateMessageInput{ConversationID: conv.ID, Content: "hi"}, utils.ErrForbidden},
		{"reply elsewhere", a, CreateMessageInput{ConversationID: conv.ID, Content: "hi", ReplyToID: &foreign.ID}, utils.ErrValidation},
		{"bad attachment kind", a, CreateMessageInput{ConversationID: conv.ID, Attachments: []models.Attachment{{URL: "https://x.io/a", StorageKey: "k", Name: "a", Kind: "audio"}}}, utils.ErrValidation},
	}
	for _, tc := range cases {
		if _, err := env.messages.Create(ctx, tc.sender, tc.in); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v, got %v", tc.name, tc.want, err)
		}
	}
	if len(env.hub.events) != 0 {
		t.Fatalf("rejected messages must not be broadcast, got %d events", len(env.hub.events))
	}

	// Attachment-only messages are fine.
	if _, err := env.messages.Create(ctx, a, CreateMessageInput{ConversationID: conv.ID, Attachments: []models.Attachment{attachment("p1")}}); err != nil {
		t.Fatalf("attachment-only message: %v", err)
	}
}

func TestReplyIsResolved(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	a, b := env.user(t, "alice"), env.user(t, "bob")
	conv := env.conversation(t, a, b)
	first := env.send(t, conv.ID, a, "question?")

	reply, err := env.messages.Create(ctx, b, CreateMessageInput{ConversationID: conv.ID, Content: "answer", ReplyToID: &first.ID})
	if err != nil {
		t.Fatalf("reply: %v", err)
	}
	if reply.ReplyTo == nil || reply.ReplyTo.ID != first.ID || reply.ReplyTo.Sender.Name != "alice" {
		t.Fatalf("reply target not resolved: %+v", reply.ReplyTo)
	}

	list, err := env.messages.List(ctx, conv.ID, a, 1, 50)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[1].ReplyTo == nil || list[1].ReplyTo.Content != "question?" {
		t.Fatalf("unexpected list %+v", list)
	}
}

func TestMarkReadIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	a, b := env.user(t, "alice"), env.user(t, "bob")
	conv := env.conversation(t, a, b)
	m := env.send(t, conv.ID, a, "hi")
	env.hub.reset()

	res, err := env.messages.MarkConversationRead(ctx, conv.ID, b)
	if err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if res.Modified != 1 || res.MessageIDs[0] != m.ID {
		t.Fatalf("unexpected result %+v", res)
	}
	events := env.hub.find("conversation", conv.ID, websocket.EventMessagesRead)
	if len(events) != 1 {
		t.Fatalf("expected one messages-read event, got %d", len(events))
	}
	ev := events[0].data.(ReadEvent)
	if ev.ReaderID != b || ev.ConversationID != conv.ID || len(ev.MessageIDs) != 1 {
		t.Fatalf("unexpected event %+v", ev)
	}

	res, err = env.messages.MarkConversationRead(ctx, conv.ID, b)
	if err != nil {
		t.Fatalf("second mark read: %v", err)
	}
	if res.Modified != 0 || len(res.MessageIDs) != 0 {
		t.Fatalf("second call should be a no-op, got %+v", res)
	}
	if n := len(env.hub.find("conversation", conv.ID, websocket.EventMessagesRead)); n != 1 {
		t.Fatalf("no-op read must not broadcast, got %d events", n)
	}

	// The sender has nothing to read.
	res, _ = env.messages.MarkConversationRead(ctx, conv.ID, a)
	if res.Modified != 0 {
		t.Fatalf("sender's own messages are already read, got %+v", res)
	}
}

func TestDeleteForUserIsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	a, b := env.user(t, "alice"), env.user(t, "bob")
	conv := env.conversation(t, a, b)
	m := env.send(t, conv.ID, a, "oops")

	res, err := env.messages.DeleteForUser(ctx, m.ID, a)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !res.Changed || res.Purged {
		t.Fatalf("unexpected first result %+v", res)
	}
	res, err = env.messages.DeleteForUser(ctx, m.ID, a)
	if err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if res.Changed || res.Purged {
		t.Fatalf("second delete should be a no-op, got %+v", res)
	}

	stored, _ := env.store.FindMessage(ctx, m.ID)
	if len(stored.DeletedBy) != 1 {
		t.Fatalf("deletedBy has duplicates: %v", stored.DeletedBy)
	}

	if _, err := env.messages.Get(ctx, m.ID, a); !errors.Is(err, utils.ErrNotFound) {
		t.Fatalf("deleted message should be hidden from a, got %v", err)
	}
	if _, err := env.messages.Get(ctx, m.ID, b); err != nil {
		t.Fatalf("b should still see the message: %v", err)
	}
	list, _ := env.messages.List(ctx, conv.ID, a, 1, 50)
	if len(list) != 0 {
		t.Fatalf("list for a should be empty, got %d", len(list))
	}
}

func TestAddedParticipantPreventsPurge(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	a, b, c := env.user(t, "alice"), env.user(t, "bob"), env.user(t, "carol")
	conv := env.conversation(t, a, b)
	m := env.send(t, conv.ID, a, "hello", attachment("k1"))

	env.messages.DeleteForUser(ctx, m.ID, a)
	if _, err := env.convs.AddParticipants(ctx, conv.ID, a, ParticipantsInput{UserIDs: []string{c}}); err != nil {
		t.Fatalf("add participant: %v", err)
	}
	res, err := env.messages.DeleteForUser(ctx, m.ID, b)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if res.Purged {
		t.Fatalf("carol has not deleted the message, it must survive")
	}
	if _, err := env.store.FindMessage(ctx, m.ID); err != nil {
		t.Fatalf("message should still exist: %v", err)
	}
	if len(env.purger.purged()) != 0 {
		t.Fatalf("no attachment should be purged yet")
	}
}

func TestPurgeFailureDoesNotBlockDelete(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	a, b := env.user(t, "alice"), env.user(t, "bob")
	conv := env.conversation(t, a, b)
	m := env.send(t, conv.ID, a, "", attachment("k1"), attachment("k2"))
	env.purger.fail = true

	env.messages.DeleteForUser(ctx, m.ID, a)
	res, err := env.messages.DeleteForUser(ctx, m.ID, b)
	if err != nil {
		t.Fatalf("purge failures must not surface: %v", err)
	}
	if !res.Purged {
		t.Fatalf("expected hard delete")
	}
	if got := env.purger.purged(); len(got) != 2 {
		t.Fatalf("expected both attachments attempted, got %v", got)
	}
}

func TestConcurrentLastDeletersPurgeOnce(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	a, b := env.user(t, "alice"), env.user(t, "bob")
	conv := env.conversation(t, a, b)
	m := env.send(t, conv.ID, a, "", attachment("k1"))

	var wg sync.WaitGroup
	for _, u := range []string{a, b} {
		wg.Add(1)
		go func(u string) {
			defer wg.Done()
			if _, err := env.messages.DeleteForUser(ctx, m.ID, u); err != nil && !errors.Is(err, utils.ErrNotFound) {
				t.Errorf("delete for %s: %v", u, err)
			}
		}(u)
	}
	wg.Wait()

	if got := env.purger.purged(); len(got) != 1 {
		t.Fatalf("attachment should be purged exactly once, got %v", got)
	}
}

func TestEditMessage(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	a, b := env.user(t, "alice"), env.user(t, "bob")
	conv := env.conversation(t, a, b)
	m := env.send(t, conv.ID, a, "helo")

	if _, err := env.messages.Edit(ctx, m.ID, b, EditMessageInput{Content: "hacked"}); !errors.Is(err, utils.ErrForbidden) {
		t.Fatalf("expected forbidden, got %v", err)
	}
	v, err := env.messages.Edit(ctx, m.ID, a, EditMessageInput{Content: "hello"})
	if err != nil {
		t.Fatalf("edit: %v", err)
	}
	if v.Content != "hello" || !v.Edited {
		t.Fatalf("unexpected edited message %+v", v)
	}
	if n := len(env.hub.find("conversation", conv.ID, websocket.EventMessageEdited)); n != 1 {
		t.Fatalf("expected one message-edited event, got %d", n)
	}
	if _, err := env.messages.Edit(ctx, m.ID, a, EditMessageInput{Content: " "}); !errors.Is(err, utils.ErrValidation) {
		t.Fatalf("expected validation error for empty edit, got %v", err)
	}
}

func TestSweepFullyDeleted(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	a, b := env.user(t, "alice"), env.user(t, "bob")
	conv := env.conversation(t, a, b)
	m := env.send(t, conv.ID, a, "", attachment("k1"))

	// Simulate a request that recorded both deletions but never purged.
	env.store.AppendDeletedBy(ctx, m.ID, a)
	env.store.AppendDeletedBy(ctx, m.ID, b)

	n, err := env.messages.SweepFullyDeleted(ctx, 100)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if n != 1 || len(env.purger.purged()) != 1 {
		t.Fatalf("expected one purge, got n=%d keys=%v", n, env.purger.purged())
	}
	if n, _ := env.messages.SweepFullyDeleted(ctx, 100); n != 0 {
		t.Fatalf("second sweep should find nothing, got %d", n)
	}
}

func decode(t *testing.T, frame []byte) websocket.Envelope {
	t.Helper()
	var env websocket.Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return env
}

// drain returns every frame queued for c.
func drain(c *websocket.Client) [][]byte {
	var out [][]byte
	for {
		select {
		case f := <-c.Send():
			out = append(out, f)
		default:
			return out
		}
	}
}

func TestUnreadAndReadReceiptEndToEnd(t *testing.T) {
	hub := websocket.NewHub(zap.NewNop().Sugar())
	env := newTestEnv(t, hub)
	ctx := context.Background()
	a, b := env.user(t, "alice"), env.user(t, "bob")

	connA := websocket.NewClient(a, 64)
	hub.Attach(connA)
	hub.JoinUserRoom(connA.ID, a)

	conv := env.conversation(t, a, b)
	hub.JoinConversationRoom(connA.ID, conv.ID)

	m := env.send(t, conv.ID, a, "hi")

	n, err := env.messages.UnreadCount(ctx, conv.ID, b)
	if err != nil {
		t.Fatalf("unread: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 unread for b, got %d", n)
	}
	drain(connA)

	if _, err := env.messages.MarkConversationRead(ctx, conv.ID, b); err != nil {
		t.Fatalf("mark read: %v", err)
	}
	if n, _ := env.messages.UnreadCount(ctx, conv.ID, b); n != 0 {
		t.Fatalf("expected 0 unread after read, got %d", n)
	}

	var seen bool
	for _, frame := range drain(connA) {
		got := decode(t, frame)
		if got.Event != websocket.EventMessagesRead {
			continue
		}
		var ev ReadEvent
		json.Unmarshal(got.Data, &ev)
		if ev.ReaderID == b && len(ev.MessageIDs) == 1 && ev.MessageIDs[0] == m.ID {
			seen = true
		}
	}
	if !seen {
		t.Fatalf("a never observed messages-read for %s", m.ID)
	}
}

func TestBothDeleteEndToEnd(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	a, b := env.user(t, "alice"), env.user(t, "bob")
	conv := env.conversation(t, a, b)
	m := env.send(t, conv.ID, a, "photo", attachment("k1"), attachment("k2"))

	env.messages.DeleteForUser(ctx, m.ID, a)
	if _, err := env.store.FindMessage(ctx, m.ID); err != nil {
		t.Fatalf("message should survive one deletion: %v", err)
	}
	res, err := env.messages.DeleteForUser(ctx, m.ID, b)
	if err != nil {
		t.Fatalf("delete: %v", err)
	}
	if !res.Purged {
		t.Fatalf("expected purge after both deleted")
	}
	if _, err := env.store.FindMessage(ctx, m.ID); err == nil {
		t.Fatalf("message should be hard-deleted")
	}
	got := env.purger.purged()
	if len(got) != 2 || got[0] != "k1" || got[1] != "k2" {
		t.Fatalf("expected each attachment purged once, got %v", got)
	}
	if n := len(env.hub.find("conversation", conv.ID, websocket.EventMessageDeleted)); n != 1 {
		t.Fatalf("expected one purge announcement, got %d", n)
	}
}
