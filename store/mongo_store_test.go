package store

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/anjiri1684/amora_chat/database"
	"github.com/anjiri1684/amora_chat/models"
	"github.com/google/uuid"
)

// Runs against a live server only: MONGO_TEST_URI=mongodb://localhost:27017
func newMongoTestStore(t *testing.T) *MongoStore {
	t.Helper()
	uri := os.Getenv("MONGO_TEST_URI")
	if uri == "" {
		t.Skip("MONGO_TEST_URI not set")
	}
	ctx := context.Background()
	client, db, err := database.ConnectMongo(ctx, uri, "chat_test_"+uuid.NewString()[:8])
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(func() {
		db.Drop(context.Background())
		client.Disconnect(context.Background())
	})
	s, err := NewMongoStore(ctx, db)
	if err != nil {
		t.Fatalf("indexes: %v", err)
	}
	return s
}

func TestMongoPairDedupeAndReads(t *testing.T) {
	s := newMongoTestStore(t)
	ctx := context.Background()
	a, b := uuid.NewString(), uuid.NewString()

	conv, err := s.CreateConversation(ctx, []string{a, b}, nil)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := s.CreateConversation(ctx, []string{b, a}, nil); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	m := &models.Message{ConversationID: conv.ID, SenderID: a, Content: "hi"}
	if err := s.CreateMessage(ctx, m); err != nil {
		t.Fatalf("create message: %v", err)
	}
	if n, _ := s.CountUnread(ctx, conv.ID, b); n != 1 {
		t.Fatalf("expected 1 unread, got %d", n)
	}
	ids, err := s.MarkMessagesRead(ctx, conv.ID, b)
	if err != nil || len(ids) != 1 || ids[0] != m.ID {
		t.Fatalf("mark read: ids=%v err=%v", ids, err)
	}
	if ids, _ := s.MarkMessagesRead(ctx, conv.ID, b); len(ids) != 0 {
		t.Fatalf("second mark read changed %v", ids)
	}
}

func TestMongoFullyDeleted(t *testing.T) {
	s := newMongoTestStore(t)
	ctx := context.Background()
	a, b := uuid.NewString(), uuid.NewString()
	conv, _ := s.CreateConversation(ctx, []string{a, b}, nil)

	m := &models.Message{ConversationID: conv.ID, SenderID: a, Content: "bye"}
	s.CreateMessage(ctx, m)

	if _, added, _ := s.AppendDeletedBy(ctx, m.ID, a); !added {
		t.Fatalf("expected first append to change the set")
	}
	if _, added, _ := s.AppendDeletedBy(ctx, m.ID, a); added {
		t.Fatalf("expected second append to be a no-op")
	}
	s.AppendDeletedBy(ctx, m.ID, b)

	found, err := s.FindFullyDeletedMessages(ctx, 10)
	if err != nil {
		t.Fatalf("find fully deleted: %v", err)
	}
	if len(found) != 1 || found[0].ID != m.ID {
		t.Fatalf("unexpected %+v", found)
	}
}
