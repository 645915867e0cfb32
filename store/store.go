// Package store defines the persistence contract of the chat core and its
// GORM and MongoDB implementations. Every multi-field mutation is atomic at
// the single-document (single-row-set) level; nothing here spans documents
// in a transaction the callers rely on.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/anjiri1684/amora_chat/models"
)

var (
	ErrNotFound  = errors.New("record not found")
	ErrDuplicate = errors.New("duplicate record")
	// ErrStale is returned by conditional updates whose precondition no
	// longer holds.
	ErrStale = errors.New("record changed concurrently")
)

type ConversationStore interface {
	FindConversation(ctx context.Context, id string) (*models.Conversation, error)
	// FindConversationByPair returns the two-party conversation between a and b.
	FindConversationByPair(ctx context.Context, a, b string) (*models.Conversation, error)
	// CreateConversation returns ErrDuplicate when a two-party conversation
	// for the same pair already exists.
	CreateConversation(ctx context.Context, participants []string, name *string) (*models.Conversation, error)
	UpdateConversationParticipants(ctx context.Context, id string, add, remove []string) (*models.Conversation, error)
	SetLastMessage(ctx context.Context, conversationID, messageID string) error
	// DeleteConversation removes the conversation and all of its messages.
	DeleteConversation(ctx context.Context, id string) error
	ListUserConversations(ctx context.Context, userID string) ([]models.Conversation, error)
}

type MessageStore interface {
	CreateMessage(ctx context.Context, m *models.Message) error
	FindMessage(ctx context.Context, id string) (*models.Message, error)
	// ListMessages is ordered by creation time ascending and excludes
	// messages the viewer has deleted for themselves; an empty viewerID
	// lists everything. Page starts at 1.
	ListMessages(ctx context.Context, conversationID, viewerID string, page, limit int) ([]models.Message, error)
	// MarkMessagesRead adds readerID to readBy of every message in the
	// conversation not sent by, not read by and not deleted by the reader.
	// It returns the ids it changed.
	MarkMessagesRead(ctx context.Context, conversationID, readerID string) ([]string, error)
	// AppendDeletedBy adds userID to the message's deletedBy set and returns
	// the message as it is after the update, plus whether the set changed.
	AppendDeletedBy(ctx context.Context, messageID, userID string) (*models.Message, bool, error)
	CountUnread(ctx context.Context, conversationID, userID string) (int64, error)
	UpdateMessageContent(ctx context.Context, id, content string) (*models.Message, error)
	// DeleteMessage hard-deletes the message. It reports false when the
	// message was already gone.
	DeleteMessage(ctx context.Context, id string) (bool, error)
	// FindFullyDeletedMessages returns messages whose deletedBy covers
	// every current participant of their conversation.
	FindFullyDeletedMessages(ctx context.Context, limit int) ([]models.Message, error)
}

type UserStore interface {
	FindUsers(ctx context.Context, ids []string) (map[string]models.User, error)
	TouchLastActive(ctx context.Context, userID string, at time.Time) error
	GetLastActive(ctx context.Context, userID string) (*time.Time, error)
}

type CallFilter struct {
	UserID     string // caller or receiver
	CallerID   string
	ReceiverID string
	Status     string
	CallType   string
	Page       int
	Limit      int
}

type CallUpdate struct {
	// FromStatus, when set, applies the update only while the call is still
	// in that status. Otherwise UpdateCall returns ErrStale.
	FromStatus string
	Status     *string
	StartedAt  *time.Time
	EndedAt    *time.Time
	Duration   *int
}

type CallStore interface {
	CreateCall(ctx context.Context, c *models.Call) error
	FindCall(ctx context.Context, id string) (*models.Call, error)
	ListCalls(ctx context.Context, f CallFilter) ([]models.Call, int64, error)
	UpdateCall(ctx context.Context, id string, u CallUpdate) (*models.Call, error)
	DeleteCall(ctx context.Context, id string) error
}

type Store interface {
	ConversationStore
	MessageStore
	UserStore
	CallStore
}

func offset(page, limit int) int {
	if page < 1 {
		page = 1
	}
	return (page - 1) * limit
}
