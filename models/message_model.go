package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	AttachmentImage = "image"
	AttachmentVideo = "video"
	AttachmentFile  = "file"
)

type Attachment struct {
	URL        string `json:"url" bson:"url" validate:"required,url"`
	StorageKey string `json:"storageKey" bson:"storageKey" validate:"required"`
	Name       string `json:"name" bson:"name" validate:"required,max=255"`
	Kind       string `json:"kind" bson:"kind" validate:"required,oneof=image video file"`
}

type Message struct {
	ID             string                          `gorm:"type:uuid;primary_key" json:"id"`
	ConversationID string                          `gorm:"type:uuid;not null;index:idx_messages_conversation_created,priority:1" json:"conversationId"`
	SenderID       string                          `gorm:"type:uuid;not null;index" json:"senderId"`
	Content        string                          `gorm:"type:text;not null;default:''" json:"content"`
	Attachments    datatypes.JSONSlice[Attachment] `json:"attachments"`
	ReplyToID      *string                         `gorm:"type:uuid;index" json:"replyToId,omitempty"`
	Edited         bool                            `gorm:"not null;default:false" json:"edited"`
	CreatedAt      time.Time                       `gorm:"index:idx_messages_conversation_created,priority:2" json:"createdAt"`
	UpdatedAt      time.Time                       `json:"updatedAt"`

	// Backed by message_reads / message_deletions.
	ReadBy    []string `gorm:"-" json:"readBy"`
	DeletedBy []string `gorm:"-" json:"deletedBy"`
}

type MessageRead struct {
	MessageID string    `gorm:"type:uuid;primaryKey"`
	UserID    string    `gorm:"type:uuid;primaryKey;index"`
	ReadAt    time.Time `gorm:"not null"`
}

type MessageDeletion struct {
	MessageID string    `gorm:"type:uuid;primaryKey"`
	UserID    string    `gorm:"type:uuid;primaryKey;index"`
	DeletedAt time.Time `gorm:"not null"`
}

func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Attachments == nil {
		m.Attachments = datatypes.JSONSlice[Attachment]{}
	}
	return nil
}

func (m *Message) IsReadBy(userID string) bool {
	return contains(m.ReadBy, userID)
}

func (m *Message) IsDeletedBy(userID string) bool {
	return contains(m.DeletedBy, userID)
}

// DeletedByAll reports whether every participant has hidden the message.
func (m *Message) DeletedByAll(participants []string) bool {
	if len(participants) == 0 {
		return false
	}
	for _, p := range participants {
		if !contains(m.DeletedBy, p) {
			return false
		}
	}
	return true
}

func contains(set []string, v string) bool {
	for _, s := range set {
		if s == v {
			return true
		}
	}
	return false
}
