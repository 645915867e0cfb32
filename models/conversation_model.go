package models

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Conversation struct {
	ID            string    `gorm:"type:uuid;primary_key" json:"id"`
	Name          *string   `gorm:"size:255" json:"name,omitempty"`
	PairKey       *string   `gorm:"size:80;uniqueIndex" json:"-"`
	LastMessageID *string   `gorm:"type:uuid" json:"lastMessageId,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`

	Participants []ConversationParticipant `gorm:"foreignKey:ConversationID" json:"-"`
}

type ConversationParticipant struct {
	ConversationID string    `gorm:"type:uuid;primaryKey" json:"conversationId"`
	UserID         string    `gorm:"type:uuid;primaryKey;index" json:"userId"`
	JoinedAt       time.Time `gorm:"not null" json:"joinedAt"`
}

func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

// ParticipantIDs returns the participant ids in join order.
func (c *Conversation) ParticipantIDs() []string {
	ps := make([]ConversationParticipant, len(c.Participants))
	copy(ps, c.Participants)
	sort.SliceStable(ps, func(i, j int) bool { return ps[i].JoinedAt.Before(ps[j].JoinedAt) })

	ids := make([]string, 0, len(ps))
	for _, p := range ps {
		ids = append(ids, p.UserID)
	}
	return ids
}

func (c *Conversation) HasParticipant(userID string) bool {
	for _, p := range c.Participants {
		if p.UserID == userID {
			return true
		}
	}
	return false
}

// PairKey is the order-independent key of a two-party conversation.
func PairKey(a, b string) string {
	pair := []string{strings.ToLower(a), strings.ToLower(b)}
	sort.Strings(pair)
	return pair[0] + ":" + pair[1]
}
