package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	CallRinging  = "ringing"
	CallMissed   = "missed"
	CallAnswered = "answered"
	CallRejected = "rejected"
	CallEnded    = "ended"
)

type Call struct {
	ID         string     `gorm:"type:uuid;primary_key" json:"id"`
	CallerID   string     `gorm:"type:uuid;not null;index" json:"callerId"`
	ReceiverID string     `gorm:"type:uuid;not null;index" json:"receiverId"`
	CallType   string     `gorm:"size:10;not null" json:"callType"`
	Status     string     `gorm:"size:20;not null;default:'ringing'" json:"status"`
	StartedAt  *time.Time `json:"startedAt,omitempty"`
	EndedAt    *time.Time `json:"endedAt,omitempty"`
	Duration   int        `gorm:"not null;default:0" json:"duration"`
	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
}

func (c *Call) BeforeCreate(tx *gorm.DB) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	return nil
}

func (c *Call) Involves(userID string) bool {
	return c.CallerID == userID || c.ReceiverID == userID
}
