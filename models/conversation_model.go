package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type ConversationType string

const (
	ConversationDirect ConversationType = "direct"
	ConversationGroup  ConversationType = "group"
)

// ConversationTypeFor classifies a normalized participant set.
func ConversationTypeFor(participantCount int) ConversationType {
	if participantCount > 2 {
		return ConversationGroup
	}
	return ConversationDirect
}

type Conversation struct {
	ID            uuid.UUID        `gorm:"type:uuid;primaryKey" json:"id"`
	Type          ConversationType `gorm:"size:10;not null;index:idx_conversations_site_type,priority:2" json:"type"`
	SiteID        uuid.UUID        `gorm:"type:uuid;not null;index:idx_conversations_site_type,priority:1" json:"site_id"`
	CreatorID     uuid.UUID        `gorm:"type:uuid;not null" json:"creator_id"`
	CanConversate bool             `gorm:"not null;default:true" json:"can_conversate"`
	LastMessageID *uuid.UUID       `gorm:"type:uuid" json:"last_message_id"`
	LastMessageAt *time.Time       `json:"last_message_at"`
	// Fingerprint identifies a direct conversation by site and member set.
	// Groups leave it NULL so they never collide.
	Fingerprint *string        `gorm:"size:64;uniqueIndex:idx_conversations_fingerprint,where:deleted_at IS NULL" json:"-"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `gorm:"index" json:"-"`

	Participants []ConversationParticipant `gorm:"foreignKey:ConversationID" json:"participants,omitempty"`
}

func (c *Conversation) BeforeCreate(tx *gorm.DB) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	return nil
}
