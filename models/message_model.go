package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Message struct {
	ID             uuid.UUID                   `gorm:"type:uuid;primaryKey" json:"id"`
	ConversationID uuid.UUID                   `gorm:"type:uuid;not null;index:idx_messages_conversation_created,priority:1" json:"conversation_id"`
	SenderID       uuid.UUID                   `gorm:"type:uuid;not null" json:"sender_id"`
	SenderRole     string                      `gorm:"size:10;not null" json:"sender_role"`
	Text           string                      `gorm:"type:text;not null" json:"text"`
	Attachments    datatypes.JSONSlice[string] `json:"attachments"`
	CreatedAt      time.Time                   `gorm:"index:idx_messages_conversation_created,priority:2" json:"created_at"`
}

func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}
