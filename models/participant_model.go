package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	ParticipantMember = "member"
	ParticipantAdmin  = "admin"
	ParticipantBot    = "bot"
)

// ParticipantRoleFor resolves the conversation role granted to a user with
// the given global role at join time.
func ParticipantRoleFor(userRole string) string {
	switch {
	case userRole == RoleBot:
		return ParticipantBot
	case IsAdmin(userRole):
		return ParticipantAdmin
	default:
		return ParticipantMember
	}
}

// ConversationParticipant is a membership record. At most one active
// (non-deleted) record exists per conversation and user.
type ConversationParticipant struct {
	ID             uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	ConversationID uuid.UUID      `gorm:"type:uuid;not null;uniqueIndex:idx_active_membership,where:deleted_at IS NULL" json:"conversation_id"`
	UserID         uuid.UUID      `gorm:"type:uuid;not null;index;uniqueIndex:idx_active_membership,where:deleted_at IS NULL" json:"user_id"`
	Role           string         `gorm:"size:10;not null;default:'member'" json:"role"`
	JoinedAt       time.Time      `gorm:"not null" json:"joined_at"`
	CreatedAt      time.Time      `json:"-"`
	UpdatedAt      time.Time      `json:"-"`
	DeletedAt      gorm.DeletedAt `gorm:"index" json:"-"`

	User *User `gorm:"foreignKey:UserID" json:"user,omitempty"`
}

func (p *ConversationParticipant) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	if p.JoinedAt.IsZero() {
		p.JoinedAt = tx.NowFunc()
	}
	return nil
}
