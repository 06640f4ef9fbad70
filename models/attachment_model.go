package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Attachment struct {
	ID         uuid.UUID `gorm:"type:uuid;primaryKey" json:"id"`
	URL        string    `gorm:"size:512;not null" json:"url"`
	PublicID   string    `gorm:"size:255" json:"-"`
	Folder     string    `gorm:"size:255;not null" json:"folder"`
	UploaderID uuid.UUID `gorm:"type:uuid;not null;index" json:"uploader_id"`
	AttachedTo string    `gorm:"size:32;not null" json:"attached_to"`
	CreatedAt  time.Time `json:"created_at"`
}

func (a *Attachment) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
