package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type Site struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	Name      string         `gorm:"size:255;not null" json:"name"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

func (s *Site) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// UserSite is a site membership: a person working at, or served by, a site.
type UserSite struct {
	ID        uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	PersonID  uuid.UUID      `gorm:"type:uuid;not null;index" json:"person_id"`
	SiteID    uuid.UUID      `gorm:"type:uuid;not null;index" json:"site_id"`
	Role      string         `gorm:"size:20;not null;default:'customer'" json:"role"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`

	Person User `gorm:"foreignKey:PersonID" json:"-"`
}

func (us *UserSite) BeforeCreate(tx *gorm.DB) error {
	if us.ID == uuid.Nil {
		us.ID = uuid.New()
	}
	return nil
}
