package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	RoleCustomer   = "customer"
	RoleManager    = "manager"
	RoleAdmin      = "admin"
	RoleSuperAdmin = "superAdmin"
	RoleBot        = "bot"
)

type User struct {
	ID                uuid.UUID      `gorm:"type:uuid;primaryKey" json:"id"`
	FullName          string         `gorm:"size:255;not null" json:"full_name"`
	Email             string         `gorm:"size:255;not null;uniqueIndex" json:"email"`
	Password          string         `gorm:"not null" json:"-"`
	Role              string         `gorm:"size:20;not null;default:'customer'" json:"role"`
	ProfilePictureURL *string        `gorm:"size:255" json:"profile_picture_url"`
	IsActive          bool           `gorm:"default:true" json:"is_active"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
	DeletedAt         gorm.DeletedAt `gorm:"index" json:"-"`
}

func (u *User) BeforeCreate(tx *gorm.DB) error {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	return nil
}

// IsAdmin reports whether the global role administers sites.
func IsAdmin(role string) bool {
	return role == RoleAdmin || role == RoleSuperAdmin
}
