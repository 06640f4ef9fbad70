package services

import (
	"context"
	"errors"

	"github.com/anjiri1684/sitechat/apperror"
	"github.com/anjiri1684/sitechat/database"
	"github.com/anjiri1684/sitechat/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Directory resolves users to the role they hold when joining a conversation.
type Directory interface {
	GetUserRole(ctx context.Context, userID uuid.UUID) (string, error)
}

// UserDirectory answers Directory lookups from the users table.
type UserDirectory struct {
	db *gorm.DB
}

func NewUserDirectory(db *gorm.DB) *UserDirectory {
	return &UserDirectory{db: db}
}

// GetUserRole returns the participant role for an active user, or NotFound.
func (d *UserDirectory) GetUserRole(ctx context.Context, userID uuid.UUID) (string, error) {
	var user models.User
	err := d.db.WithContext(ctx).
		Select("id", "role", "is_active").
		Where("id = ?", userID).
		First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && !user.IsActive) {
		return "", apperror.NotFound("user_not_found", "User with id %s not found", userID)
	}
	if err != nil {
		return "", database.Translate(err)
	}
	return models.ParticipantRoleFor(user.Role), nil
}
