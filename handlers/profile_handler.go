package handlers

import (
	"errors"

	"github.com/anjiri1684/sitechat/apperror"
	"github.com/anjiri1684/sitechat/database"
	"github.com/anjiri1684/sitechat/middleware"
	"github.com/anjiri1684/sitechat/models"
	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

type UpdateProfileRequest struct {
	FullName          *string `json:"full_name" validate:"omitempty,min=2,max=255"`
	ProfilePictureURL *string `json:"profile_picture_url" validate:"omitempty,url"`
}

type ProfileHandler struct {
	db *gorm.DB
}

func NewProfileHandler(db *gorm.DB) *ProfileHandler {
	return &ProfileHandler{db: db}
}

func (h *ProfileHandler) currentUser(c *fiber.Ctx) (*models.User, error) {
	requester, err := middleware.CurrentUser(c)
	if err != nil {
		return nil, err
	}
	var user models.User
	err = h.db.WithContext(c.UserContext()).Where("id = ?", requester.UserID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperror.NotFound("user_not_found", "User not found")
	}
	if err != nil {
		return nil, database.Translate(err)
	}
	return &user, nil
}

func (h *ProfileHandler) GetProfile(c *fiber.Ctx) error {
	user, err := h.currentUser(c)
	if err != nil {
		return err
	}
	return c.JSON(user)
}

func (h *ProfileHandler) UpdateProfile(c *fiber.Ctx) error {
	user, err := h.currentUser(c)
	if err != nil {
		return err
	}

	var req UpdateProfileRequest
	if err := c.BodyParser(&req); err != nil {
		return apperror.InvalidInput("invalid_body", "Cannot parse JSON")
	}
	if err := validate.Struct(req); err != nil {
		return apperror.InvalidInput("invalid_request", "%v", err)
	}

	updates := map[string]interface{}{}
	if req.FullName != nil {
		user.FullName = *req.FullName
		updates["full_name"] = *req.FullName
	}
	if req.ProfilePictureURL != nil {
		user.ProfilePictureURL = req.ProfilePictureURL
		updates["profile_picture_url"] = *req.ProfilePictureURL
	}
	if len(updates) > 0 {
		if err := h.db.WithContext(c.UserContext()).Model(user).Updates(updates).Error; err != nil {
			return database.Translate(err)
		}
	}
	return c.JSON(user)
}
