package handlers

import (
	"math"
	"strconv"
	"strings"

	"github.com/anjiri1684/sitechat/apperror"
	"github.com/anjiri1684/sitechat/database"
	"github.com/anjiri1684/sitechat/models"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// AdminHandler manages users, sites and site memberships. Memberships are
// what related-user lookups are derived from.
type AdminHandler struct {
	db *gorm.DB
}

func NewAdminHandler(db *gorm.DB) *AdminHandler {
	return &AdminHandler{db: db}
}

type SiteRequest struct {
	Name string `json:"name" validate:"required,max=255"`
}

type SiteMemberRequest struct {
	UserID string `json:"user_id" validate:"required,uuid"`
	Role   string `json:"role" validate:"required,oneof=customer manager admin"`
}

func (h *AdminHandler) GetAllUsers(c *fiber.Ctx) error {
	page, _ := strconv.Atoi(c.Query("page", "1"))
	limit, _ := strconv.Atoi(c.Query("limit", "10"))
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}
	search := strings.TrimSpace(c.Query("search"))
	offset := (page - 1) * limit

	query := h.db.WithContext(c.UserContext()).Model(&models.User{})
	if search != "" {
		term := "%" + strings.ToLower(search) + "%"
		query = query.Where("LOWER(full_name) LIKE ? OR LOWER(email) LIKE ?", term, term)
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return database.Translate(err)
	}
	var users []models.User
	if err := query.Order("created_at ASC").Offset(offset).Limit(limit).Find(&users).Error; err != nil {
		return database.Translate(err)
	}

	return c.JSON(fiber.Map{
		"data": users,
		"meta": fiber.Map{
			"total_users":  total,
			"total_pages":  int(math.Ceil(float64(total) / float64(limit))),
			"current_page": page,
		},
	})
}

func (h *AdminHandler) ToggleUserStatus(c *fiber.Ctx) error {
	userID, err := uuid.Parse(c.Params("userId"))
	if err != nil {
		return apperror.InvalidInput("invalid_id", "userId is not a valid id")
	}
	var req struct {
		IsActive bool `json:"is_active"`
	}
	if err := c.BodyParser(&req); err != nil {
		return apperror.InvalidInput("invalid_body", "Cannot parse JSON")
	}

	res := h.db.WithContext(c.UserContext()).Model(&models.User{}).Where("id = ?", userID).Update("is_active", req.IsActive)
	if res.Error != nil {
		return database.Translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return apperror.NotFound("user_not_found", "User not found")
	}
	return c.JSON(fiber.Map{"message": "User status updated successfully."})
}

func (h *AdminHandler) CreateSite(c *fiber.Ctx) error {
	var req SiteRequest
	if err := c.BodyParser(&req); err != nil {
		return apperror.InvalidInput("invalid_body", "Cannot parse JSON")
	}
	if err := validate.Struct(req); err != nil {
		return apperror.InvalidInput("invalid_request", "%v", err)
	}

	site := models.Site{Name: strings.TrimSpace(req.Name)}
	if err := h.db.WithContext(c.UserContext()).Create(&site).Error; err != nil {
		return database.Translate(err)
	}
	log.Info().Str("site_id", site.ID.String()).Msg("site created")
	return c.Status(fiber.StatusCreated).JSON(site)
}

func (h *AdminHandler) AddSiteMember(c *fiber.Ctx) error {
	siteID, err := uuid.Parse(c.Params("siteId"))
	if err != nil {
		return apperror.InvalidInput("invalid_id", "siteId is not a valid id")
	}
	var req SiteMemberRequest
	if err := c.BodyParser(&req); err != nil {
		return apperror.InvalidInput("invalid_body", "Cannot parse JSON")
	}
	if err := validate.Struct(req); err != nil {
		return apperror.InvalidInput("invalid_request", "%v", err)
	}
	userID := uuid.MustParse(req.UserID)

	db := h.db.WithContext(c.UserContext())
	var site models.Site
	if err := db.First(&site, "id = ?", siteID).Error; err != nil {
		if apperror.IsKind(database.Translate(err), apperror.KindNotFound) {
			return apperror.NotFound("site_not_found", "Site not found")
		}
		return database.Translate(err)
	}
	var user models.User
	if err := db.First(&user, "id = ?", userID).Error; err != nil {
		if apperror.IsKind(database.Translate(err), apperror.KindNotFound) {
			return apperror.NotFound("user_not_found", "User not found")
		}
		return database.Translate(err)
	}

	var existing int64
	if err := db.Model(&models.UserSite{}).Where("person_id = ? AND site_id = ?", userID, siteID).Count(&existing).Error; err != nil {
		return database.Translate(err)
	}
	if existing > 0 {
		return apperror.Conflict("membership_exists", "User is already a member of this site")
	}

	membership := models.UserSite{PersonID: userID, SiteID: siteID, Role: req.Role}
	if err := db.Create(&membership).Error; err != nil {
		return database.Translate(err)
	}
	return c.Status(fiber.StatusCreated).JSON(membership)
}

func (h *AdminHandler) RemoveSiteMember(c *fiber.Ctx) error {
	siteID, err := uuid.Parse(c.Params("siteId"))
	if err != nil {
		return apperror.InvalidInput("invalid_id", "siteId is not a valid id")
	}
	userID, err := uuid.Parse(c.Params("userId"))
	if err != nil {
		return apperror.InvalidInput("invalid_id", "userId is not a valid id")
	}

	err = h.db.WithContext(c.UserContext()).
		Where("person_id = ? AND site_id = ?", userID, siteID).
		Delete(&models.UserSite{}).Error
	if err != nil {
		return database.Translate(err)
	}
	return c.SendStatus(fiber.StatusNoContent)
}
