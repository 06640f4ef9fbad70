package services

import (
	"context"

	"github.com/anjiri1684/sitechat/apperror"
	"github.com/anjiri1684/sitechat/database"
	"github.com/anjiri1684/sitechat/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RelatedUser is a user sharing at least one site with the requester.
type RelatedUser struct {
	UserID            uuid.UUID `json:"user_id"`
	SiteID            uuid.UUID `json:"site_id"`
	Role              string    `json:"role"`
	FullName          string    `json:"full_name"`
	ProfilePictureURL *string   `json:"profile_picture_url"`
	IsOnline          bool      `json:"is_online"`
}

var relatedRoleFilters = map[string]bool{
	models.RoleCustomer: true,
	models.RoleManager:  true,
	models.RoleAdmin:    true,
}

// RelationshipService derives "who can I message" from site memberships.
type RelationshipService struct {
	db       *gorm.DB
	presence Presence
}

func NewRelationshipService(db *gorm.DB, presence Presence) *RelationshipService {
	return &RelationshipService{db: db, presence: presence}
}

// RelatedUsers returns every other live user holding a live membership on a
// site userID belongs to. Each user appears once, with the site of its oldest
// matching membership. siteID narrows the search to one site; roleFilter, when
// set, keeps only memberships with that site role.
func (s *RelationshipService) RelatedUsers(ctx context.Context, userID uuid.UUID, siteID *uuid.UUID, roleFilter string) ([]RelatedUser, error) {
	if roleFilter != "" && !relatedRoleFilters[roleFilter] {
		return nil, apperror.Forbidden("role_filter_not_allowed", "filtering by role %q is not allowed", roleFilter)
	}

	mine := s.db.WithContext(ctx).
		Model(&models.UserSite{}).
		Select("site_id").
		Where("person_id = ?", userID)
	if siteID != nil {
		mine = mine.Where("site_id = ?", *siteID)
	}

	q := s.db.WithContext(ctx).
		Table("user_sites us").
		Select("us.person_id AS user_id, us.site_id, us.role, u.full_name, u.profile_picture_url").
		Joins("JOIN users u ON u.id = us.person_id AND u.deleted_at IS NULL").
		Where("us.deleted_at IS NULL AND us.person_id <> ? AND us.site_id IN (?)", userID, mine)
	if roleFilter != "" {
		q = q.Where("us.role = ?", roleFilter)
	}

	var rows []RelatedUser
	if err := q.Order("us.created_at ASC, us.id ASC").Scan(&rows).Error; err != nil {
		return nil, database.Translate(err)
	}

	seen := make(map[uuid.UUID]bool, len(rows))
	related := make([]RelatedUser, 0, len(rows))
	for _, row := range rows {
		if seen[row.UserID] {
			continue
		}
		seen[row.UserID] = true
		if s.presence != nil {
			row.IsOnline = s.presence.IsOnline(row.UserID)
		}
		related = append(related, row)
	}
	return related, nil
}
