package services

import (
	"context"
	"errors"

	"github.com/anjiri1684/sitechat/apperror"
	"github.com/anjiri1684/sitechat/database"
	"github.com/anjiri1684/sitechat/models"
	"github.com/anjiri1684/sitechat/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ParticipantStore owns conversation membership. Removal is a soft delete;
// the active-membership unique index rejects a second live record per pair.
type ParticipantStore struct {
	db *gorm.DB
}

func NewParticipantStore(db *gorm.DB) *ParticipantStore {
	return &ParticipantStore{db: db}
}

func (s *ParticipantStore) WithTx(tx *gorm.DB) *ParticipantStore {
	return &ParticipantStore{db: tx}
}

func (s *ParticipantStore) Add(ctx context.Context, conversationID, userID uuid.UUID, role string) (*models.ConversationParticipant, error) {
	participant := &models.ConversationParticipant{
		ConversationID: conversationID,
		UserID:         userID,
		Role:           role,
	}
	err := s.db.WithContext(ctx).Create(participant).Error
	if database.IsUniqueViolation(err) {
		return nil, apperror.Conflict("participant_exists", "user %s is already a participant of conversation %s", userID, conversationID)
	}
	if err != nil {
		return nil, database.Translate(err)
	}
	return participant, nil
}

// Remove soft-deletes the active membership. Removing a non-member succeeds.
func (s *ParticipantStore) Remove(ctx context.Context, conversationID, userID uuid.UUID) error {
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Delete(&models.ConversationParticipant{}).Error
	return database.Translate(err)
}

func (s *ParticipantStore) ListActive(ctx context.Context, conversationID uuid.UUID) ([]models.ConversationParticipant, error) {
	var participants []models.ConversationParticipant
	err := s.db.WithContext(ctx).
		Preload("User").
		Where("conversation_id = ?", conversationID).
		Order("joined_at ASC").
		Find(&participants).Error
	if err != nil {
		return nil, database.Translate(err)
	}
	return participants, nil
}

func (s *ParticipantStore) ActiveUserIDs(ctx context.Context, conversationID uuid.UUID) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).
		Model(&models.ConversationParticipant{}).
		Where("conversation_id = ?", conversationID).
		Pluck("user_id", &ids).Error
	if err != nil {
		return nil, database.Translate(err)
	}
	return ids, nil
}

// GetActive returns the live membership of userID, or NotFound.
func (s *ParticipantStore) GetActive(ctx context.Context, conversationID, userID uuid.UUID) (*models.ConversationParticipant, error) {
	var participant models.ConversationParticipant
	err := s.db.WithContext(ctx).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		First(&participant).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperror.NotFound("participant_not_found", "user %s is not a participant of conversation %s", userID, conversationID)
	}
	if err != nil {
		return nil, database.Translate(err)
	}
	return &participant, nil
}

func (s *ParticipantStore) IsActiveMember(ctx context.Context, conversationID, userID uuid.UUID) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.ConversationParticipant{}).
		Where("conversation_id = ? AND user_id = ?", conversationID, userID).
		Count(&count).Error
	if err != nil {
		return false, database.Translate(err)
	}
	return count > 0, nil
}

// FindConversationsForUser returns the ids of live conversations userID
// actively belongs to, optionally restricted to one site.
func (s *ParticipantStore) FindConversationsForUser(ctx context.Context, userID uuid.UUID, siteID *uuid.UUID) ([]uuid.UUID, error) {
	q := s.db.WithContext(ctx).
		Model(&models.ConversationParticipant{}).
		Joins("JOIN conversations c ON c.id = conversation_participants.conversation_id AND c.deleted_at IS NULL").
		Where("conversation_participants.user_id = ?", userID)
	if siteID != nil {
		q = q.Where("c.site_id = ?", *siteID)
	}

	var ids []uuid.UUID
	if err := q.Pluck("conversation_participants.conversation_id", &ids).Error; err != nil {
		return nil, database.Translate(err)
	}
	return ids, nil
}

// MatchingConversations returns live conversations of the given site and type
// whose active member set is exactly members, oldest first. creatorID, when
// non-nil, further restricts the match.
func (s *ParticipantStore) MatchingConversations(ctx context.Context, siteID uuid.UUID, conversationType models.ConversationType, members []uuid.UUID, creatorID *uuid.UUID) ([]uuid.UUID, error) {
	if len(members) == 0 {
		return nil, nil
	}

	q := s.db.WithContext(ctx).
		Model(&models.ConversationParticipant{}).
		Joins("JOIN conversations c ON c.id = conversation_participants.conversation_id AND c.deleted_at IS NULL").
		Where("c.site_id = ? AND c.type = ?", siteID, conversationType)
	if creatorID != nil {
		q = q.Where("c.creator_id = ?", *creatorID)
	}

	var candidates []uuid.UUID
	err := q.Group("conversation_participants.conversation_id").
		Having("COUNT(*) = ? AND SUM(CASE WHEN conversation_participants.user_id IN ? THEN 1 ELSE 0 END) = ?",
			len(members), members, len(members)).
		Order("MIN(c.created_at) ASC").
		Pluck("conversation_participants.conversation_id", &candidates).Error
	if err != nil {
		return nil, database.Translate(err)
	}

	matches := make([]uuid.UUID, 0, len(candidates))
	for _, id := range candidates {
		ids, err := s.ActiveUserIDs(ctx, id)
		if err != nil {
			return nil, err
		}
		if utils.SameMembers(ids, members) {
			matches = append(matches, id)
		}
	}
	return matches, nil
}
