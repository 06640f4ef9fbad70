package services

import (
	"context"
	"errors"
	"time"

	"github.com/anjiri1684/sitechat/apperror"
	"github.com/anjiri1684/sitechat/database"
	"github.com/anjiri1684/sitechat/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ConversationStore owns conversation records. Soft-deleted rows are invisible
// to every method through GORM's DeletedAt scope.
type ConversationStore struct {
	db *gorm.DB
}

func NewConversationStore(db *gorm.DB) *ConversationStore {
	return &ConversationStore{db: db}
}

// WithTx returns a store bound to tx.
func (s *ConversationStore) WithTx(tx *gorm.DB) *ConversationStore {
	return &ConversationStore{db: tx}
}

func conversationNotFound(id uuid.UUID) error {
	return apperror.NotFound("conversation_not_found", "Conversation %s not found", id)
}

func (s *ConversationStore) Create(ctx context.Context, conversation *models.Conversation) error {
	err := s.db.WithContext(ctx).Create(conversation).Error
	if database.IsUniqueViolation(err) {
		return apperror.Conflict("conversation_exists", "a direct conversation with these participants already exists")
	}
	return database.Translate(err)
}

func (s *ConversationStore) Get(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	var conversation models.Conversation
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&conversation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, conversationNotFound(id)
	}
	if err != nil {
		return nil, database.Translate(err)
	}
	return &conversation, nil
}

func (s *ConversationStore) FindByFingerprint(ctx context.Context, fingerprint string) (*models.Conversation, error) {
	var conversation models.Conversation
	err := s.db.WithContext(ctx).Where("fingerprint = ?", fingerprint).First(&conversation).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperror.NotFound("conversation_not_found", "no conversation with this participant set")
	}
	if err != nil {
		return nil, database.Translate(err)
	}
	return &conversation, nil
}

// ToggleCanConversate flips the lock flag in a single UPDATE, so concurrent
// toggles never lose each other.
func (s *ConversationStore) ToggleCanConversate(ctx context.Context, id uuid.UUID) (*models.Conversation, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where("id = ?", id).
		Update("can_conversate", gorm.Expr("NOT can_conversate"))
	if res.Error != nil {
		return nil, database.Translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, conversationNotFound(id)
	}
	return s.Get(ctx, id)
}

func (s *ConversationStore) SetCanConversate(ctx context.Context, id uuid.UUID, canConversate bool) (*models.Conversation, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where("id = ?", id).
		Update("can_conversate", canConversate)
	if res.Error != nil {
		return nil, database.Translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, conversationNotFound(id)
	}
	return s.Get(ctx, id)
}

// UpdateLastMessage points the conversation at message unless it already
// points at a newer one. It reports whether the pointer moved.
func (s *ConversationStore) UpdateLastMessage(ctx context.Context, conversationID, messageID uuid.UUID, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where("id = ? AND (last_message_at IS NULL OR last_message_at <= ?)", conversationID, at).
		Updates(map[string]interface{}{
			"last_message_id": messageID,
			"last_message_at": at,
		})
	if res.Error != nil {
		return false, database.Translate(res.Error)
	}
	return res.RowsAffected > 0, nil
}

// AdvanceLastMessage moves the pointer like UpdateLastMessage, but only while
// the conversation is unlocked and senderID is still an active participant.
// A false result means either check failed or the pointer is already newer.
func (s *ConversationStore) AdvanceLastMessage(ctx context.Context, conversationID, senderID, messageID uuid.UUID, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where("id = ? AND can_conversate = ?", conversationID, true).
		Where(`EXISTS (
			SELECT 1 FROM conversation_participants cp
			WHERE cp.conversation_id = conversations.id
			AND cp.user_id = ? AND cp.deleted_at IS NULL
		)`, senderID).
		Where("last_message_at IS NULL OR last_message_at <= ?", at).
		Updates(map[string]interface{}{
			"last_message_id": messageID,
			"last_message_at": at,
		})
	if res.Error != nil {
		return false, database.Translate(res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (s *ConversationStore) SoftDelete(ctx context.Context, id uuid.UUID) error {
	res := s.db.WithContext(ctx).Where("id = ?", id).Delete(&models.Conversation{})
	if res.Error != nil {
		return database.Translate(res.Error)
	}
	if res.RowsAffected == 0 {
		return conversationNotFound(id)
	}
	return nil
}

// ListForUser returns the conversations userID actively belongs to, most
// recent activity first.
func (s *ConversationStore) ListForUser(ctx context.Context, userID uuid.UUID, siteID *uuid.UUID, limit, offset int) ([]models.Conversation, error) {
	q := s.db.WithContext(ctx).
		Joins("JOIN conversation_participants cp ON cp.conversation_id = conversations.id AND cp.deleted_at IS NULL").
		Where("cp.user_id = ?", userID)
	if siteID != nil {
		q = q.Where("conversations.site_id = ?", *siteID)
	}

	var conversations []models.Conversation
	err := q.Order("COALESCE(conversations.last_message_at, conversations.created_at) DESC").
		Limit(limit).
		Offset(offset).
		Find(&conversations).Error
	if err != nil {
		return nil, database.Translate(err)
	}
	return conversations, nil
}

// StaleLastMessagePointers returns live conversations that own a message newer
// than the one their pointer references, or that have messages but no pointer.
func (s *ConversationStore) StaleLastMessagePointers(ctx context.Context, limit int) ([]uuid.UUID, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).
		Model(&models.Conversation{}).
		Where(`EXISTS (
			SELECT 1 FROM messages m
			WHERE m.conversation_id = conversations.id
			AND (conversations.last_message_at IS NULL OR m.created_at > conversations.last_message_at)
		)`).
		Limit(limit).
		Pluck("conversations.id", &ids).Error
	if err != nil {
		return nil, database.Translate(err)
	}
	return ids, nil
}
