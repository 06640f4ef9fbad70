package services

import (
	"context"
	"errors"

	"github.com/anjiri1684/sitechat/database"
	"github.com/anjiri1684/sitechat/models"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// MessageStore is the source of truth for delivered messages.
type MessageStore struct {
	db *gorm.DB
}

func NewMessageStore(db *gorm.DB) *MessageStore {
	return &MessageStore{db: db}
}

func (s *MessageStore) WithTx(tx *gorm.DB) *MessageStore {
	return &MessageStore{db: tx}
}

func (s *MessageStore) Create(ctx context.Context, message *models.Message) error {
	return database.Translate(s.db.WithContext(ctx).Create(message).Error)
}

// ListByConversation pages through a conversation oldest first.
func (s *MessageStore) ListByConversation(ctx context.Context, conversationID uuid.UUID, limit, offset int) ([]models.Message, error) {
	var messages []models.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at ASC").
		Limit(limit).
		Offset(offset).
		Find(&messages).Error
	if err != nil {
		return nil, database.Translate(err)
	}
	return messages, nil
}

// Latest returns the newest message of a conversation, nil when it has none.
func (s *MessageStore) Latest(ctx context.Context, conversationID uuid.UUID) (*models.Message, error) {
	var message models.Message
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		First(&message).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, database.Translate(err)
	}
	return &message, nil
}

func (s *MessageStore) Count(ctx context.Context, conversationID uuid.UUID) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.Message{}).
		Where("conversation_id = ?", conversationID).
		Count(&count).Error
	return count, database.Translate(err)
}
