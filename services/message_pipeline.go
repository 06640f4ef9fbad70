package services

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/anjiri1684/sitechat/apperror"
	"github.com/anjiri1684/sitechat/database"
	"github.com/anjiri1684/sitechat/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

type SendInput struct {
	ConversationID uuid.UUID
	SenderID       uuid.UUID
	Text           string
	AttachmentIDs  []uuid.UUID
}

// MessagePipeline accepts messages: it checks send eligibility, persists the
// message together with the conversation's last-message pointer, and only
// then hands the message to the notifier.
type MessagePipeline struct {
	db            *gorm.DB
	conversations *ConversationStore
	participants  *ParticipantStore
	messages      *MessageStore
	notifier      Notifier
	now           func() time.Time
}

func NewMessagePipeline(db *gorm.DB, conversations *ConversationStore, participants *ParticipantStore, messages *MessageStore, notifier Notifier) *MessagePipeline {
	return &MessagePipeline{
		db:            db,
		conversations: conversations,
		participants:  participants,
		messages:      messages,
		notifier:      notifier,
		now:           func() time.Time { return time.Now().UTC() },
	}
}

// CheckEligibility runs the send preconditions in order: the conversation
// exists, it is not locked, and the sender is an active participant.
func (p *MessagePipeline) CheckEligibility(ctx context.Context, conversationID, senderID uuid.UUID) (*models.Conversation, *models.ConversationParticipant, error) {
	return p.eligibility(ctx, p.conversations, p.participants, conversationID, senderID)
}

func (p *MessagePipeline) eligibility(ctx context.Context, conversations *ConversationStore, participants *ParticipantStore, conversationID, senderID uuid.UUID) (*models.Conversation, *models.ConversationParticipant, error) {
	conversation, err := conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, nil, err
	}
	if !conversation.CanConversate {
		return nil, nil, apperror.Forbidden("conversation_locked", "You cannot send message in this conversation")
	}
	sender, err := participants.GetActive(ctx, conversationID, senderID)
	if apperror.IsKind(err, apperror.KindNotFound) {
		return nil, nil, apperror.Forbidden("not_a_member", "You are not a participant of this conversation")
	}
	if err != nil {
		return nil, nil, err
	}
	return conversation, sender, nil
}

func (p *MessagePipeline) Send(ctx context.Context, in SendInput) (*models.Message, error) {
	text := strings.TrimSpace(in.Text)
	if text == "" && len(in.AttachmentIDs) == 0 {
		return nil, apperror.InvalidInput("empty_message", "a message needs text or at least one attachment")
	}
	if text == "" {
		text = AttachmentPlaceholder(len(in.AttachmentIDs))
	}

	_, sender, err := p.CheckEligibility(ctx, in.ConversationID, in.SenderID)
	if err != nil {
		return nil, err
	}

	attachments := make([]string, 0, len(in.AttachmentIDs))
	for _, id := range in.AttachmentIDs {
		attachments = append(attachments, id.String())
	}
	message := &models.Message{
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		SenderRole:     sender.Role,
		Text:           text,
		Attachments:    attachments,
	}

	err = p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conversations := p.conversations.WithTx(tx)
		current, err := conversations.Get(ctx, in.ConversationID)
		if err != nil {
			return err
		}
		message.CreatedAt = p.stamp(current)
		if err := p.messages.WithTx(tx).Create(ctx, message); err != nil {
			return err
		}

		moved, err := conversations.AdvanceLastMessage(ctx, message.ConversationID, message.SenderID, message.ID, message.CreatedAt)
		if err != nil {
			return err
		}
		if moved {
			return nil
		}
		// Locked or left since the first check: the insert is rolled back.
		if _, _, err := p.eligibility(ctx, conversations, p.participants.WithTx(tx), in.ConversationID, in.SenderID); err != nil {
			return err
		}
		log.Debug().
			Str("conversation_id", message.ConversationID.String()).
			Str("message_id", message.ID.String()).
			Msg("last message pointer already newer, left unchanged")
		return nil
	})
	if err != nil {
		return nil, database.Translate(err)
	}

	p.notifier.Publish(ctx, message)
	return message, nil
}

// stamp returns the send time, never earlier than the conversation's current
// last message, so sequential sends stay ordered across instances whose
// clocks disagree.
func (p *MessagePipeline) stamp(conversation *models.Conversation) time.Time {
	now := p.now()
	if conversation.LastMessageAt != nil && !now.After(*conversation.LastMessageAt) {
		return conversation.LastMessageAt.UTC().Add(time.Microsecond)
	}
	return now
}

// AttachmentPlaceholder is the text stored for attachment-only messages.
func AttachmentPlaceholder(count int) string {
	return fmt.Sprintf("%d attachments uploaded", count)
}
