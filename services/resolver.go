package services

import (
	"context"
	"fmt"

	"github.com/anjiri1684/sitechat/apperror"
	"github.com/anjiri1684/sitechat/database"
	"github.com/anjiri1684/sitechat/models"
	"github.com/anjiri1684/sitechat/utils"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// GroupPolicy decides whether a group request may reuse an existing group.
type GroupPolicy string

const (
	// GroupAlwaysCreate treats every group request as a new group. Two groups
	// with the same members are distinct conversations.
	GroupAlwaysCreate GroupPolicy = "always_create"
	// GroupDedupeByMembership reuses a group created by the same requester
	// with exactly the same members.
	GroupDedupeByMembership GroupPolicy = "dedupe_by_membership"
)

func ParseGroupPolicy(s string) (GroupPolicy, error) {
	switch GroupPolicy(s) {
	case "", GroupAlwaysCreate:
		return GroupAlwaysCreate, nil
	case GroupDedupeByMembership:
		return GroupDedupeByMembership, nil
	}
	return "", fmt.Errorf("unknown group policy %q", s)
}

const maxCreateAttempts = 3

type ResolveInput struct {
	RequesterID    uuid.UUID
	SiteID         uuid.UUID
	ParticipantIDs []uuid.UUID
	InitialMessage string
}

type ResolveResult struct {
	Conversation   *models.Conversation
	Created        bool
	InitialMessage *models.Message
}

// IdentityResolver decides whether a start-conversation request reuses an
// existing conversation or creates one.
type IdentityResolver struct {
	db            *gorm.DB
	conversations *ConversationStore
	participants  *ParticipantStore
	directory     Directory
	pipeline      *MessagePipeline
	groupPolicy   GroupPolicy
}

func NewIdentityResolver(db *gorm.DB, conversations *ConversationStore, participants *ParticipantStore, directory Directory, pipeline *MessagePipeline, groupPolicy GroupPolicy) *IdentityResolver {
	if groupPolicy == "" {
		groupPolicy = GroupAlwaysCreate
	}
	return &IdentityResolver{
		db:            db,
		conversations: conversations,
		participants:  participants,
		directory:     directory,
		pipeline:      pipeline,
		groupPolicy:   groupPolicy,
	}
}

func (r *IdentityResolver) ResolveOrCreate(ctx context.Context, in ResolveInput) (*ResolveResult, error) {
	if in.SiteID == uuid.Nil {
		return nil, apperror.InvalidInput("site_required", "siteId is required")
	}
	if len(in.ParticipantIDs) == 0 {
		return nil, apperror.InvalidInput("participants_required", "Without participants you can not create a conversation")
	}

	members := utils.NormalizeParticipants(in.RequesterID, in.ParticipantIDs)
	if len(members) < 2 {
		return nil, apperror.InvalidInput("participants_required", "a conversation needs at least one participant besides the requester")
	}
	conversationType := models.ConversationTypeFor(len(members))

	conversation, err := r.match(ctx, in.SiteID, conversationType, in.RequesterID, members)
	if err != nil {
		return nil, err
	}

	result := &ResolveResult{Conversation: conversation}
	if conversation == nil {
		result.Conversation, result.Created, err = r.create(ctx, in.RequesterID, in.SiteID, conversationType, members)
		if err != nil {
			return nil, err
		}
	}

	if in.InitialMessage == "" {
		return result, nil
	}
	if !result.Conversation.CanConversate {
		log.Info().
			Str("conversation_id", result.Conversation.ID.String()).
			Msg("conversation locked, initial message not sent")
		return result, nil
	}

	result.InitialMessage, err = r.pipeline.Send(ctx, SendInput{
		ConversationID: result.Conversation.ID,
		SenderID:       in.RequesterID,
		Text:           in.InitialMessage,
	})
	if err != nil {
		return nil, err
	}
	result.Conversation.LastMessageID = &result.InitialMessage.ID
	result.Conversation.LastMessageAt = &result.InitialMessage.CreatedAt
	return result, nil
}

// FindDirect returns the live direct conversation between exactly these two
// users in siteID, without creating one.
func (r *IdentityResolver) FindDirect(ctx context.Context, siteID, userA, userB uuid.UUID) (*models.Conversation, error) {
	members := utils.NormalizeParticipants(userA, []uuid.UUID{userB})
	if len(members) != 2 {
		return nil, apperror.InvalidInput("participants_required", "a direct conversation needs two distinct users")
	}
	conversation, err := r.match(ctx, siteID, models.ConversationDirect, userA, members)
	if err != nil {
		return nil, err
	}
	if conversation == nil {
		return nil, apperror.NotFound("conversation_not_found", "Conversation not found")
	}
	return conversation, nil
}

func (r *IdentityResolver) match(ctx context.Context, siteID uuid.UUID, conversationType models.ConversationType, requesterID uuid.UUID, members []uuid.UUID) (*models.Conversation, error) {
	var creator *uuid.UUID
	switch {
	case conversationType == models.ConversationDirect:
	case r.groupPolicy == GroupDedupeByMembership:
		creator = &requesterID
	default:
		return nil, nil
	}

	ids, err := r.participants.MatchingConversations(ctx, siteID, conversationType, members, creator)
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	conversation, err := r.conversations.Get(ctx, ids[0])
	if apperror.IsKind(err, apperror.KindNotFound) {
		// deleted between the two reads
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if conversation.Type != conversationType || conversation.SiteID != siteID {
		return nil, apperror.Internal("conversation_type_mismatch",
			"conversation %s reports type %s in site %s, expected %s in site %s",
			conversation.ID, conversation.Type, conversation.SiteID, conversationType, siteID)
	}
	return conversation, nil
}

// create persists the conversation and its members in one transaction. Roles
// are resolved first so an unknown user aborts before anything is written.
// A fingerprint collision means a concurrent request created the same direct
// conversation; the winner is returned instead.
func (r *IdentityResolver) create(ctx context.Context, requesterID, siteID uuid.UUID, conversationType models.ConversationType, members []uuid.UUID) (*models.Conversation, bool, error) {
	roles := make(map[uuid.UUID]string, len(members))
	for _, id := range members {
		role, err := r.directory.GetUserRole(ctx, id)
		if err != nil {
			return nil, false, err
		}
		roles[id] = role
	}

	var fingerprint *string
	if conversationType == models.ConversationDirect {
		fp := utils.Fingerprint(siteID, members)
		fingerprint = &fp
	}

	for attempt := 1; attempt <= maxCreateAttempts; attempt++ {
		conversation := &models.Conversation{
			Type:          conversationType,
			SiteID:        siteID,
			CreatorID:     requesterID,
			CanConversate: true,
			Fingerprint:   fingerprint,
		}

		err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
			if err := r.conversations.WithTx(tx).Create(ctx, conversation); err != nil {
				return err
			}
			for _, id := range members {
				if _, err := r.participants.WithTx(tx).Add(ctx, conversation.ID, id, roles[id]); err != nil {
					return err
				}
			}
			return nil
		})
		if err == nil {
			log.Info().
				Str("conversation_id", conversation.ID.String()).
				Str("type", string(conversationType)).
				Int("participants", len(members)).
				Msg("conversation created")
			return conversation, true, nil
		}
		err = database.Translate(err)
		if fingerprint == nil || !apperror.IsKind(err, apperror.KindConflict) {
			return nil, false, err
		}

		winner, err := r.conversations.FindByFingerprint(ctx, *fingerprint)
		if apperror.IsKind(err, apperror.KindNotFound) {
			continue
		}
		if err != nil {
			return nil, false, err
		}
		if err := r.restoreMembers(ctx, winner.ID, members, roles); err != nil {
			return nil, false, err
		}
		log.Debug().
			Str("conversation_id", winner.ID.String()).
			Int("attempt", attempt).
			Msg("concurrent create resolved to existing conversation")
		return winner, false, nil
	}

	return nil, false, apperror.Internal("conversation_create_failed",
		"could not create or find the conversation after %d attempts", maxCreateAttempts)
}

// restoreMembers re-adds members that left a fingerprinted conversation.
func (r *IdentityResolver) restoreMembers(ctx context.Context, conversationID uuid.UUID, members []uuid.UUID, roles map[uuid.UUID]string) error {
	for _, id := range members {
		active, err := r.participants.IsActiveMember(ctx, conversationID, id)
		if err != nil {
			return err
		}
		if active {
			continue
		}
		if _, err := r.participants.Add(ctx, conversationID, id, roles[id]); err != nil && !apperror.IsKind(err, apperror.KindConflict) {
			return err
		}
	}
	return nil
}
