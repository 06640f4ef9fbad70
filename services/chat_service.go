package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anjiri1684/sitechat/apperror"
	"github.com/anjiri1684/sitechat/models"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var validate = validator.New()

const (
	maxAttachments      = 10
	maxUploadsInFlight  = 4
	defaultPageSize     = 50
	maxPageSize         = 200
	defaultStoreTimeout = 5 * time.Second
)

// Requester is the authenticated caller of a chat operation.
type Requester struct {
	UserID uuid.UUID
	Role   string
}

func (r Requester) isAdmin() bool { return models.IsAdmin(r.Role) }

type CreateConversationRequest struct {
	SiteID       string   `json:"site_id" validate:"required,uuid"`
	Participants []string `json:"participants" validate:"required,min=1,dive,uuid"`
	Message      string   `json:"message" validate:"max=4000"`
}

type SendMessageRequest struct {
	ConversationID string `json:"conversation_id" validate:"required,uuid"`
	Text           string `json:"text" validate:"max=4000"`
}

type AddParticipantRequest struct {
	ConversationID string `json:"conversation_id" validate:"required,uuid"`
	UserID         string `json:"user_id" validate:"required,uuid"`
}

// Upload is one file sent along with a message.
type Upload struct {
	Filename string
	Data     []byte
}

type Page struct {
	Page     int
	PageSize int
}

func (p Page) limitOffset() (int, int) {
	size := p.PageSize
	if size <= 0 {
		size = defaultPageSize
	}
	if size > maxPageSize {
		size = maxPageSize
	}
	page := p.Page
	if page < 1 {
		page = 1
	}
	return size, (page - 1) * size
}

type ChatOptions struct {
	Notifier         Notifier
	Subscriptions    Subscriptions
	Presence         Presence
	Directory        Directory
	Attachments      AttachmentStore
	AttachmentFolder string
	GroupPolicy      GroupPolicy
	StoreTimeout     time.Duration
}

// ChatService is the entry point for every chat operation. Each call runs
// under the configured store deadline.
type ChatService struct {
	resolver      *IdentityResolver
	pipeline      *MessagePipeline
	conversations *ConversationStore
	participants  *ParticipantStore
	messages      *MessageStore
	relationships *RelationshipService
	directory     Directory
	subscriptions Subscriptions
	attachments   AttachmentStore
	folder        string
	timeout       time.Duration
}

func NewChatService(db *gorm.DB, opts ChatOptions) *ChatService {
	if opts.Directory == nil {
		opts.Directory = NewUserDirectory(db)
	}
	if opts.Attachments == nil {
		opts.Attachments = DisabledAttachments{}
	}
	if opts.Notifier == nil {
		opts.Notifier = discardNotifier{}
	}
	if opts.Subscriptions == nil {
		opts.Subscriptions = noSubscriptions{}
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = defaultStoreTimeout
	}

	conversations := NewConversationStore(db)
	participants := NewParticipantStore(db)
	messages := NewMessageStore(db)
	pipeline := NewMessagePipeline(db, conversations, participants, messages, opts.Notifier)

	return &ChatService{
		resolver:      NewIdentityResolver(db, conversations, participants, opts.Directory, pipeline, opts.GroupPolicy),
		pipeline:      pipeline,
		conversations: conversations,
		participants:  participants,
		messages:      messages,
		relationships: NewRelationshipService(db, opts.Presence),
		directory:     opts.Directory,
		subscriptions: opts.Subscriptions,
		attachments:   opts.Attachments,
		folder:        opts.AttachmentFolder,
		timeout:       opts.StoreTimeout,
	}
}

func validationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return apperror.InvalidInput("invalid_request", "field %s failed on the '%s' rule", fe.Field(), fe.Tag())
	}
	return apperror.InvalidInput("invalid_request", "%v", err)
}

func parseID(field, raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, apperror.InvalidInput("invalid_id", "%s is not a valid id", field)
	}
	return id, nil
}

func parseOptionalID(field, raw string) (*uuid.UUID, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	id, err := parseID(field, raw)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// CreateOrJoinConversation returns the conversation identified by the
// requester plus the listed participants, creating it when needed.
func (s *ChatService) CreateOrJoinConversation(ctx context.Context, r Requester, req CreateConversationRequest) (*ResolveResult, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	siteID, err := parseID("site_id", req.SiteID)
	if err != nil {
		return nil, err
	}
	ids := make([]uuid.UUID, 0, len(req.Participants))
	for _, raw := range req.Participants {
		id, err := parseID("participants", raw)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return s.resolver.ResolveOrCreate(ctx, ResolveInput{
		RequesterID:    r.UserID,
		SiteID:         siteID,
		ParticipantIDs: ids,
		InitialMessage: strings.TrimSpace(req.Message),
	})
}

// SendMessage uploads files, keeping their order, and sends the message.
// Eligibility is checked before anything is uploaded.
func (s *ChatService) SendMessage(ctx context.Context, r Requester, req SendMessageRequest, uploads []Upload) (*models.Message, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	conversationID, err := parseID("conversation_id", req.ConversationID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(req.Text) == "" && len(uploads) == 0 {
		return nil, apperror.InvalidInput("empty_message", "a message needs text or at least one attachment")
	}
	if len(uploads) > maxAttachments {
		return nil, apperror.InvalidInput("too_many_attachments", "at most %d attachments per message", maxAttachments)
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var attachmentIDs []uuid.UUID
	if len(uploads) > 0 {
		if _, _, err := s.pipeline.CheckEligibility(ctx, conversationID, r.UserID); err != nil {
			return nil, err
		}
		attachmentIDs, err = s.upload(ctx, r.UserID, uploads)
		if err != nil {
			return nil, err
		}
	}

	return s.pipeline.Send(ctx, SendInput{
		ConversationID: conversationID,
		SenderID:       r.UserID,
		Text:           req.Text,
		AttachmentIDs:  attachmentIDs,
	})
}

func (s *ChatService) upload(ctx context.Context, uploaderID uuid.UUID, uploads []Upload) ([]uuid.UUID, error) {
	ids := make([]uuid.UUID, len(uploads))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxUploadsInFlight)
	for i, u := range uploads {
		i, u := i, u
		g.Go(func() error {
			id, err := s.attachments.Store(gctx, u.Data, u.Filename, s.folder, uploaderID, ScopeMessage)
			if err != nil {
				return fmt.Errorf("uploading %s: %w", u.Filename, err)
			}
			ids[i] = id
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return ids, nil
}

// authorizeMember allows active participants and global admins.
func (s *ChatService) authorizeMember(ctx context.Context, r Requester, conversationID uuid.UUID) (*models.Conversation, error) {
	conversation, err := s.conversations.Get(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if r.isAdmin() {
		return conversation, nil
	}
	member, err := s.participants.IsActiveMember(ctx, conversationID, r.UserID)
	if err != nil {
		return nil, err
	}
	if !member {
		return nil, apperror.Forbidden("not_a_member", "You are not a participant of this conversation")
	}
	return conversation, nil
}

// authorizeManager allows global admins and participants holding the admin
// role in the conversation.
func (s *ChatService) authorizeManager(ctx context.Context, r Requester, conversationID uuid.UUID) error {
	if _, err := s.conversations.Get(ctx, conversationID); err != nil {
		return err
	}
	if r.isAdmin() {
		return nil
	}
	participant, err := s.participants.GetActive(ctx, conversationID, r.UserID)
	if apperror.IsKind(err, apperror.KindNotFound) {
		return apperror.Forbidden("not_a_member", "You are not a participant of this conversation")
	}
	if err != nil {
		return err
	}
	if participant.Role != models.ParticipantAdmin {
		return apperror.Forbidden("admin_required", "only conversation admins can do this")
	}
	return nil
}

func (s *ChatService) ListParticipants(ctx context.Context, r Requester, conversationID string) ([]models.ConversationParticipant, error) {
	id, err := parseID("conversation_id", conversationID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.authorizeMember(ctx, r, id); err != nil {
		return nil, err
	}
	return s.participants.ListActive(ctx, id)
}

// AddParticipant adds one user to a group conversation. Direct conversations
// keep the membership they were created with.
func (s *ChatService) AddParticipant(ctx context.Context, r Requester, req AddParticipantRequest) (*models.ConversationParticipant, error) {
	if err := validate.Struct(req); err != nil {
		return nil, validationError(err)
	}
	conversationID, err := parseID("conversation_id", req.ConversationID)
	if err != nil {
		return nil, err
	}
	userID, err := parseID("user_id", req.UserID)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	conversation, err := s.authorizeMember(ctx, r, conversationID)
	if err != nil {
		return nil, err
	}
	if conversation.Type == models.ConversationDirect {
		return nil, apperror.Forbidden("direct_conversation_fixed", "participants cannot be added to a direct conversation")
	}
	role, err := s.directory.GetUserRole(ctx, userID)
	if err != nil {
		return nil, err
	}
	participant, err := s.participants.Add(ctx, conversationID, userID, role)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("conversation_id", conversationID.String()).
		Str("user_id", userID.String()).
		Str("added_by", r.UserID.String()).
		Msg("participant added")
	return participant, nil
}

// RemoveParticipant lets a user leave, or a manager remove someone else.
// Removing a user that is not a member succeeds.
func (s *ChatService) RemoveParticipant(ctx context.Context, r Requester, conversationID, userID string) error {
	convID, err := parseID("conversation_id", conversationID)
	if err != nil {
		return err
	}
	targetID, err := parseID("user_id", userID)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if targetID == r.UserID {
		if _, err := s.conversations.Get(ctx, convID); err != nil {
			return err
		}
	} else if err := s.authorizeManager(ctx, r, convID); err != nil {
		return err
	}
	if err := s.participants.Remove(ctx, convID, targetID); err != nil {
		return err
	}
	s.subscriptions.Evict(convID.String(), targetID)
	return nil
}

func (s *ChatService) ToggleConversationLock(ctx context.Context, r Requester, conversationID string) (*models.Conversation, error) {
	id, err := parseID("conversation_id", conversationID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.authorizeManager(ctx, r, id); err != nil {
		return nil, err
	}
	conversation, err := s.conversations.ToggleCanConversate(ctx, id)
	if err != nil {
		return nil, err
	}
	log.Info().
		Str("conversation_id", id.String()).
		Bool("can_conversate", conversation.CanConversate).
		Msg("conversation lock toggled")
	return conversation, nil
}

func (s *ChatService) SetConversationLock(ctx context.Context, r Requester, conversationID string, locked bool) (*models.Conversation, error) {
	id, err := parseID("conversation_id", conversationID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.authorizeManager(ctx, r, id); err != nil {
		return nil, err
	}
	return s.conversations.SetCanConversate(ctx, id, !locked)
}

func (s *ChatService) ListRelatedUsers(ctx context.Context, r Requester, siteID, role string) ([]RelatedUser, error) {
	site, err := parseOptionalID("site_id", siteID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return s.relationships.RelatedUsers(ctx, r.UserID, site, strings.TrimSpace(role))
}

// ListMessages pages through a conversation oldest first. Clients use it to
// catch up on events missed while disconnected.
func (s *ChatService) ListMessages(ctx context.Context, r Requester, conversationID string, page Page) ([]models.Message, error) {
	id, err := parseID("conversation_id", conversationID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if _, err := s.authorizeMember(ctx, r, id); err != nil {
		return nil, err
	}
	limit, offset := page.limitOffset()
	return s.messages.ListByConversation(ctx, id, limit, offset)
}

func (s *ChatService) ListConversations(ctx context.Context, r Requester, siteID string, page Page) ([]models.Conversation, error) {
	site, err := parseOptionalID("site_id", siteID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	limit, offset := page.limitOffset()
	return s.conversations.ListForUser(ctx, r.UserID, site, limit, offset)
}

// FindConversationWithUser looks up the direct conversation between the
// requester and userID without creating one.
func (s *ChatService) FindConversationWithUser(ctx context.Context, r Requester, siteID, userID string) (*models.Conversation, error) {
	site, err := parseID("site_id", siteID)
	if err != nil {
		return nil, err
	}
	other, err := parseID("user_id", userID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return s.resolver.FindDirect(ctx, site, r.UserID, other)
}

// CanJoinChannel reports whether userID may subscribe to the conversation's
// real-time channel.
func (s *ChatService) CanJoinChannel(ctx context.Context, userID, conversationID uuid.UUID) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	return s.participants.IsActiveMember(ctx, conversationID, userID)
}
