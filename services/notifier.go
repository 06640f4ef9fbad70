package services

import (
	"context"
	"fmt"
	"html"
	"time"

	"github.com/anjiri1684/sitechat/models"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Notifier fans an accepted, persisted message out to live subscribers.
type Notifier interface {
	Publish(ctx context.Context, message *models.Message)
}

type discardNotifier struct{}

func (discardNotifier) Publish(context.Context, *models.Message) {}

// Subscriptions removes a user from a conversation's live channel, so a
// removed participant stops receiving its events.
type Subscriptions interface {
	Evict(channelKey string, userID uuid.UUID)
}

type noSubscriptions struct{}

func (noSubscriptions) Evict(string, uuid.UUID) {}

// Transport is the real-time channel transport. Publishing is best effort:
// there is no queue and no retry.
type Transport interface {
	Publish(channelKey, eventName string, payload interface{})
}

// Presence answers whether a user currently holds a live connection.
type Presence interface {
	IsOnline(userID uuid.UUID) bool
}

type MessageEvent struct {
	Message *models.Message `json:"message"`
}

// NewMessageEventName is the event published on a conversation channel for
// each accepted message.
func NewMessageEventName(conversationID uuid.UUID) string {
	return "new-message-received::" + conversationID.String()
}

// DeliveryNotifier publishes new-message events keyed by conversation id and
// optionally emails participants that are offline.
type DeliveryNotifier struct {
	transport Transport
	offline   *OfflineMailer
}

func NewDeliveryNotifier(transport Transport, offline *OfflineMailer) *DeliveryNotifier {
	return &DeliveryNotifier{transport: transport, offline: offline}
}

func (n *DeliveryNotifier) Publish(ctx context.Context, message *models.Message) {
	n.transport.Publish(message.ConversationID.String(), NewMessageEventName(message.ConversationID), MessageEvent{Message: message})
	if n.offline != nil {
		go n.offline.NotifyOffline(message)
	}
}

// Mailer sends a single HTML email.
type Mailer interface {
	SendEmail(ctx context.Context, toName, toEmail, subject, htmlContent string) error
}

// OfflineMailer emails the participants of a conversation that were not
// connected when a message arrived.
type OfflineMailer struct {
	participants *ParticipantStore
	presence     Presence
	mailer       Mailer
	timeout      time.Duration
}

func NewOfflineMailer(participants *ParticipantStore, presence Presence, mailer Mailer, timeout time.Duration) *OfflineMailer {
	return &OfflineMailer{participants: participants, presence: presence, mailer: mailer, timeout: timeout}
}

// NotifyOffline returns the number of emails sent.
func (o *OfflineMailer) NotifyOffline(message *models.Message) int {
	ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
	defer cancel()

	participants, err := o.participants.ListActive(ctx, message.ConversationID)
	if err != nil {
		log.Error().Err(err).Str("conversation_id", message.ConversationID.String()).Msg("failed to load participants for offline notice")
		return 0
	}

	sent := 0
	for _, p := range participants {
		if p.UserID == message.SenderID || p.User == nil || o.presence.IsOnline(p.UserID) {
			continue
		}
		body := fmt.Sprintf("<h1>New message</h1><p>You have a new message waiting:</p><blockquote>%s</blockquote>", html.EscapeString(message.Text))
		if err := o.mailer.SendEmail(ctx, p.User.FullName, p.User.Email, "You have a new message", body); err != nil {
			log.Warn().Err(err).Str("user_id", p.UserID.String()).Msg("failed to send offline notice")
			continue
		}
		sent++
	}
	return sent
}
