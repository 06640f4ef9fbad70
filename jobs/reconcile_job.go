package jobs

import (
	"context"
	"time"

	"github.com/anjiri1684/sitechat/services"
	"github.com/rs/zerolog/log"
)

const reconcileBatch = 100

// LastMessageReconciler repoints conversations whose last-message pointer
// lags behind their newest stored message.
type LastMessageReconciler struct {
	conversations *services.ConversationStore
	messages      *services.MessageStore
	timeout       time.Duration
}

func NewLastMessageReconciler(conversations *services.ConversationStore, messages *services.MessageStore, timeout time.Duration) *LastMessageReconciler {
	return &LastMessageReconciler{conversations: conversations, messages: messages, timeout: timeout}
}

// Run is the cron entry point.
func (r *LastMessageReconciler) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	repaired, err := r.RunOnce(ctx)
	if err != nil {
		log.Error().Err(err).Int("repaired", repaired).Msg("last message reconciliation failed")
		return
	}
	if repaired > 0 {
		log.Info().Int("repaired", repaired).Msg("last message reconciliation finished")
	}
}

// RunOnce repairs one batch of stale pointers and returns how many moved.
func (r *LastMessageReconciler) RunOnce(ctx context.Context) (int, error) {
	stale, err := r.conversations.StaleLastMessagePointers(ctx, reconcileBatch)
	if err != nil {
		return 0, err
	}

	repaired := 0
	for _, id := range stale {
		latest, err := r.messages.Latest(ctx, id)
		if err != nil {
			return repaired, err
		}
		if latest == nil {
			continue
		}
		moved, err := r.conversations.UpdateLastMessage(ctx, id, latest.ID, latest.CreatedAt)
		if err != nil {
			return repaired, err
		}
		if moved {
			repaired++
			log.Warn().
				Str("conversation_id", id.String()).
				Str("message_id", latest.ID.String()).
				Msg("repaired stale last message pointer")
		}
	}
	return repaired, nil
}
