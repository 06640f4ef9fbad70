package apperror

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, KindInternal, KindOf(errors.New("boom")))
	assert.Equal(t, KindForbidden, KindOf(Forbidden("conversation_locked", "locked")))

	wrapped := fmt.Errorf("sending: %w", NotFound("conversation_not_found", "missing %s", "x"))
	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.Equal(t, "conversation_not_found", CodeOf(wrapped))
	assert.Equal(t, "internal_error", CodeOf(errors.New("boom")))
}

func TestSentinelMatching(t *testing.T) {
	sentinel := New(KindConflict, "participant_exists", "already a member")
	err := fmt.Errorf("add: %w", Conflict("participant_exists", "user %d already a member", 7))

	assert.ErrorIs(t, err, sentinel)
	assert.NotErrorIs(t, err, New(KindConflict, "conversation_exists", ""))
}

func TestTransientIsRetryable(t *testing.T) {
	err := Transient("store_timeout", context.DeadlineExceeded)

	assert.True(t, err.Retryable())
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, InvalidInput("empty_message", "empty").Retryable())
}
