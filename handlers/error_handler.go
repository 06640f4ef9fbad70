package handlers

import (
	"errors"

	"github.com/anjiri1684/sitechat/apperror"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
)

var kindStatus = map[apperror.Kind]int{
	apperror.KindInvalidInput: fiber.StatusBadRequest,
	apperror.KindNotFound:     fiber.StatusNotFound,
	apperror.KindConflict:     fiber.StatusConflict,
	apperror.KindForbidden:    fiber.StatusForbidden,
	apperror.KindTransient:    fiber.StatusServiceUnavailable,
	apperror.KindInternal:     fiber.StatusInternalServerError,
}

// ErrorHandler renders every error as {status, code, message, retryable}.
func ErrorHandler(c *fiber.Ctx, err error) error {
	var fiberErr *fiber.Error
	if errors.As(err, &fiberErr) {
		return c.Status(fiberErr.Code).JSON(fiber.Map{
			"status":    "error",
			"code":      "http_error",
			"message":   fiberErr.Message,
			"retryable": false,
		})
	}

	kind := apperror.KindOf(err)
	status, ok := kindStatus[kind]
	if !ok {
		status = fiber.StatusInternalServerError
	}

	event := log.Warn()
	if status >= fiber.StatusInternalServerError {
		event = log.Error()
	}
	event.Err(err).
		Str("path", c.Path()).
		Str("method", c.Method()).
		Str("kind", string(kind)).
		Msg("request failed")

	return c.Status(status).JSON(fiber.Map{
		"status":    "error",
		"code":      apperror.CodeOf(err),
		"message":   publicMessage(err),
		"retryable": apperror.IsTransient(err),
	})
}

// publicMessage hides the detail of internal errors from clients.
func publicMessage(err error) string {
	var appErr *apperror.Error
	if errors.As(err, &appErr) && appErr.Kind != apperror.KindInternal {
		return appErr.Message
	}
	return "internal server error"
}
