package handler

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-chat/internal/directory"
	"github.com/noah-isme/gema-chat/internal/middleware"
	"github.com/noah-isme/gema-chat/internal/service"
	"github.com/noah-isme/gema-chat/internal/utils"
)

// ParticipantResolver maps the authenticated identity onto a directory entry.
type ParticipantResolver interface {
	Resolve(ctx context.Context, participantID uint) (directory.Participant, error)
}

func parseQueryInt(c *fiber.Ctx, key string) (int, error) {
	value := strings.TrimSpace(c.Query(key))
	if value == "" {
		return 0, nil
	}
	return strconv.Atoi(value)
}

var errInvalidParam = errors.New("invalid path parameter")

func parseIDParam(c *fiber.Ctx, key string) (uint, error) {
	parsed, err := strconv.ParseUint(strings.TrimSpace(c.Params(key)), 10, 64)
	if err != nil || parsed == 0 {
		return 0, fmt.Errorf("%w: %s", errInvalidParam, key)
	}
	return uint(parsed), nil
}

func userIDFromContext(c *fiber.Ctx) uint {
	if v := c.Locals("user_id"); v != nil {
		if id, ok := v.(uint); ok {
			return id
		}
		if id, ok := v.(int); ok {
			if id < 0 {
				return 0
			}
			return uint(id)
		}
	}
	return 0
}

func requestContext(c *fiber.Ctx) context.Context {
	ctx := c.UserContext()
	if ctx == nil {
		ctx = context.Background()
	}
	return middleware.ContextWithCorrelation(ctx, middleware.GetCorrelationID(c))
}

func requestLogger(base zerolog.Logger, c *fiber.Ctx) *zerolog.Logger {
	logger := base
	if c != nil {
		if correlation := middleware.GetCorrelationID(c); correlation != "" {
			logger = base.With().Str("correlation_id", correlation).Logger()
		}
	}
	return &logger
}

func resolveParticipant(c *fiber.Ctx, resolver ParticipantResolver) (directory.Participant, error) {
	return resolver.Resolve(requestContext(c), userIDFromContext(c))
}

func isValidationError(err error) bool {
	var validationErrors validator.ValidationErrors
	return errors.As(err, &validationErrors)
}

// statusFor maps service failures onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case isValidationError(err), errors.Is(err, errInvalidParam):
		return fiber.StatusBadRequest
	case errors.Is(err, service.ErrAuthRequired):
		return fiber.StatusUnauthorized
	case errors.Is(err, service.ErrRoomNotFound),
		errors.Is(err, service.ErrMessageNotFound),
		errors.Is(err, service.ErrNotificationNotFound):
		return fiber.StatusNotFound
	case errors.Is(err, service.ErrNotAMember),
		errors.Is(err, service.ErrUnauthorized),
		errors.Is(err, service.ErrCrossCompany):
		return fiber.StatusForbidden
	case errors.Is(err, service.ErrRoomInactive):
		return fiber.StatusGone
	case errors.Is(err, service.ErrMessageDeleted):
		return fiber.StatusConflict
	case errors.Is(err, service.ErrEmptyMessage),
		errors.Is(err, service.ErrInvalidReply),
		errors.Is(err, service.ErrInvalidRoom):
		return fiber.StatusBadRequest
	case errors.Is(err, service.ErrAttachmentTooLarge):
		return fiber.StatusRequestEntityTooLarge
	default:
		return fiber.StatusInternalServerError
	}
}

func respondError(c *fiber.Ctx, logger zerolog.Logger, err error) error {
	status := statusFor(err)
	message := err.Error()
	if status == fiber.StatusInternalServerError {
		requestLogger(logger, c).Error().Err(err).Str("path", c.Path()).Msg("request failed")
		message = "internal error"
	}
	return utils.Fail(c, status, message, fiber.Map{"code": service.ErrorCode(err)})
}
