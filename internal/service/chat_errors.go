package service

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthRequired indicates the caller has no resolvable identity.
	ErrAuthRequired = errors.New("authentication required")
	// ErrRoomNotFound indicates the room does not exist for the caller's company.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRoomInactive indicates the room has been deactivated.
	ErrRoomInactive = errors.New("room is inactive")
	// ErrNotAMember indicates the caller is not a current member of the room.
	ErrNotAMember = errors.New("not a member of this room")
	// ErrEmptyMessage indicates neither content nor attachment was supplied.
	ErrEmptyMessage = errors.New("message is empty")
	// ErrUnauthorized indicates the caller may not change the target resource.
	ErrUnauthorized = errors.New("not allowed to modify this resource")
	// ErrPersistence wraps store failures that abort an operation.
	ErrPersistence = errors.New("failed to persist")
	// ErrMessageNotFound indicates the message does not exist.
	ErrMessageNotFound = errors.New("message not found")
	// ErrMessageDeleted indicates the message is in its terminal deleted state.
	ErrMessageDeleted = errors.New("message has been deleted")
	// ErrInvalidReply indicates reply_to references a message outside the room.
	ErrInvalidReply = errors.New("reply target must belong to the same room")
	// ErrCrossCompany indicates a participant outside the room's company.
	ErrCrossCompany = errors.New("participant belongs to another company")
	// ErrInvalidRoom indicates a room request that cannot be satisfied for its kind.
	ErrInvalidRoom = errors.New("invalid room request")
	// ErrNotificationNotFound indicates the notification does not exist for the recipient.
	ErrNotificationNotFound = errors.New("notification not found")
	// ErrAttachmentTooLarge indicates the upload exceeded the configured limit.
	ErrAttachmentTooLarge = errors.New("attachment exceeds maximum allowed size")
)

func persistenceError(err error) error {
	return fmt.Errorf("%w: %w", ErrPersistence, err)
}

// ErrorCode maps a service error onto the code carried by realtime error frames.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, ErrAuthRequired):
		return "auth_required"
	case errors.Is(err, ErrRoomNotFound):
		return "room_not_found"
	case errors.Is(err, ErrRoomInactive):
		return "room_inactive"
	case errors.Is(err, ErrNotAMember):
		return "not_a_member"
	case errors.Is(err, ErrEmptyMessage):
		return "empty_message"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrMessageNotFound):
		return "message_not_found"
	case errors.Is(err, ErrMessageDeleted):
		return "message_deleted"
	case errors.Is(err, ErrInvalidReply):
		return "invalid_reply"
	case errors.Is(err, ErrCrossCompany):
		return "cross_company"
	case errors.Is(err, ErrInvalidRoom):
		return "invalid_room"
	case errors.Is(err, ErrNotificationNotFound):
		return "notification_not_found"
	case errors.Is(err, ErrAttachmentTooLarge):
		return "attachment_too_large"
	case errors.Is(err, ErrPersistence):
		return "persistence_failure"
	default:
		return "invalid_request"
	}
}
