package dto

import (
	"time"

	"github.com/noah-isme/gema-chat/internal/models"
)

// Inbound frame types accepted on realtime connections.
const (
	FramePing             = "ping"
	FrameChatMessage      = "chat_message"
	FrameTyping           = "typing"
	FrameStopTyping       = "stop_typing"
	FrameViewed           = "viewed"
	FrameJoinCompany      = "join_company"
	FrameFetchUnreadCount = "fetch_unread_count"
)

// Outbound event types.
const (
	EventPong           = "pong"
	EventChatMessage    = "chat_message"
	EventMessageEdited  = "message_edited"
	EventMessageDeleted = "message_deleted"
	EventTyping         = "typing"
	EventStopTyping     = "stop_typing"
	EventNotification   = "notification"
	EventRoomInfo       = "room_info"
	EventUnreadCount    = "unread_count"
	EventError          = "error"
)

// InboundFrame is the union of every client frame, keyed by Type.
type InboundFrame struct {
	Type      string `json:"type"`
	Content   string `json:"content,omitempty"`
	ReplyTo   *uint  `json:"reply_to,omitempty"`
	IsTyping  *bool  `json:"is_typing,omitempty"`
	CompanyID uint   `json:"company_id,omitempty"`
}

// ChatMessagePayload is the enriched message shape shared by live events and REST reads.
type ChatMessagePayload struct {
	ID            uint                   `json:"id"`
	RoomID        uint                   `json:"room_id"`
	SenderID      uint                   `json:"sender_id"`
	SenderName    string                 `json:"sender_name"`
	Content       string                 `json:"content"`
	Kind          models.MessageKind     `json:"kind"`
	AttachmentURL string                 `json:"attachment_url,omitempty"`
	Attachment    map[string]interface{} `json:"attachment,omitempty"`
	ReplyTo       *uint                  `json:"reply_to,omitempty"`
	ReplyCount    int64                  `json:"reply_count,omitempty"`
	State         models.MessageState    `json:"state"`
	IsEdited      bool                   `json:"is_edited"`
	Position      int64                  `json:"position"`
	CreatedAt     time.Time              `json:"created_at"`
	EditedAt      *time.Time             `json:"edited_at,omitempty"`
	DeletedAt     *time.Time             `json:"deleted_at,omitempty"`
}

// NewChatMessagePayload converts a model into its wire shape.
func NewChatMessagePayload(message models.ChatMessage, senderName string) ChatMessagePayload {
	payload := ChatMessagePayload{
		ID:            message.ID,
		RoomID:        message.RoomID,
		SenderID:      message.SenderID,
		SenderName:    senderName,
		Content:       message.Content,
		Kind:          message.Kind,
		AttachmentURL: message.AttachmentURL,
		ReplyTo:       message.ReplyToID,
		State:         message.State,
		IsEdited:      message.EditedAt != nil,
		Position:      message.Position,
		CreatedAt:     message.CreatedAt,
		EditedAt:      message.EditedAt,
		DeletedAt:     message.DeletedAt,
	}
	if len(message.Attachment) > 0 {
		payload.Attachment = map[string]interface{}(message.Attachment)
	}
	return payload
}

// ChatMessageEvent wraps a message for broadcast. Type is chat_message,
// message_edited or message_deleted.
type ChatMessageEvent struct {
	Type    string             `json:"type"`
	Message ChatMessagePayload `json:"message"`
}

// TypingEvent is published for typing and stop_typing frames.
type TypingEvent struct {
	Type   string `json:"type"`
	RoomID uint   `json:"room_id"`
	User   string `json:"user,omitempty"`
	UserID uint   `json:"user_id"`
}

// NotificationEvent is pushed to a recipient's personal topic.
type NotificationEvent struct {
	Type      string                  `json:"type"`
	ID        uint                    `json:"id"`
	Kind      models.NotificationKind `json:"kind"`
	Title     string                  `json:"title"`
	Message   string                  `json:"message"`
	RoomID    uint                    `json:"room_id"`
	MessageID *uint                   `json:"message_id,omitempty"`
	Sender    string                  `json:"sender,omitempty"`
	SenderID  *uint                   `json:"sender_id,omitempty"`
	CreatedAt time.Time               `json:"created_at"`
}

// RoomInfo summarises the room a connection was opened for.
type RoomInfo struct {
	ID                uint            `json:"id"`
	Name              string          `json:"name"`
	RoomType          models.RoomKind `json:"room_type"`
	ParticipantsCount int64           `json:"participants_count"`
}

type RoomInfoEvent struct {
	Type string   `json:"type"`
	Room RoomInfo `json:"room"`
}

type PongEvent struct {
	Type string `json:"type"`
}

type UnreadCountEvent struct {
	Type  string `json:"type"`
	Count int64  `json:"count"`
}

// ErrorEvent reports a rejected action to the originating connection only.
type ErrorEvent struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// SendMessageRequest is the pipeline input, from a chat_message frame or the REST API.
type SendMessageRequest struct {
	Content       string                 `json:"content" validate:"max=4000"`
	ReplyTo       *uint                  `json:"reply_to" validate:"omitempty,min=1"`
	AttachmentURL string                 `json:"attachment_url" validate:"omitempty,url,max=512"`
	Kind          models.MessageKind     `json:"kind" validate:"omitempty,oneof=TEXT IMAGE FILE"`
	Attachment    map[string]interface{} `json:"-"`
}

// EditMessageRequest replaces the content of an existing message.
type EditMessageRequest struct {
	Content string `json:"content" validate:"required,min=1,max=4000"`
}

// MessageListQuery pages through a room's history by position.
type MessageListQuery struct {
	After          int64 `query:"after" validate:"omitempty,min=0"`
	Before         int64 `query:"before" validate:"omitempty,min=0"`
	Limit          int   `query:"limit" validate:"omitempty,min=1,max=100"`
	IncludeDeleted bool  `query:"include_deleted"`
}

// CreateRoomRequest describes a new room. ParticipantIDs is ignored for
// department and project rooms, whose rosters come from the directory.
type CreateRoomRequest struct {
	Name           string          `json:"name" validate:"required,min=1,max=200"`
	Kind           models.RoomKind `json:"room_type" validate:"required,oneof=DIRECT GROUP DEPARTMENT PROJECT COMPANY"`
	Description    string          `json:"description" validate:"max=2000"`
	ParticipantIDs []uint          `json:"participant_ids" validate:"omitempty,dive,min=1"`
	ProjectID      *uint           `json:"project_id" validate:"omitempty,min=1"`
}

// AddMemberRequest enrolls a participant into an existing room.
type AddMemberRequest struct {
	ParticipantID uint `json:"participant_id" validate:"required,min=1"`
	IsAdmin       bool `json:"is_admin"`
}

// RoomResponse is the REST representation of a room.
type RoomResponse struct {
	ID                uint            `json:"id"`
	Name              string          `json:"name"`
	RoomType          models.RoomKind `json:"room_type"`
	CompanyID         uint            `json:"company_id"`
	ProjectID         *uint           `json:"project_id,omitempty"`
	Department        string          `json:"department,omitempty"`
	CreatedBy         uint            `json:"created_by"`
	IsActive          bool            `json:"is_active"`
	Description       string          `json:"description"`
	ParticipantsCount int64           `json:"participants_count"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// NewRoomResponse converts a room model into its REST shape.
func NewRoomResponse(room models.Room, participants int64) RoomResponse {
	return RoomResponse{
		ID:                room.ID,
		Name:              room.Name,
		RoomType:          room.Kind,
		CompanyID:         room.CompanyID,
		ProjectID:         room.ProjectID,
		Department:        room.Department,
		CreatedBy:         room.CreatedBy,
		IsActive:          room.IsActive,
		Description:       room.Description,
		ParticipantsCount: participants,
		CreatedAt:         room.CreatedAt,
		UpdatedAt:         room.UpdatedAt,
	}
}

// MemberResponse describes one membership record.
type MemberResponse struct {
	ParticipantID uint       `json:"participant_id"`
	DisplayName   string     `json:"display_name,omitempty"`
	JoinedAt      time.Time  `json:"joined_at"`
	LastSeen      time.Time  `json:"last_seen"`
	IsAdmin       bool       `json:"is_admin"`
	IsMuted       bool       `json:"is_muted"`
	LeftAt        *time.Time `json:"left_at,omitempty"`
}

// NewMemberResponse converts a membership model.
func NewMemberResponse(member models.RoomMember, displayName string) MemberResponse {
	return MemberResponse{
		ParticipantID: member.ParticipantID,
		DisplayName:   displayName,
		JoinedAt:      member.JoinedAt,
		LastSeen:      member.LastSeen,
		IsAdmin:       member.IsAdmin,
		IsMuted:       member.IsMuted,
		LeftAt:        member.LeftAt,
	}
}

// UnreadResponse is returned by the unread and seen endpoints.
type UnreadResponse struct {
	RoomID   uint      `json:"room_id"`
	Count    int64     `json:"count"`
	LastSeen time.Time `json:"last_seen"`
}

// RoomSummaryResponse is one row of a participant's inbox.
type RoomSummaryResponse struct {
	Room        RoomResponse        `json:"room"`
	UnreadCount int64               `json:"unread_count"`
	LastMessage *ChatMessagePayload `json:"last_message,omitempty"`
}

// NotificationListQuery filters a recipient's notifications.
type NotificationListQuery struct {
	UnreadOnly bool `query:"unread_only"`
	Limit      int  `query:"limit" validate:"omitempty,min=1,max=100"`
	Offset     int  `query:"offset" validate:"omitempty,min=0"`
}

// NotificationResponse represents notification data returned to clients.
type NotificationResponse struct {
	ID          uint                    `json:"id"`
	RecipientID uint                    `json:"recipient_id"`
	SenderID    *uint                   `json:"sender_id,omitempty"`
	RoomID      uint                    `json:"room_id"`
	MessageID   *uint                   `json:"message_id,omitempty"`
	Kind        models.NotificationKind `json:"kind"`
	Title       string                  `json:"title"`
	Body        string                  `json:"body"`
	IsRead      bool                    `json:"is_read"`
	CreatedAt   time.Time               `json:"created_at"`
}

// NewNotificationResponse converts a notification model to DTO.
func NewNotificationResponse(model models.Notification) NotificationResponse {
	return NotificationResponse{
		ID:          model.ID,
		RecipientID: model.RecipientID,
		SenderID:    model.SenderID,
		RoomID:      model.RoomID,
		MessageID:   model.MessageID,
		Kind:        model.Kind,
		Title:       model.Title,
		Body:        model.Body,
		IsRead:      model.IsRead,
		CreatedAt:   model.CreatedAt,
	}
}

// NewNotificationResponseSlice converts a slice to DTOs.
func NewNotificationResponseSlice(items []models.Notification) []NotificationResponse {
	out := make([]NotificationResponse, 0, len(items))
	for _, item := range items {
		out = append(out, NewNotificationResponse(item))
	}
	return out
}

// UnreadNotificationsResponse carries a recipient's unread notification total.
type UnreadNotificationsResponse struct {
	Count int64 `json:"count"`
}

// AnnouncementRequest is a company wide broadcast issued by an administrator.
type AnnouncementRequest struct {
	Title   string `json:"title" validate:"required,min=1,max=200"`
	Message string `json:"message" validate:"required,min=1,max=2000"`
}
