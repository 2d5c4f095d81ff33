package models

import (
	"time"

	"gorm.io/datatypes"
)

// RoomKind enumerates the supported conversation scopes.
type RoomKind string

const (
	RoomKindDirect     RoomKind = "DIRECT"
	RoomKindGroup      RoomKind = "GROUP"
	RoomKindDepartment RoomKind = "DEPARTMENT"
	RoomKindProject    RoomKind = "PROJECT"
	RoomKindCompany    RoomKind = "COMPANY"
)

// Valid reports whether the kind is one of the known room kinds.
func (k RoomKind) Valid() bool {
	switch k {
	case RoomKindDirect, RoomKindGroup, RoomKindDepartment, RoomKindProject, RoomKindCompany:
		return true
	}
	return false
}

// Room is a named conversation owned by exactly one company.
type Room struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Name         string    `gorm:"size:200;not null" json:"name"`
	Kind         RoomKind  `gorm:"size:20;not null;default:GROUP" json:"room_type"`
	CompanyID    uint      `gorm:"index;not null" json:"company_id"`
	ProjectID    *uint     `gorm:"index" json:"project_id,omitempty"`
	Department   string    `gorm:"size:120" json:"department,omitempty"`
	CreatedBy    uint      `gorm:"index;not null" json:"created_by"`
	IsActive     bool      `gorm:"not null;default:true" json:"is_active"`
	Description  string    `gorm:"type:text" json:"description"`
	LastPosition int64     `gorm:"not null;default:0" json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// RoomMember is the membership record of one participant in one room. It is
// kept after the participant leaves so the read cursor survives.
type RoomMember struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	RoomID        uint       `gorm:"not null;uniqueIndex:idx_room_member,priority:1" json:"room_id"`
	ParticipantID uint       `gorm:"not null;uniqueIndex:idx_room_member,priority:2;index" json:"participant_id"`
	JoinedAt      time.Time  `json:"joined_at"`
	LastSeen      time.Time  `json:"last_seen"`
	IsMuted       bool       `gorm:"not null;default:false" json:"is_muted"`
	IsAdmin       bool       `gorm:"not null;default:false" json:"is_admin"`
	LeftAt        *time.Time `json:"left_at,omitempty"`
}

// Active reports whether the participant is currently part of the room.
func (m RoomMember) Active() bool {
	return m.LeftAt == nil
}

// MessageKind enumerates the payload kinds a message can carry.
type MessageKind string

const (
	MessageKindText   MessageKind = "TEXT"
	MessageKindImage  MessageKind = "IMAGE"
	MessageKindFile   MessageKind = "FILE"
	MessageKindSystem MessageKind = "SYSTEM"
)

// MessageState is the lifecycle state of a message.
type MessageState string

const (
	MessageStateActive  MessageState = "ACTIVE"
	MessageStateEdited  MessageState = "EDITED"
	MessageStateDeleted MessageState = "DELETED"
)

// CanTransition reports whether a message in state s may move to next.
// Deleted is terminal.
func (s MessageState) CanTransition(next MessageState) bool {
	switch s {
	case MessageStateActive, MessageStateEdited:
		return next == MessageStateEdited || next == MessageStateDeleted
	default:
		return false
	}
}

// Visible reports whether the state is included in default reads.
func (s MessageState) Visible() bool {
	return s == MessageStateActive || s == MessageStateEdited
}

// ChatMessage is a single persisted message. Position is assigned by the
// store and strictly increases within a room.
type ChatMessage struct {
	ID            uint              `gorm:"primaryKey" json:"id"`
	RoomID        uint              `gorm:"not null;uniqueIndex:idx_room_position,priority:1" json:"room_id"`
	Position      int64             `gorm:"not null;uniqueIndex:idx_room_position,priority:2" json:"position"`
	SenderID      uint              `gorm:"index;not null" json:"sender_id"`
	Kind          MessageKind       `gorm:"size:16;not null;default:TEXT" json:"kind"`
	Content       string            `gorm:"type:text" json:"content"`
	AttachmentURL string            `gorm:"size:512" json:"attachment_url,omitempty"`
	Attachment    datatypes.JSONMap `gorm:"type:json" json:"attachment,omitempty"`
	ReplyToID     *uint             `gorm:"index" json:"reply_to,omitempty"`
	State         MessageState      `gorm:"size:16;not null;default:ACTIVE;index" json:"state"`
	EditedAt      *time.Time        `json:"edited_at,omitempty"`
	DeletedAt     *time.Time        `json:"deleted_at,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// NotificationKind enumerates chat notification categories.
type NotificationKind string

const (
	NotificationKindNewMessage NotificationKind = "NEW_MESSAGE"
	NotificationKindMention    NotificationKind = "MENTION"
	NotificationKindRoomInvite NotificationKind = "ROOM_INVITE"
	NotificationKindSystem     NotificationKind = "SYSTEM"
)

// Notification is an alert addressed to one participant. The unique index
// allows at most one row per (message, recipient, kind).
type Notification struct {
	ID          uint             `gorm:"primaryKey" json:"id"`
	RecipientID uint             `gorm:"not null;index;uniqueIndex:idx_notification_once,priority:2" json:"recipient_id"`
	SenderID    *uint            `json:"sender_id,omitempty"`
	RoomID      uint             `gorm:"index;not null" json:"room_id"`
	MessageID   *uint            `gorm:"uniqueIndex:idx_notification_once,priority:1" json:"message_id,omitempty"`
	Kind        NotificationKind `gorm:"size:20;not null;default:NEW_MESSAGE;uniqueIndex:idx_notification_once,priority:3" json:"kind"`
	Title       string           `gorm:"size:200" json:"title"`
	Body        string           `gorm:"type:text" json:"body"`
	IsRead      bool             `gorm:"not null;default:false" json:"is_read"`
	CreatedAt   time.Time        `json:"created_at"`
}
