package repository

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat/internal/models"
)

// ErrStaleMessage indicates the message changed state between read and write.
var ErrStaleMessage = errors.New("message state changed concurrently")

// MessageListOptions filters room history reads.
type MessageListOptions struct {
	After          int64
	Before         int64
	Limit          int
	IncludeDeleted bool
}

// ChatRepository is the durable, ordered message log.
type ChatRepository interface {
	Append(ctx context.Context, message *models.ChatMessage) error
	FindByID(ctx context.Context, id uint) (models.ChatMessage, error)
	ListByRoom(ctx context.Context, roomID uint, opts MessageListOptions) ([]models.ChatMessage, error)
	LatestByRoom(ctx context.Context, roomID uint) (models.ChatMessage, error)
	Transition(ctx context.Context, message *models.ChatMessage, from models.MessageState) error
	CountUnread(ctx context.Context, roomID, participantID uint, since time.Time) (int64, error)
	CountReplies(ctx context.Context, messageIDs []uint) (map[uint]int64, error)
}

type chatRepository struct {
	db *gorm.DB
}

// NewChatRepository constructs a chat repository backed by GORM.
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &chatRepository{db: db}
}

// Append assigns the next room position and inserts the message in one
// transaction. The room row update serialises concurrent senders.
func (r *chatRepository) Append(ctx context.Context, message *models.ChatMessage) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&models.Room{}).
			Where("id = ?", message.RoomID).
			UpdateColumns(map[string]interface{}{
				"last_position": gorm.Expr("last_position + 1"),
				"updated_at":    tx.NowFunc(),
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}

		var room models.Room
		if err := tx.Select("id", "last_position").First(&room, message.RoomID).Error; err != nil {
			return err
		}

		message.Position = room.LastPosition
		if message.State == "" {
			message.State = models.MessageStateActive
		}
		if message.Kind == "" {
			message.Kind = models.MessageKindText
		}

		return tx.Create(message).Error
	})
}

func (r *chatRepository) FindByID(ctx context.Context, id uint) (models.ChatMessage, error) {
	var message models.ChatMessage
	if err := r.db.WithContext(ctx).First(&message, id).Error; err != nil {
		return models.ChatMessage{}, err
	}
	return message, nil
}

func (r *chatRepository) ListByRoom(ctx context.Context, roomID uint, opts MessageListOptions) ([]models.ChatMessage, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 100 {
		limit = 50
	}

	query := r.db.WithContext(ctx).Where("room_id = ?", roomID)
	if !opts.IncludeDeleted {
		query = query.Where("state <> ?", models.MessageStateDeleted)
	}

	var messages []models.ChatMessage
	if opts.After > 0 {
		err := query.Where("position > ?", opts.After).
			Order("position ASC").
			Limit(limit).
			Find(&messages).Error
		return messages, err
	}

	if opts.Before > 0 {
		query = query.Where("position < ?", opts.Before)
	}
	if err := query.Order("position DESC").Limit(limit).Find(&messages).Error; err != nil {
		return nil, err
	}

	// Reverse to chronological order ascending for clients.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

func (r *chatRepository) LatestByRoom(ctx context.Context, roomID uint) (models.ChatMessage, error) {
	var message models.ChatMessage
	err := r.db.WithContext(ctx).
		Where("room_id = ? AND state <> ?", roomID, models.MessageStateDeleted).
		Order("position DESC").
		First(&message).Error
	if err != nil {
		return models.ChatMessage{}, err
	}
	return message, nil
}

// Transition writes the message's new state only if it is still in from.
func (r *chatRepository) Transition(ctx context.Context, message *models.ChatMessage, from models.MessageState) error {
	result := r.db.WithContext(ctx).
		Model(&models.ChatMessage{}).
		Where("id = ? AND state = ?", message.ID, from).
		Updates(map[string]interface{}{
			"state":      message.State,
			"content":    message.Content,
			"edited_at":  message.EditedAt,
			"deleted_at": message.DeletedAt,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStaleMessage
	}
	return nil
}

func (r *chatRepository) CountUnread(ctx context.Context, roomID, participantID uint, since time.Time) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&models.ChatMessage{}).
		Where("room_id = ? AND sender_id <> ? AND created_at > ?", roomID, participantID, since).
		Where("state IN ?", []models.MessageState{models.MessageStateActive, models.MessageStateEdited}).
		Count(&total).Error
	return total, err
}

func (r *chatRepository) CountReplies(ctx context.Context, messageIDs []uint) (map[uint]int64, error) {
	counts := make(map[uint]int64, len(messageIDs))
	if len(messageIDs) == 0 {
		return counts, nil
	}

	var rows []struct {
		ReplyToID uint
		Total     int64
	}
	err := r.db.WithContext(ctx).
		Model(&models.ChatMessage{}).
		Select("reply_to_id, COUNT(*) AS total").
		Where("reply_to_id IN ? AND state <> ?", messageIDs, models.MessageStateDeleted).
		Group("reply_to_id").
		Scan(&rows).Error
	if err != nil {
		return nil, err
	}

	for _, row := range rows {
		counts[row.ReplyToID] = row.Total
	}
	return counts, nil
}
