package repository

import (
	"context"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-chat/internal/models"
)

// RoomRepository persists rooms and their initial membership.
type RoomRepository interface {
	Create(ctx context.Context, room *models.Room, members []models.RoomMember) error
	FindByID(ctx context.Context, id uint) (models.Room, error)
	FindByName(ctx context.Context, companyID uint, kind models.RoomKind, name string) (models.Room, error)
	ListForParticipant(ctx context.Context, participantID uint) ([]models.Room, error)
	Deactivate(ctx context.Context, id uint) error
}

type roomRepository struct {
	db *gorm.DB
}

// NewRoomRepository constructs a room repository backed by GORM.
func NewRoomRepository(db *gorm.DB) RoomRepository {
	return &roomRepository{db: db}
}

// Create inserts the room and its membership snapshot atomically. Duplicate
// participants in members collapse onto the (room, participant) unique key.
func (r *roomRepository) Create(ctx context.Context, room *models.Room, members []models.RoomMember) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(room).Error; err != nil {
			return err
		}
		if len(members) == 0 {
			return nil
		}

		now := tx.NowFunc()
		for i := range members {
			members[i].RoomID = room.ID
			if members[i].JoinedAt.IsZero() {
				members[i].JoinedAt = now
			}
			if members[i].LastSeen.IsZero() {
				members[i].LastSeen = members[i].JoinedAt
			}
		}

		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&members).Error
	})
}

func (r *roomRepository) FindByID(ctx context.Context, id uint) (models.Room, error) {
	var room models.Room
	if err := r.db.WithContext(ctx).First(&room, id).Error; err != nil {
		return models.Room{}, err
	}
	return room, nil
}

func (r *roomRepository) FindByName(ctx context.Context, companyID uint, kind models.RoomKind, name string) (models.Room, error) {
	var room models.Room
	err := r.db.WithContext(ctx).
		Where("company_id = ? AND kind = ? AND name = ?", companyID, kind, name).
		Order("id ASC").
		First(&room).Error
	if err != nil {
		return models.Room{}, err
	}
	return room, nil
}

func (r *roomRepository) ListForParticipant(ctx context.Context, participantID uint) ([]models.Room, error) {
	var rooms []models.Room
	err := r.db.WithContext(ctx).
		Model(&models.Room{}).
		Joins("JOIN room_members ON room_members.room_id = rooms.id").
		Where("room_members.participant_id = ? AND room_members.left_at IS NULL", participantID).
		Where("rooms.is_active = ?", true).
		Order("rooms.updated_at DESC").
		Find(&rooms).Error
	if err != nil {
		return nil, err
	}
	return rooms, nil
}

func (r *roomRepository) Deactivate(ctx context.Context, id uint) error {
	result := r.db.WithContext(ctx).Model(&models.Room{}).Where("id = ?", id).Update("is_active", false)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}
