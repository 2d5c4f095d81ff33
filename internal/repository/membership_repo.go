package repository

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/noah-isme/gema-chat/internal/models"
)

// MembershipRepository manages per-(room, participant) records and read cursors.
type MembershipRepository interface {
	Upsert(ctx context.Context, member models.RoomMember) (models.RoomMember, error)
	Leave(ctx context.Context, roomID, participantID uint, at time.Time) error
	Find(ctx context.Context, roomID, participantID uint) (models.RoomMember, error)
	ListActive(ctx context.Context, roomID uint) ([]models.RoomMember, error)
	CountActive(ctx context.Context, roomID uint) (int64, error)
	Touch(ctx context.Context, roomID, participantID uint, at time.Time) (models.RoomMember, error)
}

type membershipRepository struct {
	db *gorm.DB
}

// NewMembershipRepository constructs a membership repository backed by GORM.
func NewMembershipRepository(db *gorm.DB) MembershipRepository {
	return &membershipRepository{db: db}
}

// Upsert inserts the membership or reactivates an existing record. The
// (room, participant) unique index decides, not a check-then-insert.
func (r *membershipRepository) Upsert(ctx context.Context, member models.RoomMember) (models.RoomMember, error) {
	now := r.db.NowFunc()
	if member.JoinedAt.IsZero() {
		member.JoinedAt = now
	}
	if member.LastSeen.IsZero() {
		member.LastSeen = member.JoinedAt
	}

	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}, {Name: "participant_id"}},
		DoUpdates: clause.Assignments(map[string]interface{}{"left_at": nil}),
	}).Create(&member).Error
	if err != nil {
		return models.RoomMember{}, err
	}

	return r.Find(ctx, member.RoomID, member.ParticipantID)
}

func (r *membershipRepository) Leave(ctx context.Context, roomID, participantID uint, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&models.RoomMember{}).
		Where("room_id = ? AND participant_id = ? AND left_at IS NULL", roomID, participantID).
		Update("left_at", at)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	return nil
}

func (r *membershipRepository) Find(ctx context.Context, roomID, participantID uint) (models.RoomMember, error) {
	var member models.RoomMember
	err := r.db.WithContext(ctx).
		Where("room_id = ? AND participant_id = ?", roomID, participantID).
		First(&member).Error
	if err != nil {
		return models.RoomMember{}, err
	}
	return member, nil
}

func (r *membershipRepository) ListActive(ctx context.Context, roomID uint) ([]models.RoomMember, error) {
	var members []models.RoomMember
	err := r.db.WithContext(ctx).
		Where("room_id = ? AND left_at IS NULL", roomID).
		Order("joined_at ASC, id ASC").
		Find(&members).Error
	if err != nil {
		return nil, err
	}
	return members, nil
}

func (r *membershipRepository) CountActive(ctx context.Context, roomID uint) (int64, error) {
	var total int64
	err := r.db.WithContext(ctx).
		Model(&models.RoomMember{}).
		Where("room_id = ? AND left_at IS NULL", roomID).
		Count(&total).Error
	return total, err
}

// Touch moves the read cursor forward to at. It never moves it backwards.
func (r *membershipRepository) Touch(ctx context.Context, roomID, participantID uint, at time.Time) (models.RoomMember, error) {
	err := r.db.WithContext(ctx).
		Model(&models.RoomMember{}).
		Where("room_id = ? AND participant_id = ? AND last_seen < ?", roomID, participantID, at).
		Update("last_seen", at).Error
	if err != nil {
		return models.RoomMember{}, err
	}
	return r.Find(ctx, roomID, participantID)
}
