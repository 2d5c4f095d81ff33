package service

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat/internal/directory"
	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/repository"
)

// PresenceService maintains read cursors and derives unread counts on demand.
type PresenceService interface {
	Touch(ctx context.Context, participant directory.Participant, roomID uint) (dto.UnreadResponse, error)
	UnreadCount(ctx context.Context, participant directory.Participant, roomID uint) (dto.UnreadResponse, error)
	Summary(ctx context.Context, participant directory.Participant) ([]dto.RoomSummaryResponse, error)
}

type presenceService struct {
	rooms    RoomService
	roomRepo repository.RoomRepository
	members  repository.MembershipRepository
	messages repository.ChatRepository
	latest   MessageService
	logger   zerolog.Logger
	now      func() time.Time
}

// NewPresenceService constructs the presence and unread tracker. messages is
// used for last-message lookups in summaries and may be nil.
func NewPresenceService(rooms RoomService, roomRepo repository.RoomRepository, members repository.MembershipRepository, chat repository.ChatRepository, messages MessageService, logger zerolog.Logger) PresenceService {
	return &presenceService{
		rooms:    rooms,
		roomRepo: roomRepo,
		members:  members,
		messages: chat,
		latest:   messages,
		logger:   logger.With().Str("component", "presence_service").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Touch moves the participant's read cursor to now. The cursor never moves
// backwards.
func (s *presenceService) Touch(ctx context.Context, participant directory.Participant, roomID uint) (dto.UnreadResponse, error) {
	if _, _, err := s.rooms.Authorize(ctx, participant, roomID); err != nil {
		return dto.UnreadResponse{}, err
	}

	member, err := s.members.Touch(ctx, roomID, participant.ID, s.now())
	if err != nil {
		return dto.UnreadResponse{}, persistenceError(err)
	}

	count, err := s.messages.CountUnread(ctx, roomID, participant.ID, member.LastSeen)
	if err != nil {
		return dto.UnreadResponse{}, err
	}
	return dto.UnreadResponse{RoomID: roomID, Count: count, LastSeen: member.LastSeen}, nil
}

func (s *presenceService) UnreadCount(ctx context.Context, participant directory.Participant, roomID uint) (dto.UnreadResponse, error) {
	_, member, err := s.rooms.Authorize(ctx, participant, roomID)
	if err != nil {
		return dto.UnreadResponse{}, err
	}

	count, err := s.messages.CountUnread(ctx, roomID, participant.ID, member.LastSeen)
	if err != nil {
		return dto.UnreadResponse{}, err
	}
	return dto.UnreadResponse{RoomID: roomID, Count: count, LastSeen: member.LastSeen}, nil
}

// Summary lists the participant's active rooms with unread counts and the
// newest message of each.
func (s *presenceService) Summary(ctx context.Context, participant directory.Participant) ([]dto.RoomSummaryResponse, error) {
	if participant.ID == 0 {
		return nil, ErrAuthRequired
	}

	rooms, err := s.roomRepo.ListForParticipant(ctx, participant.ID)
	if err != nil {
		return nil, err
	}

	out := make([]dto.RoomSummaryResponse, 0, len(rooms))
	for _, room := range rooms {
		if room.CompanyID != participant.CompanyID {
			continue
		}

		member, err := s.members.Find(ctx, room.ID, participant.ID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return nil, err
		}

		unread, err := s.messages.CountUnread(ctx, room.ID, participant.ID, member.LastSeen)
		if err != nil {
			return nil, err
		}
		total, err := s.members.CountActive(ctx, room.ID)
		if err != nil {
			return nil, err
		}

		summary := dto.RoomSummaryResponse{
			Room:        dto.NewRoomResponse(room, total),
			UnreadCount: unread,
		}
		if s.latest != nil {
			last, err := s.latest.LastMessage(ctx, room.ID)
			if err != nil {
				s.logger.Warn().Err(err).Uint("room_id", room.ID).Msg("failed to load last message")
			}
			summary.LastMessage = last
		}
		out = append(out, summary)
	}
	return out, nil
}
