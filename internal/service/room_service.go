package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat/internal/directory"
	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/fanout"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/repository"
)

// CompanyRoomName is the name of the company-wide room created by EnsureCompanyRoom.
const CompanyRoomName = "General"

// RoomService creates rooms, manages membership and answers access checks.
type RoomService interface {
	CreateRoom(ctx context.Context, creator directory.Participant, req dto.CreateRoomRequest) (dto.RoomResponse, error)
	EnsureCompanyRoom(ctx context.Context, creator directory.Participant) (dto.RoomResponse, bool, error)
	Get(ctx context.Context, participant directory.Participant, roomID uint) (dto.RoomResponse, error)
	ListForParticipant(ctx context.Context, participant directory.Participant) ([]dto.RoomResponse, error)
	Members(ctx context.Context, participant directory.Participant, roomID uint) ([]dto.MemberResponse, error)
	AddMember(ctx context.Context, actor directory.Participant, roomID uint, req dto.AddMemberRequest) (dto.MemberResponse, error)
	RemoveMember(ctx context.Context, actor directory.Participant, roomID, participantID uint) error
	Deactivate(ctx context.Context, actor directory.Participant, roomID uint) error
	Authorize(ctx context.Context, participant directory.Participant, roomID uint) (models.Room, models.RoomMember, error)
}

type roomService struct {
	rooms         repository.RoomRepository
	members       repository.MembershipRepository
	directory     directory.Directory
	notifications NotificationService
	hub           *fanout.Hub
	validator     *validator.Validate
	logger        zerolog.Logger
	now           func() time.Time
}

// NewRoomService constructs the room and membership manager.
func NewRoomService(rooms repository.RoomRepository, members repository.MembershipRepository, dir directory.Directory, notifications NotificationService, hub *fanout.Hub, validate *validator.Validate, logger zerolog.Logger) RoomService {
	return &roomService{
		rooms:         rooms,
		members:       members,
		directory:     dir,
		notifications: notifications,
		hub:           hub,
		validator:     validate,
		logger:        logger.With().Str("component", "room_service").Logger(),
		now:           func() time.Time { return time.Now().UTC() },
	}
}

func (s *roomService) CreateRoom(ctx context.Context, creator directory.Participant, req dto.CreateRoomRequest) (dto.RoomResponse, error) {
	if creator.ID == 0 {
		return dto.RoomResponse{}, ErrAuthRequired
	}
	req.Name = strings.TrimSpace(req.Name)
	req.Description = strings.TrimSpace(req.Description)
	if err := s.validator.Struct(req); err != nil {
		return dto.RoomResponse{}, err
	}

	room := models.Room{
		Name:        req.Name,
		Kind:        req.Kind,
		CompanyID:   creator.CompanyID,
		CreatedBy:   creator.ID,
		IsActive:    true,
		Description: req.Description,
	}

	roster, err := s.roster(ctx, creator, &room, req)
	if err != nil {
		return dto.RoomResponse{}, err
	}

	return s.create(ctx, creator, room, roster)
}

// roster computes the initial membership for the room kind. Department and
// project rosters are snapshots taken now.
func (s *roomService) roster(ctx context.Context, creator directory.Participant, room *models.Room, req dto.CreateRoomRequest) ([]directory.Participant, error) {
	switch req.Kind {
	case models.RoomKindDirect:
		others := uniqueIDs(req.ParticipantIDs, creator.ID)
		if len(others) != 1 {
			return nil, fmt.Errorf("%w: a direct room needs exactly one other participant", ErrInvalidRoom)
		}
		return s.resolveExplicit(ctx, creator, others)
	case models.RoomKindGroup, models.RoomKindCompany:
		return s.resolveExplicit(ctx, creator, uniqueIDs(req.ParticipantIDs, creator.ID))
	case models.RoomKindDepartment:
		if strings.TrimSpace(creator.Department) == "" {
			return nil, fmt.Errorf("%w: creator has no department", ErrInvalidRoom)
		}
		room.Department = creator.Department
		return s.directory.CompanyMembers(ctx, creator.CompanyID, creator.Department)
	case models.RoomKindProject:
		if req.ProjectID == nil {
			return nil, fmt.Errorf("%w: project_id is required", ErrInvalidRoom)
		}
		room.ProjectID = req.ProjectID
		team, err := s.directory.ProjectMembers(ctx, *req.ProjectID)
		if err != nil {
			return nil, err
		}
		out := make([]directory.Participant, 0, len(team))
		for _, member := range team {
			if member.CompanyID != creator.CompanyID {
				s.logger.Warn().Uint("project_id", *req.ProjectID).Uint("participant_id", member.ID).Msg("skipping project member from another company")
				continue
			}
			out = append(out, member)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("%w: unknown room type %q", ErrInvalidRoom, req.Kind)
	}
}

func (s *roomService) resolveExplicit(ctx context.Context, creator directory.Participant, ids []uint) ([]directory.Participant, error) {
	out := make([]directory.Participant, 0, len(ids))
	for _, id := range ids {
		participant, err := s.directory.Resolve(ctx, id)
		if err != nil {
			if errors.Is(err, directory.ErrParticipantNotFound) {
				return nil, fmt.Errorf("%w: participant %d not found", ErrInvalidRoom, id)
			}
			return nil, err
		}
		if participant.CompanyID != creator.CompanyID {
			return nil, fmt.Errorf("%w: participant %d", ErrCrossCompany, id)
		}
		out = append(out, participant)
	}
	return out, nil
}

func (s *roomService) create(ctx context.Context, creator directory.Participant, room models.Room, roster []directory.Participant) (dto.RoomResponse, error) {
	members := []models.RoomMember{{ParticipantID: creator.ID, IsAdmin: true}}
	for _, participant := range roster {
		if participant.ID == creator.ID {
			continue
		}
		members = append(members, models.RoomMember{ParticipantID: participant.ID})
	}

	if err := s.rooms.Create(ctx, &room, members); err != nil {
		return dto.RoomResponse{}, persistenceError(err)
	}

	s.logger.Info().
		Uint("room_id", room.ID).
		Str("room_type", string(room.Kind)).
		Int("members", len(members)).
		Msg("room created")

	for _, member := range members[1:] {
		s.invite(ctx, creator, room, member.ParticipantID)
	}
	if room.Kind == models.RoomKindCompany && s.notifications != nil {
		s.notifications.Announce(ctx, room.CompanyID, fmt.Sprintf("New room %s", room.Name), fmt.Sprintf("%s opened %s", creator.DisplayName, room.Name))
	}

	return dto.NewRoomResponse(room, int64(len(members))), nil
}

func (s *roomService) invite(ctx context.Context, actor directory.Participant, room models.Room, participantID uint) {
	if s.notifications == nil {
		return
	}
	senderID := actor.ID
	_, err := s.notifications.Notify(ctx, models.Notification{
		RecipientID: participantID,
		SenderID:    &senderID,
		RoomID:      room.ID,
		Kind:        models.NotificationKindRoomInvite,
		Title:       fmt.Sprintf("Added to %s", room.Name),
		Body:        fmt.Sprintf("%s added you to %s", actor.DisplayName, room.Name),
	}, actor.DisplayName)
	if err != nil {
		s.logger.Warn().Err(err).Uint("room_id", room.ID).Uint("participant_id", participantID).Msg("failed to send room invite")
	}
}

// EnsureCompanyRoom creates the company-wide room enrolling every active
// employee unless it already exists. It reports whether a room was created.
func (s *roomService) EnsureCompanyRoom(ctx context.Context, creator directory.Participant) (dto.RoomResponse, bool, error) {
	if creator.ID == 0 {
		return dto.RoomResponse{}, false, ErrAuthRequired
	}

	existing, err := s.rooms.FindByName(ctx, creator.CompanyID, models.RoomKindCompany, CompanyRoomName)
	switch {
	case err == nil:
		count, countErr := s.members.CountActive(ctx, existing.ID)
		if countErr != nil {
			return dto.RoomResponse{}, false, countErr
		}
		return dto.NewRoomResponse(existing, count), false, nil
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return dto.RoomResponse{}, false, err
	}

	roster, err := s.directory.CompanyMembers(ctx, creator.CompanyID, "")
	if err != nil {
		return dto.RoomResponse{}, false, err
	}

	room := models.Room{
		Name:        CompanyRoomName,
		Kind:        models.RoomKindCompany,
		CompanyID:   creator.CompanyID,
		CreatedBy:   creator.ID,
		IsActive:    true,
		Description: "Company-wide conversation",
	}
	response, err := s.create(ctx, creator, room, roster)
	if err != nil {
		return dto.RoomResponse{}, false, err
	}
	return response, true, nil
}

// Authorize loads the room and the participant's active membership. Rooms of
// other companies are reported as not found.
func (s *roomService) Authorize(ctx context.Context, participant directory.Participant, roomID uint) (models.Room, models.RoomMember, error) {
	if participant.ID == 0 {
		return models.Room{}, models.RoomMember{}, ErrAuthRequired
	}

	room, err := s.rooms.FindByID(ctx, roomID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Room{}, models.RoomMember{}, ErrRoomNotFound
		}
		return models.Room{}, models.RoomMember{}, err
	}
	if room.CompanyID != participant.CompanyID {
		return models.Room{}, models.RoomMember{}, ErrRoomNotFound
	}
	if !room.IsActive {
		return models.Room{}, models.RoomMember{}, ErrRoomInactive
	}

	member, err := s.members.Find(ctx, roomID, participant.ID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Room{}, models.RoomMember{}, ErrNotAMember
		}
		return models.Room{}, models.RoomMember{}, err
	}
	if !member.Active() {
		return models.Room{}, models.RoomMember{}, ErrNotAMember
	}

	return room, member, nil
}

func (s *roomService) Get(ctx context.Context, participant directory.Participant, roomID uint) (dto.RoomResponse, error) {
	room, _, err := s.Authorize(ctx, participant, roomID)
	if err != nil {
		return dto.RoomResponse{}, err
	}
	count, err := s.members.CountActive(ctx, room.ID)
	if err != nil {
		return dto.RoomResponse{}, err
	}
	return dto.NewRoomResponse(room, count), nil
}

func (s *roomService) ListForParticipant(ctx context.Context, participant directory.Participant) ([]dto.RoomResponse, error) {
	if participant.ID == 0 {
		return nil, ErrAuthRequired
	}
	rooms, err := s.rooms.ListForParticipant(ctx, participant.ID)
	if err != nil {
		return nil, err
	}

	out := make([]dto.RoomResponse, 0, len(rooms))
	for _, room := range rooms {
		count, err := s.members.CountActive(ctx, room.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, dto.NewRoomResponse(room, count))
	}
	return out, nil
}

func (s *roomService) Members(ctx context.Context, participant directory.Participant, roomID uint) ([]dto.MemberResponse, error) {
	if _, _, err := s.Authorize(ctx, participant, roomID); err != nil {
		return nil, err
	}
	members, err := s.members.ListActive(ctx, roomID)
	if err != nil {
		return nil, err
	}

	out := make([]dto.MemberResponse, 0, len(members))
	for _, member := range members {
		name := ""
		if resolved, err := s.directory.Resolve(ctx, member.ParticipantID); err == nil {
			name = resolved.DisplayName
		}
		out = append(out, dto.NewMemberResponse(member, name))
	}
	return out, nil
}

func (s *roomService) AddMember(ctx context.Context, actor directory.Participant, roomID uint, req dto.AddMemberRequest) (dto.MemberResponse, error) {
	if err := s.validator.Struct(req); err != nil {
		return dto.MemberResponse{}, err
	}
	room, member, err := s.Authorize(ctx, actor, roomID)
	if err != nil {
		return dto.MemberResponse{}, err
	}
	if !canManage(room, member) {
		return dto.MemberResponse{}, ErrUnauthorized
	}
	if room.Kind == models.RoomKindDirect {
		return dto.MemberResponse{}, fmt.Errorf("%w: direct rooms have fixed membership", ErrInvalidRoom)
	}

	participant, err := s.directory.Resolve(ctx, req.ParticipantID)
	if err != nil {
		if errors.Is(err, directory.ErrParticipantNotFound) {
			return dto.MemberResponse{}, fmt.Errorf("%w: participant %d not found", ErrInvalidRoom, req.ParticipantID)
		}
		return dto.MemberResponse{}, err
	}
	if participant.CompanyID != room.CompanyID {
		return dto.MemberResponse{}, ErrCrossCompany
	}

	added, err := s.members.Upsert(ctx, models.RoomMember{
		RoomID:        room.ID,
		ParticipantID: participant.ID,
		IsAdmin:       req.IsAdmin,
	})
	if err != nil {
		return dto.MemberResponse{}, persistenceError(err)
	}

	s.invite(ctx, actor, room, participant.ID)
	return dto.NewMemberResponse(added, participant.DisplayName), nil
}

// RemoveMember marks the membership as left and disconnects the participant's
// open connections to the room. Admins may remove anyone and every member may
// remove themselves.
func (s *roomService) RemoveMember(ctx context.Context, actor directory.Participant, roomID, participantID uint) error {
	room, member, err := s.Authorize(ctx, actor, roomID)
	if err != nil {
		return err
	}
	if participantID != actor.ID && !canManage(room, member) {
		return ErrUnauthorized
	}

	if err := s.members.Leave(ctx, roomID, participantID, s.now()); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotAMember
		}
		return persistenceError(err)
	}

	if s.hub != nil {
		s.hub.Evict(ctx, fanout.MemberTopic(roomID, participantID))
	}
	s.logger.Info().Uint("room_id", roomID).Uint("participant_id", participantID).Uint("actor_id", actor.ID).Msg("member removed")
	return nil
}

func (s *roomService) Deactivate(ctx context.Context, actor directory.Participant, roomID uint) error {
	room, member, err := s.Authorize(ctx, actor, roomID)
	if err != nil {
		return err
	}
	if !canManage(room, member) {
		return ErrUnauthorized
	}
	if err := s.rooms.Deactivate(ctx, roomID); err != nil {
		return persistenceError(err)
	}
	s.logger.Info().Uint("room_id", roomID).Uint("actor_id", actor.ID).Msg("room deactivated")
	return nil
}

func canManage(room models.Room, member models.RoomMember) bool {
	return member.IsAdmin || room.CreatedBy == member.ParticipantID
}

func uniqueIDs(ids []uint, exclude uint) []uint {
	seen := make(map[uint]struct{}, len(ids))
	out := make([]uint, 0, len(ids))
	for _, id := range ids {
		if id == 0 || id == exclude {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
