package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-chat/internal/directory"
	"github.com/noah-isme/gema-chat/internal/dto"
	"github.com/noah-isme/gema-chat/internal/fanout"
	"github.com/noah-isme/gema-chat/internal/models"
	"github.com/noah-isme/gema-chat/internal/observability"
	"github.com/noah-isme/gema-chat/internal/repository"
)

const (
	defaultLastMessageTTL = 30 * time.Minute
	defaultNotifyWorkers  = 8
	defaultNotifyQueue    = 1024
	notifyTimeout         = 30 * time.Second
	previewLength         = 100
	maxTransitionAttempts = 3
)

var mentionIDPattern = regexp.MustCompile(`@(\d+)\b`)

// cacheLastMessageScript stores a room's last message unless the cached one
// already has a higher position.
var cacheLastMessageScript = redis.NewScript(`
local current = redis.call("GET", KEYS[1])
if current then
	local ok, cached = pcall(cjson.decode, current)
	if ok and type(cached) == "table" and tonumber(cached["position"]) and tonumber(cached["position"]) > tonumber(ARGV[2]) then
		return 0
	end
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
return 1
`)

// MessageServiceOptions tunes the message pipeline.
type MessageServiceOptions struct {
	CachePrefix    string
	LastMessageTTL time.Duration
	NotifyWorkers  int
	NotifyQueue    int
	BroadcastEdits bool
}

// MessageService turns inbound chat messages into persisted, broadcast and
// notified messages, and applies edit/delete transitions.
type MessageService interface {
	Send(ctx context.Context, sender directory.Participant, roomID uint, req dto.SendMessageRequest) (dto.ChatMessagePayload, error)
	Edit(ctx context.Context, actor directory.Participant, messageID uint, req dto.EditMessageRequest) (dto.ChatMessagePayload, error)
	Delete(ctx context.Context, actor directory.Participant, messageID uint) (dto.ChatMessagePayload, error)
	History(ctx context.Context, viewer directory.Participant, roomID uint, query dto.MessageListQuery) ([]dto.ChatMessagePayload, error)
	LastMessage(ctx context.Context, roomID uint) (*dto.ChatMessagePayload, error)
	Wait()
	Close()
}

type notifyJob struct {
	room    models.Room
	message models.ChatMessage
	sender  directory.Participant
}

type messageService struct {
	repo          repository.ChatRepository
	members       repository.MembershipRepository
	rooms         RoomService
	directory     directory.Directory
	notifications NotificationService
	hub           *fanout.Hub
	redis         *redis.Client
	validator     *validator.Validate
	logger        zerolog.Logger
	tracer        trace.Tracer
	sanitizer     *bluemonday.Policy
	workers       *errgroup.Group
	jobs          chan notifyJob
	pending       sync.WaitGroup
	mu            sync.RWMutex
	closed        bool
	closeOnce     sync.Once
	opts          MessageServiceOptions
	now           func() time.Time
}

// NewMessageService wires the message pipeline. redisClient may be nil, in
// which case the last message of a room is always read from the store.
func NewMessageService(
	repo repository.ChatRepository,
	members repository.MembershipRepository,
	rooms RoomService,
	dir directory.Directory,
	notifications NotificationService,
	hub *fanout.Hub,
	redisClient *redis.Client,
	validate *validator.Validate,
	logger zerolog.Logger,
	opts MessageServiceOptions,
) MessageService {
	if opts.NotifyWorkers <= 0 {
		opts.NotifyWorkers = defaultNotifyWorkers
	}
	if opts.NotifyQueue <= 0 {
		opts.NotifyQueue = defaultNotifyQueue
	}
	if opts.LastMessageTTL <= 0 {
		opts.LastMessageTTL = defaultLastMessageTTL
	}
	if opts.CachePrefix == "" {
		opts.CachePrefix = "chat"
	}

	s := &messageService{
		repo:          repo,
		members:       members,
		rooms:         rooms,
		directory:     dir,
		notifications: notifications,
		hub:           hub,
		redis:         redisClient,
		validator:     validate,
		logger:        logger.With().Str("component", "message_service").Logger(),
		tracer:        otel.Tracer("github.com/noah-isme/gema-chat/internal/service/message"),
		sanitizer:     bluemonday.StrictPolicy(),
		workers:       &errgroup.Group{},
		jobs:          make(chan notifyJob, opts.NotifyQueue),
		opts:          opts,
		now:           func() time.Time { return time.Now().UTC() },
	}
	for i := 0; i < opts.NotifyWorkers; i++ {
		s.workers.Go(s.runNotifier)
	}
	return s
}

func (s *messageService) Send(ctx context.Context, sender directory.Participant, roomID uint, req dto.SendMessageRequest) (dto.ChatMessagePayload, error) {
	attrs := []attribute.KeyValue{
		attribute.Int("chat.room_id", int(roomID)),
		attribute.Int("chat.sender_id", int(sender.ID)),
	}
	spanCtx, span := s.tracer.Start(ctx, "chat.send", trace.WithAttributes(attrs...))
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		span.SetStatus(codes.Error, "validation failed")
		return dto.ChatMessagePayload{}, err
	}

	room, _, err := s.rooms.Authorize(spanCtx, sender, roomID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "not authorised")
		return dto.ChatMessagePayload{}, err
	}

	content := plainText(s.sanitizer, req.Content)
	attachmentURL := strings.TrimSpace(req.AttachmentURL)
	if content == "" && attachmentURL == "" {
		return dto.ChatMessagePayload{}, ErrEmptyMessage
	}

	if req.ReplyTo != nil {
		target, err := s.repo.FindByID(spanCtx, *req.ReplyTo)
		if err != nil || target.RoomID != room.ID {
			return dto.ChatMessagePayload{}, ErrInvalidReply
		}
	}

	kind := req.Kind
	if kind == "" {
		kind = models.MessageKindText
		if attachmentURL != "" {
			kind = models.MessageKindFile
		}
	}

	message := models.ChatMessage{
		RoomID:        room.ID,
		SenderID:      sender.ID,
		Kind:          kind,
		Content:       content,
		AttachmentURL: attachmentURL,
		ReplyToID:     req.ReplyTo,
		State:         models.MessageStateActive,
	}
	if len(req.Attachment) > 0 {
		message.Attachment = req.Attachment
	}

	if err := s.repo.Append(spanCtx, &message); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "persistence failed")
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return dto.ChatMessagePayload{}, ErrRoomNotFound
		}
		return dto.ChatMessagePayload{}, persistenceError(err)
	}

	payload := dto.NewChatMessagePayload(message, sender.DisplayName)
	s.broadcast(spanCtx, room.ID, dto.EventChatMessage, payload)
	s.cacheLastMessage(spanCtx, payload)
	observability.ChatMessagesSent().WithLabelValues(string(message.Kind)).Inc()
	span.SetAttributes(attribute.Int64("chat.position", message.Position))

	s.dispatchNotifications(room, message, sender)

	return payload, nil
}

func (s *messageService) broadcast(ctx context.Context, roomID uint, eventType string, payload dto.ChatMessagePayload) {
	event := dto.ChatMessageEvent{Type: eventType, Message: payload}
	encoded, err := json.Marshal(event)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to encode chat event")
		return
	}
	s.hub.Publish(ctx, fanout.RoomTopic(roomID), encoded)
}

// plainText strips markup but keeps the text as typed. Escaping is left to
// whoever renders it.
func plainText(policy *bluemonday.Policy, raw string) string {
	return strings.TrimSpace(html.UnescapeString(policy.Sanitize(raw)))
}

// dispatchNotifications queues notification work for the worker pool without
// waiting. When the queue is full the job is dropped and counted, so a burst
// of notifications never holds up the sender.
func (s *messageService) dispatchNotifications(room models.Room, message models.ChatMessage, sender directory.Participant) {
	if s.notifications == nil {
		return
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.closed {
		s.pending.Add(1)
		select {
		case s.jobs <- notifyJob{room: room, message: message, sender: sender}:
			return
		default:
			s.pending.Done()
		}
	}

	observability.NotificationsDropped().Inc()
	s.logger.Warn().Uint("room_id", room.ID).Uint("message_id", message.ID).Msg("notification queue full, dropping fan-out")
}

func (s *messageService) runNotifier() error {
	for job := range s.jobs {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		s.notifyMembers(ctx, job.room, job.message, job.sender)
		cancel()
		s.pending.Done()
	}
	return nil
}

func (s *messageService) notifyMembers(ctx context.Context, room models.Room, message models.ChatMessage, sender directory.Participant) {
	members, err := s.members.ListActive(ctx, room.ID)
	if err != nil {
		observability.NotificationsFailed().Inc()
		s.logger.Error().Err(err).Uint("room_id", room.ID).Uint("message_id", message.ID).Msg("failed to load recipients")
		return
	}

	mentioned := s.mentions(ctx, message.Content, members, sender.ID)
	senderID := sender.ID
	messageID := message.ID
	body := fmt.Sprintf("%s: %s", sender.DisplayName, preview(message))

	for _, member := range members {
		if member.ParticipantID == sender.ID {
			continue
		}

		notification := models.Notification{
			RecipientID: member.ParticipantID,
			SenderID:    &senderID,
			RoomID:      room.ID,
			MessageID:   &messageID,
			Kind:        models.NotificationKindNewMessage,
			Title:       fmt.Sprintf("New message in %s", room.Name),
			Body:        body,
		}
		if _, err := s.notifications.Notify(ctx, notification, sender.DisplayName); err != nil {
			s.logger.Warn().Err(err).Uint("recipient_id", member.ParticipantID).Uint("message_id", messageID).Msg("failed to create notification")
		}

		if _, ok := mentioned[member.ParticipantID]; !ok {
			continue
		}
		notification.ID = 0
		notification.Kind = models.NotificationKindMention
		notification.Title = fmt.Sprintf("%s mentioned you in %s", sender.DisplayName, room.Name)
		if _, err := s.notifications.Notify(ctx, notification, sender.DisplayName); err != nil {
			s.logger.Warn().Err(err).Uint("recipient_id", member.ParticipantID).Uint("message_id", messageID).Msg("failed to create mention")
		}
	}
}

// mentions finds members addressed as @<id> or @<display name>.
func (s *messageService) mentions(ctx context.Context, content string, members []models.RoomMember, senderID uint) map[uint]struct{} {
	found := make(map[uint]struct{})
	if !strings.Contains(content, "@") {
		return found
	}

	active := make(map[uint]struct{}, len(members))
	for _, member := range members {
		active[member.ParticipantID] = struct{}{}
	}

	for _, match := range mentionIDPattern.FindAllStringSubmatch(content, -1) {
		id, err := strconv.ParseUint(match[1], 10, 64)
		if err != nil {
			continue
		}
		if _, ok := active[uint(id)]; ok && uint(id) != senderID {
			found[uint(id)] = struct{}{}
		}
	}

	lower := strings.ToLower(content)
	for _, member := range members {
		if member.ParticipantID == senderID {
			continue
		}
		if _, ok := found[member.ParticipantID]; ok {
			continue
		}
		participant, err := s.directory.Resolve(ctx, member.ParticipantID)
		if err != nil || participant.DisplayName == "" {
			continue
		}
		if strings.Contains(lower, "@"+strings.ToLower(participant.DisplayName)) {
			found[member.ParticipantID] = struct{}{}
		}
	}
	return found
}

func preview(message models.ChatMessage) string {
	content := message.Content
	if content == "" {
		switch message.Kind {
		case models.MessageKindImage:
			return "sent an image"
		default:
			return "sent a file"
		}
	}
	if utf8.RuneCountInString(content) <= previewLength {
		return content
	}
	runes := []rune(content)
	return string(runes[:previewLength]) + "..."
}

func (s *messageService) Edit(ctx context.Context, actor directory.Participant, messageID uint, req dto.EditMessageRequest) (dto.ChatMessagePayload, error) {
	spanCtx, span := s.tracer.Start(ctx, "chat.edit", trace.WithAttributes(attribute.Int("chat.message_id", int(messageID))))
	defer span.End()

	if err := s.validator.Struct(req); err != nil {
		return dto.ChatMessagePayload{}, err
	}
	content := plainText(s.sanitizer, req.Content)
	if content == "" {
		return dto.ChatMessagePayload{}, ErrEmptyMessage
	}

	message, err := s.transition(spanCtx, actor, messageID, models.MessageStateEdited, func(m *models.ChatMessage, at time.Time) {
		m.Content = content
		m.EditedAt = &at
	})
	if err != nil {
		span.RecordError(err)
		return dto.ChatMessagePayload{}, err
	}

	payload := dto.NewChatMessagePayload(message, actor.DisplayName)
	s.afterTransition(spanCtx, dto.EventMessageEdited, payload)
	return payload, nil
}

func (s *messageService) Delete(ctx context.Context, actor directory.Participant, messageID uint) (dto.ChatMessagePayload, error) {
	spanCtx, span := s.tracer.Start(ctx, "chat.delete", trace.WithAttributes(attribute.Int("chat.message_id", int(messageID))))
	defer span.End()

	message, err := s.transition(spanCtx, actor, messageID, models.MessageStateDeleted, func(m *models.ChatMessage, at time.Time) {
		m.DeletedAt = &at
	})
	if err != nil {
		span.RecordError(err)
		return dto.ChatMessagePayload{}, err
	}

	payload := dto.NewChatMessagePayload(message, actor.DisplayName)
	payload.Content = ""
	s.afterTransition(spanCtx, dto.EventMessageDeleted, payload)
	return payload, nil
}

// transition applies one state machine step for the original sender. A
// concurrent change is retried against the fresh row.
func (s *messageService) transition(ctx context.Context, actor directory.Participant, messageID uint, next models.MessageState, apply func(*models.ChatMessage, time.Time)) (models.ChatMessage, error) {
	if actor.ID == 0 {
		return models.ChatMessage{}, ErrAuthRequired
	}

	for attempt := 0; attempt < maxTransitionAttempts; attempt++ {
		message, err := s.repo.FindByID(ctx, messageID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return models.ChatMessage{}, ErrMessageNotFound
			}
			return models.ChatMessage{}, err
		}
		if message.SenderID != actor.ID {
			return models.ChatMessage{}, ErrUnauthorized
		}
		if !message.State.CanTransition(next) {
			return models.ChatMessage{}, ErrMessageDeleted
		}

		from := message.State
		message.State = next
		apply(&message, s.now())

		err = s.repo.Transition(ctx, &message, from)
		if err == nil {
			return message, nil
		}
		if !errors.Is(err, repository.ErrStaleMessage) {
			return models.ChatMessage{}, persistenceError(err)
		}
	}
	return models.ChatMessage{}, persistenceError(repository.ErrStaleMessage)
}

func (s *messageService) afterTransition(ctx context.Context, eventType string, payload dto.ChatMessagePayload) {
	s.invalidateLastMessage(ctx, payload.RoomID)
	if s.opts.BroadcastEdits {
		s.broadcast(ctx, payload.RoomID, eventType, payload)
	}
}

func (s *messageService) History(ctx context.Context, viewer directory.Participant, roomID uint, query dto.MessageListQuery) ([]dto.ChatMessagePayload, error) {
	if err := s.validator.Struct(query); err != nil {
		return nil, err
	}
	room, member, err := s.rooms.Authorize(ctx, viewer, roomID)
	if err != nil {
		return nil, err
	}
	if query.IncludeDeleted && !canManage(room, member) {
		return nil, ErrUnauthorized
	}

	messages, err := s.repo.ListByRoom(ctx, roomID, repository.MessageListOptions{
		After:          query.After,
		Before:         query.Before,
		Limit:          query.Limit,
		IncludeDeleted: query.IncludeDeleted,
	})
	if err != nil {
		return nil, err
	}

	ids := make([]uint, 0, len(messages))
	for _, message := range messages {
		ids = append(ids, message.ID)
	}
	replies, err := s.repo.CountReplies(ctx, ids)
	if err != nil {
		return nil, err
	}

	names := make(map[uint]string)
	out := make([]dto.ChatMessagePayload, 0, len(messages))
	for _, message := range messages {
		payload := dto.NewChatMessagePayload(message, s.senderName(ctx, names, message.SenderID))
		payload.ReplyCount = replies[message.ID]
		out = append(out, payload)
	}
	return out, nil
}

func (s *messageService) senderName(ctx context.Context, cache map[uint]string, id uint) string {
	if name, ok := cache[id]; ok {
		return name
	}
	name := ""
	if participant, err := s.directory.Resolve(ctx, id); err == nil {
		name = participant.DisplayName
	}
	cache[id] = name
	return name
}

// LastMessage returns the newest visible message of a room, or nil for an
// empty room. Redis is consulted first.
func (s *messageService) LastMessage(ctx context.Context, roomID uint) (*dto.ChatMessagePayload, error) {
	if cached := s.fetchLastMessage(ctx, roomID); cached != nil {
		return cached, nil
	}

	message, err := s.repo.LatestByRoom(ctx, roomID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}

	payload := dto.NewChatMessagePayload(message, s.senderName(ctx, map[uint]string{}, message.SenderID))
	s.cacheLastMessage(ctx, payload)
	return &payload, nil
}

// Wait blocks until queued notification work has finished.
func (s *messageService) Wait() {
	s.pending.Wait()
}

// Close stops accepting notification work and waits for the queue to drain.
func (s *messageService) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		close(s.jobs)
		s.mu.Unlock()
		_ = s.workers.Wait()
	})
}

func (s *messageService) lastMessageKey(roomID uint) string {
	return fmt.Sprintf("%s:room:%d:last", s.opts.CachePrefix, roomID)
}

func (s *messageService) cacheLastMessage(ctx context.Context, payload dto.ChatMessagePayload) {
	if s.redis == nil {
		return
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		s.logger.Warn().Err(err).Msg("failed to marshal chat message for cache")
		return
	}

	key := s.lastMessageKey(payload.RoomID)
	ttl := s.opts.LastMessageTTL.Milliseconds()
	if err := cacheLastMessageScript.Run(ctx, s.redis, []string{key}, string(encoded), payload.Position, ttl).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to cache chat message")
	}
}

func (s *messageService) fetchLastMessage(ctx context.Context, roomID uint) *dto.ChatMessagePayload {
	if s.redis == nil {
		return nil
	}

	result, err := s.redis.Get(ctx, s.lastMessageKey(roomID)).Result()
	if err != nil {
		return nil
	}

	var payload dto.ChatMessagePayload
	if err := json.Unmarshal([]byte(result), &payload); err != nil {
		s.logger.Warn().Err(err).Msg("failed to unmarshal cached chat message")
		return nil
	}
	return &payload
}

func (s *messageService) invalidateLastMessage(ctx context.Context, roomID uint) {
	if s.redis == nil {
		return
	}
	if err := s.redis.Del(ctx, s.lastMessageKey(roomID)).Err(); err != nil {
		s.logger.Warn().Err(err).Msg("failed to invalidate cached chat message")
	}
}
